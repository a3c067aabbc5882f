package syncclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/ledgersync/testutil"
)

type seqRecorder struct {
	mu   sync.Mutex
	seqs []int64
}

func (r *seqRecorder) add(seq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seqs = append(r.seqs, seq)
}

func (r *seqRecorder) last() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.seqs) == 0 {
		return -1
	}

	return r.seqs[len(r.seqs)-1]
}

func TestSubscriber_ReceivesInitialAndAdvancedPositions(t *testing.T) {
	// Websocket handlers may outlive the test body, so nothing here logs to t.
	quiet := slog.New(slog.DiscardHandler)
	b := newBackend(t, quiet)

	sub := NewSubscriber(b.url, b.tokenSource("u2"), quiet)
	rec := &seqRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- sub.Run(ctx, rec.add) }()

	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	require.Eventually(t, func() bool { return rec.last() == 0 }, 5*time.Second, 10*time.Millisecond)

	c := NewClient(b.url, oauth2.NewClient(context.Background(), b.tokenSource("u1")), 5*time.Second, testutil.Logger(t))
	_, err := c.Push(context.Background(), PushRequest{
		ClientID: "dev-a",
		Upserts:  []TableBatch{{Table: "entities", Rows: []json.RawMessage{json.RawMessage(`{"id":"e1"}`)}}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.last() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestSubscriber_StopsOnRejectedCredentials(t *testing.T) {
	quiet := slog.New(slog.DiscardHandler)
	b := newBackend(t, quiet)

	sub := NewSubscriber(b.url, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "bogus"}), quiet)
	sub.sleepFunc = noopSleep

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := sub.Run(ctx, func(int64) {})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestSubscriber_ReconnectsUntilCanceled(t *testing.T) {
	sub := NewSubscriber("http://127.0.0.1:1", nil, testutil.Logger(t))

	ctx, cancel := context.WithCancel(context.Background())

	var attempts int

	sub.sleepFunc = func(context.Context, time.Duration) error {
		attempts++
		if attempts == 3 {
			cancel()
		}

		return nil
	}

	require.NoError(t, sub.Run(ctx, func(int64) {}))
	assert.Equal(t, 3, attempts)
}

func TestSubscriber_ReportsReconnects(t *testing.T) {
	// Each connection gets one frame and is then closed by the server.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		_ = wsjson.Write(r.Context(), conn, notifyFrame{ServerLastSeq: 3})
		conn.Close(websocket.StatusGoingAway, "restarting")
	}))
	t.Cleanup(srv.Close)

	sub := NewSubscriber(srv.URL, nil, slog.New(slog.DiscardHandler))
	sub.sleepFunc = noopSleep

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reconnects atomic.Int32

	sub.OnReconnect = func() {
		if reconnects.Add(1) == 2 {
			cancel()
		}
	}

	rec := &seqRecorder{}
	require.NoError(t, sub.Run(ctx, rec.add))

	assert.Equal(t, int32(2), reconnects.Load(), "the first connection is not a reconnect")
	assert.Equal(t, int64(3), rec.last())
}
