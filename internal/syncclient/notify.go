package syncclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/oauth2"
)

const notifyPath = "/v1/sync/notify"

type notifyFrame struct {
	ServerLastSeq int64 `json:"server_last_seq"`
}

// Subscriber keeps a websocket open to the server's change notifier and
// reports every advertised ledger position. It reconnects with jittered
// backoff until its context ends.
type Subscriber struct {
	url    string
	tokens oauth2.TokenSource
	logger *slog.Logger

	// OnReconnect, when set, runs each time a connection succeeds after a
	// failed or dropped one.
	OnReconnect func()

	sleepFunc func(ctx context.Context, d time.Duration) error
	backoff   func(attempt int) time.Duration
}

// NewSubscriber creates a subscriber for the server at baseURL.
func NewSubscriber(baseURL string, tokens oauth2.TokenSource, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		url:       strings.TrimRight(baseURL, "/") + notifyPath,
		tokens:    tokens,
		logger:    logger,
		sleepFunc: timeSleep,
		backoff:   calcBackoff,
	}
}

// Run delivers positions to onSeq until ctx is canceled. Authentication
// failures end the loop since retrying cannot fix them.
func (s *Subscriber) Run(ctx context.Context, onSeq func(int64)) error {
	var (
		attempt int
		lost    bool
	)

	connected := func() {
		attempt = 0

		if lost && s.OnReconnect != nil {
			s.OnReconnect()
		}
	}

	for {
		err := s.session(ctx, onSeq, connected)
		if ctx.Err() != nil {
			return nil
		}

		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden) {
			return err
		}

		lost = true

		wait := s.backoff(min(attempt, maxRetries))
		s.logger.Warn("notification stream lost, reconnecting",
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)

		if sleepErr := s.sleepFunc(ctx, wait); sleepErr != nil {
			return nil
		}

		attempt++
	}
}

func (s *Subscriber) session(ctx context.Context, onSeq func(int64), connected func()) error {
	header := http.Header{"User-Agent": []string{userAgent}}

	if s.tokens != nil {
		tok, err := s.tokens.Token()
		if err != nil {
			return fmt.Errorf("syncclient: obtaining token: %w", err)
		}

		tok.SetAuthHeader(&http.Request{Header: header})
	}

	conn, resp, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil {
			if sentinel := classifyStatus(resp.StatusCode); sentinel != nil {
				return &APIError{StatusCode: resp.StatusCode, Message: err.Error(), Err: sentinel}
			}
		}

		return fmt.Errorf("syncclient: dialing notifier: %w", err)
	}
	defer conn.CloseNow()

	connected()
	s.logger.Debug("notification stream connected", slog.String("url", s.url))

	for {
		var frame notifyFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return fmt.Errorf("syncclient: reading notification: %w", err)
		}

		onSeq(frame.ServerLastSeq)
	}
}
