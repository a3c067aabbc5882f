package syncclient

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/ledgersync/internal/envelope"
	"github.com/tonimelisma/ledgersync/internal/ledger"
	"github.com/tonimelisma/ledgersync/internal/localstore"
	"github.com/tonimelisma/ledgersync/internal/perms"
	"github.com/tonimelisma/ledgersync/internal/pull"
	"github.com/tonimelisma/ledgersync/internal/push"
	"github.com/tonimelisma/ledgersync/internal/server"
	"github.com/tonimelisma/ledgersync/internal/store"
	"github.com/tonimelisma/ledgersync/internal/tables"
	"github.com/tonimelisma/ledgersync/testutil"
)

// backend is a real server stack behind httptest.
type backend struct {
	url    string
	db     *sql.DB
	tokens map[string]string
}

func newBackend(t *testing.T, logger *slog.Logger) *backend {
	t.Helper()

	ctx := context.Background()

	db, err := store.OpenServer(ctx, filepath.Join(t.TempDir(), "server.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ps := perms.NewStore(db)
	for _, u := range []perms.User{
		{ID: "u1", Login: "one", Role: "user"},
		{ID: "u2", Login: "two", Role: "user"},
	} {
		require.NoError(t, ps.UpsertUser(ctx, u))
	}

	resolver := perms.NewResolver(ps, logger)
	l := ledger.New(db, logger)
	registry := tables.Default()
	hub := server.NewHub()
	tokens := server.NewTokens(db, logger)

	s := server.New(server.Deps{
		Ingestor:    push.NewIngestor(db, l, registry, resolver, push.Options{MaxRows: 500, Notifier: hub}, logger),
		Distributor: pull.NewDistributor(db, l, ledger.NewGate(db, logger), registry, resolver, pull.Options{DefaultLimit: 50, MaxLimit: 100}, logger),
		Resolver:    resolver,
		Ledger:      l,
		Tokens:      tokens,
		Hub:         hub,
	}, logger)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	b := &backend{url: srv.URL, db: db, tokens: map[string]string{}}

	for _, id := range []string{"u1", "u2"} {
		tok, _, err := tokens.Issue(ctx, id, time.Hour)
		require.NoError(t, err)
		b.tokens[id] = tok
	}

	return b
}

func (b *backend) tokenSource(user string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: b.tokens[user], TokenType: "Bearer"})
}

func (b *backend) client(t *testing.T, user string) *Client {
	t.Helper()

	c := NewClient(b.url, oauth2.NewClient(context.Background(), b.tokenSource(user)), 5*time.Second, testutil.Logger(t))
	c.sleepFunc = noopSleep

	return c
}

func newLocal(t *testing.T) *localstore.Store {
	t.Helper()

	s, err := localstore.Open(context.Background(), filepath.Join(t.TempDir(), "client.db"), testutil.Logger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

type staticKeys struct{ ring *envelope.KeyRing }

func (k staticKeys) Ring() *envelope.KeyRing { return k.ring }

func TestManager_PushThenPullAcrossDevices(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, testutil.Logger(t))

	localA := newLocal(t)
	for _, id := range []string{"e1", "e2", "e3"} {
		_, err := localA.Enqueue(ctx, "entities", id, json.RawMessage(`{"id":"`+id+`","name":"n-`+id+`"}`))
		require.NoError(t, err)
	}

	_, err := localA.Enqueue(ctx, "entities", "bad", json.RawMessage(`{"name":"missing id"}`))
	require.NoError(t, err)

	devA := NewManager(b.client(t, "u1"), localA, Options{ClientID: "dev-a", PushBatchSize: 2}, testutil.Logger(t))

	rep, err := devA.Sync(ctx, TriggerExplicit)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Pushed)
	assert.Equal(t, 1, rep.Rejected)
	assert.Equal(t, 3, rep.Pulled, "own rows come back through pull")
	assert.Equal(t, int64(3), rep.Cursor)
	assert.Equal(t, StateIdle, devA.State())

	n, err := localA.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	rejected, err := localA.Rejected(ctx)
	require.NoError(t, err)
	assert.Len(t, rejected, 1)

	localB := newLocal(t)
	devB := NewManager(b.client(t, "u2"), localB, Options{ClientID: "dev-b", PullLimit: 1}, testutil.Logger(t))

	rep, err = devB.Sync(ctx, TriggerExplicit)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Pulled)
	assert.Equal(t, 3, rep.Pages)

	row, err := localB.Row(ctx, "entities", "e2")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.JSONEq(t, `{"id":"e2","name":"n-e2","last_server_seq":2}`, string(row.Payload))

	cursor, err := localB.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cursor)

	// Nothing new: one empty page, cursor unchanged.
	rep, err = devB.Sync(ctx, TriggerExplicit)
	require.NoError(t, err)
	assert.Zero(t, rep.Pulled)
	assert.Equal(t, 1, rep.Pages)
}

func TestManager_EncryptsSensitiveFieldsEndToEnd(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, testutil.Logger(t))

	key, err := envelope.GenerateKey()
	require.NoError(t, err)
	ring, err := envelope.NewKeyRing(key)
	require.NoError(t, err)

	localA := newLocal(t)
	_, err = localA.Enqueue(ctx, "entities", "e1", json.RawMessage(`{"id":"e1","meta_json":"secret plan","rank":3}`))
	require.NoError(t, err)

	opts := Options{ClientID: "dev-a", Encrypt: true, Keys: staticKeys{ring}}
	_, err = NewManager(b.client(t, "u1"), localA, opts, testutil.Logger(t)).Sync(ctx, TriggerExplicit)
	require.NoError(t, err)

	stored, err := push.NewRows(b.db).Get(ctx, "entities", "e1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.NotContains(t, string(stored.Payload), "secret plan")
	assert.Contains(t, string(stored.Payload), envelope.Prefix)

	localB := newLocal(t)
	opts.ClientID = "dev-b"
	_, err = NewManager(b.client(t, "u2"), localB, opts, testutil.Logger(t)).Sync(ctx, TriggerExplicit)
	require.NoError(t, err)

	row, err := localB.Row(ctx, "entities", "e1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.JSONEq(t, `{"id":"e1","meta_json":"secret plan","rank":3,"last_server_seq":1}`, string(row.Payload))

	// Without the key the device keeps the ciphertext as delivered.
	localC := newLocal(t)
	_, err = NewManager(b.client(t, "u2"), localC, Options{ClientID: "dev-c"}, testutil.Logger(t)).Sync(ctx, TriggerExplicit)
	require.NoError(t, err)

	row, err = localC.Row(ctx, "entities", "e1")
	require.NoError(t, err)
	assert.Contains(t, string(row.Payload), envelope.Prefix)
}

func TestManager_StructuredSensitiveFieldsSurviveRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t, testutil.Logger(t))

	key, err := envelope.GenerateKey()
	require.NoError(t, err)
	ring, err := envelope.NewKeyRing(key)
	require.NoError(t, err)

	const original = `{"id":"e1","meta_json":{"a":1,"tags":["x"],"price":12.50}}`

	localA := newLocal(t)
	_, err = localA.Enqueue(ctx, "entities", "e1", json.RawMessage(original))
	require.NoError(t, err)

	opts := Options{ClientID: "dev-a", Encrypt: true, Keys: staticKeys{ring}}
	_, err = NewManager(b.client(t, "u1"), localA, opts, testutil.Logger(t)).Sync(ctx, TriggerExplicit)
	require.NoError(t, err)

	stored, err := push.NewRows(b.db).Get(ctx, "entities", "e1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.NotContains(t, string(stored.Payload), "tags")

	localB := newLocal(t)
	opts.ClientID = "dev-b"
	_, err = NewManager(b.client(t, "u2"), localB, opts, testutil.Logger(t)).Sync(ctx, TriggerExplicit)
	require.NoError(t, err)

	rowA, err := localA.Row(ctx, "entities", "e1")
	require.NoError(t, err)
	require.NotNil(t, rowA)

	rowB, err := localB.Row(ctx, "entities", "e1")
	require.NoError(t, err)
	require.NotNil(t, rowB)

	want := `{"id":"e1","meta_json":{"a":1,"tags":["x"],"price":12.50},"last_server_seq":1}`
	assert.JSONEq(t, want, string(rowB.Payload))
	assert.JSONEq(t, string(rowA.Payload), string(rowB.Payload), "both devices hold the same row")
}

// fakeRemote is a scriptable Remote.
type fakeRemote struct {
	mu        sync.Mutex
	healthErr error
	pushErr   error
	pages     []*PullPage
	pulls     []int64
	gate      chan struct{}
	onHealth  func()
	panicPull bool
}

func (f *fakeRemote) Health(context.Context) error {
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.onHealth != nil {
		f.onHealth()
	}

	return f.healthErr
}

func (f *fakeRemote) Push(_ context.Context, req PushRequest) (*PushResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pushErr != nil {
		return nil, f.pushErr
	}

	res := &PushResult{}
	for _, b := range req.Upserts {
		res.Tables = append(res.Tables, TableResult{Table: b.Table, Applied: len(b.Rows)})
		res.Applied += len(b.Rows)
	}

	return res, nil
}

func (f *fakeRemote) Pull(_ context.Context, cursor int64, _ int, _ string) (*PullPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.panicPull {
		panic("decoder exploded")
	}

	f.pulls = append(f.pulls, cursor)

	if len(f.pages) == 0 {
		return &PullPage{ServerCursor: cursor, ServerLastSeq: cursor}, nil
	}

	p := f.pages[0]
	f.pages = f.pages[1:]

	return p, nil
}

func (f *fakeRemote) pullCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.pulls)
}

func (f *fakeRemote) set(fn func(f *fakeRemote)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fn(f)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func TestManager_CoalescesConcurrentCycles(t *testing.T) {
	remote := &fakeRemote{gate: make(chan struct{})}
	m := NewManager(remote, newLocal(t), Options{ClientID: "dev"}, testutil.Logger(t))

	done := make(chan error, 1)
	go func() {
		_, err := m.Sync(context.Background(), TriggerExplicit)
		done <- err
	}()

	require.Eventually(t, func() bool { return m.State() == StateRunning }, 5*time.Second, 5*time.Millisecond)

	_, err := m.Sync(context.Background(), TriggerExplicit)
	require.ErrorIs(t, err, ErrBusy)

	close(remote.gate)
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, 1, remote.pullCount())
}

func TestManager_RateLimitsTriggersButNotExplicit(t *testing.T) {
	remote := &fakeRemote{}
	m := NewManager(remote, newLocal(t), Options{ClientID: "dev", TriggerInterval: time.Hour}, testutil.Logger(t))
	ctx := context.Background()

	_, err := m.Sync(ctx, TriggerTimer)
	require.NoError(t, err)

	_, err = m.Sync(ctx, TriggerFocus)
	require.ErrorIs(t, err, ErrLimited)

	_, err = m.Sync(ctx, TriggerExplicit)
	require.NoError(t, err)
	assert.Equal(t, 2, remote.pullCount())
}

func TestManager_BackoffAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}

	local := newLocal(t)
	_, err := local.Enqueue(ctx, "entities", "e1", json.RawMessage(`{"id":"e1"}`))
	require.NoError(t, err)

	remote := &fakeRemote{pushErr: &APIError{StatusCode: 500, Message: "boom", Err: ErrServerError}}
	m := NewManager(remote, local, Options{ClientID: "dev"}, testutil.Logger(t))
	m.nowFunc = clock.Now

	for range 3 {
		_, err := m.Sync(ctx, TriggerExplicit)
		require.ErrorIs(t, err, ErrServerError)
	}

	assert.Equal(t, 3, m.Failures())
	assert.Equal(t, StateIdle, m.State())

	_, err = m.Sync(ctx, TriggerTimer)
	require.ErrorIs(t, err, ErrBackoff)

	_, err = m.Sync(ctx, TriggerNotify)
	require.ErrorIs(t, err, ErrBackoff)

	// Connectivity is not gated by backoff; this attempt fails again.
	_, err = m.Sync(ctx, TriggerConnectivity)
	require.ErrorIs(t, err, ErrServerError)
	assert.Equal(t, 4, m.Failures())

	clock.Advance(5*time.Minute + time.Second)
	remote.set(func(f *fakeRemote) { f.pushErr = nil })

	_, err = m.Sync(ctx, TriggerTimer)
	require.NoError(t, err)
	assert.Zero(t, m.Failures())

	pending, err := local.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestManager_OfflineDoesNotBackOff(t *testing.T) {
	remote := &fakeRemote{healthErr: errors.Join(ErrOffline, errors.New("connection refused"))}
	m := NewManager(remote, newLocal(t), Options{ClientID: "dev"}, testutil.Logger(t))

	for range 5 {
		_, err := m.Sync(context.Background(), TriggerTimer)
		require.ErrorIs(t, err, ErrOffline)
	}

	assert.Zero(t, m.Failures())
	assert.Zero(t, remote.pullCount(), "no exchange attempted while offline")
}

func TestManager_RecoversPanics(t *testing.T) {
	remote := &fakeRemote{panicPull: true}

	var phases []Phase

	m := NewManager(remote, newLocal(t), Options{
		ClientID:   "dev",
		OnProgress: func(p Progress) { phases = append(phases, p.Phase) },
	}, testutil.Logger(t))

	rep, err := m.Sync(context.Background(), TriggerExplicit)
	require.Error(t, err)
	assert.Nil(t, rep)
	assert.Contains(t, err.Error(), "decoder exploded")
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, []Phase{PhaseProbe, PhaseError}, phases)
	assert.Equal(t, 1, m.Failures())
}

func TestManager_StopsWhenServerDoesNotAdvance(t *testing.T) {
	remote := &fakeRemote{pages: []*PullPage{
		{ServerCursor: 0, ServerLastSeq: 10, HasMore: true},
	}}
	m := NewManager(remote, newLocal(t), Options{ClientID: "dev"}, testutil.Logger(t))

	_, err := m.Sync(context.Background(), TriggerExplicit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without advancing")
}

func TestManager_ProgressEstimates(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	remote := &fakeRemote{onHealth: func() { clock.Advance(4 * time.Second) }}

	var events []Progress

	m := NewManager(remote, newLocal(t), Options{
		ClientID:   "dev",
		OnProgress: func(p Progress) { events = append(events, p) },
	}, testutil.Logger(t))
	m.nowFunc = clock.Now
	m.est.record(10 * time.Second)

	_, err := m.Sync(context.Background(), TriggerExplicit)
	require.NoError(t, err)

	require.Len(t, events, 3)

	assert.Equal(t, PhaseProbe, events[0].Phase)
	assert.Equal(t, 10*time.Second, events[0].ETA)
	assert.Zero(t, events[0].Fraction)

	assert.Equal(t, PhasePull, events[1].Phase)
	assert.Equal(t, 4*time.Second, events[1].Elapsed)
	assert.Equal(t, 6*time.Second, events[1].ETA)
	assert.InDelta(t, 0.4, events[1].Fraction, 1e-9)

	assert.Equal(t, PhaseDone, events[2].Phase)
	assert.InDelta(t, 1.0, events[2].Fraction, 1e-9)
	assert.Equal(t, TriggerExplicit, events[2].Trigger)

	// The 4s cycle now feeds the moving average.
	assert.Equal(t, 7*time.Second, m.est.estimate())
}

func TestProgressFill(t *testing.T) {
	cases := []struct {
		name     string
		p        Progress
		estimate time.Duration
		eta      time.Duration
		fraction float64
	}{
		{"no estimate", Progress{Phase: PhasePull, Elapsed: time.Second}, 0, 0, 0},
		{"half way", Progress{Phase: PhasePull, Elapsed: 5 * time.Second}, 10 * time.Second, 5 * time.Second, 0.5},
		{"over running", Progress{Phase: PhasePush, Elapsed: 30 * time.Second}, 10 * time.Second, 0, maxRunningFraction},
		{"done", Progress{Phase: PhaseDone, Elapsed: time.Second}, 10 * time.Second, 0, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.p.fill(tc.estimate)
			assert.Equal(t, tc.eta, got.ETA)
			assert.InDelta(t, tc.fraction, got.Fraction, 1e-9)
			assert.Equal(t, tc.estimate, got.Estimated)
		})
	}
}

func TestEstimator_Window(t *testing.T) {
	var e estimator
	assert.Zero(t, e.estimate())

	for i := 1; i <= estimateWindow+2; i++ {
		e.record(time.Duration(i) * time.Second)
	}

	// Only the last five samples (3..7s) remain.
	assert.Equal(t, 5*time.Second, e.estimate())
}

func TestBackoffDuration(t *testing.T) {
	cases := map[int]time.Duration{
		0: 0, 2: 0,
		3: time.Minute, 4: 5 * time.Minute, 5: 15 * time.Minute,
		6: time.Hour, 20: time.Hour,
	}

	for failures, want := range cases {
		assert.Equal(t, want, backoffDuration(failures), "failures=%d", failures)
	}
}

func TestManager_RunServesQueuedTriggers(t *testing.T) {
	remote := &fakeRemote{}
	// No poll interval: only queued triggers start cycles.
	m := NewManager(remote, newLocal(t), Options{ClientID: "dev"}, testutil.Logger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- m.Run(ctx) }()

	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	cycleDone := func(n int) func() bool {
		return func() bool { return remote.pullCount() == n && m.State() == StateIdle }
	}

	m.ServerAdvanced(5)
	require.Eventually(t, cycleDone(1), 5*time.Second, 5*time.Millisecond)

	m.FocusRegained()
	require.Eventually(t, cycleDone(2), 5*time.Second, 5*time.Millisecond)

	m.ConnectivityRegained()
	require.Eventually(t, cycleDone(3), 5*time.Second, 5*time.Millisecond)
}

func TestManager_RunDropsTriggersDuringCycle(t *testing.T) {
	remote := &fakeRemote{gate: make(chan struct{})}
	m := NewManager(remote, newLocal(t), Options{ClientID: "dev"}, testutil.Logger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- m.Run(ctx) }()

	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	m.FocusRegained()
	require.Eventually(t, func() bool { return m.State() == StateRunning }, 5*time.Second, 5*time.Millisecond)

	assert.False(t, m.Request(TriggerFocus))
	assert.False(t, m.Request(TriggerConnectivity))
	m.ServerAdvanced(9)
	assert.Empty(t, m.requests)

	close(remote.gate)
	require.Eventually(t, func() bool { return m.State() == StateIdle }, 5*time.Second, 5*time.Millisecond)

	// Give Run the chance to start any cycle it might have queued.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, remote.pullCount())
}

func TestManager_IdleTriggersCollapse(t *testing.T) {
	m := NewManager(&fakeRemote{}, newLocal(t), Options{ClientID: "dev"}, testutil.Logger(t))

	assert.True(t, m.Request(TriggerFocus))
	assert.False(t, m.Request(TriggerTimer))
	assert.False(t, m.Request(TriggerConnectivity))
	assert.Len(t, m.requests, 1)
}

func TestManager_BusyRefusalKeepsLimiterToken(t *testing.T) {
	remote := &fakeRemote{gate: make(chan struct{})}
	m := NewManager(remote, newLocal(t), Options{ClientID: "dev", TriggerInterval: time.Hour}, testutil.Logger(t))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := m.Sync(ctx, TriggerExplicit)
		done <- err
	}()

	require.Eventually(t, func() bool { return m.State() == StateRunning }, 5*time.Second, 5*time.Millisecond)

	_, err := m.Sync(ctx, TriggerFocus)
	require.ErrorIs(t, err, ErrBusy)

	close(remote.gate)
	require.NoError(t, <-done)

	_, err = m.Sync(ctx, TriggerFocus)
	require.NoError(t, err, "the refused trigger did not spend the token")
}

func TestState_Strings(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "notify", TriggerNotify.String())
	assert.True(t, strings.HasPrefix(State(42).String(), "State("))
}

func TestManager_ServerAdvancedIgnoresKnownPositions(t *testing.T) {
	remote := &fakeRemote{pages: []*PullPage{{ServerCursor: 7, ServerLastSeq: 7}}}
	m := NewManager(remote, newLocal(t), Options{ClientID: "dev"}, testutil.Logger(t))

	_, err := m.Sync(context.Background(), TriggerExplicit)
	require.NoError(t, err)

	m.ServerAdvanced(7)
	assert.Empty(t, m.requests)

	m.ServerAdvanced(8)
	assert.Len(t, m.requests, 1)
}

var _ Remote = (*Client)(nil)

var _ Local = (*localstore.Store)(nil)
