package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tonimelisma/ledgersync/internal/envelope"
	"github.com/tonimelisma/ledgersync/internal/localstore"
	"github.com/tonimelisma/ledgersync/internal/tables"
)

// State of the Manager. A cycle moves idle → running → done|error and the
// manager returns to idle once the cycle's final progress event is emitted.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Trigger is what asked for a cycle.
type Trigger int

const (
	TriggerTimer Trigger = iota
	TriggerFocus
	TriggerConnectivity
	TriggerExplicit
	TriggerNotify
)

func (t Trigger) String() string {
	switch t {
	case TriggerTimer:
		return "timer"
	case TriggerFocus:
		return "focus"
	case TriggerConnectivity:
		return "connectivity"
	case TriggerExplicit:
		return "explicit"
	case TriggerNotify:
		return "notify"
	default:
		return fmt.Sprintf("Trigger(%d)", int(t))
	}
}

// Backoff for consecutive failed cycles: 3→1m, 4→5m, 5→15m, 6+→1h.
const (
	backoffThreshold = 3
	backoffMaxCap    = 1 * time.Hour
)

var backoffSteps = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	backoffMaxCap,
}

func backoffDuration(failures int) time.Duration {
	if failures < backoffThreshold {
		return 0
	}

	idx := failures - backoffThreshold
	if idx >= len(backoffSteps) {
		return backoffMaxCap
	}

	return backoffSteps[idx]
}

// Remote is the server surface a Manager needs. *Client implements it.
type Remote interface {
	Health(ctx context.Context) error
	Push(ctx context.Context, req PushRequest) (*PushResult, error)
	Pull(ctx context.Context, cursor int64, limit int, clientID string) (*PullPage, error)
}

// Local is the device store a Manager needs. *localstore.Store implements it.
type Local interface {
	Pending(ctx context.Context, limit int) ([]localstore.Mutation, error)
	MarkPushed(ctx context.Context, ids []int64) error
	MarkRejected(ctx context.Context, id int64, reason string) error
	IncrementAttempts(ctx context.Context, ids []int64) error
	ApplyPage(ctx context.Context, cursor, serverLastSeq int64, changes []localstore.Change) error
	Cursor(ctx context.Context) (int64, error)
}

// KeySource yields the current key ring.
type KeySource interface {
	Ring() *envelope.KeyRing
}

// Options configure a Manager.
type Options struct {
	ClientID      string
	PushBatchSize int
	PullLimit     int

	// PollInterval spaces timer triggers. Zero or less disables the timer.
	PollInterval time.Duration

	// TriggerInterval is the minimum spacing of non-explicit cycles. Zero
	// disables the limiter.
	TriggerInterval time.Duration

	// Encrypt seals sensitive fields before push and opens them after pull.
	Encrypt  bool
	Keys     KeySource
	Registry *tables.Registry

	// OnProgress receives progress events on the cycle's goroutine.
	OnProgress func(Progress)
}

const (
	defaultPushBatchSize = 200
	// One pending cycle is enough: it picks up everything queued so far.
	triggerQueue = 1
)

// Report summarizes one completed cycle.
type Report struct {
	Trigger       Trigger
	Pushed        int
	Rejected      int
	Pulled        int
	Pages         int
	Cursor        int64
	ServerLastSeq int64
	Elapsed       time.Duration
}

// Manager runs sync cycles for one device. At most one cycle is in flight;
// overlapping Sync calls fail fast with ErrBusy and triggers requested while
// a cycle runs are dropped.
type Manager struct {
	remote   Remote
	local    Local
	opts     Options
	logger   *slog.Logger
	limiter  *rate.Limiter
	requests chan Trigger
	est      estimator
	nowFunc  func() time.Time

	state    atomic.Int32
	failures atomic.Int32
	// blockedUntil holds unix nanos before which backoff-gated triggers are refused.
	blockedUntil atomic.Int64
	lastSeen     atomic.Int64
}

// NewManager creates a Manager.
func NewManager(remote Remote, local Local, opts Options, logger *slog.Logger) *Manager {
	if opts.PushBatchSize <= 0 {
		opts.PushBatchSize = defaultPushBatchSize
	}

	if opts.Registry == nil {
		opts.Registry = tables.Default()
	}

	limit := rate.Inf
	if opts.TriggerInterval > 0 {
		limit = rate.Every(opts.TriggerInterval)
	}

	return &Manager{
		remote:   remote,
		local:    local,
		opts:     opts,
		logger:   logger,
		limiter:  rate.NewLimiter(limit, 1),
		requests: make(chan Trigger, triggerQueue),
		nowFunc:  time.Now,
	}
}

// State returns the current state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Failures returns the number of consecutive failed cycles.
func (m *Manager) Failures() int {
	return int(m.failures.Load())
}

// Request queues a trigger for Run and reports whether it was accepted. It
// never blocks. Triggers arriving while a cycle runs are dropped, and idle
// triggers collapse into the single pending one.
func (m *Manager) Request(t Trigger) bool {
	if m.State() == StateRunning {
		return false
	}

	select {
	case m.requests <- t:
		return true
	default:
		return false
	}
}

// FocusRegained reports that the application became active again.
func (m *Manager) FocusRegained() { m.Request(TriggerFocus) }

// ConnectivityRegained reports that the network came back.
func (m *Manager) ConnectivityRegained() { m.Request(TriggerConnectivity) }

// ServerAdvanced is the notification hook: it triggers a cycle when seq is
// beyond what this device has already seen.
func (m *Manager) ServerAdvanced(seq int64) {
	if seq > m.lastSeen.Load() {
		m.Request(TriggerNotify)
	}
}

// Run drives cycles from the poll timer and queued triggers until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	var tick <-chan time.Time

	if m.opts.PollInterval > 0 {
		ticker := time.NewTicker(m.opts.PollInterval)
		defer ticker.Stop()

		tick = ticker.C
	}

	m.logger.Info("sync manager started",
		slog.String("client_id", m.opts.ClientID),
		slog.Duration("poll_interval", m.opts.PollInterval),
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("sync manager stopped")
			return nil
		case <-tick:
			m.runLogged(ctx, TriggerTimer)
			drainTick(tick)
		case t := <-m.requests:
			m.runLogged(ctx, t)
			drainTick(tick)
		}
	}
}

// drainTick discards a tick the ticker buffered during the last cycle.
func drainTick(tick <-chan time.Time) {
	select {
	case <-tick:
	default:
	}
}

func (m *Manager) runLogged(ctx context.Context, t Trigger) {
	rep, err := m.Sync(ctx, t)

	switch {
	case err == nil:
		m.logger.Info("sync cycle complete",
			slog.String("trigger", t.String()),
			slog.Int("pushed", rep.Pushed),
			slog.Int("rejected", rep.Rejected),
			slog.Int("pulled", rep.Pulled),
			slog.Int64("cursor", rep.Cursor),
			slog.Duration("elapsed", rep.Elapsed),
		)
	case errors.Is(err, ErrBusy), errors.Is(err, ErrLimited), errors.Is(err, ErrBackoff):
		m.logger.Debug("sync trigger skipped",
			slog.String("trigger", t.String()),
			slog.String("reason", err.Error()),
		)
	case ctx.Err() != nil:
	default:
		m.logger.Warn("sync cycle failed",
			slog.String("trigger", t.String()),
			slog.Int("consecutive_failures", m.Failures()),
			slog.String("error", err.Error()),
		)
	}
}

// Sync runs one cycle now. Explicit triggers bypass the rate limiter and the
// failure backoff; others are refused with ErrLimited or ErrBackoff.
func (m *Manager) Sync(ctx context.Context, t Trigger) (rep *Report, err error) {
	// A busy manager refuses before admit spends a limiter token.
	if m.State() == StateRunning {
		return nil, ErrBusy
	}

	if err := m.admit(t); err != nil {
		return nil, err
	}

	if !m.begin() {
		return nil, ErrBusy
	}

	start := m.nowFunc()
	rep = &Report{Trigger: t}

	defer func() {
		if r := recover(); r != nil {
			rep = nil
			err = fmt.Errorf("syncclient: panic in sync cycle: %v", r)
		}

		m.finish(t, rep, err, start)
	}()

	m.emit(Progress{Phase: PhaseProbe, Trigger: t}, start)

	if err := m.remote.Health(ctx); err != nil {
		return nil, err
	}

	if err := m.pushAll(ctx, rep, start); err != nil {
		return nil, err
	}

	if err := m.pullAll(ctx, rep, start); err != nil {
		return nil, err
	}

	rep.Elapsed = m.nowFunc().Sub(start)

	return rep, nil
}

func (m *Manager) admit(t Trigger) error {
	if t == TriggerExplicit {
		return nil
	}

	// Connectivity changes are exactly what an offline backoff waits for.
	if t != TriggerConnectivity {
		if until := m.blockedUntil.Load(); until > 0 && m.nowFunc().UnixNano() < until {
			return ErrBackoff
		}
	}

	if !m.limiter.Allow() {
		return ErrLimited
	}

	return nil
}

func (m *Manager) begin() bool {
	for {
		cur := m.state.Load()
		if State(cur) == StateRunning {
			return false
		}

		if m.state.CompareAndSwap(cur, int32(StateRunning)) {
			return true
		}
	}
}

func (m *Manager) finish(t Trigger, rep *Report, err error, start time.Time) {
	elapsed := m.nowFunc().Sub(start)

	if err != nil {
		m.state.Store(int32(StateError))

		// Unreachable servers are retried on the next trigger, not backed off.
		if !errors.Is(err, ErrOffline) && !errors.Is(err, context.Canceled) {
			n := int(m.failures.Add(1))
			if d := backoffDuration(n); d > 0 {
				m.blockedUntil.Store(m.nowFunc().Add(d).UnixNano())
			}
		}

		m.emit(Progress{Phase: PhaseError, Trigger: t, Elapsed: elapsed}, start)
	} else {
		m.state.Store(int32(StateDone))
		m.failures.Store(0)
		m.blockedUntil.Store(0)
		m.est.record(elapsed)
		m.emit(Progress{
			Phase:   PhaseDone,
			Trigger: t,
			Elapsed: elapsed,
			Pushed:  rep.Pushed,
			Pulled:  rep.Pulled,
			Pages:   rep.Pages,
		}, start)
	}

	m.state.Store(int32(StateIdle))
}

func (m *Manager) emit(p Progress, start time.Time) {
	if m.opts.OnProgress == nil {
		return
	}

	if p.Phase != PhaseDone && p.Phase != PhaseError {
		p.Elapsed = m.nowFunc().Sub(start)
	}

	m.opts.OnProgress(p.fill(m.est.estimate()))
}

// pushAll drains the outbox in batches. Every batch is acknowledged before
// the next is read, so the loop ends once nothing unrejected remains.
func (m *Manager) pushAll(ctx context.Context, rep *Report, start time.Time) error {
	for {
		pending, err := m.local.Pending(ctx, m.opts.PushBatchSize)
		if err != nil {
			return err
		}

		if len(pending) == 0 {
			return nil
		}

		req, ids, err := m.buildPush(pending)
		if err != nil {
			return err
		}

		res, err := m.remote.Push(ctx, req)
		if err != nil {
			if incErr := m.local.IncrementAttempts(ctx, allIDs(pending)); incErr != nil {
				m.logger.Warn("recording push attempt failed", slog.String("error", incErr.Error()))
			}

			return fmt.Errorf("syncclient: pushing %d mutations: %w", len(pending), err)
		}

		pushed, rejected, err := m.acknowledge(ctx, req, res, ids)
		if err != nil {
			return err
		}

		rep.Pushed += pushed
		rep.Rejected += rejected

		if res.LastServerSeq > rep.ServerLastSeq {
			rep.ServerLastSeq = res.LastServerSeq
		}

		m.emit(Progress{Phase: PhasePush, Trigger: rep.Trigger, Pushed: rep.Pushed}, start)
	}
}

// buildPush groups mutations by table in first-seen order. ids[i][j] is the
// outbox id of row j of batch i.
func (m *Manager) buildPush(pending []localstore.Mutation) (PushRequest, [][]int64, error) {
	req := PushRequest{ClientID: m.opts.ClientID}
	index := make(map[string]int)

	var ids [][]int64

	ring := m.ring()

	for _, mu := range pending {
		payload := mu.Payload

		if ring != nil {
			sealed, err := m.seal(mu.Table, payload, ring)
			if err != nil {
				return PushRequest{}, nil, fmt.Errorf("syncclient: encrypting %s/%s: %w", mu.Table, mu.RowID, err)
			}

			payload = sealed
		}

		i, ok := index[mu.Table]
		if !ok {
			i = len(req.Upserts)
			index[mu.Table] = i
			req.Upserts = append(req.Upserts, TableBatch{Table: mu.Table})
			ids = append(ids, nil)
		}

		req.Upserts[i].Rows = append(req.Upserts[i].Rows, payload)
		ids[i] = append(ids[i], mu.ID)
	}

	return req, ids, nil
}

func (m *Manager) acknowledge(ctx context.Context, req PushRequest, res *PushResult, ids [][]int64) (int, int, error) {
	var (
		accepted []int64
		rejected int
	)

	for i, batch := range req.Upserts {
		reasons := make(map[int]string)

		if tr, ok := resultFor(res, i, batch.Table); ok {
			for _, re := range tr.Errors {
				reasons[re.Index] = re.Error
			}
		}

		for j, id := range ids[i] {
			reason, bad := reasons[j]
			if !bad {
				accepted = append(accepted, id)
				continue
			}

			if err := m.local.MarkRejected(ctx, id, reason); err != nil {
				return 0, 0, err
			}

			rejected++
		}
	}

	if err := m.local.MarkPushed(ctx, accepted); err != nil {
		return 0, 0, err
	}

	return len(accepted), rejected, nil
}

// resultFor finds the result for batch i, which the server returns in
// request order.
func resultFor(res *PushResult, i int, table string) (TableResult, bool) {
	if i < len(res.Tables) && res.Tables[i].Table == table {
		return res.Tables[i], true
	}

	for _, tr := range res.Tables {
		if tr.Table == table {
			return tr, true
		}
	}

	return TableResult{}, false
}

func (m *Manager) pullAll(ctx context.Context, rep *Report, start time.Time) error {
	cursor, err := m.local.Cursor(ctx)
	if err != nil {
		return err
	}

	ring := m.ring()

	for {
		page, err := m.remote.Pull(ctx, cursor, m.opts.PullLimit, m.opts.ClientID)
		if err != nil {
			return fmt.Errorf("syncclient: pulling after %d: %w", cursor, err)
		}

		changes := make([]localstore.Change, 0, len(page.Changes))
		for _, c := range page.Changes {
			changes = append(changes, m.toLocal(c, ring))
		}

		if err := m.local.ApplyPage(ctx, page.ServerCursor, page.ServerLastSeq, changes); err != nil {
			return err
		}

		rep.Pages++
		rep.Pulled += len(changes)
		rep.Cursor = max(rep.Cursor, page.ServerCursor)
		rep.ServerLastSeq = max(rep.ServerLastSeq, page.ServerLastSeq)
		m.lastSeen.Store(max(m.lastSeen.Load(), page.ServerCursor))

		m.emit(Progress{
			Phase:   PhasePull,
			Trigger: rep.Trigger,
			Pushed:  rep.Pushed,
			Pulled:  rep.Pulled,
			Pages:   rep.Pages,
		}, start)

		if !page.HasMore {
			return nil
		}

		if page.ServerCursor <= cursor {
			return fmt.Errorf("syncclient: server reported more changes without advancing past %d", cursor)
		}

		cursor = page.ServerCursor
	}
}

func (m *Manager) toLocal(c Change, ring *envelope.KeyRing) localstore.Change {
	payload := json.RawMessage(c.PayloadJSON)

	if ring != nil {
		if opened, err := m.open(c.Table, payload, ring); err != nil {
			m.logger.Warn("keeping undecodable payload as delivered",
				slog.String("table", c.Table),
				slog.String("row_id", c.RowID),
				slog.String("error", err.Error()),
			)
		} else {
			payload = opened
		}
	}

	return localstore.Change{
		Table:     c.Table,
		RowID:     c.RowID,
		Deleted:   c.Op == "delete",
		Payload:   payload,
		ServerSeq: c.ServerSeq,
	}
}

func (m *Manager) ring() *envelope.KeyRing {
	if !m.opts.Encrypt || m.opts.Keys == nil {
		return nil
	}

	ring := m.opts.Keys.Ring()
	if ring.Len() == 0 {
		return nil
	}

	return ring
}

func (m *Manager) seal(table string, payload json.RawMessage, ring *envelope.KeyRing) (json.RawMessage, error) {
	tbl, ok := m.opts.Registry.Lookup(table)
	if !ok || len(tbl.Sensitive) == 0 {
		return payload, nil
	}

	row, err := decodeRow(payload)
	if err != nil {
		return nil, err
	}

	sealed, err := envelope.EncryptPayload(row, tbl.Sensitive, ring)
	if err != nil {
		return nil, err
	}

	return json.Marshal(sealed)
}

func (m *Manager) open(table string, payload json.RawMessage, ring *envelope.KeyRing) (json.RawMessage, error) {
	tbl, ok := m.opts.Registry.Lookup(table)
	if !ok || len(tbl.Sensitive) == 0 {
		return payload, nil
	}

	row, err := decodeRow(payload)
	if err != nil {
		return nil, err
	}

	return json.Marshal(envelope.DecryptPayload(row, tbl.Sensitive, ring, m.logger))
}

func decodeRow(payload json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var row map[string]any
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("decoding row: %w", err)
	}

	if row == nil {
		return nil, errors.New("row is not a JSON object")
	}

	return row, nil
}

func allIDs(pending []localstore.Mutation) []int64 {
	ids := make([]int64, len(pending))
	for i, mu := range pending {
		ids[i] = mu.ID
	}

	return ids
}
