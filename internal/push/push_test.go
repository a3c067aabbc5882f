package push

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/ledgersync/internal/envelope"
	"github.com/tonimelisma/ledgersync/internal/ledger"
	"github.com/tonimelisma/ledgersync/internal/perms"
	"github.com/tonimelisma/ledgersync/internal/store"
	"github.com/tonimelisma/ledgersync/internal/tables"
	"github.com/tonimelisma/ledgersync/testutil"
)

type staticKeys struct{ ring *envelope.KeyRing }

func (k staticKeys) Ring() *envelope.KeyRing { return k.ring }

type recordingNotifier struct {
	mu   sync.Mutex
	seqs []int64
}

func (n *recordingNotifier) Notify(seq int64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.seqs = append(n.seqs, seq)
}

type pushEnv struct {
	db       *sql.DB
	ledger   *ledger.Ledger
	rows     *Rows
	notifier *recordingNotifier
	writer   perms.Actor
}

func newPushEnv(t *testing.T) *pushEnv {
	t.Helper()

	ctx := context.Background()
	db, err := store.OpenServer(ctx, filepath.Join(t.TempDir(), "server.db"), testutil.Logger(t))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ps := perms.NewStore(db)
	require.NoError(t, ps.UpsertUser(ctx, perms.User{ID: "u1", Login: "writer", Role: "user"}))
	require.NoError(t, ps.UpsertUser(ctx, perms.User{ID: "u2", Login: "reader", Role: "employee"}))

	return &pushEnv{
		db:       db,
		ledger:   ledger.New(db, testutil.Logger(t)),
		rows:     NewRows(db),
		notifier: &recordingNotifier{},
		writer:   perms.Actor{ID: "u1", Role: "user"},
	}
}

func (e *pushEnv) ingestor(t *testing.T, opts Options) *Ingestor {
	t.Helper()

	opts.Notifier = e.notifier
	resolver := perms.NewResolver(perms.NewStore(e.db), testutil.Logger(t))

	return NewIngestor(e.db, e.ledger, tables.Default(), resolver, opts, testutil.Logger(t))
}

func rawRows(rows ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(rows))
	for i, r := range rows {
		out[i] = json.RawMessage(r)
	}

	return out
}

func TestPush_AppliesRowsAndAppendsLedger(t *testing.T) {
	env := newPushEnv(t)
	in := env.ingestor(t, Options{MaxRows: 100})
	ctx := context.Background()

	res, err := in.Push(ctx, env.writer, Request{
		ClientID: "dev-1",
		Upserts: []TableBatch{
			{Table: "entities", Rows: rawRows(
				`{"id":"e1","name":"pump","updated_at":1700000000000}`,
				`{"id":"e2","name":"valve","deleted_at":1700000000500}`,
			)},
			{Table: "operations", Rows: rawRows(`{"id":"o1","payload_json":"{}"}`)},
		},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, res.BatchID)
	assert.Equal(t, 3, res.Applied)
	assert.Zero(t, res.Rejected)
	assert.Equal(t, int64(3), res.LastServerSeq)
	require.Len(t, res.Tables, 2)
	assert.Equal(t, "entities", res.Tables[0].Table)
	assert.Equal(t, 2, res.Tables[0].Applied)
	assert.Empty(t, res.Tables[0].Errors)

	e1, err := env.rows.Get(ctx, "entities", "e1")
	require.NoError(t, err)
	require.NotNil(t, e1)
	assert.Equal(t, int64(1700000000000), e1.UpdatedAt)
	assert.False(t, e1.Deleted())
	assert.Equal(t, "dev-1", e1.OriginClientID)
	assert.Equal(t, "synced", e1.SyncStatus)

	e2, err := env.rows.Get(ctx, "entities", "e2")
	require.NoError(t, err)
	require.NotNil(t, e2)
	require.True(t, e2.Deleted())
	assert.Equal(t, int64(1700000000500), *e2.DeletedAt)

	gate := ledger.NewGate(env.db, testutil.Logger(t))
	_, err = gate.EnsureUpToDate(ctx)
	require.NoError(t, err)

	entries, err := env.ledger.RangeSince(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, ledger.OpUpsert, entries[0].Op)
	assert.Equal(t, ledger.OpDelete, entries[1].Op)
	assert.JSONEq(t, string(e2.Payload), string(entries[1].Payload))

	assert.Equal(t, []int64{3}, env.notifier.seqs)
}

func TestPush_RowErrorsAreIsolated(t *testing.T) {
	env := newPushEnv(t)
	in := env.ingestor(t, Options{})
	ctx := context.Background()

	res, err := in.Push(ctx, env.writer, Request{
		ClientID: "dev-1",
		Upserts: []TableBatch{{Table: "entities", Rows: rawRows(
			`{"id":"good-1"}`,
			`[1,2,3]`,
			`{"name":"no id"}`,
			`{"id":"bad-ts","updated_at":true}`,
			`{"id":"good-2"}`,
		)}},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 3, res.Rejected)

	errs := res.Tables[0].Errors
	require.Len(t, errs, 3)
	assert.Equal(t, 1, errs[0].Index)
	assert.Equal(t, 2, errs[1].Index)
	assert.Contains(t, errs[1].Error, "primary key")
	assert.Equal(t, 3, errs[2].Index)
	assert.Equal(t, "bad-ts", errs[2].RowID)

	n, err := env.rows.Count(ctx, "entities")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	maxSeq, err := env.ledger.MaxSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), maxSeq, "rejected rows leave no ledger entries")
}

func TestPush_RequestValidation(t *testing.T) {
	env := newPushEnv(t)
	in := env.ingestor(t, Options{MaxRows: 2})
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
	}{
		{"missing client id", Request{Upserts: []TableBatch{{Table: "entities", Rows: rawRows(`{"id":"a"}`)}}}},
		{"no upserts", Request{ClientID: "c"}},
		{"empty table", Request{ClientID: "c", Upserts: []TableBatch{{Rows: rawRows(`{"id":"a"}`)}}}},
		{"unknown table", Request{ClientID: "c", Upserts: []TableBatch{{Table: "nope", Rows: rawRows(`{"id":"a"}`)}}}},
		{"too many rows", Request{ClientID: "c", Upserts: []TableBatch{
			{Table: "entities", Rows: rawRows(`{"id":"a"}`, `{"id":"b"}`)},
			{Table: "attributes", Rows: rawRows(`{"id":"c"}`)},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := in.Push(ctx, env.writer, tt.req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	maxSeq, err := env.ledger.MaxSeq(ctx)
	require.NoError(t, err)
	assert.Zero(t, maxSeq)
	assert.Empty(t, env.notifier.seqs)
}

func TestPush_RequiresSyncUse(t *testing.T) {
	env := newPushEnv(t)
	in := env.ingestor(t, Options{})

	_, err := in.Push(context.Background(), perms.Actor{ID: "u2", Role: "employee"}, Request{
		ClientID: "dev-2",
		Upserts:  []TableBatch{{Table: "entities", Rows: rawRows(`{"id":"e1"}`)}},
	})
	assert.ErrorIs(t, err, perms.ErrPermissionDenied)
}

func TestPush_IdenticalRepushLeavesRowsUnchanged(t *testing.T) {
	env := newPushEnv(t)
	in := env.ingestor(t, Options{})
	ctx := context.Background()

	req := Request{
		ClientID: "dev-1",
		Upserts: []TableBatch{{Table: "entities", Rows: rawRows(
			`{"id":"e1","name":"pump","qty":12.50,"updated_at":1700000000000}`,
			`{"id":"e2","name":"valve","updated_at":1700000000001}`,
		)}},
	}

	_, err := in.Push(ctx, env.writer, req)
	require.NoError(t, err)

	first1, err := env.rows.Get(ctx, "entities", "e1")
	require.NoError(t, err)
	first2, err := env.rows.Get(ctx, "entities", "e2")
	require.NoError(t, err)

	res, err := in.Push(ctx, env.writer, req)
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.LastServerSeq, "re-push appends new ledger entries")

	again1, err := env.rows.Get(ctx, "entities", "e1")
	require.NoError(t, err)
	again2, err := env.rows.Get(ctx, "entities", "e2")
	require.NoError(t, err)

	assert.Equal(t, first1, again1)
	assert.Equal(t, first2, again2)
	assert.Contains(t, string(again1.Payload), `12.50`, "numbers are stored exactly as sent")
}

func TestPush_EncryptsSensitiveFieldsAtRest(t *testing.T) {
	env := newPushEnv(t)
	ctx := context.Background()

	key, err := envelope.GenerateKey()
	require.NoError(t, err)
	ring, err := envelope.NewKeyRing(key)
	require.NoError(t, err)

	in := env.ingestor(t, Options{EncryptAtRest: true, Keys: staticKeys{ring: ring}})

	preSealed, err := envelope.EncryptField("client sealed", key)
	require.NoError(t, err)

	req := Request{
		ClientID: "dev-1",
		Upserts: []TableBatch{{Table: "chat_messages", Rows: rawRows(
			`{"id":"m1","sender_id":"u1","recipient_id":"u2","body":"hello","meta_json":{"pinned":true}}`,
			`{"id":"m2","sender_id":"u1","recipient_id":"u2","body":"`+preSealed+`"}`,
		)}},
	}

	_, err = in.Push(ctx, env.writer, req)
	require.NoError(t, err)

	m1, err := env.rows.Get(ctx, "chat_messages", "m1")
	require.NoError(t, err)

	var stored map[string]any
	require.NoError(t, json.Unmarshal(m1.Payload, &stored))
	assert.Equal(t, "m1", stored["id"])
	assert.Equal(t, "u1", stored["sender_id"])
	assert.True(t, envelope.IsTagged(stored["body"].(string)))
	assert.True(t, envelope.IsTagged(stored["meta_json"].(string)))
	assert.Equal(t, "hello", envelope.DecryptField(stored["body"].(string), ring, nil))

	opened := envelope.DecryptPayload(stored, []string{"body", "meta_json"}, ring, nil)
	assert.Equal(t, map[string]any{"pinned": true}, opened["meta_json"], "structured values reopen as objects")

	m2, err := env.rows.Get(ctx, "chat_messages", "m2")
	require.NoError(t, err)
	assert.Contains(t, string(m2.Payload), preSealed, "tagged values pass through")

	_, err = in.Push(ctx, env.writer, req)
	require.NoError(t, err)

	again, err := env.rows.Get(ctx, "chat_messages", "m1")
	require.NoError(t, err)
	assert.Equal(t, m1.Payload, again.Payload, "identical plaintext keeps stored ciphertext")
}

func TestPush_EncryptionFlagWithoutKeysStoresPlaintext(t *testing.T) {
	env := newPushEnv(t)
	ctx := context.Background()

	in := env.ingestor(t, Options{EncryptAtRest: true})

	_, err := in.Push(ctx, env.writer, Request{
		ClientID: "dev-1",
		Upserts:  []TableBatch{{Table: "entities", Rows: rawRows(`{"id":"e1","meta_json":"x"}`)}},
	})
	require.NoError(t, err)

	e1, err := env.rows.Get(ctx, "entities", "e1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"e1","meta_json":"x"}`, string(e1.Payload))
}

func TestTimestampField(t *testing.T) {
	row, err := decodeObject(json.RawMessage(
		`{"a":1700000000000,"b":"2026-01-02T03:04:05Z","c":null,"d":{},"e":12.9}`))
	require.NoError(t, err)

	ms, ok, err := timestampField(row, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1700000000000), ms)

	ms, ok, err = timestampField(row, "b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1767323045000), ms)

	_, ok, err = timestampField(row, "c")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = timestampField(row, "d")
	require.Error(t, err)

	ms, ok, err = timestampField(row, "e")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(12), ms)
}
