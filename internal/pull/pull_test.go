package pull

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/ledgersync/internal/ledger"
	"github.com/tonimelisma/ledgersync/internal/perms"
	"github.com/tonimelisma/ledgersync/internal/store"
	"github.com/tonimelisma/ledgersync/internal/tables"
	"github.com/tonimelisma/ledgersync/testutil"
)

type pullEnv struct {
	db       *sql.DB
	ledger   *ledger.Ledger
	gate     *ledger.Gate
	resolver *perms.Resolver
}

func newPullEnv(t *testing.T) *pullEnv {
	t.Helper()

	ctx := context.Background()
	db, err := store.OpenServer(ctx, filepath.Join(t.TempDir(), "server.db"), testutil.Logger(t))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ps := perms.NewStore(db)
	for _, u := range []perms.User{
		{ID: "u1", Login: "one", Role: "user"},
		{ID: "u2", Login: "two", Role: "user"},
		{ID: "u3", Login: "three", Role: "user"},
		{ID: "emp", Login: "emp", Role: "employee"},
	} {
		require.NoError(t, ps.UpsertUser(ctx, u))
	}

	// u2 is an ordinary user who may not read other people's messages.
	require.NoError(t, ps.SetOverride(ctx, perms.Override{UserID: "u2", Code: perms.CodeChatViewAll, Allowed: false, UpdatedAt: 1}))

	return &pullEnv{
		db:       db,
		ledger:   ledger.New(db, testutil.Logger(t)),
		gate:     ledger.NewGate(db, testutil.Logger(t)),
		resolver: perms.NewResolver(ps, testutil.Logger(t)),
	}
}

func (e *pullEnv) distributor(t *testing.T, opts Options) *Distributor {
	t.Helper()

	if opts.MaxLimit == 0 {
		opts.MaxLimit = 100
	}

	if opts.DefaultLimit == 0 {
		opts.DefaultLimit = 50
	}

	return NewDistributor(e.db, e.ledger, e.gate, tables.Default(), e.resolver, opts, testutil.Logger(t))
}

func (e *pullEnv) append(t *testing.T, table, rowID string, op ledger.Op, payload string) int64 {
	t.Helper()

	seq, err := e.ledger.Append(context.Background(), table, rowID, op, json.RawMessage(payload))
	require.NoError(t, err)

	return seq
}

func (e *pullEnv) fill(t *testing.T, n int) {
	t.Helper()

	for i := range n {
		e.append(t, "entities", fmt.Sprintf("filler-%d", i), ledger.OpUpsert, fmt.Sprintf(`{"id":"filler-%d"}`, i))
	}
}

func TestPull_InvisibleRowStillAdvancesCursor(t *testing.T) {
	env := newPullEnv(t)
	env.fill(t, 10)

	seq := env.append(t, "chat_messages", "m1", ledger.OpUpsert,
		`{"id":"m1","sender_id":"u1","recipient_id":"u3","body":"private"}`)
	require.Equal(t, int64(11), seq)
	env.append(t, "entities", "e12", ledger.OpUpsert, `{"id":"e12"}`)

	d := env.distributor(t, Options{})

	resp, err := d.Pull(context.Background(), perms.Actor{ID: "u2", Role: "user"}, Request{Cursor: 10, Limit: 1})
	require.NoError(t, err)

	assert.True(t, resp.HasMore)
	assert.Equal(t, int64(11), resp.ServerCursor)
	assert.Equal(t, int64(12), resp.ServerLastSeq)
	assert.Empty(t, resp.Changes)
	assert.NotNil(t, resp.Changes, "changes encodes as [] rather than null")

	resp, err = d.Pull(context.Background(), perms.Actor{ID: "u2", Role: "user"}, Request{Cursor: 11, Limit: 1})
	require.NoError(t, err)
	require.Len(t, resp.Changes, 1)
	assert.Equal(t, "e12", resp.Changes[0].RowID)
	assert.Equal(t, int64(12), resp.ServerCursor)
}

func TestPull_RecipientSeesPrivateMessage(t *testing.T) {
	env := newPullEnv(t)
	env.append(t, "chat_messages", "m1", ledger.OpUpsert, `{"id":"m1","sender_id":"u1","recipient_id":"u3"}`)

	d := env.distributor(t, Options{})

	for _, id := range []string{"u1", "u3"} {
		resp, err := d.Pull(context.Background(), perms.Actor{ID: id, Role: "user"}, Request{})
		require.NoError(t, err)
		assert.Len(t, resp.Changes, 1, id)
	}
}

func TestPull_InjectsLastServerSeq(t *testing.T) {
	env := newPullEnv(t)
	env.fill(t, 6)
	require.Equal(t, int64(7), env.append(t, "entities", "e1", ledger.OpUpsert, `{"id":"e1"}`))

	d := env.distributor(t, Options{})

	resp, err := d.Pull(context.Background(), perms.Actor{ID: "u1", Role: "user"}, Request{Cursor: 6})
	require.NoError(t, err)
	require.Len(t, resp.Changes, 1)

	assert.Equal(t, `{"id":"e1","last_server_seq":7}`, resp.Changes[0].PayloadJSON)
	assert.Equal(t, int64(7), resp.Changes[0].ServerSeq)
	assert.False(t, resp.HasMore)
}

func TestInjectSeq(t *testing.T) {
	out, err := InjectSeq(map[string]any{"id": "e1"}, 7)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"e1","last_server_seq":7}`, string(out))
}

func TestPull_EmptyPageKeepsCursor(t *testing.T) {
	env := newPullEnv(t)
	env.fill(t, 3)

	d := env.distributor(t, Options{})

	resp, err := d.Pull(context.Background(), perms.Actor{ID: "u1", Role: "user"}, Request{Cursor: 3, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(3), resp.ServerCursor)
	assert.Equal(t, int64(3), resp.ServerLastSeq)
	assert.False(t, resp.HasMore)
	assert.Empty(t, resp.Changes)
}

func TestPull_DropsUnregisteredTables(t *testing.T) {
	env := newPullEnv(t)
	env.append(t, "legacy_stuff", "x1", ledger.OpUpsert, `{"id":"x1"}`)
	env.append(t, "entities", "e1", ledger.OpUpsert, `{"id":"e1"}`)

	d := env.distributor(t, Options{})

	resp, err := d.Pull(context.Background(), perms.Actor{ID: "u1", Role: "user"}, Request{})
	require.NoError(t, err)
	require.Len(t, resp.Changes, 1)
	assert.Equal(t, "entities", resp.Changes[0].Table)
	assert.Equal(t, int64(2), resp.ServerCursor)
}

func TestPull_PermissionGatedTable(t *testing.T) {
	env := newPullEnv(t)
	ctx := context.Background()
	env.append(t, "documents", "d1", ledger.OpUpsert, `{"id":"d1"}`)

	require.NoError(t, env.resolver.Store().SetOverride(ctx, perms.Override{
		UserID: "u3", Code: perms.CodeDocumentsView, Allowed: false, UpdatedAt: 1,
	}))

	d := env.distributor(t, Options{})

	resp, err := d.Pull(ctx, perms.Actor{ID: "u1", Role: "user"}, Request{})
	require.NoError(t, err)
	assert.Len(t, resp.Changes, 1)

	resp, err = d.Pull(ctx, perms.Actor{ID: "u3", Role: "user"}, Request{})
	require.NoError(t, err)
	assert.Empty(t, resp.Changes)
	assert.Equal(t, int64(1), resp.ServerCursor)
}

func TestPull_Validation(t *testing.T) {
	env := newPullEnv(t)
	d := env.distributor(t, Options{})

	_, err := d.Pull(context.Background(), perms.Actor{ID: "u1"}, Request{Cursor: -1})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPull_RequiresSyncUse(t *testing.T) {
	env := newPullEnv(t)
	d := env.distributor(t, Options{})

	_, err := d.Pull(context.Background(), perms.Actor{ID: "emp", Role: "employee"}, Request{})
	assert.ErrorIs(t, err, perms.ErrPermissionDenied)
}

type failingGate struct{}

func (failingGate) EnsureUpToDate(context.Context) (int64, error) {
	return 0, fmt.Errorf("%w: %w", ledger.ErrCatchUpFailed, errors.New("index locked"))
}

func TestPull_GateFailureRejectsPull(t *testing.T) {
	env := newPullEnv(t)
	env.fill(t, 2)

	d := NewDistributor(env.db, env.ledger, failingGate{}, tables.Default(), env.resolver,
		Options{DefaultLimit: 10, MaxLimit: 10}, testutil.Logger(t))

	resp, err := d.Pull(context.Background(), perms.Actor{ID: "u1", Role: "user"}, Request{})
	require.ErrorIs(t, err, ledger.ErrCatchUpFailed)
	assert.Nil(t, resp)
}

func TestPull_AdaptivePagingGrowsPage(t *testing.T) {
	env := newPullEnv(t)
	env.fill(t, 10)

	fixed := env.distributor(t, Options{DefaultLimit: 2, MaxLimit: 5})
	resp, err := fixed.Pull(context.Background(), perms.Actor{ID: "u1", Role: "user"}, Request{})
	require.NoError(t, err)
	assert.Len(t, resp.Changes, 2)
	assert.True(t, resp.HasMore)

	adaptive := env.distributor(t, Options{DefaultLimit: 2, MaxLimit: 5, AdaptivePaging: true})
	resp, err = adaptive.Pull(context.Background(), perms.Actor{ID: "u1", Role: "user"}, Request{})
	require.NoError(t, err)
	assert.Len(t, resp.Changes, 5)
	assert.Equal(t, int64(5), resp.ServerCursor)
	assert.True(t, resp.HasMore)
}

func TestPageSize(t *testing.T) {
	opts := Options{DefaultLimit: 500, MaxLimit: 2000}
	adaptive := Options{DefaultLimit: 500, MaxLimit: 2000, AdaptivePaging: true}

	tests := []struct {
		name      string
		requested int
		opts      Options
		backlog   int64
		want      int
	}{
		{"zero uses default", 0, opts, 0, 500},
		{"explicit", 25, opts, 0, 25},
		{"negative clamps to one", -4, opts, 0, 1},
		{"above max clamps", 5000, opts, 0, 2000},
		{"adaptive off ignores backlog", 100, opts, 10_000, 100},
		{"adaptive grows to backlog", 100, adaptive, 700, 700},
		{"adaptive capped at max", 100, adaptive, 10_000, 2000},
		{"adaptive small backlog", 100, adaptive, 50, 100},
		{"zero max treated as one", 10, Options{}, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PageSize(tt.requested, tt.opts, tt.backlog))
		})
	}
}

func TestPull_RecordsClientCursor(t *testing.T) {
	env := newPullEnv(t)
	env.fill(t, 4)

	d := env.distributor(t, Options{})
	ctx := context.Background()

	_, err := d.Pull(ctx, perms.Actor{ID: "u1", Role: "user"}, Request{Cursor: 2, ClientID: "dev-1"})
	require.NoError(t, err)
	_, err = d.Pull(ctx, perms.Actor{ID: "u1", Role: "user"}, Request{Cursor: 4, ClientID: "dev-1"})
	require.NoError(t, err)

	cursors, err := d.ClientCursors(ctx)
	require.NoError(t, err)
	require.Len(t, cursors, 1)
	assert.Equal(t, "dev-1", cursors[0].ClientID)
	assert.Equal(t, "u1", cursors[0].UserID)
	assert.Equal(t, int64(4), cursors[0].Cursor)
}

func TestPull_WireFormat(t *testing.T) {
	env := newPullEnv(t)
	env.append(t, "entities", "e1", ledger.OpUpsert, `{"id":"e1","name":"pump"}`)
	env.append(t, "chat_messages", "m1", ledger.OpUpsert,
		`{"id":"m1","sender_id":"u1","recipient_id":"u2","body":"hi"}`)
	env.append(t, "entities", "e1", ledger.OpDelete, `{"id":"e1","name":"pump","deleted_at":1700000000000}`)

	d := env.distributor(t, Options{})

	resp, err := d.Pull(context.Background(), perms.Actor{ID: "u1", Role: "user"}, Request{Limit: 10})
	require.NoError(t, err)

	data, err := json.MarshalIndent(resp, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "pull_page", append(data, '\n'))
}
