package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonimelisma/ledgersync/internal/perms"
	"github.com/tonimelisma/ledgersync/internal/store"
)

// ErrUnauthenticated means the bearer token is missing, unknown or expired.
var ErrUnauthenticated = errors.New("server: unauthenticated")

const tokenBytes = 32

const (
	sqlInsertToken = `INSERT INTO api_tokens (token_hash, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`

	sqlLookupToken = `SELECT t.user_id, t.expires_at, COALESCE(u.role, '')
		FROM api_tokens t LEFT JOIN users u ON u.id = t.user_id
		WHERE t.token_hash = ?`

	sqlPurgeTokens = `DELETE FROM api_tokens WHERE expires_at <= ?`
)

// Tokens issues and verifies opaque bearer tokens. Only the SHA-256 of a
// token is stored.
type Tokens struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewTokens creates a token store on a migrated server database.
func NewTokens(db *sql.DB, logger *slog.Logger) *Tokens {
	return &Tokens{db: db, logger: logger, nowFunc: time.Now}
}

// Issue creates a token for userID valid for lifetime and returns the
// plaintext token with its expiry.
func (t *Tokens) Issue(ctx context.Context, userID string, lifetime time.Duration) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("server: issuing token: empty user id")
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, fmt.Errorf("server: generating token: %w", err)
	}

	token := base64.RawURLEncoding.EncodeToString(raw)
	now := t.nowFunc()
	expires := now.Add(lifetime)

	if _, err := t.db.ExecContext(ctx, sqlInsertToken, hashToken(token), userID, store.Millis(now), store.Millis(expires)); err != nil {
		return "", time.Time{}, fmt.Errorf("server: storing token: %w", err)
	}

	t.logger.Info("issued api token",
		slog.String("user_id", userID),
		slog.Time("expires_at", expires),
	)

	return token, expires, nil
}

// Authenticate resolves a bearer token to its actor.
func (t *Tokens) Authenticate(ctx context.Context, token string) (perms.Actor, error) {
	if token == "" {
		return perms.Actor{}, ErrUnauthenticated
	}

	var (
		actor     perms.Actor
		expiresAt int64
	)

	err := t.db.QueryRowContext(ctx, sqlLookupToken, hashToken(token)).Scan(&actor.ID, &expiresAt, &actor.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return perms.Actor{}, ErrUnauthenticated
	}

	if err != nil {
		return perms.Actor{}, fmt.Errorf("server: looking up token: %w", err)
	}

	if store.Millis(t.nowFunc()) >= expiresAt {
		return perms.Actor{}, fmt.Errorf("%w: token expired", ErrUnauthenticated)
	}

	return actor, nil
}

// PurgeExpired deletes expired tokens and returns how many were removed.
func (t *Tokens) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := t.db.ExecContext(ctx, sqlPurgeTokens, store.Millis(t.nowFunc()))
	if err != nil {
		return 0, fmt.Errorf("server: purging tokens: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("server: purging tokens rows affected: %w", err)
	}

	return n, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
