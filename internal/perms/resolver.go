package perms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Sentinel errors. Use errors.Is to check.
var (
	ErrPermissionDenied = errors.New("perms: permission denied")
	ErrUnknownCode      = errors.New("perms: unknown permission code")
	ErrNotFound         = errors.New("perms: not found")
	ErrInvalid          = errors.New("perms: invalid request")
)

// Resolver loads permission snapshots from the Store and resolves them.
type Resolver struct {
	store   *Store
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
}

// NewResolver creates a Resolver backed by store.
func NewResolver(store *Store, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, logger: logger, nowFunc: time.Now}
}

// SetNowFunc replaces the clock. Tests use it to probe delegation windows.
func (r *Resolver) SetNowFunc(fn func() time.Time) {
	r.nowFunc = fn
}

// Store returns the underlying record store.
func (r *Resolver) Store() *Store {
	return r.store
}

// Snapshot reads the user, overrides and delegations concurrently. The reads
// do not share a transaction; a delegation crossing its boundary between
// reads is tolerated.
func (r *Resolver) Snapshot(ctx context.Context, userID string, now time.Time) (Snapshot, error) {
	var snap Snapshot

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		u, err := r.store.GetUser(gctx, userID)
		snap.User = u

		return err
	})

	g.Go(func() error {
		o, err := r.store.ListOverrides(gctx, userID)
		snap.Overrides = o

		return err
	})

	g.Go(func() error {
		d, err := r.store.ListDelegationsTo(gctx, userID, now.UnixMilli())
		snap.Delegations = d

		return err
	})

	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}

	return snap, nil
}

// EffectivePermissions returns the user's effective set covering every known
// code. A missing or disabled user yields the all-false set.
func (r *Resolver) EffectivePermissions(ctx context.Context, userID string) (Set, error) {
	now := r.nowFunc()

	snap, err := r.Snapshot(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("perms: loading snapshot for %s: %w", userID, err)
	}

	set := Resolve(snap, now)

	r.logger.Debug("resolved permissions",
		slog.String("user_id", userID),
		slog.Bool("found", snap.User != nil),
		slog.Int("overrides", len(snap.Overrides)),
		slog.Int("delegations", len(snap.Delegations)),
		slog.Int("granted", len(set.Granted())),
	)

	return set, nil
}

// Allowed reports whether userID currently holds code.
func (r *Resolver) Allowed(ctx context.Context, userID string, code Code) (bool, error) {
	set, err := r.EffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}

	return set.Allowed(code), nil
}

// Require returns nil when userID holds code and an error wrapping
// ErrPermissionDenied otherwise.
func (r *Resolver) Require(ctx context.Context, userID string, code Code) error {
	set, err := r.EffectivePermissions(ctx, userID)
	if err != nil {
		return err
	}

	if !set.Allowed(code) {
		return fmt.Errorf("%w: %s requires %s", ErrPermissionDenied, userID, code)
	}

	return nil
}

// GrantRequest describes a new delegation.
type GrantRequest struct {
	FromUserID string
	ToUserID   string
	Code       Code
	StartsAt   int64 // epoch ms
	EndsAt     int64 // epoch ms
	Note       string
}

// Grant validates and stores a delegation. The grantor must currently hold
// the code, cannot delegate to themselves, and cannot delegate a protected
// code (the clamp would make it inert anyway).
func (r *Resolver) Grant(ctx context.Context, req GrantRequest) (*Delegation, error) {
	if err := validateGrant(req); err != nil {
		return nil, err
	}

	grantee, err := r.store.GetUser(ctx, req.ToUserID)
	if err != nil {
		return nil, err
	}

	if grantee == nil {
		return nil, fmt.Errorf("perms: grant: grantee %s: %w", req.ToUserID, ErrNotFound)
	}

	if err := r.Require(ctx, req.FromUserID, req.Code); err != nil {
		return nil, fmt.Errorf("perms: grant: grantor cannot delegate a code it does not hold: %w", err)
	}

	d := &Delegation{
		ID:         uuid.NewString(),
		FromUserID: req.FromUserID,
		ToUserID:   req.ToUserID,
		Code:       req.Code,
		StartsAt:   req.StartsAt,
		EndsAt:     req.EndsAt,
		Note:       req.Note,
		CreatedAt:  r.nowFunc().UnixMilli(),
	}

	if err := r.store.InsertDelegation(ctx, d); err != nil {
		return nil, err
	}

	r.logger.Info("delegation granted",
		slog.String("delegation_id", d.ID),
		slog.String("from_user_id", d.FromUserID),
		slog.String("to_user_id", d.ToUserID),
		slog.String("perm_code", string(d.Code)),
		slog.Int64("starts_at", d.StartsAt),
		slog.Int64("ends_at", d.EndsAt),
	)

	return d, nil
}

func validateGrant(req GrantRequest) error {
	var errs []error

	if req.FromUserID == "" || req.ToUserID == "" {
		errs = append(errs, errors.New("from_user_id and to_user_id are required"))
	}

	if req.FromUserID != "" && req.FromUserID == req.ToUserID {
		errs = append(errs, errors.New("cannot delegate to self"))
	}

	if !IsKnown(req.Code) {
		return fmt.Errorf("perms: grant: %w: %q", ErrUnknownCode, req.Code)
	}

	if IsProtected(req.Code) {
		errs = append(errs, fmt.Errorf("%s cannot be delegated", req.Code))
	}

	if req.StartsAt >= req.EndsAt {
		errs = append(errs, errors.New("starts_at must be before ends_at"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("perms: grant: %w: %w", ErrInvalid, errors.Join(errs...))
	}

	return nil
}

// Revoke ends a delegation early. Only the grantor or a holder of
// admin.users.manage may revoke.
func (r *Resolver) Revoke(ctx context.Context, delegationID, byUserID, note string) error {
	d, err := r.store.GetDelegation(ctx, delegationID)
	if err != nil {
		return err
	}

	if d.FromUserID != byUserID {
		if err := r.Require(ctx, byUserID, CodeUsersManage); err != nil {
			return fmt.Errorf("perms: revoke %s: %w", delegationID, err)
		}
	}

	if err := r.store.RevokeDelegation(ctx, delegationID, byUserID, note, r.nowFunc().UnixMilli()); err != nil {
		return err
	}

	r.logger.Info("delegation revoked",
		slog.String("delegation_id", delegationID),
		slog.String("revoked_by_user_id", byUserID),
	)

	return nil
}

// ListForUser returns every delegation granted by or to userID, ended and
// revoked ones included.
func (r *Resolver) ListForUser(ctx context.Context, userID string) ([]Delegation, error) {
	return r.store.ListDelegationsInvolving(ctx, userID)
}
