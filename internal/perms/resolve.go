package perms

import (
	"maps"
	"sort"
	"time"
)

// Set maps every known code to its effective value. A Set returned by this
// package always contains all known codes.
type Set map[Code]bool

// Allowed reports whether code is granted. Unknown codes are never granted.
func (s Set) Allowed(code Code) bool {
	return s[code]
}

// Granted returns the granted codes in stable order.
func (s Set) Granted() []Code {
	var out []Code

	for _, c := range knownCodes {
		if s[c] {
			out = append(out, c)
		}
	}

	return out
}

// EmptySet returns a set with every known code false.
func EmptySet() Set {
	s := make(Set, len(knownCodes))
	for _, c := range knownCodes {
		s[c] = false
	}

	return s
}

// FullSet returns a set with every known code true, protected codes included.
func FullSet() Set {
	s := make(Set, len(knownCodes))
	for _, c := range knownCodes {
		s[c] = true
	}

	return s
}

// Actor identifies the authenticated caller of a sync operation.
type Actor struct {
	ID   string
	Role string
}

// User is the subset of the account record the resolver needs.
type User struct {
	ID             string
	Login          string
	Role           string
	AccessDisabled bool
}

// Override is an explicit per-user exception to the role default.
type Override struct {
	UserID    string
	Code      Code
	Allowed   bool
	UpdatedAt int64 // epoch ms
}

// Delegation is a time-bounded, revocable grant of one code from one user to
// another. All timestamps are epoch milliseconds.
type Delegation struct {
	ID              string `json:"id"`
	FromUserID      string `json:"from_user_id"`
	ToUserID        string `json:"to_user_id"`
	Code            Code   `json:"perm_code"`
	StartsAt        int64  `json:"starts_at"`
	EndsAt          int64  `json:"ends_at"`
	Note            string `json:"note"`
	CreatedAt       int64  `json:"created_at"`
	RevokedAt       *int64 `json:"revoked_at"`
	RevokedByUserID string `json:"revoked_by_user_id,omitempty"`
	RevokeNote      string `json:"revoke_note,omitempty"`
}

// ActiveAt reports whether the delegation grants its code at nowMs:
// starts_at <= now < ends_at and not revoked.
func (d *Delegation) ActiveAt(nowMs int64) bool {
	return d.RevokedAt == nil && d.StartsAt <= nowMs && nowMs < d.EndsAt
}

// Snapshot is the input to Resolve. User is nil when the account does not
// exist. The three slices are read independently; no cross-read consistency
// is assumed.
type Snapshot struct {
	User        *User
	Overrides   []Override
	Delegations []Delegation
}

// Resolve computes the effective permission set for a snapshot at now.
// It is deterministic and never mutates its inputs; each layer produces a
// new Set from the previous one.
func Resolve(snap Snapshot, now time.Time) Set {
	if snap.User == nil || snap.User.AccessDisabled {
		return EmptySet()
	}

	if isSuperadminLogin(snap.User.Login) {
		return FullSet()
	}

	role := NormalizeRole(snap.User.Role)

	s := roleDefaults(role)
	s = withOverrides(s, snap.Overrides)
	s = withDelegations(s, snap.Delegations, now.UnixMilli())

	return clamped(s, role)
}

// roleDefaults is layer 1: employees get nothing, every other role gets all
// unprotected codes.
func roleDefaults(normalizedRole string) Set {
	if normalizedRole == RoleEmployee {
		return EmptySet()
	}

	s := FullSet()
	for _, c := range protectedCodes {
		s[c] = false
	}

	return s
}

// withOverrides is layer 2. Duplicate overrides for one code resolve to the
// most recent updated_at; ties keep the later slice position.
func withOverrides(base Set, overrides []Override) Set {
	out := maps.Clone(base)

	ordered := make([]Override, len(overrides))
	copy(ordered, overrides)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].UpdatedAt < ordered[j].UpdatedAt
	})

	for _, o := range ordered {
		if !IsKnown(o.Code) {
			continue
		}

		out[o.Code] = o.Allowed
	}

	return out
}

// withDelegations is layer 3. Active delegations only ever grant.
func withDelegations(base Set, delegations []Delegation, nowMs int64) Set {
	out := maps.Clone(base)

	for i := range delegations {
		d := &delegations[i]
		if !IsKnown(d.Code) || !d.ActiveAt(nowMs) {
			continue
		}

		out[d.Code] = true
	}

	return out
}

// clamped is layer 4 and cannot be bypassed: protected codes are false unless
// the role is elevated.
func clamped(base Set, normalizedRole string) Set {
	out := maps.Clone(base)
	if isElevatedRole(normalizedRole) {
		return out
	}

	for _, c := range protectedCodes {
		out[c] = false
	}

	return out
}
