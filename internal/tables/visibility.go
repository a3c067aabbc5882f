package tables

import (
	"github.com/tonimelisma/ledgersync/internal/perms"
)

// VisibilityKind tags a visibility rule for logging and diagnostics.
type VisibilityKind string

// Visibility kinds.
const (
	KindPublic         VisibilityKind = "public"
	KindPermission     VisibilityKind = "permission"
	KindPrivateMessage VisibilityKind = "private_message"
	KindOwner          VisibilityKind = "owner"
)

// Visibility decides whether actor, holding set, may receive a row whose
// decoded payload is row. Implementations must be pure.
type Visibility interface {
	Kind() VisibilityKind
	Visible(row map[string]any, actor perms.Actor, set perms.Set) bool
}

// Public rows are visible to every authenticated actor.
type Public struct{}

func (Public) Kind() VisibilityKind { return KindPublic }

func (Public) Visible(map[string]any, perms.Actor, perms.Set) bool { return true }

// RequiresPermission rows are visible to holders of Code.
type RequiresPermission struct {
	Code perms.Code
}

func (RequiresPermission) Kind() VisibilityKind { return KindPermission }

func (v RequiresPermission) Visible(_ map[string]any, _ perms.Actor, set perms.Set) bool {
	return set.Allowed(v.Code)
}

// PrivateMessage rows are visible to their sender, their recipient, and
// holders of ViewAll.
type PrivateMessage struct {
	SenderField    string
	RecipientField string
	ViewAll        perms.Code
}

func (PrivateMessage) Kind() VisibilityKind { return KindPrivateMessage }

func (v PrivateMessage) Visible(row map[string]any, actor perms.Actor, set perms.Set) bool {
	if v.ViewAll != "" && set.Allowed(v.ViewAll) {
		return true
	}

	return fieldEquals(row, v.SenderField, actor.ID) || fieldEquals(row, v.RecipientField, actor.ID)
}

// Owner rows are visible to the actor named in Field, or to holders of
// ViewAll when it is set.
type Owner struct {
	Field   string
	ViewAll perms.Code
}

func (Owner) Kind() VisibilityKind { return KindOwner }

func (v Owner) Visible(row map[string]any, actor perms.Actor, set perms.Set) bool {
	if v.ViewAll != "" && set.Allowed(v.ViewAll) {
		return true
	}

	return fieldEquals(row, v.Field, actor.ID)
}

func fieldEquals(row map[string]any, field, want string) bool {
	if field == "" || want == "" {
		return false
	}

	s, ok := row[field].(string)

	return ok && s == want
}
