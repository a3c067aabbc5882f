// Package perms computes a user's effective capability set from role
// defaults, explicit per-user overrides and time-bounded delegated grants,
// and stores the records those layers are built from.
//
// Resolution is a pure function over four ordered layers (see Resolve):
//
//	defaults → overrides → delegations → security clamp
//
// The clamp runs last and keeps the two protected management codes false for
// anyone whose normalized role is not admin or superadmin.
package perms

import (
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Code is a flat permission identifier such as "sync.use".
type Code string

// Known permission codes.
const (
	CodeUsersManage   Code = "admin.users.manage"
	CodeClientsManage Code = "admin.clients.manage"
	CodeSyncUse       Code = "sync.use"
	CodeChatUse       Code = "chat.use"
	CodeChatExport    Code = "chat.export"
	CodeChatViewAll   Code = "chat.view_all"
	CodeEntitiesEdit  Code = "entities.edit"
	CodeDocumentsView Code = "documents.view"
	CodeFilesUpload   Code = "files.upload"
	CodeReportsView   Code = "reports.view"
)

// Role names with special meaning. Any other role is an ordinary role that
// defaults to every unprotected code.
const (
	RoleSuperadmin = "superadmin"
	RoleAdmin      = "admin"
	RoleEmployee   = "employee"
)

// SuperadminLogin is the fixed login that always resolves to the full-grant
// set, whatever role is stored for it.
const SuperadminLogin = "superadmin"

var knownCodes = []Code{
	CodeUsersManage,
	CodeClientsManage,
	CodeSyncUse,
	CodeChatUse,
	CodeChatExport,
	CodeChatViewAll,
	CodeEntitiesEdit,
	CodeDocumentsView,
	CodeFilesUpload,
	CodeReportsView,
}

// protectedCodes are forced to false by the clamp layer.
var protectedCodes = []Code{CodeUsersManage, CodeClientsManage}

// roleAliases maps normalized spellings onto canonical role names.
var roleAliases = map[string]string{
	"administrator": RoleAdmin,
	"root":          RoleSuperadmin,
}

var foldCaser = cases.Fold()

// KnownCodes returns every permission code in a stable order.
func KnownCodes() []Code {
	return slices.Clone(knownCodes)
}

// IsKnown reports whether c is a recognized permission code.
func IsKnown(c Code) bool {
	return slices.Contains(knownCodes, c)
}

// IsProtected reports whether c is one of the management codes that only
// admin and superadmin roles may hold.
func IsProtected(c Code) bool {
	return slices.Contains(protectedCodes, c)
}

// NormalizeRole canonicalizes a stored role name: NFC, Unicode case folding,
// surrounding whitespace and the separators '-', '_' and ' ' removed, then
// aliases applied. "Super-Admin" and "super_admin" both become "superadmin".
func NormalizeRole(role string) string {
	r := foldCaser.String(norm.NFC.String(strings.TrimSpace(role)))
	r = strings.NewReplacer("-", "", "_", "", " ", "").Replace(r)

	if canonical, ok := roleAliases[r]; ok {
		return canonical
	}

	return r
}

// isElevatedRole reports whether a normalized role may hold protected codes.
func isElevatedRole(normalized string) bool {
	return normalized == RoleAdmin || normalized == RoleSuperadmin
}

func isSuperadminLogin(login string) bool {
	return foldCaser.String(strings.TrimSpace(login)) == SuperadminLogin
}
