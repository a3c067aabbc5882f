// Package tables is the registry of synchronized tables: their primary key
// field, the fields protected by envelope encryption, and the visibility rule
// that decides which actors may receive a row on pull.
package tables

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/tonimelisma/ledgersync/internal/perms"
)

// ErrUnknownTable is returned for a table name with no registration.
var ErrUnknownTable = errors.New("tables: unknown table")

// Table describes one synchronized table.
type Table struct {
	Name       string
	PrimaryKey string
	// Sensitive lists free-form blob fields that are encrypted when the
	// crypto flag is on. Identifiers and timestamps are never listed.
	Sensitive  []string
	Visibility Visibility
}

// Registry maps table names to their registration. It is read-only after
// construction and safe for concurrent use.
type Registry struct {
	tables map[string]Table
}

// NewRegistry builds a registry, rejecting duplicates and incomplete entries.
func NewRegistry(list ...Table) (*Registry, error) {
	r := &Registry{tables: make(map[string]Table, len(list))}

	var errs []error

	for _, t := range list {
		switch {
		case t.Name == "":
			errs = append(errs, errors.New("table with empty name"))
		case t.PrimaryKey == "":
			errs = append(errs, fmt.Errorf("table %s: empty primary key", t.Name))
		case t.Visibility == nil:
			errs = append(errs, fmt.Errorf("table %s: no visibility rule", t.Name))
		default:
			if _, dup := r.tables[t.Name]; dup {
				errs = append(errs, fmt.Errorf("table %s registered twice", t.Name))
				continue
			}

			t.Sensitive = slices.Clone(t.Sensitive)
			r.tables[t.Name] = t
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("tables: %w", errors.Join(errs...))
	}

	return r, nil
}

// Default returns the registry of the tables ledgersync ships with.
func Default() *Registry {
	r, err := NewRegistry(
		Table{Name: "entities", PrimaryKey: "id", Sensitive: []string{"meta_json"}, Visibility: Public{}},
		Table{Name: "attributes", PrimaryKey: "id", Sensitive: []string{"meta_json"}, Visibility: Public{}},
		Table{Name: "operations", PrimaryKey: "id", Sensitive: []string{"payload_json"}, Visibility: Public{}},
		Table{
			Name: "documents", PrimaryKey: "id", Sensitive: []string{"meta_json"},
			Visibility: RequiresPermission{Code: perms.CodeDocumentsView},
		},
		Table{
			Name: "chat_messages", PrimaryKey: "id", Sensitive: []string{"body", "meta_json"},
			Visibility: PrivateMessage{SenderField: "sender_id", RecipientField: "recipient_id", ViewAll: perms.CodeChatViewAll},
		},
		Table{
			Name: "user_settings", PrimaryKey: "id",
			Visibility: Owner{Field: "user_id"},
		},
	)
	if err != nil {
		panic(err) // static registration; only a programmer error can fail
	}

	return r
}

// Lookup returns the registration for name.
func (r *Registry) Lookup(name string) (Table, bool) {
	t, ok := r.tables[name]
	return t, ok
}

// Get returns the registration for name or an error wrapping ErrUnknownTable.
func (r *Registry) Get(name string) (Table, error) {
	t, ok := r.tables[name]
	if !ok {
		return Table{}, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}

	return t, nil
}

// Names returns the registered table names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tables))
	for n := range r.tables {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}

// RowID extracts the primary key of row as a non-empty string.
func (t Table) RowID(row map[string]any) (string, error) {
	v, ok := row[t.PrimaryKey]
	if !ok {
		return "", fmt.Errorf("tables: %s: missing primary key %q", t.Name, t.PrimaryKey)
	}

	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("tables: %s: primary key %q must be a non-empty string", t.Name, t.PrimaryKey)
	}

	return s, nil
}
