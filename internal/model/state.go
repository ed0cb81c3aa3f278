package model

import (
	"fmt"
	"strings"
	"time"
)

// maxRefComponentLength bounds each identity component so canonical keys
// stay well under index key limits.
const maxRefComponentLength = 128

// StateRef identifies one state object. The four components are stable for
// the lifetime of the object and form the canonical key used by every
// backing store and lock.
type StateRef struct {
	Tenant      string `json:"tenant"`
	Environment string `json:"environment"`
	Workspace   string `json:"workspace"`
	Name        string `json:"name"`
}

// ID returns the canonical key "tenant/environment/workspace/name".
// Components never contain '/', so the key is unambiguous.
func (r StateRef) ID() string {
	return r.Tenant + "/" + r.Environment + "/" + r.Workspace + "/" + r.Name
}

// Validate checks all four components. Locks and audit entries are keyed by
// the canonical ID before any row exists, so validation cannot rely on the
// database.
func (r StateRef) Validate() error {
	for _, c := range []struct {
		field string
		value string
	}{
		{"tenant", r.Tenant},
		{"environment", r.Environment},
		{"workspace", r.Workspace},
		{"name", r.Name},
	} {
		if err := validateRefComponent(c.field, c.value); err != nil {
			return err
		}
	}
	return nil
}

// ParseStateID splits a canonical key back into its components.
func ParseStateID(id string) (StateRef, error) {
	parts := strings.Split(id, "/")
	if len(parts) != 4 {
		return StateRef{}, fmt.Errorf("state id %q: expected tenant/environment/workspace/name", id)
	}
	ref := StateRef{Tenant: parts[0], Environment: parts[1], Workspace: parts[2], Name: parts[3]}
	if err := ref.Validate(); err != nil {
		return StateRef{}, err
	}
	return ref, nil
}

func validateRefComponent(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}
	if len(value) > maxRefComponentLength {
		return fmt.Errorf("%s exceeds maximum length of %d characters", field, maxRefComponentLength)
	}
	for _, ch := range value {
		if !isRefChar(ch) {
			return fmt.Errorf("%s contains invalid character %q (allowed: letters, digits, '.', '_', '-')", field, ch)
		}
	}
	return nil
}

func isRefChar(ch rune) bool {
	switch {
	case ch >= 'a' && ch <= 'z':
		return true
	case ch >= 'A' && ch <= 'Z':
		return true
	case ch >= '0' && ch <= '9':
		return true
	case ch == '.' || ch == '_' || ch == '-':
		return true
	}
	return false
}

// StateObject is the current pointer and metadata for one state.
type StateObject struct {
	ID             string    `json:"id"`
	Tenant         string    `json:"tenant"`
	Environment    string    `json:"environment"`
	Workspace      string    `json:"workspace"`
	Name           string    `json:"name"`
	CurrentVersion int64     `json:"current_version"`
	Checksum       string    `json:"checksum"`
	Size           int64     `json:"size"`
	Deleted        bool      `json:"deleted"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	UpdatedBy      string    `json:"updated_by"`
}

// Ref reconstructs the identity tuple from the object row.
func (o *StateObject) Ref() StateRef {
	return StateRef{Tenant: o.Tenant, Environment: o.Environment, Workspace: o.Workspace, Name: o.Name}
}

// Operation classifies how a version came to exist.
type Operation string

const (
	OperationWrite    Operation = "write"
	OperationRestore  Operation = "restore"
	OperationRollback Operation = "rollback"
	OperationDelete   Operation = "delete"
	OperationImport   Operation = "import"
)

// ValidOperation reports whether op is a known version operation.
func ValidOperation(op Operation) bool {
	switch op {
	case OperationWrite, OperationRestore, OperationRollback, OperationDelete, OperationImport:
		return true
	}
	return false
}

// StateVersion is one immutable version of a state payload. Rows are never
// updated in place; the (StateID, Version) pair is unique.
type StateVersion struct {
	StateID   string    `json:"state_id"`
	Version   int64     `json:"version"`
	Payload   []byte    `json:"-"`
	Checksum  string    `json:"checksum"`
	Size      int64     `json:"size"`
	Operation Operation `json:"operation"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
}

// Info strips the payload for listing responses.
func (v *StateVersion) Info() VersionInfo {
	return VersionInfo{
		StateID:   v.StateID,
		Version:   v.Version,
		Checksum:  v.Checksum,
		Size:      v.Size,
		Operation: v.Operation,
		CreatedAt: v.CreatedAt,
		CreatedBy: v.CreatedBy,
	}
}

// VersionInfo is version metadata without the payload.
type VersionInfo struct {
	StateID   string    `json:"state_id"`
	Version   int64     `json:"version"`
	Checksum  string    `json:"checksum"`
	Size      int64     `json:"size"`
	Operation Operation `json:"operation"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
}

// ObjectFilter narrows object listings.
type ObjectFilter struct {
	Tenant         string
	Environment    string
	Workspace      string
	IncludeDeleted bool
}
