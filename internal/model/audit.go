package model

import "time"

// AuditResultSuccess marks a successful mutation in the audit log. Failed
// mutations record the error code instead.
const AuditResultSuccess = "success"

// AuditEntry is one row of the append-only operation log. Entries are
// written for every mutating call, success or failure, and are never
// updated or deleted by the engine.
type AuditEntry struct {
	ID         int64     `json:"id"`
	StateID    string    `json:"state_id"`
	Operation  string    `json:"operation"`
	Actor      string    `json:"actor"`
	Result     string    `json:"result"`
	Version    int64     `json:"version,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
