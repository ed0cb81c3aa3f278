package model

import "time"

// LockRecord is a lease on one state. It is stored as JSON in Redis under a
// key whose TTL equals the lease, so an expired lease simply disappears and
// the next acquire wins. The LockID is the credential for renew and release.
type LockRecord struct {
	LockID     string    `json:"lock_id"`
	StateID    string    `json:"state_id"`
	Holder     string    `json:"holder"`
	Operation  string    `json:"operation"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	RenewCount int       `json:"renew_count"`
}

// Expired reports whether the lease has passed its expiry. Redis removes
// expired keys on its own; this covers records read just before removal.
func (l *LockRecord) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Remaining returns the time left on the lease, zero if already expired.
func (l *LockRecord) Remaining(now time.Time) time.Duration {
	if l.Expired(now) {
		return 0
	}
	return l.ExpiresAt.Sub(now)
}
