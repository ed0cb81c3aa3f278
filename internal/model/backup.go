package model

import "time"

// BackupType classifies why a backup was taken. Automatic safety backups
// carry their triggering operation so retention can treat them differently
// from operator-requested ones.
type BackupType string

const (
	BackupTypeManual         BackupType = "manual"
	BackupTypePreDelete      BackupType = "pre-delete"
	BackupTypePreRestore     BackupType = "pre-restore"
	BackupTypeRollbackSafety BackupType = "rollback-safety"
	BackupTypeScheduled      BackupType = "scheduled"
)

// ValidBackupType reports whether t is a known backup type.
func ValidBackupType(t BackupType) bool {
	switch t {
	case BackupTypeManual, BackupTypePreDelete, BackupTypePreRestore, BackupTypeRollbackSafety, BackupTypeScheduled:
		return true
	}
	return false
}

// BackupRecord references one immutable state version as a recovery point.
// Backups are copy-on-write: the payload lives in the version row, and the
// reference pins that row against pruning.
type BackupRecord struct {
	BackupID        string     `json:"backup_id"`
	StateID         string     `json:"state_id"`
	Version         int64      `json:"version"`
	Checksum        string     `json:"checksum"`
	Size            int64      `json:"size"`
	Type            BackupType `json:"type"`
	Description     string     `json:"description,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CreatedBy       string     `json:"created_by"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	VerifiedAt      *time.Time `json:"verified_at,omitempty"`
	ArchivedAt      *time.Time `json:"archived_at,omitempty"`
	ArchiveLocation string     `json:"archive_location,omitempty"`
}

// ExpiredAt reports whether the backup's retention has lapsed at now.
// Backups without an expiry are kept indefinitely.
func (b *BackupRecord) ExpiredAt(now time.Time) bool {
	return b.ExpiresAt != nil && now.After(*b.ExpiresAt)
}

// Verified reports whether an integrity verification has succeeded.
func (b *BackupRecord) Verified() bool {
	return b.VerifiedAt != nil
}

// BackupFilter narrows backup listings.
type BackupFilter struct {
	Type         BackupType
	VerifiedOnly bool
	CreatedAfter time.Time
}
