package domain

import "time"

// Mirror push outcomes.
const (
	SyncStatusSuccess  = "success"
	SyncStatusConflict = "conflict"
	SyncStatusFailed   = "failed"
)

// MirrorSyncResult describes one mirror push within a resync.
type MirrorSyncResult struct {
	Mirror  MirrorRef `json:"mirror"`
	Members int       `json:"members"`
	Status  string    `json:"status"`
	Error   string    `json:"error,omitempty"`
}

// SyncRecord is the audit trail entry written for every mirror push.
type SyncRecord struct {
	ID         string    `json:"id" db:"id"`
	MirrorName string    `json:"mirrorName" db:"mirror_name"`
	MirrorID   string    `json:"mirrorId" db:"mirror_id"`
	Scope      string    `json:"scope" db:"scope"`
	Members    int       `json:"members" db:"members"`
	Status     string    `json:"status" db:"status"`
	Error      string    `json:"error,omitempty" db:"error"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
}
