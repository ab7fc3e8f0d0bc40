package api

import "github.com/Checker-Finance/sync-coordinator/pkg/model"

// SyncUserRequest is the body of POST /sync/user.
type SyncUserRequest struct {
	UserID string     `json:"userId"`
	Tier   model.Tier `json:"tier"`
}

// Bulk sync modes.
const (
	SyncImmediate = "immediate"
	SyncQueued    = "queued"
)

// BulkSyncRequest is the body of POST /sync/bulk.
type BulkSyncRequest struct {
	UserIDs  []string       `json:"userIds"`
	SyncType string         `json:"syncType"`
	Source   model.Platform `json:"source,omitempty"`
}
