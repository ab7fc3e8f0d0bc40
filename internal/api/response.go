package api

import "github.com/Checker-Finance/sync-coordinator/pkg/model"

// ErrorResponse is the generic error body.
type ErrorResponse struct {
	Error  string             `json:"error"`
	Fields []model.FieldError `json:"fields,omitempty"`
}

// SyncFailureResponse is returned with 502 when one platform rejected a user sync.
type SyncFailureResponse struct {
	Error     string           `json:"error"`
	Platform  model.Platform   `json:"platform"`
	Completed []model.Platform `json:"completed"`
}

// EventAcceptedResponse acknowledges POST /sync/event.
type EventAcceptedResponse struct {
	Accepted bool   `json:"accepted"`
	EventID  string `json:"eventId"`
}

// Bulk outcome statuses.
const (
	BulkSynced = "synced"
	BulkQueued = "queued"
	BulkFailed = "failed"
)

// BulkResult is the outcome for one user.
type BulkResult struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// BulkSyncResponse lists one result per requested user, in request order.
type BulkSyncResponse struct {
	BatchID string       `json:"batchId"`
	Results []BulkResult `json:"results"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string                    `json:"status"`
	Services []model.HealthStatus      `json:"services"`
	Metrics  *model.IntegrationMetrics `json:"metrics,omitempty"`
}
