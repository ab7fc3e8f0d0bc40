package notify

import (
	"github.com/Checker-Finance/sync-coordinator/pkg/model"
)

// SyncCompletedPayload accompanies SyncCompleted.
type SyncCompletedPayload struct {
	UserID      string     `json:"userId"`
	Tier        model.Tier `json:"tier"`
	AnonymousID string     `json:"anonymousId"`
}

// SyncFailedPayload accompanies SyncFailed. AnonymousID is empty when the portal step failed.
type SyncFailedPayload struct {
	UserID         string           `json:"userId"`
	Tier           model.Tier       `json:"tier"`
	FailedPlatform model.Platform   `json:"failedPlatform"`
	AnonymousID    string           `json:"anonymousId,omitempty"`
	Completed      []model.Platform `json:"completed"`
	Error          string           `json:"error"`
}

// PropagationFailedPayload accompanies PropagationFailed, one per failed target.
type PropagationFailedPayload struct {
	Event  model.ServiceEvent `json:"event"`
	Target model.Platform     `json:"target"`
	Error  string             `json:"error"`
}

// EmergencyCoordinatedPayload accompanies EmergencyCoordinated.
type EmergencyCoordinatedPayload struct {
	UserID        string `json:"userId"`
	EmergencyType string `json:"emergencyType"`
}

// EventProcessedPayload summarises one handled event.
type EventProcessedPayload struct {
	EventID   string           `json:"eventId"`
	EventType model.EventType  `json:"eventType"`
	Source    model.Platform   `json:"source"`
	Delivered []model.Platform `json:"delivered"`
	Failed    []model.Platform `json:"failed"`
}

// HealthCheckedPayload carries a complete snapshot.
type HealthCheckedPayload struct {
	Overall  string               `json:"overall"`
	Services []model.HealthStatus `json:"services"`
}
