package api

import (
	"fmt"
	"strings"

	"github.com/Checker-Finance/sync-coordinator/pkg/model"
)

func (r SyncUserRequest) Validate() error {
	var errs []model.FieldError
	if strings.TrimSpace(r.UserID) == "" {
		errs = append(errs, model.FieldError{Field: "userId", Msg: "required"})
	}
	if r.Tier == "" {
		errs = append(errs, model.FieldError{Field: "tier", Msg: "required"})
	} else if !r.Tier.IsValid() {
		errs = append(errs, model.FieldError{Field: "tier", Msg: fmt.Sprintf("unknown tier %q", r.Tier)})
	}
	return model.NewValidationError(errs)
}

func (r BulkSyncRequest) Validate(maxUsers int) error {
	var errs []model.FieldError
	switch {
	case len(r.UserIDs) == 0:
		errs = append(errs, model.FieldError{Field: "userIds", Msg: "required"})
	case maxUsers > 0 && len(r.UserIDs) > maxUsers:
		errs = append(errs, model.FieldError{Field: "userIds", Msg: fmt.Sprintf("at most %d users per request", maxUsers)})
	}
	for i, id := range r.UserIDs {
		if strings.TrimSpace(id) == "" {
			errs = append(errs, model.FieldError{Field: fmt.Sprintf("userIds[%d]", i), Msg: "required"})
		}
	}
	if r.SyncType != SyncImmediate && r.SyncType != SyncQueued {
		errs = append(errs, model.FieldError{Field: "syncType", Msg: "must be 'immediate' or 'queued'"})
	}
	if r.Source != "" && !r.Source.IsValid() {
		errs = append(errs, model.FieldError{Field: "source", Msg: fmt.Sprintf("unknown platform %q", r.Source)})
	}
	return model.NewValidationError(errs)
}
