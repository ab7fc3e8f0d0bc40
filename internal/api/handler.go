package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Checker-Finance/sync-coordinator/internal/coordinator"
	"github.com/Checker-Finance/sync-coordinator/internal/events"
	"github.com/Checker-Finance/sync-coordinator/internal/tier"
	"github.com/Checker-Finance/sync-coordinator/pkg/model"
)

// UserSyncer is satisfied by *coordinator.Coordinator.
type UserSyncer interface {
	SyncUser(ctx context.Context, userID string, t model.Tier) (*model.SyncResult, error)
	SyncUserIdempotent(ctx context.Context, key, userID string, t model.Tier) (*model.SyncResult, error)
	FetchTier(ctx context.Context, userID string) (model.Tier, error)
}

// EventHandler is satisfied by *events.Router.
type EventHandler interface {
	HandleServiceEvent(ctx context.Context, ev model.ServiceEvent) error
}

// SyncQueue is satisfied by *store.RedisStore.
type SyncQueue interface {
	EnqueueSync(ctx context.Context, items ...model.QueuedSync) error
}

// SyncHandler serves the /sync routes.
type SyncHandler struct {
	logger          *zap.Logger
	syncer          UserSyncer
	events          EventHandler
	queue           SyncQueue
	bulkConcurrency int
	bulkMaxUsers    int
}

// NewSyncHandler creates a SyncHandler. queue may be nil, which disables queued bulk syncs.
func NewSyncHandler(logger *zap.Logger, syncer UserSyncer, ev EventHandler, queue SyncQueue, bulkConcurrency, bulkMaxUsers int) *SyncHandler {
	if bulkConcurrency <= 0 {
		bulkConcurrency = 8
	}
	return &SyncHandler{
		logger:          logger,
		syncer:          syncer,
		events:          ev,
		queue:           queue,
		bulkConcurrency: bulkConcurrency,
		bulkMaxUsers:    bulkMaxUsers,
	}
}

// SyncUser handles POST /sync/user.
func (h *SyncHandler) SyncUser(c *fiber.Ctx) error {
	var req SyncUserRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid payload"})
	}
	if err := req.Validate(); err != nil {
		return writeError(c, err)
	}

	key := strings.TrimSpace(c.Get("Idempotency-Key"))
	result, err := h.syncer.SyncUserIdempotent(c.UserContext(), key, strings.TrimSpace(req.UserID), req.Tier)
	if err != nil {
		h.logger.Warn("api.sync_user.failed",
			zap.String("user_id", req.UserID),
			zap.String("tier", string(req.Tier)),
			zap.Error(err))
		return writeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(result)
}

// SyncEvent handles POST /sync/event.
func (h *SyncHandler) SyncEvent(c *fiber.Ctx) error {
	var ev model.ServiceEvent
	if err := json.Unmarshal(c.Body(), &ev); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid payload"})
	}
	if err := h.events.HandleServiceEvent(c.UserContext(), ev); err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(EventAcceptedResponse{Accepted: true, EventID: ev.EventID})
}

// SyncBulk handles POST /sync/bulk. One user's failure never affects the others.
func (h *SyncHandler) SyncBulk(c *fiber.Ctx) error {
	var req BulkSyncRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid payload"})
	}
	if err := req.Validate(h.bulkMaxUsers); err != nil {
		return writeError(c, err)
	}

	batchID := uuid.NewString()
	ctx := c.UserContext()
	h.logger.Info("api.sync_bulk.received",
		zap.String("batch_id", batchID),
		zap.String("sync_type", req.SyncType),
		zap.String("source", string(req.Source)),
		zap.Int("users", len(req.UserIDs)))

	var results []BulkResult
	if req.SyncType == SyncQueued {
		if h.queue == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(ErrorResponse{Error: "sync queue unavailable"})
		}
		results = h.enqueue(ctx, batchID, req)
	} else {
		results = h.syncAll(ctx, req.UserIDs)
	}

	return c.Status(fiber.StatusOK).JSON(BulkSyncResponse{BatchID: batchID, Results: results})
}

func (h *SyncHandler) syncAll(ctx context.Context, userIDs []string) []BulkResult {
	results := make([]BulkResult, len(userIDs))

	var g errgroup.Group
	g.SetLimit(h.bulkConcurrency)
	for i, id := range userIDs {
		id = strings.TrimSpace(id)
		g.Go(func() error {
			results[i] = h.syncOne(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (h *SyncHandler) syncOne(ctx context.Context, userID string) BulkResult {
	t, err := h.syncer.FetchTier(ctx, userID)
	if err == nil {
		_, err = h.syncer.SyncUser(ctx, userID, t)
	}
	if err != nil {
		h.logger.Warn("api.sync_bulk.user_failed", zap.String("user_id", userID), zap.Error(err))
		return BulkResult{UserID: userID, Status: BulkFailed, Error: err.Error()}
	}
	return BulkResult{UserID: userID, Status: BulkSynced}
}

func (h *SyncHandler) enqueue(ctx context.Context, batchID string, req BulkSyncRequest) []BulkResult {
	items := make([]model.QueuedSync, len(req.UserIDs))
	for i, id := range req.UserIDs {
		items[i] = model.QueuedSync{UserID: strings.TrimSpace(id), Source: req.Source, BatchID: batchID}
	}

	status, msg := BulkQueued, ""
	if err := h.queue.EnqueueSync(ctx, items...); err != nil {
		h.logger.Error("api.sync_bulk.enqueue_failed", zap.String("batch_id", batchID), zap.Error(err))
		status, msg = BulkFailed, err.Error()
	}

	results := make([]BulkResult, len(items))
	for i, it := range items {
		results[i] = BulkResult{UserID: it.UserID, Status: status, Error: msg}
	}
	return results
}

// writeError maps domain errors to status codes.
func writeError(c *fiber.Ctx, err error) error {
	var (
		ve  *model.ValidationError
		psf *coordinator.PartialSyncFailure
	)
	switch {
	case errors.As(err, &ve):
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "validation failed", Fields: ve.Fields})
	case errors.Is(err, tier.ErrUnknownTier):
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: err.Error()})
	case errors.As(err, &psf):
		completed := psf.Completed
		if completed == nil {
			completed = []model.Platform{}
		}
		return c.Status(fiber.StatusBadGateway).JSON(SyncFailureResponse{
			Error:     psf.Err.Error(),
			Platform:  psf.Platform,
			Completed: completed,
		})
	case errors.Is(err, events.ErrEventInFlight), errors.Is(err, events.ErrDuplicateEvent):
		return c.Status(fiber.StatusConflict).JSON(ErrorResponse{Error: err.Error()})
	}
	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: err.Error()})
}
