// Package coordinator provisions a user on all three platforms in a fixed order.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/sync-coordinator/internal/metrics"
	"github.com/Checker-Finance/sync-coordinator/internal/notify"
	"github.com/Checker-Finance/sync-coordinator/internal/platform"
	"github.com/Checker-Finance/sync-coordinator/internal/tier"
	"github.com/Checker-Finance/sync-coordinator/pkg/model"
)

// PartialSyncFailure reports which step of SyncUser failed and which steps had already succeeded.
// Completed steps are not rolled back.
type PartialSyncFailure struct {
	Platform    model.Platform
	Completed   []model.Platform
	AnonymousID string
	Err         error
}

func (e *PartialSyncFailure) Error() string {
	return fmt.Sprintf("sync failed at %s: %v", e.Platform, e.Err)
}

func (e *PartialSyncFailure) Unwrap() error { return e.Err }

// ResultCache stores completed sync results under a caller-supplied idempotency key.
type ResultCache interface {
	GetSyncResult(ctx context.Context, key string) (*model.SyncResult, bool, error)
	PutSyncResult(ctx context.Context, key string, r *model.SyncResult, ttl time.Duration) error
}

// Coordinator runs SyncUser.
type Coordinator struct {
	logger   *zap.Logger
	clients  platform.Set
	bus      *notify.Bus
	cache    ResultCache
	cacheTTL time.Duration
}

// New creates a Coordinator. bus may be nil.
func New(logger *zap.Logger, clients platform.Set, bus *notify.Bus) *Coordinator {
	return &Coordinator{logger: logger, clients: clients, bus: bus}
}

// WithResultCache enables SyncUserIdempotent caching.
func (c *Coordinator) WithResultCache(cache ResultCache, ttl time.Duration) *Coordinator {
	c.cache = cache
	c.cacheTTL = ttl
	return c
}

type portalSyncRequest struct {
	UserID            string     `json:"userId"`
	Tier              model.Tier `json:"tier"`
	Features          []string   `json:"features"`
	HardwareLock      bool       `json:"hardwareLock"`
	AnonymousIdentity bool       `json:"anonymousIdentity"`
}

type portalSyncResponse struct {
	AnonymousID string   `json:"anonymousId"`
	Active      bool     `json:"active"`
	Features    []string `json:"features"`
}

type tradingFeatures struct {
	QuantumResistant bool `json:"quantumResistant"`
	AnonymousTrading bool `json:"anonymousTrading"`
	DarkPoolAccess   bool `json:"darkPoolAccess"`
}

type tradingProvisionRequest struct {
	UserID              string              `json:"userId"`
	Tier                model.Tier          `json:"tier"`
	AnonymousID         string              `json:"anonymousId"`
	TradingLimits       model.TradingLimits `json:"tradingLimits"`
	PortfolioEncryption string              `json:"portfolioEncryption"`
	Features            tradingFeatures     `json:"features"`
}

type tradingProvisionResponse struct {
	AccountID string `json:"accountId"`
	Active    bool   `json:"active"`
}

type supportFeatures struct {
	Concierge24x7     bool `json:"concierge24x7"`
	EmergencyResponse bool `json:"emergencyResponse"`
	PrivateAviation   bool `json:"privateAviation"`
}

type supportInitRequest struct {
	UserID            string          `json:"userId"`
	Tier              model.Tier      `json:"tier"`
	AnonymousID       string          `json:"anonymousId"`
	ButlerPersonality string          `json:"butlerPersonality"`
	ServiceLevel      string          `json:"serviceLevel"`
	Features          supportFeatures `json:"features"`
}

type supportInitResponse struct {
	ConciergeID string `json:"conciergeId"`
	Active      bool   `json:"active"`
}

const portfolioEncryption = "zk-snark"

var errMissingAnonymousID = errors.New("portal returned no anonymousId")

// SyncUser provisions userID at tier t on portal, then trading, then support.
// The first failure aborts the sequence and is returned as *PartialSyncFailure.
func (c *Coordinator) SyncUser(ctx context.Context, userID string, t model.Tier) (*model.SyncResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, model.NewValidationError([]model.FieldError{{Field: "userId", Msg: "required"}})
	}
	profile, err := tier.Lookup(t)
	if err != nil {
		return nil, err
	}

	var completed []model.Platform
	fail := func(p model.Platform, anonymousID string, err error) error {
		return c.failed(userID, t, &PartialSyncFailure{
			Platform:    p,
			Completed:   completed,
			AnonymousID: anonymousID,
			Err:         err,
		})
	}

	var portal portalSyncResponse
	err = c.clients.Portal.Post(ctx, "/users/sync", portalSyncRequest{
		UserID:            userID,
		Tier:              t,
		Features:          profile.Features,
		HardwareLock:      true,
		AnonymousIdentity: true,
	}, &portal)
	if err == nil && portal.AnonymousID == "" {
		err = errMissingAnonymousID
	}
	if err != nil {
		return nil, fail(model.PlatformPortal, "", err)
	}
	completed = append(completed, model.PlatformPortal)
	anonymousID := portal.AnonymousID

	var trading tradingProvisionResponse
	err = c.clients.Trading.Post(ctx, "/accounts/provision", tradingProvisionRequest{
		UserID:              userID,
		Tier:                t,
		AnonymousID:         anonymousID,
		TradingLimits:       profile.TradingLimits,
		PortfolioEncryption: portfolioEncryption,
		Features: tradingFeatures{
			QuantumResistant: profile.Has("quantum_vault"),
			AnonymousTrading: true,
			DarkPoolAccess:   profile.Has("dark_pool_access"),
		},
	}, &trading)
	if err != nil {
		return nil, fail(model.PlatformTrading, anonymousID, err)
	}
	completed = append(completed, model.PlatformTrading)

	var support supportInitResponse
	err = c.clients.Support.Post(ctx, "/services/initialize", supportInitRequest{
		UserID:            userID,
		Tier:              t,
		AnonymousID:       anonymousID,
		ButlerPersonality: profile.Personality,
		ServiceLevel:      profile.ServiceLevel,
		Features: supportFeatures{
			Concierge24x7:     true,
			EmergencyResponse: profile.Has("emergency_extraction"),
			PrivateAviation:   profile.Has("private_aviation"),
		},
	}, &support)
	if err != nil {
		return nil, fail(model.PlatformSupport, anonymousID, err)
	}

	features := portal.Features
	if len(features) == 0 {
		features = profile.Features
	}

	result := &model.SyncResult{
		UserID:      userID,
		Tier:        t,
		AnonymousID: anonymousID,
		Platforms: model.PlatformStates{
			Portal: model.PortalState{
				Active:       true,
				AnonymousID:  anonymousID,
				Features:     features,
				HardwareLock: true,
			},
			Trading: model.TradingState{
				Active:              true,
				AccountID:           trading.AccountID,
				TradingLimits:       profile.TradingLimits,
				PortfolioEncryption: portfolioEncryption,
			},
			Support: model.SupportState{
				Active:            true,
				ButlerPersonality: profile.Personality,
				ConciergeID:       support.ConciergeID,
				ServiceLevel:      profile.ServiceLevel,
			},
		},
		SyncStatus: model.SyncStatus{Health: "synced", PendingChanges: 0},
	}

	metrics.SyncUserTotal.WithLabelValues("success", "").Inc()
	c.logger.Info("coordinator.sync_completed",
		zap.String("user_id", userID),
		zap.String("tier", string(t)),
		zap.String("anonymous_id", anonymousID))
	c.publish(notify.SyncCompleted, notify.SyncCompletedPayload{
		UserID:      userID,
		Tier:        t,
		AnonymousID: anonymousID,
	})
	return result, nil
}

// SyncUserIdempotent returns the cached result for key when present, otherwise runs SyncUser
// and caches a success. An empty key or no configured cache behaves like SyncUser.
func (c *Coordinator) SyncUserIdempotent(ctx context.Context, key, userID string, t model.Tier) (*model.SyncResult, error) {
	if key == "" || c.cache == nil {
		return c.SyncUser(ctx, userID, t)
	}

	cached, ok, err := c.cache.GetSyncResult(ctx, key)
	if err != nil {
		c.logger.Warn("coordinator.idempotency_lookup_failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		if cached.UserID == userID && cached.Tier == t {
			c.logger.Debug("coordinator.idempotent_hit", zap.String("key", key), zap.String("user_id", userID))
			return cached, nil
		}
		return nil, model.NewValidationError([]model.FieldError{{
			Field: "Idempotency-Key",
			Msg:   "already used for a different user or tier",
		}})
	}

	result, err := c.SyncUser(ctx, userID, t)
	if err != nil {
		return nil, err
	}
	if err := c.cache.PutSyncResult(ctx, key, result, c.cacheTTL); err != nil {
		c.logger.Warn("coordinator.idempotency_store_failed", zap.String("key", key), zap.Error(err))
	}
	return result, nil
}

func (c *Coordinator) failed(userID string, t model.Tier, f *PartialSyncFailure) error {
	metrics.SyncUserTotal.WithLabelValues("failure", f.Platform.Short()).Inc()
	c.logger.Error("coordinator.sync_failed",
		zap.String("user_id", userID),
		zap.String("tier", string(t)),
		zap.String("failed_platform", string(f.Platform)),
		zap.Int("completed", len(f.Completed)),
		zap.Error(f.Err))

	completed := f.Completed
	if completed == nil {
		completed = []model.Platform{}
	}
	c.publish(notify.SyncFailed, notify.SyncFailedPayload{
		UserID:         userID,
		Tier:           t,
		FailedPlatform: f.Platform,
		AnonymousID:    f.AnonymousID,
		Completed:      completed,
		Error:          f.Err.Error(),
	})
	return f
}

func (c *Coordinator) publish(kind notify.Kind, payload any) {
	if c.bus != nil {
		c.bus.Publish(kind, payload)
	}
}

type portalUserResponse struct {
	Tier model.Tier `json:"tier"`
}

// FetchTier reads the user's current tier from the portal.
func (c *Coordinator) FetchTier(ctx context.Context, userID string) (model.Tier, error) {
	var resp portalUserResponse
	if err := c.clients.Portal.Get(ctx, "/users/"+url.PathEscape(userID), &resp); err != nil {
		return "", err
	}
	if !resp.Tier.IsValid() {
		return "", fmt.Errorf("%w: %q for user %s", tier.ErrUnknownTier, resp.Tier, userID)
	}
	return resp.Tier, nil
}
