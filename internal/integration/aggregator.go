// Package integration assembles the cross-platform integration metrics.
// Every input has its own fallback so a failing platform never fails the whole report.
package integration

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/sync-coordinator/internal/platform"
	"github.com/Checker-Finance/sync-coordinator/pkg/model"
)

// QueueSizer reports the number of deferred user syncs.
type QueueSizer interface {
	QueueLength(ctx context.Context) (int64, error)
}

// HealthSource is satisfied by *health.Monitor.
type HealthSource interface {
	Latest() (model.HealthSnapshot, bool)
	PerformHealthCheck(ctx context.Context) model.HealthSnapshot
}

// Aggregator builds IntegrationMetrics.
type Aggregator struct {
	logger  *zap.Logger
	clients platform.Set
	health  HealthSource
	flows   *FlowCounter
	queue   QueueSizer
	now     func() time.Time
}

// NewAggregator creates an Aggregator. flows may be nil.
func NewAggregator(logger *zap.Logger, clients platform.Set, health HealthSource, flows *FlowCounter) *Aggregator {
	return &Aggregator{logger: logger, clients: clients, health: health, flows: flows, now: time.Now}
}

// WithQueue reports the sync queue length from q.
func (a *Aggregator) WithQueue(q QueueSizer) *Aggregator {
	a.queue = q
	return a
}

type activeUsersResponse struct {
	Count int64 `json:"count"`
}

type tierDistributionResponse struct {
	Tiers map[model.Tier]int64 `json:"tiers"`
}

type revenueSyncResponse struct {
	Synced      bool            `json:"synced"`
	LastSync    *time.Time      `json:"lastSync"`
	Discrepancy decimal.Decimal `json:"discrepancy"`
}

// GetIntegrationMetrics never fails.
func (a *Aggregator) GetIntegrationMetrics(ctx context.Context) model.IntegrationMetrics {
	out := model.IntegrationMetrics{
		TierDistribution: model.ZeroTierDistribution(),
		RevenueSync:      model.RevenueSync{Synced: true, Discrepancy: decimal.Zero},
		DataFlows:        []model.DataFlow{},
	}

	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	run(func() {
		var resp activeUsersResponse
		if err := a.clients.Portal.Get(ctx, "/analytics/active-users", &resp); err != nil {
			a.logger.Warn("integration.active_users_failed", zap.Error(err))
			return
		}
		out.ActiveUsers = resp.Count
	})

	run(func() {
		var resp tierDistributionResponse
		if err := a.clients.Portal.Get(ctx, "/analytics/tier-distribution", &resp); err != nil {
			a.logger.Warn("integration.tier_distribution_failed", zap.Error(err))
			return
		}
		for t, n := range resp.Tiers {
			if t.IsValid() {
				out.TierDistribution[t] = n
			}
		}
	})

	run(func() {
		var resp revenueSyncResponse
		if err := a.clients.Trading.Get(ctx, "/revenue/sync-status", &resp); err != nil {
			a.logger.Warn("integration.revenue_sync_failed", zap.Error(err))
			return
		}
		out.RevenueSync = model.RevenueSync(resp)
	})

	if a.queue != nil {
		run(func() {
			n, err := a.queue.QueueLength(ctx)
			if err != nil {
				a.logger.Warn("integration.queue_length_failed", zap.Error(err))
				return
			}
			out.SyncQueueSize = n
		})
	}

	var snapshot model.HealthSnapshot
	run(func() {
		if a.health == nil {
			return
		}
		s, ok := a.health.Latest()
		if !ok {
			s = a.health.PerformHealthCheck(ctx)
		}
		snapshot = s
	})

	wg.Wait()

	out.HealthStatus = snapshot.Aggregate()
	if a.flows != nil {
		out.DataFlows = a.flows.Drain()
	}
	out.GeneratedAt = a.now().UTC()
	return out
}
