package integration

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/sync-coordinator/internal/platform/platformtest"
	"github.com/Checker-Finance/sync-coordinator/pkg/model"
)

type stubHealth struct {
	latest  model.HealthSnapshot
	checked int
}

func (s *stubHealth) Latest() (model.HealthSnapshot, bool) {
	return s.latest, s.latest != nil
}

func (s *stubHealth) PerformHealthCheck(context.Context) model.HealthSnapshot {
	s.checked++
	s.latest = model.HealthSnapshot{}
	for _, p := range model.AllPlatforms() {
		s.latest[p] = model.HealthStatus{Service: p, Status: model.StateHealthy}
	}
	return s.latest
}

type stubQueue struct {
	n   int64
	err error
}

func (q stubQueue) QueueLength(context.Context) (int64, error) { return q.n, q.err }

func TestGetIntegrationMetrics_AllQueriesFail(t *testing.T) {
	set, _, _, _ := platformtest.NewSet()
	h := &stubHealth{}
	agg := NewAggregator(zap.NewNop(), set, h, NewFlowCounter()).
		WithQueue(stubQueue{err: errors.New("redis down")})

	var m model.IntegrationMetrics
	require.NotPanics(t, func() { m = agg.GetIntegrationMetrics(context.Background()) })

	assert.Equal(t, int64(0), m.ActiveUsers)
	assert.Equal(t, int64(0), m.SyncQueueSize)
	assert.Equal(t, map[model.Tier]int64{model.TierOnyx: 0, model.TierObsidian: 0, model.TierVoid: 0}, m.TierDistribution)
	assert.True(t, m.RevenueSync.Synced)
	assert.True(t, m.RevenueSync.Discrepancy.IsZero())
	assert.NotNil(t, m.DataFlows)
	assert.False(t, m.GeneratedAt.IsZero())

	assert.Equal(t, 1, h.checked, "no snapshot yet, so one check runs")
	assert.Equal(t, model.AggregateHealthy, m.HealthStatus)
}

func TestGetIntegrationMetrics_HappyPath(t *testing.T) {
	set, portal, trading, _ := platformtest.NewSet()
	portal.Respond(http.MethodGet, "/analytics/active-users", map[string]any{"count": 1200})
	portal.Respond(http.MethodGet, "/analytics/tier-distribution", map[string]any{
		"tiers": map[string]int{"onyx": 900, "obsidian": 250, "void": 50, "bronze": 7},
	})
	trading.Respond(http.MethodGet, "/revenue/sync-status", map[string]any{
		"synced": false, "lastSync": "2026-03-01T10:00:00Z", "discrepancy": "125.50",
	})

	h := &stubHealth{latest: model.HealthSnapshot{
		model.PlatformPortal:  {Status: model.StateHealthy},
		model.PlatformTrading: {Status: model.StateDegraded},
		model.PlatformSupport: {Status: model.StateHealthy},
	}}
	flows := NewFlowCounter()
	flows.RecordDelivery(model.PlatformPortal, model.PlatformTrading)

	agg := NewAggregator(zap.NewNop(), set, h, flows).WithQueue(stubQueue{n: 7})
	m := agg.GetIntegrationMetrics(context.Background())

	assert.Equal(t, int64(1200), m.ActiveUsers)
	assert.Equal(t, int64(7), m.SyncQueueSize)
	assert.Equal(t, map[model.Tier]int64{model.TierOnyx: 900, model.TierObsidian: 250, model.TierVoid: 50}, m.TierDistribution)
	assert.False(t, m.RevenueSync.Synced)
	require.NotNil(t, m.RevenueSync.LastSync)
	assert.Equal(t, "125.5", m.RevenueSync.Discrepancy.String())
	assert.Equal(t, model.AggregateDegraded, m.HealthStatus)
	assert.Equal(t, 0, h.checked)
	require.Len(t, m.DataFlows, 1)
	assert.Equal(t, model.PlatformPortal, m.DataFlows[0].From)
}

func TestFlowCounter_DrainRatesAndResets(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := NewFlowCounter()
	f.since = start
	f.now = func() time.Time { return start.Add(2 * time.Minute) }

	for i := 0; i < 4; i++ {
		f.RecordDelivery(model.PlatformTrading, model.PlatformSupport)
	}
	f.RecordDelivery(model.PlatformPortal, model.PlatformTrading)
	f.RecordDelivery(model.PlatformPortal, model.PlatformTrading)

	flows := f.Drain()
	require.Len(t, flows, 2)
	assert.Equal(t, model.DataFlow{From: model.PlatformPortal, To: model.PlatformTrading, RatePerMinute: 1}, flows[0])
	assert.Equal(t, model.DataFlow{From: model.PlatformTrading, To: model.PlatformSupport, RatePerMinute: 2}, flows[1])

	assert.Empty(t, f.Drain())
}

func TestFlowCounter_ShortWindowCountsAsOneMinute(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := NewFlowCounter()
	f.since = start
	f.now = func() time.Time { return start.Add(5 * time.Second) }

	f.RecordDelivery(model.PlatformSupport, model.PlatformPortal)
	flows := f.Drain()
	require.Len(t, flows, 1)
	assert.Equal(t, 1.0, flows[0].RatePerMinute)
}
