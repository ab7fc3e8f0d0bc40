// Package health probes the three platforms and keeps the latest snapshot.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/sync-coordinator/internal/metrics"
	"github.com/Checker-Finance/sync-coordinator/internal/notify"
	"github.com/Checker-Finance/sync-coordinator/internal/platform"
	"github.com/Checker-Finance/sync-coordinator/pkg/model"
)

// SnapshotStore persists snapshots for other replicas and dashboards.
type SnapshotStore interface {
	SaveHealthSnapshot(ctx context.Context, s model.HealthSnapshot) error
}

// Thresholds above which a responding platform is reported as degraded.
type Thresholds struct {
	Latency   time.Duration
	ErrorRate float64
}

// DefaultThresholds are 2s latency and 5% errors.
var DefaultThresholds = Thresholds{Latency: 2 * time.Second, ErrorRate: 0.05}

// Monitor runs health probes.
type Monitor struct {
	logger     *zap.Logger
	clients    platform.Set
	bus        *notify.Bus
	store      SnapshotStore
	thresholds Thresholds
	now        func() time.Time

	mu     sync.RWMutex
	latest model.HealthSnapshot
}

// NewMonitor creates a Monitor. bus may be nil.
func NewMonitor(logger *zap.Logger, clients platform.Set, bus *notify.Bus, th Thresholds) *Monitor {
	if th.Latency <= 0 {
		th.Latency = DefaultThresholds.Latency
	}
	if th.ErrorRate <= 0 {
		th.ErrorRate = DefaultThresholds.ErrorRate
	}
	return &Monitor{
		logger:     logger,
		clients:    clients,
		bus:        bus,
		thresholds: th,
		now:        time.Now,
	}
}

// WithSnapshotStore saves every snapshot to s.
func (m *Monitor) WithSnapshotStore(s SnapshotStore) *Monitor {
	m.store = s
	return m
}

type probeResponse struct {
	Status            string  `json:"status"`
	RequestsPerMinute float64 `json:"requestsPerMinute"`
	ErrorRate         float64 `json:"errorRate"`
	AvgResponseTime   float64 `json:"avgResponseTime"`
}

// PerformHealthCheck probes every platform concurrently. It never fails: a probe error
// becomes the down sentinel, so the result always has one entry per platform.
func (m *Monitor) PerformHealthCheck(ctx context.Context) model.HealthSnapshot {
	platforms := model.AllPlatforms()
	results := make([]model.HealthStatus, len(platforms))

	var wg sync.WaitGroup
	for i, p := range platforms {
		wg.Add(1)
		go func(i int, p model.Platform) {
			defer wg.Done()
			results[i] = m.probe(ctx, p)
		}(i, p)
	}
	wg.Wait()

	snapshot := make(model.HealthSnapshot, len(platforms))
	for _, st := range results {
		snapshot[st.Service] = st
		metrics.PlatformHealth.WithLabelValues(st.Service.Short()).Set(gaugeValue(st.Status))
	}

	m.mu.Lock()
	m.latest = snapshot
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveHealthSnapshot(ctx, snapshot); err != nil {
			m.logger.Warn("health.snapshot_store_failed", zap.Error(err))
		}
	}

	overall := snapshot.Overall()
	m.logger.Info("health.checked", zap.String("overall", overall))
	if m.bus != nil {
		m.bus.Publish(notify.HealthChecked, notify.HealthCheckedPayload{
			Overall:  overall,
			Services: snapshot.Ordered(),
		})
	}
	return clone(snapshot)
}

// Latest returns the most recent snapshot, if any check has run.
func (m *Monitor) Latest() (model.HealthSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return nil, false
	}
	return clone(m.latest), true
}

func (m *Monitor) probe(ctx context.Context, p model.Platform) model.HealthStatus {
	client := m.clients.For(p)
	if client == nil {
		return model.DownStatus(p, m.now().UTC())
	}

	start := m.now()
	var resp probeResponse
	if err := client.Get(ctx, "/health", &resp); err != nil {
		m.logger.Warn("health.probe_failed", zap.String("platform", string(p)), zap.Error(err))
		return model.DownStatus(p, m.now().UTC())
	}
	latency := m.now().Sub(start)

	return model.HealthStatus{
		Service: p,
		Status:  m.derive(resp, latency),
		Latency: latency.Milliseconds(),
		Metrics: model.ServiceMetrics{
			RequestsPerMinute: resp.RequestsPerMinute,
			ErrorRate:         resp.ErrorRate,
			AvgResponseTime:   resp.AvgResponseTime,
		},
		CheckedAt: m.now().UTC(),
	}
}

func (m *Monitor) derive(resp probeResponse, latency time.Duration) model.ServiceState {
	switch model.ServiceState(resp.Status) {
	case model.StateDown:
		return model.StateDown
	case model.StateDegraded:
		return model.StateDegraded
	}
	if resp.ErrorRate > m.thresholds.ErrorRate || latency > m.thresholds.Latency {
		return model.StateDegraded
	}
	return model.StateHealthy
}

func gaugeValue(s model.ServiceState) float64 {
	switch s {
	case model.StateHealthy:
		return 2
	case model.StateDegraded:
		return 1
	}
	return 0
}

func clone(s model.HealthSnapshot) model.HealthSnapshot {
	out := make(model.HealthSnapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
