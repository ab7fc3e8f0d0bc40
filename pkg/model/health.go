package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ServiceState is the probe verdict for one platform.
type ServiceState string

const (
	StateHealthy  ServiceState = "healthy"
	StateDegraded ServiceState = "degraded"
	StateDown     ServiceState = "down"
)

// ServiceMetrics are the load figures a platform reports about itself.
type ServiceMetrics struct {
	RequestsPerMinute float64 `json:"requestsPerMinute"`
	ErrorRate         float64 `json:"errorRate"`
	AvgResponseTime   float64 `json:"avgResponseTime"`
}

// HealthStatus is recomputed wholesale on every check.
type HealthStatus struct {
	Service   Platform       `json:"service"`
	Status    ServiceState   `json:"status"`
	Latency   int64          `json:"latency"`
	Metrics   ServiceMetrics `json:"metrics"`
	CheckedAt time.Time      `json:"checkedAt"`
}

// DownStatus is the sentinel used when a probe fails.
func DownStatus(p Platform, at time.Time) HealthStatus {
	return HealthStatus{
		Service: p,
		Status:  StateDown,
		Latency: -1,
		Metrics: ServiceMetrics{
			RequestsPerMinute: 0,
			ErrorRate:         1,
			AvgResponseTime:   -1,
		},
		CheckedAt: at,
	}
}

// HealthSnapshot maps every platform to its latest status.
type HealthSnapshot map[Platform]HealthStatus

// Overall labels for the /health endpoint.
const (
	OverallOperational = "operational"
	OverallDegraded    = "degraded_performance"
	OverallOutage      = "partial_outage"
)

// Aggregate labels for IntegrationMetrics.
const (
	AggregateHealthy  = "healthy"
	AggregateDegraded = "degraded"
	AggregateCritical = "critical"
)

// Overall derives the public status label. Any down platform wins over degraded.
func (s HealthSnapshot) Overall() string {
	switch s.worst() {
	case StateDown:
		return OverallOutage
	case StateDegraded:
		return OverallDegraded
	}
	return OverallOperational
}

// Aggregate derives the metrics health label.
func (s HealthSnapshot) Aggregate() string {
	switch s.worst() {
	case StateDown:
		return AggregateCritical
	case StateDegraded:
		return AggregateDegraded
	}
	return AggregateHealthy
}

// Ordered returns the statuses in canonical platform order, skipping missing ones.
func (s HealthSnapshot) Ordered() []HealthStatus {
	out := make([]HealthStatus, 0, len(s))
	for _, p := range AllPlatforms() {
		if st, ok := s[p]; ok {
			out = append(out, st)
		}
	}
	return out
}

func (s HealthSnapshot) worst() ServiceState {
	worst := StateHealthy
	for _, p := range AllPlatforms() {
		st, ok := s[p]
		if !ok || st.Status == StateDown {
			return StateDown
		}
		if st.Status == StateDegraded {
			worst = StateDegraded
		}
	}
	return worst
}

// DataFlow is the observed delivery rate between two platforms.
type DataFlow struct {
	From          Platform `json:"from"`
	To            Platform `json:"to"`
	RatePerMinute float64  `json:"ratePerMinute"`
}

// RevenueSync reports whether revenue figures agree across platforms.
type RevenueSync struct {
	Synced      bool            `json:"synced"`
	LastSync    *time.Time      `json:"lastSync,omitempty"`
	Discrepancy decimal.Decimal `json:"discrepancy"`
}

// IntegrationMetrics is built fresh per request and never persisted.
type IntegrationMetrics struct {
	ActiveUsers      int64          `json:"activeUsers"`
	SyncQueueSize    int64          `json:"syncQueueSize"`
	HealthStatus     string         `json:"healthStatus"`
	DataFlows        []DataFlow     `json:"dataFlows"`
	TierDistribution map[Tier]int64 `json:"tierDistribution"`
	RevenueSync      RevenueSync    `json:"revenueSync"`
	GeneratedAt      time.Time      `json:"generatedAt"`
}

// ZeroTierDistribution returns a map with every tier present and zeroed.
func ZeroTierDistribution() map[Tier]int64 {
	out := make(map[Tier]int64, 3)
	for _, t := range AllTiers() {
		out[t] = 0
	}
	return out
}
