package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/Checker-Finance/sync-coordinator/pkg/model"
)

// HealthSource is satisfied by *health.Monitor.
type HealthSource interface {
	Latest() (model.HealthSnapshot, bool)
	PerformHealthCheck(ctx context.Context) model.HealthSnapshot
}

// MetricsSource is satisfied by *integration.Aggregator.
type MetricsSource interface {
	GetIntegrationMetrics(ctx context.Context) model.IntegrationMetrics
}

// Checker is a dependency probed by /livez.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckerFunc adapts a plain function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// HealthHandler serves /health and /livez.
type HealthHandler struct {
	health  HealthSource
	metrics MetricsSource
	checks  map[string]Checker
}

// NewHealthHandler creates a HealthHandler. metrics and checks may be nil.
func NewHealthHandler(health HealthSource, metrics MetricsSource, checks map[string]Checker) *HealthHandler {
	return &HealthHandler{health: health, metrics: metrics, checks: checks}
}

// Health handles GET /health. Platform outages show up in the body; the status code is always 200.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx := c.UserContext()

	snapshot, ok := h.health.Latest()
	if !ok || c.QueryBool("refresh") {
		snapshot = h.health.PerformHealthCheck(ctx)
	}

	resp := HealthResponse{
		Status:   snapshot.Overall(),
		Services: snapshot.Ordered(),
	}
	if c.QueryBool("metrics") && h.metrics != nil {
		m := h.metrics.GetIntegrationMetrics(ctx)
		resp.Metrics = &m
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

// Livez handles GET /livez: the process and its own infrastructure, not the platforms.
func (h *HealthHandler) Livez(c *fiber.Ctx) error {
	checks := make(map[string]string, len(h.checks))
	status := "ok"
	code := fiber.StatusOK

	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	for name, chk := range h.checks {
		if err := chk.HealthCheck(ctx); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			code = fiber.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	return c.Status(code).JSON(fiber.Map{
		"status": status,
		"checks": checks,
	})
}
