package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/sync-coordinator/pkg/model"
)

type mockHealth struct {
	latest  model.HealthSnapshot
	fresh   model.HealthSnapshot
	checked int
}

func (m *mockHealth) Latest() (model.HealthSnapshot, bool) {
	return m.latest, m.latest != nil
}

func (m *mockHealth) PerformHealthCheck(context.Context) model.HealthSnapshot {
	m.checked++
	return m.fresh
}

type mockMetrics struct{ m model.IntegrationMetrics }

func (m mockMetrics) GetIntegrationMetrics(context.Context) model.IntegrationMetrics { return m.m }

func snapshot(portal, trading, support model.ServiceState) model.HealthSnapshot {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return model.HealthSnapshot{
		model.PlatformPortal:  {Service: model.PlatformPortal, Status: portal, CheckedAt: at},
		model.PlatformTrading: {Service: model.PlatformTrading, Status: trading, CheckedAt: at},
		model.PlatformSupport: {Service: model.PlatformSupport, Status: support, CheckedAt: at},
	}
}

func getJSON(t *testing.T, app *fiber.App, path string, out any) int {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, path, nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.Unmarshal(body, out))
	}
	return resp.StatusCode
}

func newHealthApp(h *HealthHandler) *fiber.App {
	app := fiber.New()
	app.Get("/health", h.Health)
	app.Get("/livez", h.Livez)
	return app
}

func TestHealth_UsesLatestSnapshot(t *testing.T) {
	src := &mockHealth{latest: snapshot(model.StateHealthy, model.StateDegraded, model.StateHealthy)}
	app := newHealthApp(NewHealthHandler(src, nil, nil))

	var out HealthResponse
	status := getJSON(t, app, "/health", &out)

	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, model.OverallDegraded, out.Status)
	require.Len(t, out.Services, 3)
	assert.Equal(t, model.PlatformPortal, out.Services[0].Service)
	assert.Equal(t, model.PlatformSupport, out.Services[2].Service)
	assert.Nil(t, out.Metrics)
	assert.Zero(t, src.checked)
}

func TestHealth_ChecksWhenNoSnapshot(t *testing.T) {
	src := &mockHealth{fresh: snapshot(model.StateDown, model.StateHealthy, model.StateHealthy)}
	app := newHealthApp(NewHealthHandler(src, nil, nil))

	var out HealthResponse
	status := getJSON(t, app, "/health", &out)

	assert.Equal(t, fiber.StatusOK, status, "platform outages never change the status code")
	assert.Equal(t, model.OverallOutage, out.Status)
	assert.Equal(t, 1, src.checked)
}

func TestHealth_RefreshForcesCheck(t *testing.T) {
	src := &mockHealth{
		latest: snapshot(model.StateDown, model.StateDown, model.StateDown),
		fresh:  snapshot(model.StateHealthy, model.StateHealthy, model.StateHealthy),
	}
	app := newHealthApp(NewHealthHandler(src, nil, nil))

	var out HealthResponse
	getJSON(t, app, "/health?refresh=true", &out)

	assert.Equal(t, model.OverallOperational, out.Status)
	assert.Equal(t, 1, src.checked)
}

func TestHealth_IncludesMetrics(t *testing.T) {
	src := &mockHealth{latest: snapshot(model.StateHealthy, model.StateHealthy, model.StateHealthy)}
	metrics := mockMetrics{m: model.IntegrationMetrics{
		ActiveUsers:      42,
		HealthStatus:     model.AggregateHealthy,
		TierDistribution: model.ZeroTierDistribution(),
		DataFlows:        []model.DataFlow{},
	}}
	app := newHealthApp(NewHealthHandler(src, metrics, nil))

	var out HealthResponse
	getJSON(t, app, "/health?metrics=true", &out)

	require.NotNil(t, out.Metrics)
	assert.Equal(t, int64(42), out.Metrics.ActiveUsers)
	assert.Len(t, out.Metrics.TierDistribution, 3)
}

func TestLivez(t *testing.T) {
	ok := CheckerFunc(func(context.Context) error { return nil })
	broken := CheckerFunc(func(context.Context) error { return errors.New("nats connection is not active") })

	t.Run("all ok", func(t *testing.T) {
		app := newHealthApp(NewHealthHandler(&mockHealth{}, nil, map[string]Checker{"redis": ok, "nats": ok}))
		var out map[string]any
		assert.Equal(t, fiber.StatusOK, getJSON(t, app, "/livez", &out))
		assert.Equal(t, "ok", out["status"])
	})

	t.Run("one failing", func(t *testing.T) {
		app := newHealthApp(NewHealthHandler(&mockHealth{}, nil, map[string]Checker{"redis": ok, "nats": broken}))
		var out struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}
		assert.Equal(t, fiber.StatusServiceUnavailable, getJSON(t, app, "/livez", &out))
		assert.Equal(t, "degraded", out.Status)
		assert.Equal(t, "ok", out.Checks["redis"])
		assert.Contains(t, out.Checks["nats"], "not active")
	})
}
