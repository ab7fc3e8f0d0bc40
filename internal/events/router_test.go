package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/sync-coordinator/internal/notify"
	"github.com/Checker-Finance/sync-coordinator/internal/platform/platformtest"
	"github.com/Checker-Finance/sync-coordinator/pkg/model"
)

type recorder struct {
	mu   sync.Mutex
	seen []notify.Notification
}

func (r *recorder) handle(n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, n)
}

func (r *recorder) of(kind notify.Kind) []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Notification
	for _, n := range r.seen {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

type flowCounts struct {
	mu     sync.Mutex
	counts map[[2]model.Platform]int
}

func (f *flowCounts) RecordDelivery(from, to model.Platform) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[[2]model.Platform{from, to}]++
}

type harness struct {
	router  *Router
	rec     *recorder
	flows   *flowCounts
	portal  *platformtest.Fake
	trading *platformtest.Fake
	support *platformtest.Fake
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	set, portal, trading, support := platformtest.NewSet()
	bus := notify.New(zap.NewNop())
	rec := &recorder{}
	bus.Subscribe(rec.handle)
	flows := &flowCounts{counts: map[[2]model.Platform]int{}}
	return &harness{
		router:  NewRouter(zap.NewNop(), set, bus).WithFlowRecorder(flows),
		rec:     rec,
		flows:   flows,
		portal:  portal,
		trading: trading,
		support: support,
	}
}

func mustEvent(t *testing.T, id string, source model.Platform, payload model.EventPayload, targets ...model.Platform) model.ServiceEvent {
	t.Helper()
	ev, err := model.NewServiceEvent(id, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), source, payload, targets...)
	require.NoError(t, err)
	return ev
}

func TestHandleServiceEvent_GenericGoesToEachTargetOnce(t *testing.T) {
	h := newHarness(t)
	h.trading.Respond(http.MethodPost, "/events/ingest", map[string]any{"ok": true})
	h.support.Respond(http.MethodPost, "/events/ingest", map[string]any{"ok": true})

	ev := mustEvent(t, "evt-1", model.PlatformPortal,
		&model.UserCreatedPayload{UserID: "u1", Tier: model.TierOnyx},
		model.PlatformTrading, model.PlatformSupport)

	require.NoError(t, h.router.HandleServiceEvent(context.Background(), ev))

	require.Len(t, h.trading.CallsTo(http.MethodPost, "/events/ingest"), 1)
	require.Len(t, h.support.CallsTo(http.MethodPost, "/events/ingest"), 1)
	assert.Equal(t, 0, h.portal.Count())

	var forwarded map[string]any
	require.NoError(t, json.Unmarshal(h.trading.Calls()[0].Body, &forwarded))
	assert.Equal(t, "evt-1", forwarded["eventId"])
	assert.Equal(t, "user_created", forwarded["eventType"])

	assert.Equal(t, 0, h.router.Pending())
	assert.Equal(t, 1, h.flows.counts[[2]model.Platform{model.PlatformPortal, model.PlatformTrading}])
	assert.Equal(t, 1, h.flows.counts[[2]model.Platform{model.PlatformPortal, model.PlatformSupport}])
}

func TestHandleServiceEvent_GenericForwardsPayloadAsReceived(t *testing.T) {
	h := newHarness(t)
	h.trading.Respond(http.MethodPost, "/events/ingest", map[string]any{"ok": true})

	payload := `{"userId":"u1","checkType":"kyc","status":"pass","jurisdiction":"CH","score":0.9731}`
	var ev model.ServiceEvent
	require.NoError(t, json.Unmarshal([]byte(`{
		"eventId": "evt-raw",
		"timestamp": "2026-01-02T03:04:05Z",
		"source": "black_portal",
		"eventType": "compliance_check",
		"payload": `+payload+`,
		"requiresSync": ["trading_platform"]
	}`), &ev))

	require.NoError(t, h.router.HandleServiceEvent(context.Background(), ev))

	calls := h.trading.CallsTo(http.MethodPost, "/events/ingest")
	require.Len(t, calls, 1)

	var forwarded struct {
		EventID string          `json:"eventId"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(calls[0].Body, &forwarded))
	assert.Equal(t, "evt-raw", forwarded.EventID)
	assert.JSONEq(t, payload, string(forwarded.Payload))
	assert.Contains(t, string(forwarded.Payload), `"score":0.9731`)
}

func TestHandleServiceEvent_OneTargetFailsOtherStillDelivered(t *testing.T) {
	h := newHarness(t)
	h.trading.Fail(http.MethodPost, "/events/ingest", http.StatusBadGateway, "unreachable")
	h.support.Respond(http.MethodPost, "/events/ingest", map[string]any{})

	ev := mustEvent(t, "evt-2", model.PlatformPortal,
		&model.ComplianceCheckPayload{UserID: "u1", CheckType: "kyc", Status: "passed"},
		model.PlatformTrading, model.PlatformSupport)

	require.NoError(t, h.router.HandleServiceEvent(context.Background(), ev))

	assert.Len(t, h.support.CallsTo(http.MethodPost, "/events/ingest"), 1)

	failures := h.rec.of(notify.PropagationFailed)
	require.Len(t, failures, 1)
	payload := failures[0].Payload.(notify.PropagationFailedPayload)
	assert.Equal(t, model.PlatformTrading, payload.Target)
	assert.Equal(t, "evt-2", payload.Event.EventID)
	assert.Contains(t, payload.Error, "unreachable")

	processed := h.rec.of(notify.EventProcessed)
	require.Len(t, processed, 1)
	summary := processed[0].Payload.(notify.EventProcessedPayload)
	assert.Equal(t, []model.Platform{model.PlatformSupport}, summary.Delivered)
	assert.Equal(t, []model.Platform{model.PlatformTrading}, summary.Failed)
	assert.Equal(t, 0, h.router.Pending())
}

func TestHandleServiceEvent_EmergencyScenario(t *testing.T) {
	h := newHarness(t)
	h.portal.Respond(http.MethodPost, "/alerts/emergency", map[string]any{})
	h.trading.Respond(http.MethodPost, "/accounts/emergency-pause", map[string]any{})

	ev := mustEvent(t, "evt-3", model.PlatformSupport,
		&model.EmergencyTriggeredPayload{UserID: "u9", EmergencyType: "medical"},
		model.PlatformPortal, model.PlatformTrading)

	require.NoError(t, h.router.HandleServiceEvent(context.Background(), ev))

	assert.Len(t, h.portal.CallsTo(http.MethodPost, "/alerts/emergency"), 1)
	assert.Len(t, h.trading.CallsTo(http.MethodPost, "/accounts/emergency-pause"), 1)
	assert.Equal(t, 1, h.portal.Count())
	assert.Equal(t, 1, h.trading.Count())
	assert.Equal(t, 0, h.support.Count())

	coordinated := h.rec.of(notify.EmergencyCoordinated)
	require.Len(t, coordinated, 1)
	assert.Equal(t, notify.EmergencyCoordinatedPayload{UserID: "u9", EmergencyType: "medical"}, coordinated[0].Payload)
}

func TestHandleServiceEvent_UserUpgradedSkipsSource(t *testing.T) {
	h := newHarness(t)
	h.trading.Respond(http.MethodPut, "/accounts/u1/tier", map[string]any{})
	h.support.Respond(http.MethodPut, "/services/u1/tier", map[string]any{})

	ev := mustEvent(t, "evt-4", model.PlatformPortal,
		&model.UserUpgradedPayload{UserID: "u1", PreviousTier: model.TierOnyx, NewTier: model.TierVoid})

	require.NoError(t, h.router.HandleServiceEvent(context.Background(), ev))

	assert.Equal(t, 0, h.portal.Count())
	calls := h.trading.CallsTo(http.MethodPut, "/accounts/u1/tier")
	require.Len(t, calls, 1)

	var body tierUpdate
	require.NoError(t, calls[0].Decode(&body))
	assert.Equal(t, model.TierVoid, body.Tier)
	require.NotNil(t, body.TradingLimits)
	assert.Equal(t, int64(9223372036854775807), body.TradingLimits.Daily)

	supportCalls := h.support.CallsTo(http.MethodPut, "/services/u1/tier")
	require.Len(t, supportCalls, 1)
	require.NoError(t, supportCalls[0].Decode(&body))
	assert.Equal(t, "nyx", body.ButlerPersonality)
}

func TestHandleServiceEvent_TradeExecuted(t *testing.T) {
	h := newHarness(t)
	h.portal.Respond(http.MethodPost, "/portfolio/update", map[string]any{})
	h.support.Respond(http.MethodPost, "/butler/learn", map[string]any{})

	ev := mustEvent(t, "evt-5", model.PlatformTrading, &model.TradeExecutedPayload{
		UserID:         "u1",
		TradeID:        "t-1",
		Symbol:         "XAU",
		Side:           "buy",
		Quantity:       decimal.RequireFromString("2.5"),
		Price:          decimal.RequireFromString("2310.10"),
		PortfolioValue: decimal.RequireFromString("1000000"),
	})

	require.NoError(t, h.router.HandleServiceEvent(context.Background(), ev))

	learn := h.support.CallsTo(http.MethodPost, "/butler/learn")
	require.Len(t, learn, 1)
	var body map[string]any
	require.NoError(t, learn[0].Decode(&body))
	assert.Equal(t, "trade_context", body["type"])
	assert.Equal(t, "t-1", body["trade"].(map[string]any)["tradeId"])
	assert.Len(t, h.portal.CallsTo(http.MethodPost, "/portfolio/update"), 1)
}

func TestHandleServiceEvent_ButlerAndServiceRequests(t *testing.T) {
	h := newHarness(t)
	h.trading.Respond(http.MethodPost, "/insights/butler", map[string]any{})
	h.trading.Respond(http.MethodPost, "/opportunities/evaluate", map[string]any{})
	h.support.Respond(http.MethodPost, "/concierge/requests", map[string]any{})

	butler := mustEvent(t, "evt-6", model.PlatformSupport, &model.ButlerInteractionPayload{
		UserID: "u1", InteractionType: "preference", Insights: map[string]any{"risk": "low"},
	})
	require.NoError(t, h.router.HandleServiceEvent(context.Background(), butler))

	insights := h.trading.CallsTo(http.MethodPost, "/insights/butler")
	require.Len(t, insights, 1)
	var body map[string]any
	require.NoError(t, insights[0].Decode(&body))
	assert.Equal(t, true, body["applyToTrading"])
	assert.Equal(t, "u1", body["userId"])

	concierge := mustEvent(t, "evt-7", model.PlatformPortal, &model.ServiceRequestPayload{
		UserID: "u1", RequestType: model.RequestConcierge,
	})
	require.NoError(t, h.router.HandleServiceEvent(context.Background(), concierge))
	assert.Len(t, h.support.CallsTo(http.MethodPost, "/concierge/requests"), 1)

	opportunity := mustEvent(t, "evt-8", model.PlatformPortal, &model.ServiceRequestPayload{
		UserID: "u1", RequestType: model.RequestInvestmentOpportunity,
	})
	require.NoError(t, h.router.HandleServiceEvent(context.Background(), opportunity))
	assert.Len(t, h.trading.CallsTo(http.MethodPost, "/opportunities/evaluate"), 1)
}

func TestHandleServiceEvent_InvalidEventIsNotTracked(t *testing.T) {
	h := newHarness(t)

	ev := mustEvent(t, "", model.PlatformPortal, &model.UserCreatedPayload{UserID: "u1"}, model.PlatformTrading)
	err := h.router.HandleServiceEvent(context.Background(), ev)

	var ve *model.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, 0, h.trading.Count())
	assert.Empty(t, h.rec.of(notify.EventProcessed))
}

func TestHandleServiceEvent_InFlightDuplicateRejected(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.trading.On(http.MethodPost, "/events/ingest", func(ctx context.Context, _ json.RawMessage) (any, error) {
		<-release
		return map[string]any{}, nil
	})

	ev := mustEvent(t, "evt-9", model.PlatformPortal, &model.UserCreatedPayload{UserID: "u1"}, model.PlatformTrading)

	done := make(chan error, 1)
	go func() { done <- h.router.HandleServiceEvent(context.Background(), ev) }()

	require.Eventually(t, func() bool { return h.router.IsPending("evt-9") }, time.Second, 5*time.Millisecond)

	err := h.router.HandleServiceEvent(context.Background(), ev)
	assert.ErrorIs(t, err, ErrEventInFlight)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, h.router.IsPending("evt-9"))
	assert.Len(t, h.trading.Calls(), 1)
}

type memoryDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (m *memoryDeduper) ClaimEvent(_ context.Context, id string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[id] {
		return false, nil
	}
	m.seen[id] = true
	return true, nil
}

func TestHandleServiceEvent_ReplayRejectedByDeduper(t *testing.T) {
	h := newHarness(t)
	h.router.WithDeduper(&memoryDeduper{seen: map[string]bool{}})
	h.trading.Respond(http.MethodPost, "/events/ingest", map[string]any{})

	ev := mustEvent(t, "evt-10", model.PlatformPortal, &model.UserCreatedPayload{UserID: "u1"}, model.PlatformTrading)

	require.NoError(t, h.router.HandleServiceEvent(context.Background(), ev))
	err := h.router.HandleServiceEvent(context.Background(), ev)
	assert.ErrorIs(t, err, ErrDuplicateEvent)
	assert.Len(t, h.trading.Calls(), 1)
	assert.Equal(t, 0, h.router.Pending())
}

func TestHandleServiceEvent_DeduperErrorDoesNotBlockDelivery(t *testing.T) {
	h := newHarness(t)
	h.router.WithDeduper(&memoryDeduper{err: errors.New("redis down")})
	h.trading.Respond(http.MethodPost, "/events/ingest", map[string]any{})

	ev := mustEvent(t, "evt-11", model.PlatformPortal, &model.UserCreatedPayload{UserID: "u1"}, model.PlatformTrading)

	require.NoError(t, h.router.HandleServiceEvent(context.Background(), ev))
	assert.Len(t, h.trading.Calls(), 1)
}
