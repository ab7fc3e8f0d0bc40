// Package events validates inbound service events and delivers them to the platforms that need them.
package events

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/Checker-Finance/sync-coordinator/internal/metrics"
	"github.com/Checker-Finance/sync-coordinator/internal/notify"
	"github.com/Checker-Finance/sync-coordinator/internal/platform"
	"github.com/Checker-Finance/sync-coordinator/internal/tier"
	"github.com/Checker-Finance/sync-coordinator/pkg/model"
)

var (
	// ErrEventInFlight is returned when an event with the same id is still being delivered.
	ErrEventInFlight = errors.New("event already in flight")
	// ErrDuplicateEvent is returned when the Deduper has already seen the event id.
	ErrDuplicateEvent = errors.New("event already processed")
)

// Deduper claims an event id once across restarts and replicas.
type Deduper interface {
	ClaimEvent(ctx context.Context, eventID string) (bool, error)
}

// FlowRecorder counts successful deliveries between platforms.
type FlowRecorder interface {
	RecordDelivery(from, to model.Platform)
}

// PropagationFailure is one target that could not be reached. It never aborts the other targets.
type PropagationFailure struct {
	EventID string
	Target  model.Platform
	Err     error
}

func (e *PropagationFailure) Error() string {
	return fmt.Sprintf("event %s to %s: %v", e.EventID, e.Target, e.Err)
}

func (e *PropagationFailure) Unwrap() error { return e.Err }

// Router handles service events.
type Router struct {
	logger  *zap.Logger
	clients platform.Set
	bus     *notify.Bus
	dedupe  Deduper
	flows   FlowRecorder

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewRouter creates a Router. bus may be nil.
func NewRouter(logger *zap.Logger, clients platform.Set, bus *notify.Bus) *Router {
	return &Router{
		logger:  logger,
		clients: clients,
		bus:     bus,
		pending: make(map[string]struct{}),
	}
}

// WithDeduper enables replay rejection.
func (r *Router) WithDeduper(d Deduper) *Router {
	r.dedupe = d
	return r
}

// WithFlowRecorder enables data-flow accounting.
func (r *Router) WithFlowRecorder(f FlowRecorder) *Router {
	r.flows = f
	return r
}

// Pending returns the number of events currently being delivered.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// IsPending reports whether eventID is currently being delivered.
func (r *Router) IsPending(eventID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[eventID]
	return ok
}

// HandleServiceEvent validates ev and delivers it. Delivery failures are reported through
// notifications; the returned error is only for invalid, in-flight or duplicate events.
func (r *Router) HandleServiceEvent(ctx context.Context, ev model.ServiceEvent) error {
	if err := ev.Validate(); err != nil {
		metrics.EventsHandledTotal.WithLabelValues(string(ev.EventType), "invalid").Inc()
		return err
	}

	if !r.track(ev.EventID) {
		metrics.EventsHandledTotal.WithLabelValues(string(ev.EventType), "in_flight").Inc()
		return fmt.Errorf("%w: %s", ErrEventInFlight, ev.EventID)
	}
	defer r.untrack(ev.EventID)

	if r.dedupe != nil {
		claimed, err := r.dedupe.ClaimEvent(ctx, ev.EventID)
		switch {
		case err != nil:
			r.logger.Warn("events.dedupe_unavailable", zap.String("event_id", ev.EventID), zap.Error(err))
		case !claimed:
			metrics.EventsHandledTotal.WithLabelValues(string(ev.EventType), "duplicate").Inc()
			return fmt.Errorf("%w: %s", ErrDuplicateEvent, ev.EventID)
		}
	}

	deliveries := plan(ev)
	failures := r.fanout(ctx, ev, deliveries)

	if p, ok := ev.Payload.(*model.EmergencyTriggeredPayload); ok {
		r.logger.Warn("events.emergency_coordinated",
			zap.String("user_id", p.UserID),
			zap.String("emergency_type", p.EmergencyType),
			zap.Int("failed_targets", len(failures)))
		r.publish(notify.EmergencyCoordinated, notify.EmergencyCoordinatedPayload{
			UserID:        p.UserID,
			EmergencyType: p.EmergencyType,
		})
	}

	delivered := make([]model.Platform, 0, len(deliveries))
	failed := make([]model.Platform, 0, len(failures))
	for _, d := range deliveries {
		if _, ok := failures[d.target]; ok {
			failed = append(failed, d.target)
		} else {
			delivered = append(delivered, d.target)
		}
	}

	result := "ok"
	if len(failed) > 0 {
		result = "partial"
	}
	metrics.EventsHandledTotal.WithLabelValues(string(ev.EventType), result).Inc()
	r.logger.Info("events.processed",
		zap.String("event_id", ev.EventID),
		zap.String("event_type", string(ev.EventType)),
		zap.String("source", string(ev.Source)),
		zap.Int("delivered", len(delivered)),
		zap.Int("failed", len(failed)))
	r.publish(notify.EventProcessed, notify.EventProcessedPayload{
		EventID:   ev.EventID,
		EventType: ev.EventType,
		Source:    ev.Source,
		Delivered: delivered,
		Failed:    failed,
	})
	return nil
}

func (r *Router) track(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[id]; ok {
		return false
	}
	r.pending[id] = struct{}{}
	metrics.PendingEvents.Set(float64(len(r.pending)))
	return true
}

func (r *Router) untrack(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
	metrics.PendingEvents.Set(float64(len(r.pending)))
}

// fanout runs every delivery concurrently and waits for all of them.
func (r *Router) fanout(ctx context.Context, ev model.ServiceEvent, deliveries []delivery) map[model.Platform]*PropagationFailure {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures = make(map[model.Platform]*PropagationFailure)
	)

	for _, d := range deliveries {
		client := r.clients.For(d.target)
		wg.Add(1)
		go func(d delivery) {
			defer wg.Done()

			err := d.send(ctx, client)
			if err == nil {
				if r.flows != nil {
					r.flows.RecordDelivery(ev.Source, d.target)
				}
				return
			}

			f := &PropagationFailure{EventID: ev.EventID, Target: d.target, Err: err}
			mu.Lock()
			failures[d.target] = f
			mu.Unlock()

			metrics.FanoutFailuresTotal.WithLabelValues(d.target.Short(), string(ev.EventType)).Inc()
			r.logger.Error("events.propagation_failed",
				zap.String("event_id", ev.EventID),
				zap.String("event_type", string(ev.EventType)),
				zap.String("target", string(d.target)),
				zap.String("path", d.path),
				zap.Error(err))
			r.publish(notify.PropagationFailed, notify.PropagationFailedPayload{
				Event:  ev,
				Target: d.target,
				Error:  err.Error(),
			})
		}(d)
	}

	wg.Wait()
	return failures
}

func (r *Router) publish(kind notify.Kind, payload any) {
	if r.bus != nil {
		r.bus.Publish(kind, payload)
	}
}

// delivery is one remote call made on behalf of an event.
type delivery struct {
	target model.Platform
	method string
	path   string
	body   any
}

func (d delivery) send(ctx context.Context, c platform.Client) error {
	if c == nil {
		return fmt.Errorf("no client for %s", d.target)
	}
	switch d.method {
	case http.MethodPut:
		return c.Put(ctx, d.path, d.body, nil)
	default:
		return c.Post(ctx, d.path, d.body, nil)
	}
}

// plan maps an event to its deliveries. Typed events go to fixed targets, never back to the
// source; everything else is forwarded verbatim to requiresSync.
func plan(ev model.ServiceEvent) []delivery {
	var out []delivery
	add := func(target model.Platform, method, path string, body any) {
		if target == ev.Source {
			return
		}
		out = append(out, delivery{target: target, method: method, path: path, body: body})
	}

	switch p := ev.Payload.(type) {
	case *model.UserUpgradedPayload:
		// Validate has already rejected unknown tiers.
		profile, _ := tier.Lookup(p.NewTier)
		id := url.PathEscape(p.UserID)
		add(model.PlatformPortal, http.MethodPut, "/users/"+id+"/tier", tierUpdate{
			Tier:     p.NewTier,
			Features: profile.Features,
		})
		add(model.PlatformTrading, http.MethodPut, "/accounts/"+id+"/tier", tierUpdate{
			Tier:          p.NewTier,
			TradingLimits: &profile.TradingLimits,
		})
		add(model.PlatformSupport, http.MethodPut, "/services/"+id+"/tier", tierUpdate{
			Tier:              p.NewTier,
			ButlerPersonality: profile.Personality,
		})

	case *model.TradeExecutedPayload:
		add(model.PlatformPortal, http.MethodPost, "/portfolio/update", p)
		add(model.PlatformSupport, http.MethodPost, "/butler/learn", butlerLearn{
			Type:      "trade_context",
			UserID:    p.UserID,
			Trade:     p,
			Portfolio: portfolioContext{Value: p.PortfolioValue.String()},
		})

	case *model.EmergencyTriggeredPayload:
		add(model.PlatformPortal, http.MethodPost, "/alerts/emergency", p)
		add(model.PlatformTrading, http.MethodPost, "/accounts/emergency-pause", emergencyPause{
			UserID: p.UserID,
			Reason: p.EmergencyType,
		})

	case *model.ButlerInteractionPayload:
		add(model.PlatformTrading, http.MethodPost, "/insights/butler", butlerInsights{
			ButlerInteractionPayload: p,
			ApplyToTrading:           true,
		})

	case *model.ServiceRequestPayload:
		switch p.RequestType {
		case model.RequestConcierge:
			add(model.PlatformSupport, http.MethodPost, "/concierge/requests", p)
		case model.RequestInvestmentOpportunity:
			add(model.PlatformTrading, http.MethodPost, "/opportunities/evaluate", p)
		}

	default:
		for _, target := range ev.RequiresSync {
			add(target, http.MethodPost, "/events/ingest", ev)
		}
	}
	return out
}

type tierUpdate struct {
	Tier              model.Tier           `json:"tier"`
	Features          []string             `json:"features,omitempty"`
	TradingLimits     *model.TradingLimits `json:"tradingLimits,omitempty"`
	ButlerPersonality string               `json:"butlerPersonality,omitempty"`
}

type portfolioContext struct {
	Value string `json:"value"`
}

type butlerLearn struct {
	Type      string                      `json:"type"`
	UserID    string                      `json:"userId"`
	Trade     *model.TradeExecutedPayload `json:"trade"`
	Portfolio portfolioContext            `json:"portfolio"`
}

type emergencyPause struct {
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

type butlerInsights struct {
	*model.ButlerInteractionPayload
	ApplyToTrading bool `json:"applyToTrading"`
}
