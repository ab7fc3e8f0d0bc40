package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventType is the discriminator of a ServiceEvent payload.
type EventType string

const (
	EventUserCreated        EventType = "user_created"
	EventUserUpgraded       EventType = "user_upgraded"
	EventTradeExecuted      EventType = "trade_executed"
	EventButlerInteraction  EventType = "butler_interaction"
	EventServiceRequest     EventType = "service_request"
	EventEmergencyTriggered EventType = "emergency_triggered"
	EventPortfolioUpdate    EventType = "portfolio_update"
	EventComplianceCheck    EventType = "compliance_check"
)

// IsValid reports whether t is one of the eight known event types.
func (t EventType) IsValid() bool {
	switch t {
	case EventUserCreated, EventUserUpgraded, EventTradeExecuted, EventButlerInteraction,
		EventServiceRequest, EventEmergencyTriggered, EventPortfolioUpdate, EventComplianceCheck:
		return true
	}
	return false
}

// Generic reports whether events of this type take the generic fan-out path.
func (t EventType) Generic() bool {
	switch t {
	case EventUserCreated, EventPortfolioUpdate, EventComplianceCheck:
		return true
	}
	return false
}

// EventPayload is implemented by exactly one struct per EventType.
type EventPayload interface {
	EventType() EventType
	validate() []FieldError
}

// ServiceEvent is a domain event exchanged between the three platforms.
type ServiceEvent struct {
	EventID      string
	Timestamp    time.Time
	Source       Platform
	EventType    EventType
	Payload      EventPayload
	RequiresSync []Platform

	rawPayload   json.RawMessage
	timestampErr error
	payloadErr   error
}

type serviceEventWire struct {
	EventID      string          `json:"eventId"`
	Timestamp    string          `json:"timestamp"`
	Source       Platform        `json:"source"`
	EventType    EventType       `json:"eventType"`
	Payload      json.RawMessage `json:"payload"`
	RequiresSync []Platform      `json:"requiresSync"`
}

// NewServiceEvent builds an event around a typed payload.
func NewServiceEvent(id string, ts time.Time, source Platform, payload EventPayload, requiresSync ...Platform) (ServiceEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ServiceEvent{}, fmt.Errorf("marshal %s payload: %w", payload.EventType(), err)
	}
	return ServiceEvent{
		EventID:      id,
		Timestamp:    ts.UTC(),
		Source:       source,
		EventType:    payload.EventType(),
		Payload:      payload,
		RequiresSync: requiresSync,
		rawPayload:   raw,
	}, nil
}

// RawPayload returns the payload bytes as received (or as marshalled for built events).
func (e ServiceEvent) RawPayload() json.RawMessage {
	return e.rawPayload
}

// UserID returns the user the payload refers to, if any.
func (e ServiceEvent) UserID() string {
	if u, ok := e.Payload.(interface{ Subject() string }); ok {
		return u.Subject()
	}
	return ""
}

// UnmarshalJSON decodes the envelope, then the payload variant chosen by eventType.
// Timestamp and payload decode problems are kept and reported by Validate.
func (e *ServiceEvent) UnmarshalJSON(data []byte) error {
	var w serviceEventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*e = ServiceEvent{
		EventID:      w.EventID,
		Source:       w.Source,
		EventType:    w.EventType,
		RequiresSync: w.RequiresSync,
		rawPayload:   w.Payload,
	}

	if w.Timestamp == "" {
		e.timestampErr = fmt.Errorf("required")
	} else if ts, err := time.Parse(time.RFC3339Nano, w.Timestamp); err != nil {
		e.timestampErr = fmt.Errorf("must be an ISO-8601 instant")
	} else {
		e.Timestamp = ts.UTC()
	}

	payload := newPayload(w.EventType)
	if payload == nil {
		return nil
	}
	if len(w.Payload) == 0 || string(w.Payload) == "null" {
		e.payloadErr = fmt.Errorf("required")
		return nil
	}
	if err := json.Unmarshal(w.Payload, payload); err != nil {
		e.payloadErr = fmt.Errorf("does not match %s: %v", w.EventType, err)
		return nil
	}
	e.Payload = payload
	return nil
}

// MarshalJSON renders the wire shape. The payload goes out exactly as it was received;
// it is only re-encoded from Payload when no raw bytes are held.
func (e ServiceEvent) MarshalJSON() ([]byte, error) {
	raw := e.rawPayload
	if len(raw) == 0 && e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	requires := e.RequiresSync
	if requires == nil {
		requires = []Platform{}
	}
	return json.Marshal(serviceEventWire{
		EventID:      e.EventID,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		Source:       e.Source,
		EventType:    e.EventType,
		Payload:      raw,
		RequiresSync: requires,
	})
}

// Validate checks the envelope and the typed payload. It returns a *ValidationError or nil.
func (e ServiceEvent) Validate() error {
	var errs []FieldError

	if e.EventID == "" {
		errs = append(errs, FieldError{"eventId", "required"})
	}
	if e.timestampErr != nil {
		errs = append(errs, FieldError{"timestamp", e.timestampErr.Error()})
	} else if e.Timestamp.IsZero() {
		errs = append(errs, FieldError{"timestamp", "required"})
	}
	if !e.Source.IsValid() {
		errs = append(errs, FieldError{"source", fmt.Sprintf("unknown platform %q", e.Source)})
	}
	if !e.EventType.IsValid() {
		errs = append(errs, FieldError{"eventType", fmt.Sprintf("unknown event type %q", e.EventType)})
	}

	seen := make(map[Platform]bool, len(e.RequiresSync))
	for i, p := range e.RequiresSync {
		field := fmt.Sprintf("requiresSync[%d]", i)
		switch {
		case !p.IsValid():
			errs = append(errs, FieldError{field, fmt.Sprintf("unknown platform %q", p)})
		case p == e.Source:
			errs = append(errs, FieldError{field, "must not include the source platform"})
		case seen[p]:
			errs = append(errs, FieldError{field, "duplicate platform"})
		}
		seen[p] = true
	}
	if e.EventType.Generic() && len(e.RequiresSync) == 0 {
		errs = append(errs, FieldError{"requiresSync", "required for " + string(e.EventType)})
	}

	if e.EventType.IsValid() {
		switch {
		case e.payloadErr != nil:
			errs = append(errs, FieldError{"payload", e.payloadErr.Error()})
		case e.Payload == nil:
			errs = append(errs, FieldError{"payload", "required"})
		case e.Payload.EventType() != e.EventType:
			errs = append(errs, FieldError{"payload", fmt.Sprintf("variant %s does not match eventType", e.Payload.EventType())})
		default:
			for _, fe := range e.Payload.validate() {
				fe.Field = "payload." + fe.Field
				errs = append(errs, fe)
			}
		}
	}

	return NewValidationError(errs)
}

func newPayload(t EventType) EventPayload {
	switch t {
	case EventUserCreated:
		return &UserCreatedPayload{}
	case EventUserUpgraded:
		return &UserUpgradedPayload{}
	case EventTradeExecuted:
		return &TradeExecutedPayload{}
	case EventButlerInteraction:
		return &ButlerInteractionPayload{}
	case EventServiceRequest:
		return &ServiceRequestPayload{}
	case EventEmergencyTriggered:
		return &EmergencyTriggeredPayload{}
	case EventPortfolioUpdate:
		return &PortfolioUpdatePayload{}
	case EventComplianceCheck:
		return &ComplianceCheckPayload{}
	}
	return nil
}

func requireUser(userID string) []FieldError {
	if userID == "" {
		return []FieldError{{"userId", "required"}}
	}
	return nil
}

// UserCreatedPayload announces a newly registered user.
type UserCreatedPayload struct {
	UserID string         `json:"userId"`
	Tier   Tier           `json:"tier,omitempty"`
	Extra  map[string]any `json:"attributes,omitempty"`
}

func (*UserCreatedPayload) EventType() EventType { return EventUserCreated }
func (p *UserCreatedPayload) Subject() string { return p.UserID }
func (p *UserCreatedPayload) validate() []FieldError {
	return requireUser(p.UserID)
}

// UserUpgradedPayload carries a tier change.
type UserUpgradedPayload struct {
	UserID       string `json:"userId"`
	PreviousTier Tier   `json:"previousTier,omitempty"`
	NewTier      Tier   `json:"newTier"`
}

func (*UserUpgradedPayload) EventType() EventType { return EventUserUpgraded }
func (p *UserUpgradedPayload) Subject() string { return p.UserID }
func (p *UserUpgradedPayload) validate() []FieldError {
	errs := requireUser(p.UserID)
	if !p.NewTier.IsValid() {
		errs = append(errs, FieldError{"newTier", fmt.Sprintf("unknown tier %q", p.NewTier)})
	}
	if p.PreviousTier != "" && !p.PreviousTier.IsValid() {
		errs = append(errs, FieldError{"previousTier", fmt.Sprintf("unknown tier %q", p.PreviousTier)})
	}
	return errs
}

// TradeExecutedPayload describes a fill on the trading platform.
type TradeExecutedPayload struct {
	UserID         string          `json:"userId"`
	TradeID        string          `json:"tradeId"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	PortfolioValue decimal.Decimal `json:"portfolioValue"`
}

func (*TradeExecutedPayload) EventType() EventType { return EventTradeExecuted }
func (p *TradeExecutedPayload) Subject() string { return p.UserID }
func (p *TradeExecutedPayload) validate() []FieldError {
	errs := requireUser(p.UserID)
	if p.TradeID == "" {
		errs = append(errs, FieldError{"tradeId", "required"})
	}
	if p.Quantity.IsNegative() {
		errs = append(errs, FieldError{"quantity", "must not be negative"})
	}
	return errs
}

// ButlerInteractionPayload carries insights gathered by the assistant.
type ButlerInteractionPayload struct {
	UserID          string         `json:"userId"`
	InteractionType string         `json:"interactionType"`
	Insights        map[string]any `json:"insights"`
}

func (*ButlerInteractionPayload) EventType() EventType { return EventButlerInteraction }
func (p *ButlerInteractionPayload) Subject() string { return p.UserID }
func (p *ButlerInteractionPayload) validate() []FieldError {
	return requireUser(p.UserID)
}

// ServiceRequestType selects the platform that handles a service request.
type ServiceRequestType string

const (
	RequestConcierge             ServiceRequestType = "concierge"
	RequestInvestmentOpportunity ServiceRequestType = "investment_opportunity"
)

// ServiceRequestPayload is a user request routed by subtype.
type ServiceRequestPayload struct {
	UserID      string             `json:"userId"`
	RequestType ServiceRequestType `json:"requestType"`
	Details     map[string]any     `json:"details,omitempty"`
}

func (*ServiceRequestPayload) EventType() EventType { return EventServiceRequest }
func (p *ServiceRequestPayload) Subject() string { return p.UserID }
func (p *ServiceRequestPayload) validate() []FieldError {
	errs := requireUser(p.UserID)
	switch p.RequestType {
	case RequestConcierge, RequestInvestmentOpportunity:
	default:
		errs = append(errs, FieldError{"requestType", fmt.Sprintf("unknown request type %q", p.RequestType)})
	}
	return errs
}

// EmergencyTriggeredPayload starts the coordinated emergency procedure.
type EmergencyTriggeredPayload struct {
	UserID        string         `json:"userId"`
	EmergencyType string         `json:"emergencyType"`
	Location      string         `json:"location,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

func (*EmergencyTriggeredPayload) EventType() EventType { return EventEmergencyTriggered }
func (p *EmergencyTriggeredPayload) Subject() string { return p.UserID }
func (p *EmergencyTriggeredPayload) validate() []FieldError {
	errs := requireUser(p.UserID)
	if p.EmergencyType == "" {
		errs = append(errs, FieldError{"emergencyType", "required"})
	}
	return errs
}

// PortfolioUpdatePayload is forwarded as-is through the generic path.
type PortfolioUpdatePayload struct {
	UserID     string          `json:"userId"`
	TotalValue decimal.Decimal `json:"totalValue"`
	Holdings   map[string]any  `json:"holdings,omitempty"`
}

func (*PortfolioUpdatePayload) EventType() EventType { return EventPortfolioUpdate }
func (p *PortfolioUpdatePayload) Subject() string { return p.UserID }
func (p *PortfolioUpdatePayload) validate() []FieldError { return nil }

// ComplianceCheckPayload is forwarded as-is through the generic path.
type ComplianceCheckPayload struct {
	UserID    string         `json:"userId"`
	CheckType string         `json:"checkType"`
	Status    string         `json:"status"`
	Findings  map[string]any `json:"findings,omitempty"`
}

func (*ComplianceCheckPayload) EventType() EventType { return EventComplianceCheck }
func (p *ComplianceCheckPayload) Subject() string { return p.UserID }
func (p *ComplianceCheckPayload) validate() []FieldError { return nil }
