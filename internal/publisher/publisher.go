// Package publisher forwards coordinator notifications to NATS JetStream.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/sync-coordinator/internal/metrics"
	"github.com/Checker-Finance/sync-coordinator/internal/notify"
)

// JetStream is the part of nats.JetStreamContext the publisher uses.
type JetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Envelope wraps every payload published to NATS.
type Envelope struct {
	ID            uuid.UUID       `json:"id"`
	CorrelationID uuid.UUID       `json:"correlationId"`
	Topic         string          `json:"topic"`
	EventType     string          `json:"eventType"`
	Version       string          `json:"version"`
	Service       string          `json:"service"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

var subjectSuffix = map[notify.Kind]string{
	notify.SyncCompleted:        "user.completed.v1",
	notify.SyncFailed:           "user.failed.v1",
	notify.PropagationFailed:    "event.propagation_failed.v1",
	notify.EmergencyCoordinated: "emergency.coordinated.v1",
	notify.HealthChecked:        "health.checked.v1",
}

// DefaultQueueSize bounds the notifications waiting to be forwarded.
const DefaultQueueSize = 256

// Publisher wraps a NATS connection.
type Publisher struct {
	nc        *nats.Conn
	js        JetStream
	namespace string
	service   string
	ackWait   time.Duration
	logger    *zap.Logger

	mu      sync.RWMutex
	queue   chan notify.Notification
	closed  bool
	started bool
	done    chan struct{}
}

// New creates a Publisher on nc's JetStream context.
func New(nc *nats.Conn, namespace, service string, logger *zap.Logger) (*Publisher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	p := NewWithJetStream(js, namespace, service, logger)
	p.nc = nc
	return p, nil
}

// NewWithJetStream creates a Publisher around any JetStream implementation.
func NewWithJetStream(js JetStream, namespace, service string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		js:        js,
		namespace: namespace,
		service:   service,
		ackWait:   2 * time.Second,
		logger:    logger,
		queue:     make(chan notify.Notification, DefaultQueueSize),
		done:      make(chan struct{}),
	}
}

// WithQueueSize replaces the forward queue. Call it before Attach.
func (p *Publisher) WithQueueSize(n int) *Publisher {
	if n > 0 {
		p.queue = make(chan notify.Notification, n)
	}
	return p
}

// EnsureStream creates the stream covering the namespace if it does not exist.
func (p *Publisher) EnsureStream(stream string) error {
	jsm, ok := p.js.(nats.JetStreamManager)
	if !ok {
		return errors.New("jetstream context does not support stream management")
	}
	if _, err := jsm.StreamInfo(stream); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err := jsm.AddStream(&nats.StreamConfig{
		Name:     stream,
		Subjects: []string{p.namespace + ".>"},
		Storage:  nats.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
	})
	return err
}

// Subject returns the subject for kind, or false when kind is not forwarded.
func (p *Publisher) Subject(kind notify.Kind) (string, bool) {
	suffix, ok := subjectSuffix[kind]
	if !ok {
		return "", false
	}
	return p.namespace + "." + suffix, true
}

// Attach forwards every publishable notification on bus until the subscription is detached.
// Notifications are queued and published by a single worker so a slow JetStream ack never
// holds up the notifier. When the queue is full the notification is dropped and counted.
func (p *Publisher) Attach(bus *notify.Bus) *notify.Subscription {
	p.mu.Lock()
	if !p.started && !p.closed {
		p.started = true
		go p.run()
	}
	p.mu.Unlock()

	kinds := make([]notify.Kind, 0, len(subjectSuffix))
	for k := range subjectSuffix {
		kinds = append(kinds, k)
	}
	return bus.Subscribe(p.enqueue, kinds...)
}

func (p *Publisher) enqueue(n notify.Notification) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- n:
	default:
		subject, _ := p.Subject(n.Kind)
		p.logger.Warn("publisher.queue_full", zap.String("kind", string(n.Kind)))
		metrics.IncNATSPublishError(subject)
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for n := range p.queue {
		p.Forward(n)
	}
}

// Drain stops accepting notifications and waits up to timeout for queued ones to be published.
func (p *Publisher) Drain(timeout time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	started := p.started
	close(p.queue)
	p.mu.Unlock()

	if !started {
		return
	}
	select {
	case <-p.done:
	case <-time.After(timeout):
		p.logger.Warn("publisher.drain_timeout", zap.Int("pending", len(p.queue)))
	}
}

// Forward publishes n. Failures are logged and counted, never returned to the notifier.
func (p *Publisher) Forward(n notify.Notification) {
	subject, ok := p.Subject(n.Kind)
	if !ok {
		return
	}

	payload, err := json.Marshal(n.Payload)
	if err != nil {
		p.logger.Error("publisher.marshal_failed", zap.String("subject", subject), zap.Error(err))
		metrics.IncNATSPublishError(subject)
		return
	}

	env := &Envelope{
		ID:            uuid.New(),
		CorrelationID: uuid.New(),
		Topic:         subject,
		EventType:     string(n.Kind),
		Version:       "1.0.0",
		Service:       p.service,
		Timestamp:     n.At,
		Payload:       payload,
	}
	if err := p.PublishEnvelope(context.Background(), subject, env); err != nil {
		p.logger.Warn("publisher.forward_failed", zap.String("kind", string(n.Kind)), zap.Error(err))
	}
}

// PublishEnvelope serializes and publishes env to subject.
func (p *Publisher) PublishEnvelope(ctx context.Context, subject string, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		metrics.IncNATSPublishError(subject)
		return err
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"event_type":     []string{env.EventType},
			"correlation_id": []string{env.CorrelationID.String()},
			"service":        []string{p.service},
			"content_type":   []string{"application/json"},
		},
	}

	opts := []nats.PubOpt{nats.MsgId(env.ID.String())}
	if _, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Context(ctx))
	} else {
		opts = append(opts, nats.AckWait(p.ackWait))
	}

	if _, err := p.js.PublishMsg(msg, opts...); err != nil {
		p.logger.Error("publisher.publish_failed",
			zap.String("subject", subject),
			zap.String("event_type", env.EventType),
			zap.Error(err))
		metrics.IncNATSPublishError(subject)
		return err
	}

	p.logger.Debug("publisher.publish_success",
		zap.String("subject", subject),
		zap.String("event_type", env.EventType))
	return nil
}

// HealthCheck reports whether the NATS connection is usable.
func (p *Publisher) HealthCheck() error {
	if p.nc == nil {
		return nil
	}
	if !p.nc.IsConnected() {
		return errors.New("nats not connected")
	}
	return p.nc.FlushTimeout(time.Second)
}

// Close drains the forward queue, then closes the connection.
func (p *Publisher) Close() {
	p.Drain(5 * time.Second)
	if p.nc != nil && p.nc.IsConnected() {
		p.nc.Close()
	}
}
