// Package notify is the coordinator's instance-scoped notification channel.
// Components publish; the scheduler, the NATS forwarder and the health stream subscribe.
package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind names a notification.
type Kind string

const (
	SyncCompleted        Kind = "sync.completed"
	SyncFailed           Kind = "sync.failed"
	PropagationFailed    Kind = "event.propagation_failed"
	EmergencyCoordinated Kind = "emergency.coordinated"
	EventProcessed       Kind = "event.processed"
	HealthChecked        Kind = "health.checked"
)

// Notification is one published message. Payload is one of the types in payloads.go.
type Notification struct {
	Kind    Kind
	At      time.Time
	Payload any
}

// Handler receives notifications synchronously on the publisher's goroutine.
type Handler func(Notification)

type subscriber struct {
	kinds   map[Kind]struct{}
	handler Handler
}

func (s subscriber) wants(k Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// Bus fans notifications out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	logger *zap.Logger
	nextID uint64
	subs   map[uint64]subscriber
	now    func() time.Time
}

// New creates an empty bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[uint64]subscriber),
		now:    time.Now,
	}
}

// Subscription detaches one handler.
type Subscription struct {
	bus  *Bus
	id   uint64
	once sync.Once
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
	})
}

// Subscribe registers h for the given kinds, or for every kind when none are given.
func (b *Bus) Subscribe(h Handler, kinds ...Kind) *Subscription {
	set := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[b.nextID] = subscriber{kinds: set, handler: h}
	return &Subscription{bus: b, id: b.nextID}
}

// Publish delivers to every matching subscriber before returning.
// A panicking handler is logged and does not affect the others.
func (b *Bus) Publish(kind Kind, payload any) {
	n := Notification{Kind: kind, At: b.now().UTC(), Payload: payload}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(kind) {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, n)
	}
}

func (b *Bus) deliver(h Handler, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("notify.handler_panic", zap.String("kind", string(n.Kind)), zap.Any("panic", r))
		}
	}()
	h(n)
}

// SubscriberCount returns the number of attached handlers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
