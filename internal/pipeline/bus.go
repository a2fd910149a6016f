package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/droughtwatch/droughtwatch/internal/logfields"
)

// EventStore defines the interface for persisting events.
// This is a subset of eventstore.Store to avoid circular dependencies.
type EventStore interface {
	Append(ctx context.Context, runID, eventType string, payload []byte, metadata map[string]string) error
}

// Handler processes an Event; return error to signal failure.
type Handler func(Event) error

// Bus is a simple synchronous pub/sub event bus. Events can optionally be
// persisted to an event store and mirrored to NATS for external consumers;
// neither sink failing blocks handler delivery.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Handler
	persist     Handler
	nc          *nats.Conn
	subject     string
}

// BusOption configures optional bus sinks.
type BusOption func(*Bus)

// WithEventStore persists every published event to the store. Transient
// append failures are retried per the policy; events that still cannot be
// persisted land in the DLQ for later inspection.
func WithEventStore(store EventStore, policy HandlerRetryPolicy, dlq *DeadLetterQueue) BusOption {
	return func(b *Bus) { b.persist = WithRetry(PersistHandler(store), policy, dlq) }
}

// PersistHandler returns a handler that appends events to the store.
func PersistHandler(store EventStore) Handler {
	return func(e Event) error {
		runID := "unknown"
		if re, ok := e.(interface{ GetRunID() string }); ok {
			runID = re.GetRunID()
		}
		return store.Append(context.Background(), runID, e.Name(), eventPayload(e), nil)
	}
}

// WithNATS mirrors every published event to NATS under
// <subjectPrefix>.<event-name>.
func WithNATS(nc *nats.Conn, subjectPrefix string) BusOption {
	return func(b *Bus) {
		b.nc = nc
		b.subject = subjectPrefix
	}
}

// NewBus creates an event bus.
func NewBus(options ...BusOption) *Bus {
	b := &Bus{subscribers: map[string][]Handler{}}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for a given event name.
func (b *Bus) Subscribe(event string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.subscribers[event] = append(b.subscribers[event], h)
	b.mu.Unlock()
}

// Publish delivers an event to all handlers synchronously. Configured sinks
// see the event before the handlers run.
func (b *Bus) Publish(e Event) error {
	if b.persist != nil {
		if err := b.persist(e); err != nil {
			slog.Warn("Failed to persist event", slog.String("event", e.Name()), logfields.Error(err))
		}
	}

	if b.nc != nil {
		if err := b.nc.Publish(b.subject+"."+e.Name(), eventPayload(e)); err != nil {
			slog.Warn("Failed to publish event to NATS", slog.String("event", e.Name()), logfields.Error(err))
		}
	}

	b.mu.RLock()
	hs := append([]Handler(nil), b.subscribers[e.Name()]...)
	b.mu.RUnlock()
	for _, h := range hs {
		if err := h(e); err != nil {
			return err
		}
	}
	return nil
}

func eventPayload(e Event) []byte {
	if pe, ok := e.(interface{ EventPayload() []byte }); ok {
		return pe.EventPayload()
	}
	return []byte{}
}
