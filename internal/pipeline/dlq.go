package pipeline

import (
	"sync"
	"time"
)

// FailedEvent is an event a handler gave up on, kept for inspection and
// replay.
type FailedEvent struct {
	Event    Event
	RunID    string
	Err      error
	FailedAt time.Time
}

// DeadLetterQueue collects events whose handlers exhausted their retries.
type DeadLetterQueue struct {
	mu     sync.RWMutex
	events []FailedEvent
}

// NewDeadLetterQueue creates an empty queue.
func NewDeadLetterQueue() *DeadLetterQueue {
	return &DeadLetterQueue{}
}

// Add records a failed event with its terminal error.
func (dlq *DeadLetterQueue) Add(e Event, err error) {
	fe := FailedEvent{Event: e, Err: err, FailedAt: time.Now()}
	if re, ok := e.(interface{ GetRunID() string }); ok {
		fe.RunID = re.GetRunID()
	}
	dlq.mu.Lock()
	dlq.events = append(dlq.events, fe)
	dlq.mu.Unlock()
}

// Events returns a copy of the queued failures.
func (dlq *DeadLetterQueue) Events() []FailedEvent {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()
	out := make([]FailedEvent, len(dlq.events))
	copy(out, dlq.events)
	return out
}

// Drain returns the queued failures and empties the queue, so a replayer
// processes each failure once.
func (dlq *DeadLetterQueue) Drain() []FailedEvent {
	dlq.mu.Lock()
	defer dlq.mu.Unlock()
	out := dlq.events
	dlq.events = nil
	return out
}

// Len returns the number of queued failures.
func (dlq *DeadLetterQueue) Len() int {
	dlq.mu.RLock()
	defer dlq.mu.RUnlock()
	return len(dlq.events)
}
