// Package statemachine drives the inference pipeline through its states
// (processing, inference, observe) with per-state retries and named failure
// states, recording every transition in the event store.
package statemachine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/droughtwatch/droughtwatch/internal/eventstore"
	"github.com/droughtwatch/droughtwatch/internal/logfields"
)

// Canonical state names.
const (
	StateProcessing = "Processing"
	StateInference  = "Inference"
	StateObserve    = "Observe"
	StateSucceeded  = "Succeeded"

	StateProcessingFailed = "ProcessingFailed"
	StateInferenceFailed  = "InferenceFailed"
	StateObserveFailed    = "ObserveFailed"
)

// Envelope is the status envelope every state handler returns. Only a 200
// routes to the next state; any other status routes to the state's failure
// state.
type Envelope struct {
	StatusCode int `json:"statusCode"`
	Body       any `json:"body"`
}

// OK wraps a body in a 200 envelope.
func OK(body any) Envelope {
	return Envelope{StatusCode: 200, Body: body}
}

// Failed wraps a body in a non-advancing envelope.
func Failed(statusCode int, body any) Envelope {
	return Envelope{StatusCode: statusCode, Body: body}
}

// Advances reports whether the envelope routes to the next state.
func (e Envelope) Advances() bool { return e.StatusCode == 200 }

// Handler executes one state against the previous state's envelope.
type Handler func(ctx context.Context, input Envelope) (Envelope, error)

// RetrySpec is the declarative retry attached to a state: a fixed attempt
// count with exponential backoff between attempts.
type RetrySpec struct {
	MaxAttempts int
	Interval    time.Duration
	BackoffRate float64
}

// DefaultRetry matches the retry block the original workflow attached to
// every task state.
func DefaultRetry() RetrySpec {
	return RetrySpec{MaxAttempts: 3, Interval: 2 * time.Second, BackoffRate: 2.0}
}

// delay returns the wait before attempt n (0-based for the first retry).
func (r RetrySpec) delay(attempt int) time.Duration {
	d := r.Interval
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * r.BackoffRate)
	}
	return d
}

// State is one task state of the machine. Failure states are implicit and
// terminal; they carry no handler.
type State struct {
	Name      string
	Handler   Handler
	Next      string // state entered on a 200 envelope
	OnFailure string // state entered on any other envelope or exhausted retries
	Retry     RetrySpec
}

// Transition is one recorded move of the machine.
type Transition struct {
	From       string
	To         string
	StatusCode int
}

// Result is the outcome of one execution.
type Result struct {
	Terminal    string
	Output      Envelope
	Transitions []Transition
}

// Succeeded reports whether the machine reached its success state.
func (r *Result) Succeeded() bool { return r.Terminal == StateSucceeded }

// Machine executes states from a start state until a terminal state is
// reached.
type Machine struct {
	start  string
	states map[string]State
	events eventstore.Store // optional transcript sink
}

// Option configures a Machine.
type Option func(*Machine)

// WithEventStore records every transition in the given store.
func WithEventStore(store eventstore.Store) Option {
	return func(m *Machine) { m.events = store }
}

// New builds a machine from task states. Next names that reference no task
// state are treated as terminal.
func New(start string, states []State, opts ...Option) (*Machine, error) {
	if len(states) == 0 {
		return nil, fmt.Errorf("state machine needs at least one state")
	}
	byName := make(map[string]State, len(states))
	for _, st := range states {
		if st.Handler == nil {
			return nil, fmt.Errorf("state %s has no handler", st.Name)
		}
		if st.OnFailure == "" {
			return nil, fmt.Errorf("state %s has no failure state", st.Name)
		}
		if _, dup := byName[st.Name]; dup {
			return nil, fmt.Errorf("duplicate state %s", st.Name)
		}
		byName[st.Name] = st
	}
	if _, ok := byName[start]; !ok {
		return nil, fmt.Errorf("unknown start state %s", start)
	}
	m := &Machine{start: start, states: byName}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// DefaultStates wires the canonical processing -> inference -> observe chain
// with the default retry on every state.
func DefaultStates(processing, inference, observe Handler) []State {
	retry := DefaultRetry()
	return []State{
		{Name: StateProcessing, Handler: processing, Next: StateInference, OnFailure: StateProcessingFailed, Retry: retry},
		{Name: StateInference, Handler: inference, Next: StateObserve, OnFailure: StateInferenceFailed, Retry: retry},
		{Name: StateObserve, Handler: observe, Next: StateSucceeded, OnFailure: StateObserveFailed, Retry: retry},
	}
}

// Execute runs the machine to a terminal state. The returned error is nil
// even when the machine lands in a failure state; callers branch on the
// Result. Execute errors only on context cancellation.
func (m *Machine) Execute(ctx context.Context, runID string, input Envelope) (*Result, error) {
	result := &Result{}
	current := m.start
	output := input

	for {
		state, ok := m.states[current]
		if !ok {
			// Terminal: a failure state or the success state.
			result.Terminal = current
			result.Output = output
			return result, nil
		}

		envelope, err := m.invoke(ctx, state, output)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			envelope = Failed(500, err.Error())
		}

		next := state.Next
		if !envelope.Advances() {
			next = state.OnFailure
		}
		m.record(ctx, runID, Transition{From: current, To: next, StatusCode: envelope.StatusCode}, result)

		slog.Info("State transition",
			logfields.RunID(runID),
			logfields.State(current),
			slog.String("to", next),
			slog.Int("status", envelope.StatusCode))

		current = next
		output = envelope
	}
}

// invoke runs one state handler under its retry spec. Handler errors are
// retried; non-200 envelopes are branch decisions and are not.
func (m *Machine) invoke(ctx context.Context, state State, input Envelope) (Envelope, error) {
	attempts := state.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			slog.Warn("Retrying state",
				logfields.State(state.Name),
				logfields.Attempt(attempt),
				logfields.Error(lastErr))
			select {
			case <-ctx.Done():
				return Envelope{}, ctx.Err()
			case <-time.After(state.Retry.delay(attempt - 1)):
			}
		}

		envelope, err := state.Handler(ctx, input)
		if err == nil {
			return envelope, nil
		}
		lastErr = err
	}
	return Envelope{}, fmt.Errorf("state %s failed after %d attempts: %w", state.Name, attempts, lastErr)
}

func (m *Machine) record(ctx context.Context, runID string, tr Transition, result *Result) {
	result.Transitions = append(result.Transitions, tr)
	if m.events == nil {
		return
	}
	event, err := eventstore.NewStateTransition(runID, tr.From, tr.To, tr.StatusCode)
	if err != nil {
		slog.Warn("Failed to build transition event", logfields.Error(err))
		return
	}
	if err := m.events.Append(ctx, runID, eventstore.TypeStateTransition, event.EventPayload, nil); err != nil {
		slog.Warn("Failed to persist transition", logfields.RunID(runID), logfields.Error(err))
	}
}
