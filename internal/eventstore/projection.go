// Package eventstore provides event sourcing primitives for run tracking.
package eventstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

const (
	runStatusRunning   = "running"
	runStatusCompleted = "completed"
	runStatusFailed    = "failed"
)

// RunSummary is a read model summarizing a completed or in-progress run.
type RunSummary struct {
	RunID       string            `json:"run_id"`
	Trigger     string            `json:"trigger,omitempty"`
	Status      string            `json:"status"` // "running", "completed", "failed"
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Duration    time.Duration     `json:"duration,omitempty"`
	ItemCount   int               `json:"item_count"`
	Predictions int               `json:"predictions"`
	Drift       *float64          `json:"prediction_drift,omitempty"`
	ErrorStage  string            `json:"error_stage,omitempty"`
	ErrorMsg    string            `json:"error_message,omitempty"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
}

// RunHistoryProjection maintains an in-memory view of run history,
// reconstructed from events stored in the event store.
type RunHistoryProjection struct {
	mu       sync.RWMutex
	store    Store
	runs     map[string]*RunSummary // runID -> summary
	history  []*RunSummary          // ordered by start time, newest first
	maxSize  int
	lastSync time.Time
}

// NewRunHistoryProjection creates a new projection backed by the given store.
func NewRunHistoryProjection(store Store, maxHistorySize int) *RunHistoryProjection {
	if maxHistorySize <= 0 {
		maxHistorySize = 100
	}
	return &RunHistoryProjection{
		store:   store,
		runs:    make(map[string]*RunSummary),
		history: make([]*RunSummary, 0, maxHistorySize),
		maxSize: maxHistorySize,
	}
}

// Rebuild reconstructs the projection from all events in the store.
// This is typically called at startup.
func (p *RunHistoryProjection) Rebuild(ctx context.Context) error {
	events, err := p.store.GetRange(ctx, time.Time{}, time.Now().Add(time.Hour))
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.runs = make(map[string]*RunSummary)
	p.history = make([]*RunSummary, 0, p.maxSize)

	for _, event := range events {
		p.applyEventLocked(event)
	}

	p.sortHistoryLocked()
	if len(p.history) > p.maxSize {
		p.history = p.history[:p.maxSize]
	}
	p.pruneRunsLocked()

	p.lastSync = time.Now()
	return nil
}

// Apply processes a single event and updates the projection.
// This is used for real-time updates when events are emitted.
func (p *RunHistoryProjection) Apply(event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyEventLocked(event)
}

func (p *RunHistoryProjection) applyEventLocked(event Event) {
	runID := event.RunID()
	if runID == "" || runID == "unknown" {
		return
	}

	summary, exists := p.runs[runID]
	if !exists {
		summary = &RunSummary{
			RunID:     runID,
			Status:    runStatusRunning,
			StartedAt: event.Timestamp(),
		}
		p.runs[runID] = summary
	}

	switch event.Type() {
	case TypeRunStarted:
		summary.StartedAt = event.Timestamp()
		summary.Status = runStatusRunning
		var payload struct {
			Trigger string `json:"trigger"`
		}
		if err := json.Unmarshal(event.Payload(), &payload); err == nil {
			summary.Trigger = payload.Trigger
		}

	case TypeItemProcessed:
		summary.ItemCount++

	case TypeInferenceCompleted:
		var payload struct {
			Records int `json:"records"`
		}
		if err := json.Unmarshal(event.Payload(), &payload); err == nil {
			summary.Predictions += payload.Records
		}

	case TypeDriftReported:
		var payload struct {
			Drift float64 `json:"prediction_drift"`
		}
		if err := json.Unmarshal(event.Payload(), &payload); err == nil {
			summary.Drift = &payload.Drift
		}

	case TypeRunCompleted:
		now := event.Timestamp()
		summary.CompletedAt = &now
		summary.Duration = now.Sub(summary.StartedAt)
		summary.Status = runStatusCompleted
		var payload struct {
			Artifacts map[string]string `json:"artifacts"`
		}
		if err := json.Unmarshal(event.Payload(), &payload); err == nil {
			summary.Artifacts = payload.Artifacts
		}
		p.addToHistoryLocked(summary)

	case TypeRunFailed:
		now := event.Timestamp()
		summary.CompletedAt = &now
		summary.Duration = now.Sub(summary.StartedAt)
		summary.Status = runStatusFailed
		var payload struct {
			Stage string `json:"stage"`
			Error string `json:"error"`
		}
		if err := json.Unmarshal(event.Payload(), &payload); err == nil {
			summary.ErrorStage = payload.Stage
			summary.ErrorMsg = payload.Error
		}
		p.addToHistoryLocked(summary)
	}
}

// addToHistoryLocked adds a finished run to history if not already present.
func (p *RunHistoryProjection) addToHistoryLocked(summary *RunSummary) {
	for _, h := range p.history {
		if h.RunID == summary.RunID {
			return
		}
	}

	p.history = append([]*RunSummary{summary}, p.history...)

	if len(p.history) > p.maxSize {
		p.history = p.history[:p.maxSize]
	}
	p.pruneRunsLocked()
}

// pruneRunsLocked removes finished runs not present in the bounded history.
// It keeps any runs that are still marked as running.
// Caller must hold p.mu (write lock).
func (p *RunHistoryProjection) pruneRunsLocked() {
	keep := make(map[string]struct{}, len(p.history))
	for _, h := range p.history {
		if h != nil {
			keep[h.RunID] = struct{}{}
		}
	}

	for id, summary := range p.runs {
		if summary != nil && summary.Status == runStatusRunning {
			continue
		}
		if _, ok := keep[id]; !ok {
			delete(p.runs, id)
		}
	}
}

// sortHistoryLocked sorts history by start time, newest first.
func (p *RunHistoryProjection) sortHistoryLocked() {
	// Simple insertion sort (history is usually small)
	for i := 1; i < len(p.history); i++ {
		for j := i; j > 0 && p.history[j].StartedAt.After(p.history[j-1].StartedAt); j-- {
			p.history[j], p.history[j-1] = p.history[j-1], p.history[j]
		}
	}
}

// GetHistory returns the run history, newest first.
func (p *RunHistoryProjection) GetHistory() []*RunSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*RunSummary, len(p.history))
	copy(result, p.history)
	return result
}

// GetRun returns the summary for a specific run.
func (p *RunHistoryProjection) GetRun(runID string) (*RunSummary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	summary, exists := p.runs[runID]
	if !exists {
		return nil, false
	}

	cp := *summary
	return &cp, true
}

// GetActiveRun returns a currently running pipeline run if any.
func (p *RunHistoryProjection) GetActiveRun() *RunSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, summary := range p.runs {
		if summary.Status == runStatusRunning {
			cp := *summary
			return &cp
		}
	}
	return nil
}

// GetLastFinishedRun returns the most recently finished run (success or failure).
func (p *RunHistoryProjection) GetLastFinishedRun() *RunSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.history) == 0 {
		return nil
	}

	// History is sorted newest first
	cp := *p.history[0]
	return &cp
}

// LastSyncTime returns when the projection was last synchronized.
func (p *RunHistoryProjection) LastSyncTime() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSync
}
