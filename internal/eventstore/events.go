package eventstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event type names as stored in the event log. Run and stage lifecycle
// events are appended by the pipeline commands; StateTransition by the
// inference state machine. The remaining names are pipeline bus events,
// persisted by the bus under their bus names.
const (
	TypeRunStarted      = "RunStarted"
	TypeStageCompleted  = "StageCompleted"
	TypeStageFailed     = "StageFailed"
	TypeStateTransition = "StateTransition"
	TypeRunCompleted    = "RunCompleted"
	TypeRunFailed       = "RunFailed"

	TypeItemProcessed      = "ItemProcessed"
	TypeInferenceCompleted = "InferenceCompleted"
	TypeDriftReported      = "DriftReported"
)

// RunStarted is emitted when a pipeline run begins.
type RunStarted struct {
	BaseEvent
	Trigger string `json:"trigger"` // "cli", "schedule", "watcher"
	Forced  bool   `json:"forced"`
}

// NewRunStarted creates a RunStarted event.
func NewRunStarted(runID, trigger string, forced bool) (*RunStarted, error) {
	payload, err := json.Marshal(map[string]any{
		"trigger": trigger,
		"forced":  forced,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal RunStarted payload: %w", err)
	}
	return &RunStarted{
		BaseEvent: BaseEvent{
			EventRunID:     runID,
			EventType:      TypeRunStarted,
			EventTimestamp: time.Now(),
			EventPayload:   payload,
		},
		Trigger: trigger,
		Forced:  forced,
	}, nil
}

// StageCompleted is emitted when a pipeline stage finishes successfully.
type StageCompleted struct {
	BaseEvent
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration_ms"`
}

// NewStageCompleted creates a StageCompleted event.
func NewStageCompleted(runID, stage string, duration time.Duration) (*StageCompleted, error) {
	payload, err := json.Marshal(map[string]any{
		"stage":       stage,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal StageCompleted payload: %w", err)
	}
	return &StageCompleted{
		BaseEvent: BaseEvent{
			EventRunID:     runID,
			EventType:      TypeStageCompleted,
			EventTimestamp: time.Now(),
			EventPayload:   payload,
		},
		Stage:    stage,
		Duration: duration,
	}, nil
}

// StageFailed is emitted when a pipeline stage fails after retries.
type StageFailed struct {
	BaseEvent
	Stage string `json:"stage"`
	Error string `json:"error"`
}

// NewStageFailed creates a StageFailed event.
func NewStageFailed(runID, stage string, stageErr error) (*StageFailed, error) {
	msg := ""
	if stageErr != nil {
		msg = stageErr.Error()
	}
	payload, err := json.Marshal(map[string]any{
		"stage": stage,
		"error": msg,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal StageFailed payload: %w", err)
	}
	return &StageFailed{
		BaseEvent: BaseEvent{
			EventRunID:     runID,
			EventType:      TypeStageFailed,
			EventTimestamp: time.Now(),
			EventPayload:   payload,
		},
		Stage: stage,
		Error: msg,
	}, nil
}

// StateTransition is emitted by the inference state machine on every move.
type StateTransition struct {
	BaseEvent
	From       string `json:"from"`
	To         string `json:"to"`
	StatusCode int    `json:"status_code"`
}

// NewStateTransition creates a StateTransition event.
func NewStateTransition(runID, from, to string, statusCode int) (*StateTransition, error) {
	payload, err := json.Marshal(map[string]any{
		"from":        from,
		"to":          to,
		"status_code": statusCode,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal StateTransition payload: %w", err)
	}
	return &StateTransition{
		BaseEvent: BaseEvent{
			EventRunID:     runID,
			EventType:      TypeStateTransition,
			EventTimestamp: time.Now(),
			EventPayload:   payload,
		},
		From:       from,
		To:         to,
		StatusCode: statusCode,
	}, nil
}

// RunCompleted is emitted when a run finishes successfully.
type RunCompleted struct {
	BaseEvent
	Records   int               `json:"records"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
}

// NewRunCompleted creates a RunCompleted event.
func NewRunCompleted(runID string, records int, artifacts map[string]string) (*RunCompleted, error) {
	payload, err := json.Marshal(map[string]any{
		"records":   records,
		"artifacts": artifacts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal RunCompleted payload: %w", err)
	}
	return &RunCompleted{
		BaseEvent: BaseEvent{
			EventRunID:     runID,
			EventType:      TypeRunCompleted,
			EventTimestamp: time.Now(),
			EventPayload:   payload,
		},
		Records:   records,
		Artifacts: artifacts,
	}, nil
}

// RunFailed is emitted when a run ends in failure.
type RunFailed struct {
	BaseEvent
	Stage string `json:"stage"`
	Error string `json:"error"`
}

// NewRunFailed creates a RunFailed event.
func NewRunFailed(runID, stage string, runErr error) (*RunFailed, error) {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	payload, err := json.Marshal(map[string]any{
		"stage": stage,
		"error": msg,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal RunFailed payload: %w", err)
	}
	return &RunFailed{
		BaseEvent: BaseEvent{
			EventRunID:     runID,
			EventType:      TypeRunFailed,
			EventTimestamp: time.Now(),
			EventPayload:   payload,
		},
		Stage: stage,
		Error: msg,
	}, nil
}
