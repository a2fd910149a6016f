package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendEvent(t *testing.T, store Store, e Event) {
	t.Helper()
	require.NoError(t, store.Append(context.Background(), e.RunID(), e.Type(), e.Payload(), e.Metadata()))
}

// busEvent mirrors how the pipeline bus persists its events: type name and a
// JSON payload, nothing more.
func busEvent(runID, eventType, payload string) *BaseEvent {
	return &BaseEvent{
		EventRunID:     runID,
		EventType:      eventType,
		EventTimestamp: time.Now(),
		EventPayload:   []byte(payload),
	}
}

func TestProjectionRebuild(t *testing.T) {
	store := newTestStore(t)
	p := NewRunHistoryProjection(store, 10)

	started, err := NewRunStarted("run-1", "cli", false)
	require.NoError(t, err)
	appendEvent(t, store, started)

	appendEvent(t, store, busEvent("run-1", TypeItemProcessed,
		`{"raw_path":"tiles/part-0","processed_path":"tiles/processed_part-0","checksum":"abc"}`))
	appendEvent(t, store, busEvent("run-1", TypeInferenceCompleted,
		`{"processed_path":"tiles/processed_part-0","predictions_path":"tiles/predictions_part-0","records":64}`))

	done, err := NewRunCompleted("run-1", 64, map[string]string{"model": "registry/model.keras"})
	require.NoError(t, err)
	appendEvent(t, store, done)

	require.NoError(t, p.Rebuild(context.Background()))

	summary, ok := p.GetRun("run-1")
	require.True(t, ok)
	assert.Equal(t, "completed", summary.Status)
	assert.Equal(t, "cli", summary.Trigger)
	assert.Equal(t, 1, summary.ItemCount)
	assert.Equal(t, 64, summary.Predictions)
	assert.Equal(t, "registry/model.keras", summary.Artifacts["model"])
	assert.NotNil(t, summary.CompletedAt)

	history := p.GetHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "run-1", history[0].RunID)
}

func TestProjectionFailedRun(t *testing.T) {
	store := newTestStore(t)
	p := NewRunHistoryProjection(store, 10)

	started, err := NewRunStarted("run-2", "schedule", false)
	require.NoError(t, err)
	p.Apply(started)

	failed, err := NewRunFailed("run-2", "inference", assert.AnError)
	require.NoError(t, err)
	p.Apply(failed)

	summary, ok := p.GetRun("run-2")
	require.True(t, ok)
	assert.Equal(t, "failed", summary.Status)
	assert.Equal(t, "inference", summary.ErrorStage)
	assert.Contains(t, summary.ErrorMsg, assert.AnError.Error())

	assert.Nil(t, p.GetActiveRun())
	last := p.GetLastFinishedRun()
	require.NotNil(t, last)
	assert.Equal(t, "run-2", last.RunID)
}

func TestProjectionActiveRun(t *testing.T) {
	store := newTestStore(t)
	p := NewRunHistoryProjection(store, 10)

	started, err := NewRunStarted("run-3", "watcher", false)
	require.NoError(t, err)
	p.Apply(started)

	active := p.GetActiveRun()
	require.NotNil(t, active)
	assert.Equal(t, "run-3", active.RunID)
	assert.Equal(t, "running", active.Status)
}

func TestProjectionDriftReported(t *testing.T) {
	store := newTestStore(t)
	p := NewRunHistoryProjection(store, 10)

	started, err := NewRunStarted("run-4", "cli", false)
	require.NoError(t, err)
	p.Apply(started)

	p.Apply(busEvent("run-4", TypeDriftReported,
		`{"predictions_path":"tiles/predictions_part-0","prediction_drift":0.042}`))

	summary, ok := p.GetRun("run-4")
	require.True(t, ok)
	require.NotNil(t, summary.Drift)
	assert.InDelta(t, 0.042, *summary.Drift, 1e-9)
}

func TestProjectionBoundedHistory(t *testing.T) {
	store := newTestStore(t)
	p := NewRunHistoryProjection(store, 2)

	for _, id := range []string{"a", "b", "c"} {
		started, err := NewRunStarted(id, "cli", false)
		require.NoError(t, err)
		started.EventTimestamp = time.Now()
		p.Apply(started)

		done, err := NewRunCompleted(id, 0, nil)
		require.NoError(t, err)
		p.Apply(done)
	}

	assert.Len(t, p.GetHistory(), 2)

	// "a" fell out of the bounded history and was pruned.
	_, ok := p.GetRun("a")
	assert.False(t, ok)
}
