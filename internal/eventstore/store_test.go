package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAppendAndGetByRunID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "run-1", TypeRunStarted, []byte(`{"trigger":"cli"}`), nil))
	require.NoError(t, store.Append(ctx, "run-1", TypeStageCompleted, []byte(`{"stage":"processing"}`), map[string]string{"worker": "w-0"}))
	require.NoError(t, store.Append(ctx, "run-2", TypeRunStarted, []byte(`{}`), nil))

	events, err := store.GetByRunID(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, TypeRunStarted, events[0].Type())
	assert.Equal(t, TypeStageCompleted, events[1].Type())
	assert.Equal(t, map[string]string{"worker": "w-0"}, events[1].Metadata())
	assert.True(t, events[0].ID() < events[1].ID())
}

func TestGetByRunIDEmpty(t *testing.T) {
	store := newTestStore(t)

	events, err := store.GetByRunID(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestGetRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "run-1", TypeRunStarted, []byte(`{}`), nil))
	require.NoError(t, store.Append(ctx, "run-1", TypeRunCompleted, []byte(`{}`), nil))

	now := time.Now()
	events, err := store.GetRange(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, events, 2)

	past, err := store.GetRange(ctx, now.Add(-2*time.Hour), now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, past)
}

func TestTypedEventConstructors(t *testing.T) {
	started, err := NewRunStarted("run-1", "schedule", true)
	require.NoError(t, err)
	assert.Equal(t, "run-1", started.RunID())
	assert.Equal(t, TypeRunStarted, started.Type())
	assert.JSONEq(t, `{"trigger":"schedule","forced":true}`, string(started.Payload()))

	completed, err := NewStageCompleted("run-1", "processing", 1500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, TypeStageCompleted, completed.Type())
	assert.JSONEq(t, `{"stage":"processing","duration_ms":1500}`, string(completed.Payload()))

	failed, err := NewStageFailed("run-1", "inference", assert.AnError)
	require.NoError(t, err)
	assert.Contains(t, failed.Error, assert.AnError.Error())

	transition, err := NewStateTransition("run-1", "processing", "inference", 200)
	require.NoError(t, err)
	assert.Equal(t, "processing", transition.From)
	assert.Equal(t, 200, transition.StatusCode)
}
