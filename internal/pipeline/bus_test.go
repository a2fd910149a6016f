package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droughtwatch/droughtwatch/internal/config"
	dwerrors "github.com/droughtwatch/droughtwatch/internal/errors"
	"github.com/droughtwatch/droughtwatch/internal/retry"
)

type recordingStore struct {
	mu       sync.Mutex
	appended []string
	runIDs   []string
}

func (r *recordingStore) Append(ctx context.Context, runID, eventType string, payload []byte, metadata map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appended = append(r.appended, eventType)
	r.runIDs = append(r.runIDs, runID)
	return nil
}

func TestBusPublishDeliversToSubscribers(t *testing.T) {
	bus := NewBus()
	var got []string
	bus.Subscribe(EventItemProcessed, func(e Event) error {
		got = append(got, e.Name())
		return nil
	})

	err := bus.Publish(NewItemProcessed("run-1", "tiles/a", "tiles/processed_a", "abc"))
	require.NoError(t, err)
	assert.Equal(t, []string{EventItemProcessed}, got)
}

func TestBusPublishPersistsToEventStore(t *testing.T) {
	store := &recordingStore{}
	bus := NewBus(WithEventStore(store, DefaultHandlerRetryPolicy(), NewDeadLetterQueue()))

	require.NoError(t, bus.Publish(NewProcessingCompleted("run-9", 3, 1, 0)))

	assert.Equal(t, []string{EventProcessingCompleted}, store.appended)
	assert.Equal(t, []string{"run-9"}, store.runIDs)
}

type failingStore struct {
	mu       sync.Mutex
	attempts int
}

func (f *failingStore) Append(ctx context.Context, runID, eventType string, payload []byte, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	return dwerrors.DatabaseError("append", assert.AnError)
}

func TestBusPublishAbandonedPersistenceLandsInDLQ(t *testing.T) {
	store := &failingStore{}
	dlq := NewDeadLetterQueue()
	policy := HandlerRetryPolicy{
		Policy: retry.NewPolicy(config.RetryBackoffFixed, time.Millisecond, time.Millisecond, 1),
	}
	bus := NewBus(WithEventStore(store, policy, dlq))

	delivered := false
	bus.Subscribe(EventProcessingStarted, func(e Event) error {
		delivered = true
		return nil
	})

	// Persistence fails terminally, yet delivery to subscribers proceeds.
	require.NoError(t, bus.Publish(NewProcessingStarted("run-1", 2)))
	assert.True(t, delivered)
	assert.Equal(t, 2, store.attempts)
	require.Equal(t, 1, dlq.Len())
	assert.Equal(t, EventProcessingStarted, dlq.Events()[0].Event.Name())
}

func TestBusHandlerErrorStopsDelivery(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(EventDriftReported, func(e Event) error { return assert.AnError })

	second := false
	bus.Subscribe(EventDriftReported, func(e Event) error {
		second = true
		return nil
	})

	err := bus.Publish(NewDriftReported("run-1", "tiles/predictions_a", 0.1))
	require.ErrorIs(t, err, assert.AnError)
	assert.False(t, second)
}

func TestWithRetrySendsExhaustedEventsToDLQ(t *testing.T) {
	dlq := NewDeadLetterQueue()
	attempts := 0
	h := WithRetry(func(e Event) error {
		attempts++
		return dwerrors.NetworkTimeout("model server", assert.AnError)
	}, HandlerRetryPolicy{
		Policy: retry.NewPolicy(config.RetryBackoffFixed, time.Millisecond, time.Millisecond, 2),
	}, dlq)

	err := h(NewInferenceCompleted("run-1", "tiles/processed_a", "tiles/predictions_a", 10))
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	require.Equal(t, 1, dlq.Len())
	failed := dlq.Events()[0]
	assert.Equal(t, EventInferenceCompleted, failed.Event.Name())
	assert.Equal(t, "run-1", failed.RunID)

	assert.Len(t, dlq.Drain(), 1)
	assert.Zero(t, dlq.Len())
}

func TestWithRetryBacksOffBeforeFirstRetry(t *testing.T) {
	dlq := NewDeadLetterQueue()
	attempts := 0
	h := WithRetry(func(e Event) error {
		attempts++
		return dwerrors.NetworkTimeout("model server", assert.AnError)
	}, HandlerRetryPolicy{
		Policy: retry.NewPolicy(config.RetryBackoffFixed, 25*time.Millisecond, 25*time.Millisecond, 1),
	}, dlq)

	start := time.Now()
	err := h(NewProcessingStarted("run-1", 1))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, 2, attempts)
	assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
}

func TestWithRetryNonRetryableFailsImmediately(t *testing.T) {
	dlq := NewDeadLetterQueue()
	attempts := 0
	h := WithRetry(func(e Event) error {
		attempts++
		return dwerrors.ValidationFailed("keylist", "unknown band")
	}, DefaultHandlerRetryPolicy(), dlq)

	err := h(NewProcessingStarted("run-1", 4))
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, dlq.Len())
}
