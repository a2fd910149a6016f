package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droughtwatch/droughtwatch/internal/config"
	"github.com/droughtwatch/droughtwatch/internal/storage"
)

func daemonTestConfig(t *testing.T) *config.Config {
	cfg := &config.Config{}
	cfg.Data.Bucket = "droughtwatch"
	cfg.Data.RawPrefix = "tiles/"
	cfg.Daemon.QueueSize = 4
	cfg.Daemon.Workers = 1
	cfg.Daemon.StateDir = t.TempDir()
	cfg.Retry.MaxRetries = 0
	return cfg
}

func TestDaemonRunsManualTrigger(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := storage.NewMemStore()
	require.NoError(t, store.EnsureBucket(ctx, "droughtwatch"))

	runner := newRecordingRunner(1)
	d, err := New(daemonTestConfig(t), runner, store)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	jobID, err := d.TriggerRun(true)
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)
	waitFor(t, runner.done, 1)

	// The finished run lands in the persisted history.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(d.History()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	history := d.History()
	require.Len(t, history, 1)
	assert.Equal(t, jobID, history[0].ID)
	assert.Equal(t, TriggerManual, history[0].Trigger)
	assert.True(t, history[0].Forced)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

func TestDaemonWithoutScheduleOrWatcher(t *testing.T) {
	store := storage.NewMemStore()
	d, err := New(daemonTestConfig(t), newRecordingRunner(0), store)
	require.NoError(t, err)
	assert.Nil(t, d.scheduler)
	assert.Nil(t, d.watcher)
}

func TestDaemonConfiguresComponents(t *testing.T) {
	cfg := daemonTestConfig(t)
	cfg.Daemon.Schedule = time.Hour
	cfg.Daemon.WatchDir = t.TempDir()
	cfg.Daemon.Debounce = 10 * time.Millisecond

	d, err := New(cfg, newRecordingRunner(0), storage.NewMemStore())
	require.NoError(t, err)
	assert.NotNil(t, d.scheduler)
	assert.NotNil(t, d.watcher)
}
