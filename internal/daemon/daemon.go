package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/droughtwatch/droughtwatch/internal/config"
	"github.com/droughtwatch/droughtwatch/internal/logfields"
	"github.com/droughtwatch/droughtwatch/internal/retry"
	"github.com/droughtwatch/droughtwatch/internal/storage"
)

// Daemon runs the pipeline continuously: on a schedule, on drop-directory
// activity, and on manual triggers.
type Daemon struct {
	cfg       *config.Config
	queue     *JobQueue
	scheduler *Scheduler // nil when no schedule configured
	watcher   *Watcher   // nil when no watch dir configured
	history   *HistoryStore
	group     WorkerGroup
}

// New wires the daemon from configuration. runner executes one pipeline run
// per job; store receives files ingested from the drop directory.
func New(cfg *config.Config, runner Runner, store storage.BlobStore) (*Daemon, error) {
	d := &Daemon{cfg: cfg}

	d.queue = NewJobQueue(runner, cfg.Daemon.QueueSize, cfg.Daemon.Workers, retry.FromConfig(cfg.Retry))

	d.history = NewHistoryStore(cfg.Daemon.StateDir)
	if err := d.history.Load(); err != nil {
		return nil, err
	}
	d.queue.SetCompletionHook(func(job *Job) {
		if err := d.history.Append(job); err != nil {
			slog.Warn("Failed to persist run history", logfields.JobID(job.ID), logfields.Error(err))
		}
	})

	if cfg.Daemon.Schedule > 0 {
		scheduler, err := NewScheduler(d.queue)
		if err != nil {
			return nil, err
		}
		d.scheduler = scheduler
	}

	if cfg.Daemon.WatchDir != "" {
		d.watcher = NewWatcher(cfg.Daemon.WatchDir, store, cfg.Data.Bucket, cfg.Data.RawPrefix,
			cfg.Daemon.Debounce, func(count int) {
				job := &Job{
					ID:      fmt.Sprintf("watcher-%s", uuid.NewString()[:8]),
					Trigger: TriggerWatcher,
				}
				if err := d.queue.Enqueue(job); err != nil {
					slog.Error("Failed to enqueue watcher run",
						slog.Int("files", count),
						logfields.Error(err))
				}
			})
	}

	return d, nil
}

// TriggerRun enqueues a manual pipeline run and returns its job ID.
func (d *Daemon) TriggerRun(forced bool) (string, error) {
	job := &Job{
		ID:      fmt.Sprintf("manual-%s", uuid.NewString()[:8]),
		Trigger: TriggerManual,
		Forced:  forced,
	}
	if err := d.queue.Enqueue(job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Queue exposes the job queue for status reporting.
func (d *Daemon) Queue() *JobQueue { return d.queue }

// History exposes the persisted run history.
func (d *Daemon) History() []*Job { return d.history.List() }

// Run starts all components and blocks until ctx is done, then shuts down
// gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("Starting daemon",
		slog.Duration("schedule", d.cfg.Daemon.Schedule),
		slog.String("watch_dir", d.cfg.Daemon.WatchDir))

	d.queue.Start(ctx)

	if d.scheduler != nil {
		if _, err := d.scheduler.SchedulePeriodicRun(d.cfg.Daemon.Schedule); err != nil {
			return err
		}
		d.scheduler.Start()
	}

	if d.watcher != nil {
		d.group.Go(func() {
			if err := d.watcher.Run(ctx); err != nil {
				slog.Error("Watcher stopped", logfields.Error(err))
			}
		})
	}

	<-ctx.Done()
	return d.shutdown()
}

// shutdown stops components in dependency order, bounded per component.
func (d *Daemon) shutdown() error {
	slog.Info("Shutting down daemon")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if d.scheduler != nil {
		if err := d.scheduler.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := d.group.StopAndWait(stopCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.queue.Stop(stopCtx); err != nil && firstErr == nil {
		firstErr = err
	}

	slog.Info("Daemon stopped")
	return firstErr
}
