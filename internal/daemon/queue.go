// Package daemon schedules and executes pipeline runs: periodic runs via
// gocron, drop-directory ingestion via fsnotify, and a bounded job queue
// with a worker pool.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	dwerrors "github.com/droughtwatch/droughtwatch/internal/errors"
	"github.com/droughtwatch/droughtwatch/internal/logfields"
	"github.com/droughtwatch/droughtwatch/internal/retry"
)

// Trigger names the origin of a pipeline run.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
	TriggerWatcher   Trigger = "watcher"
)

// JobStatus tracks a job through its lifecycle.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is one queued pipeline run.
type Job struct {
	ID          string        `json:"id"`
	Trigger     Trigger       `json:"trigger"`
	Forced      bool          `json:"forced"`
	Status      JobStatus     `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Attempts    int           `json:"attempts,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Runner executes one pipeline run on behalf of a job.
type Runner interface {
	RunPipeline(ctx context.Context, jobID string, trigger Trigger, forced bool) error
}

// RunnerFunc adapts a function into a Runner.
type RunnerFunc func(ctx context.Context, jobID string, trigger Trigger, forced bool) error

func (f RunnerFunc) RunPipeline(ctx context.Context, jobID string, trigger Trigger, forced bool) error {
	return f(ctx, jobID, trigger, forced)
}

// JobQueue is a bounded queue of pipeline runs processed by a worker pool.
type JobQueue struct {
	jobs    chan *Job
	workers int
	runner  Runner
	policy  retry.Policy
	group   WorkerGroup

	mu      sync.RWMutex
	active  map[string]*Job
	done    []*Job
	doneCap int
	onDone  func(*Job) // optional completion hook
}

// NewJobQueue creates a queue with the given capacity and worker count.
func NewJobQueue(runner Runner, maxSize, workers int, policy retry.Policy) *JobQueue {
	if maxSize <= 0 {
		maxSize = 16
	}
	if workers <= 0 {
		workers = 1
	}
	return &JobQueue{
		jobs:    make(chan *Job, maxSize),
		workers: workers,
		runner:  runner,
		policy:  policy,
		active:  make(map[string]*Job),
		doneCap: 50,
	}
}

// SetCompletionHook installs a callback invoked after every finished job.
// Must be set before Start.
func (q *JobQueue) SetCompletionHook(fn func(*Job)) { q.onDone = fn }

// Start launches the worker pool.
func (q *JobQueue) Start(ctx context.Context) {
	slog.Info("Starting job queue", slog.Int("workers", q.workers), slog.Int("capacity", cap(q.jobs)))
	for i := 0; i < q.workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		q.group.Go(func() { q.worker(ctx, workerID) })
	}
}

// Stop waits for the workers to drain, bounded by ctx.
func (q *JobQueue) Stop(ctx context.Context) error {
	slog.Info("Stopping job queue")
	return q.group.StopAndWait(ctx)
}

// Enqueue adds a job. A full queue is an error so triggers are never
// silently dropped.
func (q *JobQueue) Enqueue(job *Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job requires an ID")
	}
	job.Status = JobStatusQueued
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	select {
	case q.jobs <- job:
		slog.Info("Pipeline run enqueued",
			logfields.JobID(job.ID),
			slog.String("trigger", string(job.Trigger)))
		return nil
	default:
		return fmt.Errorf("job queue is full (%d pending)", len(q.jobs))
	}
}

// Length returns the number of queued jobs.
func (q *JobQueue) Length() int { return len(q.jobs) }

// ActiveJobs returns the jobs currently being processed.
func (q *JobQueue) ActiveJobs() []*Job {
	q.mu.RLock()
	defer q.mu.RUnlock()
	active := make([]*Job, 0, len(q.active))
	for _, job := range q.active {
		active = append(active, job)
	}
	return active
}

// History returns recently finished jobs, oldest first.
func (q *JobQueue) History() []*Job {
	q.mu.RLock()
	defer q.mu.RUnlock()
	history := make([]*Job, len(q.done))
	copy(history, q.done)
	return history
}

func (q *JobQueue) worker(ctx context.Context, workerID string) {
	slog.Debug("Queue worker started", slog.String("worker", workerID))
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Queue worker stopped", slog.String("worker", workerID))
			return
		case job := <-q.jobs:
			if job != nil {
				q.processJob(ctx, job, workerID)
			}
		}
	}
}

// processJob runs one job, retrying retryable pipeline errors per the queue
// policy.
func (q *JobQueue) processJob(ctx context.Context, job *Job, workerID string) {
	start := time.Now()
	job.StartedAt = &start
	job.Status = JobStatusRunning

	q.mu.Lock()
	q.active[job.ID] = job
	q.mu.Unlock()

	slog.Info("Pipeline run started",
		logfields.JobID(job.ID),
		slog.String("trigger", string(job.Trigger)),
		slog.String("worker", workerID))

	err := q.runJob(ctx, job)

	end := time.Now()
	job.CompletedAt = &end
	job.Duration = end.Sub(start)

	if err != nil {
		job.Status = JobStatusFailed
		job.Error = err.Error()
		slog.Error("Pipeline run failed",
			logfields.JobID(job.ID),
			logfields.DurationMS(float64(job.Duration.Milliseconds())),
			logfields.Error(err))
	} else {
		job.Status = JobStatusCompleted
		slog.Info("Pipeline run completed",
			logfields.JobID(job.ID),
			logfields.DurationMS(float64(job.Duration.Milliseconds())))
	}

	q.mu.Lock()
	delete(q.active, job.ID)
	q.done = append(q.done, job)
	if len(q.done) > q.doneCap {
		copy(q.done, q.done[len(q.done)-q.doneCap:])
		q.done = q.done[:q.doneCap]
	}
	q.mu.Unlock()

	if q.onDone != nil {
		q.onDone(job)
	}
}

func (q *JobQueue) runJob(ctx context.Context, job *Job) error {
	maxAttempts := q.policy.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		job.Attempts = attempt
		lastErr = q.runner.RunPipeline(ctx, job.ID, job.Trigger, job.Forced)
		if lastErr == nil {
			return nil
		}
		if !dwerrors.IsRetryable(lastErr) || attempt == maxAttempts {
			return lastErr
		}
		slog.Warn("Retrying pipeline run",
			logfields.JobID(job.ID),
			logfields.Attempt(attempt),
			logfields.Error(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.policy.Delay(attempt)):
		}
	}
	return lastErr
}
