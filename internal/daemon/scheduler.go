package daemon

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/droughtwatch/droughtwatch/internal/logfields"
)

// Scheduler wraps gocron for periodic pipeline runs.
type Scheduler struct {
	scheduler gocron.Scheduler
	enqueuer  interface{ Enqueue(job *Job) error }
}

// NewScheduler creates a scheduler feeding the given queue.
func NewScheduler(enqueuer interface{ Enqueue(job *Job) error }) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Scheduler{scheduler: s, enqueuer: enqueuer}, nil
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	slog.Info("Starting scheduler")
	s.scheduler.Start()
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	slog.Info("Stopping scheduler")
	return s.scheduler.Shutdown()
}

// SchedulePeriodicRun registers a pipeline run every interval. Returns the
// gocron job ID for later management.
func (s *Scheduler) SchedulePeriodicRun(interval time.Duration) (string, error) {
	job, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.enqueueRun),
		gocron.WithName("scheduled-pipeline-run"),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create periodic run job: %w", err)
	}
	slog.Info("Scheduled periodic pipeline run",
		logfields.ScheduleID(job.ID().String()),
		slog.Duration("interval", interval))
	return job.ID().String(), nil
}

// enqueueRun is called by gocron on every tick.
func (s *Scheduler) enqueueRun() {
	job := &Job{
		ID:        fmt.Sprintf("scheduled-%d", time.Now().Unix()),
		Trigger:   TriggerScheduled,
		CreatedAt: time.Now(),
	}
	if err := s.enqueuer.Enqueue(job); err != nil {
		slog.Error("Failed to enqueue scheduled run",
			logfields.JobID(job.ID),
			logfields.Error(err))
	}
}
