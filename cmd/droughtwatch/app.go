package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/droughtwatch/droughtwatch/internal/config"
	dwerrors "github.com/droughtwatch/droughtwatch/internal/errors"
	"github.com/droughtwatch/droughtwatch/internal/eventstore"
	"github.com/droughtwatch/droughtwatch/internal/inference"
	"github.com/droughtwatch/droughtwatch/internal/ledger"
	"github.com/droughtwatch/droughtwatch/internal/logfields"
	"github.com/droughtwatch/droughtwatch/internal/metrics"
	"github.com/droughtwatch/droughtwatch/internal/observe"
	"github.com/droughtwatch/droughtwatch/internal/pipeline"
	"github.com/droughtwatch/droughtwatch/internal/processing"
	"github.com/droughtwatch/droughtwatch/internal/retry"
	"github.com/droughtwatch/droughtwatch/internal/server"
	"github.com/droughtwatch/droughtwatch/internal/statemachine"
	"github.com/droughtwatch/droughtwatch/internal/storage"
	"github.com/droughtwatch/droughtwatch/internal/tracking"
	"github.com/droughtwatch/droughtwatch/internal/training"
)

// app holds the long-lived components every command wires from configuration.
type app struct {
	cfg      *config.Config
	store    storage.BlobStore
	led      ledger.Ledger
	bus      *pipeline.Bus
	recorder metrics.Recorder
	registry *prom.Registry // nil unless metrics are enabled
	events   eventstore.Store
	dlq      *pipeline.DeadLetterQueue // holds events the store rejected after retries
	tracker  tracking.Tracker

	nc    *nats.Conn
	redis *redis.Client
}

// newApp wires storage, the ledger, event sinks, metrics, and tracking from
// configuration. Components that are optional in the config stay nil.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	var err error
	a.store, err = newBlobStore(cfg)
	if err != nil {
		return nil, err
	}

	a.led, err = a.newLedger(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.led.Prepare(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Daemon.EventStore != "" {
		a.events, err = eventstore.NewSQLiteStore(cfg.Daemon.EventStore)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	busOpts := []pipeline.BusOption{}
	if a.events != nil {
		a.dlq = pipeline.NewDeadLetterQueue()
		busOpts = append(busOpts, pipeline.WithEventStore(a.events, pipeline.DefaultHandlerRetryPolicy(), a.dlq))
	}
	if cfg.Events.Enabled {
		a.nc, err = nats.Connect(cfg.Events.URL)
		if err != nil {
			a.Close()
			return nil, dwerrors.Wrap(err, dwerrors.CategoryNetwork, dwerrors.SeverityFatal, "failed to connect to NATS")
		}
		busOpts = append(busOpts, pipeline.WithNATS(a.nc, cfg.Events.Subject))
	}
	a.bus = pipeline.NewBus(busOpts...)

	if cfg.Daemon.EnableMetrics {
		a.registry = prom.NewRegistry()
		a.recorder = metrics.NewPrometheusRecorder(a.registry)
	} else {
		a.recorder = metrics.NoopRecorder{}
	}

	if cfg.Tracking.Style == config.TrackingMLflow {
		a.tracker = tracking.NewMLflow(cfg.Tracking.URI, cfg.Tracking.Experiment)
	} else {
		a.tracker = tracking.Noop{}
	}

	return a, nil
}

// Close releases every component the app opened, logging rather than failing
// on individual close errors.
func (a *app) Close() {
	if a.led != nil {
		if err := a.led.Close(); err != nil {
			slog.Warn("Failed to close ledger", logfields.Error(err))
		}
	}
	if a.dlq != nil && a.dlq.Len() > 0 {
		slog.Warn("Events were abandoned after persistence retries", slog.Int("count", a.dlq.Len()))
	}
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			slog.Warn("Failed to close event store", logfields.Error(err))
		}
	}
	if a.nc != nil {
		a.nc.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			slog.Warn("Failed to close redis client", logfields.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("Failed to close blob store", logfields.Error(err))
		}
	}
}

func newBlobStore(cfg *config.Config) (storage.BlobStore, error) {
	switch cfg.Storage.Backend {
	case config.StorageFS:
		return storage.NewFSStore(cfg.Storage.BasePath)
	case config.StorageS3:
		return storage.NewS3Store(cfg.Storage)
	default:
		return nil, dwerrors.ValidationFailed("storage.backend", fmt.Sprintf("unknown backend %q", cfg.Storage.Backend))
	}
}

func (a *app) newLedger(ctx context.Context, cfg *config.Config) (ledger.Ledger, error) {
	var inner ledger.Ledger
	switch cfg.Ledger.Backend {
	case config.LedgerJSON:
		inner = ledger.NewJSONLedger(cfg.Ledger.Path)
	case config.LedgerPostgres:
		pg, err := ledger.NewPostgresLedger(ctx, cfg.Database.DSN())
		if err != nil {
			return nil, err
		}
		inner = pg
	default:
		return nil, dwerrors.ValidationFailed("ledger.backend", fmt.Sprintf("unknown backend %q", cfg.Ledger.Backend))
	}

	if cfg.Cache.Enabled {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Cache.Addr})
		return ledger.NewCachedLedger(inner, a.redis, cfg.Cache.TTL, nil), nil
	}
	return inner, nil
}

func (a *app) processor() *processing.Processor {
	return processing.NewProcessor(a.store, a.led, a.bus, a.recorder, a.cfg)
}

func (a *app) trainingService() *training.Service {
	return training.NewService(a.store, a.tracker, a.bus, a.cfg)
}

func (a *app) engine() *inference.Engine {
	client := inference.NewModelClient(a.cfg.Serving, retry.FromConfig(a.cfg.Retry))
	return inference.NewEngine(a.store, a.led, client, a.bus, a.recorder, a.cfg)
}

// metricsStore picks the drift-metrics backend: Postgres when the ledger
// lives there too, in-memory otherwise.
func (a *app) metricsStore(ctx context.Context) (observe.MetricsStore, error) {
	if a.cfg.Ledger.Backend == config.LedgerPostgres {
		pg, err := observe.NewPostgresMetrics(ctx, a.cfg.Database.DSN())
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	return observe.NewMemMetrics(), nil
}

func (a *app) observer(ctx context.Context) (*observe.Observer, error) {
	ms, err := a.metricsStore(ctx)
	if err != nil {
		return nil, err
	}
	return observe.NewObserver(a.store, a.led, ms, a.bus, a.recorder, a.cfg), nil
}

// stagePipeline registers every stage and wraps execution in the standard
// middleware chain, outermost last.
func (a *app) stagePipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	obs, err := a.observer(ctx)
	if err != nil {
		return nil, err
	}

	registry := pipeline.NewRegistry()
	registry.Register(a.processor().Stage())
	for _, st := range a.trainingService().Stages() {
		registry.Register(st)
	}
	registry.Register(a.engine().Stage())
	registry.Register(obs.Stage())

	return pipeline.New(registry, pipeline.WithMiddleware(
		pipeline.RecoveryMiddleware(),
		pipeline.RetryMiddleware(retry.FromConfig(a.cfg.Retry), a.recorder),
		pipeline.MetricsMiddleware(a.recorder),
		pipeline.LoggingMiddleware(),
	)), nil
}

// recordEvent appends a run-lifecycle event to the event store when one is
// configured. Transcript failures are logged, never fatal to the run.
func (a *app) recordEvent(ctx context.Context, ev eventstore.Event, buildErr error) {
	if a.events == nil {
		return
	}
	if buildErr != nil {
		slog.Warn("Failed to build lifecycle event", logfields.Error(buildErr))
		return
	}
	if err := a.events.Append(ctx, ev.RunID(), ev.Type(), ev.Payload(), nil); err != nil {
		slog.Warn("Failed to record lifecycle event",
			slog.String("type", ev.Type()), logfields.Error(err))
	}
}

// recordStageEvents writes a StageCompleted or StageFailed event for every
// stage the plan actually reached.
func (a *app) recordStageEvents(ctx context.Context, runID string, result *pipeline.ExecutionResult) {
	if a.events == nil {
		return
	}
	for _, name := range result.Plan.Order {
		exec, ran := result.ExecutedStages[name]
		if !ran {
			continue
		}
		if exec.IsSuccess() {
			ev, err := eventstore.NewStageCompleted(runID, string(name), exec.Duration)
			a.recordEvent(ctx, ev, err)
		} else {
			ev, err := eventstore.NewStageFailed(runID, string(name), exec.Err)
			a.recordEvent(ctx, ev, err)
		}
	}
}

// runStages executes the named stages (plus their dependencies) under a
// fresh run state, leaving a run-lifecycle transcript in the event store.
func (a *app) runStages(ctx context.Context, runID, trigger string, forced bool, stages ...pipeline.StageName) error {
	pl, err := a.stagePipeline(ctx)
	if err != nil {
		return err
	}

	started, buildErr := eventstore.NewRunStarted(runID, trigger, forced)
	a.recordEvent(ctx, started, buildErr)

	rs := pipeline.NewRunState(runID, trigger, forced)
	result, err := pl.Execute(ctx, rs, stages...)
	if result != nil {
		a.recordStageEvents(ctx, runID, result)
	}
	if err != nil {
		failed, buildErr := eventstore.NewRunFailed(runID, "", err)
		a.recordEvent(ctx, failed, buildErr)
		return err
	}
	if !result.IsSuccess() {
		failedStages := result.FailedStages()
		stage := ""
		if len(failedStages) > 0 {
			stage = string(failedStages[0])
		}
		runErr := fmt.Errorf("run %s: stages failed: %v", runID, failedStages)
		failed, buildErr := eventstore.NewRunFailed(runID, stage, runErr)
		a.recordEvent(ctx, failed, buildErr)
		return runErr
	}

	_, _, artifacts := rs.Snapshot()
	completed, buildErr := eventstore.NewRunCompleted(runID, rs.NewItems, artifacts)
	a.recordEvent(ctx, completed, buildErr)

	slog.Info("Run completed",
		logfields.RunID(runID),
		slog.Int("new_items", rs.NewItems),
		slog.Int("skipped_items", rs.SkippedItems),
		slog.Any("stages", result.SuccessfulStages()))
	return nil
}

// machine builds the processing -> inference -> observe state machine over
// the function handlers, with the transition transcript in the event store
// when one is configured.
func (a *app) machine(ctx context.Context) (*statemachine.Machine, error) {
	obs, err := a.observer(ctx)
	if err != nil {
		return nil, err
	}

	states := statemachine.DefaultStates(
		server.ProcessingFunction(a.processor()),
		server.InferenceFunction(a.engine()),
		server.ObserveFunction(obs),
	)

	opts := []statemachine.Option{}
	if a.events != nil {
		opts = append(opts, statemachine.WithEventStore(a.events))
	}
	return statemachine.New(statemachine.StateProcessing, states, opts...)
}

// executeMachine drives the state machine to a terminal state and maps a
// failure-state landing to an error.
func (a *app) executeMachine(ctx context.Context, runID string, forced bool) error {
	m, err := a.machine(ctx)
	if err != nil {
		return err
	}

	started, buildErr := eventstore.NewRunStarted(runID, "machine", forced)
	a.recordEvent(ctx, started, buildErr)

	input := statemachine.OK(map[string]any{"run_id": runID, "forced": forced})
	result, err := m.Execute(ctx, runID, input)
	if err != nil {
		failed, buildErr := eventstore.NewRunFailed(runID, "", err)
		a.recordEvent(ctx, failed, buildErr)
		return err
	}
	if !result.Succeeded() {
		runErr := dwerrors.Wrap(
			fmt.Errorf("terminal state %s: %v", result.Terminal, result.Output.Body),
			dwerrors.CategoryRuntime, dwerrors.SeverityError, "pipeline run did not succeed")
		failed, buildErr := eventstore.NewRunFailed(runID, string(result.Terminal), runErr)
		a.recordEvent(ctx, failed, buildErr)
		return runErr
	}

	completed, buildErr := eventstore.NewRunCompleted(runID, 0, nil)
	a.recordEvent(ctx, completed, buildErr)

	slog.Info("Execution succeeded",
		logfields.RunID(runID),
		slog.Int("transitions", len(result.Transitions)))
	return nil
}
