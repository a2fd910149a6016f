package training

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/droughtwatch/droughtwatch/internal/config"
	"github.com/droughtwatch/droughtwatch/internal/logfields"
	"github.com/droughtwatch/droughtwatch/internal/pipeline"
	"github.com/droughtwatch/droughtwatch/internal/storage"
	"github.com/droughtwatch/droughtwatch/internal/tracking"
)

// Service orchestrates the training leg of the pipeline: dataset assembly,
// trainer invocation with experiment tracking, and model export.
type Service struct {
	assembler *Assembler
	trainer   *Trainer
	exporter  *Exporter
	tracker   tracking.Tracker
	bus       *pipeline.Bus // optional
	cfg       *config.Config

	mu   sync.Mutex
	runs map[string]*runContext // pipeline run ID -> training state
}

// runContext carries intermediate results between the training stages of one
// pipeline run.
type runContext struct {
	dataset       *Dataset
	report        *Report
	trackingRunID string
	runName       string
	outputDir     string // trainer artifacts, removed once the export lands
}

// NewService wires the training components.
func NewService(store storage.BlobStore, tracker tracking.Tracker, bus *pipeline.Bus, cfg *config.Config) *Service {
	if tracker == nil {
		tracker = tracking.Noop{}
	}
	return &Service{
		assembler: NewAssembler(store, cfg.Data.Bucket, cfg.Data.TrainPrefix, cfg.Data.ValPrefix),
		trainer:   NewTrainer(cfg),
		exporter:  NewExporter(store, tracker, cfg),
		tracker:   tracker,
		bus:       bus,
		cfg:       cfg,
		runs:      make(map[string]*runContext),
	}
}

// Train runs the whole training leg for one pipeline run and returns the
// export result.
func (s *Service) Train(ctx context.Context, runID string) (*ExportResult, error) {
	if _, err := s.assemble(ctx, runID); err != nil {
		return nil, err
	}
	if _, err := s.fit(ctx, runID); err != nil {
		return nil, err
	}
	return s.export(ctx, runID)
}

// assemble builds the dataset for this run.
func (s *Service) assemble(ctx context.Context, runID string) (*Dataset, error) {
	ds, err := s.assembler.Assemble(ctx)
	if err != nil {
		return nil, err
	}
	slog.Info("Assembled dataset",
		logfields.RunID(runID),
		slog.Int("train_shards", len(ds.TrainKeys)),
		slog.Int("val_shards", len(ds.ValKeys)))

	s.mu.Lock()
	s.runs[runID] = &runContext{dataset: ds}
	s.mu.Unlock()
	return ds, nil
}

// fit invokes the trainer under a tracking run.
func (s *Service) fit(ctx context.Context, runID string) (*Report, error) {
	rc := s.run(runID)
	if rc == nil || rc.dataset == nil {
		return nil, fmt.Errorf("no dataset assembled for run %s", runID)
	}

	runName := tracking.RunName(s.cfg.Model.Name)
	trackingRunID, err := s.tracker.StartRun(ctx, runName)
	if err != nil {
		return nil, err
	}
	s.publish(pipeline.NewTrainingStarted(runID, s.cfg.Model.Name, runName))

	s.logParams(ctx, trackingRunID)

	outputDir, err := os.MkdirTemp("", "droughtwatch-train-*")
	if err != nil {
		_ = s.tracker.EndRun(ctx, trackingRunID, "FAILED")
		return nil, err
	}

	report, err := s.trainer.Invoke(ctx, runName, rc.dataset, outputDir)
	if err != nil {
		_ = os.RemoveAll(outputDir)
		_ = s.tracker.EndRun(ctx, trackingRunID, "FAILED")
		return nil, err
	}

	for key, value := range report.Metrics {
		if logErr := s.tracker.LogMetric(ctx, trackingRunID, key, value, int64(s.cfg.Model.Epochs)); logErr != nil {
			slog.Warn("Failed to log metric", slog.String("metric", key), logfields.Error(logErr))
		}
	}
	if err := s.tracker.EndRun(ctx, trackingRunID, "FINISHED"); err != nil {
		slog.Warn("Failed to end tracking run", logfields.Error(err))
	}

	s.mu.Lock()
	rc.report = report
	rc.trackingRunID = trackingRunID
	rc.runName = runName
	rc.outputDir = outputDir
	s.mu.Unlock()
	return report, nil
}

// export uploads and registers the trained model.
func (s *Service) export(ctx context.Context, runID string) (*ExportResult, error) {
	rc := s.run(runID)
	if rc == nil || rc.report == nil {
		return nil, fmt.Errorf("no trained model for run %s", runID)
	}

	result, err := s.exporter.Export(ctx, rc.report, rc.trackingRunID)
	if err != nil {
		return nil, err
	}
	s.publish(pipeline.NewModelRegistered(runID, s.cfg.Model.Name, result.Version,
		s.cfg.Storage.RegistryBucket+"/"+result.ModelKey))

	// The uploaded model is the source of truth now; the local trainer
	// output is no longer needed.
	if rc.outputDir != "" {
		if rmErr := os.RemoveAll(rc.outputDir); rmErr != nil {
			slog.Warn("Failed to remove trainer output dir",
				slog.String("dir", rc.outputDir), logfields.Error(rmErr))
		}
	}

	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()
	return result, nil
}

func (s *Service) logParams(ctx context.Context, trackingRunID string) {
	params := map[string]string{
		"model":         s.cfg.Model.Name,
		"epochs":        strconv.Itoa(s.cfg.Model.Epochs),
		"batch_size":    strconv.Itoa(s.cfg.Model.BatchSize),
		"learning_rate": strconv.FormatFloat(s.cfg.Model.LearningRate, 'g', -1, 64),
		"keylist":       fmt.Sprintf("%v", s.cfg.Features.Keylist),
	}
	for key, value := range params {
		if err := s.tracker.LogParam(ctx, trackingRunID, key, value); err != nil {
			slog.Warn("Failed to log parameter", slog.String("param", key), logfields.Error(err))
		}
	}
}

func (s *Service) run(runID string) *runContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[runID]
}

func (s *Service) publish(e pipeline.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(e); err != nil {
		slog.Warn("Event handler failed", slog.String("event", e.Name()), logfields.Error(err))
	}
}

// Stages returns the training stages for pipeline registration. They depend
// on each other in order and on the processing stage for fresh data.
func (s *Service) Stages() []pipeline.Stage {
	return []pipeline.Stage{
		pipeline.StageFunc{
			StageName: pipeline.StageAssemble,
			Deps:      []pipeline.StageName{pipeline.StageProcess},
			Fn: func(ctx context.Context, rs *pipeline.RunState) pipeline.StageExecution {
				if _, err := s.assemble(ctx, rs.RunID); err != nil {
					return pipeline.ExecutionFailure(err)
				}
				return pipeline.ExecutionSuccess()
			},
		},
		pipeline.StageFunc{
			StageName: pipeline.StageTrain,
			Deps:      []pipeline.StageName{pipeline.StageAssemble},
			Fn: func(ctx context.Context, rs *pipeline.RunState) pipeline.StageExecution {
				if _, err := s.fit(ctx, rs.RunID); err != nil {
					return pipeline.ExecutionFailure(err)
				}
				return pipeline.ExecutionSuccess()
			},
		},
		pipeline.StageFunc{
			StageName: pipeline.StageExport,
			Deps:      []pipeline.StageName{pipeline.StageTrain},
			Fn: func(ctx context.Context, rs *pipeline.RunState) pipeline.StageExecution {
				result, err := s.export(ctx, rs.RunID)
				if err != nil {
					return pipeline.ExecutionFailure(err)
				}
				rs.SetArtifact("model", s.cfg.Storage.RegistryBucket+"/"+result.ModelKey)
				rs.SetArtifact("model_config", s.cfg.Storage.RegistryBucket+"/"+result.ConfigKey)
				return pipeline.ExecutionSuccess()
			},
		},
	}
}
