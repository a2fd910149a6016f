package inference

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/droughtwatch/droughtwatch/internal/config"
	dwerrors "github.com/droughtwatch/droughtwatch/internal/errors"
	"github.com/droughtwatch/droughtwatch/internal/ledger"
	"github.com/droughtwatch/droughtwatch/internal/logfields"
	"github.com/droughtwatch/droughtwatch/internal/metrics"
	"github.com/droughtwatch/droughtwatch/internal/pipeline"
	"github.com/droughtwatch/droughtwatch/internal/processing"
	"github.com/droughtwatch/droughtwatch/internal/record"
	"github.com/droughtwatch/droughtwatch/internal/storage"
)

// Engine runs the inference stage: every processed-but-unpredicted artifact
// is scored and its predictions file uploaded next to the raw tile.
type Engine struct {
	store     storage.BlobStore
	led       ledger.Ledger
	predictor Predictor
	bus       *pipeline.Bus // optional
	recorder  metrics.Recorder

	bucket string
}

// NewEngine creates an inference engine. bus may be nil.
func NewEngine(store storage.BlobStore, led ledger.Ledger, predictor Predictor, bus *pipeline.Bus, recorder metrics.Recorder, cfg *config.Config) *Engine {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Engine{
		store:     store,
		led:       led,
		predictor: predictor,
		bus:       bus,
		recorder:  recorder,
		bucket:    cfg.Data.Bucket,
	}
}

// Result summarizes one inference batch.
type Result struct {
	PredictedItems   int
	FailedItems      int
	Records          int
	PredictionsPaths []string
	ItemErrors       []error
}

// PredictNew scores every ledger entry awaiting predictions. One failing
// item does not abort the batch. Cancellation is honored between items.
func (e *Engine) PredictNew(ctx context.Context, runID string) (*Result, error) {
	entries, err := e.led.Unpredicted(ctx)
	if err != nil {
		return nil, dwerrors.DatabaseError("unpredicted", err)
	}

	result := &Result{}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		predictionsPath, records, err := e.predictItem(ctx, runID, entry)
		if err != nil {
			result.FailedItems++
			result.ItemErrors = append(result.ItemErrors, err)
			slog.Error("Failed to score processed tile",
				logfields.RunID(runID),
				logfields.Key(entry.ProcessedPath),
				logfields.Error(err))
			continue
		}
		result.PredictedItems++
		result.Records += records
		result.PredictionsPaths = append(result.PredictionsPaths, predictionsPath)
	}

	slog.Info("Inference batch finished",
		logfields.RunID(runID),
		slog.Int("predicted", result.PredictedItems),
		slog.Int("failed", result.FailedItems),
		logfields.Records(result.Records))
	return result, nil
}

// predictItem scores one processed artifact and uploads its predictions.
func (e *Engine) predictItem(ctx context.Context, runID string, entry ledger.Entry) (string, int, error) {
	data, err := e.store.Get(ctx, e.bucket, entry.ProcessedPath)
	if err != nil {
		return "", 0, dwerrors.StorageError("get", entry.ProcessedPath, err)
	}

	records, err := record.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return "", 0, dwerrors.InferenceError(entry.ProcessedPath, fmt.Errorf("decode processed records: %w", err))
	}

	recs := make([]record.Record, len(records))
	for i, r := range records {
		recs[i] = *r
	}
	preds, err := e.predictor.Predict(ctx, recs)
	if err != nil {
		return "", 0, err
	}
	if len(preds) != len(records) {
		return "", 0, dwerrors.InferenceError(entry.ProcessedPath,
			fmt.Errorf("predictor returned %d predictions for %d records", len(preds), len(records)))
	}

	body, err := MarshalLines(preds)
	if err != nil {
		return "", 0, dwerrors.InferenceError(entry.ProcessedPath, err)
	}

	predictionsPath := processing.PredictionsKeyFor(entry.ProcessedPath)
	if err := e.store.Put(ctx, e.bucket, predictionsPath, body); err != nil {
		return "", 0, dwerrors.StorageError("put", predictionsPath, err)
	}
	if err := e.led.MarkPredicted(ctx, entry.Checksum, predictionsPath); err != nil {
		return "", 0, dwerrors.DatabaseError("mark predicted", err)
	}

	e.recorder.AddRecordsProcessed(string(pipeline.StageInfer), len(records))
	e.publish(pipeline.NewInferenceCompleted(runID, entry.ProcessedPath, predictionsPath, len(records)))
	slog.Info("Scored processed tile",
		logfields.RunID(runID),
		logfields.Key(entry.ProcessedPath),
		logfields.Records(len(records)))
	return predictionsPath, len(records), nil
}

// Stage adapts the engine to the pipeline.
func (e *Engine) Stage() pipeline.Stage {
	return pipeline.StageFunc{
		StageName: pipeline.StageInfer,
		Deps:      []pipeline.StageName{pipeline.StageProcess},
		Fn: func(ctx context.Context, rs *pipeline.RunState) pipeline.StageExecution {
			result, err := e.PredictNew(ctx, rs.RunID)
			if err != nil {
				return pipeline.ExecutionFailure(err)
			}
			for _, path := range result.PredictionsPaths {
				rs.RecordPredictions(path)
			}
			if result.FailedItems > 0 {
				return pipeline.ExecutionFailure(fmt.Errorf("%d of %d items failed: %w",
					result.FailedItems, result.FailedItems+result.PredictedItems, result.ItemErrors[0]))
			}
			return pipeline.ExecutionSuccess()
		},
	}
}

func (e *Engine) publish(ev pipeline.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ev); err != nil {
		slog.Warn("Event handler failed", slog.String("event", ev.Name()), logfields.Error(err))
	}
}
