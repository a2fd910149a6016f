package observe

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/droughtwatch/droughtwatch/internal/config"
	dwerrors "github.com/droughtwatch/droughtwatch/internal/errors"
	"github.com/droughtwatch/droughtwatch/internal/inference"
	"github.com/droughtwatch/droughtwatch/internal/ledger"
	"github.com/droughtwatch/droughtwatch/internal/logfields"
	"github.com/droughtwatch/droughtwatch/internal/metrics"
	"github.com/droughtwatch/droughtwatch/internal/pipeline"
	"github.com/droughtwatch/droughtwatch/internal/record"
	"github.com/droughtwatch/droughtwatch/internal/storage"
)

// Observer runs the observability stage: every predicted-but-unobserved
// artifact gets a drift report against the reference predictions.
type Observer struct {
	store    storage.BlobStore
	led      ledger.Ledger
	metrics  MetricsStore
	bus      *pipeline.Bus // optional
	recorder metrics.Recorder

	bucket        string
	referencePath string
}

// NewObserver creates an observer. bus may be nil.
func NewObserver(store storage.BlobStore, led ledger.Ledger, ms MetricsStore, bus *pipeline.Bus, recorder metrics.Recorder, cfg *config.Config) *Observer {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Observer{
		store:         store,
		led:           led,
		metrics:       ms,
		bus:           bus,
		recorder:      recorder,
		bucket:        cfg.Data.Bucket,
		referencePath: cfg.Data.ReferencePath,
	}
}

// Result summarizes one observation batch.
type Result struct {
	ObservedItems int
	FailedItems   int
	Reports       []Report
	ItemErrors    []error
}

// ObserveNew reports drift for every predictions artifact not yet in the
// metrics table. The table is created on first use, so a fresh database
// works without manual setup. One failing item does not abort the batch.
func (o *Observer) ObserveNew(ctx context.Context, runID string) (*Result, error) {
	if err := o.metrics.Prepare(ctx); err != nil {
		return nil, err
	}

	entries, err := o.led.Snapshot(ctx)
	if err != nil {
		return nil, dwerrors.DatabaseError("snapshot", err)
	}
	observed, err := o.metrics.ObservedPaths(ctx)
	if err != nil {
		return nil, err
	}
	pending := ledger.Unobserved(entries, observed)

	reference, err := o.loadReference(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, entry := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		report, err := o.observeItem(ctx, runID, entry.PredictionsPath, reference)
		if err != nil {
			result.FailedItems++
			result.ItemErrors = append(result.ItemErrors, err)
			slog.Error("Failed to observe predictions",
				logfields.RunID(runID),
				logfields.Key(entry.PredictionsPath),
				logfields.Error(err))
			continue
		}
		result.ObservedItems++
		result.Reports = append(result.Reports, *report)
	}

	slog.Info("Observation batch finished",
		logfields.RunID(runID),
		slog.Int("observed", result.ObservedItems),
		slog.Int("failed", result.FailedItems))
	return result, nil
}

// observeItem computes and persists one drift report.
func (o *Observer) observeItem(ctx context.Context, runID, predictionsPath string, reference []inference.Line) (*Report, error) {
	current, err := o.loadLines(ctx, predictionsPath)
	if err != nil {
		return nil, err
	}

	report, err := Compute(predictionsPath, current, reference)
	if err != nil {
		return nil, dwerrors.Wrap(err, dwerrors.CategoryObserve, dwerrors.SeverityError, "drift computation failed").
			WithContext("key", predictionsPath)
	}
	if err := o.metrics.Insert(ctx, *report); err != nil {
		return nil, err
	}

	o.recorder.SetDriftScore(report.PredictionDrift)
	for class := 0; class < record.NumClasses; class++ {
		o.recorder.SetClassFraction(strconv.Itoa(class), report.ClassFractions[class])
	}

	o.publish(pipeline.NewDriftReported(runID, predictionsPath, report.PredictionDrift))
	slog.Info("Recorded drift report",
		logfields.RunID(runID),
		logfields.Key(predictionsPath),
		slog.Float64("drift", report.PredictionDrift),
		slog.Float64("share_missing", report.ShareMissingValues))
	return report, nil
}

// loadReference fetches the reference predictions; an unconfigured reference
// disables drift scoring but not the rest of the report.
func (o *Observer) loadReference(ctx context.Context) ([]inference.Line, error) {
	if o.referencePath == "" {
		return nil, nil
	}
	lines, err := o.loadLines(ctx, o.referencePath)
	if err != nil {
		return nil, fmt.Errorf("reference predictions: %w", err)
	}
	return lines, nil
}

func (o *Observer) loadLines(ctx context.Context, key string) ([]inference.Line, error) {
	data, err := o.store.Get(ctx, o.bucket, key)
	if err != nil {
		return nil, dwerrors.StorageError("get", key, err)
	}
	lines, err := inference.DecodeLines(bytes.NewReader(data))
	if err != nil {
		return nil, dwerrors.Wrap(err, dwerrors.CategoryObserve, dwerrors.SeverityError, "unreadable predictions artifact").
			WithContext("key", key)
	}
	return lines, nil
}

// Stage adapts the observer to the pipeline.
func (o *Observer) Stage() pipeline.Stage {
	return pipeline.StageFunc{
		StageName: pipeline.StageObserve,
		Deps:      []pipeline.StageName{pipeline.StageInfer},
		Fn: func(ctx context.Context, rs *pipeline.RunState) pipeline.StageExecution {
			result, err := o.ObserveNew(ctx, rs.RunID)
			if err != nil {
				return pipeline.ExecutionFailure(err)
			}
			if result.FailedItems > 0 {
				return pipeline.ExecutionFailure(fmt.Errorf("%d of %d items failed: %w",
					result.FailedItems, result.FailedItems+result.ObservedItems, result.ItemErrors[0]))
			}
			return pipeline.ExecutionSuccess()
		},
	}
}

func (o *Observer) publish(e pipeline.Event) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(e); err != nil {
		slog.Warn("Event handler failed", slog.String("event", e.Name()), logfields.Error(err))
	}
}
