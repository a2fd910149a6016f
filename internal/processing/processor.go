// Package processing implements the data-processing stage: new raw tiles are
// discovered in object storage, deduplicated against the ledger, enriched
// with derived spectral features, and re-uploaded as processed records.
package processing

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/droughtwatch/droughtwatch/internal/config"
	dwerrors "github.com/droughtwatch/droughtwatch/internal/errors"
	"github.com/droughtwatch/droughtwatch/internal/ledger"
	"github.com/droughtwatch/droughtwatch/internal/logfields"
	"github.com/droughtwatch/droughtwatch/internal/metrics"
	"github.com/droughtwatch/droughtwatch/internal/pipeline"
	"github.com/droughtwatch/droughtwatch/internal/record"
	"github.com/droughtwatch/droughtwatch/internal/storage"
)

// Artifact key prefixes written next to the raw tiles.
const (
	ProcessedPrefix   = "processed_"
	PredictionsPrefix = "predictions_"
)

// Processor runs the data-processing stage.
type Processor struct {
	store    storage.BlobStore
	led      ledger.Ledger
	bus      *pipeline.Bus // optional
	recorder metrics.Recorder

	bucket    string
	rawPrefix string
	keylist   []string
}

// NewProcessor creates a processor. bus may be nil when event publication is
// not wanted.
func NewProcessor(store storage.BlobStore, led ledger.Ledger, bus *pipeline.Bus, recorder metrics.Recorder, cfg *config.Config) *Processor {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Processor{
		store:     store,
		led:       led,
		bus:       bus,
		recorder:  recorder,
		bucket:    cfg.Data.Bucket,
		rawPrefix: cfg.Data.RawPrefix,
		keylist:   effectiveKeylist(cfg.Features),
	}
}

// effectiveKeylist appends the derived spectral indices to the configured
// band selection when derive_indices is set.
func effectiveKeylist(features config.FeaturesConfig) []string {
	keylist := append([]string(nil), features.Keylist...)
	if !features.DeriveIndices {
		return keylist
	}
	for _, name := range []string{record.BandNDVI, record.BandNDMI} {
		present := false
		for _, have := range keylist {
			if have == name {
				present = true
				break
			}
		}
		if !present {
			keylist = append(keylist, name)
		}
	}
	return keylist
}

// Result summarizes one processing batch.
type Result struct {
	NewItems       int
	SkippedItems   int
	FailedItems    int
	ProcessedPaths []string
	ItemErrors     []error
}

// ListRawKeys returns the raw tile keys under the configured prefix,
// excluding processed and prediction artifacts.
func (p *Processor) ListRawKeys(ctx context.Context) ([]string, error) {
	infos, err := p.store.List(ctx, p.bucket, p.rawPrefix)
	if err != nil {
		return nil, dwerrors.StorageError("list", p.rawPrefix, err)
	}

	var keys []string
	for _, info := range infos {
		base := path.Base(info.Key)
		if strings.HasPrefix(base, ProcessedPrefix) || strings.HasPrefix(base, PredictionsPrefix) {
			continue
		}
		keys = append(keys, info.Key)
	}
	return keys, nil
}

// ProcessedKeyFor returns the processed artifact key for a raw key, placed
// next to it.
func ProcessedKeyFor(rawKey string) string {
	dir := path.Dir(rawKey)
	if dir == "." {
		return ProcessedPrefix + path.Base(rawKey)
	}
	return dir + "/" + ProcessedPrefix + path.Base(rawKey)
}

// PredictionsKeyFor returns the predictions artifact key for a processed
// artifact key.
func PredictionsKeyFor(processedKey string) string {
	dir := path.Dir(processedKey)
	base := strings.TrimPrefix(path.Base(processedKey), ProcessedPrefix)
	if dir == "." {
		return PredictionsPrefix + base
	}
	return dir + "/" + PredictionsPrefix + base
}

// ProcessNew handles every raw tile not yet recorded in the ledger. The
// batch is checksummed first and reconciled against the ledger in one pass;
// only the reconciled items are transformed. One failing item does not abort
// the batch; its error is collected and the remaining items proceed.
// Cancellation is honored between items.
func (p *Processor) ProcessNew(ctx context.Context, runID string, forced bool) (*Result, error) {
	keys, err := p.ListRawKeys(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	payloads := make(map[string][]byte, len(keys))
	items := make([]ledger.Item, 0, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		data, err := p.store.Get(ctx, p.bucket, key)
		if err != nil {
			result.FailedItems++
			result.ItemErrors = append(result.ItemErrors, dwerrors.StorageError("get", key, err))
			slog.Error("Failed to fetch raw tile",
				logfields.RunID(runID),
				logfields.Key(key),
				logfields.Error(err))
			continue
		}
		payloads[key] = data
		items = append(items, ledger.Item{RawPath: key, Checksum: ledger.ChecksumBytes(data)})
	}

	fresh, err := ledger.Reconcile(ctx, p.led, items, forced)
	if err != nil {
		return result, dwerrors.DatabaseError("reconcile", err)
	}

	freshSet := make(map[string]bool, len(fresh))
	for _, it := range fresh {
		freshSet[it.RawPath] = true
	}
	if !forced {
		for _, it := range items {
			known := !freshSet[it.RawPath]
			p.recorder.IncLedgerLookup(known)
			if known {
				result.SkippedItems++
				slog.Debug("Skipping known tile", logfields.Key(it.RawPath), logfields.Checksum(it.Checksum))
			}
		}
	}

	p.publish(pipeline.NewProcessingStarted(runID, len(fresh)))

	for _, it := range fresh {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		processedPath, err := p.processItem(ctx, runID, it, payloads[it.RawPath])
		if err != nil {
			result.FailedItems++
			result.ItemErrors = append(result.ItemErrors, err)
			slog.Error("Failed to process raw tile",
				logfields.RunID(runID),
				logfields.Key(it.RawPath),
				logfields.Error(err))
			continue
		}
		result.NewItems++
		result.ProcessedPaths = append(result.ProcessedPaths, processedPath)
	}

	p.publish(pipeline.NewProcessingCompleted(runID, result.NewItems, result.SkippedItems, result.FailedItems))
	slog.Info("Processing batch finished",
		logfields.RunID(runID),
		slog.Int("new", result.NewItems),
		slog.Int("skipped", result.SkippedItems),
		slog.Int("failed", result.FailedItems))
	return result, nil
}

// processItem transforms one reconciled tile, uploads the processed artifact,
// and records it in the ledger.
func (p *Processor) processItem(ctx context.Context, runID string, it ledger.Item, data []byte) (string, error) {
	encoded, count, err := p.transform(data)
	if err != nil {
		return "", dwerrors.ProcessingError(it.RawPath, err)
	}

	processedPath := ProcessedKeyFor(it.RawPath)
	if err := p.store.Put(ctx, p.bucket, processedPath, encoded); err != nil {
		return "", dwerrors.StorageError("put", processedPath, err)
	}

	if err := p.led.MarkProcessed(ctx, ledger.Entry{
		Checksum:      it.Checksum,
		RawPath:       it.RawPath,
		ProcessedPath: processedPath,
	}); err != nil {
		return "", dwerrors.DatabaseError("mark processed", err)
	}

	p.recorder.AddRecordsProcessed(string(pipeline.StageProcess), count)
	p.publish(pipeline.NewItemProcessed(runID, it.RawPath, processedPath, it.Checksum))
	slog.Info("Processed raw tile",
		logfields.RunID(runID),
		logfields.Key(it.RawPath),
		logfields.Records(count))
	return processedPath, nil
}

// transform decodes raw records, applies the keylist with derived features,
// and encodes the processed stream.
func (p *Processor) transform(raw []byte) ([]byte, int, error) {
	reader := record.NewReader(bytes.NewReader(raw))
	reader.Strict = false

	var buf bytes.Buffer
	writer := record.NewWriter(&buf)

	records, err := reader.ReadAll()
	if err != nil {
		return nil, 0, fmt.Errorf("decode raw records: %w", err)
	}
	if reader.Skipped() > 0 {
		slog.Warn("Skipped corrupt frames in raw tile", slog.Int("frames", reader.Skipped()))
	}

	for _, rec := range records {
		processed, err := record.Process(rec, p.keylist)
		if err != nil {
			return nil, 0, err
		}
		if err := writer.Append(processed); err != nil {
			return nil, 0, err
		}
	}
	if err := writer.Flush(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), len(records), nil
}

// Stage adapts the processor to the pipeline.
func (p *Processor) Stage() pipeline.Stage {
	return pipeline.StageFunc{
		StageName: pipeline.StageProcess,
		Fn: func(ctx context.Context, rs *pipeline.RunState) pipeline.StageExecution {
			result, err := p.ProcessNew(ctx, rs.RunID, rs.Forced)
			if err != nil {
				return pipeline.ExecutionFailure(err)
			}
			for _, path := range result.ProcessedPaths {
				rs.RecordProcessed(path)
			}
			for i := 0; i < result.SkippedItems; i++ {
				rs.RecordSkipped()
			}
			if result.FailedItems > 0 {
				return pipeline.ExecutionFailure(fmt.Errorf("%d of %d items failed: %w",
					result.FailedItems, result.FailedItems+result.NewItems+result.SkippedItems, result.ItemErrors[0]))
			}
			return pipeline.ExecutionSuccess()
		},
	}
}

func (p *Processor) publish(e pipeline.Event) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(e); err != nil {
		slog.Warn("Event handler failed", slog.String("event", e.Name()), logfields.Error(err))
	}
}
