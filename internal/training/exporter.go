package training

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/droughtwatch/droughtwatch/internal/config"
	dwerrors "github.com/droughtwatch/droughtwatch/internal/errors"
	"github.com/droughtwatch/droughtwatch/internal/logfields"
	"github.com/droughtwatch/droughtwatch/internal/storage"
	"github.com/droughtwatch/droughtwatch/internal/tracking"
)

// Exporter uploads a trained model and its resolved configuration to the
// model-registry bucket and optionally registers the version with the
// tracker.
type Exporter struct {
	store   storage.BlobStore
	tracker tracking.Tracker
	cfg     *config.Config
}

// NewExporter creates an exporter over the registry bucket.
func NewExporter(store storage.BlobStore, tracker tracking.Tracker, cfg *config.Config) *Exporter {
	if tracker == nil {
		tracker = tracking.Noop{}
	}
	return &Exporter{store: store, tracker: tracker, cfg: cfg}
}

// ExportResult names the uploaded artifacts.
type ExportResult struct {
	ModelKey  string
	ConfigKey string
	Version   string
}

// Export uploads the model artifact and config.yaml under <model-name>/ in
// the registry bucket. trackingRunID links the registered version to its
// tracking run; it may be empty.
func (e *Exporter) Export(ctx context.Context, report *Report, trackingRunID string) (*ExportResult, error) {
	bucket := e.cfg.Storage.RegistryBucket
	if err := e.store.EnsureBucket(ctx, bucket); err != nil {
		return nil, dwerrors.StorageError("ensure bucket", bucket, err)
	}

	modelKey := e.cfg.Model.Name + "/" + filepath.Base(report.ModelPath)
	artifact, err := os.ReadFile(report.ModelPath)
	if err != nil {
		return nil, dwerrors.TrainingError(err).WithContext("model_path", report.ModelPath)
	}
	if err := e.store.Put(ctx, bucket, modelKey, artifact); err != nil {
		return nil, dwerrors.StorageError("put", modelKey, err)
	}

	configKey := e.cfg.Model.Name + "/config.yaml"
	resolved, err := yaml.Marshal(e.cfg)
	if err != nil {
		return nil, dwerrors.InternalError("failed to marshal resolved config", err)
	}
	if err := e.store.Put(ctx, bucket, configKey, resolved); err != nil {
		return nil, dwerrors.StorageError("put", configKey, err)
	}

	result := &ExportResult{ModelKey: modelKey, ConfigKey: configKey}

	if e.cfg.Model.Register {
		source := bucket + "/" + modelKey
		version, err := e.tracker.RegisterModel(ctx, e.cfg.Model.Name, source, trackingRunID)
		if err != nil {
			return nil, err
		}
		result.Version = version
	}

	slog.Info("Exported model",
		logfields.Model(e.cfg.Model.Name),
		logfields.Bucket(bucket),
		logfields.Key(modelKey),
		slog.String("version", result.Version))
	return result, nil
}
