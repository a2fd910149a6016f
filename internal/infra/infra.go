// Package infra prepares the infrastructure the training stack depends on:
// object-storage buckets, the .env file handed to the training containers,
// and a validated configuration.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/droughtwatch/droughtwatch/internal/config"
	dwerrors "github.com/droughtwatch/droughtwatch/internal/errors"
	"github.com/droughtwatch/droughtwatch/internal/observe"
	"github.com/droughtwatch/droughtwatch/internal/storage"
)

// Preparer provisions the training infrastructure described by the
// configuration. All operations are idempotent and safe to re-run.
type Preparer struct {
	store   storage.BlobStore
	metrics observe.MetricsStore // optional
	cfg     *config.Config
}

// NewPreparer returns a Preparer backed by the given blob store. metrics may
// be nil when no drift-metrics table needs provisioning.
func NewPreparer(store storage.BlobStore, metrics observe.MetricsStore, cfg *config.Config) *Preparer {
	return &Preparer{store: store, metrics: metrics, cfg: cfg}
}

// Prepare validates the configuration, ensures the data and model-registry
// buckets exist, creates the drift-metrics table, and assembles the .env
// file at envPath. An optional secretsPath is appended verbatim so
// credentials stay out of the config.
func (p *Preparer) Prepare(ctx context.Context, envPath, secretsPath string) error {
	if err := config.Validate(p.cfg); err != nil {
		return err
	}
	if err := p.EnsureBuckets(ctx); err != nil {
		return err
	}
	if p.metrics != nil {
		slog.Info("Ensuring drift-metrics table exists")
		if err := p.metrics.Prepare(ctx); err != nil {
			return dwerrors.DatabaseError("prepare metrics", err)
		}
	}
	return p.WriteEnvFile(envPath, secretsPath)
}

// EnsureBuckets creates the data and model-registry buckets when missing.
func (p *Preparer) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{p.cfg.Data.Bucket, p.cfg.Storage.RegistryBucket} {
		if bucket == "" {
			continue
		}
		slog.Info("Ensuring bucket exists", slog.String("bucket", bucket))
		if err := p.store.EnsureBucket(ctx, bucket); err != nil {
			return dwerrors.StorageError("ensure bucket", bucket, err)
		}
	}
	return nil
}

// WriteEnvFile assembles the .env file consumed by the training stack from
// the loaded configuration, then appends the secrets file when one is given.
func (p *Preparer) WriteEnvFile(envPath, secretsPath string) error {
	if err := os.MkdirAll(filepath.Dir(envPath), 0750); err != nil {
		return dwerrors.Wrap(err, dwerrors.CategoryConfig, dwerrors.SeverityFatal, "failed to create env directory")
	}

	if err := godotenv.Write(trainingEnv(p.cfg), envPath); err != nil {
		return dwerrors.Wrap(err, dwerrors.CategoryConfig, dwerrors.SeverityFatal, "failed to write env file")
	}

	if secretsPath != "" {
		if err := appendSecrets(envPath, secretsPath); err != nil {
			return err
		}
	}

	abs, err := filepath.Abs(envPath)
	if err != nil {
		abs = envPath
	}
	slog.Info("Assembled training env file", slog.String("path", abs))
	return nil
}

// trainingEnv flattens the pieces of configuration the training containers
// need into environment variables.
func trainingEnv(cfg *config.Config) map[string]string {
	env := map[string]string{
		"POSTGRES_HOST":       cfg.Database.Host,
		"POSTGRES_PORT":       strconv.Itoa(cfg.Database.Port),
		"POSTGRES_USER":       cfg.Database.User,
		"POSTGRES_PASSWORD":   cfg.Database.Password,
		"POSTGRES_DB":         cfg.Database.Name,
		"MLFLOW_TRACKING_URI": cfg.Tracking.URI,
		"S3_BUCKET_NAME":      cfg.Storage.RegistryBucket,
		"DATA_BUCKET_NAME":    cfg.Data.Bucket,
		"MODEL_SERVER_URL":    cfg.Serving.URL,
	}
	if cfg.Storage.Backend == config.StorageS3 {
		env["AWS_REGION"] = cfg.Storage.Region
		env["S3_ENDPOINT"] = cfg.Storage.Endpoint
		env["AWS_ACCESS_KEY_ID"] = cfg.Storage.AccessKey
		env["AWS_SECRET_ACCESS_KEY"] = cfg.Storage.SecretKey
	}
	return env
}

// appendSecrets concatenates the secrets file onto the assembled env file.
func appendSecrets(envPath, secretsPath string) error {
	secrets, err := os.ReadFile(secretsPath)
	if err != nil {
		return dwerrors.Wrap(err, dwerrors.CategoryConfig, dwerrors.SeverityFatal, "failed to read secrets file")
	}

	f, err := os.OpenFile(envPath, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return dwerrors.Wrap(err, dwerrors.CategoryConfig, dwerrors.SeverityFatal, "failed to open env file")
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "\n%s", secrets); err != nil {
		return dwerrors.Wrap(err, dwerrors.CategoryConfig, dwerrors.SeverityFatal, "failed to append secrets")
	}
	return nil
}
