package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("data:\n  bucket: my-data\n"))
	require.NoError(t, err)

	assert.Equal(t, "my-data", cfg.Data.Bucket)
	assert.Equal(t, DefaultRawPrefix, cfg.Data.RawPrefix)
	assert.Equal(t, DefaultKeylist(), cfg.Features.Keylist)
	assert.Equal(t, DefaultModelName, cfg.Model.Name)
	assert.Equal(t, DefaultEpochs, cfg.Model.Epochs)
	assert.Equal(t, TrackingNoop, cfg.Tracking.Style)
	assert.Equal(t, StorageFS, cfg.Storage.Backend)
	assert.Equal(t, LedgerJSON, cfg.Ledger.Backend)
	assert.Equal(t, string(RetryBackoffExponential), cfg.Retry.Backoff)
	assert.Equal(t, time.Second, cfg.Retry.Initial)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, DefaultWorkers, cfg.Daemon.Workers)
	assert.Equal(t, DefaultMaxRunHistory, cfg.Daemon.MaxRunHistory)
}

func TestParseNormalizesEnums(t *testing.T) {
	raw := `
features:
  keylist: [b2, " b3", NDVI]
tracking:
  style: NOOP
storage:
  backend: FS
retry:
  backoff: Exponential
data:
  raw_prefix: incoming
`
	cfg, err := Parse([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, []string{"B2", "B3", "NDVI"}, cfg.Features.Keylist)
	assert.Equal(t, TrackingNoop, cfg.Tracking.Style)
	assert.Equal(t, StorageFS, cfg.Storage.Backend)
	assert.Equal(t, "exponential", cfg.Retry.Backoff)
	assert.Equal(t, "incoming/", cfg.Data.RawPrefix)
}

func TestParseExpandsEnvVars(t *testing.T) {
	t.Setenv("DW_TEST_SECRET", "hunter2")

	cfg, err := Parse([]byte("database:\n  host: db\n  user: dw\n  password: ${DW_TEST_SECRET}\nledger:\n  backend: postgres\n"))
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.Database.Password)
}

func TestValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"bad tracking style", "tracking:\n  style: wandb\n", "tracking.style"},
		{"mlflow requires uri", "tracking:\n  style: mlflow\n", "tracking.uri"},
		{"bad storage backend", "storage:\n  backend: gcs\n", "storage.backend"},
		{"s3 requires endpoint", "storage:\n  backend: s3\n", "storage.endpoint"},
		{"postgres ledger requires host", "ledger:\n  backend: postgres\n", "database.host"},
		{"bad backoff", "retry:\n  backoff: quadratic\n", "retry.backoff"},
		{"negative epochs", "model:\n  epochs: -1\n", "model.epochs"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "dw", Password: "pw", Name: "droughtwatch", SSLMode: "disable"}
	assert.Equal(t, "postgres://dw:pw@db:5432/droughtwatch?sslmode=disable", d.DSN())
}

func TestInitRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	require.NoError(t, Init(path, false))
	require.Error(t, Init(path, false))
	require.NoError(t, Init(path, true))

	// The starter config must itself parse cleanly.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("POSTGRES_PASSWORD", "test")
	_, err = Parse(data)
	require.NoError(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
