package training

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droughtwatch/droughtwatch/internal/config"
	"github.com/droughtwatch/droughtwatch/internal/storage"
)

// recordingTracker captures tracker calls for assertions.
type recordingTracker struct {
	registered []string // "<name> <source> <runID>"
	params     map[string]string
	metrics    map[string]float64
	ended      []string
}

func newRecordingTracker() *recordingTracker {
	return &recordingTracker{params: map[string]string{}, metrics: map[string]float64{}}
}

func (r *recordingTracker) StartRun(_ context.Context, runName string) (string, error) {
	return "run-" + runName, nil
}

func (r *recordingTracker) LogParam(_ context.Context, _, key, value string) error {
	r.params[key] = value
	return nil
}

func (r *recordingTracker) LogMetric(_ context.Context, _, key string, value float64, _ int64) error {
	r.metrics[key] = value
	return nil
}

func (r *recordingTracker) RegisterModel(_ context.Context, name, source, runID string) (string, error) {
	r.registered = append(r.registered, name+" "+source+" "+runID)
	return "3", nil
}

func (r *recordingTracker) EndRun(_ context.Context, _, status string) error {
	r.ended = append(r.ended, status)
	return nil
}

func writeModelArtifact(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.keras")
	require.NoError(t, os.WriteFile(path, []byte("weights"), 0o644))
	return path
}

func exporterTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Model.Name = "baseline"
	cfg.Model.Register = true
	cfg.Storage.RegistryBucket = "models"
	return cfg
}

func TestExportUploadsArtifactsAndRegisters(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	tracker := newRecordingTracker()
	cfg := exporterTestConfig()

	report := &Report{ModelPath: writeModelArtifact(t), ValAccuracy: 0.77}
	result, err := NewExporter(store, tracker, cfg).Export(ctx, report, "run-42")
	require.NoError(t, err)

	assert.Equal(t, "baseline/model.keras", result.ModelKey)
	assert.Equal(t, "baseline/config.yaml", result.ConfigKey)
	assert.Equal(t, "3", result.Version)

	artifact, err := store.Get(ctx, "models", "baseline/model.keras")
	require.NoError(t, err)
	assert.Equal(t, []byte("weights"), artifact)

	resolved, err := store.Get(ctx, "models", "baseline/config.yaml")
	require.NoError(t, err)
	assert.Contains(t, string(resolved), "baseline")

	require.Len(t, tracker.registered, 1)
	assert.Equal(t, "baseline models/baseline/model.keras run-42", tracker.registered[0])
}

func TestExportSkipsRegistrationWhenDisabled(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	tracker := newRecordingTracker()
	cfg := exporterTestConfig()
	cfg.Model.Register = false

	report := &Report{ModelPath: writeModelArtifact(t)}
	result, err := NewExporter(store, tracker, cfg).Export(ctx, report, "")
	require.NoError(t, err)

	assert.Empty(t, result.Version)
	assert.Empty(t, tracker.registered)
}

func TestExportFailsWhenArtifactUnreadable(t *testing.T) {
	store := storage.NewMemStore()
	cfg := exporterTestConfig()

	report := &Report{ModelPath: filepath.Join(t.TempDir(), "gone.keras")}
	_, err := NewExporter(store, nil, cfg).Export(context.Background(), report, "")
	require.Error(t, err)
}
