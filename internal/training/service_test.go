package training

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droughtwatch/droughtwatch/internal/config"
	"github.com/droughtwatch/droughtwatch/internal/pipeline"
	"github.com/droughtwatch/droughtwatch/internal/storage"
)

func serviceTestConfig(t *testing.T) *config.Config {
	bin := writeTrainerScript(t, `
printf 'weights' > "${DROUGHTWATCH_OUTPUT_DIR}/model.keras"
cat > "${DROUGHTWATCH_OUTPUT_DIR}/report.json" <<'EOF'
{"model_path": "model.keras", "metrics": {"val_accuracy": 0.81}}
EOF
`)
	cfg := trainerTestConfig(bin)
	cfg.Data.Bucket = "droughtwatch"
	cfg.Data.TrainPrefix = "train/"
	cfg.Data.ValPrefix = "val/"
	cfg.Model.Register = true
	cfg.Storage.RegistryBucket = "models"
	return cfg
}

func seedProcessedShards(t *testing.T, store storage.BlobStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.EnsureBucket(ctx, "droughtwatch"))
	require.NoError(t, store.Put(ctx, "droughtwatch", "train/processed_part0", []byte("shard")))
	require.NoError(t, store.Put(ctx, "droughtwatch", "val/processed_part0", []byte("shard")))
}

func TestServiceTrainEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	seedProcessedShards(t, store)
	tracker := newRecordingTracker()

	svc := NewService(store, tracker, nil, serviceTestConfig(t))
	result, err := svc.Train(ctx, "run-1")
	require.NoError(t, err)

	assert.Equal(t, "baseline/model.keras", result.ModelKey)
	assert.Equal(t, "3", result.Version)

	artifact, err := store.Get(ctx, "models", "baseline/model.keras")
	require.NoError(t, err)
	assert.Equal(t, []byte("weights"), artifact)

	assert.Equal(t, "2", tracker.params["epochs"])
	assert.Equal(t, "16", tracker.params["batch_size"])
	assert.Equal(t, 0.81, tracker.metrics["val_accuracy"])
	assert.Equal(t, []string{"FINISHED"}, tracker.ended)

	// Per-run state is released once the export lands.
	assert.Nil(t, svc.run("run-1"))
}

func TestServiceTrainRemovesTrainerOutputDir(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "outdir")
	bin := writeTrainerScript(t, fmt.Sprintf(`
printf '%%s' "${DROUGHTWATCH_OUTPUT_DIR}" > %q
printf 'weights' > "${DROUGHTWATCH_OUTPUT_DIR}/model.keras"
cat > "${DROUGHTWATCH_OUTPUT_DIR}/report.json" <<'EOF'
{"model_path": "model.keras", "metrics": {"val_accuracy": 0.81}}
EOF
`, marker))
	cfg := serviceTestConfig(t)
	cfg.Model.TrainerBin = bin

	store := storage.NewMemStore()
	seedProcessedShards(t, store)

	svc := NewService(store, newRecordingTracker(), nil, cfg)
	_, err := svc.Train(context.Background(), "run-4")
	require.NoError(t, err)

	outDir, err := os.ReadFile(marker)
	require.NoError(t, err)
	require.NotEmpty(t, outDir)
	_, err = os.Stat(string(outDir))
	assert.True(t, os.IsNotExist(err), "trainer output dir %s should be removed after export", outDir)
}

func TestServiceTrainRemovesOutputDirOnTrainerError(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "outdir")
	bin := writeTrainerScript(t, fmt.Sprintf(`
printf '%%s' "${DROUGHTWATCH_OUTPUT_DIR}" > %q
exit 1
`, marker))
	cfg := serviceTestConfig(t)
	cfg.Model.TrainerBin = bin

	store := storage.NewMemStore()
	seedProcessedShards(t, store)

	_, err := NewService(store, newRecordingTracker(), nil, cfg).Train(context.Background(), "run-5")
	require.Error(t, err)

	outDir, err := os.ReadFile(marker)
	require.NoError(t, err)
	_, err = os.Stat(string(outDir))
	assert.True(t, os.IsNotExist(err))
}

func TestServiceTrainFailsTrackingRunOnTrainerError(t *testing.T) {
	bin := writeTrainerScript(t, "exit 1\n")
	cfg := serviceTestConfig(t)
	cfg.Model.TrainerBin = bin

	store := storage.NewMemStore()
	seedProcessedShards(t, store)
	tracker := newRecordingTracker()

	_, err := NewService(store, tracker, nil, cfg).Train(context.Background(), "run-2")
	require.Error(t, err)
	assert.Equal(t, []string{"FAILED"}, tracker.ended)
}

func TestServiceStagesWiring(t *testing.T) {
	svc := NewService(storage.NewMemStore(), nil, nil, serviceTestConfig(t))
	stages := svc.Stages()
	require.Len(t, stages, 3)

	assert.Equal(t, pipeline.StageAssemble, stages[0].Name())
	assert.Equal(t, []pipeline.StageName{pipeline.StageProcess}, stages[0].Dependencies())
	assert.Equal(t, pipeline.StageTrain, stages[1].Name())
	assert.Equal(t, []pipeline.StageName{pipeline.StageAssemble}, stages[1].Dependencies())
	assert.Equal(t, pipeline.StageExport, stages[2].Name())
	assert.Equal(t, []pipeline.StageName{pipeline.StageTrain}, stages[2].Dependencies())
}

func TestServiceStagesRecordModelArtifact(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	seedProcessedShards(t, store)

	svc := NewService(store, newRecordingTracker(), nil, serviceTestConfig(t))
	rs := pipeline.NewRunState("run-3", "manual", false)

	for _, stage := range svc.Stages() {
		exec := stage.Execute(ctx, rs)
		require.True(t, exec.IsSuccess(), "stage %s failed: %v", stage.Name(), exec.Err)
	}

	_, _, artifacts := rs.Snapshot()
	assert.Equal(t, "models/baseline/model.keras", artifacts["model"])
	assert.Equal(t, "models/baseline/config.yaml", artifacts["model_config"])
}
