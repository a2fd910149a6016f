package training

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dwerrors "github.com/droughtwatch/droughtwatch/internal/errors"
	"github.com/droughtwatch/droughtwatch/internal/storage"
)

func TestAssembleCollectsProcessedShards(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	require.NoError(t, store.EnsureBucket(ctx, "droughtwatch"))

	objects := []string{
		"train/processed_part0",
		"train/processed_part1",
		"train/part0",
		"train/ledger.json",
		"val/processed_part0",
	}
	for _, key := range objects {
		require.NoError(t, store.Put(ctx, "droughtwatch", key, []byte("shard")))
	}

	ds, err := NewAssembler(store, "droughtwatch", "train/", "val/").Assemble(ctx)
	require.NoError(t, err)

	assert.Equal(t, "droughtwatch", ds.Bucket)
	assert.Equal(t, []string{"train/processed_part0", "train/processed_part1"}, ds.TrainKeys)
	assert.Equal(t, []string{"val/processed_part0"}, ds.ValKeys)
}

func TestAssembleRequiresTrainingShards(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	require.NoError(t, store.EnsureBucket(ctx, "droughtwatch"))
	require.NoError(t, store.Put(ctx, "droughtwatch", "val/processed_part0", []byte("shard")))

	_, err := NewAssembler(store, "droughtwatch", "train/", "val/").Assemble(ctx)
	require.Error(t, err)

	var perr *dwerrors.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.False(t, dwerrors.IsRetryable(err))
}

func TestAssembleAllowsEmptyValidationSplit(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	require.NoError(t, store.EnsureBucket(ctx, "droughtwatch"))
	require.NoError(t, store.Put(ctx, "droughtwatch", "train/processed_part0", []byte("shard")))

	ds, err := NewAssembler(store, "droughtwatch", "train/", "val/").Assemble(ctx)
	require.NoError(t, err)
	assert.Len(t, ds.TrainKeys, 1)
	assert.Empty(t, ds.ValKeys)
}

func TestClassWeightsCoverAllClasses(t *testing.T) {
	weights := ClassWeights()
	require.Len(t, weights, 4)
	assert.Equal(t, 1.0, weights[0])
	assert.Equal(t, 6.0, weights[3])
}
