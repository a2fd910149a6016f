// Package training assembles datasets, drives the external trainer process,
// and exports the resulting model to the registry bucket.
package training

import (
	"context"
	"path"
	"strings"

	dwerrors "github.com/droughtwatch/droughtwatch/internal/errors"
	"github.com/droughtwatch/droughtwatch/internal/storage"
)

// processedGlobPrefix selects processed record shards for dataset assembly.
const processedGlobPrefix = "processed_part"

// ClassWeights compensates for the label imbalance in the drought-severity
// dataset. Index is the class label.
func ClassWeights() map[int]float64 {
	return map[int]float64{0: 1.0, 1: 4.0, 2: 4.0, 3: 6.0}
}

// Dataset is the assembled train/validation split handed to the trainer.
type Dataset struct {
	Bucket    string   `yaml:"bucket"`
	TrainKeys []string `yaml:"train_keys"`
	ValKeys   []string `yaml:"val_keys"`
}

// Assembler collects processed record shards from object storage.
type Assembler struct {
	store       storage.BlobStore
	bucket      string
	trainPrefix string
	valPrefix   string
}

// NewAssembler creates an assembler over the data bucket.
func NewAssembler(store storage.BlobStore, bucket, trainPrefix, valPrefix string) *Assembler {
	return &Assembler{store: store, bucket: bucket, trainPrefix: trainPrefix, valPrefix: valPrefix}
}

// Assemble globs processed shards under the train and validation prefixes.
// An empty training split is an error; an empty validation split is allowed.
func (a *Assembler) Assemble(ctx context.Context) (*Dataset, error) {
	trainKeys, err := a.glob(ctx, a.trainPrefix)
	if err != nil {
		return nil, err
	}
	valKeys, err := a.glob(ctx, a.valPrefix)
	if err != nil {
		return nil, err
	}
	if len(trainKeys) == 0 {
		return nil, dwerrors.TrainingError(nil).
			WithContext("reason", "no processed training shards under prefix "+a.trainPrefix)
	}
	return &Dataset{Bucket: a.bucket, TrainKeys: trainKeys, ValKeys: valKeys}, nil
}

func (a *Assembler) glob(ctx context.Context, prefix string) ([]string, error) {
	infos, err := a.store.List(ctx, a.bucket, prefix)
	if err != nil {
		return nil, dwerrors.StorageError("list", prefix, err)
	}
	var keys []string
	for _, info := range infos {
		if strings.HasPrefix(path.Base(info.Key), processedGlobPrefix) {
			keys = append(keys, info.Key)
		}
	}
	return keys, nil
}
