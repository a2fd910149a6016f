// Package tracking records training runs with an MLflow-style REST API.
package tracking

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Tracker is the experiment-tracking surface the training stage uses.
type Tracker interface {
	// StartRun opens a tracking run and returns its ID.
	StartRun(ctx context.Context, runName string) (string, error)

	// LogParam records a single run parameter.
	LogParam(ctx context.Context, runID, key, value string) error

	// LogMetric records a single metric observation.
	LogMetric(ctx context.Context, runID, key string, value float64, step int64) error

	// RegisterModel registers a model version pointing at the artifact source.
	RegisterModel(ctx context.Context, name, source, runID string) (version string, err error)

	// EndRun closes the run with a terminal status ("FINISHED" or "FAILED").
	EndRun(ctx context.Context, runID, status string) error
}

// RunName builds a tracking run name of the form <model>_<random-id>.
func RunName(modelName string) string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return modelName + "_run"
	}
	return fmt.Sprintf("%s_%s", modelName, hex.EncodeToString(b[:]))
}

// Noop is a Tracker that records nothing, used when tracking is disabled.
type Noop struct{}

func (Noop) StartRun(context.Context, string) (string, error) { return "noop", nil }
func (Noop) LogParam(context.Context, string, string, string) error {
	return nil
}
func (Noop) LogMetric(context.Context, string, string, float64, int64) error {
	return nil
}
func (Noop) RegisterModel(context.Context, string, string, string) (string, error) {
	return "1", nil
}
func (Noop) EndRun(context.Context, string, string) error { return nil }
