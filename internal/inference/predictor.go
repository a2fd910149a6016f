// Package inference runs processed records through the external model server
// and writes prediction artifacts next to their raw objects.
package inference

import (
	"context"

	"github.com/droughtwatch/droughtwatch/internal/record"
)

// Prediction is the per-record model output: one probability per
// drought-severity class, in class order.
type Prediction struct {
	ID    string
	Probs [record.NumClasses]float64
}

// Label returns the argmax class.
func (p Prediction) Label() int {
	label := 0
	for i := 1; i < record.NumClasses; i++ {
		if p.Probs[i] > p.Probs[label] {
			label = i
		}
	}
	return label
}

// Predictor scores a batch of records. Implementations must preserve input
// order and return one prediction per record.
type Predictor interface {
	Predict(ctx context.Context, records []record.Record) ([]Prediction, error)
}

// Stub is a Predictor that returns a fixed probability vector for every
// record, used in tests and dry runs.
type Stub struct {
	Probs [record.NumClasses]float64
}

// Predict returns the stub probabilities for each input record.
func (s Stub) Predict(_ context.Context, records []record.Record) ([]Prediction, error) {
	preds := make([]Prediction, len(records))
	for i, r := range records {
		preds[i] = Prediction{ID: r.ID, Probs: s.Probs}
	}
	return preds, nil
}
