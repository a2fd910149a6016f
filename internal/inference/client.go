package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/droughtwatch/droughtwatch/internal/config"
	dwerrors "github.com/droughtwatch/droughtwatch/internal/errors"
	"github.com/droughtwatch/droughtwatch/internal/record"
	"github.com/droughtwatch/droughtwatch/internal/retry"
)

const defaultBatchSize = 32

// ModelClient is a Predictor backed by an HTTP model server speaking the
// TensorFlow-Serving REST protocol: POST {"instances": [...]}, receive
// {"predictions": [[p0..p3], ...]} in instance order.
type ModelClient struct {
	url       string
	batchSize int
	policy    retry.Policy
	client    *http.Client
}

// NewModelClient creates a client for the configured serving endpoint.
func NewModelClient(cfg config.ServingConfig, policy retry.Policy) *ModelClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &ModelClient{
		url:       cfg.URL,
		batchSize: batchSize,
		policy:    policy,
		client:    &http.Client{Timeout: timeout},
	}
}

type predictRequest struct {
	Instances [][]float32 `json:"instances"`
}

type predictResponse struct {
	Predictions [][]float64 `json:"predictions"`
}

// Predict scores records in batches, retrying transient server failures with
// the configured backoff.
func (c *ModelClient) Predict(ctx context.Context, records []record.Record) ([]Prediction, error) {
	preds := make([]Prediction, 0, len(records))
	for start := 0; start < len(records); start += c.batchSize {
		end := start + c.batchSize
		if end > len(records) {
			end = len(records)
		}
		batch, err := c.predictBatch(ctx, records[start:end])
		if err != nil {
			return nil, err
		}
		preds = append(preds, batch...)
	}
	return preds, nil
}

func (c *ModelClient) predictBatch(ctx context.Context, batch []record.Record) ([]Prediction, error) {
	body, err := json.Marshal(predictRequest{Instances: flatten(batch)})
	if err != nil {
		return nil, dwerrors.InferenceError(c.url, err)
	}

	var resp predictResponse
	op := func() error {
		return c.post(ctx, body, &resp)
	}
	if err := backoff.Retry(op, backoff.WithContext(c.policy.Backoff(), ctx)); err != nil {
		return nil, err
	}

	if len(resp.Predictions) != len(batch) {
		return nil, dwerrors.InferenceError(c.url,
			fmt.Errorf("model server returned %d predictions for %d instances", len(resp.Predictions), len(batch)))
	}

	preds := make([]Prediction, len(batch))
	for i, probs := range resp.Predictions {
		if len(probs) != record.NumClasses {
			return nil, dwerrors.InferenceError(c.url,
				fmt.Errorf("prediction %d has %d classes, want %d", i, len(probs), record.NumClasses))
		}
		preds[i].ID = batch[i].ID
		copy(preds[i].Probs[:], probs)
	}
	return preds, nil
}

// post sends one scoring request. Server-side failures (5xx) and transport
// errors are retryable; client-side failures (4xx) are permanent.
func (c *ModelClient) post(ctx context.Context, body []byte, out *predictResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(dwerrors.InferenceError(c.url, err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return dwerrors.ModelServerError(c.url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return dwerrors.ModelServerError(c.url, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return dwerrors.ModelServerError(c.url, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data)))
	case resp.StatusCode >= 400:
		return backoff.Permanent(dwerrors.InferenceError(c.url,
			fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data))))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return backoff.Permanent(dwerrors.InferenceError(c.url, fmt.Errorf("unreadable response: %w", err)))
	}
	return nil
}

// flatten lays each record out as one instance: band data concatenated in
// band order, the layout the trainer exports the model with.
func flatten(batch []record.Record) [][]float32 {
	instances := make([][]float32, len(batch))
	for i, r := range batch {
		size := 0
		for _, b := range r.Bands {
			size += len(b.Data)
		}
		instance := make([]float32, 0, size)
		for _, b := range r.Bands {
			instance = append(instance, b.Data...)
		}
		instances[i] = instance
	}
	return instances
}

func truncate(data []byte) string {
	const max = 256
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
