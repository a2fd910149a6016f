package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droughtwatch/droughtwatch/internal/config"
	"github.com/droughtwatch/droughtwatch/internal/eventstore"
	"github.com/droughtwatch/droughtwatch/internal/inference"
	"github.com/droughtwatch/droughtwatch/internal/ledger"
	"github.com/droughtwatch/droughtwatch/internal/observe"
	"github.com/droughtwatch/droughtwatch/internal/processing"
	"github.com/droughtwatch/droughtwatch/internal/record"
	"github.com/droughtwatch/droughtwatch/internal/statemachine"
	"github.com/droughtwatch/droughtwatch/internal/storage"
)

const testBucket = "droughtwatch-data"

func rawTile(t *testing.T, label int, seed float32) []byte {
	t.Helper()
	rec := &record.Record{Label: label, Width: record.TileDim, Height: record.TileDim}
	for _, name := range []string{"B2", "B3", "B4", "B5", "B6"} {
		data := make([]float32, record.TileDim*record.TileDim)
		for i := range data {
			data[i] = seed + float32(i%97)
		}
		rec.Bands = append(rec.Bands, record.Band{Name: name, Data: data})
	}

	var buf bytes.Buffer
	w := record.NewWriter(&buf)
	require.NoError(t, w.Append(rec))
	require.NoError(t, w.Flush())
	return buf.Bytes()
}

// newPipelineServer wires the full stage set over in-memory stores.
func newPipelineServer(t *testing.T) (*Server, *storage.MemStore) {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemStore()
	require.NoError(t, store.EnsureBucket(ctx, testBucket))

	led := ledger.NewJSONLedger(filepath.Join(t.TempDir(), "ledger.json"))
	require.NoError(t, led.Prepare(ctx))

	cfg := &config.Config{}
	cfg.Data.Bucket = testBucket
	cfg.Data.RawPrefix = "tiles/"
	cfg.Features.Keylist = []string{"B2", "B3", "B4"}

	processor := processing.NewProcessor(store, led, nil, nil, cfg)
	engine := inference.NewEngine(store, led, inference.Stub{Probs: [4]float64{0.7, 0.1, 0.1, 0.1}}, nil, nil, cfg)
	observer := observe.NewObserver(store, led, observe.NewMemMetrics(), nil, nil, cfg)

	functions := Functions(processor, engine, observer)
	machine, err := statemachine.New(statemachine.StateProcessing, statemachine.DefaultStates(
		functions[FunctionProcessing],
		functions[FunctionInference],
		functions[FunctionObserve],
	))
	require.NoError(t, err)

	return New(functions, WithMachine(machine)), store
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set(echoContentType, echoJSONType)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

const (
	echoContentType = "Content-Type"
	echoJSONType    = "application/json"
)

func TestHealthz(t *testing.T) {
	srv, _ := newPipelineServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestInvokeProcessingFunction(t *testing.T) {
	srv, store := newPipelineServer(t)
	require.NoError(t, store.Put(context.Background(), testBucket, "tiles/part-00000", rawTile(t, 1, 3)))

	rec := postJSON(t, srv.Handler(), "/2015-03-31/functions/processing/invocations",
		statemachine.OK(map[string]any{"run_id": "run-http"}))
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope statemachine.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, 200, envelope.StatusCode)

	body, ok := envelope.Body.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), body["new_items"])
	assert.Equal(t, "run-http", body["run_id"])

	// The processed artifact landed next to the raw tile.
	_, err := store.Get(context.Background(), testBucket, "tiles/processed_part-00000")
	require.NoError(t, err)
}

func TestInvokeUnknownFunction(t *testing.T) {
	srv, _ := newPipelineServer(t)
	rec := postJSON(t, srv.Handler(), "/2015-03-31/functions/bogus/invocations", statemachine.OK(nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvokePanickingFunctionReturns500Envelope(t *testing.T) {
	functions := map[string]statemachine.Handler{
		"boom": func(context.Context, statemachine.Envelope) (statemachine.Envelope, error) {
			panic("tensor shape mismatch")
		},
	}
	srv := New(functions)

	rec := postJSON(t, srv.Handler(), "/2015-03-31/functions/boom/invocations", statemachine.OK(nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope statemachine.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, 500, envelope.StatusCode)

	body, ok := envelope.Body.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, body["error"], "tensor shape mismatch")
	assert.NotEmpty(t, body["traceback"])
}

func TestInvokeFailingFunctionReturns500Envelope(t *testing.T) {
	functions := map[string]statemachine.Handler{
		"flaky": func(context.Context, statemachine.Envelope) (statemachine.Envelope, error) {
			return statemachine.Envelope{}, errors.New("bucket unreachable")
		},
	}
	srv := New(functions)

	rec := postJSON(t, srv.Handler(), "/2015-03-31/functions/flaky/invocations", statemachine.OK(nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope statemachine.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, 500, envelope.StatusCode)
	assert.Contains(t, envelope.Body, "bucket unreachable")
}

func TestExecutionRunsFullStateMachine(t *testing.T) {
	srv, store := newPipelineServer(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, testBucket, "tiles/part-00000", rawTile(t, 0, 1)))
	require.NoError(t, store.Put(ctx, testBucket, "tiles/part-00001", rawTile(t, 2, 5)))

	rec := postJSON(t, srv.Handler(), "/executions", executionRequest{RunID: "exec-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp executionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "exec-1", resp.RunID)
	assert.True(t, resp.Succeeded)
	assert.Equal(t, statemachine.StateSucceeded, resp.Terminal)
	require.Len(t, resp.Transitions, 3)

	// Predictions landed next to the raw tiles.
	_, err := store.Get(ctx, testBucket, "tiles/predictions_part-00000")
	require.NoError(t, err)
	_, err = store.Get(ctx, testBucket, "tiles/predictions_part-00001")
	require.NoError(t, err)
}

func TestExecutionWithoutMachineIs501(t *testing.T) {
	srv := New(map[string]statemachine.Handler{})
	rec := postJSON(t, srv.Handler(), "/executions", executionRequest{})
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestRunHistoryEndpoints(t *testing.T) {
	events, err := eventstore.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = events.Close() })

	ctx := context.Background()
	started, err := eventstore.NewRunStarted("run-h1", "cli", false)
	require.NoError(t, err)
	require.NoError(t, events.Append(ctx, started.RunID(), started.Type(), started.Payload(), nil))
	completed, err := eventstore.NewRunCompleted("run-h1", 3, map[string]string{"model": "registry/model.keras"})
	require.NoError(t, err)
	require.NoError(t, events.Append(ctx, completed.RunID(), completed.Type(), completed.Payload(), nil))

	srv := New(map[string]statemachine.Handler{}, WithRunHistory(events, 10))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var history []eventstore.RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 1)
	assert.Equal(t, "run-h1", history[0].RunID)
	assert.Equal(t, "completed", history[0].Status)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/run-h1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var summary eventstore.RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, "cli", summary.Trigger)
	assert.Equal(t, "registry/model.keras", summary.Artifacts["model"])

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
