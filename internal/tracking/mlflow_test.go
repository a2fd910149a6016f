package tracking

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var calls []string

	mux := http.NewServeMux()
	mux.HandleFunc(apiPrefix+"/experiments/get-by-name", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "get-by-name")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error_code": "RESOURCE_DOES_NOT_EXIST"})
	})
	mux.HandleFunc(apiPrefix+"/experiments/create", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "experiments/create")
		_ = json.NewEncoder(w).Encode(map[string]string{"experiment_id": "7"})
	})
	mux.HandleFunc(apiPrefix+"/runs/create", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "runs/create")
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "7", body["experiment_id"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"run": map[string]any{"info": map[string]any{"run_id": "run-abc"}},
		})
	})
	mux.HandleFunc(apiPrefix+"/runs/log-parameter", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "log-parameter")
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc(apiPrefix+"/runs/log-metric", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "log-metric")
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc(apiPrefix+"/registered-models/create", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "registered-models/create")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error_code": "RESOURCE_ALREADY_EXISTS"})
	})
	mux.HandleFunc(apiPrefix+"/model-versions/create", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "model-versions/create")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model_version": map[string]any{"version": "3"},
		})
	})
	mux.HandleFunc(apiPrefix+"/runs/update", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "runs/update")
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "FINISHED", body["status"])
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestMLflowFullRunLifecycle(t *testing.T) {
	srv, calls := newFakeServer(t)
	m := NewMLflow(srv.URL, "droughtwatch")
	ctx := context.Background()

	runID, err := m.StartRun(ctx, "baseline_abcd1234")
	require.NoError(t, err)
	assert.Equal(t, "run-abc", runID)

	require.NoError(t, m.LogParam(ctx, runID, "epochs", "20"))
	require.NoError(t, m.LogMetric(ctx, runID, "val_accuracy", 0.81, 20))

	version, err := m.RegisterModel(ctx, "baseline", "s3://registry/baseline", runID)
	require.NoError(t, err)
	assert.Equal(t, "3", version)

	require.NoError(t, m.EndRun(ctx, runID, "FINISHED"))

	assert.Equal(t, []string{
		"get-by-name",
		"experiments/create",
		"runs/create",
		"log-parameter",
		"log-metric",
		"registered-models/create",
		"model-versions/create",
		"runs/update",
	}, *calls)
}

func TestMLflowEscapesExperimentName(t *testing.T) {
	var gotName string
	mux := http.NewServeMux()
	mux.HandleFunc(apiPrefix+"/experiments/get-by-name", func(w http.ResponseWriter, r *http.Request) {
		gotName = r.URL.Query().Get("experiment_name")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"experiment": map[string]any{"experiment_id": "9"},
		})
	})
	mux.HandleFunc(apiPrefix+"/runs/create", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"run": map[string]any{"info": map[string]any{"run_id": "run-esc"}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := NewMLflow(srv.URL, "drought watch & friends")
	runID, err := m.StartRun(context.Background(), "baseline_00000000")
	require.NoError(t, err)
	assert.Equal(t, "run-esc", runID)
	assert.Equal(t, "drought watch & friends", gotName)
}

func TestMLflowServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error_code": "INTERNAL_ERROR",
			"message":    "boom",
		})
	}))
	defer srv.Close()

	m := NewMLflow(srv.URL, "droughtwatch")
	err := m.LogParam(context.Background(), "run-x", "k", "v")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INTERNAL_ERROR")
	assert.Contains(t, err.Error(), "boom")
}

func TestRunName(t *testing.T) {
	name := RunName("baseline")
	assert.Regexp(t, regexp.MustCompile(`^baseline_[0-9a-f]{8}$`), name)
	assert.NotEqual(t, name, RunName("baseline"))
}

func TestNoopTracker(t *testing.T) {
	var tr Tracker = Noop{}
	ctx := context.Background()

	runID, err := tr.StartRun(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "noop", runID)
	assert.NoError(t, tr.LogParam(ctx, runID, "k", "v"))
	assert.NoError(t, tr.LogMetric(ctx, runID, "m", 1, 0))
	version, err := tr.RegisterModel(ctx, "n", "s", runID)
	require.NoError(t, err)
	assert.Equal(t, "1", version)
	assert.NoError(t, tr.EndRun(ctx, runID, "FINISHED"))
}
