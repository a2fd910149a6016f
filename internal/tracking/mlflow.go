package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	dwerrors "github.com/droughtwatch/droughtwatch/internal/errors"
)

const apiPrefix = "/api/2.0/mlflow"

// MLflow talks to an MLflow-compatible tracking server over REST.
type MLflow struct {
	baseURL    string
	experiment string
	client     *http.Client
}

// NewMLflow creates a tracker against the server at baseURL, creating the
// experiment lazily on first StartRun.
func NewMLflow(baseURL, experiment string) *MLflow {
	return &MLflow{
		baseURL:    baseURL,
		experiment: experiment,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// StartRun resolves the experiment and opens a run.
func (m *MLflow) StartRun(ctx context.Context, runName string) (string, error) {
	expID, err := m.ensureExperiment(ctx)
	if err != nil {
		return "", err
	}

	var resp struct {
		Run struct {
			Info struct {
				RunID string `json:"run_id"`
			} `json:"info"`
		} `json:"run"`
	}
	err = m.post(ctx, "/runs/create", map[string]any{
		"experiment_id": expID,
		"run_name":      runName,
		"start_time":    time.Now().UnixMilli(),
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Run.Info.RunID == "" {
		return "", dwerrors.InternalError("tracking server returned no run ID", nil)
	}
	return resp.Run.Info.RunID, nil
}

// LogParam records a single run parameter.
func (m *MLflow) LogParam(ctx context.Context, runID, key, value string) error {
	return m.post(ctx, "/runs/log-parameter", map[string]any{
		"run_id": runID,
		"key":    key,
		"value":  value,
	}, nil)
}

// LogMetric records a single metric observation.
func (m *MLflow) LogMetric(ctx context.Context, runID, key string, value float64, step int64) error {
	return m.post(ctx, "/runs/log-metric", map[string]any{
		"run_id":    runID,
		"key":       key,
		"value":     value,
		"timestamp": time.Now().UnixMilli(),
		"step":      step,
	}, nil)
}

// RegisterModel creates the registered model if needed and adds a version
// pointing at source.
func (m *MLflow) RegisterModel(ctx context.Context, name, source, runID string) (string, error) {
	// Creation is idempotent from our side: RESOURCE_ALREADY_EXISTS is fine.
	err := m.post(ctx, "/registered-models/create", map[string]any{"name": name}, nil)
	if err != nil && !isAlreadyExists(err) {
		return "", err
	}

	var resp struct {
		ModelVersion struct {
			Version string `json:"version"`
		} `json:"model_version"`
	}
	err = m.post(ctx, "/model-versions/create", map[string]any{
		"name":   name,
		"source": source,
		"run_id": runID,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ModelVersion.Version, nil
}

// EndRun closes the run with a terminal status.
func (m *MLflow) EndRun(ctx context.Context, runID, status string) error {
	return m.post(ctx, "/runs/update", map[string]any{
		"run_id":   runID,
		"status":   status,
		"end_time": time.Now().UnixMilli(),
	}, nil)
}

// ensureExperiment returns the experiment ID, creating the experiment when
// the server does not know it yet.
func (m *MLflow) ensureExperiment(ctx context.Context) (string, error) {
	var got struct {
		Experiment struct {
			ExperimentID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	err := m.get(ctx, "/experiments/get-by-name?experiment_name="+url.QueryEscape(m.experiment), &got)
	if err == nil && got.Experiment.ExperimentID != "" {
		return got.Experiment.ExperimentID, nil
	}

	var created struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := m.post(ctx, "/experiments/create", map[string]any{"name": m.experiment}, &created); err != nil {
		return "", err
	}
	return created.ExperimentID, nil
}

type apiError struct {
	StatusCode int
	Code       string `json:"error_code"`
	Message    string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("tracking server error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

func isAlreadyExists(err error) bool {
	ae, ok := err.(*apiError)
	return ok && ae.Code == "RESOURCE_ALREADY_EXISTS"
}

func (m *MLflow) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal tracking request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+apiPrefix+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build tracking request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return m.do(req, out)
}

func (m *MLflow) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+apiPrefix+path, nil)
	if err != nil {
		return fmt.Errorf("build tracking request: %w", err)
	}
	return m.do(req, out)
}

func (m *MLflow) do(req *http.Request, out any) error {
	resp, err := m.client.Do(req)
	if err != nil {
		return dwerrors.NetworkTimeout(req.URL.String(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read tracking response: %w", err)
	}

	if resp.StatusCode >= 400 {
		ae := &apiError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, ae)
		return ae
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode tracking response: %w", err)
		}
	}
	return nil
}
