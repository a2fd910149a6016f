package metrics

import "time"

// ResultLabel enumerates stage result categories for counters.
type ResultLabel string

const (
	ResultSuccess  ResultLabel = "success"
	ResultFailure  ResultLabel = "failure"
	ResultSkipped  ResultLabel = "skipped"
	ResultCanceled ResultLabel = "canceled"
)

// Recorder defines observability hooks for pipeline and stage metrics. Implementations
// may forward to Prometheus, OpenTelemetry, etc. All methods must be safe on the
// NoopRecorder (allowing optional injection).
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	ObserveRunDuration(d time.Duration)
	IncStageResult(stage string, result ResultLabel)
	IncRunOutcome(outcome string) // outcome: success|failed|canceled
	IncRetry(stage string)
	IncRetryExhausted(stage string)
	AddRecordsProcessed(stage string, n int)
	IncLedgerLookup(hit bool)
	SetDriftScore(score float64)
	SetClassFraction(class string, frac float64)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration) {}
func (NoopRecorder) ObserveRunDuration(time.Duration)           {}
func (NoopRecorder) IncStageResult(string, ResultLabel)         {}
func (NoopRecorder) IncRunOutcome(string)                       {}
func (NoopRecorder) IncRetry(string)                            {}
func (NoopRecorder) IncRetryExhausted(string)                   {}
func (NoopRecorder) AddRecordsProcessed(string, int)            {}
func (NoopRecorder) IncLedgerLookup(bool)                       {}
func (NoopRecorder) SetDriftScore(float64)                      {}
func (NoopRecorder) SetClassFraction(string, float64)           {}
