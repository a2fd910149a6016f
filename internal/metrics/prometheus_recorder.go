package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once             sync.Once
	stageDuration    *prom.HistogramVec
	runDuration      prom.Histogram
	stageResults     *prom.CounterVec
	runOutcome       *prom.CounterVec
	retries          *prom.CounterVec
	retriesExhausted *prom.CounterVec
	recordsProcessed *prom.CounterVec
	ledgerLookups    *prom.CounterVec
	driftScore       prom.Gauge
	classFractions   *prom.GaugeVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.stageDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "droughtwatch",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual pipeline stages",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"})
		pr.runDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "droughtwatch",
			Name:      "run_duration_seconds",
			Help:      "Total pipeline run duration",
			Buckets:   prom.DefBuckets,
		})
		pr.stageResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "droughtwatch",
			Name:      "stage_results_total",
			Help:      "Stage result counts by outcome",
		}, []string{"stage", "result"})
		pr.runOutcome = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "droughtwatch",
			Name:      "run_outcomes_total",
			Help:      "Pipeline run outcomes by final status",
		}, []string{"outcome"})
		pr.retries = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "droughtwatch",
			Name:      "stage_retries_total",
			Help:      "Retry attempts per stage",
		}, []string{"stage"})
		pr.retriesExhausted = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "droughtwatch",
			Name:      "stage_retries_exhausted_total",
			Help:      "Stages that exhausted their retry budget",
		}, []string{"stage"})
		pr.recordsProcessed = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "droughtwatch",
			Name:      "records_processed_total",
			Help:      "Tensor records handled per stage",
		}, []string{"stage"})
		pr.ledgerLookups = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "droughtwatch",
			Name:      "ledger_lookups_total",
			Help:      "Idempotency ledger lookups by outcome",
		}, []string{"outcome"})
		pr.driftScore = prom.NewGauge(prom.GaugeOpts{
			Namespace: "droughtwatch",
			Name:      "prediction_drift",
			Help:      "Latest prediction drift score vs the reference dataset",
		})
		pr.classFractions = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "droughtwatch",
			Name:      "class_fraction",
			Help:      "Latest predicted class fractions",
		}, []string{"class"})

		reg.MustRegister(
			pr.stageDuration,
			pr.runDuration,
			pr.stageResults,
			pr.runOutcome,
			pr.retries,
			pr.retriesExhausted,
			pr.recordsProcessed,
			pr.ledgerLookups,
			pr.driftScore,
			pr.classFractions,
		)
	})
	return pr
}

func (pr *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	pr.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (pr *PrometheusRecorder) ObserveRunDuration(d time.Duration) {
	pr.runDuration.Observe(d.Seconds())
}

func (pr *PrometheusRecorder) IncStageResult(stage string, result ResultLabel) {
	pr.stageResults.WithLabelValues(stage, string(result)).Inc()
}

func (pr *PrometheusRecorder) IncRunOutcome(outcome string) {
	pr.runOutcome.WithLabelValues(outcome).Inc()
}

func (pr *PrometheusRecorder) IncRetry(stage string) {
	pr.retries.WithLabelValues(stage).Inc()
}

func (pr *PrometheusRecorder) IncRetryExhausted(stage string) {
	pr.retriesExhausted.WithLabelValues(stage).Inc()
}

func (pr *PrometheusRecorder) AddRecordsProcessed(stage string, n int) {
	if n > 0 {
		pr.recordsProcessed.WithLabelValues(stage).Add(float64(n))
	}
}

func (pr *PrometheusRecorder) IncLedgerLookup(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	pr.ledgerLookups.WithLabelValues(outcome).Inc()
}

func (pr *PrometheusRecorder) SetDriftScore(score float64) {
	pr.driftScore.Set(score)
}

func (pr *PrometheusRecorder) SetClassFraction(class string, frac float64) {
	pr.classFractions.WithLabelValues(class).Set(frac)
}
