package metrics

import (
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopRecorderIsSafe(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.ObserveStageDuration("processing", time.Second)
	r.ObserveRunDuration(time.Second)
	r.IncStageResult("processing", ResultSuccess)
	r.IncRunOutcome("success")
	r.IncRetry("inference")
	r.IncRetryExhausted("inference")
	r.AddRecordsProcessed("processing", 10)
	r.IncLedgerLookup(true)
	r.SetDriftScore(0.1)
	r.SetClassFraction("0", 0.6)
}

func TestPrometheusRecorderCounters(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)

	pr.IncStageResult("processing", ResultSuccess)
	pr.IncStageResult("processing", ResultSuccess)
	pr.IncStageResult("inference", ResultFailure)
	pr.IncRetry("inference")
	pr.AddRecordsProcessed("processing", 5)
	pr.AddRecordsProcessed("processing", 0) // no-op
	pr.IncLedgerLookup(true)
	pr.IncLedgerLookup(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(pr.stageResults.WithLabelValues("processing", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pr.stageResults.WithLabelValues("inference", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pr.retries.WithLabelValues("inference")))
	assert.Equal(t, 5.0, testutil.ToFloat64(pr.recordsProcessed.WithLabelValues("processing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pr.ledgerLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pr.ledgerLookups.WithLabelValues("miss")))
}

func TestPrometheusRecorderGauges(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)

	pr.SetDriftScore(0.42)
	pr.SetClassFraction("0", 0.6)
	pr.SetClassFraction("3", 0.1)

	assert.Equal(t, 0.42, testutil.ToFloat64(pr.driftScore))
	assert.Equal(t, 0.6, testutil.ToFloat64(pr.classFractions.WithLabelValues("0")))
	assert.Equal(t, 0.1, testutil.ToFloat64(pr.classFractions.WithLabelValues("3")))

	expected := `
		# HELP droughtwatch_prediction_drift Latest prediction drift score vs the reference dataset
		# TYPE droughtwatch_prediction_drift gauge
		droughtwatch_prediction_drift 0.42
	`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "droughtwatch_prediction_drift"))
}
