// Package observe computes prediction-drift reports for uploaded prediction
// artifacts and records them in the metrics table.
package observe

import (
	"fmt"
	"math"
	"time"

	"github.com/droughtwatch/droughtwatch/internal/inference"
	"github.com/droughtwatch/droughtwatch/internal/record"
)

// Report is one drift observation for a predictions artifact, compared
// against the reference predictions.
type Report struct {
	PredictionsPath      string
	Timestamp            time.Time
	ClassFractions       [record.NumClasses]float64
	MostCommonPercentage float64
	ShareMissingValues   float64
	PredictionDrift      float64
}

// Compute builds a drift report for the current predictions against the
// reference set. A line whose probabilities do not form a distribution is
// counted as missing and excluded from the class fractions.
func Compute(predictionsPath string, current, reference []inference.Line) (*Report, error) {
	if len(current) == 0 {
		return nil, fmt.Errorf("no predictions in %s", predictionsPath)
	}

	report := &Report{
		PredictionsPath: predictionsPath,
		Timestamp:       time.Now().UTC(),
	}

	dist, missing := labelDistribution(current)
	report.ShareMissingValues = float64(missing) / float64(len(current))
	report.ClassFractions = dist

	for _, frac := range dist {
		if frac*100 > report.MostCommonPercentage {
			report.MostCommonPercentage = frac * 100
		}
	}

	if len(reference) > 0 {
		refDist, _ := labelDistribution(reference)
		report.PredictionDrift = jensenShannonDistance(dist, refDist)
	}
	return report, nil
}

// labelDistribution returns the class fractions over the valid lines and the
// count of missing lines.
func labelDistribution(lines []inference.Line) ([record.NumClasses]float64, int) {
	var counts [record.NumClasses]int
	missing := 0
	for _, line := range lines {
		if isMissing(line) {
			missing++
			continue
		}
		counts[line.Label]++
	}

	var dist [record.NumClasses]float64
	valid := len(lines) - missing
	if valid == 0 {
		return dist, missing
	}
	for i, c := range counts {
		dist[i] = float64(c) / float64(valid)
	}
	return dist, missing
}

// isMissing flags lines whose probabilities do not form a distribution or
// whose label is out of range.
func isMissing(line inference.Line) bool {
	if line.Label < 0 || line.Label >= record.NumClasses {
		return true
	}
	sum := line.P0 + line.P1 + line.P2 + line.P3
	return sum <= 0 || math.IsNaN(sum)
}

// jensenShannonDistance is the square root of the Jensen-Shannon divergence
// between two label distributions, natural log base. 0 means identical, ~0.83
// is the maximum for disjoint distributions.
func jensenShannonDistance(p, q [record.NumClasses]float64) float64 {
	div := 0.0
	for i := 0; i < record.NumClasses; i++ {
		m := (p[i] + q[i]) / 2
		div += klTerm(p[i], m) + klTerm(q[i], m)
	}
	div /= 2
	if div < 0 {
		div = 0
	}
	return math.Sqrt(div)
}

func klTerm(p, m float64) float64 {
	if p == 0 || m == 0 {
		return 0
	}
	return p * math.Log(p/m)
}
