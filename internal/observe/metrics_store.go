package observe

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v4/pgxpool"
)

// MetricsStore persists drift reports and knows which prediction artifacts
// have been observed already.
type MetricsStore interface {
	// Prepare ensures the metrics table exists.
	Prepare(ctx context.Context) error

	// Insert appends one drift report.
	Insert(ctx context.Context, report Report) error

	// ObservedPaths returns the set of predictions paths already reported.
	ObservedPaths(ctx context.Context) (map[string]bool, error)

	// Reports returns all reports for a predictions path, oldest first.
	Reports(ctx context.Context, predictionsPath string) ([]Report, error)

	Close() error
}

const metricsSchema = `
CREATE TABLE IF NOT EXISTS drought_metrics (
	id SERIAL PRIMARY KEY,
	predictions_path TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	class_0_frac FLOAT NOT NULL,
	class_1_frac FLOAT NOT NULL,
	class_2_frac FLOAT NOT NULL,
	class_3_frac FLOAT NOT NULL,
	most_common_percentage FLOAT NOT NULL,
	share_missing_values FLOAT NOT NULL,
	prediction_drift FLOAT NOT NULL
)`

// PostgresMetrics stores drift reports in the shared database.
type PostgresMetrics struct {
	pool *pgxpool.Pool
}

// NewPostgresMetrics connects to the database at dsn.
func NewPostgresMetrics(ctx context.Context, dsn string) (*PostgresMetrics, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}
	pool, err := pgxpool.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to metrics database: %w", err)
	}
	return &PostgresMetrics{pool: pool}, nil
}

func (m *PostgresMetrics) Prepare(ctx context.Context) error {
	if _, err := m.pool.Exec(ctx, metricsSchema); err != nil {
		return fmt.Errorf("failed to create metrics table: %w", err)
	}
	return nil
}

func (m *PostgresMetrics) Insert(ctx context.Context, report Report) error {
	_, err := m.pool.Exec(ctx,
		`INSERT INTO drought_metrics
		 (predictions_path, timestamp, class_0_frac, class_1_frac, class_2_frac, class_3_frac,
		  most_common_percentage, share_missing_values, prediction_drift)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		report.PredictionsPath, report.Timestamp,
		report.ClassFractions[0], report.ClassFractions[1],
		report.ClassFractions[2], report.ClassFractions[3],
		report.MostCommonPercentage, report.ShareMissingValues, report.PredictionDrift)
	if err != nil {
		return fmt.Errorf("failed to insert drift report: %w", err)
	}
	return nil
}

func (m *PostgresMetrics) ObservedPaths(ctx context.Context) (map[string]bool, error) {
	rows, err := m.pool.Query(ctx, `SELECT DISTINCT predictions_path FROM drought_metrics`)
	if err != nil {
		return nil, fmt.Errorf("failed to query observed paths: %w", err)
	}
	defer rows.Close()

	observed := make(map[string]bool)
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("failed to scan observed path: %w", err)
		}
		observed[path] = true
	}
	return observed, rows.Err()
}

func (m *PostgresMetrics) Reports(ctx context.Context, predictionsPath string) ([]Report, error) {
	rows, err := m.pool.Query(ctx,
		`SELECT predictions_path, timestamp, class_0_frac, class_1_frac, class_2_frac, class_3_frac,
		        most_common_percentage, share_missing_values, prediction_drift
		 FROM drought_metrics WHERE predictions_path = $1 ORDER BY timestamp`, predictionsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to query drift reports: %w", err)
	}
	defer rows.Close()

	var reports []Report
	for rows.Next() {
		var r Report
		if err := rows.Scan(&r.PredictionsPath, &r.Timestamp,
			&r.ClassFractions[0], &r.ClassFractions[1], &r.ClassFractions[2], &r.ClassFractions[3],
			&r.MostCommonPercentage, &r.ShareMissingValues, &r.PredictionDrift); err != nil {
			return nil, fmt.Errorf("failed to scan drift report: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

func (m *PostgresMetrics) Close() error {
	m.pool.Close()
	return nil
}

// MemMetrics is an in-memory MetricsStore for tests and single-process runs
// without a database.
type MemMetrics struct {
	mu      sync.RWMutex
	reports []Report
}

// NewMemMetrics creates an empty in-memory metrics store.
func NewMemMetrics() *MemMetrics {
	return &MemMetrics{}
}

func (m *MemMetrics) Prepare(context.Context) error { return nil }

func (m *MemMetrics) Insert(_ context.Context, report Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, report)
	return nil
}

func (m *MemMetrics) ObservedPaths(context.Context) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	observed := make(map[string]bool, len(m.reports))
	for _, r := range m.reports {
		observed[r.PredictionsPath] = true
	}
	return observed, nil
}

func (m *MemMetrics) Reports(_ context.Context, predictionsPath string) ([]Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var reports []Report
	for _, r := range m.reports {
		if r.PredictionsPath == predictionsPath {
			reports = append(reports, r)
		}
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Timestamp.Before(reports[j].Timestamp) })
	return reports, nil
}

func (m *MemMetrics) Close() error { return nil }
