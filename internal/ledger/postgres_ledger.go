package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS ledger (
	id SERIAL PRIMARY KEY,
	md5sum VARCHAR(64) UNIQUE NOT NULL,
	raw_path TEXT NOT NULL,
	processed_path TEXT,
	predictions_path TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresLedger stores ledger rows in a shared database so multiple
// pipeline instances agree on what has been handled.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger connects to the database at dsn.
func NewPostgresLedger(ctx context.Context, dsn string) (*PostgresLedger, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}
	pool, err := pgxpool.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ledger database: %w", err)
	}
	return &PostgresLedger{pool: pool}, nil
}

func (l *PostgresLedger) Prepare(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("failed to create ledger table: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Lookup(ctx context.Context, checksum string) (*Entry, error) {
	row := l.pool.QueryRow(ctx,
		`SELECT md5sum, raw_path, processed_path, predictions_path, created_at
		 FROM ledger WHERE md5sum = $1`, checksum)

	e, err := scanEntry(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	return e, nil
}

func (l *PostgresLedger) MarkProcessed(ctx context.Context, e Entry) error {
	if e.Checksum == "" || e.RawPath == "" {
		return fmt.Errorf("ledger entry requires checksum and raw path")
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO ledger (md5sum, raw_path, processed_path)
		 VALUES ($1, $2, NULLIF($3, ''))
		 ON CONFLICT (md5sum) DO UPDATE
		 SET raw_path = EXCLUDED.raw_path,
		     processed_path = EXCLUDED.processed_path`,
		e.Checksum, e.RawPath, e.ProcessedPath)
	if err != nil {
		return fmt.Errorf("failed to upsert ledger entry: %w", err)
	}
	return nil
}

func (l *PostgresLedger) MarkPredicted(ctx context.Context, checksum, predictionsPath string) error {
	tag, err := l.pool.Exec(ctx,
		`UPDATE ledger SET predictions_path = $2 WHERE md5sum = $1`,
		checksum, predictionsPath)
	if err != nil {
		return fmt.Errorf("failed to update ledger entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no ledger entry for checksum %s", checksum)
	}
	return nil
}

func (l *PostgresLedger) Unpredicted(ctx context.Context) ([]Entry, error) {
	return l.queryEntries(ctx,
		`SELECT md5sum, raw_path, processed_path, predictions_path, created_at
		 FROM ledger
		 WHERE processed_path IS NOT NULL AND predictions_path IS NULL
		 ORDER BY raw_path`)
}

func (l *PostgresLedger) Snapshot(ctx context.Context) ([]Entry, error) {
	return l.queryEntries(ctx,
		`SELECT md5sum, raw_path, processed_path, predictions_path, created_at
		 FROM ledger ORDER BY raw_path`)
}

func (l *PostgresLedger) Close() error {
	l.pool.Close()
	return nil
}

func (l *PostgresLedger) queryEntries(ctx context.Context, query string) ([]Entry, error) {
	rows, err := l.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger rows: %w", err)
	}
	return out, nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e           Entry
		processed   sql.NullString
		predictions sql.NullString
		createdAt   time.Time
	)
	if err := row.Scan(&e.Checksum, &e.RawPath, &processed, &predictions, &createdAt); err != nil {
		return nil, err
	}
	e.ProcessedPath = processed.String
	e.PredictionsPath = predictions.String
	e.CreatedAt = createdAt
	return &e, nil
}
