package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/promptlab/promptlab/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{DSN: dsn, db: db}
	if err := migrations.Apply(context.Background(), db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply postgres migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const postgresInsertRun = `
INSERT INTO runs (
    id,
    chain,
    input,
    output,
    started_at,
    latency_ms,
    success,
    error,
    metadata,
    created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

func (s *PostgresStore) WriteTrace(ctx context.Context, trace *Trace) error {
	if trace == nil {
		return nil
	}

	row := normalizeTrace(trace)
	if _, err := s.db.ExecContext(ctx, postgresInsertRun,
		row.ID,
		row.Chain,
		row.Input,
		row.Output,
		row.StartedAt,
		row.LatencyMS,
		row.Success,
		row.Error,
		row.Metadata,
		row.CreatedAt,
	); err != nil {
		return fmt.Errorf("write trace %q: %w", row.ID, err)
	}
	return nil
}

func (s *PostgresStore) WriteBatch(ctx context.Context, traces []*Trace) error {
	if len(traces) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres batch transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, postgresInsertRun)
	if err != nil {
		return fmt.Errorf("prepare postgres batch insert: %w", err)
	}
	defer stmt.Close()

	for _, trace := range traces {
		if trace == nil {
			continue
		}
		row := normalizeTrace(trace)
		if _, err := stmt.ExecContext(ctx,
			row.ID,
			row.Chain,
			row.Input,
			row.Output,
			row.StartedAt,
			row.LatencyMS,
			row.Success,
			row.Error,
			row.Metadata,
			row.CreatedAt,
		); err != nil {
			return fmt.Errorf("write trace %q in batch: %w", row.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit postgres batch transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTrace(ctx context.Context, id string) (*Trace, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, chain, input, output, started_at, latency_ms, success, error, metadata, created_at
FROM runs
WHERE id = $1`, id)

	var t Trace
	err := row.Scan(
		&t.ID,
		&t.Chain,
		&t.Input,
		&t.Output,
		&t.StartedAt,
		&t.LatencyMS,
		&t.Success,
		&t.Error,
		&t.Metadata,
		&t.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trace %q: %w", id, err)
	}
	t.StartedAt = t.StartedAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

func (s *PostgresStore) QueryTraces(ctx context.Context, filter Filter) ([]*Trace, error) {
	query := `
SELECT id, chain, input, output, started_at, latency_ms, success, error, metadata, created_at
FROM runs`
	where, args := postgresFilterClause(filter)
	query += where + " ORDER BY started_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	var traces []*Trace
	for rows.Next() {
		var t Trace
		if err := rows.Scan(
			&t.ID,
			&t.Chain,
			&t.Input,
			&t.Output,
			&t.StartedAt,
			&t.LatencyMS,
			&t.Success,
			&t.Error,
			&t.Metadata,
			&t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan trace row: %w", err)
		}
		t.StartedAt = t.StartedAt.UTC()
		t.CreatedAt = t.CreatedAt.UTC()
		traces = append(traces, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace rows: %w", err)
	}
	return traces, nil
}

func (s *PostgresStore) CountTraces(ctx context.Context, filter Filter) (int64, error) {
	where, args := postgresFilterClause(filter)
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count traces: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) GetChainStats(ctx context.Context, filter Filter) ([]ChainStats, error) {
	where, args := postgresFilterClause(filter)
	rows, err := s.db.QueryContext(ctx, `
SELECT
    chain,
    COUNT(*) AS call_count,
    AVG(latency_ms) AS avg_latency_ms,
    MIN(latency_ms) AS min_latency_ms,
    MAX(latency_ms) AS max_latency_ms,
    AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END) AS success_rate,
    MAX(started_at) AS last_call_at
FROM runs`+where+`
GROUP BY chain
ORDER BY call_count DESC, chain ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query chain stats: %w", err)
	}
	defer rows.Close()

	var stats []ChainStats
	for rows.Next() {
		var item ChainStats
		if err := rows.Scan(
			&item.Chain,
			&item.CallCount,
			&item.AvgLatencyMS,
			&item.MinLatencyMS,
			&item.MaxLatencyMS,
			&item.SuccessRate,
			&item.LastCallAt,
		); err != nil {
			return nil, fmt.Errorf("scan chain stats row: %w", err)
		}
		item.LastCallAt = item.LastCallAt.UTC()
		stats = append(stats, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chain stats rows: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) GetLatencySummary(ctx context.Context, filter Filter) (*LatencySummary, error) {
	where, args := postgresFilterClause(filter)
	row := s.db.QueryRowContext(ctx, `
SELECT
    COUNT(*),
    COALESCE(AVG(latency_ms), 0),
    COALESCE(MIN(latency_ms), 0),
    COALESCE(MAX(latency_ms), 0),
    MIN(started_at),
    MAX(started_at)
FROM runs`+where, args...)

	summary := &LatencySummary{}
	var firstAt, lastAt sql.NullTime
	if err := row.Scan(
		&summary.CallCount,
		&summary.AvgMS,
		&summary.MinMS,
		&summary.MaxMS,
		&firstAt,
		&lastAt,
	); err != nil {
		return nil, fmt.Errorf("query latency summary: %w", err)
	}
	if firstAt.Valid {
		summary.FirstCallAt = firstAt.Time.UTC()
	}
	if lastAt.Valid {
		summary.LastCallAt = lastAt.Time.UTC()
	}
	return summary, nil
}

func postgresFilterClause(filter Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if filter.Chain != "" {
		args = append(args, filter.Chain)
		clauses = append(clauses, fmt.Sprintf("chain = $%d", len(args)))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From.UTC())
		clauses = append(clauses, fmt.Sprintf("started_at >= $%d", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To.UTC())
		clauses = append(clauses, fmt.Sprintf("started_at <= $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
