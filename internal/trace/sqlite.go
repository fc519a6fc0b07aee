package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/promptlab/promptlab/migrations"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time; serialize writes to avoid
	// SQLITE_BUSY contention when WriteTrace/WriteBatch are called concurrently.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{Path: path, db: db}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite migrations: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("configure sqlite (%s): %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const sqliteInsertRun = `
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
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (s *SQLiteStore) WriteTrace(ctx context.Context, trace *Trace) error {
	if trace == nil {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := normalizeTrace(trace)
	err := retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, sqliteInsertRun,
			row.ID,
			row.Chain,
			row.Input,
			row.Output,
			row.StartedAt,
			row.LatencyMS,
			boolToInt(row.Success),
			row.Error,
			row.Metadata,
			row.CreatedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("write trace %q: %w", row.ID, err)
	}
	return nil
}

func (s *SQLiteStore) WriteBatch(ctx context.Context, traces []*Trace) error {
	if len(traces) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite batch transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx, sqliteInsertRun)
		if err != nil {
			return fmt.Errorf("prepare sqlite batch insert: %w", err)
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
				boolToInt(row.Success),
				row.Error,
				row.Metadata,
				row.CreatedAt,
			); err != nil {
				return fmt.Errorf("write trace %q in batch: %w", row.ID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite batch transaction: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) GetTrace(ctx context.Context, id string) (*Trace, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, chain, input, output, started_at, latency_ms, success, error, metadata, created_at
FROM runs
WHERE id = ?`, id)

	t, err := scanTrace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trace %q: %w", id, err)
	}
	return t, nil
}

func (s *SQLiteStore) QueryTraces(ctx context.Context, filter Filter) ([]*Trace, error) {
	query := `
SELECT id, chain, input, output, started_at, latency_ms, success, error, metadata, created_at
FROM runs`
	where, args := sqliteFilterClause(filter)
	query += where + " ORDER BY started_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	var traces []*Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trace row: %w", err)
		}
		traces = append(traces, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace rows: %w", err)
	}
	return traces, nil
}

func (s *SQLiteStore) CountTraces(ctx context.Context, filter Filter) (int64, error) {
	where, args := sqliteFilterClause(filter)
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count traces: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) GetChainStats(ctx context.Context, filter Filter) ([]ChainStats, error) {
	where, args := sqliteFilterClause(filter)
	rows, err := s.db.QueryContext(ctx, `
SELECT
    chain,
    COUNT(*) AS call_count,
    AVG(latency_ms) AS avg_latency_ms,
    MIN(latency_ms) AS min_latency_ms,
    MAX(latency_ms) AS max_latency_ms,
    AVG(success) AS success_rate,
    CAST(MAX(started_at) AS TEXT) AS last_call_at
FROM runs`+where+`
GROUP BY chain
ORDER BY call_count DESC, chain ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query chain stats: %w", err)
	}
	defer rows.Close()

	var stats []ChainStats
	for rows.Next() {
		var (
			item       ChainStats
			lastCallAt sql.NullString
		)
		if err := rows.Scan(
			&item.Chain,
			&item.CallCount,
			&item.AvgLatencyMS,
			&item.MinLatencyMS,
			&item.MaxLatencyMS,
			&item.SuccessRate,
			&lastCallAt,
		); err != nil {
			return nil, fmt.Errorf("scan chain stats row: %w", err)
		}
		if lastCallAt.Valid {
			parsed, err := parseSQLiteTimestamp(lastCallAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse chain stats timestamp %q: %w", lastCallAt.String, err)
			}
			item.LastCallAt = parsed
		}
		stats = append(stats, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chain stats rows: %w", err)
	}
	return stats, nil
}

func (s *SQLiteStore) GetLatencySummary(ctx context.Context, filter Filter) (*LatencySummary, error) {
	where, args := sqliteFilterClause(filter)
	row := s.db.QueryRowContext(ctx, `
SELECT
    COUNT(*),
    COALESCE(AVG(latency_ms), 0),
    COALESCE(MIN(latency_ms), 0),
    COALESCE(MAX(latency_ms), 0),
    CAST(MIN(started_at) AS TEXT),
    CAST(MAX(started_at) AS TEXT)
FROM runs`+where, args...)

	summary := &LatencySummary{}
	var firstAt, lastAt sql.NullString
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
		parsed, err := parseSQLiteTimestamp(firstAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse latency summary timestamp %q: %w", firstAt.String, err)
		}
		summary.FirstCallAt = parsed
	}
	if lastAt.Valid {
		parsed, err := parseSQLiteTimestamp(lastAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse latency summary timestamp %q: %w", lastAt.String, err)
		}
		summary.LastCallAt = parsed
	}
	return summary, nil
}

func sqliteFilterClause(filter Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if filter.Chain != "" {
		clauses = append(clauses, "chain = ?")
		args = append(args, filter.Chain)
	}
	if !filter.From.IsZero() {
		clauses = append(clauses, "started_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		clauses = append(clauses, "started_at <= ?")
		args = append(args, filter.To.UTC())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrace(row rowScanner) (*Trace, error) {
	var (
		t       Trace
		success int
	)
	if err := row.Scan(
		&t.ID,
		&t.Chain,
		&t.Input,
		&t.Output,
		&t.StartedAt,
		&t.LatencyMS,
		&success,
		&t.Error,
		&t.Metadata,
		&t.CreatedAt,
	); err != nil {
		return nil, err
	}
	t.Success = success != 0
	t.StartedAt = t.StartedAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

// parseSQLiteTimestamp handles the datetime text shapes sqlite aggregates
// produce: MAX/MIN collapse stored timestamps to TEXT, so they cannot be
// scanned into time.Time directly.
func parseSQLiteTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	withTZLayouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05 -0700 MST",
	}
	for _, layout := range withTZLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	withoutTZLayouts := []string{
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range withoutTZLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported sqlite datetime format")
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries transient lock contention so queued traces are not
// dropped during concurrent writes.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var timer *time.Timer
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "sqlite_busy") || strings.Contains(msg, "database is locked")
}
