package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "migrations.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func TestApplyCreatesRunsTable(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := Apply(ctx, db, DriverSQLite); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	var name string
	err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name='runs'`).Scan(&name)
	if err != nil {
		t.Fatalf("runs table missing after migrations: %v", err)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := Apply(ctx, db, DriverSQLite); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	if err := Apply(ctx, db, DriverSQLite); err != nil {
		t.Fatalf("second Apply: %v", err)
	}

	var applied int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatalf("count schema_migrations: %v", err)
	}
	if applied == 0 {
		t.Error("no migrations recorded in schema_migrations")
	}
}

func TestApplyRejectsUnknownDriver(t *testing.T) {
	db := openTestDB(t)
	if err := Apply(context.Background(), db, "mysql"); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestApplyRequiresDatabase(t *testing.T) {
	if err := Apply(context.Background(), nil, DriverSQLite); err == nil {
		t.Error("expected error for nil database")
	}
}
