package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blipee/pulse/errors"
)

func TestOpenWithMigrations(t *testing.T) {
	ctx := context.Background()

	t.Run("creates every table", func(t *testing.T) {
		db, err := OpenWithMigrations(ctx, "sqlite3", filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		defer db.Close()

		for _, table := range []string{"schema_migrations", "jobs", "execution_logs", "service_instances"} {
			var n int
			err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
			require.NoError(t, err)
			assert.Equal(t, 1, n, "table %s should exist", table)
		}
	})

	t.Run("migration errors include stack traces", func(t *testing.T) {
		tmpDir := t.TempDir()
		dbPath := filepath.Join(tmpDir, "test.db")

		first, err := Open("sqlite3", dbPath, nil)
		require.NoError(t, err)
		first.Close()

		if os.Geteuid() == 0 {
			t.Skip("root ignores directory permissions")
		}
		// Read-only directory: WAL files can't be created
		require.NoError(t, os.Chmod(tmpDir, 0o555))
		defer os.Chmod(tmpDir, 0o755)

		db, err := OpenWithMigrations(ctx, "sqlite3", dbPath, nil)
		require.Error(t, err)
		assert.Nil(t, db)

		detailed := fmt.Sprintf("%+v", err)
		assert.Contains(t, detailed, "stack trace:", "error should include stack trace")
	})
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()

	open := func(t *testing.T) *sql.DB {
		db, err := Open("sqlite3", filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		return db
	}

	t.Run("records each migration", func(t *testing.T) {
		db := open(t)
		require.NoError(t, Migrate(ctx, db, SQLite, nil))

		files, err := Migrations(SQLite)
		require.NoError(t, err)

		var count int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
		assert.Equal(t, len(files), count)
	})

	t.Run("is idempotent", func(t *testing.T) {
		db := open(t)
		require.NoError(t, Migrate(ctx, db, SQLite, nil))
		require.NoError(t, Migrate(ctx, db, SQLite, nil), "running migrations multiple times should be safe")
	})

	t.Run("live instance ids are unique", func(t *testing.T) {
		db := open(t)
		require.NoError(t, Migrate(ctx, db, SQLite, nil))

		insert := "INSERT INTO service_instances (instance_id, status, started_at) VALUES (?, ?, '2026-10-18T00:00:00.000000000Z')"
		_, err := db.Exec(insert, "w1", "stopped")
		require.NoError(t, err)
		_, err = db.Exec(insert, "w1", "running")
		require.NoError(t, err, "a stopped row does not block a live one")

		_, err = db.Exec(insert, "w1", "starting")
		require.Error(t, err)
		assert.True(t, IsUniqueViolation(err))
	})

	t.Run("fails on closed database", func(t *testing.T) {
		db := open(t)
		db.Close()
		require.Error(t, Migrate(ctx, db, SQLite, nil))
	})
}

func TestMigratePostgresTakesAdvisoryLock(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	files, err := Migrations(Postgres)
	require.NoError(t, err)
	require.NotEmpty(t, files)

	mock.ExpectExec("SELECT pg_advisory_lock($1)").
		WithArgs(migrationLockID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	for _, f := range files {
		mock.ExpectQuery("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)").
			WithArgs(strings.Split(f, "_")[0]).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	}
	mock.ExpectExec("SELECT pg_advisory_unlock($1)").
		WithArgs(migrationLockID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, Migrate(context.Background(), db, Postgres, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigratePostgresLockFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("SELECT pg_advisory_lock").WillReturnError(errors.New("connection reset"))

	err = Migrate(context.Background(), db, Postgres, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migration lock")
}
