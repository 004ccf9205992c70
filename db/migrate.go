package db

import (
	"context"
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/blipee/pulse/errors"
)

//go:embed sqlite/migrations/*.sql postgres/migrations/*.sql
var migrations embed.FS

// migrationLockID serializes concurrent migrators on postgres (pg_advisory_lock key)
const migrationLockID = 727_001

func migrationDir(d Dialect) string {
	if d == Postgres {
		return "postgres/migrations"
	}
	return "sqlite/migrations"
}

// Migrations lists the embedded migration files for a dialect in apply order
func Migrations(d Dialect) ([]string, error) {
	entries, err := migrations.ReadDir(migrationDir(d))
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	// 000_create_schema_migrations.sql runs first
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// Migrate runs all pending migrations for the dialect.
// Every statement runs on one pinned connection so the postgres advisory lock
// covers the whole run.
func Migrate(ctx context.Context, db *sql.DB, d Dialect, logger *zap.SugaredLogger) error {
	files, err := Migrations(d)
	if err != nil {
		return err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire connection for migrations")
	}
	defer conn.Close()

	if d == Postgres {
		if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
			return errors.Wrap(err, "failed to acquire migration lock")
		}
		defer conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockID)
	}

	applied := 0
	for _, filename := range files {
		version := strings.Split(filename, "_")[0]

		// schema_migrations is created by 000
		var exists bool
		err := conn.QueryRowContext(ctx,
			d.Rebind("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)"), version,
		).Scan(&exists)
		if err != nil {
			if version != "000" {
				return errors.Newf("schema_migrations table missing, but migration is not 000: %s", filename)
			}
		} else if exists {
			if logger != nil {
				logger.Debugw("Skipping migration (already applied)",
					"migration", filename,
					"version", version,
				)
			}
			continue
		}

		sqlBytes, err := migrations.ReadFile(path.Join(migrationDir(d), filename))
		if err != nil {
			return errors.Wrapf(err, "read %s", filename)
		}

		if logger != nil {
			logger.Infow("Applying migration",
				"migration", filename,
				"version", version,
			)
		}

		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrapf(err, "begin tx for %s", filename)
		}

		if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "execute %s", filename)
		}

		// 000 creates the table, then records itself
		if _, err := tx.ExecContext(ctx, d.Rebind("INSERT INTO schema_migrations (version) VALUES (?)"), version); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record %s", filename)
		}

		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit %s", filename)
		}
		applied++
	}

	if logger != nil {
		logger.Infow("Migrations complete",
			"dialect", d.String(),
			"total_migrations", len(files),
			"applied", applied,
		)
	}

	return nil
}
