package db

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/blipee/pulse/errors"
)

// SQLiteBusyTimeoutMS is how long a SQLite writer waits for the lock before SQLITE_BUSY
const SQLiteBusyTimeoutMS = 5000

// sqliteParams are appended to SQLite DSNs so every pooled connection gets them.
// PRAGMAs issued with db.Exec would only reach one connection.
var sqliteParams = []string{
	"_busy_timeout=5000",
	"_journal_mode=WAL",
	"_foreign_keys=on",
	"_txlock=immediate",
}

// Open opens the job store database for the given driver ("sqlite3" or "postgres").
// If logger is provided, logs database operations; otherwise operates silently.
func Open(driver, dsn string, logger *zap.SugaredLogger) (*sql.DB, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Debugw("Opening database", "driver", driver)
	}

	if dialect == SQLite {
		dsn = SQLiteDSN(dsn)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to connect to %s database", driver)
	}

	if logger != nil {
		logger.Infow("Database opened successfully", "driver", driver)
	}

	return db, nil
}

// OpenWithMigrations opens the database and applies pending migrations
func OpenWithMigrations(ctx context.Context, driver, dsn string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(driver, dsn, logger)
	if err != nil {
		return nil, err
	}

	dialect, _ := DialectFor(driver)
	if err := Migrate(ctx, db, dialect, logger); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}

	return db, nil
}

// SQLiteDSN turns a path (or file: URI) into a DSN carrying the connection parameters
// Pulse relies on. Parameters already present are left alone.
func SQLiteDSN(path string) string {
	base, query, _ := strings.Cut(path, "?")
	if !strings.HasPrefix(base, "file:") {
		base = "file:" + base
	}

	params := []string{}
	if query != "" {
		params = append(params, query)
	}
	for _, p := range sqliteParams {
		key, _, _ := strings.Cut(p, "=")
		if !strings.Contains(query, key+"=") {
			params = append(params, p)
		}
	}
	return base + "?" + strings.Join(params, "&")
}
