// Package sqlite implements the trace store on an embedded SQLite database
// (modernc.org/sqlite, no cgo). It is the default store for CLI use and
// satisfies the same contract as the PostgreSQL store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/featurespec/internal/model"
	"github.com/ashita-ai/featurespec/migrations"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// timeLayout is fixed-width so lexical order on the TEXT columns is time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrNotFound is returned when a requested run does not exist.
var ErrNotFound = model.ErrNotFound

// ErrRunAlreadyCompleted is returned when a completed run is completed again
// with a different result.
var ErrRunAlreadyCompleted = model.ErrRunAlreadyCompleted

// DB is the SQLite trace store.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
	// writeMu keeps this process to one writer; BEGIN IMMEDIATE covers
	// writers in other processes.
	writeMu sync.Mutex
}

// Option configures a DB.
type Option func(*DB)

// WithClock overrides the time source used for row timestamps and cache
// expiry cutoffs.
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// Open opens (creating if needed) the database file at path and applies
// pending migrations.
func Open(ctx context.Context, path string, logger *slog.Logger, opts ...Option) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create data dir: %w", err)
		}
	}

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := openDB("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	db := &DB{db: sqlDB, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(db)
	}

	if err := db.RunMigrations(ctx, migrations.SQLite()); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

// Close closes the underlying database.
func (db *DB) Close() error {
	return db.db.Close()
}

// RunMigrations executes unapplied SQL migration files in lexical order, each
// in its own transaction together with its schema_migrations row.
func (db *DB) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := db.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("sqlite: create schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := db.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("sqlite: load applied migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			_ = rows.Close()
			return fmt.Errorf("sqlite: load applied migrations: %w", err)
		}
		applied[v] = true
	}
	_ = rows.Close()

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("sqlite: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") || applied[name] {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("sqlite: read migration %s: %w", name, err)
		}
		db.logger.Debug("running migration", "file", name)
		err = db.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(content)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
				name, db.timestamp())
			return err
		})
		if err != nil {
			return fmt.Errorf("sqlite: execute migration %s: %w", name, err)
		}
	}
	return nil
}

// inTx runs fn inside a write transaction. The DSN's _txlock=immediate makes
// every BeginTx a BEGIN IMMEDIATE, so the write lock is taken up front.
func (db *DB) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (db *DB) timestamp() string {
	return formatTime(db.now())
}

func (db *DB) cutoff(age time.Duration) string {
	return formatTime(db.now().Add(-age))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// wrap tags an I/O failure as a *model.StorageError. Sentinel results pass
// through untouched so callers can match them with errors.Is.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrRunAlreadyCompleted) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: %s: %w", op, ErrNotFound)
	}
	return &model.StorageError{Op: op, Err: err}
}
