package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/ashita-ai/featurespec/internal/model"
	"github.com/ashita-ai/featurespec/internal/storage/sqlite"
	"github.com/ashita-ai/featurespec/migrations"
)

// Store is the trace-store contract shared by the PostgreSQL and SQLite
// implementations.
type Store interface {
	CreateRun(ctx context.Context, sessionID, input string) (int64, error)
	CompleteRun(ctx context.Context, runID int64, finalOutput, outputType, lastAgent string) error
	AppendItem(ctx context.Context, runID int64, itemType model.ItemType, payload json.RawMessage, sourceAgent, targetAgent *string) (model.RunItem, error)
	AppendGuardrailResult(ctx context.Context, runID int64, kind model.GuardrailType, result json.RawMessage) (model.GuardrailResult, error)
	AppendRawResponse(ctx context.Context, runID int64, payload json.RawMessage) (model.RawResponse, error)

	GetRun(ctx context.Context, runID int64) (model.Run, error)
	RunHistory(ctx context.Context, limit int, filter model.RunFilter) iter.Seq2[model.Run, error]
	GetRunDetail(ctx context.Context, runID int64) (model.RunDetail, error)

	GetCache(ctx context.Context, key string, maxAge time.Duration) (model.CacheEntry, bool, error)
	SetCache(ctx context.Context, key, response string, meta model.CacheMetadata) error

	CleanupOldRuns(ctx context.Context, maxAgeDays int) (model.PurgeCount, error)
	CleanupCache(ctx context.Context, maxAge time.Duration) (model.PurgeCount, error)
	CheckIntegrity(ctx context.Context) (model.IntegrityReport, error)

	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*DB)(nil)
	_ Store = (*sqlite.DB)(nil)
)

// IsPostgresURL reports whether databaseURL selects the PostgreSQL store.
func IsPostgresURL(databaseURL string) bool {
	return strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://")
}

// Open returns the store selected by databaseURL: a postgres:// URL opens
// the PostgreSQL store, anything else is treated as a SQLite file path.
// Migrations are applied in both cases.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (Store, error) {
	if !IsPostgresURL(databaseURL) {
		db, err := sqlite.Open(ctx, strings.TrimPrefix(databaseURL, "sqlite://"), logger)
		if err != nil {
			return nil, err
		}
		logger.Info("trace store ready", "driver", "sqlite", "path", databaseURL)
		return db, nil
	}

	db, err := New(ctx, databaseURL, logger)
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	logger.Info("trace store ready", "driver", "postgres")
	return db, nil
}
