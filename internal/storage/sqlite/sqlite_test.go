package sqlite_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/featurespec/internal/model"
	"github.com/ashita-ai/featurespec/internal/storage"
	"github.com/ashita-ai/featurespec/internal/storage/sqlite"
	"github.com/ashita-ai/featurespec/internal/storage/storetest"
	"github.com/ashita-ai/featurespec/internal/testutil"
)

func openTemp(t *testing.T, clock *testutil.Clock) (*sqlite.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs", "agent_logs.db")
	db, err := sqlite.Open(context.Background(), path, testutil.TestLogger(), sqlite.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock *testutil.Clock) storage.Store {
		db, _ := openTemp(t, clock)
		return db
	})
}

func TestOpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	db, path := openTemp(t, clock)

	id, err := db.CreateRun(ctx, "s", "keep me")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Reopening re-runs the migration check against an existing schema.
	again, err := sqlite.Open(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	defer func() { _ = again.Close() }()

	run, err := again.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "keep me", run.Input)
}

func TestCheckIntegrityDetectsTampering(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	db, path := openTemp(t, clock)

	id, err := db.CreateRun(ctx, "s", "p")
	require.NoError(t, err)
	raw, err := db.AppendRawResponse(ctx, id, json.RawMessage(`{"text":"original"}`))
	require.NoError(t, err)

	side, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer func() { _ = side.Close() }()
	_, err = side.ExecContext(ctx, `UPDATE raw_responses SET payload = '{"text":"edited"}' WHERE id = ?`, raw.ID)
	require.NoError(t, err)

	report, err := db.CheckIntegrity(ctx)
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Equal(t, []int64{raw.ID}, report.HashMismatches)
}

func TestCheckIntegrityDetectsOrphans(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	db, path := openTemp(t, clock)

	// A connection without foreign_keys enforcement can leave orphans behind.
	side, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer func() { _ = side.Close() }()
	_, err = side.ExecContext(ctx,
		`INSERT INTO run_items (run_id, seq, created_at, item_type, payload) VALUES (424242, 1, '2026-01-01T00:00:00.000000000Z', 'message', '{}')`)
	require.NoError(t, err)

	report, err := db.CheckIntegrity(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.OrphanedItems)
	assert.False(t, report.OK())
}

func TestStorageErrorOnClosedDB(t *testing.T) {
	clock := testutil.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	db, _ := openTemp(t, clock)
	require.NoError(t, db.Close())

	_, err := db.CreateRun(context.Background(), "s", "p")
	require.Error(t, err)
	assert.True(t, model.IsStorageError(err))
}
