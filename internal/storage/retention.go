package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/featurespec/internal/model"
)

// CleanupOldRuns deletes runs created more than maxAgeDays ago together with
// their trace rows. Counting and deletion share one transaction, so a crash
// leaves either the whole pre-cleanup or the whole post-cleanup state.
func (db *DB) CleanupOldRuns(ctx context.Context, maxAgeDays int) (model.PurgeCount, error) {
	var counts model.PurgeCount
	cutoff := db.cutoff(time.Duration(maxAgeDays) * 24 * time.Hour)

	err := db.inTx(ctx, "cleanup old runs", func(tx pgx.Tx) error {
		counts = model.PurgeCount{}
		for _, c := range []struct {
			table string
			dst   *int64
		}{
			{"run_items", &counts.Items},
			{"guardrail_results", &counts.Guardrails},
			{"raw_responses", &counts.RawResponses},
		} {
			if err := tx.QueryRow(ctx,
				`SELECT count(*) FROM `+c.table+` t JOIN agent_runs r ON r.id = t.run_id WHERE r.created_at < $1`,
				cutoff,
			).Scan(c.dst); err != nil {
				return err
			}
		}
		tag, err := tx.Exec(ctx, `DELETE FROM agent_runs WHERE created_at < $1`, cutoff)
		if err != nil {
			return err
		}
		counts.Runs = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return model.PurgeCount{}, err
	}
	if counts.Runs > 0 {
		db.logger.Info("storage: purged old runs", "runs", counts.Runs, "older_than_days", maxAgeDays)
	}
	return counts, nil
}

// CleanupCache physically removes cache entries at least maxAge old.
func (db *DB) CleanupCache(ctx context.Context, maxAge time.Duration) (model.PurgeCount, error) {
	var counts model.PurgeCount
	err := db.inTx(ctx, "cleanup cache", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM model_cache WHERE created_at <= $1`, db.cutoff(maxAge))
		if err != nil {
			return err
		}
		counts.CacheEntries = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return model.PurgeCount{}, err
	}
	return counts, nil
}
