package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/ashita-ai/featurespec/internal/model"
)

// CleanupOldRuns deletes runs created more than maxAgeDays ago together with
// their trace rows, in one transaction.
func (db *DB) CleanupOldRuns(ctx context.Context, maxAgeDays int) (model.PurgeCount, error) {
	var counts model.PurgeCount
	cutoff := db.cutoff(time.Duration(maxAgeDays) * 24 * time.Hour)

	err := db.inTx(ctx, func(tx *sql.Tx) error {
		for _, c := range []struct {
			table string
			dst   *int64
		}{
			{"run_items", &counts.Items},
			{"guardrail_results", &counts.Guardrails},
			{"raw_responses", &counts.RawResponses},
		} {
			if err := tx.QueryRowContext(ctx,
				`SELECT count(*) FROM `+c.table+` WHERE run_id IN (SELECT id FROM agent_runs WHERE created_at < ?)`,
				cutoff,
			).Scan(c.dst); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM agent_runs WHERE created_at < ?`, cutoff)
		if err != nil {
			return err
		}
		counts.Runs, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return model.PurgeCount{}, wrap("cleanup old runs", err)
	}
	if counts.Runs > 0 {
		db.logger.Info("sqlite: purged old runs", "runs", counts.Runs, "older_than_days", maxAgeDays)
	}
	return counts, nil
}

// CleanupCache physically removes cache entries at least maxAge old.
func (db *DB) CleanupCache(ctx context.Context, maxAge time.Duration) (model.PurgeCount, error) {
	var counts model.PurgeCount
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM model_cache WHERE created_at <= ?`, db.cutoff(maxAge))
		if err != nil {
			return err
		}
		counts.CacheEntries, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return model.PurgeCount{}, wrap("cleanup cache", err)
	}
	return counts, nil
}
