package sqlite

import (
	"context"
	"encoding/json"

	"github.com/ashita-ai/featurespec/internal/integrity"
	"github.com/ashita-ai/featurespec/internal/model"
)

// CheckIntegrity runs a structural self-check: orphaned trace rows (possible
// when a database was written with foreign_keys off), enum values outside
// their sets, and raw responses whose content hash no longer matches.
func (db *DB) CheckIntegrity(ctx context.Context) (model.IntegrityReport, error) {
	var r model.IntegrityReport

	counts := []struct {
		query string
		dst   *int64
	}{
		{`SELECT count(*) FROM agent_runs`, &r.RunsChecked},
		{`SELECT count(*) FROM run_items WHERE run_id NOT IN (SELECT id FROM agent_runs)`, &r.OrphanedItems},
		{`SELECT count(*) FROM guardrail_results WHERE run_id NOT IN (SELECT id FROM agent_runs)`, &r.OrphanedGuardrails},
		{`SELECT count(*) FROM raw_responses WHERE run_id NOT IN (SELECT id FROM agent_runs)`, &r.OrphanedRawResponse},
		{`SELECT count(*) FROM run_items WHERE item_type NOT IN ('message', 'handoff', 'model_call', 'final_output')`, &r.InvalidItemTypes},
		{`SELECT count(*) FROM guardrail_results WHERE guardrail_type NOT IN ('input', 'output')`, &r.InvalidGuardrails},
	}
	for _, c := range counts {
		if err := db.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return model.IntegrityReport{}, wrap("check integrity", err)
		}
	}

	rows, err := db.db.QueryContext(ctx, `SELECT id, run_id, payload, content_hash FROM raw_responses ORDER BY id`)
	if err != nil {
		return model.IntegrityReport{}, wrap("check integrity", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			id, runID     int64
			payload, hash string
		)
		if err := rows.Scan(&id, &runID, &payload, &hash); err != nil {
			return model.IntegrityReport{}, wrap("check integrity", err)
		}
		if !integrity.VerifyContentHash(hash, runID, json.RawMessage(payload)) {
			r.HashMismatches = append(r.HashMismatches, id)
		}
	}
	if err := rows.Err(); err != nil {
		return model.IntegrityReport{}, wrap("check integrity", err)
	}

	if !r.OK() {
		db.logger.Warn("sqlite: integrity check found problems",
			"orphaned_items", r.OrphanedItems,
			"hash_mismatches", len(r.HashMismatches))
	}
	return r, nil
}
