package storage

import (
	"context"
	"encoding/json"

	"github.com/ashita-ai/featurespec/internal/integrity"
	"github.com/ashita-ai/featurespec/internal/model"
)

// CheckIntegrity runs a structural self-check: orphaned trace rows, enum values
// outside their sets, and raw responses whose content hash no longer matches.
// It reads the whole raw_responses table and is meant for diagnostics only.
func (db *DB) CheckIntegrity(ctx context.Context) (model.IntegrityReport, error) {
	var r model.IntegrityReport

	counts := []struct {
		query string
		dst   *int64
	}{
		{`SELECT count(*) FROM agent_runs`, &r.RunsChecked},
		{`SELECT count(*) FROM run_items t LEFT JOIN agent_runs r ON r.id = t.run_id WHERE r.id IS NULL`, &r.OrphanedItems},
		{`SELECT count(*) FROM guardrail_results t LEFT JOIN agent_runs r ON r.id = t.run_id WHERE r.id IS NULL`, &r.OrphanedGuardrails},
		{`SELECT count(*) FROM raw_responses t LEFT JOIN agent_runs r ON r.id = t.run_id WHERE r.id IS NULL`, &r.OrphanedRawResponse},
		{`SELECT count(*) FROM run_items WHERE item_type NOT IN ('message', 'handoff', 'model_call', 'final_output')`, &r.InvalidItemTypes},
		{`SELECT count(*) FROM guardrail_results WHERE guardrail_type NOT IN ('input', 'output')`, &r.InvalidGuardrails},
	}
	for _, c := range counts {
		if err := db.pool.QueryRow(ctx, c.query).Scan(c.dst); err != nil {
			return model.IntegrityReport{}, wrap("check integrity", err)
		}
	}

	rows, err := db.pool.Query(ctx, `SELECT id, run_id, payload, content_hash FROM raw_responses ORDER BY id`)
	if err != nil {
		return model.IntegrityReport{}, wrap("check integrity", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, runID int64
			payload   string
			hash      string
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
		db.logger.Warn("storage: integrity check found problems",
			"orphaned_items", r.OrphanedItems,
			"hash_mismatches", len(r.HashMismatches))
	}
	return r, nil
}
