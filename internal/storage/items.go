package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/featurespec/internal/integrity"
	"github.com/ashita-ai/featurespec/internal/model"
)

// nextSeq advances the run's trace counter. The UPDATE holds the run's row
// lock until tx ends, serializing concurrent appends to the same run. Rows are
// stamped after this call so created_at order agrees with seq.
func nextSeq(ctx context.Context, tx pgx.Tx, runID int64) (int64, error) {
	var seq int64
	err := tx.QueryRow(ctx,
		`UPDATE agent_runs SET next_seq = next_seq + 1 WHERE id = $1 RETURNING next_seq`, runID,
	).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("storage: run %d: %w", runID, ErrNotFound)
		}
		return 0, err
	}
	return seq, nil
}

// AppendItem appends a run item and returns it with its assigned id and seq.
func (db *DB) AppendItem(ctx context.Context, runID int64, itemType model.ItemType, payload json.RawMessage, sourceAgent, targetAgent *string) (model.RunItem, error) {
	if !itemType.Valid() {
		return model.RunItem{}, fmt.Errorf("storage: invalid item type %q", itemType)
	}
	item := model.RunItem{
		RunID:       runID,
		ItemType:    itemType,
		Payload:     payload,
		SourceAgent: sourceAgent,
		TargetAgent: targetAgent,
	}
	err := db.inTx(ctx, "append item", func(tx pgx.Tx) error {
		seq, err := nextSeq(ctx, tx, runID)
		if err != nil {
			return err
		}
		item.Seq, item.CreatedAt = seq, db.timestamp()
		return tx.QueryRow(ctx,
			`INSERT INTO run_items (run_id, seq, created_at, item_type, payload, source_agent, target_agent)
			 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
			runID, seq, item.CreatedAt, string(itemType), []byte(payload), sourceAgent, targetAgent,
		).Scan(&item.ID)
	})
	if err != nil {
		return model.RunItem{}, err
	}
	return item, nil
}

// AppendGuardrailResult appends a guardrail outcome.
func (db *DB) AppendGuardrailResult(ctx context.Context, runID int64, kind model.GuardrailType, result json.RawMessage) (model.GuardrailResult, error) {
	if !kind.Valid() {
		return model.GuardrailResult{}, fmt.Errorf("storage: invalid guardrail type %q", kind)
	}
	g := model.GuardrailResult{
		RunID:         runID,
		GuardrailType: kind,
		Result:        result,
	}
	err := db.inTx(ctx, "append guardrail result", func(tx pgx.Tx) error {
		seq, err := nextSeq(ctx, tx, runID)
		if err != nil {
			return err
		}
		g.Seq, g.CreatedAt = seq, db.timestamp()
		return tx.QueryRow(ctx,
			`INSERT INTO guardrail_results (run_id, seq, created_at, guardrail_type, result)
			 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			runID, seq, g.CreatedAt, string(kind), []byte(result),
		).Scan(&g.ID)
	})
	if err != nil {
		return model.GuardrailResult{}, err
	}
	return g, nil
}

// AppendRawResponse stores a backend payload verbatim together with its content hash.
func (db *DB) AppendRawResponse(ctx context.Context, runID int64, payload json.RawMessage) (model.RawResponse, error) {
	r := model.RawResponse{
		RunID:       runID,
		Payload:     payload,
		ContentHash: integrity.ComputeContentHash(runID, payload),
	}
	err := db.inTx(ctx, "append raw response", func(tx pgx.Tx) error {
		seq, err := nextSeq(ctx, tx, runID)
		if err != nil {
			return err
		}
		r.Seq, r.CreatedAt = seq, db.timestamp()
		return tx.QueryRow(ctx,
			`INSERT INTO raw_responses (run_id, seq, created_at, payload, content_hash)
			 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			runID, seq, r.CreatedAt, string(payload), r.ContentHash,
		).Scan(&r.ID)
	})
	if err != nil {
		return model.RawResponse{}, err
	}
	return r, nil
}

func (db *DB) listItems(ctx context.Context, runID int64) ([]model.RunItem, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, seq, created_at, item_type, payload, source_agent, target_agent
		 FROM run_items WHERE run_id = $1 ORDER BY created_at, seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []model.RunItem{}
	for rows.Next() {
		var (
			it      model.RunItem
			payload []byte
		)
		if err := rows.Scan(&it.ID, &it.RunID, &it.Seq, &it.CreatedAt, &it.ItemType, &payload, &it.SourceAgent, &it.TargetAgent); err != nil {
			return nil, err
		}
		it.CreatedAt = it.CreatedAt.UTC()
		it.Payload = payload
		items = append(items, it)
	}
	return items, rows.Err()
}

func (db *DB) listGuardrails(ctx context.Context, runID int64) ([]model.GuardrailResult, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, seq, created_at, guardrail_type, result
		 FROM guardrail_results WHERE run_id = $1 ORDER BY created_at, seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []model.GuardrailResult{}
	for rows.Next() {
		var (
			g      model.GuardrailResult
			result []byte
		)
		if err := rows.Scan(&g.ID, &g.RunID, &g.Seq, &g.CreatedAt, &g.GuardrailType, &result); err != nil {
			return nil, err
		}
		g.CreatedAt = g.CreatedAt.UTC()
		g.Result = result
		results = append(results, g)
	}
	return results, rows.Err()
}

func (db *DB) listRawResponses(ctx context.Context, runID int64) ([]model.RawResponse, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, seq, created_at, payload, content_hash
		 FROM raw_responses WHERE run_id = $1 ORDER BY created_at, seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	responses := []model.RawResponse{}
	for rows.Next() {
		var (
			r       model.RawResponse
			payload string
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.Seq, &r.CreatedAt, &payload, &r.ContentHash); err != nil {
			return nil, err
		}
		r.CreatedAt = r.CreatedAt.UTC()
		r.Payload = json.RawMessage(payload)
		responses = append(responses, r)
	}
	return responses, rows.Err()
}
