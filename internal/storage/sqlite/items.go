package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashita-ai/featurespec/internal/integrity"
	"github.com/ashita-ai/featurespec/internal/model"
)

func nextSeq(ctx context.Context, tx *sql.Tx, runID int64) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`UPDATE agent_runs SET next_seq = next_seq + 1 WHERE id = ? RETURNING next_seq`, runID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("sqlite: run %d: %w", runID, ErrNotFound)
	}
	return seq, err
}

// AppendItem appends a run item and returns it with its assigned id and seq.
func (db *DB) AppendItem(ctx context.Context, runID int64, itemType model.ItemType, payload json.RawMessage, sourceAgent, targetAgent *string) (model.RunItem, error) {
	if !itemType.Valid() {
		return model.RunItem{}, fmt.Errorf("sqlite: invalid item type %q", itemType)
	}
	item := model.RunItem{
		RunID:       runID,
		ItemType:    itemType,
		Payload:     payload,
		SourceAgent: sourceAgent,
		TargetAgent: targetAgent,
	}
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		seq, err := nextSeq(ctx, tx, runID)
		if err != nil {
			return err
		}
		// Stamped under the write lock so created_at order agrees with seq.
		now := db.now().UTC()
		item.Seq, item.CreatedAt = seq, now
		res, err := tx.ExecContext(ctx,
			`INSERT INTO run_items (run_id, seq, created_at, item_type, payload, source_agent, target_agent)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, seq, formatTime(now), string(itemType), string(payload), sourceAgent, targetAgent)
		if err != nil {
			return err
		}
		item.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return model.RunItem{}, wrap("append item", err)
	}
	return item, nil
}

// AppendGuardrailResult appends a guardrail outcome.
func (db *DB) AppendGuardrailResult(ctx context.Context, runID int64, kind model.GuardrailType, result json.RawMessage) (model.GuardrailResult, error) {
	if !kind.Valid() {
		return model.GuardrailResult{}, fmt.Errorf("sqlite: invalid guardrail type %q", kind)
	}
	g := model.GuardrailResult{
		RunID:         runID,
		GuardrailType: kind,
		Result:        result,
	}
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		seq, err := nextSeq(ctx, tx, runID)
		if err != nil {
			return err
		}
		now := db.now().UTC()
		g.Seq, g.CreatedAt = seq, now
		res, err := tx.ExecContext(ctx,
			`INSERT INTO guardrail_results (run_id, seq, created_at, guardrail_type, result) VALUES (?, ?, ?, ?, ?)`,
			runID, seq, formatTime(now), string(kind), string(result))
		if err != nil {
			return err
		}
		g.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return model.GuardrailResult{}, wrap("append guardrail result", err)
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
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		seq, err := nextSeq(ctx, tx, runID)
		if err != nil {
			return err
		}
		now := db.now().UTC()
		r.Seq, r.CreatedAt = seq, now
		res, err := tx.ExecContext(ctx,
			`INSERT INTO raw_responses (run_id, seq, created_at, payload, content_hash) VALUES (?, ?, ?, ?, ?)`,
			runID, seq, formatTime(now), string(payload), r.ContentHash)
		if err != nil {
			return err
		}
		r.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return model.RawResponse{}, wrap("append raw response", err)
	}
	return r, nil
}

func (db *DB) listItems(ctx context.Context, runID int64) ([]model.RunItem, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT id, run_id, seq, created_at, item_type, payload, source_agent, target_agent
		 FROM run_items WHERE run_id = ? ORDER BY created_at, seq`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	items := []model.RunItem{}
	for rows.Next() {
		var (
			it             model.RunItem
			createdAt, typ string
			payload        string
			source, target sql.NullString
		)
		if err := rows.Scan(&it.ID, &it.RunID, &it.Seq, &createdAt, &typ, &payload, &source, &target); err != nil {
			return nil, err
		}
		if it.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		it.ItemType = model.ItemType(typ)
		it.Payload = json.RawMessage(payload)
		it.SourceAgent = nullable(source)
		it.TargetAgent = nullable(target)
		items = append(items, it)
	}
	return items, rows.Err()
}

func (db *DB) listGuardrails(ctx context.Context, runID int64) ([]model.GuardrailResult, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT id, run_id, seq, created_at, guardrail_type, result
		 FROM guardrail_results WHERE run_id = ? ORDER BY created_at, seq`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	results := []model.GuardrailResult{}
	for rows.Next() {
		var (
			g              model.GuardrailResult
			createdAt, typ string
			result         string
		)
		if err := rows.Scan(&g.ID, &g.RunID, &g.Seq, &createdAt, &typ, &result); err != nil {
			return nil, err
		}
		if g.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		g.GuardrailType = model.GuardrailType(typ)
		g.Result = json.RawMessage(result)
		results = append(results, g)
	}
	return results, rows.Err()
}

func (db *DB) listRawResponses(ctx context.Context, runID int64) ([]model.RawResponse, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT id, run_id, seq, created_at, payload, content_hash
		 FROM raw_responses WHERE run_id = ? ORDER BY created_at, seq`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	responses := []model.RawResponse{}
	for rows.Next() {
		var (
			r                  model.RawResponse
			createdAt, payload string
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.Seq, &createdAt, &payload, &r.ContentHash); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		r.Payload = json.RawMessage(payload)
		responses = append(responses, r)
	}
	return responses, rows.Err()
}
