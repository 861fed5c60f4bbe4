package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/featurespec/internal/integrity"
	"github.com/ashita-ai/featurespec/internal/model"
)

// DefaultHistoryLimit bounds RunHistory when the caller passes limit <= 0.
const DefaultHistoryLimit = 50

const runColumns = `id, created_at, session_id, input, final_output, output_type, last_agent`

// CreateRun inserts a new run with null result fields and returns its id.
func (db *DB) CreateRun(ctx context.Context, sessionID, input string) (int64, error) {
	var id int64
	err := db.pool.QueryRow(ctx,
		`INSERT INTO agent_runs (created_at, session_id, input) VALUES ($1, $2, $3) RETURNING id`,
		db.timestamp(), sessionID, input,
	).Scan(&id)
	if err != nil {
		return 0, wrap("create run", err)
	}
	return id, nil
}

// CompleteRun records the terminal result of a run. Completing an already
// completed run with identical arguments is a no-op; different arguments
// return ErrRunAlreadyCompleted.
func (db *DB) CompleteRun(ctx context.Context, runID int64, finalOutput, outputType, lastAgent string) error {
	return db.inTx(ctx, "complete run", func(tx pgx.Tx) error {
		var (
			curOutput, curType, curAgent *string
		)
		err := tx.QueryRow(ctx,
			`SELECT final_output, output_type, last_agent FROM agent_runs WHERE id = $1 FOR UPDATE`,
			runID,
		).Scan(&curOutput, &curType, &curAgent)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("storage: run %d: %w", runID, ErrNotFound)
			}
			return err
		}
		if curOutput != nil {
			if *curOutput == finalOutput && deref(curType) == outputType && deref(curAgent) == lastAgent {
				return nil
			}
			return fmt.Errorf("storage: run %d: %w", runID, ErrRunAlreadyCompleted)
		}
		_, err = tx.Exec(ctx,
			`UPDATE agent_runs SET final_output = $1, output_type = $2, last_agent = $3, completed_at = $4
			 WHERE id = $5 AND final_output IS NULL`,
			finalOutput, outputType, lastAgent, db.timestamp(), runID,
		)
		return err
	})
}

// GetRun retrieves a single run by id.
func (db *DB) GetRun(ctx context.Context, runID int64) (model.Run, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id = $1`, runID)
	run, err := scanRun(row)
	if err != nil {
		return model.Run{}, wrap("get run", err)
	}
	return run, nil
}

// RunHistory returns runs newest first, narrowed by filter and bounded by limit.
// The query runs lazily when the sequence is ranged over; ranging again re-queries.
func (db *DB) RunHistory(ctx context.Context, limit int, filter model.RunFilter) iter.Seq2[model.Run, error] {
	return func(yield func(model.Run, error) bool) {
		query, args := buildHistoryQuery(limit, filter)
		rows, err := db.pool.Query(ctx, query, args...)
		if err != nil {
			yield(model.Run{}, wrap("run history", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			run, err := scanRun(rows)
			if err != nil {
				yield(model.Run{}, wrap("scan run", err))
				return
			}
			if !yield(run, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(model.Run{}, wrap("run history", err))
		}
	}
}

func buildHistoryQuery(limit int, f model.RunFilter) (string, []any) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.SessionID != "" {
		add("session_id = $%d", f.SessionID)
	}
	if f.LastAgent != "" {
		add("last_agent = $%d", f.LastAgent)
	}
	if f.OutputType != "" {
		add("output_type = $%d", f.OutputType)
	}
	if f.Since != nil {
		add("created_at >= $%d", f.Since.UTC())
	}
	if f.Until != nil {
		add("created_at < $%d", f.Until.UTC())
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + runColumns + ` FROM agent_runs`)
	if len(conds) > 0 {
		b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))
	return b.String(), args
}

// GetRunDetail returns a run together with its replay-ordered trace.
func (db *DB) GetRunDetail(ctx context.Context, runID int64) (model.RunDetail, error) {
	run, err := db.GetRun(ctx, runID)
	if err != nil {
		return model.RunDetail{}, err
	}
	detail := model.RunDetail{Run: run}

	if detail.Items, err = db.listItems(ctx, runID); err != nil {
		return model.RunDetail{}, wrap("list items", err)
	}
	if detail.Guardrails, err = db.listGuardrails(ctx, runID); err != nil {
		return model.RunDetail{}, wrap("list guardrails", err)
	}
	if detail.RawResponses, err = db.listRawResponses(ctx, runID); err != nil {
		return model.RunDetail{}, wrap("list raw responses", err)
	}

	hashes := make([]string, len(detail.RawResponses))
	for i, r := range detail.RawResponses {
		hashes[i] = r.ContentHash
	}
	detail.TraceDigest = integrity.BuildMerkleRoot(hashes)
	return detail, nil
}

func scanRun(row pgx.Row) (model.Run, error) {
	var r model.Run
	if err := row.Scan(&r.ID, &r.CreatedAt, &r.SessionID, &r.Input, &r.FinalOutput, &r.OutputType, &r.LastAgent); err != nil {
		return model.Run{}, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.Status = r.DeriveStatus()
	return r, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// cutoff returns the instant before which rows older than age are stale.
func (db *DB) cutoff(age time.Duration) time.Time {
	return db.timestamp().Add(-age)
}
