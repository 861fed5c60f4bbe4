package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/ashita-ai/featurespec/internal/integrity"
	"github.com/ashita-ai/featurespec/internal/model"
)

// DefaultHistoryLimit bounds RunHistory when the caller passes limit <= 0.
const DefaultHistoryLimit = 50

const runColumns = `id, created_at, session_id, input, final_output, output_type, last_agent`

// CreateRun inserts a new run with null result fields and returns its id.
func (db *DB) CreateRun(ctx context.Context, sessionID, input string) (int64, error) {
	var id int64
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO agent_runs (created_at, session_id, input) VALUES (?, ?, ?)`,
			db.timestamp(), sessionID, input)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, wrap("create run", err)
	}
	return id, nil
}

// CompleteRun records the terminal result of a run. Completing an already
// completed run with identical arguments is a no-op; different arguments
// return ErrRunAlreadyCompleted.
func (db *DB) CompleteRun(ctx context.Context, runID int64, finalOutput, outputType, lastAgent string) error {
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		var curOutput, curType, curAgent sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT final_output, output_type, last_agent FROM agent_runs WHERE id = ?`, runID,
		).Scan(&curOutput, &curType, &curAgent)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlite: run %d: %w", runID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if curOutput.Valid {
			if curOutput.String == finalOutput && curType.String == outputType && curAgent.String == lastAgent {
				return nil
			}
			return fmt.Errorf("sqlite: run %d: %w", runID, ErrRunAlreadyCompleted)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE agent_runs SET final_output = ?, output_type = ?, last_agent = ?, completed_at = ?
			 WHERE id = ? AND final_output IS NULL`,
			finalOutput, outputType, lastAgent, db.timestamp(), runID)
		return err
	})
	return wrap("complete run", err)
}

// GetRun retrieves a single run by id.
func (db *DB) GetRun(ctx context.Context, runID int64) (model.Run, error) {
	row := db.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id = ?`, runID)
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
		rows, err := db.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(model.Run{}, wrap("run history", err))
			return
		}
		defer func() { _ = rows.Close() }()

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
	if f.SessionID != "" {
		conds, args = append(conds, "session_id = ?"), append(args, f.SessionID)
	}
	if f.LastAgent != "" {
		conds, args = append(conds, "last_agent = ?"), append(args, f.LastAgent)
	}
	if f.OutputType != "" {
		conds, args = append(conds, "output_type = ?"), append(args, f.OutputType)
	}
	if f.Since != nil {
		conds, args = append(conds, "created_at >= ?"), append(args, formatTime(*f.Since))
	}
	if f.Until != nil {
		conds, args = append(conds, "created_at < ?"), append(args, formatTime(*f.Until))
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + runColumns + ` FROM agent_runs`)
	if len(conds) > 0 {
		b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, id DESC LIMIT ?")
	return b.String(), append(args, limit)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (model.Run, error) {
	var (
		r                             model.Run
		createdAt                     string
		finalOutput, outType, lastAgt sql.NullString
	)
	if err := row.Scan(&r.ID, &createdAt, &r.SessionID, &r.Input, &finalOutput, &outType, &lastAgt); err != nil {
		return model.Run{}, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return model.Run{}, err
	}
	r.CreatedAt = t
	r.FinalOutput = nullable(finalOutput)
	r.OutputType = nullable(outType)
	r.LastAgent = nullable(lastAgt)
	r.Status = r.DeriveStatus()
	return r, nil
}

func nullable(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
