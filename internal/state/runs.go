package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const DefaultRunListLimit = 50

type Run struct {
	RunID      string
	ThreadID   string
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
}

func (db *DB) RecordRun(ctx context.Context, threadID, runID string) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("run id is empty")
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO runs (run_id, thread_id, status, started_at)
		VALUES (?, ?, 'running', ?)
		ON CONFLICT(run_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			status = 'running',
			started_at = excluded.started_at,
			finished_at = NULL
	`, runID, strings.TrimSpace(threadID), time.Now().UTC())
	return err
}

func (db *DB) FinishRun(ctx context.Context, runID, status string) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ? WHERE run_id = ?
	`, strings.TrimSpace(status), time.Now().UTC(), strings.TrimSpace(runID))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// ListRuns returns the most recent runs first. A non-positive limit uses
// DefaultRunListLimit.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = DefaultRunListLimit
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT run_id, thread_id, status, started_at, finished_at
		FROM runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var finished sql.NullTime
		if err := rows.Scan(&r.RunID, &r.ThreadID, &r.Status, &r.StartedAt, &finished); err != nil {
			return nil, err
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
