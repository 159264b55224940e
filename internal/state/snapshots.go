package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type StepResult struct {
	RunID     string
	StepID    string
	Action    string
	Success   bool
	Step      map[string]any
	Result    map[string]any
	CreatedAt time.Time
}

func (db *DB) UpdateState(ctx context.Context, runID string, state map[string]any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = db.conn.ExecContext(ctx, "INSERT INTO state_snapshots (run_id, state, created_at) VALUES (?, ?, ?)",
		runID, string(raw), time.Now().UTC())
	return err
}

// LatestState returns the newest snapshot stored for runID.
func (db *DB) LatestState(ctx context.Context, runID string) (map[string]any, error) {
	var raw string
	err := db.conn.QueryRowContext(ctx, `
		SELECT state FROM state_snapshots WHERE run_id = ? ORDER BY id DESC LIMIT 1
	`, runID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("state for run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return out, nil
}

func (db *DB) StoreAnalysis(ctx context.Context, runID string, analysis map[string]any) error {
	raw, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("encode analysis: %w", err)
	}
	_, err = db.conn.ExecContext(ctx, "INSERT INTO analyses (run_id, analysis, created_at) VALUES (?, ?, ?)",
		runID, string(raw), time.Now().UTC())
	return err
}

func (db *DB) SaveStepResult(ctx context.Context, runID string, step map[string]any, result map[string]any) error {
	stepRaw, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("encode step: %w", err)
	}
	resultRaw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	stepID, _ := step["id"].(string)
	action, _ := step["action"].(string)
	success, _ := result["success"].(bool)
	_, err = db.conn.ExecContext(ctx, "INSERT INTO step_results (run_id, step_id, action, success, step, result, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		runID, stepID, action, success, string(stepRaw), string(resultRaw), time.Now().UTC())
	return err
}

func (db *DB) StepResults(ctx context.Context, runID string) ([]StepResult, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT run_id, step_id, action, success, step, result, created_at
		FROM step_results
		WHERE run_id = ?
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StepResult
	for rows.Next() {
		var sr StepResult
		var stepRaw, resultRaw string
		if err := rows.Scan(&sr.RunID, &sr.StepID, &sr.Action, &sr.Success, &stepRaw, &resultRaw, &sr.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(stepRaw), &sr.Step); err != nil {
			return nil, fmt.Errorf("decode step: %w", err)
		}
		if err := json.Unmarshal([]byte(resultRaw), &sr.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}
