package state

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// GetPreferences returns every stored preference, decoded from JSON.
func (db *DB) GetPreferences(ctx context.Context) (map[string]any, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT key, value FROM preferences ORDER BY key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]any{}
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (db *DB) SetPreference(ctx context.Context, key string, value any) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("preference key is empty")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO preferences (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, string(raw), time.Now().UTC())
	return err
}

func (db *DB) DeletePreference(ctx context.Context, key string) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM preferences WHERE key = ?`, strings.TrimSpace(key))
	return err
}
