// Copyright 2026 Forgeline Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage provides the storage.kv.* capability family: a SQLite-
// backed key/value store partitioned by workflow scope and table name.
// Values are stored as JSON text so any step output round-trips intact.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forgeline/stepflow/internal/registry"
)

// KV is the storage.kv capability backed by a shared SQLite handle.
type KV struct {
	db *sql.DB
}

// New creates the kv capability over db and runs its migration. The handle
// is shared with the run store; this package only touches kv_entries.
func New(ctx context.Context, db *sql.DB) (*KV, error) {
	const migration = `CREATE TABLE IF NOT EXISTS kv_entries (
		scope TEXT NOT NULL,
		tbl TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (scope, tbl, key)
	)`
	if _, err := db.ExecContext(ctx, migration); err != nil {
		return nil, fmt.Errorf("migrating kv_entries: %w", err)
	}
	return &KV{db: db}, nil
}

// Register wires the storage family into reg.
func Register(reg *registry.Registry, kv *KV) error {
	entries := []struct {
		path        string
		description string
		fn          registry.Func
	}{
		{"storage.kv.set", "Store a value under scope/table/key; returns the stored value", kv.set},
		{"storage.kv.get", "Read the value under scope/table/key; null when absent", kv.get},
		{"storage.kv.delete", "Delete the value under scope/table/key; returns whether it existed", kv.del},
		{"storage.kv.list", "List {key, value} entries in scope/table ordered by key", kv.list},
	}
	for _, e := range entries {
		if err := reg.Register(e.path, e.description, e.fn); err != nil {
			return err
		}
	}
	return nil
}

func (kv *KV) set(ctx context.Context, inputs map[string]any) (any, error) {
	scope, table, err := scopeAndTable(inputs)
	if err != nil {
		return nil, err
	}
	key, err := requireString(inputs, "key")
	if err != nil {
		return nil, err
	}
	value, ok := inputs["value"]
	if !ok {
		return nil, fmt.Errorf("missing required parameter: value")
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encoding value: %w", err)
	}

	const query = `INSERT INTO kv_entries (scope, tbl, key, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scope, tbl, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := kv.db.ExecContext(ctx, query, scope, table, key, string(encoded), now); err != nil {
		return nil, fmt.Errorf("storing %s/%s/%s: %w", scope, table, key, err)
	}
	return value, nil
}

func (kv *KV) get(ctx context.Context, inputs map[string]any) (any, error) {
	scope, table, err := scopeAndTable(inputs)
	if err != nil {
		return nil, err
	}
	key, err := requireString(inputs, "key")
	if err != nil {
		return nil, err
	}

	const query = `SELECT value FROM kv_entries WHERE scope = ? AND tbl = ? AND key = ?`
	var encoded string
	err = kv.db.QueryRowContext(ctx, query, scope, table, key).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s/%s: %w", scope, table, key, err)
	}

	var value any
	if err := json.Unmarshal([]byte(encoded), &value); err != nil {
		return nil, fmt.Errorf("decoding stored value: %w", err)
	}
	return value, nil
}

func (kv *KV) del(ctx context.Context, inputs map[string]any) (any, error) {
	scope, table, err := scopeAndTable(inputs)
	if err != nil {
		return nil, err
	}
	key, err := requireString(inputs, "key")
	if err != nil {
		return nil, err
	}

	const query = `DELETE FROM kv_entries WHERE scope = ? AND tbl = ? AND key = ?`
	result, err := kv.db.ExecContext(ctx, query, scope, table, key)
	if err != nil {
		return nil, fmt.Errorf("deleting %s/%s/%s: %w", scope, table, key, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	return affected > 0, nil
}

func (kv *KV) list(ctx context.Context, inputs map[string]any) (any, error) {
	scope, table, err := scopeAndTable(inputs)
	if err != nil {
		return nil, err
	}

	const query = `SELECT key, value FROM kv_entries WHERE scope = ? AND tbl = ? ORDER BY key`
	rows, err := kv.db.QueryContext(ctx, query, scope, table)
	if err != nil {
		return nil, fmt.Errorf("listing %s/%s: %w", scope, table, err)
	}
	defer rows.Close()

	entries := []any{}
	for rows.Next() {
		var key, encoded string
		if err := rows.Scan(&key, &encoded); err != nil {
			return nil, err
		}
		var value any
		if err := json.Unmarshal([]byte(encoded), &value); err != nil {
			return nil, fmt.Errorf("decoding stored value for %q: %w", key, err)
		}
		entries = append(entries, map[string]any{"key": key, "value": value})
	}
	return entries, rows.Err()
}

func scopeAndTable(inputs map[string]any) (string, string, error) {
	scope, err := requireString(inputs, "scope")
	if err != nil {
		return "", "", err
	}
	table, err := requireString(inputs, "table")
	if err != nil {
		return "", "", err
	}
	return scope, table, nil
}

func requireString(inputs map[string]any, key string) (string, error) {
	s, ok := inputs[key].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	return s, nil
}
