package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS graph_fields (
	path  TEXT    NOT NULL,
	field TEXT    NOT NULL,
	value TEXT    NOT NULL,
	ts    INTEGER NOT NULL,
	node  TEXT    NOT NULL,
	PRIMARY KEY (path, field)
);`

// Journal persists accepted graph fields to a local SQLite database so a
// peer comes back after a restart with the graph it last converged on.
// The journal is peer-local scratch state, never authoritative: the shared
// store reconciles it on reconnect like any other stale replica.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens (and if needed creates) the journal database.
func OpenJournal(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Upsert records one accepted delta. Older journal rows lose to newer ones
// the same way resident fields lose in the in-memory merge.
func (j *Journal) Upsert(path string, fields map[string]any, state map[string]FieldState) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("begin journal tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO graph_fields (path, field, value, ts, node)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (path, field) DO UPDATE SET
			value = excluded.value, ts = excluded.ts, node = excluded.node`)
	if err != nil {
		return fmt.Errorf("prepare journal upsert: %w", err)
	}
	defer stmt.Close()

	for f, v := range fields {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode field %s: %w", f, err)
		}
		st := state[f]
		if _, err := stmt.Exec(path, f, string(b), st.TS, st.Node); err != nil {
			return fmt.Errorf("upsert field %s: %w", f, err)
		}
	}
	return tx.Commit()
}

// Load reads the whole journal back as one delta per record path.
func (j *Journal) Load() ([]Delta, error) {
	rows, err := j.db.Query(`SELECT path, field, value, ts, node FROM graph_fields`)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	defer rows.Close()

	byPath := make(map[string]*Delta)
	for rows.Next() {
		var path, field, raw, node string
		var ts int64
		if err := rows.Scan(&path, &field, &raw, &ts, &node); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			// A corrupted row is dropped rather than propagated; the shared
			// store overwrites it on the next sync.
			continue
		}
		d, ok := byPath[path]
		if !ok {
			d = &Delta{Path: path, Fields: make(map[string]any), State: make(map[string]FieldState)}
			byPath[path] = d
		}
		d.Fields[field] = v
		d.State[field] = FieldState{TS: ts, Node: node}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}

	out := make([]Delta, 0, len(byPath))
	for _, d := range byPath {
		out = append(out, *d)
	}
	return out, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
