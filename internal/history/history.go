// Package history keeps a SQLite journal of sync outcomes.
//
// Every push, delete, download and RAM query the adapter performs against a
// destination is recorded with its outcome, so "what reached the game and
// when" can be answered after the terminal scrolled away:
//
//	burnsync history --file src/main.ts
//
// The database runs in embedded mode with WAL so the history command can read
// while a watch session writes.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Action is the operation recorded.
type Action string

const (
	ActionPush     Action = "push"
	ActionDelete   Action = "delete"
	ActionDownload Action = "download"
	ActionRAM      Action = "ram"
)

// Outcome is the result of an action.
type Outcome string

const (
	OutcomeDone    Outcome = "done"
	OutcomeError   Outcome = "error"
	OutcomeIgnored Outcome = "ignored"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Entry is one journal row.
type Entry struct {
	ID       int64
	At       time.Time
	Action   Action
	File     string
	Server   string
	Filename string
	Outcome  Outcome
	Detail   string
}

// Filter narrows Recent.
type Filter struct {
	// Limit caps the number of entries (default 50).
	Limit   int
	File    string
	Server  string
	Outcome Outcome
}

// DB wraps the journal database.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the journal at path and initializes its schema.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the database.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

func (db *DB) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at TEXT NOT NULL,
		action TEXT NOT NULL,
		file TEXT NOT NULL,
		server TEXT NOT NULL DEFAULT '',
		filename TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_sync_log_file ON sync_log(file);
	CREATE INDEX IF NOT EXISTS idx_sync_log_server ON sync_log(server);
	CREATE INDEX IF NOT EXISTS idx_sync_log_at ON sync_log(at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Record appends e. A zero At is set to now.
func (db *DB) Record(ctx context.Context, e Entry) error {
	if e.Action == "" || e.Outcome == "" {
		return fmt.Errorf("invalid entry: action and outcome are required")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	query := `
	INSERT INTO sync_log (at, action, file, server, filename, outcome, detail)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.conn.ExecContext(ctx, query,
		e.At.UTC().Format(timeLayout),
		string(e.Action),
		e.File,
		e.Server,
		e.Filename,
		string(e.Outcome),
		e.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to record %s of %s: %w", e.Action, e.File, err)
	}
	return nil
}

// Recent returns the newest entries matching f, newest first.
func (db *DB) Recent(ctx context.Context, f Filter) ([]Entry, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}

	var (
		where []string
		args  []any
	)
	if f.File != "" {
		where = append(where, "file = ?")
		args = append(args, f.File)
	}
	if f.Server != "" {
		where = append(where, "server = ?")
		args = append(args, f.Server)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(f.Outcome))
	}

	query := `SELECT id, at, action, file, server, filename, outcome, detail FROM sync_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e               Entry
			at              string
			action, outcome string
		)
		if err := rows.Scan(&e.ID, &at, &action, &e.File, &e.Server, &e.Filename, &outcome, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		e.At, err = time.Parse(timeLayout, at)
		if err != nil {
			return nil, fmt.Errorf("failed to parse timestamp %q: %w", at, err)
		}
		e.Action = Action(action)
		e.Outcome = Outcome(outcome)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return entries, nil
}

// Counts returns the number of entries per outcome.
func (db *DB) Counts(ctx context.Context) (map[Outcome]int, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM sync_log GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("failed to count history: %w", err)
	}
	defer rows.Close()

	counts := make(map[Outcome]int)
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[Outcome(outcome)] = n
	}
	return counts, rows.Err()
}

// Prune deletes entries older than before and returns how many were removed.
func (db *DB) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM sync_log WHERE at < ?`, before.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return res.RowsAffected()
}
