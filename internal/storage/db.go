package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Change tables and operations recorded in _changes.
const (
	TableCalls   = "calls"
	TableSignals = "call_signals"

	OpInsert = "insert"
	OpUpdate = "update"
)

// DB wraps the SQLite database shared by every participant process on a host.
// calls and call_signals are the durable record; _changes is the ordered event
// log the feed tails.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex

	hookMu sync.RWMutex
	hooks  []func()
}

// Open opens or creates the call database at path.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL lets a caller and a callee process on the same host share the file.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id          TEXT PRIMARY KEY,
			caller_id   TEXT NOT NULL,
			callee_id   TEXT NOT NULL,
			call_type   TEXT NOT NULL,
			status      TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			started_at  INTEGER,
			ended_at    INTEGER,
			duration    INTEGER NOT NULL DEFAULT 0,
			CHECK (caller_id <> callee_id)
		);
		CREATE INDEX IF NOT EXISTS calls_callee_status ON calls (callee_id, status, created_at);
		CREATE INDEX IF NOT EXISTS calls_caller_status ON calls (caller_id, status, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_signals (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id     TEXT NOT NULL REFERENCES calls(id),
			sender_id   TEXT NOT NULL,
			signal_type TEXT NOT NULL,
			signal_data TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS call_signals_call ON call_signals (call_id, id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call_signals table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _changes (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			tbl        TEXT NOT NULL,
			op         TEXT NOT NULL,
			row_id     TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create changes table: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// OnCommit registers fn to run after every committed write. Hooks must not
// block; the feed uses this to poll right after a local write.
func (d *DB) OnCommit(fn func()) {
	d.hookMu.Lock()
	d.hooks = append(d.hooks, fn)
	d.hookMu.Unlock()
}

func (d *DB) committed() {
	d.hookMu.RLock()
	defer d.hookMu.RUnlock()
	for _, fn := range d.hooks {
		fn()
	}
}

// Change is one entry of the _changes event log.
type Change struct {
	Seq   int64
	Table string
	Op    string
	RowID string
	At    time.Time
}

// ChangesSince returns up to limit log entries with seq > after, oldest first.
func (d *DB) ChangesSince(ctx context.Context, after int64, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = 256
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx, `
		SELECT seq, tbl, op, row_id, created_at
		FROM _changes WHERE seq > ? ORDER BY seq LIMIT ?`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var c Change
		var at int64
		if err := rows.Scan(&c.Seq, &c.Table, &c.Op, &c.RowID, &at); err != nil {
			return nil, err
		}
		c.At = fromMillis(at)
		out = append(out, c)
	}
	return out, rows.Err()
}

// LatestChangeSeq returns the highest seq in the event log, 0 when empty.
func (d *DB) LatestChangeSeq(ctx context.Context) (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var seq sql.NullInt64
	if err := d.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM _changes`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("latest change: %w", err)
	}
	return seq.Int64, nil
}

// PruneChanges drops log entries older than before. Returns the number removed.
func (d *DB) PruneChanges(ctx context.Context, before time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.ExecContext(ctx, `DELETE FROM _changes WHERE created_at < ?`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("prune changes: %w", err)
	}
	return res.RowsAffected()
}

func recordChange(ctx context.Context, tx *sql.Tx, table, op, rowID string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO _changes (tbl, op, row_id, created_at) VALUES (?, ?, ?, ?)`,
		table, op, rowID, toMillis(at))
	if err != nil {
		return fmt.Errorf("record change: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}
