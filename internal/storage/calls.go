package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/peercall/internal/model"
)

const callColumns = `id, caller_id, callee_id, call_type, status, created_at, started_at, ended_at, duration`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(s rowScanner) (model.Call, error) {
	var c model.Call
	var created int64
	var started, ended sql.NullInt64
	var callType, status string
	if err := s.Scan(&c.ID, &c.CallerID, &c.CalleeID, &callType, &status,
		&created, &started, &ended, &c.Duration); err != nil {
		return model.Call{}, err
	}
	c.CallType = model.CallType(callType)
	c.Status = model.Status(status)
	c.CreatedAt = fromMillis(created)
	c.StartedAt = timePtr(started)
	c.EndedAt = timePtr(ended)
	return c, nil
}

func scanCalls(rows *sql.Rows) ([]model.Call, error) {
	defer rows.Close()
	var out []model.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateCall inserts a new ringing call. ID and CreatedAt are assigned here
// when empty.
func (d *DB) CreateCall(ctx context.Context, c model.Call) (model.Call, error) {
	if err := model.ValidateNew(c); err != nil {
		return model.Call{}, err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	// Round to the stored precision so the returned value matches later reads.
	c.CreatedAt = fromMillis(toMillis(c.CreatedAt))
	c.Status = model.StatusRinging
	c.StartedAt, c.EndedAt, c.Duration = nil, nil, 0

	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Call{}, fmt.Errorf("begin create call: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO calls (id, caller_id, callee_id, call_type, status, created_at, duration)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		c.ID, c.CallerID, c.CalleeID, string(c.CallType), string(c.Status), toMillis(c.CreatedAt)); err != nil {
		return model.Call{}, fmt.Errorf("insert call: %w", err)
	}
	if err := recordChange(ctx, tx, TableCalls, OpInsert, c.ID, c.CreatedAt); err != nil {
		return model.Call{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Call{}, fmt.Errorf("commit create call: %w", err)
	}
	d.committed()
	return c, nil
}

// GetCall returns the call with the given id or model.ErrCallNotFound.
func (d *DB) GetCall(ctx context.Context, id string) (model.Call, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	c, err := scanCall(d.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Call{}, fmt.Errorf("%w: %s", model.ErrCallNotFound, id)
	}
	if err != nil {
		return model.Call{}, fmt.Errorf("get call: %w", err)
	}
	return c, nil
}

// Transition moves a call to status `to`. The current status is read and
// verified first, then written with a conditional update so a concurrent
// writer from the other participant cannot be overwritten:
//
//   - already at `to`, or already terminal: model.ErrStaleTransition
//   - not an edge of the status DAG: model.ErrInvalidTransition
//   - lost the race between read and write: model.ErrStaleTransition
//
// started_at is set only on the first entry into connected. Terminal writes set
// ended_at and duration (0 when the call never connected).
func (d *DB) Transition(ctx context.Context, id string, to model.Status, at time.Time) (model.Call, error) {
	if !to.Valid() {
		return model.Call{}, fmt.Errorf("%w: unknown status %q", model.ErrInvalidTransition, to)
	}
	at = fromMillis(toMillis(at))

	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Call{}, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	cur, err := scanCall(tx.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Call{}, fmt.Errorf("%w: %s", model.ErrCallNotFound, id)
	}
	if err != nil {
		return model.Call{}, fmt.Errorf("read call: %w", err)
	}

	if cur.Status == to || cur.Status.Terminal() {
		return cur, fmt.Errorf("%w: %s is %s", model.ErrStaleTransition, id, cur.Status)
	}
	if !model.CanTransition(cur.Status, to) {
		return cur, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, cur.Status, to)
	}

	next := cur
	next.Status = to
	if to == model.StatusConnected && next.StartedAt == nil {
		next.StartedAt = &at
	}
	if to.Terminal() {
		next.EndedAt = &at
		next.Duration = 0
		if next.StartedAt != nil {
			next.Duration = int64(at.Sub(*next.StartedAt) / time.Second)
			if next.Duration < 0 {
				next.Duration = 0
			}
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE calls
		SET status = ?, started_at = COALESCE(started_at, ?), ended_at = ?, duration = ?
		WHERE id = ? AND status = ?`,
		string(next.Status), nullMillis(next.StartedAt), nullMillis(next.EndedAt), next.Duration,
		id, string(cur.Status))
	if err != nil {
		return cur, fmt.Errorf("update call status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return cur, fmt.Errorf("update call status: %w", err)
	}
	if n == 0 {
		return cur, fmt.Errorf("%w: %s changed concurrently", model.ErrStaleTransition, id)
	}

	if err := recordChange(ctx, tx, TableCalls, OpUpdate, id, at); err != nil {
		return cur, err
	}
	if err := tx.Commit(); err != nil {
		return cur, fmt.Errorf("commit transition: %w", err)
	}
	d.committed()
	return next, nil
}

// LatestRinging returns the most recent ringing call addressed to callee.
// ok is false when there is none.
func (d *DB) LatestRinging(ctx context.Context, callee string) (model.Call, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	c, err := scanCall(d.db.QueryRowContext(ctx, `
		SELECT `+callColumns+` FROM calls
		WHERE callee_id = ? AND status = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		callee, string(model.StatusRinging)))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Call{}, false, nil
	}
	if err != nil {
		return model.Call{}, false, fmt.Errorf("latest ringing: %w", err)
	}
	return c, true, nil
}

// ActiveBetween returns every non-terminal call between a and b in either
// direction, oldest first.
func (d *DB) ActiveBetween(ctx context.Context, a, b string) ([]model.Call, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx, `
		SELECT `+callColumns+` FROM calls
		WHERE ((caller_id = ? AND callee_id = ?) OR (caller_id = ? AND callee_id = ?))
		  AND status IN (?, ?, ?)
		ORDER BY created_at, id`,
		a, b, b, a,
		string(model.StatusRinging), string(model.StatusConnecting), string(model.StatusConnected))
	if err != nil {
		return nil, fmt.Errorf("active calls: %w", err)
	}
	return scanCalls(rows)
}

// StaleRinging returns ringing calls created before the cutoff.
func (d *DB) StaleRinging(ctx context.Context, before time.Time) ([]model.Call, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx, `
		SELECT `+callColumns+` FROM calls
		WHERE status = ? AND created_at < ?
		ORDER BY created_at`,
		string(model.StatusRinging), toMillis(before))
	if err != nil {
		return nil, fmt.Errorf("stale ringing: %w", err)
	}
	return scanCalls(rows)
}

// ListCalls returns the call history for user, newest first.
func (d *DB) ListCalls(ctx context.Context, user string, limit int) ([]model.Call, error) {
	if limit <= 0 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx, `
		SELECT `+callColumns+` FROM calls
		WHERE caller_id = ? OR callee_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`,
		user, user, limit)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	return scanCalls(rows)
}
