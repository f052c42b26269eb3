package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/petervdpas/peercall/internal/model"
)

const signalColumns = `id, call_id, sender_id, signal_type, signal_data, created_at`

func scanSignal(s rowScanner) (model.Signal, error) {
	var sig model.Signal
	var typ, data string
	var created int64
	if err := s.Scan(&sig.ID, &sig.CallID, &sig.SenderID, &typ, &data, &created); err != nil {
		return model.Signal{}, err
	}
	sig.Type = model.SignalType(typ)
	sig.Data = []byte(data)
	sig.CreatedAt = fromMillis(created)
	return sig, nil
}

// InsertSignal appends a signal row for callID. Rows are never updated or
// deleted; receivers are expected to ignore signals for calls that already
// reached a terminal status.
func (d *DB) InsertSignal(ctx context.Context, callID, sender string, typ model.SignalType, data []byte) (model.Signal, error) {
	if callID == "" || sender == "" {
		return model.Signal{}, fmt.Errorf("%w: call id and sender are required", model.ErrInvalidSignal)
	}
	sig := model.Signal{
		CallID:    callID,
		SenderID:  sender,
		Type:      typ,
		Data:      data,
		CreatedAt: fromMillis(toMillis(time.Now())),
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Signal{}, fmt.Errorf("begin insert signal: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO call_signals (call_id, sender_id, signal_type, signal_data, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		callID, sender, string(typ), string(data), toMillis(sig.CreatedAt))
	if err != nil {
		return model.Signal{}, fmt.Errorf("insert signal: %w", err)
	}
	if sig.ID, err = res.LastInsertId(); err != nil {
		return model.Signal{}, fmt.Errorf("insert signal: %w", err)
	}
	if err := recordChange(ctx, tx, TableSignals, OpInsert, fmt.Sprint(sig.ID), sig.CreatedAt); err != nil {
		return model.Signal{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Signal{}, fmt.Errorf("commit insert signal: %w", err)
	}
	d.committed()
	return sig, nil
}

// GetSignal loads one signal row by id.
func (d *DB) GetSignal(ctx context.Context, id int64) (model.Signal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sig, err := scanSignal(d.db.QueryRowContext(ctx,
		`SELECT `+signalColumns+` FROM call_signals WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Signal{}, fmt.Errorf("signal %d not found", id)
	}
	if err != nil {
		return model.Signal{}, fmt.Errorf("get signal: %w", err)
	}
	return sig, nil
}

// SignalsSince returns all signals of callID with id > afterID, in insert order.
// This is the reconciliation read used after a dropped subscription.
func (d *DB) SignalsSince(ctx context.Context, callID string, afterID int64) ([]model.Signal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx, `
		SELECT `+signalColumns+` FROM call_signals
		WHERE call_id = ? AND id > ?
		ORDER BY id`, callID, afterID)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []model.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// CountSignals returns how many signals of the given type exist for callID.
func (d *DB) CountSignals(ctx context.Context, callID string, typ model.SignalType) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM call_signals WHERE call_id = ? AND signal_type = ?`,
		callID, string(typ)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count signals: %w", err)
	}
	return n, nil
}
