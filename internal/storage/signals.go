package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/petervdpas/peercall/internal/proto"
)

// SaveSignal appends sig to the history of its call. It reports false when
// a signal with the same id was already stored.
func (d *DB) SaveSignal(ctx context.Context, sig proto.Signal) (bool, error) {
	if err := sig.Validate(); err != nil {
		return false, err
	}
	res, err := d.exec(ctx, `
		INSERT INTO signals (id, call_id, from_id, to_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		sig.ID, sig.CallID, sig.From, sig.To, string(sig.Kind), string(sig.Payload),
		millis(sig.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("save signal: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Signals returns the history of callID sent from -> to in insertion order.
// An empty from matches every sender.
func (d *DB) Signals(ctx context.Context, callID, to, from string) ([]proto.Signal, error) {
	q := `SELECT id, call_id, from_id, to_id, kind, payload, created_at
		FROM signals WHERE call_id = ? AND to_id = ?`
	args := []any{callID, to}
	if from != "" {
		q += ` AND from_id = ?`
		args = append(args, from)
	}
	rows, err := d.query(ctx, q+` ORDER BY seq`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []proto.Signal
	for rows.Next() {
		var s proto.Signal
		var kind, payload string
		var created int64
		if err := rows.Scan(&s.ID, &s.CallID, &s.From, &s.To, &kind, &payload, &created); err != nil {
			return nil, err
		}
		s.Kind = proto.Kind(kind)
		if payload != "" {
			s.Payload = json.RawMessage(payload)
		}
		s.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// PurgeSignals drops the whole history of callID.
func (d *DB) PurgeSignals(ctx context.Context, callID string) error {
	_, err := d.exec(ctx, `DELETE FROM signals WHERE call_id = ?`, callID)
	return err
}

// PruneSignals removes history older than cutoff and returns the row count.
func (d *DB) PruneSignals(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.exec(ctx, `DELETE FROM signals WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
