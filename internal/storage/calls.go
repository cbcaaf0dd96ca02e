package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/petervdpas/peercall/internal/proto"
)

// CreateCall inserts a new call record. ErrExists when the id is taken.
func (d *DB) CreateCall(ctx context.Context, rec proto.Record) error {
	if rec.ID == "" || rec.CallerID == "" || rec.CalleeID == "" {
		return fmt.Errorf("storage: incomplete call record")
	}
	if rec.Status == "" {
		rec.Status = proto.StatusRinging
	}
	now := millis(time.Time{})
	res, err := d.exec(ctx, `
		INSERT INTO calls (id, caller_id, callee_id, call_type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.CallerID, rec.CalleeID, string(rec.CallType), string(rec.Status),
		millis(rec.CreatedAt), now,
	)
	if err != nil {
		return fmt.Errorf("create call: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExists
	}
	return nil
}

// UpdateCallStatus sets the status of an existing call.
func (d *DB) UpdateCallStatus(ctx context.Context, callID string, status proto.CallStatus) error {
	res, err := d.exec(ctx,
		`UPDATE calls SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), millis(time.Time{}), callID)
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCall removes the record and its signal history.
func (d *DB) DeleteCall(ctx context.Context, callID string) error {
	if _, err := d.exec(ctx, `DELETE FROM calls WHERE id = ?`, callID); err != nil {
		return fmt.Errorf("delete call: %w", err)
	}
	return d.PurgeSignals(ctx, callID)
}

func (d *DB) GetCall(ctx context.Context, callID string) (proto.Record, error) {
	row := d.queryRow(ctx, `
		SELECT id, caller_id, callee_id, call_type, status, created_at
		FROM calls WHERE id = ?`, callID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return proto.Record{}, ErrNotFound
	}
	return rec, err
}

// ListCalls returns the most recent calls a participant took part in,
// newest first.
func (d *DB) ListCalls(ctx context.Context, participant string, limit int) ([]proto.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.query(ctx, `
		SELECT id, caller_id, callee_id, call_type, status, created_at
		FROM calls WHERE caller_id = ? OR callee_id = ?
		ORDER BY created_at DESC LIMIT ?`, participant, participant, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []proto.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (proto.Record, error) {
	var rec proto.Record
	var typ, status string
	var created int64
	if err := s.Scan(&rec.ID, &rec.CallerID, &rec.CalleeID, &typ, &status, &created); err != nil {
		return proto.Record{}, err
	}
	rec.CallType = proto.CallType(typ)
	rec.Status = proto.CallStatus(status)
	rec.CreatedAt = time.UnixMilli(created).UTC()
	return rec, nil
}
