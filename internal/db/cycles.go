package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/junction/internal/controller"
	"github.com/banshee-data/junction/internal/lane"
)

// CycleRecord is one stored cycle.
type CycleRecord struct {
	CycleID    uuid.UUID      `json:"cycle_id"`
	Seq        uint64         `json:"seq"`
	StartedAt  time.Time      `json:"started_at"`
	Vision     lane.Occupancy `json:"vision"`
	VisionOK   bool           `json:"vision_ok"`
	Presence   lane.Presence  `json:"presence"`
	PresenceOK bool           `json:"presence_ok"`
	Occupancy  lane.Occupancy `json:"occupancy"`
	Program    lane.Program   `json:"program"`
	Degraded   bool           `json:"degraded"`
	WriteError string         `json:"write_error,omitempty"`
}

// RecordCycle stores a transmitted cycle. It satisfies
// controller.CycleRecorder.
func (db *DB) RecordCycle(ctx context.Context, c controller.Cycle) error {
	cols := []any{c.Vision, c.Presence, c.Occupancy, c.Program.Order, c.Program.Durations}
	enc := make([]any, 0, len(cols))
	for _, v := range cols {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode cycle %d: %w", c.Seq, err)
		}
		enc = append(enc, string(b))
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO cycles (
			cycle_id, seq, started_unix_nanos, vision, vision_ok, presence,
			presence_ok, occupancy, lane_order, durations, degraded,
			write_error, total_green_seconds
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID.String(), c.Seq, c.StartedAt.UnixNano(), enc[0], c.VisionOK, enc[1],
		c.PresenceOK, enc[2], enc[3], enc[4], c.Degraded,
		c.WriteError, c.Program.Durations.Total(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert cycle %d: %w", c.Seq, err)
	}
	return nil
}

// RecentCycles returns up to limit cycles, newest first.
func (db *DB) RecentCycles(ctx context.Context, limit int) ([]CycleRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := db.QueryContext(ctx,
		`SELECT cycle_id, seq, started_unix_nanos, vision, vision_ok, presence,
			presence_ok, occupancy, lane_order, durations, degraded, write_error
		FROM cycles
		ORDER BY started_unix_nanos DESC, seq DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CycleRecord
	for rows.Next() {
		var (
			r                                       CycleRecord
			id                                      string
			started                                 int64
			vision, presence, occ, order, durations string
		)
		if err := rows.Scan(&id, &r.Seq, &started, &vision, &r.VisionOK, &presence,
			&r.PresenceOK, &occ, &order, &durations, &r.Degraded, &r.WriteError); err != nil {
			return nil, err
		}
		if r.CycleID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("cycle %d: bad id %q: %w", r.Seq, id, err)
		}
		r.StartedAt = time.Unix(0, started).UTC()
		for _, f := range []struct {
			raw string
			dst any
		}{
			{vision, &r.Vision},
			{presence, &r.Presence},
			{occ, &r.Occupancy},
			{order, &r.Program.Order},
			{durations, &r.Program.Durations},
		} {
			if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
				return nil, fmt.Errorf("cycle %d: %w", r.Seq, err)
			}
		}
		if err := r.Program.Order.Validate(); err != nil {
			return nil, fmt.Errorf("cycle %d: %w", r.Seq, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CycleCount returns the number of stored cycles.
func (db *DB) CycleCount(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cycles`).Scan(&n)
	return n, err
}

// PruneBefore deletes cycles that started before t and returns how many
// were removed.
func (db *DB) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM cycles WHERE started_unix_nanos < ?`, t.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
