package db

import (
	"database/sql"
	"fmt"
)

// Event is one immutable, seq-numbered record in a run's log. Seq starts at
// 1 and is contiguous within a run.
type Event struct {
	RunID   string `json:"runId"`
	Seq     int64  `json:"seq"`
	Channel string `json:"channel"`
	Type    string `json:"type"`
	Payload []byte `json:"payload"`
	TS      int64  `json:"ts"`
}

// AppendEvent assigns the next seq for the run, persists the row, and
// returns the assigned seq. The insert and seq assignment happen in one
// transaction, so the log stays gapless even if two callers race (callers
// are expected to serialize per run regardless).
func (d *DB) AppendEvent(runID, channel, typ string, payload []byte) (int64, error) {
	tx, err := d.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}

	var seq int64
	row := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE run_id = ?`, runID)
	if err := row.Scan(&seq); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("next seq for %s: %w", runID, err)
	}

	_, err = tx.Exec(
		`INSERT INTO events (run_id, seq, channel, type, payload, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, seq, channel, typ, payload, nowMillis(),
	)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("insert event %s/%d: %w", runID, seq, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit event %s/%d: %w", runID, seq, err)
	}
	return seq, nil
}

// ReadEvents returns up to limit events for a run starting at fromSeq,
// ordered by seq ascending.
func (d *DB) ReadEvents(runID string, fromSeq int64, limit int) ([]Event, error) {
	rows, err := d.conn.Query(
		`SELECT run_id, seq, channel, type, payload, ts FROM events
		 WHERE run_id = ? AND seq >= ? ORDER BY seq ASC LIMIT ?`,
		runID, fromSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("read events %s: %w", runID, err)
	}
	defer rows.Close() //nolint:errcheck

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.RunID, &e.Seq, &e.Channel, &e.Type, &e.Payload, &e.TS); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MaxSeq returns the highest seq persisted for a run, or 0 if the run has
// no events.
func (d *DB) MaxSeq(runID string) (int64, error) {
	var seq int64
	err := d.conn.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM events WHERE run_id = ?`, runID).Scan(&seq)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("max seq %s: %w", runID, err)
	}
	return seq, nil
}
