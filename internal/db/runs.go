package db

import (
	"database/sql"
	"fmt"
)

// Run statuses. The transition stopped -> running happens only through an
// explicit resume; everything else is monotonic.
const (
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusStopped  = "stopped"
	StatusCrashed  = "crashed"
)

// ErrRunExists is returned by InsertRun when the run_id is already taken.
var ErrRunExists = fmt.Errorf("run already exists")

// Run is the durable record for one launched adapter instance.
type Run struct {
	RunID         string
	Kind          string
	WorkspacePath string
	Status        string
	MetadataJSON  []byte
	CreatedAt     int64
	UpdatedAt     int64
}

const runColumns = `run_id, kind, workspace_path, status, metadata_json, created_at, updated_at`

func scanRun(scanner interface{ Scan(...any) error }, r *Run) error {
	return scanner.Scan(&r.RunID, &r.Kind, &r.WorkspacePath, &r.Status, &r.MetadataJSON, &r.CreatedAt, &r.UpdatedAt)
}

// InsertRun creates a new run row. The run_id must be unique.
func (d *DB) InsertRun(r *Run) error {
	now := nowMillis()
	_, err := d.conn.Exec(
		`INSERT INTO runs (run_id, kind, workspace_path, status, metadata_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Kind, r.WorkspacePath, r.Status, r.MetadataJSON, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrRunExists
		}
		return fmt.Errorf("insert run %s: %w", r.RunID, err)
	}
	r.CreatedAt = now
	r.UpdatedAt = now
	return nil
}

// GetRun retrieves a run by ID, or nil if it does not exist.
func (d *DB) GetRun(runID string) (*Run, error) {
	r := &Run{}
	row := d.conn.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	if err := scanRun(row, r); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return r, nil
}

// ListRuns returns all runs in insertion order. kind and status filter when
// non-empty.
func (d *DB) ListRuns(kind, status string) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, run_id ASC`

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var runs []Run
	for rows.Next() {
		var r Run
		if err := scanRun(rows, &r); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// SetRunStatus updates only the status column. The orchestrator is the sole
// caller for a given run.
func (d *DB) SetRunStatus(runID, status string) error {
	_, err := d.conn.Exec(
		`UPDATE runs SET status = ?, updated_at = ? WHERE run_id = ?`,
		status, nowMillis(), runID,
	)
	if err != nil {
		return fmt.Errorf("set run status %s: %w", runID, err)
	}
	return nil
}

// UpdateRunMetadata replaces the metadata blob for a run.
func (d *DB) UpdateRunMetadata(runID string, metadataJSON []byte) error {
	_, err := d.conn.Exec(
		`UPDATE runs SET metadata_json = ?, updated_at = ? WHERE run_id = ?`,
		metadataJSON, nowMillis(), runID,
	)
	if err != nil {
		return fmt.Errorf("update run metadata %s: %w", runID, err)
	}
	return nil
}

// --- Layouts ---

// Layout places a run on a client's tile grid. Layouts are UI placement
// only; they carry no event-log semantics.
type Layout struct {
	RunID    string
	ClientID string
	TileID   string
}

// SetLayout upserts the tile assignment for (run, client).
func (d *DB) SetLayout(runID, clientID, tileID string) error {
	_, err := d.conn.Exec(
		`INSERT INTO run_layouts (run_id, client_id, tile_id) VALUES (?, ?, ?)
		 ON CONFLICT(run_id, client_id) DO UPDATE SET tile_id = ?`,
		runID, clientID, tileID, tileID,
	)
	if err != nil {
		return fmt.Errorf("set layout %s/%s: %w", runID, clientID, err)
	}
	return nil
}

// RemoveLayout deletes the tile assignment for (run, client).
func (d *DB) RemoveLayout(runID, clientID string) error {
	_, err := d.conn.Exec(`DELETE FROM run_layouts WHERE run_id = ? AND client_id = ?`, runID, clientID)
	if err != nil {
		return fmt.Errorf("remove layout %s/%s: %w", runID, clientID, err)
	}
	return nil
}

// ListLayouts returns all tile assignments for a run.
func (d *DB) ListLayouts(runID string) ([]Layout, error) {
	rows, err := d.conn.Query(`SELECT run_id, client_id, tile_id FROM run_layouts WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("list layouts %s: %w", runID, err)
	}
	defer rows.Close() //nolint:errcheck

	var layouts []Layout
	for rows.Next() {
		var l Layout
		if err := rows.Scan(&l.RunID, &l.ClientID, &l.TileID); err != nil {
			return nil, fmt.Errorf("scan layout: %w", err)
		}
		layouts = append(layouts, l)
	}
	return layouts, rows.Err()
}
