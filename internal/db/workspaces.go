package db

import (
	"database/sql"
	"fmt"
	"path/filepath"
)

// ErrWorkspaceExists is returned by InsertWorkspace for a duplicate path.
var ErrWorkspaceExists = fmt.Errorf("workspace already exists")

// Workspace is a named, path-addressed directory owning a set of runs. The
// path doubles as the identity.
type Workspace struct {
	Path          string
	Name          string
	ThemeOverride *string
	LastActive    *int64
	CreatedAt     int64
	UpdatedAt     int64
}

const workspaceColumns = `path, name, theme_override, last_active, created_at, updated_at`

func scanWorkspace(scanner interface{ Scan(...any) error }, w *Workspace) error {
	return scanner.Scan(&w.Path, &w.Name, &w.ThemeOverride, &w.LastActive, &w.CreatedAt, &w.UpdatedAt)
}

// InsertWorkspace creates a workspace row. An empty name defaults to the
// last path segment.
func (d *DB) InsertWorkspace(w *Workspace) error {
	if w.Name == "" {
		w.Name = filepath.Base(w.Path)
	}
	now := nowMillis()
	_, err := d.conn.Exec(
		`INSERT INTO workspaces (path, name, theme_override, last_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		w.Path, w.Name, w.ThemeOverride, w.LastActive, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrWorkspaceExists
		}
		return fmt.Errorf("insert workspace %s: %w", w.Path, err)
	}
	w.CreatedAt = now
	w.UpdatedAt = now
	return nil
}

// GetWorkspace retrieves a workspace by path, or nil if it does not exist.
func (d *DB) GetWorkspace(path string) (*Workspace, error) {
	w := &Workspace{}
	row := d.conn.QueryRow(`SELECT `+workspaceColumns+` FROM workspaces WHERE path = ?`, path)
	if err := scanWorkspace(row, w); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get workspace %s: %w", path, err)
	}
	return w, nil
}

// ListWorkspaces returns all workspaces ordered by last_active descending,
// then updated_at descending.
func (d *DB) ListWorkspaces() ([]Workspace, error) {
	rows, err := d.conn.Query(
		`SELECT ` + workspaceColumns + ` FROM workspaces
		 ORDER BY last_active DESC NULLS LAST, updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var workspaces []Workspace
	for rows.Next() {
		var w Workspace
		if err := scanWorkspace(rows, &w); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		workspaces = append(workspaces, w)
	}
	return workspaces, rows.Err()
}

// WorkspacePatch selects workspace fields to update. Nil pointers leave a
// column unchanged; ClearThemeOverride resets theme_override to NULL and
// wins over ThemeOverride.
type WorkspacePatch struct {
	Name               *string
	ThemeOverride      *string
	ClearThemeOverride bool
}

// UpdateWorkspace applies a patch. Last-writer-wins on non-identity
// columns.
func (d *DB) UpdateWorkspace(path string, p WorkspacePatch) error {
	theme := p.ThemeOverride
	if p.ClearThemeOverride {
		theme = nil
	}
	_, err := d.conn.Exec(
		`UPDATE workspaces SET
			name = COALESCE(?, name),
			theme_override = CASE WHEN ? THEN NULL ELSE COALESCE(?, theme_override) END,
			updated_at = ?
		 WHERE path = ?`,
		p.Name, p.ClearThemeOverride, theme, nowMillis(), path,
	)
	if err != nil {
		return fmt.Errorf("update workspace %s: %w", path, err)
	}
	return nil
}

// TouchWorkspace bumps last_active, used on run create and attach.
func (d *DB) TouchWorkspace(path string) error {
	now := nowMillis()
	_, err := d.conn.Exec(
		`UPDATE workspaces SET last_active = ?, updated_at = ? WHERE path = ?`,
		now, now, path,
	)
	if err != nil {
		return fmt.Errorf("touch workspace %s: %w", path, err)
	}
	return nil
}

// DeleteWorkspace removes a workspace row. Runs referencing the path keep
// their history.
func (d *DB) DeleteWorkspace(path string) error {
	_, err := d.conn.Exec(`DELETE FROM workspaces WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("delete workspace %s: %w", path, err)
	}
	return nil
}
