package web

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/joestump/dispatch/internal/adapter"
	"github.com/joestump/dispatch/internal/db"
	"github.com/joestump/dispatch/internal/session"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON: encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeOpError maps orchestrator and adapter errors onto HTTP statuses.
func writeOpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNoSuchRun):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, adapter.ErrUnknownKind):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrNotLive),
		errors.Is(err, session.ErrNotResumable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, adapter.ErrMisconfigured):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, adapter.ErrStartTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// requireJSON checks the Content-Type header and returns false (with a 415
// response) if it is not application/json.
func requireJSON(w http.ResponseWriter, r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(ct, "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	return true
}

// --- Wire types ---

// RunResponse is the JSON shape of a run.
type RunResponse struct {
	RunID         string            `json:"runId"`
	Kind          string            `json:"kind"`
	WorkspacePath string            `json:"workspacePath"`
	Status        string            `json:"status"`
	Metadata      map[string]string `json:"metadata"`
	CreatedAt     int64             `json:"createdAt"`
	UpdatedAt     int64             `json:"updatedAt"`
}

func toRunResponse(r db.Run) RunResponse {
	meta := map[string]string{}
	if len(r.MetadataJSON) > 0 {
		_ = json.Unmarshal(r.MetadataJSON, &meta)
	}
	return RunResponse{
		RunID:         r.RunID,
		Kind:          r.Kind,
		WorkspacePath: r.WorkspacePath,
		Status:        r.Status,
		Metadata:      meta,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

// WorkspaceResponse is the JSON shape of a workspace.
type WorkspaceResponse struct {
	Path          string  `json:"path"`
	Name          string  `json:"name"`
	ThemeOverride *string `json:"themeOverride"`
	LastActive    *int64  `json:"lastActive"`
	CreatedAt     int64   `json:"createdAt"`
	UpdatedAt     int64   `json:"updatedAt"`
}

func toWorkspaceResponse(w db.Workspace) WorkspaceResponse {
	return WorkspaceResponse{
		Path:          w.Path,
		Name:          w.Name,
		ThemeOverride: w.ThemeOverride,
		LastActive:    w.LastActive,
		CreatedAt:     w.CreatedAt,
		UpdatedAt:     w.UpdatedAt,
	}
}

// --- Run handlers ---

func (s *Server) handleListKinds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"kinds": s.registry.Kinds()})
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	var req struct {
		Kind          string            `json:"kind"`
		WorkspacePath string            `json:"workspacePath"`
		Metadata      map[string]string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Kind == "" || req.WorkspacePath == "" {
		writeError(w, http.StatusBadRequest, "kind and workspacePath are required")
		return
	}

	run, err := s.orch.Create(r.Context(), session.CreateParams{
		Kind:          req.Kind,
		WorkspacePath: req.WorkspacePath,
		Metadata:      req.Metadata,
	})
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRunResponse(*run))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.URL.Query().Get("kind"), r.URL.Query().Get("status"))
	if err != nil {
		writeOpError(w, err)
		return
	}
	out := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunResponse(run))
	}
	writeJSON(w, http.StatusOK, map[string][]RunResponse{"runs": out})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.PathValue("id"))
	if err != nil {
		writeOpError(w, err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(*run))
}

func (s *Server) handleCloseRun(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Close(r.Context(), r.PathValue("id")); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closing"})
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.orch.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(*run))
}

func (s *Server) handleRunInput(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	var req struct {
		Data string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.orch.Input(r.PathValue("id"), []byte(req.Data)); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	fromSeq := int64(1)
	if v := r.URL.Query().Get("fromSeq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "fromSeq must be a positive integer")
			return
		}
		fromSeq = n
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := s.orch.History(r.PathValue("id"), fromSeq, limit)
	if err != nil {
		writeOpError(w, err)
		return
	}

	next := fromSeq
	if len(events) > 0 {
		next = events[len(events)-1].Seq + 1
	}
	if events == nil {
		events = []db.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "nextSeq": next})
}

func (s *Server) handleSetLayout(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	var req struct {
		ClientID string `json:"clientId"`
		TileID   string `json:"tileId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ClientID == "" || req.TileID == "" {
		writeError(w, http.StatusBadRequest, "clientId and tileId are required")
		return
	}
	if err := s.orch.SetLayout(r.PathValue("id"), req.ClientID, req.TileID); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRemoveLayout(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "clientId is required")
		return
	}
	if err := s.orch.RemoveLayout(r.PathValue("id"), clientID); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Workspace handlers ---

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	workspaces, err := s.store.ListWorkspaces()
	if err != nil {
		writeOpError(w, err)
		return
	}
	out := make([]WorkspaceResponse, 0, len(workspaces))
	for _, ws := range workspaces {
		out = append(out, toWorkspaceResponse(ws))
	}
	writeJSON(w, http.StatusOK, map[string][]WorkspaceResponse{"workspaces": out})
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	var req struct {
		Path string `json:"path"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	ws := &db.Workspace{Path: req.Path, Name: req.Name}
	if err := s.store.InsertWorkspace(ws); err != nil {
		if err == db.ErrWorkspaceExists {
			writeError(w, http.StatusConflict, "workspace already exists")
			return
		}
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWorkspaceResponse(*ws))
}

func (s *Server) handleUpdateWorkspace(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	var req struct {
		Path          string          `json:"path"`
		Name          *string         `json:"name"`
		ThemeOverride json.RawMessage `json:"themeOverride"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	// An absent themeOverride leaves the column alone; an explicit JSON
	// null clears it.
	patch := db.WorkspacePatch{Name: req.Name}
	if len(req.ThemeOverride) > 0 {
		if string(req.ThemeOverride) == "null" {
			patch.ClearThemeOverride = true
		} else {
			var theme string
			if err := json.Unmarshal(req.ThemeOverride, &theme); err != nil {
				writeError(w, http.StatusBadRequest, "themeOverride must be a string or null")
				return
			}
			patch.ThemeOverride = &theme
		}
	}

	existing, err := s.store.GetWorkspace(req.Path)
	if err != nil {
		writeOpError(w, err)
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "workspace not found")
		return
	}
	if err := s.store.UpdateWorkspace(req.Path, patch); err != nil {
		writeOpError(w, err)
		return
	}
	updated, err := s.store.GetWorkspace(req.Path)
	if err != nil || updated == nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkspaceResponse(*updated))
}

func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	if err := s.store.DeleteWorkspace(path); err != nil {
		writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
