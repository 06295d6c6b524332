package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joestump/dispatch/internal/adapter"
	"github.com/joestump/dispatch/internal/config"
	"github.com/joestump/dispatch/internal/db"
	"github.com/joestump/dispatch/internal/hub"
	"github.com/joestump/dispatch/internal/session"
)

// --- Fakes ---

type fakeAdapter struct {
	kind      string
	resumable bool

	mu      sync.Mutex
	handles []*fakeHandle
}

func (f *fakeAdapter) Kind() string    { return f.kind }
func (f *fakeAdapter) Resumable() bool { return f.resumable }

func (f *fakeAdapter) Start(_ context.Context, opts adapter.StartOptions) (adapter.Handle, error) {
	h := &fakeHandle{opts: opts}
	f.mu.Lock()
	f.handles = append(f.handles, h)
	f.mu.Unlock()
	return h, nil
}

func (f *fakeAdapter) lastHandle() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handles) == 0 {
		return nil
	}
	return f.handles[len(f.handles)-1]
}

type fakeHandle struct {
	opts adapter.StartOptions

	mu     sync.Mutex
	inputs [][]byte

	exitOnce sync.Once
}

func (h *fakeHandle) Input(p []byte) error {
	h.mu.Lock()
	h.inputs = append(h.inputs, append([]byte(nil), p...))
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) Resize(cols, rows int) error { return nil }

func (h *fakeHandle) Close(_ context.Context) error {
	h.exit(0, "closed")
	return nil
}

func (h *fakeHandle) exit(code int, reason string) {
	h.exitOnce.Do(func() {
		h.opts.OnExit(adapter.ExitStatus{Code: code, Reason: reason})
	})
}

func (h *fakeHandle) emit(payload string) {
	h.opts.Sink(adapter.Emission{
		Channel: adapter.ChannelPTYStdout,
		Type:    adapter.TypeChunk,
		Payload: []byte(payload),
	})
}

func (h *fakeHandle) gotInput() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.inputs))
	for i, p := range h.inputs {
		out[i] = string(p)
	}
	return out
}

// --- Harness ---

func newTestServer(t *testing.T, cfg config.Config) (*Server, *fakeAdapter) {
	t.Helper()

	store, err := db.Open(filepath.Join(t.TempDir(), "dispatch.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() }) //nolint:errcheck

	fa := &fakeAdapter{kind: "pty"}
	reg := adapter.NewRegistry()
	reg.Register(fa)

	h := hub.New(store, 0)
	orch := session.New(store, h, reg, session.Options{
		StartTimeout: 2 * time.Second,
		CloseGrace:   time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})

	return New(cfg, store, orch, reg), fa
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func createRun(t *testing.T, h http.Handler, workspace string) RunResponse {
	t.Helper()
	w := doJSON(t, h, "POST", "/api/v1/runs", map[string]any{
		"kind":          "pty",
		"workspacePath": workspace,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create run: status %d: %s", w.Code, w.Body.String())
	}
	return decodeBody[RunResponse](t, w)
}

// --- Run API ---

func TestCreateAndGetRun(t *testing.T) {
	s, _ := newTestServer(t, config.Config{})
	dir := t.TempDir()

	run := createRun(t, s.Handler(), dir)
	if run.Kind != "pty" {
		t.Errorf("expected kind pty, got %q", run.Kind)
	}
	if run.Status != db.StatusRunning {
		t.Errorf("expected status running, got %q", run.Status)
	}
	if !strings.HasPrefix(run.RunID, "pty-") {
		t.Errorf("unexpected run id %q", run.RunID)
	}

	w := doJSON(t, s.Handler(), "GET", "/api/v1/runs/"+run.RunID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get run: status %d: %s", w.Code, w.Body.String())
	}
	got := decodeBody[RunResponse](t, w)
	if got.RunID != run.RunID {
		t.Errorf("expected run %s, got %s", run.RunID, got.RunID)
	}
	if got.WorkspacePath != dir {
		t.Errorf("expected workspace %s, got %s", dir, got.WorkspacePath)
	}
}

func TestCreateRunValidation(t *testing.T) {
	s, _ := newTestServer(t, config.Config{})

	// No Content-Type header.
	req := httptest.NewRequest("POST", "/api/v1/runs", strings.NewReader(`{"kind":"pty"}`))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("expected 415 without content type, got %d", w.Code)
	}

	// Missing workspacePath.
	w2 := doJSON(t, s.Handler(), "POST", "/api/v1/runs", map[string]any{"kind": "pty"})
	if w2.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing workspacePath, got %d", w2.Code)
	}

	// Unknown kind.
	w3 := doJSON(t, s.Handler(), "POST", "/api/v1/runs", map[string]any{
		"kind":          "vnc",
		"workspacePath": t.TempDir(),
	})
	if w3.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown kind, got %d", w3.Code)
	}
}

func TestListRunsFilters(t *testing.T) {
	s, _ := newTestServer(t, config.Config{})
	dir := t.TempDir()
	createRun(t, s.Handler(), dir)
	createRun(t, s.Handler(), dir)

	w := doJSON(t, s.Handler(), "GET", "/api/v1/runs?kind=pty", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list runs: status %d", w.Code)
	}
	got := decodeBody[map[string][]RunResponse](t, w)
	if len(got["runs"]) != 2 {
		t.Errorf("expected 2 runs, got %d", len(got["runs"]))
	}

	w2 := doJSON(t, s.Handler(), "GET", "/api/v1/runs?kind=claude", nil)
	got2 := decodeBody[map[string][]RunResponse](t, w2)
	if len(got2["runs"]) != 0 {
		t.Errorf("expected 0 claude runs, got %d", len(got2["runs"]))
	}
}

func TestRunInputAndHistory(t *testing.T) {
	s, fa := newTestServer(t, config.Config{})
	run := createRun(t, s.Handler(), t.TempDir())

	w := doJSON(t, s.Handler(), "POST", "/api/v1/runs/"+run.RunID+"/input", map[string]string{
		"data": "ls\n",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("input: status %d: %s", w.Code, w.Body.String())
	}
	h := fa.lastHandle()
	if got := h.gotInput(); len(got) != 1 || got[0] != "ls\n" {
		t.Errorf("unexpected input delivered: %v", got)
	}

	h.emit(`{"data":"first"}`)
	h.emit(`{"data":"second"}`)

	w2 := doJSON(t, s.Handler(), "GET", "/api/v1/runs/"+run.RunID+"/history", nil)
	if w2.Code != http.StatusOK {
		t.Fatalf("history: status %d: %s", w2.Code, w2.Body.String())
	}
	var hist struct {
		Events  []db.Event `json:"events"`
		NextSeq int64      `json:"nextSeq"`
	}
	if err := json.Unmarshal(w2.Body.Bytes(), &hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hist.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(hist.Events))
	}
	if hist.Events[0].Seq != 1 || hist.Events[1].Seq != 2 {
		t.Errorf("expected seqs 1,2, got %d,%d", hist.Events[0].Seq, hist.Events[1].Seq)
	}
	if hist.NextSeq != 3 {
		t.Errorf("expected nextSeq 3, got %d", hist.NextSeq)
	}

	// Paged read from seq 2.
	w3 := doJSON(t, s.Handler(), "GET", "/api/v1/runs/"+run.RunID+"/history?fromSeq=2&limit=10", nil)
	if err := json.Unmarshal(w3.Body.Bytes(), &hist); err != nil {
		t.Fatalf("decode history page: %v", err)
	}
	if len(hist.Events) != 1 || hist.Events[0].Seq != 2 {
		t.Errorf("expected one event at seq 2, got %+v", hist.Events)
	}
}

func TestRunHistoryBadParams(t *testing.T) {
	s, _ := newTestServer(t, config.Config{})
	run := createRun(t, s.Handler(), t.TempDir())

	for _, q := range []string{"?fromSeq=0", "?fromSeq=abc", "?limit=0", "?limit=x"} {
		w := doJSON(t, s.Handler(), "GET", "/api/v1/runs/"+run.RunID+"/history"+q, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("query %q: expected 400, got %d", q, w.Code)
		}
	}
}

func TestCloseRun(t *testing.T) {
	s, _ := newTestServer(t, config.Config{})
	run := createRun(t, s.Handler(), t.TempDir())

	w := doJSON(t, s.Handler(), "DELETE", "/api/v1/runs/"+run.RunID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("close: status %d: %s", w.Code, w.Body.String())
	}

	w2 := doJSON(t, s.Handler(), "GET", "/api/v1/runs/"+run.RunID, nil)
	got := decodeBody[RunResponse](t, w2)
	if got.Status != db.StatusStopped {
		t.Errorf("expected stopped after close, got %q", got.Status)
	}

	// Closing an already-stopped run is a no-op.
	w3 := doJSON(t, s.Handler(), "DELETE", "/api/v1/runs/"+run.RunID, nil)
	if w3.Code != http.StatusOK {
		t.Errorf("second close: expected 200, got %d", w3.Code)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	s, _ := newTestServer(t, config.Config{})
	run := createRun(t, s.Handler(), t.TempDir())

	// Unknown run.
	w := doJSON(t, s.Handler(), "POST", "/api/v1/runs/pty-nope/input", map[string]string{"data": "x"})
	if w.Code != http.StatusNotFound {
		t.Errorf("input to unknown run: expected 404, got %d", w.Code)
	}

	// Resume a non-resumable kind.
	doJSON(t, s.Handler(), "DELETE", "/api/v1/runs/"+run.RunID, nil)
	w2 := doJSON(t, s.Handler(), "POST", "/api/v1/runs/"+run.RunID+"/resume", nil)
	if w2.Code != http.StatusConflict {
		t.Errorf("resume pty run: expected 409, got %d", w2.Code)
	}

	// Input to a stopped run.
	w3 := doJSON(t, s.Handler(), "POST", "/api/v1/runs/"+run.RunID+"/input", map[string]string{"data": "x"})
	if w3.Code != http.StatusConflict {
		t.Errorf("input to stopped run: expected 409, got %d", w3.Code)
	}
}

func TestLayoutEndpoints(t *testing.T) {
	s, _ := newTestServer(t, config.Config{})
	run := createRun(t, s.Handler(), t.TempDir())

	w := doJSON(t, s.Handler(), "PUT", "/api/v1/runs/"+run.RunID+"/layout", map[string]string{
		"clientId": "browser-1",
		"tileId":   "tile-2",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("set layout: status %d: %s", w.Code, w.Body.String())
	}

	w2 := doJSON(t, s.Handler(), "DELETE", "/api/v1/runs/"+run.RunID+"/layout?clientId=browser-1", nil)
	if w2.Code != http.StatusOK {
		t.Errorf("remove layout: status %d", w2.Code)
	}

	w3 := doJSON(t, s.Handler(), "PUT", "/api/v1/runs/pty-nope/layout", map[string]string{
		"clientId": "browser-1",
		"tileId":   "tile-2",
	})
	if w3.Code != http.StatusNotFound {
		t.Errorf("layout for unknown run: expected 404, got %d", w3.Code)
	}
}

func TestListKinds(t *testing.T) {
	s, _ := newTestServer(t, config.Config{})

	w := doJSON(t, s.Handler(), "GET", "/api/v1/kinds", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("kinds: status %d", w.Code)
	}
	got := decodeBody[map[string][]string](t, w)
	if len(got["kinds"]) != 1 || got["kinds"][0] != "pty" {
		t.Errorf("unexpected kinds: %v", got["kinds"])
	}
}

// --- Workspace API ---

func TestWorkspaceCRUD(t *testing.T) {
	s, _ := newTestServer(t, config.Config{})
	h := s.Handler()
	dir := t.TempDir()

	w := doJSON(t, h, "POST", "/api/v1/workspaces", map[string]string{"path": dir, "name": "scratch"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create workspace: status %d: %s", w.Code, w.Body.String())
	}
	created := decodeBody[WorkspaceResponse](t, w)
	if created.Name != "scratch" {
		t.Errorf("expected name scratch, got %q", created.Name)
	}

	// Duplicate path conflicts.
	w2 := doJSON(t, h, "POST", "/api/v1/workspaces", map[string]string{"path": dir})
	if w2.Code != http.StatusConflict {
		t.Errorf("duplicate workspace: expected 409, got %d", w2.Code)
	}

	name := "renamed"
	w3 := doJSON(t, h, "PUT", "/api/v1/workspaces", map[string]any{"path": dir, "name": name})
	if w3.Code != http.StatusOK {
		t.Fatalf("update workspace: status %d: %s", w3.Code, w3.Body.String())
	}
	updated := decodeBody[WorkspaceResponse](t, w3)
	if updated.Name != "renamed" {
		t.Errorf("expected renamed, got %q", updated.Name)
	}

	// Set a theme override, then clear it with an explicit null. An absent
	// field must not clear.
	wt := doJSON(t, h, "PUT", "/api/v1/workspaces", map[string]any{"path": dir, "themeOverride": "dark"})
	if wt.Code != http.StatusOK {
		t.Fatalf("set theme: status %d: %s", wt.Code, wt.Body.String())
	}
	themed := decodeBody[WorkspaceResponse](t, wt)
	if themed.ThemeOverride == nil || *themed.ThemeOverride != "dark" {
		t.Fatalf("expected theme dark, got %+v", themed.ThemeOverride)
	}

	wn := doJSON(t, h, "PUT", "/api/v1/workspaces", map[string]any{"path": dir})
	kept := decodeBody[WorkspaceResponse](t, wn)
	if kept.ThemeOverride == nil || *kept.ThemeOverride != "dark" {
		t.Errorf("absent themeOverride should preserve the value, got %+v", kept.ThemeOverride)
	}

	wc := doJSON(t, h, "PUT", "/api/v1/workspaces", map[string]any{"path": dir, "themeOverride": nil})
	if wc.Code != http.StatusOK {
		t.Fatalf("clear theme: status %d: %s", wc.Code, wc.Body.String())
	}
	cleared := decodeBody[WorkspaceResponse](t, wc)
	if cleared.ThemeOverride != nil {
		t.Errorf("expected theme override cleared, got %q", *cleared.ThemeOverride)
	}

	wb := doJSON(t, h, "PUT", "/api/v1/workspaces", map[string]any{"path": dir, "themeOverride": 7})
	if wb.Code != http.StatusBadRequest {
		t.Errorf("non-string themeOverride: expected 400, got %d", wb.Code)
	}

	w4 := doJSON(t, h, "PUT", "/api/v1/workspaces", map[string]any{"path": "/nope", "name": name})
	if w4.Code != http.StatusNotFound {
		t.Errorf("update missing workspace: expected 404, got %d", w4.Code)
	}

	w5 := doJSON(t, h, "GET", "/api/v1/workspaces", nil)
	listed := decodeBody[map[string][]WorkspaceResponse](t, w5)
	if len(listed["workspaces"]) != 1 {
		t.Errorf("expected 1 workspace, got %d", len(listed["workspaces"]))
	}

	w6 := doJSON(t, h, "DELETE", "/api/v1/workspaces?path="+dir, nil)
	if w6.Code != http.StatusOK {
		t.Errorf("delete workspace: status %d", w6.Code)
	}
}

// --- Auth ---

func TestBearerAuth(t *testing.T) {
	s, _ := newTestServer(t, config.Config{AuthToken: "sekrit"})
	h := s.Handler()

	// No credentials.
	w := doJSON(t, h, "GET", "/api/v1/runs", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", w.Code)
	}

	// Wrong token.
	req := httptest.NewRequest("GET", "/api/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: expected 401, got %d", rec.Code)
	}

	// Correct bearer header.
	req2 := httptest.NewRequest("GET", "/api/v1/runs", nil)
	req2.Header.Set("Authorization", "Bearer sekrit")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Errorf("bearer token: expected 200, got %d", rec2.Code)
	}

	// Query fallback for socket-style clients.
	w2 := doJSON(t, h, "GET", "/api/v1/runs?token=sekrit", nil)
	if w2.Code != http.StatusOK {
		t.Errorf("query token: expected 200, got %d", w2.Code)
	}

	// Health stays open.
	w3 := doJSON(t, h, "GET", "/healthz", nil)
	if w3.Code != http.StatusOK {
		t.Errorf("healthz: expected 200, got %d", w3.Code)
	}
}

// --- Pages ---

func TestDashboardAndRunPage(t *testing.T) {
	s, fa := newTestServer(t, config.Config{})
	run := createRun(t, s.Handler(), t.TempDir())
	fa.lastHandle().emit(`{"data":"aGVsbG8="}`)

	w := doJSON(t, s.Handler(), "GET", "/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("dashboard: status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), run.RunID) {
		t.Errorf("dashboard missing run %s", run.RunID)
	}

	w2 := doJSON(t, s.Handler(), "GET", "/runs/"+run.RunID, nil)
	if w2.Code != http.StatusOK {
		t.Fatalf("run page: status %d", w2.Code)
	}
	if !strings.Contains(w2.Body.String(), fmt.Sprintf("id=%q", "s1")) {
		t.Errorf("run page missing event line: %s", w2.Body.String())
	}
}
