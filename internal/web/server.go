// Package web is the HTTP and websocket facade: a JSON API for run and
// workspace management, a websocket for attach/input/event streaming, a
// small embedded dashboard, and the metrics endpoint.
package web

import (
	"context"
	"crypto/subtle"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joestump/dispatch/internal/adapter"
	"github.com/joestump/dispatch/internal/config"
	"github.com/joestump/dispatch/internal/db"
	"github.com/joestump/dispatch/internal/session"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// Server is the HTTP server for the Dispatch API, socket, and dashboard.
type Server struct {
	cfg      config.Config
	store    *db.DB
	orch     *session.Orchestrator
	registry *adapter.Registry
	mux      *http.ServeMux
	tmpl     *template.Template
	server   *http.Server

	connMu sync.Mutex
	conns  map[*socketConn]struct{}
}

// New creates a web server wired to the orchestrator and store.
func New(cfg config.Config, store *db.DB, orch *session.Orchestrator, registry *adapter.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		orch:     orch,
		registry: registry,
		mux:      http.NewServeMux(),
		conns:    make(map[*socketConn]struct{}),
	}

	s.parseTemplates()
	s.registerRoutes()
	orch.OnStatus(s.broadcastStatus)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.ListenPort),
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the socket holds long-lived writes
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the routed mux, used by tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) addConn(c *socketConn) {
	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) removeConn(c *socketConn) {
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()
}

// broadcastStatus pushes a run status transition at every socket client
// attached to the run.
func (s *Server) broadcastStatus(runID, status, reason string) {
	s.connMu.Lock()
	conns := make([]*socketConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()

	for _, c := range conns {
		c.notifyStatus(runID, status, reason)
	}
}

// Start begins serving. It blocks until the server is shut down. TLS is
// used when both cert and key are configured.
func (s *Server) Start() error {
	log.Printf("dispatch listening on %s", s.server.Addr)
	var err error
	if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
		err = s.server.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	} else {
		err = s.server.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	staticSub, _ := fs.Sub(staticFS, "static")
	s.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	s.mux.HandleFunc("GET /{$}", s.handleDashboard)
	s.mux.HandleFunc("GET /runs/{id}", s.handleRunPage)

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// API v1. Every route goes through the bearer check.
	s.mux.HandleFunc("GET /api/v1/kinds", s.auth(s.handleListKinds))
	s.mux.HandleFunc("POST /api/v1/runs", s.auth(s.handleCreateRun))
	s.mux.HandleFunc("GET /api/v1/runs", s.auth(s.handleListRuns))
	s.mux.HandleFunc("GET /api/v1/runs/{id}", s.auth(s.handleGetRun))
	s.mux.HandleFunc("DELETE /api/v1/runs/{id}", s.auth(s.handleCloseRun))
	s.mux.HandleFunc("POST /api/v1/runs/{id}/resume", s.auth(s.handleResumeRun))
	s.mux.HandleFunc("POST /api/v1/runs/{id}/input", s.auth(s.handleRunInput))
	s.mux.HandleFunc("GET /api/v1/runs/{id}/history", s.auth(s.handleRunHistory))
	s.mux.HandleFunc("PUT /api/v1/runs/{id}/layout", s.auth(s.handleSetLayout))
	s.mux.HandleFunc("DELETE /api/v1/runs/{id}/layout", s.auth(s.handleRemoveLayout))
	s.mux.HandleFunc("GET /api/v1/workspaces", s.auth(s.handleListWorkspaces))
	s.mux.HandleFunc("POST /api/v1/workspaces", s.auth(s.handleCreateWorkspace))
	s.mux.HandleFunc("PUT /api/v1/workspaces", s.auth(s.handleUpdateWorkspace))
	s.mux.HandleFunc("DELETE /api/v1/workspaces", s.auth(s.handleDeleteWorkspace))

	s.mux.HandleFunc("GET /socket", s.auth(s.handleSocket))
}

// auth enforces the bearer token when one is configured. The socket also
// accepts ?token= because browser websocket clients cannot set headers.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next(w, r)
			return
		}

		presented := ""
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			presented = strings.TrimPrefix(h, "Bearer ")
		} else if t := r.URL.Query().Get("token"); t != "" {
			presented = t
		}

		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.AuthToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) parseTemplates() {
	funcMap := template.FuncMap{
		"fmtMillis": func(ms int64) string {
			if ms == 0 {
				return "--"
			}
			return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04:05 UTC")
		},
		"deref": func(p *int64) int64 {
			if p == nil {
				return 0
			}
			return *p
		},
		"statusClass": func(status string) string {
			switch status {
			case db.StatusRunning:
				return "status-running"
			case db.StatusStarting:
				return "status-starting"
			case db.StatusStopped:
				return "status-stopped"
			case db.StatusCrashed:
				return "status-crashed"
			default:
				return "status-unknown"
			}
		},
	}

	s.tmpl = template.Must(
		template.New("").Funcs(funcMap).ParseFS(templateFS, "templates/*.html"),
	)
}
