package web

import (
	"bytes"
	"encoding/json"
	"html/template"
	"log"
	"net/http"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/joestump/dispatch/internal/config"
	"github.com/joestump/dispatch/internal/db"
	"github.com/joestump/dispatch/internal/session"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
)

// renderMarkdown converts assistant text to HTML for the run page.
func renderMarkdown(md string) template.HTML {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(md))
	}
	return template.HTML(buf.String())
}

type dashboardRun struct {
	RunResponse
	Title string
	Live  bool
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns("", "")
	if err != nil {
		http.Error(w, "database error", http.StatusInternalServerError)
		return
	}
	workspaces, err := s.store.ListWorkspaces()
	if err != nil {
		http.Error(w, "database error", http.StatusInternalServerError)
		return
	}

	view := make([]dashboardRun, 0, len(runs))
	for _, run := range runs {
		dr := dashboardRun{RunResponse: toRunResponse(run), Live: s.orch.IsLive(run.RunID)}
		if t := dr.Metadata["title"]; t != "" {
			dr.Title = t
		} else {
			dr.Title = run.RunID
		}
		view = append(view, dr)
	}

	data := struct {
		Runs       []dashboardRun
		Workspaces []db.Workspace
		Version    string
	}{view, workspaces, config.Version}

	s.render(w, "dashboard.html", data)
}

// runPageEntry is one log event prepared for display.
type runPageEntry struct {
	Seq     int64
	Channel string
	Type    string
	Time    string
	Text    string
	HTML    template.HTML
}

func (s *Server) handleRunPage(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	run, err := s.store.GetRun(runID)
	if err != nil {
		http.Error(w, "database error", http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.NotFound(w, r)
		return
	}

	events, err := s.orch.History(runID, 1, session.MaxHistoryLimit)
	if err != nil {
		http.Error(w, "database error", http.StatusInternalServerError)
		return
	}

	entries := make([]runPageEntry, 0, len(events))
	for _, e := range events {
		entries = append(entries, toRunPageEntry(e))
	}

	data := struct {
		Run     RunResponse
		Live    bool
		Entries []runPageEntry
	}{toRunResponse(*run), s.orch.IsLive(runID), entries}

	s.render(w, "run.html", data)
}

// toRunPageEntry flattens an event for the run page. Assistant text is
// rendered as markdown; everything else shows as plain text.
func toRunPageEntry(e db.Event) runPageEntry {
	entry := runPageEntry{
		Seq:     e.Seq,
		Channel: e.Channel,
		Type:    e.Type,
		Time:    time.UnixMilli(e.TS).UTC().Format("15:04:05"),
	}

	if e.Channel == "claude:message" && e.Type == "text" {
		var payload struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(e.Payload, &payload); err == nil {
			entry.HTML = renderMarkdown(payload.Text)
			return entry
		}
	}
	entry.Text = string(e.Payload)
	return entry
}

// render executes a content template inside the layout.
func (s *Server) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	var buf bytes.Buffer
	if err := s.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		log.Printf("template %s: %v", name, err)
		http.Error(w, "template error", http.StatusInternalServerError)
		return
	}

	layoutData := struct {
		Content template.HTML
		Version string
	}{template.HTML(buf.String()), config.Version}
	if err := s.tmpl.ExecuteTemplate(w, "layout.html", layoutData); err != nil {
		log.Printf("layout+%s: %v", name, err)
		http.Error(w, "template error", http.StatusInternalServerError)
	}
}
