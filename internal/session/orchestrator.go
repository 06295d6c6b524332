package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joestump/dispatch/internal/adapter"
	"github.com/joestump/dispatch/internal/db"
	"github.com/joestump/dispatch/internal/hub"
	"github.com/joestump/dispatch/internal/metrics"
)

// History paging bounds.
const (
	DefaultHistoryLimit = 500
	MaxHistoryLimit     = 1000
)

// Options tunes orchestrator timing and buffering. Zero values pick the
// defaults.
type Options struct {
	// StartTimeout bounds adapter startup. Default 30s.
	StartTimeout time.Duration

	// CloseGrace is how long a close waits for graceful shutdown before
	// forcing termination. Default 5s.
	CloseGrace time.Duration

	// PreStartBufferBytes caps output buffered during startup.
	PreStartBufferBytes int

	// WorkspacesRoot, when set, restricts run workspaces to paths under
	// this directory.
	WorkspacesRoot string

	// Titler, when non-nil, names runs from their first input.
	Titler Titler
}

func (o Options) withDefaults() Options {
	if o.StartTimeout <= 0 {
		o.StartTimeout = 30 * time.Second
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = 5 * time.Second
	}
	if o.PreStartBufferBytes <= 0 {
		o.PreStartBufferBytes = DefaultPreStartBufferBytes
	}
	return o
}

// Orchestrator drives run lifecycles: it launches adapters, wires their
// output through recorders into the log and hub, routes input, and owns
// every run status transition.
type Orchestrator struct {
	store    *db.DB
	hub      *hub.Hub
	registry *adapter.Registry
	opts     Options

	mu       sync.Mutex
	live     map[string]*liveRun
	statusFn StatusFunc
}

type liveRun struct {
	runID          string
	kind           string
	handle         adapter.Handle
	recorder       *Recorder
	closeRequested bool
	exited         bool
	failed         bool
	titled         bool
}

// StatusFunc receives run status transitions as they are persisted. reason
// is the adapter exit reason or a host-side cause; empty when not
// applicable.
type StatusFunc func(runID, status, reason string)

// OnStatus registers the status transition listener. At most one; the
// facade uses it to push run:status frames at attached clients.
func (o *Orchestrator) OnStatus(fn StatusFunc) {
	o.mu.Lock()
	o.statusFn = fn
	o.mu.Unlock()
}

func (o *Orchestrator) notifyStatus(runID, status, reason string) {
	o.mu.Lock()
	fn := o.statusFn
	o.mu.Unlock()
	if fn != nil {
		fn(runID, status, reason)
	}
}

// New creates an Orchestrator.
func New(store *db.DB, h *hub.Hub, registry *adapter.Registry, opts Options) *Orchestrator {
	return &Orchestrator{
		store:    store,
		hub:      h,
		registry: registry,
		opts:     opts.withDefaults(),
		live:     make(map[string]*liveRun),
	}
}

// CreateParams describes a new run.
type CreateParams struct {
	Kind          string
	WorkspacePath string
	Metadata      map[string]string
}

// Create launches a new run. The run row exists (status starting) before
// the adapter launches; output produced during startup is buffered and
// lands in the log from seq 1.
func (o *Orchestrator) Create(ctx context.Context, p CreateParams) (*db.Run, error) {
	a, err := o.registry.Get(p.Kind)
	if err != nil {
		return nil, err
	}

	if err := o.ensureWorkspace(p.WorkspacePath); err != nil {
		return nil, err
	}

	metaJSON, err := json.Marshal(orDefault(p.Metadata))
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	run := &db.Run{
		RunID:         p.Kind + "-" + uuid.NewString()[:8],
		Kind:          p.Kind,
		WorkspacePath: p.WorkspacePath,
		Status:        db.StatusStarting,
		MetadataJSON:  metaJSON,
	}
	if err := o.store.InsertRun(run); err != nil {
		return nil, err
	}

	if err := o.startRun(ctx, run, a, p.Metadata, ""); err != nil {
		return nil, err
	}

	run.Status = db.StatusRunning
	return run, nil
}

// Resume restarts a stopped or crashed run of a resumable kind, keeping
// its identity. New events continue the existing log. Resuming a live run
// is a no-op.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*db.Run, error) {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchRun, runID)
	}

	o.mu.Lock()
	_, isLive := o.live[runID]
	o.mu.Unlock()
	if isLive {
		return run, nil
	}

	a, err := o.registry.Get(run.Kind)
	if err != nil {
		return nil, err
	}
	if !a.Resumable() {
		return nil, fmt.Errorf("%w: kind %q", ErrNotResumable, run.Kind)
	}
	if run.Status != db.StatusStopped && run.Status != db.StatusCrashed {
		return nil, fmt.Errorf("%w: status %q", ErrNotResumable, run.Status)
	}

	meta := decodeMeta(run.MetadataJSON)
	if err := o.store.SetRunStatus(runID, db.StatusStarting); err != nil {
		return nil, err
	}
	o.notifyStatus(runID, db.StatusStarting, "resume")

	if err := o.startRun(ctx, run, a, meta, meta[adapter.MetaCLISessionID]); err != nil {
		return nil, err
	}

	run.Status = db.StatusRunning
	return run, nil
}

// startRun launches the adapter for a run and promotes it to running. Used
// by both Create and Resume; resumeHint is empty for fresh runs.
func (o *Orchestrator) startRun(ctx context.Context, run *db.Run, a adapter.Adapter, meta map[string]string, resumeHint string) error {
	runID := run.RunID

	// A prior exit closed the run's hub topic; restore live fan-out so
	// events from this launch reach subscribers again.
	o.hub.OpenRun(runID)

	rec := NewRecorder(o.store, o.hub, runID, o.opts.PreStartBufferBytes, func(err error) {
		o.failRun(runID, err)
	})

	lr := &liveRun{runID: runID, kind: run.Kind, recorder: rec}
	o.mu.Lock()
	o.live[runID] = lr
	o.mu.Unlock()

	if resumeHint != "" {
		rec.RecordSystem(TypeResume, map[string]string{"hint": resumeHint})
	}

	so := adapter.StartOptions{
		RunID:         runID,
		WorkspacePath: run.WorkspacePath,
		Metadata:      orDefault(meta),
		ResumeHint:    resumeHint,
		Sink:          rec.Sink,
		OnExit:        func(st adapter.ExitStatus) { o.handleExit(lr, st) },
		OnMeta:        func(k, v string) { o.setRunMeta(runID, k, v) },
	}

	type startResult struct {
		handle adapter.Handle
		err    error
	}
	ch := make(chan startResult, 1)
	go func() {
		h, err := a.Start(ctx, so)
		ch <- startResult{h, err}
	}()

	var handle adapter.Handle
	select {
	case r := <-ch:
		if r.err != nil {
			o.abortStart(lr, fmt.Errorf("start %s: %w", run.Kind, r.err))
			return r.err
		}
		handle = r.handle
	case <-time.After(o.opts.StartTimeout):
		// A handle arriving after the deadline is closed, not adopted.
		go func() {
			if r := <-ch; r.handle != nil {
				cctx, cancel := context.WithTimeout(context.Background(), o.opts.CloseGrace)
				defer cancel()
				_ = r.handle.Close(cctx)
			}
		}()
		err := fmt.Errorf("%w after %s", adapter.ErrStartTimeout, o.opts.StartTimeout)
		o.abortStart(lr, err)
		return err
	}

	o.mu.Lock()
	lr.handle = handle
	exited := lr.exited
	if !exited {
		if err := o.store.SetRunStatus(runID, db.StatusRunning); err != nil {
			fmt.Fprintf(os.Stderr, "mark %s running: %v\n", runID, err)
		}
	}
	o.mu.Unlock()

	if !exited {
		o.notifyStatus(runID, db.StatusRunning, "")
	}
	rec.Start()
	metrics.RunsStarted.WithLabelValues(run.Kind).Inc()
	metrics.LiveRuns.Inc()
	return nil
}

// abortStart records a failed launch and marks the run crashed. Buffered
// startup output is flushed first so the log explains the failure.
func (o *Orchestrator) abortStart(lr *liveRun, cause error) {
	o.mu.Lock()
	delete(o.live, lr.runID)
	if err := o.store.SetRunStatus(lr.runID, db.StatusCrashed); err != nil {
		fmt.Fprintf(os.Stderr, "mark %s crashed: %v\n", lr.runID, err)
	}
	o.mu.Unlock()

	lr.recorder.Start()
	lr.recorder.RecordSystem(TypeError, map[string]string{"message": cause.Error()})
	o.notifyStatus(lr.runID, db.StatusCrashed, "start-failed")
	o.hub.CloseRun(lr.runID)
}

// handleExit runs once per live run when its adapter ends, for any reason.
// The exit event is always the run's last.
func (o *Orchestrator) handleExit(lr *liveRun, st adapter.ExitStatus) {
	// Flush any startup buffer if exit raced the launch.
	lr.recorder.Start()
	lr.recorder.RecordSystem(TypeExit, map[string]any{"code": st.Code, "reason": st.Reason})

	o.mu.Lock()
	delete(o.live, lr.runID)
	lr.exited = true
	status := db.StatusStopped
	// A run whose recorder failed is crashed regardless of how the close
	// that follows plays out.
	if lr.failed || (!lr.closeRequested && (st.Code != 0 || (st.Reason != "exit" && st.Reason != "closed"))) {
		status = db.StatusCrashed
	}
	if err := o.store.SetRunStatus(lr.runID, status); err != nil {
		fmt.Fprintf(os.Stderr, "mark %s %s: %v\n", lr.runID, status, err)
	}
	o.mu.Unlock()

	o.notifyStatus(lr.runID, status, st.Reason)
	o.hub.CloseRun(lr.runID)
	metrics.LiveRuns.Dec()
}

// failRun tears a run down after the store rejected an append. Output can
// no longer be recorded, so the adapter is closed and the run is crashed.
func (o *Orchestrator) failRun(runID string, cause error) {
	fmt.Fprintf(os.Stderr, "run %s: %v, closing\n", runID, cause)

	o.mu.Lock()
	lr, ok := o.live[runID]
	if ok {
		lr.failed = true
	}
	o.mu.Unlock()

	if ok && lr.handle != nil {
		cctx, cancel := context.WithTimeout(context.Background(), o.opts.CloseGrace)
		defer cancel()
		_ = lr.handle.Close(cctx)
	}

	if err := o.store.SetRunStatus(runID, db.StatusCrashed); err != nil {
		fmt.Fprintf(os.Stderr, "mark %s crashed: %v\n", runID, err)
	}
	o.notifyStatus(runID, db.StatusCrashed, "store-failure")
	o.hub.CloseRun(runID)
}

// Input forwards client bytes to a live run's adapter.
func (o *Orchestrator) Input(runID string, data []byte) error {
	lr, err := o.liveRun(runID)
	if err != nil {
		return err
	}

	if o.opts.Titler != nil && lr.kind == "claude" {
		o.mu.Lock()
		first := !lr.titled
		lr.titled = true
		o.mu.Unlock()
		if first {
			go o.titleRun(lr.runID, string(data))
		}
	}

	return lr.handle.Input(data)
}

// Resize forwards a terminal geometry change to a live run's adapter.
func (o *Orchestrator) Resize(runID string, cols, rows int) error {
	lr, err := o.liveRun(runID)
	if err != nil {
		return err
	}
	return lr.handle.Resize(cols, rows)
}

// Close requests graceful shutdown of a live run. Closing a run that is
// already stopped is a no-op.
func (o *Orchestrator) Close(ctx context.Context, runID string) error {
	o.mu.Lock()
	lr, ok := o.live[runID]
	if ok {
		lr.closeRequested = true
	}
	o.mu.Unlock()

	if !ok {
		run, err := o.store.GetRun(runID)
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("%w: %s", ErrNoSuchRun, runID)
		}
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, o.opts.CloseGrace)
	defer cancel()
	return lr.handle.Close(cctx)
}

// Attachment is one client's live view onto a run's event stream.
type Attachment struct {
	sub  *hub.Subscription
	once sync.Once
}

// RunID returns the attached run.
func (a *Attachment) RunID() string { return a.sub.RunID() }

// Close detaches without invoking the drop callback. Idempotent.
func (a *Attachment) Close() {
	a.once.Do(func() { metrics.Subscribers.Dec() })
	a.sub.Unsubscribe()
}

// Attach subscribes a client to a run's events from fromSeq, replaying
// history and stitching onto the live stream. onDrop fires if the hub ends
// the subscription (slow client, replay failure, or run close).
func (o *Orchestrator) Attach(runID string, fromSeq int64, deliver hub.DeliverFunc, onDrop func(reason string)) (*Attachment, error) {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchRun, runID)
	}

	if err := o.store.TouchWorkspace(run.WorkspacePath); err != nil {
		fmt.Fprintf(os.Stderr, "touch workspace %s: %v\n", run.WorkspacePath, err)
	}

	att := &Attachment{}
	metrics.Subscribers.Inc()
	att.sub = o.hub.Subscribe(runID, fromSeq, deliver, func(reason string) {
		att.once.Do(func() { metrics.Subscribers.Dec() })
		metrics.SubscribersDropped.WithLabelValues(reason).Inc()
		if onDrop != nil {
			onDrop(reason)
		}
	})
	return att, nil
}

// History reads a page of a run's log starting at fromSeq. limit <= 0 uses
// DefaultHistoryLimit; larger requests clamp to MaxHistoryLimit.
func (o *Orchestrator) History(runID string, fromSeq int64, limit int) ([]db.Event, error) {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchRun, runID)
	}

	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if fromSeq < 1 {
		fromSeq = 1
	}
	return o.store.ReadEvents(runID, fromSeq, limit)
}

// SetLayout pins a run to a tile for one client.
func (o *Orchestrator) SetLayout(runID, clientID, tileID string) error {
	if err := o.requireRun(runID); err != nil {
		return err
	}
	return o.store.SetLayout(runID, clientID, tileID)
}

// RemoveLayout clears a client's tile assignment for a run.
func (o *Orchestrator) RemoveLayout(runID, clientID string) error {
	if err := o.requireRun(runID); err != nil {
		return err
	}
	return o.store.RemoveLayout(runID, clientID)
}

// IsLive reports whether the run has a live adapter.
func (o *Orchestrator) IsLive(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.live[runID]
	return ok
}

// RecoverCrashed sweeps runs left starting or running by a previous host
// process: each gets a host-restart event and is marked crashed. Called
// once at startup, before serving.
func (o *Orchestrator) RecoverCrashed() error {
	for _, status := range []string{db.StatusStarting, db.StatusRunning} {
		runs, err := o.store.ListRuns("", status)
		if err != nil {
			return fmt.Errorf("list %s runs: %w", status, err)
		}
		for _, run := range runs {
			payload, _ := json.Marshal(map[string]string{"priorStatus": run.Status})
			if _, err := o.store.AppendEvent(run.RunID, ChannelSystem, TypeHostRestart, payload); err != nil {
				fmt.Fprintf(os.Stderr, "record host restart for %s: %v\n", run.RunID, err)
			}
			if err := o.store.SetRunStatus(run.RunID, db.StatusCrashed); err != nil {
				return fmt.Errorf("mark %s crashed: %w", run.RunID, err)
			}
		}
	}
	return nil
}

// Shutdown closes every live run, bounded by the context.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	ids := make([]string, 0, len(o.live))
	for id := range o.live {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := o.Close(ctx, id); err != nil {
				fmt.Fprintf(os.Stderr, "close %s: %v\n", id, err)
			}
		}(id)
	}
	wg.Wait()
}

func (o *Orchestrator) liveRun(runID string) (*liveRun, error) {
	o.mu.Lock()
	lr, ok := o.live[runID]
	o.mu.Unlock()
	if ok && lr.handle != nil {
		return lr, nil
	}

	run, err := o.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchRun, runID)
	}
	return nil, fmt.Errorf("%w: %s is %s", ErrNotLive, runID, run.Status)
}

func (o *Orchestrator) requireRun(runID string) error {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("%w: %s", ErrNoSuchRun, runID)
	}
	return nil
}

// ensureWorkspace creates the workspace row on first use and bumps its
// activity either way.
func (o *Orchestrator) ensureWorkspace(path string) error {
	if path == "" {
		return fmt.Errorf("workspace path is required")
	}
	if root := o.opts.WorkspacesRoot; root != "" {
		clean := filepath.Clean(path)
		root = filepath.Clean(root)
		if clean != root && !strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return fmt.Errorf("workspace %s is outside %s", path, root)
		}
	}
	w, err := o.store.GetWorkspace(path)
	if err != nil {
		return err
	}
	if w == nil {
		if err := o.store.InsertWorkspace(&db.Workspace{Path: path}); err != nil && err != db.ErrWorkspaceExists {
			return err
		}
	}
	return o.store.TouchWorkspace(path)
}

// setRunMeta merges one key into the run's metadata blob. Used for
// adapter-discovered metadata and titles.
func (o *Orchestrator) setRunMeta(runID, key, value string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	run, err := o.store.GetRun(runID)
	if err != nil || run == nil {
		return
	}
	meta := decodeMeta(run.MetadataJSON)
	meta[key] = value
	data, err := json.Marshal(meta)
	if err != nil {
		return
	}
	if err := o.store.UpdateRunMetadata(runID, data); err != nil {
		fmt.Fprintf(os.Stderr, "update metadata for %s: %v\n", runID, err)
	}
}

// titleRun asks the titler to name a run from its first input.
func (o *Orchestrator) titleRun(runID, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	title, err := o.opts.Titler.Title(ctx, text)
	if err != nil {
		fmt.Fprintf(os.Stderr, "title run %s: %v\n", runID, err)
		return
	}
	if title = strings.TrimSpace(title); title != "" {
		o.setRunMeta(runID, "title", title)
	}
}

func decodeMeta(raw []byte) map[string]string {
	meta := make(map[string]string)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &meta)
	}
	return meta
}

func orDefault(meta map[string]string) map[string]string {
	if meta == nil {
		return map[string]string{}
	}
	return meta
}
