package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Channels and event types emitted by the file-editor adapter.
const (
	ChannelFileEditor = "fileeditor:file"
	ChannelFileWatch  = "fileeditor:change"
	TypeOpen          = "open"
	TypeSave          = "save"
	TypeClose         = "close"
	TypeMeta          = "meta"
)

// FileEditorAdapter opens a file for buffered read/modify/write. It has no
// TTY and no subprocess; lifetime ends at Close. An fsnotify watcher on the
// file reports external modifications so clients can offer a reload.
type FileEditorAdapter struct{}

// NewFileEditor creates a file-editor adapter.
func NewFileEditor() *FileEditorAdapter {
	return &FileEditorAdapter{}
}

// Kind implements Adapter.
func (a *FileEditorAdapter) Kind() string { return "file-editor" }

// Resumable implements Adapter. Resuming reopens the same path.
func (a *FileEditorAdapter) Resumable() bool { return true }

// Start implements Adapter. Metadata must carry "path", the file to edit,
// relative to the workspace (absolute paths are taken as-is). A missing
// file opens as an empty buffer and is created on first save.
func (a *FileEditorAdapter) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	rel := opts.Metadata["path"]
	if rel == "" {
		return nil, fmt.Errorf("%w: file-editor requires metadata.path", ErrMisconfigured)
	}
	path := rel
	if !filepath.IsAbs(path) {
		path = filepath.Join(opts.WorkspacePath, rel)
	}

	var content []byte
	if data, err := os.ReadFile(path); err == nil {
		content = data
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	h := &fileEditorHandle{
		path:    path,
		buffer:  content,
		sink:    opts.Sink,
		onExit:  opts.OnExit,
		closeCh: make(chan struct{}),
	}

	// Watch the containing directory; watching the file itself breaks on
	// editors that replace via rename.
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if werr := watcher.Add(filepath.Dir(path)); werr != nil {
			_ = watcher.Close()
			watcher = nil
		}
	} else {
		watcher = nil
	}
	h.watcher = watcher
	if watcher != nil {
		go h.watchLoop()
	}

	h.emitFileEvent(TypeOpen, content)
	return h, nil
}

type fileEditorHandle struct {
	path   string
	sink   Sink
	onExit func(ExitStatus)

	mu     sync.Mutex
	buffer []byte
	saving bool
	closed bool

	watcher *fsnotify.Watcher
	closeCh chan struct{}

	exitOnce sync.Once
}

// editorCommand is the input frame accepted by the file-editor adapter.
type editorCommand struct {
	Op      string `json:"op"` // replace | save
	Content string `json:"content,omitempty"`
}

// Input applies a JSON editor command to the buffer.
func (h *fileEditorHandle) Input(p []byte) error {
	var cmd editorCommand
	if err := json.Unmarshal(p, &cmd); err != nil {
		return fmt.Errorf("parse editor command: %w", err)
	}

	switch cmd.Op {
	case "replace":
		h.mu.Lock()
		h.buffer = []byte(cmd.Content)
		h.mu.Unlock()
		return nil

	case "save":
		h.mu.Lock()
		data := make([]byte, len(h.buffer))
		copy(data, h.buffer)
		h.saving = true
		h.mu.Unlock()

		err := os.WriteFile(h.path, data, 0o644)

		h.mu.Lock()
		h.saving = false
		h.mu.Unlock()

		if err != nil {
			return fmt.Errorf("save %s: %w", h.path, err)
		}
		h.emitFileEvent(TypeSave, data)
		return nil

	default:
		return fmt.Errorf("unknown editor op %q", cmd.Op)
	}
}

// Resize implements Handle as a no-op; there is no TTY.
func (h *fileEditorHandle) Resize(cols, rows int) error { return nil }

// Close emits the close event, stops the watcher, and reports a clean exit.
func (h *fileEditorHandle) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	close(h.closeCh)
	if h.watcher != nil {
		_ = h.watcher.Close()
	}

	h.emitFileEvent(TypeClose, nil)
	h.exitOnce.Do(func() { h.onExit(ExitStatus{Code: 0, Reason: "closed"}) })
	return nil
}

// watchLoop turns external writes to the file into change events. Writes
// performed by the adapter's own save are suppressed.
func (h *fileEditorHandle) watchLoop() {
	for {
		select {
		case <-h.closeCh:
			return
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != h.path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			h.mu.Lock()
			suppress := h.saving
			h.mu.Unlock()
			if suppress {
				continue
			}
			payload, _ := json.Marshal(map[string]string{"path": h.path, "op": ev.Op.String()})
			h.sink(Emission{Channel: ChannelFileWatch, Type: TypeMeta, Payload: payload})
		case _, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// emitFileEvent pushes an open/save/close event, chunking content so one
// emission never exceeds MaxChunk.
func (h *fileEditorHandle) emitFileEvent(typ string, content []byte) {
	type filePayload struct {
		Path    string `json:"path"`
		Content string `json:"content,omitempty"`
		Offset  int    `json:"offset,omitempty"`
		More    bool   `json:"more,omitempty"`
		Size    int    `json:"size"`
	}

	if len(content) == 0 {
		payload, _ := json.Marshal(filePayload{Path: h.path, Size: 0})
		h.sink(Emission{Channel: ChannelFileEditor, Type: typ, Payload: payload})
		return
	}

	// Leave headroom for the JSON envelope around each chunk.
	const chunk = MaxChunk / 2
	for off := 0; off < len(content); off += chunk {
		end := off + chunk
		if end > len(content) {
			end = len(content)
		}
		payload, _ := json.Marshal(filePayload{
			Path:    h.path,
			Content: string(content[off:end]),
			Offset:  off,
			More:    end < len(content),
			Size:    len(content),
		})
		h.sink(Emission{Channel: ChannelFileEditor, Type: typ, Payload: payload})
	}
}
