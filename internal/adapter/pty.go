package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// Channels and event types emitted by the PTY adapter. A pseudo-terminal
// merges the child's stderr into the master fd, so everything surfaces as
// pty:stdout.
const (
	ChannelPTYStdout = "pty:stdout"
	TypeChunk        = "chunk"
)

// PTYAdapter spawns an interactive shell under a pseudo-terminal.
type PTYAdapter struct {
	// Shell overrides the command to run. Empty means $SHELL, falling
	// back to /bin/sh.
	Shell string
}

// NewPTY creates a PTY adapter using the ambient shell.
func NewPTY() *PTYAdapter {
	return &PTYAdapter{}
}

// Kind implements Adapter.
func (a *PTYAdapter) Kind() string { return "pty" }

// Resumable implements Adapter. A dead shell has no process state to
// reattach to.
func (a *PTYAdapter) Resumable() bool { return false }

// Start implements Adapter. The returned handle is live as soon as the
// child has been forked onto the PTY slave.
func (a *PTYAdapter) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	shell := a.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}
	if _, err := exec.LookPath(shell); err != nil {
		return nil, fmt.Errorf("%w: shell %q not found", ErrMisconfigured, shell)
	}

	if info, err := os.Stat(opts.WorkspacePath); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("workspace %q is not a directory", opts.WorkspacePath)
	}

	cmd := exec.Command(shell)
	cmd.Dir = opts.WorkspacePath
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("opening PTY: %w", err)
	}

	h := &ptyHandle{
		cmd:  cmd,
		ptmx: ptmx,
		done: make(chan struct{}),
	}

	// Reader: master fd -> sink, chunked. EIO is the normal read error
	// once the slave side closes.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, readErr := ptmx.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				opts.Sink(Emission{Channel: ChannelPTYStdout, Type: TypeChunk, Payload: data})
			}
			if readErr != nil {
				if readErr != io.EOF && !isEIO(readErr) {
					fmt.Fprintf(os.Stderr, "pty read %s: %v\n", opts.RunID, readErr)
				}
				return
			}
		}
	}()

	// Waiter: reaps the child and reports exit exactly once.
	go func() {
		waitErr := cmd.Wait()
		_ = ptmx.Close()
		close(h.done)

		status := ExitStatus{Code: 0, Reason: "exit"}
		if waitErr != nil {
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				status.Code = exitErr.ExitCode()
				status.Reason = "exit"
			} else {
				status.Code = -1
				status.Reason = waitErr.Error()
			}
		}
		if h.killed() {
			status.Reason = "killed"
		}
		opts.OnExit(status)
	}()

	return h, nil
}

type ptyHandle struct {
	cmd  *exec.Cmd
	ptmx *os.File
	done chan struct{}

	mu       sync.Mutex
	didKill  bool
	writeErr error
}

func (h *ptyHandle) killed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.didKill
}

// Input writes client bytes to the PTY master.
func (h *ptyHandle) Input(p []byte) error {
	if _, err := h.ptmx.Write(p); err != nil {
		return fmt.Errorf("pty write: %w", err)
	}
	return nil
}

// Resize forwards the new window size to the TTY.
func (h *ptyHandle) Resize(cols, rows int) error {
	return pty.Setsize(h.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Close sends SIGTERM, then SIGKILL if the child outlives the context.
func (h *ptyHandle) Close(ctx context.Context) error {
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
	}

	h.mu.Lock()
	h.didKill = true
	h.mu.Unlock()
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	<-h.done
	return nil
}

// isEIO returns true if err is an EIO wrapped in an *os.PathError, which is
// how Linux reports a closed PTY slave.
func isEIO(err error) bool {
	var pe *os.PathError
	if errors.As(err, &pe) {
		if errno, ok := pe.Err.(syscall.Errno); ok {
			return errno == syscall.EIO
		}
	}
	return false
}
