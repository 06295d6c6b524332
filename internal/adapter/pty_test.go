package adapter

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPTYMisconfiguredShell(t *testing.T) {
	a := &PTYAdapter{Shell: "/no/such/shell"}
	_, err := a.Start(context.Background(), StartOptions{
		WorkspacePath: t.TempDir(),
		Sink:          func(Emission) {},
		OnExit:        func(ExitStatus) {},
	})
	if !errors.Is(err, ErrMisconfigured) {
		t.Fatalf("expected ErrMisconfigured, got %v", err)
	}
}

func TestPTYBadWorkspace(t *testing.T) {
	a := &PTYAdapter{Shell: "/bin/sh"}
	_, err := a.Start(context.Background(), StartOptions{
		WorkspacePath: "/no/such/dir",
		Sink:          func(Emission) {},
		OnExit:        func(ExitStatus) {},
	})
	if err == nil {
		t.Fatal("expected error for missing workspace")
	}
}

func TestPTYShellRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var out bytes.Buffer
	exited := make(chan ExitStatus, 1)

	a := &PTYAdapter{Shell: "/bin/sh"}
	h, err := a.Start(context.Background(), StartOptions{
		RunID:         "pty-test",
		WorkspacePath: t.TempDir(),
		Sink: func(em Emission) {
			mu.Lock()
			out.Write(em.Payload)
			mu.Unlock()
		},
		OnExit: func(st ExitStatus) { exited <- st },
	})
	if err != nil {
		t.Skipf("no usable PTY in this environment: %v", err)
	}

	if err := h.Resize(80, 24); err != nil {
		t.Fatalf("resize: %v", err)
	}
	if err := h.Input([]byte("echo dispatch-$((20+22))\n")); err != nil {
		t.Fatalf("input: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		found := bytes.Contains(out.Bytes(), []byte("dispatch-42"))
		mu.Unlock()
		if found {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	mu.Lock()
	if !bytes.Contains(out.Bytes(), []byte("dispatch-42")) {
		mu.Unlock()
		t.Fatal("never saw echoed output")
	}
	mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("expected exit callback after close")
	}
}
