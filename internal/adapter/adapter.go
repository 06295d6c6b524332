// Package adapter defines the polymorphic contract that turns a process or
// resource into a stream of channel-tagged events plus an input sink, and
// the registry mapping run kinds to adapter implementations.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Errors surfaced by the registry and adapter startup.
var (
	// ErrUnknownKind means no adapter is registered for the requested kind.
	ErrUnknownKind = errors.New("unknown run kind")

	// ErrMisconfigured means a required binary or credential is missing.
	// Non-retryable.
	ErrMisconfigured = errors.New("adapter misconfigured")

	// ErrStartTimeout means adapter startup exceeded its deadline.
	ErrStartTimeout = errors.New("adapter start timed out")
)

// MaxChunk is the largest payload an adapter may push in one emission.
// Well under the 1 MiB socket frame cap, so a framed event always fits.
const MaxChunk = 256 * 1024

// Emission is one (channel, type, payload) tuple pushed by an adapter into
// its sink, in the order produced.
type Emission struct {
	Channel string
	Type    string
	Payload []byte
}

// Sink receives emissions from a running adapter. The recorder supplies it;
// adapters must linearize their internal streams before calling it.
type Sink func(Emission)

// ExitStatus describes how the backing process or resource ended.
type ExitStatus struct {
	Code   int
	Reason string
}

// StartOptions carries everything an adapter needs to launch.
type StartOptions struct {
	RunID         string
	WorkspacePath string
	Metadata      map[string]string
	ResumeHint    string

	// Sink receives output emissions. Never nil.
	Sink Sink

	// OnExit is invoked exactly once when the underlying process or
	// resource ends for any reason. Never nil.
	OnExit func(ExitStatus)

	// OnMeta, when non-nil, reports adapter-discovered metadata (e.g. the
	// CLI-side session id a later resume needs).
	OnMeta func(key, value string)
}

// Handle is a live adapter instance. Input ordering is preserved per
// handle; Resize is a no-op for adapters without a TTY.
type Handle interface {
	Input(p []byte) error
	Resize(cols, rows int) error

	// Close requests graceful shutdown, draining pending output into the
	// sink first. The context bounds the grace period; expiry forces
	// termination.
	Close(ctx context.Context) error
}

// Adapter launches handles for one run kind.
type Adapter interface {
	Kind() string

	// Resumable reports whether a stopped run of this kind can be
	// restarted with a resume hint while keeping its identity.
	Resumable() bool

	// Start launches the backing process/resource. It must not return a
	// handle until the process is live and able to accept input.
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// Registry maps run kinds to adapters. Factories are registered at startup
// and never removed.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds or replaces the adapter for its kind.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
}

// Get returns the adapter for a kind, or ErrUnknownKind.
func (r *Registry) Get(kind string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return a, nil
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
