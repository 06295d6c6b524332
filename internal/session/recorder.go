package session

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/joestump/dispatch/internal/adapter"
	"github.com/joestump/dispatch/internal/db"
	"github.com/joestump/dispatch/internal/hub"
	"github.com/joestump/dispatch/internal/metrics"
)

// DefaultPreStartBufferBytes bounds output buffered while the adapter is
// still starting, before the run may write to the log.
const DefaultPreStartBufferBytes = 1 << 20

// ChannelSystem carries lifecycle events written by the host rather than
// the adapter.
const ChannelSystem = "system"

// System event types.
const (
	TypeExit        = "exit"
	TypeResume      = "resume"
	TypeHostRestart = "host-restart"
	TypeOverflow    = "overflow"
	TypeError       = "error"
)

// Recorder serializes one run's emissions into the event log and fans each
// appended event out through the hub. Emissions arriving before the run is
// marked started are buffered up to a byte cap; the oldest are shed on
// overflow and the loss is recorded in the log itself.
type Recorder struct {
	store *db.DB
	hub   *hub.Hub
	runID string

	bufferCap int
	onFailure func(error)

	mu            sync.Mutex
	started       bool
	failed        bool
	buffered      []adapter.Emission
	bufferedBytes int
	shedBytes     int
	shedCount     int
}

// NewRecorder creates a Recorder for a run. bufferCap <= 0 uses
// DefaultPreStartBufferBytes. onFailure, if non-nil, fires at most once
// when an append is rejected by the store; further emissions are discarded.
func NewRecorder(store *db.DB, h *hub.Hub, runID string, bufferCap int, onFailure func(error)) *Recorder {
	if bufferCap <= 0 {
		bufferCap = DefaultPreStartBufferBytes
	}
	return &Recorder{
		store:     store,
		hub:       h,
		runID:     runID,
		bufferCap: bufferCap,
		onFailure: onFailure,
	}
}

// Sink is the adapter-facing intake. Safe for use as adapter.Sink.
func (r *Recorder) Sink(em adapter.Emission) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failed {
		return
	}
	if !r.started {
		r.bufferLocked(em)
		return
	}
	r.appendLocked(em)
}

// RecordSystem appends a host lifecycle event with a JSON payload.
func (r *Recorder) RecordSystem(typ string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	r.Sink(adapter.Emission{Channel: ChannelSystem, Type: typ, Payload: data})
}

// Start flushes the pre-start buffer into the log, in arrival order, and
// switches the recorder to direct append. If buffering shed output, an
// overflow event records how much was lost before the flushed events.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.failed {
		return
	}
	r.started = true

	if r.shedCount > 0 {
		payload, _ := json.Marshal(map[string]any{
			"droppedEvents": r.shedCount,
			"droppedBytes":  r.shedBytes,
		})
		r.appendLocked(adapter.Emission{Channel: ChannelSystem, Type: TypeOverflow, Payload: payload})
	}
	for _, em := range r.buffered {
		if r.failed {
			break
		}
		r.appendLocked(em)
	}
	r.buffered = nil
	r.bufferedBytes = 0
}

// Failed reports whether the recorder has torn down after a store error.
func (r *Recorder) Failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

// bufferLocked queues an emission while starting, shedding the oldest
// entries when the byte cap would be exceeded.
func (r *Recorder) bufferLocked(em adapter.Emission) {
	cost := len(em.Payload)
	for r.bufferedBytes+cost > r.bufferCap && len(r.buffered) > 0 {
		old := r.buffered[0]
		r.buffered = r.buffered[1:]
		r.bufferedBytes -= len(old.Payload)
		r.shedBytes += len(old.Payload)
		r.shedCount++
	}
	if cost > r.bufferCap {
		r.shedBytes += cost
		r.shedCount++
		return
	}
	r.buffered = append(r.buffered, em)
	r.bufferedBytes += cost
}

// appendLocked persists one emission and publishes the stored event. A
// store error fails the recorder permanently; the failure callback runs
// off the lock so it can close the run.
func (r *Recorder) appendLocked(em adapter.Emission) {
	seq, err := r.store.AppendEvent(r.runID, em.Channel, em.Type, em.Payload)
	if err != nil {
		r.failed = true
		fmt.Fprintf(os.Stderr, "append %s event for %s: %v\n", em.Channel, r.runID, err)
		if r.onFailure != nil {
			go r.onFailure(fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
		}
		return
	}

	metrics.EventsAppended.WithLabelValues(em.Channel).Inc()
	r.hub.Publish(r.runID, db.Event{
		RunID:   r.runID,
		Seq:     seq,
		Channel: em.Channel,
		Type:    em.Type,
		Payload: em.Payload,
		TS:      time.Now().UnixMilli(),
	})
}
