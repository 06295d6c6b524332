// Package hub fans out a run's event log to any number of subscribers,
// each with its own cursor. A new subscriber is first caught up from the
// store, then stitched onto the live stream with no gap and no duplicate.
package hub

import (
	"sync"
	"time"

	"github.com/joestump/dispatch/internal/db"
)

// DefaultWindowBytes bounds the bytes queued for one subscriber before it
// is dropped as slow.
const DefaultWindowBytes = 4 * 1024 * 1024

// replayBatch is the store read size during catch-up.
const replayBatch = 256

// backpressurePoll is how long a paused subscriber waits before the same
// event is offered again.
const backpressurePoll = 10 * time.Millisecond

// queueOverhead approximates per-event bookkeeping counted against the
// window on top of payload bytes.
const queueOverhead = 64

// Status is a subscriber's verdict on one delivery attempt.
type Status int

const (
	// Delivered advances the subscriber's cursor.
	Delivered Status = iota
	// Backpressure pauses delivery; the event is re-offered later while
	// further events queue up to the window.
	Backpressure
	// Drop ends the subscription at the subscriber's request.
	Drop
)

// Drop reasons passed to a subscription's drop callback.
const (
	ReasonSlow         = "slow"
	ReasonReplayFailed = "replay-failed"
	ReasonClosed       = "closed"
)

// DeliverFunc pushes one event at a subscriber. It is called from the
// subscriber's own pump goroutine, never from the publisher.
type DeliverFunc func(db.Event) Status

// EventSource is the slice of the store the hub needs for catch-up.
type EventSource interface {
	ReadEvents(runID string, fromSeq int64, limit int) ([]db.Event, error)
}

// Hub is the per-run pub/sub fan-out.
type Hub struct {
	source EventSource
	window int64

	mu   sync.Mutex
	runs map[string]*topic
}

type topic struct {
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates a Hub reading catch-up events from source. windowBytes <= 0
// uses DefaultWindowBytes.
func New(source EventSource, windowBytes int64) *Hub {
	if windowBytes <= 0 {
		windowBytes = DefaultWindowBytes
	}
	return &Hub{
		source: source,
		window: windowBytes,
		runs:   make(map[string]*topic),
	}
}

// getOrCreate returns the topic for a run, creating it if needed.
// Caller must hold h.mu.
func (h *Hub) getOrCreate(runID string) *topic {
	t, ok := h.runs[runID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		h.runs[runID] = t
	}
	return t
}

// Subscribe registers a subscriber at fromSeq. Events already in the store
// replay first; the subscriber then receives live events in seq order.
// onDrop fires exactly once when the subscription ends for any reason
// other than Unsubscribe.
func (h *Hub) Subscribe(runID string, fromSeq int64, deliver DeliverFunc, onDrop func(reason string)) *Subscription {
	if fromSeq < 1 {
		fromSeq = 1
	}

	s := &Subscription{
		hub:     h,
		runID:   runID,
		deliver: deliver,
		onDrop:  onDrop,
		cursor:  fromSeq,
	}
	s.cond = sync.NewCond(&s.mu)

	// Register before replay so nothing published during catch-up is
	// missed; the cursor dedupes the overlap.
	h.mu.Lock()
	t := h.getOrCreate(runID)
	t.subs[s] = struct{}{}
	s.runClosed = t.closed
	h.mu.Unlock()

	go s.pump()
	return s
}

// Unsubscribe detaches a subscription. Idempotent; the drop callback does
// not fire.
func (h *Hub) Unsubscribe(s *Subscription) {
	s.Unsubscribe()
}

// Publish hands a freshly appended event to every subscriber of the run.
// It never blocks on a slow subscriber: events queue per subscriber up to
// the window, beyond which that subscriber is dropped as slow.
func (h *Hub) Publish(runID string, e db.Event) {
	h.mu.Lock()
	t, ok := h.runs[runID]
	if !ok || t.closed {
		h.mu.Unlock()
		return
	}
	subs := make([]*Subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.enqueue(e)
	}
}

// OpenRun restores live fan-out for a run whose topic was closed, so a
// resumed run publishes again. Subscribers that attached while the run was
// down switch from replay-only onto the new live stream.
func (h *Hub) OpenRun(runID string) {
	h.mu.Lock()
	t, ok := h.runs[runID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if len(t.subs) == 0 {
		delete(h.runs, runID)
		h.mu.Unlock()
		return
	}
	t.closed = false
	subs := make([]*Subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.markRunOpen()
	}
}

// CloseRun ends live fan-out for a run. Each subscriber drains its queue,
// then ends with ReasonClosed. Later subscriptions to the same run are
// replay-only and end the same way once caught up.
func (h *Hub) CloseRun(runID string) {
	h.mu.Lock()
	t := h.getOrCreate(runID)
	t.closed = true
	subs := make([]*Subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.markRunClosed()
	}
}

// SubscriberCount returns the current subscriber count for a run.
func (h *Hub) SubscriberCount(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.runs[runID]
	if !ok {
		return 0
	}
	return len(t.subs)
}

func (h *Hub) remove(runID string, s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.runs[runID]
	if !ok {
		return
	}
	delete(t.subs, s)
	if len(t.subs) == 0 && t.closed {
		delete(h.runs, runID)
	}
}

// Subscription is one subscriber's cursor onto a run's log.
type Subscription struct {
	hub     *Hub
	runID   string
	deliver DeliverFunc
	onDrop  func(reason string)

	mu          sync.Mutex
	cond        *sync.Cond
	queue       []db.Event
	queuedBytes int64
	cursor      int64 // next seq this subscriber expects
	ended       bool
	runClosed   bool
}

// RunID returns the run this subscription follows.
func (s *Subscription) RunID() string { return s.runID }

// Unsubscribe detaches the subscription. Idempotent; the drop callback
// does not fire.
func (s *Subscription) Unsubscribe() {
	s.end("", false)
}

// enqueue adds a live event to the subscriber's queue, dropping the
// subscriber as slow if the window would overflow. Called from Publish.
func (s *Subscription) enqueue(e db.Event) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	cost := int64(len(e.Payload)) + queueOverhead
	if s.queuedBytes+cost > s.hub.window {
		s.mu.Unlock()
		s.end(ReasonSlow, true)
		return
	}
	s.queue = append(s.queue, e)
	s.queuedBytes += cost
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Subscription) markRunClosed() {
	s.mu.Lock()
	s.runClosed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Subscription) markRunOpen() {
	s.mu.Lock()
	s.runClosed = false
	s.mu.Unlock()
}

// end terminates the subscription once; notify controls whether the drop
// callback fires.
func (s *Subscription) end(reason string, notify bool) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.queue = nil
	s.queuedBytes = 0
	s.cond.Broadcast()
	s.mu.Unlock()

	s.hub.remove(s.runID, s)
	if notify && s.onDrop != nil {
		s.onDrop(reason)
	}
}

// pump is the subscription's delivery goroutine: replay from the store,
// then live queue drain, strictly in seq order.
func (s *Subscription) pump() {
	// Catch-up phase.
	for {
		s.mu.Lock()
		from := s.cursor
		ended := s.ended
		s.mu.Unlock()
		if ended {
			return
		}

		events, err := s.hub.source.ReadEvents(s.runID, from, replayBatch)
		if err != nil {
			s.end(ReasonReplayFailed, true)
			return
		}
		if len(events) == 0 {
			break
		}
		for _, e := range events {
			if !s.deliverOne(e) {
				return
			}
		}
	}

	// Live phase.
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.ended && !s.runClosed {
			s.cond.Wait()
		}
		if s.ended {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 && s.runClosed {
			s.mu.Unlock()
			s.end(ReasonClosed, true)
			return
		}
		e := s.queue[0]
		s.queue = s.queue[1:]
		s.queuedBytes -= int64(len(e.Payload)) + queueOverhead
		cursor := s.cursor
		s.mu.Unlock()

		// Overlap with replay: already delivered.
		if e.Seq < cursor {
			continue
		}
		if !s.deliverOne(e) {
			return
		}
	}
}

// deliverOne offers one event until delivered, honoring backpressure.
// Returns false when the subscription ended.
func (s *Subscription) deliverOne(e db.Event) bool {
	for {
		s.mu.Lock()
		if s.ended {
			s.mu.Unlock()
			return false
		}
		s.mu.Unlock()

		switch s.deliver(e) {
		case Delivered:
			s.mu.Lock()
			s.cursor = e.Seq + 1
			s.mu.Unlock()
			return true
		case Drop:
			s.end("", false)
			return false
		default:
			time.Sleep(backpressurePoll)
		}
	}
}
