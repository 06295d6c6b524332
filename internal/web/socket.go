package web

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/joestump/dispatch/internal/adapter"
	"github.com/joestump/dispatch/internal/db"
	"github.com/joestump/dispatch/internal/hub"
	"github.com/joestump/dispatch/internal/session"
)

// maxFrameBytes caps inbound socket frames.
const maxFrameBytes = 1 << 20

// outboundQueue is the per-connection write queue length. When it fills,
// deliveries report backpressure and queue in the hub up to its window.
const outboundQueue = 256

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// Client-to-server frame types.
const (
	FrameHello  = "client:hello"
	FrameAttach = "run:attach"
	FrameDetach = "run:detach"
	FrameInput  = "run:input"
	FrameResize = "run:resize"
	FrameClose  = "run:close"
)

// Server-to-client frame types.
const (
	FrameServerHello = "hello"
	FrameEvent       = "run:event"
	FrameStatus      = "run:status"
	FrameDetached    = "run:detached"
	FrameError       = "run:error"
)

// ClientFrame is one inbound socket message.
type ClientFrame struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId,omitempty"`
	RunID    string `json:"runId,omitempty"`
	FromSeq  int64  `json:"fromSeq,omitempty"`
	Data     string `json:"data,omitempty"`
	Cols     int    `json:"cols,omitempty"`
	Rows     int    `json:"rows,omitempty"`
}

// ServerFrame is one outbound socket message.
type ServerFrame struct {
	Type   string    `json:"type"`
	RunID  string    `json:"runId,omitempty"`
	Event  *db.Event `json:"event,omitempty"`
	Status string    `json:"status,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Error  string    `json:"error,omitempty"`
	Code   string    `json:"code,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The bearer check in front of this handler is the access control;
	// the socket serves non-browser clients too.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// socketConn is one websocket client with its attachments.
type socketConn struct {
	ws   *websocket.Conn
	orch *session.Orchestrator

	out      chan ServerFrame
	closeOut sync.Once

	mu          sync.Mutex
	clientID    string
	attachments map[string]*session.Attachment
}

// handleSocket upgrades the connection and runs the frame loop until the
// client goes away. Disconnecting detaches every subscription.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("socket upgrade: %v", err)
		return
	}

	c := &socketConn{
		ws:          ws,
		orch:        s.orch,
		out:         make(chan ServerFrame, outboundQueue),
		attachments: make(map[string]*session.Attachment),
	}

	s.addConn(c)
	go c.writePump()
	c.readLoop()
	s.removeConn(c)
	c.teardown()
}

// notifyStatus pushes a run:status frame if this connection is attached to
// the run.
func (c *socketConn) notifyStatus(runID, status, reason string) {
	c.mu.Lock()
	_, attached := c.attachments[runID]
	c.mu.Unlock()
	if attached {
		c.send(ServerFrame{Type: FrameStatus, RunID: runID, Status: status, Reason: reason})
	}
}

// writePump owns all writes to the websocket.
func (c *socketConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.ws.Close() //nolint:errcheck

	for {
		select {
		case frame, ok := <-c.out:
			if !ok {
				_ = c.ws.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *socketConn) readLoop() {
	c.ws.SetReadLimit(maxFrameBytes)
	for {
		var frame ClientFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return
		}
		c.dispatch(frame)
	}
}

func (c *socketConn) dispatch(frame ClientFrame) {
	switch frame.Type {
	case FrameHello:
		c.mu.Lock()
		c.clientID = frame.ClientID
		c.mu.Unlock()
		c.send(ServerFrame{Type: FrameServerHello})

	case FrameAttach:
		c.attach(frame.RunID, frame.FromSeq)

	case FrameDetach:
		c.detach(frame.RunID)
		c.send(ServerFrame{Type: FrameDetached, RunID: frame.RunID, Reason: "detach"})

	case FrameInput:
		if err := c.orch.Input(frame.RunID, []byte(frame.Data)); err != nil {
			c.sendError(frame.RunID, err)
		}

	case FrameResize:
		if err := c.orch.Resize(frame.RunID, frame.Cols, frame.Rows); err != nil {
			c.sendError(frame.RunID, err)
		}

	case FrameClose:
		// Close grace is owned by the orchestrator; the background
		// context keeps it alive past this frame.
		if err := c.orch.Close(context.Background(), frame.RunID); err != nil {
			c.sendError(frame.RunID, err)
		}

	default:
		c.send(ServerFrame{Type: FrameError, Error: "unknown frame type", Code: "bad_frame"})
	}
}

// attach subscribes this connection to a run. One attachment per run per
// connection; a second attach re-points the cursor.
func (c *socketConn) attach(runID string, fromSeq int64) {
	c.detach(runID)

	att, err := c.orch.Attach(runID, fromSeq,
		c.deliverFunc(runID),
		func(reason string) {
			c.mu.Lock()
			delete(c.attachments, runID)
			c.mu.Unlock()
			c.send(ServerFrame{Type: FrameDetached, RunID: runID, Reason: reason})
		},
	)
	if err != nil {
		c.sendError(runID, err)
		return
	}

	c.mu.Lock()
	c.attachments[runID] = att
	c.mu.Unlock()
}

// deliverFunc builds the hub-facing delivery callback for one run. It runs
// on the subscription's pump goroutine, which can race teardown closing the
// out channel; that race ends the subscription instead of panicking.
func (c *socketConn) deliverFunc(runID string) hub.DeliverFunc {
	return func(e db.Event) (st hub.Status) {
		defer func() {
			if recover() != nil {
				st = hub.Drop
			}
		}()
		select {
		case c.out <- ServerFrame{Type: FrameEvent, RunID: runID, Event: &e}:
			return hub.Delivered
		default:
			return hub.Backpressure
		}
	}
}

func (c *socketConn) detach(runID string) {
	c.mu.Lock()
	att, ok := c.attachments[runID]
	delete(c.attachments, runID)
	c.mu.Unlock()
	if ok {
		att.Close()
	}
}

// teardown releases every attachment after the read loop ends.
func (c *socketConn) teardown() {
	c.mu.Lock()
	atts := make([]*session.Attachment, 0, len(c.attachments))
	for _, att := range c.attachments {
		atts = append(atts, att)
	}
	c.attachments = make(map[string]*session.Attachment)
	c.mu.Unlock()

	for _, att := range atts {
		att.Close()
	}
	c.closeOut.Do(func() { close(c.out) })
}

// send queues a frame, dropping it if the connection is backed up. Event
// frames never come through here; they flow via the attach deliver func so
// backpressure is accounted per subscription.
func (c *socketConn) send(frame ServerFrame) {
	defer func() {
		// Sending on a closed out channel can only race teardown; the
		// connection is gone either way.
		_ = recover()
	}()
	select {
	case c.out <- frame:
	default:
	}
}

func (c *socketConn) sendError(runID string, err error) {
	c.send(ServerFrame{Type: FrameError, RunID: runID, Error: err.Error(), Code: errCode(err)})
}

// errCode names an error for socket clients.
func errCode(err error) string {
	switch {
	case errors.Is(err, session.ErrNoSuchRun):
		return "no_such_run"
	case errors.Is(err, session.ErrNotLive):
		return "not_live"
	case errors.Is(err, session.ErrNotResumable):
		return "not_resumable"
	case errors.Is(err, adapter.ErrUnknownKind):
		return "unknown_kind"
	case errors.Is(err, adapter.ErrMisconfigured):
		return "adapter_misconfigured"
	case errors.Is(err, adapter.ErrStartTimeout):
		return "adapter_timeout"
	default:
		return "internal"
	}
}
