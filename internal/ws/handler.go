// Package ws is the connection gateway: one WebSocket per browser
// client, decoded into typed commands and dispatched to the attachment
// engine, the tmux adapter, or the topology synchronizer.
package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/peterje/periscope/internal/audio"
	"github.com/peterje/periscope/internal/db"
	"github.com/peterje/periscope/internal/pipeline"
	"github.com/peterje/periscope/internal/protocol"
	"github.com/peterje/periscope/internal/session"
	"github.com/peterje/periscope/internal/stats"
	"github.com/peterje/periscope/internal/tmux"
	"github.com/peterje/periscope/internal/topology"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const sendDepth = 64

type Handler struct {
	engine *session.Engine
	tmux   *tmux.Client
	topo   *topology.Synchronizer
	store  *db.Store
}

func NewHandler(engine *session.Engine, tc *tmux.Client, topo *topology.Synchronizer, store *db.Store) *Handler {
	return &Handler{engine: engine, tmux: tc, topo: topo, store: store}
}

// client is one connection's state: a read loop, a write loop, and at
// most one attached session at a time.
type client struct {
	id      string
	handler *Handler
	conn    *websocket.Conn

	send chan outFrame
	done chan struct{}

	mu       sync.Mutex
	attached *session.Session
	binary   bool
	audio    *audio.Streamer
}

// outFrame is one queued outbound write. Terminal output keeps its raw
// bytes so binary-mode clients skip JSON string escaping.
type outFrame struct {
	msg    protocol.ServerMessage
	output []byte
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := &client{
		id:      uuid.New().String(),
		handler: h,
		conn:    conn,
		send:    make(chan outFrame, sendDepth),
		done:    make(chan struct{}),
		audio:   audio.NewStreamer(),
	}
	log.Printf("ws: client %s connected", c.id)

	events, unsubscribe := h.topo.Subscribe()
	go c.forwardEvents(events)
	go c.writeLoop()

	c.readLoop()

	close(c.done)
	unsubscribe()
	c.audio.Stop()
	c.detach()
	conn.Close()
	log.Printf("ws: client %s disconnected", c.id)
}

func (c *client) readLoop() {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		if msgType == websocket.BinaryMessage {
			tag, payload, err := protocol.DecodeFrame(data)
			if err != nil || tag != protocol.FrameJSON {
				c.sendError(protocol.CodeProtocol, "bad binary frame")
				continue
			}
			// A binary frame from the client opts the whole connection
			// into framed output.
			c.mu.Lock()
			c.binary = true
			c.mu.Unlock()
			data = payload
		}

		msg, err := protocol.DecodeClient(data)
		if err != nil {
			// Unknown and malformed frames get an error reply; the
			// connection stays open.
			c.sendError(protocol.CodeProtocol, err.Error())
			continue
		}
		c.dispatch(msg)
	}
}

func (c *client) dispatch(msg protocol.ClientMessage) {
	ctx := context.Background()
	h := c.handler

	switch m := msg.(type) {
	case *protocol.ListSessions:
		sessions, err := h.tmux.ListSessions(ctx)
		if err != nil {
			c.sendError(codeFor(err), err.Error())
			return
		}
		c.enqueue(protocol.NewSessionsList(sessions))

	case *protocol.AttachSession:
		c.handleAttach(ctx, m)

	case *protocol.Input:
		sess := c.session()
		if sess == nil {
			c.sendError(protocol.CodeSessionNotFound, "no session attached")
			return
		}
		if err := sess.Input(m.Data); err != nil {
			c.sendError(codeFor(err), err.Error())
		}

	case *protocol.Resize:
		sess := c.session()
		if sess == nil {
			c.sendError(protocol.CodeSessionNotFound, "no session attached")
			return
		}
		if err := sess.Resize(m.Cols, m.Rows); err != nil {
			c.sendError(codeFor(err), err.Error())
			return
		}
		if sess.Mode == session.ModeDirect {
			// The PTY was resized; keep the tmux window in step for any
			// capture-mode viewers of the same session.
			h.tmux.ResizeWindow(ctx, sess.Name, m.Cols, m.Rows)
		}

	case *protocol.ListWindows:
		windows, err := h.tmux.ListWindows(ctx, m.SessionName)
		if err != nil {
			c.sendError(codeFor(err), err.Error())
			return
		}
		c.enqueue(protocol.NewWindowsList(m.SessionName, windows))

	case *protocol.CreateSession:
		name := m.Name
		if name == "" {
			name = "session-" + uuid.New().String()[:8]
		}
		err := h.tmux.CreateSession(ctx, name)
		reply := protocol.NewMutationResult("session-created", err)
		reply.SessionName = name
		c.enqueue(reply)
		if err == nil {
			c.recordAndNotify("session-added", name, nil, "", "")
		}

	case *protocol.KillSession:
		err := h.tmux.KillSession(ctx, m.SessionName)
		reply := protocol.NewMutationResult("session-killed", err)
		reply.SessionName = m.SessionName
		c.enqueue(reply)
		if err == nil {
			c.recordAndNotify("session-removed", m.SessionName, nil, "", "")
		}

	case *protocol.RenameSession:
		err := h.tmux.RenameSession(ctx, m.SessionName, m.NewName)
		reply := protocol.NewMutationResult("session-renamed", err)
		reply.SessionName = m.NewName
		c.enqueue(reply)
		if err == nil {
			// Renames are invisible to the poll diff, so the gateway is
			// the only source of this event.
			c.recordAndNotify("session-renamed", m.NewName, nil, m.SessionName, m.NewName)
		}

	case *protocol.CreateWindow:
		err := h.tmux.CreateWindow(ctx, m.SessionName, m.WindowName)
		reply := protocol.NewMutationResult("window-created", err)
		reply.SessionName = m.SessionName
		c.enqueue(reply)
		if err == nil {
			c.recordAndNotify("window-added", m.SessionName, nil, "", m.WindowName)
		}

	case *protocol.KillWindow:
		err := h.tmux.KillWindow(ctx, m.SessionName, m.WindowIndex)
		reply := protocol.NewMutationResult("window-killed", err)
		reply.SessionName = m.SessionName
		c.enqueue(reply)
		if err == nil {
			idx := m.WindowIndex
			c.recordAndNotify("window-removed", m.SessionName, &idx, "", "")
		}

	case *protocol.RenameWindow:
		err := h.tmux.RenameWindow(ctx, m.SessionName, m.WindowIndex, m.NewName)
		reply := protocol.NewMutationResult("window-renamed", err)
		reply.SessionName = m.SessionName
		c.enqueue(reply)
		if err == nil {
			idx := m.WindowIndex
			c.recordAndNotify("window-renamed", m.SessionName, &idx, "", m.NewName)
		}

	case *protocol.SelectWindow:
		err := h.tmux.SelectWindow(ctx, m.SessionName, m.WindowIndex)
		reply := protocol.NewMutationResult("window-selected", err)
		reply.SessionName = m.SessionName
		idx := m.WindowIndex
		reply.WindowIndex = &idx
		c.enqueue(reply)
		if err == nil {
			c.recordAndNotify("window-selected", m.SessionName, &idx, "", "")
		}

	case *protocol.Ping:
		c.enqueue(protocol.NewPong())

	case *protocol.GetStats:
		c.enqueue(protocol.NewStats(stats.Collect()))

	case *protocol.AudioControl:
		c.handleAudio(m)
	}
}

func (c *client) handleAttach(ctx context.Context, m *protocol.AttachSession) {
	// One active binding per connection: re-attach implies detach.
	c.detach()

	sess, buf, err := c.handler.engine.Attach(ctx, session.AttachRequest{
		SessionName: m.SessionName,
		ClientID:    c.id,
		Mode:        session.Mode(m.Mode),
		Cols:        m.Cols,
		Rows:        m.Rows,
	})
	if err != nil {
		c.sendError(codeFor(err), err.Error())
		return
	}

	c.mu.Lock()
	c.attached = sess
	c.mu.Unlock()

	c.handler.store.RecordEvent("attach", sess.Name, c.id, string(sess.Mode))
	c.enqueue(protocol.NewAttached(sess.Name, string(sess.Mode)))
	go c.forwardOutput(sess, buf)
}

// forwardOutput drains the client's flow-controlled buffer into the
// outbound queue, preserving production order. The buffer closes on
// detach or on producer exit; only the latter emits a disconnected
// frame.
func (c *client) forwardOutput(sess *session.Session, buf *pipeline.Buffer) {
	for {
		frame, ok, closed := buf.Pop()
		if ok {
			select {
			case c.send <- outFrame{msg: protocol.NewOutput(string(frame)), output: frame}:
			case <-c.done:
				return
			}
			continue
		}
		if closed {
			if sess.State() == session.StateClosed {
				c.enqueue(protocol.NewDisconnected())
			}
			return
		}
		select {
		case <-buf.Data():
		case <-c.done:
			return
		}
	}
}

func (c *client) forwardEvents(events <-chan protocol.TopologyEvent) {
	for {
		select {
		case event := <-events:
			c.enqueue(protocol.NewTmuxUpdate(event))
		case <-c.done:
			return
		}
	}
}

func (c *client) handleAudio(m *protocol.AudioControl) {
	switch m.Action {
	case "start":
		err := c.audio.Start(
			func(data string) { c.enqueue(protocol.NewAudioData(data)) },
			func(err error) { c.enqueue(protocol.NewAudioStatus(false, err)) },
		)
		c.enqueue(protocol.NewAudioStatus(err == nil, err))
	case "stop":
		c.audio.Stop()
		c.enqueue(protocol.NewAudioStatus(false, nil))
	default:
		c.sendError(protocol.CodeProtocol, "audio action must be start or stop")
	}
}

// writeLoop is the only goroutine that touches the connection's writer.
func (c *client) writeLoop() {
	for {
		select {
		case frame := <-c.send:
			var err error
			if frame.output != nil && c.isBinary() {
				err = c.conn.WriteMessage(websocket.BinaryMessage,
					protocol.EncodeFrame(protocol.FrameOutput, frame.output))
			} else {
				var data []byte
				data, err = protocol.Encode(frame.msg)
				if err == nil {
					err = c.conn.WriteMessage(websocket.TextMessage, data)
				}
			}
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) enqueue(msg protocol.ServerMessage) {
	select {
	case c.send <- outFrame{msg: msg}:
	case <-c.done:
	}
}

func (c *client) sendError(code, message string) {
	c.enqueue(protocol.NewError(code, message))
}

func (c *client) session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached
}

func (c *client) isBinary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binary
}

func (c *client) detach() {
	c.mu.Lock()
	sess := c.attached
	c.attached = nil
	c.mu.Unlock()

	if sess != nil {
		c.handler.engine.Detach(sess.Name, c.id)
		c.handler.store.RecordEvent("detach", sess.Name, c.id, "")
	}
}

func (c *client) recordAndNotify(kind, sessionName string, windowIndex *int, oldName, newName string) {
	c.handler.store.RecordEvent(kind, sessionName, c.id, newName)
	c.handler.topo.Notify(protocol.TopologyEvent{
		Kind:        kind,
		SessionName: sessionName,
		WindowIndex: windowIndex,
		OldName:     oldName,
		NewName:     newName,
	})
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, tmux.ErrSessionNotFound):
		return protocol.CodeSessionNotFound
	case errors.Is(err, tmux.ErrWindowNotFound):
		return protocol.CodeWindowNotFound
	case errors.Is(err, tmux.ErrTimeout):
		return protocol.CodeTimeout
	case errors.Is(err, session.ErrAttachConflict):
		return protocol.CodeAttachConflict
	case errors.Is(err, session.ErrClosed):
		return protocol.CodeSessionNotFound
	default:
		return protocol.CodeSubprocess
	}
}
