// Package session is the attachment engine: it mediates every client's
// access to a tmux session through one of two strategies (direct PTY
// attachment or isolated capture/key-injection) and owns the per-session
// lifecycle from first attach to reclaim.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/peterje/periscope/internal/pipeline"
	"github.com/peterje/periscope/internal/tmux"
)

// Mode selects the attachment strategy for a session.
type Mode string

const (
	ModeDirect   Mode = "direct"
	ModeIsolated Mode = "isolated"
)

// State is the per-session lifecycle state.
type State int

const (
	StateUnattached State = iota
	StateAttaching
	StateAttached
	StateDetaching
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnattached:
		return "unattached"
	case StateAttaching:
		return "attaching"
	case StateAttached:
		return "attached"
	case StateDetaching:
		return "detaching"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrAttachConflict is returned when a client requests a mode that
	// conflicts with the strategy already running for the session.
	ErrAttachConflict = errors.New("session already attached with a different mode")
	ErrClosed         = errors.New("session closed")
)

// Strategy is the polymorphic attachment backend. Exactly one strategy
// instance exists per live Session.
type Strategy interface {
	// Start spawns the strategy's resources. The strategy pushes output
	// frames through the session's broadcast for as long as it runs.
	Start(ctx context.Context) error
	// Input applies one client input message, in order.
	Input(data string) error
	// Resize propagates a terminal geometry change.
	Resize(cols, rows int) error
	// Stop releases all resources. Idempotent.
	Stop()
}

// Config tunes the engine.
type Config struct {
	DefaultMode     Mode
	GracePeriod     time.Duration // reclaim delay after last detach
	CaptureInterval time.Duration // isolated-mode snapshot cadence
	BufferCapacity  int           // per-client queued frame bound
}

func (c Config) withDefaults() Config {
	if c.DefaultMode == "" {
		c.DefaultMode = ModeIsolated
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 30 * time.Second
	}
	if c.CaptureInterval <= 0 {
		c.CaptureInterval = 100 * time.Millisecond
	}
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = pipeline.DefaultCapacity
	}
	return c
}

// Session is one refcounted logical session. All attached clients share
// it; the reference count is the size of the client set.
type Session struct {
	Name string
	Mode Mode

	engine   *Engine
	strategy Strategy

	// ready closes once the first attach has finished spawning the
	// strategy. Later attachers wait on it before joining.
	ready chan struct{}

	mu      sync.Mutex
	state   State
	clients map[string]*pipeline.Buffer
	cancel  context.CancelFunc
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Clients returns the number of attached clients.
func (s *Session) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Input forwards one client input message to the strategy. Inputs from a
// single client arrive here in receive order; across clients the policy
// is last write wins, with each message's bytes applied atomically.
func (s *Session) Input(data string) error {
	s.mu.Lock()
	if s.state != StateAttached {
		s.mu.Unlock()
		return ErrClosed
	}
	strat := s.strategy
	s.mu.Unlock()
	return strat.Input(data)
}

func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	if s.state != StateAttached {
		s.mu.Unlock()
		return ErrClosed
	}
	strat := s.strategy
	s.mu.Unlock()
	return strat.Resize(cols, rows)
}

// broadcast pushes one output frame to every attached client's buffer.
// A full buffer rejects the frame for that client only; the buffer has
// already asserted its pause toward the producer.
func (s *Session) broadcast(frame []byte) {
	s.mu.Lock()
	buffers := make([]*pipeline.Buffer, 0, len(s.clients))
	for _, b := range s.clients {
		buffers = append(buffers, b)
	}
	s.mu.Unlock()

	for _, b := range buffers {
		b.Push(frame)
	}
}

// anyPaused reports whether any client buffer is asserting backpressure.
// The direct strategy polls this before each PTY read.
func (s *Session) anyPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.clients {
		if b.Paused() {
			return true
		}
	}
	return false
}

// producerClosed is called by the strategy on EOF (process exit). Every
// client sees its buffer close after draining; the session is reclaimed.
func (s *Session) producerClosed() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	buffers := make([]*pipeline.Buffer, 0, len(s.clients))
	for _, b := range s.clients {
		buffers = append(buffers, b)
	}
	s.clients = map[string]*pipeline.Buffer{}
	cancel := s.cancel
	s.mu.Unlock()

	for _, b := range buffers {
		b.Close()
	}
	if cancel != nil {
		cancel()
	}
	s.engine.remove(s)
	log.Printf("session: %s closed (producer exited)", s.Name)
}

// Engine is the session registry. The map is the only globally shared
// mutable structure; each entry serializes its own attach/detach.
type Engine struct {
	tmux     *tmux.Client
	cfg      Config
	spawnPTY spawnFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewEngine(tc *tmux.Client, cfg Config) *Engine {
	return &Engine{
		tmux:     tc,
		cfg:      cfg.withDefaults(),
		spawnPTY: spawnAttachPTY,
		sessions: make(map[string]*Session),
	}
}

// AttachRequest carries one client's attach parameters.
type AttachRequest struct {
	SessionName string
	ClientID    string
	Mode        Mode // empty means engine default
	Cols, Rows  int
}

// Attach joins a client to the named session, creating the underlying
// tmux session and the strategy on first attach. The returned buffer is
// the client's flow-controlled output queue.
func (e *Engine) Attach(ctx context.Context, req AttachRequest) (*Session, *pipeline.Buffer, error) {
	mode := req.Mode
	if mode == "" {
		mode = e.cfg.DefaultMode
	}
	if mode != ModeDirect && mode != ModeIsolated {
		return nil, nil, fmt.Errorf("unknown attach mode %q", mode)
	}

	for {
		e.mu.Lock()
		sess, ok := e.sessions[req.SessionName]
		if !ok {
			sess = &Session{
				Name:    req.SessionName,
				Mode:    mode,
				engine:  e,
				state:   StateAttaching,
				clients: make(map[string]*pipeline.Buffer),
				ready:   make(chan struct{}),
			}
			e.sessions[req.SessionName] = sess
		}
		e.mu.Unlock()

		if !ok {
			err := e.spawn(ctx, sess, req)
			close(sess.ready)
			if err != nil {
				e.remove(sess)
				return nil, nil, err
			}
		} else {
			// A session found in the registry may still be mid-spawn on
			// another client's first attach. Joining before the strategy
			// exists would hand out a half-built session.
			select {
			case <-sess.ready:
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}

		buf, err := e.join(sess, req.ClientID, mode)
		if err == nil {
			return sess, buf, nil
		}
		if errors.Is(err, ErrClosed) {
			// Lost a race with reclaim; retry with a fresh session.
			continue
		}
		return nil, nil, err
	}
}

// spawn creates the tmux session if needed and starts the strategy.
// Failure transitions the session straight to Closed.
func (e *Engine) spawn(ctx context.Context, sess *Session, req AttachRequest) error {
	if !e.tmux.HasSession(ctx, req.SessionName) {
		if err := e.tmux.CreateSession(ctx, req.SessionName); err != nil {
			sess.mu.Lock()
			sess.state = StateClosed
			sess.mu.Unlock()
			return fmt.Errorf("create session: %w", err)
		}
	}

	cols, rows := req.Cols, req.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	var strat Strategy
	switch sess.Mode {
	case ModeDirect:
		strat = newDirectStrategy(sess, req.SessionName, cols, rows, e.spawnPTY)
	case ModeIsolated:
		strat = newIsolatedStrategy(sess, e.tmux, req.SessionName, e.cfg.CaptureInterval)
	}

	strategyCtx, cancel := context.WithCancel(context.Background())
	sess.mu.Lock()
	sess.strategy = strat
	sess.cancel = cancel
	sess.mu.Unlock()

	if err := strat.Start(strategyCtx); err != nil {
		cancel()
		sess.mu.Lock()
		sess.state = StateClosed
		sess.mu.Unlock()
		return err
	}

	sess.mu.Lock()
	sess.state = StateAttached
	sess.mu.Unlock()
	log.Printf("session: %s attached in %s mode", req.SessionName, sess.Mode)
	return nil
}

// join adds one client to a live session. Attached is re-entrant; joining
// during the detach grace window cancels the reclaim. Callers have already
// waited on ready, so the state here is never Attaching.
func (e *Engine) join(sess *Session, clientID string, mode Mode) (*pipeline.Buffer, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	switch sess.state {
	case StateClosed, StateAttaching:
		return nil, ErrClosed
	case StateDetaching:
		sess.state = StateAttached
	}

	if sess.Mode != mode {
		return nil, fmt.Errorf("%w: session %s is %s", ErrAttachConflict, sess.Name, sess.Mode)
	}

	buf := pipeline.NewBuffer(e.cfg.BufferCapacity)
	sess.clients[clientID] = buf
	return buf, nil
}

// Detach removes a client. When the last client leaves, the session waits
// out the grace period before releasing its strategy, so a quick
// reconnect reuses everything.
func (e *Engine) Detach(sessionName, clientID string) {
	e.mu.Lock()
	sess, ok := e.sessions[sessionName]
	e.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	buf, had := sess.clients[clientID]
	delete(sess.clients, clientID)
	last := had && len(sess.clients) == 0 && sess.state == StateAttached
	if last {
		sess.state = StateDetaching
	}
	sess.mu.Unlock()

	if had {
		buf.Close()
	}
	if !last {
		return
	}

	time.AfterFunc(e.cfg.GracePeriod, func() {
		sess.mu.Lock()
		if sess.state != StateDetaching || len(sess.clients) > 0 {
			sess.mu.Unlock()
			return
		}
		sess.state = StateClosed
		strat := sess.strategy
		cancel := sess.cancel
		sess.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if strat != nil {
			strat.Stop()
		}
		e.remove(sess)
		log.Printf("session: %s reclaimed after grace period", sessionName)
	})
}

// Get returns the live session, if any.
func (e *Engine) Get(name string) *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[name]
}

// Attached returns the names of sessions with at least one client.
func (e *Engine) Attached() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.sessions))
	for name, sess := range e.sessions {
		if sess.Clients() > 0 {
			names = append(names, name)
		}
	}
	return names
}

// Shutdown stops every strategy. Used on server exit; the tmux sessions
// themselves keep running.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.sessions = make(map[string]*Session)
	e.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		s.state = StateClosed
		strat := s.strategy
		cancel := s.cancel
		buffers := make([]*pipeline.Buffer, 0, len(s.clients))
		for _, b := range s.clients {
			buffers = append(buffers, b)
		}
		s.clients = map[string]*pipeline.Buffer{}
		s.mu.Unlock()

		for _, b := range buffers {
			b.Close()
		}
		if cancel != nil {
			cancel()
		}
		if strat != nil {
			strat.Stop()
		}
	}
}

func (e *Engine) remove(sess *Session) {
	e.mu.Lock()
	if cur, ok := e.sessions[sess.Name]; ok && cur == sess {
		delete(e.sessions, sess.Name)
	}
	e.mu.Unlock()
}
