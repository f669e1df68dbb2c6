// Package topology keeps every connected client's view of the tmux
// session/window tree current. A single background loop polls tmux,
// diffs against the previous snapshot by value, and fans typed events
// out to all subscribed gateways. No-op cycles emit nothing.
package topology

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/peterje/periscope/internal/protocol"
	"github.com/peterje/periscope/internal/tmux"
)

// DefaultInterval is the polling cadence, deliberately independent of
// the per-session capture cadence.
const DefaultInterval = 2 * time.Second

const subscriberDepth = 32

// AttachedFunc reports which sessions currently have clients; only those
// get their window lists polled each cycle.
type AttachedFunc func() []string

type Synchronizer struct {
	tmux     *tmux.Client
	attached AttachedFunc
	interval time.Duration

	mu           sync.Mutex
	subs         map[chan protocol.TopologyEvent]struct{}
	lastSessions []tmux.SessionSummary
	lastWindows  map[string][]tmux.Window
}

func New(tc *tmux.Client, attached AttachedFunc, interval time.Duration) *Synchronizer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Synchronizer{
		tmux:        tc,
		attached:    attached,
		interval:    interval,
		subs:        make(map[chan protocol.TopologyEvent]struct{}),
		lastWindows: make(map[string][]tmux.Window),
	}
}

// Subscribe registers a consumer. The returned cancel must be called on
// disconnect; a consumer that stops draining loses events rather than
// blocking the synchronizer.
func (s *Synchronizer) Subscribe() (<-chan protocol.TopologyEvent, func()) {
	ch := make(chan protocol.TopologyEvent, subscriberDepth)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
	return ch, cancel
}

// Notify injects an event from outside the polling loop. Gateways echo
// every successful mutation here so other clients update without
// waiting for the next cycle.
func (s *Synchronizer) Notify(event protocol.TopologyEvent) {
	s.publish(event)
}

func (s *Synchronizer) publish(event protocol.TopologyEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Run polls until the context is cancelled. A failed cycle is logged and
// retried next tick, never fatal.
func (s *Synchronizer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *Synchronizer) cycle(ctx context.Context) {
	sessions, err := s.tmux.ListSessions(ctx)
	if err != nil {
		log.Printf("topology: list sessions: %v", err)
		return
	}

	windows := make(map[string][]tmux.Window)
	for _, name := range s.attached() {
		list, err := s.tmux.ListWindows(ctx, name)
		if err != nil {
			log.Printf("topology: list windows %s: %v", name, err)
			continue
		}
		windows[name] = list
	}

	s.mu.Lock()
	prevSessions := s.lastSessions
	prevWindows := s.lastWindows
	s.lastSessions = sessions
	s.lastWindows = windows
	s.mu.Unlock()

	var events []protocol.TopologyEvent
	events = append(events, diffSessions(prevSessions, sessions)...)
	for name, cur := range windows {
		events = append(events, diffWindows(name, prevWindows[name], cur)...)
	}

	for _, event := range events {
		s.publish(event)
	}
}

// diffSessions compares by session name. A rename is indistinguishable
// from remove+add at this level; rename events arrive via Notify from
// the gateway that performed them.
func diffSessions(old, cur []tmux.SessionSummary) []protocol.TopologyEvent {
	oldByName := make(map[string]tmux.SessionSummary, len(old))
	for _, s := range old {
		oldByName[s.Name] = s
	}
	curByName := make(map[string]tmux.SessionSummary, len(cur))
	for _, s := range cur {
		curByName[s.Name] = s
	}

	var events []protocol.TopologyEvent
	for _, s := range cur {
		if _, ok := oldByName[s.Name]; !ok {
			events = append(events, protocol.TopologyEvent{Kind: "session-added", SessionName: s.Name})
		}
	}
	for _, s := range old {
		if _, ok := curByName[s.Name]; !ok {
			events = append(events, protocol.TopologyEvent{Kind: "session-removed", SessionName: s.Name})
		}
	}
	return events
}

// diffWindows compares by window index, which tmux keeps stable across
// renames.
func diffWindows(session string, old, cur []tmux.Window) []protocol.TopologyEvent {
	oldByIndex := make(map[int]tmux.Window, len(old))
	for _, w := range old {
		oldByIndex[w.Index] = w
	}
	curByIndex := make(map[int]tmux.Window, len(cur))
	for _, w := range cur {
		curByIndex[w.Index] = w
	}

	var events []protocol.TopologyEvent
	for _, w := range cur {
		idx := w.Index
		prev, existed := oldByIndex[idx]
		if !existed {
			events = append(events, protocol.TopologyEvent{
				Kind: "window-added", SessionName: session, WindowIndex: &idx, NewName: w.Name,
			})
			continue
		}
		if prev.Name != w.Name {
			events = append(events, protocol.TopologyEvent{
				Kind: "window-renamed", SessionName: session, WindowIndex: &idx,
				OldName: prev.Name, NewName: w.Name,
			})
		}
		if w.Active && !prev.Active {
			events = append(events, protocol.TopologyEvent{
				Kind: "window-selected", SessionName: session, WindowIndex: &idx,
			})
		}
	}
	for _, w := range old {
		idx := w.Index
		if _, ok := curByIndex[idx]; !ok {
			events = append(events, protocol.TopologyEvent{
				Kind: "window-removed", SessionName: session, WindowIndex: &idx, OldName: w.Name,
			})
		}
	}
	return events
}
