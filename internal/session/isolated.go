package session

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/peterje/periscope/internal/tmux"
)

const (
	// injectDelay spaces out send-keys invocations so the tmux control
	// surface is never hit with a burst.
	injectDelay = 10 * time.Millisecond
	// captureErrorLimit ends the capture loop when the session has
	// evidently gone away underneath us.
	captureErrorLimit = 10
	inputQueueDepth   = 256
)

// clearPrefix repositions the cursor and clears the screen so each
// snapshot replaces the previous one on the client terminal.
const clearPrefix = "\x1b[H\x1b[2J"

type inputOp struct {
	text string // literal run, sent with send-keys -l
	key  string // named key, sent without -l
	cols int    // resize when cols > 0
	rows int
}

// isolatedStrategy never attaches. Output is synthesized from periodic
// pane captures; input goes through discrete key injection. No client
// can corrupt another's view, at the cost of snapshot-granularity
// interactivity.
type isolatedStrategy struct {
	session  *Session
	tmux     *tmux.Client
	name     string
	interval time.Duration

	inputCh chan inputOp
	cancel  context.CancelFunc

	stopMu  sync.Mutex
	stopped bool
}

func newIsolatedStrategy(sess *Session, tc *tmux.Client, name string, interval time.Duration) *isolatedStrategy {
	return &isolatedStrategy{
		session:  sess,
		tmux:     tc,
		name:     name,
		interval: interval,
		inputCh:  make(chan inputOp, inputQueueDepth),
	}
}

func (i *isolatedStrategy) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	go i.captureLoop(loopCtx)
	go i.inputLoop(loopCtx)
	return nil
}

// captureLoop polls the pane on a fixed cadence and broadcasts a frame
// only when the capture differs byte-for-byte from the previous one.
// Every attached client therefore observes the same snapshot sequence.
func (i *isolatedStrategy) captureLoop(ctx context.Context) {
	defer i.session.producerClosed()

	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()

	var last []byte
	errors := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		content, err := i.tmux.CapturePane(ctx, i.name)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errors++
			if errors >= captureErrorLimit {
				log.Printf("session: %s capture failing persistently: %v", i.name, err)
				return
			}
			continue
		}
		errors = 0

		snapshot := []byte(content)
		if bytes.Equal(snapshot, last) {
			continue
		}
		last = snapshot

		frame := make([]byte, 0, len(clearPrefix)+len(snapshot))
		frame = append(frame, clearPrefix...)
		frame = append(frame, snapshot...)
		i.session.broadcast(frame)
	}
}

// inputLoop drains the serialized per-session queue: never more than one
// tmux invocation in flight, with a small delay between calls.
func (i *isolatedStrategy) inputLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-i.inputCh:
			var err error
			switch {
			case op.cols > 0:
				err = i.tmux.ResizeWindow(ctx, i.name, op.cols, op.rows)
			case op.key != "":
				err = i.tmux.SendKey(ctx, i.name, op.key)
			default:
				err = i.tmux.SendText(ctx, i.name, op.text)
			}
			if err != nil && ctx.Err() == nil {
				log.Printf("session: %s key injection: %v", i.name, err)
			}

			select {
			case <-time.After(injectDelay):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (i *isolatedStrategy) Input(data string) error {
	for _, op := range translateInput(data) {
		select {
		case i.inputCh <- op:
		default:
			return fmt.Errorf("input queue full for session %s", i.name)
		}
	}
	return nil
}

func (i *isolatedStrategy) Resize(cols, rows int) error {
	select {
	case i.inputCh <- inputOp{cols: cols, rows: rows}:
		return nil
	default:
		return fmt.Errorf("input queue full for session %s", i.name)
	}
}

func (i *isolatedStrategy) Stop() {
	i.stopMu.Lock()
	defer i.stopMu.Unlock()
	if i.stopped {
		return
	}
	i.stopped = true
	if i.cancel != nil {
		i.cancel()
	}
	log.Printf("session: %s isolated strategy stopped", i.name)
}

// specialKeys maps raw terminal byte sequences to tmux key names.
var specialKeys = map[string]string{
	"\r":      "Enter",
	"\n":      "Enter",
	"\t":      "Tab",
	"\x7f":    "BSpace",
	"\x1b":    "Escape",
	"\x1b[A":  "Up",
	"\x1b[B":  "Down",
	"\x1b[C":  "Right",
	"\x1b[D":  "Left",
	"\x1b[H":  "Home",
	"\x1b[F":  "End",
	"\x1b[5~": "PPage",
	"\x1b[6~": "NPage",
	"\x1b[3~": "DC",
}

// escapeSequences holds the multi-byte entries, longest first, so prefix
// matching picks the full sequence over a bare Escape.
var escapeSequences = []string{
	"\x1b[5~", "\x1b[6~", "\x1b[3~",
	"\x1b[A", "\x1b[B", "\x1b[C", "\x1b[D", "\x1b[H", "\x1b[F",
}

// translateInput splits raw client input into literal runs and named
// keys. tmux send-keys -l would otherwise interpret control bytes
// unpredictably.
func translateInput(data string) []inputOp {
	var ops []inputOp
	var literal strings.Builder

	flush := func() {
		if literal.Len() > 0 {
			ops = append(ops, inputOp{text: literal.String()})
			literal.Reset()
		}
	}

	for idx := 0; idx < len(data); {
		if data[idx] == 0x1b {
			matched := ""
			for _, seq := range escapeSequences {
				if strings.HasPrefix(data[idx:], seq) {
					matched = seq
					break
				}
			}
			if matched == "" {
				matched = "\x1b"
			}
			flush()
			ops = append(ops, inputOp{key: specialKeys[matched]})
			idx += len(matched)
			continue
		}

		c := data[idx]
		if key, ok := specialKeys[string(c)]; ok {
			flush()
			ops = append(ops, inputOp{key: key})
			idx++
			continue
		}
		if c >= 0x01 && c <= 0x1a {
			// 0x01 through 0x1a are C-a through C-z.
			flush()
			ops = append(ops, inputOp{key: fmt.Sprintf("C-%c", c+'a'-1)})
			idx++
			continue
		}
		if c < 0x20 {
			// NUL and 0x1c-0x1f have no stable tmux key name; drop them.
			flush()
			idx++
			continue
		}
		literal.WriteByte(c)
		idx++
	}
	flush()
	return ops
}
