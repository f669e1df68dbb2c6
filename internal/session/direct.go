package session

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/peterje/periscope/internal/pipeline"
)

// flushQuiescence bounds latency: pending output below the chunk ceiling
// is flushed after this much producer silence.
const flushQuiescence = 5 * time.Millisecond

// terminal is the strategy's handle on the attached process. The real
// implementation wraps a PTY; tests substitute a pipe-backed fake.
type terminal interface {
	io.ReadWriteCloser
	Resize(cols, rows int) error
	Wait() error
}

// spawnFunc creates the terminal a direct-mode session runs in.
type spawnFunc func(name string, cols, rows int) (terminal, error)

// spawnAttachPTY runs `tmux attach-session` on a fresh PTY.
func spawnAttachPTY(name string, cols, rows int) (terminal, error) {
	cmd := exec.Command("tmux", "attach-session", "-t", "="+name)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, fmt.Errorf("spawn pty: %w", err)
	}
	return &attachPTY{cmd: cmd, ptmx: ptmx}, nil
}

type attachPTY struct {
	cmd  *exec.Cmd
	ptmx *os.File
}

func (a *attachPTY) Read(p []byte) (int, error)  { return a.ptmx.Read(p) }
func (a *attachPTY) Write(p []byte) (int, error) { return a.ptmx.Write(p) }

func (a *attachPTY) Resize(cols, rows int) error {
	return pty.Setsize(a.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (a *attachPTY) Close() error {
	if a.cmd.Process != nil {
		a.cmd.Process.Signal(syscall.SIGTERM)
	}
	return a.ptmx.Close()
}

func (a *attachPTY) Wait() error { return a.cmd.Wait() }

// directStrategy attaches a real PTY running `tmux attach-session`. All
// clients share the raw byte stream in both directions: lowest latency,
// but one client's keystrokes are visible to every viewer.
type directStrategy struct {
	session *Session
	name    string
	cols    int
	rows    int
	spawn   spawnFunc

	term terminal

	writeMu sync.Mutex // one input message's bytes are written atomically
	stopMu  sync.Mutex
	stopped bool
}

func newDirectStrategy(sess *Session, name string, cols, rows int, spawn spawnFunc) *directStrategy {
	return &directStrategy{session: sess, name: name, cols: cols, rows: rows, spawn: spawn}
}

func (d *directStrategy) Start(ctx context.Context) error {
	term, err := d.spawn(d.name, d.cols, d.rows)
	if err != nil {
		return err
	}
	d.term = term

	raw := make(chan []byte) // unbuffered: a stalled pump blocks the read loop
	go d.readLoop(raw)
	go d.pump(ctx, raw)
	go func() {
		term.Wait()
		d.Stop()
	}()
	return nil
}

// readLoop moves bytes off the PTY. The unbuffered channel means the OS
// pty applies backpressure to the attached process once the pump stops
// receiving and the kernel pipe fills.
func (d *directStrategy) readLoop(raw chan<- []byte) {
	defer close(raw)
	buf := make([]byte, 32*1024)
	for {
		n, err := d.term.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			raw <- data
		}
		if err != nil {
			return
		}
	}
}

// pump coalesces raw bytes into UTF-8-clean frames and fans them out.
// While any client buffer asserts pause, the pump stops receiving, which
// stalls readLoop and, transitively, the PTY.
func (d *directStrategy) pump(ctx context.Context, raw <-chan []byte) {
	defer d.session.producerClosed()

	coalescer := pipeline.NewCoalescer()
	flush := time.NewTimer(flushQuiescence)
	if !flush.Stop() {
		<-flush.C
	}
	defer flush.Stop()

	for {
		if d.session.anyPaused() {
			if !d.awaitResume(ctx) {
				return
			}
		}

		select {
		case data, ok := <-raw:
			if !ok {
				if frame, pending := coalescer.Flush(); pending {
					d.session.broadcast(frame)
				}
				return
			}
			for _, frame := range coalescer.Push(data) {
				d.session.broadcast(frame)
			}
			if coalescer.Pending() {
				// Drain a tick that fired between Stop and Reset.
				if !flush.Stop() {
					select {
					case <-flush.C:
					default:
					}
				}
				flush.Reset(flushQuiescence)
			}
		case <-flush.C:
			if frame, pending := coalescer.Flush(); pending {
				d.session.broadcast(frame)
			}
		case <-ctx.Done():
			return
		}
	}
}

// awaitResume blocks until no client buffer is paused. Returns false on
// cancellation.
func (d *directStrategy) awaitResume(ctx context.Context) bool {
	tick := time.NewTicker(flushQuiescence)
	defer tick.Stop()
	for d.session.anyPaused() {
		select {
		case <-tick.C:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (d *directStrategy) Input(data string) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if _, err := d.term.Write([]byte(data)); err != nil {
		return fmt.Errorf("pty write: %w", err)
	}
	return nil
}

func (d *directStrategy) Resize(cols, rows int) error {
	return d.term.Resize(cols, rows)
}

func (d *directStrategy) Stop() {
	d.stopMu.Lock()
	defer d.stopMu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true

	if d.term != nil {
		d.term.Close()
	}
	log.Printf("session: %s direct strategy stopped", d.name)
}
