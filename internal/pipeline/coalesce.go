// Package pipeline bridges an unbounded terminal byte producer to
// rate-limited per-client network channels. It owns UTF-8 boundary
// handling, chunk-size policy, and per-client backpressure.
package pipeline

import "unicode/utf8"

// MaxChunk is the ceiling for one output frame.
const MaxChunk = 32 * 1024

// Coalescer accumulates producer bytes into frames of complete UTF-8 text.
// A trailing incomplete multi-byte sequence is held back and prepended to
// the next push, so no frame ever ends mid-rune.
type Coalescer struct {
	pending []byte // complete UTF-8, waiting for a flush
	tail    []byte // held-back bytes of an incomplete trailing rune
	max     int
}

func NewCoalescer() *Coalescer {
	return &Coalescer{max: MaxChunk}
}

// Push adds producer bytes and returns any frames that reached the chunk
// ceiling. Frames below the ceiling stay pending until Flush.
func (c *Coalescer) Push(p []byte) [][]byte {
	if len(c.tail) > 0 {
		p = append(c.tail, p...)
		c.tail = nil
	}

	cut := len(p) - incompleteTailLen(p)
	c.tail = append(c.tail, p[cut:]...)
	c.pending = append(c.pending, p[:cut]...)

	var frames [][]byte
	for len(c.pending) >= c.max {
		n := splitPoint(c.pending, c.max)
		frame := make([]byte, n)
		copy(frame, c.pending[:n])
		frames = append(frames, frame)
		c.pending = c.pending[n:]
	}
	return frames
}

// Flush returns the pending frame, if any. Called when the quiescence
// timer fires with data waiting.
func (c *Coalescer) Flush() ([]byte, bool) {
	if len(c.pending) == 0 {
		return nil, false
	}
	frame := c.pending
	c.pending = nil
	return frame, true
}

// Pending reports whether a flush would produce a frame.
func (c *Coalescer) Pending() bool {
	return len(c.pending) > 0
}

// incompleteTailLen returns how many bytes at the end of p belong to an
// incomplete UTF-8 sequence. 0 means p ends on a rune boundary.
func incompleteTailLen(p []byte) int {
	// A UTF-8 sequence is at most 4 bytes, so only the last 3 bytes can
	// start a sequence that p truncates.
	for back := 1; back <= 3 && back <= len(p); back++ {
		b := p[len(p)-back]
		if b < 0x80 {
			return 0 // ASCII, boundary right after it
		}
		if b >= 0xC0 {
			// Start byte. Complete if its full sequence fits.
			size := seqLen(b)
			if size <= back {
				return 0
			}
			return back
		}
		// Continuation byte, keep scanning backwards.
	}
	return 0
}

func seqLen(b byte) int {
	switch {
	case b >= 0xF0:
		return 4
	case b >= 0xE0:
		return 3
	case b >= 0xC0:
		return 2
	default:
		return 1
	}
}

// splitPoint returns the largest n <= max such that p[:n] ends on a rune
// boundary. p is known to contain only complete sequences.
func splitPoint(p []byte, max int) int {
	if len(p) <= max {
		return len(p)
	}
	n := max
	for n > 0 && !utf8.RuneStart(p[n]) {
		n--
	}
	if n == 0 {
		// Degenerate input (invalid bytes); emit as-is rather than stall.
		return max
	}
	return n
}
