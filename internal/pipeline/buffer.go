package pipeline

import "sync"

const (
	// DefaultCapacity is the maximum queued frames per client.
	DefaultCapacity = 256
	// lowWaterDiv sets the release point: capacity / lowWaterDiv.
	lowWaterDiv = 4
)

// Buffer is the bounded per-client frame queue. When it fills it asserts
// a pause toward the producer; the pause releases once occupancy drains
// below the low-water mark. Frames are only ever queued or rejected
// whole, never split.
//
// The producer is expected to check Paused (or wait on Resume) once per
// pipeline cycle; Push only rejects frames while the pause is already
// asserted, so a well-behaved producer loses nothing and a producer that
// cannot stop (Isolated-mode snapshots for a slow client) skips whole
// redundant frames.
type Buffer struct {
	mu       sync.Mutex
	frames   [][]byte
	capacity int
	lowWater int
	paused   bool
	dropped  uint64
	closed   bool

	dataCh   chan struct{}
	resumeCh chan struct{}
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	lw := capacity / lowWaterDiv
	if lw < 1 {
		lw = 1
	}
	return &Buffer{
		capacity: capacity,
		lowWater: lw,
		dataCh:   make(chan struct{}, 1),
		resumeCh: make(chan struct{}, 1),
	}
}

// Push enqueues one frame. Returns false if the frame was rejected
// because the buffer is full; the pause flag is asserted either way.
func (b *Buffer) Push(frame []byte) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	if len(b.frames) >= b.capacity {
		b.paused = true
		b.dropped++
		b.mu.Unlock()
		return false
	}
	b.frames = append(b.frames, frame)
	if len(b.frames) >= b.capacity {
		b.paused = true
	}
	b.mu.Unlock()

	select {
	case b.dataCh <- struct{}{}:
	default:
	}
	return true
}

// Pop dequeues the oldest frame. ok is false when the buffer is empty;
// closed reports that no more frames will ever arrive.
func (b *Buffer) Pop() (frame []byte, ok, closed bool) {
	b.mu.Lock()
	if len(b.frames) == 0 {
		closed = b.closed
		b.mu.Unlock()
		return nil, false, closed
	}
	frame = b.frames[0]
	b.frames = b.frames[1:]
	released := b.paused && len(b.frames) < b.lowWater
	if released {
		b.paused = false
	}
	b.mu.Unlock()

	if released {
		select {
		case b.resumeCh <- struct{}{}:
		default:
		}
	}
	return frame, true, false
}

// Data signals when frames are available to Pop.
func (b *Buffer) Data() <-chan struct{} { return b.dataCh }

// Resume signals when a pause has been released.
func (b *Buffer) Resume() <-chan struct{} { return b.resumeCh }

func (b *Buffer) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Dropped counts frames rejected while paused.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close marks the buffer as finished. Pending frames remain poppable;
// the consumer sees closed once drained.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	select {
	case b.dataCh <- struct{}{}:
	default:
	}
}
