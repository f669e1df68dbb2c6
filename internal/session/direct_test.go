package session

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/periscope/internal/pipeline"
)

// fakeTerminal stands in for the attach PTY: reads come from a channel,
// writes accumulate in a buffer.
type fakeTerminal struct {
	mu      sync.Mutex
	written bytes.Buffer
	resizes [][2]int

	emit   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeTerminal() *fakeTerminal {
	return &fakeTerminal{
		emit:   make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeTerminal) Read(p []byte) (int, error) {
	select {
	case data := <-f.emit:
		return copy(p, data), nil
	case <-f.closed:
		return 0, io.EOF
	}
}

func (f *fakeTerminal) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.Write(p)
}

func (f *fakeTerminal) Resize(cols, rows int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, [2]int{cols, rows})
	return nil
}

func (f *fakeTerminal) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTerminal) Wait() error {
	<-f.closed
	return nil
}

func (f *fakeTerminal) output() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.String()
}

func directEngine(t *testing.T, term *fakeTerminal, bufCap int) *Engine {
	t.Helper()
	engine := testEngine(&quietRunner{}, time.Minute)
	engine.cfg.BufferCapacity = bufCap
	engine.spawnPTY = func(string, int, int) (terminal, error) {
		return term, nil
	}
	t.Cleanup(engine.Shutdown)
	return engine
}

func TestDirect_InputWrittenInOrder(t *testing.T) {
	term := newFakeTerminal()
	engine := directEngine(t, term, 16)

	sess, _, err := engine.Attach(context.Background(), AttachRequest{
		SessionName: "work", ClientID: "c1", Mode: ModeDirect,
	})
	require.NoError(t, err)

	require.NoError(t, sess.Input("ls"))
	require.NoError(t, sess.Input(" -la"))
	require.NoError(t, sess.Input("\r"))
	assert.Equal(t, "ls -la\r", term.output())
}

func TestDirect_ConcurrentInputsNeverInterleave(t *testing.T) {
	term := newFakeTerminal()
	engine := directEngine(t, term, 16)

	sess, _, err := engine.Attach(context.Background(), AttachRequest{
		SessionName: "work", ClientID: "c1", Mode: ModeDirect,
	})
	require.NoError(t, err)
	_, _, err = engine.Attach(context.Background(), AttachRequest{
		SessionName: "work", ClientID: "c2", Mode: ModeDirect,
	})
	require.NoError(t, err)

	const perWriter = 50
	var wg sync.WaitGroup
	for _, msg := range []string{"aaaa", "bbbb"} {
		wg.Add(1)
		go func(msg string) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, sess.Input(msg))
			}
		}(msg)
	}
	wg.Wait()

	out := term.output()
	require.Len(t, out, 2*perWriter*4)
	for i := 0; i < len(out); i += 4 {
		chunk := out[i : i+4]
		assert.True(t, chunk == "aaaa" || chunk == "bbbb",
			"interleaved write at %d: %q", i, chunk)
	}
}

func TestDirect_OutputReachesEveryClient(t *testing.T) {
	term := newFakeTerminal()
	engine := directEngine(t, term, 16)

	_, buf1, err := engine.Attach(context.Background(), AttachRequest{
		SessionName: "work", ClientID: "c1", Mode: ModeDirect,
	})
	require.NoError(t, err)
	_, buf2, err := engine.Attach(context.Background(), AttachRequest{
		SessionName: "work", ClientID: "c2", Mode: ModeDirect,
	})
	require.NoError(t, err)

	term.emit <- []byte("hello")

	for _, buf := range []*pipeline.Buffer{buf1, buf2} {
		require.Eventually(t, func() bool { return buf.Len() > 0 },
			time.Second, 5*time.Millisecond)
		frame, ok, _ := buf.Pop()
		require.True(t, ok)
		assert.Equal(t, "hello", string(frame))
	}
}

func TestDirect_PartialOutputFlushesAfterQuiescence(t *testing.T) {
	term := newFakeTerminal()
	engine := directEngine(t, term, 16)

	_, buf, err := engine.Attach(context.Background(), AttachRequest{
		SessionName: "work", ClientID: "c1", Mode: ModeDirect,
	})
	require.NoError(t, err)

	// Rapid writes well under the chunk ceiling, no trailing newline.
	term.emit <- []byte("$ ")
	term.emit <- []byte("mak")
	term.emit <- []byte("e")

	var got strings.Builder
	require.Eventually(t, func() bool {
		for {
			frame, ok, _ := buf.Pop()
			if !ok {
				break
			}
			got.Write(frame)
		}
		return got.String() == "$ make"
	}, time.Second, 5*time.Millisecond)
}

func TestDirect_PausedClientStallsTheReader(t *testing.T) {
	term := newFakeTerminal()
	engine := directEngine(t, term, 4)

	_, buf, err := engine.Attach(context.Background(), AttachRequest{
		SessionName: "work", ClientID: "c1", Mode: ModeDirect,
	})
	require.NoError(t, err)

	// Spaced writes flush as individual frames; the fourth fills the
	// buffer and asserts a pause.
	for i := 0; i < 4; i++ {
		term.emit <- []byte{byte('0' + i)}
		time.Sleep(20 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return buf.Paused() },
		time.Second, 5*time.Millisecond)

	// The pump must now hold further output upstream instead of dropping.
	term.emit <- []byte("x")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 4, buf.Len())

	var got strings.Builder
	require.Eventually(t, func() bool {
		for {
			frame, ok, _ := buf.Pop()
			if !ok {
				break
			}
			got.Write(frame)
		}
		return got.String() == "0123x"
	}, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 0, buf.Dropped())
}

func TestDirect_ProducerExitClosesSession(t *testing.T) {
	term := newFakeTerminal()
	engine := directEngine(t, term, 16)

	sess, buf, err := engine.Attach(context.Background(), AttachRequest{
		SessionName: "work", ClientID: "c1", Mode: ModeDirect,
	})
	require.NoError(t, err)

	term.Close()

	require.Eventually(t, func() bool {
		_, _, closed := buf.Pop()
		return closed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateClosed, sess.State())
}
