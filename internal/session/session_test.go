package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/periscope/internal/tmux"
)

// quietRunner answers every tmux invocation successfully with empty
// output, so sessions always "exist" and captures return nothing.
type quietRunner struct {
	mu    sync.Mutex
	calls [][]string
}

func (q *quietRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	q.mu.Lock()
	q.calls = append(q.calls, append([]string{name}, args...))
	q.mu.Unlock()
	return nil, nil
}

func (q *quietRunner) called(sub string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, call := range q.calls {
		if len(call) > 1 && call[1] == sub {
			return true
		}
	}
	return false
}

// missingSessionRunner reports the target session as absent until it
// has been created.
type missingSessionRunner struct {
	quietRunner
}

func (m *missingSessionRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if len(args) > 0 && args[0] == "has-session" && !m.called("new-session") {
		m.mu.Lock()
		m.calls = append(m.calls, append([]string{name}, args...))
		m.mu.Unlock()
		return nil, fmt.Errorf("exit status 1: can't find session: work")
	}
	return m.quietRunner.Run(ctx, name, args...)
}

// stallingRunner blocks every has-session call until released, holding
// a first attach inside its spawn phase.
type stallingRunner struct {
	quietRunner
	release chan struct{}
}

func (s *stallingRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if len(args) > 0 && args[0] == "has-session" {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.quietRunner.Run(ctx, name, args...)
}

// testEngine uses a capture interval long enough that the polling loop
// never fires during a test.
func testEngine(r tmux.Runner, grace time.Duration) *Engine {
	tc := tmux.NewWithRunner(r, time.Second)
	return NewEngine(tc, Config{
		DefaultMode:     ModeIsolated,
		GracePeriod:     grace,
		CaptureInterval: time.Hour,
		BufferCapacity:  16,
	})
}

func TestEngine_AttachCreatesAndJoins(t *testing.T) {
	runner := &quietRunner{}
	engine := testEngine(runner, time.Minute)
	defer engine.Shutdown()

	sess, buf, err := engine.Attach(context.Background(), AttachRequest{
		SessionName: "work", ClientID: "c1",
	})
	require.NoError(t, err)
	require.NotNil(t, buf)

	assert.Equal(t, "work", sess.Name)
	assert.Equal(t, ModeIsolated, sess.Mode)
	assert.Equal(t, StateAttached, sess.State())
	assert.Equal(t, 1, sess.Clients())
}

func TestEngine_AttachCreatesMissingSession(t *testing.T) {
	runner := &missingSessionRunner{}
	engine := testEngine(runner, time.Minute)
	defer engine.Shutdown()

	sess, _, err := engine.Attach(context.Background(), AttachRequest{
		SessionName: "work", ClientID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, StateAttached, sess.State())
	assert.True(t, runner.called("new-session"))
}

func TestEngine_JoinWaitsForFirstSpawn(t *testing.T) {
	runner := &stallingRunner{release: make(chan struct{})}
	engine := testEngine(runner, time.Minute)
	defer engine.Shutdown()

	type result struct {
		sess *Session
		err  error
	}
	results := make(chan result, 2)
	attach := func(clientID string) {
		sess, _, err := engine.Attach(context.Background(), AttachRequest{
			SessionName: "work", ClientID: clientID,
		})
		results <- result{sess, err}
	}

	go attach("c1")
	time.Sleep(20 * time.Millisecond) // let c1 reach the stalled spawn
	go attach("c2")

	// Neither client may be admitted while the strategy is still being
	// spawned; a joiner admitted early would see a session without one.
	select {
	case <-results:
		t.Fatal("attach returned before spawn finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(runner.release)

	var sessions []*Session
	for i := 0; i < 2; i++ {
		res := <-results
		require.NoError(t, res.err)
		require.Equal(t, StateAttached, res.sess.State())
		require.NoError(t, res.sess.Input("ls\r"))
		sessions = append(sessions, res.sess)
	}
	assert.Same(t, sessions[0], sessions[1])
	assert.Equal(t, 2, sessions[0].Clients())
}

func TestEngine_RefcountTracksClientSet(t *testing.T) {
	runner := &quietRunner{}
	engine := testEngine(runner, time.Minute)
	defer engine.Shutdown()

	sess, _, err := engine.Attach(context.Background(), AttachRequest{SessionName: "work", ClientID: "c1"})
	require.NoError(t, err)
	sess2, _, err := engine.Attach(context.Background(), AttachRequest{SessionName: "work", ClientID: "c2"})
	require.NoError(t, err)

	assert.Same(t, sess, sess2)
	assert.Equal(t, 2, sess.Clients())

	engine.Detach("work", "c1")
	assert.Equal(t, 1, sess.Clients())
	assert.Equal(t, StateAttached, sess.State())
}

func TestEngine_ModeConflictRejected(t *testing.T) {
	runner := &quietRunner{}
	engine := testEngine(runner, time.Minute)
	defer engine.Shutdown()

	_, _, err := engine.Attach(context.Background(), AttachRequest{
		SessionName: "work", ClientID: "c1", Mode: ModeIsolated,
	})
	require.NoError(t, err)

	_, _, err = engine.Attach(context.Background(), AttachRequest{
		SessionName: "work", ClientID: "c2", Mode: ModeDirect,
	})
	assert.ErrorIs(t, err, ErrAttachConflict)
}

func TestEngine_LastDetachEntersGraceThenReclaims(t *testing.T) {
	runner := &quietRunner{}
	engine := testEngine(runner, 30*time.Millisecond)

	sess, _, err := engine.Attach(context.Background(), AttachRequest{SessionName: "work", ClientID: "c1"})
	require.NoError(t, err)

	engine.Detach("work", "c1")
	assert.Equal(t, StateDetaching, sess.State())
	assert.Same(t, sess, engine.Get("work"))

	require.Eventually(t, func() bool {
		return engine.Get("work") == nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, StateClosed, sess.State())
}

func TestEngine_ReattachDuringGraceCancelsReclaim(t *testing.T) {
	runner := &quietRunner{}
	engine := testEngine(runner, 50*time.Millisecond)
	defer engine.Shutdown()

	sess, _, err := engine.Attach(context.Background(), AttachRequest{SessionName: "work", ClientID: "c1"})
	require.NoError(t, err)

	engine.Detach("work", "c1")
	require.Equal(t, StateDetaching, sess.State())

	sess2, _, err := engine.Attach(context.Background(), AttachRequest{SessionName: "work", ClientID: "c2"})
	require.NoError(t, err)
	assert.Same(t, sess, sess2)
	assert.Equal(t, StateAttached, sess.State())

	// The pending reclaim must observe the revival and do nothing.
	time.Sleep(100 * time.Millisecond)
	assert.Same(t, sess, engine.Get("work"))
	assert.Equal(t, StateAttached, sess.State())
}

func TestSession_BroadcastReachesEveryClient(t *testing.T) {
	runner := &quietRunner{}
	engine := testEngine(runner, time.Minute)
	defer engine.Shutdown()

	sess, buf1, err := engine.Attach(context.Background(), AttachRequest{SessionName: "work", ClientID: "c1"})
	require.NoError(t, err)
	_, buf2, err := engine.Attach(context.Background(), AttachRequest{SessionName: "work", ClientID: "c2"})
	require.NoError(t, err)

	sess.broadcast([]byte("frame-1"))
	sess.broadcast([]byte("frame-2"))

	f, ok, _ := buf1.Pop()
	require.True(t, ok)
	assert.Equal(t, "frame-1", string(f))
	f, ok, _ = buf2.Pop()
	require.True(t, ok)
	assert.Equal(t, "frame-1", string(f))

	f, ok, _ = buf1.Pop()
	require.True(t, ok)
	assert.Equal(t, "frame-2", string(f))
	f, ok, _ = buf2.Pop()
	require.True(t, ok)
	assert.Equal(t, "frame-2", string(f))
}

func TestSession_InputRejectedWhenNotAttached(t *testing.T) {
	runner := &quietRunner{}
	engine := testEngine(runner, 10*time.Millisecond)

	sess, _, err := engine.Attach(context.Background(), AttachRequest{SessionName: "work", ClientID: "c1"})
	require.NoError(t, err)

	engine.Detach("work", "c1")
	require.Eventually(t, func() bool {
		return sess.State() == StateClosed
	}, time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, sess.Input("ls"), ErrClosed)
	assert.ErrorIs(t, sess.Resize(80, 24), ErrClosed)
}

func TestEngine_IsolatedInputGoesThroughKeyInjection(t *testing.T) {
	runner := &quietRunner{}
	engine := testEngine(runner, time.Minute)
	defer engine.Shutdown()

	sess, _, err := engine.Attach(context.Background(), AttachRequest{SessionName: "work", ClientID: "c1"})
	require.NoError(t, err)

	require.NoError(t, sess.Input("ls\r"))
	require.Eventually(t, func() bool {
		return runner.called("send-keys")
	}, time.Second, 5*time.Millisecond)
}
