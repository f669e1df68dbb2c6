package tmux_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/periscope/internal/tmux"
)

// fakeRunner records every invocation and answers from a canned table
// keyed by subcommand.
type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	outputs map[string]string
	errs    map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outputs: make(map[string]string),
		errs:    make(map[string]error),
	}
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	if len(args) == 0 {
		return nil, nil
	}
	if err, ok := f.errs[args[0]]; ok {
		return nil, err
	}
	return []byte(f.outputs[args[0]]), nil
}

func (f *fakeRunner) lastCall() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

// execFailure mimics osRunner's folding of stderr into the error text.
func execFailure(stderr string) error {
	return fmt.Errorf("exit status 1: %s", stderr)
}

func newClient(f *fakeRunner) *tmux.Client {
	return tmux.NewWithRunner(f, time.Second)
}

func TestListSessions_ParsesFormatLines(t *testing.T) {
	f := newFakeRunner()
	f.outputs["list-sessions"] = "work\t1\t1700000000\t3\t120x40\nscratch\t0\t1700000100\t1\t80x24\n"

	sessions, err := newClient(f).ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	assert.Equal(t, "work", sessions[0].Name)
	assert.True(t, sessions[0].Attached)
	assert.Equal(t, int64(1700000000), sessions[0].Created)
	assert.Equal(t, 3, sessions[0].Windows)
	assert.Equal(t, "120x40", sessions[0].Dimensions)

	assert.Equal(t, "scratch", sessions[1].Name)
	assert.False(t, sessions[1].Attached)
}

func TestListSessions_ServerDownReturnsEmpty(t *testing.T) {
	f := newFakeRunner()
	f.errs["list-sessions"] = execFailure("no server running on /tmp/tmux-1000/default")

	sessions, err := newClient(f).ListSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestListWindows_ParsesAndOrders(t *testing.T) {
	f := newFakeRunner()
	f.outputs["list-windows"] = "0\tvim\t0\t2\n1\tshell\t1\t1\n"

	windows, err := newClient(f).ListWindows(context.Background(), "work")
	require.NoError(t, err)
	require.Len(t, windows, 2)

	assert.Equal(t, 0, windows[0].Index)
	assert.Equal(t, "vim", windows[0].Name)
	assert.False(t, windows[0].Active)
	assert.Equal(t, 2, windows[0].Panes)

	assert.True(t, windows[1].Active)
	assert.Equal(t, 1, windows[1].Panes)
}

func TestKillSession_MapsMissingSession(t *testing.T) {
	f := newFakeRunner()
	f.errs["kill-session"] = execFailure("can't find session: ghost")

	err := newClient(f).KillSession(context.Background(), "ghost")
	assert.ErrorIs(t, err, tmux.ErrSessionNotFound)
}

func TestKillWindow_MapsMissingWindow(t *testing.T) {
	f := newFakeRunner()
	f.errs["kill-window"] = execFailure("can't find window: 7")

	err := newClient(f).KillWindow(context.Background(), "work", 7)
	assert.ErrorIs(t, err, tmux.ErrWindowNotFound)
}

func TestSendText_UsesLiteralFlag(t *testing.T) {
	f := newFakeRunner()
	c := newClient(f)

	require.NoError(t, c.SendText(context.Background(), "work", "echo hi"))
	call := f.lastCall()
	assert.Equal(t, []string{"tmux", "send-keys", "-t", "=work", "-l", "echo hi"}, call)

	require.NoError(t, c.SendKey(context.Background(), "work", "Enter"))
	call = f.lastCall()
	assert.Equal(t, []string{"tmux", "send-keys", "-t", "=work", "Enter"}, call)
}

func TestCapturePane_RequestsEscapesAndJoinedLines(t *testing.T) {
	f := newFakeRunner()
	f.outputs["capture-pane"] = "\x1b[1mhello\x1b[0m\n"

	out, err := newClient(f).CapturePane(context.Background(), "work")
	require.NoError(t, err)
	assert.Equal(t, "\x1b[1mhello\x1b[0m\n", out)

	call := f.lastCall()
	assert.Contains(t, call, "-e")
	assert.Contains(t, call, "-J")
	assert.Contains(t, call, "-p")
}

func TestWindowTargets_UseExactMatchPrefix(t *testing.T) {
	f := newFakeRunner()
	c := newClient(f)

	require.NoError(t, c.SelectWindow(context.Background(), "work", 2))
	assert.Equal(t, []string{"tmux", "select-window", "-t", "=work:2"}, f.lastCall())

	require.NoError(t, c.RenameWindow(context.Background(), "work", 2, "logs"))
	assert.Equal(t, []string{"tmux", "rename-window", "-t", "=work:2", "logs"}, f.lastCall())
}

func TestCreateWindow_NameIsOptional(t *testing.T) {
	f := newFakeRunner()
	c := newClient(f)

	require.NoError(t, c.CreateWindow(context.Background(), "work", ""))
	assert.NotContains(t, strings.Join(f.lastCall(), " "), "-n")

	require.NoError(t, c.CreateWindow(context.Background(), "work", "editor"))
	assert.Contains(t, f.lastCall(), "-n")
	assert.Contains(t, f.lastCall(), "editor")
}

func TestResizeWindow_PassesGeometry(t *testing.T) {
	f := newFakeRunner()

	require.NoError(t, newClient(f).ResizeWindow(context.Background(), "work", 120, 40))
	assert.Equal(t, []string{"tmux", "resize-window", "-t", "=work", "-x", "120", "-y", "40"}, f.lastCall())
}
