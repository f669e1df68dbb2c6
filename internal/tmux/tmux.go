// Package tmux wraps the tmux command-line control surface. Every call
// shells out with a bounded timeout and returns a typed error; the package
// holds no state of its own.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors surfaced to callers instead of raw exec failures.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrWindowNotFound  = errors.New("window not found")
	ErrTimeout         = errors.New("tmux command timed out")
)

// CommandError carries the exit status and stderr of a failed tmux call.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("tmux %s: %s", strings.Join(e.Args, " "), strings.TrimSpace(e.Stderr))
	}
	return fmt.Sprintf("tmux %s: %v", strings.Join(e.Args, " "), e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Runner executes a command and returns stdout. Tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type osRunner struct{}

func (osRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("%w: %s", err, string(exitErr.Stderr))
		}
		return nil, err
	}
	return out, nil
}

// SessionSummary is one line of list-sessions output.
type SessionSummary struct {
	Name       string `json:"name"`
	Attached   bool   `json:"attached"`
	Created    int64  `json:"created"`
	Windows    int    `json:"windows"`
	Dimensions string `json:"dimensions"`
}

// Window is one line of list-windows output.
type Window struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
	Panes  int    `json:"panes"`
}

// Client invokes tmux. Zero value is not usable; call New.
type Client struct {
	runner  Runner
	timeout time.Duration
}

const defaultTimeout = 5 * time.Second

func New() *Client {
	return &Client{runner: osRunner{}, timeout: defaultTimeout}
}

// NewWithRunner builds a client around a custom runner, for tests.
func NewWithRunner(r Runner, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{runner: r, timeout: timeout}
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.runner.Run(runCtx, "tmux", args...)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: tmux %s", ErrTimeout, strings.Join(args, " "))
		}
		return "", &CommandError{Args: args, Stderr: stderrOf(err), Err: err}
	}
	return string(out), nil
}

func stderrOf(err error) string {
	// osRunner folds stderr into the error string after ": ".
	msg := err.Error()
	if i := strings.Index(msg, ": "); i >= 0 {
		return msg[i+2:]
	}
	return ""
}

// EnsureServer starts the tmux server if it is not running yet.
func (c *Client) EnsureServer(ctx context.Context) error {
	if _, err := c.run(ctx, "list-sessions"); err == nil {
		return nil
	}
	_, err := c.run(ctx, "new-session", "-d", "-s", "__periscope__", "exit")
	if err != nil {
		return fmt.Errorf("start tmux server: %w", err)
	}
	return nil
}

// HasSession reports whether the named session exists.
func (c *Client) HasSession(ctx context.Context, name string) bool {
	_, err := c.run(ctx, "has-session", "-t", "="+name)
	return err == nil
}

// ListSessions returns all tmux sessions. A failure to list (tmux server
// not running) returns an empty slice, not an error.
func (c *Client) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	out, err := c.run(ctx, "list-sessions", "-F",
		"#{session_name}\t#{session_attached}\t#{session_created}\t#{session_windows}\t#{session_width}x#{session_height}")
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return nil, err
		}
		return []SessionSummary{}, nil
	}

	sessions := []SessionSummary{}
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 5)
		if len(parts) != 5 {
			continue
		}
		created, _ := strconv.ParseInt(parts[2], 10, 64)
		windows, _ := strconv.Atoi(parts[3])
		sessions = append(sessions, SessionSummary{
			Name:       parts[0],
			Attached:   parts[1] != "0",
			Created:    created,
			Windows:    windows,
			Dimensions: parts[4],
		})
	}
	return sessions, nil
}

func (c *Client) CreateSession(ctx context.Context, name string) error {
	if err := c.EnsureServer(ctx); err != nil {
		return err
	}
	if _, err := c.run(ctx, "new-session", "-d", "-s", name); err != nil {
		return fmt.Errorf("create session %q: %w", name, err)
	}
	return nil
}

func (c *Client) KillSession(ctx context.Context, name string) error {
	if _, err := c.run(ctx, "kill-session", "-t", "="+name); err != nil {
		return sessionErr(name, err)
	}
	return nil
}

func (c *Client) RenameSession(ctx context.Context, oldName, newName string) error {
	if _, err := c.run(ctx, "rename-session", "-t", "="+oldName, newName); err != nil {
		return sessionErr(oldName, err)
	}
	return nil
}

// ListWindows returns the windows of a session, ordered by index.
func (c *Client) ListWindows(ctx context.Context, session string) ([]Window, error) {
	out, err := c.run(ctx, "list-windows", "-t", "="+session, "-F",
		"#{window_index}\t#{window_name}\t#{window_active}\t#{window_panes}")
	if err != nil {
		return nil, sessionErr(session, err)
	}

	windows := []Window{}
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 4)
		if len(parts) != 4 {
			continue
		}
		index, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		panes, _ := strconv.Atoi(parts[3])
		if panes == 0 {
			panes = 1
		}
		windows = append(windows, Window{
			Index:  index,
			Name:   parts[1],
			Active: parts[2] == "1",
			Panes:  panes,
		})
	}
	return windows, nil
}

func (c *Client) CreateWindow(ctx context.Context, session, name string) error {
	args := []string{"new-window", "-a", "-t", "=" + session}
	if name != "" {
		args = append(args, "-n", name)
	}
	if _, err := c.run(ctx, args...); err != nil {
		return sessionErr(session, err)
	}
	return nil
}

func (c *Client) KillWindow(ctx context.Context, session string, index int) error {
	if _, err := c.run(ctx, "kill-window", "-t", target(session, index)); err != nil {
		return windowErr(session, index, err)
	}
	return nil
}

func (c *Client) RenameWindow(ctx context.Context, session string, index int, newName string) error {
	if _, err := c.run(ctx, "rename-window", "-t", target(session, index), newName); err != nil {
		return windowErr(session, index, err)
	}
	return nil
}

func (c *Client) SelectWindow(ctx context.Context, session string, index int) error {
	if _, err := c.run(ctx, "select-window", "-t", target(session, index)); err != nil {
		return windowErr(session, index, err)
	}
	return nil
}

// CapturePane returns the visible content of the session's active pane,
// with escape sequences preserved so color survives the round trip.
func (c *Client) CapturePane(ctx context.Context, session string) (string, error) {
	out, err := c.run(ctx, "capture-pane", "-t", "="+session, "-p", "-e", "-J")
	if err != nil {
		return "", sessionErr(session, err)
	}
	return out, nil
}

// SendText injects a literal run of characters (send-keys -l).
func (c *Client) SendText(ctx context.Context, session, text string) error {
	if _, err := c.run(ctx, "send-keys", "-t", "="+session, "-l", text); err != nil {
		return sessionErr(session, err)
	}
	return nil
}

// SendKey injects a named key such as "Enter", "Escape" or "C-c".
func (c *Client) SendKey(ctx context.Context, session, key string) error {
	if _, err := c.run(ctx, "send-keys", "-t", "="+session, key); err != nil {
		return sessionErr(session, err)
	}
	return nil
}

func (c *Client) ResizeWindow(ctx context.Context, session string, cols, rows int) error {
	if _, err := c.run(ctx, "resize-window", "-t", "="+session,
		"-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows)); err != nil {
		return sessionErr(session, err)
	}
	return nil
}

func target(session string, index int) string {
	return fmt.Sprintf("=%s:%d", session, index)
}

func sessionErr(session string, err error) error {
	if errors.Is(err, ErrTimeout) {
		return err
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, "can't find session") {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, session)
	}
	return err
}

func windowErr(session string, index int, err error) error {
	if errors.Is(err, ErrTimeout) {
		return err
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		if strings.Contains(cmdErr.Stderr, "can't find session") {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, session)
		}
		if strings.Contains(cmdErr.Stderr, "can't find window") {
			return fmt.Errorf("%w: %s:%d", ErrWindowNotFound, session, index)
		}
	}
	return err
}
