package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterje/periscope/internal/protocol"
	"github.com/peterje/periscope/internal/tmux"
)

func TestDiffSessions_NoChangeEmitsNothing(t *testing.T) {
	snapshot := []tmux.SessionSummary{
		{Name: "work", Windows: 2},
		{Name: "scratch", Windows: 1},
	}
	assert.Empty(t, diffSessions(snapshot, snapshot))
}

func TestDiffSessions_AddAndRemove(t *testing.T) {
	old := []tmux.SessionSummary{{Name: "work"}}
	cur := []tmux.SessionSummary{{Name: "scratch"}}

	events := diffSessions(old, cur)
	require.Len(t, events, 2)
	assert.Equal(t, "session-added", events[0].Kind)
	assert.Equal(t, "scratch", events[0].SessionName)
	assert.Equal(t, "session-removed", events[1].Kind)
	assert.Equal(t, "work", events[1].SessionName)
}

func TestDiffSessions_FirstCycleReportsEverythingAdded(t *testing.T) {
	cur := []tmux.SessionSummary{{Name: "a"}, {Name: "b"}}
	events := diffSessions(nil, cur)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, "session-added", e.Kind)
	}
}

func TestDiffWindows_RenameDetectedByStableIndex(t *testing.T) {
	old := []tmux.Window{{Index: 0, Name: "bash", Active: true}}
	cur := []tmux.Window{{Index: 0, Name: "vim", Active: true}}

	events := diffWindows("work", old, cur)
	require.Len(t, events, 1)
	assert.Equal(t, "window-renamed", events[0].Kind)
	assert.Equal(t, "bash", events[0].OldName)
	assert.Equal(t, "vim", events[0].NewName)
	require.NotNil(t, events[0].WindowIndex)
	assert.Equal(t, 0, *events[0].WindowIndex)
}

func TestDiffWindows_AddRemoveAndSelect(t *testing.T) {
	old := []tmux.Window{
		{Index: 0, Name: "bash", Active: true},
		{Index: 1, Name: "logs"},
	}
	cur := []tmux.Window{
		{Index: 0, Name: "bash"},
		{Index: 2, Name: "editor", Active: true},
	}

	events := diffWindows("work", old, cur)

	kinds := make(map[string]int)
	for _, e := range events {
		kinds[e.Kind]++
	}
	assert.Equal(t, 1, kinds["window-added"])
	assert.Equal(t, 1, kinds["window-removed"])
	assert.Equal(t, 1, kinds["window-selected"])
}

func TestDiffWindows_NoChangeEmitsNothing(t *testing.T) {
	windows := []tmux.Window{
		{Index: 0, Name: "bash", Active: true},
		{Index: 1, Name: "logs"},
	}
	assert.Empty(t, diffWindows("work", windows, windows))
}

func TestSubscribe_NotifyFansOutAndCancelStops(t *testing.T) {
	s := New(nil, func() []string { return nil }, DefaultInterval)

	ch1, cancel1 := s.Subscribe()
	ch2, cancel2 := s.Subscribe()
	defer cancel2()

	s.Notify(protocol.TopologyEvent{Kind: "session-added", SessionName: "work"})

	e := <-ch1
	assert.Equal(t, "session-added", e.Kind)
	e = <-ch2
	assert.Equal(t, "work", e.SessionName)

	cancel1()
	s.Notify(protocol.TopologyEvent{Kind: "session-removed", SessionName: "work"})

	select {
	case e, ok := <-ch1:
		if ok {
			t.Fatalf("cancelled subscriber received %v", e)
		}
	default:
	}

	e = <-ch2
	assert.Equal(t, "session-removed", e.Kind)
}
