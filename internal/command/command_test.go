package command_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wwu-pi/dcl/internal/command"
	"github.com/wwu-pi/dcl/internal/event"
)

func TestSubmitHookRunsOnceAtSubmitted(t *testing.T) {
	cmd := command.New(1, 1, command.KindWriteBuffer)
	calls := 0
	cmd.Submit = func(c *command.Command) { calls++ }

	cmd.OnExecutionStatusChanged(event.StatusSubmitted)
	cmd.OnExecutionStatusChanged(event.StatusSubmitted) // stale resend, ignored
	cmd.OnExecutionStatusChanged(event.StatusRunning)

	require.Equal(t, 1, calls)
}

func TestCompleteHookRunsOnceAtTerminal(t *testing.T) {
	cmd := command.New(1, 1, command.KindMapBuffer)
	var gotStatus event.Status
	calls := 0
	cmd.Complete = func(c *command.Command, status event.Status) {
		calls++
		gotStatus = status
	}

	cmd.OnExecutionStatusChanged(event.StatusComplete)
	cmd.OnExecutionStatusChanged(event.StatusComplete)

	require.Equal(t, 1, calls)
	require.Equal(t, event.StatusComplete, gotStatus)
	require.True(t, cmd.IsComplete())
}

func TestAttachedEventReceivesStatus(t *testing.T) {
	cmd := command.New(1, 1, command.KindCopyData)
	ev := event.NewOwner(1, 1, event.SimpleLocal, nil, nil)
	cmd.AttachEvent(ev)

	cmd.OnExecutionStatusChanged(event.StatusRunning)
	require.Equal(t, event.StatusRunning, ev.Status())

	cmd.OnExecutionStatusChanged(event.StatusComplete)
	require.True(t, ev.IsComplete())
}

func TestStatusNeverRegresses(t *testing.T) {
	cmd := command.New(1, 1, command.KindNone)
	cmd.OnExecutionStatusChanged(event.StatusRunning)
	cmd.OnExecutionStatusChanged(event.StatusQueued)
	require.Equal(t, event.StatusRunning, cmd.Status())
}
