package event_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wwu-pi/dcl/internal/event"
)

type fakeBroadcaster struct {
	mu      sync.Mutex
	calls   []event.Status
	targets []event.BroadcastTarget
}

func (b *fakeBroadcaster) BroadcastStatus(_ uint64, status event.Status, target event.BroadcastTarget) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, status)
	b.targets = append(b.targets, target)
}

func TestCallbacksFireBeforeBroadcast(t *testing.T) {
	b := &fakeBroadcaster{}
	e := event.NewOwner(1, 1, event.SimpleLocal, b, nil)

	var order []string
	broadcastsSeenByCallback := -1
	e.SetCallback(event.StatusComplete, func(status event.Status) {
		b.mu.Lock()
		broadcastsSeenByCallback = len(b.calls)
		b.mu.Unlock()
		order = append(order, "callback")
	})

	e.SetStatus(event.StatusComplete)

	order = append(order, "checked")
	require.Equal(t, []string{"callback", "checked"}, order)
	require.Zero(t, broadcastsSeenByCallback)
	require.Equal(t, []event.Status{event.StatusComplete}, b.calls)
}

func TestCallbackFiresSynchronouslyIfAlreadyTriggered(t *testing.T) {
	b := &fakeBroadcaster{}
	e := event.NewOwner(1, 1, event.SimpleLocal, b, nil)
	e.SetStatus(event.StatusComplete)

	fired := false
	e.SetCallback(event.StatusComplete, func(status event.Status) {
		fired = true
		require.Equal(t, event.StatusComplete, status)
	})
	require.True(t, fired)
}

func TestStatusNeverMovesBackwards(t *testing.T) {
	b := &fakeBroadcaster{}
	e := event.NewOwner(1, 1, event.SimpleLocal, b, nil)

	e.SetStatus(event.StatusRunning)
	e.SetStatus(event.StatusQueued) // stale, must be ignored
	require.Equal(t, event.StatusRunning, e.Status())

	e.SetStatus(event.StatusComplete)
	e.SetStatus(event.StatusRunning) // stale again
	require.Equal(t, event.StatusComplete, e.Status())
}

func TestSetStatusIdempotentForEqualStatus(t *testing.T) {
	b := &fakeBroadcaster{}
	e := event.NewOwner(1, 1, event.SimpleLocal, b, nil)

	e.SetStatus(event.StatusComplete)
	e.SetStatus(event.StatusComplete)
	require.Len(t, b.calls, 1)
}

func TestNegativeStatusTriggersCompleteCallbackWithErrorValue(t *testing.T) {
	b := &fakeBroadcaster{}
	e := event.NewOwner(1, 1, event.SimpleLocal, b, nil)

	var got event.Status
	e.SetCallback(event.StatusComplete, func(status event.Status) { got = status })

	e.SetStatus(-14) // EXEC_STATUS_ERROR_FOR_EVENTS_IN_WAIT_LIST
	require.EqualValues(t, -14, got)
	require.True(t, e.Destroyable())
}

func TestWaitUnblocksOnTerminalStatus(t *testing.T) {
	b := &fakeBroadcaster{}
	e := event.NewOwner(1, 1, event.SimpleLocal, b, nil)

	go e.SetStatus(event.StatusComplete)

	require.NoError(t, e.Wait(context.Background()))
	require.True(t, e.IsComplete())
}

func TestSynchroniseRemoteOnlyAcquiresOnce(t *testing.T) {
	r := event.NewReplica(9, 9, "node-a", []event.MemoryRef{{ObjectID: 100}})

	calls := 0
	acquire := func(refs []event.MemoryRef) ([]uint64, error) {
		calls++
		return []uint64{1, 2}, nil
	}

	ids1, err := r.SynchroniseRemote(acquire)
	require.NoError(t, err)
	ids2, err := r.SynchroniseRemote(acquire)
	require.NoError(t, err)

	require.Equal(t, 1, calls)
	require.Equal(t, ids1, ids2)
}

func TestSynchroniseRemoteCachesFailure(t *testing.T) {
	r := event.NewReplica(9, 9, "node-a", []event.MemoryRef{{ObjectID: 100}})

	calls := 0
	failing := func(refs []event.MemoryRef) ([]uint64, error) {
		calls++
		return nil, context.DeadlineExceeded
	}

	_, err := r.SynchroniseRemote(failing)
	require.Error(t, err)
	_, err = r.SynchroniseRemote(failing)
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
