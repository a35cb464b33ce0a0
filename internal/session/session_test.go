package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/wwu-pi/dcl/internal/clerr"
	"github.com/wwu-pi/dcl/internal/command"
	"github.com/wwu-pi/dcl/internal/consistency"
	"github.com/wwu-pi/dcl/internal/dcllog"
	"github.com/wwu-pi/dcl/internal/event"
	"github.com/wwu-pi/dcl/internal/memory"
	"github.com/wwu-pi/dcl/internal/native"
	"github.com/wwu-pi/dcl/internal/proto"
	"github.com/wwu-pi/dcl/internal/registry"
	"github.com/wwu-pi/dcl/internal/wire"
)

// notifyRecorder captures the notifications a Session pushes back to the
// host, the way queue_test's fakeTransport captures outgoing requests.
type notifyRecorder struct {
	mu    sync.Mutex
	notes []*proto.Notification
}

func (r *notifyRecorder) notify(n *proto.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func (r *notifyRecorder) statuses(target proto.ObjectID) []int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int32
	for _, n := range r.notes {
		if n.Kind == proto.NotifyStatusChanged && n.TargetID == target {
			out = append(out, n.Status)
		}
	}
	return out
}

func newTestSession(t *testing.T) (*Session, *registry.Registry, *notifyRecorder) {
	t.Helper()
	reg := registry.New()
	rec := &notifyRecorder{}
	s := New("session-test", "node-a", reg, nil, rec.notify, dcllog.Default())
	return s, reg, rec
}

// injectContext registers a Context synthesised without a native handle,
// the seam the daemon-side tests use instead of a real OpenCL platform.
func injectContext(s *Session, id uint64) *Context {
	c := &Context{
		ID:            id,
		queues:        make(map[uint64]*native.Queue),
		memObjects:    make(map[uint64]*memory.Object),
		nativeBuffers: make(map[uint64]*native.Buffer),
		programs:      make(map[uint64]*native.Program),
		kernels:       make(map[uint64]*native.Kernel),
		kernelArgs:    make(map[uint64]map[uint32]consistency.KernelArg),
		userEvents:    make(map[uint64]*event.Event),
		events:        make(map[uint64]*event.Event),
		consistency:   consistency.New(nil),
	}
	s.mu.Lock()
	s.contexts[id] = c
	s.mu.Unlock()
	return c
}

func encodeTestStatus(status int32) []byte {
	w := wire.NewWriter()
	w.PutInt32(status)
	return w.Bytes()
}

func encodeTestBufferOp(bufferID, offset, size uint64) []byte {
	w := wire.NewWriter()
	w.PutUint64(bufferID)
	w.PutUint64(offset)
	w.PutUint64(size)
	return w.Bytes()
}

func TestHandleRequestUnknownKindFailsInvalidOperation(t *testing.T) {
	s, _, _ := newTestSession(t)

	req := &proto.Request{RequestID: uuid.New(), Kind: proto.RequestKind(200)}
	resp := s.HandleRequest(context.Background(), req)

	require.Equal(t, proto.RespError, resp.Kind)
	require.Equal(t, clerr.InvalidOperation, resp.Error)
	require.Equal(t, req.RequestID, resp.RequestID)
}

func TestHandleRequestUnknownContextFailsInvalidContext(t *testing.T) {
	s, _, _ := newTestSession(t)

	resp := s.HandleRequest(context.Background(), &proto.Request{
		RequestID: uuid.New(), Kind: proto.KindFlush, ContextID: 7, QueueID: 1,
	})

	require.Equal(t, proto.RespError, resp.Kind)
	require.Equal(t, clerr.InvalidContext, resp.Error)
}

func TestRoleForKindMatchesBroadcastPolicy(t *testing.T) {
	cases := []struct {
		kind proto.RequestKind
		role event.Role
	}{
		{proto.KindEnqueueReadBuffer, event.NodeOnlyLocal},
		{proto.KindEnqueueWriteBuffer, event.HostBoundLocal},
		{proto.KindEnqueueMapBuffer, event.HostBoundLocal},
		{proto.KindEnqueueUnmapBuffer, event.HostBoundLocal},
		{proto.KindEnqueueCopyBuffer, event.SimpleLocal},
		{proto.KindEnqueueNDRangeKernel, event.SimpleLocal},
		{proto.KindEnqueueTask, event.SimpleLocal},
		{proto.KindEnqueueMarker, event.SimpleLocal},
		{proto.KindEnqueueBarrier, event.SimpleLocal},
	}
	for _, tc := range cases {
		require.Equal(t, tc.role, roleForKind(tc.kind), "kind %d", tc.kind)
	}
	// Kernel, task and marker completions are what peers wait on across
	// nodes, so those roles must relay; transfer kinds must not — peers
	// learn their data is ready via the consistency protocol instead.
	require.Equal(t, event.TargetPeers, roleForKind(proto.KindEnqueueNDRangeKernel).BroadcastTarget())
	require.Zero(t, roleForKind(proto.KindEnqueueWriteBuffer).BroadcastTarget())
}

func TestCommandKindForRequestMapping(t *testing.T) {
	cases := []struct {
		req  proto.RequestKind
		kind command.Kind
	}{
		{proto.KindEnqueueReadBuffer, command.KindReadBuffer},
		{proto.KindEnqueueWriteBuffer, command.KindWriteBuffer},
		{proto.KindEnqueueMapBuffer, command.KindMapBuffer},
		{proto.KindEnqueueUnmapBuffer, command.KindUnmapBuffer},
		{proto.KindEnqueueCopyBuffer, command.KindNone},
		{proto.KindEnqueueNDRangeKernel, command.KindNone},
		{proto.KindEnqueueMarker, command.KindNone},
	}
	for _, tc := range cases {
		require.Equal(t, tc.kind, commandKindForRequest(tc.req), "kind %d", tc.req)
	}
}

func TestDestroyContextCancelsUnsetUserEvents(t *testing.T) {
	s, reg, _ := newTestSession(t)
	injectContext(s, 7)

	mk := func(eventID uint64) {
		resp := s.HandleRequest(context.Background(), &proto.Request{
			RequestID: uuid.New(), Kind: proto.KindCreateUserEvent,
			ContextID: 7, EventID: proto.ObjectID(eventID),
		})
		require.Equal(t, proto.RespSuccess, resp.Kind)
	}
	mk(100)
	mk(101)

	resp := s.HandleRequest(context.Background(), &proto.Request{
		RequestID: uuid.New(), Kind: proto.KindSetUserEventStatus,
		ContextID: 7, EventID: 100, Payload: encodeTestStatus(int32(event.StatusComplete)),
	})
	require.Equal(t, proto.RespSuccess, resp.Kind)

	s.mu.Lock()
	c := s.contexts[7]
	s.mu.Unlock()
	completed := c.userEvents[100]
	unset := c.userEvents[101]

	resp = s.HandleRequest(context.Background(), &proto.Request{
		RequestID: uuid.New(), Kind: proto.KindDestroyContext, ContextID: 7,
	})
	require.Equal(t, proto.RespSuccess, resp.Kind)

	require.Equal(t, event.StatusComplete, completed.Status())
	require.EqualValues(t, clerr.InvalidOperation, unset.Status())
	require.Zero(t, reg.Len())

	// The context is gone: a follow-up request against it must fail.
	resp = s.HandleRequest(context.Background(), &proto.Request{
		RequestID: uuid.New(), Kind: proto.KindDestroyContext, ContextID: 7,
	})
	require.Equal(t, clerr.InvalidContext, resp.Error)
}

func TestCloseDestroysEveryContext(t *testing.T) {
	s, reg, _ := newTestSession(t)
	c1 := injectContext(s, 1)
	c2 := injectContext(s, 2)
	u1 := event.NewUserEvent(50, nil)
	c1.userEvents[50] = u1
	c1.events[50] = u1
	u2 := event.NewUserEvent(51, nil)
	c2.userEvents[51] = u2
	c2.events[51] = u2

	require.NoError(t, s.Close())

	require.EqualValues(t, clerr.InvalidOperation, u1.Status())
	require.EqualValues(t, clerr.InvalidOperation, u2.Status())
	require.Zero(t, reg.Len())
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Empty(t, s.contexts)
}

// A read-buffer enqueue with no event requested still creates an owner
// event under the command id and drives it to COMPLETE, so the host's own
// command bookkeeping always observes the terminal status.
func TestEnqueueReadBufferCompletesAndNotifiesHost(t *testing.T) {
	s, _, rec := newTestSession(t)
	c := injectContext(s, 7)

	c.queues[1] = &native.Queue{}
	obj, err := memory.Create(context.Background(), 10, 7, memory.FlagReadWrite|memory.FlagCopyHostPtr, 4, []byte{1, 2, 3, 4}, nil)
	require.NoError(t, err)
	c.memObjects[10] = obj

	resp := s.HandleRequest(context.Background(), &proto.Request{
		RequestID: uuid.New(), Kind: proto.KindEnqueueReadBuffer,
		ContextID: 7, QueueID: 1, CommandID: 200,
		Payload: encodeTestBufferOp(10, 0, 4),
	})
	require.Equal(t, proto.RespSuccess, resp.Kind)

	c.mu.Lock()
	ev, ok := c.events[200]
	c.mu.Unlock()
	require.True(t, ok)

	require.Eventually(t, ev.IsComplete, time.Second, time.Millisecond)
	require.Equal(t, event.StatusComplete, ev.Status())
	require.Eventually(t, func() bool {
		statuses := rec.statuses(200)
		return len(statuses) > 0 && statuses[len(statuses)-1] == int32(event.StatusComplete)
	}, time.Second, time.Millisecond)
}

// A dependency that already failed fails the command's event with the
// event-chain error instead of rejecting the request, so callbacks still
// observe the negative status.
func TestEnqueueWithFailedDependencyFailsEventChain(t *testing.T) {
	s, _, _ := newTestSession(t)
	c := injectContext(s, 7)

	c.queues[1] = &native.Queue{}
	failed := event.NewUserEvent(60, nil)
	failed.SetStatus(-1)
	c.userEvents[60] = failed
	c.events[60] = failed

	resp := s.HandleRequest(context.Background(), &proto.Request{
		RequestID: uuid.New(), Kind: proto.KindEnqueueMarker,
		ContextID: 7, QueueID: 1, CommandID: 201, EventID: 99,
		WaitList: []proto.ObjectID{60},
	})
	require.Equal(t, proto.RespSuccess, resp.Kind)

	c.mu.Lock()
	ev, ok := c.events[99]
	c.mu.Unlock()
	require.True(t, ok)
	require.EqualValues(t, clerr.ExecStatusErrorForEvents, ev.Status())
}

// A marker gated on an unset user event completes only once that event
// does: the count-down-latch construction for drivers without a native
// wait-list entry point.
func TestMarkerWaitsForUserEventThenCompletes(t *testing.T) {
	s, _, _ := newTestSession(t)
	c := injectContext(s, 7)

	c.queues[1] = &native.Queue{}
	gate := event.NewUserEvent(70, nil)
	c.userEvents[70] = gate
	c.events[70] = gate

	resp := s.HandleRequest(context.Background(), &proto.Request{
		RequestID: uuid.New(), Kind: proto.KindEnqueueMarker,
		ContextID: 7, QueueID: 1, CommandID: 202, EventID: 98,
		WaitList: []proto.ObjectID{70},
	})
	require.Equal(t, proto.RespSuccess, resp.Kind)

	c.mu.Lock()
	ev := c.events[98]
	c.mu.Unlock()
	require.NotNil(t, ev)
	require.False(t, ev.IsComplete())

	gate.SetStatus(event.StatusComplete)
	require.Eventually(t, ev.IsComplete, time.Second, time.Millisecond)
	require.Equal(t, event.StatusComplete, ev.Status())
}
