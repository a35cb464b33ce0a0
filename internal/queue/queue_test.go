package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/wwu-pi/dcl/internal/clerr"
	"github.com/wwu-pi/dcl/internal/consistency"
	"github.com/wwu-pi/dcl/internal/event"
	"github.com/wwu-pi/dcl/internal/proto"
	"github.com/wwu-pi/dcl/internal/queue"
	"github.com/wwu-pi/dcl/internal/registry"
)

type fakeTransport struct {
	mu      sync.Mutex
	err     error
	errCode clerr.Code
	calls   []*proto.Request
}

func (f *fakeTransport) ExecuteCommand(_ context.Context, req *proto.Request) (*proto.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.errCode != clerr.Success {
		return &proto.Response{RequestID: req.RequestID, Kind: proto.RespError, Error: f.errCode}, nil
	}
	return &proto.Response{RequestID: req.RequestID, Kind: proto.RespSuccess}, nil
}

func TestEnqueueReadBufferBindsCommandAndEvent(t *testing.T) {
	reg := registry.New()
	tr := &fakeTransport{}
	q := queue.New(1, 1, 1, "node-b", tr, reg)

	cmd, ev, err := q.EnqueueReadBuffer(context.Background(), 10, 0, 16, queue.EnqueueParams{
		CommandID:  100,
		WantEvent:  true,
		NewEventID: 200,
	})
	require.NoError(t, err)
	require.NotNil(t, cmd)
	require.NotNil(t, ev)

	_, ok := reg.Lookup(100)
	require.True(t, ok)
	_, ok = reg.Lookup(200)
	require.True(t, ok)

	require.Len(t, q.PendingCommands(), 1)
	require.Len(t, tr.calls, 1)
	require.Equal(t, proto.KindEnqueueReadBuffer, tr.calls[0].Kind)
}

func TestEnqueuePropagatesTransportError(t *testing.T) {
	reg := registry.New()
	tr := &fakeTransport{errCode: clerr.InvalidMemObject}
	q := queue.New(1, 1, 1, "node-b", tr, reg)

	_, _, err := q.EnqueueWriteBuffer(context.Background(), 10, 0, 16, queue.EnqueueParams{CommandID: 101})
	require.Error(t, err)
	code, ok := clerr.As(err)
	require.True(t, ok)
	require.Equal(t, clerr.InvalidMemObject, code)
}

func TestBlockingEnqueueWaitsForStatusNotification(t *testing.T) {
	reg := registry.New()
	tr := &fakeTransport{}
	q := queue.New(1, 1, 1, "node-b", tr, reg)

	result := make(chan error, 1)
	go func() {
		_, _, err := q.EnqueueNDRangeKernel(context.Background(), 5, []uint64{64}, nil, nil, queue.EnqueueParams{
			CommandID:  102,
			WantEvent:  true,
			NewEventID: 202,
			Blocking:   true,
		})
		result <- err
	}()

	require.Eventually(t, func() bool {
		_, ok := reg.Lookup(202)
		return ok
	}, time.Second, time.Millisecond)

	delivered := reg.Dispatch(202, &proto.Notification{Kind: proto.NotifyStatusChanged, TargetID: 202, Status: 0})
	require.True(t, delivered)

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocking enqueue did not return after completion notification")
	}
}

func TestFinishWaitsForAllPendingCommandsThenGCs(t *testing.T) {
	reg := registry.New()
	tr := &fakeTransport{}
	q := queue.New(1, 1, 1, "node-b", tr, reg)

	_, _, err := q.EnqueueTask(context.Background(), 1, nil, queue.EnqueueParams{CommandID: 1, WantEvent: true, NewEventID: 11})
	require.NoError(t, err)
	_, _, err = q.EnqueueTask(context.Background(), 2, nil, queue.EnqueueParams{CommandID: 2, WantEvent: true, NewEventID: 12})
	require.NoError(t, err)
	require.Len(t, q.PendingCommands(), 2)

	finishErr := make(chan error, 1)
	go func() { finishErr <- q.Finish(context.Background()) }()

	reg.Dispatch(11, &proto.Notification{Kind: proto.NotifyStatusChanged, TargetID: 11, Status: 0})
	reg.Dispatch(12, &proto.Notification{Kind: proto.NotifyStatusChanged, TargetID: 12, Status: 0})

	select {
	case err := <-finishErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("finish did not return after both commands completed")
	}
	require.Empty(t, q.PendingCommands())
}

func TestEnqueueWaitForEventsProducesNoEvent(t *testing.T) {
	reg := registry.New()
	tr := &fakeTransport{}
	q := queue.New(1, 1, 1, "node-b", tr, reg)

	err := q.EnqueueWaitForEvents(context.Background(), []uint64{11, 12}, 300)
	require.NoError(t, err)
	require.Len(t, tr.calls, 1)
	require.Equal(t, proto.KindEnqueueWaitForEvents, tr.calls[0].Kind)
	require.Len(t, tr.calls[0].WaitList, 2)
}

func TestFlushAndFinishForwardErrors(t *testing.T) {
	reg := registry.New()
	tr := &fakeTransport{errCode: clerr.InvalidCommandQueue}
	q := queue.New(1, 1, 1, "node-b", tr, reg)

	require.Error(t, q.Flush(context.Background()))
	require.Error(t, q.Finish(context.Background()))
}

type fakeBulk struct {
	mu     sync.Mutex
	frames map[string]chan []byte
}

func newFakeBulk() *fakeBulk {
	return &fakeBulk{frames: make(map[string]chan []byte)}
}

func (f *fakeBulk) channel(key string) chan []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.frames[key]
	if !ok {
		ch = make(chan []byte, 1)
		f.frames[key] = ch
	}
	return ch
}

func (f *fakeBulk) SendBulk(_ context.Context, key string, data []byte) error {
	f.channel(key) <- append([]byte(nil), data...)
	return nil
}

func (f *fakeBulk) ReceiveBulk(ctx context.Context, key string, size uint64) ([]byte, error) {
	select {
	case data := <-f.channel(key):
		out := make([]byte, size)
		copy(out, data)
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// The host finishes a read-buffer transfer itself: once the daemon reports
// SUBMITTED, the command's Submit hook receives the bulk bytes and lands
// them at the caller's pointer.
func TestReadBufferSubmitHookLandsBytesAtHostPtr(t *testing.T) {
	reg := registry.New()
	tr := &fakeTransport{}
	bulk := newFakeBulk()
	q := queue.New(1, 1, 1, "node-b", tr, reg).WithBulk(bulk)

	dst := make([]byte, 4)
	_, _, err := q.EnqueueReadBuffer(context.Background(), 10, 0, 4, queue.EnqueueParams{
		CommandID: 100,
		HostPtr:   unsafe.Pointer(&dst[0]),
	})
	require.NoError(t, err)

	require.NoError(t, bulk.SendBulk(context.Background(), consistency.CommandKey(100), []byte{9, 8, 7, 6}))
	reg.Dispatch(100, &proto.Notification{Kind: proto.NotifyStatusChanged, TargetID: 100, Status: int32(event.StatusSubmitted)})
	reg.Dispatch(100, &proto.Notification{Kind: proto.NotifyStatusChanged, TargetID: 100, Status: int32(event.StatusComplete)})

	require.Equal(t, []byte{9, 8, 7, 6}, dst)
}

// A write-buffer's Submit hook ships the caller's bytes over the bulk
// channel under the command's correlation key.
func TestWriteBufferSubmitHookShipsHostBytes(t *testing.T) {
	reg := registry.New()
	tr := &fakeTransport{}
	bulk := newFakeBulk()
	q := queue.New(1, 1, 1, "node-b", tr, reg).WithBulk(bulk)

	src := []byte{1, 2, 3, 4}
	_, _, err := q.EnqueueWriteBuffer(context.Background(), 10, 0, 4, queue.EnqueueParams{
		CommandID: 101,
		HostPtr:   unsafe.Pointer(&src[0]),
	})
	require.NoError(t, err)

	reg.Dispatch(101, &proto.Notification{Kind: proto.NotifyStatusChanged, TargetID: 101, Status: int32(event.StatusSubmitted)})

	got, err := bulk.ReceiveBulk(context.Background(), consistency.CommandKey(101), 4)
	require.NoError(t, err)
	require.Equal(t, src, got)
}
