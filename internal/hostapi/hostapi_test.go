package hostapi_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wwu-pi/dcl/internal/event"
	"github.com/wwu-pi/dcl/internal/hostapi"
	"github.com/wwu-pi/dcl/internal/memory"
	"github.com/wwu-pi/dcl/internal/proto"
	"github.com/wwu-pi/dcl/internal/registry"
)

type fakeNode struct {
	mu    sync.Mutex
	calls []*proto.Request
	err   error
}

func (f *fakeNode) ExecuteCommand(_ context.Context, req *proto.Request) (*proto.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return &proto.Response{RequestID: req.RequestID, Kind: proto.RespSuccess}, nil
}

func (f *fakeNode) kinds() []proto.RequestKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]proto.RequestKind, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Kind
	}
	return out
}

func newContext(t *testing.T, nodeIDs ...string) (*hostapi.Context, []*fakeNode) {
	t.Helper()
	ids := &hostapi.IDAllocator{}
	reg := registry.New()
	var nodes []*hostapi.ComputeNode
	var fakes []*fakeNode
	for i, id := range nodeIDs {
		f := &fakeNode{}
		fakes = append(fakes, f)
		nodes = append(nodes, &hostapi.ComputeNode{
			ID:        id,
			Transport: f,
			Devices:   []hostapi.Device{{ID: uint64(i + 1), NodeID: id, Name: "gpu0"}},
		})
	}
	c, err := hostapi.NewContext(context.Background(), ids, reg, nodes)
	require.NoError(t, err)
	return c, fakes
}

func TestNewContextBroadcastsCreateToEveryNode(t *testing.T) {
	c, fakes := newContext(t, "node-a", "node-b")
	require.NotZero(t, c.ID)
	require.Len(t, c.Devices, 2)
	for _, f := range fakes {
		require.Equal(t, []proto.RequestKind{proto.KindCreateContext}, f.kinds())
	}
}

func TestReleaseOnlyDispatchesAtZeroRefCount(t *testing.T) {
	c, fakes := newContext(t, "node-a")
	c.Retain()

	require.NoError(t, c.Release(context.Background()))
	require.Equal(t, []proto.RequestKind{proto.KindCreateContext}, fakes[0].kinds())

	require.NoError(t, c.Release(context.Background()))
	require.Equal(t, []proto.RequestKind{proto.KindCreateContext, proto.KindDestroyContext}, fakes[0].kinds())
}

func TestCreateBufferBroadcastsToAllNodes(t *testing.T) {
	c, fakes := newContext(t, "node-a", "node-b")
	obj, err := c.CreateBuffer(context.Background(), memory.FlagReadWrite, 64, nil)
	require.NoError(t, err)
	require.NotZero(t, obj.ID)
	for _, f := range fakes {
		require.Equal(t, []proto.RequestKind{proto.KindCreateContext, proto.KindCreateBuffer}, f.kinds())
	}
}

func TestCreateCommandQueueTargetsOwningNode(t *testing.T) {
	c, fakes := newContext(t, "node-a", "node-b")
	q, err := c.CreateCommandQueue(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, "node-b", q.NodeID)
	require.Equal(t, []proto.RequestKind{proto.KindCreateContext}, fakes[0].kinds())
	require.Equal(t, []proto.RequestKind{proto.KindCreateContext, proto.KindCreateCommandQueue}, fakes[1].kinds())
}

func TestCreateCommandQueueUnknownDevice(t *testing.T) {
	c, _ := newContext(t, "node-a")
	_, err := c.CreateCommandQueue(context.Background(), 999)
	require.Error(t, err)
}

func TestBuildProgramWaitsForNotification(t *testing.T) {
	ids := &hostapi.IDAllocator{}
	reg := registry.New()
	f := &fakeNode{}
	node := &hostapi.ComputeNode{ID: "node-a", Transport: f, Devices: []hostapi.Device{{ID: 1, NodeID: "node-a"}}}
	c, err := hostapi.NewContext(context.Background(), ids, reg, []*hostapi.ComputeNode{node})
	require.NoError(t, err)

	p, err := c.CreateProgramWithSource(context.Background(), "__kernel void k(){}")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.BuildProgram(context.Background(), p, "") }()

	reg.Dispatch(p.ID, &proto.Notification{Kind: proto.NotifyProgramBuildComplete, TargetID: proto.ObjectID(p.ID)})

	require.NoError(t, <-done)
}

func TestKernelWriteSetDedupsAndExcludesReadOnly(t *testing.T) {
	ids := &hostapi.IDAllocator{}
	reg := registry.New()
	f := &fakeNode{}
	node := &hostapi.ComputeNode{ID: "node-a", Transport: f, Devices: []hostapi.Device{{ID: 1, NodeID: "node-a"}}}
	c, err := hostapi.NewContext(context.Background(), ids, reg, []*hostapi.ComputeNode{node})
	require.NoError(t, err)

	p, err := c.CreateProgramWithSource(context.Background(), "src")
	require.NoError(t, err)
	kernel, err := c.CreateKernel(context.Background(), p, "entry")
	require.NoError(t, err)

	wOut, err := c.CreateBuffer(context.Background(), memory.FlagWriteOnly, 16, nil)
	require.NoError(t, err)
	rOnly, err := c.CreateBuffer(context.Background(), memory.FlagReadOnly, 16, nil)
	require.NoError(t, err)

	require.NoError(t, c.SetKernelArgBuffer(context.Background(), kernel, 0, wOut))
	require.NoError(t, c.SetKernelArgBuffer(context.Background(), kernel, 1, rOnly))
	require.NoError(t, c.SetKernelArgBuffer(context.Background(), kernel, 0, wOut)) // rebind same index, no dup

	writeSet := kernel.WriteSet()
	require.Len(t, writeSet, 1)
	require.Equal(t, event.MemoryRef{ObjectID: wOut.ID}, writeSet[0])
}

func TestUserEventStatusPropagatesLocally(t *testing.T) {
	c, _ := newContext(t, "node-a")
	ev, err := c.CreateUserEvent(context.Background())
	require.NoError(t, err)
	require.Equal(t, event.StatusQueued, ev.Status())

	require.NoError(t, c.SetUserEventStatus(context.Background(), ev, event.StatusComplete))
	require.True(t, ev.IsComplete())

	got, ok := c.Lookup(ev.ID())
	require.True(t, ok)
	require.Same(t, ev, got)
}

func TestBroadcastBufferSkipsWithSingleNode(t *testing.T) {
	c, _ := newContext(t, "node-a")
	q, err := c.CreateCommandQueue(context.Background(), 1)
	require.NoError(t, err)
	obj, err := c.CreateBuffer(context.Background(), memory.FlagReadWrite, 16, nil)
	require.NoError(t, err)

	results, err := c.BroadcastBuffer(context.Background(), q, obj, nil)
	require.NoError(t, err)
	require.Nil(t, results)
}
