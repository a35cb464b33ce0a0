package consistency_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wwu-pi/dcl/internal/clerr"
	"github.com/wwu-pi/dcl/internal/consistency"
	"github.com/wwu-pi/dcl/internal/memory"
)

// loopback wires two nodes' Acquire/Release together in-process: a SendBulk
// on one side feeds the matching ReceiveBulk on the other, the way the
// host-mediated relay does.
type loopback struct {
	mu   sync.Mutex
	inbox map[string]chan []byte
}

func newLoopback(peers ...string) *loopback {
	l := &loopback{inbox: make(map[string]chan []byte)}
	for _, p := range peers {
		l.inbox[p] = make(chan []byte, 4)
	}
	return l
}

func (l *loopback) SendBulk(_ context.Context, peer string, data []byte) error {
	l.mu.Lock()
	ch := l.inbox[peer]
	l.mu.Unlock()
	ch <- append([]byte(nil), data...)
	return nil
}

func (l *loopback) ReceiveBulk(_ context.Context, peer string, size uint64) ([]byte, error) {
	l.mu.Lock()
	ch := l.inbox[peer]
	l.mu.Unlock()
	data := <-ch
	out := make([]byte, size)
	copy(out, data)
	return out, nil
}

func TestReleaseThenAcquireTransfersBytes(t *testing.T) {
	lb := newLoopback("node-b")

	src, err := memory.Create(context.Background(), 1, 1, memory.FlagReadWrite|memory.FlagCopyHostPtr, 4, []byte{9, 9, 9, 9}, nil)
	require.NoError(t, err)
	dst, err := memory.Create(context.Background(), 1, 1, memory.FlagReadWrite, 4, nil, nil)
	require.NoError(t, err)

	releaseProto := consistency.New(lb)
	acquireProto := consistency.New(lb)

	releaseEv := releaseProto.Release(context.Background(), src, "node-b")
	acquireEv := acquireProto.Acquire(context.Background(), dst, "node-b")

	require.NoError(t, releaseEv.Wait(context.Background()))
	require.NoError(t, acquireEv.Wait(context.Background()))

	got, err := dst.ReadAt(0, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{9, 9, 9, 9}, got)
}

func TestAcquireIsIdempotentPerKey(t *testing.T) {
	key := consistency.SyncKey(7, 1)
	lb := newLoopback(key)
	lb.inbox[key] <- []byte{1, 2, 3, 4}

	dst, err := memory.Create(context.Background(), 1, 1, memory.FlagReadWrite, 4, nil, nil)
	require.NoError(t, err)

	p := consistency.New(lb)
	ev1 := p.Acquire(context.Background(), dst, key)
	ev2 := p.Acquire(context.Background(), dst, key)

	require.Same(t, ev1, ev2)
	require.NoError(t, ev1.Wait(context.Background()))
}

// A later event releasing the same object carries a fresh key, so the
// protocol fetches again instead of serving the first transfer's bytes.
func TestAcquireRefetchesForNewEvent(t *testing.T) {
	key1 := consistency.SyncKey(7, 1)
	key2 := consistency.SyncKey(8, 1)
	lb := newLoopback(key1, key2)
	lb.inbox[key1] <- []byte{1, 1, 1, 1}
	lb.inbox[key2] <- []byte{2, 2, 2, 2}

	dst, err := memory.Create(context.Background(), 1, 1, memory.FlagReadWrite, 4, nil, nil)
	require.NoError(t, err)

	p := consistency.New(lb)
	ev1 := p.Acquire(context.Background(), dst, key1)
	require.NoError(t, ev1.Wait(context.Background()))
	ev2 := p.Acquire(context.Background(), dst, key2)
	require.NotSame(t, ev1, ev2)
	require.NoError(t, ev2.Wait(context.Background()))

	got, err := dst.ReadAt(0, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{2, 2, 2, 2}, got)
}

func TestForgetDropsCachedAcquires(t *testing.T) {
	key := consistency.SyncKey(7, 1)
	lb := newLoopback(key)
	lb.inbox[key] <- []byte{1, 2, 3, 4}

	dst, err := memory.Create(context.Background(), 1, 1, memory.FlagReadWrite, 4, nil, nil)
	require.NoError(t, err)

	p := consistency.New(lb)
	ev1 := p.Acquire(context.Background(), dst, key)
	require.NoError(t, ev1.Wait(context.Background()))

	p.Forget(dst.ID)
	lb.inbox[key] <- []byte{5, 6, 7, 8}
	ev2 := p.Acquire(context.Background(), dst, key)
	require.NotSame(t, ev1, ev2)
	require.NoError(t, ev2.Wait(context.Background()))
}

func TestKernelWriteSetDedupsWritableArgs(t *testing.T) {
	args := []consistency.KernelArg{
		{ObjectID: 1, Flags: memory.FlagReadOnly},
		{ObjectID: 2, Flags: memory.FlagWriteOnly},
		{ObjectID: 2, Flags: memory.FlagWriteOnly},
		{ObjectID: 3, Flags: memory.FlagReadWrite},
	}
	refs := consistency.KernelWriteSet(args)
	require.ElementsMatch(t, []uint64{2, 3}, []uint64{refs[0].ObjectID, refs[1].ObjectID})
}

// A Protocol built without a bulk transport fails its synthetic events
// with CL_IO_ERROR instead of panicking mid-transfer.
func TestNilBulkTransportFailsWithIOError(t *testing.T) {
	obj, err := memory.Create(context.Background(), 1, 1, memory.FlagReadWrite, 4, nil, nil)
	require.NoError(t, err)

	p := consistency.New(nil)
	rel := p.Release(context.Background(), obj, consistency.SyncKey(1, 1))
	require.EqualValues(t, clerr.IOError, rel.Status())

	acq := p.Acquire(context.Background(), obj, consistency.SyncKey(2, 1))
	require.EqualValues(t, clerr.IOError, acq.Status())
}
