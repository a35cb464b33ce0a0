package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wwu-pi/dcl/internal/memory"
)

type fakeBroadcaster struct {
	created []byte
	deleted bool
}

func (f *fakeBroadcaster) BroadcastCreate(_ context.Context, _ uint64, _ memory.Flags, _ uint64, initial []byte) error {
	f.created = append([]byte(nil), initial...)
	return nil
}

func (f *fakeBroadcaster) BroadcastDelete(_ context.Context, _ uint64) error {
	f.deleted = true
	return nil
}

func TestCreateRejectsZeroSize(t *testing.T) {
	_, err := memory.Create(context.Background(), 1, 1, memory.FlagReadWrite, 0, nil, nil)
	require.Error(t, err)
}

func TestCreateRejectsConflictingHostPtrFlags(t *testing.T) {
	_, err := memory.Create(context.Background(), 1, 1, memory.FlagCopyHostPtr|memory.FlagUseHostPtr, 8, nil, nil)
	require.Error(t, err)
}

func TestCreateWithCopyHostPtrBroadcastsInitialBytes(t *testing.T) {
	b := &fakeBroadcaster{}
	initial := []byte{1, 2, 3, 4}
	obj, err := memory.Create(context.Background(), 1, 1, memory.FlagReadWrite|memory.FlagCopyHostPtr, 4, initial, b)
	require.NoError(t, err)
	require.Equal(t, initial, b.created)

	got, err := obj.ReadAt(0, 4)
	require.NoError(t, err)
	require.Equal(t, initial, got)
}

func TestMapUnmapTracksMappingAndWriteFlag(t *testing.T) {
	obj, err := memory.Create(context.Background(), 1, 1, memory.FlagReadWrite, 16, nil, nil)
	require.NoError(t, err)

	_, mapID, err := obj.Map(memory.MapFlagWrite, 0, 16)
	require.NoError(t, err)
	require.Equal(t, 1, obj.MapCount())

	wasWrite, err := obj.Unmap(mapID)
	require.NoError(t, err)
	require.True(t, wasWrite)
	require.Equal(t, 0, obj.MapCount())
}

func TestUnmapUnknownMappingFails(t *testing.T) {
	obj, err := memory.Create(context.Background(), 1, 1, memory.FlagReadWrite, 16, nil, nil)
	require.NoError(t, err)
	_, err = obj.Unmap(999)
	require.Error(t, err)
}

func TestReleaseRunsDestructorsAndBroadcastsDelete(t *testing.T) {
	b := &fakeBroadcaster{}
	obj, err := memory.Create(context.Background(), 1, 1, memory.FlagReadWrite, 16, nil, b)
	require.NoError(t, err)

	var order []int
	obj.AddDestructor(func() { order = append(order, 1) })
	obj.AddDestructor(func() { order = append(order, 2) })

	require.NoError(t, obj.Release(context.Background()))
	require.True(t, b.deleted)
	require.Equal(t, []int{2, 1}, order) // reverse registration order
}

func TestRetainReleaseIsNoOpUntilZero(t *testing.T) {
	b := &fakeBroadcaster{}
	obj, err := memory.Create(context.Background(), 1, 1, memory.FlagReadWrite, 16, nil, b)
	require.NoError(t, err)

	obj.Retain()
	require.EqualValues(t, 2, obj.RefCount())

	require.NoError(t, obj.Release(context.Background()))
	require.False(t, b.deleted)

	require.NoError(t, obj.Release(context.Background()))
	require.True(t, b.deleted)
}

func TestWriteAtOutOfBoundsFails(t *testing.T) {
	obj, err := memory.Create(context.Background(), 1, 1, memory.FlagReadWrite, 4, nil, nil)
	require.NoError(t, err)
	require.Error(t, obj.WriteAt(2, []byte{1, 2, 3}))
}

func TestIsOutputDerivesFromFlags(t *testing.T) {
	require.True(t, memory.FlagWriteOnly.IsOutput())
	require.True(t, memory.FlagReadWrite.IsOutput())
	require.False(t, memory.FlagReadOnly.IsOutput())
}

func TestSubBufferAliasesParentBytes(t *testing.T) {
	parent, err := memory.Create(context.Background(), 1, 1, memory.FlagReadWrite, 8, nil, nil)
	require.NoError(t, err)

	sub, err := memory.CreateSubBuffer(parent, 2, memory.FlagReadWrite, 4, 4)
	require.NoError(t, err)
	require.EqualValues(t, 2, parent.RefCount())

	require.NoError(t, parent.WriteAt(4, []byte{1, 2, 3, 4}))
	got, err := sub.ReadAt(0, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, got)

	require.NoError(t, sub.Release(context.Background()))
	require.EqualValues(t, 1, parent.RefCount())
}

func TestSubBufferRejectsOutOfBoundsAndNesting(t *testing.T) {
	parent, err := memory.Create(context.Background(), 1, 1, memory.FlagReadWrite, 8, nil, nil)
	require.NoError(t, err)

	_, err = memory.CreateSubBuffer(parent, 2, memory.FlagReadWrite, 6, 4)
	require.Error(t, err)

	sub, err := memory.CreateSubBuffer(parent, 3, memory.FlagReadWrite, 0, 4)
	require.NoError(t, err)
	_, err = memory.CreateSubBuffer(sub, 4, memory.FlagReadWrite, 0, 2)
	require.Error(t, err)
}
