// Package memory implements the distributed OpenCL memory object: a
// buffer-shaped byte region with per-node replicas that may diverge
// between synchronisation points, reconciled by internal/consistency's
// acquire/release operations.
package memory

import (
	"context"
	"sync"
	"unsafe"

	"github.com/wwu-pi/dcl/internal/clerr"
)

// Flags mirrors the OpenCL cl_mem_flags bit layout so wire encoding needs
// no translation table.
type Flags uint32

const (
	FlagReadWrite    Flags = 1 << 0
	FlagWriteOnly    Flags = 1 << 1
	FlagReadOnly     Flags = 1 << 2
	FlagUseHostPtr   Flags = 1 << 3
	FlagAllocHostPtr Flags = 1 << 4
	FlagCopyHostPtr  Flags = 1 << 5
)

// IsOutput reports whether a buffer created with these flags is writable
// by device commands: its output bit derives from the rw-flag alone.
func (f Flags) IsOutput() bool {
	return f&FlagWriteOnly != 0 || f&FlagReadWrite != 0
}

func validateFlags(f Flags) error {
	if f&FlagCopyHostPtr != 0 && f&FlagUseHostPtr != 0 {
		return clerr.New(clerr.InvalidValue)
	}
	if f&FlagUseHostPtr != 0 && f&FlagAllocHostPtr != 0 {
		return clerr.New(clerr.InvalidValue)
	}
	return nil
}

// Mapping records a live map() call: it is needed to replay
// the correct write/read behaviour on unmap.
type Mapping struct {
	Flags  MapFlags
	Offset uint64
	Size   uint64
}

// MapFlags mirrors cl_map_flags.
type MapFlags uint32

const (
	MapFlagRead            MapFlags = 1 << 0
	MapFlagWrite           MapFlags = 1 << 1
	MapFlagWriteInvalidate MapFlags = 1 << 2
)

// Broadcaster propagates a buffer's lifecycle (creation with initial bytes,
// deletion) to every node in its owning context.
type Broadcaster interface {
	BroadcastCreate(ctx context.Context, objectID uint64, flags Flags, size uint64, initial []byte) error
	BroadcastDelete(ctx context.Context, objectID uint64) error
}

// Object is the distributed memory object.
type Object struct {
	mu sync.Mutex

	ID        uint64
	ContextID uint64
	Flags     Flags
	Size      uint64

	// Parent and ParentOffset identify a sub-buffer's position within its
	// parent. Zero Parent means a top-level buffer.
	Parent       *Object
	ParentOffset uint64

	hostData []byte // the host's own cached copy; lazily allocated

	refCount    int32
	destructors []func()

	mappings  map[uintptr]Mapping
	nextMapID uintptr

	broadcaster Broadcaster
}

// Create validates flags and size and announces the new buffer to every
// context node through b; if COPY_HOST_PTR or USE_HOST_PTR is set, the
// initial bytes travel with that create broadcast.
func Create(ctx context.Context, id, contextID uint64, flags Flags, size uint64, hostPtr []byte, b Broadcaster) (*Object, error) {
	if size == 0 {
		return nil, clerr.New(clerr.InvalidBufferSize)
	}
	if err := validateFlags(flags); err != nil {
		return nil, err
	}

	obj := &Object{
		ID:          id,
		ContextID:   contextID,
		Flags:       flags,
		Size:        size,
		mappings:    make(map[uintptr]Mapping),
		refCount:    1,
		broadcaster: b,
	}

	if flags&(FlagCopyHostPtr|FlagUseHostPtr) != 0 && hostPtr != nil {
		obj.hostData = append([]byte(nil), hostPtr...)
	} else {
		obj.hostData = make([]byte, size) // page alignment is left to the allocator; ALLOC_HOST_PTR additionally requests page-locking, handled by the native layer on daemons
	}

	if b != nil {
		var initial []byte
		if flags&(FlagCopyHostPtr|FlagUseHostPtr) != 0 {
			initial = obj.hostData
		}
		if err := b.BroadcastCreate(ctx, id, flags, size, initial); err != nil {
			return nil, clerr.Wrap(clerr.OutOfResources, err)
		}
	}

	return obj, nil
}

// CreateSubBuffer carves a sub-buffer out of parent: it aliases the
// parent's cached bytes at offset, so a write through either handle is
// visible through the other. The sub-buffer holds a reference on its
// parent until released.
func CreateSubBuffer(parent *Object, id uint64, flags Flags, offset, size uint64) (*Object, error) {
	if size == 0 {
		return nil, clerr.New(clerr.InvalidBufferSize)
	}
	parent.mu.Lock()
	if parent.Parent != nil || offset+size > parent.Size {
		parent.mu.Unlock()
		return nil, clerr.New(clerr.InvalidValue)
	}
	data := parent.hostData[offset : offset+size]
	parent.mu.Unlock()
	parent.Retain()

	sub := &Object{
		ID:           id,
		ContextID:    parent.ContextID,
		Flags:        flags,
		Size:         size,
		Parent:       parent,
		ParentOffset: offset,
		hostData:     data,
		mappings:     make(map[uintptr]Mapping),
		refCount:     1,
		// Sub-buffers are never announced to the nodes on their own: all
		// replica traffic happens through the parent, so no broadcaster.
	}
	sub.AddDestructor(func() { parent.Release(context.Background()) })
	return sub, nil
}

// Retain increments the reference count.
func (o *Object) Retain() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refCount++
}

// AddDestructor registers a callback fired, in reverse registration order,
// once Release drives the reference count to zero (mirrors
// clSetMemObjectDestructorCallback semantics).
func (o *Object) AddDestructor(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.destructors = append(o.destructors, fn)
}

// Release decrements the reference count. At zero it runs every registered
// destructor (most-recently-registered first), broadcasts delete to every
// context node, then frees the host-side cached copy.
func (o *Object) Release(ctx context.Context) error {
	o.mu.Lock()
	o.refCount--
	if o.refCount > 0 {
		o.mu.Unlock()
		return nil
	}
	destructors := o.destructors
	o.mu.Unlock()

	for i := len(destructors) - 1; i >= 0; i-- {
		destructors[i]()
	}

	var broadcastErr error
	if o.broadcaster != nil {
		broadcastErr = o.broadcaster.BroadcastDelete(ctx, o.ID)
	}

	o.mu.Lock()
	o.hostData = nil
	o.mu.Unlock()

	return broadcastErr
}

// Map records a new mapping and returns a pointer into the cached copy
// together with a mapping id needed by Unmap.
func (o *Object) Map(flags MapFlags, offset, size uint64) (unsafe.Pointer, uintptr, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if offset+size > o.Size {
		return nil, 0, clerr.New(clerr.InvalidValue)
	}
	if o.hostData == nil {
		return nil, 0, clerr.New(clerr.MapFailure)
	}

	o.nextMapID++
	id := o.nextMapID
	o.mappings[id] = Mapping{Flags: flags, Offset: offset, Size: size}

	ptr := unsafe.Pointer(&o.hostData[offset])
	return ptr, id, nil
}

// Unmap removes the recorded mapping and reports whether it was a
// write-flagged mapping, i.e. whether the matching unmap command must
// upload bytes.
func (o *Object) Unmap(mapID uintptr) (wasWrite bool, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	m, ok := o.mappings[mapID]
	if !ok {
		return false, clerr.New(clerr.InvalidValue)
	}
	delete(o.mappings, mapID)
	return m.Flags&(MapFlagWrite|MapFlagWriteInvalidate) != 0, nil
}

// MapCount reports the number of outstanding mappings, used by tests and
// by session teardown diagnostics.
func (o *Object) MapCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.mappings)
}

// ReadAt copies size bytes from the cached copy starting at offset — used
// by the daemon-side read-buffer/send_bulk path and by tests.
func (o *Object) ReadAt(offset, size uint64) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if offset+size > uint64(len(o.hostData)) {
		return nil, clerr.New(clerr.InvalidValue)
	}
	out := make([]byte, size)
	copy(out, o.hostData[offset:offset+size])
	return out, nil
}

// WriteAt overwrites size bytes of the cached copy starting at offset —
// used by the daemon-side write-buffer/receive_bulk path and by tests.
func (o *Object) WriteAt(offset uint64, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if offset+uint64(len(data)) > uint64(len(o.hostData)) {
		return clerr.New(clerr.InvalidValue)
	}
	copy(o.hostData[offset:], data)
	return nil
}

// RefCount returns the current reference count, for tests.
func (o *Object) RefCount() int32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.refCount
}
