// Package native adapts the process-local OpenCL driver — the "native
// OpenCL platform" every daemon wraps, used via its C API — to the shapes
// the daemon-side engine
// needs. It is a thin wrapper around github.com/opencl-go/cl12, the same
// way the rest of the engine wraps the transport: the engine only ever
// calls through this package's narrow interface, never cl12 directly, so a
// future cl30-based daemon can swap the binding without touching the
// engine core.
package native

import (
	"context"
	"unsafe"

	cl "github.com/opencl-go/cl12"
	"github.com/pkg/errors"

	"github.com/wwu-pi/dcl/internal/event"
)

// Device identifies one native OpenCL device on this daemon.
type Device struct {
	ID cl.DeviceID
}

// Name reads the device's human-readable name.
func (d Device) Name() (string, error) {
	return cl.DeviceInfoString(d.ID, cl.DeviceNameInfo)
}

// Platform identifies the native OpenCL platform this daemon serves,
// selected at startup via the --platform flag.
type Platform struct {
	ID cl.PlatformID
}

// Platforms lists every native platform visible to this process.
func Platforms() ([]Platform, error) {
	ids, err := cl.PlatformIDs()
	if err != nil {
		return nil, errors.Wrap(err, "native: list platforms")
	}
	out := make([]Platform, len(ids))
	for i, id := range ids {
		out[i] = Platform{ID: id}
	}
	return out, nil
}

// Name reads the platform's human-readable name, used to match --platform.
func (p Platform) Name() (string, error) {
	return cl.PlatformInfoString(p.ID, cl.PlatformNameInfo)
}

// Devices lists every device the platform exposes.
func (p Platform) Devices() ([]Device, error) {
	ids, err := cl.DeviceIDs(p.ID, cl.DeviceTypeAll)
	if err != nil {
		return nil, errors.Wrap(err, "native: list devices")
	}
	out := make([]Device, len(ids))
	for i, id := range ids {
		out[i] = Device{ID: id}
	}
	return out, nil
}

// Context wraps a native cl_context spanning one or more devices of a
// single platform.
type Context struct {
	CL cl.Context
}

// CreateContext creates a native context over devices.
func CreateContext(devices []Device) (*Context, error) {
	ids := make([]cl.DeviceID, len(devices))
	for i, d := range devices {
		ids[i] = d.ID
	}
	ctx, err := cl.CreateContext(ids, nil)
	if err != nil {
		return nil, errors.Wrap(err, "native: create context")
	}
	return &Context{CL: ctx}, nil
}

// Release releases the native context's reference.
func (c *Context) Release() error { return cl.ReleaseContext(c.CL) }

// Program wraps a native cl_program.
type Program struct {
	CL cl.Program
}

// CreateProgramWithSource compiles source against ctx.
func CreateProgramWithSource(ctx *Context, source string) (*Program, error) {
	p, err := cl.CreateProgramWithSource(ctx.CL, []string{source})
	if err != nil {
		return nil, errors.Wrap(err, "native: create program")
	}
	return &Program{CL: p}, nil
}

// Build builds the program for devices with the given build options.
func (p *Program) Build(devices []Device, options string) error {
	ids := make([]cl.DeviceID, len(devices))
	for i, d := range devices {
		ids[i] = d.ID
	}
	return cl.BuildProgram(p.CL, ids, options, nil)
}

// Release releases the native program's reference.
func (p *Program) Release() error { return cl.ReleaseProgram(p.CL) }

// Kernel wraps a native cl_kernel.
type Kernel struct {
	CL cl.Kernel
}

// CreateKernel looks up entryPoint in program.
func CreateKernel(program *Program, entryPoint string) (*Kernel, error) {
	k, err := cl.CreateKernel(program.CL, entryPoint)
	if err != nil {
		return nil, errors.Wrap(err, "native: create kernel")
	}
	return &Kernel{CL: k}, nil
}

// SetArg binds a memory-object argument at index. cl_mem arguments are
// passed by pointer to the handle, per clSetKernelArg's contract.
func (k *Kernel) SetArg(index uint32, buf *Buffer) error {
	mem := buf.Mem
	return cl.SetKernelArg(k.CL, index, unsafe.Sizeof(mem), unsafe.Pointer(&mem))
}

// Release releases the native kernel's reference.
func (k *Kernel) Release() error { return cl.ReleaseKernel(k.CL) }

// Queue wraps a native in-order (by default) command queue. The engine
// never creates an out-of-order native queue: enqueue order on a single
// queue must be preserved end-to-end.
type Queue struct {
	CQ cl.CommandQueue
}

// CreateQueue creates a native command queue on device, profiling enabled
// so GetProfilingInfo always has data to report.
func CreateQueue(context *Context, device Device) (*Queue, error) {
	cq, err := cl.CreateCommandQueue(context.CL, device.ID, cl.QueueProfilingEnable)
	if err != nil {
		return nil, errors.Wrap(err, "native: create command queue")
	}
	return &Queue{CQ: cq}, nil
}

// Flush forwards to the native clFlush.
func (q *Queue) Flush() error { return cl.Flush(q.CQ) }

// Finish forwards to the native clFinish, blocking until every command
// previously enqueued on this native queue has completed.
func (q *Queue) Finish() error { return cl.Finish(q.CQ) }

// Release releases the native queue's reference.
func (q *Queue) Release() error { return cl.ReleaseCommandQueue(q.CQ) }

// Buffer wraps a native memory object.
type Buffer struct {
	Mem  cl.MemObject
	Size uint64
}

// CreateBuffer allocates a native buffer with the given flags and,
// optionally, COPY_HOST_PTR/USE_HOST_PTR-style initial contents.
func CreateBuffer(context *Context, flags cl.MemFlags, size uint64, initial []byte) (*Buffer, error) {
	var hostPtr cl.HostPointer
	if len(initial) > 0 {
		hostPtr = cl.HostVectorOf(initial)
	}
	mem, err := cl.CreateBuffer(context.CL, flags, int(size), hostPtr)
	if err != nil {
		return nil, errors.Wrap(err, "native: create buffer")
	}
	return &Buffer{Mem: mem, Size: size}, nil
}

// Release releases the native memory object's reference.
func (b *Buffer) Release() error { return cl.ReleaseMemObject(b.Mem) }

// ReadToHost performs a blocking read of size bytes at offset from the
// native buffer into a fresh slice, used by the daemon to refresh its
// cached replica after device-side work.
func ReadToHost(q *Queue, buf *Buffer, offset, size uint64) ([]byte, error) {
	data := make([]byte, size)
	err := cl.EnqueueReadBuffer(q.CQ, buf.Mem, true, uintptr(offset), cl.HostVectorOf(data), nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, "native: read buffer")
	}
	return data, nil
}

// WriteFromHost performs a blocking write of data into the native buffer
// at offset, the daemon's push of freshly received replica bytes onto the
// device.
func WriteFromHost(q *Queue, buf *Buffer, offset uint64, data []byte) error {
	err := cl.EnqueueWriteBuffer(q.CQ, buf.Mem, true, uintptr(offset), cl.HostVectorOf(data), nil, nil)
	if err != nil {
		return errors.Wrap(err, "native: write buffer")
	}
	return nil
}

// EnqueueCopyBuffer issues a native device-to-device copy.
func EnqueueCopyBuffer(q *Queue, src, dst *Buffer, srcOffset, dstOffset, size uint64, waitList []cl.Event) (cl.Event, error) {
	var ev cl.Event
	err := cl.EnqueueCopyBuffer(q.CQ, src.Mem, dst.Mem, uintptr(srcOffset), uintptr(dstOffset), uintptr(size), waitList, &ev)
	if err != nil {
		return 0, errors.Wrap(err, "native: enqueue copy buffer")
	}
	return ev, nil
}

// EnqueueNDRangeKernel issues a native kernel launch over globalWorkSize,
// optionally constrained by localWorkSize (zero entries leave the local
// size to the driver).
func EnqueueNDRangeKernel(q *Queue, kernel *Kernel, globalWorkSize, localWorkSize []uint64, waitList []cl.Event) (cl.Event, error) {
	dims := make([]cl.WorkDimension, len(globalWorkSize))
	for i, g := range globalWorkSize {
		dims[i].GlobalSize = uintptr(g)
		if i < len(localWorkSize) {
			dims[i].LocalSize = uintptr(localWorkSize[i])
		}
	}
	var ev cl.Event
	err := cl.EnqueueNDRangeKernel(q.CQ, kernel.CL, dims, waitList, &ev)
	if err != nil {
		return 0, errors.Wrap(err, "native: enqueue nd-range kernel")
	}
	return ev, nil
}

// EnqueueTask launches kernel as a single work-item task: clEnqueueTask is
// defined by the standard as an ND-range with global and local size one.
func EnqueueTask(q *Queue, kernel *Kernel, waitList []cl.Event) (cl.Event, error) {
	return EnqueueNDRangeKernel(q, kernel, []uint64{1}, []uint64{1}, waitList)
}

// EnqueueMarker issues a native marker (CL 1.2 clEnqueueMarkerWithWaitList).
func EnqueueMarker(q *Queue, waitList []cl.Event) (cl.Event, error) {
	var ev cl.Event
	err := cl.EnqueueMarkerWithWaitList(q.CQ, waitList, &ev)
	if err != nil {
		return 0, errors.Wrap(err, "native: enqueue marker")
	}
	return ev, nil
}

// EnqueueBarrier issues a native barrier (CL 1.2
// clEnqueueBarrierWithWaitList), forcing in-order execution of everything
// enqueued on q after it relative to waitList.
func EnqueueBarrier(q *Queue, waitList []cl.Event) (cl.Event, error) {
	var ev cl.Event
	err := cl.EnqueueBarrierWithWaitList(q.CQ, waitList, &ev)
	if err != nil {
		return 0, errors.Wrap(err, "native: enqueue barrier")
	}
	return ev, nil
}

// CompletionFunc is invoked exactly once, on a driver-owned thread, when a
// native event's status reaches or passes the CL_COMPLETE threshold.
// Status is negative on
// failure. Carrying user data through the native void* is modelled here as
// a Go closure capturing whatever the caller needs — ownership of any
// handle captured that way is the closure's, and it must drop it exactly
// once, including on the error path.
type CompletionFunc func(status int32)

// SetEventCallback registers fn to run once the native event ev reaches
// CL_COMPLETE or an error status. The "callbacks first, broadcast second"
// rule is enforced by the caller in internal/event, not
// here: this function only forwards to the native registration API.
func SetEventCallback(ev cl.Event, fn CompletionFunc) error {
	return cl.SetEventCallback(ev, cl.EventCommandCompleteStatus, func(execErr error) {
		if execErr == nil {
			fn(0)
			return
		}
		if st, ok := execErr.(cl.StatusError); ok {
			fn(int32(st))
			return
		}
		fn(-1)
	})
}

// WaitForEvents blocks the calling goroutine until every native event in
// evs reaches a terminal status. Used by Queue/Event Wait() implementations
// that need to block on driver-owned completion rather than poll.
func WaitForEvents(ctx context.Context, evs []cl.Event) error {
	done := make(chan error, 1)
	go func() { done <- cl.WaitForEvents(evs) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProfilingInfo mirrors the four native timestamps.
type ProfilingInfo struct {
	Queued, Submit, Start, End int64
}

func profilingValue(ev cl.Event, name cl.EventProfilingInfoName) (int64, error) {
	var v uint64
	if _, err := cl.EventProfilingInfo(ev, name, unsafe.Sizeof(v), unsafe.Pointer(&v)); err != nil {
		return 0, errors.Wrap(err, "native: event profiling info")
	}
	return int64(v), nil
}

// GetProfilingInfo reads the native event's profiling counters. It returns
// an error if profiling was not enabled on the owning queue.
func GetProfilingInfo(ev cl.Event) (ProfilingInfo, error) {
	queued, err := profilingValue(ev, cl.ProfilingCommandQueuedInfo)
	if err != nil {
		return ProfilingInfo{}, err
	}
	submit, err := profilingValue(ev, cl.ProfilingCommandSubmitInfo)
	if err != nil {
		return ProfilingInfo{}, err
	}
	start, err := profilingValue(ev, cl.ProfilingCommandStartInfo)
	if err != nil {
		return ProfilingInfo{}, err
	}
	end, err := profilingValue(ev, cl.ProfilingCommandEndInfo)
	if err != nil {
		return ProfilingInfo{}, err
	}
	return ProfilingInfo{Queued: queued, Submit: submit, Start: start, End: end}, nil
}

// CreateUserEvent creates a native user event whose status the caller sets
// explicitly via SetUserEventStatus.
func CreateUserEvent(context *Context) (cl.Event, error) {
	return cl.CreateUserEvent(context.CL)
}

// SetUserEventStatus sets a user event's terminal status, exactly once.
func SetUserEventStatus(ev cl.Event, status int32) error {
	return cl.SetUserEventStatus(ev, int(status))
}

// ReleaseEvent releases the native event's reference.
func ReleaseEvent(ev cl.Event) error { return cl.ReleaseEvent(ev) }

// EventBacking adapts a native event to event.Backing, so an owner-side
// Event's Wait/Profiling are answered by the real native driver instead of
// the pure message-driven state machine replicas use. ReceivedNs is the
// daemon wall clock at command receipt; the device-counter/daemon-clock
// skew it implies (received − queued) shifts every reported timestamp into
// the daemon clock domain.
type EventBacking struct {
	ev         cl.Event
	ReceivedNs int64
}

// NewEventBacking wraps ev for use as an event.Backing.
func NewEventBacking(ev cl.Event, receivedNs int64) *EventBacking {
	return &EventBacking{ev: ev, ReceivedNs: receivedNs}
}

// Wait implements event.Backing.
func (b *EventBacking) Wait(ctx context.Context) error {
	return WaitForEvents(ctx, []cl.Event{b.ev})
}

// Profiling implements event.Backing. With a receipt timestamp recorded,
// the skew received−queued is added to each device counter so that all
// reported times share the daemon clock domain; without one, the raw
// counters pass through.
func (b *EventBacking) Profiling() (event.Profiling, error) {
	info, err := GetProfilingInfo(b.ev)
	if err != nil {
		return event.Profiling{}, err
	}
	var skew int64
	if b.ReceivedNs != 0 {
		skew = b.ReceivedNs - info.Queued
	}
	return event.Profiling{
		Queued:   info.Queued + skew,
		Submit:   info.Submit + skew,
		Start:    info.Start + skew,
		End:      info.End + skew,
		Received: b.ReceivedNs,
	}, nil
}
