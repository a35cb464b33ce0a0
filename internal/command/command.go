// Package command implements the per-enqueue Command record: a command
// type tag, its queue, a monotonically-decreasing execution status, and
// at most one attached Event. Instead of one subclass per command kind
// there is a single Command type with a sum-typed Kind carrying only the
// payload a given kind needs.
package command

import (
	"sync"
	"unsafe"

	"github.com/wwu-pi/dcl/internal/event"
)

// Kind discriminates what a command actually does once its status reaches
// SUBMITTED or a terminal value. Only host-completed kinds populate Ptr/
// Size/Direction; everything else leaves them zero.
type Kind int

const (
	KindNone Kind = iota
	// KindReadBuffer: the host finishes the transfer. submit() starts
	// receive_bulk; complete() is a no-op (the transfer's own completion
	// already set the event).
	KindReadBuffer
	// KindWriteBuffer: submit() sends the host bytes via send_bulk;
	// complete() is a no-op.
	KindWriteBuffer
	// KindMapBuffer: behaves like ReadBuffer if flags include READ,
	// otherwise like a marker — the queue decides which at enqueue time
	// by installing the read-style Submit hook or none; Kind stays
	// KindMapBuffer either way.
	KindMapBuffer
	// KindUnmapBuffer: behaves like WriteBuffer if the original map was
	// WRITE-flagged, otherwise like a marker.
	KindUnmapBuffer
	// KindCopyData wraps a host<->device transfer pair (device-to-host or
	// host-to-device), completed by a user event the command itself owns.
	KindCopyData
	// KindSetComplete drives a user event to COMPLETE once some other,
	// purely-local condition is satisfied (e.g. the daemon-side mirror of
	// a marker with no native 1.2 support, backed by a count-down latch).
	KindSetComplete
)

// Direction distinguishes the two legs of a KindCopyData command.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionHostToDevice
	DirectionDeviceToHost
)

// Command is a single enqueued OpenCL operation.
type Command struct {
	mu sync.Mutex

	ID      uint64
	QueueID uint64
	Kind    Kind

	status event.Status

	// HostPtr/Size are populated for ReadBuffer/WriteBuffer/MapBuffer/
	// UnmapBuffer/CopyData commands — the ones the host finalises.
	HostPtr   unsafe.Pointer
	Size      uint64
	Direction Direction
	UserEventID uint64 // valid for KindCopyData / KindSetComplete

	ev *event.Event

	// Submit runs once, when status first reaches SUBMITTED, if this
	// command's Kind requires host-side data movement.
	Submit func(cmd *Command)
	// Complete runs once, when status first reaches a terminal value,
	// e.g. to register the dependent unmap for a map-for-write command.
	Complete func(cmd *Command, status event.Status)

	submitted bool
	completed bool
}

// New builds a Command in QUEUED state for queueID.
func New(id, queueID uint64, kind Kind) *Command {
	return &Command{ID: id, QueueID: queueID, Kind: kind, status: event.StatusQueued}
}

// AttachEvent binds ev as this command's single event; a command has at
// most one attached event.
func (c *Command) AttachEvent(ev *event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ev = ev
}

// Event returns the command's attached event, or nil.
func (c *Command) Event() *event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ev
}

// Status returns the command's current execution status.
func (c *Command) Status() event.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsComplete reports whether the command has reached a terminal status;
// after queue.Finish() returns it holds for every command previously
// enqueued on that queue.
func (c *Command) IsComplete() bool {
	return c.Status().IsTerminal()
}

// OnExecutionStatusChanged is the message-driven entry point. Under the
// command's own status lock it records the new status and decides whether
// the Submit hook (first time SUBMITTED) and the Complete hook (first
// terminal status) are due, so each hook runs at most once. The hooks and
// the update of the attached event run after that lock is released; the
// event update is not made under the command's lock and relies on the
// event's own monotonic SetStatus to drop a stale status.
func (c *Command) OnExecutionStatusChanged(status event.Status) {
	c.mu.Lock()
	if status >= c.status {
		c.mu.Unlock()
		return
	}
	c.status = status

	var runSubmit, runComplete bool
	if status == event.StatusSubmitted && !c.submitted && c.Submit != nil {
		c.submitted = true
		runSubmit = true
	}
	if status.IsTerminal() && !c.completed && c.Complete != nil {
		c.completed = true
		runComplete = true
	}
	ev := c.ev
	c.mu.Unlock()

	if runSubmit {
		c.Submit(c)
	}
	if runComplete {
		c.Complete(c, status)
	}
	if ev != nil {
		ev.SetStatus(status)
	}
}
