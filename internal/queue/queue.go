// Package queue implements the command queue: the ordered,
// per-device submission point that owns the enqueue protocol and
// event-wait-list resolution shared by every OpenCL command kind.
package queue

import (
	"context"
	"sync"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wwu-pi/dcl/internal/clerr"
	"github.com/wwu-pi/dcl/internal/command"
	"github.com/wwu-pi/dcl/internal/consistency"
	"github.com/wwu-pi/dcl/internal/event"
	"github.com/wwu-pi/dcl/internal/memory"
	"github.com/wwu-pi/dcl/internal/proto"
	"github.com/wwu-pi/dcl/internal/registry"
)

// Transport is the one collaborator this package depends on beyond its
// sibling packages: the request/response primitive of the underlying
// connection to a compute node.
type Transport interface {
	ExecuteCommand(ctx context.Context, req *proto.Request) (*proto.Response, error)
}

// EventLookup resolves a host-level event id to the local Event object
// (owner or replica) that represents it on this node.
type EventLookup func(id uint64) (*event.Event, bool)

// AcquireFunc runs the acquire leg of the memory consistency protocol for
// a replica event, returning the native wait ids produced by the acquire
// commands it enqueues. Implemented by internal/consistency
// plus whatever glues memory-object lookups to it; injected here so this
// package has no import-level dependency on the daemon's native bindings.
type AcquireFunc func(ev *event.Event) ([]uint64, error)

// PeerNotifier keeps the host context's event bookkeeping and cross-node
// replicas in sync as this queue creates owner-side events and references
// other nodes' events in a wait list: the mechanism a
// cross-node wait-list reference depends on. Implemented by internal/hostapi
// and injected via WithPeerNotifier so this package never imports it.
type PeerNotifier interface {
	// EventCreated records ev, freshly created by this queue's enqueue
	// call on behalf of nodeID, under the host context's event bookkeeping.
	EventCreated(ev *event.Event, nodeID string)
	// EnsureReplica makes sure nodeID has a local replica for eventID
	// before a request referencing it in a wait list is sent there
	// — a no-op if nodeID already owns eventID; a repeat registration
	// for a node that was already told is ignored by that daemon.
	EnsureReplica(ctx context.Context, eventID uint64, nodeID string) error
	// RelayStatus forwards a status change for eventID to every context
	// node other than excludeNode, for a notification whose Scope carries
	// ScopePeers.
	RelayStatus(ctx context.Context, eventID uint64, status event.Status, excludeNode string) error
}

// SyncMediator relays the release/acquire byte transfer through the
// host on a replica consumer's "please release" request. Implemented by
// internal/hostapi and injected via WithSyncMediator.
type SyncMediator interface {
	Mediate(ctx context.Context, eventID uint64, ownerNode, requesterNode string) error
}

// BulkTransport is the subset of internal/consistency.BulkTransport this
// package needs to finish host-side data movement for read/write-buffer
// commands.
type BulkTransport interface {
	SendBulk(ctx context.Context, peer string, data []byte) error
	ReceiveBulk(ctx context.Context, peer string, size uint64) ([]byte, error)
}

// Synchronize resolves an event wait list and is shared by the host
// queue (building the set of ids to send) and the daemon-side executor
// (building the real native wait list): for every id in waitList, replica
// events are synchronised via acquire and their native ids spliced in;
// owner events contribute their own id directly. synchronised reports
// whether any acquire was issued, so the caller can flush to guarantee its
// forward progress.
func Synchronize(waitList []uint64, lookup EventLookup, acquire AcquireFunc) (nativeWaitIDs []uint64, synchronised bool, err error) {
	for _, id := range waitList {
		ev, ok := lookup(id)
		if !ok {
			return nil, false, clerr.New(clerr.InvalidEventWaitList)
		}
		if ev.IsReplica() {
			ids, err := ev.SynchroniseRemote(func(refs []event.MemoryRef) ([]uint64, error) {
				return acquire(ev)
			})
			if err != nil {
				return nil, false, err
			}
			nativeWaitIDs = append(nativeWaitIDs, ids...)
			synchronised = true
		} else {
			nativeWaitIDs = append(nativeWaitIDs, id)
		}
	}
	return nativeWaitIDs, synchronised, nil
}

// AnyFailed reports whether any event in waitList already carries a
// negative status, the condition under which a dependent command must
// complete with EXEC_STATUS_ERROR_FOR_EVENTS_IN_WAIT_LIST instead of
// executing its payload.
func AnyFailed(waitList []uint64, lookup EventLookup) bool {
	for _, id := range waitList {
		if ev, ok := lookup(id); ok && ev.Status() < event.StatusComplete {
			return true
		}
	}
	return false
}

// hostListener adapts an incoming notification to the attached command and
// event: it is what gets Bind-ed into the object registry for every
// command/event pair the host creates. Beyond driving the
// local command/event, it is also where the host relays a status change
// on to peer daemons and mediates a consistency synchronisation
// request, since both arrive as notifications targeted at
// this event's id.
type hostListener struct {
	cmd       *command.Command
	ev        *event.Event
	ownerNode string
	peers     PeerNotifier
	mediator  SyncMediator
}

func (l *hostListener) Notify(payload any) {
	n, ok := payload.(*proto.Notification)
	if !ok {
		return
	}
	switch n.Kind {
	case proto.NotifyStatusChanged:
		if l.cmd != nil {
			l.cmd.OnExecutionStatusChanged(event.Status(n.Status))
		} else if l.ev != nil {
			l.ev.StatusChanged(n)
		}
		if l.peers != nil && n.Scope&proto.ScopePeers != 0 {
			go l.peers.RelayStatus(context.Background(), uint64(n.TargetID), event.Status(n.Status), l.ownerNode)
		}
	case proto.NotifySynchronise:
		if l.mediator != nil {
			go l.mediator.Mediate(context.Background(), uint64(n.TargetID), l.ownerNode, n.PeerNode)
		}
	}
}

// Queue is a command queue bound to exactly one context and device.
type Queue struct {
	ID        uint64
	ContextID uint64
	DeviceID  uint64
	NodeID    string // the compute node owning DeviceID

	transport Transport
	reg       *registry.Registry
	peers     PeerNotifier
	mediator  SyncMediator
	bulk      BulkTransport

	mu       sync.Mutex
	commands []*command.Command
}

// New returns a Queue that sends requests to the daemon owning deviceID.
func New(id, contextID uint64, deviceID uint64, nodeID string, transport Transport, reg *registry.Registry) *Queue {
	return &Queue{ID: id, ContextID: contextID, DeviceID: deviceID, NodeID: nodeID, transport: transport, reg: reg}
}

// WithPeerNotifier attaches the collaborator that keeps cross-node event
// replicas and status relay working; returns q for chaining.
func (q *Queue) WithPeerNotifier(peers PeerNotifier) *Queue {
	q.peers = peers
	return q
}

// WithSyncMediator attaches the collaborator that mediates memory
// synchronisation requests through the host.
func (q *Queue) WithSyncMediator(mediator SyncMediator) *Queue {
	q.mediator = mediator
	return q
}

// WithBulk attaches the bulk-channel transport the read/write/map/unmap
// enqueue methods use to finish the host's side of the transfer from their
// Command's Submit hook.
func (q *Queue) WithBulk(bulk BulkTransport) *Queue {
	q.bulk = bulk
	return q
}

// EnqueueParams carries the fields common to every enqueue method: wait
// list, whether an event is requested, and whether the call blocks until
// completion.
type EnqueueParams struct {
	WaitList       []uint64
	WantEvent      bool
	NewEventID     uint64 // host-allocated id for the returned event, 0 if WantEvent is false
	Blocking       bool
	CommandID      uint64            // host-allocated id for the new command
	ReleasesMemory []event.MemoryRef // memory objects this command's event releases
	HostPtr        unsafe.Pointer    // host memory a read/write-buffer command moves bytes through, if any
}

// enqueue performs the outline shared by every command kind: send the
// request, create the local Command (and, if requested, a replica Event —
// the owner is always the daemon that actually executes the command), and
// optionally block. setup, when non-nil, configures the freshly created
// Command (host pointer, Submit hook) before it is bound into the registry
// — binding is what makes notifications deliverable, so any hook must be
// in place first.
func (q *Queue) enqueue(ctx context.Context, kind proto.RequestKind, cmdKind command.Kind, p EnqueueParams, payload []byte, setup func(*command.Command)) (*command.Command, *event.Event, error) {
	if q.peers != nil {
		for _, id := range p.WaitList {
			if err := q.peers.EnsureReplica(ctx, id, q.NodeID); err != nil {
				return nil, nil, err
			}
		}
	}

	req := &proto.Request{
		RequestID:  uuid.New(),
		Kind:       kind,
		ContextID:  proto.ObjectID(q.ContextID),
		QueueID:    proto.ObjectID(q.ID),
		CommandID:  proto.ObjectID(p.CommandID),
		IsBlocking: p.Blocking,
		Payload:    payload,
	}
	if p.WantEvent {
		req.EventID = proto.ObjectID(p.NewEventID)
	}
	for _, id := range p.WaitList {
		req.WaitList = append(req.WaitList, proto.ObjectID(id))
	}

	resp, err := q.transport.ExecuteCommand(ctx, req)
	if err != nil {
		return nil, nil, clerr.Wrap(clerr.IOError, err)
	}
	if resp.Kind == proto.RespError {
		return nil, nil, clerr.New(resp.Error)
	}

	cmd := command.New(p.CommandID, q.ID, cmdKind)
	if setup != nil {
		setup(cmd)
	}
	q.gcCompleted()
	q.mu.Lock()
	q.commands = append(q.commands, cmd)
	q.mu.Unlock()

	var ev *event.Event
	if p.WantEvent {
		ev = event.NewReplica(p.NewEventID, p.CommandID, q.NodeID, p.ReleasesMemory)
		cmd.AttachEvent(ev)
	}

	listener := &hostListener{cmd: cmd, ev: ev, ownerNode: q.NodeID, peers: q.peers, mediator: q.mediator}
	q.reg.Bind(p.CommandID, listener)
	if ev != nil {
		q.reg.Bind(p.NewEventID, listener)
		if q.peers != nil {
			q.peers.EventCreated(ev, q.NodeID)
		}
	}

	if p.Blocking {
		if err := q.waitCommand(ctx, cmd, ev); err != nil {
			return cmd, ev, err
		}
	}

	return cmd, ev, nil
}

// waitCommand blocks until cmd reaches a terminal status, performing the
// implicit flush blocking queue calls require first. If the
// caller did not request an event, a throwaway replica event is attached
// to the command purely to get a Wait()-able channel — the command's own
// status tracking (driven by the same notification stream) already
// advances independently of this event.
func (q *Queue) waitCommand(ctx context.Context, cmd *command.Command, ev *event.Event) error {
	if err := q.Flush(ctx); err != nil {
		return err
	}
	if ev != nil {
		return ev.Wait(ctx)
	}
	shadow := event.NewReplica(0, cmd.ID, q.NodeID, nil)
	cmd.AttachEvent(shadow)
	if cmd.IsComplete() {
		shadow.SetStatus(cmd.Status())
		return event.ErrFromStatus(cmd.Status())
	}
	return shadow.Wait(ctx)
}

// receiveIntoHostPtr builds the Submit hook for a command whose host-side
// share is "take the bytes the daemon sends and land them at the caller's
// pointer".
func (q *Queue) receiveIntoHostPtr(ctx context.Context, size uint64) func(*command.Command) {
	return func(c *command.Command) {
		data, recvErr := q.bulk.ReceiveBulk(ctx, consistency.CommandKey(c.ID), size)
		if recvErr != nil {
			return
		}
		copyToHostPtr(c.HostPtr, data)
	}
}

// sendFromHostPtr builds the Submit hook for a command whose host-side
// share is "ship the caller's bytes to the daemon".
func (q *Queue) sendFromHostPtr(ctx context.Context) func(*command.Command) {
	return func(c *command.Command) {
		_ = q.bulk.SendBulk(ctx, consistency.CommandKey(c.ID), hostPtrBytes(c.HostPtr, c.Size))
	}
}

// EnqueueReadBuffer reads size bytes at offset from a remote buffer into
// p.HostPtr on the host: the host finalises
// the transfer, so the returned command is considered finished by the
// host, not by the daemon's own terminal broadcast.
func (q *Queue) EnqueueReadBuffer(ctx context.Context, bufferID uint64, offset, size uint64, p EnqueueParams) (*command.Command, *event.Event, error) {
	var setup func(*command.Command)
	if q.bulk != nil && p.HostPtr != nil {
		setup = func(cmd *command.Command) {
			cmd.HostPtr = p.HostPtr
			cmd.Size = size
			cmd.Submit = q.receiveIntoHostPtr(ctx, size)
		}
	}
	return q.enqueue(ctx, proto.KindEnqueueReadBuffer, command.KindReadBuffer, p, encodeBufferOp(bufferID, offset, size), setup)
}

// EnqueueWriteBuffer writes size bytes from p.HostPtr into a remote buffer
// at offset.
func (q *Queue) EnqueueWriteBuffer(ctx context.Context, bufferID uint64, offset, size uint64, p EnqueueParams) (*command.Command, *event.Event, error) {
	var setup func(*command.Command)
	if q.bulk != nil && p.HostPtr != nil {
		setup = func(cmd *command.Command) {
			cmd.HostPtr = p.HostPtr
			cmd.Size = size
			cmd.Submit = q.sendFromHostPtr(ctx)
		}
	}
	return q.enqueue(ctx, proto.KindEnqueueWriteBuffer, command.KindWriteBuffer, p, encodeBufferOp(bufferID, offset, size), setup)
}

// copyToHostPtr copies data into the bytes of host memory dst points at.
func copyToHostPtr(dst unsafe.Pointer, data []byte) {
	if len(data) == 0 {
		return
	}
	out := unsafe.Slice((*byte)(dst), len(data))
	copy(out, data)
}

// hostPtrBytes copies size bytes of host memory at src into a new slice.
func hostPtrBytes(src unsafe.Pointer, size uint64) []byte {
	view := unsafe.Slice((*byte)(src), size)
	return append([]byte(nil), view...)
}

// EnqueueCopyBuffer copies size bytes device-to-device between two buffers
// in the same context, entirely on the daemon; its event broadcasts to
// both the host and peer daemons on completion.
func (q *Queue) EnqueueCopyBuffer(ctx context.Context, srcID, dstID uint64, srcOffset, dstOffset, size uint64, p EnqueueParams) (*command.Command, *event.Event, error) {
	return q.enqueue(ctx, proto.KindEnqueueCopyBuffer, command.KindNone, p, encodeCopyOp(srcID, dstID, srcOffset, dstOffset, size), nil)
}

// EnqueueMapBuffer behaves like read-buffer if flags include READ — the
// daemon ships the current bytes and the host lands them at p.HostPtr, the
// pointer backing the mapping — or like a marker if WRITE/WRITE_INVALIDATE
// only.
func (q *Queue) EnqueueMapBuffer(ctx context.Context, bufferID uint64, mapFlags memory.MapFlags, offset, size uint64, p EnqueueParams) (*command.Command, *event.Event, error) {
	var setup func(*command.Command)
	if mapFlags&memory.MapFlagRead != 0 && q.bulk != nil && p.HostPtr != nil {
		setup = func(cmd *command.Command) {
			cmd.HostPtr = p.HostPtr
			cmd.Size = size
			cmd.Submit = q.receiveIntoHostPtr(ctx, size)
		}
	}
	return q.enqueue(ctx, proto.KindEnqueueMapBuffer, command.KindMapBuffer, p, encodeMapOp(bufferID, uint32(mapFlags), offset, size), setup)
}

// EnqueueUnmapBuffer replays the recorded mapping:
// a WRITE-flagged map uploads the mapped bytes from p.HostPtr like a
// write-buffer; anything else behaves like a marker.
func (q *Queue) EnqueueUnmapBuffer(ctx context.Context, bufferID uint64, mapping memory.Mapping, p EnqueueParams) (*command.Command, *event.Event, error) {
	var setup func(*command.Command)
	if mapping.Flags&(memory.MapFlagWrite|memory.MapFlagWriteInvalidate) != 0 && q.bulk != nil && p.HostPtr != nil {
		setup = func(cmd *command.Command) {
			cmd.HostPtr = p.HostPtr
			cmd.Size = mapping.Size
			cmd.Submit = q.sendFromHostPtr(ctx)
		}
	}
	return q.enqueue(ctx, proto.KindEnqueueUnmapBuffer, command.KindUnmapBuffer, p, encodeUnmapOp(bufferID, uint32(mapping.Flags), mapping.Offset, mapping.Size), setup)
}

// EnqueueNDRangeKernel launches kernelID over the given work size. Its
// event's memory objects are every writable argument bound at enqueue time
// — the caller supplies that set since only
// the context's kernel bookkeeping (internal/hostapi) knows bound args.
func (q *Queue) EnqueueNDRangeKernel(ctx context.Context, kernelID uint64, globalWorkSize, localWorkSize []uint64, writeSet []event.MemoryRef, p EnqueueParams) (*command.Command, *event.Event, error) {
	p.ReleasesMemory = writeSet
	return q.enqueue(ctx, proto.KindEnqueueNDRangeKernel, command.KindNone, p, encodeNDRangeOp(kernelID, globalWorkSize, localWorkSize), nil)
}

// EnqueueTask launches kernelID as a single work-item task.
func (q *Queue) EnqueueTask(ctx context.Context, kernelID uint64, writeSet []event.MemoryRef, p EnqueueParams) (*command.Command, *event.Event, error) {
	p.ReleasesMemory = writeSet
	return q.enqueue(ctx, proto.KindEnqueueTask, command.KindNone, p, encodeTaskOp(kernelID), nil)
}

// EnqueueMarker enqueues a marker: a synchronisation point with no direct
// OpenCL semantics of its own beyond "complete once its wait list
// completes".
func (q *Queue) EnqueueMarker(ctx context.Context, p EnqueueParams) (*command.Command, *event.Event, error) {
	return q.enqueue(ctx, proto.KindEnqueueMarker, command.KindNone, p, nil, nil)
}

// EnqueueBarrier enqueues a barrier: like a marker, but additionally forces
// in-order execution of everything enqueued after it relative to its wait
// list.
func (q *Queue) EnqueueBarrier(ctx context.Context, p EnqueueParams) (*command.Command, *event.Event, error) {
	return q.enqueue(ctx, proto.KindEnqueueBarrier, command.KindNone, p, nil, nil)
}

// EnqueueWaitForEvents enqueues a command that only completes once every
// event in its wait list has completed; it never produces its own event.
func (q *Queue) EnqueueWaitForEvents(ctx context.Context, waitList []uint64, commandID uint64) error {
	_, _, err := q.enqueue(ctx, proto.KindEnqueueWaitForEvents, command.KindNone, EnqueueParams{
		WaitList:  waitList,
		CommandID: commandID,
	}, nil, nil)
	return err
}

// Flush is a pure forwarding operation: it sends a flush
// request to the daemon and does not wait for any command to complete.
func (q *Queue) Flush(ctx context.Context) error {
	resp, err := q.transport.ExecuteCommand(ctx, &proto.Request{RequestID: uuid.New(), Kind: proto.KindFlush, ContextID: proto.ObjectID(q.ContextID), QueueID: proto.ObjectID(q.ID)})
	if err != nil {
		return clerr.Wrap(clerr.IOError, err)
	}
	if resp.Kind == proto.RespError {
		return clerr.New(resp.Error)
	}
	return nil
}

// Finish forwards a finish request, then waits locally for completion of
// every command currently tracked on this queue. Completed commands are
// garbage-collected from the tracking slice as a side effect.
func (q *Queue) Finish(ctx context.Context) error {
	resp, err := q.transport.ExecuteCommand(ctx, &proto.Request{RequestID: uuid.New(), Kind: proto.KindFinish, ContextID: proto.ObjectID(q.ContextID), QueueID: proto.ObjectID(q.ID)})
	if err != nil {
		return clerr.Wrap(clerr.IOError, err)
	}
	if resp.Kind == proto.RespError {
		return clerr.New(resp.Error)
	}
	return q.finishLocally(ctx)
}

func (q *Queue) finishLocally(ctx context.Context) error {
	q.mu.Lock()
	pending := append([]*command.Command(nil), q.commands...)
	q.mu.Unlock()

	var g errgroup.Group
	for _, cmd := range pending {
		if cmd.IsComplete() {
			continue
		}
		ev := cmd.Event()
		if ev == nil {
			// A command enqueued without an event gets a shadow replica, as
			// in waitCommand, so it is waited on like every other command.
			ev = event.NewReplica(0, cmd.ID, q.NodeID, nil)
			cmd.AttachEvent(ev)
			if cmd.IsComplete() {
				continue
			}
		}
		g.Go(func() error { return ev.Wait(ctx) })
	}
	waitErr := g.Wait()

	q.gcCompleted()
	return waitErr
}

// gcCompleted drops every terminal command from the tracking slice,
// performed on each enqueue and on finishLocally.
func (q *Queue) gcCompleted() {
	q.mu.Lock()
	defer q.mu.Unlock()
	live := q.commands[:0]
	for _, cmd := range q.commands {
		if !cmd.IsComplete() {
			live = append(live, cmd)
		}
	}
	q.commands = live
}

// PendingCommands returns the commands this queue still considers
// in-flight, for tests and diagnostics.
func (q *Queue) PendingCommands() []*command.Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*command.Command(nil), q.commands...)
}
