// Package hostapi implements the host-side object graph: ComputeNode,
// Device, Context, Program and Kernel.
//
// This package is the glue the ICD front-end would call into: it owns
// host-allocated object-id generation, wires internal/queue.Queue,
// internal/event.Event and internal/memory.Object together under one
// Context, and dispatches create/destroy/retain requests to the owning
// compute node.
package hostapi

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/wwu-pi/dcl/internal/clerr"
	"github.com/wwu-pi/dcl/internal/consistency"
	"github.com/wwu-pi/dcl/internal/event"
	"github.com/wwu-pi/dcl/internal/memory"
	"github.com/wwu-pi/dcl/internal/proto"
	"github.com/wwu-pi/dcl/internal/queue"
	"github.com/wwu-pi/dcl/internal/registry"
)

// IDAllocator hands out process-wide-unique, never-reused 64-bit object
// ids. One instance lives for the lifetime of the host process; every
// object creation call goes through it before a request is ever sent to a
// daemon.
type IDAllocator struct {
	next uint64
}

// Next returns a fresh id, starting from 1 so 0 can mean "no event
// requested" on the wire.
func (a *IDAllocator) Next() uint64 {
	return atomic.AddUint64(&a.next, 1)
}

// Device is one native OpenCL device exposed by a ComputeNode.
type Device struct {
	ID     uint64
	NodeID string
	Name   string
}

// PeerConn is the push half of a ComputeNode's connection — bulk bytes
// and unsolicited notifications flowing host→daemon — used to relay a
// release/acquire transfer and a status broadcast on to peer daemons.
// internal/transport/wsbulk's *Conn satisfies this structurally, the same
// way it satisfies internal/session.ConnBinding on the daemon side.
type PeerConn interface {
	SendNotification(n *proto.Notification) error
	SendBulk(ctx context.Context, peer string, data []byte) error
	ReceiveBulk(ctx context.Context, peer string, size uint64) ([]byte, error)
}

// ComputeNode is the host-side handle for one compute-node daemon
// connection: the transport used to reach it plus the devices it exposed
// when the host connected. Peer is optional: a node connected only for
// request/response traffic (e.g. in tests) simply never takes part in a
// synchronisation mediation.
type ComputeNode struct {
	ID        string // node URL, from the node file
	Transport queue.Transport
	Peer      PeerConn
	Devices   []Device
}

// Dispatch sends req to this node's daemon and returns its response,
// wrapping transport failures as CL_IO_ERROR.
func (n *ComputeNode) Dispatch(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	resp, err := n.Transport.ExecuteCommand(ctx, req)
	if err != nil {
		return nil, clerr.Wrap(clerr.IOError, err)
	}
	if resp.Kind == proto.RespError {
		return nil, clerr.New(resp.Error)
	}
	return resp, nil
}

// Program is the host-side handle for a compiled OpenCL program, built
// across every device of its context.
type Program struct {
	ID        uint64
	ContextID uint64
	Source    string

	mu        sync.Mutex
	built     bool
	buildErr  error
	buildDone chan struct{}
}

func newProgram(id, contextID uint64, source string) *Program {
	return &Program{ID: id, ContextID: contextID, Source: source, buildDone: make(chan struct{})}
}

// Notify implements registry.Listener: it is bound to this program's id so
// a NotifyProgramBuildComplete notification from the daemon unblocks
// WaitBuild.
func (p *Program) Notify(payload any) {
	n, ok := payload.(*proto.Notification)
	if !ok || n.Kind != proto.NotifyProgramBuildComplete {
		return
	}
	p.mu.Lock()
	if p.built {
		p.mu.Unlock()
		return
	}
	p.built = true
	if n.Status != 0 {
		p.buildErr = clerr.New(clerr.Code(n.Status))
	}
	p.mu.Unlock()
	close(p.buildDone)
}

// WaitBuild blocks until the daemon reports build completion.
func (p *Program) WaitBuild(ctx context.Context) error {
	select {
	case <-p.buildDone:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.buildErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kernel is the host-side handle for a kernel entry point created from a
// built Program, tracking bound
// arguments so EnqueueNDRangeKernel/EnqueueTask can compute the write-set
// kernel-writes accounting requires.
type Kernel struct {
	ID        uint64
	ProgramID uint64
	Name      string

	mu   sync.Mutex
	args map[uint32]boundArg
}

type boundArg struct {
	objectID uint64
	flags    memory.Flags
}

func newKernel(id, programID uint64, name string) *Kernel {
	return &Kernel{ID: id, ProgramID: programID, Name: name, args: make(map[uint32]boundArg)}
}

// SetArg records a memory-object argument bound at index. Non-memory
// arguments (scalars) never contribute to the write-set and are the
// daemon's concern alone, so this package only tracks buffer arguments.
func (k *Kernel) SetArg(index uint32, objectID uint64, flags memory.Flags) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.args[index] = boundArg{objectID: objectID, flags: flags}
}

// WriteSet computes the set of writable memory objects bound at the time
// of the call, deduplicated.
func (k *Kernel) WriteSet() []event.MemoryRef {
	k.mu.Lock()
	defer k.mu.Unlock()
	seen := make(map[uint64]struct{}, len(k.args))
	var refs []event.MemoryRef
	for _, a := range k.args {
		if !a.flags.IsOutput() {
			continue
		}
		if _, ok := seen[a.objectID]; ok {
			continue
		}
		seen[a.objectID] = struct{}{}
		refs = append(refs, event.MemoryRef{ObjectID: a.objectID})
	}
	return refs
}

// Context owns every object created through it: devices, compute nodes,
// queues, memory, programs, kernels and events. It is the
// host-side counterpart of internal/session.Context.
type Context struct {
	ID      uint64
	Nodes   []*ComputeNode
	Devices []Device

	ids *IDAllocator
	reg *registry.Registry

	mu         sync.Mutex
	refCount   int32
	queues     map[uint64]*queue.Queue
	buffers    map[uint64]*memory.Object
	programs   map[uint64]*Program
	kernels    map[uint64]*Kernel
	events     map[uint64]*event.Event
	eventOwner map[uint64]string // event id -> node id that produced it
}

// NewContext allocates an id for the context, sends a create request to
// every node it spans, and returns the live Context handle. If a node
// rejects the request, NewContext returns that error at once; nodes that
// already accepted keep their context, since nothing is rolled back.
func NewContext(ctx context.Context, ids *IDAllocator, reg *registry.Registry, nodes []*ComputeNode) (*Context, error) {
	id := ids.Next()
	c := &Context{
		ID: id, Nodes: nodes, ids: ids, reg: reg, refCount: 1,
		queues:     make(map[uint64]*queue.Queue),
		buffers:    make(map[uint64]*memory.Object),
		programs:   make(map[uint64]*Program),
		kernels:    make(map[uint64]*Kernel),
		events:     make(map[uint64]*event.Event),
		eventOwner: make(map[uint64]string),
	}
	for _, n := range nodes {
		c.Devices = append(c.Devices, n.Devices...)
		if _, err := n.Dispatch(ctx, &proto.Request{RequestID: uuid.New(), Kind: proto.KindCreateContext, ContextID: proto.ObjectID(id)}); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Retain increments the context's host-side reference count.
func (c *Context) Retain() {
	atomic.AddInt32(&c.refCount, 1)
}

// Release decrements the reference count; at zero it sends a destroy
// request to every node, unbinds every listener the context registered,
// and the context is gone.
func (c *Context) Release(ctx context.Context) error {
	if atomic.AddInt32(&c.refCount, -1) > 0 {
		return nil
	}
	var firstErr error
	for _, n := range c.Nodes {
		if _, err := n.Dispatch(ctx, &proto.Request{RequestID: uuid.New(), Kind: proto.KindDestroyContext, ContextID: proto.ObjectID(c.ID)}); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	c.mu.Lock()
	bound := make([]uint64, 0, len(c.events)+len(c.programs))
	for id := range c.events {
		bound = append(bound, id)
	}
	for id := range c.programs {
		bound = append(bound, id)
	}
	c.mu.Unlock()
	for _, id := range bound {
		c.reg.Unbind(id)
	}
	return firstErr
}

// deviceNode returns the ComputeNode hosting deviceID.
func (c *Context) deviceNode(deviceID uint64) (*ComputeNode, error) {
	for _, n := range c.Nodes {
		for _, d := range n.Devices {
			if d.ID == deviceID {
				return n, nil
			}
		}
	}
	return nil, clerr.New(clerr.DeviceNotFound)
}

// node returns the ComputeNode identified by nodeID.
func (c *Context) node(nodeID string) (*ComputeNode, error) {
	for _, n := range c.Nodes {
		if n.ID == nodeID {
			return n, nil
		}
	}
	return nil, clerr.New(clerr.InvalidOperation)
}

// CreateCommandQueue allocates a queue id, asks deviceID's node to create
// the matching native queue, and returns the host-side Queue handle.
func (c *Context) CreateCommandQueue(ctx context.Context, deviceID uint64) (*queue.Queue, error) {
	node, err := c.deviceNode(deviceID)
	if err != nil {
		return nil, err
	}
	id := c.ids.Next()
	if _, err := node.Dispatch(ctx, &proto.Request{
		RequestID: uuid.New(), Kind: proto.KindCreateCommandQueue,
		ContextID: proto.ObjectID(c.ID), QueueID: proto.ObjectID(id),
	}); err != nil {
		return nil, err
	}
	q := queue.New(id, c.ID, deviceID, node.ID, node.Transport, c.reg)
	q.WithPeerNotifier(contextPeerNotifier{c}).WithSyncMediator(contextMediator{c})
	c.mu.Lock()
	c.queues[id] = q
	c.mu.Unlock()
	return q, nil
}

// contextPeerNotifier implements queue.PeerNotifier by recording
// owner-side events under the context's own bookkeeping and by registering
// cross-node replicas on demand: the mechanism a wait-list
// reference to an event owned by a different node depends on.
type contextPeerNotifier struct{ c *Context }

func (p contextPeerNotifier) EventCreated(ev *event.Event, nodeID string) {
	p.c.mu.Lock()
	p.c.events[ev.ID()] = ev
	p.c.eventOwner[ev.ID()] = nodeID
	p.c.mu.Unlock()
}

// EnsureReplica registers a replica for eventID on nodeID unless nodeID
// already owns it. No record of earlier registrations is kept: every call
// for a non-owner node sends the request, and the daemon ignores a repeat
// registration for an event it already knows. A replica carries the
// memory objects the owner's event releases, so the consumer node can run
// the acquire leg of the consistency protocol once it sees the replica
// in a wait list.
func (p contextPeerNotifier) EnsureReplica(ctx context.Context, eventID uint64, nodeID string) error {
	p.c.mu.Lock()
	ev, ok := p.c.events[eventID]
	ownerNodeID := p.c.eventOwner[eventID]
	p.c.mu.Unlock()
	if !ok {
		return clerr.New(clerr.InvalidEvent)
	}
	if ownerNodeID == "" || ownerNodeID == nodeID {
		return nil
	}
	node, err := p.c.node(nodeID)
	if err != nil {
		return err
	}

	objectIDs := make([]uint64, len(ev.MemoryObjects()))
	for i, ref := range ev.MemoryObjects() {
		objectIDs[i] = ref.ObjectID
	}
	payload := encodeEventReplica(ev.ID(), ev.ID(), ownerNodeID, objectIDs)
	_, err = node.Dispatch(ctx, &proto.Request{
		RequestID: uuid.New(), Kind: proto.KindCreateEventReplica,
		ContextID: proto.ObjectID(p.c.ID), Payload: payload,
	})
	return err
}

// RelayStatus forwards a status change for eventID to every context node
// other than excludeNode: the host's own relay of a notification whose Scope carried
// ScopePeers.
func (p contextPeerNotifier) RelayStatus(ctx context.Context, eventID uint64, status event.Status, excludeNode string) error {
	var firstErr error
	for _, n := range p.c.Nodes {
		if n.ID == excludeNode || n.Peer == nil {
			continue
		}
		if err := n.Peer.SendNotification(&proto.Notification{
			Kind: proto.NotifyStatusChanged, TargetID: proto.ObjectID(eventID), Status: int32(status),
		}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// contextMediator implements queue.SyncMediator: the host's side of the
// "mediated by host" relay. It asks the owner daemon to
// release each memory object eventID carries, then shuttles the resulting
// bytes from the owner's bulk connection to the requester's.
type contextMediator struct{ c *Context }

func (m contextMediator) Mediate(ctx context.Context, eventID uint64, ownerNode, requesterNode string) error {
	owner, err := m.c.node(ownerNode)
	if err != nil {
		return err
	}
	requester, err := m.c.node(requesterNode)
	if err != nil {
		return err
	}
	m.c.mu.Lock()
	ev, ok := m.c.events[eventID]
	m.c.mu.Unlock()
	if !ok {
		return clerr.New(clerr.InvalidEvent)
	}

	for _, ref := range ev.MemoryObjects() {
		m.c.mu.Lock()
		obj, objOK := m.c.buffers[ref.ObjectID]
		m.c.mu.Unlock()
		if !objOK {
			continue
		}
		if _, err := owner.Dispatch(ctx, &proto.Request{
			RequestID: uuid.New(), Kind: proto.KindEventSynchronisation,
			ContextID: proto.ObjectID(m.c.ID), EventID: proto.ObjectID(eventID),
			CommandID: proto.ObjectID(ref.ObjectID), Payload: []byte(requesterNode),
		}); err != nil {
			return err
		}
		if owner.Peer == nil || requester.Peer == nil {
			continue
		}
		key := consistency.SyncKey(eventID, ref.ObjectID)
		data, err := owner.Peer.ReceiveBulk(ctx, key, obj.Size)
		if err != nil {
			return clerr.Wrap(clerr.IOError, err)
		}
		if err := requester.Peer.SendBulk(ctx, key, data); err != nil {
			return clerr.Wrap(clerr.IOError, err)
		}
	}
	return nil
}

// CreateBuffer allocates a buffer id and local memory.Object, then
// broadcasts creation to every context node. The devices a
// buffer is actually resident on are implicit: every node gets a create
// message, and bytes only really exist once a command touches the buffer
// on that node's native driver.
func (c *Context) CreateBuffer(ctx context.Context, flags memory.Flags, size uint64, hostPtr []byte) (*memory.Object, error) {
	id := c.ids.Next()
	obj, err := memory.Create(ctx, id, c.ID, flags, size, hostPtr, contextBroadcaster{c})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.buffers[id] = obj
	c.mu.Unlock()
	return obj, nil
}

// RetainBuffer bumps obj's reference count on the host and on every
// context node, keeping the daemon-side bookkeeping in step with the
// host's.
func (c *Context) RetainBuffer(ctx context.Context, obj *memory.Object) error {
	for _, n := range c.Nodes {
		if _, err := n.Dispatch(ctx, &proto.Request{
			RequestID: uuid.New(), Kind: proto.KindRetainObject,
			ContextID: proto.ObjectID(c.ID), CommandID: proto.ObjectID(obj.ID),
		}); err != nil {
			return err
		}
	}
	obj.Retain()
	return nil
}

// contextBroadcaster implements memory.Broadcaster by sending a create (or
// delete) request to every node spanned by c.
type contextBroadcaster struct{ c *Context }

func (b contextBroadcaster) BroadcastCreate(ctx context.Context, objectID uint64, flags memory.Flags, size uint64, initial []byte) error {
	payload := encodeCreateBuffer(flags, size, initial)
	for _, n := range b.c.Nodes {
		if _, err := n.Dispatch(ctx, &proto.Request{
			RequestID: uuid.New(), Kind: proto.KindCreateBuffer,
			ContextID: proto.ObjectID(b.c.ID), CommandID: proto.ObjectID(objectID), Payload: payload,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (b contextBroadcaster) BroadcastDelete(ctx context.Context, objectID uint64) error {
	var firstErr error
	for _, n := range b.c.Nodes {
		if _, err := n.Dispatch(ctx, &proto.Request{
			RequestID: uuid.New(), Kind: proto.KindReleaseObject,
			ContextID: proto.ObjectID(b.c.ID), CommandID: proto.ObjectID(objectID),
		}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.c.mu.Lock()
	delete(b.c.buffers, objectID)
	b.c.mu.Unlock()
	return firstErr
}

// CreateProgramWithSource allocates a program id, sends the source to
// every node, and returns the host-side Program handle.
func (c *Context) CreateProgramWithSource(ctx context.Context, source string) (*Program, error) {
	id := c.ids.Next()
	for _, n := range c.Nodes {
		if _, err := n.Dispatch(ctx, &proto.Request{
			RequestID: uuid.New(), Kind: proto.KindCreateProgram,
			ContextID: proto.ObjectID(c.ID), CommandID: proto.ObjectID(id), Payload: []byte(source),
		}); err != nil {
			return nil, err
		}
	}
	p := newProgram(id, c.ID, source)
	c.mu.Lock()
	c.programs[id] = p
	c.mu.Unlock()
	c.reg.Bind(id, p)
	return p, nil
}

// BuildProgram asks every context node to build p with options and blocks
// until each reports completion.
func (c *Context) BuildProgram(ctx context.Context, p *Program, options string) error {
	for _, n := range c.Nodes {
		if _, err := n.Dispatch(ctx, &proto.Request{
			RequestID: uuid.New(), Kind: proto.KindBuildProgram,
			ContextID: proto.ObjectID(c.ID), CommandID: proto.ObjectID(p.ID), Payload: []byte(options),
		}); err != nil {
			return err
		}
	}
	return p.WaitBuild(ctx)
}

// CreateKernel looks up entryPoint in p and returns a host-side Kernel
// handle shared by every node in the context — the node that actually
// executes a given enqueue is determined by the queue's device, not by
// this call.
func (c *Context) CreateKernel(ctx context.Context, p *Program, entryPoint string) (*Kernel, error) {
	id := c.ids.Next()
	payload := encodeCreateKernel(p.ID, entryPoint)
	for _, n := range c.Nodes {
		if _, err := n.Dispatch(ctx, &proto.Request{
			RequestID: uuid.New(), Kind: proto.KindCreateKernel,
			ContextID: proto.ObjectID(c.ID), CommandID: proto.ObjectID(id), Payload: payload,
		}); err != nil {
			return nil, err
		}
	}
	k := newKernel(id, p.ID, entryPoint)
	c.mu.Lock()
	c.kernels[id] = k
	c.mu.Unlock()
	return k, nil
}

// SetKernelArgBuffer binds a memory-object argument on every context node
// and records it locally so WriteSet can compute the event's write-set at
// enqueue time.
func (c *Context) SetKernelArgBuffer(ctx context.Context, k *Kernel, index uint32, obj *memory.Object) error {
	payload := encodeSetKernelArg(k.ID, index, obj.ID, obj.Flags)
	for _, n := range c.Nodes {
		if _, err := n.Dispatch(ctx, &proto.Request{
			RequestID: uuid.New(), Kind: proto.KindSetKernelArg,
			ContextID: proto.ObjectID(c.ID), Payload: payload,
		}); err != nil {
			return err
		}
	}
	k.SetArg(index, obj.ID, obj.Flags)
	return nil
}

// CreateUserEvent allocates an event id, asks every context node to create
// the matching native user event, and returns the host-side replica handle
// the application sets via SetUserEventStatus.
func (c *Context) CreateUserEvent(ctx context.Context) (*event.Event, error) {
	id := c.ids.Next()
	for _, n := range c.Nodes {
		if _, err := n.Dispatch(ctx, &proto.Request{
			RequestID: uuid.New(), Kind: proto.KindCreateUserEvent,
			ContextID: proto.ObjectID(c.ID), EventID: proto.ObjectID(id),
		}); err != nil {
			return nil, err
		}
	}
	ev := event.NewUserEvent(id, nil)
	c.mu.Lock()
	c.events[id] = ev
	c.mu.Unlock()
	c.reg.Bind(id, eventListener{ev})
	return ev, nil
}

// SetUserEventStatus sets ev's status on every context node and, once
// every node has acknowledged, locally.
func (c *Context) SetUserEventStatus(ctx context.Context, ev *event.Event, status event.Status) error {
	payload := encodeStatus(int32(status))
	for _, n := range c.Nodes {
		if _, err := n.Dispatch(ctx, &proto.Request{
			RequestID: uuid.New(), Kind: proto.KindSetUserEventStatus,
			ContextID: proto.ObjectID(c.ID), EventID: proto.ObjectID(ev.ID()), Payload: payload,
		}); err != nil {
			return err
		}
	}
	ev.SetStatus(status)
	return nil
}

// eventListener adapts an incoming status-changed notification to the
// event's own StatusChanged entry point.
type eventListener struct{ ev *event.Event }

func (l eventListener) Notify(payload any) {
	n, ok := payload.(*proto.Notification)
	if !ok || n.Kind != proto.NotifyStatusChanged {
		return
	}
	l.ev.StatusChanged(n)
}

// Lookup resolves a host-level event id to the local Event object, for use
// as a queue.EventLookup.
func (c *Context) Lookup(id uint64) (*event.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev, ok := c.events[id]
	return ev, ok
}

// EventProfilingInfo returns ev's profiling timestamps, fetching them from
// the owner node on first use and caching them on the event afterwards.
// User events and replicas without an owner report an error the ICD maps
// to PROFILING_INFO_NOT_AVAILABLE.
func (c *Context) EventProfilingInfo(ctx context.Context, ev *event.Event) (event.Profiling, error) {
	return ev.Profiling(func() (event.Profiling, error) {
		c.mu.Lock()
		ownerNode := c.eventOwner[ev.ID()]
		c.mu.Unlock()
		if ownerNode == "" {
			return event.Profiling{}, clerr.New(clerr.InvalidValue)
		}
		owner, err := c.node(ownerNode)
		if err != nil {
			return event.Profiling{}, err
		}
		resp, err := owner.Dispatch(ctx, &proto.Request{
			RequestID: uuid.New(), Kind: proto.KindGetProfilingInfo,
			ContextID: proto.ObjectID(c.ID), EventID: proto.ObjectID(ev.ID()),
		})
		if err != nil {
			return event.Profiling{}, err
		}
		return decodeProfiling(resp.Info)
	})
}

// BroadcastBuffer implements the cl_wwu_collective broadcast-buffer
// extension: it releases src's current
// bytes from its owning node and acquires them on every other node in the
// context, without requiring the caller to thread an explicit wait-list
// event through each destination queue. reduce-buffer is intentionally not
// implemented.
func (c *Context) BroadcastBuffer(ctx context.Context, srcQueue *queue.Queue, buf *memory.Object, waitList []uint64) ([]*event.Event, error) {
	if len(c.Nodes) < 2 {
		return nil, nil
	}
	_, ev, err := srcQueue.EnqueueMarker(ctx, queue.EnqueueParams{
		CommandID:      c.ids.Next(),
		WaitList:       waitList,
		WantEvent:      true,
		NewEventID:     c.ids.Next(),
		ReleasesMemory: []event.MemoryRef{{ObjectID: buf.ID}},
	})
	if err != nil {
		return nil, err
	}

	var results []*event.Event
	for _, n := range c.Nodes {
		if n.ID == srcQueue.NodeID {
			continue
		}
		destQueue, err := c.findQueueOnNode(n.ID)
		if err != nil {
			return nil, err
		}
		_, rev, err := destQueue.EnqueueMarker(ctx, queue.EnqueueParams{
			CommandID:  c.ids.Next(),
			WaitList:   []uint64{ev.ID()},
			WantEvent:  true,
			NewEventID: c.ids.Next(),
		})
		if err != nil {
			return nil, err
		}
		results = append(results, rev)
	}
	return results, nil
}

func (c *Context) findQueueOnNode(nodeID string) (*queue.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, q := range c.queues {
		if q.NodeID == nodeID {
			return q, nil
		}
	}
	return nil, fmt.Errorf("hostapi: no queue bound to node %s for broadcast-buffer", nodeID)
}
