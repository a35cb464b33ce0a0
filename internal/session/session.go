// Package session implements the daemon-side Session/Context bundle: the
// set of live contexts, queues, memory objects,
// programs, kernels and events a single host connection owns on a daemon,
// and the request dispatch that turns an incoming proto.Request into native
// OpenCL calls plus the matching local bookkeeping.
package session

import (
	"context"
	"sync"
	"time"

	cl "github.com/opencl-go/cl12"

	"github.com/wwu-pi/dcl/internal/clerr"
	"github.com/wwu-pi/dcl/internal/command"
	"github.com/wwu-pi/dcl/internal/consistency"
	"github.com/wwu-pi/dcl/internal/dcllog"
	"github.com/wwu-pi/dcl/internal/event"
	"github.com/wwu-pi/dcl/internal/memory"
	"github.com/wwu-pi/dcl/internal/native"
	"github.com/wwu-pi/dcl/internal/proto"
	"github.com/wwu-pi/dcl/internal/queue"
	"github.com/wwu-pi/dcl/internal/registry"
)

// Session is created on first connection from a host and destroyed on
// disconnection.
type Session struct {
	ID     string
	NodeID string

	log    *dcllog.Logger
	reg    *registry.Registry
	bulk   consistency.BulkTransport
	notify func(*proto.Notification) error

	mu       sync.Mutex
	contexts map[uint64]*Context
}

// New builds a Session bound to one host connection. bulk is the transport
// this node's consistency protocol uses to move bytes to/from peers; notify
// pushes status-change and synchronisation-request messages back to the
// host.
func New(id, nodeID string, reg *registry.Registry, bulk consistency.BulkTransport, notify func(*proto.Notification) error, log *dcllog.Logger) *Session {
	return &Session{
		ID: id, NodeID: nodeID, reg: reg, bulk: bulk, notify: notify,
		log:      log.With(dcllog.Ctx{"session": id}),
		contexts: make(map[uint64]*Context),
	}
}

// Context is one native context plus everything created within it.
type Context struct {
	ID      uint64
	native  *native.Context
	devices []native.Device

	mu            sync.Mutex
	queues        map[uint64]*native.Queue
	memObjects    map[uint64]*memory.Object
	nativeBuffers map[uint64]*native.Buffer
	programs      map[uint64]*native.Program
	kernels       map[uint64]*native.Kernel
	kernelArgs    map[uint64]map[uint32]consistency.KernelArg
	userEvents    map[uint64]*event.Event
	events        map[uint64]*event.Event

	consistency *consistency.Protocol
}

// HandleRequest implements transport.RequestHandler: it is the daemon-side
// mirror of every enqueue/create/retain/release operation a host issues.
func (s *Session) HandleRequest(ctx context.Context, req *proto.Request) *proto.Response {
	resp, err := s.handle(ctx, req)
	if err != nil {
		code := clerr.OutOfResources
		if c, ok := clerr.As(err); ok {
			code = c
		}
		s.log.Warn("request failed", dcllog.Ctx{"kind": req.Kind, "error": err.Error()})
		return &proto.Response{RequestID: req.RequestID, Kind: proto.RespError, Error: code}
	}
	resp.RequestID = req.RequestID
	return resp
}

func (s *Session) handle(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	switch req.Kind {
	case proto.KindCreateContext:
		return s.createContext(req)
	case proto.KindDestroyContext:
		return s.destroyContext(req)
	case proto.KindCreateCommandQueue:
		return s.createQueue(req)
	case proto.KindCreateBuffer:
		return s.createBuffer(ctx, req)
	case proto.KindRetainObject:
		return s.retainObject(req)
	case proto.KindReleaseObject:
		return s.releaseObject(ctx, req)
	case proto.KindCreateProgram:
		return s.createProgram(req)
	case proto.KindBuildProgram:
		return s.buildProgram(req)
	case proto.KindCreateKernel:
		return s.createKernel(req)
	case proto.KindSetKernelArg:
		return s.setKernelArg(req)
	case proto.KindCreateUserEvent:
		return s.createUserEvent(req)
	case proto.KindSetUserEventStatus:
		return s.setUserEventStatus(req)
	case proto.KindFlush:
		return s.flush(req)
	case proto.KindFinish:
		return s.finish(req)
	case proto.KindEnqueueReadBuffer, proto.KindEnqueueWriteBuffer, proto.KindEnqueueCopyBuffer,
		proto.KindEnqueueMapBuffer, proto.KindEnqueueUnmapBuffer, proto.KindEnqueueNDRangeKernel,
		proto.KindEnqueueTask, proto.KindEnqueueMarker, proto.KindEnqueueBarrier, proto.KindEnqueueWaitForEvents:
		return s.enqueue(ctx, req)
	case proto.KindCreateEventReplica:
		return s.createEventReplica(req)
	case proto.KindEventSynchronisation:
		return s.synchroniseEvent(ctx, req)
	case proto.KindGetProfilingInfo:
		return s.getProfilingInfo(req)
	default:
		return nil, clerr.New(clerr.InvalidOperation)
	}
}

// Close destroys every context this session still holds. It is called
// when the host connection goes away, which in particular drives any
// unset user event to a cancellation error before the native contexts are
// released.
func (s *Session) Close() error {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.contexts))
	for id := range s.contexts {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if _, err := s.destroyContext(&proto.Request{ContextID: proto.ObjectID(id)}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.log.Info("session closed", dcllog.Ctx{"contexts": len(ids)})
	return firstErr
}

func (s *Session) context(id uint64) (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[id]
	if !ok {
		return nil, clerr.New(clerr.InvalidContext)
	}
	return c, nil
}

func (s *Session) createContext(req *proto.Request) (*proto.Response, error) {
	platforms, err := native.Platforms()
	if err != nil || len(platforms) == 0 {
		return nil, clerr.Wrap(clerr.DeviceNotFound, err)
	}
	devices, err := platforms[0].Devices()
	if err != nil || len(devices) == 0 {
		return nil, clerr.Wrap(clerr.DeviceNotFound, err)
	}
	nctx, err := native.CreateContext(devices)
	if err != nil {
		return nil, clerr.Wrap(clerr.OutOfResources, err)
	}

	c := &Context{
		ID:            uint64(req.ContextID),
		native:        nctx,
		devices:       devices,
		queues:        make(map[uint64]*native.Queue),
		memObjects:    make(map[uint64]*memory.Object),
		nativeBuffers: make(map[uint64]*native.Buffer),
		programs:      make(map[uint64]*native.Program),
		kernels:       make(map[uint64]*native.Kernel),
		kernelArgs:    make(map[uint64]map[uint32]consistency.KernelArg),
		userEvents:    make(map[uint64]*event.Event),
		events:        make(map[uint64]*event.Event),
		consistency:   consistency.New(s.bulk),
	}

	s.mu.Lock()
	s.contexts[c.ID] = c
	s.mu.Unlock()

	return &proto.Response{Kind: proto.RespSuccess}, nil
}

// destroyContext implements the session-teardown cancellation rule: every
// unset user event held by the context is driven to
// a cancellation error before the native context is released, so the
// native driver never blocks tearing down a context with an event no one
// will ever complete.
func (s *Session) destroyContext(req *proto.Request) (*proto.Response, error) {
	c, err := s.context(uint64(req.ContextID))
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	pending := make([]*event.Event, 0, len(c.userEvents))
	for _, ev := range c.userEvents {
		if !ev.IsComplete() {
			pending = append(pending, ev)
		}
	}
	boundIDs := make([]uint64, 0, len(c.events)+len(c.memObjects))
	for id := range c.events {
		boundIDs = append(boundIDs, id)
	}
	for id := range c.memObjects {
		boundIDs = append(boundIDs, id)
	}
	for _, q := range c.queues {
		q.Release()
	}
	for _, m := range c.memObjects {
		m.Release(context.Background())
	}
	for _, k := range c.kernels {
		k.Release()
	}
	for _, p := range c.programs {
		p.Release()
	}
	c.mu.Unlock()

	for _, ev := range pending {
		ev.SetStatus(event.Status(clerr.InvalidOperation))
	}
	for _, id := range boundIDs {
		s.reg.Unbind(id)
	}

	if c.native != nil {
		if err := c.native.Release(); err != nil {
			return nil, clerr.Wrap(clerr.OutOfResources, err)
		}
	}

	s.mu.Lock()
	delete(s.contexts, c.ID)
	s.mu.Unlock()

	return &proto.Response{Kind: proto.RespSuccess}, nil
}

func (s *Session) createQueue(req *proto.Request) (*proto.Response, error) {
	c, err := s.context(uint64(req.ContextID))
	if err != nil {
		return nil, err
	}
	if len(c.devices) == 0 {
		return nil, clerr.New(clerr.DeviceNotFound)
	}
	nq, err := native.CreateQueue(c.native, c.devices[0])
	if err != nil {
		return nil, clerr.Wrap(clerr.OutOfResources, err)
	}
	c.mu.Lock()
	c.queues[uint64(req.QueueID)] = nq
	c.mu.Unlock()
	return &proto.Response{Kind: proto.RespSuccess}, nil
}

func (s *Session) createBuffer(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	c, err := s.context(uint64(req.ContextID))
	if err != nil {
		return nil, err
	}
	flags, size, initial, err := decodeCreateBuffer(req.Payload)
	if err != nil {
		return nil, clerr.Wrap(clerr.ProtocolError, err)
	}

	obj, err := memory.Create(ctx, uint64(req.CommandID), c.ID, flags, size, initial, nil)
	if err != nil {
		return nil, err
	}

	nativeBuf, err := native.CreateBuffer(c.native, cl.MemFlags(flags), size, initial)
	if err != nil {
		return nil, clerr.Wrap(clerr.MemObjectAllocationFail, err)
	}
	obj.AddDestructor(func() { nativeBuf.Release() })

	c.mu.Lock()
	c.memObjects[obj.ID] = obj
	c.nativeBuffers[obj.ID] = nativeBuf
	c.mu.Unlock()

	s.reg.Bind(obj.ID, registry.Listener(noopListener{}))
	return &proto.Response{Kind: proto.RespSuccess}, nil
}

type noopListener struct{}

func (noopListener) Notify(any) {}

func (s *Session) retainObject(req *proto.Request) (*proto.Response, error) {
	c, err := s.context(uint64(req.ContextID))
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	obj, ok := c.memObjects[uint64(req.CommandID)]
	c.mu.Unlock()
	if !ok {
		return nil, clerr.New(clerr.InvalidMemObject)
	}
	obj.Retain()
	return &proto.Response{Kind: proto.RespSuccess}, nil
}

func (s *Session) releaseObject(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	c, err := s.context(uint64(req.ContextID))
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	obj, ok := c.memObjects[uint64(req.CommandID)]
	c.mu.Unlock()
	if !ok {
		return nil, clerr.New(clerr.InvalidMemObject)
	}
	if err := obj.Release(ctx); err != nil {
		return nil, err
	}
	if obj.RefCount() == 0 {
		c.mu.Lock()
		delete(c.memObjects, obj.ID)
		delete(c.nativeBuffers, obj.ID)
		c.mu.Unlock()
		s.reg.Unbind(obj.ID)
		c.consistency.Forget(obj.ID)
	}
	return &proto.Response{Kind: proto.RespSuccess}, nil
}

func (s *Session) createProgram(req *proto.Request) (*proto.Response, error) {
	c, err := s.context(uint64(req.ContextID))
	if err != nil {
		return nil, err
	}
	source := string(req.Payload)
	p, err := native.CreateProgramWithSource(c.native, source)
	if err != nil {
		return nil, clerr.Wrap(clerr.OutOfResources, err)
	}
	c.mu.Lock()
	c.programs[uint64(req.CommandID)] = p
	c.mu.Unlock()
	return &proto.Response{Kind: proto.RespSuccess}, nil
}

func (s *Session) buildProgram(req *proto.Request) (*proto.Response, error) {
	c, err := s.context(uint64(req.ContextID))
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	p, ok := c.programs[uint64(req.CommandID)]
	c.mu.Unlock()
	if !ok {
		return nil, clerr.New(clerr.InvalidOperation)
	}
	if err := p.Build(c.devices, string(req.Payload)); err != nil {
		return nil, clerr.Wrap(clerr.OutOfResources, err)
	}
	if s.notify != nil {
		s.notify(&proto.Notification{Kind: proto.NotifyProgramBuildComplete, TargetID: req.CommandID})
	}
	return &proto.Response{Kind: proto.RespSuccess}, nil
}

func (s *Session) createKernel(req *proto.Request) (*proto.Response, error) {
	c, err := s.context(uint64(req.ContextID))
	if err != nil {
		return nil, err
	}
	programID, name, kernelErr := decodeCreateKernel(req.Payload)
	if kernelErr != nil {
		return nil, clerr.Wrap(clerr.ProtocolError, kernelErr)
	}
	c.mu.Lock()
	p, ok := c.programs[programID]
	c.mu.Unlock()
	if !ok {
		return nil, clerr.New(clerr.InvalidOperation)
	}
	k, err := native.CreateKernel(p, name)
	if err != nil {
		return nil, clerr.Wrap(clerr.InvalidKernel, err)
	}
	c.mu.Lock()
	c.kernels[uint64(req.CommandID)] = k
	c.kernelArgs[uint64(req.CommandID)] = make(map[uint32]consistency.KernelArg)
	c.mu.Unlock()
	return &proto.Response{Kind: proto.RespSuccess}, nil
}

func (s *Session) setKernelArg(req *proto.Request) (*proto.Response, error) {
	c, err := s.context(uint64(req.ContextID))
	if err != nil {
		return nil, err
	}
	kernelID, index, objectID, flags, argErr := decodeSetKernelArg(req.Payload)
	if argErr != nil {
		return nil, clerr.Wrap(clerr.ProtocolError, argErr)
	}
	c.mu.Lock()
	k, ok := c.kernels[kernelID]
	nativeBuf, bufOK := c.nativeBuffers[objectID]
	c.mu.Unlock()
	if !ok || !bufOK {
		return nil, clerr.New(clerr.InvalidKernelArgs)
	}
	if err := k.SetArg(index, nativeBuf); err != nil {
		return nil, clerr.Wrap(clerr.InvalidKernelArgs, err)
	}
	c.mu.Lock()
	c.kernelArgs[kernelID][index] = consistency.KernelArg{ObjectID: objectID, Flags: flags}
	c.mu.Unlock()
	return &proto.Response{Kind: proto.RespSuccess}, nil
}

func (s *Session) createUserEvent(req *proto.Request) (*proto.Response, error) {
	c, err := s.context(uint64(req.ContextID))
	if err != nil {
		return nil, err
	}
	ev := event.NewUserEvent(uint64(req.EventID), daemonBroadcaster{s})
	c.mu.Lock()
	c.userEvents[ev.ID()] = ev
	c.events[ev.ID()] = ev
	c.mu.Unlock()
	s.reg.Bind(ev.ID(), noopListener{})
	return &proto.Response{Kind: proto.RespSuccess}, nil
}

func (s *Session) setUserEventStatus(req *proto.Request) (*proto.Response, error) {
	c, err := s.context(uint64(req.ContextID))
	if err != nil {
		return nil, err
	}
	status, decErr := decodeStatus(req.Payload)
	if decErr != nil {
		return nil, clerr.Wrap(clerr.ProtocolError, decErr)
	}
	c.mu.Lock()
	ev, ok := c.userEvents[uint64(req.EventID)]
	c.mu.Unlock()
	if !ok {
		return nil, clerr.New(clerr.InvalidEvent)
	}
	ev.SetStatus(event.Status(status))
	return &proto.Response{Kind: proto.RespSuccess}, nil
}

func (s *Session) flush(req *proto.Request) (*proto.Response, error) {
	c, err := s.context(uint64(req.ContextID))
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	q, ok := c.queues[uint64(req.QueueID)]
	c.mu.Unlock()
	if !ok {
		return nil, clerr.New(clerr.InvalidCommandQueue)
	}
	if err := q.Flush(); err != nil {
		return nil, clerr.Wrap(clerr.OutOfResources, err)
	}
	return &proto.Response{Kind: proto.RespSuccess}, nil
}

func (s *Session) finish(req *proto.Request) (*proto.Response, error) {
	c, err := s.context(uint64(req.ContextID))
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	q, ok := c.queues[uint64(req.QueueID)]
	c.mu.Unlock()
	if !ok {
		return nil, clerr.New(clerr.InvalidCommandQueue)
	}
	if err := q.Finish(); err != nil {
		return nil, clerr.Wrap(clerr.OutOfResources, err)
	}
	return &proto.Response{Kind: proto.RespSuccess}, nil
}

// roleForKind decides the event.Role an owner-side event gets for this
// request kind, which in turn gates whether its status broadcasts relay
// past the host to peer daemons. Kernel/task/marker completions are what peers wait on across
// nodes, so they relay; read-buffer is finished by the host itself and
// relays to peers only; write-buffer and map/unmap rely on the memory
// consistency protocol for a peer to learn their data is
// ready, so they stay host-only.
func roleForKind(kind proto.RequestKind) event.Role {
	switch kind {
	case proto.KindEnqueueWriteBuffer, proto.KindEnqueueMapBuffer, proto.KindEnqueueUnmapBuffer:
		return event.HostBoundLocal
	case proto.KindEnqueueReadBuffer:
		return event.NodeOnlyLocal
	default:
		return event.SimpleLocal
	}
}

// commandKindForRequest maps a request kind to the command.Kind driving its
// Submit hook.
func commandKindForRequest(kind proto.RequestKind) command.Kind {
	switch kind {
	case proto.KindEnqueueReadBuffer:
		return command.KindReadBuffer
	case proto.KindEnqueueWriteBuffer:
		return command.KindWriteBuffer
	case proto.KindEnqueueMapBuffer:
		return command.KindMapBuffer
	case proto.KindEnqueueUnmapBuffer:
		return command.KindUnmapBuffer
	default:
		return command.KindNone
	}
}

// eventNotifyListener adapts an incoming NotifyStatusChanged notification to
// a replica event's StatusChanged entry point: the
// daemon-side counterpart of internal/hostapi.eventListener, bound to a
// replica's id once createEventReplica registers it here.
type eventNotifyListener struct{ ev *event.Event }

func (l eventNotifyListener) Notify(payload any) {
	n, ok := payload.(*proto.Notification)
	if !ok || n.Kind != proto.NotifyStatusChanged {
		return
	}
	l.ev.StatusChanged(n)
}

// createEventReplica registers a local replica for an event owned by a
// different node, so a later request that names it in a wait list resolves
// instead of failing InvalidEventWaitList. Idempotent: a repeat
// registration for an id this context already knows about is a no-op.
func (s *Session) createEventReplica(req *proto.Request) (*proto.Response, error) {
	c, err := s.context(uint64(req.ContextID))
	if err != nil {
		return nil, err
	}
	eventID, commandID, ownerNode, objectIDs, decErr := decodeEventReplica(req.Payload)
	if decErr != nil {
		return nil, clerr.Wrap(clerr.ProtocolError, decErr)
	}

	c.mu.Lock()
	if _, exists := c.events[eventID]; exists {
		c.mu.Unlock()
		return &proto.Response{Kind: proto.RespSuccess}, nil
	}
	refs := make([]event.MemoryRef, len(objectIDs))
	for i, id := range objectIDs {
		refs[i] = event.MemoryRef{ObjectID: id}
	}
	ev := event.NewReplica(eventID, commandID, ownerNode, refs)
	c.events[eventID] = ev
	c.mu.Unlock()

	s.reg.Bind(eventID, eventNotifyListener{ev})
	return &proto.Response{Kind: proto.RespSuccess}, nil
}

// synchroniseEvent is the owner daemon's side of the release step: the
// host, asked by a consumer node to
// mediate, forwards one request per memory object this event releases. The
// release must carry the bytes the event's command actually produced, so
// the owner first waits for its own event to complete before reading the
// object.
func (s *Session) synchroniseEvent(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	c, err := s.context(uint64(req.ContextID))
	if err != nil {
		return nil, err
	}
	requesterNode := string(req.Payload)
	c.mu.Lock()
	obj, ok := c.memObjects[uint64(req.CommandID)]
	ev := c.events[uint64(req.EventID)]
	c.mu.Unlock()
	if !ok {
		return nil, clerr.New(clerr.InvalidMemObject)
	}

	if ev != nil && !ev.IsReplica() {
		if err := ev.Wait(ctx); err != nil {
			return nil, clerr.Wrap(clerr.IOError, err)
		}
		if ev.Status() < event.StatusComplete {
			return nil, clerr.New(clerr.ExecStatusErrorForEvents)
		}
	}

	s.log.Info("releasing memory object for synchronisation", dcllog.Ctx{
		"event": uint64(req.EventID), "object": obj.ID, "peer": requesterNode,
	})
	key := consistency.SyncKey(uint64(req.EventID), obj.ID)
	rel := c.consistency.Release(ctx, obj, key)
	if err := rel.Wait(ctx); err != nil {
		return nil, err
	}
	return &proto.Response{Kind: proto.RespSuccess}, nil
}

// getProfilingInfo answers a host query for the get_profiling_info
// timestamps (queued, submit, start, end, plus the daemon-side receipt
// time) of an event this daemon owns: the native
// backing attached at enqueue time (EventBacking, for marker/barrier/kernel
// events; host-driven transfer kinds have none and report
// PROFILING_INFO_NOT_AVAILABLE).
func (s *Session) getProfilingInfo(req *proto.Request) (*proto.Response, error) {
	c, err := s.context(uint64(req.ContextID))
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	ev, ok := c.events[uint64(req.EventID)]
	c.mu.Unlock()
	if !ok {
		return nil, clerr.New(clerr.InvalidEvent)
	}
	p, profErr := ev.Profiling(nil)
	if profErr != nil {
		return nil, profErr
	}
	return &proto.Response{Kind: proto.RespInfo, Info: encodeProfiling(p)}, nil
}

func (c *Context) memObject(id uint64) (*memory.Object, *native.Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.memObjects[id]
	buf := c.nativeBuffers[id]
	if !ok {
		return nil, nil, clerr.New(clerr.InvalidMemObject)
	}
	return obj, buf, nil
}

// gateStatus waits for every locally owned event in evs to reach a
// terminal status and reports the status the gated command should proceed
// with: COMPLETE when every dependency succeeded, or the event-chain
// failure code when any dependency failed. Replica events are
// not waited on — the consumer's ordering guarantee comes from the acquire
// already performed during wait-list resolution.
func gateStatus(ctx context.Context, evs []*event.Event) event.Status {
	for _, ev := range evs {
		if ev.IsReplica() {
			continue
		}
		if err := ev.Wait(ctx); err != nil {
			return event.Status(clerr.IOError)
		}
		if ev.Status() < event.StatusComplete {
			return event.Status(clerr.ExecStatusErrorForEvents)
		}
	}
	return event.StatusComplete
}

// enqueue is the daemon-side mirror of internal/queue's outline: resolve the
// wait list via queue.Synchronize (acquiring any replica memory first),
// gate on locally owned dependencies, run the kind-specific work, and
// drive the owner event through the same Submit/Complete command lifecycle
// internal/command defines, so a host-finished command kind never blocks
// this request handler on its own data movement.
func (s *Session) enqueue(ctx context.Context, req *proto.Request) (resp *proto.Response, err error) {
	// Receipt time anchors PROFILING_COMMAND_RECEIVED and the clock-skew
	// correction applied to the device counters.
	receivedNs := time.Now().UnixNano()
	c, err := s.context(uint64(req.ContextID))
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	q, ok := c.queues[uint64(req.QueueID)]
	c.mu.Unlock()
	if !ok {
		return nil, clerr.New(clerr.InvalidCommandQueue)
	}

	waitIDs := make([]uint64, len(req.WaitList))
	for i, id := range req.WaitList {
		waitIDs[i] = uint64(id)
	}
	lookup := func(id uint64) (*event.Event, bool) {
		c.mu.Lock()
		defer c.mu.Unlock()
		ev, ok := c.events[id]
		return ev, ok
	}
	acquire := func(ev *event.Event) ([]uint64, error) {
		for _, ref := range ev.MemoryObjects() {
			obj, _, objErr := c.memObject(ref.ObjectID)
			if objErr != nil {
				return nil, objErr
			}
			if s.notify != nil {
				s.notify(&proto.Notification{Kind: proto.NotifySynchronise, TargetID: proto.ObjectID(ev.ID()), PeerNode: s.NodeID})
			}
			key := consistency.SyncKey(ev.ID(), ref.ObjectID)
			acq := c.consistency.Acquire(ctx, obj, key)
			if err := acq.Wait(ctx); err != nil {
				return nil, err
			}
			if acq.Status() < event.StatusComplete {
				return nil, clerr.New(clerr.IOError)
			}
		}
		return nil, nil
	}
	if _, _, err := queue.Synchronize(waitIDs, lookup, acquire); err != nil {
		return nil, err
	}

	waitEvents := make([]*event.Event, 0, len(waitIDs))
	for _, id := range waitIDs {
		if ev, ok := lookup(id); ok {
			waitEvents = append(waitEvents, ev)
		}
	}

	// The command always carries an owner event, so the host learns of
	// every status transition even when the caller asked for no event: the
	// event id then equals the command id, the convention for simple
	// commands.
	eventID := uint64(req.EventID)
	if eventID == 0 {
		eventID = uint64(req.CommandID)
	}
	ev := event.NewOwner(eventID, uint64(req.CommandID), roleForKind(req.Kind), daemonBroadcaster{s}, nil)
	c.mu.Lock()
	c.events[eventID] = ev
	c.mu.Unlock()
	s.reg.Bind(eventID, noopListener{})
	defer func() {
		if err != nil {
			c.mu.Lock()
			delete(c.events, eventID)
			c.mu.Unlock()
			s.reg.Unbind(eventID)
		}
	}()

	cmd := command.New(uint64(req.CommandID), uint64(req.QueueID), commandKindForRequest(req.Kind))
	cmd.AttachEvent(ev)

	// An already-failed dependency fails the command rather than the
	// request: the event is created and driven to the event-chain failure
	// status so callbacks observe it.
	if queue.AnyFailed(waitIDs, lookup) {
		cmd.OnExecutionStatusChanged(event.Status(clerr.ExecStatusErrorForEvents))
		return &proto.Response{Kind: proto.RespSuccess}, nil
	}

	bg := context.Background()

	switch req.Kind {
	case proto.KindEnqueueReadBuffer:
		// Read buffer: the host finishes the transfer. This
		// daemon's share of the work — reading the replica cache and sending
		// it over the bulk channel — runs from cmd's Submit hook once the
		// command reaches SUBMITTED, not inline here, so this handler
		// returns as soon as the request is accepted.
		bufferID, offset, size, decErr := queue.DecodeBufferOp(req.Payload)
		if decErr != nil {
			return nil, clerr.Wrap(clerr.ProtocolError, decErr)
		}
		obj, _, objErr := c.memObject(bufferID)
		if objErr != nil {
			return nil, objErr
		}
		cmd.Submit = s.sendBufferBytes(bg, obj, offset, size, uint64(req.CommandID))
	case proto.KindEnqueueWriteBuffer:
		bufferID, offset, size, decErr := queue.DecodeBufferOp(req.Payload)
		if decErr != nil {
			return nil, clerr.Wrap(clerr.ProtocolError, decErr)
		}
		obj, nativeBuf, objErr := c.memObject(bufferID)
		if objErr != nil {
			return nil, objErr
		}
		cmd.Submit = s.receiveBufferBytes(bg, q, obj, nativeBuf, offset, size, uint64(req.CommandID))
	case proto.KindEnqueueCopyBuffer:
		srcID, dstID, srcOffset, dstOffset, size, decErr := queue.DecodeCopyOp(req.Payload)
		if decErr != nil {
			return nil, clerr.Wrap(clerr.ProtocolError, decErr)
		}
		src, srcBuf, srcErr := c.memObject(srcID)
		if srcErr != nil {
			return nil, srcErr
		}
		dst, dstBuf, dstErr := c.memObject(dstID)
		if dstErr != nil {
			return nil, dstErr
		}
		cmd.Submit = func(cc *command.Command) {
			if srcBuf != nil && dstBuf != nil {
				if _, copyErr := native.EnqueueCopyBuffer(q, srcBuf, dstBuf, srcOffset, dstOffset, size, nil); copyErr != nil {
					cc.OnExecutionStatusChanged(event.Status(clerr.OutOfResources))
					return
				}
				if finErr := q.Finish(); finErr != nil {
					cc.OnExecutionStatusChanged(event.Status(clerr.OutOfResources))
					return
				}
			}
			data, readErr := src.ReadAt(srcOffset, size)
			if readErr != nil {
				cc.OnExecutionStatusChanged(event.Status(clerr.OutOfResources))
				return
			}
			if writeErr := dst.WriteAt(dstOffset, data); writeErr != nil {
				cc.OnExecutionStatusChanged(event.Status(clerr.OutOfResources))
				return
			}
			cc.OnExecutionStatusChanged(event.StatusComplete)
		}
	case proto.KindEnqueueMapBuffer:
		// READ maps behave like read-buffer: the host needs the current
		// bytes to back the mapped pointer. WRITE/WRITE_INVALIDATE-only
		// maps are markers.
		bufferID, mapFlags, offset, size, decErr := queue.DecodeMapOp(req.Payload)
		if decErr != nil {
			return nil, clerr.Wrap(clerr.ProtocolError, decErr)
		}
		if memory.MapFlags(mapFlags)&memory.MapFlagRead != 0 {
			obj, _, objErr := c.memObject(bufferID)
			if objErr != nil {
				return nil, objErr
			}
			cmd.Submit = s.sendBufferBytes(bg, obj, offset, size, uint64(req.CommandID))
		}
	case proto.KindEnqueueUnmapBuffer:
		// Unmapping a WRITE-flagged map uploads the bytes the application
		// wrote into the mapped region; anything else is a marker.
		bufferID, mapFlags, offset, size, decErr := queue.DecodeUnmapOp(req.Payload)
		if decErr != nil {
			return nil, clerr.Wrap(clerr.ProtocolError, decErr)
		}
		if memory.MapFlags(mapFlags)&(memory.MapFlagWrite|memory.MapFlagWriteInvalidate) != 0 {
			obj, nativeBuf, objErr := c.memObject(bufferID)
			if objErr != nil {
				return nil, objErr
			}
			cmd.Submit = s.receiveBufferBytes(bg, q, obj, nativeBuf, offset, size, uint64(req.CommandID))
		}
	case proto.KindEnqueueNDRangeKernel, proto.KindEnqueueTask:
		kernelID, globalWS, localWS, decErr := decodeKernelLaunch(req)
		if decErr != nil {
			return nil, clerr.Wrap(clerr.ProtocolError, decErr)
		}
		c.mu.Lock()
		k, kernelOK := c.kernels[kernelID]
		args := make([]consistency.KernelArg, 0, len(c.kernelArgs[kernelID]))
		for _, a := range c.kernelArgs[kernelID] {
			args = append(args, a)
		}
		c.mu.Unlock()
		if !kernelOK {
			return nil, clerr.New(clerr.InvalidKernel)
		}
		writeSet := consistency.KernelWriteSet(args)
		ev.AttachMemoryObjects(writeSet)
		cmd.Submit = s.launchKernel(q, k, globalWS, localWS, writeSet, c, receivedNs)
	case proto.KindEnqueueMarker, proto.KindEnqueueBarrier, proto.KindEnqueueWaitForEvents:
		// Gating below is the whole of the work: with dependencies this is
		// the internal count-down latch construction; without any, the native marker/barrier
		// provides the synchronisation point and its callback completes the
		// command.
		if len(waitEvents) == 0 && req.Kind != proto.KindEnqueueWaitForEvents {
			nativeEv, natErr := s.enqueueNativeSyncPoint(req.Kind, q)
			if natErr != nil {
				return nil, natErr
			}
			ev.AttachBacking(native.NewEventBacking(nativeEv, receivedNs))
			native.SetEventCallback(nativeEv, func(status int32) {
				cmd.OnExecutionStatusChanged(event.Status(status))
			})
			return &proto.Response{Kind: proto.RespSuccess}, nil
		}
	}

	// Drive the command through SUBMITTED (running any Submit hook) once
	// its local dependencies settle, off the request handler's goroutine.
	go func() {
		if st := gateStatus(bg, waitEvents); st != event.StatusComplete {
			cmd.OnExecutionStatusChanged(st)
			return
		}
		cmd.OnExecutionStatusChanged(event.StatusSubmitted)
		if cmd.Submit == nil {
			cmd.OnExecutionStatusChanged(event.StatusComplete)
		}
	}()

	return &proto.Response{Kind: proto.RespSuccess}, nil
}

func (s *Session) enqueueNativeSyncPoint(kind proto.RequestKind, q *native.Queue) (cl.Event, error) {
	if kind == proto.KindEnqueueBarrier {
		ev, err := native.EnqueueBarrier(q, nil)
		if err != nil {
			return 0, clerr.Wrap(clerr.OutOfResources, err)
		}
		return ev, nil
	}
	ev, err := native.EnqueueMarker(q, nil)
	if err != nil {
		return 0, clerr.Wrap(clerr.OutOfResources, err)
	}
	return ev, nil
}

// sendBufferBytes builds the Submit hook for a command whose daemon-side
// share is "ship the current replica bytes to the host" (read-buffer,
// map-for-read): the host finishes the transfer.
func (s *Session) sendBufferBytes(ctx context.Context, obj *memory.Object, offset, size uint64, commandID uint64) func(*command.Command) {
	return func(cc *command.Command) {
		data, readErr := obj.ReadAt(offset, size)
		if readErr != nil {
			cc.OnExecutionStatusChanged(event.Status(clerr.OutOfResources))
			return
		}
		if s.bulk != nil {
			if sendErr := s.bulk.SendBulk(ctx, consistency.CommandKey(commandID), data); sendErr != nil {
				cc.OnExecutionStatusChanged(event.Status(clerr.IOError))
				return
			}
		}
		cc.OnExecutionStatusChanged(event.StatusComplete)
	}
}

// receiveBufferBytes builds the Submit hook for a command whose daemon-side
// share is "take bytes from the host and land them in the replica and the
// native buffer" (write-buffer, unmap-after-write).
func (s *Session) receiveBufferBytes(ctx context.Context, q *native.Queue, obj *memory.Object, nativeBuf *native.Buffer, offset, size uint64, commandID uint64) func(*command.Command) {
	return func(cc *command.Command) {
		if s.bulk == nil {
			cc.OnExecutionStatusChanged(event.StatusComplete)
			return
		}
		data, recvErr := s.bulk.ReceiveBulk(ctx, consistency.CommandKey(commandID), size)
		if recvErr != nil {
			cc.OnExecutionStatusChanged(event.Status(clerr.IOError))
			return
		}
		if writeErr := obj.WriteAt(offset, data); writeErr != nil {
			cc.OnExecutionStatusChanged(event.Status(clerr.OutOfResources))
			return
		}
		if nativeBuf != nil {
			if natErr := native.WriteFromHost(q, nativeBuf, offset, data); natErr != nil {
				cc.OnExecutionStatusChanged(event.Status(clerr.OutOfResources))
				return
			}
		}
		cc.OnExecutionStatusChanged(event.StatusComplete)
	}
}

// launchKernel builds the Submit hook for an nd-range-kernel/task command:
// native enqueue, then on native completion refresh the replica cache of
// every writable argument so later read-buffer and release operations on
// this node observe the kernel's writes.
func (s *Session) launchKernel(q *native.Queue, k *native.Kernel, globalWS, localWS []uint64, writeSet []event.MemoryRef, c *Context, receivedNs int64) func(*command.Command) {
	return func(cc *command.Command) {
		nativeEv, launchErr := native.EnqueueNDRangeKernel(q, k, globalWS, localWS, nil)
		if launchErr != nil {
			cc.OnExecutionStatusChanged(event.Status(clerr.OutOfResources))
			return
		}
		if flushErr := q.Flush(); flushErr != nil {
			cc.OnExecutionStatusChanged(event.Status(clerr.OutOfResources))
			return
		}
		if ev := cc.Event(); ev != nil {
			ev.AttachBacking(native.NewEventBacking(nativeEv, receivedNs))
		}
		native.SetEventCallback(nativeEv, func(status int32) {
			if status < 0 {
				cc.OnExecutionStatusChanged(event.Status(status))
				return
			}
			for _, ref := range writeSet {
				obj, nativeBuf, objErr := c.memObject(ref.ObjectID)
				if objErr != nil || nativeBuf == nil {
					continue
				}
				data, readErr := native.ReadToHost(q, nativeBuf, 0, nativeBuf.Size)
				if readErr != nil {
					cc.OnExecutionStatusChanged(event.Status(clerr.OutOfResources))
					return
				}
				if writeErr := obj.WriteAt(0, data); writeErr != nil {
					cc.OnExecutionStatusChanged(event.Status(clerr.OutOfResources))
					return
				}
			}
			cc.OnExecutionStatusChanged(event.StatusComplete)
		})
	}
}

func decodeKernelLaunch(req *proto.Request) (kernelID uint64, globalWS, localWS []uint64, err error) {
	if req.Kind == proto.KindEnqueueTask {
		kernelID, err = queue.DecodeTaskOp(req.Payload)
		return kernelID, []uint64{1}, []uint64{1}, err
	}
	return queue.DecodeNDRangeOp(req.Payload)
}

// daemonBroadcaster implements event.Broadcaster by pushing a
// NotifyStatusChanged notification back to the host, with
// Scope carrying ScopePeers when the event's role says peers should learn
// of the transition too.
type daemonBroadcaster struct{ s *Session }

func (b daemonBroadcaster) BroadcastStatus(eventID uint64, status event.Status, target event.BroadcastTarget) {
	if b.s.notify == nil {
		return
	}
	var scope uint8
	if target&event.TargetPeers != 0 {
		scope = proto.ScopePeers
	}
	b.s.notify(&proto.Notification{Kind: proto.NotifyStatusChanged, TargetID: proto.ObjectID(eventID), Status: int32(status), Scope: scope})
}
