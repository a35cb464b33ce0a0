// Package event implements the distributed OpenCL event: one
// authoritative owner node per event plus replica placeholders on every
// other node that references it, driven to COMPLETE or an error status by
// status-change messages (replicas) or native driver callbacks (the
// owner).
//
// Instead of an event class hierarchy there is one Event type with a
// sum-typed Role: the role only changes which destinations a status
// broadcast reaches and whether profiling comes from one or two native
// events — the state machine itself is identical.
package event

import (
	"context"
	"sync"
	"time"

	"github.com/wwu-pi/dcl/internal/clerr"
	"github.com/wwu-pi/dcl/internal/proto"
)

// Status mirrors the OpenCL execution-status domain: QUEUED=3,
// SUBMITTED=2, RUNNING=1, COMPLETE=0, and negative values are errors.
// Transitions only ever decrease.
type Status int32

const (
	StatusQueued    Status = 3
	StatusSubmitted Status = 2
	StatusRunning   Status = 1
	StatusComplete  Status = 0
)

// IsTerminal reports whether s is COMPLETE or an error — the only statuses
// from which no further transition is possible.
func (s Status) IsTerminal() bool { return s <= StatusComplete }

// Role distinguishes the event variants that would otherwise each be
// their own type.
type Role int

const (
	// Replica is a stand-in for an event owned by another node.
	Replica Role = iota
	// SimpleLocal is an owner-side event broadcast to both host and peers.
	SimpleLocal
	// NodeOnlyLocal is an owner-side event whose status is also relayed to
	// peers (the host completes the command itself, e.g. read-buffer).
	NodeOnlyLocal
	// HostBoundLocal is an owner-side event with a distinct start/end
	// native event pair, completed by a host-side callback (e.g.
	// write-buffer's unmap, whose completion the consistency protocol's
	// release step also observes).
	HostBoundLocal
	// DualLocal is an owner-side event backed by two native events (e.g.
	// map-then-unmap) where profiling must span both.
	DualLocal
)

// BroadcastTarget gates whether a status transition's broadcast should
// additionally be relayed by the host to peer daemons. The host itself
// always learns of every transition — a daemon has exactly one connection,
// to the host — so this only decides onward relay.
type BroadcastTarget uint8

const (
	// TargetPeers relays the status change to every other node sharing the
	// event's context, beyond the host that always receives it.
	TargetPeers BroadcastTarget = 1 << iota
)

// BroadcastTarget reports which destinations a status change on an event
// with this role should reach, beyond the host:
//   - SimpleLocal: host and peers both need the event (e.g. kernel/task
//     completion, which other nodes may be waiting on).
//   - NodeOnlyLocal: the host completes the command itself (e.g.
//     read-buffer, driven by the host's own bulk transfer), but peers may
//     still reference the event in a cross-node wait list.
//   - HostBoundLocal: the consistency protocol's release/acquire exchange
//     is how peers learn the memory is ready, not a blind status
//     broadcast, so peer relay is unnecessary.
//   - DualLocal: same reasoning as HostBoundLocal; its second native event
//     only changes profiling, not broadcast.
//   - Replica: never broadcasts (status arrives from the owner instead).
func (r Role) BroadcastTarget() BroadcastTarget {
	switch r {
	case SimpleLocal, NodeOnlyLocal:
		return TargetPeers
	default:
		return 0
	}
}

// Backing is the native-event side of an owner event — implemented by the
// daemon using internal/native, never by this package directly, so that
// internal/event has no cgo dependency.
type Backing interface {
	// Wait blocks until the backing native event(s) reach a terminal
	// state.
	Wait(ctx context.Context) error
	// Profiling returns the backing event's timestamps, or the driver's
	// error if they cannot be read.
	Profiling() (Profiling, error)
}

// Profiling holds the timestamps get_profiling_info returns — the four
// standard device counters plus the daemon-side receipt time backing
// PROFILING_COMMAND_RECEIVED — all in nanoseconds, corrected onto the
// daemon clock domain.
type Profiling struct {
	Queued, Submit, Start, End, Received int64
}

// Broadcaster abstracts "tell the host" / "tell my peers" — implemented by
// the session/dispatch layer, injected so this package never imports the
// transport.
type Broadcaster interface {
	BroadcastStatus(eventID uint64, status Status, target BroadcastTarget)
}

// MemoryRef identifies a memory object an event releases: every write to
// a memory object is associated with exactly one event, and a consumer
// acquires those writes by listing that event in its wait list.
type MemoryRef struct {
	ObjectID uint64
}

type callback struct {
	trigger Status
	fn      func(status Status)
	fired   bool
}

// Event is a distributed OpenCL synchronisation point.
type Event struct {
	mu reentrantMutex

	id        uint64
	ownerNode string
	commandID uint64
	role      Role
	isUser    bool

	status    Status
	callbacks []*callback
	done      chan struct{}
	doneOnce  sync.Once

	memObjects []MemoryRef

	backing     Backing
	broadcaster Broadcaster

	profiling      Profiling
	profilingCache bool

	// synchronisedOnce guards the one acquire synchronize_remote ever
	// issues for this replica event; repeat consumers reuse the cached
	// result. A failed acquire is cached the same way: the I/O error
	// propagates to every later consumer rather than silently yielding an
	// empty list.
	synchronisedOnce sync.Once
	syncNativeEvents []uint64 // ids of the acquire commands' native events, opaque to this package
	syncErr          error
}

// NewOwner creates an owner-side event for a just-enqueued command.
// backing may be nil for commands whose completion is driven purely by
// messages from another owner-side step (rare; SetComplete commands).
func NewOwner(id, commandID uint64, role Role, broadcaster Broadcaster, backing Backing) *Event {
	return &Event{
		id:          id,
		commandID:   commandID,
		role:        role,
		status:      StatusQueued,
		done:        make(chan struct{}),
		broadcaster: broadcaster,
		backing:     backing,
	}
}

// NewUserEvent creates a user event: no producing command, status set
// explicitly via SetStatus.
func NewUserEvent(id uint64, broadcaster Broadcaster) *Event {
	e := NewOwner(id, id, SimpleLocal, broadcaster, nil)
	e.isUser = true
	return e
}

// NewReplica creates a non-owner placeholder event, driven exclusively by
// NotifyStatusChanged messages from ownerNode.
func NewReplica(id, commandID uint64, ownerNode string, memObjects []MemoryRef) *Event {
	return &Event{
		id:         id,
		ownerNode:  ownerNode,
		commandID:  commandID,
		role:       Replica,
		status:     StatusQueued,
		done:       make(chan struct{}),
		memObjects: memObjects,
	}
}

// ID returns the object id of this event.
func (e *Event) ID() uint64 { return e.id }

// OwnerNode returns the node that produced this event. Empty for an
// owner-side event on the node that is itself the owner.
func (e *Event) OwnerNode() string { return e.ownerNode }

// IsReplica reports whether this is a non-owner placeholder.
func (e *Event) IsReplica() bool { return e.role == Replica }

// Status returns the current execution status.
func (e *Event) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// AttachMemoryObjects records the memory objects this event releases.
func (e *Event) AttachMemoryObjects(refs []MemoryRef) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.memObjects = dedupRefs(refs)
}

// MemoryObjects returns the memory objects this event releases.
func (e *Event) MemoryObjects() []MemoryRef {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]MemoryRef(nil), e.memObjects...)
}

func dedupRefs(refs []MemoryRef) []MemoryRef {
	seen := make(map[uint64]struct{}, len(refs))
	out := make([]MemoryRef, 0, len(refs))
	for _, r := range refs {
		if _, ok := seen[r.ObjectID]; ok {
			continue
		}
		seen[r.ObjectID] = struct{}{}
		out = append(out, r)
	}
	return out
}

// SetCallback registers fn to run once the event reaches triggerStatus or
// an earlier (more-terminal) status. If the event has already reached that
// point, fn fires synchronously on the calling goroutine, matching OpenCL's
// clSetEventCallback contract.
func (e *Event) SetCallback(triggerStatus Status, fn func(status Status)) {
	e.mu.Lock()
	cb := &callback{trigger: triggerStatus, fn: fn}
	if e.status <= triggerStatus {
		cb.fired = true
		status := e.status
		e.mu.Unlock()
		fn(status)
		return
	}
	e.callbacks = append(e.callbacks, cb)
	e.mu.Unlock()
}

// SetStatus drives the monotonic state transition: a
// no-op for a status older than the current one (i.e. numerically larger,
// since the domain only ever decreases), idempotent for an equal status.
//
// The callbacks-then-broadcast order is mandatory: every callback
// registered for this status (or a
// less-terminal one already passed) fires before peers are told about the
// transition, so a callback can still safely retain the event while peers
// have not yet had a chance to release their own reference to it.
func (e *Event) SetStatus(status Status) {
	e.mu.Lock()
	if status >= e.status {
		// Equal: idempotent no-op. Greater (numerically): a stale message
		// describing an already-superseded status. Neither needs a second
		// round of callbacks or broadcast.
		e.mu.Unlock()
		return
	}

	e.status = status
	toFire := make([]*callback, 0, len(e.callbacks))
	for _, cb := range e.callbacks {
		if !cb.fired && cb.trigger >= status {
			cb.fired = true
			toFire = append(toFire, cb)
		}
	}
	terminal := status.IsTerminal()
	e.mu.Unlock()

	// Callbacks first...
	for _, cb := range toFire {
		cb.fn(status)
	}

	if terminal {
		e.doneOnce.Do(func() { close(e.done) })
	}

	// ...broadcast second.
	if e.broadcaster != nil {
		e.broadcaster.BroadcastStatus(e.id, status, e.role.BroadcastTarget())
	}
}

// AttachBacking attaches the native backing once the enqueuing daemon
// obtains it, which for some kinds only
// happens after the native enqueue call that follows event construction.
func (e *Event) AttachBacking(b Backing) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.backing = b
}

// Wait blocks until the event reaches COMPLETE or an error status. If the
// event is attached to a queue an implicit flush must be performed by the
// caller first — that requires the queue, which this
// package does not reference, so internal/queue calls Flush before Wait.
func (e *Event) Wait(ctx context.Context) error {
	if e.backing != nil {
		if err := e.backing.Wait(ctx); err != nil {
			return err
		}
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsComplete reports whether the event has reached a terminal status,
// without blocking.
func (e *Event) IsComplete() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// ErrFromStatus converts a negative status into a clerr.Error, or nil for
// COMPLETE.
func ErrFromStatus(status Status) error {
	if status == StatusComplete {
		return nil
	}
	if status < StatusComplete {
		return clerr.New(clerr.Code(status))
	}
	return nil
}

// Profiling returns the profiling timestamps, fetching them lazily from
// the owner node if this is a replica and they are not yet cached.
// PROFILING_INFO_NOT_AVAILABLE (reported by the caller as
// clerr.InvalidValue-class) applies to user events and to pure replica
// events without a native backing.
func (e *Event) Profiling(fetch func() (Profiling, error)) (Profiling, error) {
	e.mu.Lock()
	if e.profilingCache {
		p := e.profiling
		e.mu.Unlock()
		return p, nil
	}
	e.mu.Unlock()

	if e.isUser {
		return Profiling{}, clerr.New(clerr.InvalidValue)
	}

	var (
		p   Profiling
		err error
	)
	if e.backing != nil {
		var bp Profiling
		bp, err = e.backing.Profiling()
		p = bp
	} else if fetch != nil {
		p, err = fetch()
	} else {
		return Profiling{}, clerr.New(clerr.InvalidValue)
	}
	if err != nil {
		return Profiling{}, err
	}

	e.mu.Lock()
	e.profiling = p
	e.profilingCache = true
	e.mu.Unlock()
	return p, nil
}

// SynchroniseRemote implements the replica side of the memory consistency
// protocol. On the first call for this event it invokes
// acquire for each attached memory object (via the supplied callback,
// typically internal/consistency.Acquire) and caches the resulting native
// wait-list ids; later calls reuse the cache, so a given replica event
// never issues more than one acquire per memory object per consuming node.
func (e *Event) SynchroniseRemote(acquire func(refs []MemoryRef) ([]uint64, error)) ([]uint64, error) {
	e.synchronisedOnce.Do(func() {
		refs := e.MemoryObjects()
		ids, err := acquire(refs)
		e.mu.Lock()
		e.syncNativeEvents = ids
		e.syncErr = err
		e.mu.Unlock()
	})
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.syncErr != nil {
		return nil, e.syncErr
	}
	return append([]uint64(nil), e.syncNativeEvents...), nil
}

// StatusChanged is the message-driven entry point replicas use when a
// NotifyStatusChanged notification arrives.
func (e *Event) StatusChanged(n *proto.Notification) {
	e.SetStatus(Status(n.Status))
}

// Destroyable reports whether the event may be destroyed: reference count
// zero (checked by the caller, which owns the refcount) and terminal
// status.
func (e *Event) Destroyable() bool {
	return e.Status().IsTerminal()
}

// DefaultProfilingFetchTimeout bounds how long a replica waits for the
// owner to answer a profiling-info query before giving up.
const DefaultProfilingFetchTimeout = 5 * time.Second
