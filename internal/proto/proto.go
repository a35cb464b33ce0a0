// Package proto defines the host↔daemon message contract: request ids,
// object-id allocation, and the three message shapes (response, typed
// error, notification) the daemons and the host exchange. Encoding follows
// internal/wire; this package owns *what* goes on the wire, internal/wire
// owns *how*.
//
// The transport itself — the sessioned reliable message stream plus the
// separate bulk byte-transfer channel — is an external collaborator; this
// package only defines the payloads that travel over it.
package proto

import (
	"github.com/google/uuid"

	"github.com/wwu-pi/dcl/internal/clerr"
	"github.com/wwu-pi/dcl/internal/wire"
)

// ObjectID is a process-wide-unique 64-bit handle. Ids are
// opaque and host-allocated; daemons never allocate them.
type ObjectID uint64

// RequestKind discriminates the payload carried by a Request. One value per
// enqueueable OpenCL command plus the creation/retain/release
// operations needed to populate a Session.
type RequestKind uint8

const (
	KindCreateContext RequestKind = iota + 1
	KindDestroyContext
	KindCreateCommandQueue
	KindCreateBuffer
	KindRetainObject
	KindReleaseObject
	KindCreateProgram
	KindBuildProgram
	KindCreateKernel
	KindSetKernelArg
	KindCreateUserEvent
	KindSetUserEventStatus
	KindFlush
	KindFinish
	KindEnqueueReadBuffer
	KindEnqueueWriteBuffer
	KindEnqueueCopyBuffer
	KindEnqueueMapBuffer
	KindEnqueueUnmapBuffer
	KindEnqueueNDRangeKernel
	KindEnqueueTask
	KindEnqueueMarker
	KindEnqueueBarrier
	KindEnqueueWaitForEvents
	KindEventSynchronisation // consistency protocol: replica→owner "please release" request
	KindCreateEventReplica   // host→daemon: register a replica for an event owned by a different node
	KindGetProfilingInfo     // host→owner daemon: fetch clGetEventProfilingInfo timestamps
)

// Request is the envelope for every operation a host sends to a daemon.
// RequestID correlates a Response to this Request; CommandID
// is the object id being created or acted on — always host-allocated
// before the request is sent (invariant: daemons never allocate ids).
type Request struct {
	RequestID   uuid.UUID
	Kind        RequestKind
	ContextID   ObjectID
	QueueID     ObjectID
	CommandID   ObjectID // the id of the object this request creates/targets
	EventID     ObjectID // id of the event to create for this command, 0 if none requested
	WaitList    []ObjectID
	IsBlocking  bool
	Payload     []byte // kind-specific remainder, encoded with internal/wire
}

// Encode serialises the envelope and payload using the shared wire codec.
func (r *Request) Encode() []byte {
	w := wire.NewWriter()
	idBytes, _ := r.RequestID.MarshalBinary()
	w.PutBytes(idBytes)
	w.PutUint8(uint8(r.Kind))
	w.PutUint64(uint64(r.ContextID))
	w.PutUint64(uint64(r.QueueID))
	w.PutUint64(uint64(r.CommandID))
	w.PutUint64(uint64(r.EventID))
	ids := make([]uint64, len(r.WaitList))
	for i, id := range r.WaitList {
		ids[i] = uint64(id)
	}
	w.PutUint64Slice(ids)
	w.PutBool(r.IsBlocking)
	w.PutBytes(r.Payload)
	return w.Bytes()
}

// DecodeRequest parses a Request written by Encode.
func DecodeRequest(buf []byte) (*Request, error) {
	r := wire.NewReader(buf)
	idBytes, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	reqID, err := uuid.FromBytes(idBytes)
	if err != nil {
		return nil, err
	}
	kind, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	ctxID, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	queueID, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	cmdID, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	eventID, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	rawWait, err := r.Uint64Slice()
	if err != nil {
		return nil, err
	}
	blocking, err := r.Bool()
	if err != nil {
		return nil, err
	}
	payload, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	waitList := make([]ObjectID, len(rawWait))
	for i, id := range rawWait {
		waitList[i] = ObjectID(id)
	}
	return &Request{
		RequestID:  reqID,
		Kind:       RequestKind(kind),
		ContextID:  ObjectID(ctxID),
		QueueID:    ObjectID(queueID),
		CommandID:  ObjectID(cmdID),
		EventID:    ObjectID(eventID),
		WaitList:   waitList,
		IsBlocking: blocking,
		Payload:    payload,
	}, nil
}

// ResponseKind discriminates the three response shapes: generic success,
// typed error, and info-bearing query result.
type ResponseKind uint8

const (
	// RespSuccess carries no data beyond the request id it answers.
	RespSuccess ResponseKind = iota
	// RespError carries a typed OpenCL error code.
	RespError
	// RespInfo carries a query result (e.g. profiling info, device list).
	RespInfo
)

// Response answers a Request by RequestID.
type Response struct {
	RequestID uuid.UUID
	Kind      ResponseKind
	Error     clerr.Code
	Info      []byte
}

// Encode serialises a Response using the shared wire codec.
func (r *Response) Encode() []byte {
	w := wire.NewWriter()
	idBytes, _ := r.RequestID.MarshalBinary()
	w.PutBytes(idBytes)
	w.PutUint8(uint8(r.Kind))
	w.PutInt32(int32(r.Error))
	w.PutBytes(r.Info)
	return w.Bytes()
}

// DecodeResponse parses a Response written by Encode.
func DecodeResponse(buf []byte) (*Response, error) {
	r := wire.NewReader(buf)
	idBytes, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	reqID, err := uuid.FromBytes(idBytes)
	if err != nil {
		return nil, err
	}
	kind, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	code, err := r.Int32()
	if err != nil {
		return nil, err
	}
	info, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	return &Response{RequestID: reqID, Kind: ResponseKind(kind), Error: clerr.Code(code), Info: info}, nil
}

// NotificationKind discriminates asynchronous, unsolicited messages that
// are not responses to any particular request.
type NotificationKind uint8

const (
	// NotifyStatusChanged reports a command/event execution-status
	// transition: QUEUED→SUBMITTED→RUNNING→COMPLETE
	// or a negative error status.
	NotifyStatusChanged NotificationKind = iota + 1
	// NotifySynchronise is the consistency-protocol "please release"
	// request a consumer node holding a replica sends, targeted at the
	// replica's event id, when a command it runs waits on that event.
	NotifySynchronise
	// NotifyProgramBuildComplete reports a daemon-side clBuildProgram
	// callback firing.
	NotifyProgramBuildComplete
)

// Scope bits gate whether the host relays a Notification on to peer
// daemons, beyond delivering it to its own listeners. The host itself
// always observes every notification
// its daemons send it — a daemon has exactly one connection, to the host —
// so Scope only ever decides onward relay, never host delivery.
const (
	ScopePeers uint8 = 1 << iota
)

// Notification targets ObjectID; the receiving process looks up the
// listener bound to that id in the object registry and
// discards the message, with a warning, if none is bound.
type Notification struct {
	Kind     NotificationKind
	TargetID ObjectID
	Status   int32  // valid for NotifyStatusChanged
	PeerNode string // valid for NotifySynchronise: the requesting node that holds the replica
	Scope    uint8  // valid for NotifyStatusChanged: ScopePeers if the host should relay onward
}

// Encode serialises a Notification using the shared wire codec.
func (n *Notification) Encode() []byte {
	w := wire.NewWriter()
	w.PutUint8(uint8(n.Kind))
	w.PutUint64(uint64(n.TargetID))
	w.PutInt32(n.Status)
	w.PutString(n.PeerNode)
	w.PutUint8(n.Scope)
	return w.Bytes()
}

// DecodeNotification parses a Notification written by Encode.
func DecodeNotification(buf []byte) (*Notification, error) {
	r := wire.NewReader(buf)
	kind, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	targetID, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	status, err := r.Int32()
	if err != nil {
		return nil, err
	}
	peer, err := r.String()
	if err != nil {
		return nil, err
	}
	scope, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	return &Notification{Kind: NotificationKind(kind), TargetID: ObjectID(targetID), Status: status, PeerNode: peer, Scope: scope}, nil
}
