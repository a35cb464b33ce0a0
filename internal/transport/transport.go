// Package transport defines the contract between the engine core and the
// network: a request/response message channel plus a correlated bulk byte
// channel. The core only ever depends on the narrow
// interfaces declared next to the packages that consume them
// (internal/queue.Transport, internal/consistency.BulkTransport); this
// package exists to host a concrete, swappable implementation and the
// daemon-side dispatch contract those implementations drive.
package transport

import (
	"context"

	"github.com/wwu-pi/dcl/internal/proto"
)

// RequestHandler turns an incoming Request into a Response. Implemented by
// internal/session on the daemon side; the transport layer's only job is
// getting bytes across the wire and back.
type RequestHandler interface {
	HandleRequest(ctx context.Context, req *proto.Request) *proto.Response
}

// NotificationSink receives asynchronous, unsolicited notifications —
// status changes, synchronisation requests, program-build completions
// — pushed from a daemon to a host or peer.
type NotificationSink interface {
	HandleNotification(n *proto.Notification)
}

// RequestHandlerFunc adapts a function to a RequestHandler.
type RequestHandlerFunc func(ctx context.Context, req *proto.Request) *proto.Response

// HandleRequest implements RequestHandler.
func (f RequestHandlerFunc) HandleRequest(ctx context.Context, req *proto.Request) *proto.Response {
	return f(ctx, req)
}

// NotificationSinkFunc adapts a function to a NotificationSink.
type NotificationSinkFunc func(n *proto.Notification)

// HandleNotification implements NotificationSink.
func (f NotificationSinkFunc) HandleNotification(n *proto.Notification) { f(n) }
