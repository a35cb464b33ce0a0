package session

import (
	"fmt"
	"sync/atomic"

	"github.com/wwu-pi/dcl/internal/consistency"
	"github.com/wwu-pi/dcl/internal/dcllog"
	"github.com/wwu-pi/dcl/internal/proto"
	"github.com/wwu-pi/dcl/internal/registry"
	"github.com/wwu-pi/dcl/internal/transport"
)

// ConnBinding is the narrow slice of a transport connection a Manager needs
// to bind a new Session to it: the bulk-channel primitives plus a way to
// push an unsolicited notification
// back down that same connection. internal/transport/wsbulk's
// *Conn satisfies this structurally; the session package never imports it,
// keeping the dependency pointed the other way.
type ConnBinding interface {
	consistency.BulkTransport
	SendNotification(n *proto.Notification) error
}

// Manager creates one Session per incoming host connection and routes asynchronous
// notifications arriving on that connection (chiefly NotifySynchronise,
// mediated via the host) through the shared object registry.
type Manager struct {
	reg     *registry.Registry
	log     *dcllog.Logger
	nodeID  string
	counter uint64
}

// NewManager builds a Manager for the daemon identified by nodeID, sharing
// reg with every Session it creates.
func NewManager(nodeID string, reg *registry.Registry, log *dcllog.Logger) *Manager {
	return &Manager{reg: reg, log: log, nodeID: nodeID}
}

// Bind creates a fresh Session bound to conn and returns the
// transport.RequestHandler/NotificationSink pair a connection's Serve loop
// dispatches into.
func (m *Manager) Bind(conn ConnBinding) (transport.RequestHandler, transport.NotificationSink) {
	id := atomic.AddUint64(&m.counter, 1)
	sessionID := fmt.Sprintf("session-%d", id)
	s := New(sessionID, m.nodeID, m.reg, conn, conn.SendNotification, m.log)

	sink := transport.NotificationSinkFunc(func(n *proto.Notification) {
		if !m.reg.Dispatch(uint64(n.TargetID), n) {
			m.log.Warn("dropping notification for unbound object", dcllog.Ctx{
				"session": sessionID, "target": uint64(n.TargetID), "kind": n.Kind,
			})
		}
	})
	return s, sink
}
