package hostapi

import (
	"context"

	"github.com/wwu-pi/dcl/internal/dcllog"
	"github.com/wwu-pi/dcl/internal/proto"
	"github.com/wwu-pi/dcl/internal/registry"
	"github.com/wwu-pi/dcl/internal/transport"
	"github.com/wwu-pi/dcl/internal/transport/wsbulk"
)

// Connect dials the daemon at url and returns its ComputeNode handle with
// the request/response and bulk channels wired up. Incoming notifications
// — status changes, synchronisation requests, build completions — are
// dispatched through reg to whatever listener is bound to the target id;
// unbound targets are dropped with a warning.
//
// Device enumeration is the ICD front-end's concern, so the
// caller fills in Devices from its own node configuration.
func Connect(ctx context.Context, url string, reg *registry.Registry, log *dcllog.Logger) (*ComputeNode, error) {
	conn, err := wsbulk.Dial(ctx, url, log)
	if err != nil {
		return nil, err
	}

	sink := transport.NotificationSinkFunc(func(n *proto.Notification) {
		if !reg.Dispatch(uint64(n.TargetID), n) {
			log.Warn("dropping notification for unbound object", dcllog.Ctx{
				"node": url, "target": uint64(n.TargetID), "kind": n.Kind,
			})
		}
	})
	go conn.Serve(context.Background(), nil, sink)

	return &ComputeNode{ID: url, Transport: conn, Peer: conn}, nil
}

// ConnectAll dials every node URL from a parsed node file and returns the
// resulting ComputeNode set, closing nothing
// on partial failure — the caller owns cleanup, matching the engine's
// non-fatality rule.
func ConnectAll(ctx context.Context, urls []string, reg *registry.Registry, log *dcllog.Logger) ([]*ComputeNode, error) {
	nodes := make([]*ComputeNode, 0, len(urls))
	for _, url := range urls {
		n, err := Connect(ctx, url, reg, log)
		if err != nil {
			return nodes, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}
