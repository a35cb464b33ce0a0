// Package wsbulk is a reference transport.RequestHandler/NotificationSink
// binding over a single WebSocket connection: one binary message per
// request, response, notification, or bulk payload, multiplexed by a
// one-byte frame kind. It exists so the engine core is runnable end to end;
// internal/queue and internal/consistency never import this package, only
// the narrow interfaces they declare themselves.
package wsbulk

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/wwu-pi/dcl/internal/clerr"
	"github.com/wwu-pi/dcl/internal/dcllog"
	"github.com/wwu-pi/dcl/internal/proto"
	"github.com/wwu-pi/dcl/internal/transport"
	"github.com/wwu-pi/dcl/internal/wire"
)

type frameKind uint8

const (
	frameRequest frameKind = iota + 1
	frameResponse
	frameNotification
	frameBulk
)

// Conn is one multiplexed WebSocket connection between a host and a
// daemon, or between two daemons for bulk transfer.
type Conn struct {
	ws  *websocket.Conn
	log *dcllog.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uuid.UUID]chan *proto.Response

	bulkMu sync.Mutex
	bulk   map[string]chan []byte

	handler transport.RequestHandler
	sink    transport.NotificationSink
	notifCh chan *proto.Notification
}

func newConn(ws *websocket.Conn, log *dcllog.Logger) *Conn {
	return &Conn{
		ws:      ws,
		log:     log,
		pending: make(map[uuid.UUID]chan *proto.Response),
		bulk:    make(map[string]chan []byte),
		notifCh: make(chan *proto.Notification, 64),
	}
}

// Dial opens a client connection to a daemon's WebSocket endpoint.
func Dial(ctx context.Context, url string, log *dcllog.Logger) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, clerr.Wrap(clerr.ConnectionError, err)
	}
	return newConn(ws, log), nil
}

// Serve runs the connection's read loop until it closes, dispatching
// requests to handler and notifications to sink. Call it in its own
// goroutine immediately after Dial or Upgrade.
func (c *Conn) Serve(ctx context.Context, handler transport.RequestHandler, sink transport.NotificationSink) error {
	c.handler = handler
	c.sink = sink
	// Notifications are delivered in arrival order but off the read loop: a
	// listener may block waiting for a bulk frame (a host-finished transfer
	// hook), and that frame can only arrive if this loop keeps reading.
	defer close(c.notifCh)
	go func() {
		for n := range c.notifCh {
			if c.sink != nil {
				c.sink.HandleNotification(n)
			}
		}
	}()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.failPending(err)
			return clerr.Wrap(clerr.IOError, err)
		}
		if len(data) == 0 {
			continue
		}
		if err := c.dispatch(ctx, frameKind(data[0]), data[1:]); err != nil {
			c.log.Warn("wsbulk: dropping malformed frame", dcllog.Ctx{"error": err.Error()})
		}
	}
}

func (c *Conn) dispatch(ctx context.Context, kind frameKind, body []byte) error {
	switch kind {
	case frameRequest:
		req, err := proto.DecodeRequest(body)
		if err != nil {
			return err
		}
		if c.handler == nil {
			return fmt.Errorf("wsbulk: no request handler installed")
		}
		// Requests run off the read loop: a handler may legitimately block
		// waiting for a bulk frame, and
		// that frame can only arrive if this loop keeps reading. Ordering
		// for the application is preserved by the host side, which awaits
		// each response before issuing the next enqueue.
		go func() {
			resp := c.handler.HandleRequest(ctx, req)
			if err := c.writeFrame(frameResponse, resp.Encode()); err != nil {
				c.log.Warn("wsbulk: response write failed", dcllog.Ctx{"error": err.Error()})
			}
		}()
		return nil
	case frameResponse:
		resp, err := proto.DecodeResponse(body)
		if err != nil {
			return err
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.RequestID]
		delete(c.pending, resp.RequestID)
		c.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
		return nil
	case frameNotification:
		n, err := proto.DecodeNotification(body)
		if err != nil {
			return err
		}
		c.notifCh <- n
		return nil
	case frameBulk:
		r := wire.NewReader(body)
		key, err := r.String()
		if err != nil {
			return err
		}
		data, err := r.Bytes()
		if err != nil {
			return err
		}
		c.bulkChan(key) <- data
		return nil
	default:
		return fmt.Errorf("wsbulk: unknown frame kind %d", kind)
	}
}

func (c *Conn) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- &proto.Response{RequestID: id, Kind: proto.RespError, Error: clerr.ConnectionError}
		delete(c.pending, id)
	}
}

func (c *Conn) writeFrame(kind frameKind, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, byte(kind))
	frame = append(frame, payload...)
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// ExecuteCommand implements the internal/queue.Transport contract: send a
// Request frame and block until the matching Response frame arrives or ctx
// is cancelled.
func (c *Conn) ExecuteCommand(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	ch := make(chan *proto.Response, 1)
	c.pendingMu.Lock()
	c.pending[req.RequestID] = ch
	c.pendingMu.Unlock()

	if err := c.writeFrame(frameRequest, req.Encode()); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, req.RequestID)
		c.pendingMu.Unlock()
		return nil, clerr.Wrap(clerr.IOError, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, req.RequestID)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

// SendNotification pushes an unsolicited notification frame, used by a
// daemon to report status changes and by a node holding a replica event to
// request synchronisation.
func (c *Conn) SendNotification(n *proto.Notification) error {
	return c.writeFrame(frameNotification, n.Encode())
}

func (c *Conn) bulkChan(key string) chan []byte {
	c.bulkMu.Lock()
	defer c.bulkMu.Unlock()
	ch, ok := c.bulk[key]
	if !ok {
		ch = make(chan []byte, 1)
		c.bulk[key] = ch
	}
	return ch
}

// SendBulk implements internal/consistency.BulkTransport: peer is used here
// as the correlation key for the matching ReceiveBulk on the other end,
// since a single Conn may carry several release/acquire pairs concurrently.
func (c *Conn) SendBulk(ctx context.Context, peer string, data []byte) error {
	w := wire.NewWriter()
	w.PutString(peer)
	w.PutBytes(data)
	return c.writeFrame(frameBulk, w.Bytes())
}

// ReceiveBulk implements internal/consistency.BulkTransport: blocks until a
// bulk frame tagged with peer arrives.
func (c *Conn) ReceiveBulk(ctx context.Context, peer string, size uint64) ([]byte, error) {
	ch := c.bulkChan(peer)
	select {
	case data := <-ch:
		out := make([]byte, size)
		copy(out, data)
		c.bulkMu.Lock()
		delete(c.bulk, peer)
		c.bulkMu.Unlock()
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.ws.Close() }

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server accepts incoming daemon connections over HTTP and exposes a small
// diagnostics surface routed with gorilla/mux.
type Server struct {
	log     *dcllog.Logger
	handler transport.RequestHandler
	sink    transport.NotificationSink
	factory ConnFactory

	mu    sync.Mutex
	conns map[*Conn]struct{}

	router *mux.Router
}

// ConnFactory builds the request handler and notification sink for one
// freshly accepted connection — e.g. internal/session.Manager.Bind, which
// creates a new Session per host connection.
type ConnFactory func(conn *Conn) (transport.RequestHandler, transport.NotificationSink)

// NewServer builds a Server that dispatches every connection's requests to
// handler and notifications to sink. Every connection shares the same
// handler/sink; use NewServerWithFactory when each connection needs its own.
func NewServer(handler transport.RequestHandler, sink transport.NotificationSink, log *dcllog.Logger) *Server {
	s := &Server{handler: handler, sink: sink, log: log, conns: make(map[*Conn]struct{}), router: mux.NewRouter()}
	s.router.HandleFunc("/connect", s.handleConnect)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	return s
}

// NewServerWithFactory builds a Server that calls factory once per accepted
// connection to obtain that connection's own handler/sink pair, e.g. a fresh
// internal/session.Session.
func NewServerWithFactory(factory ConnFactory, log *dcllog.Logger) *Server {
	s := &Server{factory: factory, log: log, conns: make(map[*Conn]struct{}), router: mux.NewRouter()}
	s.router.HandleFunc("/connect", s.handleConnect)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("wsbulk: upgrade failed", dcllog.Ctx{"error": err.Error()})
		return
	}
	conn := newConn(ws, s.log)
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	handler, sink := s.handler, s.sink
	if s.factory != nil {
		handler, sink = s.factory(conn)
	}

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
		// Disconnection destroys the session bound to this connection.
		if closer, ok := handler.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				s.log.Warn("wsbulk: session teardown failed", dcllog.Ctx{"error": err.Error()})
			}
		}
	}()
	// Serve blocks this HTTP handler for the connection's lifetime, which
	// keeps r.Context() — the ctx every dispatched request sees — alive.
	_ = conn.Serve(r.Context(), handler, sink)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	n := len(s.conns)
	s.mu.Unlock()
	fmt.Fprintf(w, `{"connections":%d}`, n)
}

// DefaultDialTimeout bounds an outbound connection attempt.
const DefaultDialTimeout = 10 * time.Second
