// Package transport manages A2A connections over WebSocket, HTTP, gRPC and raw
// TCP behind one Transport interface, and serves the same four protocols for
// inbound traffic.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/config"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultBasePath = "/a2a"
	wsSuffix        = "/ws"
	notifySuffix    = "/notify"
)

// Transport is one protocol variant bound to a single remote endpoint. The set
// of implementations is closed: see newTransport.
type Transport interface {
	Protocol() string
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg *a2a.Message) (*a2a.Response, error)
	Notify(ctx context.Context, msg *a2a.Message) error
	Ping(ctx context.Context) error
	Connected() bool
	RemoteAddr() string
	Close() error
}

// byteCounter receives wire-level byte counts.
type byteCounter interface {
	AddBytes(direction string, n int)
}

func newTransport(cfg config.TransportConfig, auth *authMaterial, counter byteCounter, logger *logrus.Logger) (Transport, error) {
	switch cfg.Protocol {
	case config.ProtocolWebSocket:
		return newWebSocketTransport(cfg, auth, counter, logger), nil
	case config.ProtocolHTTP:
		return newHTTPTransport(cfg, auth, counter), nil
	case config.ProtocolGRPC:
		return newGRPCTransport(cfg, auth, counter), nil
	case config.ProtocolTCP:
		return newTCPTransport(cfg, auth, counter, logger), nil
	}
	return nil, a2a.Errorf(a2a.KindConfigInvalid, "unsupported protocol %q", cfg.Protocol)
}

// Connection is the shared record of one open transport.
type Connection struct {
	ID        string
	AgentID   string
	Protocol  string
	Config    config.TransportConfig
	CreatedAt time.Time

	transport    Transport
	connected    atomic.Bool
	lastActivity atomic.Int64
}

// ConnectionInfo is a read-only snapshot of a Connection.
type ConnectionInfo struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agentId,omitempty"`
	Protocol     string    `json:"protocol"`
	Remote       string    `json:"remote"`
	Connected    bool      `json:"isConnected"`
	KeepAlive    bool      `json:"keepAlive"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

func (c *Connection) IsConnected() bool { return c.connected.Load() && c.transport.Connected() }

func (c *Connection) LastActivity() time.Time { return time.Unix(0, c.lastActivity.Load()) }

func (c *Connection) touch(t time.Time) { c.lastActivity.Store(t.UnixNano()) }

// Info returns a snapshot of the connection.
func (c *Connection) Info() ConnectionInfo {
	return ConnectionInfo{
		ID:           c.ID,
		AgentID:      c.AgentID,
		Protocol:     c.Protocol,
		Remote:       c.transport.RemoteAddr(),
		Connected:    c.IsConnected(),
		KeepAlive:    c.Config.KeepAlive,
		CreatedAt:    c.CreatedAt,
		LastActivity: c.LastActivity(),
	}
}

// frame is the envelope of the stream protocols (WebSocket and TCP).
type frame struct {
	Kind     frameKind     `json:"kind"`
	ID       string        `json:"id,omitempty"`
	Token    string        `json:"token,omitempty"`
	Message  *a2a.Message  `json:"message,omitempty"`
	Response *a2a.Response `json:"response,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type frameKind string

const (
	frameHello    frameKind = "hello"
	frameWelcome  frameKind = "welcome"
	frameRequest  frameKind = "request"
	frameNotify   frameKind = "notify"
	frameResponse frameKind = "response"
	framePing     frameKind = "ping"
	framePong     frameKind = "pong"
	frameError    frameKind = "error"
)

// pendingCalls correlates responses read by a background loop with waiting senders.
type pendingCalls struct {
	mu     sync.Mutex
	calls  map[string]chan *a2a.Response
	closed error
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: make(map[string]chan *a2a.Response)}
}

func (p *pendingCalls) add(id string) (chan *a2a.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed != nil {
		return nil, p.closed
	}
	if _, dup := p.calls[id]; dup {
		return nil, a2a.Errorf(a2a.KindInvalidJSONRPCFormat, "request %s already in flight", id)
	}
	ch := make(chan *a2a.Response, 1)
	p.calls[id] = ch
	return ch, nil
}

func (p *pendingCalls) remove(id string) {
	p.mu.Lock()
	delete(p.calls, id)
	p.mu.Unlock()
}

func (p *pendingCalls) resolve(resp *a2a.Response) bool {
	p.mu.Lock()
	ch, ok := p.calls[resp.ID]
	delete(p.calls, resp.ID)
	p.mu.Unlock()
	if ok {
		ch <- resp
	}
	return ok
}

func (p *pendingCalls) failAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed != nil {
		return
	}
	p.closed = err
	for id, ch := range p.calls {
		close(ch)
		delete(p.calls, id)
	}
}

func (p *pendingCalls) err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *pendingCalls) await(ctx context.Context, id string, ch chan *a2a.Response) (*a2a.Response, error) {
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, p.err()
		}
		return resp, nil
	case <-ctx.Done():
		p.remove(id)
		return nil, a2a.Wrap(a2a.KindRequestTimeout, ctx.Err(), "request %s", id)
	}
}

func connectKind(protocol string) a2a.Kind {
	switch protocol {
	case config.ProtocolWebSocket:
		return a2a.KindWebSocketConnectFailed
	case config.ProtocolHTTP:
		return a2a.KindHTTPConnectFailed
	case config.ProtocolGRPC:
		return a2a.KindGrpcConnectFailed
	case config.ProtocolTCP:
		return a2a.KindTCPConnectFailed
	}
	return a2a.KindInternal
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// connectFailure maps a dial/handshake error to a typed kind.
func connectFailure(protocol, target string, err error) error {
	var typed *a2a.Error
	if errors.As(err, &typed) {
		return err
	}
	if isTimeout(err) {
		return a2a.Wrap(a2a.KindConnectTimeout, err, "connect %s %s", protocol, target)
	}
	return a2a.Wrap(connectKind(protocol), err, "connect %s %s", protocol, target)
}

// sendFailure maps a send error to a typed kind. Timeouts are RequestTimeout,
// never ConnectTimeout.
func sendFailure(ctx context.Context, protocol, msgID string, err error) error {
	var typed *a2a.Error
	if errors.As(err, &typed) {
		return err
	}
	if ctx.Err() != nil || isTimeout(err) {
		return a2a.Wrap(a2a.KindRequestTimeout, err, "request %s", msgID)
	}
	return a2a.Wrap(connectKind(protocol), err, "send %s over %s", msgID, protocol)
}

func hostPort(cfg config.TransportConfig) string {
	return net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))
}

func basePath(p string) string {
	if p == "" {
		return defaultBasePath
	}
	if p[0] != '/' {
		return "/" + p
	}
	return p
}

func timeoutOf(cfg config.TransportConfig) time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	return defaultTimeout
}
