package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/config"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 4 << 20
)

type wsTransport struct {
	cfg     config.TransportConfig
	auth    *authMaterial
	counter byteCounter
	logger  *logrus.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex
	pending *pendingCalls
	pongs   chan struct{}
	alive   atomic.Bool
	remote  string
}

func newWebSocketTransport(cfg config.TransportConfig, auth *authMaterial, counter byteCounter, logger *logrus.Logger) *wsTransport {
	return &wsTransport{
		cfg:     cfg,
		auth:    auth,
		counter: counter,
		logger:  logger,
		pending: newPendingCalls(),
		pongs:   make(chan struct{}, 1),
	}
}

func (t *wsTransport) Protocol() string { return config.ProtocolWebSocket }

func (t *wsTransport) url() string {
	scheme := "ws"
	if t.cfg.Secure {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: hostPort(t.cfg), Path: basePath(t.cfg.Path) + wsSuffix}
	return u.String()
}

func (t *wsTransport) Connect(ctx context.Context) error {
	header := http.Header{}
	authz, err := t.auth.authorizationHeader()
	if err != nil {
		return err
	}
	if authz != "" {
		header.Set("Authorization", authz)
	}

	dialer := websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  timeoutOf(t.cfg),
		TLSClientConfig:   t.auth.tlsConfig(),
		EnableCompression: t.cfg.Compression,
	}
	target := t.url()
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return a2a.Errorf(a2a.KindAuthenticationFailed, "websocket handshake to %s rejected: %s", target, resp.Status)
		}
		return connectFailure(t.Protocol(), target, err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		select {
		case t.pongs <- struct{}{}:
		default:
		}
		return nil
	})

	t.conn = conn
	t.remote = conn.RemoteAddr().String()
	t.alive.Store(true)
	go t.readPump()
	return nil
}

// readPump must run for control frames (pong) to be processed.
func (t *wsTransport) readPump() {
	defer func() {
		t.alive.Store(false)
		t.conn.Close()
	}()
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Debugf("WebSocket read error from %s: %v", t.remote, err)
			}
			t.pending.failAll(a2a.Wrap(a2a.KindWebSocketConnectFailed, err, "websocket connection to %s lost", t.remote))
			return
		}
		t.counter.AddBytes("in", len(data))

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.logger.Warnf("Dropping malformed websocket frame from %s: %v", t.remote, err)
			continue
		}
		if f.Kind == frameResponse && f.Response != nil {
			if !t.pending.resolve(f.Response) {
				t.logger.Debugf("Unsolicited response %s from %s", f.Response.ID, t.remote)
			}
		}
	}
}

func (t *wsTransport) write(ctx context.Context, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return a2a.Wrap(a2a.KindInvalidJSONRPCFormat, err, "encode frame")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	t.counter.AddBytes("out", len(data))
	return nil
}

func (t *wsTransport) Send(ctx context.Context, msg *a2a.Message) (*a2a.Response, error) {
	ch, err := t.pending.add(msg.ID)
	if err != nil {
		return nil, err
	}
	if err := t.write(ctx, frame{Kind: frameRequest, Message: msg}); err != nil {
		t.pending.remove(msg.ID)
		return nil, err
	}
	return t.pending.await(ctx, msg.ID, ch)
}

func (t *wsTransport) Notify(ctx context.Context, msg *a2a.Message) error {
	if !t.alive.Load() {
		return a2a.Errorf(a2a.KindWebSocketConnectFailed, "websocket connection to %s closed", t.remote)
	}
	return t.write(ctx, frame{Kind: frameNotify, Message: msg})
}

// Ping sends a WebSocket ping control frame and waits for the pong.
func (t *wsTransport) Ping(ctx context.Context) error {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.writeMu.Lock()
	err := t.conn.WriteControl(websocket.PingMessage, nil, deadline)
	t.writeMu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-t.pongs:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *wsTransport) Connected() bool { return t.alive.Load() }

func (t *wsTransport) RemoteAddr() string { return t.remote }

func (t *wsTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	t.writeMu.Unlock()
	t.alive.Store(false)
	return t.conn.Close()
}
