package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/config"
)

// tcpTransport speaks newline-delimited JSON frames over a raw (optionally
// TLS) stream. The first exchange is hello/welcome, which carries the bearer.
type tcpTransport struct {
	cfg     config.TransportConfig
	auth    *authMaterial
	counter byteCounter
	logger  *logrus.Logger

	conn    net.Conn
	dec     *json.Decoder
	writeMu sync.Mutex
	w       *bufio.Writer
	pending *pendingCalls
	alive   atomic.Bool
}

func newTCPTransport(cfg config.TransportConfig, auth *authMaterial, counter byteCounter, logger *logrus.Logger) *tcpTransport {
	return &tcpTransport{
		cfg:     cfg,
		auth:    auth,
		counter: counter,
		logger:  logger,
		pending: newPendingCalls(),
	}
}

func (t *tcpTransport) Protocol() string { return config.ProtocolTCP }

func (t *tcpTransport) Connect(ctx context.Context) error {
	target := hostPort(t.cfg)
	d := net.Dialer{Timeout: timeoutOf(t.cfg)}
	if t.cfg.KeepAlive {
		d.KeepAlive = 30 * time.Second
	}

	var (
		conn net.Conn
		err  error
	)
	if tc := t.auth.tlsConfig(); tc != nil {
		td := tls.Dialer{NetDialer: &d, Config: tc}
		conn, err = td.DialContext(ctx, "tcp", target)
	} else {
		conn, err = d.DialContext(ctx, "tcp", target)
	}
	if err != nil {
		return connectFailure(t.Protocol(), target, err)
	}
	t.conn = conn
	t.w = bufio.NewWriter(conn)
	t.dec = json.NewDecoder(conn)

	if err := t.handshake(ctx); err != nil {
		conn.Close()
		return connectFailure(t.Protocol(), target, err)
	}

	t.alive.Store(true)
	go t.readLoop()
	return nil
}

func (t *tcpTransport) handshake(ctx context.Context) error {
	deadline := time.Now().Add(timeoutOf(t.cfg))
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.conn.SetDeadline(deadline)
	defer t.conn.SetDeadline(time.Time{})

	token, err := t.auth.bearer()
	if err != nil {
		return err
	}
	if err := t.write(ctx, frame{Kind: frameHello, Token: token}); err != nil {
		return err
	}

	var reply frame
	if err := t.dec.Decode(&reply); err != nil {
		return err
	}
	t.counter.AddBytes("in", int(t.dec.InputOffset()))

	switch reply.Kind {
	case frameWelcome:
		return nil
	case frameError:
		return a2a.Errorf(a2a.KindAuthenticationFailed, "tcp peer %s rejected hello: %s", t.conn.RemoteAddr(), reply.Error)
	}
	return a2a.Errorf(a2a.KindTCPConnectFailed, "unexpected %q frame during handshake", reply.Kind)
}

func (t *tcpTransport) readLoop() {
	defer t.alive.Store(false)
	offset := t.dec.InputOffset()
	for {
		var f frame
		if err := t.dec.Decode(&f); err != nil {
			t.pending.failAll(a2a.Wrap(a2a.KindTCPConnectFailed, err, "tcp connection to %s lost", t.conn.RemoteAddr()))
			return
		}
		next := t.dec.InputOffset()
		t.counter.AddBytes("in", int(next-offset))
		offset = next

		switch f.Kind {
		case frameResponse:
			if f.Response != nil {
				t.pending.resolve(f.Response)
			}
		case framePong:
			t.pending.resolve(&a2a.Response{ID: f.ID})
		case frameError:
			t.logger.Warnf("TCP peer %s reported: %s", t.conn.RemoteAddr(), f.Error)
		}
	}
}

// write sends one frame. The write deadline is the ctx deadline capped at
// writeWait; a failed write breaks framing, so the connection is closed.
func (t *tcpTransport) write(ctx context.Context, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return a2a.Wrap(a2a.KindInvalidJSONRPCFormat, err, "encode frame")
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.conn.SetWriteDeadline(deadline)
	_, err = t.w.Write(data)
	if err == nil {
		err = t.w.Flush()
	}
	if err != nil {
		t.alive.Store(false)
		t.conn.Close()
		return err
	}
	t.counter.AddBytes("out", len(data))
	return nil
}

func (t *tcpTransport) call(ctx context.Context, id string, f frame) (*a2a.Response, error) {
	ch, err := t.pending.add(id)
	if err != nil {
		return nil, err
	}
	if err := t.write(ctx, f); err != nil {
		t.pending.remove(id)
		return nil, err
	}
	return t.pending.await(ctx, id, ch)
}

func (t *tcpTransport) Send(ctx context.Context, msg *a2a.Message) (*a2a.Response, error) {
	return t.call(ctx, msg.ID, frame{Kind: frameRequest, Message: msg})
}

func (t *tcpTransport) Notify(ctx context.Context, msg *a2a.Message) error {
	if err := t.pending.err(); err != nil {
		return err
	}
	return t.write(ctx, frame{Kind: frameNotify, Message: msg})
}

func (t *tcpTransport) Ping(ctx context.Context) error {
	id := "ping_" + uuid.New().String()
	_, err := t.call(ctx, id, frame{Kind: framePing, ID: id})
	return err
}

func (t *tcpTransport) Connected() bool { return t.alive.Load() }

func (t *tcpTransport) RemoteAddr() string {
	if t.conn == nil {
		return hostPort(t.cfg)
	}
	return t.conn.RemoteAddr().String()
}

func (t *tcpTransport) Close() error {
	t.alive.Store(false)
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
