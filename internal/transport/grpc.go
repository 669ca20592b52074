package transport

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/config"
)

const (
	grpcServiceName  = "a2a.v1.A2A"
	grpcSendMethod   = "/" + grpcServiceName + "/Send"
	grpcNotifyMethod = "/" + grpcServiceName + "/Notify"
)

type grpcTransport struct {
	cfg     config.TransportConfig
	auth    *authMaterial
	counter byteCounter

	conn   *grpc.ClientConn
	health healthpb.HealthClient
	alive  atomic.Bool
}

func newGRPCTransport(cfg config.TransportConfig, auth *authMaterial, counter byteCounter) *grpcTransport {
	return &grpcTransport{cfg: cfg, auth: auth, counter: counter}
}

func (t *grpcTransport) Protocol() string { return config.ProtocolGRPC }

func (t *grpcTransport) outgoing(ctx context.Context) (context.Context, error) {
	authz, err := t.auth.authorizationHeader()
	if err != nil {
		return nil, err
	}
	if authz == "" {
		return ctx, nil
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", authz), nil
}

// Connect creates the client and confirms the peer with a health check, which
// also carries the credentials so a rejected token fails here.
func (t *grpcTransport) Connect(ctx context.Context) error {
	target := hostPort(t.cfg)

	creds := insecure.NewCredentials()
	if tc := t.auth.tlsConfig(); tc != nil {
		creds = credentials.NewTLS(tc)
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if t.cfg.KeepAlive {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}))
	}
	if t.cfg.Compression {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor("gzip")))
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return a2a.Wrap(a2a.KindGrpcConnectFailed, err, "create grpc client for %s", target)
	}
	t.conn = conn
	t.health = healthpb.NewHealthClient(conn)

	if err := t.check(ctx); err != nil {
		conn.Close()
		return grpcConnectFailure(target, err)
	}
	t.alive.Store(true)
	return nil
}

func (t *grpcTransport) check(ctx context.Context) error {
	octx, err := t.outgoing(ctx)
	if err != nil {
		return err
	}
	resp, err := t.health.Check(octx, &healthpb.HealthCheckRequest{Service: grpcServiceName})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return status.Errorf(codes.Unavailable, "service %s is %s", grpcServiceName, resp.GetStatus())
	}
	return nil
}

func grpcConnectFailure(target string, err error) error {
	if _, typed := err.(*a2a.Error); typed {
		return err
	}
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return a2a.Wrap(a2a.KindAuthenticationFailed, err, "grpc peer %s rejected credentials", target)
	case codes.DeadlineExceeded:
		return a2a.Wrap(a2a.KindConnectTimeout, err, "connect grpc %s", target)
	}
	return connectFailure(config.ProtocolGRPC, target, err)
}

func (t *grpcTransport) invoke(ctx context.Context, method string, msg *a2a.Message, reply *rawJSON) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return a2a.Wrap(a2a.KindInvalidJSONRPCFormat, err, "encode %s", msg.ID)
	}
	octx, err := t.outgoing(ctx)
	if err != nil {
		return err
	}
	req := rawJSON(body)
	if err := t.conn.Invoke(octx, method, &req, reply, grpc.CallContentSubtype(jsonCodecName)); err != nil {
		switch status.Code(err) {
		case codes.Unauthenticated, codes.PermissionDenied:
			return a2a.Wrap(a2a.KindAuthenticationFailed, err, "grpc call %s", method)
		case codes.DeadlineExceeded, codes.Canceled:
			return a2a.Wrap(a2a.KindRequestTimeout, err, "request %s", msg.ID)
		}
		return err
	}
	t.counter.AddBytes("out", len(body))
	return nil
}

func (t *grpcTransport) Send(ctx context.Context, msg *a2a.Message) (*a2a.Response, error) {
	var reply rawJSON
	if err := t.invoke(ctx, grpcSendMethod, msg, &reply); err != nil {
		return nil, err
	}
	t.counter.AddBytes("in", len(reply))

	var out a2a.Response
	if err := json.Unmarshal(reply, &out); err != nil {
		return nil, a2a.Wrap(a2a.KindInvalidJSONRPCFormat, err, "decode response to %s", msg.ID)
	}
	return &out, nil
}

func (t *grpcTransport) Notify(ctx context.Context, msg *a2a.Message) error {
	var reply rawJSON
	return t.invoke(ctx, grpcNotifyMethod, msg, &reply)
}

func (t *grpcTransport) Ping(ctx context.Context) error {
	return t.check(ctx)
}

func (t *grpcTransport) Connected() bool {
	return t.alive.Load() && t.conn != nil && t.conn.GetState() != connectivity.Shutdown
}

func (t *grpcTransport) RemoteAddr() string { return hostPort(t.cfg) }

func (t *grpcTransport) Close() error {
	t.alive.Store(false)
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
