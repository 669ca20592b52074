package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/config"
	"github.com/praxis/a2a-fabric/internal/logger"
)

// Handler processes inbound A2A requests. Errors are returned to the caller
// as JSON-RPC error objects.
type Handler interface {
	HandleMessage(ctx context.Context, msg *a2a.Message) (*a2a.Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *a2a.Message) (*a2a.Response, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, msg *a2a.Message) (*a2a.Response, error) {
	return f(ctx, msg)
}

var serverUpgrader = websocket.Upgrader{
	ReadBufferSize:    1024,
	WriteBufferSize:   1024,
	EnableCompression: true,
	CheckOrigin: func(r *http.Request) bool {
		// Peers are agents, not browsers; the bearer check is the gate.
		return true
	},
}

// Server accepts A2A traffic on the configured listeners. Empty addresses
// leave a protocol disabled.
type Server struct {
	cfg     config.ServerConfig
	nodeID  string
	handler Handler
	logger  *logrus.Logger
	secret  []byte

	httpServer *http.Server
	grpcServer *grpc.Server
	listeners  map[string]net.Listener

	mu        sync.Mutex
	tcpConns  map[net.Conn]struct{}
	wg        sync.WaitGroup
	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer creates the inbound server for nodeID.
func NewServer(nodeID string, cfg config.ServerConfig, handler Handler, log *logrus.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		nodeID:    nodeID,
		handler:   handler,
		logger:    logger.OrDefault(log),
		listeners: make(map[string]net.Listener),
		tcpConns:  make(map[net.Conn]struct{}),
		closing:   make(chan struct{}),
	}
	if cfg.TokenSecret != "" {
		s.secret = []byte(cfg.TokenSecret)
	}
	return s
}

// Start binds every configured listener before returning, then serves in
// the background.
func (s *Server) Start() error {
	tlsConf, err := ServerTLS(s.cfg.TLS)
	if err != nil {
		return err
	}

	if s.cfg.HTTPAddr != "" {
		ln, err := s.listen(s.cfg.HTTPAddr, tlsConf)
		if err != nil {
			return err
		}
		s.listeners[config.ProtocolHTTP] = ln
		s.httpServer = &http.Server{Handler: s.router(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
				s.logger.Errorf("A2A HTTP server error: %v", err)
			}
		}()
		s.logger.Infof("A2A HTTP/WebSocket listening on %s%s", ln.Addr(), basePath(s.cfg.Path))
	}

	if s.cfg.GRPCAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			s.closeListeners()
			return a2a.Wrap(a2a.KindGrpcConnectFailed, err, "listen %s", s.cfg.GRPCAddr)
		}
		s.listeners[config.ProtocolGRPC] = ln
		s.grpcServer = s.newGRPCServer(tlsConf)
		go func() {
			if err := s.grpcServer.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				s.logger.Errorf("A2A gRPC server error: %v", err)
			}
		}()
		s.logger.Infof("A2A gRPC listening on %s", ln.Addr())
	}

	if s.cfg.TCPAddr != "" {
		ln, err := s.listen(s.cfg.TCPAddr, tlsConf)
		if err != nil {
			s.closeListeners()
			return err
		}
		s.listeners[config.ProtocolTCP] = ln
		s.wg.Add(1)
		go s.acceptTCP(ln)
		s.logger.Infof("A2A TCP listening on %s", ln.Addr())
	}
	return nil
}

func (s *Server) listen(addr string, tlsConf *tls.Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, a2a.Wrap(a2a.KindConfigInvalid, err, "listen %s", addr)
	}
	if tlsConf != nil {
		ln = tls.NewListener(ln, tlsConf)
	}
	return ln, nil
}

func (s *Server) closeListeners() {
	for _, ln := range s.listeners {
		ln.Close()
	}
}

// Addr returns the bound address of a protocol listener. WebSocket shares the
// HTTP listener.
func (s *Server) Addr(protocol string) net.Addr {
	if protocol == config.ProtocolWebSocket {
		protocol = config.ProtocolHTTP
	}
	if ln, ok := s.listeners[protocol]; ok {
		return ln.Addr()
	}
	return nil
}

// dispatch never returns nil: handler failures become error responses.
func (s *Server) dispatch(ctx context.Context, msg *a2a.Message) *a2a.Response {
	if err := msg.Validate(); err != nil {
		return a2a.NewErrorResponse(msg, s.nodeID, err)
	}
	resp, err := s.handler.HandleMessage(ctx, msg)
	if err != nil {
		return a2a.NewErrorResponse(msg, s.nodeID, err)
	}
	if resp == nil {
		resp, _ = a2a.NewResponse(msg, s.nodeID, nil)
	}
	return resp
}

func (s *Server) authorize(header string) error {
	if s.secret == nil {
		return nil
	}
	_, err := verifyBearer(s.secret, header)
	return err
}

// --- HTTP and WebSocket ---

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	group := router.Group(basePath(s.cfg.Path), s.requireBearer)
	group.HEAD("", func(c *gin.Context) { c.Status(http.StatusOK) })
	group.POST("", s.handleHTTPRequest)
	group.POST(notifySuffix, s.handleHTTPNotify)
	group.GET(wsSuffix, s.handleWebSocket)
	return router
}

func (s *Server) requireBearer(c *gin.Context) {
	if err := s.authorize(c.GetHeader("Authorization")); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.Next()
}

func (s *Server) decodeBody(c *gin.Context) (*a2a.Message, bool) {
	var msg a2a.Message
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxMessageSize))
	if err == nil {
		err = json.Unmarshal(body, &msg)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, a2a.NewErrorResponse(&msg, s.nodeID,
			a2a.Wrap(a2a.KindInvalidJSONRPCFormat, err, "decode request")))
		return nil, false
	}
	return &msg, true
}

func (s *Server) handleHTTPRequest(c *gin.Context) {
	msg, ok := s.decodeBody(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.dispatch(c.Request.Context(), msg))
}

func (s *Server) handleHTTPNotify(c *gin.Context) {
	msg, ok := s.decodeBody(c)
	if !ok {
		return
	}
	if resp := s.dispatch(c.Request.Context(), msg); resp.Error != nil {
		s.logger.Debugf("Notification %s failed: %s", msg.ID, resp.Error.Message)
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := serverUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	var writeMu sync.Mutex
	reply := func(f frame) {
		data, err := json.Marshal(f)
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.logger.Debugf("WebSocket write to %s failed: %v", conn.RemoteAddr(), err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil || f.Message == nil {
			reply(frame{Kind: frameError, Error: "malformed frame"})
			continue
		}
		switch f.Kind {
		case frameRequest:
			go func(msg *a2a.Message) {
				reply(frame{Kind: frameResponse, Response: s.dispatch(ctx, msg)})
			}(f.Message)
		case frameNotify:
			go s.dispatch(ctx, f.Message)
		}
	}
}

// --- gRPC ---

// a2aService is the handler type of the hand-written A2A service descriptor.
type a2aService interface {
	send(ctx context.Context, in *rawJSON) (*rawJSON, error)
	notify(ctx context.Context, in *rawJSON) (*rawJSON, error)
}

type grpcService struct{ s *Server }

func (g grpcService) decode(in *rawJSON) (*a2a.Message, error) {
	var msg a2a.Message
	if err := json.Unmarshal(*in, &msg); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return &msg, nil
}

func (g grpcService) send(ctx context.Context, in *rawJSON) (*rawJSON, error) {
	msg, err := g.decode(in)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(g.s.dispatch(ctx, msg))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	r := rawJSON(out)
	return &r, nil
}

func (g grpcService) notify(ctx context.Context, in *rawJSON) (*rawJSON, error) {
	msg, err := g.decode(in)
	if err != nil {
		return nil, err
	}
	g.s.dispatch(ctx, msg)
	r := rawJSON("{}")
	return &r, nil
}

func unaryHandler(method string, call func(a2aService, context.Context, *rawJSON) (*rawJSON, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(rawJSON)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(a2aService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(a2aService), ctx, req.(*rawJSON))
		})
	}
}

var a2aServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*a2aService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: unaryHandler(grpcSendMethod, a2aService.send)},
		{MethodName: "Notify", Handler: unaryHandler(grpcNotifyMethod, a2aService.notify)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "a2a/v1/a2a.proto",
}

func (s *Server) newGRPCServer(tlsConf *tls.Config) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.UnaryInterceptor(s.grpcAuth),
		grpc.MaxRecvMsgSize(maxMessageSize),
	}
	if tlsConf != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConf)))
	}
	srv := grpc.NewServer(opts...)
	srv.RegisterService(&a2aServiceDesc, grpcService{s: s})

	hs := health.NewServer()
	hs.SetServingStatus(grpcServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv
}

func (s *Server) grpcAuth(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if s.secret != nil {
		var header string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get("authorization"); len(v) > 0 {
				header = v[0]
			}
		}
		if err := s.authorize(header); err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
	}
	return handler(ctx, req)
}

// --- TCP ---

func (s *Server) acceptTCP(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closing:
			default:
				s.logger.Errorf("A2A TCP accept: %v", err)
			}
			return
		}
		s.mu.Lock()
		s.tcpConns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveTCP(conn)
	}
}

func (s *Server) serveTCP(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.tcpConns, conn)
		s.mu.Unlock()
	}()

	dec := json.NewDecoder(conn)
	w := bufio.NewWriter(conn)
	var writeMu sync.Mutex
	reply := func(f frame) error {
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := w.Write(append(data, '\n')); err != nil {
			return err
		}
		return w.Flush()
	}

	var hello frame
	if err := dec.Decode(&hello); err != nil || hello.Kind != frameHello {
		_ = reply(frame{Kind: frameError, Error: "expected hello"})
		return
	}
	if s.secret != nil {
		if _, err := verifyToken(s.secret, hello.Token); err != nil {
			_ = reply(frame{Kind: frameError, Error: err.Error()})
			return
		}
	}
	if err := reply(frame{Kind: frameWelcome}); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		var f frame
		if err := dec.Decode(&f); err != nil {
			return
		}
		switch f.Kind {
		case framePing:
			_ = reply(frame{Kind: framePong, ID: f.ID})
		case frameRequest:
			if f.Message == nil {
				continue
			}
			go func(msg *a2a.Message) {
				_ = reply(frame{Kind: frameResponse, Response: s.dispatch(ctx, msg)})
			}(f.Message)
		case frameNotify:
			if f.Message != nil {
				go s.dispatch(ctx, f.Message)
			}
		}
	}
}

// Shutdown stops all listeners and drops open stream connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })

	var firstErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if s.grpcServer != nil {
		done := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.grpcServer.Stop()
		}
	}
	if ln, ok := s.listeners[config.ProtocolTCP]; ok {
		ln.Close()
	}
	s.mu.Lock()
	for conn := range s.tcpConns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return firstErr
}
