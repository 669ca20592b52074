package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	mcpTypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-fabric/internal/config"
	"github.com/praxis/a2a-fabric/internal/logger"
)

// Server exposes every bridge mapping as an MCP tool. Calls are dispatched
// to fabric agents and answered with the translated response.
type Server struct {
	cfg       config.MCPServerConfig
	bridge    *Bridge
	logger    *logrus.Logger
	mcpServer *server.MCPServer
	sse       *server.SSEServer

	mu      sync.Mutex
	started bool
}

func NewServer(cfg config.MCPServerConfig, bridge *Bridge, log *logrus.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		bridge: bridge,
		logger: logger.OrDefault(log),
	}
	s.mcpServer = server.NewMCPServer(cfg.Name, cfg.Version, server.WithToolCapabilities(true))
	for _, m := range bridge.Mappings() {
		s.mcpServer.AddTool(m.Tool(), s.toolHandler(m))
	}
	return s
}

// MCPServer returns the underlying server, mostly for in-process clients.
func (s *Server) MCPServer() *server.MCPServer { return s.mcpServer }

func (s *Server) toolHandler(m *Mapping) server.ToolHandlerFunc {
	tool := m.Tool()
	return func(ctx context.Context, req mcpTypes.CallToolRequest) (*mcpTypes.CallToolResult, error) {
		mreq := &Request{
			ID:         uuid.NewString(),
			Tools:      []mcpTypes.Tool{tool},
			ToolParams: req.GetArguments(),
		}
		if mreq.ToolParams == nil {
			mreq.ToolParams = map[string]interface{}{}
		}
		resp, err := s.bridge.Dispatch(ctx, mreq)
		if err != nil {
			s.logger.WithError(err).Warnf("MCP tool %s failed", m.MCPMethod)
			return mcpTypes.NewToolResultError(err.Error()), nil
		}
		return mcpTypes.NewToolResultText(renderContent(resp)), nil
	}
}

func renderContent(resp *Response) string {
	if s, ok := resp.Content.(string); ok {
		return s
	}
	var v interface{} = resp.Content
	if v == nil {
		v = resp
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// Start serves MCP over SSE on the configured address. It returns once the
// listener goroutine is running.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.sse = server.NewSSEServer(s.mcpServer)
	s.started = true
	go func() {
		s.logger.Infof("MCP server listening on %s", s.cfg.Addr)
		if err := s.sse.Start(s.cfg.Addr); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("MCP server stopped")
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	return s.sse.Shutdown(ctx)
}
