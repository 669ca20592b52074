// Package api serves the fabric's admin and discovery HTTP API and the live
// event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/bus"
	"github.com/praxis/a2a-fabric/internal/config"
	"github.com/praxis/a2a-fabric/internal/logger"
	"github.com/praxis/a2a-fabric/internal/mcp"
	"github.com/praxis/a2a-fabric/internal/metrics"
	"github.com/praxis/a2a-fabric/internal/p2p"
	"github.com/praxis/a2a-fabric/internal/registry"
	"github.com/praxis/a2a-fabric/internal/security"
	"github.com/praxis/a2a-fabric/pkg/agentcard"
)

// Deps are the components the API reads from. Only Registry is required.
type Deps struct {
	NodeID   string
	Version  string
	Registry *registry.Registry
	Security *security.Manager
	Bridge   *mcp.Bridge
	Metrics  *metrics.Collector
	EventBus *bus.EventBus
	Peers    func() []p2p.PeerInfo
}

type Server struct {
	cfg     config.HTTPConfig
	deps    Deps
	logger  *logrus.Logger
	engine  *gin.Engine
	events  *EventStreamGateway
	started time.Time

	mu  sync.Mutex
	srv *http.Server
}

func NewServer(cfg config.HTTPConfig, deps Deps, log *logrus.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.OrDefault(log),
		engine:  gin.New(),
		started: time.Now(),
	}
	s.engine.Use(gin.Recovery())

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.engine.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	if deps.EventBus != nil {
		s.events = NewEventStreamGateway(deps.EventBus, origins, s.logger)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.engine
	r.GET("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Metrics.GetRegistry(), promhttp.HandlerOpts{})))
	}

	r.GET("/agents", s.handleListAgents)
	r.POST("/agents", s.handleRegisterAgent)
	r.GET("/agents/:id", s.handleGetAgent)
	r.DELETE("/agents/:id", s.handleUnregisterAgent)
	r.POST("/agents/:id/heartbeat", s.handleHeartbeat)
	r.PATCH("/agents/:id/status", s.handleRefreshStatus)
	r.POST("/discover", s.handleDiscover)
	r.GET("/registry/metrics", s.handleRegistryMetrics)

	if s.deps.Security != nil {
		r.GET("/security/events", s.handleSecurityEvents)
		r.GET("/sessions", s.handleSessions)
	}
	if s.deps.Bridge != nil {
		r.GET("/bridge/metrics", s.handleBridgeMetrics)
		r.GET("/bridge/mappings", s.handleBridgeMappings)
	}
	if s.deps.Peers != nil {
		r.GET("/p2p/peers", s.handlePeers)
	}
	if s.events != nil {
		r.GET("/ws/events", s.events.handleWebSocket)
	}
}

// Handler exposes the engine, mostly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start listens on host:port in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.srv = &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	srv := s.srv
	go func() {
		s.logger.Infof("Admin API listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("Admin API failed: %v", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.events != nil {
		s.events.Close()
	}
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// statusFor maps error kinds onto HTTP statuses.
func statusFor(err error) int {
	switch a2a.KindOf(err) {
	case a2a.KindUnknownAgent, a2a.KindSessionNotFound, a2a.KindNoMappingFound:
		return http.StatusNotFound
	case a2a.KindAgentAlreadyRegistered, a2a.KindMappingAlreadyExists:
		return http.StatusConflict
	case a2a.KindRegistrationError, a2a.KindInvalidFilterOperator, a2a.KindInvalidJSONRPCFormat, a2a.KindInvalidMapping:
		return http.StatusBadRequest
	case a2a.KindRateLimited:
		return http.StatusTooManyRequests
	case a2a.KindAuthenticationFailed, a2a.KindCapabilityDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Errorf("%s %s failed: %v", c.Request.Method, c.FullPath(), err)
	}
	c.AbortWithStatusJSON(code, gin.H{"error": a2a.ToRPCError(err)})
}

func (s *Server) badRequest(c *gin.Context, format string, args ...interface{}) {
	s.fail(c, a2a.Errorf(a2a.KindRegistrationError, format, args...))
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"node":    s.deps.NodeID,
		"version": s.deps.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"agents":  s.deps.Registry.Count(),
	})
}

func (s *Server) handleListAgents(c *gin.Context) {
	req := registry.DiscoveryRequest{AgentType: c.Query("type")}
	if capability := c.Query("capability"); capability != "" {
		req.Capabilities = strings.Split(capability, ",")
	}
	for _, st := range c.QueryArray("status") {
		req.Status = append(req.Status, agentcard.Status(st))
	}
	matches, err := s.deps.Registry.DiscoverAgents(req)
	if err != nil {
		s.fail(c, err)
		return
	}
	cards := make([]*agentcard.AgentCard, len(matches))
	for i, m := range matches {
		cards[i] = m.Card
	}
	c.JSON(http.StatusOK, gin.H{"agents": cards, "count": len(cards)})
}

type registerRequest struct {
	Card       *agentcard.AgentCard `json:"card"`
	TTLSeconds int                  `json:"ttlSeconds,omitempty"`
}

func (s *Server) handleRegisterAgent(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid body: %v", err)
		return
	}
	if req.Card == nil {
		s.badRequest(c, "card is required")
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := s.deps.Registry.RegisterAgent(c.Request.Context(), req.Card, ttl); err != nil {
		s.fail(c, err)
		return
	}
	card, err := s.deps.Registry.GetAgent(req.Card.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, card)
}

func (s *Server) handleGetAgent(c *gin.Context) {
	card, err := s.deps.Registry.GetAgent(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, card)
}

func (s *Server) handleUnregisterAgent(c *gin.Context) {
	if err := s.deps.Registry.UnregisterAgent(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	if err := s.deps.Registry.Heartbeat(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRefreshStatus(c *gin.Context) {
	var update registry.StatusUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		s.badRequest(c, "invalid body: %v", err)
		return
	}
	card, err := s.deps.Registry.RefreshAgentStatus(c.Request.Context(), c.Param("id"), update)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, card)
}

func (s *Server) handleDiscover(c *gin.Context) {
	var req registry.DiscoveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid body: %v", err)
		return
	}
	matches, err := s.deps.Registry.DiscoverAgents(req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"matches": matches, "count": len(matches)})
}

func (s *Server) handleRegistryMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Registry.GetSystemMetrics())
}

func (s *Server) handleSecurityEvents(c *gin.Context) {
	filter := security.EventFilter{
		AgentID:     c.Query("agent"),
		Type:        c.Query("type"),
		MinSeverity: security.Severity(c.Query("severity")),
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.badRequest(c, "invalid limit %q", v)
			return
		}
		filter.Limit = n
	}
	if v := c.Query("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.badRequest(c, "invalid since %q: %v", v, err)
			return
		}
		filter.Since = since
	}
	events := s.deps.Security.Events(filter)
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (s *Server) handleSessions(c *gin.Context) {
	sessions := s.deps.Security.ActiveSessions()
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleBridgeMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Bridge.GetMetrics())
}

func (s *Server) handleBridgeMappings(c *gin.Context) {
	mappings := s.deps.Bridge.Mappings()
	c.JSON(http.StatusOK, gin.H{"mappings": mappings, "count": len(mappings)})
}

func (s *Server) handlePeers(c *gin.Context) {
	peers := s.deps.Peers()
	out := make([]gin.H, 0, len(peers))
	for _, p := range peers {
		addrs := make([]string, len(p.Addrs))
		for i, a := range p.Addrs {
			addrs[i] = a.String()
		}
		out = append(out, gin.H{
			"id":        p.ID.String(),
			"addrs":     addrs,
			"agents":    p.Agents,
			"connected": p.IsConnected,
			"foundAt":   p.FoundAt,
			"lastSeen":  p.LastSeen,
		})
	}
	c.JSON(http.StatusOK, gin.H{"peers": out, "count": len(out)})
}
