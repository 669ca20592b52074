package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Collector owns the private Prometheus registry of a fabric node. All methods
// are safe on a nil receiver so components can run without metrics.
type Collector struct {
	logger *logrus.Logger

	// Transport
	connectionsActive *prometheus.GaugeVec
	connectionsTotal  *prometheus.CounterVec
	messagesTotal     *prometheus.CounterVec
	messageLatency    *prometheus.HistogramVec
	bytesTotal        *prometheus.CounterVec
	broadcastFailures prometheus.Counter
	poolUtilization   prometheus.Gauge

	// Security
	securityEvents *prometheus.CounterVec
	sessionsActive prometheus.Gauge
	rateLimited    *prometheus.CounterVec
	breakerOpen    *prometheus.GaugeVec

	// Registry
	agentsRegistered prometheus.Gauge
	agentsReaped     prometheus.Counter

	// Bridge
	translations       *prometheus.CounterVec
	translationLatency prometheus.Histogram

	nodeInfo *prometheus.GaugeVec

	registry *prometheus.Registry

	pusher *Pusher
	mu     sync.Mutex
}

// NewCollector creates a new metrics collector
func NewCollector(logger *logrus.Logger, nodeID, version string) *Collector {
	if logger == nil {
		logger = logrus.New()
	}
	registry := prometheus.NewRegistry()

	c := &Collector{
		logger:   logger,
		registry: registry,

		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "a2a_transport_connections_active",
			Help: "Active transport connections by protocol",
		}, []string{"protocol"}),

		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "a2a_transport_connections_total",
			Help: "Connection attempts by protocol and outcome",
		}, []string{"protocol", "outcome"}),

		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "a2a_transport_messages_total",
			Help: "Messages sent by protocol and outcome",
		}, []string{"protocol", "outcome"}),

		messageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "a2a_transport_message_latency_seconds",
			Help:    "Request/response round trip latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"protocol"}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "a2a_transport_bytes_total",
			Help: "Bytes transferred by direction",
		}, []string{"direction"}),

		broadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "a2a_transport_broadcast_failures_total",
			Help: "Per-peer broadcast delivery failures",
		}),

		poolUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "a2a_transport_pool_utilization",
			Help: "Active connections divided by the connection limit",
		}),

		securityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "a2a_security_events_total",
			Help: "Security events by type and severity",
		}, []string{"type", "severity"}),

		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "a2a_security_sessions_active",
			Help: "Active authenticated sessions",
		}),

		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "a2a_security_rate_limited_total",
			Help: "Rate limit rejections by operation",
		}, []string{"operation"}),

		breakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "a2a_security_circuit_open",
			Help: "Circuit breaker state per downstream agent (1 = open)",
		}, []string{"agent_id"}),

		agentsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "a2a_registry_agents",
			Help: "Agent cards currently registered",
		}),

		agentsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "a2a_registry_agents_reaped_total",
			Help: "Agent cards removed after TTL expiry",
		}),

		translations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "a2a_bridge_translations_total",
			Help: "MCP bridge translations by direction and outcome",
		}, []string{"direction", "outcome"}),

		translationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "a2a_bridge_translation_latency_seconds",
			Help:    "MCP bridge translation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}),

		nodeInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "a2a_node_info",
			Help: "Fabric node information",
		}, []string{"node_id", "version"}),
	}

	registry.MustRegister(
		c.connectionsActive,
		c.connectionsTotal,
		c.messagesTotal,
		c.messageLatency,
		c.bytesTotal,
		c.broadcastFailures,
		c.poolUtilization,
		c.securityEvents,
		c.sessionsActive,
		c.rateLimited,
		c.breakerOpen,
		c.agentsRegistered,
		c.agentsReaped,
		c.translations,
		c.translationLatency,
		c.nodeInfo,
	)

	// Constant label metric
	c.nodeInfo.WithLabelValues(nodeID, version).Set(1)

	logger.Debug("Metrics collector initialized")
	return c
}

// GetRegistry returns the Prometheus registry
func (c *Collector) GetRegistry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) ConnectionOpened(protocol string) {
	if c == nil {
		return
	}
	c.connectionsTotal.WithLabelValues(protocol, "success").Inc()
	c.connectionsActive.WithLabelValues(protocol).Inc()
}

func (c *Collector) ConnectionFailed(protocol string) {
	if c == nil {
		return
	}
	c.connectionsTotal.WithLabelValues(protocol, "error").Inc()
}

func (c *Collector) ConnectionClosed(protocol string) {
	if c == nil {
		return
	}
	c.connectionsActive.WithLabelValues(protocol).Dec()
}

// ObserveMessage records one send. Latency is only observed for successes.
func (c *Collector) ObserveMessage(protocol string, ok bool, latency time.Duration) {
	if c == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	c.messagesTotal.WithLabelValues(protocol, outcome).Inc()
	if ok && latency > 0 {
		c.messageLatency.WithLabelValues(protocol).Observe(latency.Seconds())
	}
}

func (c *Collector) AddBytes(direction string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.bytesTotal.WithLabelValues(direction).Add(float64(n))
}

func (c *Collector) BroadcastFailure() {
	if c == nil {
		return
	}
	c.broadcastFailures.Inc()
}

func (c *Collector) SetPoolUtilization(v float64) {
	if c == nil {
		return
	}
	c.poolUtilization.Set(v)
}

func (c *Collector) SecurityEvent(eventType, severity string) {
	if c == nil {
		return
	}
	c.securityEvents.WithLabelValues(eventType, severity).Inc()
}

func (c *Collector) SetActiveSessions(n int) {
	if c == nil {
		return
	}
	c.sessionsActive.Set(float64(n))
}

func (c *Collector) RateLimited(operation string) {
	if c == nil {
		return
	}
	c.rateLimited.WithLabelValues(operation).Inc()
}

func (c *Collector) SetBreakerOpen(agentID string, open bool) {
	if c == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	c.breakerOpen.WithLabelValues(agentID).Set(v)
}

func (c *Collector) SetRegisteredAgents(n int) {
	if c == nil {
		return
	}
	c.agentsRegistered.Set(float64(n))
}

func (c *Collector) AgentsReaped(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.agentsReaped.Add(float64(n))
}

// ObserveTranslation records one bridge translation. outcome is "success" or
// an error category.
func (c *Collector) ObserveTranslation(direction, outcome string, latency time.Duration) {
	if c == nil {
		return
	}
	c.translations.WithLabelValues(direction, outcome).Inc()
	c.translationLatency.Observe(latency.Seconds())
}

// StartPusher starts pushing the registry to a Pushgateway
func (c *Collector) StartPusher(url, job string, interval time.Duration, username, password string) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pusher != nil {
		c.logger.Warn("Metrics pusher already started")
		return nil
	}

	p, err := NewPusher(c.logger, url, job, c.registry, interval, username, password)
	if err != nil {
		return err
	}
	c.pusher = p
	c.pusher.Start()

	c.logger.Infof("Metrics pusher started, pushing to %s every %s", url, interval)
	return nil
}

// StopPusher stops the pusher
func (c *Collector) StopPusher() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pusher != nil {
		c.pusher.Stop()
		c.pusher = nil
		c.logger.Info("Metrics pusher stopped")
	}
}
