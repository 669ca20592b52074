package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/praxis/a2a-fabric/internal/metrics"
)

// MetricsSnapshot is the derived view returned by Manager.GetTransportMetrics.
type MetricsSnapshot struct {
	TotalConnections  int64            `json:"totalConnections"`
	ActiveConnections int              `json:"activeConnections"`
	ByProtocol        map[string]int   `json:"connectionsByProtocol"`
	MessagesSent      int64            `json:"messagesSent"`
	MessagesFailed    int64            `json:"messagesFailed"`
	AverageLatency    time.Duration    `json:"averageLatency"`
	SuccessRate       float64          `json:"successRate"`
	ErrorRate         float64          `json:"errorRate"`
	BytesSent         int64            `json:"bytesSent"`
	BytesReceived     int64            `json:"bytesReceived"`
	PoolUtilization   float64          `json:"poolUtilization"`
	BroadcastFailures int64            `json:"broadcastFailures"`
	ConnectFailures   map[string]int64 `json:"connectFailures,omitempty"`
}

// stats keeps the counters behind MetricsSnapshot and mirrors them into the
// Prometheus collector.
type stats struct {
	collector *metrics.Collector

	total             atomic.Int64
	sent              atomic.Int64
	failed            atomic.Int64
	latencyNanos      atomic.Int64
	bytesOut          atomic.Int64
	bytesIn           atomic.Int64
	broadcastFailures atomic.Int64

	mu              sync.Mutex
	connectFailures map[string]int64
}

func newStats(c *metrics.Collector) *stats {
	return &stats{collector: c, connectFailures: make(map[string]int64)}
}

// AddBytes implements byteCounter.
func (s *stats) AddBytes(direction string, n int) {
	if n <= 0 {
		return
	}
	if direction == "in" {
		s.bytesIn.Add(int64(n))
	} else {
		s.bytesOut.Add(int64(n))
	}
	s.collector.AddBytes(direction, n)
}

func (s *stats) connectionOpened(protocol string) {
	s.total.Add(1)
	s.collector.ConnectionOpened(protocol)
}

func (s *stats) connectionFailed(protocol string) {
	s.mu.Lock()
	s.connectFailures[protocol]++
	s.mu.Unlock()
	s.collector.ConnectionFailed(protocol)
}

func (s *stats) message(protocol string, ok bool, latency time.Duration) {
	if ok {
		s.sent.Add(1)
		s.latencyNanos.Add(int64(latency))
	} else {
		s.failed.Add(1)
	}
	s.collector.ObserveMessage(protocol, ok, latency)
}

func (s *stats) broadcastFailure() {
	s.broadcastFailures.Add(1)
	s.collector.BroadcastFailure()
}

func (s *stats) snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		TotalConnections:  s.total.Load(),
		ByProtocol:        make(map[string]int),
		MessagesSent:      s.sent.Load(),
		MessagesFailed:    s.failed.Load(),
		BytesSent:         s.bytesOut.Load(),
		BytesReceived:     s.bytesIn.Load(),
		BroadcastFailures: s.broadcastFailures.Load(),
	}
	if snap.MessagesSent > 0 {
		snap.AverageLatency = time.Duration(s.latencyNanos.Load() / snap.MessagesSent)
	}
	if attempts := snap.MessagesSent + snap.MessagesFailed; attempts > 0 {
		snap.SuccessRate = float64(snap.MessagesSent) / float64(attempts)
		snap.ErrorRate = float64(snap.MessagesFailed) / float64(attempts)
	}
	s.mu.Lock()
	if len(s.connectFailures) > 0 {
		snap.ConnectFailures = make(map[string]int64, len(s.connectFailures))
		for k, v := range s.connectFailures {
			snap.ConnectFailures[k] = v
		}
	}
	s.mu.Unlock()
	return snap
}
