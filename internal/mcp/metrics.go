package mcp

import (
	"sync"
	"time"

	"github.com/praxis/a2a-fabric/internal/a2a"
)

const (
	directionForward = "forward"
	directionReverse = "reverse"

	CategoryMappingNotFound = "mapping_not_found"
	CategoryTransformFailed = "parameter_transform_failed"
	CategoryMalformed       = "malformed_message"
)

type stats struct {
	mu           sync.Mutex
	total        int64
	forward      int64
	reverse      int64
	failed       int64
	totalLatency time.Duration
	byCategory   map[string]int64
}

// Metrics is a snapshot of translation statistics.
type Metrics struct {
	TotalTranslations   int64            `json:"totalTranslations"`
	ForwardTranslations int64            `json:"forwardTranslations"`
	ReverseTranslations int64            `json:"reverseTranslations"`
	AverageLatency      time.Duration    `json:"averageLatency"`
	SuccessRate         float64          `json:"successRate"`
	ErrorRate           float64          `json:"errorRate"`
	ErrorsByCategory    map[string]int64 `json:"errorsByCategory"`
}

func category(err error) string {
	switch a2a.KindOf(err) {
	case a2a.KindNoMappingFound:
		return CategoryMappingNotFound
	case a2a.KindParameterTransformFailed:
		return CategoryTransformFailed
	default:
		return CategoryMalformed
	}
}

func (b *Bridge) record(direction string, start time.Time, err error) {
	latency := b.now().Sub(start)
	outcome := "success"
	if err != nil {
		outcome = category(err)
	}

	b.stats.mu.Lock()
	b.stats.total++
	if direction == directionForward {
		b.stats.forward++
	} else {
		b.stats.reverse++
	}
	b.stats.totalLatency += latency
	if err != nil {
		b.stats.failed++
		b.stats.byCategory[outcome]++
	}
	b.stats.mu.Unlock()

	b.collector.ObserveTranslation(direction, outcome, latency)
	if err != nil {
		b.logger.WithError(err).Debugf("MCP %s translation failed", direction)
	}
}

// GetMetrics returns translation statistics.
func (b *Bridge) GetMetrics() Metrics {
	b.stats.mu.Lock()
	defer b.stats.mu.Unlock()

	m := Metrics{
		TotalTranslations:   b.stats.total,
		ForwardTranslations: b.stats.forward,
		ReverseTranslations: b.stats.reverse,
		ErrorsByCategory: map[string]int64{
			CategoryMappingNotFound: b.stats.byCategory[CategoryMappingNotFound],
			CategoryTransformFailed: b.stats.byCategory[CategoryTransformFailed],
			CategoryMalformed:       b.stats.byCategory[CategoryMalformed],
		},
	}
	if b.stats.total > 0 {
		m.AverageLatency = b.stats.totalLatency / time.Duration(b.stats.total)
		m.ErrorRate = float64(b.stats.failed) / float64(b.stats.total)
		m.SuccessRate = 1 - m.ErrorRate
	}
	return m
}
