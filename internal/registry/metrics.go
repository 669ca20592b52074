package registry

import "github.com/praxis/a2a-fabric/pkg/agentcard"

// SystemMetrics is computed from the live cards on every call.
type SystemMetrics struct {
	TotalAgents  int                      `json:"totalAgents"`
	ByType       map[string]int           `json:"byType"`
	ByStatus     map[agentcard.Status]int `json:"byStatus"`
	AverageLoad  float64                  `json:"averageLoad"`
	Capabilities map[string]int           `json:"capabilities"`
	TrustLevels  map[string]int           `json:"trustLevels"`
	Endpoints    map[string]int           `json:"endpoints"`
}

// GetSystemMetrics aggregates counts and distributions over the live cards.
func (r *Registry) GetSystemMetrics() SystemMetrics {
	m := SystemMetrics{
		ByType:       make(map[string]int),
		ByStatus:     make(map[agentcard.Status]int),
		Capabilities: make(map[string]int),
		TrustLevels:  make(map[string]int),
		Endpoints:    make(map[string]int),
	}
	var load float64
	for _, card := range r.snapshot() {
		m.TotalAgents++
		m.ByType[card.Metadata.Type]++
		m.ByStatus[card.Metadata.Status]++
		load += card.Metadata.Load
		for _, c := range card.Capabilities {
			m.Capabilities[c.Name]++
		}
		trust := card.Metadata.TrustLevel
		if trust == "" {
			trust = "unknown"
		}
		m.TrustLevels[trust]++
		for _, e := range card.Endpoints {
			m.Endpoints[e.Protocol]++
		}
	}
	if m.TotalAgents > 0 {
		m.AverageLoad = load / float64(m.TotalAgents)
	}
	return m
}
