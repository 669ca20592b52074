// Package agentcard holds the discovery-facing description of an agent that
// is exchanged between nodes and stored in the registry.
package agentcard

import "time"

// Status is the availability reported by an agent.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusBusy       Status = "busy"
	StatusOverloaded Status = "overloaded"
	StatusOffline    Status = "offline"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusBusy, StatusOverloaded, StatusOffline:
		return true
	}
	return false
}

// ResourceRequirements describes what a capability needs to run.
type ResourceRequirements struct {
	CPU      float64  `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	MemoryMB int      `json:"memoryMb,omitempty" yaml:"memoryMb,omitempty"`
	Hardware []string `json:"hardware,omitempty" yaml:"hardware,omitempty"`
}

// AgentCapability is a named, versioned ability of an agent
type AgentCapability struct {
	Name        string                 `json:"name" yaml:"name"`
	Version     string                 `json:"version" yaml:"version"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Resources   *ResourceRequirements  `json:"resources,omitempty" yaml:"resources,omitempty"`
}

// AgentService is an RPC method an agent serves. Capability names the
// capability a caller needs to invoke it and must be declared on the card.
type AgentService struct {
	Name        string                 `json:"name" yaml:"name"`
	Method      string                 `json:"method" yaml:"method"`
	Capability  string                 `json:"capability,omitempty" yaml:"capability,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Returns     map[string]interface{} `json:"returns,omitempty" yaml:"returns,omitempty"`
	Cost        float64                `json:"cost,omitempty" yaml:"cost,omitempty"`
	Latency     float64                `json:"latency,omitempty" yaml:"latency,omitempty"` // milliseconds
	Reliability float64                `json:"reliability,omitempty" yaml:"reliability,omitempty"`
}

// AgentEndpoint is a network address an agent accepts A2A traffic on.
type AgentEndpoint struct {
	Protocol     string   `json:"protocol" yaml:"protocol"`
	Address      string   `json:"address" yaml:"address"`
	Port         int      `json:"port" yaml:"port"`
	Secure       bool     `json:"secure,omitempty" yaml:"secure,omitempty"`
	Capacity     int      `json:"capacity,omitempty" yaml:"capacity,omitempty"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

// CardMetadata is the live part of a card, refreshed by heartbeats.
type CardMetadata struct {
	Type       string             `json:"type" yaml:"type"`
	Status     Status             `json:"status" yaml:"status"`
	Load       float64            `json:"load" yaml:"load"`
	CreatedAt  time.Time          `json:"createdAt" yaml:"createdAt"`
	LastSeen   time.Time          `json:"lastSeen" yaml:"lastSeen"`
	Metrics    map[string]float64 `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	PublicKey  string             `json:"publicKey,omitempty" yaml:"publicKey,omitempty"` // multibase
	TrustLevel string             `json:"trustLevel,omitempty" yaml:"trustLevel,omitempty"`
	// Delegated lists capabilities the agent requests from others on behalf
	// of its clients without offering them itself.
	Delegated []string `json:"delegated,omitempty" yaml:"delegated,omitempty"`
}

// AgentCard is the standard format for describing an agent
type AgentCard struct {
	ID           string            `json:"id" yaml:"id"`
	Name         string            `json:"name" yaml:"name"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
	Version      string            `json:"version" yaml:"version"`
	Capabilities []AgentCapability `json:"capabilities" yaml:"capabilities"`
	Services     []AgentService    `json:"services,omitempty" yaml:"services,omitempty"`
	Endpoints    []AgentEndpoint   `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
	Metadata     CardMetadata      `json:"metadata" yaml:"metadata"`
}

// Capability returns the named capability.
func (c *AgentCard) Capability(name string) (AgentCapability, bool) {
	for _, capability := range c.Capabilities {
		if capability.Name == name {
			return capability, true
		}
	}
	return AgentCapability{}, false
}

// CapabilityNames lists capability names in card order.
func (c *AgentCard) CapabilityNames() []string {
	names := make([]string, 0, len(c.Capabilities))
	for _, capability := range c.Capabilities {
		names = append(names, capability.Name)
	}
	return names
}

// Service returns the service with the given name.
func (c *AgentCard) Service(name string) (AgentService, bool) {
	for _, s := range c.Services {
		if s.Name == name {
			return s, true
		}
	}
	return AgentService{}, false
}

// Endpoint returns the first endpoint speaking protocol, or the first
// endpoint when protocol is empty.
func (c *AgentCard) Endpoint(protocol string) (AgentEndpoint, bool) {
	for _, e := range c.Endpoints {
		if protocol == "" || e.Protocol == protocol {
			return e, true
		}
	}
	return AgentEndpoint{}, false
}

// Clone returns a deep copy of the card.
func (c *AgentCard) Clone() *AgentCard {
	if c == nil {
		return nil
	}
	out := *c
	out.Capabilities = make([]AgentCapability, len(c.Capabilities))
	for i, capability := range c.Capabilities {
		capability.Parameters = cloneMap(capability.Parameters)
		if capability.Resources != nil {
			r := *capability.Resources
			r.Hardware = append([]string(nil), r.Hardware...)
			capability.Resources = &r
		}
		out.Capabilities[i] = capability
	}
	out.Services = make([]AgentService, len(c.Services))
	for i, s := range c.Services {
		s.Parameters = cloneMap(s.Parameters)
		s.Returns = cloneMap(s.Returns)
		out.Services[i] = s
	}
	out.Endpoints = make([]AgentEndpoint, len(c.Endpoints))
	for i, e := range c.Endpoints {
		e.Capabilities = append([]string(nil), e.Capabilities...)
		out.Endpoints[i] = e
	}
	out.Metadata.Delegated = append([]string(nil), c.Metadata.Delegated...)
	if c.Metadata.Metrics != nil {
		out.Metadata.Metrics = make(map[string]float64, len(c.Metadata.Metrics))
		for k, v := range c.Metadata.Metrics {
			out.Metadata.Metrics[k] = v
		}
	}
	return &out
}

// cloneMap copies the top level of a schema map. Nested values are shared;
// schemas are treated as read-only.
func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
