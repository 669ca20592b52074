package mcp

import (
	"context"
	"errors"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/internal/logger"
	"github.com/praxis/a2a-fabric/internal/registry"
	"github.com/praxis/a2a-fabric/pkg/agentcard"
)

// AgentFinder resolves which agent serves a mapped method.
type AgentFinder interface {
	DiscoverAgents(req registry.DiscoveryRequest) ([]registry.Match, error)
}

// Dispatcher delivers a translated request to an agent and returns its
// response.
type Dispatcher interface {
	Dispatch(ctx context.Context, to string, msg *a2a.Message) (*a2a.Response, error)
}

// Dispatch translates req, sends it to the closest agent offering the mapped
// capability (or serving the mapped A2A method) and translates the answer back.
func (b *Bridge) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	if b.finder == nil || b.dispatcher == nil {
		return nil, a2a.Errorf(a2a.KindInternal, "bridge has no dispatch path configured")
	}
	msg, err := b.TranslateMCPToA2A(req)
	if err != nil {
		return nil, err
	}
	mcpMethod, _ := msg.Context[ContextMCPMethod].(string)
	mapping := b.lookupMCP(mcpMethod)
	if mapping == nil {
		return nil, a2a.Errorf(a2a.KindNoMappingFound, "mapping for %s was removed", mcpMethod)
	}

	target, err := b.resolveTarget(mapping)
	if err != nil {
		return nil, err
	}
	msg.To = a2a.To(target)

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	log := b.logger.WithField(logger.FieldAgentID, target).WithField("method", msg.Method)
	log.Debug("Dispatching translated MCP request")

	resp, err := b.dispatcher.Dispatch(ctx, target, msg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, a2a.Wrap(a2a.KindRequestTimeout, err, "agent %s did not answer %s in time", target, msg.Method)
		}
		log.WithError(err).Warn("Dispatch failed")
		return nil, err
	}
	out, err := b.TranslateA2AResponseToMCP(resp, mcpMethod)
	if err != nil {
		return nil, err
	}
	out.ID = req.ID
	return out, nil
}

func (b *Bridge) resolveTarget(m *Mapping) (string, error) {
	maxDistance := 1.0
	dr := registry.DiscoveryRequest{
		Status:      []agentcard.Status{agentcard.StatusIdle, agentcard.StatusBusy},
		MaxDistance: &maxDistance,
		Limit:       1,
	}
	if m.Capability != "" {
		dr.Capabilities = []string{m.Capability}
	} else {
		dr.Filters = []registry.Filter{{Field: "services.method", Operator: registry.OpContains, Value: m.A2AMethod}}
	}
	matches, err := b.finder.DiscoverAgents(dr)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", a2a.Errorf(a2a.KindUnknownAgent, "no available agent serves %s", m.A2AMethod)
	}
	return matches[0].Card.ID, nil
}
