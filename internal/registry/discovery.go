package registry

import (
	"encoding/json"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/praxis/a2a-fabric/internal/a2a"
	"github.com/praxis/a2a-fabric/pkg/agentcard"
)

// Filter operators.
const (
	OpEq       = "eq"
	OpLt       = "lt"
	OpLte      = "lte"
	OpGt       = "gt"
	OpGte      = "gte"
	OpIn       = "in"
	OpContains = "contains"
)

// Filter matches a dot-path into the card JSON, e.g. "metadata.load".
// Paths through a list fan out over its elements, so "capabilities.name"
// yields every capability name.
type Filter struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"`
}

// DiscoveryRequest composes its criteria with AND. Capabilities must all be
// offered. Preferred capabilities only influence ranking.
type DiscoveryRequest struct {
	Capabilities          []string           `json:"capabilities,omitempty"`
	CapabilityVersions    map[string]string  `json:"capabilityVersions,omitempty"`
	PreferredCapabilities []string           `json:"preferredCapabilities,omitempty"`
	AgentType             string             `json:"agentType,omitempty"`
	Status                []agentcard.Status `json:"status,omitempty"`
	Service               string             `json:"service,omitempty"`
	Filters               []Filter           `json:"filters,omitempty"`
	MaxDistance           *float64           `json:"maxDistance,omitempty"`
	Limit                 int                `json:"limit,omitempty"`
}

// Match is a discovery result. Distance is set only for ranked queries.
type Match struct {
	Card     *agentcard.AgentCard `json:"card"`
	Distance float64              `json:"distance"`
}

func validOperator(op string) bool {
	switch op {
	case OpEq, OpLt, OpLte, OpGt, OpGte, OpIn, OpContains:
		return true
	}
	return false
}

// DiscoverAgents returns the live cards matching req. Results are ordered by
// distance when MaxDistance is set and by id otherwise.
func (r *Registry) DiscoverAgents(req DiscoveryRequest) ([]Match, error) {
	for _, f := range req.Filters {
		if !validOperator(f.Operator) {
			return nil, a2a.Errorf(a2a.KindInvalidFilterOperator, "unknown filter operator %q on field %s", f.Operator, f.Field)
		}
		if f.Field == "" {
			return nil, a2a.Errorf(a2a.KindInvalidFilterOperator, "filter with operator %s has no field", f.Operator)
		}
	}
	filters, err := normalizeFilters(req.Filters)
	if err != nil {
		return nil, err
	}

	var out []Match
	for _, card := range r.snapshot() {
		ok, err := matches(card, &req, filters)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		m := Match{Card: card}
		if req.MaxDistance != nil {
			m.Distance = distance(card, &req)
			if m.Distance > *req.MaxDistance {
				continue
			}
		}
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool {
		if req.MaxDistance != nil && out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Card.ID < out[j].Card.ID
	})
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

// FindAgentsByCapability returns agents offering a version of name that is
// compatible with version. An empty version matches any.
func (r *Registry) FindAgentsByCapability(name, version string) ([]*agentcard.AgentCard, error) {
	req := DiscoveryRequest{Capabilities: []string{name}}
	if version != "" {
		req.CapabilityVersions = map[string]string{name: version}
	}
	return r.cards(req)
}

// FindAgentsByType returns agents whose metadata.type equals agentType.
func (r *Registry) FindAgentsByType(agentType string) ([]*agentcard.AgentCard, error) {
	return r.cards(DiscoveryRequest{AgentType: agentType})
}

// FindAgentsByService returns agents exposing a service called name.
func (r *Registry) FindAgentsByService(name string) ([]*agentcard.AgentCard, error) {
	return r.cards(DiscoveryRequest{Service: name})
}

func (r *Registry) cards(req DiscoveryRequest) ([]*agentcard.AgentCard, error) {
	found, err := r.DiscoverAgents(req)
	if err != nil {
		return nil, err
	}
	out := make([]*agentcard.AgentCard, len(found))
	for i, m := range found {
		out[i] = m.Card
	}
	return out, nil
}

func matches(card *agentcard.AgentCard, req *DiscoveryRequest, filters []Filter) (bool, error) {
	if req.AgentType != "" && card.Metadata.Type != req.AgentType {
		return false, nil
	}
	if len(req.Status) > 0 {
		found := false
		for _, s := range req.Status {
			if card.Metadata.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	for _, name := range req.Capabilities {
		offered, ok := card.Capability(name)
		if !ok {
			return false, nil
		}
		if want := req.CapabilityVersions[name]; want != "" && !Compatible(offered.Version, want) {
			return false, nil
		}
	}
	if req.Service != "" {
		if _, ok := card.Service(req.Service); !ok {
			return false, nil
		}
	}
	if len(filters) == 0 {
		return true, nil
	}

	doc, err := toDocument(card)
	if err != nil {
		return false, err
	}
	for _, f := range filters {
		if !evaluate(lookup(doc, f.Field), f.Operator, f.Value) {
			return false, nil
		}
	}
	return true, nil
}

// normalizeFilters passes filter values through JSON so that they compare
// against decoded card documents with the same types.
func normalizeFilters(in []Filter) ([]Filter, error) {
	out := make([]Filter, len(in))
	for i, f := range in {
		raw, err := json.Marshal(f.Value)
		if err != nil {
			return nil, a2a.Wrap(a2a.KindInvalidFilterOperator, err, "filter %s: value is not JSON", f.Field)
		}
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, a2a.Wrap(a2a.KindInvalidFilterOperator, err, "filter %s", f.Field)
		}
		if f.Operator == OpIn && !isList(v) {
			return nil, a2a.Errorf(a2a.KindInvalidFilterOperator, "filter %s: operator in needs a list value", f.Field)
		}
		out[i] = Filter{Field: f.Field, Operator: f.Operator, Value: v}
	}
	return out, nil
}

func toDocument(card *agentcard.AgentCard) (map[string]interface{}, error) {
	raw, err := json.Marshal(card)
	if err != nil {
		return nil, a2a.Wrap(a2a.KindInternal, err, "encode card %s", card.ID)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, a2a.Wrap(a2a.KindInternal, err, "decode card %s", card.ID)
	}
	return doc, nil
}

type missing struct{}

// lookup walks a dot-path. Numeric segments index lists; other segments over
// a list collect the field from every element.
func lookup(doc interface{}, path string) interface{} {
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[seg]
			if !ok {
				return missing{}
			}
			cur = v
		case []interface{}:
			if idx, err := strconv.Atoi(seg); err == nil {
				if idx < 0 || idx >= len(node) {
					return missing{}
				}
				cur = node[idx]
				continue
			}
			var collected []interface{}
			for _, el := range node {
				if m, ok := el.(map[string]interface{}); ok {
					if v, ok := m[seg]; ok {
						collected = append(collected, v)
					}
				}
			}
			cur = collected
		default:
			return missing{}
		}
	}
	return cur
}

func evaluate(field interface{}, op string, value interface{}) bool {
	if _, ok := field.(missing); ok {
		return false
	}
	switch op {
	case OpEq:
		return equal(field, value)
	case OpLt, OpLte, OpGt, OpGte:
		c, ok := compare(field, value)
		if !ok {
			return false
		}
		switch op {
		case OpLt:
			return c < 0
		case OpLte:
			return c <= 0
		case OpGt:
			return c > 0
		default:
			return c >= 0
		}
	case OpIn:
		list, _ := value.([]interface{})
		for _, v := range list {
			if equal(field, v) {
				return true
			}
		}
		return false
	case OpContains:
		switch f := field.(type) {
		case []interface{}:
			for _, el := range f {
				if equal(el, value) {
					return true
				}
			}
			return false
		case string:
			s, ok := value.(string)
			return ok && strings.Contains(f, s)
		case map[string]interface{}:
			s, ok := value.(string)
			if !ok {
				return false
			}
			_, has := f[s]
			return has
		}
	}
	return false
}

func equal(a, b interface{}) bool {
	if fa, ok := a.(float64); ok {
		fb, ok := b.(float64)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func compare(a, b interface{}) (int, bool) {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	}
	return 0, false
}

func isList(v interface{}) bool {
	_, ok := v.([]interface{})
	return ok
}

var statusPenalty = map[agentcard.Status]float64{
	agentcard.StatusIdle:       0,
	agentcard.StatusBusy:       0.5,
	agentcard.StatusOverloaded: 1,
	agentcard.StatusOffline:    1,
}

// distance is 0.5*(1-coverage) + 0.3*load + 0.2*statusPenalty, where
// coverage is the share of requested and preferred capabilities the card
// offers.
func distance(card *agentcard.AgentCard, req *DiscoveryRequest) float64 {
	wanted := make(map[string]struct{})
	for _, c := range req.Capabilities {
		wanted[c] = struct{}{}
	}
	for _, c := range req.PreferredCapabilities {
		wanted[c] = struct{}{}
	}
	coverage := 1.0
	if len(wanted) > 0 {
		hit := 0
		for c := range wanted {
			offered, ok := card.Capability(c)
			if !ok {
				continue
			}
			if v := req.CapabilityVersions[c]; v != "" && !Compatible(offered.Version, v) {
				continue
			}
			hit++
		}
		coverage = float64(hit) / float64(len(wanted))
	}
	penalty, ok := statusPenalty[card.Metadata.Status]
	if !ok {
		penalty = 1
	}
	d := 0.5*(1-coverage) + 0.3*card.Metadata.Load + 0.2*penalty
	return math.Round(d*1e6) / 1e6
}
