package mcp

import (
	"encoding/json"
	"strings"

	mcpTypes "github.com/mark3labs/mcp-go/mcp"

	"github.com/praxis/a2a-fabric/internal/a2a"
)

// Context keys carried on translated requests.
const (
	ContextMCPRequestID = "mcpRequestId"
	ContextMCPMethod    = "mcpMethod"
	ContextPrompt       = "prompt"
	ContextTemperature  = "temperature"
	ContextMaxTokens    = "maxTokens"
	ContextCacheTTL     = "cacheTTL"
)

// TranslateMCPToA2A converts the first mapped tool of req into an A2A request.
// The recipient is UnresolvedRecipient until the request is dispatched.
func (b *Bridge) TranslateMCPToA2A(req *Request) (msg *a2a.Message, err error) {
	start := b.now()
	defer func() { b.record(directionForward, start, err) }()

	if req == nil {
		return nil, a2a.Errorf(a2a.KindInvalidJSONRPCFormat, "nil MCP request")
	}
	tool, mapping := b.selectTool(req.Tools)
	if mapping == nil {
		return nil, a2a.Errorf(a2a.KindNoMappingFound, "no mapping for tools %s", toolNames(req.Tools))
	}
	for _, name := range tool.InputSchema.Required {
		if _, ok := req.ToolParams[name]; !ok {
			return nil, a2a.Errorf(a2a.KindRequiredParameterMissing, "tool %s: required parameter %s missing", tool.Name, name)
		}
	}

	params := make(map[string]interface{}, len(req.ToolParams))
	consumed := make(map[string]bool, len(mapping.Parameters))
	for _, pm := range mapping.Parameters {
		v, ok := req.ToolParams[pm.MCPParam]
		consumed[pm.MCPParam] = true
		if !ok {
			continue
		}
		fn, _ := b.transforms.Get(pm.Transform)
		out, terr := fn(v)
		if terr != nil {
			return nil, a2a.Wrap(a2a.KindParameterTransformFailed, terr, "parameter %s", pm.MCPParam)
		}
		params[pm.A2AParam] = out
	}
	// unmapped parameters pass through under their own name
	for k, v := range req.ToolParams {
		if consumed[k] {
			continue
		}
		if _, taken := params[k]; !taken {
			params[k] = v
		}
	}

	msg, err = a2a.NewRequest(b.nodeID, a2a.To(UnresolvedRecipient), mapping.A2AMethod, params)
	if err != nil {
		return nil, a2a.Wrap(a2a.KindParameterTransformFailed, err, "encode params of %s", tool.Name)
	}
	msg.CorrelationID = req.ID
	if mapping.Capability != "" {
		msg.Capabilities = []string{mapping.Capability}
	}
	msg.Context = map[string]any{
		ContextMCPRequestID: req.ID,
		ContextMCPMethod:    mapping.MCPMethod,
	}
	if req.Prompt != "" {
		msg.Context[ContextPrompt] = req.Prompt
	}
	if req.Temperature != nil {
		msg.Context[ContextTemperature] = *req.Temperature
	}
	if req.MaxTokens != nil {
		msg.Context[ContextMaxTokens] = *req.MaxTokens
	}
	if req.CacheTTL != nil {
		msg.Context[ContextCacheTTL] = *req.CacheTTL
	}
	return msg, nil
}

// TranslateA2AToMCP is the inverse of TranslateMCPToA2A.
func (b *Bridge) TranslateA2AToMCP(msg *a2a.Message) (req *Request, err error) {
	start := b.now()
	defer func() { b.record(directionReverse, start, err) }()

	if msg == nil || msg.JSONRPC != a2a.JSONRPCVersion {
		return nil, a2a.Errorf(a2a.KindInvalidJSONRPCFormat, "A2A message must carry jsonrpc %q", a2a.JSONRPCVersion)
	}
	mapping := b.lookupA2A(msg.Method)
	if mapping == nil {
		return nil, a2a.Errorf(a2a.KindNoMappingFound, "no mapping for A2A method %s", msg.Method)
	}
	params := map[string]interface{}{}
	if len(msg.Payload) > 0 {
		if uerr := json.Unmarshal(msg.Payload, &params); uerr != nil {
			return nil, a2a.Wrap(a2a.KindInvalidJSONRPCFormat, uerr, "params of %s must be an object", msg.ID)
		}
	}

	toolParams := make(map[string]interface{}, len(params))
	consumed := make(map[string]bool, len(mapping.Parameters))
	for _, pm := range mapping.Parameters {
		v, ok := params[pm.A2AParam]
		consumed[pm.A2AParam] = true
		if !ok {
			continue
		}
		fn, _ := b.transforms.Get(pm.Inverse)
		out, terr := fn(v)
		if terr != nil {
			return nil, a2a.Wrap(a2a.KindParameterTransformFailed, terr, "parameter %s", pm.A2AParam)
		}
		toolParams[pm.MCPParam] = out
	}
	for k, v := range params {
		if consumed[k] {
			continue
		}
		if _, taken := toolParams[k]; !taken {
			toolParams[k] = v
		}
	}

	req = &Request{
		ID:         msg.ID,
		Tools:      []mcpTypes.Tool{mapping.Tool()},
		ToolParams: toolParams,
	}
	if msg.CorrelationID != "" {
		req.ID = msg.CorrelationID
	}
	if s, ok := msg.Context[ContextPrompt].(string); ok {
		req.Prompt = s
	}
	if f, ok := number(msg.Context[ContextTemperature]); ok {
		req.Temperature = &f
	}
	if f, ok := number(msg.Context[ContextMaxTokens]); ok {
		n := int(f)
		req.MaxTokens = &n
	}
	if f, ok := number(msg.Context[ContextCacheTTL]); ok {
		n := int(f)
		req.CacheTTL = &n
	}
	return req, nil
}

// TranslateMCPResponseToA2A converts an MCP response for mcpMethod into an A2A
// response. Without response mappings the whole response is carried as the
// result.
func (b *Bridge) TranslateMCPResponseToA2A(resp *Response, mcpMethod string) (out *a2a.Response, err error) {
	start := b.now()
	defer func() { b.record(directionForward, start, err) }()

	if resp == nil {
		return nil, a2a.Errorf(a2a.KindInvalidJSONRPCFormat, "nil MCP response")
	}
	mapping := b.lookupMCP(mcpMethod)
	if mapping == nil {
		return nil, a2a.Errorf(a2a.KindNoMappingFound, "no mapping for MCP method %s", mcpMethod)
	}
	doc, err := toDocument(resp)
	if err != nil {
		return nil, err
	}
	delete(doc, "id")

	result := doc
	if len(mapping.Responses) > 0 {
		result = map[string]interface{}{}
		for _, rm := range mapping.Responses {
			v, ok := getPath(doc, rm.MCPField)
			if !ok {
				continue
			}
			fn, _ := b.transforms.Get(rm.Transform)
			tv, terr := fn(v)
			if terr != nil {
				return nil, a2a.Wrap(a2a.KindParameterTransformFailed, terr, "response field %s", rm.MCPField)
			}
			setPath(result, rm.A2AField, tv)
		}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, a2a.Wrap(a2a.KindInvalidJSONRPCFormat, err, "encode result of %s", resp.ID)
	}
	return &a2a.Response{
		JSONRPC:     a2a.JSONRPCVersion,
		ID:          resp.ID,
		Result:      raw,
		From:        b.nodeID,
		Timestamp:   b.now().UnixMilli(),
		MessageType: a2a.MessageTypeResponse,
	}, nil
}

// TranslateA2AResponseToMCP converts an A2A response to a request translated
// from mcpMethod back into an MCP response. An error response is returned as
// the typed error it carries.
func (b *Bridge) TranslateA2AResponseToMCP(resp *a2a.Response, mcpMethod string) (out *Response, err error) {
	start := b.now()
	defer func() { b.record(directionReverse, start, err) }()

	if resp == nil || resp.JSONRPC != a2a.JSONRPCVersion {
		return nil, a2a.Errorf(a2a.KindInvalidJSONRPCFormat, "A2A response must carry jsonrpc %q", a2a.JSONRPCVersion)
	}
	mapping := b.lookupMCP(mcpMethod)
	if mapping == nil {
		return nil, a2a.Errorf(a2a.KindNoMappingFound, "no mapping for MCP method %s", mcpMethod)
	}
	if rerr := resp.Err(); rerr != nil {
		return nil, rerr
	}

	var result interface{}
	if len(resp.Result) > 0 {
		if uerr := json.Unmarshal(resp.Result, &result); uerr != nil {
			return nil, a2a.Wrap(a2a.KindInvalidJSONRPCFormat, uerr, "decode result of %s", resp.ID)
		}
	}
	doc, isObject := result.(map[string]interface{})
	if !isObject {
		doc = map[string]interface{}{"content": result}
	}

	mcpDoc := doc
	if len(mapping.Responses) > 0 && isObject {
		mcpDoc = map[string]interface{}{}
		for _, rm := range mapping.Responses {
			v, ok := getPath(doc, rm.A2AField)
			if !ok {
				continue
			}
			fn, _ := b.transforms.Get(rm.Inverse)
			tv, terr := fn(v)
			if terr != nil {
				return nil, a2a.Wrap(a2a.KindParameterTransformFailed, terr, "response field %s", rm.A2AField)
			}
			setPath(mcpDoc, rm.MCPField, tv)
		}
	}
	mcpDoc["id"] = resp.ID

	raw, err := json.Marshal(mcpDoc)
	if err != nil {
		return nil, a2a.Wrap(a2a.KindInvalidJSONRPCFormat, err, "encode MCP response %s", resp.ID)
	}
	out = &Response{}
	if uerr := json.Unmarshal(raw, out); uerr != nil {
		return nil, a2a.Wrap(a2a.KindInvalidJSONRPCFormat, uerr, "result of %s does not fit an MCP response", resp.ID)
	}
	return out, nil
}

func (b *Bridge) selectTool(tools []mcpTypes.Tool) (mcpTypes.Tool, *Mapping) {
	for _, t := range tools {
		if m := b.lookupMCP(t.Name); m != nil {
			return t, m
		}
	}
	return mcpTypes.Tool{}, nil
}

func toolNames(tools []mcpTypes.Tool) string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return "[" + strings.Join(names, ",") + "]"
}

func toDocument(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, a2a.Wrap(a2a.KindInvalidJSONRPCFormat, err, "encode document")
	}
	doc := map[string]interface{}{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, a2a.Wrap(a2a.KindInvalidJSONRPCFormat, err, "decode document")
	}
	return doc, nil
}

func getPath(doc map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = doc
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(doc map[string]interface{}, path string, v interface{}) {
	segs := strings.Split(path, ".")
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = v
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
