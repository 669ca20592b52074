package mcp

import (
	mcpTypes "github.com/mark3labs/mcp-go/mcp"
)

// Request is a tool invocation coming from an MCP runtime. ToolParams holds
// the arguments of the invoked tool.
type Request struct {
	ID          string                 `json:"id"`
	Prompt      string                 `json:"prompt,omitempty"`
	Tools       []mcpTypes.Tool        `json:"tools"`
	ToolParams  map[string]interface{} `json:"toolParams,omitempty"`
	Temperature *float64               `json:"temperature,omitempty"`
	MaxTokens   *int                   `json:"maxTokens,omitempty"`
	CacheTTL    *int                   `json:"cacheTTL,omitempty"` // seconds
}

// FunctionCall is a tool call the model asked for.
type FunctionCall struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Response is what the MCP runtime consumes.
type Response struct {
	ID            string                 `json:"id"`
	Model         string                 `json:"model,omitempty"`
	Content       interface{}            `json:"content,omitempty"`
	FunctionCalls []FunctionCall         `json:"functionCalls,omitempty"`
	Usage         *Usage                 `json:"usage,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// ParameterMapping renames one parameter and optionally transforms it.
// Transform and Inverse are names in the bridge's TransformRegistry; an empty
// Inverse is the identity.
type ParameterMapping struct {
	MCPParam  string `json:"mcpParam"`
	A2AParam  string `json:"a2aParam"`
	Transform string `json:"transform,omitempty"`
	Inverse   string `json:"inverse,omitempty"`
	Type      string `json:"type,omitempty"`
	Required  bool   `json:"required,omitempty"`
}

// ResponseMapping moves a field between the MCP response and the A2A result.
// Fields are dot-paths.
type ResponseMapping struct {
	MCPField  string `json:"mcpField"`
	A2AField  string `json:"a2aField"`
	Transform string `json:"transform,omitempty"`
	Inverse   string `json:"inverse,omitempty"`
}

// Mapping ties one MCP method to one A2A method.
type Mapping struct {
	MCPMethod   string             `json:"mcpMethod"`
	A2AMethod   string             `json:"a2aMethod"`
	Capability  string             `json:"capability,omitempty"`
	Description string             `json:"description,omitempty"`
	Parameters  []ParameterMapping `json:"parameters"`
	Responses   []ResponseMapping  `json:"responses,omitempty"`
}

func (m *Mapping) clone() *Mapping {
	c := *m
	c.Parameters = append([]ParameterMapping(nil), m.Parameters...)
	c.Responses = append([]ResponseMapping(nil), m.Responses...)
	return &c
}

// Tool describes the mapping as an MCP tool.
func (m *Mapping) Tool() mcpTypes.Tool {
	opts := []mcpTypes.ToolOption{}
	if m.Description != "" {
		opts = append(opts, mcpTypes.WithDescription(m.Description))
	} else {
		opts = append(opts, mcpTypes.WithDescription("Invokes "+m.A2AMethod+" on a fabric agent"))
	}
	for _, p := range m.Parameters {
		var propOpts []mcpTypes.PropertyOption
		if p.Required {
			propOpts = append(propOpts, mcpTypes.Required())
		}
		switch p.Type {
		case "number", "integer":
			opts = append(opts, mcpTypes.WithNumber(p.MCPParam, propOpts...))
		case "boolean":
			opts = append(opts, mcpTypes.WithBoolean(p.MCPParam, propOpts...))
		case "object":
			opts = append(opts, mcpTypes.WithObject(p.MCPParam, propOpts...))
		case "array":
			opts = append(opts, mcpTypes.WithArray(p.MCPParam, propOpts...))
		default:
			opts = append(opts, mcpTypes.WithString(p.MCPParam, propOpts...))
		}
	}
	return mcpTypes.NewTool(m.MCPMethod, opts...)
}
