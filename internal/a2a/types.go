// Package a2a contains the wire envelope of the agent-to-agent protocol.
//
// Every message is a JSON-RPC 2.0 compatible object extended with routing
// (from/to), replay protection (nonce/sequence) and integrity (signature) fields.
package a2a

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONRPCVersion is the only protocol version accepted on the wire.
const JSONRPCVersion = "2.0"

// MessageType classifies an envelope.
type MessageType string

const (
	MessageTypeRequest   MessageType = "request"
	MessageTypeResponse  MessageType = "response"
	MessageTypeBroadcast MessageType = "broadcast"
	MessageTypeGossip    MessageType = "gossip"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeRequest, MessageTypeResponse, MessageTypeBroadcast, MessageTypeGossip:
		return true
	}
	return false
}

// Priority is the delivery priority carried in message metadata.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is one of the known priorities. Empty is valid and
// treated as medium.
func (p Priority) Valid() bool {
	switch p {
	case "", PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// TrustLevel is the coarse-grained authorization tier of an agent.
type TrustLevel string

const (
	TrustUntrusted TrustLevel = "untrusted"
	TrustBasic     TrustLevel = "basic"
	TrustVerified  TrustLevel = "verified"
	TrustTrusted   TrustLevel = "trusted"
)

var trustRank = map[TrustLevel]int{
	TrustUntrusted: 0,
	TrustBasic:     1,
	TrustVerified:  2,
	TrustTrusted:   3,
}

// Rank returns the ordinal of the level, -1 when unknown.
func (l TrustLevel) Rank() int {
	if r, ok := trustRank[l]; ok {
		return r
	}
	return -1
}

// Valid reports whether l is a known trust level.
func (l TrustLevel) Valid() bool { return l.Rank() >= 0 }

// AtLeast reports whether l is equal to or above other.
func (l TrustLevel) AtLeast(other TrustLevel) bool { return l.Rank() >= other.Rank() }

// Lower returns the level one step below l. Untrusted stays untrusted.
func (l TrustLevel) Lower() TrustLevel {
	switch l {
	case TrustTrusted:
		return TrustVerified
	case TrustVerified:
		return TrustBasic
	default:
		return TrustUntrusted
	}
}

// Recipients is the "to" field of an envelope: a single agent id or a list of
// ids for broadcast and gossip. A single recipient is encoded as a string.
type Recipients []string

// To builds a Recipients value.
func To(ids ...string) Recipients { return Recipients(ids) }

// First returns the first recipient or "".
func (r Recipients) First() string {
	if len(r) == 0 {
		return ""
	}
	return r[0]
}

// Contains reports whether id is one of the recipients.
func (r Recipients) Contains(id string) bool {
	for _, v := range r {
		if v == id {
			return true
		}
	}
	return false
}

func (r Recipients) MarshalJSON() ([]byte, error) {
	if len(r) == 1 {
		return json.Marshal(r[0])
	}
	return json.Marshal([]string(r))
}

func (r *Recipients) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = nil
		return nil
	}
	if data[0] == '"' {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*r = Recipients{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("recipients must be a string or a list of strings: %w", err)
	}
	*r = many
	return nil
}

// Metadata carries delivery hints. Its fields are flattened into the envelope.
type Metadata struct {
	Priority      Priority `json:"priority,omitempty"`
	TTL           int64    `json:"ttl,omitempty"` // milliseconds since Timestamp
	ReplyTo       string   `json:"replyTo,omitempty"`
	CorrelationID string   `json:"correlationId,omitempty"`
}

// Message is the A2A wire envelope. It is immutable once signed: helpers that
// change it return copies.
type Message struct {
	JSONRPC      string          `json:"jsonrpc"`
	ID           string          `json:"id"`
	Method       string          `json:"method,omitempty"`
	Payload      json.RawMessage `json:"params,omitempty"`
	From         string          `json:"from"`
	To           Recipients      `json:"to"`
	Timestamp    int64           `json:"timestamp"`
	MessageType  MessageType     `json:"messageType"`
	Nonce        string          `json:"nonce,omitempty"`
	Sequence     uint64          `json:"sequence,omitempty"`
	Signature    string          `json:"signature,omitempty"`
	Encrypted    bool            `json:"encrypted,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Context      map[string]any  `json:"context,omitempty"`
	Metadata
}

// NewRequest builds an unsigned request envelope with a fresh id and timestamp.
// payload is marshalled to JSON unless it already is a json.RawMessage.
func NewRequest(from string, to Recipients, method string, payload any) (*Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	msgType := MessageTypeRequest
	if len(to) > 1 {
		msgType = MessageTypeBroadcast
	}
	return &Message{
		JSONRPC:     JSONRPCVersion,
		ID:          NewMessageID(),
		Method:      method,
		Payload:     raw,
		From:        from,
		To:          to,
		Timestamp:   time.Now().UnixMilli(),
		MessageType: msgType,
		Metadata:    Metadata{Priority: PriorityMedium},
	}, nil
}

// NewMessageID returns a sortable, unique message id.
func NewMessageID() string {
	return fmt.Sprintf("msg_%d_%s", time.Now().UnixMilli(), uuid.New().String()[:8])
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return raw, nil
	}
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Payload != nil {
		c.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	if m.To != nil {
		c.To = append(Recipients(nil), m.To...)
	}
	if m.Capabilities != nil {
		c.Capabilities = append([]string(nil), m.Capabilities...)
	}
	if m.Context != nil {
		c.Context = make(map[string]any, len(m.Context))
		for k, v := range m.Context {
			c.Context[k] = v
		}
	}
	return &c
}

// Expired reports whether the message TTL has elapsed at now.
func (m *Message) Expired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return now.UnixMilli() > m.Timestamp+m.TTL
}

// Validate checks the structural invariants of an envelope.
func (m *Message) Validate() error {
	if m.JSONRPC != JSONRPCVersion {
		return Errorf(KindInvalidJSONRPCFormat, "jsonrpc must be %q, got %q", JSONRPCVersion, m.JSONRPC)
	}
	if m.ID == "" {
		return Errorf(KindInvalidJSONRPCFormat, "message id is required")
	}
	if m.From == "" {
		return Errorf(KindInvalidJSONRPCFormat, "message sender is required")
	}
	if len(m.To) == 0 {
		return Errorf(KindInvalidJSONRPCFormat, "message recipient is required")
	}
	if !m.MessageType.Valid() {
		return Errorf(KindInvalidJSONRPCFormat, "unknown message type %q", m.MessageType)
	}
	if !m.Priority.Valid() {
		return Errorf(KindInvalidJSONRPCFormat, "unknown priority %q", m.Priority)
	}
	return nil
}

// DecodePayload unmarshals the payload into v.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return Errorf(KindInvalidJSONRPCFormat, "message %s has no params", m.ID)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return Wrap(KindInvalidJSONRPCFormat, err, "decode params of %s", m.ID)
	}
	return nil
}

// Response is the JSON-RPC response envelope.
type Response struct {
	JSONRPC     string          `json:"jsonrpc"`
	ID          string          `json:"id"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *RPCError       `json:"error,omitempty"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Timestamp   int64           `json:"timestamp"`
	MessageType MessageType     `json:"messageType"`
}

// NewResponse builds a successful response to req.
func NewResponse(req *Message, from string, result any) (*Response, error) {
	raw, err := marshalPayload(result)
	if err != nil {
		return nil, err
	}
	return &Response{
		JSONRPC:     JSONRPCVersion,
		ID:          req.ID,
		Result:      raw,
		From:        from,
		To:          req.From,
		Timestamp:   time.Now().UnixMilli(),
		MessageType: MessageTypeResponse,
	}, nil
}

// NewErrorResponse builds an error response to req from err.
func NewErrorResponse(req *Message, from string, err error) *Response {
	return &Response{
		JSONRPC:     JSONRPCVersion,
		ID:          req.ID,
		Error:       ToRPCError(err),
		From:        from,
		To:          req.From,
		Timestamp:   time.Now().UnixMilli(),
		MessageType: MessageTypeResponse,
	}
}

// Err converts a response carrying an error object to a typed error.
func (r *Response) Err() error {
	if r == nil || r.Error == nil {
		return nil
	}
	return FromRPCError(r.Error)
}

// DecodeResult unmarshals the result into v.
func (r *Response) DecodeResult(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if len(r.Result) == 0 {
		return Errorf(KindInvalidJSONRPCFormat, "response %s has no result", r.ID)
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return Wrap(KindInvalidJSONRPCFormat, err, "decode result of %s", r.ID)
	}
	return nil
}
