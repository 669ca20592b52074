package a2a

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecipientsJSON(t *testing.T) {
	single, err := json.Marshal(To("agent-1"))
	require.NoError(t, err)
	assert.Equal(t, `"agent-1"`, string(single))

	many, err := json.Marshal(To("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, `["a","b"]`, string(many))

	var r Recipients
	require.NoError(t, json.Unmarshal([]byte(`"x"`), &r))
	assert.Equal(t, Recipients{"x"}, r)
	require.NoError(t, json.Unmarshal([]byte(`["x","y"]`), &r))
	assert.True(t, r.Contains("y"))
	assert.Error(t, json.Unmarshal([]byte(`42`), &r))
}

func TestMessageWireShape(t *testing.T) {
	msg, err := NewRequest("coordinator-1", To("coder-1"), "code.generate", map[string]any{"lang": "go"})
	require.NoError(t, err)
	msg.Priority = PriorityHigh
	msg.CorrelationID = "corr-1"

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.Equal(t, "2.0", wire["jsonrpc"])
	assert.Equal(t, "code.generate", wire["method"])
	assert.Equal(t, "coder-1", wire["to"])
	assert.Equal(t, "request", wire["messageType"])
	assert.Equal(t, "high", wire["priority"])
	assert.Equal(t, "corr-1", wire["correlationId"])
	assert.Equal(t, map[string]any{"lang": "go"}, wire["params"])

	require.NoError(t, msg.Validate())
}

func TestMessageValidate(t *testing.T) {
	msg, err := NewRequest("a", To("b"), "m", nil)
	require.NoError(t, err)

	bad := msg.Clone()
	bad.JSONRPC = "1.0"
	assert.True(t, IsKind(bad.Validate(), KindInvalidJSONRPCFormat))

	bad = msg.Clone()
	bad.To = nil
	assert.Error(t, bad.Validate())

	bad = msg.Clone()
	bad.Priority = "urgent"
	assert.Error(t, bad.Validate())
}

func TestMessageExpired(t *testing.T) {
	msg, err := NewRequest("a", To("b"), "m", nil)
	require.NoError(t, err)
	now := time.UnixMilli(msg.Timestamp)

	assert.False(t, msg.Expired(now.Add(time.Hour)), "no ttl never expires")

	msg.TTL = 1000
	assert.False(t, msg.Expired(now.Add(500*time.Millisecond)))
	assert.True(t, msg.Expired(now.Add(2*time.Second)))
}

func TestBroadcastTypeFromRecipients(t *testing.T) {
	msg, err := NewRequest("a", To("b", "c"), "m", nil)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeBroadcast, msg.MessageType)
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("outer: %w", RateLimited(2*time.Second, "too many sends"))

	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.False(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, KindRateLimited, KindOf(err))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 2*time.Second, RetryAfterOf(err))

	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.False(t, IsRetryable(Errorf(KindSignatureInvalid, "bad mac")))
}

func TestRPCErrorRoundTrip(t *testing.T) {
	orig := RateLimited(1500*time.Millisecond, "bucket empty")
	rpc := ToRPCError(orig)
	assert.Equal(t, ErrorCodeRateLimited, rpc.Code)
	require.NotNil(t, rpc.Data)
	assert.True(t, rpc.Data.Recoverable)
	assert.NotEmpty(t, rpc.Data.SuggestedAction)

	back := FromRPCError(rpc)
	assert.Equal(t, KindRateLimited, back.Kind)
	assert.Equal(t, 1500*time.Millisecond, back.RetryAfter)

	legacy := FromRPCError(NewRPCError(ErrorCodeMethodNotFound, "nope"))
	assert.Equal(t, KindNoMappingFound, legacy.Kind)
}

func TestResponseDecode(t *testing.T) {
	req, err := NewRequest("a", To("b"), "echo", nil)
	require.NoError(t, err)

	resp, err := NewResponse(req, "b", map[string]string{"ok": "yes"})
	require.NoError(t, err)
	assert.Equal(t, req.ID, resp.ID)
	assert.Equal(t, "a", resp.To)

	var out map[string]string
	require.NoError(t, resp.DecodeResult(&out))
	assert.Equal(t, "yes", out["ok"])

	errResp := NewErrorResponse(req, "b", Errorf(KindUnknownAgent, "who?"))
	assert.True(t, IsKind(errResp.Err(), KindUnknownAgent))
	assert.True(t, IsKind(errResp.DecodeResult(&out), KindUnknownAgent))
}

func TestTrustLevelOrdering(t *testing.T) {
	assert.True(t, TrustTrusted.AtLeast(TrustVerified))
	assert.False(t, TrustBasic.AtLeast(TrustVerified))
	assert.Equal(t, TrustVerified, TrustTrusted.Lower())
	assert.Equal(t, TrustUntrusted, TrustUntrusted.Lower())
	assert.False(t, TrustLevel("root").Valid())
}
