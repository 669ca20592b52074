package a2a

import (
	"errors"
	"time"
)

// JSON-RPC 2.0 error codes. Fabric-specific failures use the server error range.
const (
	ErrorCodeParseError     = -32700
	ErrorCodeInvalidRequest = -32600
	ErrorCodeMethodNotFound = -32601
	ErrorCodeInvalidParams  = -32602
	ErrorCodeInternalError  = -32603

	ErrorCodeUnauthorized = -32001
	ErrorCodeRateLimited  = -32002
	ErrorCodeUnavailable  = -32003
	ErrorCodeTimeout      = -32004
	ErrorCodeRejected     = -32005
)

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData carries the typed kind across the wire.
type ErrorData struct {
	Kind            Kind   `json:"kind"`
	Recoverable     bool   `json:"recoverable"`
	RetryAfterMs    int64  `json:"retryAfterMs,omitempty"`
	SuggestedAction string `json:"suggestedAction,omitempty"`
}

// NewRPCError creates a bare JSON-RPC error.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}

func (e *RPCError) Error() string { return e.Message }

// ToRPCError converts err to a JSON-RPC error object.
func ToRPCError(err error) *RPCError {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		return &RPCError{
			Code:    ErrorCodeInternalError,
			Message: err.Error(),
			Data:    &ErrorData{Kind: KindInternal},
		}
	}
	return &RPCError{
		Code:    codeFor(e.Kind),
		Message: e.Error(),
		Data: &ErrorData{
			Kind:            e.Kind,
			Recoverable:     e.Retryable(),
			RetryAfterMs:    e.RetryAfter.Milliseconds(),
			SuggestedAction: suggestedAction(e.Kind),
		},
	}
}

// FromRPCError converts a JSON-RPC error object back to a typed error.
func FromRPCError(r *RPCError) *Error {
	if r == nil {
		return nil
	}
	kind := KindInternal
	var retry time.Duration
	if r.Data != nil && r.Data.Kind != "" {
		kind = r.Data.Kind
		retry = time.Duration(r.Data.RetryAfterMs) * time.Millisecond
	} else {
		switch r.Code {
		case ErrorCodeParseError, ErrorCodeInvalidRequest:
			kind = KindInvalidJSONRPCFormat
		case ErrorCodeMethodNotFound:
			kind = KindNoMappingFound
		case ErrorCodeUnauthorized:
			kind = KindAuthenticationFailed
		case ErrorCodeRateLimited:
			kind = KindRateLimited
		case ErrorCodeTimeout:
			kind = KindRequestTimeout
		}
	}
	return &Error{Kind: kind, Message: r.Message, RetryAfter: retry}
}

func codeFor(k Kind) int {
	switch k {
	case KindInvalidJSONRPCFormat:
		return ErrorCodeInvalidRequest
	case KindNoMappingFound:
		return ErrorCodeMethodNotFound
	case KindRequiredParameterMissing, KindParameterTransformFailed, KindInvalidFilterOperator:
		return ErrorCodeInvalidParams
	case KindAuthenticationFailed, KindCertificateInvalid, KindCapabilityDenied, KindSignatureInvalid:
		return ErrorCodeUnauthorized
	case KindRateLimited:
		return ErrorCodeRateLimited
	case KindCircuitOpen, KindUnknownAgent, KindSessionNotFound:
		return ErrorCodeUnavailable
	case KindRequestTimeout, KindConnectTimeout:
		return ErrorCodeTimeout
	case KindReplayDetected, KindSequenceViolation, KindMessageExpired:
		return ErrorCodeRejected
	}
	return ErrorCodeInternalError
}

func suggestedAction(k Kind) string {
	switch k {
	case KindRateLimited:
		return "retry after the indicated delay"
	case KindCircuitOpen:
		return "wait for the circuit cooldown before retrying"
	case KindRequestTimeout, KindConnectTimeout:
		return "retry with backoff"
	case KindUnknownAgent:
		return "rediscover the target agent"
	case KindSessionNotFound:
		return "establish a new session"
	case KindReplayDetected, KindSequenceViolation:
		return "resend with a fresh nonce and sequence"
	}
	return ""
}
