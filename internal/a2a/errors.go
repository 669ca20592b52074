package a2a

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies a class of failure. Callers branch on the kind, never on the
// message text.
type Kind string

const (
	KindConfigInvalid            Kind = "ConfigInvalid"
	KindConnectTimeout           Kind = "ConnectTimeout"
	KindAuthenticationFailed     Kind = "AuthenticationFailed"
	KindCertificateInvalid       Kind = "CertificateInvalid"
	KindAgentAlreadyRegistered   Kind = "AgentAlreadyRegistered"
	KindUnknownAgent             Kind = "UnknownAgent"
	KindCapabilityDenied         Kind = "CapabilityDenied"
	KindRateLimited              Kind = "RateLimited"
	KindCircuitOpen              Kind = "CircuitOpen"
	KindReplayDetected           Kind = "ReplayDetected"
	KindSignatureInvalid         Kind = "SignatureInvalid"
	KindRequestTimeout           Kind = "RequestTimeout"
	KindNoMappingFound           Kind = "NoMappingFound"
	KindParameterTransformFailed Kind = "ParameterTransformFailed"
	KindInvalidFilterOperator    Kind = "InvalidFilterOperator"
	KindInvalidJSONRPCFormat     Kind = "InvalidJSONRPCFormat"

	KindWebSocketConnectFailed   Kind = "WebSocketConnectFailed"
	KindHTTPConnectFailed        Kind = "HTTPConnectFailed"
	KindGrpcConnectFailed        Kind = "GrpcConnectFailed"
	KindTCPConnectFailed         Kind = "TCPConnectFailed"
	KindConnectionNotFound       Kind = "ConnectionNotFound"
	KindSessionNotFound          Kind = "SessionNotFound"
	KindSequenceViolation        Kind = "SequenceViolation"
	KindMessageExpired           Kind = "MessageExpired"
	KindRegistrationError        Kind = "RegistrationError"
	KindMappingAlreadyExists     Kind = "MappingAlreadyExists"
	KindInvalidMapping           Kind = "InvalidMapping"
	KindRequiredParameterMissing Kind = "RequiredParameterMissing"
	KindInternal                 Kind = "Internal"
)

// Sentinels for errors.Is comparisons. They match any *Error of the same kind.
var (
	ErrConfigInvalid        = &Error{Kind: KindConfigInvalid}
	ErrConnectTimeout       = &Error{Kind: KindConnectTimeout}
	ErrAuthenticationFailed = &Error{Kind: KindAuthenticationFailed}
	ErrCertificateInvalid   = &Error{Kind: KindCertificateInvalid}
	ErrAlreadyRegistered    = &Error{Kind: KindAgentAlreadyRegistered}
	ErrUnknownAgent         = &Error{Kind: KindUnknownAgent}
	ErrCapabilityDenied     = &Error{Kind: KindCapabilityDenied}
	ErrRateLimited          = &Error{Kind: KindRateLimited}
	ErrCircuitOpen          = &Error{Kind: KindCircuitOpen}
	ErrReplayDetected       = &Error{Kind: KindReplayDetected}
	ErrSignatureInvalid     = &Error{Kind: KindSignatureInvalid}
	ErrRequestTimeout       = &Error{Kind: KindRequestTimeout}
	ErrNoMappingFound       = &Error{Kind: KindNoMappingFound}
	ErrTransformFailed      = &Error{Kind: KindParameterTransformFailed}
	ErrInvalidOperator      = &Error{Kind: KindInvalidFilterOperator}
	ErrInvalidJSONRPC       = &Error{Kind: KindInvalidJSONRPCFormat}
)

// Error is the typed error returned across every package boundary of the fabric.
type Error struct {
	Kind    Kind
	Message string
	// RetryAfter is the suggested delay for retryable kinds, zero otherwise.
	RetryAfter time.Duration
	Err        error
}

// Errorf creates an error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind wrapping a cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// RateLimited creates a RateLimited error with a retry hint.
func RateLimited(retryAfter time.Duration, format string, args ...any) *Error {
	e := Errorf(KindRateLimited, format, args...)
	e.RetryAfter = retryAfter
	return e
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	} else {
		msg = string(e.Kind) + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// Retryable reports whether the caller may retry after RetryAfter.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindRequestTimeout, KindConnectTimeout, KindCircuitOpen:
		return true
	}
	return false
}

// KindOf extracts the kind of err, KindInternal for foreign errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool { return KindOf(err) == k }

// IsRetryable reports whether err is a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}

// RetryAfterOf returns the retry hint carried by err, zero if none.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
