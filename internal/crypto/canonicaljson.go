package crypto

import (
	"encoding/json"

	canonicaljson "github.com/gibson042/canonicaljson-go"
)

// MarshalCanonical marshals the given value to canonical JSON bytes (RFC-style JCS).
func MarshalCanonical(v any) ([]byte, error) {
	return canonicaljson.Marshal(v)
}

// CanonicalizeRawJSON canonicalizes raw JSON bytes using the same rules that
// MarshalCanonical applies to Go values. Payloads arrive as json.RawMessage and
// must be normalised before they take part in a signature, otherwise key order
// or whitespace introduced by a relay would break verification.
func CanonicalizeRawJSON(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return []byte("null"), nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return canonicaljson.Marshal(v)
}
