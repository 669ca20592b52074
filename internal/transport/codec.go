package transport

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// jsonCodecName is the gRPC content subtype of A2A calls
// (application/grpc+json). Envelopes are JSON-RPC on every transport.
const jsonCodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// rawJSON passes pre-encoded envelopes through the codec untouched so byte
// counts match what went on the wire.
type rawJSON []byte

type jsonCodec struct{}

func (jsonCodec) Name() string { return jsonCodecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *rawJSON:
		return *m, nil
	case rawJSON:
		return m, nil
	}
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(*rawJSON); ok {
		*m = append((*m)[:0], data...)
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json codec: %w", err)
	}
	return nil
}
