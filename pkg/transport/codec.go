package transport

import (
	"fmt"

	"github.com/loomworks/loom/pkg/wire"
)

// CodecName is the gRPC content-subtype for envelope encoding.
const CodecName = "loomwire"

// Codec marshals *wire.Envelope values for gRPC. It replaces the generated
// protobuf codec: the envelope already knows its own wire encoding.
type Codec struct{}

// Name implements grpc encoding.Codec.
func (Codec) Name() string { return CodecName }

// Marshal implements grpc encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	env, ok := v.(*wire.Envelope)
	if !ok {
		return nil, fmt.Errorf("loomwire codec: cannot marshal %T", v)
	}
	return env.Marshal()
}

// Unmarshal implements grpc encoding.Codec.
func (Codec) Unmarshal(data []byte, v any) error {
	env, ok := v.(*wire.Envelope)
	if !ok {
		return fmt.Errorf("loomwire codec: cannot unmarshal into %T", v)
	}
	return env.Unmarshal(data)
}
