package pb

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec implements grpc/encoding.Codec over encoding/json. Real
// protobuf-generated wire messages need a FileDescriptor that only
// protoc can produce correctly; this exercise hand-writes the
// gRPC service plumbing instead (see DESIGN.md) and carries messages
// as plain JSON, which a hand-authored struct can serialize safely.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return "json" }

// Codec returns the grpc/encoding.Codec this package registers in its
// init, for callers that need to pass it explicitly via
// grpc.ForceCodec or grpc.ForceServerCodec.
func Codec() encoding.Codec { return jsonCodec{} }
