// Package rpcapi is an optional gRPC control-plane surface alongside the
// textual CLI: LOAD, CALL, LIST, and DELETE exposed as RPCs. Messages are
// plain Go structs carried over a JSON codec rather than generated
// protobuf stubs, since the wire shape here is control-plane metadata, not
// a high-throughput data path.
package rpcapi

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements grpc/encoding.Codec over encoding/json, so this
// service's method handlers exchange plain structs instead of
// protobuf-generated messages.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}
