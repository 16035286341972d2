// Package jsoncodec plugs a plain encoding/json codec into
// google.golang.org/grpc's pluggable Codec interface, so workerproto.Frame
// values can ride real grpc streams without generated protobuf descriptors.
package jsoncodec

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// Name is registered with grpc via encoding.RegisterCodec; clients and
// servers select it with grpc.CallContentSubtype(jsoncodec.Name).
const Name = "json"

func init() {
	encoding.RegisterCodec(Codec{})
}

// Codec implements google.golang.org/grpc/encoding.Codec.
type Codec struct{}

func (Codec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (Codec) Name() string {
	return Name
}
