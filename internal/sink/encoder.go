package sink

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/jobstream/api/jobpb"
)

// Encoder turns a typed result into bytes.
type Encoder interface {
	Encode(v any) ([]byte, error)
}

// ProtoEncoder encodes protobuf messages.
type ProtoEncoder struct {
	opts proto.MarshalOptions
}

// NewProtoEncoder returns a deterministic protobuf encoder.
func NewProtoEncoder() ProtoEncoder {
	return ProtoEncoder{opts: proto.MarshalOptions{Deterministic: true}}
}

func (e ProtoEncoder) Encode(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("protobuf: value does not implement proto.Message: %T", v)
	}
	return e.opts.Marshal(msg)
}

// CBOREncoder encodes values as canonical CBOR. Raw byte slices are passed
// through unchanged; well-known protobuf values are encoded as their plain
// Go equivalents.
type CBOREncoder struct{}

func (CBOREncoder) Encode(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *structpb.ListValue:
		v = t.AsSlice()
	case *structpb.Struct:
		v = t.AsMap()
	case *structpb.Value:
		v = t.AsInterface()
	case *wrapperspb.Int64Value:
		v = t.GetValue()
	case *wrapperspb.StringValue:
		v = t.GetValue()
	case proto.Message:
		return nil, fmt.Errorf("cbor: unsupported protobuf message %T", v)
	}
	return jobpb.Marshal(v)
}

// NewEncoder returns the encoder registered under name: "proto" or "cbor".
func NewEncoder(name string) (Encoder, error) {
	switch name {
	case "", "proto", "protobuf":
		return NewProtoEncoder(), nil
	case "cbor":
		return CBOREncoder{}, nil
	default:
		return nil, fmt.Errorf("unknown result encoding %q", name)
	}
}
