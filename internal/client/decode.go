package client

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/jobstream/api/jobpb"
	"github.com/ChuLiYu/jobstream/internal/plans"
)

// DecodeResult turns a result payload of a built-in job back into Go
// values. encoding is the server's result encoding, "proto" or "cbor".
func DecodeResult(encoding, op string, data []byte) (any, error) {
	switch encoding {
	case "cbor":
		var v any
		if err := jobpb.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode cbor result: %w", err)
		}
		return v, nil
	case "", "proto":
		if op == plans.OpCount {
			var n wrapperspb.Int64Value
			if err := proto.Unmarshal(data, &n); err != nil {
				return nil, fmt.Errorf("decode count: %w", err)
			}
			return n.GetValue(), nil
		}
		var list structpb.ListValue
		if err := proto.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("decode batch: %w", err)
		}
		return list.AsSlice(), nil
	default:
		return nil, fmt.Errorf("unknown result encoding %q", encoding)
	}
}
