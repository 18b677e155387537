package jobpb

import (
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype JobService messages are exchanged with.
const CodecName = "cbor"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(fmt.Sprintf("jobpb: cbor encode mode: %v", err))
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(fmt.Sprintf("jobpb: cbor decode mode: %v", err))
	}
	encoding.RegisterCodec(Codec{})
}

// Codec is a gRPC codec marshaling messages as canonical CBOR.
type Codec struct{}

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

func (Codec) Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }

// Marshal encodes v with the same CBOR profile used on the wire.
func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

// Unmarshal decodes CBOR data produced by Marshal.
func Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }
