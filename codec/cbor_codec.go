package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// CBORCodec is a compact binary alternative to JSON. Integers in untyped
// fields keep their integer type (uint64 or int64) and maps decode as
// map[string]any so envelopes look the same whichever codec carried them.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var cborCodec = newCBORCodec()

func newCBORCodec() *CBORCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return &CBORCodec{enc: enc, dec: dec}
}

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c *CBORCodec) Decode(data []byte, v any) error {
	return c.dec.Unmarshal(data, v)
}

func (c *CBORCodec) Type() CodecType {
	return CodecTypeCBOR
}
