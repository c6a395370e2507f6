package codec

import (
	"github.com/goccy/go-json"
)

// JSONCodec encodes with goccy/go-json, a drop-in for encoding/json.
// Numbers in untyped fields (Envelope.Args, Envelope.Data) decode as float64.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
