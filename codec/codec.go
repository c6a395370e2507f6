// Package codec serializes envelopes for transports that move bytes.
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeCBOR CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=CBOR
}

// GetCodec returns the codec for codecType; unknown types fall back to JSON.
func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeCBOR {
		return cborCodec
	}
	return &JSONCodec{}
}

// ParseCodecType maps a codec name ("json", "cbor") to its type.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "json", "":
		return CodecTypeJSON, nil
	case "cbor":
		return CodecTypeCBOR, nil
	}
	return 0, fmt.Errorf("unknown codec %q", name)
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeCBOR:
		return "cbor"
	}
	return fmt.Sprintf("codec(%d)", byte(t))
}
