// Package protocol implements the binary frame the TCP provider writes on
// the wire.
//
// A fixed 10-byte header is followed by a variable-length body. The receiver
// reads the header first to learn the body length, then reads exactly that
// many bytes, which is what keeps frames apart on a TCP byte stream.
//
// Frame format:
//
//	0      3  4  5  6         10
//	┌──────┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │ct│mt│ bodyLen │    body ...    │
//	│ prp  │01│  │  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴───────────────┘
//
// Correlation lives in the envelope (its token), not in the frame.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "prp" (peer rpc protocol).
const (
	MagicNumber byte = 0x70 // 'p'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 10 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (bodyLen)

	// MaxBodyLen bounds the body a peer may announce, so a corrupt or
	// hostile header cannot make the reader allocate gigabytes.
	MaxBodyLen uint32 = 16 << 20
)

// MsgType distinguishes envelope, hello and heartbeat frames.
type MsgType byte

const (
	MsgTypeEnvelope  MsgType = 0 // Body is a codec-encoded message.Envelope
	MsgTypeHello     MsgType = 1 // Body is the sender's node id, first frame on every connection
	MsgTypeHeartbeat MsgType = 2 // KeepAlive probe (no body)
)

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON byte = 0
	CodecTypeCBOR byte = 1
)

// Header represents the fixed 10-byte frame header.
type Header struct {
	CodecType byte    // Serialization format: 0=JSON, 1=CBOR
	MsgType   MsgType // Envelope, Hello, or Heartbeat
	BodyLen   uint32  // Body length in bytes
}

// Encode writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different envelopes will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	// One Write per frame so a partial failure never leaves a header without its body.
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, message type and body length.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeCBOR {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := MsgType(headerBuf[5])
	if msgType != MsgTypeEnvelope && msgType != MsgTypeHello && msgType != MsgTypeHeartbeat {
		return nil, nil, fmt.Errorf("unsupported message type: %d", msgType)
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[6:10])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("body length %d exceeds limit %d", bodyLen, MaxBodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		BodyLen:   bodyLen,
	}, body, nil
}
