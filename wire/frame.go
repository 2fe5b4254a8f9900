// Package wire implements the ZTeraDB framing protocol: a 4-byte
// big-endian length prefix followed by that many bytes of UTF-8 JSON,
// in both directions, and the transport that carries it over TCP.
package wire

import (
	"encoding/binary"
	"encoding/json"

	"github.com/zteradb/zteradb-go/zterr"
)

// LengthSize is the byte width of the frame length prefix.
const LengthSize = 4

// jsonExcerptLimit bounds how much of a malformed payload is echoed
// into a parse error message.
const jsonExcerptLimit = 500

// EncodeFrame prepends the big-endian byte length of payload.
func EncodeFrame(payload []byte) []byte {
	frame := make([]byte, LengthSize+len(payload))
	binary.BigEndian.PutUint32(frame[:LengthSize], uint32(len(payload)))
	copy(frame[LengthSize:], payload)
	return frame
}

// DecodeLength reads the big-endian length prefix. The slice must hold
// at least LengthSize bytes.
func DecodeLength(b []byte) uint32 {
	return binary.BigEndian.Uint32(b[:LengthSize])
}

// MarshalPayload JSON-encodes a value for transmission. Values that
// cannot be represented as JSON report a value error.
func MarshalPayload(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, zterr.Wrap(zterr.Value, "payload is not JSON-encodable", err)
	}
	return b, nil
}

// UnmarshalPayload JSON-decodes a received payload. On malformed input
// the error message carries up to the first 500 bytes of the payload.
func UnmarshalPayload(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		excerpt := data
		if len(excerpt) > jsonExcerptLimit {
			excerpt = excerpt[:jsonExcerptLimit]
		}
		return zterr.Wrap(zterr.JSONParse, "malformed payload: "+string(excerpt), err)
	}
	return nil
}

// Frame is one decoded server payload. Query responses carry a
// response code; the handshake response carries the error flag and a
// data object instead. Data is kept raw so the caller decides its
// shape.
type Frame struct {
	ResponseCode ResponseCode    `json:"response_code"`
	Error        any             `json:"error,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// ErrorSet reports whether the frame's error field is truthy. The
// server is loose about the type here (false, 0, null, "" are all
// used for "no error").
func (f *Frame) ErrorSet() bool {
	switch v := f.Error.(type) {
	case nil:
		return false
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v != ""
	default:
		return true
	}
}

// DataString renders the frame's data field as a plain string: string
// data is unquoted, anything else is returned as its JSON text.
func (f *Frame) DataString() string {
	if len(f.Data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.Data, &s); err == nil {
		return s
	}
	return string(f.Data)
}
