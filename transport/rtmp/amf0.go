package rtmp

import (
	"encoding/binary"
	"fmt"
	"math"
)

// AMF0 type markers (RTMP command and metadata messages are encoded with
// AMF0, the only encoding this package speaks; AMF3 command messages are
// not handled and are dropped unread).
const (
	amf0Number    = 0x00
	amf0Boolean   = 0x01
	amf0String    = 0x02
	amf0Object    = 0x03
	amf0Null      = 0x05
	amf0Undefined = 0x06
	amf0ECMAArray = 0x08
	amf0ObjectEnd = 0x09
)

// decodeAMF0Values decodes a sequence of concatenated AMF0 values filling
// the whole of data, as a command message payload carries: command name,
// transaction ID, command object, and zero or more further arguments.
func decodeAMF0Values(data []byte) ([]any, error) {
	var values []any
	for len(data) > 0 {
		v, rest, err := decodeAMF0Value(data)
		if err != nil {
			return values, err
		}
		values = append(values, v)
		data = rest
	}
	return values, nil
}

func decodeAMF0Value(data []byte) (any, []byte, error) {
	if len(data) < 1 {
		return nil, nil, fmt.Errorf("rtmp: amf0: empty value")
	}
	marker := data[0]
	data = data[1:]
	switch marker {
	case amf0Number:
		if len(data) < 8 {
			return nil, nil, fmt.Errorf("rtmp: amf0: short number")
		}
		return math.Float64frombits(binary.BigEndian.Uint64(data[:8])), data[8:], nil

	case amf0Boolean:
		if len(data) < 1 {
			return nil, nil, fmt.Errorf("rtmp: amf0: short boolean")
		}
		return data[0] != 0, data[1:], nil

	case amf0String:
		return decodeAMF0ShortString(data)

	case amf0Null, amf0Undefined:
		return nil, data, nil

	case amf0Object:
		return decodeAMF0Object(data)

	case amf0ECMAArray:
		if len(data) < 4 {
			return nil, nil, fmt.Errorf("rtmp: amf0: short ecma array count")
		}
		return decodeAMF0Object(data[4:])

	default:
		return nil, nil, fmt.Errorf("rtmp: amf0: unsupported type marker 0x%02x", marker)
	}
}

func decodeAMF0ShortString(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, fmt.Errorf("rtmp: amf0: short string length")
	}
	n := int(binary.BigEndian.Uint16(data[:2]))
	data = data[2:]
	if len(data) < n {
		return "", nil, fmt.Errorf("rtmp: amf0: string length %d exceeds buffer", n)
	}
	return string(data[:n]), data[n:], nil
}

// decodeAMF0Object decodes key/value pairs until the 0x00 0x00 0x09
// object-end marker, returning a map since command objects are read-only
// metadata here, never re-encoded verbatim.
func decodeAMF0Object(data []byte) (map[string]any, []byte, error) {
	obj := make(map[string]any)
	for {
		if len(data) >= 3 && data[0] == 0 && data[1] == 0 && data[2] == amf0ObjectEnd {
			return obj, data[3:], nil
		}
		key, rest, err := decodeAMF0ShortString(data)
		if err != nil {
			return nil, nil, err
		}
		val, rest2, err := decodeAMF0Value(rest)
		if err != nil {
			return nil, nil, err
		}
		obj[key] = val
		data = rest2
	}
}

// amf0Writer accumulates an AMF0-encoded command/response payload.
type amf0Writer struct{ buf []byte }

func (w *amf0Writer) Number(v float64) *amf0Writer {
	w.buf = append(w.buf, amf0Number)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	w.buf = append(w.buf, b[:]...)
	return w
}

func (w *amf0Writer) String(s string) *amf0Writer {
	w.buf = append(w.buf, amf0String)
	w.buf = append(w.buf, amf0ShortStringBytes(s)...)
	return w
}

func (w *amf0Writer) Null() *amf0Writer {
	w.buf = append(w.buf, amf0Null)
	return w
}

// Object writes an AMF0 object from keys in the given order, so callers
// control field order the way real encoders matching client expectations
// do, rather than relying on Go's randomized map iteration.
func (w *amf0Writer) Object(keys []string, vals map[string]any) *amf0Writer {
	w.buf = append(w.buf, amf0Object)
	for _, k := range keys {
		w.buf = append(w.buf, amf0ShortStringBytes(k)...)
		switch v := vals[k].(type) {
		case float64:
			w.Number(v)
		case string:
			w.String(v)
		case bool:
			w.buf = append(w.buf, amf0Boolean)
			if v {
				w.buf = append(w.buf, 1)
			} else {
				w.buf = append(w.buf, 0)
			}
		default:
			w.Null()
		}
	}
	w.buf = append(w.buf, 0, 0, amf0ObjectEnd)
	return w
}

func (w *amf0Writer) Bytes() []byte { return w.buf }

func amf0ShortStringBytes(s string) []byte {
	b := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(b[:2], uint16(len(s)))
	copy(b[2:], s)
	return b
}
