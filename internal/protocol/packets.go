// Package protocol defines how game packets are turned into named parameter
// sets and back. A Codec handles one protocol version; frames on the wire are
// carried with a 4-byte little-endian length prefix.
package protocol

import (
	"bytes"
	"errors"
	"sort"
)

// DefaultMaxFrameSize bounds a single frame read from a socket or dump.
const DefaultMaxFrameSize = 8 << 20

// LengthPrefixSize is the size of the frame length prefix in bytes.
const LengthPrefixSize = 4

var (
	// ErrUnknownPacket is returned for an id or name the codec has no schema for.
	ErrUnknownPacket = errors.New("unknown packet")
	// ErrShortPacket is returned when a packet body ends inside a field.
	ErrShortPacket = errors.New("packet truncated")
	// ErrUnsupportedVersion is returned by a Registry without a codec for a version.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	// ErrMissingField is returned when Encode is given params lacking a schema field.
	ErrMissingField = errors.New("missing field")
	// ErrFrameTooLarge is returned when a frame exceeds the configured limit.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Params is the decoded, named field set of one packet. Integer fields decode
// to int64, floats to float64 and byte fields to []byte.
type Params map[string]any

// Clone returns a deep copy of p. Byte slices, nested maps and slices are
// copied so the result can be mutated freely.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

// Keys returns the field names in sorted order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return bytes.Clone(t)
	case Params:
		return t.Clone()
	case map[string]any:
		return map[string]any(Params(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// Packet is one decoded packet.
type Packet struct {
	Name   string
	Params Params
}

// Codec converts between raw packet bodies and named parameter sets for a
// single protocol version.
type Codec interface {
	Version() int
	Decode(raw []byte) (Packet, error)
	Encode(name string, params Params) ([]byte, error)
}
