// Package dump reads and writes packet dumps: a fixed file header followed by
// timestamped, direction-tagged raw frames in capture order.
package dump

import (
	"errors"
	"fmt"

	"github.com/stagehand-project/stagehand/internal/protocol"
)

// Magic identifies a dump file.
const Magic = "SHDP"

// FormatVersion is the only dump layout this package reads and writes.
const FormatVersion uint16 = 1

var (
	// ErrBadMagic is returned when a file does not start with Magic.
	ErrBadMagic = errors.New("not a packet dump")
	// ErrUnsupportedFormat is returned for an unknown dump layout version.
	ErrUnsupportedFormat = errors.New("unsupported dump format")
	// ErrTruncated is returned when the dump ends inside a frame.
	ErrTruncated = errors.New("dump truncated")
	// ErrCorrupt is returned for a frame header that cannot be valid.
	ErrCorrupt = errors.New("corrupt frame")
	// ErrClosed is returned by a Writer after Close.
	ErrClosed = errors.New("dump writer closed")
)

// Direction tells which peer sent a frame.
type Direction uint8

const (
	// Inbound frames travel client to server.
	Inbound Direction = 1
	// Outbound frames travel server to client. These are replayed.
	Outbound Direction = 2
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Inbound || d == Outbound
}

// FileHeader is the on-disk dump header. binary.Write serializes it as-is.
type FileHeader struct {
	Magic           [4]byte
	FormatVersion   uint16
	_               uint16
	ProtocolVersion uint32
	CreatedAtMs     int64
}

// FrameHeader precedes every frame body.
type FrameHeader struct {
	Direction   uint8
	TimestampMs uint32
	Length      uint32
}

const frameHeaderSize = 9

// Frame is one recorded packet. Name and Params are empty when the body
// could not be decoded; DecodeErr then says why. Raw is always the exact
// recorded body.
type Frame struct {
	Index       int
	Direction   Direction
	TimestampMs uint32
	Name        string
	Params      protocol.Params
	Raw         []byte
	DecodeErr   error
}

// Decoded reports whether the frame body was decoded by the codec.
func (f *Frame) Decoded() bool {
	return f.DecodeErr == nil && f.Name != ""
}
