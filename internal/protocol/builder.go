package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// PacketBuilder constructs packet bodies field by field. All fixed-width
// integers are little-endian; varints use the LEB128 layout with zigzag
// encoding for signed values.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a new PacketBuilder.
func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{}
}

// Reset clears the builder for reuse.
func (b *PacketBuilder) Reset() {
	b.buf.Reset()
}

// WriteBool writes a boolean as one byte.
func (b *PacketBuilder) WriteBool(v bool) *PacketBuilder {
	if v {
		b.buf.WriteByte(1)
	} else {
		b.buf.WriteByte(0)
	}
	return b
}

// WriteUint8 writes a single byte.
func (b *PacketBuilder) WriteUint8(v uint8) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteUint16 writes a uint16 in little-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	b.buf.Write(binary.LittleEndian.AppendUint16(nil, v))
	return b
}

// WriteInt32 writes an int32 in little-endian order.
func (b *PacketBuilder) WriteInt32(v int32) *PacketBuilder {
	b.buf.Write(binary.LittleEndian.AppendUint32(nil, uint32(v)))
	return b
}

// WriteInt64 writes an int64 in little-endian order.
func (b *PacketBuilder) WriteInt64(v int64) *PacketBuilder {
	b.buf.Write(binary.LittleEndian.AppendUint64(nil, uint64(v)))
	return b
}

// WriteFloat32 writes a float32 in little-endian order.
func (b *PacketBuilder) WriteFloat32(v float32) *PacketBuilder {
	b.buf.Write(binary.LittleEndian.AppendUint32(nil, math.Float32bits(v)))
	return b
}

// WriteVarint writes a zigzag-encoded signed varint.
func (b *PacketBuilder) WriteVarint(v int64) *PacketBuilder {
	b.buf.Write(binary.AppendVarint(nil, v))
	return b
}

// WriteUvarint writes an unsigned varint.
func (b *PacketBuilder) WriteUvarint(v uint64) *PacketBuilder {
	b.buf.Write(binary.AppendUvarint(nil, v))
	return b
}

// WriteString writes a uvarint length-prefixed string.
func (b *PacketBuilder) WriteString(s string) *PacketBuilder {
	b.WriteUvarint(uint64(len(s)))
	b.buf.WriteString(s)
	return b
}

// WriteByteSlice writes a uvarint length-prefixed byte slice.
func (b *PacketBuilder) WriteByteSlice(data []byte) *PacketBuilder {
	b.WriteUvarint(uint64(len(data)))
	b.buf.Write(data)
	return b
}

// WriteBytes writes raw bytes without a prefix.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// Build returns a copy of the constructed packet bytes.
func (b *PacketBuilder) Build() []byte {
	return bytes.Clone(b.buf.Bytes())
}

// BuildFrame returns the packet with a 4-byte LE length prefix.
func (b *PacketBuilder) BuildFrame() []byte {
	data := b.buf.Bytes()
	result := make([]byte, LengthPrefixSize+len(data))
	binary.LittleEndian.PutUint32(result[:LengthPrefixSize], uint32(len(data)))
	copy(result[LengthPrefixSize:], data)
	return result
}

// Len returns the current size of the packet being built.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// String returns a hex dump of the current packet for debugging.
func (b *PacketBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(data), data)
}
