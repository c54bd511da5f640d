package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// ReadFrame reads a single length-prefixed frame from r.
// Frame format: [4-byte LE length][body bytes...]
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(prefix[:])
	if length == 0 {
		return nil, fmt.Errorf("received zero-length frame")
	}
	if maxSize > 0 && int64(length) > int64(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, length, maxSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("failed to read frame body (%d bytes): %w", length, err)
	}
	return body, nil
}

// WriteFrame writes body to w with its length prefix in a single Write call.
func WriteFrame(w io.Writer, body []byte) error {
	frame := AppendFrame(nil, body)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// AppendFrame appends the length-prefixed form of body to dst.
func AppendFrame(dst, body []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(body)))
	return append(dst, body...)
}

// PacketReader walks a packet body. Every method fails with ErrShortPacket
// when the body ends early.
type PacketReader struct {
	data []byte
	pos  int
}

// NewPacketReader creates a reader over data.
func NewPacketReader(data []byte) *PacketReader {
	return &PacketReader{data: data}
}

// Remaining reports how many unread bytes are left.
func (r *PacketReader) Remaining() int {
	return len(r.data) - r.pos
}

func (r *PacketReader) take(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortPacket, n, r.pos, r.Remaining())
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadBool reads a one-byte boolean.
func (r *PacketReader) ReadBool() (bool, error) {
	b, err := r.take(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// ReadUint8 reads a single byte.
func (r *PacketReader) ReadUint8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadUint16 reads a little-endian uint16.
func (r *PacketReader) ReadUint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadInt32 reads a little-endian int32.
func (r *PacketReader) ReadInt32() (int32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// ReadInt64 reads a little-endian int64.
func (r *PacketReader) ReadInt64() (int64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// ReadFloat32 reads a little-endian float32.
func (r *PacketReader) ReadFloat32() (float32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

// ReadVarint reads a zigzag-encoded signed varint.
func (r *PacketReader) ReadVarint() (int64, error) {
	v, n := binary.Varint(r.data[r.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: bad varint at offset %d", ErrShortPacket, r.pos)
	}
	r.pos += n
	return v, nil
}

// ReadUvarint reads an unsigned varint.
func (r *PacketReader) ReadUvarint() (uint64, error) {
	v, n := binary.Uvarint(r.data[r.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: bad uvarint at offset %d", ErrShortPacket, r.pos)
	}
	r.pos += n
	return v, nil
}

// ReadString reads a uvarint length-prefixed string.
func (r *PacketReader) ReadString() (string, error) {
	b, err := r.ReadByteSlice()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadByteSlice reads a uvarint length-prefixed byte slice. The result is a
// copy and does not alias the packet body.
func (r *PacketReader) ReadByteSlice() ([]byte, error) {
	n, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Remaining()) {
		return nil, fmt.Errorf("%w: length %d exceeds remaining %d", ErrShortPacket, n, r.Remaining())
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// ReadRest returns a copy of every unread byte.
func (r *PacketReader) ReadRest() []byte {
	b := append([]byte{}, r.data[r.pos:]...)
	r.pos = len(r.data)
	return b
}
