package dump

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/stagehand-project/stagehand/internal/protocol"
)

// Reader yields the frames of a dump in the order they were written.
type Reader struct {
	br           *bufio.Reader
	closer       io.Closer
	header       FileHeader
	codec        protocol.Codec
	maxFrameSize int
	index        int
	done         bool
}

// NewReader parses the dump header from r and resolves the codec for the
// recorded protocol version. A missing or malformed header, or a version
// without a codec, is fatal.
func NewReader(r io.Reader, codecs *protocol.Registry) (*Reader, error) {
	br := bufio.NewReaderSize(r, 64*1024)

	var header FileHeader
	if err := binary.Read(br, binary.LittleEndian, &header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("failed to read dump header: %w", ErrBadMagic)
		}
		return nil, fmt.Errorf("failed to read dump header: %w", err)
	}

	if string(header.Magic[:]) != Magic {
		return nil, fmt.Errorf("%w: magic %q", ErrBadMagic, header.Magic[:])
	}
	if header.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("%w: version %d (expected %d)", ErrUnsupportedFormat, header.FormatVersion, FormatVersion)
	}

	codec, err := codecs.Lookup(int(header.ProtocolVersion))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve codec: %w", err)
	}

	return &Reader{
		br:           br,
		header:       header,
		codec:        codec,
		maxFrameSize: protocol.DefaultMaxFrameSize,
	}, nil
}

// Open opens the dump at path. The returned Reader owns the file.
func Open(path string, codecs *protocol.Registry) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dump %s: %w", path, err)
	}

	r, err := NewReader(f, codecs)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("dump %s: %w", path, err)
	}
	r.closer = f
	return r, nil
}

// SetMaxFrameSize changes the largest frame body Read accepts.
func (r *Reader) SetMaxFrameSize(n int) {
	r.maxFrameSize = n
}

// Header returns the parsed file header.
func (r *Reader) Header() FileHeader {
	return r.header
}

// ProtocolVersion returns the protocol version the dump was recorded with.
func (r *Reader) ProtocolVersion() int {
	return int(r.header.ProtocolVersion)
}

// CreatedAt returns the wall-clock time the capture started.
func (r *Reader) CreatedAt() time.Time {
	return time.UnixMilli(r.header.CreatedAtMs)
}

// Codec returns the codec used to decode frames.
func (r *Reader) Codec() protocol.Codec {
	return r.codec
}

// CanRead reports whether another complete frame header is available.
func (r *Reader) CanRead() bool {
	if r.done {
		return false
	}
	_, err := r.br.Peek(frameHeaderSize)
	return err == nil
}

// Read returns the next frame, io.EOF after the last one, or ErrTruncated
// when the dump ends inside a frame. A frame that fails to decode is still
// returned, with DecodeErr set.
func (r *Reader) Read() (*Frame, error) {
	if r.done {
		return nil, io.EOF
	}

	if _, err := r.br.Peek(1); err != nil {
		r.done = true
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}

	var fh FrameHeader
	if err := binary.Read(r.br, binary.LittleEndian, &fh); err != nil {
		r.done = true
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: frame %d header", ErrTruncated, r.index)
		}
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	dir := Direction(fh.Direction)
	if !dir.Valid() {
		r.done = true
		return nil, fmt.Errorf("%w: frame %d has direction %d", ErrCorrupt, r.index, fh.Direction)
	}
	if r.maxFrameSize > 0 && int64(fh.Length) > int64(r.maxFrameSize) {
		r.done = true
		return nil, fmt.Errorf("%w: frame %d length %d exceeds %d", ErrCorrupt, r.index, fh.Length, r.maxFrameSize)
	}

	raw := make([]byte, fh.Length)
	if _, err := io.ReadFull(r.br, raw); err != nil {
		r.done = true
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: frame %d body", ErrTruncated, r.index)
		}
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}

	frame := &Frame{
		Index:       r.index,
		Direction:   dir,
		TimestampMs: fh.TimestampMs,
		Raw:         raw,
	}
	r.index++

	pkt, err := r.codec.Decode(raw)
	if err != nil {
		frame.DecodeErr = err
		return frame, nil
	}
	frame.Name = pkt.Name
	frame.Params = pkt.Params

	return frame, nil
}

// Close releases the file opened by Open. It is a no-op for readers built
// with NewReader.
func (r *Reader) Close() error {
	r.done = true
	if r.closer == nil {
		return nil
	}
	c := r.closer
	r.closer = nil
	return c.Close()
}
