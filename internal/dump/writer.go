package dump

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Writer appends frames to a dump. It is safe for concurrent use so both
// directions of a proxied connection can record into one file.
type Writer struct {
	mu     sync.Mutex
	bw     *bufio.Writer
	closer io.Closer
	start  time.Time
	now    func() time.Time
	frames int
	closed bool
}

// NewWriter writes the dump header for protocolVersion to w and returns a
// Writer for its frames. Close flushes but does not close w.
func NewWriter(w io.Writer, protocolVersion int) (*Writer, error) {
	return newWriter(w, nil, protocolVersion, time.Now)
}

// Create creates (or truncates) the file at path and writes a dump into it.
func Create(path string, protocolVersion int) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create dump %s: %w", path, err)
	}

	w, err := newWriter(f, f, protocolVersion, time.Now)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func newWriter(w io.Writer, closer io.Closer, protocolVersion int, now func() time.Time) (*Writer, error) {
	start := now()

	header := FileHeader{
		FormatVersion:   FormatVersion,
		ProtocolVersion: uint32(protocolVersion),
		CreatedAtMs:     start.UnixMilli(),
	}
	copy(header.Magic[:], Magic)

	bw := bufio.NewWriterSize(w, 64*1024)
	if err := binary.Write(bw, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to write dump header: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to write dump header: %w", err)
	}

	return &Writer{
		bw:     bw,
		closer: closer,
		start:  start,
		now:    now,
	}, nil
}

// WriteFrame appends one frame with an explicit capture-relative timestamp.
func (w *Writer) WriteFrame(dir Direction, timestampMs uint32, raw []byte) error {
	if !dir.Valid() {
		return fmt.Errorf("invalid frame direction %d", uint8(dir))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	header := FrameHeader{
		Direction:   uint8(dir),
		TimestampMs: timestampMs,
		Length:      uint32(len(raw)),
	}
	if err := binary.Write(w.bw, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := w.bw.Write(raw); err != nil {
		return fmt.Errorf("failed to write frame body: %w", err)
	}

	w.frames++
	return nil
}

// Record appends one frame stamped with the time elapsed since the writer
// was created.
func (w *Writer) Record(dir Direction, raw []byte) error {
	elapsed := w.now().Sub(w.start).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return w.WriteFrame(dir, uint32(elapsed), raw)
}

// Frames returns the number of frames written so far.
func (w *Writer) Frames() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Flush pushes buffered frames to the underlying writer.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	return w.bw.Flush()
}

// Close flushes and, for files opened by Create, closes the file. Calling
// Close more than once is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	err := w.bw.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return fmt.Errorf("failed to close dump: %w", err)
	}
	return nil
}
