// Package network carries replay and capture traffic over TCP: a framed
// packet connection, the replay listener that serves scripts to clients, and
// the capture proxy that records live sessions into dumps.
package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stagehand-project/stagehand/internal/dump"
	"github.com/stagehand-project/stagehand/internal/protocol"
)

const (
	// DefaultBatchInterval is how often queued packets are flushed.
	DefaultBatchInterval = 20 * time.Millisecond
	// DefaultBatchLimit flushes the batch early once it holds this many bytes.
	DefaultBatchLimit = 256 << 10
	// WriteTimeout bounds a single socket write.
	WriteTimeout = 10 * time.Second
)

// ErrConnectionClosed is returned by sends on a closed Connection.
var ErrConnectionClosed = errors.New("connection is closed")

// Recorder receives a copy of every frame body a Connection sends or reads.
// *dump.Writer implements it.
type Recorder interface {
	Record(dir dump.Direction, raw []byte) error
}

// ConnOptions tune a Connection.
type ConnOptions struct {
	// BatchInterval is the flush period for queued packets. Zero disables the
	// background flush; queued packets then go out with the next Write,
	// Flush or Close.
	BatchInterval time.Duration
	// BatchLimit flushes as soon as the batch reaches this many bytes.
	BatchLimit int
	// MaxFrameSize caps inbound frames.
	MaxFrameSize int
	// Recorder, when set, captures both directions. Sent packets are
	// recorded as outbound, received ones as inbound.
	Recorder Recorder
}

// DefaultConnOptions returns the options used by the replay listener.
func DefaultConnOptions() ConnOptions {
	return ConnOptions{
		BatchInterval: DefaultBatchInterval,
		BatchLimit:    DefaultBatchLimit,
		MaxFrameSize:  protocol.DefaultMaxFrameSize,
	}
}

// Connection speaks the framed packet protocol over a net.Conn from the
// server side. It implements replay.Conn.
type Connection struct {
	mu     sync.Mutex
	conn   net.Conn
	codec  protocol.Codec
	opts   ConnOptions
	logger zerolog.Logger

	// Framed packets waiting for the next flush.
	batch      []byte
	batchCount int

	// Timestamps
	connectedAt  time.Time
	lastActivity time.Time

	// Counters
	sent     int
	received int

	closed bool
	stop   chan struct{}
}

// NewConnection wraps an existing net.Conn.
func NewConnection(conn net.Conn, codec protocol.Codec, opts ConnOptions) *Connection {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = DefaultBatchLimit
	}

	now := time.Now()
	c := &Connection{
		conn:         conn,
		codec:        codec,
		opts:         opts,
		connectedAt:  now,
		lastActivity: now,
		stop:         make(chan struct{}),
		logger: log.With().
			Str("component", "connection").
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}

	if opts.BatchInterval > 0 {
		go c.flushLoop(opts.BatchInterval)
	}
	return c
}

func (c *Connection) flushLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.Flush(); err != nil && !errors.Is(err, ErrConnectionClosed) {
				c.logger.Warn().Err(err).Msg("batch flush failed")
			}
		}
	}
}

// Write encodes a packet and sends it at once, after anything queued
// before it.
func (c *Connection) Write(name string, params protocol.Params) error {
	return c.send(name, params, true)
}

// Queue encodes a packet and adds it to the batch.
func (c *Connection) Queue(name string, params protocol.Params) error {
	return c.send(name, params, false)
}

func (c *Connection) send(name string, params protocol.Params, immediate bool) error {
	body, err := c.codec.Encode(name, params)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}

	c.batch = protocol.AppendFrame(c.batch, body)
	c.batchCount++
	c.sent++
	if c.opts.Recorder != nil {
		if err := c.opts.Recorder.Record(dump.Outbound, body); err != nil {
			c.logger.Warn().Err(err).Str("packet", name).Msg("failed to record outbound packet")
		}
	}

	if immediate || len(c.batch) >= c.opts.BatchLimit {
		return c.flushLocked()
	}
	return nil
}

// Flush sends everything queued so far.
func (c *Connection) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	return c.flushLocked()
}

func (c *Connection) flushLocked() error {
	if len(c.batch) == 0 {
		return nil
	}

	c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	_, err := c.conn.Write(c.batch)
	count := c.batchCount
	c.batch = c.batch[:0]
	c.batchCount = 0
	if err != nil {
		return fmt.Errorf("failed to write %d packets: %w", count, err)
	}

	c.lastActivity = time.Now()
	c.logger.Trace().Int("packets", count).Msg("batch flushed")
	return nil
}

// Serve reads frames until the peer disconnects, the connection is closed
// or ctx is done, handing every decoded packet to onPacket. Frames that do
// not decode are logged and skipped. A clean end of stream returns nil.
func (c *Connection) Serve(ctx context.Context, onPacket func(protocol.Packet)) error {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		raw, err := protocol.ReadFrame(c.conn, c.opts.MaxFrameSize)
		if err != nil {
			if ctx.Err() != nil || c.IsClosed() || isClosedErr(err) {
				return nil
			}
			return fmt.Errorf("read failed: %w", err)
		}

		c.mu.Lock()
		c.lastActivity = time.Now()
		c.received++
		recorder := c.opts.Recorder
		c.mu.Unlock()

		if recorder != nil {
			if err := recorder.Record(dump.Inbound, raw); err != nil {
				c.logger.Warn().Err(err).Msg("failed to record inbound packet")
			}
		}

		pkt, err := c.codec.Decode(raw)
		if err != nil {
			c.logger.Warn().Err(err).Int("bytes", len(raw)).Msg("failed to decode client packet")
			continue
		}
		onPacket(pkt)
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}

// Close flushes anything queued and closes the connection. Calling it more
// than once is a no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	if err := c.flushLocked(); err != nil {
		c.logger.Debug().Err(err).Msg("final flush failed")
	}
	c.closed = true
	close(c.stop)

	c.logger.Debug().
		Int("sent", c.sent).
		Int("received", c.received).
		Msg("connection closed")
	return c.conn.Close()
}

// IsClosed returns whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastActivity returns the time of the last read/write activity.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ConnectedAt returns the time the connection was established.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// ConnectionRegistry tracks live replay connections by session id.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewConnectionRegistry creates a new ConnectionRegistry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[string]*Connection),
	}
}

// Register adds a connection, closing any previous one under the same id.
func (r *ConnectionRegistry) Register(id string, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conns[id]; ok && existing != conn {
		existing.Close()
	}
	r.conns[id] = conn
	log.Debug().Str("session", id).Msg("connection registered")
}

// Unregister closes and removes a connection.
func (r *ConnectionRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.conns[id]; ok {
		conn.Close()
		delete(r.conns, id)
		log.Debug().Str("session", id).Msg("connection unregistered")
	}
}

// Get returns the connection for a session.
func (r *ConnectionRegistry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Count returns the number of live connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every registered connection.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, conn := range r.conns {
		conn.Close()
		delete(r.conns, id)
	}
	log.Debug().Msg("all connections closed")
}

// CleanStale closes connections idle for longer than timeout.
func (r *ConnectionRegistry) CleanStale(timeout time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cleaned := 0
	cutoff := time.Now().Add(-timeout)

	for id, conn := range r.conns {
		if last := conn.LastActivity(); last.Before(cutoff) {
			conn.Close()
			delete(r.conns, id)
			cleaned++
			log.Warn().
				Str("session", id).
				Time("last_activity", last).
				Msg("cleaned stale connection")
		}
	}
	return cleaned
}
