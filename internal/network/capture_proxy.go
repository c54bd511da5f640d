package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/stagehand-project/stagehand/internal/dump"
	"github.com/stagehand-project/stagehand/internal/events"
	"github.com/stagehand-project/stagehand/internal/protocol"
)

// Capture proxy defaults.
const (
	DefaultMaxConnPerSec     = 10 // new connections per second per source IP
	DefaultMaxConcurrentConn = 32
	upstreamDialTimeout      = 5 * time.Second
)

// ProxyConfig configures a CaptureProxy.
type ProxyConfig struct {
	ListenAddr      string
	UpstreamAddr    string
	DumpDir         string
	ProtocolVersion int
	MaxConnPerSec   int
	MaxConcurrent   int
	MaxFrameSize    int
}

// CaptureProxy sits between a game client and a real server, forwarding
// frames unchanged and recording each client's traffic into its own dump.
type CaptureProxy struct {
	cfg    ProxyConfig
	bus    *events.EventBus
	logger zerolog.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool
	seq     atomic.Int64
	active  atomic.Int32

	mu       sync.Mutex
	listener net.Listener
	dumps    []string
}

// NewCaptureProxy creates a proxy. bus may be nil.
func NewCaptureProxy(cfg ProxyConfig, bus *events.EventBus) *CaptureProxy {
	if cfg.MaxConnPerSec <= 0 {
		cfg.MaxConnPerSec = DefaultMaxConnPerSec
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrentConn
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if cfg.DumpDir == "" {
		cfg.DumpDir = "."
	}

	return &CaptureProxy{
		cfg: cfg,
		bus: bus,
		logger: log.With().
			Str("component", "capture_proxy").
			Str("upstream", cfg.UpstreamAddr).
			Logger(),
	}
}

// Start binds the listen address and accepts clients in the background.
func (p *CaptureProxy) Start(ctx context.Context) error {
	if err := os.MkdirAll(p.cfg.DumpDir, 0755); err != nil {
		return fmt.Errorf("failed to create dump directory: %w", err)
	}

	ctx, p.cancel = context.WithCancel(ctx)

	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", p.cfg.ListenAddr)
	if err != nil {
		p.cancel()
		return fmt.Errorf("failed to start capture proxy on %s: %w", p.cfg.ListenAddr, err)
	}

	p.mu.Lock()
	p.listener = ln
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.acceptLoop(ctx, ln)
	}()

	p.logger.Info().
		Str("listen", ln.Addr().String()).
		Str("dump_dir", p.cfg.DumpDir).
		Msg("capture proxy started")
	return nil
}

// Stop closes the listener and every proxied connection, then waits for
// their dumps to be written.
func (p *CaptureProxy) Stop() {
	if p.stopped.Swap(true) {
		return
	}
	p.logger.Info().Msg("stopping capture proxy")

	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Lock()
	if p.listener != nil {
		p.listener.Close()
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info().Int("dumps", len(p.Dumps())).Msg("capture proxy stopped")
}

// Addr returns the bound listen address, or nil before Start.
func (p *CaptureProxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Dumps returns the paths of the dumps written so far.
func (p *CaptureProxy) Dumps() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.dumps...)
}

func (p *CaptureProxy) acceptLoop(ctx context.Context, ln net.Listener) {
	defer ln.Close()
	limiter := newRateTracker(p.cfg.MaxConnPerSec)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if p.stopped.Load() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			p.logger.Debug().Err(err).Msg("accept error")
			continue
		}

		srcIP := extractIP(conn.RemoteAddr())
		if !limiter.allow(srcIP) {
			p.logger.Warn().Str("src", srcIP).Msg("connection rate exceeded, dropping client")
			conn.Close()
			continue
		}
		if !p.tryAcquire() {
			p.logger.Warn().Str("src", srcIP).Msg("max concurrent captures reached, dropping client")
			conn.Close()
			continue
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.active.Add(-1)
			p.handleClient(ctx, conn)
		}()
	}
}

// tryAcquire reserves a capture slot, failing when MaxConcurrent are in use.
func (p *CaptureProxy) tryAcquire() bool {
	for {
		n := p.active.Load()
		if int(n) >= p.cfg.MaxConcurrent {
			return false
		}
		if p.active.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (p *CaptureProxy) handleClient(ctx context.Context, client net.Conn) {
	defer client.Close()
	logger := p.logger.With().Str("client", client.RemoteAddr().String()).Logger()

	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, upstreamDialTimeout)
	upstream, err := d.DialContext(dialCtx, "tcp", p.cfg.UpstreamAddr)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to connect upstream")
		return
	}
	defer upstream.Close()

	path := filepath.Join(p.cfg.DumpDir, fmt.Sprintf("capture_%s_%03d.shdp",
		time.Now().Format("20060102_150405"), p.seq.Add(1)))
	w, err := dump.Create(path, p.cfg.ProtocolVersion)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create dump")
		return
	}

	payload := events.CapturePayload{
		ClientAddr:   client.RemoteAddr().String(),
		UpstreamAddr: p.cfg.UpstreamAddr,
		DumpPath:     path,
	}
	p.emit(ctx, events.EventCaptureStarted, payload)
	logger.Info().Str("dump", path).Msg("capture started")

	// Either side ending tears down both.
	stop := context.AfterFunc(ctx, func() {
		client.Close()
		upstream.Close()
	})
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		defer upstream.Close()
		return p.pump(client, upstream, dump.Inbound, w)
	})
	g.Go(func() error {
		defer client.Close()
		return p.pump(upstream, client, dump.Outbound, w)
	})
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Warn().Err(err).Msg("capture ended with error")
	}

	if err := w.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to finish dump")
	}

	p.mu.Lock()
	p.dumps = append(p.dumps, path)
	p.mu.Unlock()

	payload.Frames = w.Frames()
	p.emit(context.WithoutCancel(ctx), events.EventCaptureClosed, payload)
	logger.Info().Int("frames", payload.Frames).Str("dump", path).Msg("capture closed")
}

// pump copies frames from src to dst, recording each one with dir.
func (p *CaptureProxy) pump(src, dst net.Conn, dir dump.Direction, w *dump.Writer) error {
	for {
		raw, err := protocol.ReadFrame(src, p.cfg.MaxFrameSize)
		if err != nil {
			if isClosedErr(err) {
				return nil
			}
			return fmt.Errorf("%s read: %w", dir, err)
		}
		if err := w.Record(dir, raw); err != nil {
			return fmt.Errorf("failed to record %s frame: %w", dir, err)
		}
		if err := protocol.WriteFrame(dst, raw); err != nil {
			if isClosedErr(err) {
				return nil
			}
			return fmt.Errorf("%s write: %w", dir, err)
		}
	}
}

func (p *CaptureProxy) emit(ctx context.Context, t events.EventType, payload events.CapturePayload) {
	if p.bus == nil {
		return
	}
	p.bus.Emit(ctx, events.Event{
		Type:    t,
		Source:  "capture:" + payload.ClientAddr,
		Payload: payload,
	})
}

// rateTracker counts events per key within a rolling one-second window.
// Keys idle for a full window are dropped on the next sweep.
type rateTracker struct {
	mu        sync.Mutex
	counts    map[string]*rateBucket
	maxPerSec int
	now       func() time.Time
	lastSweep time.Time
}

type rateBucket struct {
	count       int
	windowStart time.Time
}

func newRateTracker(maxPerSec int) *rateTracker {
	return &rateTracker{
		counts:    make(map[string]*rateBucket),
		maxPerSec: maxPerSec,
		now:       time.Now,
	}
}

func (rt *rateTracker) allow(key string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.now()
	if now.Sub(rt.lastSweep) >= time.Second {
		rt.sweep(now)
	}

	b, exists := rt.counts[key]
	if !exists || now.Sub(b.windowStart) >= time.Second {
		rt.counts[key] = &rateBucket{count: 1, windowStart: now}
		return true
	}

	b.count++
	return b.count <= rt.maxPerSec
}

func (rt *rateTracker) sweep(now time.Time) {
	for key, b := range rt.counts {
		if now.Sub(b.windowStart) >= time.Second {
			delete(rt.counts, key)
		}
	}
	rt.lastSweep = now
}

func extractIP(addr net.Addr) string {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
