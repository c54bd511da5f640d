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
	"github.com/stagehand-project/stagehand/internal/protocol"
	"github.com/stagehand-project/stagehand/internal/replay"
	"github.com/stagehand-project/stagehand/internal/script"
)

// ListenerConfig configures a ReplayListener.
type ListenerConfig struct {
	// Addr is the TCP address to listen on.
	Addr string
	// MaxSessions caps concurrent clients; extra clients are turned away.
	// Zero means no cap.
	MaxSessions int
	// KeepOpen leaves a client connected after its script completes, until
	// it disconnects or the listener stops.
	KeepOpen bool
	// RecordDir, when set, receives one dump per session with both
	// directions of the replayed traffic.
	RecordDir string
	// Prepare, when set, runs on every new session before its script
	// starts. A client whose session fails to prepare is disconnected.
	Prepare func(*replay.Session) error
	Session replay.Options
	Conn    ConnOptions
}

// ReplayListener accepts game clients and replays one artifact to each of
// them in its own session.
type ReplayListener struct {
	cfg      ListenerConfig
	artifact *script.Artifact
	codec    protocol.Codec
	host     *replay.Host
	registry *ConnectionRegistry
	logger   zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	served   atomic.Int64
	rejected atomic.Int64
}

// NewReplayListener creates a listener. codec must match the artifact's
// protocol version.
func NewReplayListener(cfg ListenerConfig, artifact *script.Artifact, codec protocol.Codec, host *replay.Host) *ReplayListener {
	return &ReplayListener{
		cfg:      cfg,
		artifact: artifact,
		codec:    codec,
		host:     host,
		registry: NewConnectionRegistry(),
		logger: log.With().
			Str("component", "replay_listener").
			Str("artifact", artifact.Name).
			Logger(),
	}
}

// Start listens on the configured address and serves clients until ctx is
// done.
func (l *ReplayListener) Start(ctx context.Context) error {
	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to start replay listener on %s: %w", l.cfg.Addr, err)
	}
	return l.Serve(ctx, ln)
}

// Serve accepts clients on ln until ctx is done, then waits for every
// session to end. ln is closed on return.
func (l *ReplayListener) Serve(ctx context.Context, ln net.Listener) error {
	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	l.logger.Info().
		Str("addr", ln.Addr().String()).
		Int("max_sessions", l.cfg.MaxSessions).
		Msg("replay listener started")

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var g errgroup.Group
	if l.cfg.MaxSessions > 0 {
		g.SetLimit(l.cfg.MaxSessions)
	}

	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				acceptErr = fmt.Errorf("accept failed: %w", err)
			}
			break
		}

		if !g.TryGo(func() error {
			l.handleConnection(ctx, conn)
			return nil
		}) {
			l.rejected.Add(1)
			l.logger.Warn().
				Str("remote", conn.RemoteAddr().String()).
				Msg("session limit reached, dropping client")
			conn.Close()
		}
	}

	ln.Close()
	l.registry.CloseAll()
	g.Wait()

	l.logger.Info().
		Int64("served", l.served.Load()).
		Int64("rejected", l.rejected.Load()).
		Msg("replay listener stopped")
	return acceptErr
}

// Addr returns the bound address, or nil before Serve.
func (l *ReplayListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Host returns the host running the sessions.
func (l *ReplayListener) Host() *replay.Host {
	return l.host
}

// Connections returns the number of connected clients.
func (l *ReplayListener) Connections() int {
	return l.registry.Count()
}

// CloseIdle disconnects clients that have been silent for longer than
// maxIdle and returns how many were closed.
func (l *ReplayListener) CloseIdle(maxIdle time.Duration) int {
	n := l.registry.CleanStale(maxIdle)
	if n > 0 {
		l.logger.Info().Int("closed", n).Dur("max_idle", maxIdle).Msg("closed idle clients")
	}
	return n
}

// handleConnection runs one client's session. The session ends when the
// script completes or fails, or early when the client goes away; a
// disconnect cancels pending waits and sleeps of this session only.
func (l *ReplayListener) handleConnection(ctx context.Context, raw net.Conn) {
	l.served.Add(1)

	opts := l.cfg.Session
	opts.RemoteAddr = raw.RemoteAddr().String()

	connOpts := l.cfg.Conn
	recorder := l.openRecorder(opts.RemoteAddr)
	if recorder != nil {
		connOpts.Recorder = recorder
		defer func() {
			if err := recorder.Close(); err != nil {
				l.logger.Warn().Err(err).Msg("failed to close session recording")
			}
		}()
	}

	conn := NewConnection(raw, l.codec, connOpts)
	session := replay.NewSession(l.artifact, conn, l.codec, opts)
	logger := l.logger.With().Str("session", session.ID()).Str("remote", opts.RemoteAddr).Logger()

	if l.cfg.Prepare != nil {
		if err := l.cfg.Prepare(session); err != nil {
			logger.Error().Err(err).Msg("failed to prepare session")
			conn.Close()
			return
		}
	}

	l.registry.Register(session.ID(), conn)
	defer l.registry.Unregister(session.ID())

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer cancel()
		defer session.Disconnect()

		err := conn.Serve(sessCtx, func(pkt protocol.Packet) {
			session.Deliver(pkt.Name)
		})
		if err != nil {
			logger.Warn().Err(err).Msg("client read failed")
		} else {
			logger.Debug().Msg("client disconnected")
		}
	}()

	err := l.host.Run(sessCtx, session)
	if err != nil {
		logger.Warn().Err(err).Msg("session aborted")
	} else if l.cfg.KeepOpen {
		if ferr := conn.Flush(); ferr != nil {
			logger.Debug().Err(ferr).Msg("flush after script failed")
		}
		select {
		case <-readDone:
		case <-sessCtx.Done():
		}
	}

	conn.Close()
	<-readDone
}

func (l *ReplayListener) openRecorder(remote string) *dump.Writer {
	if l.cfg.RecordDir == "" {
		return nil
	}

	name := fmt.Sprintf("replay_%s_%d.shdp", time.Now().Format("20060102_150405"), l.served.Load())
	path := filepath.Join(l.cfg.RecordDir, name)
	if err := os.MkdirAll(l.cfg.RecordDir, 0755); err != nil {
		l.logger.Warn().Err(err).Msg("failed to create record directory")
		return nil
	}

	w, err := dump.Create(path, l.artifact.ProtocolVersion)
	if err != nil {
		l.logger.Warn().Err(err).Str("path", path).Msg("failed to open session recording")
		return nil
	}
	l.logger.Debug().Str("path", path).Str("remote", remote).Msg("recording session")
	return w
}
