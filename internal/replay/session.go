// Package replay drives a live client connection through a generated action
// script, standing in for the game server the script was captured from.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stagehand-project/stagehand/internal/events"
	"github.com/stagehand-project/stagehand/internal/protocol"
	"github.com/stagehand-project/stagehand/internal/script"
)

// Conn is the send side of a client connection. Write sends at once; Queue
// may batch. Implementations must treat params as read-only.
type Conn interface {
	Write(name string, params protocol.Params) error
	Queue(name string, params protocol.Params) error
}

// Options tune a session.
type Options struct {
	// ID names the session; one is generated when empty.
	ID string
	// RemoteAddr labels the session in logs and status output.
	RemoteAddr string
	// WaitTimeout bounds each WaitFor step. Zero or less means
	// DefaultWaitTimeout; waits are never unbounded.
	WaitTimeout time.Duration
	// Speed scales sleeps: 2 replays twice as fast, 0.5 half as fast.
	Speed float64
	// ChunkDistance overrides the distance of LevelChunks steps when > 0.
	ChunkDistance int
	// ChunkCenterX and ChunkCenterZ place synthetic terrain, in chunks.
	ChunkCenterX int32
	ChunkCenterZ int32
}

// DefaultWaitTimeout bounds a WaitFor step when Options leave it unset.
const DefaultWaitTimeout = 30 * time.Second

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		WaitTimeout: DefaultWaitTimeout,
		Speed:       1,
	}
}

// Stats counts what a session has done so far.
type Stats struct {
	Steps    int `json:"steps"`
	Position int `json:"position"`
	Sent     int `json:"sent"`
	Waits    int `json:"waits"`
	Sleeps   int `json:"sleeps"`
	Chunks   int `json:"chunks"`
}

// Info is a point-in-time view of a session.
type Info struct {
	ID         string              `json:"id"`
	Artifact   string              `json:"artifact"`
	RemoteAddr string              `json:"remote_addr"`
	State      events.SessionState `json:"state"`
	StartedAt  time.Time           `json:"started_at"`
	Stats      Stats               `json:"stats"`
}

var sessionSeq atomic.Uint64

// Session replays one artifact over one connection. Sessions share only the
// artifact, which they never modify.
type Session struct {
	id       string
	artifact *script.Artifact
	conn     Conn
	codec    protocol.Codec
	opts     Options
	tracker  *inboundTracker
	logger   zerolog.Logger
	started  atomic.Bool

	gone     chan struct{}
	goneOnce sync.Once

	mu        sync.Mutex
	overrides map[string]protocol.Params
	decoded   map[string]protocol.Params
	stats     Stats
	state     events.SessionState
	startedAt time.Time
}

// NewSession prepares a session. codec decodes binary catalog entries and
// must match the artifact's protocol version.
func NewSession(artifact *script.Artifact, conn Conn, codec protocol.Codec, opts Options) *Session {
	if opts.ID == "" {
		opts.ID = fmt.Sprintf("session-%d", sessionSeq.Add(1))
	}
	if opts.Speed <= 0 {
		opts.Speed = 1
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}

	return &Session{
		id:        opts.ID,
		artifact:  artifact,
		conn:      conn,
		codec:     codec,
		opts:      opts,
		tracker:   newInboundTracker(),
		gone:      make(chan struct{}),
		overrides: make(map[string]protocol.Params),
		decoded:   make(map[string]protocol.Params),
		stats:     Stats{Steps: len(artifact.Script)},
		logger: log.With().
			Str("component", "replay").
			Str("session", opts.ID).
			Str("artifact", artifact.Name).
			Logger(),
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Artifact returns the artifact being replayed.
func (s *Session) Artifact() *script.Artifact {
	return s.artifact
}

// Deliver reports a packet received from the client. It resolves the
// oldest WaitFor for name or, when none is pending, satisfies the next one.
func (s *Session) Deliver(name string) {
	s.logger.Trace().Str("packet", name).Msg("client packet")
	s.tracker.deliver(name)
}

// Disconnect fails pending and future waits and cuts a pending sleep
// short. Run then returns an error wrapping ErrDisconnected.
func (s *Session) Disconnect() {
	s.goneOnce.Do(func() { close(s.gone) })
	s.tracker.close(ErrDisconnected)
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Info{
		ID:         s.id,
		Artifact:   s.artifact.Name,
		RemoteAddr: s.opts.RemoteAddr,
		State:      s.state,
		StartedAt:  s.startedAt,
		Stats:      s.stats,
	}
}

// Run executes the script from the first step. It returns nil when every
// step completed, or a *StepError naming the failed step.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	s.mu.Lock()
	s.state = events.SessionRunning
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info().
		Str("remote", s.opts.RemoteAddr).
		Int("steps", len(s.artifact.Script)).
		Msg("replay started")

	for i, action := range s.artifact.Script {
		s.mu.Lock()
		s.stats.Position = i
		s.mu.Unlock()

		err := ctx.Err()
		if err == nil {
			select {
			case <-s.gone:
				err = ErrDisconnected
			default:
				err = s.step(ctx, action)
			}
		}
		if err != nil {
			s.finish(err)
			return &StepError{Index: i, Action: action, Err: err}
		}
	}

	s.mu.Lock()
	s.stats.Position = len(s.artifact.Script)
	s.mu.Unlock()

	s.finish(nil)
	return nil
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	switch {
	case err == nil:
		s.state = events.SessionFinished
	case ctxError(err):
		s.state = events.SessionCancelled
	default:
		s.state = events.SessionFailed
	}
	state, position := s.state, s.stats.Position
	s.mu.Unlock()

	// Late client packets must not pile up once the script is over.
	s.tracker.close(ErrDisconnected)

	evt := s.logger.Info()
	if state == events.SessionFailed {
		evt = s.logger.Error().Err(err)
	}
	evt.Str("state", state.String()).
		Int("position", position).
		Dur("elapsed", time.Since(s.startedAt)).
		Msg("replay ended")
}

func (s *Session) step(ctx context.Context, action script.Action) error {
	s.logger.Debug().Str("action", action.String()).Msg("step")

	switch action.Kind {
	case script.KindSleep:
		if err := s.sleep(ctx, action.Ms); err != nil {
			return err
		}
		s.count(func(st *Stats) { st.Sleeps++ })
		return nil

	case script.KindWaitFor:
		if err := s.tracker.wait(ctx, action.Packet, s.opts.WaitTimeout); err != nil {
			return fmt.Errorf("waiting for %s: %w", action.Packet, err)
		}
		s.count(func(st *Stats) { st.Waits++ })
		return nil

	case script.KindWrite, script.KindQueue:
		entry, params, err := s.materialize(action.Export)
		if err != nil {
			return err
		}
		if action.Kind == script.KindWrite {
			err = s.conn.Write(entry.SourceName, params)
		} else {
			err = s.conn.Queue(entry.SourceName, params)
		}
		if err != nil {
			return fmt.Errorf("failed to send %s: %w", action.Export, err)
		}
		s.count(func(st *Stats) { st.Sent++ })
		return nil

	case script.KindLevelChunks:
		n, err := s.streamTerrain(action.Distance)
		if err != nil {
			return err
		}
		s.count(func(st *Stats) { st.Chunks += n })
		return nil

	default:
		return fmt.Errorf("unknown action kind %q", action.Kind)
	}
}

func (s *Session) sleep(ctx context.Context, ms int) error {
	if ms <= 0 {
		return nil
	}

	d := time.Duration(float64(ms) * float64(time.Millisecond) / s.opts.Speed)
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-s.gone:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) count(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

// materialize returns the params to send for an export: the session
// override when one exists, otherwise the shared catalog params. Binary
// entries are decoded once per session.
func (s *Session) materialize(export string) (*script.CatalogEntry, protocol.Params, error) {
	entry, ok := s.artifact.Catalog.Get(export)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownExport, export)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if params, ok := s.overrides[export]; ok {
		return entry, params, nil
	}
	params, err := s.baseParamsLocked(entry)
	return entry, params, err
}

func (s *Session) baseParamsLocked(entry *script.CatalogEntry) (protocol.Params, error) {
	if !entry.IsBinary {
		return entry.Params, nil
	}
	if params, ok := s.decoded[entry.ExportName]; ok {
		return params, nil
	}

	pkt, err := s.codec.Decode(entry.Raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode binary entry %s: %w", entry.ExportName, err)
	}
	if pkt.Name != entry.SourceName {
		return nil, fmt.Errorf("binary entry %s decodes as %s, expected %s", entry.ExportName, pkt.Name, entry.SourceName)
	}
	s.decoded[entry.ExportName] = pkt.Params
	return pkt.Params, nil
}

// Patch changes the params this session sends for export. fn receives a
// private copy; the shared catalog is never modified. Patches apply to
// every later step that sends export.
func (s *Session) Patch(export string, fn func(protocol.Params) error) error {
	entry, ok := s.artifact.Catalog.Get(export)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExport, export)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base, ok := s.overrides[export]
	if !ok {
		var err error
		if base, err = s.baseParamsLocked(entry); err != nil {
			return err
		}
	}

	next := base.Clone()
	if next == nil {
		next = protocol.Params{}
	}
	if err := fn(next); err != nil {
		return fmt.Errorf("failed to patch %s: %w", export, err)
	}
	s.overrides[export] = next
	return nil
}

// ApplyPatches sets the given fields of each export for this session,
// exports in name order. It stops at the first export that fails.
func (s *Session) ApplyPatches(patches map[string]protocol.Params) error {
	exports := make([]string, 0, len(patches))
	for export := range patches {
		exports = append(exports, export)
	}
	sort.Strings(exports)

	for _, export := range exports {
		fields := patches[export]
		err := s.Patch(export, func(p protocol.Params) error {
			for k, v := range fields {
				p[k] = v
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ValidatePatches checks that every patched export exists in a and still
// encodes with codec once patched.
func ValidatePatches(a *script.Artifact, codec protocol.Codec, patches map[string]protocol.Params) error {
	if len(patches) == 0 {
		return nil
	}

	s := NewSession(a, nil, codec, Options{ID: "patch-check"})
	if err := s.ApplyPatches(patches); err != nil {
		return err
	}
	for export := range patches {
		entry, params, err := s.materialize(export)
		if err != nil {
			return err
		}
		if _, err := codec.Encode(entry.SourceName, params); err != nil {
			return fmt.Errorf("patched %s does not encode: %w", export, err)
		}
	}
	return nil
}

// SetField sets a single param of export for this session.
func (s *Session) SetField(export, key string, value any) error {
	return s.Patch(export, func(p protocol.Params) error {
		p[key] = value
		return nil
	})
}

func ctxError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
