package replay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/stagehand-project/stagehand/internal/events"
)

// Host runs replay sessions and keeps track of the live ones. Sessions are
// independent: one failing or being cancelled never stops another.
type Host struct {
	bus    *events.EventBus
	limit  int
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewHost creates a host. limit caps RunAll concurrency (<= 0 means no
// limit). bus may be nil.
func NewHost(limit int, bus *events.EventBus) *Host {
	return &Host{
		bus:      bus,
		limit:    limit,
		logger:   log.With().Str("component", "replay_host").Logger(),
		sessions: make(map[string]*Session),
	}
}

// Run executes s to completion while it is listed as active, publishing
// lifecycle events around it.
func (h *Host) Run(ctx context.Context, s *Session) error {
	h.mu.Lock()
	h.sessions[s.ID()] = s
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.sessions, s.ID())
		h.mu.Unlock()
	}()

	h.emit(ctx, events.EventSessionStarted, s, nil, 0)

	start := time.Now()
	err := s.Run(ctx)

	if err != nil {
		h.emit(ctx, events.EventSessionFailed, s, err, time.Since(start))
	} else {
		h.emit(ctx, events.EventSessionFinished, s, nil, time.Since(start))
	}
	return err
}

// RunAll runs every session concurrently and returns each session's error
// keyed by session id. Sessions that succeed map to nil.
func (h *Host) RunAll(ctx context.Context, sessions []*Session) map[string]error {
	var (
		g       errgroup.Group
		mu      sync.Mutex
		results = make(map[string]error, len(sessions))
	)
	if h.limit > 0 {
		g.SetLimit(h.limit)
	}

	for _, s := range sessions {
		s := s
		g.Go(func() error {
			err := h.Run(ctx, s)
			mu.Lock()
			results[s.ID()] = err
			mu.Unlock()
			// Errors are reported per session, never through the group.
			return nil
		})
	}
	g.Wait()

	h.logger.Debug().Int("sessions", len(sessions)).Msg("session batch finished")
	return results
}

// Active lists the running sessions ordered by start time.
func (h *Host) Active() []Info {
	h.mu.RLock()
	infos := make([]Info, 0, len(h.sessions))
	for _, s := range h.sessions {
		infos = append(infos, s.Info())
	}
	h.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Get returns an active session by id.
func (h *Host) Get(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

func (h *Host) emit(ctx context.Context, t events.EventType, s *Session, err error, elapsed time.Duration) {
	if h.bus == nil {
		return
	}

	info := s.Info()
	payload := events.SessionPayload{
		SessionID:  info.ID,
		Artifact:   info.Artifact,
		RemoteAddr: info.RemoteAddr,
		State:      info.State,
		Steps:      info.Stats.Steps,
		Position:   info.Stats.Position,
		Duration:   elapsed,
	}
	if err != nil {
		payload.Error = err.Error()
	}

	// The session context may already be cancelled; handlers still need to run.
	h.bus.Emit(context.WithoutCancel(ctx), events.Event{
		Type:    t,
		Source:  "replay:" + info.ID,
		Payload: payload,
	})
}
