// Package scheduler runs the background upkeep of a serving stagehand:
// dump retention, idle client sweeps and status heartbeats.
package scheduler

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/rs/zerolog"

	"github.com/stagehand-project/stagehand/internal/config"
	"github.com/stagehand-project/stagehand/internal/events"
	"github.com/stagehand-project/stagehand/internal/util"
)

// prunable lists the extensions the retention sweep may delete.
var prunable = map[string]bool{
	".shdp": true,
	".pcap": true,
}

// IdleCloser disconnects clients that have gone quiet.
type IdleCloser interface {
	CloseIdle(maxIdle time.Duration) int
}

// StatusFunc snapshots the host for a heartbeat.
type StatusFunc func() events.HeartbeatPayload

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg    config.MaintenanceConfig
	dirs   []string
	bus    *events.EventBus
	idle   IdleCloser
	status StatusFunc
	logger zerolog.Logger
	now    func() time.Time
}

// NewScheduler creates a scheduler that prunes old dumps from dirs. Empty
// directory names are ignored.
func NewScheduler(cfg config.MaintenanceConfig, dirs []string, bus *events.EventBus) *Scheduler {
	var kept []string
	for _, d := range dirs {
		if strings.TrimSpace(d) != "" {
			kept = append(kept, d)
		}
	}
	return &Scheduler{
		cfg:    cfg,
		dirs:   kept,
		bus:    bus,
		logger: util.ComponentLogger("scheduler"),
		now:    time.Now,
	}
}

// WithIdleCloser enables idle client sweeps against c.
func (s *Scheduler) WithIdleCloser(c IdleCloser) *Scheduler {
	s.idle = c
	return s
}

// WithStatus enables heartbeats built by fn.
func (s *Scheduler) WithStatus(fn StatusFunc) *Scheduler {
	s.status = fn
	return s
}

// Start runs the enabled tasks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	var wg sync.WaitGroup
	spawn := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	if s.cfg.RetentionEnabled && len(s.dirs) > 0 {
		spawn(s.runRetentionLoop)
	}
	if s.idle != nil && s.cfg.IdleTimeoutSec > 0 {
		maxIdle := time.Duration(s.cfg.IdleTimeoutSec) * time.Second
		spawn(func(ctx context.Context) {
			s.every(ctx, maxIdle/2, func(context.Context) { s.idle.CloseIdle(maxIdle) })
		})
	}
	if s.status != nil && s.cfg.HeartbeatSec > 0 {
		spawn(func(ctx context.Context) {
			s.every(ctx, time.Duration(s.cfg.HeartbeatSec)*time.Second, s.Heartbeat)
		})
	}

	s.logger.Info().Strs("dump_dirs", s.dirs).Msg("scheduler started")
	<-ctx.Done()
	wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (s *Scheduler) runRetentionLoop(ctx context.Context) {
	for {
		next := s.nextCleanup()
		wait := next.Sub(s.now())
		if wait <= 0 {
			wait = 24 * time.Hour
		}

		s.logger.Info().
			Time("next_run", next).
			Dur("sleep", wait).
			Msg("dump retention scheduled")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Prune(ctx)
		}
	}
}

// nextCleanup returns the next occurrence of the configured time of day.
func (s *Scheduler) nextCleanup() time.Time {
	hour, minute, err := config.ParseClock(s.cfg.CleanupTime)
	if err != nil {
		hour, minute = 4, 0
	}

	now := s.now()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Prune deletes dumps older than the retention period from every
// directory and publishes what it removed.
func (s *Scheduler) Prune(ctx context.Context) events.PrunePayload {
	cutoff := s.now().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
	result := events.PrunePayload{Directories: s.dirs}

	for _, dir := range s.dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// Unreadable entries are skipped.
				return nil
			}
			if d.IsDir() || !prunable[strings.ToLower(filepath.Ext(d.Name()))] {
				return nil
			}
			info, err := d.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				return nil
			}
			if err := os.Remove(path); err != nil {
				s.logger.Warn().Err(err).Str("file", path).Msg("failed to delete old dump")
				return nil
			}
			result.Deleted++
			result.FreedBytes += info.Size()
			s.logger.Debug().Str("file", path).Msg("deleted old dump")
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("directory", dir).Msg("dump retention encountered errors")
		}
	}

	s.logger.Info().
		Int("deleted_files", result.Deleted).
		Str("freed_space", datasize.ByteSize(result.FreedBytes).HumanReadable()).
		Msg("dump retention completed")

	if s.bus != nil && result.Deleted > 0 {
		s.bus.Emit(ctx, events.Event{
			Type:    events.EventDumpsPruned,
			Source:  "scheduler",
			Payload: result,
		})
	}
	return result
}

// Heartbeat publishes one status snapshot.
func (s *Scheduler) Heartbeat(ctx context.Context) {
	if s.status == nil || s.bus == nil {
		return
	}
	status := s.status()
	s.logger.Debug().
		Int("sessions", status.Sessions).
		Int("connections", status.Connections).
		Msg("heartbeat")
	s.bus.Emit(ctx, events.Event{
		Type:    events.EventHeartbeat,
		Source:  "scheduler",
		Payload: status,
	})
}
