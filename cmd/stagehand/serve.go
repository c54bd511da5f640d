package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stagehand-project/stagehand/internal/api"
	"github.com/stagehand-project/stagehand/internal/cli"
	"github.com/stagehand-project/stagehand/internal/config"
	"github.com/stagehand-project/stagehand/internal/db"
	"github.com/stagehand-project/stagehand/internal/events"
	"github.com/stagehand-project/stagehand/internal/network"
	"github.com/stagehand-project/stagehand/internal/protocol"
	"github.com/stagehand-project/stagehand/internal/replay"
	"github.com/stagehand-project/stagehand/internal/scheduler"
	"github.com/stagehand-project/stagehand/internal/util"
)

const (
	bindRetries     = 3
	shutdownTimeout = 30 * time.Second
)

func newServeCmd(a *app) *cobra.Command {
	var artifactName, listen string
	var noConsole bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Replay a stored artifact to every client that connects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rc := a.cfg.Replay
			if artifactName != "" {
				rc.Artifact = artifactName
			}
			if listen != "" {
				rc.ListenAddr = listen
			}
			if rc.Artifact == "" {
				return errors.New("no artifact to serve: pass --artifact or set replay.artifact")
			}
			return a.serve(cmd.Context(), rc, !noConsole)
		},
	}

	cmd.Flags().StringVarP(&artifactName, "artifact", "a", "", "stored artifact to replay (default from config)")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config)")
	cmd.Flags().BoolVar(&noConsole, "no-console", false, "do not start the interactive console")
	return cmd
}

// listenerConfig maps the replay section onto the listener and its sessions.
func listenerConfig(rc config.ReplayConfig) network.ListenerConfig {
	return network.ListenerConfig{
		Addr:        rc.ListenAddr,
		MaxSessions: rc.MaxSessions,
		KeepOpen:    rc.KeepOpen,
		RecordDir:   rc.RecordDir,
		Session: replay.Options{
			WaitTimeout:   rc.WaitTimeout(),
			Speed:         rc.Speed,
			ChunkDistance: rc.ChunkDistance,
			ChunkCenterX:  rc.ChunkCenterX,
			ChunkCenterZ:  rc.ChunkCenterZ,
		},
		Conn: network.ConnOptions{
			BatchInterval: rc.BatchInterval(),
			BatchLimit:    int(rc.BatchLimit),
			MaxFrameSize:  int(rc.MaxFrameSize),
		},
		Prepare: patchSessions(rc.Patches),
	}
}

// patchSessions returns a Prepare hook applying the configured patches, or
// nil when there are none.
func patchSessions(patches map[string]protocol.Params) func(*replay.Session) error {
	if len(patches) == 0 {
		return nil
	}
	return func(s *replay.Session) error {
		return s.ApplyPatches(patches)
	}
}

func (a *app) serve(parent context.Context, rc config.ReplayConfig, withConsole bool) error {
	cfg := a.cfg

	store, err := db.OpenArtifactStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	artifact, err := store.Load(parent, rc.Artifact)
	if err != nil {
		return fmt.Errorf("failed to load artifact %s: %w", rc.Artifact, err)
	}
	codec, err := protocol.DefaultRegistry().Lookup(artifact.ProtocolVersion)
	if err != nil {
		return fmt.Errorf("artifact %s: %w", artifact.Name, err)
	}
	if err := replay.ValidatePatches(artifact, codec, rc.Patches); err != nil {
		return fmt.Errorf("invalid replay.patches for artifact %s: %w", artifact.Name, err)
	}

	log.Info().
		Str("artifact", artifact.Name).
		Int("protocol", artifact.ProtocolVersion).
		Int("entries", artifact.Catalog.Len()).
		Int("actions", len(artifact.Script)).
		Msg("artifact loaded")

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemoryMB).
		Msg("system information")

	// ---------------------------------------------------------------
	// Components
	// ---------------------------------------------------------------
	eventBus := events.NewEventBus()
	host := replay.NewHost(rc.MaxSessions, eventBus)
	listener := network.NewReplayListener(listenerConfig(rc), artifact, codec, host)

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, store, host, AppVersion).WithDiskPath(cfg.Capture.DumpDir)
	}
	mqttHandler := a.newTelemetry(eventBus)

	started := time.Now()
	sched := scheduler.NewScheduler(cfg.Maintenance, []string{cfg.Capture.DumpDir, rc.RecordDir}, eventBus).
		WithIdleCloser(listener).
		WithStatus(func() events.HeartbeatPayload {
			status := events.HeartbeatPayload{
				Artifact:      artifact.Name,
				Sessions:      len(host.Active()),
				Connections:   listener.Connections(),
				UptimeSeconds: int64(time.Since(started).Seconds()),
			}
			usage, _ := util.GetResourceUsage(cfg.Capture.DumpDir)
			status.MemoryPercent = usage.MemoryPercent
			status.DiskFreeMB = usage.DiskFreeMB
			return status
		})

	// ---------------------------------------------------------------
	// Start all tasks
	// ---------------------------------------------------------------
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := startWithRetry(ctx, "replay", listener.Start, bindRetries); err != nil {
			errCh <- err
		}
	}()

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := startWithRetry(ctx, "api", apiServer.Start, bindRetries); err != nil {
				log.Error().Err(err).Msg("status API failed")
			}
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	if withConsole {
		console := cli.NewConsole(os.Stdin, os.Stdout, eventBus, host, store, artifact.Name)
		wg.Add(1)
		go func() {
			defer wg.Done()
			console.Start(ctx)
		}()
	}

	// ---------------------------------------------------------------
	// Graceful shutdown
	// ---------------------------------------------------------------
	reason, fatal := waitForShutdown(ctx, eventBus, errCh)
	log.Info().Str("reason", reason).Msg("initiating graceful shutdown...")

	cancel()
	if reason != "console" {
		eventBus.Emit(parent, events.Event{Type: events.EventShutdown, Source: "main"})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(shutdownTimeout):
		log.Warn().Dur("timeout", shutdownTimeout).Msg("shutdown timed out, forcing exit")
	}

	eventBus.Stop()
	log.Info().Msg(AppName + " stopped")

	return fatal
}

// startWithRetry calls startFn until it succeeds or fails maxRetries more
// times, waiting between attempts. Used for listeners whose port may still
// be held by a previous run.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return nil
		}
		lastErr = startFn(ctx)
		if lastErr == nil || ctx.Err() != nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
