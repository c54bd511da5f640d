package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stagehand-project/stagehand/internal/events"
	"github.com/stagehand-project/stagehand/internal/network"
)

func newCaptureCmd(a *app) *cobra.Command {
	var listen, upstream, dir string

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Record client and server traffic through a forwarding proxy",
		Long: "capture listens for game clients, forwards their traffic to the upstream\n" +
			"server unchanged and records every connection into its own dump file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := a.cfg.Capture
			if listen != "" {
				c.ListenAddr = listen
			}
			if upstream != "" {
				c.UpstreamAddr = upstream
			}
			if dir != "" {
				c.DumpDir = dir
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			bus := events.NewEventBus()
			bus.Subscribe(events.EventCaptureClosed, "capture-cmd", func(_ context.Context, e events.Event) error {
				p := e.Payload.(events.CapturePayload)
				fmt.Fprintf(cmd.OutOrStdout(), "recorded %d frames from %s -> %s\n", p.Frames, p.ClientAddr, p.DumpPath)
				return nil
			})

			var wg sync.WaitGroup
			if mqttHandler := a.newTelemetry(bus); mqttHandler != nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := mqttHandler.Start(ctx); err != nil {
						log.Warn().Err(err).Msg("MQTT telemetry failed")
					}
				}()
			}

			proxy := network.NewCaptureProxy(network.ProxyConfig{
				ListenAddr:      c.ListenAddr,
				UpstreamAddr:    c.UpstreamAddr,
				DumpDir:         c.DumpDir,
				ProtocolVersion: c.ProtocolVersion,
				MaxConnPerSec:   c.MaxConnPerSec,
				MaxConcurrent:   c.MaxConcurrent,
				MaxFrameSize:    int(a.cfg.Replay.MaxFrameSize),
			}, bus)
			if err := proxy.Start(ctx); err != nil {
				cancel()
				wg.Wait()
				bus.Stop()
				return fmt.Errorf("failed to start capture proxy: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "capturing on %s, forwarding to %s (Ctrl+C to stop)\n", proxy.Addr(), c.UpstreamAddr)
			waitForShutdown(ctx, nil, nil)

			proxy.Stop()
			cancel()
			wg.Wait()
			bus.Stop()

			dumps := proxy.Dumps()
			log.Info().Int("dumps", len(dumps)).Str("directory", c.DumpDir).Msg("capture stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config)")
	cmd.Flags().StringVar(&upstream, "upstream", "", "upstream server address (default from config)")
	cmd.Flags().StringVar(&dir, "dir", "", "directory for recorded dumps (default from config)")
	return cmd
}
