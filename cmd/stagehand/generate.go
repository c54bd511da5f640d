package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stagehand-project/stagehand/internal/cli"
	"github.com/stagehand-project/stagehand/internal/db"
	"github.com/stagehand-project/stagehand/internal/events"
	"github.com/stagehand-project/stagehand/internal/generate"
	"github.com/stagehand-project/stagehand/internal/protocol"
)

func newGenerateCmd(a *app) *cobra.Command {
	var dumpPath, name string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Build a replay artifact from a recorded dump",
		Long: "generate reads a dump, builds the packet catalog and action script with\n" +
			"the configured generation rules and stores the result as a named artifact.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(dumpPath), filepath.Ext(dumpPath))
			}

			result, err := generate.New(a.cfg.Generation).GenerateFile(dumpPath, name, protocol.DefaultRegistry())
			if err != nil {
				return fmt.Errorf("failed to generate artifact from %s: %w", dumpPath, err)
			}
			cli.PrintSummary(cmd.OutOrStdout(), name, result.Summary)

			if result.Summary.Empty() {
				log.Warn().Str("dump", dumpPath).Msg("dump produced an empty script")
			}
			if dryRun {
				return nil
			}

			store, err := db.OpenArtifactStore(a.cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			if err := store.Save(ctx, result.Artifact, result.Summary); err != nil {
				return fmt.Errorf("failed to store artifact %s: %w", name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored artifact %q in %s\n", name, a.cfg.Store.Path)

			bus := events.NewEventBus()
			defer bus.Stop()
			if mqttHandler := a.newTelemetry(bus); mqttHandler != nil {
				if err := mqttHandler.Connect(); err != nil {
					log.Warn().Err(err).Msg("MQTT telemetry failed")
				} else {
					defer mqttHandler.Close()
				}
			}

			s := result.Summary
			bus.EmitSync(ctx, events.Event{
				Type:   events.EventGenerationCompleted,
				Source: "generate",
				Payload: events.GenerationPayload{
					Artifact:  name,
					DumpPath:  dumpPath,
					Frames:    s.Frames,
					Entries:   s.Entries,
					Actions:   s.Actions,
					Failed:    s.Failed,
					Truncated: s.Truncated,
					Warnings:  s.Warnings,
				},
			})
			bus.EmitSync(ctx, events.Event{
				Type:    events.EventArtifactStored,
				Source:  "generate",
				Payload: map[string]any{"artifact": name, "store": a.cfg.Store.Path},
			})
			return nil
		},
	}

	cmd.Flags().StringVar(&dumpPath, "dump", "", "dump file to read (required)")
	cmd.Flags().StringVar(&name, "name", "", "artifact name (default: dump file name)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the summary without storing the artifact")
	cmd.MarkFlagRequired("dump")
	return cmd
}
