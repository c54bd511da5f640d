package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stagehand-project/stagehand/internal/config"
	"github.com/stagehand-project/stagehand/internal/events"
	"github.com/stagehand-project/stagehand/internal/telemetry"
	"github.com/stagehand-project/stagehand/internal/util"
)

// app carries the state shared by every subcommand.
type app struct {
	configPath string
	logLevel   string
	noBanner   bool

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "stagehand",
		Short:         "Capture game protocol traffic and replay it to clients under test",
		Version:       AppVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", config.DefaultConfigFile, "path to the configuration file")
	flags.StringVar(&a.logLevel, "log-level", "", "override the configured log level")
	flags.BoolVar(&a.noBanner, "no-banner", false, "do not print the startup banner")

	root.AddCommand(
		newCaptureCmd(a),
		newGenerateCmd(a),
		newServeCmd(a),
		newInspectCmd(a),
		newPCAPCmd(a),
		newArtifactsCmd(a),
	)
	return root
}

// setup prints the banner, loads and validates the configuration and
// installs the configured logger.
func (a *app) setup(cmd *cobra.Command) error {
	if !a.noBanner {
		fmt.Fprintf(cmd.ErrOrStderr(), Banner, AppVersion)
		fmt.Fprintln(cmd.ErrOrStderr())
	}

	// Console only until the config names a log directory.
	boot := util.DefaultLogConfig()
	boot.Directory = ""
	if err := util.InitLogger(boot); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if err := util.InitLogger(cfg.Logging); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	log.Debug().
		Str("version", AppVersion).
		Str("command", cmd.Name()).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting " + AppName)

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return fmt.Errorf("configuration validation failed, please fix the errors above: %w", validation.Err())
	}

	a.cfg = cfg
	return nil
}

// newTelemetry returns an MQTT handler, or nil when MQTT is disabled or
// misconfigured.
func (a *app) newTelemetry(bus *events.EventBus) *telemetry.MQTTHandler {
	if !a.cfg.MQTT.Enabled {
		return nil
	}
	h, err := telemetry.NewMQTTHandler(a.cfg.MQTT, bus, AppVersion)
	if err != nil {
		log.Warn().Err(err).Msg("MQTT telemetry disabled")
		return nil
	}
	return h
}

// waitForShutdown blocks until SIGINT or SIGTERM, a fatal error on errCh,
// a shutdown event on bus, or the end of ctx. It reports which one, and the
// error that caused it if any.
func waitForShutdown(ctx context.Context, bus *events.EventBus, errCh <-chan error) (string, error) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	requested := make(chan string, 1)
	if bus != nil {
		bus.Subscribe(events.EventShutdown, "main", func(_ context.Context, e events.Event) error {
			select {
			case requested <- e.Source:
			default:
			}
			return nil
		})
		defer bus.Unsubscribe(events.EventShutdown, "main")
	}

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		return "signal", nil
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
		return "error", err
	case source := <-requested:
		log.Info().Str("source", source).Msg("shutdown requested")
		return source, nil
	case <-ctx.Done():
		return "context", nil
	}
}
