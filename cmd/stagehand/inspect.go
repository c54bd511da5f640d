package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stagehand-project/stagehand/internal/cli"
	"github.com/stagehand-project/stagehand/internal/dump"
	"github.com/stagehand-project/stagehand/internal/protocol"
)

func newInspectCmd(a *app) *cobra.Command {
	var dumpPath string
	var limit int

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List the frames of a dump",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := dump.Open(dumpPath, protocol.DefaultRegistry())
			if err != nil {
				return err
			}
			defer r.Close()
			r.SetMaxFrameSize(int(a.cfg.Replay.MaxFrameSize))

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: protocol %d, recorded %s\n",
				dumpPath, r.ProtocolVersion(), r.CreatedAt().Format("2006-01-02 15:04:05"))

			if _, err := cli.PrintFrames(out, r, limit); err != nil {
				return fmt.Errorf("failed to read %s: %w", dumpPath, err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dumpPath, "dump", "", "dump file to read (required)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "list at most this many frames (0 for all)")
	cmd.MarkFlagRequired("dump")
	return cmd
}

func newPCAPCmd(a *app) *cobra.Command {
	var dumpPath, outPath string

	cmd := &cobra.Command{
		Use:   "pcap",
		Short: "Convert a dump to a pcap file for packet analyzers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if outPath == "" {
				outPath = strings.TrimSuffix(dumpPath, ".shdp") + ".pcap"
			}

			r, err := dump.Open(dumpPath, protocol.DefaultRegistry())
			if err != nil {
				return err
			}
			defer r.Close()
			r.SetMaxFrameSize(int(a.cfg.Replay.MaxFrameSize))

			f, err := os.Create(outPath)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", outPath, err)
			}

			n, err := dump.ExportPCAP(r, f)
			if errors.Is(err, dump.ErrTruncated) {
				log.Warn().Str("dump", dumpPath).Int("frames", n).Msg("dump ends inside a frame, exported the complete frames only")
				err = nil
			}
			if closeErr := f.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return fmt.Errorf("failed to export %s: %w", dumpPath, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d frames to %s\n", n, outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&dumpPath, "dump", "", "dump file to read (required)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "pcap file to write (default: dump path with .pcap)")
	cmd.MarkFlagRequired("dump")
	return cmd
}
