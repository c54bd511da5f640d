package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stagehand-project/stagehand/internal/cli"
	"github.com/stagehand-project/stagehand/internal/db"
)

func newArtifactsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "List, show and delete stored artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(func(store *db.ArtifactStore) error {
				infos, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				cli.PrintArtifacts(cmd.OutOrStdout(), infos)
				return nil
			})
		},
	}

	cmd.AddCommand(newArtifactShowCmd(a), newArtifactDeleteCmd(a))
	return cmd
}

func newArtifactShowCmd(a *app) *cobra.Command {
	var limit int
	var catalogOnly bool

	cmd := &cobra.Command{
		Use:   "show NAME",
		Short: "Print the catalog and script of an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(store *db.ArtifactStore) error {
				artifact, err := store.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "artifact %s (protocol %d)\n", artifact.Name, artifact.ProtocolVersion)
				cli.PrintCatalog(out, artifact.Catalog)
				if !catalogOnly {
					cli.PrintScript(out, artifact.Script, limit)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "print at most this many actions (0 for all)")
	cmd.Flags().BoolVar(&catalogOnly, "catalog", false, "print the catalog only")
	return cmd
}

func newArtifactDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Remove an artifact from the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(store *db.ArtifactStore) error {
				if err := store.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted artifact %q\n", args[0])
				return nil
			})
		},
	}
}

// withStore opens the configured artifact store for the duration of fn.
func (a *app) withStore(fn func(*db.ArtifactStore) error) error {
	store, err := db.OpenArtifactStore(a.cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}
