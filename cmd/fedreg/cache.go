package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"fedreg/adapters/cache"
	"fedreg/internal/remote"
	"fedreg/ports"

	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or remove coordinator cache entries in the configured store",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "cache", "Directory for the file backend when none is configured")

	open := func(ctx context.Context) (ports.CacheStore, error) {
		cfg, _, err := setup()
		if err != nil {
			return nil, err
		}
		return cache.Open(ctx, cfg.Cache, dir)
	}

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print a summary of the entry round 1 stored for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			entry, err := store.Get(cmd.Context(), remote.CacheKey(args[0]))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "run\t%s\n", entry.RunID)
			fmt.Fprintf(w, "cache id\t%s\n", entry.CacheID)
			fmt.Fprintf(w, "created\t%s\n", entry.CreatedAt.Format("2006-01-02 15:04:05Z07:00"))
			fmt.Fprintf(w, "strategy\t%s (lambda %g)\n", entry.Strategy, entry.Lambda)
			fmt.Fprintf(w, "sites\t%v\n", entry.Sites)
			fmt.Fprintf(w, "design\t%v\n", entry.XLabels)
			fmt.Fprintf(w, "responses\t%d\n", len(entry.YLabels))
			fmt.Fprintf(w, "failed columns\t%d\n", len(entry.FailedColumns))
			return w.Flush()
		},
	}

	rm := &cobra.Command{
		Use:   "rm <run-id>...",
		Short: "Delete the cached entries of finished runs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			for _, runID := range args {
				if err := store.Delete(cmd.Context(), remote.CacheKey(runID)); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "removed", runID)
			}
			return nil
		},
	}

	cmd.AddCommand(show, rm)
	return cmd
}
