package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fincoach/insightcache/pkg/insights"
	"github.com/fincoach/insightcache/pkg/logging"
	"github.com/fincoach/insightcache/pkg/sweeper"
)

func newCacheCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the insight cache",
	}

	var statsUser int64
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := setup(ctx, configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			stats, err := insights.NewReporter(a.store).ComputeStats(ctx, statsUser)
			if err != nil {
				return err
			}

			fmt.Printf("User:          %d\n", stats.UserID)
			fmt.Printf("Entries:       %d (%d valid)\n", stats.TotalEntries, stats.ValidEntries)
			fmt.Printf("Efficiency:    %.2f%%\n", stats.EfficiencyPercent)
			fmt.Printf("Created (24h): %d (%.2f/h)\n", stats.CreatedLast24h, stats.CreationRatePerHour)

			if len(stats.CachedTypes) > 0 {
				fmt.Println()
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TYPE\tVALID")
				for _, t := range stats.CachedTypes {
					fmt.Fprintf(w, "%s\t%d\n", t, stats.ValidEntriesByType[t])
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}

			if len(stats.MostUsedEntries) > 0 {
				fmt.Println()
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TYPE\tPERSONALITY\tUSES\tCREATED")
				for _, e := range stats.MostUsedEntries {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", e.InsightType, e.Personality, e.UsedCount, e.CreatedAt.Format("2006-01-02T15:04:05"))
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}

			if len(stats.Recommendations) > 0 {
				fmt.Println()
				for _, r := range stats.Recommendations {
					fmt.Printf("- %s\n", r)
				}
			}
			return nil
		},
	}
	statsCmd.Flags().Int64VarP(&statsUser, "user", "u", 0, "user id")
	_ = statsCmd.MarkFlagRequired("user")

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired cache entries now",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := setup(ctx, configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			n, err := sweeper.New(a.store, a.cfg.Sweeper.Interval, sweeper.WithLogger(logging.NewLogger("sweeper"))).RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d expired entries.\n", n)
			return nil
		},
	}

	var invalidateUser int64
	invalidateCmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Delete every cached insight of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := setup(ctx, configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			n, err := insights.NewInvalidator(a.store, logging.NewLogger("invalidator")).InvalidateForUser(ctx, invalidateUser)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d entries for user %d.\n", n, invalidateUser)
			return nil
		},
	}
	invalidateCmd.Flags().Int64VarP(&invalidateUser, "user", "u", 0, "user id")
	_ = invalidateCmd.MarkFlagRequired("user")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := setup(ctx, configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			n, err := a.store.Clear(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("All cache entries cleared (%d removed).\n", n)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.AddCommand(statsCmd, sweepCmd, invalidateCmd, clearCmd)
	return cmd
}
