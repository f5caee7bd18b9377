package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"lectern/internal/database"
	"lectern/internal/stagecache"
)

// Cache commands open the local database directly so they work while the
// daemon is stopped.
func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and prune stage checkpoints",
	}
	cacheCmd.AddCommand(newCacheStatsCommand(ctx))
	cacheCmd.AddCommand(newCachePurgeCommand(ctx))
	cacheCmd.AddCommand(newCacheInvalidateCommand(ctx))
	return cacheCmd
}

func withCache(cmd *cobra.Command, ctx *commandContext, fn func(*stagecache.Store) error) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}
	db, err := database.Open(cmd.Context(), cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	return fn(stagecache.New(db))
}

func newCacheStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show checkpoint counts per stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, ctx, func(cache *stagecache.Store) error {
				stats, err := cache.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, stats)
				}
				out := cmd.OutOrStdout()
				if stats.Entries == 0 {
					fmt.Fprintln(out, "Cache is empty")
					return nil
				}
				stageNames := make([]string, 0, len(stats.ByStage))
				for stage := range stats.ByStage {
					stageNames = append(stageNames, stage)
				}
				sort.Strings(stageNames)
				rows := make([][]string, 0, len(stageNames))
				for _, stage := range stageNames {
					rows = append(rows, []string{stage, strconv.FormatInt(stats.ByStage[stage], 10)})
				}
				colorize := shouldColorize(out)
				fmt.Fprint(out, renderTable([]string{"Stage", "Entries"}, rows, []columnAlignment{alignLeft, alignRight}, colorize))
				fmt.Fprintf(out, "Total: %d entries, %s, %d open claims\n", stats.Entries, formatSize(stats.PayloadBytes), stats.Claims)
				return nil
			})
		},
	}
}

func newCachePurgeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove expired checkpoints and abandoned claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, ctx, func(cache *stagecache.Store) error {
				removed, err := cache.Purge(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Purged %d expired entries\n", removed)
				return nil
			})
		},
	}
}

func newCacheInvalidateCommand(ctx *commandContext) *cobra.Command {
	var stage string
	var fingerprint string
	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Drop checkpoints for a stage or a single fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			stage = strings.TrimSpace(stage)
			fingerprint = strings.TrimSpace(fingerprint)
			if (stage == "") == (fingerprint == "") {
				return fmt.Errorf("exactly one of --stage or --fingerprint is required")
			}
			return withCache(cmd, ctx, func(cache *stagecache.Store) error {
				out := cmd.OutOrStdout()
				if fingerprint != "" {
					if err := cache.Invalidate(cmd.Context(), fingerprint); err != nil {
						return err
					}
					fmt.Fprintf(out, "Invalidated %s\n", fingerprint)
					return nil
				}
				removed, err := cache.InvalidateStage(cmd.Context(), stage)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Invalidated %d %s entries\n", removed, stage)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "Stage name, for example match_frames or ai:generate_title")
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "Single checkpoint fingerprint")
	return cmd
}
