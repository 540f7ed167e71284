package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/geoyee/tripcache/internal/app"
	"github.com/geoyee/tripcache/internal/checkpoint"
	"github.com/geoyee/tripcache/internal/events"
	"github.com/geoyee/tripcache/internal/model"
	"github.com/geoyee/tripcache/internal/quota"
)

func (c *cli) downloadCmd() *cobra.Command {
	var (
		trip  app.Trip
		bbox  model.BoundingBox
		quiet bool
	)
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download the tiles of a trip's bounding box",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			req, err := a.PlanBoundingBox(cmd.Context(), trip, bbox)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Trip %d: %d tiles (about %s)\n",
				trip.ID, len(req.Tiles), formatBytes(quota.EstimateBytes(len(req.Tiles))))
			return c.runBatch(cmd, a, req, quiet)
		},
	}
	f := cmd.Flags()
	f.Int64Var(&trip.ID, "trip-id", 0, "[Required] trip identifier")
	f.StringVar(&trip.Name, "name", "", "trip name")
	f.StringVar(&trip.ServerID, "server-id", "", "trip identifier on the sync server")
	f.Float64Var(&bbox.North, "north", 0, "[Required] northern latitude")
	f.Float64Var(&bbox.South, "south", 0, "[Required] southern latitude")
	f.Float64Var(&bbox.East, "east", 0, "[Required] eastern longitude")
	f.Float64Var(&bbox.West, "west", 0, "[Required] western longitude")
	f.BoolVarP(&quiet, "quiet", "q", false, "hide the progress bar")
	for _, name := range []string{"trip-id", "north", "south", "east", "west"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func (c *cli) resumeCmd() *cobra.Command {
	var (
		tripID int64
		quiet  bool
	)
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue a paused download from its checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			req, err := a.ResumeRequest(cmd.Context(), tripID)
			if errors.Is(err, checkpoint.ErrNotFound) {
				return fmt.Errorf("trip %d has no paused download", tripID)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resuming trip %d: %d of %d tiles left\n",
				tripID, len(req.Tiles), req.TotalTiles)
			return c.runBatch(cmd, a, req, quiet)
		},
	}
	cmd.Flags().Int64Var(&tripID, "trip-id", 0, "[Required] trip identifier")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "hide the progress bar")
	_ = cmd.MarkFlagRequired("trip-id")
	return cmd
}

// runBatch runs req with a progress bar. The first interrupt pauses the
// batch with a checkpoint instead of killing it.
func (c *cli) runBatch(cmd *cobra.Command, a *app.App, req model.BatchRequest, quiet bool) error {
	sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	total := max(req.TotalTiles, req.InitialCompleted+len(req.Tiles))
	bar := newProgress(cmd.ErrOrStderr(), total, req.InitialCompleted, quiet)
	sub := a.Bus.SubscribeTrip(req.TripID, func(e events.Event) {
		switch ev := e.(type) {
		case events.ProgressChanged:
			bar.Update(ev.CompletedTiles)
		case events.CacheWarning:
			c.logger.Warn().Float64("usage_percent", ev.UsagePercent).Msg("cache usage above warning level")
		case events.CacheCritical:
			c.logger.Warn().Float64("usage_percent", ev.UsagePercent).Msg("cache usage critical")
		}
	})
	defer sub.Close()

	result, err := a.RunBatchPausable(context.WithoutCancel(cmd.Context()), req, sigCtx.Done())
	bar.Finish()
	if err != nil {
		return err
	}
	printResult(cmd, req, result)
	return nil
}

func printResult(cmd *cobra.Command, req model.BatchRequest, r model.BatchResult) {
	out := cmd.OutOrStdout()
	done := req.InitialCompleted + r.TilesDownloaded
	total := max(req.TotalTiles, req.InitialCompleted+len(req.Tiles))
	if !r.WasPaused {
		fmt.Fprintf(out, "Download complete: %d/%d tiles, %s", done, total, formatBytes(r.TotalBytes))
		if r.TilesFailed > 0 {
			fmt.Fprintf(out, ", %d failed", r.TilesFailed)
		}
		fmt.Fprintln(out)
		return
	}
	fmt.Fprintf(out, "Download paused (%s): %d/%d tiles, %s\n", r.StopReason, done, total, formatBytes(r.TotalBytes))
	if r.StopReason.CanResume() {
		fmt.Fprintf(out, "Resume with: tile-downloader resume --trip-id %d\n", req.TripID)
	}
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List paused downloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			states, err := a.ListPaused(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(states) == 0 {
				fmt.Fprintln(out, "No paused downloads")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TRIP\tNAME\tSTATUS\tREASON\tTILES\tSIZE\tUPDATED")
			for _, s := range states {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					s.TripID, s.TripName, s.Status, s.InterruptionReason,
					s.CompletedCount, s.TotalCount, formatBytes(s.DownloadedBytes),
					s.UpdatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
}

func (c *cli) cancelCmd() *cobra.Command {
	var tripID int64
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Discard a trip's checkpoint and cached tiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Cancel(cmd.Context(), tripID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Trip %d cancelled, cached tiles removed\n", tripID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&tripID, "trip-id", 0, "[Required] trip identifier")
	_ = cmd.MarkFlagRequired("trip-id")
	return cmd
}

func (c *cli) cacheCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cache",
		Short: "Show cache usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			usage, err := a.CacheUsage(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Cache root: %s\n", c.cfg.Cache.Root)
			if usage.MaxSizeMB <= 0 {
				fmt.Fprintf(out, "Usage:      %s (unlimited)\n", formatBytes(usage.CurrentSizeBytes))
				return nil
			}
			fmt.Fprintf(out, "Usage:      %s of %d MB (%.1f%%)\n",
				formatBytes(usage.CurrentSizeBytes), usage.MaxSizeMB, usage.UsagePercent)
			fmt.Fprintf(out, "Level:      %s\n", quota.LevelOf(usage))
			return nil
		},
	}
}

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(c.cfg); err != nil {
				return fmt.Errorf("encoding config: %w", err)
			}
			return enc.Close()
		},
	})
	return cmd
}
