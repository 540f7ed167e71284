// Command tile-downloader caches the map tiles of a trip for offline use.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/geoyee/tripcache/internal/app"
	"github.com/geoyee/tripcache/internal/config"
	"github.com/geoyee/tripcache/internal/logging"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli is the state shared by every command of one invocation.
type cli struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  zerolog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:   "tile-downloader",
		Short: "Cache the map tiles of a trip for offline use",
		Long: `tile-downloader downloads every map tile covering a trip's bounding box
into a local cache, from zoom 8 down to a zoom chosen by the size of the area.

Downloads can be paused with Ctrl-C and resumed later. The cache is bounded by
cache.max_size_mb; a download that reaches the bound stops with a resumable
checkpoint.

Examples:
  tile-downloader download --trip-id 7 --name Dolomites --north 46.6 --south 46.4 --east 11.9 --west 11.6
  tile-downloader resume --trip-id 7
  tile-downloader list

Environment Variables:
  TRIPCACHE_CACHE_ROOT                Cache directory
  TRIPCACHE_CACHE_MAX_SIZE_MB         Cache bound in MB
  TRIPCACHE_DOWNLOAD_MAX_CONCURRENT   Parallel tile downloads
  TRIPCACHE_DOWNLOAD_TILE_URL_TEMPLATE Tile server template`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default: ./tripcache.yaml)")
	flags.String("cache-root", "", "cache directory")
	flags.Int("max-size-mb", 0, "cache size bound in MB (0 = unlimited)")
	flags.Int("concurrency", 0, "parallel tile downloads")
	flags.Int("delay-ms", 0, "minimum delay between tile requests in ms")
	flags.String("tile-url", "", "tile URL template with {z}, {x} and {y}")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (console, json)")

	_ = c.v.BindPFlag("cache.root", flags.Lookup("cache-root"))
	_ = c.v.BindPFlag("cache.max_size_mb", flags.Lookup("max-size-mb"))
	_ = c.v.BindPFlag("download.max_concurrent", flags.Lookup("concurrency"))
	_ = c.v.BindPFlag("download.min_request_delay_ms", flags.Lookup("delay-ms"))
	_ = c.v.BindPFlag("download.tile_url_template", flags.Lookup("tile-url"))
	_ = c.v.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = c.v.BindPFlag("logging.format", flags.Lookup("log-format"))

	root.AddCommand(
		c.downloadCmd(),
		c.resumeCmd(),
		c.listCmd(),
		c.cancelCmd(),
		c.cacheCmd(),
		c.configCmd(),
		versionCmd(),
	)
	return root
}

func (c *cli) load(cmd *cobra.Command) error {
	cfg, err := config.Load(c.v, c.cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger, err := logging.NewWithWriter(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("configuring logger: %w", err)
	}
	c.cfg = cfg
	c.logger = logger
	return nil
}

func (c *cli) openApp(ctx context.Context) (*app.App, error) {
	settings := config.NewSettings(c.v, c.cfg, c.logger)
	a, err := app.New(ctx, settings, c.logger)
	if err != nil {
		return nil, fmt.Errorf("initializing application: %w", err)
	}
	return a, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "tile-downloader %s\n", version)
			fmt.Fprintf(out, "  Commit:     %s\n", commit)
			fmt.Fprintf(out, "  Build Date: %s\n", buildDate)
		},
	}
}
