// blockmeshd runs the block replication health tracker and serves its
// metrics over HTTP.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/blockmesh/blockmesh/internal/admin"
	"github.com/blockmesh/blockmesh/internal/config"
	"github.com/blockmesh/blockmesh/internal/tracker"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "blockmeshd",
		Short: "blockmeshd - block replication health tracker",
		Long: `blockmeshd tracks the replication state of every block a metadata
server manages and publishes the aggregate health counters as
Prometheus metrics.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tracker daemon",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "path to YAML config file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("blockmeshd %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if cfgFile != "" {
		loaded, err := config.LoadServerConfig(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if cmd.Flags().Changed("log-level") || cfg.LogLevel == "" {
		cfg.LogLevel = logLevel
	}
	setupLogging(cfg.LogLevel)

	interval, err := cfg.UpdateInterval()
	if err != nil {
		return err
	}

	t := tracker.New(tracker.Config{
		Instance:        cfg.Tracker.Instance,
		TickInterval:    interval,
		ShardCount:      cfg.Tracker.ShardCount,
		InitialCapacity: cfg.Tracker.InitialCapacity,
		LoadFactor:      cfg.Tracker.LoadFactor,
		DeepVerify:      cfg.Tracker.DeepVerify,
	}, log.Logger)
	t.Start()
	defer t.Stop()

	var adminSrv *admin.Server
	if cfg.AdminEnabled() {
		adminSrv = admin.NewServer(t, cfg.Admin.Token, log.Logger)
		if err := adminSrv.Start(cfg.Admin.Listen); err != nil {
			return fmt.Errorf("start admin server: %w", err)
		}
		defer func() {
			if err := adminSrv.Stop(); err != nil {
				log.Warn().Err(err).Msg("Admin server shutdown failed")
			}
		}()
	}

	log.Info().
		Str("version", Version).
		Str("instance", cfg.Tracker.Instance).
		Dur("update_interval", interval).
		Msg("blockmeshd started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("Shutting down")
	return nil
}
