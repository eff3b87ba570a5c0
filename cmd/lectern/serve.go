package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lecternhq/lectern/internal/archive"
	"github.com/lecternhq/lectern/internal/config"
	"github.com/lecternhq/lectern/internal/db"
	"github.com/lecternhq/lectern/internal/server"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Lectern orchestration server",
		Long:  "Loads the config, prepares the audio bridge, and serves the mailbox, pipeline, run log and walkie APIs until interrupted. With an archive database configured, segment and run rollups are snapshotted on the archive schedule.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "lectern.yaml", "path to Lectern config file")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).
		Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := server.New(server.Options{Config: cfg, Logger: logger})

	if cfg.Archive.SQLitePath != "" {
		gormDB, err := db.Connect(cfg.Archive.SQLitePath)
		if err != nil {
			return fmt.Errorf("open archive db: %w", err)
		}
		if err := db.AutoMigrate(gormDB); err != nil {
			return fmt.Errorf("migrate archive db: %w", err)
		}
		archiver := archive.New(gormDB, s.Pipeline(), s.EventLog(), logger)
		if err := archiver.Start(cfg.Archive.Schedule); err != nil {
			return err
		}
		defer func() {
			archiver.Stop()
			if err := archiver.Snapshot(); err != nil {
				logger.Warn().Err(err).Msg("final archive snapshot failed")
			}
		}()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Lectern listening on %s\n", cfg.Addr())
	return s.Start(ctx)
}
