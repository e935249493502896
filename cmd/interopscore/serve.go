package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/interopscore/pkg/api"
	"github.com/ethpandaops/interopscore/pkg/interop"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the aligned score views",
	Long:  `Start a read-only HTTP API serving the current, daily and historic views of each channel.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addRepoFlags(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	applyFlagOverrides(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	categories := interop.NewCache(log,
		interop.NewHTTPTableSource(cfg.Update.CategoryDataURL, cfg.Update.InteropDataURL))

	srv := api.NewServer(log, &cfg.API, api.Options{
		Root:     cfg.Repos.RepoPath(cfg.Repos.InteropScore),
		Channels: cfg.Update.Channels,
		Tables:   api.NewDatasetTables(categories),
	})

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	<-ctx.Done()
	log.Info("Shutting down API server")

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
