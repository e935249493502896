package main

import (
	"fmt"
	"path"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/interopscore/pkg/aligned"
	"github.com/ethpandaops/interopscore/pkg/config"
	"github.com/ethpandaops/interopscore/pkg/interop"
	"github.com/ethpandaops/interopscore/pkg/store"
	"github.com/ethpandaops/interopscore/pkg/upload"
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Upload the aligned output to remote storage",
	Long:  `Upload the files under <year>/latest/aligned of the interop score repository to S3-compatible storage.`,
	RunE:  runPublish,
}

func init() {
	rootCmd.AddCommand(publishCmd)
	addRepoFlags(publishCmd)
	publishCmd.Flags().IntVar(&updateYear, "year", config.DefaultYear, yearUsage())
}

func runPublish(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	applyFlagOverrides(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	if cfg.Publish.S3 == nil || !cfg.Publish.S3.Enabled {
		return fmt.Errorf("S3 publishing is not configured or not enabled in config")
	}

	dataset, err := interop.Lookup(cfg.Update.Year)
	if err != nil {
		return err
	}

	// Only the paths are needed; the table is not used for reading.
	st := store.New(log, cfg.Repos.RepoPath(cfg.Repos.InteropScore), dataset.Year,
		aligned.NewTable(dataset.Products, nil), nil)

	publisher := upload.NewS3Publisher(log, cfg.Publish.S3)

	ctx := cmd.Context()

	if err := publisher.Preflight(ctx); err != nil {
		return err
	}

	written, err := publisher.Publish(ctx, st.AlignedDir(),
		path.Join(strconv.Itoa(dataset.Year), "latest", "aligned"))
	if err != nil {
		return fmt.Errorf("publishing %s: %w", st.AlignedDir(), err)
	}

	log.WithField("uploaded", len(written)).Info("Publish completed successfully")

	return nil
}
