package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/interopscore/pkg/aligned"
	"github.com/ethpandaops/interopscore/pkg/config"
	"github.com/ethpandaops/interopscore/pkg/fsutil"
	"github.com/ethpandaops/interopscore/pkg/interop"
	"github.com/ethpandaops/interopscore/pkg/metadata"
	"github.com/ethpandaops/interopscore/pkg/metrics"
	"github.com/ethpandaops/interopscore/pkg/runs"
	"github.com/ethpandaops/interopscore/pkg/scoring"
	"github.com/ethpandaops/interopscore/pkg/store"
	"github.com/ethpandaops/interopscore/pkg/updater"
	"github.com/ethpandaops/interopscore/pkg/vcs"
)

var (
	repoRoot             string
	resultsAnalysisCache string
	metadataRepo         string
	interopScoreRepo     string
	updateYear           int
	commitOnError        bool
	updateChannels       []string
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update the interop score data",
	Long: `Clean and update the repositories, then run one update cycle per channel,
committing the output of each channel to the interop score repository.`,
	RunE: runUpdate,
}

func init() {
	rootCmd.AddCommand(updateCmd)

	addRepoFlags(updateCmd)
	updateCmd.Flags().IntVar(&updateYear, "year", config.DefaultYear, yearUsage())
	updateCmd.Flags().BoolVar(&commitOnError, "commit-on-error", false,
		"Commit the output of a channel even when its update failed")
	updateCmd.Flags().StringSliceVar(&updateChannels, "channel", nil,
		"Channel to update (can be repeated; defaults to the configured channels)")
}

// yearUsage lists the supported dataset years in the --year help.
func yearUsage() string {
	years := interop.Years()

	names := make([]string, len(years))
	for i, year := range years {
		names[i] = strconv.Itoa(year)
	}

	return "Interop dataset year (" + strings.Join(names, ", ") + ")"
}

func addRepoFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&repoRoot, "repo-root", "", "Directory containing the repositories")
	cmd.Flags().StringVar(&resultsAnalysisCache, "results-analysis-cache", "",
		"Path to the results-analysis-cache repository")
	cmd.Flags().StringVar(&metadataRepo, "metadata", "", "Path to the wpt-metadata repository")
	cmd.Flags().StringVar(&interopScoreRepo, "interop-score", "", "Path to the interop score repository")
}

// applyFlagOverrides copies explicitly set flags over the configuration.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()

	if flags.Changed("repo-root") {
		cfg.Repos.Root = repoRoot
	}

	if flags.Changed("results-analysis-cache") {
		cfg.Repos.ResultsAnalysisCache = resultsAnalysisCache
	}

	if flags.Changed("metadata") {
		cfg.Repos.Metadata = metadataRepo
	}

	if flags.Changed("interop-score") {
		cfg.Repos.InteropScore = interopScoreRepo
	}

	if flags.Changed("year") {
		cfg.Update.Year = updateYear
	}

	if flags.Changed("commit-on-error") {
		cfg.Update.CommitOnError = commitOnError
	}

	if flags.Changed("channel") {
		cfg.Update.Channels = updateChannels
	}
}

func runUpdate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	applyFlagOverrides(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// Dataset errors surface before any repository or network I/O.
	dataset, err := interop.Lookup(cfg.Update.Year)
	if err != nil {
		return err
	}

	owner, err := fsutil.ParseOwner(cfg.Global.FileOwner)
	if err != nil {
		return fmt.Errorf("parsing file_owner: %w", err)
	}

	fetchTimeout, err := cfg.Update.FetchTimeoutDuration()
	if err != nil {
		return err
	}

	scoreTimeout, err := cfg.Update.ScoreTimeoutDuration()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	output, err := vcs.Open(ctx, log, cfg.Repos.RepoPath(cfg.Repos.InteropScore))
	if err != nil {
		return fmt.Errorf("opening interop score repository: %w", err)
	}

	metaGit, err := vcs.Open(ctx, log, cfg.Repos.RepoPath(cfg.Repos.Metadata))
	if err != nil {
		return fmt.Errorf("opening metadata repository: %w", err)
	}

	resultsGit, err := vcs.Open(ctx, log, cfg.Repos.RepoPath(cfg.Repos.ResultsAnalysisCache))
	if err != nil {
		return fmt.Errorf("opening results-analysis-cache repository: %w", err)
	}

	categories := interop.NewCache(log,
		interop.NewHTTPTableSource(cfg.Update.CategoryDataURL, cfg.Update.InteropDataURL))

	m := metrics.New(log)

	orchestrator, err := newOrchestrator(ctx, cfg, dataset, categories, owner, output, metaGit, resultsGit,
		updater.Config{
			Dataset:      dataset,
			FetchTimeout: fetchTimeout,
			ScoreTimeout: scoreTimeout,
			Concurrency:  cfg.Update.Concurrency,
		})
	if err != nil {
		return err
	}

	runner := updater.NewRunner(log, updater.RunnerConfig{
		Channels:      cfg.Update.Channels,
		CommitOnError: cfg.Update.CommitOnError,
	}, orchestrator, output, []updater.Updatable{metaGit, resultsGit}, m)

	if err := runner.Prepare(ctx); err != nil {
		return err
	}

	_, runErr := runner.Run(ctx)

	if cfg.Metrics.Textfile != "" {
		if err := m.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			log.WithError(err).Warn("Failed to write metrics")
		}
	}

	if runErr != nil && cfg.Update.CommitOnError && ctx.Err() == nil {
		// Partial results were committed; the next run picks up the rest.
		log.WithError(runErr).Error("Update finished with errors")

		return nil
	}

	return runErr
}

// newOrchestrator resolves the table layout of the year and wires the
// update cycle collaborators.
func newOrchestrator(
	ctx context.Context,
	cfg *config.Config,
	dataset interop.Dataset,
	categories *interop.Cache,
	owner *fsutil.OwnerConfig,
	output, metaGit, resultsGit *vcs.Git,
	updaterCfg updater.Config,
) (*updater.Orchestrator, error) {
	active, err := categories.Categories(ctx, dataset.Year, true)
	if err != nil {
		return nil, fmt.Errorf("resolving categories: %w", err)
	}

	st := store.New(log, output.Root(), dataset.Year,
		aligned.NewTable(dataset.Products, active.Names()), owner)

	return updater.NewOrchestrator(
		log,
		updaterCfg,
		categories,
		metadata.NewRepo(log, metaGit),
		runs.NewHTTPFetcher(log, cfg.Update.WPTFyiURL, cfg.Update.RequestsPerSecond),
		scoring.NewResultsCacheScorer(log, resultsGit),
		st,
		output,
	), nil
}
