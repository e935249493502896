package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/interopscore/pkg/interop"
	"github.com/ethpandaops/interopscore/pkg/runs"
)

var (
	runsChannel   string
	runsAligned   bool
	runsMaxPerDay int
	runsFrom      string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Fetch runs and print them grouped by revision",
	Long: `Fetch the runs of a channel from the run service and print them as JSON,
one entry per revision. Settled days are cached in the configured run cache
database when run_cache.enabled is set.`,
	RunE: runFetchRuns,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.Flags().IntVar(&updateYear, "year", 0, yearUsage())
	runsCmd.Flags().StringVar(&runsChannel, "channel", "stable", "Channel to fetch")
	runsCmd.Flags().BoolVar(&runsAligned, "aligned", false, "Only fetch aligned runs")
	runsCmd.Flags().IntVar(&runsMaxPerDay, "max-per-day", 0, "Maximum runs per day (0 for the service default)")
	runsCmd.Flags().StringVar(&runsFrom, "from", "", "First day to fetch (YYYY-MM-DD, defaults to January 1st of the year)")
}

type revisionOutput struct {
	Revision  string     `json:"revision"`
	StartTime time.Time  `json:"start_time"`
	Aligned   bool       `json:"aligned"`
	Runs      []runs.Run `json:"runs"`
}

func runFetchRuns(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("year") {
		cfg.Update.Year = updateYear
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	dataset, err := interop.Lookup(cfg.Update.Year)
	if err != nil {
		return err
	}

	opts := runs.FetchOptions{
		Products:  dataset.Products,
		Channel:   runsChannel,
		From:      time.Date(dataset.Year, time.January, 1, 0, 0, 0, 0, time.UTC),
		Aligned:   runsAligned,
		MaxPerDay: runsMaxPerDay,
	}

	if runsFrom != "" {
		opts.From, err = time.Parse(runs.DayFormat, runsFrom)
		if err != nil {
			return fmt.Errorf("invalid --from %q: %w", runsFrom, err)
		}
	}

	ctx := cmd.Context()

	if cfg.RunCache.Enabled {
		cache := runs.NewDBCache(log, &cfg.RunCache.Database,
			runs.CacheScope(opts.Products, opts.Channel, opts.Aligned, opts.MaxPerDay))

		if err := cache.Start(ctx); err != nil {
			return fmt.Errorf("starting run cache: %w", err)
		}

		defer func() {
			if err := cache.Stop(); err != nil {
				log.WithError(err).Warn("Failed to close run cache")
			}
		}()

		opts.Cache = cache
	}

	fetcher := runs.NewHTTPFetcher(log, cfg.Update.WPTFyiURL, cfg.Update.RequestsPerSecond)

	byRevision, err := fetcher.FetchRuns(ctx, opts)
	if err != nil {
		return err
	}

	out := make([]revisionOutput, 0, byRevision.Len())
	for _, rr := range byRevision.Items() {
		out = append(out, revisionOutput{
			Revision:  rr.Revision,
			StartTime: rr.MinStartTime(),
			Aligned:   rr.IsAligned(dataset.Products),
			Runs:      rr.Runs,
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}
