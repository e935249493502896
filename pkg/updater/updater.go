// Package updater drives the per-channel interop score update cycle:
// fetch runs, score the new ones, maintain the aligned snapshot and the
// historic ledger, and hand the written files to the versioned store.
package updater

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/interopscore/pkg/aligned"
	"github.com/ethpandaops/interopscore/pkg/config"
	"github.com/ethpandaops/interopscore/pkg/interop"
	"github.com/ethpandaops/interopscore/pkg/metadata"
	"github.com/ethpandaops/interopscore/pkg/runs"
	"github.com/ethpandaops/interopscore/pkg/scoring"
	"github.com/ethpandaops/interopscore/pkg/store"
	"github.com/ethpandaops/interopscore/pkg/vcs"
)

// CategorySource resolves the scored categories of a dataset year.
type CategorySource interface {
	Categories(ctx context.Context, year int, onlyActive bool) (interop.Categories, error)
}

// Store persists run scores and the aligned views of a year.
type Store interface {
	KnownRuns(channel string) (*runs.RunsByRevision, error)
	AddRunScore(channel string, run runs.Run, metadataRevision string, scores map[string]int) ([]string, error)
	LoadSnapshot(channel string) (*aligned.Snapshot, error)
	WriteSnapshot(channel string, snap *aligned.Snapshot) ([]string, error)
	LoadLedger(channel string) (*aligned.Ledger, error)
	WriteLedger(channel string, ledger *aligned.Ledger) ([]string, error)
	PendingDays(channel string) ([]string, error)
	WritePendingDays(channel string, days []string) ([]string, error)
}

// Stager receives every path written during a cycle.
type Stager interface {
	Stage(ctx context.Context, paths []string) error
}

// ChannelUpdater runs the update cycle of one channel.
type ChannelUpdater interface {
	UpdateChannel(ctx context.Context, channel string) (*CycleReport, error)
}

// Compile-time interface checks.
var (
	_ ChannelUpdater = (*Orchestrator)(nil)
	_ Store          = (*store.Store)(nil)
	_ CategorySource = (*interop.Cache)(nil)
	_ Stager         = (*vcs.Git)(nil)
)

// Config holds the cycle settings.
type Config struct {
	Dataset      interop.Dataset
	FetchTimeout time.Duration
	ScoreTimeout time.Duration
	// Concurrency bounds the revisions scored in parallel.
	Concurrency int
}

// Orchestrator runs update cycles for one dataset year.
type Orchestrator struct {
	log        logrus.FieldLogger
	cfg        Config
	categories CategorySource
	metadata   metadata.Source
	fetcher    runs.Fetcher
	scorer     scoring.Scorer
	store      Store
	stager     Stager
}

// NewOrchestrator creates an orchestrator. stager may be nil.
func NewOrchestrator(
	log logrus.FieldLogger,
	cfg Config,
	categories CategorySource,
	meta metadata.Source,
	fetcher runs.Fetcher,
	scorer scoring.Scorer,
	st Store,
	stager Stager,
) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = config.DefaultConcurrency
	}

	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = config.DefaultFetchTimeout
	}

	if cfg.ScoreTimeout <= 0 {
		cfg.ScoreTimeout = config.DefaultScoreTimeout
	}

	return &Orchestrator{
		log:        log.WithField("component", "updater"),
		cfg:        cfg,
		categories: categories,
		metadata:   meta,
		fetcher:    fetcher,
		scorer:     scorer,
		store:      st,
		stager:     stager,
	}
}

// cycle is the mutable state of one UpdateChannel call.
type cycle struct {
	log     logrus.FieldLogger
	report  *CycleReport
	channel string
	current *metadata.Result
	all     *runs.RunsByRevision
	delta   map[string][]runs.Run
	pending map[string]struct{}

	// mu serializes persistence and report updates from scoring workers.
	mu sync.Mutex
}

func (c *cycle) transition(to State) {
	if !canTransition(c.report.State, to) {
		c.log.WithFields(logrus.Fields{
			"from": c.report.State.String(),
			"to":   to.String(),
		}).Warn("Unexpected state transition")
	}

	c.report.State = to
	c.log.WithField("state", to.String()).Debug("State changed")
}

// UpdateChannel runs one update cycle for channel. On error the report is
// returned in StateFailed along with the paths written before the
// failure.
func (o *Orchestrator) UpdateChannel(ctx context.Context, channel string) (*CycleReport, error) {
	start := time.Now()

	report := &CycleReport{
		ID:      uuid.New().String(),
		Year:    o.cfg.Dataset.Year,
		Channel: channel,
		State:   StateIdle,
	}

	c := &cycle{
		log: o.log.WithFields(logrus.Fields{
			"cycle":   report.ID,
			"year":    report.Year,
			"channel": channel,
		}),
		report:  report,
		channel: channel,
		pending: make(map[string]struct{}),
	}

	err := o.run(ctx, c)

	report.Duration = time.Since(start)

	if err != nil {
		c.transition(StateFailed)
		c.log.WithError(err).Error("Update cycle failed")

		return report, err
	}

	c.log.WithFields(logrus.Fields{
		"state":          report.State.String(),
		"new_runs":       report.NewRuns,
		"scored_runs":    report.ScoredRuns,
		"skipped":        len(report.Skipped),
		"recomputed":     report.Recomputed,
		"aligned_rows":   report.AlignedRows,
		"historic_added": report.HistoricAdded,
		"written":        len(report.WrittenPaths),
		"duration":       report.Duration.String(),
	}).Info("Update cycle finished")

	return report, nil
}

func (o *Orchestrator) run(ctx context.Context, c *cycle) error {
	categories, err := o.categories.Categories(ctx, o.cfg.Dataset.Year, true)
	if err != nil {
		return fmt.Errorf("resolving categories: %w", err)
	}

	c.transition(StateFetching)

	current, err := o.metadata.TestsByCategory(ctx, categories, "")
	if err != nil {
		return fmt.Errorf("resolving tests by category: %w", err)
	}

	c.current = current
	c.report.MetadataRevision = current.Revision
	c.log = c.log.WithField("metadata_revision", current.Revision)

	known, err := o.store.KnownRuns(c.channel)
	if err != nil {
		return fmt.Errorf("loading known runs: %w", err)
	}

	pendingDays, err := o.store.PendingDays(c.channel)
	if err != nil {
		return fmt.Errorf("loading pending days: %w", err)
	}

	// Known runs only cover what was scored; days with deferred revisions
	// must come from the run service again.
	cache := runs.NewSeededCache(known)
	cache.Evict(pendingDays...)

	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	defer cancel()

	all, err := o.fetcher.FetchRuns(fetchCtx, runs.FetchOptions{
		Products: o.cfg.Dataset.Products,
		Channel:  c.channel,
		From:     time.Date(o.cfg.Dataset.Year, time.January, 1, 0, 0, 0, 0, time.UTC),
		Cache:    cache,
	})
	if err != nil {
		return fmt.Errorf("fetching runs: %w", err)
	}

	c.all = all
	c.delta = runs.Diff(known, all)

	if len(c.delta) == 0 {
		c.log.Info("No new runs")
		c.transition(StateIdle)

		return nil
	}

	for _, added := range c.delta {
		c.report.NewRuns += len(added)
	}

	c.transition(StateScoring)

	if err := o.scoreNewRuns(ctx, c); err != nil {
		return err
	}

	if err := o.writePending(ctx, c); err != nil {
		return err
	}

	c.transition(StateAligning)

	snapshot, err := o.alignedSnapshot(ctx, c, categories)
	if err != nil {
		return err
	}

	c.transition(StatePersisting)

	if err := o.persist(ctx, c, snapshot); err != nil {
		return err
	}

	c.transition(StateDone)

	return nil
}

// orderedDelta returns the revisions with new runs in date order.
func orderedDelta(c *cycle) []string {
	out := make([]string, 0, len(c.delta))

	for _, rr := range c.all.Items() {
		if _, ok := c.delta[rr.Revision]; ok {
			out = append(out, rr.Revision)
		}
	}

	return out
}

// scoreNewRuns scores the new runs of each revision and records them. A
// revision whose results are not yet available is skipped and stays new
// for the next cycle.
func (o *Orchestrator) scoreNewRuns(ctx context.Context, c *cycle) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)

	for _, revision := range orderedDelta(c) {
		added := c.delta[revision]

		g.Go(func() error {
			log := c.log.WithField("revision", revision)
			log.Info("Generating results for revision")

			rr := &runs.RevisionRuns{Revision: revision, Runs: added}

			result, err := o.score(gCtx, rr.RunIDs(), c.current.TestsByCategory)
			if errors.Is(err, scoring.ErrReferenceNotFound) {
				log.WithError(err).Warn("Run results not available yet, skipping revision")
				c.skip(revision)
				c.markPending(added)

				return nil
			}

			if err != nil {
				return fmt.Errorf("scoring revision %s: %w", revision, err)
			}

			return o.recordRunScores(gCtx, c, added, result)
		})
	}

	return g.Wait()
}

func (c *cycle) skip(revision string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.report.Skipped {
		if r == revision {
			return
		}
	}

	c.report.Skipped = append(c.report.Skipped, revision)
}

// markPending records the days of runs so the next cycle fetches them
// again.
func (c *cycle) markPending(added []runs.Run) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, run := range added {
		c.pending[run.Day()] = struct{}{}
	}
}

// writePending persists the days of this cycle's deferred revisions,
// replacing those of the previous cycle, which were all fetched again.
func (o *Orchestrator) writePending(ctx context.Context, c *cycle) error {
	days := make([]string, 0, len(c.pending))
	for day := range c.pending {
		days = append(days, day)
	}

	sort.Strings(days)
	c.report.PendingDays = days

	paths, err := o.store.WritePendingDays(c.channel, days)
	if err != nil {
		return fmt.Errorf("writing pending days: %w", err)
	}

	return o.stage(ctx, c, paths)
}

func (o *Orchestrator) recordRunScores(ctx context.Context, c *cycle, added []runs.Run, result *scoring.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, run := range added {
		scores := make(map[string]int, len(result.Scores))

		for category, categoryScores := range result.Scores {
			if len(categoryScores) != len(added) {
				return fmt.Errorf("category %s: %d scores for %d runs", category, len(categoryScores), len(added))
			}

			scores[category] = categoryScores[i]
		}

		paths, err := o.store.AddRunScore(c.channel, run, c.current.Revision, scores)
		if err != nil {
			return fmt.Errorf("recording run %d: %w", run.ID, err)
		}

		if err := o.stage(ctx, c, paths); err != nil {
			return err
		}
	}

	c.report.ScoredRuns += len(added)

	return nil
}

// alignedSnapshot builds the snapshot for this cycle. When the tests of
// any category differ between the snapshot's metadata revision and the
// current one, every aligned revision is rescored into a new snapshot;
// otherwise the aligned revisions of the delta are added to it.
func (o *Orchestrator) alignedSnapshot(ctx context.Context, c *cycle, categories interop.Categories) (*aligned.Snapshot, error) {
	snapshot, err := o.store.LoadSnapshot(c.channel)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}

	recompute := true

	if snapshot != nil {
		previous, err := o.metadata.TestsByCategory(ctx, categories, snapshot.MetadataRevision)

		switch {
		case errors.Is(err, vcs.ErrRefNotFound):
			c.log.WithField("snapshot_revision", snapshot.MetadataRevision).
				Warn("Snapshot metadata revision not found, recomputing")
		case err != nil:
			return nil, fmt.Errorf("resolving snapshot tests by category: %w", err)
		default:
			recompute = !previous.TestsByCategory.Equal(c.current.TestsByCategory)
		}
	}

	var candidates []*runs.RevisionRuns

	if recompute {
		c.log.Info("Metadata changed, recomputing all aligned runs")

		c.report.Recomputed = true
		snapshot = aligned.NewSnapshot(c.current.Revision, nil)
		candidates = c.all.Items()
	} else {
		c.log.Info("Metadata has not changed, adding new runs")

		candidates = c.all.FilterByRevisions(runs.Revisions(c.delta)).Items()
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)

	for _, rr := range candidates {
		if !rr.IsAligned(o.cfg.Dataset.Products) {
			continue
		}

		c.mu.Lock()
		replacing := snapshot.Has(rr.Revision)
		c.mu.Unlock()

		if replacing {
			c.log.WithField("revision", rr.Revision).Debug("Revision has new runs, replacing aligned row")
		}

		g.Go(func() error {
			row, err := o.scoreAligned(gCtx, rr, c.current.TestsByCategory)
			if errors.Is(err, scoring.ErrReferenceNotFound) {
				c.log.WithError(err).WithField("revision", rr.Revision).
					Warn("Run results not available yet, skipping aligned revision")
				c.skip(rr.Revision)

				return nil
			}

			if err != nil {
				return fmt.Errorf("scoring aligned revision %s: %w", rr.Revision, err)
			}

			c.mu.Lock()
			defer c.mu.Unlock()

			snapshot.Upsert(row)
			c.report.AlignedRows++

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return snapshot, nil
}

func (o *Orchestrator) scoreAligned(ctx context.Context, rr *runs.RevisionRuns, tests interop.TestsByCategory) (aligned.RunData, error) {
	byProduct := rr.ByProduct()
	products := o.cfg.Dataset.Products

	ids := make([]int64, len(products))
	versions := make(map[string]string, len(products))

	for i, product := range products {
		run := byProduct[product]
		ids[i] = run.ID
		versions[product] = run.BrowserVersion
	}

	o.log.WithField("revision", rr.Revision).Info("Generating aligned results for revision")

	result, err := o.score(ctx, ids, tests)
	if err != nil {
		return aligned.RunData{}, err
	}

	return aligned.RunData{
		Revision:      rr.Revision,
		Date:          rr.MinStartTime(),
		Versions:      versions,
		Scores:        result.Scores,
		InteropScores: result.Interop,
	}, nil
}

func (o *Orchestrator) score(ctx context.Context, ids []int64, tests interop.TestsByCategory) (*scoring.Result, error) {
	scoreCtx, cancel := context.WithTimeout(ctx, o.cfg.ScoreTimeout)
	defer cancel()

	return o.scorer.ScoreRuns(scoreCtx, ids, tests, nil)
}

// persist writes the snapshot views, then records newly aligned
// revisions in the historic ledger with the snapshot's metadata revision.
func (o *Orchestrator) persist(ctx context.Context, c *cycle, snapshot *aligned.Snapshot) error {
	paths, err := o.store.WriteSnapshot(c.channel, snapshot)
	if err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}

	if err := o.stage(ctx, c, paths); err != nil {
		return err
	}

	if snapshot.Len() == 0 {
		c.log.Info("No aligned runs found")

		return nil
	}

	ledger, err := o.store.LoadLedger(c.channel)
	if err != nil {
		return fmt.Errorf("loading historic ledger: %w", err)
	}

	for _, row := range snapshot.Rows() {
		if ledger.Append(row.WithProvenance(snapshot.MetadataRevision)) {
			c.report.HistoricAdded++
		}
	}

	paths, err = o.store.WriteLedger(c.channel, ledger)
	if err != nil {
		return fmt.Errorf("writing historic ledger: %w", err)
	}

	return o.stage(ctx, c, paths)
}

func (o *Orchestrator) stage(ctx context.Context, c *cycle, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	c.report.WrittenPaths = append(c.report.WrittenPaths, paths...)

	if o.stager == nil {
		return nil
	}

	if err := o.stager.Stage(ctx, paths); err != nil {
		return fmt.Errorf("staging written files: %w", err)
	}

	return nil
}
