package updater

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/interopscore/pkg/aligned"
	"github.com/ethpandaops/interopscore/pkg/interop"
	"github.com/ethpandaops/interopscore/pkg/metadata"
	"github.com/ethpandaops/interopscore/pkg/runs"
	"github.com/ethpandaops/interopscore/pkg/scoring"
	"github.com/ethpandaops/interopscore/pkg/store"
	"github.com/ethpandaops/interopscore/pkg/vcs"
)

var products = []string{"chrome", "firefox", "safari"}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

type fakeCategories struct {
	err error
}

func (f *fakeCategories) Categories(_ context.Context, year int, _ bool) (interop.Categories, error) {
	if f.err != nil {
		return nil, f.err
	}

	return interop.Categories{
		"grid":    {"interop-2023-grid"},
		"flexbox": {"interop-2023-flexbox"},
	}, nil
}

type fakeMetadata struct {
	head      string
	revisions map[string]interop.TestsByCategory
}

func (f *fakeMetadata) TestsByCategory(_ context.Context, _ interop.Categories, revision string) (*metadata.Result, error) {
	if revision == "" {
		revision = f.head
	}

	tests, ok := f.revisions[revision]
	if !ok {
		return nil, vcs.ErrRefNotFound
	}

	return &metadata.Result{Revision: revision, TestsByCategory: tests, AllTests: tests.AllTests()}, nil
}

type fakeFetcher struct {
	mu    sync.Mutex
	runs  []runs.Run
	calls int
}

func (f *fakeFetcher) FetchRuns(_ context.Context, opts runs.FetchOptions) (*runs.RunsByRevision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++

	if opts.Cache == nil {
		return nil, errors.New("fetch without cache")
	}

	return runs.GroupByRevision(f.runs), nil
}

func (f *fakeFetcher) set(rs ...runs.Run) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.runs = rs
}

// fakeScorer scores run id*10 plus the number of tests of the category, so
// a change of the test mapping changes every score.
type fakeScorer struct {
	mu       sync.Mutex
	calls    [][]int64
	missing  map[int64]bool
	failWith error
}

func (f *fakeScorer) ScoreRuns(_ context.Context, ids []int64, tests interop.TestsByCategory, _ map[string]struct{}) (*scoring.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, append([]int64(nil), ids...))

	if f.failWith != nil {
		return nil, f.failWith
	}

	for _, id := range ids {
		if f.missing[id] {
			return nil, &scoring.ReferenceError{RunID: id, Ref: scoring.RunRef(id)}
		}
	}

	result := &scoring.Result{Scores: map[string][]int{}, Interop: map[string]int{}}

	for category, categoryTests := range tests {
		scores := make([]int, len(ids))
		lowest := 1000

		for i, id := range ids {
			scores[i] = int(id)*10 + len(categoryTests)
			lowest = min(lowest, scores[i])
		}

		result.Scores[category] = scores
		result.Interop[category] = lowest
	}

	return result, nil
}

func (f *fakeScorer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.calls)
}

type recordingStager struct {
	mu     sync.Mutex
	staged []string
}

func (s *recordingStager) Stage(_ context.Context, paths []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.staged = append(s.staged, paths...)

	return nil
}

type harness struct {
	orchestrator *Orchestrator
	store        *store.Store
	meta         *fakeMetadata
	fetcher      *fakeFetcher
	scorer       *fakeScorer
	stager       *recordingStager
	categories   *fakeCategories
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store: store.New(testLogger(), t.TempDir(), 2023,
			aligned.NewTable(products, []string{"grid", "flexbox"}), nil),
		meta: &fakeMetadata{
			head: "meta-1",
			revisions: map[string]interop.TestsByCategory{
				"meta-1": {"grid": {"/grid/a.html"}, "flexbox": {"/flex/a.html"}},
				"meta-2": {"grid": {"/grid/a.html", "/grid/b.html"}, "flexbox": {"/flex/a.html"}},

				// Same mapping as meta-1 at a newer metadata commit.
				"meta-1b": {"grid": {"/grid/a.html"}, "flexbox": {"/flex/a.html"}},
			},
		},
		fetcher:    &fakeFetcher{},
		scorer:     &fakeScorer{missing: map[int64]bool{}},
		stager:     &recordingStager{},
		categories: &fakeCategories{},
	}

	h.orchestrator = NewOrchestrator(
		testLogger(),
		Config{
			Dataset:     interop.Dataset{Year: 2023, Products: products},
			Concurrency: 2,
		},
		h.categories, h.meta, h.fetcher, h.scorer, h.store, h.stager,
	)

	return h
}

func run(id int64, browser, revision string, day, hour int) runs.Run {
	start := time.Date(2023, time.January, day, hour, 0, 0, 0, time.UTC)

	return runs.Run{
		ID:               id,
		BrowserName:      browser,
		BrowserVersion:   browser + "-v",
		FullRevisionHash: revision,
		Revision:         revision,
		TimeStart:        start,
		TimeEnd:          start.Add(time.Hour),
		CreatedAt:        start.Add(time.Hour),
	}
}

// alignedRevision returns one run per product for revision.
func alignedRevision(base int64, revision string, day int) []runs.Run {
	return []runs.Run{
		run(base, "chrome", revision, day, 1),
		run(base+1, "firefox", revision, day, 2),
		run(base+2, "safari", revision, day, 3),
	}
}

func snapshotRevisions(t *testing.T, s *store.Store) []string {
	t.Helper()

	snap, err := s.LoadSnapshot("stable")
	require.NoError(t, err)
	require.NotNil(t, snap)

	out := make([]string, 0, snap.Len())
	for _, row := range snap.Rows() {
		out = append(out, row.Revision)
	}

	return out
}

func readFiles(t *testing.T, root string) map[string]string {
	t.Helper()

	files := map[string]string{}

	require.NoError(t, filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		files[path] = string(data)

		return nil
	}))

	return files
}

func TestUpdateChannel_FirstCycle(t *testing.T) {
	h := newHarness(t)

	partial := []runs.Run{
		run(20, "chrome", "rev-b", 2, 1),
		run(21, "firefox", "rev-b", 2, 2),
	}
	h.fetcher.set(append(alignedRevision(10, "rev-a", 1), partial...)...)

	report, err := h.orchestrator.UpdateChannel(context.Background(), "stable")
	require.NoError(t, err)

	assert.Equal(t, StateDone, report.State)
	assert.Equal(t, 5, report.NewRuns)
	assert.Equal(t, 5, report.ScoredRuns)
	assert.True(t, report.Recomputed)
	assert.Equal(t, 1, report.AlignedRows)
	assert.Equal(t, 1, report.HistoricAdded)
	assert.Equal(t, "meta-1", report.MetadataRevision)
	assert.NotEmpty(t, report.ID)

	// A revision with runs from only two of three products is never
	// aligned.
	assert.Equal(t, []string{"rev-a"}, snapshotRevisions(t, h.store))

	ledger, err := h.store.LoadLedger("stable")
	require.NoError(t, err)
	assert.True(t, ledger.HasRevision("rev-a"))
	assert.False(t, ledger.HasRevision("rev-b"))
	assert.Equal(t, "meta-1", ledger.Rows()[0].MetadataRevision)

	known, err := h.store.KnownRuns("stable")
	require.NoError(t, err)
	assert.True(t, known.Has("rev-b"), "partial revisions are still recorded as known")

	snap, err := h.store.LoadSnapshot("stable")
	require.NoError(t, err)

	row := snap.Rows()[0]
	assert.Equal(t, map[string]string{"chrome": "chrome-v", "firefox": "firefox-v", "safari": "safari-v"}, row.Versions)
	assert.Equal(t, []int{101, 111, 121}, row.Scores["grid"])
	assert.Equal(t, 101, row.InteropScores["grid"])
	assert.True(t, time.Date(2023, time.January, 1, 1, 0, 0, 0, time.UTC).Equal(row.Date))

	assert.ElementsMatch(t, report.WrittenPaths, h.stager.staged)
	assert.Contains(t, h.stager.staged, h.store.SnapshotPath("stable"))
	assert.Contains(t, h.stager.staged, h.store.DailyPath("stable"))
	assert.Contains(t, h.stager.staged, h.store.SnapshotMetadataPath("stable"))
	assert.Contains(t, h.stager.staged, h.store.HistoricPath("stable"))
}

func TestUpdateChannel_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.fetcher.set(alignedRevision(10, "rev-a", 1)...)

	_, err := h.orchestrator.UpdateChannel(context.Background(), "stable")
	require.NoError(t, err)

	before := readFiles(t, h.store.Root())
	calls := h.scorer.callCount()

	report, err := h.orchestrator.UpdateChannel(context.Background(), "stable")
	require.NoError(t, err)

	assert.Equal(t, StateIdle, report.State)
	assert.Zero(t, report.NewRuns)
	assert.Empty(t, report.WrittenPaths)
	assert.Equal(t, calls, h.scorer.callCount(), "no scoring without new runs")
	assert.Equal(t, before, readFiles(t, h.store.Root()))
}

func TestUpdateChannel_DeltaOnlyWhenMetadataUnchanged(t *testing.T) {
	h := newHarness(t)
	first := alignedRevision(10, "rev-a", 1)
	h.fetcher.set(first...)

	_, err := h.orchestrator.UpdateChannel(context.Background(), "stable")
	require.NoError(t, err)

	// The metadata repository moved on without changing any category.
	h.meta.head = "meta-1b"
	h.fetcher.set(append(first, alignedRevision(30, "rev-c", 3)...)...)
	h.scorer.calls = nil

	report, err := h.orchestrator.UpdateChannel(context.Background(), "stable")
	require.NoError(t, err)

	assert.False(t, report.Recomputed)
	assert.Equal(t, 1, report.AlignedRows)
	assert.Equal(t, []string{"rev-a", "rev-c"}, snapshotRevisions(t, h.store))

	// One call for the new runs and one for the aligned row of rev-c.
	assert.Equal(t, [][]int64{{30, 31, 32}, {30, 31, 32}}, h.scorer.calls)

	snap, err := h.store.LoadSnapshot("stable")
	require.NoError(t, err)
	assert.Equal(t, "meta-1", snap.MetadataRevision)

	ledger, err := h.store.LoadLedger("stable")
	require.NoError(t, err)
	require.Equal(t, 2, ledger.Len())
	assert.Equal(t, "meta-1", ledger.Rows()[1].MetadataRevision)
}

func TestUpdateChannel_RecomputeWhenMetadataChanged(t *testing.T) {
	h := newHarness(t)
	first := alignedRevision(10, "rev-a", 1)
	h.fetcher.set(first...)

	_, err := h.orchestrator.UpdateChannel(context.Background(), "stable")
	require.NoError(t, err)

	h.meta.head = "meta-2"
	h.fetcher.set(append(first, alignedRevision(30, "rev-c", 3)...)...)

	report, err := h.orchestrator.UpdateChannel(context.Background(), "stable")
	require.NoError(t, err)

	assert.True(t, report.Recomputed)
	assert.Equal(t, 2, report.AlignedRows)
	assert.Equal(t, []string{"rev-a", "rev-c"}, snapshotRevisions(t, h.store))

	snap, err := h.store.LoadSnapshot("stable")
	require.NoError(t, err)
	assert.Equal(t, "meta-2", snap.MetadataRevision)

	// rev-a was rescored with two grid tests.
	assert.Equal(t, []int{102, 112, 122}, snap.Rows()[0].Scores["grid"])

	// The ledger keeps the provenance and scores rev-a was first recorded
	// with.
	ledger, err := h.store.LoadLedger("stable")
	require.NoError(t, err)
	require.Equal(t, 2, ledger.Len())
	assert.Equal(t, "rev-a", ledger.Rows()[0].Revision)
	assert.Equal(t, "meta-1", ledger.Rows()[0].MetadataRevision)
	assert.Equal(t, []int{101, 111, 121}, ledger.Rows()[0].Scores["grid"])
	assert.Equal(t, "meta-2", ledger.Rows()[1].MetadataRevision)
}

func TestUpdateChannel_UnknownSnapshotRevisionRecomputes(t *testing.T) {
	h := newHarness(t)
	first := alignedRevision(10, "rev-a", 1)
	h.fetcher.set(first...)

	_, err := h.orchestrator.UpdateChannel(context.Background(), "stable")
	require.NoError(t, err)

	delete(h.meta.revisions, "meta-1")
	h.meta.head = "meta-1b"
	h.fetcher.set(append(first, alignedRevision(30, "rev-c", 3)...)...)

	report, err := h.orchestrator.UpdateChannel(context.Background(), "stable")
	require.NoError(t, err)
	assert.True(t, report.Recomputed)
}

func TestUpdateChannel_TransientReferenceSkipsRevision(t *testing.T) {
	h := newHarness(t)
	h.fetcher.set(append(alignedRevision(10, "rev-a", 1), alignedRevision(30, "rev-c", 3)...)...)
	h.scorer.missing[31] = true

	report, err := h.orchestrator.UpdateChannel(context.Background(), "stable")
	require.NoError(t, err)

	assert.Equal(t, StateDone, report.State)
	assert.Equal(t, []string{"rev-c"}, report.Skipped)
	assert.Equal(t, []string{"2023-01-03"}, report.PendingDays)
	assert.Contains(t, h.stager.staged, h.store.PendingPath("stable"))
	assert.Equal(t, []string{"rev-a"}, snapshotRevisions(t, h.store))

	pending, err := h.store.PendingDays("stable")
	require.NoError(t, err)
	assert.Equal(t, []string{"2023-01-03"}, pending)

	known, err := h.store.KnownRuns("stable")
	require.NoError(t, err)
	assert.False(t, known.Has("rev-c"), "skipped revisions stay pending")

	// The results appear; the next cycle picks the revision up.
	h.scorer.missing = map[int64]bool{}

	report, err = h.orchestrator.UpdateChannel(context.Background(), "stable")
	require.NoError(t, err)

	assert.Equal(t, 3, report.NewRuns)
	assert.Empty(t, report.Skipped)
	assert.Empty(t, report.PendingDays)
	assert.Equal(t, []string{"rev-a", "rev-c"}, snapshotRevisions(t, h.store))

	pending, err = h.store.PendingDays("stable")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// runService answers run queries by the requested day and counts the
// requests per day.
type runService struct {
	mu       sync.Mutex
	byDay    map[string][]runs.Run
	requests map[string]int
}

func (s *runService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	day := r.URL.Query().Get("from")

	s.mu.Lock()
	s.requests[day]++
	dayRuns := s.byDay[day]
	s.mu.Unlock()

	if dayRuns == nil {
		dayRuns = []runs.Run{}
	}

	_ = json.NewEncoder(w).Encode(dayRuns)
}

func (s *runService) requestCount(day string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.requests[day]
}

func TestUpdateChannel_DeferredRevisionOnSettledDayIsRetried(t *testing.T) {
	h := newHarness(t)

	// A settled day of last year, served from the known runs unless it
	// holds a deferred revision.
	year := time.Now().UTC().Year() - 1
	settled := time.Date(year, time.January, 5, 0, 0, 0, 0, time.UTC)
	key := settled.Format(runs.DayFormat)

	var dayRuns []runs.Run

	for i, rev := range []string{"rev-a", "rev-c"} {
		base := int64(10 + 20*i)

		for j, browser := range products {
			r := run(base+int64(j), browser, rev, 1, 0)
			r.TimeStart = settled.Add(time.Duration(1+3*i+j) * time.Hour)
			r.TimeEnd = r.TimeStart.Add(time.Hour)
			dayRuns = append(dayRuns, r)
		}
	}

	svc := &runService{byDay: map[string][]runs.Run{key: dayRuns}, requests: map[string]int{}}
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)

	o := NewOrchestrator(
		testLogger(),
		Config{
			Dataset:     interop.Dataset{Year: year, Products: products},
			Concurrency: 2,
		},
		h.categories, h.meta, runs.NewHTTPFetcher(testLogger(), srv.URL, 1e6), h.scorer, h.store, h.stager,
	)

	h.scorer.missing[31] = true

	report, err := o.UpdateChannel(context.Background(), "stable")
	require.NoError(t, err)
	assert.Equal(t, 6, report.NewRuns)
	assert.Equal(t, []string{"rev-c"}, report.Skipped)
	assert.Equal(t, []string{key}, report.PendingDays)
	assert.Equal(t, 1, svc.requestCount(key))

	h.scorer.missing = map[int64]bool{}

	report, err = o.UpdateChannel(context.Background(), "stable")
	require.NoError(t, err)
	assert.Equal(t, StateDone, report.State)
	assert.Equal(t, 3, report.NewRuns)
	assert.Empty(t, report.Skipped)
	assert.Equal(t, 2, svc.requestCount(key), "the pending day is fetched again")

	known, err := h.store.KnownRuns("stable")
	require.NoError(t, err)
	assert.True(t, known.Has("rev-c"))
	assert.Equal(t, []string{"rev-a", "rev-c"}, snapshotRevisions(t, h.store))

	// Nothing is pending any more; the day is served from the known runs.
	report, err = o.UpdateChannel(context.Background(), "stable")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, report.State)
	assert.Equal(t, 2, svc.requestCount(key))
}

func TestUpdateChannel_ScoringFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.fetcher.set(alignedRevision(10, "rev-a", 1)...)
	h.scorer.failWith = errors.New("engine exploded")

	report, err := h.orchestrator.UpdateChannel(context.Background(), "stable")
	require.Error(t, err)

	assert.Equal(t, StateFailed, report.State)

	snap, err := h.store.LoadSnapshot("stable")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestUpdateChannel_ConfigurationErrorBeforeIO(t *testing.T) {
	h := newHarness(t)
	h.categories.err = &interop.ConfigurationError{Year: 1999, Err: interop.ErrUnknownYear}

	report, err := h.orchestrator.UpdateChannel(context.Background(), "stable")
	require.Error(t, err)

	assert.ErrorIs(t, err, interop.ErrUnknownYear)
	assert.Equal(t, StateFailed, report.State)
	assert.Zero(t, h.fetcher.calls)
}

func TestUpdateChannel_SchemaErrorIsFatal(t *testing.T) {
	h := newHarness(t)
	first := alignedRevision(10, "rev-a", 1)
	h.fetcher.set(first...)

	_, err := h.orchestrator.UpdateChannel(context.Background(), "stable")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(h.store.SnapshotPath("stable"), []byte("date,revision\n"), 0o644))
	h.fetcher.set(append(first, alignedRevision(30, "rev-c", 3)...)...)

	report, err := h.orchestrator.UpdateChannel(context.Background(), "stable")
	require.Error(t, err)
	assert.Equal(t, StateFailed, report.State)
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, canTransition(StateIdle, StateFetching))
	assert.True(t, canTransition(StateFetching, StateIdle))
	assert.True(t, canTransition(StateFetching, StateScoring))
	assert.True(t, canTransition(StatePersisting, StateDone))
	assert.True(t, canTransition(StateAligning, StateFailed))
	assert.False(t, canTransition(StateIdle, StateScoring))
	assert.False(t, canTransition(StateDone, StateFailed))
	assert.Equal(t, "PERSISTING", StatePersisting.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}
