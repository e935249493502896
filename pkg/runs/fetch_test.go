package runs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/interopscore/pkg/config"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

type runService struct {
	mu       sync.Mutex
	requests []string
	byDay    map[string][]Run
}

func (s *runService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.URL.Query().Get("from"))
	s.mu.Unlock()

	if r.URL.Path != "/api/runs" {
		http.NotFound(w, r)

		return
	}

	q := r.URL.Query()
	if q.Get("aligned") != "" || len(q["label"]) != 2 || q["label"][0] != "master" {
		http.Error(w, "bad query", http.StatusBadRequest)

		return
	}

	runs := s.byDay[q.Get("from")]
	if runs == nil {
		runs = []Run{}
	}

	_ = json.NewEncoder(w).Encode(runs)
}

func newFetcher(t *testing.T, svc http.Handler, now time.Time) *HTTPFetcher {
	t.Helper()

	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)

	f := NewHTTPFetcher(testLogger(), srv.URL, 1000)
	f.now = func() time.Time { return now }

	return f
}

func TestHTTPFetcher_FetchRuns(t *testing.T) {
	svc := &runService{byDay: map[string][]Run{
		"2023-01-01": {mkRun(1, "chrome", "rev-a", day(1, 3)), mkRun(2, "firefox", "rev-a", day(1, 4))},
		"2023-01-02": {mkRun(3, "safari", "rev-a", day(2, 1)), mkRun(4, "chrome", "rev-b", day(2, 5))},
	}}

	now := time.Date(2023, time.January, 3, 12, 0, 0, 0, time.UTC)
	f := newFetcher(t, svc, now)

	got, err := f.FetchRuns(context.Background(), FetchOptions{
		Products: []string{"chrome", "firefox", "safari"},
		Channel:  "experimental",
	})
	require.NoError(t, err)

	// Today is not fetched.
	assert.Equal(t, []string{"2023-01-01", "2023-01-02"}, svc.requests)

	require.Equal(t, 2, got.Len())

	revA, ok := got.Get("rev-a")
	require.True(t, ok)
	assert.Len(t, revA.Runs, 3)
	assert.True(t, revA.IsAligned([]string{"chrome", "firefox", "safari"}))
}

func TestHTTPFetcher_UsesCacheForSettledDays(t *testing.T) {
	svc := &runService{byDay: map[string][]Run{
		"2023-01-09": {mkRun(9, "chrome", "rev-new", day(9, 1))},
	}}

	now := time.Date(2023, time.January, 10, 12, 0, 0, 0, time.UTC)
	f := newFetcher(t, svc, now)

	known := GroupByRevision([]Run{
		mkRun(1, "chrome", "rev-a", day(1, 3)),
		mkRun(8, "chrome", "rev-recent", day(8, 3)),
	})

	got, err := f.FetchRuns(context.Background(), FetchOptions{
		Products: []string{"chrome"},
		Channel:  "stable",
		From:     day(1, 0),
		Cache:    NewSeededCache(known),
	})
	require.NoError(t, err)

	// Day 1 is settled and cached; days 8 and 9 are within the settle
	// window and refetched; the remaining days have no cache entry.
	assert.NotContains(t, svc.requests, "2023-01-01")
	assert.Contains(t, svc.requests, "2023-01-02")
	assert.Contains(t, svc.requests, "2023-01-08")
	assert.Contains(t, svc.requests, "2023-01-09")

	assert.True(t, got.Has("rev-a"))
	assert.True(t, got.Has("rev-new"))
	// The run service no longer reports rev-recent for day 8.
	assert.False(t, got.Has("rev-recent"))
}

func TestHTTPFetcher_RefetchesEvictedSettledDay(t *testing.T) {
	svc := &runService{byDay: map[string][]Run{
		"2023-01-01": {mkRun(1, "chrome", "rev-a", day(1, 3)), mkRun(2, "chrome", "rev-late", day(1, 9))},
	}}

	f := newFetcher(t, svc, time.Date(2023, time.January, 10, 12, 0, 0, 0, time.UTC))

	cache := NewSeededCache(GroupByRevision([]Run{mkRun(1, "chrome", "rev-a", day(1, 3))}))
	opts := FetchOptions{
		Products: []string{"chrome"},
		Channel:  "stable",
		From:     day(1, 0),
		To:       day(2, 0),
		Cache:    cache,
	}

	got, err := f.FetchRuns(context.Background(), opts)
	require.NoError(t, err)
	assert.Empty(t, svc.requests)
	assert.False(t, got.Has("rev-late"))

	cache.Evict("2023-01-01")

	got, err = f.FetchRuns(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"2023-01-01"}, svc.requests)
	assert.True(t, got.Has("rev-late"))
}

func TestHTTPFetcher_ErrorStatus(t *testing.T) {
	f := newFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}), time.Date(2023, time.January, 2, 0, 0, 0, 0, time.UTC))

	_, err := f.FetchRuns(context.Background(), FetchOptions{Channel: "stable"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 500")
}

func TestHTTPFetcher_Cancelled(t *testing.T) {
	f := newFetcher(t, &runService{}, time.Date(2023, time.February, 1, 0, 0, 0, 0, time.UTC))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.FetchRuns(ctx, FetchOptions{Channel: "stable"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCacheScope(t *testing.T) {
	assert.Equal(t,
		"products:chrome-firefox-channel:stable-aligned:true-max_per_day:0",
		CacheScope([]string{"chrome", "firefox"}, "stable", true, 0))
}

func TestDBCache(t *testing.T) {
	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: filepath.Join(t.TempDir(), "cache.db")},
	}

	ctx := context.Background()

	c := NewDBCache(testLogger(), cfg, "scope-a")
	require.NoError(t, c.Start(ctx))

	t.Cleanup(func() { _ = c.Stop() })

	_, ok, err := c.Get(ctx, "2023-01-01")
	require.NoError(t, err)
	assert.False(t, ok)

	runs := []Run{mkRun(1, "chrome", "rev-a", day(1, 1))}
	require.NoError(t, c.Put(ctx, "2023-01-01", runs))

	got, ok, err := c.Get(ctx, "2023-01-01")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].ID)

	// Upsert replaces the day.
	require.NoError(t, c.Put(ctx, "2023-01-01", nil))

	got, ok, err = c.Get(ctx, "2023-01-01")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, got)

	// Scopes are isolated.
	other := NewDBCache(testLogger(), cfg, "scope-b")
	require.NoError(t, other.Start(ctx))

	t.Cleanup(func() { _ = other.Stop() })

	_, ok, err = other.Get(ctx, "2023-01-01")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDBCache_UnsupportedDriver(t *testing.T) {
	c := NewDBCache(testLogger(), &config.DatabaseConfig{Driver: "mysql"}, "s")
	assert.Error(t, c.Start(context.Background()))
}
