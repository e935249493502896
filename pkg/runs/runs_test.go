package runs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkRun(id int64, browser, revision string, start time.Time) Run {
	return Run{
		ID:               id,
		BrowserName:      browser,
		BrowserVersion:   browser + "-1.0",
		Revision:         revision[:min(10, len(revision))],
		FullRevisionHash: revision,
		TimeStart:        start,
		TimeEnd:          start.Add(time.Hour),
		CreatedAt:        start.Add(2 * time.Hour),
	}
}

func day(d, h int) time.Time {
	return time.Date(2023, time.January, d, h, 0, 0, 0, time.UTC)
}

func TestRunsByRevision_OrderAndLookup(t *testing.T) {
	rbr := GroupByRevision([]Run{
		mkRun(3, "chrome", "rev-b", day(2, 9)),
		mkRun(1, "chrome", "rev-a", day(1, 10)),
		mkRun(2, "firefox", "rev-a", day(1, 8)),
	})

	require.Equal(t, 2, rbr.Len())
	assert.Equal(t, "rev-a", rbr.Items()[0].Revision)
	assert.Equal(t, "rev-b", rbr.Items()[1].Revision)

	rr, ok := rbr.Get("rev-a")
	require.True(t, ok)
	assert.Equal(t, day(1, 8), rr.MinStartTime())
	assert.ElementsMatch(t, []int64{1, 2}, rr.RunIDs())
	assert.True(t, rr.Contains(2))
	assert.False(t, rr.Contains(3))

	assert.True(t, rbr.Has("rev-b"))
	assert.False(t, rbr.Has("rev-c"))

	filtered := rbr.FilterByRevisions(map[string]struct{}{"rev-b": {}})
	require.Equal(t, 1, filtered.Len())
	assert.Equal(t, "rev-b", filtered.Items()[0].Revision)
}

func TestRevisionRuns_IsAligned(t *testing.T) {
	products := []string{"chrome", "firefox", "safari"}

	partial := &RevisionRuns{Revision: "r", Runs: []Run{
		mkRun(1, "chrome", "r", day(1, 1)),
		mkRun(2, "firefox", "r", day(1, 1)),
	}}
	assert.False(t, partial.IsAligned(products))

	full := &RevisionRuns{Revision: "r", Runs: append(partial.Runs, mkRun(3, "safari", "r", day(1, 2)))}
	assert.True(t, full.IsAligned(products))

	extra := &RevisionRuns{Revision: "r", Runs: append(full.Runs, mkRun(4, "edge", "r", day(1, 2)))}
	assert.False(t, extra.IsAligned(products))

	dup := &RevisionRuns{Revision: "r", Runs: append(full.Runs, mkRun(5, "chrome", "r", day(1, 5)))}
	assert.True(t, dup.IsAligned(products))
	assert.Equal(t, int64(5), dup.ByProduct()["chrome"].ID)
}

func TestDiff(t *testing.T) {
	known := GroupByRevision([]Run{
		mkRun(1, "chrome", "rev-a", day(1, 1)),
		mkRun(2, "firefox", "rev-a", day(1, 1)),
		mkRun(3, "chrome", "rev-b", day(2, 1)),
	})

	fresh := GroupByRevision([]Run{
		mkRun(1, "chrome", "rev-a", day(1, 1)),
		mkRun(2, "firefox", "rev-a", day(1, 1)),
		mkRun(3, "chrome", "rev-b", day(2, 1)),
		mkRun(4, "safari", "rev-b", day(2, 2)),
		mkRun(5, "chrome", "rev-c", day(3, 1)),
		mkRun(6, "firefox", "rev-c", day(3, 1)),
	})

	diff := Diff(known, fresh)

	require.Len(t, diff, 2)
	assert.NotContains(t, diff, "rev-a")
	require.Len(t, diff["rev-b"], 1)
	assert.Equal(t, int64(4), diff["rev-b"][0].ID)
	assert.ElementsMatch(t, []int64{5, 6}, []int64{diff["rev-c"][0].ID, diff["rev-c"][1].ID})

	assert.Equal(t, map[string]struct{}{"rev-b": {}, "rev-c": {}}, Revisions(diff))
}

func TestDiff_Empty(t *testing.T) {
	known := GroupByRevision([]Run{mkRun(1, "chrome", "rev-a", day(1, 1))})

	assert.Empty(t, Diff(known, known))
	assert.Empty(t, Diff(known, GroupByRevision(nil)))

	all := Diff(GroupByRevision(nil), known)
	require.Len(t, all, 1)
	assert.Len(t, all["rev-a"], 1)
}

func TestDiff_ExactlyUnknownIDs(t *testing.T) {
	// Every run in fresh absent by id from the same revision in known
	// must be reported, and nothing else.
	var knownRuns, freshRuns []Run

	for i := int64(1); i <= 30; i++ {
		rev := []string{"r1", "r2", "r3"}[i%3]
		run := mkRun(i, []string{"chrome", "firefox", "safari"}[i%3], rev, day(int(i%5)+1, 1))

		freshRuns = append(freshRuns, run)
		if i%4 != 0 {
			knownRuns = append(knownRuns, run)
		}
	}

	diff := Diff(GroupByRevision(knownRuns), GroupByRevision(freshRuns))

	var got []int64
	for _, added := range diff {
		require.NotEmpty(t, added)

		for _, run := range added {
			got = append(got, run.ID)
		}
	}

	assert.ElementsMatch(t, []int64{4, 8, 12, 16, 20, 24, 28}, got)
}

func TestRun_Day(t *testing.T) {
	east := time.FixedZone("UTC+9", 9*60*60)

	assert.Equal(t, "2023-01-01", mkRun(1, "chrome", "rev-a", day(1, 23)).Day())
	assert.Equal(t, "2023-01-01", mkRun(2, "chrome", "rev-a", time.Date(2023, time.January, 2, 5, 0, 0, 0, east)).Day())
}

func TestSeededCache_Evict(t *testing.T) {
	ctx := context.Background()
	cache := NewSeededCache(GroupByRevision([]Run{
		mkRun(1, "chrome", "rev-a", day(1, 1)),
		mkRun(2, "chrome", "rev-b", day(1, 20)),
		mkRun(3, "chrome", "rev-c", day(2, 1)),
	}))

	got, ok, err := cache.Get(ctx, "2023-01-01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, got, 2)

	cache.Evict("2023-01-01", "2023-01-05")

	_, ok, err = cache.Get(ctx, "2023-01-01")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = cache.Get(ctx, "2023-01-02")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRun_JSONShape(t *testing.T) {
	raw := `{
		"id": 5712345,
		"browser_name": "firefox",
		"browser_version": "111.0a1",
		"os_name": "linux",
		"os_version": "20.04",
		"revision": "0123456789",
		"full_revision_hash": "0123456789abcdef0123456789abcdef01234567",
		"results_url": "https://example.test/results.json.gz",
		"created_at": "2023-01-03T04:05:06.123Z",
		"time_start": "2023-01-03T01:00:00Z",
		"time_end": "2023-01-03T03:00:00Z",
		"raw_results_url": "https://example.test/raw.json",
		"labels": ["master", "experimental"]
	}`

	var run Run
	require.NoError(t, json.Unmarshal([]byte(raw), &run))

	assert.Equal(t, int64(5712345), run.ID)
	assert.Equal(t, "firefox", run.BrowserName)
	assert.Equal(t, "0123456789abcdef0123456789abcdef01234567", run.FullRevisionHash)
	assert.Equal(t, time.Date(2023, 1, 3, 1, 0, 0, 0, time.UTC), run.TimeStart.UTC())
	assert.Equal(t, []string{"master", "experimental"}, run.Labels)
}
