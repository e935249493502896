package runs

import (
	"sort"
	"time"
)

// DayFormat is the layout used for day keys and daily dates.
const DayFormat = "2006-01-02"

// Run is one product's test run against a revision, as reported by the
// run service. Runs are never mutated once created.
type Run struct {
	ID               int64     `json:"id"`
	BrowserName      string    `json:"browser_name"`
	BrowserVersion   string    `json:"browser_version"`
	OSName           string    `json:"os_name"`
	OSVersion        string    `json:"os_version"`
	Revision         string    `json:"revision"`
	FullRevisionHash string    `json:"full_revision_hash"`
	ResultsURL       string    `json:"results_url"`
	CreatedAt        time.Time `json:"created_at"`
	TimeStart        time.Time `json:"time_start"`
	TimeEnd          time.Time `json:"time_end"`
	RawResultsURL    string    `json:"raw_results_url"`
	Labels           []string  `json:"labels"`
}

// Day returns the UTC day (YYYY-MM-DD) the run started, matching the
// day queries of the run service.
func (r Run) Day() string {
	return r.TimeStart.UTC().Format(DayFormat)
}

// RevisionRuns holds every run observed for a single revision.
type RevisionRuns struct {
	Revision string
	Runs     []Run
}

// MinStartTime returns the earliest start time among the runs.
func (r *RevisionRuns) MinStartTime() time.Time {
	var minTime time.Time

	for i, run := range r.Runs {
		if i == 0 || run.TimeStart.Before(minTime) {
			minTime = run.TimeStart
		}
	}

	return minTime
}

// RunIDs returns the ids of the runs in stored order.
func (r *RevisionRuns) RunIDs() []int64 {
	ids := make([]int64, len(r.Runs))
	for i, run := range r.Runs {
		ids[i] = run.ID
	}

	return ids
}

// Contains reports whether a run with id is present.
func (r *RevisionRuns) Contains(id int64) bool {
	for _, run := range r.Runs {
		if run.ID == id {
			return true
		}
	}

	return false
}

// IsAligned reports whether the set of browsers with runs is exactly the
// given product set.
func (r *RevisionRuns) IsAligned(products []string) bool {
	browsers := make(map[string]struct{}, len(r.Runs))
	for _, run := range r.Runs {
		browsers[run.BrowserName] = struct{}{}
	}

	if len(browsers) != len(products) {
		return false
	}

	for _, product := range products {
		if _, ok := browsers[product]; !ok {
			return false
		}
	}

	return true
}

// ByProduct returns the run to score for each product. When a product
// has several runs for the revision, the latest started one wins.
func (r *RevisionRuns) ByProduct() map[string]Run {
	out := make(map[string]Run, len(r.Runs))

	for _, run := range r.Runs {
		existing, ok := out[run.BrowserName]
		if !ok || run.TimeStart.After(existing.TimeStart) {
			out[run.BrowserName] = run
		}
	}

	return out
}

// RunsByRevision is a set of RevisionRuns keyed by revision and iterated
// in ascending order of minimum start time.
type RunsByRevision struct {
	items []*RevisionRuns
	index map[string]*RevisionRuns
}

// NewRunsByRevision builds the collection, merging entries that share a
// revision.
func NewRunsByRevision(items []*RevisionRuns) *RunsByRevision {
	rbr := &RunsByRevision{
		items: make([]*RevisionRuns, 0, len(items)),
		index: make(map[string]*RevisionRuns, len(items)),
	}

	for _, item := range items {
		if existing, ok := rbr.index[item.Revision]; ok {
			existing.Runs = append(existing.Runs, item.Runs...)

			continue
		}

		copied := &RevisionRuns{Revision: item.Revision, Runs: append([]Run(nil), item.Runs...)}
		rbr.items = append(rbr.items, copied)
		rbr.index[item.Revision] = copied
	}

	sort.SliceStable(rbr.items, func(i, j int) bool {
		return rbr.items[i].MinStartTime().Before(rbr.items[j].MinStartTime())
	})

	return rbr
}

// GroupByRevision groups flat runs by full revision hash.
func GroupByRevision(runs []Run) *RunsByRevision {
	items := make([]*RevisionRuns, 0, len(runs))
	for _, run := range runs {
		items = append(items, &RevisionRuns{Revision: run.FullRevisionHash, Runs: []Run{run}})
	}

	return NewRunsByRevision(items)
}

// Items returns the revisions in date order.
func (r *RunsByRevision) Items() []*RevisionRuns {
	return r.items
}

// Len returns the number of revisions.
func (r *RunsByRevision) Len() int {
	return len(r.items)
}

// Has reports whether revision is present.
func (r *RunsByRevision) Has(revision string) bool {
	_, ok := r.index[revision]

	return ok
}

// Get returns the runs for revision.
func (r *RunsByRevision) Get(revision string) (*RevisionRuns, bool) {
	rr, ok := r.index[revision]

	return rr, ok
}

// FilterByRevisions returns the subset of revisions present in keep,
// preserving date order.
func (r *RunsByRevision) FilterByRevisions(keep map[string]struct{}) *RunsByRevision {
	items := make([]*RevisionRuns, 0, len(keep))
	for _, item := range r.items {
		if _, ok := keep[item.Revision]; ok {
			items = append(items, item)
		}
	}

	return NewRunsByRevision(items)
}

// AllRuns returns every run in revision date order.
func (r *RunsByRevision) AllRuns() []Run {
	var out []Run
	for _, item := range r.items {
		out = append(out, item.Runs...)
	}

	return out
}
