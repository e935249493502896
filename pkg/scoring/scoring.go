// Package scoring computes per-category interop scores for wpt runs from
// the results-analysis-cache repository.
package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/interopscore/pkg/interop"
	"github.com/ethpandaops/interopscore/pkg/vcs"
)

// ScoreScale is the value of a fully passing category.
const ScoreScale = 1000

// ErrReferenceNotFound matches a ReferenceError. The results of a run
// that is not yet materialized in the cache can appear later, so callers
// treat it as transient.
var ErrReferenceNotFound = errors.New("run results reference not found")

// ReferenceError reports a run whose results are missing from the cache.
type ReferenceError struct {
	RunID int64
	Ref   string
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("run %d: %s: %s", e.RunID, e.Ref, ErrReferenceNotFound)
}

// Is matches ErrReferenceNotFound.
func (e *ReferenceError) Is(target error) bool {
	return target == ErrReferenceNotFound
}

// Result holds the scores of one scoring call.
type Result struct {
	// Scores maps category to per-run scores in requested run order.
	Scores map[string][]int
	// Interop maps category to the score of tests passing in every run.
	Interop map[string]int
}

// Scorer computes category scores for a set of runs.
type Scorer interface {
	ScoreRuns(ctx context.Context, runIDs []int64, tests interop.TestsByCategory, excluded map[string]struct{}) (*Result, error)
}

// ResultsTree is the subset of a git repository read by the scorer.
type ResultsTree interface {
	RefExists(ctx context.Context, ref string) (bool, error)
	ListTree(ctx context.Context, rev string) ([]vcs.TreeEntry, error)
	ReadBlobs(ctx context.Context, hashes []string) (map[string][]byte, error)
}

// Compile-time interface checks.
var (
	_ Scorer      = (*ResultsCacheScorer)(nil)
	_ ResultsTree = (*vcs.Git)(nil)
)

// RunRef returns the tag holding the results of a run.
func RunRef(runID int64) string {
	return fmt.Sprintf("refs/tags/run/%d/results", runID)
}

// ResultPath returns the path of a test's results file in a run tree.
func ResultPath(test string) string {
	return strings.TrimPrefix(test, "/") + ".json"
}

// TestResult is the stored outcome of one test in one run.
type TestResult struct {
	Status   string          `json:"status"`
	Subtests []SubtestResult `json:"subtests"`
}

// SubtestResult is the outcome of one subtest.
type SubtestResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Fraction returns the passing share of the test in [0, 1]. Tests
// without subtests pass as a whole.
func (r TestResult) Fraction() float64 {
	if len(r.Subtests) == 0 {
		if r.Status == "PASS" {
			return 1
		}

		return 0
	}

	passed := 0

	for _, st := range r.Subtests {
		if st.Status == "PASS" {
			passed++
		}
	}

	return float64(passed) / float64(len(r.Subtests))
}

// ResultsCacheScorer reads run results from a results-analysis-cache
// repository, where each run is a tag pointing at a tree of per-test
// results files.
type ResultsCacheScorer struct {
	log  logrus.FieldLogger
	tree ResultsTree
}

// NewResultsCacheScorer creates a scorer reading from tree.
func NewResultsCacheScorer(log logrus.FieldLogger, tree ResultsTree) *ResultsCacheScorer {
	return &ResultsCacheScorer{
		log:  log.WithField("component", "scorer"),
		tree: tree,
	}
}

// ScoreRuns implements Scorer. Missing test results count as failing.
func (s *ResultsCacheScorer) ScoreRuns(
	ctx context.Context,
	runIDs []int64,
	tests interop.TestsByCategory,
	excluded map[string]struct{},
) (*Result, error) {
	wanted := make(map[string]struct{})

	for _, category := range tests {
		for _, test := range category {
			if _, skip := excluded[test]; !skip {
				wanted[test] = struct{}{}
			}
		}
	}

	fractions := make([]map[string]float64, len(runIDs))

	for i, runID := range runIDs {
		f, err := s.runFractions(ctx, runID, wanted)
		if err != nil {
			return nil, err
		}

		fractions[i] = f
	}

	return Score(fractions, tests, excluded), nil
}

func (s *ResultsCacheScorer) runFractions(ctx context.Context, runID int64, wanted map[string]struct{}) (map[string]float64, error) {
	ref := RunRef(runID)

	exists, err := s.tree.RefExists(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("checking results of run %d: %w", runID, err)
	}

	if !exists {
		return nil, &ReferenceError{RunID: runID, Ref: ref}
	}

	entries, err := s.tree.ListTree(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("listing results of run %d: %w", runID, err)
	}

	testByHash := make(map[string][]string)
	hashes := make([]string, 0, len(wanted))

	for _, entry := range entries {
		if entry.Type != "blob" || !strings.HasSuffix(entry.Path, ".json") {
			continue
		}

		test := "/" + strings.TrimSuffix(entry.Path, ".json")
		if _, ok := wanted[test]; !ok {
			continue
		}

		if _, seen := testByHash[entry.Hash]; !seen {
			hashes = append(hashes, entry.Hash)
		}

		testByHash[entry.Hash] = append(testByHash[entry.Hash], test)
	}

	blobs, err := s.tree.ReadBlobs(ctx, hashes)
	if err != nil {
		return nil, fmt.Errorf("reading results of run %d: %w", runID, err)
	}

	fractions := make(map[string]float64, len(wanted))

	for hash, data := range blobs {
		var result TestResult
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("run %d: decoding %s: %w", runID, testByHash[hash][0], err)
		}

		for _, test := range testByHash[hash] {
			fractions[test] = result.Fraction()
		}
	}

	s.log.WithFields(logrus.Fields{
		"run_id": runID,
		"tests":  len(fractions),
	}).Debug("Loaded run results")

	return fractions, nil
}

// Score turns per-run test fractions into category scores. A run's
// category score is the mean fraction over the category's tests; the
// interop score is the mean over tests of the lowest fraction among the
// runs. Both are scaled to ScoreScale and floored.
func Score(fractions []map[string]float64, tests interop.TestsByCategory, excluded map[string]struct{}) *Result {
	result := &Result{
		Scores:  make(map[string][]int, len(tests)),
		Interop: make(map[string]int, len(tests)),
	}

	for category, categoryTests := range tests {
		runSums := make([]float64, len(fractions))

		var (
			interopSum float64
			count      int
		)

		for _, test := range categoryTests {
			if _, skip := excluded[test]; skip {
				continue
			}

			count++

			lowest := 1.0

			for i, f := range fractions {
				value := f[test]
				runSums[i] += value
				lowest = math.Min(lowest, value)
			}

			if len(fractions) > 0 {
				interopSum += lowest
			}
		}

		scores := make([]int, len(fractions))

		for i := range runSums {
			scores[i] = scale(runSums[i], count)
		}

		result.Scores[category] = scores
		result.Interop[category] = scale(interopSum, count)
	}

	return result
}

func scale(sum float64, count int) int {
	if count == 0 {
		return 0
	}

	return int(math.Floor(sum*ScoreScale/float64(count) + 1e-9))
}
