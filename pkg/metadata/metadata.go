// Package metadata resolves interop categories to test paths using the
// labels recorded in the META.yml files of a wpt-metadata repository.
package metadata

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/interopscore/pkg/interop"
	"github.com/ethpandaops/interopscore/pkg/vcs"
)

const metaFileName = "META.yml"

// Result is the test mapping at one metadata revision.
type Result struct {
	// Revision is the resolved commit id.
	Revision        string
	TestsByCategory interop.TestsByCategory
	// AllTests is every test of every category, sorted.
	AllTests []string
}

// Source resolves category labels to tests at a metadata revision.
type Source interface {
	TestsByCategory(ctx context.Context, categories interop.Categories, revision string) (*Result, error)
}

// Tree is the subset of a git repository read by Repo.
type Tree interface {
	ResolveRevision(ctx context.Context, rev string) (string, error)
	ListTree(ctx context.Context, rev string) ([]vcs.TreeEntry, error)
	ReadBlob(ctx context.Context, hash string) ([]byte, error)
}

// Compile-time interface checks.
var (
	_ Source = (*Repo)(nil)
	_ Tree   = (*vcs.Git)(nil)
)

// metaFile is the content of a META.yml file. Entries without a label,
// such as product bug links, are ignored.
type metaFile struct {
	Links []metaLink `yaml:"links"`
}

type metaLink struct {
	Label   string       `yaml:"label"`
	URL     string       `yaml:"url"`
	Product string       `yaml:"product"`
	Results []metaResult `yaml:"results"`
}

type metaResult struct {
	Test    string `yaml:"test"`
	Subtest string `yaml:"subtest"`
	Status  string `yaml:"status"`
}

// Repo reads labels from a metadata repository.
type Repo struct {
	log  logrus.FieldLogger
	tree Tree
}

// NewRepo creates a Repo over tree.
func NewRepo(log logrus.FieldLogger, tree Tree) *Repo {
	return &Repo{
		log:  log.WithField("component", "metadata"),
		tree: tree,
	}
}

// TestsByCategory maps every category to the tests carrying one of its
// labels at revision. HEAD is used when revision is empty.
func (r *Repo) TestsByCategory(ctx context.Context, categories interop.Categories, revision string) (*Result, error) {
	commit, err := r.tree.ResolveRevision(ctx, revision)
	if err != nil {
		return nil, fmt.Errorf("resolving metadata revision: %w", err)
	}

	byLabel, err := r.testsByLabel(ctx, commit)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Revision:        commit,
		TestsByCategory: make(interop.TestsByCategory, len(categories)),
	}

	all := make(map[string]struct{})

	for category, labels := range categories {
		set := make(map[string]struct{})

		for _, label := range labels {
			for test := range byLabel[label] {
				set[test] = struct{}{}
				all[test] = struct{}{}
			}
		}

		result.TestsByCategory[category] = sortedKeys(set)
	}

	result.AllTests = sortedKeys(all)

	r.log.WithFields(logrus.Fields{
		"metadata_revision": commit,
		"categories":        len(categories),
		"tests":             len(result.AllTests),
	}).Debug("Resolved tests by category")

	return result, nil
}

// testsByLabel walks every META.yml at commit. A test path is the
// directory of the META.yml joined with the test name, rooted at "/".
// Directories whose name starts with "." are skipped.
func (r *Repo) testsByLabel(ctx context.Context, commit string) (map[string]map[string]struct{}, error) {
	entries, err := r.tree.ListTree(ctx, commit)
	if err != nil {
		return nil, fmt.Errorf("listing metadata tree: %w", err)
	}

	byLabel := make(map[string]map[string]struct{})

	for _, entry := range entries {
		if entry.Type != "blob" || path.Base(entry.Path) != metaFileName || hiddenDir(entry.Path) {
			continue
		}

		data, err := r.tree.ReadBlob(ctx, entry.Hash)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Path, err)
		}

		var file metaFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", entry.Path, err)
		}

		dir := path.Dir(entry.Path)
		if dir == "." {
			dir = ""
		} else {
			dir = "/" + dir
		}

		for _, link := range file.Links {
			if link.Label == "" {
				continue
			}

			tests, ok := byLabel[link.Label]
			if !ok {
				tests = make(map[string]struct{})
				byLabel[link.Label] = tests
			}

			for _, result := range link.Results {
				tests[dir+"/"+result.Test] = struct{}{}
			}
		}
	}

	return byLabel, nil
}

// hiddenDir reports whether any directory of p starts with ".".
func hiddenDir(p string) bool {
	dirs := strings.Split(path.Dir(p), "/")
	for _, d := range dirs {
		if strings.HasPrefix(d, ".") && d != "." {
			return true
		}
	}

	return false
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}
