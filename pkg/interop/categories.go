package interop

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultCategoryDataURL serves the category → label table.
	DefaultCategoryDataURL = "https://raw.githubusercontent.com/web-platform-tests/" +
		"results-analysis/main/interop-scoring/category-data.json"

	// DefaultInteropDataURL serves the per-year focus area table.
	DefaultInteropDataURL = "https://wpt.fyi/static/interop-data.json"

	tableHTTPTimeout = 30 * time.Second
)

// Categories maps a category name to the sorted test labels it covers.
type Categories map[string][]string

// Names returns the category names sorted lexicographically.
func (c Categories) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// TestsByCategory maps a category name to the sorted set of test paths
// belonging to it at some metadata revision.
type TestsByCategory map[string][]string

// Equal reports whether both mappings hold the same categories with the
// same test sets.
func (t TestsByCategory) Equal(other TestsByCategory) bool {
	if len(t) != len(other) {
		return false
	}

	for category, tests := range t {
		otherTests, ok := other[category]
		if !ok || len(tests) != len(otherTests) {
			return false
		}

		for i := range tests {
			if tests[i] != otherTests[i] {
				return false
			}
		}
	}

	return true
}

// AllTests returns the sorted union of every category's tests.
func (t TestsByCategory) AllTests() []string {
	seen := make(map[string]struct{}, 64)
	for _, tests := range t {
		for _, test := range tests {
			seen[test] = struct{}{}
		}
	}

	all := make([]string, 0, len(seen))
	for test := range seen {
		all = append(all, test)
	}

	sort.Strings(all)

	return all
}

// TableSource fetches the raw category-data and interop-data documents.
type TableSource interface {
	CategoryData(ctx context.Context) (map[string]any, error)
	InteropData(ctx context.Context) (map[string]any, error)
}

type categoryDataYear struct {
	Categories []categoryEntry `mapstructure:"categories"`
}

type categoryEntry struct {
	Name   string   `mapstructure:"name"`
	Labels []string `mapstructure:"labels"`
}

type interopDataYear struct {
	FocusAreas map[string]focusArea `mapstructure:"focus_areas"`
}

type focusArea struct {
	CountsTowardScore bool `mapstructure:"countsTowardScore"`
}

// Cache holds the category and interop tables for the lifetime of a
// process. Construct one and hand it to every component that needs
// category sets.
type Cache struct {
	log    logrus.FieldLogger
	source TableSource

	mu           sync.Mutex
	categoryData map[string]any
	interopData  map[string]any
}

// NewCache creates a table cache backed by source.
func NewCache(log logrus.FieldLogger, source TableSource) *Cache {
	return &Cache{
		log:    log.WithField("component", "category-cache"),
		source: source,
	}
}

func (c *Cache) ensure(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.categoryData == nil {
		data, err := c.source.CategoryData(ctx)
		if err != nil {
			return fmt.Errorf("fetching category data: %w", err)
		}

		c.categoryData = data
	}

	if c.interopData == nil {
		data, err := c.source.InteropData(ctx)
		if err != nil {
			return fmt.Errorf("fetching interop data: %w", err)
		}

		c.interopData = data
	}

	return nil
}

// Categories returns the category → labels table for year. With
// onlyActive set, only focus areas that count toward the score are kept.
func (c *Cache) Categories(ctx context.Context, year int, onlyActive bool) (Categories, error) {
	if err := c.ensure(ctx); err != nil {
		return nil, err
	}

	key := strconv.Itoa(year)

	c.mu.Lock()
	rawCategories, hasCategories := c.categoryData[key]
	rawInterop, hasInterop := c.interopData[key]
	c.mu.Unlock()

	if !hasCategories || !hasInterop {
		return nil, &ConfigurationError{Year: year, Err: ErrUnknownYear}
	}

	var catYear categoryDataYear
	if err := mapstructure.Decode(rawCategories, &catYear); err != nil {
		return nil, fmt.Errorf("decoding category data for %d: %w", year, err)
	}

	var intYear interopDataYear
	if err := mapstructure.Decode(rawInterop, &intYear); err != nil {
		return nil, fmt.Errorf("decoding interop data for %d: %w", year, err)
	}

	// active maps each selected focus area to whether it counts toward
	// the score.
	active := make(map[string]bool, len(intYear.FocusAreas))
	for name, area := range intYear.FocusAreas {
		if !onlyActive || area.CountsTowardScore {
			active[name] = area.CountsTowardScore
		}
	}

	categories := make(Categories, len(active))

	for _, entry := range catYear.Categories {
		if _, ok := active[entry.Name]; !ok {
			continue
		}

		labels := make([]string, len(entry.Labels))
		copy(labels, entry.Labels)
		sort.Strings(labels)
		categories[entry.Name] = labels
	}

	for name, counts := range active {
		if _, ok := categories[name]; ok {
			continue
		}

		if counts {
			return nil, &ConfigurationError{Year: year, Name: name, Err: ErrUnknownCategory}
		}

		c.log.WithFields(logrus.Fields{
			"year":       year,
			"focus_area": name,
		}).Debug("Skipping focus area without category definition")
	}

	c.log.WithFields(logrus.Fields{
		"year":       year,
		"categories": len(categories),
	}).Debug("Resolved categories")

	return categories, nil
}

// HTTPTableSource fetches the tables over HTTP.
type HTTPTableSource struct {
	CategoryURL string
	InteropURL  string
	Client      *http.Client
}

// NewHTTPTableSource creates a source for the given URLs, falling back to
// the public defaults when empty.
func NewHTTPTableSource(categoryURL, interopURL string) *HTTPTableSource {
	if categoryURL == "" {
		categoryURL = DefaultCategoryDataURL
	}

	if interopURL == "" {
		interopURL = DefaultInteropDataURL
	}

	return &HTTPTableSource{
		CategoryURL: categoryURL,
		InteropURL:  interopURL,
		Client:      &http.Client{Timeout: tableHTTPTimeout},
	}
}

// CategoryData implements TableSource.
func (s *HTTPTableSource) CategoryData(ctx context.Context) (map[string]any, error) {
	return s.getJSON(ctx, s.CategoryURL)
}

// InteropData implements TableSource.
func (s *HTTPTableSource) InteropData(ctx context.Context) (map[string]any, error) {
	return s.getJSON(ctx, s.InteropURL)
}

func (s *HTTPTableSource) getJSON(ctx context.Context, url string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", url, err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return nil, fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, url, body)
	}

	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", url, err)
	}

	return data, nil
}
