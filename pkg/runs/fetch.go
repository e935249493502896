package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// runsAPIPath is the run listing endpoint of the run service.
	runsAPIPath = "/api/runs"

	// cacheSettleWindow is how long a day stays eligible for refetching;
	// runs can still be reported for recent days.
	cacheSettleWindow = 3 * 24 * time.Hour

	fetchHTTPTimeout = 60 * time.Second
)

// FetchOptions selects which runs to fetch.
type FetchOptions struct {
	Products []string
	Channel  string
	// From is the first day fetched. Defaults to January 1st of the
	// current year.
	From time.Time
	// To is the exclusive end day. Defaults to the start of today.
	To        time.Time
	Aligned   bool
	MaxPerDay int
	// Cache, when set, serves settled days without a request.
	Cache Cache
}

// Fetcher retrieves the runs reported by the run service.
type Fetcher interface {
	FetchRuns(ctx context.Context, opts FetchOptions) (*RunsByRevision, error)
}

// Compile-time interface check.
var _ Fetcher = (*HTTPFetcher)(nil)

// HTTPFetcher fetches runs from a wpt.fyi compatible API, one day at a
// time.
type HTTPFetcher struct {
	log     logrus.FieldLogger
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// NewHTTPFetcher creates a fetcher against baseURL limited to
// requestsPerSecond.
func NewHTTPFetcher(log logrus.FieldLogger, baseURL string, requestsPerSecond float64) *HTTPFetcher {
	burst := int(requestsPerSecond)
	if burst < 1 {
		burst = 1
	}

	return &HTTPFetcher{
		log:     log.WithField("component", "run-fetcher"),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: fetchHTTPTimeout},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		now:     time.Now,
	}
}

// CacheScope identifies a query for cache partitioning.
func CacheScope(products []string, channel string, aligned bool, maxPerDay int) string {
	return fmt.Sprintf("products:%s-channel:%s-aligned:%t-max_per_day:%d",
		strings.Join(products, "-"), channel, aligned, maxPerDay)
}

// FetchRuns implements Fetcher.
func (f *HTTPFetcher) FetchRuns(ctx context.Context, opts FetchOptions) (*RunsByRevision, error) {
	now := f.now()

	from := opts.From
	if from.IsZero() {
		from = time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	}

	to := opts.To
	if to.IsZero() {
		to = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}

	cache := opts.Cache
	if cache == nil {
		cache = NewMemoryCache()
	}

	cutoff := now.Add(-cacheSettleWindow)
	base := f.queryURL(opts)

	var (
		items   []*RevisionRuns
		fetched int
		cached  int
	)

	for day := from; day.Before(to); day = day.AddDate(0, 0, 1) {
		key := day.Format(DayFormat)

		dayRuns, ok, err := cache.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("reading run cache for %s: %w", key, err)
		}

		if !ok || !day.Before(cutoff) {
			dayRuns, err = f.fetchDay(ctx, base, day)
			if err != nil {
				return nil, err
			}

			if err := cache.Put(ctx, key, dayRuns); err != nil {
				return nil, fmt.Errorf("writing run cache for %s: %w", key, err)
			}

			fetched++
		} else {
			f.log.WithField("day", key).Debug("Using cached runs")

			cached++
		}

		for _, run := range dayRuns {
			items = append(items, &RevisionRuns{Revision: run.FullRevisionHash, Runs: []Run{run}})
		}
	}

	result := NewRunsByRevision(items)

	f.log.WithFields(logrus.Fields{
		"channel":     opts.Channel,
		"days_cached": cached,
		"days_fetch":  fetched,
		"revisions":   result.Len(),
	}).Info("Fetched runs")

	return result, nil
}

func (f *HTTPFetcher) queryURL(opts FetchOptions) string {
	q := url.Values{}
	q.Add("label", "master")
	q.Add("label", opts.Channel)

	for _, product := range opts.Products {
		q.Add("product", product)
	}

	if opts.Aligned {
		q.Set("aligned", "true")
	}

	if opts.MaxPerDay > 0 {
		q.Set("max-count", strconv.Itoa(opts.MaxPerDay))
	}

	return f.baseURL + runsAPIPath + "?" + q.Encode()
}

func (f *HTTPFetcher) fetchDay(ctx context.Context, base string, day time.Time) ([]Run, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	q := url.Values{}
	q.Set("from", day.Format(DayFormat))
	q.Set("to", day.AddDate(0, 0, 1).Format(DayFormat))

	dayURL := base + "&" + q.Encode()

	f.log.WithField("url", dayURL).Info("Fetching runs")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching runs for %s: %w", day.Format(DayFormat), err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return nil, fmt.Errorf("fetching runs for %s: unexpected status %d: %s",
			day.Format(DayFormat), resp.StatusCode, body)
	}

	var dayRuns []Run
	if err := json.NewDecoder(resp.Body).Decode(&dayRuns); err != nil {
		return nil, fmt.Errorf("decoding runs for %s: %w", day.Format(DayFormat), err)
	}

	return dayRuns, nil
}
