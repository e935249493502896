package interop

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrUnknownYear is returned when no dataset is registered for a year.
	ErrUnknownYear = errors.New("unknown dataset year")

	// ErrUnknownCategory is returned when the category tables do not cover
	// a year, or a focus area names a category with no definition.
	ErrUnknownCategory = errors.New("unknown category")
)

// ConfigurationError reports a dataset configuration problem. It is
// surfaced before any repository or network I/O for the cycle.
type ConfigurationError struct {
	Year int
	Name string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("interop %d: %s: %v", e.Year, e.Name, e.Err)
	}

	return fmt.Sprintf("interop %d: %v", e.Year, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Dataset describes one interop year: the products that must all report
// before a revision counts as aligned.
type Dataset struct {
	Year     int
	Products []string
}

var defaultProducts = []string{"chrome", "firefox", "safari"}

// datasets is the registry of supported interop years.
var datasets = map[int]Dataset{
	2023: {Year: 2023, Products: defaultProducts},
	2024: {Year: 2024, Products: defaultProducts},
	2025: {Year: 2025, Products: defaultProducts},
}

// Lookup returns the dataset for year.
func Lookup(year int) (Dataset, error) {
	ds, ok := datasets[year]
	if !ok {
		return Dataset{}, &ConfigurationError{Year: year, Err: ErrUnknownYear}
	}

	products := make([]string, len(ds.Products))
	copy(products, ds.Products)
	ds.Products = products

	return ds, nil
}

// Years returns the registered dataset years in ascending order.
func Years() []int {
	years := make([]int, 0, len(datasets))
	for year := range datasets {
		years = append(years, year)
	}

	sort.Ints(years)

	return years
}
