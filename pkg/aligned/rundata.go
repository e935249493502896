// Package aligned maintains the aligned score views of a channel: the
// rewritable latest snapshot with its daily variant, and the append-only
// historic ledger.
package aligned

import (
	"fmt"
	"sort"
	"time"

	"github.com/ethpandaops/interopscore/pkg/tabular"
)

const (
	columnDate             = "date"
	columnRevision         = "revision"
	columnMetadataRevision = "metadata-revision"
)

// Full timestamps use a numeric zone, so UTC is "+00:00" as in files
// already in the store. Microseconds are written with all six digits
// when non-zero and omitted otherwise.
const (
	dateLayout       = "2006-01-02T15:04:05-07:00"
	dateLayoutMicros = "2006-01-02T15:04:05.000000-07:00"
)

// dayLayout is used for the daily variant.
const dayLayout = "2006-01-02"

// parseLayouts are tried in order when reading dates back.
var parseLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", dayLayout}

func formatDate(t time.Time) string {
	if t.Nanosecond()/int(time.Microsecond) == 0 {
		return t.Format(dateLayout)
	}

	return t.Format(dateLayoutMicros)
}

// RunData holds the scores for one revision where every configured
// product reported a run.
type RunData struct {
	Revision string
	// Date is the earliest run start time of the revision.
	Date time.Time
	// Versions maps product to browser version.
	Versions map[string]string
	// Scores maps category to per-product scores in product order.
	Scores map[string][]int
	// InteropScores maps category to the aggregate score.
	InteropScores map[string]int
	// MetadataRevision is the provenance of a historic row: the metadata
	// revision in effect when the row was first recorded. Empty for
	// snapshot rows.
	MetadataRevision string
}

// WithProvenance returns a copy of d stamped with metadataRevision.
func (d RunData) WithProvenance(metadataRevision string) RunData {
	d.MetadataRevision = metadataRevision

	return d
}

// sameDay reports whether two rows fall on the same month and day.
func (d RunData) sameDay(other RunData) bool {
	return d.Date.Month() == other.Date.Month() && d.Date.Day() == other.Date.Day()
}

// Table describes the columns of the aligned tables for one dataset.
type Table struct {
	Products   []string
	Categories []string
}

// NewTable creates a table. Categories are sorted.
func NewTable(products, categories []string) Table {
	cats := append([]string(nil), categories...)
	sort.Strings(cats)

	return Table{
		Products:   append([]string(nil), products...),
		Categories: cats,
	}
}

func (t Table) snapshotSchema() *tabular.Schema {
	return tabular.NewSchema(
		[]string{columnDate},
		[]string{columnRevision},
		t.Products, t.Categories, true,
	)
}

func (t Table) historicSchema() *tabular.Schema {
	return tabular.NewSchema(
		[]string{columnDate},
		[]string{columnRevision, columnMetadataRevision},
		t.Products, t.Categories, true,
	)
}

// Validate checks that d has exactly one version per product and a score
// for every product in every category.
func (t Table) Validate(d RunData) error {
	if len(d.Versions) != len(t.Products) {
		return fmt.Errorf("revision %s: %d versions for %d products", d.Revision, len(d.Versions), len(t.Products))
	}

	for _, product := range t.Products {
		if _, ok := d.Versions[product]; !ok {
			return fmt.Errorf("revision %s: missing version for %s", d.Revision, product)
		}
	}

	for _, category := range t.Categories {
		if len(d.Scores[category]) != len(t.Products) {
			return fmt.Errorf("revision %s: category %s has %d scores for %d products",
				d.Revision, category, len(d.Scores[category]), len(t.Products))
		}

		if _, ok := d.InteropScores[category]; !ok {
			return fmt.Errorf("revision %s: missing interop score for %s", d.Revision, category)
		}
	}

	return nil
}

func (t Table) toRecords(rows []RunData, s *tabular.Schema, dateOnly, historic bool) ([]tabular.Record, error) {
	records := make([]tabular.Record, 0, len(rows))

	for _, row := range rows {
		if err := t.Validate(row); err != nil {
			return nil, err
		}

		rec := tabular.NewRecord(s)

		if dateOnly {
			rec.Fields[columnDate] = row.Date.Format(dayLayout)
		} else {
			rec.Fields[columnDate] = formatDate(row.Date)
		}

		rec.Fields[columnRevision] = row.Revision

		if historic {
			rec.Fields[columnMetadataRevision] = row.MetadataRevision
		}

		for product, version := range row.Versions {
			rec.Versions[product] = version
		}

		for _, category := range t.Categories {
			rec.Scores[category] = append([]int(nil), row.Scores[category]...)
			rec.Aggregates[category] = row.InteropScores[category]
		}

		records = append(records, rec)
	}

	return records, nil
}

func fromRecords(records []tabular.Record, historic bool) ([]RunData, error) {
	rows := make([]RunData, 0, len(records))

	for i, rec := range records {
		date, err := parseDate(rec.Fields[columnDate])
		if err != nil {
			return nil, &tabular.SchemaError{Kind: tabular.ErrBadValue, Column: columnDate, Row: i + 1, Err: err}
		}

		row := RunData{
			Revision:      rec.Fields[columnRevision],
			Date:          date,
			Versions:      rec.Versions,
			Scores:        rec.Scores,
			InteropScores: rec.Aggregates,
		}

		if historic {
			row.MetadataRevision = rec.Fields[columnMetadataRevision]
		}

		rows = append(rows, row)
	}

	return rows, nil
}

func parseDate(value string) (time.Time, error) {
	var lastErr error

	for _, layout := range parseLayouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t, nil
		}

		lastErr = err
	}

	return time.Time{}, lastErr
}
