// Package tabular maps score tables (CSV) to typed records through an
// explicit column schema.
//
// The canonical column order written by Encode is part of the on-disk
// format shared between update cycles:
//
//	<leading metadata>, then per product (configured order):
//	    <product>-version, <product>-<category>... (categories sorted)
//	then interop-<category>... (sorted, when aggregates are enabled)
//	then <trailing identifiers>
//
// Decode accepts the columns in any order.
package tabular

import (
	"sort"
	"strings"
)

// AggregatePrefix prefixes the per-category aggregate score columns.
const AggregatePrefix = "interop"

// versionSuffix names the per-product version column.
const versionSuffix = "version"

// ColumnKind classifies a schema column.
type ColumnKind int

const (
	// KindField is a plain metadata or identifier column.
	KindField ColumnKind = iota
	// KindVersion holds a product's browser version.
	KindVersion
	// KindScore holds a product's score for one category.
	KindScore
	// KindAggregate holds the aggregate score for one category.
	KindAggregate
)

// Column describes one column of a schema.
type Column struct {
	Name     string
	Kind     ColumnKind
	Product  string
	Category string
}

// Schema describes a score table.
type Schema struct {
	// Leading are metadata columns written before the product columns.
	Leading []string
	// Trailing are identifier columns written after the aggregates.
	Trailing []string
	// Products in configured order.
	Products []string
	// Categories are sorted on construction.
	Categories []string
	// Aggregates enables the interop-<category> columns.
	Aggregates bool
}

// NewSchema creates a schema. Categories are copied and sorted.
func NewSchema(leading, trailing, products, categories []string, aggregates bool) *Schema {
	cats := append([]string(nil), categories...)
	sort.Strings(cats)

	return &Schema{
		Leading:    append([]string(nil), leading...),
		Trailing:   append([]string(nil), trailing...),
		Products:   append([]string(nil), products...),
		Categories: cats,
		Aggregates: aggregates,
	}
}

// Columns returns every column in canonical order.
func (s *Schema) Columns() []Column {
	cols := make([]Column, 0, s.width())

	for _, name := range s.Leading {
		cols = append(cols, Column{Name: name, Kind: KindField})
	}

	for _, product := range s.Products {
		cols = append(cols, Column{
			Name:    product + "-" + versionSuffix,
			Kind:    KindVersion,
			Product: product,
		})

		for _, category := range s.Categories {
			cols = append(cols, Column{
				Name:     product + "-" + category,
				Kind:     KindScore,
				Product:  product,
				Category: category,
			})
		}
	}

	if s.Aggregates {
		for _, category := range s.Categories {
			cols = append(cols, Column{
				Name:     AggregatePrefix + "-" + category,
				Kind:     KindAggregate,
				Category: category,
			})
		}
	}

	for _, name := range s.Trailing {
		cols = append(cols, Column{Name: name, Kind: KindField})
	}

	return cols
}

// Header returns the canonical header row.
func (s *Schema) Header() []string {
	cols := s.Columns()

	header := make([]string, len(cols))
	for i, col := range cols {
		header[i] = col.Name
	}

	return header
}

func (s *Schema) width() int {
	n := len(s.Leading) + len(s.Trailing) + len(s.Products)*(1+len(s.Categories))
	if s.Aggregates {
		n += len(s.Categories)
	}

	return n
}

func (s *Schema) isField(name string) bool {
	for _, f := range s.Leading {
		if f == name {
			return true
		}
	}

	for _, f := range s.Trailing {
		if f == name {
			return true
		}
	}

	return false
}

func (s *Schema) hasProduct(product string) bool {
	for _, p := range s.Products {
		if p == product {
			return true
		}
	}

	return false
}

func (s *Schema) hasCategory(category string) bool {
	i := sort.SearchStrings(s.Categories, category)

	return i < len(s.Categories) && s.Categories[i] == category
}

// classify resolves a header name to a column, or reports false when the
// name matches nothing in the schema.
func (s *Schema) classify(name string) (Column, bool) {
	if s.isField(name) {
		return Column{Name: name, Kind: KindField}, true
	}

	prefix, rest, ok := strings.Cut(name, "-")
	if !ok {
		return Column{}, false
	}

	if prefix == AggregatePrefix {
		if !s.Aggregates || !s.hasCategory(rest) {
			return Column{}, false
		}

		return Column{Name: name, Kind: KindAggregate, Category: rest}, true
	}

	if !s.hasProduct(prefix) {
		return Column{}, false
	}

	if rest == versionSuffix {
		return Column{Name: name, Kind: KindVersion, Product: prefix}, true
	}

	if !s.hasCategory(rest) {
		return Column{}, false
	}

	return Column{Name: name, Kind: KindScore, Product: prefix, Category: rest}, true
}
