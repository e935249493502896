package tabular

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Record is one decoded table row.
type Record struct {
	// Fields holds leading and trailing column values by column name.
	Fields map[string]string
	// Versions maps product to browser version.
	Versions map[string]string
	// Scores maps category to per-product scores in schema product order.
	Scores map[string][]int
	// Aggregates maps category to the aggregate score. Nil when the schema
	// has no aggregate columns.
	Aggregates map[string]int
}

// NewRecord returns an empty record sized for schema.
func NewRecord(s *Schema) Record {
	rec := Record{
		Fields:   make(map[string]string, len(s.Leading)+len(s.Trailing)),
		Versions: make(map[string]string, len(s.Products)),
		Scores:   make(map[string][]int, len(s.Categories)),
	}

	for _, category := range s.Categories {
		rec.Scores[category] = make([]int, len(s.Products))
	}

	if s.Aggregates {
		rec.Aggregates = make(map[string]int, len(s.Categories))
	}

	return rec
}

// Decode reads a table with a header row and returns its records.
//
// Header validation runs in order: every schema column must be present
// (ErrMissingField), no column may repeat (ErrDuplicateHeader), and no
// column may fall outside the schema (ErrUnknownHeader). Every failure is
// a *SchemaError.
func Decode(r io.Reader, s *Schema) ([]Record, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &SchemaError{Kind: ErrMissingField, Column: s.Header()[0], Err: errors.New("empty table")}
		}

		return nil, &SchemaError{Kind: ErrMalformed, Err: err}
	}

	positions, err := resolveHeader(header, s)
	if err != nil {
		return nil, err
	}

	var records []Record

	for row := 1; ; row++ {
		values, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, &SchemaError{Kind: ErrMalformed, Row: row, Err: err}
		}

		rec, err := decodeRow(values, positions, s, row)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, nil
}

// DecodeBytes is Decode over an in-memory table.
func DecodeBytes(data []byte, s *Schema) ([]Record, error) {
	return Decode(bytes.NewReader(data), s)
}

// resolveHeader maps each schema column to its position in header.
func resolveHeader(header []string, s *Schema) (map[string]int, error) {
	positions := make(map[string]int, len(header))

	var duplicate, unknown string

	for i, name := range header {
		col, ok := s.classify(name)
		if !ok {
			if unknown == "" {
				unknown = name
			}

			continue
		}

		if _, seen := positions[col.Name]; seen {
			if duplicate == "" {
				duplicate = col.Name
			}

			continue
		}

		positions[col.Name] = i
	}

	for _, col := range s.Columns() {
		if _, ok := positions[col.Name]; !ok {
			return nil, &SchemaError{Kind: ErrMissingField, Column: col.Name}
		}
	}

	if duplicate != "" {
		return nil, &SchemaError{Kind: ErrDuplicateHeader, Column: duplicate}
	}

	if unknown != "" {
		return nil, &SchemaError{Kind: ErrUnknownHeader, Column: unknown}
	}

	return positions, nil
}

func decodeRow(values []string, positions map[string]int, s *Schema, row int) (Record, error) {
	rec := NewRecord(s)

	for i, col := range s.Columns() {
		pos := positions[col.Name]
		if pos >= len(values) {
			return Record{}, &SchemaError{Kind: ErrMalformed, Column: col.Name, Row: row}
		}

		value := values[pos]

		switch col.Kind {
		case KindField:
			rec.Fields[col.Name] = value
		case KindVersion:
			rec.Versions[col.Product] = value
		case KindScore:
			score, err := strconv.Atoi(value)
			if err != nil {
				return Record{}, &SchemaError{Kind: ErrBadValue, Column: col.Name, Row: row, Err: err}
			}

			rec.Scores[col.Category][productIndex(s, col.Product)] = score
		case KindAggregate:
			score, err := strconv.Atoi(value)
			if err != nil {
				return Record{}, &SchemaError{Kind: ErrBadValue, Column: col.Name, Row: row, Err: err}
			}

			rec.Aggregates[col.Category] = score
		default:
			return Record{}, fmt.Errorf("column %d: unhandled kind %d", i, col.Kind)
		}
	}

	return rec, nil
}

func productIndex(s *Schema, product string) int {
	for i, p := range s.Products {
		if p == product {
			return i
		}
	}

	return -1
}

// Encode writes the header and records in canonical column order. A
// record missing any schema value is rejected with a *SchemaError so an
// incomplete table is never produced.
func Encode(w io.Writer, s *Schema, records []Record) error {
	writer := csv.NewWriter(w)
	cols := s.Columns()

	if err := writer.Write(s.Header()); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	line := make([]string, len(cols))

	for row, rec := range records {
		for i, col := range cols {
			value, err := encodeCell(rec, col, s, row+1)
			if err != nil {
				return err
			}

			line[i] = value
		}

		if err := writer.Write(line); err != nil {
			return fmt.Errorf("writing row %d: %w", row+1, err)
		}
	}

	writer.Flush()

	if err := writer.Error(); err != nil {
		return fmt.Errorf("flushing table: %w", err)
	}

	return nil
}

// EncodeBytes is Encode into a new buffer.
func EncodeBytes(s *Schema, records []Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, s, records); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func encodeCell(rec Record, col Column, s *Schema, row int) (string, error) {
	missing := &SchemaError{Kind: ErrMissingField, Column: col.Name, Row: row}

	switch col.Kind {
	case KindField:
		value, ok := rec.Fields[col.Name]
		if !ok {
			return "", missing
		}

		return value, nil
	case KindVersion:
		value, ok := rec.Versions[col.Product]
		if !ok {
			return "", missing
		}

		return value, nil
	case KindScore:
		scores, ok := rec.Scores[col.Category]
		idx := productIndex(s, col.Product)

		if !ok || idx >= len(scores) {
			return "", missing
		}

		return strconv.Itoa(scores[idx]), nil
	case KindAggregate:
		value, ok := rec.Aggregates[col.Category]
		if !ok {
			return "", missing
		}

		return strconv.Itoa(value), nil
	default:
		return "", fmt.Errorf("unhandled column kind %d", col.Kind)
	}
}
