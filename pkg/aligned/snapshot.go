package aligned

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ethpandaops/interopscore/pkg/tabular"
)

// SnapshotMetadata is the stamp stored next to the full snapshot.
type SnapshotMetadata struct {
	MetadataRevision string `json:"metadata_revision"`
}

// Snapshot is the latest aligned view of a channel: rows in ascending
// date order and the metadata revision they were computed at.
type Snapshot struct {
	MetadataRevision string
	rows             []RunData
}

// NewSnapshot creates a snapshot, sorting rows by date.
func NewSnapshot(metadataRevision string, rows []RunData) *Snapshot {
	s := &Snapshot{
		MetadataRevision: metadataRevision,
		rows:             append([]RunData(nil), rows...),
	}

	sort.SliceStable(s.rows, func(i, j int) bool {
		return s.rows[i].Date.Before(s.rows[j].Date)
	})

	return s
}

// Rows returns the rows in date order.
func (s *Snapshot) Rows() []RunData {
	return s.rows
}

// Len returns the number of rows.
func (s *Snapshot) Len() int {
	return len(s.rows)
}

// Append inserts row keeping date order. Rows with equal dates keep
// insertion order.
func (s *Snapshot) Append(row RunData) {
	i := sort.Search(len(s.rows), func(i int) bool {
		return s.rows[i].Date.After(row.Date)
	})

	s.rows = append(s.rows, RunData{})
	copy(s.rows[i+1:], s.rows[i:])
	s.rows[i] = row
}

// Upsert appends row, first removing any row of the same revision.
func (s *Snapshot) Upsert(row RunData) {
	kept := s.rows[:0]

	for _, existing := range s.rows {
		if existing.Revision != row.Revision {
			kept = append(kept, existing)
		}
	}

	s.rows = kept
	s.Append(row)
}

// Has reports whether a row for revision is present.
func (s *Snapshot) Has(revision string) bool {
	for _, row := range s.rows {
		if row.Revision == revision {
			return true
		}
	}

	return false
}

// FilterByDay returns a snapshot with the last row of each day.
//
// Rows are compared pairwise in date order: a row is kept when the next
// row falls on a different (month, day). The final row is always kept.
func (s *Snapshot) FilterByDay() *Snapshot {
	out := &Snapshot{MetadataRevision: s.MetadataRevision}

	if len(s.rows) == 0 {
		return out
	}

	prev := s.rows[0]
	for _, row := range s.rows[1:] {
		if !row.sameDay(prev) {
			out.rows = append(out.rows, prev)
		}

		prev = row
	}

	out.rows = append(out.rows, s.rows[len(s.rows)-1])

	return out
}

// MarshalSnapshot encodes the rows of s. With dateOnly the date column
// holds only the day.
func MarshalSnapshot(t Table, s *Snapshot, dateOnly bool) ([]byte, error) {
	schema := t.snapshotSchema()

	records, err := t.toRecords(s.rows, schema, dateOnly, false)
	if err != nil {
		return nil, err
	}

	return tabular.EncodeBytes(schema, records)
}

// UnmarshalSnapshot decodes a full snapshot and its metadata stamp.
func UnmarshalSnapshot(t Table, data, metadata []byte) (*Snapshot, error) {
	var meta SnapshotMetadata
	if err := json.Unmarshal(metadata, &meta); err != nil {
		return nil, fmt.Errorf("decoding snapshot metadata: %w", err)
	}

	rows, err := unmarshalRows(t, data, false)
	if err != nil {
		return nil, err
	}

	return NewSnapshot(meta.MetadataRevision, rows), nil
}

// UnmarshalDaily decodes a daily snapshot. The daily view carries no stamp
// of its own.
func UnmarshalDaily(t Table, data []byte) ([]RunData, error) {
	return unmarshalRows(t, data, false)
}

// MarshalSnapshotMetadata encodes the stamp of s.
func MarshalSnapshotMetadata(s *Snapshot) ([]byte, error) {
	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")

	if err := enc.Encode(SnapshotMetadata{MetadataRevision: s.MetadataRevision}); err != nil {
		return nil, fmt.Errorf("encoding snapshot metadata: %w", err)
	}

	return buf.Bytes(), nil
}

func unmarshalRows(t Table, data []byte, historic bool) ([]RunData, error) {
	schema := t.snapshotSchema()
	if historic {
		schema = t.historicSchema()
	}

	records, err := tabular.DecodeBytes(data, schema)
	if err != nil {
		return nil, err
	}

	return fromRecords(records, historic)
}
