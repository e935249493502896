package aligned

import (
	"fmt"

	"github.com/ethpandaops/interopscore/pkg/tabular"
)

// Ledger is the append-only archive of every aligned revision of a
// channel. Each revision is recorded once, with the metadata revision in
// effect when it was first recorded.
type Ledger struct {
	rows      []RunData
	revisions map[string]struct{}
}

// NewLedger creates a ledger from stored rows. Later duplicates of a
// revision are dropped.
func NewLedger(rows []RunData) *Ledger {
	l := &Ledger{
		rows:      make([]RunData, 0, len(rows)),
		revisions: make(map[string]struct{}, len(rows)),
	}

	for _, row := range rows {
		l.Append(row)
	}

	return l
}

// HasRevision reports whether revision is recorded.
func (l *Ledger) HasRevision(revision string) bool {
	_, ok := l.revisions[revision]

	return ok
}

// Append records row unless its revision is already present. It reports
// whether the row was added.
func (l *Ledger) Append(row RunData) bool {
	if l.HasRevision(row.Revision) {
		return false
	}

	l.rows = append(l.rows, row)
	l.revisions[row.Revision] = struct{}{}

	return true
}

// Rows returns the rows in append order.
func (l *Ledger) Rows() []RunData {
	return l.rows
}

// Len returns the number of recorded revisions.
func (l *Ledger) Len() int {
	return len(l.rows)
}

// MarshalLedger encodes the ledger with the trailing provenance column.
func MarshalLedger(t Table, l *Ledger) ([]byte, error) {
	for _, row := range l.rows {
		if row.MetadataRevision == "" {
			return nil, fmt.Errorf("revision %s: historic row without metadata revision", row.Revision)
		}
	}

	schema := t.historicSchema()

	records, err := t.toRecords(l.rows, schema, false, true)
	if err != nil {
		return nil, err
	}

	return tabular.EncodeBytes(schema, records)
}

// UnmarshalLedger decodes a stored ledger.
func UnmarshalLedger(t Table, data []byte) (*Ledger, error) {
	rows, err := unmarshalRows(t, data, true)
	if err != nil {
		return nil, err
	}

	return NewLedger(rows), nil
}
