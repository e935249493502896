package tabular

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingField is returned when a required column is absent.
	ErrMissingField = errors.New("missing field")
	// ErrDuplicateHeader is returned when a column appears twice.
	ErrDuplicateHeader = errors.New("duplicate header")
	// ErrUnknownHeader is returned for a column the schema does not know.
	ErrUnknownHeader = errors.New("unknown header")
	// ErrBadValue is returned when a cell cannot be parsed.
	ErrBadValue = errors.New("bad value")
	// ErrMalformed is returned when the table cannot be read as CSV or a
	// record does not fit the schema.
	ErrMalformed = errors.New("malformed table")
)

// SchemaError reports a table that does not match its schema. Stored
// tables that fail validation must never be accepted silently.
type SchemaError struct {
	Kind   error
	Column string
	// Row is the 1-based data row, or 0 for header problems.
	Row int
	Err error
}

func (e *SchemaError) Error() string {
	msg := e.Kind.Error()

	if e.Column != "" {
		msg = fmt.Sprintf("%s %q", msg, e.Column)
	}

	if e.Row > 0 {
		msg = fmt.Sprintf("row %d: %s", e.Row, msg)
	}

	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}

	return msg
}

// Is matches the error kind sentinel.
func (e *SchemaError) Is(target error) bool {
	return target == e.Kind
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}
