// Package engine holds the in-memory employee record list and its mutation
// rules. The engine never touches the file and never locks: the server's
// dispatch loop is its single caller.
package engine

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/empdb/empdb/internal/recfile"
)

var (
	// ErrMalformedAddString reports an add string that is not exactly
	// name-address-hours with non-empty fields and decimal hours.
	ErrMalformedAddString = errors.New("engine: malformed add string")

	// ErrFull reports that the record count would overflow the 16-bit
	// header field.
	ErrFull = errors.New("engine: record table is full")

	// ErrEmpty reports a remove against an empty record list.
	ErrEmpty = errors.New("engine: no records to remove")
)

// Engine owns the mutable record list loaded from a database file.
type Engine struct {
	records []recfile.Record
}

// New wraps an engine around records loaded at startup. The engine takes
// ownership of the slice.
func New(records []recfile.Record) *Engine {
	return &Engine{records: records}
}

// Len returns the current record count.
func (e *Engine) Len() int {
	return len(e.records)
}

// Records returns the records in insertion order. The slice is a view into
// engine state; callers must not retain it across a mutation.
func (e *Engine) Records() []recfile.Record {
	return e.records
}

// Header returns a file header describing the current record list.
func (e *Engine) Header() recfile.Header {
	return recfile.NewHeader(len(e.records))
}

// ParseAddString splits a dash-separated "name-address-hours" string into
// its fields. Exactly three fields are required, none may be empty, and
// hours must be a decimal integer that fits in 32 bits.
func ParseAddString(addstr string) (name, address string, hours uint32, err error) {
	fields := strings.Split(addstr, "-")
	if len(fields) != 3 {
		return "", "", 0, errors.Wrapf(ErrMalformedAddString, "want 3 fields, got %d", len(fields))
	}
	name, address = fields[0], fields[1]
	if name == "" || address == "" {
		return "", "", 0, errors.Wrap(ErrMalformedAddString, "empty field")
	}
	h, perr := strconv.ParseUint(fields[2], 10, 32)
	if perr != nil {
		return "", "", 0, errors.Wrapf(ErrMalformedAddString, "bad hours %q", fields[2])
	}
	return name, address, uint32(h), nil
}

// Add parses addstr and appends the resulting record. Overlong name or
// address fields are truncated to the fixed field width with a trailing NUL.
// The appended record is returned for audit and logging.
func (e *Engine) Add(addstr string) (recfile.Record, error) {
	name, address, hours, err := ParseAddString(addstr)
	if err != nil {
		return recfile.Record{}, err
	}
	if len(e.records) >= recfile.MaxRecords {
		return recfile.Record{}, ErrFull
	}
	rec := recfile.NewRecord(name, address, hours)
	e.records = append(e.records, rec)
	return rec, nil
}

// RemoveLast drops and returns the most recently added record.
func (e *Engine) RemoveLast() (recfile.Record, error) {
	if len(e.records) == 0 {
		return recfile.Record{}, ErrEmpty
	}
	rec := e.records[len(e.records)-1]
	e.records = e.records[:len(e.records)-1]
	return rec, nil
}
