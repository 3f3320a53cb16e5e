package source

import (
	"errors"

	"github.com/johndauphine/sms-backup-sync/internal/datatype"
)

// ErrExhausted is returned by MultiCursor.Next past the last row.
var ErrExhausted = errors.New("cursor exhausted")

// Cursor iterates the rows of one source. Position is -1 before the first Next.
type Cursor interface {
	Kind() datatype.Kind
	Count() int
	HasNext() bool
	// Next moves to the following row and reports whether one existed.
	Next() bool
	// Record returns the row at the current position.
	Record() Record
	Position() int
	Close() error
}

// sliceCursor is a Cursor over rows already read from the store.
type sliceCursor struct {
	kind   datatype.Kind
	rows   []Record
	pos    int
	closed bool
}

// NewCursor returns a cursor over rows.
func NewCursor(kind datatype.Kind, rows []Record) Cursor {
	return &sliceCursor{kind: kind, rows: rows, pos: -1}
}

// Empty returns a cursor without rows.
func Empty(kind datatype.Kind) Cursor {
	return NewCursor(kind, nil)
}

func (c *sliceCursor) Kind() datatype.Kind { return c.kind }

func (c *sliceCursor) Count() int { return len(c.rows) }

func (c *sliceCursor) HasNext() bool {
	return !c.closed && c.pos+1 < len(c.rows)
}

func (c *sliceCursor) Next() bool {
	if !c.HasNext() {
		return false
	}
	c.pos++
	return true
}

func (c *sliceCursor) Record() Record {
	if c.pos < 0 || c.pos >= len(c.rows) {
		return Record{Kind: c.kind}
	}
	return c.rows[c.pos]
}

func (c *sliceCursor) Position() int { return c.pos }

func (c *sliceCursor) Close() error {
	c.closed = true
	c.rows = nil
	return nil
}
