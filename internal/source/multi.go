package source

import (
	"errors"

	"github.com/johndauphine/sms-backup-sync/internal/datatype"
)

// Item is one step of a MultiCursor: the source it came from and that source's
// cursor, already moved onto the row.
type Item struct {
	Kind     datatype.Kind
	Cursor   Cursor
	Position int
}

type sourceCursor struct {
	kind   datatype.Kind
	cursor Cursor
	count  int
}

// MultiCursor chains per-source cursors. Sources are drained fully, one after the
// other, in the order they were added. It is read-only.
type MultiCursor struct {
	sources []sourceCursor
	current int
}

// NewMultiCursor returns an empty MultiCursor.
func NewMultiCursor() *MultiCursor {
	return &MultiCursor{}
}

// Add registers the cursor of kind. A nil cursor counts as empty.
func (m *MultiCursor) Add(kind datatype.Kind, c Cursor) {
	if c == nil {
		c = Empty(kind)
	}
	m.sources = append(m.sources, sourceCursor{kind: kind, cursor: c, count: c.Count()})
}

// Kinds returns the registered kinds in iteration order.
func (m *MultiCursor) Kinds() []datatype.Kind {
	kinds := make([]datatype.Kind, len(m.sources))
	for i, s := range m.sources {
		kinds[i] = s.kind
	}
	return kinds
}

// Count returns the number of rows across all sources.
func (m *MultiCursor) Count() int {
	n := 0
	for _, s := range m.sources {
		n += s.count
	}
	return n
}

// CountKind returns the number of rows of one source.
func (m *MultiCursor) CountKind(kind datatype.Kind) int {
	n := 0
	for _, s := range m.sources {
		if s.kind == kind {
			n += s.count
		}
	}
	return n
}

// HasNext reports whether any source has a row left.
func (m *MultiCursor) HasNext() bool {
	for i := m.current; i < len(m.sources); i++ {
		if m.sources[i].cursor.HasNext() {
			return true
		}
	}
	return false
}

// Next moves to the following row and returns it, or ErrExhausted.
func (m *MultiCursor) Next() (Item, error) {
	for ; m.current < len(m.sources); m.current++ {
		s := m.sources[m.current]
		if s.cursor.Next() {
			return Item{Kind: s.kind, Cursor: s.cursor, Position: s.cursor.Position()}, nil
		}
	}
	return Item{}, ErrExhausted
}

// Close closes every underlying cursor. Closing an already closed cursor is not an error.
func (m *MultiCursor) Close() error {
	var errs []error
	for _, s := range m.sources {
		if err := s.cursor.Close(); err != nil && !errors.Is(err, ErrCursorClosed) {
			errs = append(errs, err)
		}
	}
	m.current = len(m.sources)
	return errors.Join(errs...)
}

// ErrCursorClosed may be returned by cursors closed twice; MultiCursor.Close ignores it.
var ErrCursorClosed = errors.New("cursor already closed")
