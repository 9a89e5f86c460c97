// Package mark encodes ordered logical states as monotonically narrowing
// bit patterns.
//
// A write-once medium can clear bits but not set them until a whole
// sector is erased. A state mark exploits that: state 0 is the erased
// all-ones pattern, and every later state's pattern is a strict bitwise
// submask of its predecessor. Advancing a mark from any state to any
// later one is therefore always a pure write, and a write torn by a
// power loss decodes either as the previous state or as no known state
// at all, never as a state that was not yet reached.
package mark

import (
	"bytes"

	"github.com/zeebo/errs"
)

// Error is the class that contains all the errors from this package.
var Error = errs.Class("mark")

// Unknown is returned by Decode for a pattern matching no table entry.
// It signals corruption, typically a transition torn by power loss.
const Unknown = -1

// Table holds the bit patterns for an ordered list of states. Patterns
// are fixed little-endian: bit k of the mark is bit k%8 of byte k/8,
// regardless of the host byte order.
type Table struct {
	width    int
	patterns [][]byte
}

// NewTable builds a table of the given state count over marks of width
// bytes. width must be 1, 2, 4 or 8 (matching the device's minimum
// independently writable unit) and the mark must be wide enough for
// states-1 distinct narrowing steps.
func NewTable(width, states int) (*Table, error) {
	switch width {
	case 1, 2, 4, 8:
	default:
		return nil, Error.New("invalid mark width: %d", width)
	}
	if states < 2 {
		return nil, Error.New("need at least two states, got %d", states)
	}
	bits := width * 8
	if states-1 > bits {
		return nil, Error.New("%d states do not fit in %d bits", states, bits)
	}

	patterns := make([][]byte, states)
	for i := range patterns {
		p := make([]byte, width)
		for j := range p {
			p[j] = 0xFF
		}
		// state i clears the low i*bits/(states-1) bits.
		for k := 0; k < i*bits/(states-1); k++ {
			p[k/8] &^= 1 << (k % 8)
		}
		patterns[i] = p
	}

	return &Table{
		width:    width,
		patterns: patterns,
	}, nil
}

// MustTable is NewTable for compile-time constant arguments.
func MustTable(width, states int) *Table {
	t, err := NewTable(width, states)
	if err != nil {
		panic(err)
	}
	return t
}

// Width returns the mark width in bytes.
func (t *Table) Width() int { return t.width }

// States returns the number of states in the table.
func (t *Table) States() int { return len(t.patterns) }

// Encode returns a copy of the pattern for the given state.
func (t *Table) Encode(state int) []byte {
	return append([]byte(nil), t.patterns[state]...)
}

// Decode maps an observed pattern back to its state, or Unknown if it
// matches no table entry exactly.
func (t *Table) Decode(buf []byte) int {
	if len(buf) != t.width {
		return Unknown
	}
	for i, p := range t.patterns {
		if bytes.Equal(buf, p) {
			return i
		}
	}
	return Unknown
}

// Erased reports whether buf is entirely in the erased all-ones state.
func Erased(buf []byte) bool {
	for _, b := range buf {
		if b != 0xFF {
			return false
		}
	}
	return true
}
