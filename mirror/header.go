package mirror

import (
	"github.com/nvkit/nvkit/internal/debug"
	"github.com/nvkit/nvkit/mark"
)

// The header span is an append-only log of state mark entries, one
// entry per write-alignment unit. A mutation cycle claims the entry at
// the cursor while it is still erased and narrows it in place through
// DirtyA, DirtyB and Synced; the next cycle claims the next entry. When
// the span runs out it is erased and the cursor restarts at zero.

// persistedStates is the mark table size: Unused plus the three
// persisted mirror states, in narrowing order.
const persistedStates = 4

// entryCount returns how many mark entries fit in the header span.
func (d *Driver) entryCount() uint32 {
	return d.headerSize / uint32(d.tab.Width())
}

// scanHeader walks the log front to back. The last entry decoding to a
// known state wins; the scan stops at the first erased entry; any
// undecodable entry aborts the scan with Invalid.
//
// The returned cursor is the entry the next mark write targets: the
// winning entry itself while a cycle is still open (recovery narrows it
// to Synced), or the erased entry after it once the cycle completed.
func (d *Driver) scanHeader() (State, uint32, error) {
	w := uint32(d.tab.Width())
	buf := make([]byte, w)

	state, cursor := Invalid, uint32(0)
	for i := uint32(0); i < d.entryCount(); i++ {
		if err := d.dev.Read(i*w, buf); err != nil {
			return Invalid, 0, Error.Wrap(err)
		}
		if mark.Erased(buf) {
			break
		}
		s := d.tab.Decode(buf)
		if s == mark.Unknown {
			d.log.Warn("unrecognized header entry, treating mirror as invalid")
			return Invalid, 0, nil
		}
		state, cursor = State(s), i
	}
	if state == Synced {
		cursor++
	}
	return state, cursor, nil
}

// claimEntry positions the cursor on an erased entry, wrapping the log
// when the span is exhausted.
func (d *Driver) claimEntry() error {
	if d.cursor < d.entryCount() {
		return nil
	}
	if err := d.dev.Erase(0, d.headerSize); err != nil {
		return Error.Wrap(err)
	}
	if err := d.dev.Sync(); err != nil {
		return Error.Wrap(err)
	}
	d.cursor = 0
	return nil
}

// writeMark narrows the current entry to the given state and syncs it
// to the medium before returning.
func (d *Driver) writeMark(s State) error {
	debug.Assert("mark states are persisted states", func() bool {
		return s == DirtyA || s == DirtyB || s == Synced
	})

	addr := d.cursor * uint32(d.tab.Width())
	if err := d.dev.Write(addr, d.tab.Encode(int(s))); err != nil {
		return Error.Wrap(err)
	}
	if err := d.dev.Sync(); err != nil {
		return Error.Wrap(err)
	}
	d.state = s
	return nil
}
