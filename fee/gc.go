package fee

import (
	"time"

	"go.uber.org/zap"

	"github.com/nvkit/nvkit/internal/mon"
)

var gcThunk mon.Thunk // timing for garbage collection

// collect compacts the active arena into the other one: the source is
// frozen, the latest slot per address (minus the omitted one) is copied
// verbatim, the destination becomes active and the source is erased for
// reuse. Stop-the-world: the caller waits for the whole pass.
//
// omit lets a write that triggered the collection skip the slot it is
// about to supersede, so the address is not copied and immediately
// rewritten.
func (d *Driver) collect(omit uint32, haveOmit bool) error {
	defer gcThunk.Start().Stop()

	src, dst := d.active, 1-d.active

	if err := d.markArena(src, hdrFrozen); err != nil {
		return err
	}

	var (
		dstDir  []slotMeta
		dstUsed uint32
		payload = make([]byte, SlotPayloadSize)
	)
	for addr := uint32(0); addr < d.logicalSize; addr += SlotPayloadSize {
		if haveOmit && addr == omit {
			continue
		}
		idx, ok := d.lookup(addr)
		if !ok {
			continue
		}
		if err := d.readSlotPayload(src, idx, payload); err != nil {
			return err
		}
		if err := d.appendSlot(dst, dstUsed, addr, payload); err != nil {
			return err
		}
		dstDir = append(dstDir, slotMeta{state: slotValid, addr: addr})
		dstUsed++
	}

	if err := d.markArena(dst, hdrActive); err != nil {
		return err
	}
	if err := d.initArena(src); err != nil {
		return err
	}

	d.active = dst
	d.dir = dstDir
	d.used = dstUsed
	d.gcRuns++

	d.log.Info("fee gc",
		zap.Int("arena", dst),
		zap.Uint32("live_slots", dstUsed))
	return nil
}

// resumeCollect completes a collection that was interrupted by a crash:
// the frozen arena still holds everything, so the other arena is reset
// and the pass re-runs from scratch with nothing omitted.
func (d *Driver) resumeCollect(src int) error {
	d.log.Warn("resuming interrupted gc", zap.Int("arena", src))

	if err := d.initArena(1 - src); err != nil {
		return err
	}
	d.active = src
	if err := d.loadDir(); err != nil {
		return err
	}
	return d.collect(0, false)
}

// Compact runs a collection on demand. Callers with real-time pressure
// can spend the GC latency in an idle window instead of on a write.
func (d *Driver) Compact() error {
	if err := d.ready(); err != nil {
		return err
	}
	return d.fallible(d.collect(0, false))
}

// Stats describes arena occupancy and collection cost.
type Stats struct {
	// SlotsUsed is how many slots of the active arena are occupied.
	SlotsUsed uint32

	// SlotsTotal is the arena capacity in slots.
	SlotsTotal uint32

	// LiveSlots is the number of distinct live addresses: what
	// SlotsUsed would shrink to after a collection.
	LiveSlots uint32

	// GCRuns counts collections since Start, including resumed ones.
	GCRuns int64

	// GCAverage is the mean duration of recent collections.
	GCAverage time.Duration
}

// Stats returns current occupancy and collection cost, letting callers
// pre-trigger Compact before the write path has to.
func (d *Driver) Stats() Stats {
	live := uint32(0)
	seen := make(map[uint32]struct{}, d.used)
	for idx := uint32(0); idx < d.used; idx++ {
		if d.dir[idx].state != slotValid {
			continue
		}
		if _, ok := seen[d.dir[idx].addr]; !ok {
			seen[d.dir[idx].addr] = struct{}{}
			live++
		}
	}

	return Stats{
		SlotsUsed:  d.used,
		SlotsTotal: d.numSlots,
		LiveSlots:  live,
		GCRuns:     d.gcRuns,
		GCAverage:  time.Duration(gcThunk.Histogram().Average()),
	}
}
