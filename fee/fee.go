// Package fee emulates freely rewritable EEPROM on top of a raw
// block-erase device.
//
// The device is split into two arenas of fixed-size slots. Writes never
// update in place: each one appends a slot carrying the new payload for
// its logical address, and the last valid slot for an address wins.
// When the active arena fills up, garbage collection copies only the
// latest slot per address into the other arena and erases the source,
// spreading erase wear across the device. Every persisted transition is
// a narrowing state mark, so an interruption at any point recovers to a
// consistent arena on the next Start.
package fee

import (
	"bytes"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/nvkit/nvkit"
	"github.com/nvkit/nvkit/internal/mon"
)

// Error is the class that contains all the errors from this package.
var Error = errs.Class("fee")

var (
	// ErrNotStarted is returned by operations before a successful Start.
	ErrNotStarted = Error.New("driver not started")

	// ErrOutOfRange is returned for addresses outside the logical space.
	ErrOutOfRange = Error.New("address out of range")

	// ErrNeedsRecovery is returned after a device failure mid-protocol
	// left the in-memory state untrustworthy. Start reconciles it from
	// the medium.
	ErrNeedsRecovery = Error.New("driver needs recovery, call Start")
)

// Config configures a Driver.
type Config struct {
	// Device is the raw device underneath. The whole device belongs to
	// the driver.
	Device nvkit.Device

	// Logger receives format and garbage collection decisions. Nil
	// means no logging.
	Logger *zap.Logger
}

// Driver presents the emulated EEPROM. Operations are not safe for
// concurrent use without Acquire/Release.
type Driver struct {
	mu  sync.Mutex
	dev nvkit.Device
	log *zap.Logger

	started bool
	failed  bool
	info    nvkit.Info

	arenaBytes  uint32
	numSlots    uint32
	logicalSize uint32

	active int
	used   uint32
	dir    []slotMeta // slot directory of the active arena, len == used

	gcRuns int64
}

// New constructs a stopped driver. Start must be called before any
// other operation.
func New(cfg Config) (*Driver, error) {
	if cfg.Device == nil {
		return nil, Error.New("no device configured")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	info := cfg.Device.Info()
	if MarkWidth%info.WriteAlign != 0 {
		return nil, Error.New("write alignment %d incompatible with mark width %d",
			info.WriteAlign, MarkWidth)
	}

	arenaSectors := info.SectorCount / 2
	arenaBytes := arenaSectors * info.SectorSize
	if arenaBytes <= arenaHeaderSize+slotSize {
		return nil, Error.New("device too small: %d bytes per arena", arenaBytes)
	}
	numSlots := (arenaBytes - arenaHeaderSize) / slotSize

	return &Driver{
		dev:         cfg.Device,
		log:         log,
		info:        info,
		arenaBytes:  arenaBytes,
		numSlots:    numSlots,
		logicalSize: numSlots * SlotPayloadSize,
	}, nil
}

var startThunk mon.Thunk // timing for Start

// Start reads both arena headers and recovers to a consistent state:
// an interrupted garbage collection is completed, unrecognized content
// is reformatted, and the active arena's slot directory is loaded.
func (d *Driver) Start() error {
	defer startThunk.Start().Stop()

	hA, err := d.readArenaHeader(0)
	if err != nil {
		return err
	}
	hB, err := d.readArenaHeader(1)
	if err != nil {
		return err
	}

	switch {
	case hA == arenaActive && hB == arenaUnused:
		err = d.adopt(0)
	case hB == arenaActive && hA == arenaUnused:
		err = d.adopt(1)
	case hA == arenaFrozen && hB != arenaFrozen:
		err = d.resumeCollect(0)
	case hB == arenaFrozen && hA != arenaFrozen:
		err = d.resumeCollect(1)
	default:
		d.log.Warn("unrecognized arena headers, formatting",
			zap.Int("arena_a", hA), zap.Int("arena_b", hB))
		err = d.format()
	}
	if err != nil {
		return err
	}

	d.started = true
	d.failed = false
	return nil
}

// Stop shuts the driver down. The device keeps the layout; a later
// Start resumes from it.
func (d *Driver) Stop() error {
	if !d.started {
		return ErrNotStarted
	}
	d.started = false
	d.dir = nil
	return nil
}

// Info reports the logical geometry: one "sector" per slot payload,
// freely writable at byte granularity.
func (d *Driver) Info() nvkit.Info {
	return nvkit.Info{
		SectorSize:     SlotPayloadSize,
		SectorCount:    d.numSlots,
		WriteAlign:     1,
		Identification: d.info.Identification,
	}
}

// Size returns the size of the emulated address space in bytes.
func (d *Driver) Size() uint32 { return d.logicalSize }

// Acquire takes the driver's bus and the device under it.
func (d *Driver) Acquire() {
	d.mu.Lock()
	d.dev.Acquire()
}

// Release gives up the driver's bus and the device under it.
func (d *Driver) Release() {
	d.dev.Release()
	d.mu.Unlock()
}

// Sync flushes the underlying device.
func (d *Driver) Sync() error {
	if !d.started {
		return ErrNotStarted
	}
	return Error.Wrap(d.dev.Sync())
}

// adopt makes arena i the active one and loads its slot directory.
func (d *Driver) adopt(i int) error {
	d.active = i
	d.log.Info("fee start", zap.Int("arena", i))
	return d.loadDir()
}

// loadDir scans the active arena's slots up to the first unused one.
func (d *Driver) loadDir() error {
	d.dir = d.dir[:0]
	d.used = 0
	for idx := uint32(0); idx < d.numSlots; idx++ {
		meta, err := d.readSlotMeta(d.active, idx)
		if err != nil {
			return err
		}
		if meta.state == slotUnused {
			break
		}
		d.dir = append(d.dir, meta)
		d.used++
	}
	return nil
}

// format cold-formats the device: both arenas erased and
// reinitialized, arena 0 active with no slots used.
func (d *Driver) format() error {
	for i := 0; i < 2; i++ {
		if err := d.initArena(i); err != nil {
			return err
		}
	}
	if err := d.markArena(0, hdrActive); err != nil {
		return err
	}
	d.active = 0
	d.used = 0
	d.dir = d.dir[:0]
	return nil
}

// lookup returns the index of the authoritative slot for a slot-aligned
// address, scanning the directory so that the last valid entry wins.
func (d *Driver) lookup(addr uint32) (uint32, bool) {
	found, foundIdx := false, uint32(0)
	for idx := uint32(0); idx < d.used; idx++ {
		if d.dir[idx].state == slotValid && d.dir[idx].addr == addr {
			found, foundIdx = true, idx
		}
	}
	return foundIdx, found
}

// Read fills buf from the emulated address space. Ranges never written
// read as 0xFF.
func (d *Driver) Read(addr uint32, buf []byte) error {
	if err := d.ready(); err != nil {
		return err
	}
	n := uint32(len(buf))
	if err := d.bounds(addr, n); err != nil {
		return err
	}

	for i := range buf {
		buf[i] = 0xFF
	}

	payload := make([]byte, SlotPayloadSize)
	for idx := uint32(0); idx < d.used; idx++ {
		meta := d.dir[idx]
		if meta.state != slotValid {
			continue
		}
		lo, hi := meta.addr, meta.addr+SlotPayloadSize
		if hi <= addr || lo >= addr+n {
			continue
		}
		if err := d.readSlotPayload(d.active, idx, payload); err != nil {
			return err
		}

		// overlap of [lo,hi) with [addr,addr+n)
		start := max32(lo, addr)
		end := min32(hi, addr+n)
		copy(buf[start-addr:end-addr], payload[start-lo:end-lo])
	}
	return nil
}

var writeThunk mon.Thunk // timing for Write/Erase

// Write stores data at addr in the emulated address space. The range
// may be arbitrary; slots are updated copy-on-write, byte-identical
// updates are suppressed, and a full arena is collected before the
// append that needs the room.
func (d *Driver) Write(addr uint32, data []byte) error {
	if err := d.ready(); err != nil {
		return err
	}
	if err := d.bounds(addr, uint32(len(data))); err != nil {
		return err
	}

	defer writeThunk.Start().Stop()
	return d.fallible(d.update(addr, uint32(len(data)), data))
}

// Erase resets [addr, addr+n) of the emulated address space to 0xFF.
// It is a write of the erase pattern, not a device erase: the range may
// be arbitrary and unaffected slots keep their data.
func (d *Driver) Erase(addr, n uint32) error {
	if err := d.ready(); err != nil {
		return err
	}
	if err := d.bounds(addr, n); err != nil {
		return err
	}

	defer writeThunk.Start().Stop()
	return d.fallible(d.update(addr, n, nil))
}

// MassErase reformats both arenas, dropping all slots.
func (d *Driver) MassErase() error {
	if err := d.ready(); err != nil {
		return err
	}
	return d.fallible(d.format())
}

// update applies new bytes to [addr, addr+n), slot by slot. data nil
// means the erase pattern.
func (d *Driver) update(addr, n uint32, data []byte) error {
	for n > 0 {
		slotAddr := addr - addr%SlotPayloadSize
		off := addr - slotAddr
		span := min32(n, SlotPayloadSize-off)

		cur := make([]byte, SlotPayloadSize)
		if idx, ok := d.lookup(slotAddr); ok {
			if err := d.readSlotPayload(d.active, idx, cur); err != nil {
				return err
			}
		} else {
			for i := range cur {
				cur[i] = 0xFF
			}
		}

		next := append([]byte(nil), cur...)
		if data == nil {
			for i := off; i < off+span; i++ {
				next[i] = 0xFF
			}
		} else {
			copy(next[off:off+span], data[:span])
			data = data[span:]
		}

		// wear reduction: identical payloads append nothing
		if !bytes.Equal(next, cur) {
			if d.used == d.numSlots {
				if err := d.collect(slotAddr, true); err != nil {
					return err
				}
			}
			if err := d.appendSlot(d.active, d.used, slotAddr, next); err != nil {
				return err
			}
			d.dir = append(d.dir, slotMeta{state: slotValid, addr: slotAddr})
			d.used++
		}

		addr += span
		n -= span
	}
	return nil
}

// ready gates operations on a started, trustworthy driver.
func (d *Driver) ready() error {
	if !d.started {
		return ErrNotStarted
	}
	if d.failed {
		return ErrNeedsRecovery
	}
	return nil
}

// fallible records a mid-protocol device failure so later operations
// refuse to run on state the medium may no longer match.
func (d *Driver) fallible(err error) error {
	if err != nil {
		d.failed = true
	}
	return err
}

func (d *Driver) bounds(addr, n uint32) error {
	if uint64(addr)+uint64(n) > uint64(d.logicalSize) {
		return ErrOutOfRange
	}
	return nil
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
