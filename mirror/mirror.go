// Package mirror keeps two full copies of a logical flash region and
// guarantees the region is never observably torn by a power loss.
//
// The device is laid out as a small header span followed by two equal
// mirror spans. Every mutation runs a three phase protocol, recording
// its progress in the header as a state mark that narrows through
// DirtyA, DirtyB and Synced. On Start the last recorded state picks the
// authoritative copy and recovery re-synchronizes the other one, so a
// crash at any protocol step is repaired on the next boot.
package mirror

import (
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/nvkit/nvkit"
	"github.com/nvkit/nvkit/internal/debug"
	"github.com/nvkit/nvkit/internal/mon"
	"github.com/nvkit/nvkit/mark"
)

// Error is the class that contains all the errors from this package.
var Error = errs.Class("mirror")

var (
	// ErrNotStarted is returned by operations before a successful Start.
	ErrNotStarted = Error.New("driver not started")

	// ErrNotSynced is returned when an operation needs a synced mirror
	// but an earlier failure left it dirty. Start recovers it.
	ErrNotSynced = Error.New("mirror not synced")

	// ErrOutOfRange is returned for addresses outside the mirror.
	ErrOutOfRange = Error.New("address out of range")

	// ErrAlignment is returned for misaligned addresses or lengths.
	ErrAlignment = Error.New("bad alignment")
)

// State is the synchronization state of the mirror as a whole. The
// persisted states double as the mark table order: each is a strict
// bit-submask of its predecessor, so any forward transition is a pure
// write.
type State int

const (
	// Invalid is the transient undetermined state during the startup
	// scan. It is never persisted; an unreadable header decodes to it.
	Invalid State = iota

	// DirtyA means mirror A is mid-update and B is authoritative.
	DirtyA

	// DirtyB means A is authoritative and B is mid-update.
	DirtyB

	// Synced means both copies match the last committed snapshot.
	Synced
)

func (s State) String() string {
	switch s {
	case DirtyA:
		return "dirty-a"
	case DirtyB:
		return "dirty-b"
	case Synced:
		return "synced"
	default:
		return "invalid"
	}
}

// Config configures a Driver.
type Config struct {
	// Device is the raw device underneath.
	Device nvkit.Device

	// HeaderSectors is how many sectors hold the state mark log.
	HeaderSectors uint32

	// Logger receives recovery decisions. Nil means no logging.
	Logger *zap.Logger
}

// Driver presents the mirrored region. It implements nvkit.Device.
// Operations are not safe for concurrent use without Acquire/Release.
type Driver struct {
	mu  sync.Mutex
	dev nvkit.Device
	log *zap.Logger
	tab *mark.Table

	started bool
	state   State
	cursor  uint32 // header entry the current cycle narrows

	info       nvkit.Info // underlying device geometry
	headerSize uint32
	mirrorSize uint32
	aOrg       uint32
	bOrg       uint32
}

// New constructs a stopped driver. Start must be called before any
// other operation.
func New(cfg Config) (*Driver, error) {
	if cfg.Device == nil {
		return nil, Error.New("no device configured")
	}
	if cfg.HeaderSectors == 0 {
		return nil, Error.New("at least one header sector is required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	info := cfg.Device.Info()
	if info.SectorCount <= cfg.HeaderSectors {
		return nil, Error.New("device too small: %d sectors, %d for header",
			info.SectorCount, cfg.HeaderSectors)
	}
	mirrorSectors := (info.SectorCount - cfg.HeaderSectors) / 2
	if mirrorSectors == 0 {
		return nil, Error.New("device too small for two mirror copies")
	}

	tab, err := mark.NewTable(int(info.WriteAlign), persistedStates)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	headerSize := cfg.HeaderSectors * info.SectorSize
	mirrorSize := mirrorSectors * info.SectorSize

	return &Driver{
		dev:        cfg.Device,
		log:        log,
		tab:        tab,
		info:       info,
		headerSize: headerSize,
		mirrorSize: mirrorSize,
		aOrg:       headerSize,
		bOrg:       headerSize + mirrorSize,
	}, nil
}

var startThunk mon.Thunk // timing for Start

// Start scans the header log, determines the mirror state and runs
// recovery until the mirror is Synced. It is idempotent: a second Start
// with no intervening writes changes nothing.
func (d *Driver) Start() error {
	defer startThunk.Start().Stop()

	state, cursor, err := d.scanHeader()
	if err != nil {
		return err
	}
	d.state, d.cursor = state, cursor

	d.log.Info("mirror start",
		zap.String("state", state.String()),
		zap.Uint32("cursor", cursor),
		zap.Uint32("mirror_size", d.mirrorSize))

	if err := d.recover(); err != nil {
		return err
	}

	d.started = true
	return nil
}

// Stop shuts the driver down. The device keeps the layout; a later
// Start resumes from it.
func (d *Driver) Stop() error {
	if !d.started {
		return ErrNotStarted
	}
	d.started = false
	return nil
}

// State returns the current synchronization state.
func (d *Driver) State() State { return d.state }

// Info reports the logical geometry: the sectors of one mirror copy.
func (d *Driver) Info() nvkit.Info {
	return nvkit.Info{
		SectorSize:     d.info.SectorSize,
		SectorCount:    d.mirrorSize / d.info.SectorSize,
		WriteAlign:     d.info.WriteAlign,
		Identification: d.info.Identification,
	}
}

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

// Read fills buf from the mirror. The mirror must be Synced; after a
// failed mutation, Start recovers it.
func (d *Driver) Read(addr uint32, buf []byte) error {
	if !d.started {
		return ErrNotStarted
	}
	if d.state != Synced {
		return ErrNotSynced
	}
	if err := d.bounds(addr, uint32(len(buf))); err != nil {
		return err
	}
	return Error.Wrap(d.dev.Read(d.aOrg+addr, buf))
}

var writeThunk mon.Thunk // timing for Write/Erase

// Write programs data into the mirrored region. Flash semantics apply:
// programming only clears bits; Erase a region before rewriting it.
// The write is atomic against power loss: after a crash the region
// reads either as before or after the whole write.
func (d *Driver) Write(addr uint32, data []byte) error {
	if !d.started {
		return ErrNotStarted
	}
	n := uint32(len(data))
	if err := d.bounds(addr, n); err != nil {
		return err
	}
	if addr%d.info.WriteAlign != 0 || n%d.info.WriteAlign != 0 {
		return ErrAlignment
	}
	if n == 0 {
		return nil
	}

	defer writeThunk.Start().Stop()
	return d.mutate(func(org uint32) error {
		return d.dev.Write(org+addr, data)
	})
}

// Erase resets the sectors covering [addr, addr+n) of the mirrored
// region, atomically against power loss.
func (d *Driver) Erase(addr, n uint32) error {
	if !d.started {
		return ErrNotStarted
	}
	if err := d.bounds(addr, n); err != nil {
		return err
	}
	if addr%d.info.SectorSize != 0 || n%d.info.SectorSize != 0 {
		return ErrAlignment
	}
	if n == 0 {
		return nil
	}

	defer writeThunk.Start().Stop()
	return d.mutate(func(org uint32) error {
		return d.dev.Erase(org+addr, n)
	})
}

// MassErase erases the whole mirrored region through the same marked
// protocol, so even it is power-fail safe.
func (d *Driver) MassErase() error {
	if !d.started {
		return ErrNotStarted
	}

	defer writeThunk.Start().Stop()
	return d.mutate(func(org uint32) error {
		return d.dev.Erase(org, d.mirrorSize)
	})
}

// mutate runs the three phase protocol: mark DirtyA, change copy A,
// mark DirtyB, change copy B, mark Synced. Marks are synced to the
// medium before the data they cover, so the last durable mark always
// honestly names the authoritative copy.
func (d *Driver) mutate(apply func(org uint32) error) error {
	if d.state != Synced {
		return ErrNotSynced
	}

	if err := d.claimEntry(); err != nil {
		return err
	}
	if err := d.writeMark(DirtyA); err != nil {
		return err
	}
	if err := apply(d.aOrg); err != nil {
		return Error.Wrap(err)
	}
	if err := d.writeMark(DirtyB); err != nil {
		return err
	}
	if err := apply(d.bOrg); err != nil {
		return Error.Wrap(err)
	}
	if err := d.writeMark(Synced); err != nil {
		return err
	}
	d.cursor++
	return nil
}

// recover brings the mirror to Synced from whatever state the scan
// found. Re-running it after a crash mid-recovery reaches the same end
// state.
func (d *Driver) recover() error {
	switch d.state {
	case Synced:
		return nil

	case DirtyA:
		// B is authoritative, rebuild A.
		d.log.Info("mirror recovery", zap.String("direction", "b->a"))
		if err := d.copy(d.bOrg, d.aOrg); err != nil {
			return err
		}
		if err := d.writeMark(Synced); err != nil {
			return err
		}
		d.cursor++
		return nil

	case DirtyB:
		// A is authoritative, rebuild B.
		d.log.Info("mirror recovery", zap.String("direction", "a->b"))
		if err := d.copy(d.aOrg, d.bOrg); err != nil {
			return err
		}
		if err := d.writeMark(Synced); err != nil {
			return err
		}
		d.cursor++
		return nil

	default:
		// No usable header. Assume B is the unreliable copy, rebuild
		// it from A, then restart the log with a fresh Synced entry.
		d.log.Warn("mirror recovery from invalid header",
			zap.String("direction", "a->b"))
		if err := d.copy(d.aOrg, d.bOrg); err != nil {
			return err
		}
		if err := Error.Wrap(d.dev.Erase(0, d.headerSize)); err != nil {
			return err
		}
		d.cursor = 0
		if err := d.writeMark(Synced); err != nil {
			return err
		}
		d.cursor++
		return nil
	}
}

// copy clones one mirror span onto the other, erasing each destination
// sector before programming it.
func (d *Driver) copy(src, dst uint32) error {
	debug.Assert("copy spans are mirror origins", func() bool {
		return (src == d.aOrg && dst == d.bOrg) || (src == d.bOrg && dst == d.aOrg)
	})

	buf := make([]byte, d.info.SectorSize)
	for off := uint32(0); off < d.mirrorSize; off += d.info.SectorSize {
		if err := d.dev.Erase(dst+off, d.info.SectorSize); err != nil {
			return Error.Wrap(err)
		}
		if err := d.dev.Read(src+off, buf); err != nil {
			return Error.Wrap(err)
		}
		if err := d.dev.Write(dst+off, buf); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

func (d *Driver) bounds(addr, n uint32) error {
	if uint64(addr)+uint64(n) > uint64(d.mirrorSize) {
		return ErrOutOfRange
	}
	return nil
}
