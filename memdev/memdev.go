// Package memdev emulates a NOR-style block-erase device in memory.
//
// The emulation is strict: writes may only clear bits, erases must be
// sector aligned, and write addresses must respect the configured
// alignment. Violations are errors rather than silent fixes so that
// driver bugs surface in tests instead of on hardware. A fault hook
// makes the device stop accepting mutations after a chosen number of
// operations, which is how the crash-recovery tests simulate power loss
// at arbitrary protocol steps.
package memdev

import (
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"github.com/nvkit/nvkit"
)

// Error is the class that contains all the errors from this package.
var Error = errs.Class("memdev")

// ErrFault is returned once the injected fault has tripped.
var ErrFault = Error.New("injected fault")

// Device is a RAM-backed nvkit.Device.
type Device struct {
	mu   sync.Mutex
	info nvkit.Info
	mem  []byte

	writes    int64
	erases    int64
	failAfter int64 // remaining mutations before failure, -1 when disarmed
}

// New returns an erased device with the given geometry. writeAlign must
// be 1, 2, 4 or 8.
func New(sectorSize, sectorCount, writeAlign uint32) *Device {
	d := &Device{
		info: nvkit.Info{
			SectorSize:     sectorSize,
			SectorCount:    sectorCount,
			WriteAlign:     writeAlign,
			Identification: "ram-" + uuid.NewString(),
		},
		mem:       make([]byte, sectorSize*sectorCount),
		failAfter: -1,
	}
	for i := range d.mem {
		d.mem[i] = 0xFF
	}
	return d
}

// Info returns the device geometry.
func (d *Device) Info() nvkit.Info { return d.info }

// Acquire takes exclusive ownership of the device.
func (d *Device) Acquire() { d.mu.Lock() }

// Release gives up exclusive ownership of the device.
func (d *Device) Release() { d.mu.Unlock() }

// Read fills buf with the data at addr.
func (d *Device) Read(addr uint32, buf []byte) error {
	if err := d.bounds(addr, uint32(len(buf))); err != nil {
		return err
	}
	copy(buf, d.mem[addr:])
	return nil
}

// Write programs data at addr, clearing bits only.
func (d *Device) Write(addr uint32, data []byte) error {
	n := uint32(len(data))
	if err := d.bounds(addr, n); err != nil {
		return err
	}
	if addr%d.info.WriteAlign != 0 || n%d.info.WriteAlign != 0 {
		return Error.New("unaligned write: addr=%d len=%d align=%d",
			addr, n, d.info.WriteAlign)
	}
	if err := d.trip(); err != nil {
		return err
	}
	for i, b := range data {
		if b&^d.mem[addr+uint32(i)] != 0 {
			return Error.New("write sets programmed bits at %d", addr+uint32(i))
		}
		d.mem[addr+uint32(i)] &= b
	}
	d.writes++
	return nil
}

// Erase resets the sectors covering [addr, addr+n) to all-ones.
func (d *Device) Erase(addr, n uint32) error {
	if err := d.bounds(addr, n); err != nil {
		return err
	}
	if addr%d.info.SectorSize != 0 || n%d.info.SectorSize != 0 {
		return Error.New("unaligned erase: addr=%d len=%d sector=%d",
			addr, n, d.info.SectorSize)
	}
	if err := d.trip(); err != nil {
		return err
	}
	for i := addr; i < addr+n; i++ {
		d.mem[i] = 0xFF
	}
	d.erases++
	return nil
}

// Sync is immediate for a RAM device.
func (d *Device) Sync() error {
	if d.failAfter == 0 {
		return ErrFault
	}
	return nil
}

// FailAfter arms the fault hook: the next n mutating operations succeed
// and every one after them fails without touching the medium.
func (d *Device) FailAfter(n int64) { d.failAfter = n }

// ClearFault disarms the fault hook, simulating the device coming back
// after a reset.
func (d *Device) ClearFault() { d.failAfter = -1 }

// Writes returns the number of successful write operations.
func (d *Device) Writes() int64 { return d.writes }

// Erases returns the number of successful erase operations.
func (d *Device) Erases() int64 { return d.erases }

// Image returns a copy of the device contents.
func (d *Device) Image() []byte {
	return append([]byte(nil), d.mem...)
}

func (d *Device) bounds(addr, n uint32) error {
	if uint64(addr)+uint64(n) > uint64(len(d.mem)) {
		return Error.New("out of range: addr=%d len=%d size=%d",
			addr, n, len(d.mem))
	}
	return nil
}

func (d *Device) trip() error {
	if d.failAfter == 0 {
		return ErrFault
	}
	if d.failAfter > 0 {
		d.failAfter--
	}
	return nil
}
