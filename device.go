package nvkit

import "github.com/zeebo/errs"

// Error is the class that contains all the errors from this package.
var Error = errs.Class("nvkit")

// Info describes the geometry of a Device.
type Info struct {
	// SectorSize is the size in bytes of the erase unit.
	SectorSize uint32

	// SectorCount is the number of sectors on the device.
	SectorCount uint32

	// WriteAlign is the minimum independently writable unit in bytes.
	// Write addresses and lengths must be multiples of it. It is one
	// of 1, 2, 4 or 8.
	WriteAlign uint32

	// Identification names the device for diagnostics.
	Identification string
}

// Size returns the total capacity of the device in bytes.
func (i Info) Size() uint32 { return i.SectorSize * i.SectorCount }

// Device is an interface abstracting a raw block-erase storage medium,
// like NOR flash. Addresses are byte offsets from the start of the
// device.
type Device interface {
	// Read fills buf with the data at addr. Reads are allowed at any
	// address and length inside the device.
	Read(addr uint32, buf []byte) error

	// Write programs data at addr. Programming may only clear bits
	// relative to the erased all-ones state; setting a cleared bit is
	// an error. addr and len(data) must be multiples of WriteAlign.
	Write(addr uint32, data []byte) error

	// Erase resets the sectors covering [addr, addr+n) to all-ones.
	// addr and n must be sector aligned.
	Erase(addr, n uint32) error

	// Sync blocks until all previously issued operations are durable.
	Sync() error

	// Info returns the device geometry.
	Info() Info

	// Acquire takes exclusive ownership of the device. A caller must
	// hold the device around a logical sequence of operations. The
	// drivers in this module propagate their own Acquire/Release down
	// to the device so cross-layer locking stays consistent.
	Acquire()

	// Release gives up exclusive ownership of the device.
	Release()
}
