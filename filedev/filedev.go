// Package filedev emulates a NOR-style block-erase device backed by a
// flat file, with the same strict semantics as memdev. It is the
// backend the nvkit CLI operates on.
package filedev

import (
	"os"
	"sync"

	"github.com/zeebo/errs"

	"github.com/nvkit/nvkit"
)

// Error is the class that contains all the errors from this package.
var Error = errs.Class("filedev")

// Geometry configures the emulated device shape.
type Geometry struct {
	SectorSize  uint32 `yaml:"sector_size"`
	SectorCount uint32 `yaml:"sector_count"`
	WriteAlign  uint32 `yaml:"write_align"`
}

func (g Geometry) validate() error {
	if g.SectorSize == 0 || g.SectorCount == 0 {
		return Error.New("invalid geometry: %+v", g)
	}
	switch g.WriteAlign {
	case 1, 2, 4, 8:
		return nil
	}
	return Error.New("invalid write alignment: %d", g.WriteAlign)
}

// Device is a file-backed nvkit.Device.
type Device struct {
	mu   sync.Mutex
	info nvkit.Info
	f    *os.File
}

// Create makes a fully erased device image at path.
func Create(path string, geo Geometry) (*Device, error) {
	if err := geo.validate(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	blank := make([]byte, geo.SectorSize)
	for i := range blank {
		blank[i] = 0xFF
	}
	for i := uint32(0); i < geo.SectorCount; i++ {
		if _, err := f.WriteAt(blank, int64(i)*int64(geo.SectorSize)); err != nil {
			f.Close()
			return nil, Error.Wrap(err)
		}
	}

	return newDevice(f, path, geo), nil
}

// Open opens an existing device image at path. The file size must match
// the geometry exactly.
func Open(path string, geo Geometry) (*Device, error) {
	if err := geo.validate(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Error.Wrap(err)
	}
	if want := int64(geo.SectorSize) * int64(geo.SectorCount); fi.Size() != want {
		f.Close()
		return nil, Error.New("image size %d does not match geometry %d",
			fi.Size(), want)
	}

	return newDevice(f, path, geo), nil
}

func newDevice(f *os.File, path string, geo Geometry) *Device {
	return &Device{
		info: nvkit.Info{
			SectorSize:     geo.SectorSize,
			SectorCount:    geo.SectorCount,
			WriteAlign:     geo.WriteAlign,
			Identification: "file-" + path,
		},
		f: f,
	}
}

// Info returns the device geometry.
func (d *Device) Info() nvkit.Info { return d.info }

// Acquire takes exclusive ownership of the device.
func (d *Device) Acquire() { d.mu.Lock() }

// Release gives up exclusive ownership of the device.
func (d *Device) Release() { d.mu.Unlock() }

// Close releases the backing file. The device is unusable afterward.
func (d *Device) Close() error { return Error.Wrap(d.f.Close()) }

// Read fills buf with the data at addr.
func (d *Device) Read(addr uint32, buf []byte) error {
	if err := d.bounds(addr, uint32(len(buf))); err != nil {
		return err
	}
	_, err := d.f.ReadAt(buf, int64(addr))
	return Error.Wrap(err)
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

	cur := make([]byte, n)
	if _, err := d.f.ReadAt(cur, int64(addr)); err != nil {
		return Error.Wrap(err)
	}
	for i, b := range data {
		if b&^cur[i] != 0 {
			return Error.New("write sets programmed bits at %d", addr+uint32(i))
		}
		cur[i] &= b
	}
	_, err := d.f.WriteAt(cur, int64(addr))
	return Error.Wrap(err)
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

	blank := make([]byte, d.info.SectorSize)
	for i := range blank {
		blank[i] = 0xFF
	}
	for off := addr; off < addr+n; off += d.info.SectorSize {
		if _, err := d.f.WriteAt(blank, int64(off)); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// Sync flushes the backing file to stable storage.
func (d *Device) Sync() error { return Error.Wrap(d.f.Sync()) }

func (d *Device) bounds(addr, n uint32) error {
	if uint64(addr)+uint64(n) > uint64(d.info.Size()) {
		return Error.New("out of range: addr=%d len=%d size=%d",
			addr, n, d.info.Size())
	}
	return nil
}
