// Package cachedev layers a read-through LRU sector cache over any
// nvkit.Device. The fee driver's slot scans re-read the same sectors
// heavily; fronting a slow backend (SPI flash, a file) with a small RAM
// cache takes those reads off the bus without changing semantics.
package cachedev

import (
	"container/list"
	"sync"

	"github.com/zeebo/errs"

	"github.com/nvkit/nvkit"
)

// Error is the class that contains all the errors from this package.
var Error = errs.Class("cachedev")

type sectorEntry struct {
	sector uint32
	data   []byte
}

// Device caches whole sectors of an underlying device. It is not safe
// for concurrent use without Acquire/Release, same as every other
// device in this module.
type Device struct {
	mu       sync.Mutex
	dev      nvkit.Device
	info     nvkit.Info
	capacity int

	order   *list.List // front is most recently used
	sectors map[uint32]*list.Element
}

// New wraps dev with a cache holding up to capacity sectors.
func New(dev nvkit.Device, capacity int) (*Device, error) {
	if capacity < 1 {
		return nil, Error.New("cache capacity must be positive: %d", capacity)
	}
	return &Device{
		dev:      dev,
		info:     dev.Info(),
		capacity: capacity,
		order:    list.New(),
		sectors:  make(map[uint32]*list.Element),
	}, nil
}

// Info returns the underlying device geometry.
func (d *Device) Info() nvkit.Info { return d.info }

// Acquire takes exclusive ownership of the cache and the device under it.
func (d *Device) Acquire() {
	d.mu.Lock()
	d.dev.Acquire()
}

// Release gives up exclusive ownership.
func (d *Device) Release() {
	d.dev.Release()
	d.mu.Unlock()
}

// Read serves from cached sectors, faulting missing ones in from the
// underlying device.
func (d *Device) Read(addr uint32, buf []byte) error {
	ss := d.info.SectorSize
	for len(buf) > 0 {
		sector := addr / ss
		off := addr % ss

		data, err := d.sector(sector)
		if err != nil {
			return err
		}

		n := copy(buf, data[off:])
		buf = buf[n:]
		addr += uint32(n)
	}
	return nil
}

// Write passes through to the device and drops the covered sectors from
// the cache.
func (d *Device) Write(addr uint32, data []byte) error {
	if err := d.dev.Write(addr, data); err != nil {
		return Error.Wrap(err)
	}
	d.invalidate(addr, uint32(len(data)))
	return nil
}

// Erase passes through to the device and drops the covered sectors from
// the cache.
func (d *Device) Erase(addr, n uint32) error {
	if err := d.dev.Erase(addr, n); err != nil {
		return Error.Wrap(err)
	}
	d.invalidate(addr, n)
	return nil
}

// Sync passes through to the device.
func (d *Device) Sync() error { return Error.Wrap(d.dev.Sync()) }

func (d *Device) sector(sector uint32) ([]byte, error) {
	if el, ok := d.sectors[sector]; ok {
		d.order.MoveToFront(el)
		return el.Value.(*sectorEntry).data, nil
	}

	data := make([]byte, d.info.SectorSize)
	if err := d.dev.Read(sector*d.info.SectorSize, data); err != nil {
		return nil, Error.Wrap(err)
	}

	if d.order.Len() >= d.capacity {
		oldest := d.order.Back()
		d.order.Remove(oldest)
		delete(d.sectors, oldest.Value.(*sectorEntry).sector)
	}
	d.sectors[sector] = d.order.PushFront(&sectorEntry{sector: sector, data: data})
	return data, nil
}

func (d *Device) invalidate(addr, n uint32) {
	if n == 0 {
		return
	}
	ss := d.info.SectorSize
	for sector := addr / ss; sector <= (addr+n-1)/ss; sector++ {
		if el, ok := d.sectors[sector]; ok {
			d.order.Remove(el)
			delete(d.sectors, sector)
		}
	}
}
