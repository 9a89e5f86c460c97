package fee

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/nvkit/nvkit/mark"
)

// On-device layout. The constants participate in the persisted format:
// changing any of them makes existing devices unreadable, which the
// magic value guards against at Start.
//
// Each arena is half the device. It opens with a 32 byte header
//
//	{magic:4, mark:2*MarkWidth, padding}
//
// followed by an append-only array of slots
//
//	{mark:2*MarkWidth, address:4, payload:SlotPayloadSize}
//
// Addresses and marks are little-endian. The header mark narrows
// through Unused, Active, Frozen; a slot mark through Unused, Dirty,
// Valid.
const (
	// MarkWidth is the width in bytes of one state mark field. The
	// device's write alignment must divide it.
	MarkWidth = 4

	// SlotPayloadSize is the number of logical bytes one slot carries.
	SlotPayloadSize = 8

	formatVersion = 1

	arenaHeaderSize = 32
	slotAddrOff     = 2 * MarkWidth
	slotPayloadOff  = slotAddrOff + 4
	slotSize        = slotPayloadOff + SlotPayloadSize
)

// arena header states, in mark table order.
const (
	hdrUnused = iota
	hdrActive
	hdrFrozen
	hdrStates
)

// slot states, in mark table order.
const (
	slotUnused = iota
	slotDirty
	slotValid
	slotStates
)

var (
	hdrTab  = mark.MustTable(2*MarkWidth, hdrStates)
	slotTab = mark.MustTable(2*MarkWidth, slotStates)

	// arenaMagic pins the layout constants into the persisted format.
	arenaMagic = func() []byte {
		sum := xxhash.Sum64String(fmt.Sprintf(
			"nvkit/fee v%d mark%d payload%d",
			formatVersion, MarkWidth, SlotPayloadSize))
		m := make([]byte, 4)
		binary.LittleEndian.PutUint32(m, uint32(sum))
		return m
	}()
)

// arenaOrg returns the device address of arena i.
func (d *Driver) arenaOrg(i int) uint32 {
	return uint32(i) * d.arenaBytes
}

// slotOrg returns the device address of slot idx in arena i.
func (d *Driver) slotOrg(i int, idx uint32) uint32 {
	return d.arenaOrg(i) + arenaHeaderSize + idx*slotSize
}

// header classification, from magic plus decoded mark. A fully erased
// header counts as unused: it is how an arena looks between the erase
// and the magic rewrite of a reinitialization, and adopting it as
// unused keeps that window crash safe.
const (
	arenaUnused = iota
	arenaActive
	arenaFrozen
	arenaCorrupt
)

// readArenaHeader classifies arena i.
func (d *Driver) readArenaHeader(i int) (int, error) {
	buf := make([]byte, 4+2*MarkWidth)
	if err := d.dev.Read(d.arenaOrg(i), buf); err != nil {
		return arenaCorrupt, Error.Wrap(err)
	}

	if mark.Erased(buf) {
		return arenaUnused, nil
	}
	if !bytes.Equal(buf[:4], arenaMagic) {
		return arenaCorrupt, nil
	}

	switch hdrTab.Decode(buf[4:]) {
	case hdrUnused:
		return arenaUnused, nil
	case hdrActive:
		return arenaActive, nil
	case hdrFrozen:
		return arenaFrozen, nil
	default:
		return arenaCorrupt, nil
	}
}

// initArena erases arena i and rewrites its magic, leaving it Unused.
func (d *Driver) initArena(i int) error {
	if err := d.dev.Erase(d.arenaOrg(i), d.arenaBytes); err != nil {
		return Error.Wrap(err)
	}
	if err := d.dev.Write(d.arenaOrg(i), arenaMagic); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(d.dev.Sync())
}

// markArena narrows the header mark of arena i to the given state.
func (d *Driver) markArena(i, state int) error {
	if err := d.dev.Write(d.arenaOrg(i)+4, hdrTab.Encode(state)); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(d.dev.Sync())
}

// slotMeta is the in-memory directory entry for one slot.
type slotMeta struct {
	state int
	addr  uint32
}

// readSlotMeta reads the mark and address of slot idx in arena i.
func (d *Driver) readSlotMeta(i int, idx uint32) (slotMeta, error) {
	buf := make([]byte, slotPayloadOff)
	if err := d.dev.Read(d.slotOrg(i, idx), buf); err != nil {
		return slotMeta{}, Error.Wrap(err)
	}

	if mark.Erased(buf[:2*MarkWidth]) {
		return slotMeta{state: slotUnused}, nil
	}

	state := slotTab.Decode(buf[:2*MarkWidth])
	if state == mark.Unknown {
		// torn mark transition: the slot is occupied but not usable
		state = slotDirty
	}
	return slotMeta{
		state: state,
		addr:  binary.LittleEndian.Uint32(buf[slotAddrOff:]),
	}, nil
}

// readSlotPayload reads the payload of slot idx in arena i.
func (d *Driver) readSlotPayload(i int, idx uint32, buf []byte) error {
	return Error.Wrap(d.dev.Read(d.slotOrg(i, idx)+slotPayloadOff, buf))
}

// appendSlot writes a full slot record at idx in arena i: mark Dirty,
// program address and payload, mark Valid. Marks are synced so a torn
// append is recognizable on the next scan.
func (d *Driver) appendSlot(i int, idx, addr uint32, payload []byte) error {
	org := d.slotOrg(i, idx)

	if err := d.dev.Write(org, slotTab.Encode(slotDirty)); err != nil {
		return Error.Wrap(err)
	}
	if err := d.dev.Sync(); err != nil {
		return Error.Wrap(err)
	}

	rec := make([]byte, 4+SlotPayloadSize)
	binary.LittleEndian.PutUint32(rec, addr)
	copy(rec[4:], payload)
	if err := d.dev.Write(org+slotAddrOff, rec); err != nil {
		return Error.Wrap(err)
	}

	if err := d.dev.Write(org, slotTab.Encode(slotValid)); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(d.dev.Sync())
}
