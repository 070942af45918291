// Package pagedir provides a per-process translation table that records, for
// each mapped virtual page, its frame and the present, writable, accessed and
// dirty bits.
package pagedir

import (
	"errors"
	"fmt"
	"sync"
)

// ErrAlreadyMapped is returned when installing over a present mapping.
var ErrAlreadyMapped = errors.New("page is already mapped")

// Flag is a bit of a page table entry.
type Flag uint64

// Page table entry flags.
const (
	FlagPresent Flag = 1 << iota
	FlagWritable
	FlagAccessed
	FlagDirty
)

const flagMask = uint64(FlagPresent | FlagWritable | FlagAccessed | FlagDirty)

// entry packs the frame address and the flags. Frame addresses are page
// aligned, so the low bits are free for flags.
type entry uint64

func (e entry) hasFlags(flags Flag) bool {
	return uint64(e)&uint64(flags) == uint64(flags)
}

func (e *entry) setFlags(flags Flag) {
	*e = entry(uint64(*e) | uint64(flags))
}

func (e *entry) clearFlags(flags Flag) {
	*e = entry(uint64(*e) &^ uint64(flags))
}

func (e entry) frame() uint64 {
	return uint64(e) &^ flagMask
}

// A Directory is the translation table of one process. It implements
// vm.TranslationTable.
type Directory struct {
	sync.Mutex

	log2PageSize uint64
	entries      map[uint64]entry
}

// New creates an empty directory.
func New(log2PageSize uint64) *Directory {
	return &Directory{
		log2PageSize: log2PageSize,
		entries:      make(map[uint64]entry),
	}
}

func (d *Directory) vpn(vAddr uint64) uint64 {
	return vAddr >> d.log2PageSize
}

// Install maps the page at vAddr to the frame at pAddr.
func (d *Directory) Install(vAddr, pAddr uint64, writable bool) error {
	if pAddr&((1<<d.log2PageSize)-1) != 0 {
		return fmt.Errorf("frame %#x is not page aligned", pAddr)
	}

	d.Lock()
	defer d.Unlock()

	if e, ok := d.entries[d.vpn(vAddr)]; ok && e.hasFlags(FlagPresent) {
		return fmt.Errorf("%w: %#x", ErrAlreadyMapped, vAddr)
	}

	e := entry(pAddr)
	e.setFlags(FlagPresent)
	if writable {
		e.setFlags(FlagWritable)
	}

	d.entries[d.vpn(vAddr)] = e

	return nil
}

// Clear removes the mapping of the page at vAddr.
func (d *Directory) Clear(vAddr uint64) {
	d.Lock()
	defer d.Unlock()

	delete(d.entries, d.vpn(vAddr))
}

// Lookup returns the frame address that vAddr translates to, including the
// in-page offset.
func (d *Directory) Lookup(vAddr uint64) (pAddr uint64, writable bool, ok bool) {
	d.Lock()
	defer d.Unlock()

	e, found := d.entries[d.vpn(vAddr)]
	if !found || !e.hasFlags(FlagPresent) {
		return 0, false, false
	}

	offset := vAddr & ((1 << d.log2PageSize) - 1)

	return e.frame() + offset, e.hasFlags(FlagWritable), true
}

// IsAccessed returns the accessed bit of the page at vAddr.
func (d *Directory) IsAccessed(vAddr uint64) bool {
	return d.hasFlag(vAddr, FlagAccessed)
}

// SetAccessed sets or clears the accessed bit of a mapped page.
func (d *Directory) SetAccessed(vAddr uint64, accessed bool) {
	d.setFlag(vAddr, FlagAccessed, accessed)
}

// IsDirty returns the dirty bit of the page at vAddr.
func (d *Directory) IsDirty(vAddr uint64) bool {
	return d.hasFlag(vAddr, FlagDirty)
}

// SetDirty sets or clears the dirty bit of a mapped page.
func (d *Directory) SetDirty(vAddr uint64, dirty bool) {
	d.setFlag(vAddr, FlagDirty, dirty)
}

// Len returns the number of present mappings.
func (d *Directory) Len() int {
	d.Lock()
	defer d.Unlock()

	return len(d.entries)
}

func (d *Directory) hasFlag(vAddr uint64, flag Flag) bool {
	d.Lock()
	defer d.Unlock()

	e, found := d.entries[d.vpn(vAddr)]
	if !found || !e.hasFlags(FlagPresent) {
		return false
	}

	return e.hasFlags(flag)
}

func (d *Directory) setFlag(vAddr uint64, flag Flag, value bool) {
	d.Lock()
	defer d.Unlock()

	e, found := d.entries[d.vpn(vAddr)]
	if !found {
		return
	}

	if value {
		e.setFlags(flag)
	} else {
		e.clearFlags(flag)
	}

	d.entries[d.vpn(vAddr)] = e
}
