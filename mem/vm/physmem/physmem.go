// Package physmem provides the raw physical page source that the frame
// allocator draws from.
package physmem

import (
	"log"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/sarchlab/vmsim/memory"
)

// Flags modify how a page is handed out.
type Flags uint8

// Allocation flags.
const (
	// FlagUser asks for a page from the user pool.
	FlagUser Flags = 1 << iota

	// FlagZero asks for the page to be filled with zeros.
	FlagZero
)

// Memory is a fixed pool of physical pages. Released pages keep their stale
// content until they are handed out with FlagZero.
type Memory struct {
	sync.Mutex

	storage  *memory.Storage
	pageSize uint64
	numPages uint
	used     *bitset.BitSet
	nextScan uint
}

// New creates a physical memory of numPages pages.
func New(numPages int, pageSize uint64) *Memory {
	return &Memory{
		storage:  memory.NewStorage(uint64(numPages)*pageSize, pageSize),
		pageSize: pageSize,
		numPages: uint(numPages),
		used:     bitset.New(uint(numPages)),
	}
}

// PageSize returns the size of a physical page.
func (m *Memory) PageSize() uint64 {
	return m.pageSize
}

// NumPages returns the total number of physical pages.
func (m *Memory) NumPages() int {
	return int(m.numPages)
}

// NumFree returns the number of pages that can still be handed out.
func (m *Memory) NumFree() int {
	m.Lock()
	defer m.Unlock()

	return int(m.numPages - m.used.Count())
}

// GetPage hands out a free page and returns its physical address. It returns
// false when the pool is exhausted.
func (m *Memory) GetPage(flags Flags) (uint64, bool) {
	m.Lock()
	defer m.Unlock()

	index, found := m.used.NextClear(m.nextScan)
	if !found || index >= m.numPages {
		index, found = m.used.NextClear(0)
		if !found || index >= m.numPages {
			return 0, false
		}
	}

	m.used.Set(index)
	m.nextScan = index + 1

	addr := uint64(index) * m.pageSize
	if flags&FlagZero != 0 {
		err := m.storage.Discard(addr, m.pageSize)
		if err != nil {
			log.Panic(err)
		}
	}

	return addr, true
}

// ReleasePage returns a page to the pool. Releasing a page that is not handed
// out panics.
func (m *Memory) ReleasePage(addr uint64) {
	m.Lock()
	defer m.Unlock()

	index := m.indexOf(addr)
	if !m.used.Test(index) {
		log.Panicf("physical page %#x is not allocated", addr)
	}

	m.used.Clear(index)
}

// ReadPage copies the page at addr into buf, which must be one page long.
func (m *Memory) ReadPage(addr uint64, buf []byte) error {
	m.mustBePage(addr, buf)
	return m.storage.ReadInto(addr, buf)
}

// WritePage overwrites the page at addr with data, which must be one page
// long.
func (m *Memory) WritePage(addr uint64, data []byte) error {
	m.mustBePage(addr, data)
	return m.storage.Write(addr, data)
}

// Read copies bytes at an arbitrary physical address.
func (m *Memory) Read(addr uint64, buf []byte) error {
	return m.storage.ReadInto(addr, buf)
}

// Write stores bytes at an arbitrary physical address.
func (m *Memory) Write(addr uint64, data []byte) error {
	return m.storage.Write(addr, data)
}

func (m *Memory) indexOf(addr uint64) uint {
	if addr%m.pageSize != 0 || addr/m.pageSize >= uint64(m.numPages) {
		log.Panicf("%#x is not a physical page address", addr)
	}

	return uint(addr / m.pageSize)
}

func (m *Memory) mustBePage(addr uint64, buf []byte) {
	m.indexOf(addr)

	if uint64(len(buf)) != m.pageSize {
		log.Panicf("buffer of %d bytes is not a page", len(buf))
	}
}
