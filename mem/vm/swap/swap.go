// Package swap manages page-sized slots on a swap device.
package swap

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/sarchlab/vmsim/mem/vm"
	"github.com/sarchlab/vmsim/mem/vm/blockdev"
)

var (
	// ErrSwapFull is returned when every slot is in use.
	ErrSwapFull = fmt.Errorf("%w: swap space exhausted", vm.ErrOutOfMemory)

	// ErrSwapDisabled is returned when there is no swap device.
	ErrSwapDisabled = fmt.Errorf("%w: no swap device", vm.ErrOutOfMemory)
)

// A Manager hands out swap slots. Slot i occupies sectors
// [i*sectorsPerSlot, (i+1)*sectorsPerSlot) of the device.
//
// One lock covers the slot map and the device transfers, so a slot is never
// seen as usable by a second claimant before its content is complete.
type Manager struct {
	sync.Mutex

	dev            blockdev.Device
	pageSize       uint64
	sectorsPerSlot uint64
	numSlots       uint
	slots          *bitset.BitSet
	logger         *slog.Logger
}

// NewManager sizes the slot map to the device. A nil device gives a manager
// with swap disabled.
func NewManager(
	dev blockdev.Device,
	pageSize uint64,
	logger *slog.Logger,
) *Manager {
	if pageSize%blockdev.SectorSize != 0 {
		log.Panicf("page size %d is not a multiple of the sector size",
			pageSize)
	}

	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		dev:            dev,
		pageSize:       pageSize,
		sectorsPerSlot: pageSize / blockdev.SectorSize,
		logger:         logger.With("comp", "swap"),
	}

	if dev == nil {
		m.logger.Warn("no swap device, anonymous pages cannot be evicted")
		return m
	}

	m.numSlots = uint(dev.Size() * blockdev.SectorSize / pageSize)
	m.slots = bitset.New(m.numSlots)

	m.logger.Info("swap initialized", "slots", m.numSlots)

	return m
}

// Enabled tells if a swap device is present.
func (m *Manager) Enabled() bool {
	return m.dev != nil
}

// NumSlots returns the number of slots on the device.
func (m *Manager) NumSlots() int {
	return int(m.numSlots)
}

// NumUsed returns the number of slots holding content.
func (m *Manager) NumUsed() int {
	if !m.Enabled() {
		return 0
	}

	m.Lock()
	defer m.Unlock()

	return int(m.slots.Count())
}

// Out claims a free slot and writes one page of data into it.
func (m *Manager) Out(data []byte) (uint64, error) {
	if !m.Enabled() {
		return 0, ErrSwapDisabled
	}

	m.mustBePage(data)

	m.Lock()
	defer m.Unlock()

	index, found := m.slots.NextClear(0)
	if !found || index >= m.numSlots {
		return 0, ErrSwapFull
	}

	m.slots.Set(index)

	slot := uint64(index)
	for i := uint64(0); i < m.sectorsPerSlot; i++ {
		chunk := data[i*blockdev.SectorSize : (i+1)*blockdev.SectorSize]

		err := m.dev.Write(slot*m.sectorsPerSlot+i, chunk)
		if err != nil {
			m.slots.Clear(index)
			return 0, fmt.Errorf("%w: writing swap slot %d: %w",
				vm.ErrIO, slot, err)
		}
	}

	m.logger.Debug("swapped out", "slot", slot)

	return slot, nil
}

// In reads the content of a slot into dst. The slot stays claimed; the caller
// frees it once the page is resident.
func (m *Manager) In(slot uint64, dst []byte) error {
	if !m.Enabled() {
		return ErrSwapDisabled
	}

	m.mustBePage(dst)

	m.Lock()
	defer m.Unlock()

	m.slotMustBeUsed(slot)

	for i := uint64(0); i < m.sectorsPerSlot; i++ {
		chunk := dst[i*blockdev.SectorSize : (i+1)*blockdev.SectorSize]

		err := m.dev.Read(slot*m.sectorsPerSlot+i, chunk)
		if err != nil {
			return fmt.Errorf("%w: reading swap slot %d: %w",
				vm.ErrIO, slot, err)
		}
	}

	m.logger.Debug("swapped in", "slot", slot)

	return nil
}

// Free marks a slot as free. Freeing a free slot panics.
func (m *Manager) Free(slot uint64) {
	if !m.Enabled() {
		panic(errors.New("freeing a slot without a swap device"))
	}

	m.Lock()
	defer m.Unlock()

	m.slotMustBeUsed(slot)
	m.slots.Clear(uint(slot))
}

func (m *Manager) slotMustBeUsed(slot uint64) {
	if slot >= uint64(m.numSlots) || !m.slots.Test(uint(slot)) {
		log.Panicf("swap slot %d is not in use", slot)
	}
}

func (m *Manager) mustBePage(buf []byte) {
	if uint64(len(buf)) != m.pageSize {
		log.Panicf("buffer of %d bytes is not a page", len(buf))
	}
}
