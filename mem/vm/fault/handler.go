// Package fault resolves page faults. It decides how a faulting page is
// loaded, draws a frame from the pool, populates it and installs the
// translation.
package fault

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/sarchlab/vmsim/mem/vm"
	"github.com/sarchlab/vmsim/mem/vm/frame"
)

// SwapSpace is where swapped out pages are read back from.
type SwapSpace interface {
	In(slot uint64, dst []byte) error
	Free(slot uint64)
}

// Stats counts the faults that a handler has seen.
type Stats struct {
	Faults  uint64
	SwapIns uint64
	Kills   uint64
}

// A Handler resolves the page faults of all the address spaces.
type Handler struct {
	vm.HookableBase

	pool     *frame.Pool
	swap     SwapSpace
	userBase uint64
	userTop  uint64
	logger   *slog.Logger

	faults  atomic.Uint64
	swapIns atomic.Uint64
	kills   atomic.Uint64
}

// Stats returns a snapshot of the counters.
func (h *Handler) Stats() Stats {
	return Stats{
		Faults:  h.faults.Load(),
		SwapIns: h.swapIns.Load(),
		Kills:   h.kills.Load(),
	}
}

// IsUserAddress tells if vAddr is in the user part of an address space.
func (h *Handler) IsUserAddress(vAddr uint64) bool {
	return vAddr >= h.userBase && vAddr < h.userTop
}

// HandleFault makes the page that contains vAddr resident. A fault that
// cannot be resolved terminates the process and returns the reason. Faults
// of a terminated process return vm.ErrTerminated.
func (h *Handler) HandleFault(as *vm.AddressSpace, vAddr uint64, write bool) error {
	as.Lock()
	defer as.Unlock()

	return h.handleLocked(as, vAddr, write)
}

// Lookup faults the page that contains vAddr in and returns what it is.
func (h *Handler) Lookup(
	as *vm.AddressSpace,
	vAddr uint64,
	write bool,
) (vm.Info, error) {
	as.Lock()
	defer as.Unlock()

	if err := h.handleLocked(as, vAddr, write); err != nil {
		return vm.Info{}, err
	}

	page, _ := as.Pages.Find(vAddr)

	h.pool.Lock()
	defer h.pool.Unlock()

	return page.Snapshot(), nil
}

func (h *Handler) handleLocked(as *vm.AddressSpace, vAddr uint64, write bool) error {
	if _, terminated := as.Terminated(); terminated {
		return fmt.Errorf("%w: process %d", vm.ErrTerminated, as.PID)
	}

	h.faults.Add(1)

	page, err := h.classify(as, vAddr, write)
	if err != nil {
		h.invokeHook(vm.HookPosPageFault, as.PageID(vAddr), vm.FaultReject)
		return h.kill(as, vAddr, err)
	}

	if err := h.load(as, page); err != nil {
		return h.kill(as, vAddr, err)
	}

	return nil
}

func (h *Handler) classify(
	as *vm.AddressSpace,
	vAddr uint64,
	write bool,
) (*vm.Page, error) {
	if !h.IsUserAddress(vAddr) {
		return nil, fmt.Errorf("%w: %#x is not a user address",
			vm.ErrInvalidAddress, vAddr)
	}

	page, found := as.Pages.Find(vAddr)
	if !found {
		return nil, fmt.Errorf("%w: %#x is not mapped",
			vm.ErrInvalidAddress, vAddr)
	}

	if write && !page.Writable {
		return nil, fmt.Errorf("%w: write to read-only page %#x",
			vm.ErrInvalidAddress, page.VAddr)
	}

	return page, nil
}

func (h *Handler) load(as *vm.AddressSpace, page *vm.Page) error {
	id := as.PageID(page.VAddr)

	h.pool.Lock()
	loaded := page.Loaded
	slot, swapped := page.SwapSlot()
	h.pool.Unlock()

	if loaded {
		h.invokeHook(vm.HookPosPageFault, id, vm.FaultSpurious)
		return nil
	}

	if swapped {
		h.invokeHook(vm.HookPosPageFault, id, vm.FaultSwapIn)
	} else {
		h.invokeHook(vm.HookPosPageFault, id, vm.FaultFirstLoad)
	}

	f, err := h.pool.Allocate(id, 0)
	if err != nil {
		return err
	}

	if err := h.populate(f, page, slot, swapped); err != nil {
		h.pool.Free(f)
		return err
	}

	err = h.pool.Install(f, func() error {
		err := as.Dir.Install(page.VAddr, f.PAddr, page.Writable)
		if err != nil {
			return err
		}

		page.Loaded = true

		if swapped {
			h.swap.Free(slot)
			page.Source = vm.AnonSource{}
		}

		return nil
	})
	if err != nil {
		return err
	}

	if swapped {
		h.swapIns.Add(1)
		h.invokeHook(vm.HookPosSwapIn, id, slot)
	}

	h.logger.Debug("page loaded", "page", id.String(), "paddr", f.PAddr)
	h.invokeHook(vm.HookPosPageLoaded, id, nil)

	return nil
}

// populate fills a fresh frame. Nothing else can reach the frame, so this
// runs without the pool lock.
func (h *Handler) populate(
	f frame.Frame,
	page *vm.Page,
	slot uint64,
	swapped bool,
) error {
	buf := make([]byte, h.pool.PageSize())

	switch {
	case swapped:
		if err := h.swap.In(slot, buf); err != nil {
			return err
		}
	default:
		r, backed := page.Backing()
		if backed && r.ReadBytes > 0 {
			n, err := r.File.ReadAt(buf[:r.ReadBytes], r.Offset)
			if uint64(n) != r.ReadBytes {
				return fmt.Errorf("%w: read %d of %d bytes at offset %d: %v",
					vm.ErrIO, n, r.ReadBytes, r.Offset, err)
			}
		}
	}

	if err := h.pool.Memory().WritePage(f.PAddr, buf); err != nil {
		return fmt.Errorf("%w: filling frame %#x: %w", vm.ErrIO, f.PAddr, err)
	}

	return nil
}

func (h *Handler) kill(as *vm.AddressSpace, vAddr uint64, err error) error {
	if as.Terminate(vm.ExitAbnormal) {
		h.kills.Add(1)
		h.logger.Error("process killed",
			"pid", as.PID, "addr", vAddr, "err", err)
		h.invokeHook(vm.HookPosProcessKilled, as.PageID(vAddr), err)
	}

	return err
}

func (h *Handler) invokeHook(pos *vm.HookPos, id vm.PageID, detail any) {
	h.InvokeHook(vm.HookCtx{
		Domain: h,
		Pos:    pos,
		Item:   id,
		Detail: detail,
	})
}
