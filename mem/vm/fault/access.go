package fault

import (
	"fmt"

	"github.com/sarchlab/vmsim/mem/vm"
)

// Read copies the user memory at vAddr into buf the way a CPU load would:
// through the translation table, faulting on pages that are not resident and
// setting the accessed bit of the pages it touches.
func (h *Handler) Read(as *vm.AddressSpace, vAddr uint64, buf []byte) error {
	return h.access(as, vAddr, buf, false)
}

// Write stores data into user memory at vAddr the way a CPU store would. It
// sets the accessed and dirty bits of the pages it touches.
func (h *Handler) Write(as *vm.AddressSpace, vAddr uint64, data []byte) error {
	return h.access(as, vAddr, data, true)
}

// ValidateBuffer checks that every page of [vAddr, vAddr+size) belongs to
// the process and, when write is set, is writable. The pages are faulted in
// on the way. A bad buffer terminates the process.
func (h *Handler) ValidateBuffer(
	as *vm.AddressSpace,
	vAddr, size uint64,
	write bool,
) error {
	if size == 0 {
		return nil
	}

	if vAddr+size < vAddr {
		as.Lock()
		defer as.Unlock()

		return h.kill(as, vAddr, fmt.Errorf("%w: buffer %#x+%d wraps around",
			vm.ErrInvalidAddress, vAddr, size))
	}

	pageSize := h.pool.PageSize()
	first := vAddr / pageSize * pageSize

	for addr := first; addr < vAddr+size; addr += pageSize {
		probe := max(addr, vAddr)
		if err := h.HandleFault(as, probe, write); err != nil {
			return err
		}
	}

	return nil
}

func (h *Handler) access(
	as *vm.AddressSpace,
	vAddr uint64,
	buf []byte,
	write bool,
) error {
	pageSize := h.pool.PageSize()
	done := uint64(0)
	length := uint64(len(buf))

	for done < length {
		addr := vAddr + done
		n := min(pageSize-addr%pageSize, length-done)
		chunk := buf[done : done+n]

		for {
			if _, terminated := as.Terminated(); terminated {
				return fmt.Errorf("%w: process %d", vm.ErrTerminated, as.PID)
			}

			hit, err := h.tryAccess(as, addr, chunk, write)
			if err != nil {
				return err
			}

			if hit {
				break
			}

			if err := h.HandleFault(as, addr, write); err != nil {
				return err
			}
		}

		done += n
	}

	return nil
}

// tryAccess performs the access if the translation allows it. The pool lock
// keeps the evictor from taking the frame away mid-copy.
func (h *Handler) tryAccess(
	as *vm.AddressSpace,
	addr uint64,
	chunk []byte,
	write bool,
) (bool, error) {
	h.pool.Lock()
	defer h.pool.Unlock()

	pAddr, writable, ok := as.Dir.Lookup(addr)
	if !ok || (write && !writable) {
		return false, nil
	}

	var err error
	if write {
		err = h.pool.Memory().Write(pAddr, chunk)
	} else {
		err = h.pool.Memory().Read(pAddr, chunk)
	}

	if err != nil {
		return false, fmt.Errorf("%w: physical access at %#x: %w",
			vm.ErrIO, pAddr, err)
	}

	as.Dir.SetAccessed(addr, true)
	if write {
		as.Dir.SetDirty(addr, true)
	}

	return true, nil
}
