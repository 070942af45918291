// Package vmm assembles the paging components into one virtual memory
// manager that serves many processes.
package vmm

import (
	"fmt"
	"log/slog"

	"github.com/sarchlab/vmsim/mem/vm"
	"github.com/sarchlab/vmsim/mem/vm/fault"
	"github.com/sarchlab/vmsim/mem/vm/frame"
	"github.com/sarchlab/vmsim/mem/vm/mmap"
	"github.com/sarchlab/vmsim/mem/vm/pagedir"
	"github.com/sarchlab/vmsim/mem/vm/physmem"
	"github.com/sarchlab/vmsim/mem/vm/swap"
)

// Stats is a snapshot of the state and the activity of a manager.
type Stats struct {
	Processes   int
	FramesInUse int
	FramesTotal int
	SwapUsed    int
	SwapTotal   int
	Faults      uint64
	Evictions   uint64
	SwapOuts    uint64
	SwapIns     uint64
	WriteBacks  uint64
	Kills       uint64
}

// Comp is a virtual memory manager. Processes are named by PID.
type Comp struct {
	name         string
	log2PageSize uint64
	logger       *slog.Logger

	spaces *registry
	mem    *physmem.Memory
	swap   *swap.Manager
	pool   *frame.Pool
	fault  *fault.Handler
	mmaps  *mmap.Manager
}

// Name returns the name of the manager.
func (c *Comp) Name() string {
	return c.name
}

// PageSize returns the page size.
func (c *Comp) PageSize() uint64 {
	return 1 << c.log2PageSize
}

// AcceptHook registers a hook on the frame pool and the fault handler.
func (c *Comp) AcceptHook(hook vm.Hook) {
	c.pool.AcceptHook(hook)
	c.fault.AcceptHook(hook)
}

// CreateProcess creates an empty address space.
func (c *Comp) CreateProcess(pid vm.PID) error {
	as := vm.NewAddressSpace(pid,
		vm.NewPageTable(c.log2PageSize),
		pagedir.New(c.log2PageSize))

	if !c.spaces.add(as) {
		return fmt.Errorf("%w: process %d already exists",
			vm.ErrInvalidArgument, pid)
	}

	c.logger.Info("process created", "pid", pid)

	return nil
}

// Processes lists the PIDs of the live address spaces.
func (c *Comp) Processes() []vm.PID {
	return c.spaces.pids()
}

// AddressSpace returns the address space of a process.
func (c *Comp) AddressSpace(pid vm.PID) (*vm.AddressSpace, bool) {
	return c.spaces.AddressSpace(pid)
}

func (c *Comp) mustGet(pid vm.PID) (*vm.AddressSpace, error) {
	as, found := c.spaces.AddressSpace(pid)
	if !found {
		return nil, fmt.Errorf("%w: %d", vm.ErrNoSuchProcess, pid)
	}

	return as, nil
}

// HandleFault resolves a fault of the process at vAddr.
func (c *Comp) HandleFault(pid vm.PID, vAddr uint64, write bool) error {
	as, err := c.mustGet(pid)
	if err != nil {
		return err
	}

	return c.fault.HandleFault(as, vAddr, write)
}

// Lookup returns the page that contains vAddr, faulting it in.
func (c *Comp) Lookup(pid vm.PID, vAddr uint64, write bool) (vm.Info, error) {
	as, err := c.mustGet(pid)
	if err != nil {
		return vm.Info{}, err
	}

	return c.fault.Lookup(as, vAddr, write)
}

// ValidateBuffer checks a user buffer of the process.
func (c *Comp) ValidateBuffer(pid vm.PID, vAddr, size uint64, write bool) error {
	as, err := c.mustGet(pid)
	if err != nil {
		return err
	}

	return c.fault.ValidateBuffer(as, vAddr, size, write)
}

// Read loads user memory of the process into buf.
func (c *Comp) Read(pid vm.PID, vAddr uint64, buf []byte) error {
	as, err := c.mustGet(pid)
	if err != nil {
		return err
	}

	return c.fault.Read(as, vAddr, buf)
}

// Write stores data into user memory of the process.
func (c *Comp) Write(pid vm.PID, vAddr uint64, data []byte) error {
	as, err := c.mustGet(pid)
	if err != nil {
		return err
	}

	return c.fault.Write(as, vAddr, data)
}

// Mmap maps file into the process at addr.
func (c *Comp) Mmap(pid vm.PID, file vm.File, addr uint64) (vm.MapID, error) {
	as, err := c.mustGet(pid)
	if err != nil {
		return vm.NoMapping, err
	}

	return c.mmaps.Mmap(as, file, addr)
}

// Munmap removes a mapping of the process.
func (c *Comp) Munmap(pid vm.PID, id vm.MapID) error {
	as, err := c.mustGet(pid)
	if err != nil {
		return err
	}

	return c.mmaps.Munmap(as, id)
}

// Mappings lists the live mappings of the process.
func (c *Comp) Mappings(pid vm.PID) []mmap.Info {
	return c.mmaps.Mappings(pid)
}

// Teardown ends a process. Its mappings are written back, its frames and
// swap slots are freed and its address space is forgotten. The returned
// status is the given one unless the process was killed by a fault.
func (c *Comp) Teardown(pid vm.PID, status int) (int, error) {
	as, err := c.mustGet(pid)
	if err != nil {
		return 0, err
	}

	as.Terminate(status)
	final, _ := as.Terminated()

	err = c.mmaps.UnmapAll(as)

	as.Lock()
	as.Pages.Destroy(func(page *vm.Page) {
		if releaseErr := c.pool.Release(as, page, false); releaseErr != nil {
			c.logger.Warn("releasing page at exit",
				"pid", pid, "addr", page.VAddr, "err", releaseErr)
		}
	})
	c.spaces.remove(pid)
	as.Unlock()

	c.logger.Info("process exited", "pid", pid, "status", final)

	return final, err
}

// Stats returns a snapshot of the counters of all the parts.
func (c *Comp) Stats() Stats {
	ps := c.pool.Stats()
	fs := c.fault.Stats()

	return Stats{
		Processes:   len(c.spaces.pids()),
		FramesInUse: ps.FramesInUse,
		FramesTotal: ps.FramesTotal,
		SwapUsed:    c.swap.NumUsed(),
		SwapTotal:   c.swap.NumSlots(),
		Faults:      fs.Faults,
		Evictions:   ps.Evictions,
		SwapOuts:    ps.SwapOuts,
		SwapIns:     fs.SwapIns,
		WriteBacks:  ps.WriteBacks,
		Kills:       fs.Kills,
	}
}
