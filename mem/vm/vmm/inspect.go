package vmm

import (
	"fmt"

	"github.com/sarchlab/vmsim/mem/vm"
	"github.com/sarchlab/vmsim/mem/vm/mmap"
)

// ProcessInfo is a snapshot of one address space.
type ProcessInfo struct {
	PID        vm.PID
	Terminated bool
	ExitStatus int
	NumPages   int
	Resident   int
	Swapped    int
	Pages      []vm.Info
	Mappings   []mmap.Info
}

// InspectProcess takes a snapshot of the pages and the mappings of a process.
func (c *Comp) InspectProcess(pid vm.PID) (ProcessInfo, error) {
	as, err := c.mustGet(pid)
	if err != nil {
		return ProcessInfo{}, err
	}

	as.Lock()
	defer as.Unlock()

	if current, found := c.spaces.AddressSpace(pid); !found || current != as {
		return ProcessInfo{}, fmt.Errorf("%w: %d", vm.ErrNoSuchProcess, pid)
	}

	info := ProcessInfo{PID: pid}
	info.ExitStatus, info.Terminated = as.Terminated()

	pages := as.Pages.Pages()
	info.NumPages = len(pages)
	info.Pages = make([]vm.Info, 0, len(pages))

	c.pool.Lock()
	for _, page := range pages {
		snapshot := page.Snapshot()
		info.Pages = append(info.Pages, snapshot)

		if snapshot.Loaded {
			info.Resident++
		}

		if snapshot.Kind == vm.SourceSwap {
			info.Swapped++
		}
	}
	c.pool.Unlock()

	info.Mappings = c.mmaps.Mappings(pid)

	return info, nil
}

// InspectProcesses takes a snapshot of every live process.
func (c *Comp) InspectProcesses() []ProcessInfo {
	pids := c.Processes()
	infos := make([]ProcessInfo, 0, len(pids))

	for _, pid := range pids {
		info, err := c.InspectProcess(pid)
		if err != nil {
			continue
		}

		info.Pages = nil
		infos = append(infos, info)
	}

	return infos
}
