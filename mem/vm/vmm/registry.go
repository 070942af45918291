package vmm

import (
	"slices"
	"sync"

	"github.com/sarchlab/vmsim/mem/vm"
)

// registry maps PIDs to address spaces. The frame evictor resolves the owners
// of victims through it.
type registry struct {
	lock   sync.RWMutex
	spaces map[vm.PID]*vm.AddressSpace
}

func newRegistry() *registry {
	return &registry{spaces: make(map[vm.PID]*vm.AddressSpace)}
}

func (r *registry) AddressSpace(pid vm.PID) (*vm.AddressSpace, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	as, found := r.spaces[pid]

	return as, found
}

func (r *registry) add(as *vm.AddressSpace) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, found := r.spaces[as.PID]; found {
		return false
	}

	r.spaces[as.PID] = as

	return true
}

func (r *registry) remove(pid vm.PID) {
	r.lock.Lock()
	defer r.lock.Unlock()

	delete(r.spaces, pid)
}

func (r *registry) pids() []vm.PID {
	r.lock.RLock()
	defer r.lock.RUnlock()

	pids := make([]vm.PID, 0, len(r.spaces))
	for pid := range r.spaces {
		pids = append(pids, pid)
	}

	slices.Sort(pids)

	return pids
}
