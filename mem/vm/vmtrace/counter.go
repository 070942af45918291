package vmtrace

import (
	"slices"
	"sync"

	"github.com/sarchlab/vmsim/mem/vm"
)

// A Counter is a hook that counts events by position, in total and per
// process.
type Counter struct {
	lock   sync.Mutex
	total  map[string]uint64
	perPID map[vm.PID]map[string]uint64
}

// NewCounter creates an empty counter.
func NewCounter() *Counter {
	return &Counter{
		total:  make(map[string]uint64),
		perPID: make(map[vm.PID]map[string]uint64),
	}
}

// Func counts an event.
func (c *Counter) Func(ctx vm.HookCtx) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.total[ctx.Pos.Name]++

	counts, found := c.perPID[ctx.Item.PID]
	if !found {
		counts = make(map[string]uint64)
		c.perPID[ctx.Item.PID] = counts
	}

	counts[ctx.Pos.Name]++
}

// Count returns how many times the position was reached.
func (c *Counter) Count(pos *vm.HookPos) uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.total[pos.Name]
}

// CountFor returns how many times the position was reached for a process.
func (c *Counter) CountFor(pid vm.PID, pos *vm.HookPos) uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.perPID[pid][pos.Name]
}

// Names lists the positions seen, sorted.
func (c *Counter) Names() []string {
	c.lock.Lock()
	defer c.lock.Unlock()

	names := make([]string, 0, len(c.total))
	for name := range c.total {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// Snapshot copies the totals.
func (c *Counter) Snapshot() map[string]uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	snapshot := make(map[string]uint64, len(c.total))
	for name, n := range c.total {
		snapshot[name] = n
	}

	return snapshot
}
