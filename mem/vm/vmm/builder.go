package vmm

import (
	"log/slog"

	"github.com/sarchlab/vmsim/mem/vm/blockdev"
	"github.com/sarchlab/vmsim/mem/vm/fault"
	"github.com/sarchlab/vmsim/mem/vm/frame"
	"github.com/sarchlab/vmsim/mem/vm/mmap"
	"github.com/sarchlab/vmsim/mem/vm/physmem"
	"github.com/sarchlab/vmsim/mem/vm/swap"
)

// A Builder can build virtual memory managers.
type Builder struct {
	numFrames    int
	log2PageSize uint64
	swapDevice   blockdev.Device
	userBase     uint64
	userTop      uint64
	logger       *slog.Logger
}

// MakeBuilder creates a new builder
func MakeBuilder() Builder {
	return Builder{
		numFrames:    64,
		log2PageSize: 12,
		userBase:     fault.DefaultUserBase,
		userTop:      fault.DefaultUserTop,
	}
}

// WithNumFrames sets the number of physical frames shared by all the
// processes.
func (b Builder) WithNumFrames(n int) Builder {
	b.numFrames = n
	return b
}

// WithLog2PageSize sets the page size.
func (b Builder) WithLog2PageSize(log2PageSize uint64) Builder {
	b.log2PageSize = log2PageSize
	return b
}

// WithSwapDevice sets the device that evicted anonymous pages go to. Without
// one, swapping is disabled.
func (b Builder) WithSwapDevice(dev blockdev.Device) Builder {
	b.swapDevice = dev
	return b
}

// WithUserRange sets the addresses that processes may use.
func (b Builder) WithUserRange(base, top uint64) Builder {
	b.userBase = base
	b.userTop = top

	return b
}

// WithLogger sets the logger that all the parts of the manager log to.
func (b Builder) WithLogger(logger *slog.Logger) Builder {
	b.logger = logger
	return b
}

// Build creates a virtual memory manager with the given name.
func (b Builder) Build(name string) *Comp {
	if b.numFrames < 0 {
		panic("negative number of frames")
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With("vmm", name)
	pageSize := uint64(1) << b.log2PageSize

	c := &Comp{
		name:         name,
		log2PageSize: b.log2PageSize,
		spaces:       newRegistry(),
		logger:       logger.With("comp", "vmm"),
	}

	c.mem = physmem.New(b.numFrames, pageSize)
	c.swap = swap.NewManager(b.swapDevice, pageSize, logger)
	c.pool = frame.NewPool(c.mem, c.swap, c.spaces, logger)
	c.fault = fault.MakeBuilder().
		WithPool(c.pool).
		WithSwap(c.swap).
		WithUserRange(b.userBase, b.userTop).
		WithLogger(logger).
		Build()
	c.mmaps = mmap.NewManager(c.pool, c.fault, logger)

	c.logger.Info("virtual memory manager built",
		"frames", b.numFrames,
		"page_size", pageSize,
		"swap_slots", c.swap.NumSlots())

	return c
}
