package fault

import (
	"log/slog"

	"github.com/sarchlab/vmsim/mem/vm/frame"
)

// The bounds of the user part of an address space.
const (
	DefaultUserBase uint64 = 0x08048000
	DefaultUserTop  uint64 = 0xc0000000
)

// A Builder can build fault handlers.
type Builder struct {
	pool     *frame.Pool
	swap     SwapSpace
	userBase uint64
	userTop  uint64
	logger   *slog.Logger
}

// MakeBuilder creates a new builder
func MakeBuilder() Builder {
	return Builder{
		userBase: DefaultUserBase,
		userTop:  DefaultUserTop,
	}
}

// WithPool sets the frame pool that faults draw frames from.
func (b Builder) WithPool(pool *frame.Pool) Builder {
	b.pool = pool
	return b
}

// WithSwap sets where swapped pages are read back from.
func (b Builder) WithSwap(swap SwapSpace) Builder {
	b.swap = swap
	return b
}

// WithUserRange sets the addresses that a process may fault on. Addresses
// outside [base, top) are always invalid.
func (b Builder) WithUserRange(base, top uint64) Builder {
	b.userBase = base
	b.userTop = top

	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(logger *slog.Logger) Builder {
	b.logger = logger
	return b
}

// Build creates a fault handler.
func (b Builder) Build() *Handler {
	if b.pool == nil {
		panic("a fault handler needs a frame pool")
	}

	if b.swap == nil {
		panic("a fault handler needs a swap space")
	}

	if b.userBase >= b.userTop {
		panic("empty user address range")
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		pool:     b.pool,
		swap:     b.swap,
		userBase: b.userBase,
		userTop:  b.userTop,
		logger:   logger.With("comp", "fault"),
	}
}
