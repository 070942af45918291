package vm

import (
	"sync"
	"sync/atomic"
)

// ExitAbnormal is the status of a process killed by the paging system.
const ExitAbnormal = -1

// A TranslationTable is the hardware-visible mapping of one process from
// virtual pages to physical frames.
type TranslationTable interface {
	// Install maps the page at vAddr to the frame at pAddr.
	Install(vAddr, pAddr uint64, writable bool) error

	// Clear removes the mapping of the page at vAddr, if any.
	Clear(vAddr uint64)

	// Lookup returns the frame that vAddr is mapped to.
	Lookup(vAddr uint64) (pAddr uint64, writable bool, ok bool)

	IsAccessed(vAddr uint64) bool
	SetAccessed(vAddr uint64, accessed bool)
	IsDirty(vAddr uint64) bool
	SetDirty(vAddr uint64, dirty bool)
}

// A File is an open file as seen by the paging system.
type File interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)

	// Reopen returns an independent handle to the same file.
	Reopen() (File, error)
	Close() error
	Length() (int64, error)
}

// An AddressSpace groups what the paging system knows about one process.
//
// The embedded mutex serializes the fault handling, mapping, unmapping and
// teardown of the address space. It is always taken before the frame pool
// lock.
type AddressSpace struct {
	sync.Mutex

	PID   PID
	Pages PageTable
	Dir   TranslationTable

	terminated atomic.Bool
	exitStatus atomic.Int32
}

// NewAddressSpace creates an address space.
func NewAddressSpace(pid PID, pages PageTable, dir TranslationTable) *AddressSpace {
	return &AddressSpace{
		PID:   pid,
		Pages: pages,
		Dir:   dir,
	}
}

// Terminate records that the process is killed with the given status. Only the
// first call has an effect.
func (as *AddressSpace) Terminate(status int) bool {
	if !as.terminated.CompareAndSwap(false, true) {
		return false
	}

	as.exitStatus.Store(int32(status))

	return true
}

// Terminated tells if the process has been killed and with what status.
func (as *AddressSpace) Terminated() (status int, terminated bool) {
	if !as.terminated.Load() {
		return 0, false
	}

	return int(as.exitStatus.Load()), true
}

// PageID returns the global name of the page at vAddr.
func (as *AddressSpace) PageID(vAddr uint64) PageID {
	return PageID{PID: as.PID, VAddr: vAddr}
}
