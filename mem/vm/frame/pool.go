// Package frame provides the global pool of physical frames shared by all the
// address spaces, and the clock evictor that reclaims frames when the pool
// runs dry.
package frame

import (
	"fmt"
	"log"
	"log/slog"
	"sync"

	"github.com/sarchlab/vmsim/mem/vm"
	"github.com/sarchlab/vmsim/mem/vm/physmem"
)

// PhysicalMemory is the raw page source that frames are drawn from.
type PhysicalMemory interface {
	PageSize() uint64
	NumPages() int
	GetPage(flags physmem.Flags) (uint64, bool)
	ReleasePage(addr uint64)
	ReadPage(addr uint64, buf []byte) error
	WritePage(addr uint64, data []byte) error
	Read(addr uint64, buf []byte) error
	Write(addr uint64, data []byte) error
}

// SwapSpace stores the content of evicted pages that have no file to go back
// to.
type SwapSpace interface {
	Out(data []byte) (uint64, error)
	Free(slot uint64)
}

// AddressSpaces resolves the owner of a frame.
type AddressSpaces interface {
	AddressSpace(pid vm.PID) (*vm.AddressSpace, bool)
}

// A Frame is a physical page held by one virtual page. The owner is named by
// identity and resolved through the page index of its address space.
type Frame struct {
	PAddr uint64
	Owner vm.PageID
}

// Stats counts what the pool has done.
type Stats struct {
	FramesInUse int
	FramesTotal int
	Evictions   uint64
	SwapOuts    uint64
	WriteBacks  uint64
}

// A Pool hands out frames and evicts them with the clock algorithm.
//
// The embedded mutex is the global ring lock. Besides the ring and the clock
// hand, it guards the Loaded and Source fields of every page and the
// translation table bits, which the evictor touches on behalf of any process.
// Hooks are invoked with the lock held and must not call back into the pool.
type Pool struct {
	sync.Mutex
	vm.HookableBase

	mem    PhysicalMemory
	swap   SwapSpace
	spaces AddressSpaces
	logger *slog.Logger

	ring     *ring
	hand     int
	byOwner  map[vm.PageID]int
	unpinned *sync.Cond
	pinned   int
	scratch  []byte

	stats Stats
}

// NewPool creates a pool over the given physical memory.
func NewPool(
	mem PhysicalMemory,
	swap SwapSpace,
	spaces AddressSpaces,
	logger *slog.Logger,
) *Pool {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		mem:     mem,
		swap:    swap,
		spaces:  spaces,
		logger:  logger.With("comp", "frame"),
		ring:    newRing(),
		hand:    nilIndex,
		byOwner: make(map[vm.PageID]int),
		scratch: make([]byte, mem.PageSize()),
	}
	p.unpinned = sync.NewCond(&p.Mutex)

	return p
}

// PageSize returns the size of a frame.
func (p *Pool) PageSize() uint64 {
	return p.mem.PageSize()
}

// Memory returns the physical memory the frames live in.
func (p *Pool) Memory() PhysicalMemory {
	return p.mem
}

// Allocate returns a frame for the owner page. The frame is pinned: it is
// never chosen as a victim until Install or Free is called on it.
//
// When physical memory is exhausted, the clock evictor reclaims a frame
// first. The caller must not hold the pool lock.
func (p *Pool) Allocate(owner vm.PageID, flags physmem.Flags) (Frame, error) {
	p.Lock()
	defer p.Unlock()

	if _, found := p.byOwner[owner]; found {
		log.Panicf("page %s already holds a frame", owner)
	}

	for {
		addr, ok := p.mem.GetPage(flags | physmem.FlagUser)
		if ok {
			f := Frame{PAddr: addr, Owner: owner}
			p.byOwner[owner] = p.ring.push(f)
			p.pinned++

			p.logger.Debug("frame allocated",
				"page", owner.String(), "paddr", addr)

			return f, nil
		}

		if p.ring.size == 0 {
			return Frame{}, fmt.Errorf("%w: no physical frames", vm.ErrOutOfMemory)
		}

		if p.pinned == p.ring.size {
			p.unpinned.Wait()
			continue
		}

		if err := p.evictLocked(); err != nil {
			return Frame{}, err
		}
	}
}

// Install runs commit under the pool lock and unpins the frame. commit is
// where the caller installs the translation and marks the page loaded, so
// the evictor never observes one without the other. If commit fails, the
// frame is freed.
func (p *Pool) Install(f Frame, commit func() error) error {
	p.Lock()
	defer p.Unlock()

	i := p.mustFind(f)
	n := p.ring.at(i)

	if !n.pinned {
		log.Panicf("frame %#x of page %s is already installed", f.PAddr, f.Owner)
	}

	if err := commit(); err != nil {
		p.removeLocked(i)
		return err
	}

	n.pinned = false
	p.pinned--
	p.unpinned.Broadcast()

	return nil
}

// Free returns a pinned frame whose page was never installed, for example
// because populating it failed.
func (p *Pool) Free(f Frame) {
	p.Lock()
	defer p.Unlock()

	i := p.mustFind(f)
	if !p.ring.at(i).pinned {
		log.Panicf("frame %#x of page %s is installed, release the page instead",
			f.PAddr, f.Owner)
	}

	p.removeLocked(i)
}

// Release takes a page of as out of memory for good. If the page is loaded,
// its frame is freed and its translation cleared, after a dirty file-backed
// page is written back when writeBack is set. If the page sits in swap, its
// slot is freed.
//
// The caller holds the address space mutex. A write-back error is returned
// after the frame is released.
func (p *Pool) Release(as *vm.AddressSpace, page *vm.Page, writeBack bool) error {
	p.Lock()
	defer p.Unlock()

	if !page.Loaded {
		if slot, ok := page.SwapSlot(); ok {
			p.swap.Free(slot)
			page.Source = vm.AnonSource{}
		}

		return nil
	}

	i := p.mustFindOwner(as.PageID(page.VAddr))
	f := p.ring.at(i).frame

	var err error

	if src, ok := page.Source.(vm.FileSource); ok &&
		writeBack && as.Dir.IsDirty(page.VAddr) {
		err = p.writeBackLocked(f, src.FileRange)
	}

	as.Dir.Clear(page.VAddr)
	page.Loaded = false
	p.removeLocked(i)

	return err
}

// FrameOf returns the frame held by a page, if any.
func (p *Pool) FrameOf(owner vm.PageID) (Frame, bool) {
	p.Lock()
	defer p.Unlock()

	i, found := p.byOwner[owner]
	if !found {
		return Frame{}, false
	}

	return p.ring.at(i).frame, true
}

// Frames lists the frames in clock order.
func (p *Pool) Frames() []Frame {
	p.Lock()
	defer p.Unlock()

	frames := make([]Frame, 0, p.ring.size)
	p.ring.each(func(n *node) {
		frames = append(frames, n.frame)
	})

	return frames
}

// Stats returns a snapshot of the counters.
func (p *Pool) Stats() Stats {
	p.Lock()
	defer p.Unlock()

	s := p.stats
	s.FramesInUse = p.ring.size
	s.FramesTotal = p.mem.NumPages()

	return s
}

// evictLocked runs the clock until one frame is reclaimed. It visits every
// frame at most twice: a full pass clears all the accessed bits, so the
// second pass always finds a candidate. A candidate that cannot be reclaimed
// is skipped.
func (p *Pool) evictLocked() error {
	var lastErr error

	for visits := 2 * p.ring.size; visits > 0 && p.ring.size > 0; visits-- {
		if p.hand == nilIndex {
			p.hand = p.ring.head
		}

		i := p.hand
		p.hand = p.ring.next(i)

		n := p.ring.at(i)
		if n.pinned {
			continue
		}

		as, page := p.resolve(n.frame.Owner)

		if as.Dir.IsAccessed(page.VAddr) {
			as.Dir.SetAccessed(page.VAddr, false)
			continue
		}

		err := p.reclaimLocked(i, as, page)
		if err != nil {
			p.logger.Warn("eviction aborted",
				"page", n.frame.Owner.String(), "err", err)
			lastErr = err

			continue
		}

		return nil
	}

	if lastErr != nil {
		return fmt.Errorf("%w: no frame can be reclaimed: %w",
			vm.ErrOutOfMemory, lastErr)
	}

	return fmt.Errorf("%w: no frame can be reclaimed", vm.ErrOutOfMemory)
}

// reclaimLocked moves the content of a victim to where it can be reloaded
// from and frees its frame. Nothing changes if the content cannot be saved.
func (p *Pool) reclaimLocked(i int, as *vm.AddressSpace, page *vm.Page) error {
	f := p.ring.at(i).frame

	if err := p.mem.ReadPage(f.PAddr, p.scratch); err != nil {
		return fmt.Errorf("%w: reading frame %#x: %w", vm.ErrIO, f.PAddr, err)
	}

	switch src := page.Source.(type) {
	case vm.FileSource:
		if as.Dir.IsDirty(page.VAddr) {
			if err := p.writeBackLocked(f, src.FileRange); err != nil {
				return err
			}
		}
	default:
		slot, err := p.swap.Out(p.scratch)
		if err != nil {
			return err
		}

		page.Source = vm.SwapSource{Slot: slot}
		p.stats.SwapOuts++
		p.InvokeHook(vm.HookCtx{
			Domain: p,
			Pos:    vm.HookPosSwapOut,
			Item:   f.Owner,
			Detail: slot,
		})
	}

	as.Dir.Clear(page.VAddr)
	page.Loaded = false
	p.removeLocked(i)
	p.stats.Evictions++

	p.logger.Debug("frame evicted", "page", f.Owner.String(), "paddr", f.PAddr)
	p.InvokeHook(vm.HookCtx{
		Domain: p,
		Pos:    vm.HookPosFrameEvicted,
		Item:   f.Owner,
	})

	return nil
}

func (p *Pool) writeBackLocked(f Frame, r vm.FileRange) error {
	if err := p.mem.ReadPage(f.PAddr, p.scratch); err != nil {
		return fmt.Errorf("%w: reading frame %#x: %w", vm.ErrIO, f.PAddr, err)
	}

	_, err := r.File.WriteAt(p.scratch[:r.ReadBytes], r.Offset)
	if err != nil {
		return fmt.Errorf("%w: writing back page %s: %w", vm.ErrIO, f.Owner, err)
	}

	p.stats.WriteBacks++
	p.InvokeHook(vm.HookCtx{
		Domain: p,
		Pos:    vm.HookPosWriteBack,
		Item:   f.Owner,
	})

	return nil
}

func (p *Pool) removeLocked(i int) {
	n := p.ring.at(i)
	f := n.frame

	if n.pinned {
		p.pinned--
		p.unpinned.Broadcast()
	}

	if p.hand == i {
		p.hand = p.ring.next(i)
		if p.hand == i {
			p.hand = nilIndex
		}
	}

	p.ring.remove(i)
	delete(p.byOwner, f.Owner)
	p.mem.ReleasePage(f.PAddr)
}

func (p *Pool) resolve(owner vm.PageID) (*vm.AddressSpace, *vm.Page) {
	as, found := p.spaces.AddressSpace(owner.PID)
	if !found {
		log.Panicf("frame owner %s has no address space", owner)
	}

	page, found := as.Pages.Find(owner.VAddr)
	if !found || !page.Loaded {
		log.Panicf("frame owner %s is not a loaded page", owner)
	}

	return as, page
}

func (p *Pool) mustFindOwner(owner vm.PageID) int {
	i, found := p.byOwner[owner]
	if !found {
		log.Panicf("page %s holds no frame", owner)
	}

	return i
}

func (p *Pool) mustFind(f Frame) int {
	i := p.mustFindOwner(f.Owner)
	if p.ring.at(i).frame.PAddr != f.PAddr {
		log.Panicf("page %s does not hold frame %#x", f.Owner, f.PAddr)
	}

	return i
}
