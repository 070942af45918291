package vm

import (
	"log"
	"slices"
	"sync"
)

// A PageTable is the virtual page index of one address space. It maps
// page-aligned virtual addresses to the pages that describe them.
type PageTable interface {
	// Insert adds a page. Inserting a page number that is already tracked is
	// a double mapping and panics.
	Insert(page *Page)

	// Remove detaches the page at the given address and returns it. The
	// caller must already have released any frame that holds the page.
	Remove(vAddr uint64) *Page

	// Find returns the page that contains the given virtual address.
	Find(vAddr uint64) (*Page, bool)

	// Destroy calls release on every page and empties the table. The table
	// must not be used afterwards.
	Destroy(release func(page *Page))

	// Pages lists the tracked pages in address order.
	Pages() []*Page

	// Len returns the number of tracked pages.
	Len() int

	// Log2PageSize returns the page size the table aligns addresses to.
	Log2PageSize() uint64
}

// NewPageTable creates a new PageTable.
func NewPageTable(log2PageSize uint64) PageTable {
	return &pageTableImpl{
		log2PageSize: log2PageSize,
		entries:      make(map[uint64]*Page),
	}
}

// pageTableImpl is the default implementation of a PageTable. Lookups hash on
// the page number since one happens on every fault.
type pageTableImpl struct {
	sync.Mutex
	log2PageSize uint64
	entries      map[uint64]*Page
	destroyed    bool
}

func (pt *pageTableImpl) alignToPage(addr uint64) uint64 {
	return (addr >> pt.log2PageSize) << pt.log2PageSize
}

func (pt *pageTableImpl) Log2PageSize() uint64 {
	return pt.log2PageSize
}

func (pt *pageTableImpl) Insert(page *Page) {
	pt.Lock()
	defer pt.Unlock()

	pt.mustBeAlive()

	if pt.alignToPage(page.VAddr) != page.VAddr {
		log.Panicf("page %#x is not page aligned", page.VAddr)
	}

	pt.pageMustNotExist(page.VAddr)

	pt.entries[page.VAddr] = page
}

func (pt *pageTableImpl) Remove(vAddr uint64) *Page {
	pt.Lock()
	defer pt.Unlock()

	pt.mustBeAlive()

	vAddr = pt.alignToPage(vAddr)
	pt.pageMustExist(vAddr)

	page := pt.entries[vAddr]
	delete(pt.entries, vAddr)

	return page
}

func (pt *pageTableImpl) Find(vAddr uint64) (*Page, bool) {
	pt.Lock()
	defer pt.Unlock()

	pt.mustBeAlive()

	page, found := pt.entries[pt.alignToPage(vAddr)]

	return page, found
}

// Destroy releases the pages without holding the table lock, because release
// takes the frame pool lock and the evictor looks pages up while holding it.
func (pt *pageTableImpl) Destroy(release func(page *Page)) {
	pages := pt.Pages()

	for _, page := range pages {
		release(page)
	}

	pt.Lock()
	defer pt.Unlock()

	pt.mustBeAlive()
	pt.entries = nil
	pt.destroyed = true
}

func (pt *pageTableImpl) Pages() []*Page {
	pt.Lock()
	defer pt.Unlock()

	pt.mustBeAlive()

	pages := make([]*Page, 0, len(pt.entries))
	for _, page := range pt.entries {
		pages = append(pages, page)
	}

	slices.SortFunc(pages, func(a, b *Page) int {
		switch {
		case a.VAddr < b.VAddr:
			return -1
		case a.VAddr > b.VAddr:
			return 1
		default:
			return 0
		}
	})

	return pages
}

func (pt *pageTableImpl) Len() int {
	pt.Lock()
	defer pt.Unlock()

	return len(pt.entries)
}

func (pt *pageTableImpl) mustBeAlive() {
	if pt.destroyed {
		panic("page table is destroyed")
	}
}

func (pt *pageTableImpl) pageMustExist(vAddr uint64) {
	_, found := pt.entries[vAddr]
	if !found {
		log.Panicf("page %#x does not exist", vAddr)
	}
}

func (pt *pageTableImpl) pageMustNotExist(vAddr uint64) {
	_, found := pt.entries[vAddr]
	if found {
		log.Panicf("page %#x exists", vAddr)
	}
}
