// Package vm provides the models of a demand-paged virtual memory system:
// the pages that make up an address space, the index that tracks them, and
// the collaborators that the paging components consume.
package vm

import "fmt"

// PID stands for Process ID.
type PID uint32

// MapID identifies a memory-mapped file within one address space.
type MapID int

// NoMapping marks a page that does not belong to any memory-mapped file.
const NoMapping MapID = -1

// PageID names a page across all the address spaces. Frames refer to their
// owners by PageID rather than by pointer, so that a frame never outlives the
// page it holds.
type PageID struct {
	PID   PID
	VAddr uint64
}

func (id PageID) String() string {
	return fmt.Sprintf("%d:%#x", id.PID, id.VAddr)
}

// SourceKind tells where the content of a page comes from.
type SourceKind int

// The kinds of sources.
const (
	SourceBinary SourceKind = iota
	SourceFile
	SourceSwap
	SourceAnonymous
)

func (k SourceKind) String() string {
	switch k {
	case SourceBinary:
		return "binary"
	case SourceFile:
		return "file"
	case SourceSwap:
		return "swap"
	case SourceAnonymous:
		return "anonymous"
	default:
		return fmt.Sprintf("SourceKind(%d)", int(k))
	}
}

// A Source is where the content of a non-resident page can be found. It is
// one of BinarySource, FileSource, SwapSource and AnonSource.
type Source interface {
	Kind() SourceKind
	source()
}

// FileRange is the part of a file that backs one page. ReadBytes come from
// the file at Offset and the remaining ZeroBytes of the page are zeros.
type FileRange struct {
	File      File
	Offset    int64
	ReadBytes uint64
	ZeroBytes uint64
}

// BinarySource backs a page of an executable segment. The page is read from
// the image the first time it is touched and goes to swap once evicted.
type BinarySource struct {
	FileRange
}

// Kind returns SourceBinary.
func (BinarySource) Kind() SourceKind { return SourceBinary }
func (BinarySource) source()          {}

// FileSource backs a page of a memory-mapped file. Modified content is
// written back to the file rather than to swap.
type FileSource struct {
	FileRange
}

// Kind returns SourceFile.
func (FileSource) Kind() SourceKind { return SourceFile }
func (FileSource) source()          {}

// SwapSource is held by a page whose content currently lives in a swap slot.
// The slot is only meaningful while the page is not resident.
type SwapSource struct {
	Slot uint64
}

// Kind returns SourceSwap.
func (SwapSource) Kind() SourceKind { return SourceSwap }
func (SwapSource) source()          {}

// AnonSource is a page with no persistent content. It starts as zeros and
// only ever persists to swap.
type AnonSource struct{}

// Kind returns SourceAnonymous.
func (AnonSource) Kind() SourceKind { return SourceAnonymous }
func (AnonSource) source()          {}

// A Page is an entry of the virtual page index. It describes how to produce
// the content of one virtual page and whether a frame currently holds it.
//
// Loaded and Source are shared with the frame evictor, which may act on
// behalf of another process. They must only be accessed while holding the
// frame pool lock.
type Page struct {
	VAddr    uint64
	Source   Source
	Writable bool
	Loaded   bool
	MapID    MapID
}

// SwapSlot returns the swap slot that holds the content of the page, if any.
func (p *Page) SwapSlot() (uint64, bool) {
	s, ok := p.Source.(SwapSource)
	if !ok {
		return 0, false
	}

	return s.Slot, true
}

// Backing returns the file range of a binary or file-backed page.
func (p *Page) Backing() (FileRange, bool) {
	switch s := p.Source.(type) {
	case BinarySource:
		return s.FileRange, true
	case FileSource:
		return s.FileRange, true
	default:
		return FileRange{}, false
	}
}

// Info is a snapshot of a page handed to code outside the paging system.
type Info struct {
	VAddr    uint64
	Kind     SourceKind
	Writable bool
	Loaded   bool
	MapID    MapID
}

// Snapshot copies the public state of the page.
func (p *Page) Snapshot() Info {
	return Info{
		VAddr:    p.VAddr,
		Kind:     p.Source.Kind(),
		Writable: p.Writable,
		Loaded:   p.Loaded,
		MapID:    p.MapID,
	}
}
