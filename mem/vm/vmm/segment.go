package vmm

import (
	"fmt"

	"github.com/sarchlab/vmsim/mem/vm"
)

// LoadSegment registers an executable segment of the process. readBytes
// bytes come from file starting at offset and are followed by zeroBytes
// zeros. Pages are read when first touched.
func (c *Comp) LoadSegment(
	pid vm.PID,
	file vm.File,
	offset int64,
	vAddr, readBytes, zeroBytes uint64,
	writable bool,
) error {
	pageSize := c.PageSize()

	switch {
	case file == nil && readBytes > 0:
		return fmt.Errorf("%w: segment without a file", vm.ErrInvalidArgument)
	case (readBytes+zeroBytes)%pageSize != 0:
		return fmt.Errorf("%w: segment of %d bytes is not whole pages",
			vm.ErrInvalidArgument, readBytes+zeroBytes)
	case vAddr%pageSize != 0:
		return fmt.Errorf("%w: segment at %#x is not page aligned",
			vm.ErrInvalidArgument, vAddr)
	case offset < 0 || uint64(offset)%pageSize != 0:
		return fmt.Errorf("%w: file offset %d is not page aligned",
			vm.ErrInvalidArgument, offset)
	}

	numPages := (readBytes + zeroBytes) / pageSize
	pages := make([]*vm.Page, 0, numPages)

	for i := uint64(0); i < numPages; i++ {
		pageRead := min(readBytes, pageSize)

		pages = append(pages, &vm.Page{
			VAddr: vAddr + i*pageSize,
			Source: vm.BinarySource{FileRange: vm.FileRange{
				File:      file,
				Offset:    offset,
				ReadBytes: pageRead,
				ZeroBytes: pageSize - pageRead,
			}},
			Writable: writable,
			MapID:    vm.NoMapping,
		})

		readBytes -= pageRead
		offset += int64(pageRead)
	}

	return c.insertPages(pid, pages)
}

// MapAnonymous registers numPages zero-filled pages, such as a heap or a
// stack, at vAddr.
func (c *Comp) MapAnonymous(
	pid vm.PID,
	vAddr uint64,
	numPages int,
	writable bool,
) error {
	pageSize := c.PageSize()

	if vAddr%pageSize != 0 || numPages <= 0 {
		return fmt.Errorf("%w: anonymous region %#x of %d pages",
			vm.ErrInvalidArgument, vAddr, numPages)
	}

	pages := make([]*vm.Page, numPages)
	for i := range pages {
		pages[i] = &vm.Page{
			VAddr:    vAddr + uint64(i)*pageSize,
			Source:   vm.AnonSource{},
			Writable: writable,
			MapID:    vm.NoMapping,
		}
	}

	return c.insertPages(pid, pages)
}

// insertPages adds all the pages or none of them.
func (c *Comp) insertPages(pid vm.PID, pages []*vm.Page) error {
	as, err := c.mustGet(pid)
	if err != nil {
		return err
	}

	if len(pages) == 0 {
		return nil
	}

	as.Lock()
	defer as.Unlock()

	if _, terminated := as.Terminated(); terminated {
		return fmt.Errorf("%w: process %d", vm.ErrTerminated, pid)
	}

	for _, page := range pages {
		if !c.fault.IsUserAddress(page.VAddr) {
			return fmt.Errorf("%w: %#x is not a user address",
				vm.ErrInvalidArgument, page.VAddr)
		}

		if _, found := as.Pages.Find(page.VAddr); found {
			return fmt.Errorf("%w: %#x is already mapped",
				vm.ErrInvalidArgument, page.VAddr)
		}
	}

	for _, page := range pages {
		as.Pages.Insert(page)
	}

	c.logger.Debug("pages registered",
		"pid", pid, "addr", pages[0].VAddr, "pages", len(pages))

	return nil
}
