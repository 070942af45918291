// Package mmap maps files into address spaces. A mapping is a run of
// file-backed pages that share one reopened handle of the file.
package mmap

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/sarchlab/vmsim/mem/vm"
	"github.com/sarchlab/vmsim/mem/vm/frame"
)

// AddressRange tells which addresses a process may map.
type AddressRange interface {
	IsUserAddress(vAddr uint64) bool
}

// Info describes a live mapping.
type Info struct {
	ID       vm.MapID
	Addr     uint64
	Length   int64
	NumPages int
}

type mapping struct {
	id     vm.MapID
	file   vm.File
	addr   uint64
	length int64
	pages  []*vm.Page
}

type table struct {
	nextID   vm.MapID
	mappings map[vm.MapID]*mapping
}

// A Manager keeps the mappings of all the address spaces.
type Manager struct {
	sync.Mutex

	pool   *frame.Pool
	users  AddressRange
	logger *slog.Logger
	tables map[vm.PID]*table
}

// NewManager creates a mapping manager. Pages are released through pool.
func NewManager(pool *frame.Pool, users AddressRange, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		pool:   pool,
		users:  users,
		logger: logger.With("comp", "mmap"),
		tables: make(map[vm.PID]*table),
	}
}

// Mmap maps the whole of file at addr. The pages are loaded on demand. The
// file is reopened, so the caller may close its own handle.
func (m *Manager) Mmap(as *vm.AddressSpace, file vm.File, addr uint64) (vm.MapID, error) {
	as.Lock()
	defer as.Unlock()

	if _, terminated := as.Terminated(); terminated {
		return vm.NoMapping, fmt.Errorf("%w: process %d", vm.ErrTerminated, as.PID)
	}

	pageSize := m.pool.PageSize()

	switch {
	case file == nil:
		return vm.NoMapping, fmt.Errorf("%w: no file", vm.ErrInvalidArgument)
	case addr == 0:
		return vm.NoMapping, fmt.Errorf("%w: mapping at address 0", vm.ErrInvalidArgument)
	case addr%pageSize != 0:
		return vm.NoMapping, fmt.Errorf("%w: %#x is not page aligned",
			vm.ErrInvalidArgument, addr)
	}

	own, err := file.Reopen()
	if err != nil {
		return vm.NoMapping, fmt.Errorf("%w: reopening file: %w", vm.ErrIO, err)
	}

	pages, length, err := m.planPages(as, own, addr)
	if err != nil {
		own.Close()
		return vm.NoMapping, err
	}

	id := m.register(as.PID, own, addr, length, pages)

	for _, page := range pages {
		page.MapID = id
		as.Pages.Insert(page)
	}

	m.logger.Info("file mapped",
		"pid", as.PID, "id", id, "addr", addr, "pages", len(pages))

	return id, nil
}

// planPages builds the pages of a mapping without inserting any of them, so a
// rejected mapping leaves the address space untouched.
func (m *Manager) planPages(
	as *vm.AddressSpace,
	file vm.File,
	addr uint64,
) ([]*vm.Page, int64, error) {
	length, err := file.Length()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: file length: %w", vm.ErrIO, err)
	}

	if length == 0 {
		return nil, 0, fmt.Errorf("%w: empty file", vm.ErrInvalidArgument)
	}

	pageSize := m.pool.PageSize()
	pages := make([]*vm.Page, 0, (uint64(length)+pageSize-1)/pageSize)
	remaining := uint64(length)
	offset := int64(0)

	for vAddr := addr; remaining > 0; vAddr += pageSize {
		if vAddr < addr || !m.users.IsUserAddress(vAddr) {
			return nil, 0, fmt.Errorf("%w: %#x is not a user address",
				vm.ErrInvalidArgument, vAddr)
		}

		if _, found := as.Pages.Find(vAddr); found {
			return nil, 0, fmt.Errorf("%w: %#x is already mapped",
				vm.ErrInvalidArgument, vAddr)
		}

		readBytes := min(remaining, pageSize)
		pages = append(pages, &vm.Page{
			VAddr: vAddr,
			Source: vm.FileSource{FileRange: vm.FileRange{
				File:      file,
				Offset:    offset,
				ReadBytes: readBytes,
				ZeroBytes: pageSize - readBytes,
			}},
			Writable: true,
		})

		remaining -= readBytes
		offset += int64(readBytes)
	}

	return pages, length, nil
}

// Munmap removes a mapping. Modified pages are written back to the file
// before their frames are released, and the file is closed. Unmapping an id
// that is not mapped does nothing.
func (m *Manager) Munmap(as *vm.AddressSpace, id vm.MapID) error {
	as.Lock()
	defer as.Unlock()

	mp := m.take(as.PID, id)
	if mp == nil {
		m.logger.Warn("unmapping an unknown mapping", "pid", as.PID, "id", id)
		return nil
	}

	return m.unmapLocked(as, mp)
}

// UnmapAll removes every mapping of the address space, in the order they
// were created.
func (m *Manager) UnmapAll(as *vm.AddressSpace) error {
	as.Lock()
	defer as.Unlock()

	m.Lock()
	t := m.tables[as.PID]
	delete(m.tables, as.PID)
	m.Unlock()

	if t == nil {
		return nil
	}

	ids := make([]vm.MapID, 0, len(t.mappings))
	for id := range t.mappings {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	var errs []error
	for _, id := range ids {
		errs = append(errs, m.unmapLocked(as, t.mappings[id]))
	}

	return errors.Join(errs...)
}

// Mappings lists the live mappings of an address space by id.
func (m *Manager) Mappings(pid vm.PID) []Info {
	m.Lock()
	defer m.Unlock()

	t := m.tables[pid]
	if t == nil {
		return nil
	}

	infos := make([]Info, 0, len(t.mappings))
	for _, mp := range t.mappings {
		infos = append(infos, Info{
			ID:       mp.id,
			Addr:     mp.addr,
			Length:   mp.length,
			NumPages: len(mp.pages),
		})
	}

	slices.SortFunc(infos, func(a, b Info) int {
		return int(a.ID) - int(b.ID)
	})

	return infos
}

func (m *Manager) unmapLocked(as *vm.AddressSpace, mp *mapping) error {
	var errs []error

	for _, page := range mp.pages {
		if err := m.pool.Release(as, page, true); err != nil {
			m.logger.Warn("write-back failed",
				"pid", as.PID, "addr", page.VAddr, "err", err)
			errs = append(errs, err)
		}

		as.Pages.Remove(page.VAddr)
	}

	if err := mp.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("%w: closing mapped file: %w", vm.ErrIO, err))
	}

	m.logger.Info("file unmapped", "pid", as.PID, "id", mp.id)

	return errors.Join(errs...)
}

func (m *Manager) register(
	pid vm.PID,
	file vm.File,
	addr uint64,
	length int64,
	pages []*vm.Page,
) vm.MapID {
	m.Lock()
	defer m.Unlock()

	t := m.tableOf(pid)
	id := t.nextID
	t.nextID++

	t.mappings[id] = &mapping{
		id:     id,
		file:   file,
		addr:   addr,
		length: length,
		pages:  pages,
	}

	return id
}

func (m *Manager) take(pid vm.PID, id vm.MapID) *mapping {
	m.Lock()
	defer m.Unlock()

	t := m.tables[pid]
	if t == nil {
		return nil
	}

	mp := t.mappings[id]
	delete(t.mappings, id)

	return mp
}

func (m *Manager) tableOf(pid vm.PID) *table {
	t := m.tables[pid]
	if t == nil {
		t = &table{mappings: make(map[vm.MapID]*mapping)}
		m.tables[pid] = t
	}

	return t
}
