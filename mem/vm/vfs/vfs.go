// Package vfs provides the files that back executable segments and
// memory-mapped regions.
package vfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/vmsim/mem/vm"
)

// ErrClosed is returned when using a closed handle.
var ErrClosed = errors.New("file already closed")

// OSFile is a vm.File backed by a host file.
type OSFile struct {
	path string
	file *os.File
}

// Open opens the host file at path for reading and writing.
func Open(path string) (*OSFile, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	return &OSFile{path: path, file: file}, nil
}

// Name returns the path of the file.
func (f *OSFile) Name() string {
	return f.path
}

func (f *OSFile) ReadAt(p []byte, off int64) (int, error) {
	return f.file.ReadAt(p, off)
}

func (f *OSFile) WriteAt(p []byte, off int64) (int, error) {
	return f.file.WriteAt(p, off)
}

// Reopen opens the same path again.
func (f *OSFile) Reopen() (vm.File, error) {
	return Open(f.path)
}

func (f *OSFile) Close() error {
	return f.file.Close()
}

func (f *OSFile) Length() (int64, error) {
	info, err := f.file.Stat()
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

type memData struct {
	sync.Mutex
	name    string
	bytes   []byte
	handles int
}

// MemFile is a vm.File whose content lives in memory. Handles created by
// Reopen share the content but are closed independently.
type MemFile struct {
	data   *memData
	closed atomic.Bool
}

// NewMemFile creates an in-memory file holding a copy of content.
func NewMemFile(name string, content []byte) *MemFile {
	data := &memData{
		name:    name,
		bytes:   append([]byte(nil), content...),
		handles: 1,
	}

	return &MemFile{data: data}
}

// Name returns the name given at creation.
func (f *MemFile) Name() string {
	return f.data.name
}

// Bytes returns a copy of the current content.
func (f *MemFile) Bytes() []byte {
	f.data.Lock()
	defer f.data.Unlock()

	return append([]byte(nil), f.data.bytes...)
}

// OpenHandles returns how many handles to the content are still open.
func (f *MemFile) OpenHandles() int {
	f.data.Lock()
	defer f.data.Unlock()

	return f.data.handles
}

func (f *MemFile) ReadAt(p []byte, off int64) (int, error) {
	if f.closed.Load() {
		return 0, ErrClosed
	}

	f.data.Lock()
	defer f.data.Unlock()

	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}

	if off >= int64(len(f.data.bytes)) {
		return 0, io.EOF
	}

	n := copy(p, f.data.bytes[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

func (f *MemFile) WriteAt(p []byte, off int64) (int, error) {
	if f.closed.Load() {
		return 0, ErrClosed
	}

	f.data.Lock()
	defer f.data.Unlock()

	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}

	end := off + int64(len(p))
	if end > int64(len(f.data.bytes)) {
		grown := make([]byte, end)
		copy(grown, f.data.bytes)
		f.data.bytes = grown
	}

	return copy(f.data.bytes[off:], p), nil
}

// Reopen returns a new handle to the same content.
func (f *MemFile) Reopen() (vm.File, error) {
	if f.closed.Load() {
		return nil, ErrClosed
	}

	f.data.Lock()
	defer f.data.Unlock()

	f.data.handles++

	return &MemFile{data: f.data}, nil
}

func (f *MemFile) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	f.data.Lock()
	defer f.data.Unlock()

	f.data.handles--

	return nil
}

func (f *MemFile) Length() (int64, error) {
	if f.closed.Load() {
		return 0, ErrClosed
	}

	f.data.Lock()
	defer f.data.Unlock()

	return int64(len(f.data.bytes)), nil
}
