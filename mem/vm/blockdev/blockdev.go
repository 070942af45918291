// Package blockdev provides raw sector devices, used by the swap manager
// without any file-level cache in between.
package blockdev

import (
	"errors"
	"fmt"
	"os"

	"github.com/sarchlab/vmsim/memory"
)

// SectorSize is the number of bytes in a sector.
const SectorSize = 512

// ErrSectorOutOfRange is returned for accesses beyond the end of a device.
var ErrSectorOutOfRange = errors.New("sector out of range")

// A Device reads and writes whole sectors.
type Device interface {
	// Size returns the number of sectors.
	Size() uint64
	Read(sector uint64, buf []byte) error
	Write(sector uint64, buf []byte) error
}

func checkAccess(d Device, sector uint64, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("buffer of %d bytes is not a sector", len(buf))
	}

	if sector >= d.Size() {
		return fmt.Errorf("%w: %d", ErrSectorOutOfRange, sector)
	}

	return nil
}

// MemDevice keeps its sectors in memory.
type MemDevice struct {
	storage *memory.Storage
	sectors uint64
}

// NewMemDevice creates an in-memory device with the given number of sectors.
func NewMemDevice(sectors uint64) *MemDevice {
	return &MemDevice{
		storage: memory.NewStorage(sectors*SectorSize, 4096),
		sectors: sectors,
	}
}

// Size returns the number of sectors.
func (d *MemDevice) Size() uint64 {
	return d.sectors
}

func (d *MemDevice) Read(sector uint64, buf []byte) error {
	if err := checkAccess(d, sector, buf); err != nil {
		return err
	}

	return d.storage.ReadInto(sector*SectorSize, buf)
}

func (d *MemDevice) Write(sector uint64, buf []byte) error {
	if err := checkAccess(d, sector, buf); err != nil {
		return err
	}

	return d.storage.Write(sector*SectorSize, buf)
}

// FileDevice keeps its sectors in a host file, such as a swap file.
type FileDevice struct {
	file    *os.File
	sectors uint64
}

// OpenFileDevice opens or creates the file at path and sizes it to hold the
// given number of sectors.
func OpenFileDevice(path string, sectors uint64) (*FileDevice, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot open block device file: %w", err)
	}

	if err := file.Truncate(int64(sectors * SectorSize)); err != nil {
		file.Close()
		return nil, fmt.Errorf("cannot size block device file: %w", err)
	}

	return &FileDevice{file: file, sectors: sectors}, nil
}

// Size returns the number of sectors.
func (d *FileDevice) Size() uint64 {
	return d.sectors
}

func (d *FileDevice) Read(sector uint64, buf []byte) error {
	if err := checkAccess(d, sector, buf); err != nil {
		return err
	}

	_, err := d.file.ReadAt(buf, int64(sector*SectorSize))

	return err
}

func (d *FileDevice) Write(sector uint64, buf []byte) error {
	if err := checkAccess(d, sector, buf); err != nil {
		return err
	}

	_, err := d.file.WriteAt(buf, int64(sector*SectorSize))

	return err
}

// Close closes the backing file.
func (d *FileDevice) Close() error {
	return d.file.Close()
}
