package vm

import "errors"

// Errors that terminate the process which triggered them. They never cross
// into another process.
var (
	// ErrInvalidAddress is returned for an access to an address that the
	// address space does not track, or a write to a read-only page.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrOutOfMemory is returned when no frame can be reclaimed, typically
	// because swap is full or absent.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrIO is returned when a backing file or the swap device fails.
	ErrIO = errors.New("i/o failure")

	// ErrInvalidArgument is returned for a malformed mapping request.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTerminated is returned for faults of a process that has already
	// been terminated.
	ErrTerminated = errors.New("process terminated")

	// ErrNoSuchProcess is returned when a PID has no address space.
	ErrNoSuchProcess = errors.New("no such process")
)
