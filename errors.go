package filebackend

import (
	"errors"
	"fmt"
)

var (
	// ErrZeroSize is returned when a page of size 0 is requested.
	ErrZeroSize = errors.New("page size must be greater than zero")

	// ErrInvalidPage is returned for pages that are empty or extend past the
	// end of the managed address space.
	ErrInvalidPage = errors.New("page is outside of the allocated address space")

	// ErrDoubleFree is returned when a freed page overlaps a page that is
	// already on the free-list.
	ErrDoubleFree = errors.New("page overlaps a page on the free-list")

	// ErrClosed is returned by every operation on a closed MmapPageManager.
	ErrClosed = errors.New("page manager is closed")

	// ErrUnsupported is returned on platforms without file mappings.
	ErrUnsupported = errors.New("memory mapped files are not supported on this platform")
)

// Op names the resource operation that failed.
type Op string

// Operations reported in Error.Op.
const (
	OpOpen   Op = "open"
	OpStat   Op = "stat"
	OpExtend Op = "extend"
	OpMap    Op = "mmap"
	OpUnmap  Op = "munmap"
	OpSync   Op = "sync"
	OpClose  Op = "close"
)

// Error is returned when the file or one of its mappings can't be acquired,
// resized or released. Callers decide whether to retry.
type Error struct {
	Op   Op
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsOp reports whether err is an *Error for the given operation.
func IsOp(err error, op Op) bool {
	var e *Error
	return errors.As(err, &e) && e.Op == op
}
