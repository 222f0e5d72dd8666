package filebackend

import (
	"errors"
	"io"
	"sync/atomic"
)

type (
	// noCopy makes go vet's copylocks check complain about copied PageRefs
	noCopy struct{}

	// PageRef is a handle to a page that is mapped into memory. As long as
	// it is open the mapping it points into stays valid, even if the
	// MmapPageManager switched to a larger mapping in the meantime. PageRefs
	// must not be copied and have to be closed exactly like files.
	PageRef struct {
		_ noCopy

		// page is the span of the file the handle points to
		page Page

		// file is the mapping the handle holds a reference on
		file *mappedFile

		// closed is set by the first call to Close
		closed atomic.Bool
	}
)

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// newPageRef wraps a reference on mf that was taken by getMappedFile.
func (pm *MmapPageManager) newPageRef(page Page, mf *mappedFile) *PageRef {
	pm.openRefs.Add(1)
	return &PageRef{
		page: page,
		file: mf,
	}
}

// Page returns the span of the file the handle points to.
func (r *PageRef) Page() Page {
	return r.page
}

// Bytes returns the mapped memory of the page. The slice must not be used
// after the PageRef is closed. It is nil for closed PageRefs.
func (r *PageRef) Bytes() []byte {
	if r.closed.Load() {
		return nil
	}
	return r.file.data[r.page.Offset:r.page.End():r.page.End()]
}

// ReadAt reads from the page starting at off, which is relative to the
// start of the page.
func (r *PageRef) ReadAt(b []byte, off int64) (n int, err error) {
	data := r.Bytes()
	if data == nil {
		return 0, ErrClosed
	}

	// Check if the offset is in range
	if off < 0 {
		return 0, errors.New("cannot read at negative offset")
	}
	if off >= int64(len(data)) {
		return 0, io.EOF
	}

	n = copy(b, data[off:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes to the page starting at off, which is relative to the
// start of the page. Writes never cross the end of the page.
func (r *PageRef) WriteAt(b []byte, off int64) (n int, err error) {
	data := r.Bytes()
	if data == nil {
		return 0, ErrClosed
	}

	// Check if the offset is in range
	if off < 0 {
		return 0, errors.New("cannot write at negative offset")
	}
	if off >= int64(len(data)) {
		return 0, io.EOF
	}

	n = copy(data[off:], b)
	if n < len(b) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Close releases the handle's reference on its mapping. If it was the last
// reference to a mapping that is no longer current, the mapping is unmapped.
// Closing a PageRef twice is a no-op.
func (r *PageRef) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.file.pm.openRefs.Add(-1)
	return r.file.decrRefs()
}
