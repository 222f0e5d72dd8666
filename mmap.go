package filebackend

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"github.com/NebulousLabs/Sia/build"
	"github.com/dustin/go-humanize"
)

type (
	// Options configures an MmapPageManager. The zero value is valid.
	Options struct {
		// BlockSize is the allocation granularity. 0 means the preferred I/O
		// size of the file system or defaultBlockSize if that is unknown
		BlockSize uint64

		// Policy decides if freed pages are merged with their neighbours
		Policy FreeListPolicy

		// Logger receives debug events about mappings. nil discards them
		Logger *slog.Logger
	}

	// MmapPageManager maps a single file into memory and hands out pages of
	// it as PageRefs. The mapping is replaced by a larger one whenever a page
	// past its end is requested. Replaced mappings stay valid until the last
	// PageRef into them is closed.
	MmapPageManager struct {
		// file is the managed file. It is owned by the MmapPageManager
		file *os.File

		// pages decides where in the file new pages live
		pages *PageManager

		// current is the newest mapping. The MmapPageManager holds one
		// reference on it
		current *mappedFile

		// closed is set by Close
		closed bool

		// liveMappings counts the mappings that were not unmapped yet
		liveMappings atomic.Int64

		// openRefs counts the PageRefs that were not closed yet
		openRefs atomic.Int64

		log *slog.Logger

		// mu protects pages, current and closed
		mu *sync.Mutex
	}

	// mappedFile is a single mapping of the file starting at offset 0
	mappedFile struct {
		// data is the mapped memory. It is nil once the mapping is released
		data []byte

		// refs counts the PageRefs pointing into data plus one if the
		// mapping is the current one
		refs atomic.Int64

		pm *MmapPageManager
	}

	// Stats is a snapshot of an MmapPageManager
	Stats struct {
		AllocatorStats

		// MappingSize is the size of the current mapping, 0 if there is none
		MappingSize uint64

		// LiveMappings is the number of mappings that are still mapped,
		// including retired ones that are kept alive by PageRefs
		LiveMappings int64

		// OpenPageRefs is the number of PageRefs that were not closed
		OpenPageRefs int64
	}
)

// Open opens or creates the file at path and returns an MmapPageManager
// for it.
func Open(path string, opts Options) (*MmapPageManager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, filePerm)
	if err != nil {
		return nil, &Error{Op: OpOpen, Path: path, Err: err}
	}
	pm, err := OpenFile(f, opts)
	if err != nil {
		return nil, build.ComposeErrors(err, f.Close())
	}
	return pm, nil
}

// OpenFile creates an MmapPageManager that takes ownership of f. f must be
// opened for reading and writing. The current length of the file is treated
// as allocated. No mapping is created until the first page is requested. On
// error f is left open.
func OpenFile(f *os.File, opts Options) (*MmapPageManager, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, &Error{Op: OpStat, Path: f.Name(), Err: err}
	}

	blockSize := opts.BlockSize
	if blockSize == 0 {
		blockSize = preferredBlockSize(f)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pm := &MmapPageManager{
		file:  f,
		pages: NewPageManager(uint64(fi.Size()), blockSize, opts.Policy),
		log:   logger.With("file", f.Name()),
		mu:    new(sync.Mutex),
	}
	pm.log.Debug("opened page file",
		"size", humanize.IBytes(uint64(fi.Size())),
		"block_size", pm.pages.BlockSize(),
		"policy", opts.Policy.String())
	return pm, nil
}

// AllocPage allocates a page of at least minSize bytes and maps it into
// memory. The returned PageRef must be closed.
func (pm *MmapPageManager) AllocPage(minSize uint64) (*PageRef, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.closed {
		return nil, ErrClosed
	}

	page, bumped, err := pm.pages.allocPage(minSize)
	if err != nil {
		return nil, err
	}
	mf, err := pm.getMappedFile(page.End())
	if err != nil {
		pm.pages.unallocPage(page, bumped)
		return nil, err
	}
	return pm.newPageRef(page, mf), nil
}

// GetPage maps a page that was allocated earlier. The span is only checked
// against the allocated address space, not against the set of live pages.
// The returned PageRef must be closed.
func (pm *MmapPageManager) GetPage(offset, size uint64) (*PageRef, error) {
	if size == 0 {
		return nil, ErrZeroSize
	}
	page := Page{Offset: offset, Size: size}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.closed {
		return nil, ErrClosed
	}
	if page.End() < page.Offset || page.End() > pm.pages.EndPos() {
		return nil, ErrInvalidPage
	}

	mf, err := pm.getMappedFile(page.End())
	if err != nil {
		return nil, err
	}
	return pm.newPageRef(page, mf), nil
}

// FreePage returns a page to the free-list. PageRefs to the page should be
// closed before, the memory is handed out again by the next allocation.
func (pm *MmapPageManager) FreePage(page Page) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.closed {
		return ErrClosed
	}
	return pm.pages.FreePage(page)
}

// getMappedFile returns a mapping that spans at least the first lastByte
// bytes of the file with one reference taken for the caller. If the current
// mapping is too small the file is extended and a new mapping replaces it.
// On error the current mapping is left untouched. pm.mu must be held.
func (pm *MmapPageManager) getMappedFile(lastByte uint64) (*mappedFile, error) {
	if cur := pm.current; cur != nil && uint64(len(cur.data)) >= lastByte {
		cur.incrRefs()
		return cur, nil
	}

	// Round up to the next multiple of the growth quantum
	size := lastByte
	if rem := size % mmapSizeMultiplier; rem != 0 || size == 0 {
		size += mmapSizeMultiplier - rem
	}
	if size < lastByte || size > math.MaxInt {
		return nil, &Error{Op: OpMap, Path: pm.file.Name(), Err: errors.New("mapping exceeds the address space")}
	}

	if err := pm.extend(size); err != nil {
		return nil, err
	}
	data, err := mapFile(pm.file, int(size))
	if err != nil {
		return nil, &Error{Op: OpMap, Path: pm.file.Name(), Err: err}
	}

	// One reference for the manager and one for the caller
	mf := &mappedFile{data: data, pm: pm}
	mf.refs.Store(2)
	pm.liveMappings.Add(1)
	pm.log.Debug("created mapping", "size", humanize.IBytes(size))

	old := pm.current
	pm.current = mf
	if old != nil {
		pm.log.Debug("retired mapping",
			"size", humanize.IBytes(uint64(len(old.data))),
			"refs", old.refs.Load()-1)
		if err := old.decrRefs(); err != nil {
			pm.log.Warn("failed to release retired mapping", "err", err)
		}
	}
	return mf, nil
}

// extend grows the file to at least size bytes. Files are never shrunk.
func (pm *MmapPageManager) extend(size uint64) error {
	fi, err := pm.file.Stat()
	if err != nil {
		return &Error{Op: OpStat, Path: pm.file.Name(), Err: err}
	}
	if uint64(fi.Size()) >= size {
		return nil
	}
	if err := pm.file.Truncate(int64(size)); err != nil {
		return &Error{Op: OpExtend, Path: pm.file.Name(), Err: err}
	}
	pm.log.Debug("extended file",
		"from", humanize.IBytes(uint64(fi.Size())),
		"to", humanize.IBytes(size))
	return nil
}

// Sync flushes the current mapping and the file to disk.
func (pm *MmapPageManager) Sync() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.closed {
		return ErrClosed
	}

	if pm.current != nil {
		if err := syncMapping(pm.current.data); err != nil {
			return &Error{Op: OpSync, Path: pm.file.Name(), Err: err}
		}
	}
	if err := pm.file.Sync(); err != nil {
		return &Error{Op: OpSync, Path: pm.file.Name(), Err: err}
	}
	return nil
}

// Stats returns a snapshot of the allocator and the mappings.
func (pm *MmapPageManager) Stats() Stats {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	stats := Stats{
		AllocatorStats: pm.pages.Stats(),
		LiveMappings:   pm.liveMappings.Load(),
		OpenPageRefs:   pm.openRefs.Load(),
	}
	if pm.current != nil {
		stats.MappingSize = uint64(len(pm.current.data))
	}
	return stats
}

// Close releases the current mapping and closes the file. All PageRefs
// should be closed before; the mappings they point into stay alive until
// they are.
func (pm *MmapPageManager) Close() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.closed {
		return nil
	}
	pm.closed = true

	if n := pm.openRefs.Load(); n > 0 {
		pm.log.Warn("closing page file with open page refs", "refs", n)
	}

	var unmapErr error
	if pm.current != nil {
		unmapErr = pm.current.decrRefs()
		pm.current = nil
	}
	var closeErr error
	if err := pm.file.Close(); err != nil {
		closeErr = &Error{Op: OpClose, Path: pm.file.Name(), Err: err}
	}
	return build.ComposeErrors(unmapErr, closeErr)
}

// incrRefs adds a reference to the mapping.
func (mf *mappedFile) incrRefs() {
	mf.refs.Add(1)
}

// decrRefs drops a reference and unmaps the memory once the last one is
// gone. The current mapping always holds the manager's reference so it is
// never unmapped here while it is current.
func (mf *mappedFile) decrRefs() error {
	n := mf.refs.Add(-1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		build.Critical("mapping reference count dropped below zero:", n)
		return nil
	}

	data := mf.data
	mf.data = nil
	mf.pm.liveMappings.Add(-1)
	if err := unmapFile(data); err != nil {
		return &Error{Op: OpUnmap, Path: mf.pm.file.Name(), Err: err}
	}
	mf.pm.log.Debug("unmapped mapping", "size", humanize.IBytes(uint64(len(data))))
	return nil
}
