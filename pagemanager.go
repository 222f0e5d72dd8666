package filebackend

import (
	"fmt"
)

type (
	// Page is a span [Offset, Offset+Size) of the managed file. Offsets and
	// sizes are usually persisted by the caller and round-trip as plain
	// uint64 values.
	Page struct {
		Offset uint64
		Size   uint64
	}

	// freeEntry is a previously allocated page that can be handed out again
	freeEntry struct {
		size   uint64
		offset uint64
	}

	// PageManager hands out non-overlapping pages of a linear address space
	// and recycles freed ones. It never touches the underlying storage and is
	// not safe for concurrent use.
	PageManager struct {
		// endPos is the index of the first byte that was never allocated
		endPos uint64

		// blockSize is the optimal block size of the underlying file. Bump
		// allocated pages are a multiple of it
		blockSize uint64

		// policy decides if freed pages are merged with their neighbours
		policy FreeListPolicy

		// freelist contains the pages that can be reused for new data
		freelist []freeEntry
	}

	// AllocatorStats is a snapshot of a PageManager's bookkeeping
	AllocatorStats struct {
		EndPos    uint64
		BlockSize uint64
		FreePages int
		FreeBytes uint64
	}
)

// End returns the index of the first byte after the page.
func (p Page) End() uint64 {
	return p.Offset + p.Size
}

// String implements fmt.Stringer.
func (p Page) String() string {
	return fmt.Sprintf("page[%d+%d]", p.Offset, p.Size)
}

// overlaps returns true if the two spans share at least one byte
func (p Page) overlaps(q Page) bool {
	return p.Offset < q.End() && q.Offset < p.End()
}

// NewPageManager creates a PageManager whose first bump allocation starts at
// endPos. A blockSize of 0 selects defaultBlockSize.
func NewPageManager(endPos, blockSize uint64, policy FreeListPolicy) *PageManager {
	if blockSize == 0 {
		blockSize = defaultBlockSize
	}
	return &PageManager{
		endPos:    endPos,
		blockSize: blockSize,
		policy:    policy,
	}
}

// AllocPage returns a page of at least minSize bytes. Free pages are reused
// before the address space is grown. Reused pages are returned as they are
// and might be larger than requested.
func (pm *PageManager) AllocPage(minSize uint64) (Page, error) {
	page, _, err := pm.allocPage(minSize)
	return page, err
}

// allocPage is AllocPage that also reports whether the page was bump
// allocated instead of taken from the free-list.
func (pm *PageManager) allocPage(minSize uint64) (Page, bool, error) {
	if minSize == 0 {
		return Page{}, false, ErrZeroSize
	}

	// If there is a free page available return that one
	if page, ok := pm.findFreePage(minSize); ok {
		return page, false, nil
	}

	// Round the size up to the next multiple of the block size
	size := minSize
	if rem := size % pm.blockSize; rem != 0 {
		size += pm.blockSize - rem
	}

	page := Page{
		Offset: pm.endPos,
		Size:   size,
	}
	pm.endPos += size
	return page, true, nil
}

// FreePage returns a page to the free-list. Pages that extend past the end
// of the address space or overlap an already free page are rejected.
func (pm *PageManager) FreePage(page Page) error {
	if page.Size == 0 || page.End() < page.Offset || page.End() > pm.endPos {
		return ErrInvalidPage
	}
	for _, e := range pm.freelist {
		if page.overlaps(Page{Offset: e.offset, Size: e.size}) {
			return ErrDoubleFree
		}
	}

	if pm.policy == Coalesce {
		page = pm.coalesce(page)
	}
	pm.freelist = append(pm.freelist, freeEntry{size: page.Size, offset: page.Offset})
	return nil
}

// coalesce removes every free entry adjacent to page from the free-list and
// returns the merged span. Merging is repeated until no neighbour is left.
func (pm *PageManager) coalesce(page Page) Page {
	for merged := true; merged; {
		merged = false
		for i, e := range pm.freelist {
			switch {
			case e.offset+e.size == page.Offset:
				page = Page{Offset: e.offset, Size: e.size + page.Size}
			case page.End() == e.offset:
				page.Size += e.size
			default:
				continue
			}
			pm.removeFree(i)
			merged = true
			break
		}
	}
	return page
}

// findFreePage looks for the smallest free page that holds at least minSize
// bytes. On success the page is removed from the free-list. Ties are broken
// by the lower offset.
func (pm *PageManager) findFreePage(minSize uint64) (Page, bool) {
	best := -1
	for i, e := range pm.freelist {
		if e.size < minSize {
			continue
		}
		if best == -1 || e.size < pm.freelist[best].size ||
			(e.size == pm.freelist[best].size && e.offset < pm.freelist[best].offset) {
			best = i
		}
	}
	if best == -1 {
		return Page{}, false
	}

	e := pm.freelist[best]
	pm.removeFree(best)
	return Page{Offset: e.offset, Size: e.size}, true
}

// unallocPage undoes the latest allocPage whose page was never handed out. A
// bump allocation gives its span back to the unallocated tail, a reused page
// goes back onto the free-list as it was.
func (pm *PageManager) unallocPage(page Page, bumped bool) {
	if bumped && page.End() == pm.endPos {
		pm.endPos = page.Offset
		return
	}
	pm.freelist = append(pm.freelist, freeEntry{size: page.Size, offset: page.Offset})
}

// removeFree drops the i-th entry of the free-list. Order is not preserved.
func (pm *PageManager) removeFree(i int) {
	last := len(pm.freelist) - 1
	pm.freelist[i] = pm.freelist[last]
	pm.freelist = pm.freelist[:last]
}

// EndPos returns the index of the first never allocated byte.
func (pm *PageManager) EndPos() uint64 {
	return pm.endPos
}

// BlockSize returns the allocation granularity.
func (pm *PageManager) BlockSize() uint64 {
	return pm.blockSize
}

// Stats returns a snapshot of the free-list and the high-water mark.
func (pm *PageManager) Stats() AllocatorStats {
	stats := AllocatorStats{
		EndPos:    pm.endPos,
		BlockSize: pm.blockSize,
		FreePages: len(pm.freelist),
	}
	for _, e := range pm.freelist {
		stats.FreeBytes += e.size
	}
	return stats
}
