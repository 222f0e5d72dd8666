package filebackend

const (
	// mmapSizeMultiplier is the size in bytes of the initial mapping. Every
	// mapping is a multiple of this size.
	mmapSizeMultiplier = 1 << 20

	// defaultBlockSize is used when neither the caller nor the file system
	// provide a preferred block size.
	defaultBlockSize = 4096

	// filePerm is the permission used when Open has to create the file.
	filePerm = 0600
)

// FreeListPolicy decides what happens to a page when it is returned to the
// free-list.
type FreeListPolicy int

const (
	// NoCoalesce stores every freed page as-is. Adjacent free pages are never
	// merged.
	NoCoalesce FreeListPolicy = iota

	// Coalesce merges a freed page with all directly adjacent free pages
	// before storing it.
	Coalesce
)

// String implements fmt.Stringer.
func (p FreeListPolicy) String() string {
	switch p {
	case NoCoalesce:
		return "no-coalesce"
	case Coalesce:
		return "coalesce"
	default:
		return "unknown"
	}
}
