//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package filebackend

import (
	"os"

	"golang.org/x/sys/unix"
)

// mapFile maps the first size bytes of f into memory. MAP_SHARED makes
// writes to the mapping visible in the file.
func mapFile(f *os.File, size int) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// unmapFile releases a region returned by mapFile. It must be passed the
// exact slice mapFile returned.
func unmapFile(data []byte) error {
	return unix.Munmap(data)
}

// syncMapping flushes dirty pages of the mapping to the file.
func syncMapping(data []byte) error {
	return unix.Msync(data, unix.MS_SYNC)
}

// preferredBlockSize returns st_blksize of f or 0 if it is unknown.
func preferredBlockSize(f *os.File) uint64 {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil || st.Blksize <= 0 {
		return 0
	}
	return uint64(st.Blksize)
}
