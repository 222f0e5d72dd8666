//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly || windows)

package filebackend

import "os"

func mapFile(f *os.File, size int) ([]byte, error) {
	return nil, ErrUnsupported
}

func unmapFile(data []byte) error {
	return ErrUnsupported
}

func syncMapping(data []byte) error {
	return ErrUnsupported
}

func preferredBlockSize(f *os.File) uint64 {
	return 0
}
