//go:build windows

package filebackend

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

// mapFile maps the first size bytes of f into memory. The mapping object
// handle is closed right away, the view keeps the section alive.
func mapFile(f *os.File, size int) ([]byte, error) {
	high := uint32(uint64(size) >> 32)
	low := uint32(uint64(size))
	h, err := windows.CreateFileMapping(windows.Handle(f.Fd()), nil, windows.PAGE_READWRITE, high, low, nil)
	if err != nil {
		return nil, os.NewSyscallError("CreateFileMapping", err)
	}
	defer windows.CloseHandle(h)

	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		return nil, os.NewSyscallError("MapViewOfFile", err)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

// unmapFile releases a view returned by mapFile.
func unmapFile(data []byte) error {
	if len(data) == 0 {
		return windows.ERROR_INVALID_PARAMETER
	}
	addr := uintptr(unsafe.Pointer(&data[0]))
	return os.NewSyscallError("UnmapViewOfFile", windows.UnmapViewOfFile(addr))
}

// syncMapping flushes dirty pages of the view to the file.
func syncMapping(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&data[0]))
	return os.NewSyscallError("FlushViewOfFile", windows.FlushViewOfFile(addr, uintptr(len(data))))
}

// preferredBlockSize is unknown on windows.
func preferredBlockSize(f *os.File) uint64 {
	return 0
}
