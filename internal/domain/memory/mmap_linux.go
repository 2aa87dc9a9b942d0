//go:build linux

package memory

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Window is a shared memory mapping of [Base, Base+Size) of a device file.
// The mapping itself starts at the enclosing page boundary.
type Window struct {
	Base uint32
	Size uint32

	mapped []byte
	pad    int
}

// MapWindow maps size bytes at physical address base of f.
func MapWindow(f *os.File, base, size uint32) (*Window, error) {
	if size == 0 {
		return nil, fmt.Errorf("map 0x%08x: empty window", base)
	}

	page := int64(os.Getpagesize())
	start := int64(base) &^ (page - 1)
	pad := int(int64(base) - start)
	length := (int64(pad) + int64(size) + page - 1) &^ (page - 1)

	data, err := unix.Mmap(int(f.Fd()), start, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap 0x%08x+%d: %w", base, size, err)
	}
	return &Window{Base: base, Size: size, mapped: data, pad: pad}, nil
}

// Bytes returns the window contents. The slice aliases device memory.
func (w *Window) Bytes() []byte {
	return w.mapped[w.pad : w.pad+int(w.Size)]
}

// Unmap releases the mapping. The window must not be used afterwards.
func (w *Window) Unmap() error {
	if w.mapped == nil {
		return nil
	}
	err := unix.Munmap(w.mapped)
	w.mapped = nil
	return err
}
