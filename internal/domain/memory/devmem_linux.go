//go:build linux

package memory

import (
	"errors"
	"fmt"
	"os"

	"github.com/GriffinCanCode/kcpu/internal/shared/fault"
)

// DefaultDevMemPath is the physical memory device on the main processor.
const DefaultDevMemPath = "/dev/mem"

// DevMem is a Memory backed by shared mappings of a device file, one per
// region. Against /dev/mem the writes land in the coprocessor's memory.
type DevMem struct {
	f       *os.File
	regions []Region
	windows []*Window
}

// OpenDevMem maps each region of path at its base address.
func OpenDevMem(path string, regions ...Region) (*DevMem, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	m := &DevMem{f: f, regions: regions}
	for _, r := range regions {
		w, err := MapWindow(f, r.Base, r.Size)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("map %s: %w", r.Name, err)
		}
		m.windows = append(m.windows, w)
	}
	return m, nil
}

func (m *DevMem) locate(off int64, n int) ([]byte, error) {
	if off < 0 {
		return nil, fault.Errorf(fault.ErrAddressOutOfRange, "negative address %d", off)
	}
	for i, r := range m.regions {
		if r.ContainsRange(uint64(off), n) {
			start := uint64(off) - uint64(r.Base)
			return m.windows[i].Bytes()[start : start+uint64(n)], nil
		}
	}
	return nil, fault.Errorf(fault.ErrAddressOutOfRange, "access 0x%08x+%d outside mapped regions", off, n)
}

// ReadAt implements io.ReaderAt.
func (m *DevMem) ReadAt(p []byte, off int64) (int, error) {
	buf, err := m.locate(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, buf), nil
}

// WriteAt implements io.WriterAt.
func (m *DevMem) WriteAt(p []byte, off int64) (int, error) {
	buf, err := m.locate(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(buf, p), nil
}

// Close unmaps all regions and closes the device file.
func (m *DevMem) Close() error {
	var errs []error
	for _, w := range m.windows {
		errs = append(errs, w.Unmap())
	}
	m.windows = nil
	errs = append(errs, m.f.Close())
	return errors.Join(errs...)
}
