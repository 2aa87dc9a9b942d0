package memory

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/GriffinCanCode/kcpu/internal/shared/fault"
)

// Memory is coprocessor-addressable memory. Offsets passed to ReadAt and
// WriteAt are absolute coprocessor addresses.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// RAM is a heap-backed Memory holding one buffer per region. Accesses that
// are not fully contained in a single region fail.
type RAM struct {
	mu      sync.RWMutex
	regions []Region
	bufs    [][]byte
	writes  atomic.Uint64
}

// NewRAM allocates zeroed buffers for the given regions.
func NewRAM(regions ...Region) *RAM {
	m := &RAM{
		regions: regions,
		bufs:    make([][]byte, len(regions)),
	}
	for i, r := range regions {
		m.bufs[i] = make([]byte, r.Size)
	}
	return m
}

func (m *RAM) locate(off int64, n int) ([]byte, error) {
	if off < 0 {
		return nil, fault.Errorf(fault.ErrAddressOutOfRange, "negative address %d", off)
	}
	for i, r := range m.regions {
		if r.ContainsRange(uint64(off), n) {
			start := uint64(off) - uint64(r.Base)
			return m.bufs[i][start : start+uint64(n)], nil
		}
	}
	return nil, fault.Errorf(fault.ErrAddressOutOfRange, "access 0x%08x+%d outside mapped regions", off, n)
}

// ReadAt implements io.ReaderAt.
func (m *RAM) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	buf, err := m.locate(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, buf), nil
}

// WriteAt implements io.WriterAt.
func (m *RAM) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, err := m.locate(off, len(p))
	if err != nil {
		return 0, err
	}
	m.writes.Add(1)
	return copy(buf, p), nil
}

// Writes returns how many successful writes hit the memory.
func (m *RAM) Writes() uint64 {
	return m.writes.Load()
}

// ReadRegion returns a copy of the full contents of r.
func ReadRegion(mem Memory, r Region) ([]byte, error) {
	buf := make([]byte, r.Size)
	if _, err := mem.ReadAt(buf, int64(r.Base)); err != nil {
		return nil, err
	}
	return buf, nil
}
