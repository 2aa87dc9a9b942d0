package server

import (
	"io"

	"github.com/GriffinCanCode/kcpu/internal/domain/coproc"
	"github.com/GriffinCanCode/kcpu/internal/domain/memory"
)

// Backend is the memory and control surface of one coprocessor.
type Backend struct {
	Memory memory.Memory
	Device coproc.Device
	// Closers release the backend, in order.
	Closers []io.Closer
}

// Close releases every resource of the backend.
func (b *Backend) Close() error {
	var first error
	for _, c := range b.Closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SimBackend returns an in-process coprocessor over plain RAM.
func SimBackend(layout memory.Layout, opts ...coproc.SimOption) *Backend {
	return &Backend{
		Memory: memory.NewRAM(layout.Regions()...),
		Device: coproc.NewSimulator(opts...),
	}
}
