package server

import (
	"io"

	"github.com/GriffinCanCode/kcpu/internal/domain/coproc"
	"github.com/GriffinCanCode/kcpu/internal/domain/memory"
)

// DevMemBackend maps the loadable regions and the mailbox and reset CSRs of
// the physical coprocessor through path.
func DevMemBackend(path string, layout memory.Layout) (*Backend, error) {
	mem, err := memory.OpenDevMem(path, layout.Regions()...)
	if err != nil {
		return nil, err
	}
	dev, err := coproc.OpenMMIO(path, layout.Mailbox, layout.ResetCtl)
	if err != nil {
		mem.Close()
		return nil, err
	}
	return &Backend{Memory: mem, Device: dev, Closers: []io.Closer{dev, mem}}, nil
}
