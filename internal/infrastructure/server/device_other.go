//go:build !linux

package server

import (
	"fmt"
	"runtime"

	"github.com/GriffinCanCode/kcpu/internal/domain/memory"
)

// DevMemBackend is only available on Linux.
func DevMemBackend(path string, layout memory.Layout) (*Backend, error) {
	return nil, fmt.Errorf("devmem backend not supported on %s", runtime.GOOS)
}
