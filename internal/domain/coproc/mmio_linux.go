//go:build linux

package coproc

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/GriffinCanCode/kcpu/internal/domain/memory"
)

// Reset controller CSR offsets.
const (
	csrReset  = 0 // 1 holds the core in reset
	csrStatus = 4 // bit 0 set while the core is halted

	statusHalted = 1 << 0
)

// MMIO drives a real coprocessor through its memory-mapped CSRs.
type MMIO struct {
	f       *os.File
	mailbox *memory.Window
	ctl     *memory.Window
}

// OpenMMIO maps the mailbox word and the reset controller from path,
// normally /dev/mem.
func OpenMMIO(path string, mailbox, resetCtl uint32) (*MMIO, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	d := &MMIO{f: f}
	if d.mailbox, err = memory.MapWindow(f, mailbox, 4); err != nil {
		d.Close()
		return nil, fmt.Errorf("map mailbox: %w", err)
	}
	if d.ctl, err = memory.MapWindow(f, resetCtl, 8); err != nil {
		d.Close()
		return nil, fmt.Errorf("map reset control: %w", err)
	}
	return d, nil
}

func word(w *memory.Window, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&w.Bytes()[off]))
}

func (d *MMIO) AssertReset() error {
	atomic.StoreUint32(word(d.ctl, csrReset), 1)
	return nil
}

func (d *MMIO) ReleaseReset() error {
	atomic.StoreUint32(word(d.ctl, csrReset), 0)
	return nil
}

func (d *MMIO) Halted() (bool, error) {
	return atomic.LoadUint32(word(d.ctl, csrStatus))&statusHalted != 0, nil
}

func (d *MMIO) ReadMailbox() (uint32, error) {
	return atomic.LoadUint32(word(d.mailbox, 0)), nil
}

func (d *MMIO) WriteMailbox(v uint32) error {
	atomic.StoreUint32(word(d.mailbox, 0), v)
	return nil
}

// Close unmaps the CSRs and closes the device file.
func (d *MMIO) Close() error {
	var errs []error
	for _, w := range []*memory.Window{d.mailbox, d.ctl} {
		if w != nil {
			errs = append(errs, w.Unmap())
		}
	}
	errs = append(errs, d.f.Close())
	return errors.Join(errs...)
}
