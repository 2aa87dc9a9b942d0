// Package memory models the coprocessor-addressable memory the main
// processor writes kernels into.
//
// Two fixed windows matter: EXEC receives the code section of a kernel image
// and PAYLOAD receives its data section. Their base addresses and sizes are
// platform constants that must match the coprocessor firmware and never
// overlap. A platform file may replace DefaultLayout once at start-up,
// before the loader is built with kloader.New; the loader keeps its own
// copy, so the layout is fixed for the life of the process after that.
// Only Place writes to the windows.
package memory

import (
	"fmt"
)

// Platform constants of the reference board.
const (
	ExecBase    = 0x40400000
	ExecSize    = 0x00004000 // 16KB
	PayloadBase = 0x40404000
	PayloadSize = 0x0001C000 // 112KB

	// MailboxAddr is the single-word mailbox shared with the coprocessor.
	MailboxAddr = 0xd0000000
	// ResetCtlAddr is the coprocessor reset CSR (1 = held in reset).
	ResetCtlAddr = 0xe0003000

	// Entry points of the resident coprocessor firmware.
	BridgeEntryAddr = 0x403f0000
	IdleEntryAddr   = 0x403f0100
)

// Prot describes how the coprocessor may access a region.
type Prot int

const (
	ProtNone Prot = 0
	ProtRead Prot = 1 << (iota - 1)
	ProtWrite
	ProtExec

	ProtAll = ProtRead | ProtWrite | ProtExec
)

// String returns the rwx form of p.
func (p Prot) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Region is a fixed window of coprocessor memory.
type Region struct {
	Name string
	Base uint32
	Size uint32
	Prot Prot
}

// End returns the first address past the region. It is 64-bit so a region
// ending exactly at the top of the 32-bit space is representable.
func (r Region) End() uint64 {
	return uint64(r.Base) + uint64(r.Size)
}

// Contains reports whether addr lies inside the region.
func (r Region) Contains(addr uint32) bool {
	return addr >= r.Base && uint64(addr) < r.End()
}

// ContainsRange reports whether [addr, addr+n) lies inside the region.
func (r Region) ContainsRange(addr uint64, n int) bool {
	return addr >= uint64(r.Base) && addr+uint64(n) <= r.End()
}

// Overlaps reports whether r and o share at least one address.
func (r Region) Overlaps(o Region) bool {
	return uint64(r.Base) < o.End() && uint64(o.Base) < r.End()
}

func (r Region) String() string {
	return fmt.Sprintf("%s[0x%08x-0x%08x %s]", r.Name, r.Base, r.End(), r.Prot)
}

// Layout is the coprocessor memory map the loader is built against.
type Layout struct {
	Exec    Region
	Payload Region

	Mailbox  uint32
	ResetCtl uint32

	BridgeEntry uint32
	IdleEntry   uint32
}

// DefaultLayout returns the reference board layout.
func DefaultLayout() Layout {
	return Layout{
		Exec:        Region{Name: "exec", Base: ExecBase, Size: ExecSize, Prot: ProtRead | ProtExec},
		Payload:     Region{Name: "payload", Base: PayloadBase, Size: PayloadSize, Prot: ProtRead | ProtWrite},
		Mailbox:     MailboxAddr,
		ResetCtl:    ResetCtlAddr,
		BridgeEntry: BridgeEntryAddr,
		IdleEntry:   IdleEntryAddr,
	}
}

// Regions returns the loadable regions in placement order.
func (l Layout) Regions() []Region {
	return []Region{l.Exec, l.Payload}
}

// Capacity returns the combined size of EXEC and PAYLOAD.
func (l Layout) Capacity() int {
	return int(l.Exec.Size) + int(l.Payload.Size)
}

// RegionOf returns the loadable region containing addr.
func (l Layout) RegionOf(addr uint32) (Region, bool) {
	for _, r := range l.Regions() {
		if r.Contains(addr) {
			return r, true
		}
	}
	return Region{}, false
}

// Validate checks the invariants the loader relies on.
func (l Layout) Validate() error {
	for _, r := range l.Regions() {
		if r.Size == 0 {
			return fmt.Errorf("region %s is empty", r.Name)
		}
		if r.Base == 0 {
			return fmt.Errorf("region %s starts at address zero", r.Name)
		}
		if r.End() > 1<<32 {
			return fmt.Errorf("region %s wraps the address space", r)
		}
	}
	if l.Exec.Overlaps(l.Payload) {
		return fmt.Errorf("regions overlap: %s and %s", l.Exec, l.Payload)
	}

	fixed := []struct {
		name string
		addr uint32
	}{
		{"mailbox", l.Mailbox},
		{"reset control", l.ResetCtl},
		{"bridge entry", l.BridgeEntry},
		{"idle entry", l.IdleEntry},
	}
	for _, f := range fixed {
		if f.addr == 0 {
			return fmt.Errorf("%s address is zero", f.name)
		}
		if f.addr%4 != 0 {
			return fmt.Errorf("%s address 0x%08x is not word aligned", f.name, f.addr)
		}
		if r, ok := l.RegionOf(f.addr); ok {
			return fmt.Errorf("%s address 0x%08x lies inside %s", f.name, f.addr, r)
		}
	}
	return nil
}
