// Package symbols resolves entry point names of a placed kernel image to
// absolute coprocessor addresses.
package symbols

import (
	"fmt"

	"github.com/GriffinCanCode/kcpu/internal/domain/image"
	"github.com/GriffinCanCode/kcpu/internal/domain/memory"
	"github.com/GriffinCanCode/kcpu/internal/shared/fault"
)

// Entry is one symbol of a table with its absolute address.
type Entry struct {
	Name   string `json:"name"`
	Offset uint32 `json:"offset"`
	Addr   uint64 `json:"addr"`
	Region string `json:"region,omitempty"`
}

// InRange reports whether the entry points into EXEC or PAYLOAD.
func (e Entry) InRange() bool {
	return e.Region != ""
}

// Table is the symbol table of one load generation. It is immutable.
type Table struct {
	gen     uint64
	entries []Entry
	index   map[string]int
}

// Build resolves raw symbol records against layout. Offsets are relative to
// the EXEC base. A name appearing twice fails the whole table.
func Build(raw []image.Symbol, layout memory.Layout, gen uint64) (*Table, error) {
	if gen == 0 {
		return nil, fmt.Errorf("symbol table generation must be non-zero")
	}

	t := &Table{
		gen:     gen,
		entries: make([]Entry, 0, len(raw)),
		index:   make(map[string]int, len(raw)),
	}
	for _, s := range raw {
		if _, dup := t.index[s.Name]; dup {
			return nil, fault.Errorf(fault.ErrDuplicateSymbol, "symbol %q defined more than once", s.Name)
		}

		e := Entry{
			Name:   s.Name,
			Offset: s.Offset,
			Addr:   uint64(layout.Exec.Base) + uint64(s.Offset),
		}
		if e.Addr <= 0xffffffff {
			if r, ok := layout.RegionOf(uint32(e.Addr)); ok {
				e.Region = r.Name
			}
		}

		t.index[s.Name] = len(t.entries)
		t.entries = append(t.entries, e)
	}
	return t, nil
}

// Generation returns the load generation the table belongs to.
func (t *Table) Generation() uint64 {
	return t.gen
}

// Len returns the number of symbols.
func (t *Table) Len() int {
	return len(t.entries)
}

// Entries returns a copy of the table in image order.
func (t *Table) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Resolve looks name up by exact match.
func (t *Table) Resolve(name string) (EntryPoint, error) {
	i, ok := t.index[name]
	if !ok {
		return EntryPoint{}, fault.Errorf(fault.ErrSymbolNotFound, "symbol %q", name)
	}

	e := t.entries[i]
	if !e.InRange() {
		return EntryPoint{}, fault.Errorf(fault.ErrAddressOutOfRange, "symbol %q at 0x%08x", name, e.Addr)
	}
	return EntryPoint{name: e.Name, addr: uint32(e.Addr), gen: t.gen}, nil
}
