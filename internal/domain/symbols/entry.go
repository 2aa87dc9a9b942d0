package symbols

import "fmt"

// EntryPoint is a resolved address bound to the load generation that
// produced it. Only Table.Resolve creates valid entry points; the zero value
// is never valid.
type EntryPoint struct {
	name string
	addr uint32
	gen  uint64
}

func (e EntryPoint) Name() string       { return e.name }
func (e EntryPoint) Addr() uint32       { return e.addr }
func (e EntryPoint) Generation() uint64 { return e.gen }

// IsZero reports whether e was never resolved.
func (e EntryPoint) IsZero() bool {
	return e.gen == 0
}

func (e EntryPoint) String() string {
	if e.IsZero() {
		return "<invalid>"
	}
	return fmt.Sprintf("%s@0x%08x/g%d", e.name, e.addr, e.gen)
}
