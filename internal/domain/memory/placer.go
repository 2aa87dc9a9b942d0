package memory

import (
	"fmt"

	"github.com/GriffinCanCode/kcpu/internal/shared/fault"
)

// Placement describes a successful copy of an image into coprocessor memory.
type Placement struct {
	Code      Region
	Data      Region
	CodeBytes int
	DataBytes int
}

// Bytes returns the number of image bytes written, excluding zero fill.
func (p *Placement) Bytes() int {
	return p.CodeBytes + p.DataBytes
}

// Place copies code into EXEC and data into PAYLOAD, zero-filling the rest of
// both regions. Sizes are re-checked here even though validation already
// rejected oversized sections.
//
// On error the regions hold undefined content and must not be executed.
func Place(mem Memory, layout Layout, code, data []byte) (*Placement, error) {
	if len(code) > int(layout.Exec.Size) {
		return nil, fault.Errorf(fault.ErrRegionOverflow, "code section %d bytes, %s holds %d", len(code), layout.Exec.Name, layout.Exec.Size)
	}
	if len(data) > int(layout.Payload.Size) {
		return nil, fault.Errorf(fault.ErrRegionOverflow, "data section %d bytes, %s holds %d", len(data), layout.Payload.Name, layout.Payload.Size)
	}

	if err := fill(mem, layout.Exec, code); err != nil {
		return nil, err
	}
	if err := fill(mem, layout.Payload, data); err != nil {
		return nil, err
	}

	return &Placement{
		Code:      layout.Exec,
		Data:      layout.Payload,
		CodeBytes: len(code),
		DataBytes: len(data),
	}, nil
}

func fill(mem Memory, r Region, src []byte) error {
	buf := make([]byte, r.Size)
	copy(buf, src)

	n, err := mem.WriteAt(buf, int64(r.Base))
	if err != nil {
		return fmt.Errorf("write %s: %w", r.Name, err)
	}
	if n != len(buf) {
		return fault.Errorf(fault.ErrRegionOverflow, "short write to %s: %d of %d bytes", r.Name, n, len(buf))
	}
	return nil
}
