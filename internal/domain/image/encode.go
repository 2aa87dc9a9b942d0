package image

import (
	"bytes"
	"encoding/binary"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"

	"github.com/GriffinCanCode/kcpu/internal/shared/fault"
)

// Encode builds a well-formed image from its sections. Section sizes are not
// checked against any layout; Validate does that on load.
func Encode(code, data []byte, syms []Symbol) ([]byte, error) {
	symtab, err := encodeSymbols(syms)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, HeaderSize, HeaderSize+len(code)+len(data)+len(symtab))
	buf = append(buf, code...)
	buf = append(buf, data...)
	buf = append(buf, symtab...)

	copy(buf[0:4], Magic[:])
	binary.BigEndian.PutUint16(buf[4:6], Version)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(code)))
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(data)))
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(symtab)))
	binary.BigEndian.PutUint64(buf[24:32], xxhash.Sum64(buf[HeaderSize:]))

	return buf, nil
}

func encodeSymbols(syms []Symbol) ([]byte, error) {
	if len(syms) == 0 {
		return nil, nil
	}

	var b bytes.Buffer
	b.Write(binary.BigEndian.AppendUint32(nil, uint32(len(syms))))
	for _, s := range syms {
		if s.Name == "" || len(s.Name) > MaxSymbolName || !utf8.ValidString(s.Name) || bytes.IndexByte([]byte(s.Name), 0) >= 0 {
			return nil, fault.Errorf(fault.ErrBadFormat, "invalid symbol name %q", s.Name)
		}
		b.Write(binary.BigEndian.AppendUint16(nil, uint16(len(s.Name))))
		b.WriteString(s.Name)
		b.Write(binary.BigEndian.AppendUint32(nil, s.Offset))
	}

	if b.Len() > MaxSymbolTableSize {
		return nil, fault.Errorf(fault.ErrTooLarge, "symbol table %d bytes, limit %d", b.Len(), MaxSymbolTableSize)
	}
	return b.Bytes(), nil
}
