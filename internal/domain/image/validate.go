package image

import (
	"bytes"
	"encoding/binary"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"

	"github.com/GriffinCanCode/kcpu/internal/domain/memory"
	"github.com/GriffinCanCode/kcpu/internal/shared/fault"
)

// Validate checks buf against the wire format and the capacities of layout.
// It has no side effects; on success the returned Image references buf.
func Validate(buf []byte, layout memory.Layout) (*Image, error) {
	if len(buf) < HeaderSize {
		return nil, fault.Errorf(fault.ErrTruncated, "image is %d bytes, header needs %d", len(buf), HeaderSize)
	}
	if limit := MaxImageSize(layout); len(buf) > limit {
		return nil, fault.Errorf(fault.ErrTooLarge, "image is %d bytes, limit %d", len(buf), limit)
	}

	hdr, err := parseHeader(buf[:HeaderSize])
	if err != nil {
		return nil, err
	}

	if hdr.CodeSize > layout.Exec.Size {
		return nil, fault.Errorf(fault.ErrTooLarge, "code section %d bytes, %s holds %d", hdr.CodeSize, layout.Exec.Name, layout.Exec.Size)
	}
	if hdr.DataSize > layout.Payload.Size {
		return nil, fault.Errorf(fault.ErrTooLarge, "data section %d bytes, %s holds %d", hdr.DataSize, layout.Payload.Name, layout.Payload.Size)
	}
	if hdr.SymtabSize > MaxSymbolTableSize {
		return nil, fault.Errorf(fault.ErrTooLarge, "symbol table %d bytes, limit %d", hdr.SymtabSize, MaxSymbolTableSize)
	}

	total := uint64(HeaderSize) + uint64(hdr.CodeSize) + uint64(hdr.DataSize) + uint64(hdr.SymtabSize)
	switch {
	case total > uint64(len(buf)):
		return nil, fault.Errorf(fault.ErrTruncated, "header declares %d bytes, got %d", total, len(buf))
	case total < uint64(len(buf)):
		return nil, fault.Errorf(fault.ErrCorrupt, "%d trailing bytes after symbol table", uint64(len(buf))-total)
	}

	if sum := xxhash.Sum64(buf[HeaderSize:]); sum != hdr.Checksum {
		return nil, fault.Errorf(fault.ErrCorrupt, "checksum 0x%016x, header says 0x%016x", sum, hdr.Checksum)
	}

	off := HeaderSize
	code := buf[off : off+int(hdr.CodeSize)]
	off += int(hdr.CodeSize)
	data := buf[off : off+int(hdr.DataSize)]
	off += int(hdr.DataSize)

	syms, err := parseSymbols(buf[off:])
	if err != nil {
		return nil, err
	}

	return &Image{
		Header:  hdr,
		Code:    code,
		Data:    data,
		Symbols: syms,
	}, nil
}

func parseHeader(b []byte) (Header, error) {
	if !bytes.Equal(b[0:4], Magic[:]) {
		return Header{}, fault.Errorf(fault.ErrBadFormat, "bad magic %q", b[0:4])
	}

	hdr := Header{
		Version:    binary.BigEndian.Uint16(b[4:6]),
		Flags:      binary.BigEndian.Uint16(b[6:8]),
		CodeSize:   binary.BigEndian.Uint32(b[8:12]),
		DataSize:   binary.BigEndian.Uint32(b[12:16]),
		SymtabSize: binary.BigEndian.Uint32(b[16:20]),
		Checksum:   binary.BigEndian.Uint64(b[24:32]),
	}
	if hdr.Version != Version {
		return Header{}, fault.Errorf(fault.ErrBadFormat, "unsupported version %d", hdr.Version)
	}
	if hdr.Flags != 0 {
		return Header{}, fault.Errorf(fault.ErrBadFormat, "unknown flags 0x%04x", hdr.Flags)
	}
	if reserved := binary.BigEndian.Uint32(b[20:24]); reserved != 0 {
		return Header{}, fault.Errorf(fault.ErrBadFormat, "reserved word is 0x%08x", reserved)
	}
	return hdr, nil
}

// parseSymbols decodes the symbol table. An empty table holds no symbols.
func parseSymbols(b []byte) ([]Symbol, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b) < 4 {
		return nil, fault.Errorf(fault.ErrCorrupt, "symbol table is %d bytes", len(b))
	}

	count := binary.BigEndian.Uint32(b)
	b = b[4:]

	// Each record takes at least 2+1+4 bytes.
	if uint64(count)*7 > uint64(len(b)) {
		return nil, fault.Errorf(fault.ErrCorrupt, "symbol table declares %d records in %d bytes", count, len(b))
	}

	syms := make([]Symbol, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(b) < 2 {
			return nil, fault.Errorf(fault.ErrCorrupt, "symbol %d: record truncated", i)
		}
		n := int(binary.BigEndian.Uint16(b))
		b = b[2:]
		if n == 0 {
			return nil, fault.Errorf(fault.ErrCorrupt, "symbol %d: empty name", i)
		}
		if len(b) < n+4 {
			return nil, fault.Errorf(fault.ErrCorrupt, "symbol %d: record truncated", i)
		}

		name := b[:n]
		if !utf8.Valid(name) || bytes.IndexByte(name, 0) >= 0 {
			return nil, fault.Errorf(fault.ErrCorrupt, "symbol %d: invalid name %q", i, name)
		}
		syms = append(syms, Symbol{
			Name:   string(name),
			Offset: binary.BigEndian.Uint32(b[n:]),
		})
		b = b[n+4:]
	}

	if len(b) != 0 {
		return nil, fault.Errorf(fault.ErrCorrupt, "%d trailing bytes in symbol table", len(b))
	}
	return syms, nil
}
