// Package image validates kernel images before anything is written to
// coprocessor memory.
//
// An image is a big-endian container: a fixed header, the code section
// (placed in EXEC), the data section (placed in PAYLOAD) and a symbol table
// naming entry points by their offset from the EXEC base.
package image

import (
	"github.com/GriffinCanCode/kcpu/internal/domain/memory"
)

// Wire format constants.
const (
	HeaderSize = 32
	Version    = 1

	// MaxSymbolTableSize bounds the symbol table section.
	MaxSymbolTableSize = 64 << 10
	// MaxSymbolName bounds a single symbol name.
	MaxSymbolName = 0xffff
)

// Magic opens every image.
var Magic = [4]byte{'K', 'C', 'P', 'U'}

// Header is the decoded fixed-size image header.
type Header struct {
	Version    uint16
	Flags      uint16
	CodeSize   uint32
	DataSize   uint32
	SymtabSize uint32
	Checksum   uint64
}

// Symbol is a raw symbol table record. Offset is relative to the EXEC base.
type Symbol struct {
	Name   string
	Offset uint32
}

// Image is a validated kernel image. Code and Data alias the buffer passed
// to Validate.
type Image struct {
	Header  Header
	Code    []byte
	Data    []byte
	Symbols []Symbol
}

// Size returns the encoded length of the image.
func (img *Image) Size() int {
	return HeaderSize + int(img.Header.CodeSize) + int(img.Header.DataSize) + int(img.Header.SymtabSize)
}

// MaxImageSize is the largest buffer Validate accepts for layout: a header,
// full EXEC and PAYLOAD sections and a maximal symbol table.
func MaxImageSize(layout memory.Layout) int {
	return HeaderSize + layout.Capacity() + MaxSymbolTableSize
}
