// Package image loads and verifies a compiled bytecode file (spec.md
// C3), grounded on the header/section-table parsing style of
// IntuitionAmiga-IntuitionEngine's disassembler and on
// original_source/main.cpp's file_content loader, using
// encoding/binary for every field since this is external wire data
// rather than an in-process buffer.
package image

import (
	"encoding/binary"

	"github.com/progminer/lvm/internal/bytecode"
	"github.com/progminer/lvm/internal/lverr"
)

// Image is a verified, section-sliced view over a raw bytecode file. It
// owns no copies of the underlying bytes; Code and Strings are
// sub-slices of the buffer passed to Load, and Publics holds the decoded
// public table entries in a slice of its own.
type Image struct {
	StringPoolSize uint32
	GlobalAreaSize uint32
	PublicCount    uint32

	Publics []bytecode.PublicEntry
	Strings []byte
	Code    []byte
}

const headerFieldCount = 3 // string_pool_size, global_area_size, public_count

// Load parses and verifies raw, returning a MalformedImage error (via
// lverr) the moment any declared section doesn't fit the buffer that's
// actually present.
func Load(raw []byte) (*Image, error) {
	headerSize := headerFieldCount * bytecode.HeaderFieldSize
	if len(raw) < headerSize {
		return nil, lverr.MalformedImage("file shorter than the fixed header")
	}

	img := &Image{
		StringPoolSize: binary.LittleEndian.Uint32(raw[0:4]),
		GlobalAreaSize: binary.LittleEndian.Uint32(raw[4:8]),
		PublicCount:    binary.LittleEndian.Uint32(raw[8:12]),
	}

	cursor := headerSize

	publicsSize := int(img.PublicCount) * bytecode.PublicEntrySize
	if publicsSize < 0 || cursor+publicsSize > len(raw) {
		return nil, lverr.MalformedImage("public symbol table runs past end of file")
	}
	img.Publics = make([]bytecode.PublicEntry, img.PublicCount)
	for i := range img.Publics {
		base := cursor + i*bytecode.PublicEntrySize
		img.Publics[i] = bytecode.PublicEntry{
			NameOffset: binary.LittleEndian.Uint32(raw[base : base+4]),
			CodeOffset: binary.LittleEndian.Uint32(raw[base+4 : base+8]),
		}
	}
	cursor += publicsSize

	if cursor+int(img.StringPoolSize) > len(raw) {
		return nil, lverr.MalformedImage("string pool runs past end of file")
	}
	img.Strings = raw[cursor : cursor+int(img.StringPoolSize)]
	cursor += int(img.StringPoolSize)

	if cursor >= len(raw) {
		return nil, lverr.MalformedImage("code section is empty")
	}
	img.Code = raw[cursor:]

	return img, nil
}

// StringAt reads a NUL-terminated string starting at offset off within
// the string pool, returning BadStringIndex if off or the terminator
// fall outside the pool.
func (img *Image) StringAt(off uint32) (string, error) {
	if off >= uint32(len(img.Strings)) {
		return "", lverr.BadStringIndex(off)
	}
	end := off
	for end < uint32(len(img.Strings)) && img.Strings[end] != 0 {
		end++
	}
	if end >= uint32(len(img.Strings)) {
		return "", lverr.BadStringIndex(off)
	}
	return string(img.Strings[off:end]), nil
}
