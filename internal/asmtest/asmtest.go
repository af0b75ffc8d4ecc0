// Package asmtest assembles tiny synthetic bytecode images for use by
// the other packages' tests. It is a test-only helper, not part of the
// CORE; it exists because hand-writing little-endian byte sequences
// inline in every test would obscure what each test actually exercises.
package asmtest

import (
	"encoding/binary"

	"github.com/progminer/lvm/internal/bytecode"
)

// Code accumulates opcode bytes and their operands.
type Code struct {
	buf []byte
}

func NewCode() *Code { return &Code{} }

func (c *Code) Op(op bytecode.Op) *Code {
	c.buf = append(c.buf, byte(op))
	return c
}

func (c *Code) U32(n uint32) *Code {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], n)
	c.buf = append(c.buf, tmp[:]...)
	return c
}

func (c *Code) I32(n int32) *Code { return c.U32(uint32(n)) }

func (c *Code) Byte(b byte) *Code {
	c.buf = append(c.buf, b)
	return c
}

// End appends the terminal end-of-bytecode marker.
func (c *Code) End() *Code { return c.Byte(0xF0) }

// Len reports the current byte offset, for computing jump targets.
func (c *Code) Len() uint32 { return uint32(len(c.buf)) }

func (c *Code) Bytes() []byte { return c.buf }

// Image assembles a complete on-disk image: header, public table,
// string pool, code section (spec.md §4.3).
func Image(globalAreaSize uint32, strings []byte, code []byte) []byte {
	var out []byte
	var tmp [4]byte

	putU32 := func(n uint32) {
		binary.LittleEndian.PutUint32(tmp[:], n)
		out = append(out, tmp[:]...)
	}

	putU32(uint32(len(strings)))
	putU32(globalAreaSize)
	putU32(0) // public_count
	out = append(out, strings...)
	out = append(out, code...)
	return out
}

// StringPool concatenates NUL-terminated strings and returns the pool
// bytes plus each string's offset into it.
func StringPool(strs ...string) (pool []byte, offsets []uint32) {
	for _, s := range strs {
		offsets = append(offsets, uint32(len(pool)))
		pool = append(pool, s...)
		pool = append(pool, 0)
	}
	return pool, offsets
}
