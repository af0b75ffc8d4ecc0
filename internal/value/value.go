// Package value implements the interpreter's uniform word-sized tagged
// value, as described by the image format's runtime data model: every
// datum fits in a single machine word, and the low bit tells a fixnum
// from everything else.
package value

import "unsafe"

// Value is the word-sized runtime representation. Three disjoint shapes
// share the type:
//
//   - fixnum:  bit 0 set, payload in bits 1-31 (a 31-bit signed integer).
//   - address: bit 63 set, bits 0-62 a raw process pointer to a Value slot
//     (produced by LDA, consumed by STA/STI; never relocated by the heap).
//   - ref/nil: neither bit set; 0 means the uninitialised placeholder,
//     anything else is two plus a byte offset into the active heap half.
//
// Real process pointers obtained via unsafe.Pointer never set bit 63 on
// every platform this interpreter targets, and ref offsets stay far below
// it, so the three shapes never collide.
type Value uint64

const (
	fixnumTag  Value = 1
	addressTag Value = 1 << 63
)

// Zero is the initial/failsafe placeholder value pushed onto a fresh
// operand stack slot and used to zero-fill new activation locals.
const Zero Value = 0

// MakeFixnum encodes a signed 31-bit integer as a fixnum value.
func MakeFixnum(n int32) Value {
	return Value(uint32(n)<<1) | fixnumTag
}

// IsFixnum reports whether v's low bit marks it as a fixnum.
func IsFixnum(v Value) bool {
	return v&fixnumTag != 0
}

// ToInt decodes a fixnum back to its signed integer, via an arithmetic
// right shift so the sign bit propagates correctly.
func ToInt(v Value) int32 {
	return int32(uint32(v)) >> 1
}

// IsAddress reports whether v is an address value produced by LDA.
func IsAddress(v Value) bool {
	return v&addressTag != 0
}

// MakeAddress turns a pointer to a Value slot (a global or an activation
// local) into an address value.
func MakeAddress(slot *Value) Value {
	return Value(uintptr(unsafe.Pointer(slot))) | addressTag
}

// Deref resolves an address value back to the slot it points at. Callers
// must only call this on values for which IsAddress reports true.
func Deref(v Value) *Value {
	return (*Value)(unsafe.Pointer(uintptr(v &^ addressTag)))
}

// MakeRef encodes a byte offset into the active heap half as a heap
// pointer value. Offsets are biased by two so that the zero Value always
// means "uninitialised", never "object at offset zero", while bit 0 of
// an (even) heap offset stays clear and a ref never reads as a fixnum.
func MakeRef(offset uint64) Value {
	return Value(offset + 2)
}

// RefOffset decodes a heap pointer value back to its byte offset. ok is
// false if v is not a heap pointer (it is a fixnum, an address, or the
// zero placeholder).
func RefOffset(v Value) (offset uint64, ok bool) {
	if IsFixnum(v) || IsAddress(v) || v == Zero {
		return 0, false
	}
	return uint64(v) - 2, true
}

// IsRef reports whether v is a heap pointer (see RefOffset).
func IsRef(v Value) bool {
	_, ok := RefOffset(v)
	return ok
}
