// Package heap implements the interpreter's object layout (spec.md C2)
// and its semi-space copying collector (spec.md C7), grounded on the
// slab/bump allocator in tinyrange-rtg's std/compiler/backend_vm.go and
// on the header-forwarding scheme original_source/main.cpp's heap::gc
// describes, reshaped here into an inline header field per the data
// model's own text instead of the original's side hashmap.
package heap

import (
	"github.com/progminer/lvm/internal/lverr"
	"github.com/progminer/lvm/internal/value"
)

// Kind identifies which of the four heap object shapes a header describes.
type Kind byte

const (
	KindString Kind = iota
	KindArray
	KindSexp
	KindClosure
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindSexp:
		return "sexp"
	case KindClosure:
		return "closure"
	default:
		return "unknown"
	}
}

// Object header layout, 16 bytes, itself 16-byte aligned so the payload
// that follows always starts on a 16-byte boundary:
//
//	offset 0: kind       (1 byte)
//	offset 1: reserved   (3 bytes, zero)
//	offset 4: fieldsSize (4 bytes, little-endian within the buffer)
//	offset 8: forward    (8 bytes) - GC forwarding offset + 1, 0 if unmoved
//
// fieldsSize means: byte length for KindString, element count for
// KindArray/KindClosure (Value-sized slots), field count for KindSexp.
const (
	headerSize   = 16
	hdrKindOff   = 0
	hdrFieldsOff = 4
	hdrForwdOff  = 8

	align = 16
)

func alignUp(n uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// payloadBytes returns the number of bytes the payload occupies for a
// header whose kind/fieldsSize are as given, not including the header.
func payloadBytes(k Kind, fieldsSize uint32) uint64 {
	switch k {
	case KindString:
		return uint64(fieldsSize)
	case KindArray:
		return uint64(fieldsSize) * 8
	case KindSexp:
		// fields + one trailing Value slot holding the interned tag.
		return (uint64(fieldsSize) + 1) * 8
	case KindClosure:
		// captures + one trailing Value slot holding the code pointer.
		return (uint64(fieldsSize) + 1) * 8
	default:
		return 0
	}
}

// Heap is a two-space copying heap. Exactly one of the two buffers is
// "active" (the from-space new allocations land in and running code
// reads from); the other is idle until the next collection flips them.
type Heap struct {
	spaceA, spaceB []byte
	active         *[]byte // points at spaceA or spaceB
	other          *[]byte
	top            uint64 // bump pointer into *active, in bytes

	statsCollections int
	statsBytesCopied uint64
	gcStatsEnabled   bool
}

// New creates a heap whose each semi-space is initialSize bytes.
func New(initialSize uint64, gcStats bool) *Heap {
	if initialSize == 0 {
		initialSize = 1 << 16
	}
	initialSize = alignUp(initialSize)
	h := &Heap{
		spaceA:         make([]byte, initialSize),
		spaceB:         make([]byte, initialSize),
		gcStatsEnabled: gcStats,
	}
	h.active = &h.spaceA
	h.other = &h.spaceB
	return h
}

// Stats reports cumulative GC activity, printed by cmd/lvm under --gc-stats.
func (h *Heap) Stats() (collections int, bytesCopied uint64) {
	return h.statsCollections, h.statsBytesCopied
}

// Root is anything that holds live Values the collector must trace and,
// if they point into the heap, rewrite after a copy. The machine package
// supplies one Root per live frame plus one for globals and one for the
// operand stack.
type Root interface {
	// Values returns a mutable view over every Value slot this root owns.
	Values() []value.Value
}

// RootFunc adapts a plain slice-returning function into a Root.
type RootFunc func() []value.Value

func (f RootFunc) Values() []value.Value { return f() }

// loadWord/storeWord mirror the teacher's manual little-endian buffer
// access (std/compiler/backend_vm.go loadWord/storeWord) rather than
// encoding/binary, since this is purely an internal in-process buffer.
func loadWord(buf []byte, off uint64) uint64 {
	return uint64(buf[off]) | uint64(buf[off+1])<<8 | uint64(buf[off+2])<<16 | uint64(buf[off+3])<<24 |
		uint64(buf[off+4])<<32 | uint64(buf[off+5])<<40 | uint64(buf[off+6])<<48 | uint64(buf[off+7])<<56
}

func storeWord(buf []byte, off uint64, w uint64) {
	buf[off] = byte(w)
	buf[off+1] = byte(w >> 8)
	buf[off+2] = byte(w >> 16)
	buf[off+3] = byte(w >> 24)
	buf[off+4] = byte(w >> 32)
	buf[off+5] = byte(w >> 40)
	buf[off+6] = byte(w >> 48)
	buf[off+7] = byte(w >> 56)
}

func loadU32(buf []byte, off uint64) uint32 {
	return uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
}

func storeU32(buf []byte, off uint64, w uint32) {
	buf[off] = byte(w)
	buf[off+1] = byte(w >> 8)
	buf[off+2] = byte(w >> 16)
	buf[off+3] = byte(w >> 24)
}

func loadValue(buf []byte, off uint64) value.Value {
	return value.Value(loadWord(buf, off))
}

func storeValue(buf []byte, off uint64, v value.Value) {
	storeWord(buf, off, uint64(v))
}

// Alloc reserves a new object of the given kind and field count, running
// a collection first if the active space doesn't have room, and growing
// both spaces if a single collection still can't make room. roots is
// consulted only on the slow path.
func (h *Heap) Alloc(k Kind, fieldsSize uint32, roots []Root) (value.Value, error) {
	need := headerSize + alignUp(payloadBytes(k, fieldsSize))
	if h.top+need > uint64(len(*h.active)) {
		h.collect(roots)
		if h.top+need > uint64(len(*h.active)) {
			h.grow(need)
		}
		if h.top+need > uint64(len(*h.active)) {
			return 0, lverr.OutOfMemory()
		}
	}
	off := h.top
	buf := *h.active
	buf[off+hdrKindOff] = byte(k)
	buf[off+hdrKindOff+1] = 0
	buf[off+hdrKindOff+2] = 0
	buf[off+hdrKindOff+3] = 0
	storeU32(buf, off+hdrFieldsOff, fieldsSize)
	storeWord(buf, off+hdrForwdOff, 0)
	// zero the payload so uninitialised fields read back as value.Zero.
	payloadStart := off + headerSize
	payloadLen := payloadBytes(k, fieldsSize)
	for i := uint64(0); i < payloadLen; i++ {
		buf[payloadStart+i] = 0
	}
	h.top = off + need
	return value.MakeRef(off), nil
}

func (h *Heap) grow(minExtra uint64) {
	newSize := alignUp(uint64(len(*h.active)) * 2)
	for newSize < h.top+minExtra {
		newSize *= 2
	}
	na := make([]byte, newSize)
	nb := make([]byte, newSize)
	copy(na, *h.active)
	h.spaceA = na
	h.spaceB = nb
	h.active = &h.spaceA
	h.other = &h.spaceB
}

// Kind reports the heap kind stored at a ref's offset.
func (h *Heap) Kind(v value.Value) (Kind, error) {
	off, ok := value.RefOffset(v)
	if !ok {
		return 0, lverr.TypeError("expected a heap reference")
	}
	return Kind((*h.active)[off+hdrKindOff]), nil
}

// FieldsSize reports the fieldsSize header word at a ref's offset.
func (h *Heap) FieldsSize(v value.Value) (uint32, error) {
	off, ok := value.RefOffset(v)
	if !ok {
		return 0, lverr.TypeError("expected a heap reference")
	}
	return loadU32(*h.active, off+hdrFieldsOff), nil
}

func (h *Heap) payloadOffset(v value.Value) (uint64, error) {
	off, ok := value.RefOffset(v)
	if !ok {
		return 0, lverr.TypeError("expected a heap reference")
	}
	return off + headerSize, nil
}

// Field reads the i-th Value-sized slot of an ARRAY, SEXP, or CLOSURE
// object's payload (for SEXP/CLOSURE this addresses the fields/captures
// only; the trailing tag/code slot is reached through SexpTag/ClosureCode).
func (h *Heap) Field(v value.Value, i uint32) (value.Value, error) {
	base, err := h.payloadOffset(v)
	if err != nil {
		return 0, err
	}
	return loadValue(*h.active, base+uint64(i)*8), nil
}

// SetField overwrites the i-th Value-sized slot.
func (h *Heap) SetField(v value.Value, i uint32, fv value.Value) error {
	base, err := h.payloadOffset(v)
	if err != nil {
		return err
	}
	storeValue(*h.active, base+uint64(i)*8, fv)
	return nil
}

// SexpTag reads the interned tag slot trailing a SEXP's fields.
func (h *Heap) SexpTag(v value.Value) (value.Value, error) {
	fields, err := h.FieldsSize(v)
	if err != nil {
		return 0, err
	}
	return h.Field(v, fields)
}

// SetSexpTag writes the interned tag slot trailing a SEXP's fields.
func (h *Heap) SetSexpTag(v value.Value, tag value.Value) error {
	fields, err := h.FieldsSize(v)
	if err != nil {
		return err
	}
	return h.SetField(v, fields, tag)
}

// ClosureCode reads the code pointer slot trailing a CLOSURE's captures.
// The code pointer is stored fixnum-encoded (it is a word stream index,
// never a heap reference) so GC leaves it untouched like any other
// fixnum field.
func (h *Heap) ClosureCode(v value.Value) (int, error) {
	fields, err := h.FieldsSize(v)
	if err != nil {
		return 0, err
	}
	fv, err := h.Field(v, fields)
	if err != nil {
		return 0, err
	}
	return int(value.ToInt(fv)), nil
}

// SetClosureCode writes the code pointer slot trailing a CLOSURE's captures.
func (h *Heap) SetClosureCode(v value.Value, codeIP int) error {
	fields, err := h.FieldsSize(v)
	if err != nil {
		return err
	}
	return h.SetField(v, fields, value.MakeFixnum(int32(codeIP)))
}

// Bytes returns the raw payload of a STRING object.
func (h *Heap) Bytes(v value.Value) ([]byte, error) {
	off, ok := value.RefOffset(v)
	if !ok {
		return nil, lverr.TypeError("expected a heap reference")
	}
	size := loadU32(*h.active, off+hdrFieldsOff)
	base := off + headerSize
	return (*h.active)[base : base+uint64(size)], nil
}

// NewString allocates a STRING object containing a copy of data.
func (h *Heap) NewString(data []byte, roots []Root) (value.Value, error) {
	v, err := h.Alloc(KindString, uint32(len(data)), roots)
	if err != nil {
		return 0, err
	}
	b, _ := h.Bytes(v)
	copy(b, data)
	return v, nil
}

// collect runs a Cheney-style stop-the-world copy from the active space
// into the idle one, using an explicit offset work queue instead of the
// original's intrusive forwarding map: every queued offset is relative
// to the destination (other) buffer, and is scanned once all its fields
// have been copied (possibly forwarding further objects).
func (h *Heap) collect(roots []Root) {
	src := *h.active
	dst := *h.other
	var scan, free uint64

	forward := func(v value.Value) value.Value {
		off, ok := value.RefOffset(v)
		if !ok {
			return v
		}
		if fwd := loadWord(src, off+hdrForwdOff); fwd != 0 {
			return value.MakeRef(fwd - 1)
		}
		k := Kind(src[off+hdrKindOff])
		fieldsSize := loadU32(src, off+hdrFieldsOff)
		size := headerSize + alignUp(payloadBytes(k, fieldsSize))
		newOff := free
		copy(dst[newOff:newOff+size], src[off:off+size])
		free += size
		storeWord(src, off+hdrForwdOff, newOff+1)
		return value.MakeRef(newOff)
	}

	for _, r := range roots {
		vs := r.Values()
		for i := range vs {
			vs[i] = forward(vs[i])
		}
	}

	for scan < free {
		k := Kind(dst[scan+hdrKindOff])
		fieldsSize := loadU32(dst, scan+hdrFieldsOff)
		size := headerSize + alignUp(payloadBytes(k, fieldsSize))
		if k == KindArray || k == KindSexp || k == KindClosure {
			slots := fieldsSize
			if k == KindSexp || k == KindClosure {
				// trailing tag/code slot; forward() passes it through
				// unchanged since it is always fixnum-encoded.
				slots++
			}
			base := scan + headerSize
			for i := uint64(0); i < uint64(slots); i++ {
				fv := loadValue(dst, base+i*8)
				storeValue(dst, base+i*8, forward(fv))
			}
		}
		scan += size
	}

	h.statsCollections++
	h.statsBytesCopied += free
	h.top = free
	h.active, h.other = h.other, h.active
}
