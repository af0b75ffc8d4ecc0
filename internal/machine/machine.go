// Package machine implements activation records (C5), the operand
// stack (C6), the dispatch loop (C8), and the builtins (C9). It drives
// the heap package's allocator/collector and is grounded on the
// handler-switch shape of tinyrange-rtg's std/compiler/backend_vm.go
// execFunc, generalised from that VM's register machine to this one's
// stack machine per spec.md §4.8, and on original_source/main.cpp's
// goto-threaded interpret() for the operational semantics themselves.
package machine

import (
	"bufio"
	"io"

	"github.com/progminer/lvm/internal/heap"
	"github.com/progminer/lvm/internal/image"
	"github.com/progminer/lvm/internal/lverr"
	"github.com/progminer/lvm/internal/preprocess"
	"github.com/progminer/lvm/internal/value"
)

// Machine owns every mutable piece of interpreter state: the word
// stream and image it was built from, the heap, the global area, the
// operand stack, and the current activation chain.
type Machine struct {
	img  *image.Image
	prog *preprocess.Program
	heap *heap.Heap

	globals []value.Value
	stack   []value.Value

	activation *Frame

	pendingReturn    int
	pendingFromCallc bool

	stdin  *bufio.Reader
	stdout io.Writer

	Trace bool
}

// New builds a Machine ready to run prog against img, with a zeroed
// global area sized by the image header and the three failsafe operand
// stack placeholders spec.md §3 describes.
func New(img *image.Image, prog *preprocess.Program, h *heap.Heap, stdin io.Reader, stdout io.Writer, trace bool) *Machine {
	m := &Machine{
		img:     img,
		prog:    prog,
		heap:    h,
		globals: make([]value.Value, img.GlobalAreaSize),
		stdin:   bufio.NewReader(stdin),
		stdout:  stdout,
		Trace:   trace,
	}
	m.stack = append(m.stack, value.Zero, value.Zero, value.Zero)
	return m
}

// Heap exposes the underlying heap, e.g. for reading its GC statistics.
func (m *Machine) Heap() *heap.Heap { return m.heap }

func (m *Machine) roots() []heap.Root {
	roots := make([]heap.Root, 0, 2)
	roots = append(roots, heap.RootFunc(func() []value.Value { return m.globals }))
	roots = append(roots, heap.RootFunc(func() []value.Value { return m.stack }))
	for f := m.activation; f != nil; f = f.parent {
		roots = append(roots, f)
	}
	return roots
}

func (m *Machine) push(v value.Value) {
	m.stack = append(m.stack, v)
}

func (m *Machine) pop() (value.Value, error) {
	if len(m.stack) == 0 {
		return 0, lverr.TypeError("operand stack underflow")
	}
	v := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	return v, nil
}

func (m *Machine) peekTop() (value.Value, error) {
	if len(m.stack) == 0 {
		return 0, lverr.TypeError("operand stack underflow")
	}
	return m.stack[len(m.stack)-1], nil
}

// peekBelow returns the value n+1 slots below the top, i.e. the closure
// CALLC expects to find beneath the n arguments already pushed.
func (m *Machine) peekBelow(n int) (value.Value, error) {
	idx := len(m.stack) - 1 - n
	if idx < 0 {
		return 0, lverr.TypeError("operand stack underflow")
	}
	return m.stack[idx], nil
}

func mustFixnum(v value.Value) (int32, error) {
	if !value.IsFixnum(v) {
		return 0, lverr.TypeError("expected a fixnum")
	}
	return value.ToInt(v), nil
}

// Run drives the dispatch loop to completion, returning nil on a clean
// HFinish and the appropriate lverr error otherwise.
func (m *Machine) Run() error {
	ip := m.prog.Start
	return m.loop(ip)
}
