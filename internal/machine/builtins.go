// Builtin instruction handlers (spec.md C9): read, write, length,
// string, and the Barray array constructor. Grounded on
// original_source/main.cpp's I_CALL_Lread/Lwrite/Llength (I_CALL_Lstring
// and I_CALL_Barray are stubbed there and get full semantics here, per
// spec.md §4.8's builtins paragraph).
package machine

import (
	"fmt"

	"github.com/progminer/lvm/internal/heap"
	"github.com/progminer/lvm/internal/lverr"
	"github.com/progminer/lvm/internal/value"
)

func (m *Machine) builtinRead() error {
	var n int32
	if _, err := fmt.Fscan(m.stdin, &n); err != nil {
		return lverr.TypeError("failed to read an integer from input")
	}
	m.push(value.MakeFixnum(n))
	return nil
}

func (m *Machine) builtinWrite() error {
	x, err := m.pop()
	if err != nil {
		return err
	}
	n, err := mustFixnum(x)
	if err != nil {
		return err
	}
	fmt.Fprintf(m.stdout, "%d\n", n)
	m.push(value.Zero)
	return nil
}

func (m *Machine) builtinLength() error {
	x, err := m.pop()
	if err != nil {
		return err
	}
	size, err := m.heap.FieldsSize(x)
	if err != nil {
		return err
	}
	m.push(value.MakeFixnum(int32(size)))
	return nil
}

func (m *Machine) builtinString() error {
	x, err := m.pop()
	if err != nil {
		return err
	}
	rendered, err := m.render(x)
	if err != nil {
		return err
	}
	v, err := m.heap.NewString([]byte(rendered), m.roots())
	if err != nil {
		return err
	}
	m.push(v)
	return nil
}

func (m *Machine) builtinBarray(n uint32) error {
	obj, err := m.heap.Alloc(heap.KindArray, n, m.roots())
	if err != nil {
		return err
	}
	for i := int(n) - 1; i >= 0; i-- {
		x, err := m.pop()
		if err != nil {
			return err
		}
		if err := m.heap.SetField(obj, uint32(i), x); err != nil {
			return err
		}
	}
	m.push(obj)
	return nil
}
