package machine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/progminer/lvm/internal/heap"
	"github.com/progminer/lvm/internal/value"
)

// render produces the printable form of a value, as used by the
// `string` builtin and by FAIL's diagnostic (spec.md §4.8 "Printable
// form of values is recursive; cycles are not expected and not
// guarded"). Tag names come from the preprocessor's interned tag table,
// the only place that still remembers the original string once SEXPs
// carry only a fixnum-encoded tagID.
func (m *Machine) render(v value.Value) (string, error) {
	if value.IsFixnum(v) {
		return strconv.Itoa(int(value.ToInt(v))), nil
	}
	if value.IsAddress(v) {
		return "<address>", nil
	}
	if v == value.Zero {
		return "<void>", nil
	}

	kind, err := m.heap.Kind(v)
	if err != nil {
		return "", err
	}
	switch kind {
	case heap.KindString:
		b, err := m.heap.Bytes(v)
		if err != nil {
			return "", err
		}
		return strconv.Quote(string(b)), nil

	case heap.KindArray:
		size, err := m.heap.FieldsSize(v)
		if err != nil {
			return "", err
		}
		parts := make([]string, size)
		for i := uint32(0); i < size; i++ {
			fv, err := m.heap.Field(v, i)
			if err != nil {
				return "", err
			}
			parts[i], err = m.render(fv)
			if err != nil {
				return "", err
			}
		}
		return "[" + strings.Join(parts, ", ") + "]", nil

	case heap.KindSexp:
		size, err := m.heap.FieldsSize(v)
		if err != nil {
			return "", err
		}
		tagVal, err := m.heap.SexpTag(v)
		if err != nil {
			return "", err
		}
		name := m.tagName(uint32(value.ToInt(tagVal)))
		parts := make([]string, size)
		for i := uint32(0); i < size; i++ {
			fv, err := m.heap.Field(v, i)
			if err != nil {
				return "", err
			}
			parts[i], err = m.render(fv)
			if err != nil {
				return "", err
			}
		}
		return fmt.Sprintf("%s (%s)", name, strings.Join(parts, ", ")), nil

	case heap.KindClosure:
		code, err := m.heap.ClosureCode(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("<closure 0x%x>", code), nil

	default:
		return "<unknown>", nil
	}
}

func (m *Machine) tagName(tagID uint32) string {
	if tagID == 0 || int(tagID) > len(m.prog.Tags) {
		return "<tag>"
	}
	return m.prog.Tags[tagID-1]
}
