package machine

import (
	"fmt"
	"os"

	"github.com/progminer/lvm/internal/bytecode"
	"github.com/progminer/lvm/internal/heap"
	"github.com/progminer/lvm/internal/lverr"
	"github.com/progminer/lvm/internal/value"
)

func (m *Machine) word(ip int) uint64 {
	return m.prog.Words[ip]
}

// loop is the direct-threaded dispatch loop: each turn reads one handle
// word, advances ip past it, and the handler consumes however many
// further words its own operand shape requires (spec.md §4.8/§9).
func (m *Machine) loop(ip int) error {
	for {
		if m.Trace {
			fmt.Fprintf(os.Stderr, "; ip=0x%x %s\n", ip, bytecode.Handle(m.word(ip)))
		}
		h := bytecode.Handle(m.word(ip))
		ip++

		switch h {
		case bytecode.HFinish:
			return nil

		case bytecode.HBadJump:
			return lverr.UnresolvedJump()

		case bytecode.HUnsupported:
			op := bytecode.Op(m.word(ip))
			return lverr.UnsupportedOpcode(op.String())

		case bytecode.HAdd, bytecode.HSub, bytecode.HMul, bytecode.HDiv, bytecode.HRem,
			bytecode.HLt, bytecode.HLe, bytecode.HGt, bytecode.HGe, bytecode.HEq, bytecode.HNe,
			bytecode.HAnd, bytecode.HOr:
			if err := m.binop(h); err != nil {
				return err
			}

		case bytecode.HConst:
			m.push(value.Value(m.word(ip)))
			ip++

		case bytecode.HString:
			off := uint32(m.word(ip))
			ip++
			s, err := m.img.StringAt(off)
			if err != nil {
				return err
			}
			v, err := m.heap.NewString([]byte(s), m.roots())
			if err != nil {
				return err
			}
			m.push(v)

		case bytecode.HSexp:
			tagID := uint32(m.word(ip))
			n := uint32(m.word(ip + 1))
			ip += 2
			if err := m.doSexp(tagID, n); err != nil {
				return err
			}

		case bytecode.HSta:
			if err := m.doSta(); err != nil {
				return err
			}

		case bytecode.HJmp:
			target := int(m.word(ip))
			ip = target

		case bytecode.HCjmpz, bytecode.HCjmpnz:
			target := int(m.word(ip))
			ip++
			x, err := m.pop()
			if err != nil {
				return err
			}
			n, err := mustFixnum(x)
			if err != nil {
				return err
			}
			if (h == bytecode.HCjmpz && n == 0) || (h == bytecode.HCjmpnz && n != 0) {
				ip = target
			}

		case bytecode.HEnd, bytecode.HRet:
			if m.activation == nil {
				return nil
			}
			ip = m.activation.returnIP
			m.activation = m.activation.parent

		case bytecode.HDrop:
			if _, err := m.pop(); err != nil {
				return err
			}

		case bytecode.HDup:
			x, err := m.peekTop()
			if err != nil {
				return err
			}
			m.push(x)

		case bytecode.HSwap:
			a, err := m.pop()
			if err != nil {
				return err
			}
			b, err := m.pop()
			if err != nil {
				return err
			}
			m.push(a)
			m.push(b)

		case bytecode.HElem:
			if err := m.doElem(); err != nil {
				return err
			}

		case bytecode.HLdG:
			idx := int(m.word(ip))
			ip++
			m.push(m.globals[idx])

		case bytecode.HLdL, bytecode.HLdA:
			idx := int(m.word(ip))
			ip++
			m.push(m.activation.Slots[idx])

		case bytecode.HLdC:
			idx := int(m.word(ip))
			ip++
			fv, err := m.heap.Field(m.activation.closure(), uint32(idx))
			if err != nil {
				return err
			}
			m.push(fv)

		case bytecode.HLdaG:
			idx := int(m.word(ip))
			ip++
			m.push(value.MakeAddress(&m.globals[idx]))

		case bytecode.HLdaL, bytecode.HLdaA:
			idx := int(m.word(ip))
			ip++
			m.push(value.MakeAddress(&m.activation.Slots[idx]))

		case bytecode.HStG:
			idx := int(m.word(ip))
			ip++
			x, err := m.peekTop()
			if err != nil {
				return err
			}
			m.globals[idx] = x

		case bytecode.HStL, bytecode.HStA:
			idx := int(m.word(ip))
			ip++
			x, err := m.peekTop()
			if err != nil {
				return err
			}
			m.activation.Slots[idx] = x

		case bytecode.HStC:
			idx := int(m.word(ip))
			ip++
			x, err := m.peekTop()
			if err != nil {
				return err
			}
			if err := m.heap.SetField(m.activation.closure(), uint32(idx), x); err != nil {
				return err
			}

		case bytecode.HBegin:
			a := int(m.word(ip))
			l := int(m.word(ip + 1))
			ip += 2
			if err := m.doBegin(a, l, false); err != nil {
				return err
			}

		case bytecode.HCbegin:
			a := int(m.word(ip))
			l := int(m.word(ip + 1))
			ip += 2
			if err := m.doBegin(a, l, true); err != nil {
				return err
			}

		case bytecode.HClosure:
			var err error
			ip, err = m.doClosure(ip)
			if err != nil {
				return err
			}

		case bytecode.HCallc:
			n := int(m.word(ip))
			ip++
			nextIP, err := m.doCallc(n, ip)
			if err != nil {
				return err
			}
			ip = nextIP

		case bytecode.HCall:
			target := int(m.word(ip))
			ip++
			m.pendingReturn = ip
			m.pendingFromCallc = false
			ip = target

		case bytecode.HTag:
			tagID := uint32(m.word(ip))
			n := uint32(m.word(ip + 1))
			ip += 2
			if err := m.doTag(tagID, n); err != nil {
				return err
			}

		case bytecode.HArray:
			n := uint32(m.word(ip))
			ip++
			if err := m.doArrayPredicate(n); err != nil {
				return err
			}

		case bytecode.HFail:
			line := int32(m.word(ip))
			col := int32(m.word(ip + 1))
			ip += 2
			x, err := m.pop()
			if err != nil {
				return err
			}
			rendered, err := m.render(x)
			if err != nil {
				return err
			}
			return lverr.MatchFailure(line, col, rendered)

		case bytecode.HPattStr:
			if err := m.doPattStr(); err != nil {
				return err
			}

		case bytecode.HPattString, bytecode.HPattArray, bytecode.HPattSexp,
			bytecode.HPattRef, bytecode.HPattVal, bytecode.HPattFun:
			if err := m.doPattKind(h); err != nil {
				return err
			}

		case bytecode.HCallLread:
			if err := m.builtinRead(); err != nil {
				return err
			}

		case bytecode.HCallLwrite:
			if err := m.builtinWrite(); err != nil {
				return err
			}

		case bytecode.HCallLlength:
			if err := m.builtinLength(); err != nil {
				return err
			}

		case bytecode.HCallLstring:
			if err := m.builtinString(); err != nil {
				return err
			}

		case bytecode.HCallBarray:
			n := uint32(m.word(ip))
			ip++
			if err := m.builtinBarray(n); err != nil {
				return err
			}

		default:
			return lverr.UnresolvedJump()
		}
	}
}

func (m *Machine) binop(h bytecode.Handle) error {
	bv, err := m.pop()
	if err != nil {
		return err
	}
	av, err := m.pop()
	if err != nil {
		return err
	}
	a, err := mustFixnum(av)
	if err != nil {
		return err
	}
	b, err := mustFixnum(bv)
	if err != nil {
		return err
	}

	var r int32
	switch h {
	case bytecode.HAdd:
		r = a + b
	case bytecode.HSub:
		r = a - b
	case bytecode.HMul:
		r = a * b
	case bytecode.HDiv:
		if b == 0 {
			return lverr.ArithmeticError("division by zero")
		}
		r = a / b
	case bytecode.HRem:
		if b == 0 {
			return lverr.ArithmeticError("remainder by zero")
		}
		r = a % b
	case bytecode.HLt:
		r = boolInt(a < b)
	case bytecode.HLe:
		r = boolInt(a <= b)
	case bytecode.HGt:
		r = boolInt(a > b)
	case bytecode.HGe:
		r = boolInt(a >= b)
	case bytecode.HEq:
		r = boolInt(a == b)
	case bytecode.HNe:
		r = boolInt(a != b)
	case bytecode.HAnd:
		r = boolInt(a != 0 && b != 0)
	case bytecode.HOr:
		r = boolInt(a != 0 || b != 0)
	}
	m.push(value.MakeFixnum(r))
	return nil
}

func boolInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func (m *Machine) doSexp(tagID, n uint32) error {
	// Alloc is the only allocation in this handler, so the n field
	// values popped below are never exposed to a GC that could move
	// them out from under a raw reference (spec.md §4.9).
	obj, err := m.heap.Alloc(heap.KindSexp, n, m.roots())
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
	if err := m.heap.SetSexpTag(obj, value.MakeFixnum(int32(tagID))); err != nil {
		return err
	}
	m.push(obj)
	return nil
}

func (m *Machine) doSta() error {
	x, err := m.pop()
	if err != nil {
		return err
	}
	indexOrAddr, err := m.pop()
	if err != nil {
		return err
	}

	if value.IsAddress(indexOrAddr) {
		*value.Deref(indexOrAddr) = x
		m.push(x)
		return nil
	}

	index, err := mustFixnum(indexOrAddr)
	if err != nil {
		return err
	}
	xs, err := m.pop()
	if err != nil {
		return err
	}
	kind, err := m.heap.Kind(xs)
	if err != nil {
		return err
	}
	size, err := m.heap.FieldsSize(xs)
	if err != nil {
		return err
	}
	if index < 0 || uint32(index) >= size {
		return lverr.IndexOutOfRange(index, size)
	}
	switch kind {
	case heap.KindString:
		b, err := m.heap.Bytes(xs)
		if err != nil {
			return err
		}
		iv, err := mustFixnum(x)
		if err != nil {
			return err
		}
		b[index] = byte(iv)
	case heap.KindArray, heap.KindSexp:
		if err := m.heap.SetField(xs, uint32(index), x); err != nil {
			return err
		}
	case heap.KindClosure:
		return lverr.TypeError("cannot assign into a closure")
	}
	m.push(x)
	return nil
}

func (m *Machine) doElem() error {
	idxVal, err := m.pop()
	if err != nil {
		return err
	}
	index, err := mustFixnum(idxVal)
	if err != nil {
		return err
	}
	xs, err := m.pop()
	if err != nil {
		return err
	}
	kind, err := m.heap.Kind(xs)
	if err != nil {
		return err
	}
	size, err := m.heap.FieldsSize(xs)
	if err != nil {
		return err
	}
	if index < 0 || uint32(index) >= size {
		return lverr.IndexOutOfRange(index, size)
	}
	switch kind {
	case heap.KindString:
		b, err := m.heap.Bytes(xs)
		if err != nil {
			return err
		}
		m.push(value.MakeFixnum(int32(b[index])))
	case heap.KindArray, heap.KindSexp:
		fv, err := m.heap.Field(xs, uint32(index))
		if err != nil {
			return err
		}
		m.push(fv)
	case heap.KindClosure:
		return lverr.TypeError("cannot index a closure")
	}
	return nil
}

func (m *Machine) doBegin(a, l int, isClosure bool) error {
	f := newFrame(m.activation, m.pendingReturn, a, l)
	for i := a; i > 0; i-- {
		v, err := m.pop()
		if err != nil {
			return err
		}
		f.Slots[i-1] = v
	}
	if isClosure {
		closure, err := m.pop()
		if err != nil {
			return err
		}
		f.setClosure(closure)
	} else if m.pendingFromCallc {
		if _, err := m.pop(); err != nil {
			return err
		}
	}
	m.activation = f
	m.pendingReturn = 0
	m.pendingFromCallc = false
	return nil
}

func (m *Machine) doClosure(ip int) (int, error) {
	target := int(m.word(ip))
	n := uint32(m.word(ip + 1))
	ip += 2

	obj, err := m.heap.Alloc(heap.KindClosure, n, m.roots())
	if err != nil {
		return 0, err
	}

	for i := uint32(0); i < n; i++ {
		w := m.word(ip)
		ip++
		kind := bytecode.CaptureSource(w & 0x3)
		idx := uint32(w >> 2)

		var cv value.Value
		switch kind {
		case bytecode.CaptureGlobal:
			cv = m.globals[idx]
		case bytecode.CaptureLocal, bytecode.CaptureArg:
			cv = m.activation.Slots[idx]
		case bytecode.CaptureClosure:
			cv, err = m.heap.Field(m.activation.closure(), idx)
			if err != nil {
				return 0, err
			}
		}
		if err := m.heap.SetField(obj, i, cv); err != nil {
			return 0, err
		}
	}
	if err := m.heap.SetClosureCode(obj, target); err != nil {
		return 0, err
	}
	m.push(obj)
	return ip, nil
}

func (m *Machine) doCallc(n, ip int) (int, error) {
	closure, err := m.peekBelow(n)
	if err != nil {
		return 0, err
	}
	kind, err := m.heap.Kind(closure)
	if err != nil {
		return 0, lverr.TypeError("called a non-closure value")
	}
	if kind != heap.KindClosure {
		return 0, lverr.TypeError("called a non-closure value")
	}
	target, err := m.heap.ClosureCode(closure)
	if err != nil {
		return 0, err
	}
	m.pendingReturn = ip
	m.pendingFromCallc = true
	return target, nil
}

func (m *Machine) doTag(tagID, n uint32) error {
	x, err := m.pop()
	if err != nil {
		return err
	}
	result := int32(0)
	if kind, err := m.heap.Kind(x); err == nil && kind == heap.KindSexp {
		if size, err := m.heap.FieldsSize(x); err == nil && size == n {
			if tv, err := m.heap.SexpTag(x); err == nil && uint32(value.ToInt(tv)) == tagID {
				result = 1
			}
		}
	}
	m.push(value.MakeFixnum(result))
	return nil
}

func (m *Machine) doArrayPredicate(n uint32) error {
	x, err := m.pop()
	if err != nil {
		return err
	}
	result := int32(0)
	if kind, err := m.heap.Kind(x); err == nil && kind == heap.KindArray {
		if size, err := m.heap.FieldsSize(x); err == nil && size == n {
			result = 1
		}
	}
	m.push(value.MakeFixnum(result))
	return nil
}

func (m *Machine) doPattStr() error {
	lit, err := m.pop()
	if err != nil {
		return err
	}
	x, err := m.pop()
	if err != nil {
		return err
	}
	result := int32(0)
	xk, xErr := m.heap.Kind(x)
	lk, lErr := m.heap.Kind(lit)
	if xErr == nil && lErr == nil && xk == heap.KindString && lk == heap.KindString {
		xb, _ := m.heap.Bytes(x)
		lb, _ := m.heap.Bytes(lit)
		if string(xb) == string(lb) {
			result = 1
		}
	}
	m.push(value.MakeFixnum(result))
	return nil
}

func (m *Machine) doPattKind(h bytecode.Handle) error {
	x, err := m.pop()
	if err != nil {
		return err
	}
	result := int32(0)
	switch h {
	case bytecode.HPattVal:
		if value.IsFixnum(x) {
			result = 1
		}
	case bytecode.HPattRef:
		if value.IsRef(x) {
			result = 1
		}
	case bytecode.HPattString:
		if k, err := m.heap.Kind(x); err == nil && k == heap.KindString {
			result = 1
		}
	case bytecode.HPattArray:
		if k, err := m.heap.Kind(x); err == nil && k == heap.KindArray {
			result = 1
		}
	case bytecode.HPattSexp:
		if k, err := m.heap.Kind(x); err == nil && k == heap.KindSexp {
			result = 1
		}
	case bytecode.HPattFun:
		if k, err := m.heap.Kind(x); err == nil && k == heap.KindClosure {
			result = 1
		}
	}
	m.push(value.MakeFixnum(result))
	return nil
}
