// Package preprocess implements the threaded-code builder (spec.md C4),
// the single forward pass that turns a verified image's code section
// into a word stream of pre-resolved dispatch handles and pre-decoded
// operands. It is grounded on original_source/main.cpp's single
// converted_idx pass (forward_ptrs patch lists, current_function_idx
// tracking), generalised to the full opcode set spec.md requires
// (several opcodes the original left as `goto I_unsupported`, notably
// SEXP, CLOSURE, CBEGIN, TAG, ARRAY, FAIL and the PATT/CALL_L family,
// get complete semantics here; only STI stays unsupported per the
// source's own Open Question).
package preprocess

import (
	"encoding/binary"

	"github.com/progminer/lvm/internal/bytecode"
	"github.com/progminer/lvm/internal/image"
	"github.com/progminer/lvm/internal/lverr"
	"github.com/progminer/lvm/internal/value"
)

// Program is the preprocessor's output: a word stream ready for direct
// dispatch, plus the tables C8 needs alongside it.
type Program struct {
	Words []uint64
	// Start is the word stream index execution begins at (source offset 0).
	Start int
	// Tags holds interned tag names; a SEXP/TAG operand word carries a
	// tagID that is 1 + index into this slice, 0 meaning "no tag yet".
	Tags []string
}

const noFunction = -1

type patchRef struct {
	slot         int
	sameFunc     bool
	funcID       int
	sourceOffset int
}

type builder struct {
	code  []byte
	img   *image.Image
	words []uint64

	convertedAt []int32 // source offset -> word stream index, -1 if unseen
	patches     map[int][]patchRef
	tagIDs      map[string]int
	tagNames    []string

	funcID        int
	argsCount     uint32
	localsCount   uint32
	isClosureFunc bool
}

// Build runs the single forward pass over img.Code.
func Build(img *image.Image) (*Program, error) {
	b := &builder{
		code:        img.Code,
		img:         img,
		words:       make([]uint64, 0, len(img.Code)+3),
		convertedAt: make([]int32, len(img.Code)+1),
		patches:     make(map[int][]patchRef),
		tagIDs:      make(map[string]int),
		funcID:      noFunction,
	}
	for i := range b.convertedAt {
		b.convertedAt[i] = -1
	}

	b.words = append(b.words, uint64(bytecode.HFinish))  // slot 0
	b.words = append(b.words, uint64(bytecode.HBadJump)) // slot 1

	if err := b.run(); err != nil {
		return nil, err
	}

	b.words = append(b.words, uint64(bytecode.HFinish)) // trailing safety net

	return &Program{Words: b.words, Start: 2, Tags: b.tagNames}, nil
}

func (b *builder) emit(w uint64) int {
	b.words = append(b.words, w)
	return len(b.words) - 1
}

func (b *builder) internTag(name string) int {
	if id, ok := b.tagIDs[name]; ok {
		return id
	}
	b.tagNames = append(b.tagNames, name)
	id := len(b.tagNames) // 1-based
	b.tagIDs[name] = id
	return id
}

func (b *builder) u32(off int) uint32 {
	return binary.LittleEndian.Uint32(b.code[off : off+4])
}

func (b *builder) run() error {
	bidx := 0
	for bidx < len(b.code) {
		sourceOffset := bidx
		op := bytecode.Op(b.code[bidx])
		bidx++

		outIdx := len(b.words)
		b.convertedAt[sourceOffset] = int32(outIdx)

		if refs, ok := b.patches[sourceOffset]; ok {
			for _, r := range refs {
				if r.sameFunc && r.funcID != b.funcID {
					return lverr.CrossFunctionJump(r.sourceOffset, uint32(sourceOffset))
				}
				b.words[r.slot] = uint64(outIdx)
			}
			delete(b.patches, sourceOffset)
		}

		if bytecode.IsEndMarker(byte(op)) {
			return b.finishTerminal(sourceOffset)
		}

		if op == bytecode.Line {
			bidx += 4
			continue
		}

		if op == bytecode.Begin || op == bytecode.Cbegin {
			if b.funcID != noFunction {
				return lverr.NestedFunction(sourceOffset)
			}
			b.funcID = outIdx
			b.argsCount = b.u32(bidx)
			b.localsCount = b.u32(bidx + 4)
			b.isClosureFunc = op == bytecode.Cbegin
		} else if op == bytecode.End {
			b.funcID = noFunction
			b.argsCount = 0
			b.localsCount = 0
			b.isClosureFunc = false
		}

		handle, handleErr := b.handleFor(op, sourceOffset)
		if handleErr != nil {
			return handleErr
		}
		b.emit(uint64(handle))
		if handle == bytecode.HUnsupported {
			b.emit(uint64(op))
		}

		var err error
		bidx, err = b.decodeOperands(op, sourceOffset, bidx)
		if err != nil {
			return err
		}
	}
	return lverr.MissingEndMarker()
}

func (b *builder) finishTerminal(sourceOffset int) error {
	if !bytecode.IsEndMarker(b.code[sourceOffset]) {
		return lverr.MissingEndMarker()
	}
	return nil
}

// handleFor maps a recognised opcode to its dispatch handle; STI and any
// byte this build doesn't recognise become HUnsupported, which raises
// UnsupportedOpcode only if actually dispatched (spec.md §4.4 last para).
func (b *builder) handleFor(op bytecode.Op, sourceOffset int) (bytecode.Handle, error) {
	switch op {
	case bytecode.BinopAdd:
		return bytecode.HAdd, nil
	case bytecode.BinopSub:
		return bytecode.HSub, nil
	case bytecode.BinopMul:
		return bytecode.HMul, nil
	case bytecode.BinopDiv:
		return bytecode.HDiv, nil
	case bytecode.BinopRem:
		return bytecode.HRem, nil
	case bytecode.BinopLt:
		return bytecode.HLt, nil
	case bytecode.BinopLe:
		return bytecode.HLe, nil
	case bytecode.BinopGt:
		return bytecode.HGt, nil
	case bytecode.BinopGe:
		return bytecode.HGe, nil
	case bytecode.BinopEq:
		return bytecode.HEq, nil
	case bytecode.BinopNe:
		return bytecode.HNe, nil
	case bytecode.BinopAnd:
		return bytecode.HAnd, nil
	case bytecode.BinopOr:
		return bytecode.HOr, nil
	case bytecode.Const:
		return bytecode.HConst, nil
	case bytecode.String:
		return bytecode.HString, nil
	case bytecode.Sexp:
		return bytecode.HSexp, nil
	case bytecode.Sti:
		return bytecode.HUnsupported, nil
	case bytecode.Sta:
		return bytecode.HSta, nil
	case bytecode.Jmp:
		return bytecode.HJmp, nil
	case bytecode.End:
		return bytecode.HEnd, nil
	case bytecode.Ret:
		return bytecode.HRet, nil
	case bytecode.Drop:
		return bytecode.HDrop, nil
	case bytecode.Dup:
		return bytecode.HDup, nil
	case bytecode.Swap:
		return bytecode.HSwap, nil
	case bytecode.Elem:
		return bytecode.HElem, nil
	case bytecode.LdG:
		return bytecode.HLdG, nil
	case bytecode.LdL:
		return bytecode.HLdL, nil
	case bytecode.LdA:
		return bytecode.HLdA, nil
	case bytecode.LdC:
		return bytecode.HLdC, nil
	case bytecode.LdaG:
		return bytecode.HLdaG, nil
	case bytecode.LdaL:
		return bytecode.HLdaL, nil
	case bytecode.LdaA:
		return bytecode.HLdaA, nil
	case bytecode.LdaC:
		return 0, lverr.ScopeError("LDA C is not permitted", sourceOffset)
	case bytecode.StG:
		return bytecode.HStG, nil
	case bytecode.StL:
		return bytecode.HStL, nil
	case bytecode.StA:
		return bytecode.HStA, nil
	case bytecode.StC:
		return bytecode.HStC, nil
	case bytecode.Cjmpz:
		return bytecode.HCjmpz, nil
	case bytecode.Cjmpnz:
		return bytecode.HCjmpnz, nil
	case bytecode.Begin:
		return bytecode.HBegin, nil
	case bytecode.Cbegin:
		return bytecode.HCbegin, nil
	case bytecode.Closure:
		return bytecode.HClosure, nil
	case bytecode.Callc:
		return bytecode.HCallc, nil
	case bytecode.Call:
		return bytecode.HCall, nil
	case bytecode.Tag:
		return bytecode.HTag, nil
	case bytecode.Array:
		return bytecode.HArray, nil
	case bytecode.Fail:
		return bytecode.HFail, nil
	case bytecode.PattStr:
		return bytecode.HPattStr, nil
	case bytecode.PattString:
		return bytecode.HPattString, nil
	case bytecode.PattArray:
		return bytecode.HPattArray, nil
	case bytecode.PattSexp:
		return bytecode.HPattSexp, nil
	case bytecode.PattRef:
		return bytecode.HPattRef, nil
	case bytecode.PattVal:
		return bytecode.HPattVal, nil
	case bytecode.PattFun:
		return bytecode.HPattFun, nil
	case bytecode.CallLread:
		return bytecode.HCallLread, nil
	case bytecode.CallLwrite:
		return bytecode.HCallLwrite, nil
	case bytecode.CallLlength:
		return bytecode.HCallLlength, nil
	case bytecode.CallLstring:
		return bytecode.HCallLstring, nil
	case bytecode.CallBarray:
		return bytecode.HCallBarray, nil
	default:
		return bytecode.HUnsupported, nil
	}
}

// decodeOperands decodes and emits the operand words for op, whose
// opcode byte was seen at sourceOffset; bidx already points just past
// the opcode byte. It returns the advanced bidx.
func (b *builder) decodeOperands(op bytecode.Op, sourceOffset, bidx int) (int, error) {
	switch op {
	case bytecode.Const:
		n := int32(b.u32(bidx))
		b.emit(uint64(value.MakeFixnum(n)))
		return bidx + 4, nil

	case bytecode.Callc, bytecode.Array, bytecode.CallBarray:
		n := int32(b.u32(bidx))
		if n < 0 {
			return 0, lverr.MalformedImage("negative count operand")
		}
		b.emit(uint64(uint32(n)))
		return bidx + 4, nil

	case bytecode.String:
		off := b.u32(bidx)
		if off >= b.img.StringPoolSize {
			return 0, lverr.BadStringIndex(off)
		}
		b.emit(uint64(off))
		return bidx + 4, nil

	case bytecode.Jmp, bytecode.Cjmpz, bytecode.Cjmpnz:
		target := b.u32(bidx)
		if err := b.emitCodePointer(target, sourceOffset, true); err != nil {
			return 0, err
		}
		return bidx + 4, nil

	case bytecode.Call:
		target := b.u32(bidx)
		if err := b.emitCodePointer(target, sourceOffset, false); err != nil {
			return 0, err
		}
		return bidx + 8, nil // second arg ignored, as in the source

	case bytecode.LdG, bytecode.LdaG, bytecode.StG:
		idx := b.u32(bidx)
		if idx >= b.img.GlobalAreaSize {
			return 0, lverr.ScopeError("global index out of range", sourceOffset)
		}
		b.emit(uint64(idx))
		return bidx + 4, nil

	case bytecode.LdA, bytecode.LdaA, bytecode.StA:
		if b.funcID == noFunction {
			return 0, lverr.ScopeError("argument access outside a function", sourceOffset)
		}
		idx := b.u32(bidx)
		if idx >= b.argsCount {
			return 0, lverr.ScopeError("argument index out of range", sourceOffset)
		}
		b.emit(uint64(idx))
		return bidx + 4, nil

	case bytecode.LdL, bytecode.LdaL, bytecode.StL:
		if b.funcID == noFunction {
			return 0, lverr.ScopeError("local access outside a function", sourceOffset)
		}
		idx := b.u32(bidx)
		if idx >= b.localsCount {
			return 0, lverr.ScopeError("local index out of range", sourceOffset)
		}
		b.emit(uint64(idx) + uint64(b.argsCount))
		return bidx + 4, nil

	case bytecode.LdC, bytecode.StC:
		if b.funcID == noFunction || !b.isClosureFunc {
			return 0, lverr.ScopeError("closure-capture access outside a closure body", sourceOffset)
		}
		idx := b.u32(bidx)
		b.emit(uint64(idx))
		return bidx + 4, nil

	case bytecode.Sexp, bytecode.Tag:
		off := b.u32(bidx)
		n := b.u32(bidx + 4)
		name, err := b.img.StringAt(off)
		if err != nil {
			return 0, err
		}
		b.emit(uint64(b.internTag(name)))
		b.emit(uint64(n))
		return bidx + 8, nil

	case bytecode.Begin, bytecode.Cbegin:
		args := b.u32(bidx)
		locals := b.u32(bidx + 4)
		if int32(args) < 0 || int32(locals) < 0 {
			return 0, lverr.MalformedImage("negative count operand")
		}
		b.emit(uint64(args))
		b.emit(uint64(locals))
		return bidx + 8, nil

	case bytecode.Fail:
		line := b.u32(bidx)
		col := b.u32(bidx + 4)
		if int32(line) < 0 || int32(col) < 0 {
			return 0, lverr.MalformedImage("negative count operand")
		}
		b.emit(uint64(line))
		b.emit(uint64(col))
		return bidx + 8, nil

	case bytecode.Closure:
		target := b.u32(bidx)
		n := b.u32(bidx + 4)
		if err := b.emitCodePointer(target, sourceOffset, false); err != nil {
			return 0, err
		}
		b.emit(uint64(n))
		capBase := bidx + 8
		for i := uint32(0); i < n; i++ {
			capOff := capBase + int(i)*5
			kind := bytecode.CaptureSource(b.code[capOff])
			idx := b.u32(capOff + 1)
			if kind == bytecode.CaptureArg && (b.funcID == noFunction || idx >= b.argsCount) {
				return 0, lverr.ScopeError("closure capture argument index out of range", sourceOffset)
			}
			if kind == bytecode.CaptureLocal && (b.funcID == noFunction || idx >= b.localsCount) {
				return 0, lverr.ScopeError("closure capture local index out of range", sourceOffset)
			}
			if kind == bytecode.CaptureGlobal && idx >= b.img.GlobalAreaSize {
				return 0, lverr.ScopeError("closure capture global index out of range", sourceOffset)
			}
			// locals share the activation's unified args-then-locals slot
			// table, so a local capture's index needs the same argsCount
			// offset LD_L/LDA_L/ST_L apply; CaptureArg stays raw.
			emitIdx := idx
			if kind == bytecode.CaptureLocal {
				emitIdx += b.argsCount
			}
			b.emit(uint64(kind) | uint64(emitIdx)<<2)
		}
		return capBase + int(n)*5, nil

	default:
		// no-operand opcodes: BINOP*, STI, STA, END, RET, DROP, DUP, SWAP,
		// ELEM, PATT_*, CALL_Lread/Lwrite/Llength/Lstring.
		return bidx, nil
	}
}

// emitCodePointer decodes a forward or backward code reference: if the
// target offset was already converted, the real word stream index is
// emitted directly; otherwise slot 1 (HBadJump) is emitted as a
// placeholder and the reference is queued for a later patch.
func (b *builder) emitCodePointer(target uint32, sourceOffset int, sameFunc bool) error {
	if int(target) >= len(b.convertedAt) {
		return lverr.BadCodeIndex(target)
	}
	if at := b.convertedAt[target]; at >= 0 {
		b.emit(uint64(at))
		return nil
	}
	slot := b.emit(uint64(bytecode.HBadJump))
	b.patches[int(target)] = append(b.patches[int(target)], patchRef{
		slot: slot, sameFunc: sameFunc, funcID: b.funcID, sourceOffset: sourceOffset,
	})
	return nil
}
