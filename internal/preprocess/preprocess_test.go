package preprocess

import (
	"testing"

	"github.com/progminer/lvm/internal/asmtest"
	"github.com/progminer/lvm/internal/bytecode"
	"github.com/progminer/lvm/internal/image"
)

func load(t *testing.T, globalAreaSize uint32, strings []byte, code []byte) *image.Image {
	t.Helper()
	img, err := image.Load(asmtest.Image(globalAreaSize, strings, code))
	if err != nil {
		t.Fatalf("image.Load: %v", err)
	}
	return img
}

func TestBuildSimpleEnd(t *testing.T) {
	code := asmtest.NewCode()
	code.Op(bytecode.End)
	code.End()

	prog, err := Build(load(t, 0, nil, code.Bytes()))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := []uint64{
		uint64(bytecode.HFinish),
		uint64(bytecode.HBadJump),
		uint64(bytecode.HEnd),
		uint64(bytecode.HFinish),
	}
	if len(prog.Words) != len(want) {
		t.Fatalf("Words = %v, want %v", prog.Words, want)
	}
	for i := range want {
		if prog.Words[i] != want[i] {
			t.Errorf("Words[%d] = %d, want %d", i, prog.Words[i], want[i])
		}
	}
}

func TestBuildMissingEndMarker(t *testing.T) {
	code := asmtest.NewCode()
	code.Op(bytecode.End) // no terminal marker

	_, err := Build(load(t, 0, nil, code.Bytes()))
	if err == nil {
		t.Fatal("expected MissingEndMarker")
	}
}

func TestBuildNestedFunction(t *testing.T) {
	code := asmtest.NewCode()
	code.Op(bytecode.Begin).U32(0).U32(0)
	code.Op(bytecode.Begin).U32(0).U32(0)
	code.Op(bytecode.End)
	code.Op(bytecode.End)
	code.End()

	_, err := Build(load(t, 0, nil, code.Bytes()))
	if err == nil {
		t.Fatal("expected NestedFunction")
	}
}

func TestBuildCrossFunctionJump(t *testing.T) {
	code := asmtest.NewCode()
	code.Op(bytecode.Begin).U32(0).U32(0) // offset 0, len becomes 9

	base := code.Len()
	target := base + 1 + 4 + 1 // JMP opcode + operand + END opcode
	code.Op(bytecode.Jmp).U32(target)
	code.Op(bytecode.End)

	if code.Len() != target {
		t.Fatalf("test arithmetic is off: code.Len()=%d target=%d", code.Len(), target)
	}

	code.Op(bytecode.Begin).U32(0).U32(0)
	code.Op(bytecode.End)
	code.End()

	_, err := Build(load(t, 0, nil, code.Bytes()))
	if err == nil {
		t.Fatal("expected CrossFunctionJump")
	}
}

func TestBuildForwardJumpWithinFunction(t *testing.T) {
	code := asmtest.NewCode()
	code.Op(bytecode.Begin).U32(0).U32(0)

	base := code.Len()
	target := base + (1 + 4) + (1 + 4) + 1 // JMP, CONST, DROP: skip straight to END
	code.Op(bytecode.Jmp).U32(target)
	code.Op(bytecode.Const).I32(0)
	code.Op(bytecode.Drop)

	if code.Len() != target {
		t.Fatalf("test arithmetic is off: code.Len()=%d target=%d", code.Len(), target)
	}

	code.Op(bytecode.End)
	code.End()

	prog, err := Build(load(t, 0, nil, code.Bytes()))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	// the JMP's operand slot must have been patched away from HBadJump to
	// the END handle's index: reserved(2) + HBegin and its operands(3) +
	// HJmp(1) put the operand at 6; HConst, its operand and HDrop put
	// HEnd at 10.
	const jmpOperandSlot, endSlot = 6, 10
	if got := prog.Words[jmpOperandSlot]; got != endSlot {
		t.Fatalf("JMP operand = %d, want %d (the END handle's index): %v", got, endSlot, prog.Words)
	}
	if prog.Words[endSlot] != uint64(bytecode.HEnd) {
		t.Fatalf("Words[%d] = %d, want HEnd: %v", endSlot, prog.Words[endSlot], prog.Words)
	}
}

func TestBuildBadStringIndex(t *testing.T) {
	code := asmtest.NewCode()
	code.Op(bytecode.String).U32(99)
	code.End()

	_, err := Build(load(t, 0, nil, code.Bytes()))
	if err == nil {
		t.Fatal("expected BadStringIndex")
	}
}

func TestBuildTagInterning(t *testing.T) {
	pool, offsets := asmtest.StringPool("Cons", "Nil", "Cons")
	code := asmtest.NewCode()
	code.Op(bytecode.Sexp).U32(offsets[0]).U32(2)
	code.Op(bytecode.Sexp).U32(offsets[2]).U32(2) // same tag text, different string offset
	code.Op(bytecode.Sexp).U32(offsets[1]).U32(0)
	code.End()

	prog, err := Build(load(t, 0, pool, code.Bytes()))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(prog.Tags) != 2 {
		t.Fatalf("Tags = %v, want 2 distinct names", prog.Tags)
	}
}
