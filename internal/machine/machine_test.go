package machine

import (
	"bytes"
	"strings"
	"testing"

	"github.com/progminer/lvm/internal/asmtest"
	"github.com/progminer/lvm/internal/bytecode"
	"github.com/progminer/lvm/internal/heap"
	"github.com/progminer/lvm/internal/image"
	"github.com/progminer/lvm/internal/preprocess"
)

// run assembles code into a full image, preprocesses it, and executes it
// against stdin, returning whatever the program writes to stdout.
func run(t *testing.T, stdin string, code *asmtest.Code) string {
	t.Helper()
	return runFull(t, stdin, 0, nil, code)
}

// runFull is run with a nonzero global area and/or a string pool, for
// tests that need LDA_G/ST_G or string-bearing opcodes.
func runFull(t *testing.T, stdin string, globalAreaSize uint32, pool []byte, code *asmtest.Code) string {
	t.Helper()
	raw := asmtest.Image(globalAreaSize, pool, code.Bytes())
	img, err := image.Load(raw)
	if err != nil {
		t.Fatalf("image.Load: %v", err)
	}
	prog, err := preprocess.Build(img)
	if err != nil {
		t.Fatalf("preprocess.Build: %v", err)
	}
	var out bytes.Buffer
	m := New(img, prog, heap.New(1<<12, false), strings.NewReader(stdin), &out, false)
	if err := m.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return out.String()
}

// S1: read a value, write it straight back out.
func TestSeedIdentityEcho(t *testing.T) {
	code := asmtest.NewCode()
	code.Op(bytecode.CallLread)
	code.Op(bytecode.CallLwrite)
	code.Op(bytecode.End)
	code.End()

	got := run(t, "42", code)
	if got != "42\n" {
		t.Fatalf("output = %q, want %q", got, "42\n")
	}
}

// S2: (2 + 3) * 4 printed out.
func TestSeedArithmetic(t *testing.T) {
	code := asmtest.NewCode()
	code.Op(bytecode.Const).I32(2)
	code.Op(bytecode.Const).I32(3)
	code.Op(bytecode.BinopAdd)
	code.Op(bytecode.Const).I32(4)
	code.Op(bytecode.BinopMul)
	code.Op(bytecode.CallLwrite)
	code.Op(bytecode.End)
	code.End()

	got := run(t, "", code)
	if got != "20\n" {
		t.Fatalf("output = %q, want %q", got, "20\n")
	}
}

// S3: a CJMPz branch, exercised on both the taken and not-taken sides.
func TestSeedConditionalBranch(t *testing.T) {
	build := func(cond int32) *asmtest.Code {
		code := asmtest.NewCode()
		code.Op(bytecode.Const).I32(cond)

		base := code.Len()
		target := base + (1 + 4) + (1 + 4) + 1 + 1 // CJMPz, then CONST+WRITE+END
		code.Op(bytecode.Cjmpz).U32(target)
		code.Op(bytecode.Const).I32(111) // then-branch value
		code.Op(bytecode.CallLwrite)
		code.Op(bytecode.End)

		elseStart := code.Len()
		if elseStart != target {
			t.Fatalf("branch arithmetic is off: else starts at %d, want %d", elseStart, target)
		}
		code.Op(bytecode.Const).I32(222) // else-branch value
		code.Op(bytecode.CallLwrite)
		code.Op(bytecode.End)
		code.End()
		return code
	}

	if got := run(t, "", build(1)); got != "111\n" {
		t.Fatalf("nonzero condition: output = %q, want %q", got, "111\n")
	}
	if got := run(t, "", build(0)); got != "222\n" {
		t.Fatalf("zero condition: output = %q, want %q", got, "222\n")
	}
}

// S4: build a 3-element array with Barray, read one element back with ELEM.
func TestSeedArrayRoundTrip(t *testing.T) {
	code := asmtest.NewCode()
	code.Op(bytecode.Const).I32(10)
	code.Op(bytecode.Const).I32(20)
	code.Op(bytecode.Const).I32(30)
	code.Op(bytecode.CallBarray).U32(3)
	code.Op(bytecode.Const).I32(1) // index
	code.Op(bytecode.Elem)
	code.Op(bytecode.CallLwrite)
	code.Op(bytecode.End)
	code.End()

	got := run(t, "", code)
	if got != "20\n" {
		t.Fatalf("output = %q, want %q", got, "20\n")
	}
}

// length on an array built with Barray reports its field count.
func TestSeedArrayLength(t *testing.T) {
	code := asmtest.NewCode()
	code.Op(bytecode.Const).I32(1)
	code.Op(bytecode.Const).I32(2)
	code.Op(bytecode.Const).I32(3)
	code.Op(bytecode.Const).I32(4)
	code.Op(bytecode.CallBarray).U32(4)
	code.Op(bytecode.CallLlength)
	code.Op(bytecode.CallLwrite)
	code.Op(bytecode.End)
	code.End()

	got := run(t, "", code)
	if got != "4\n" {
		t.Fatalf("output = %q, want %q", got, "4\n")
	}
}

// division by zero surfaces as a runtime ArithmeticError, not a panic.
func TestDivisionByZeroIsRuntimeError(t *testing.T) {
	code := asmtest.NewCode()
	code.Op(bytecode.Const).I32(1)
	code.Op(bytecode.Const).I32(0)
	code.Op(bytecode.BinopDiv)
	code.Op(bytecode.CallLwrite)
	code.Op(bytecode.End)
	code.End()

	raw := asmtest.Image(0, nil, code.Bytes())
	img, err := image.Load(raw)
	if err != nil {
		t.Fatalf("image.Load: %v", err)
	}
	prog, err := preprocess.Build(img)
	if err != nil {
		t.Fatalf("preprocess.Build: %v", err)
	}
	var out bytes.Buffer
	m := New(img, prog, heap.New(1<<12, false), strings.NewReader(""), &out, false)
	if err := m.Run(); err == nil {
		t.Fatal("expected an ArithmeticError for division by zero")
	}
}

// a plain BEGIN/CALL/END round-trip, no closures involved: the caller
// pushes an argument, CALL jumps into a function that folds it into a
// local and hands back a result on the shared operand stack.
func TestBeginCallEndRoundTrip(t *testing.T) {
	code := asmtest.NewCode()
	code.Op(bytecode.Const).I32(9) // argument for F
	code.Op(bytecode.Call)
	fOff := code.Len() + 8 + 1 + 1 // Call's operand, then CALL Lwrite and END, then F begins
	code.U32(fOff).U32(0)
	code.Op(bytecode.CallLwrite)
	code.Op(bytecode.End)

	fStart := code.Len()
	if fStart != fOff {
		t.Fatalf("call target arithmetic is off: F starts at %d, want %d", fStart, fOff)
	}
	code.Op(bytecode.Begin).U32(1).U32(1) // args=1, locals=1
	code.Op(bytecode.LdA).U32(0)
	code.Op(bytecode.StL).U32(0)
	code.Op(bytecode.Drop)
	code.Op(bytecode.LdL).U32(0)
	code.Op(bytecode.Const).I32(1)
	code.Op(bytecode.BinopAdd)
	code.Op(bytecode.End)
	code.End()

	got := run(t, "", code)
	if got != "10\n" {
		t.Fatalf("output = %q, want %q", got, "10\n")
	}
}

// S5: a function returns a closure that captures one of its own
// arguments and one of its own locals; calling the closure through
// CALLC sums both captures with its own argument. This is the seed
// scenario the missing argsCount offset on a local capture would have
// broken: the local capture below must read the local slot, not
// silently alias the argument slot beside it.
func TestSeedClosureCapture(t *testing.T) {
	code := asmtest.NewCode()

	code.Op(bytecode.Const).I32(5) // F's argument
	code.Op(bytecode.Call)

	// F's body: BEGIN(1,1); CONST 1; LD A 0; BINOP+; ST L 0; DROP;
	// CLOSURE(G, [arg 0, local 0]); END.
	const fBodyLen = (1 + 8) + (1 + 4) + (1 + 4) + 1 + (1 + 4) + 1 + (1 + 4 + 4 + 2*(1+4)) + 1
	// Top-level prefix before F: CONST(5) + CALL(1+8) + CONST(1, closure's
	// own argument) + CALLC(1+4) + CALL Lwrite(1) + END(1).
	fOff := uint32((1 + 4) + (1 + 8) + (1 + 4) + (1 + 4) + 1 + 1)
	gOff := fOff + fBodyLen
	code.U32(fOff).U32(0)

	code.Op(bytecode.Const).I32(1) // closure's own argument, pushed above it
	code.Op(bytecode.Callc).U32(1)
	code.Op(bytecode.CallLwrite)
	code.Op(bytecode.End)

	fStart := code.Len()
	if fStart != fOff {
		t.Fatalf("CALL target arithmetic is off: F starts at %d, want %d", fStart, fOff)
	}
	code.Op(bytecode.Begin).U32(1).U32(1) // args=1, locals=1
	code.Op(bytecode.Const).I32(1)
	code.Op(bytecode.LdA).U32(0)
	code.Op(bytecode.BinopAdd) // local0 := arg0 + 1
	code.Op(bytecode.StL).U32(0)
	code.Op(bytecode.Drop)
	code.Op(bytecode.Closure).U32(gOff).U32(2)
	code.Byte(byte(bytecode.CaptureArg)).U32(0)
	code.Byte(byte(bytecode.CaptureLocal)).U32(0)
	code.Op(bytecode.End)

	gStart := code.Len()
	if gStart != gOff {
		t.Fatalf("CLOSURE target arithmetic is off: G starts at %d, want %d", gStart, gOff)
	}
	code.Op(bytecode.Cbegin).U32(1).U32(0) // args=1, locals=0, closure body
	code.Op(bytecode.LdC).U32(0)           // captured arg0 (5)
	code.Op(bytecode.LdC).U32(1)           // captured local0 (arg0+1 = 6)
	code.Op(bytecode.BinopAdd)
	code.Op(bytecode.LdA).U32(0) // G's own argument (1)
	code.Op(bytecode.BinopAdd)
	code.Op(bytecode.End)
	code.End()

	got := run(t, "", code)
	if got != "12\n" {
		t.Fatalf("output = %q, want %q", got, "12\n")
	}
}

// a SEXP built with a tag and field count is recognised by a TAG check
// sharing that same tag and arity.
func TestSexpTagPredicate(t *testing.T) {
	pool, offsets := asmtest.StringPool("Pair")
	code := asmtest.NewCode()
	code.Op(bytecode.Const).I32(10)
	code.Op(bytecode.Const).I32(20)
	code.Op(bytecode.Sexp).U32(offsets[0]).U32(2)
	code.Op(bytecode.Tag).U32(offsets[0]).U32(2)
	code.Op(bytecode.CallLwrite)
	code.Op(bytecode.End)
	code.End()

	got := runFull(t, "", 0, pool, code)
	if got != "1\n" {
		t.Fatalf("output = %q, want %q", got, "1\n")
	}
}

// ARRAY n is a predicate: true only when the popped value is an array
// of exactly n fields.
func TestArrayPredicate(t *testing.T) {
	code := asmtest.NewCode()
	code.Op(bytecode.Const).I32(1)
	code.Op(bytecode.Const).I32(2)
	code.Op(bytecode.Const).I32(3)
	code.Op(bytecode.CallBarray).U32(3)
	code.Op(bytecode.Array).U32(3)
	code.Op(bytecode.CallLwrite)
	code.Op(bytecode.End)
	code.End()

	got := run(t, "", code)
	if got != "1\n" {
		t.Fatalf("output = %q, want %q", got, "1\n")
	}

	code = asmtest.NewCode()
	code.Op(bytecode.Const).I32(1)
	code.Op(bytecode.Const).I32(2)
	code.Op(bytecode.CallBarray).U32(2)
	code.Op(bytecode.Array).U32(3) // wrong arity
	code.Op(bytecode.CallLwrite)
	code.Op(bytecode.End)
	code.End()

	got = run(t, "", code)
	if got != "0\n" {
		t.Fatalf("output = %q, want %q", got, "0\n")
	}
}

// the #val/#ref/#string kind predicates and the =str literal-equality
// predicate each resolve against a value of the matching kind.
func TestPatternPredicates(t *testing.T) {
	code := asmtest.NewCode()
	code.Op(bytecode.Const).I32(5)
	code.Op(bytecode.PattVal)
	code.Op(bytecode.CallLwrite)
	code.Op(bytecode.End)
	code.End()
	if got := run(t, "", code); got != "1\n" {
		t.Fatalf("#val: output = %q, want %q", got, "1\n")
	}

	pool, offsets := asmtest.StringPool("Pair")
	code = asmtest.NewCode()
	code.Op(bytecode.Const).I32(1)
	code.Op(bytecode.Const).I32(2)
	code.Op(bytecode.Sexp).U32(offsets[0]).U32(2)
	code.Op(bytecode.PattRef)
	code.Op(bytecode.CallLwrite)
	code.Op(bytecode.End)
	code.End()
	if got := runFull(t, "", 0, pool, code); got != "1\n" {
		t.Fatalf("#ref: output = %q, want %q", got, "1\n")
	}

	pool, offsets = asmtest.StringPool("hi")
	code = asmtest.NewCode()
	code.Op(bytecode.String).U32(offsets[0])
	code.Op(bytecode.PattString)
	code.Op(bytecode.CallLwrite)
	code.Op(bytecode.End)
	code.End()
	if got := runFull(t, "", 0, pool, code); got != "1\n" {
		t.Fatalf("#string: output = %q, want %q", got, "1\n")
	}

	pool, offsets = asmtest.StringPool("hi")
	code = asmtest.NewCode()
	code.Op(bytecode.String).U32(offsets[0]) // candidate, pushed first
	code.Op(bytecode.String).U32(offsets[0]) // literal, popped first
	code.Op(bytecode.PattStr)
	code.Op(bytecode.CallLwrite)
	code.Op(bytecode.End)
	code.End()
	if got := runFull(t, "", 0, pool, code); got != "1\n" {
		t.Fatalf("=str: output = %q, want %q", got, "1\n")
	}
}

// FAIL renders its operand and surfaces a MatchFailure runtime error
// rather than continuing execution.
func TestFailRaisesMatchFailure(t *testing.T) {
	code := asmtest.NewCode()
	code.Op(bytecode.Const).I32(42)
	code.Op(bytecode.Fail).U32(7).U32(3)
	code.End()

	raw := asmtest.Image(0, nil, code.Bytes())
	img, err := image.Load(raw)
	if err != nil {
		t.Fatalf("image.Load: %v", err)
	}
	prog, err := preprocess.Build(img)
	if err != nil {
		t.Fatalf("preprocess.Build: %v", err)
	}
	var out bytes.Buffer
	m := New(img, prog, heap.New(1<<12, false), strings.NewReader(""), &out, false)
	err = m.Run()
	if err == nil {
		t.Fatal("expected a MatchFailure error")
	}
	if !strings.Contains(err.Error(), "42") {
		t.Fatalf("error %q does not mention the rendered value", err.Error())
	}
}

// LDA_G pushes the address of a global; STA through that address writes
// the global in place, leaving the written value on the stack.
func TestAddressStoreThroughLdaGSta(t *testing.T) {
	code := asmtest.NewCode()
	code.Op(bytecode.LdaG).U32(0)
	code.Op(bytecode.Const).I32(99)
	code.Op(bytecode.Sta)
	code.Op(bytecode.Drop)
	code.Op(bytecode.LdG).U32(0)
	code.Op(bytecode.CallLwrite)
	code.Op(bytecode.End)
	code.End()

	got := runFull(t, "", 1, nil, code)
	if got != "99\n" {
		t.Fatalf("output = %q, want %q", got, "99\n")
	}
}
