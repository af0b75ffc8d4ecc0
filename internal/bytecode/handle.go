package bytecode

// Handle is a pre-resolved dispatch target, the unit the preprocessor
// emits into the word stream in place of a raw opcode byte (spec.md
// §4.4/§9, "direct-threaded dispatch without computed gotos"). Go has
// no address-of-label, so a Handle is simply an enumerant the dispatch
// loop switches on; this is design option (b) from spec.md §9.
type Handle uint64

const (
	// HFinish halts the interpreter cleanly; it occupies word stream
	// slot 0 and the trailing safety-net slot.
	HFinish Handle = iota
	// HBadJump occupies slot 1; reaching it means a forward code pointer
	// was never patched, as happens when its target offset is not the
	// start of an instruction.
	HBadJump
	// HUnsupported is dispatched for a recognised-but-unimplemented
	// opcode (STI) or an unrecognised opcode byte; its one operand word
	// is the original opcode byte for the diagnostic message.
	HUnsupported

	HAdd
	HSub
	HMul
	HDiv
	HRem
	HLt
	HLe
	HGt
	HGe
	HEq
	HNe
	HAnd
	HOr

	HConst
	HString
	HSexp
	HSta
	HJmp
	HEnd
	HRet
	HDrop
	HDup
	HSwap
	HElem

	HLdG
	HLdL
	HLdA
	HLdC

	HLdaG
	HLdaL
	HLdaA

	HStG
	HStL
	HStA
	HStC

	HCjmpz
	HCjmpnz
	HBegin
	HCbegin
	HClosure
	HCallc
	HCall
	HTag
	HArray
	HFail

	HPattStr
	HPattString
	HPattArray
	HPattSexp
	HPattRef
	HPattVal
	HPattFun

	HCallLread
	HCallLwrite
	HCallLlength
	HCallLstring
	HCallBarray
)

var handleNames = map[Handle]string{
	HFinish: "FINISH", HBadJump: "BADJUMP", HUnsupported: "UNSUPPORTED",
	HAdd: "BINOP+", HSub: "BINOP-", HMul: "BINOP*", HDiv: "BINOP/", HRem: "BINOP%",
	HLt: "BINOP<", HLe: "BINOP<=", HGt: "BINOP>", HGe: "BINOP>=", HEq: "BINOP==",
	HNe: "BINOP!=", HAnd: "BINOP&&", HOr: "BINOP!!",
	HConst: "CONST", HString: "STRING", HSexp: "SEXP", HSta: "STA", HJmp: "JMP",
	HEnd: "END", HRet: "RET", HDrop: "DROP", HDup: "DUP", HSwap: "SWAP", HElem: "ELEM",
	HLdG: "LD G", HLdL: "LD L", HLdA: "LD A", HLdC: "LD C",
	HLdaG: "LDA G", HLdaL: "LDA L", HLdaA: "LDA A",
	HStG: "ST G", HStL: "ST L", HStA: "ST A", HStC: "ST C",
	HCjmpz: "CJMPz", HCjmpnz: "CJMPnz", HBegin: "BEGIN", HCbegin: "CBEGIN",
	HClosure: "CLOSURE", HCallc: "CALLC", HCall: "CALL", HTag: "TAG",
	HArray: "ARRAY", HFail: "FAIL",
	HPattStr: "PATT =str", HPattString: "PATT #string", HPattArray: "PATT #array",
	HPattSexp: "PATT #sexp", HPattRef: "PATT #ref", HPattVal: "PATT #val",
	HPattFun: "PATT #fun",
	HCallLread: "CALL Lread", HCallLwrite: "CALL Lwrite", HCallLlength: "CALL Llength",
	HCallLstring: "CALL Lstring", HCallBarray: "CALL Barray",
}

func (h Handle) String() string {
	if n, ok := handleNames[h]; ok {
		return n
	}
	return "INVALID"
}

// CaptureSource identifies where a CLOSURE capture operand reads its
// value from, packed alongside its index into a single word-stream word
// (see the CLOSURE case of the preprocessor's operand decoding) rather than the original's separate
// 2-bit-per-entry bitmap: one combined word per capture keeps the same
// single-pass engine property with a simpler, idiomatic Go encoding.
type CaptureSource uint64

const (
	CaptureGlobal CaptureSource = iota
	CaptureLocal
	CaptureArg
	CaptureClosure
)
