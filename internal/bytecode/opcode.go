// Package bytecode names the on-disk instruction set and the binary
// layout of a compiled image, grounded on the original interpreter's
// IC enumeration (original_source/main.cpp) and spec.md §4.3/§6.
package bytecode

// Op is a single source-level opcode byte, as read from the code section
// before preprocessing. It is distinct from a Handle, which is
// the preprocessor's resolved dispatch target for the word stream.
type Op byte

const (
	BinopAdd Op = 0x01
	BinopSub Op = 0x02
	BinopMul Op = 0x03
	BinopDiv Op = 0x04
	BinopRem Op = 0x05
	BinopLt  Op = 0x06
	BinopLe  Op = 0x07
	BinopGt  Op = 0x08
	BinopGe  Op = 0x09
	BinopEq  Op = 0x0A
	BinopNe  Op = 0x0B
	BinopAnd Op = 0x0C
	BinopOr  Op = 0x0D

	Const  Op = 0x10
	String Op = 0x11
	Sexp   Op = 0x12
	Sti    Op = 0x13
	Sta    Op = 0x14
	Jmp    Op = 0x15
	End    Op = 0x16
	Ret    Op = 0x17
	Drop   Op = 0x18
	Dup    Op = 0x19
	Swap   Op = 0x1A
	Elem   Op = 0x1B

	LdG Op = 0x20
	LdL Op = 0x21
	LdA Op = 0x22
	LdC Op = 0x23

	LdaG Op = 0x30
	LdaL Op = 0x31
	LdaA Op = 0x32
	LdaC Op = 0x33

	StG Op = 0x40
	StL Op = 0x41
	StA Op = 0x42
	StC Op = 0x43

	Cjmpz   Op = 0x50
	Cjmpnz  Op = 0x51
	Begin   Op = 0x52
	Cbegin  Op = 0x53
	Closure Op = 0x54
	Callc   Op = 0x55
	Call    Op = 0x56
	Tag     Op = 0x57
	Array   Op = 0x58
	Fail    Op = 0x59
	Line    Op = 0x5A

	PattStr    Op = 0x60
	PattString Op = 0x61
	PattArray  Op = 0x62
	PattSexp   Op = 0x63
	PattRef    Op = 0x64
	PattVal    Op = 0x65
	PattFun    Op = 0x66

	CallLread   Op = 0x70
	CallLwrite  Op = 0x71
	CallLlength Op = 0x72
	CallLstring Op = 0x73
	CallBarray  Op = 0x74
)

// EndMarkerMask is the high nibble every well-formed image's last byte
// must carry; spec.md §4.4 calls this the "terminal validation".
const EndMarkerMask = 0xF0

// IsEndMarker reports whether b is a valid end-of-bytecode marker byte.
func IsEndMarker(b byte) bool {
	return b&EndMarkerMask == EndMarkerMask
}

var names = map[Op]string{
	BinopAdd: "BINOP+", BinopSub: "BINOP-", BinopMul: "BINOP*", BinopDiv: "BINOP/",
	BinopRem: "BINOP%", BinopLt: "BINOP<", BinopLe: "BINOP<=", BinopGt: "BINOP>",
	BinopGe: "BINOP>=", BinopEq: "BINOP==", BinopNe: "BINOP!=", BinopAnd: "BINOP&&",
	BinopOr: "BINOP!!",
	Const:   "CONST", String: "STRING", Sexp: "SEXP", Sti: "STI", Sta: "STA",
	Jmp: "JMP", End: "END", Ret: "RET", Drop: "DROP", Dup: "DUP", Swap: "SWAP",
	Elem: "ELEM",
	LdG:  "LD G", LdL: "LD L", LdA: "LD A", LdC: "LD C",
	LdaG: "LDA G", LdaL: "LDA L", LdaA: "LDA A", LdaC: "LDA C",
	StG: "ST G", StL: "ST L", StA: "ST A", StC: "ST C",
	Cjmpz: "CJMPz", Cjmpnz: "CJMPnz", Begin: "BEGIN", Cbegin: "CBEGIN",
	Closure: "CLOSURE", Callc: "CALLC", Call: "CALL", Tag: "TAG", Array: "ARRAY",
	Fail: "FAIL", Line: "LINE",
	PattStr: "PATT =str", PattString: "PATT #string", PattArray: "PATT #array",
	PattSexp: "PATT #sexp", PattRef: "PATT #ref", PattVal: "PATT #val", PattFun: "PATT #fun",
	CallLread: "CALL Lread", CallLwrite: "CALL Lwrite", CallLlength: "CALL Llength",
	CallLstring: "CALL Lstring", CallBarray: "CALL Barray",
}

// String renders the opcode's mnemonic, falling back to "UNKNOWN" for
// any byte that is not a named opcode.
func (o Op) String() string {
	if n, ok := names[o]; ok {
		return n
	}
	return "UNKNOWN"
}
