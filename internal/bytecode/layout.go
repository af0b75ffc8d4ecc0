package bytecode

// On-disk header field widths, little-endian throughout (spec.md §4.3/§6).
const (
	HeaderFieldSize = 4 // bytes per u32 header field
	PublicEntrySize = 8 // name_offset u32 + code_offset u32
)

// PublicEntry is one row of the public symbol table: an exported name's
// offset into the string pool, paired with its entry point's offset into
// the code section. The core never calls through this table itself; it
// is surfaced to callers for diagnostics (spec.md §6).
type PublicEntry struct {
	NameOffset uint32
	CodeOffset uint32
}
