package heap

import (
	"encoding/binary"
	"fmt"
)

// CodeKind is stored in every Code header.
type CodeKind uint8

const (
	FunctionCode CodeKind = iota
	OptimizedFunctionCode
	StubCode
	HandlerCode
	BuiltinCode
	RegExpCode
	LoadICCode
	KeyedLoadICCode
	CallICCode
	StoreICCode
	KeyedStoreICCode
	BinaryOpICCode
	CompareICCode
	ToBooleanICCode
)

var codeKindNames = [...]string{
	"FUNCTION", "OPTIMIZED_FUNCTION", "STUB", "HANDLER", "BUILTIN", "REGEXP", "LOAD_IC",
	"KEYED_LOAD_IC", "CALL_IC", "STORE_IC", "KEYED_STORE_IC", "BINARY_OP_IC", "COMPARE_IC",
	"TO_BOOLEAN_IC",
}

func (k CodeKind) String() string {
	if int(k) < len(codeKindNames) {
		return codeKindNames[k]
	}
	return "UNKNOWN"
}

// IsIC reports whether the kind is an inline cache.
func (k CodeKind) IsIC() bool { return k >= LoadICCode }

// Code flag bits.
const (
	CodeFlagRelocInfoForSerialization = 1 << iota
)

// NoBuiltinIndex marks code that is not a builtin.
const NoBuiltinIndex = -1

// ---------------------------------------------------------------------------
// Assembler
// ---------------------------------------------------------------------------

// RelocEntry is a relocation produced by the assembler. Target is the
// object value, code value, cell value or absolute address to patch in;
// for internal references it is an offset into the instructions.
type RelocEntry struct {
	Mode   RelocMode
	Offset int
	Target uint64
}

// CodeDesc is the assembler output.
type CodeDesc struct {
	Instructions []byte
	Relocs       []RelocEntry
}

// Assembler emits a small subset of x86-64: enough for code objects with
// every kind of relocation.
type Assembler struct {
	buf    []byte
	relocs []RelocEntry
}

func NewAssembler() *Assembler { return &Assembler{} }

// Offset is the current instruction offset.
func (a *Assembler) Offset() int { return len(a.buf) }

func (a *Assembler) emit(b ...byte) { a.buf = append(a.buf, b...) }

func (a *Assembler) emit64(mode RelocMode, target uint64) {
	a.relocs = append(a.relocs, RelocEntry{Mode: mode, Offset: len(a.buf), Target: target})
	a.buf = binary.LittleEndian.AppendUint64(a.buf, 0)
}

// Prologue emits push rbp; mov rbp, rsp.
func (a *Assembler) Prologue() { a.emit(0x55, 0x48, 0x89, 0xe5) }

// Epilogue emits pop rbp; ret.
func (a *Assembler) Epilogue() { a.emit(0x5d, 0xc3) }

// MoveObject emits movabs rax, <object>.
func (a *Assembler) MoveObject(v Value) {
	a.emit(0x48, 0xb8)
	a.emit64(RelocEmbeddedObject, uint64(v))
}

// MoveExternal emits movabs rax, <address> for an external reference or
// runtime entry.
func (a *Assembler) MoveExternal(mode RelocMode, addr Address) {
	a.emit(0x48, 0xb8)
	a.emit64(mode, uint64(addr))
}

// LoadCell emits movabs rax, <cell value address>.
func (a *Assembler) LoadCell(cell Value) {
	a.emit(0x48, 0xb8)
	a.emit64(RelocCell, uint64(cell))
}

// Call emits call rel32 to another code object's entry.
func (a *Assembler) Call(code Value) {
	a.emit(0xe8)
	a.relocs = append(a.relocs, RelocEntry{Mode: RelocCodeTarget, Offset: len(a.buf), Target: uint64(code)})
	a.buf = binary.LittleEndian.AppendUint32(a.buf, 0)
}

// Nop emits n single byte nops.
func (a *Assembler) Nop(n int) {
	for i := 0; i < n; i++ {
		a.emit(0x90)
	}
}

// JumpTable emits absolute addresses of the given instruction offsets.
func (a *Assembler) JumpTable(offsets ...int) {
	for _, off := range offsets {
		a.emit64(RelocInternalReference, uint64(off))
	}
}

// Desc returns the finished instructions.
func (a *Assembler) Desc() CodeDesc {
	return CodeDesc{Instructions: a.buf, Relocs: a.relocs}
}

// ---------------------------------------------------------------------------
// Code objects
// ---------------------------------------------------------------------------

// CodeHeader holds the header fields of a new Code object.
type CodeHeader struct {
	Kind         CodeKind
	Flags        uint8
	StubKey      uint32
	BuiltinIndex int32
}

// CodeSizeFor returns the object size of code with n instruction bytes.
func CodeSizeFor(n int) int { return RoundUp(CodeHeaderSize+n, ObjectAlignment) }

// CreateCode places desc into code space and patches every relocation.
func (h *Heap) CreateCode(desc CodeDesc, hdr CodeHeader) (Address, error) {
	entries := make([]RelocEntry, len(desc.Relocs))
	copy(entries, desc.Relocs)
	info, err := h.AllocateByteArray(EncodeRelocInfo(entries))
	if err != nil {
		return 0, err
	}
	size := CodeSizeFor(len(desc.Instructions))
	code, err := h.AllocateRaw(size, CodeSpace)
	if err != nil {
		return 0, err
	}
	m := h.mem
	m.SetValue(code, h.Root(CodeMapRootIndex))
	m.SetValue(code+CodeRelocationInfoOffset, FromAddress(info))
	m.SetUint32(code+CodeInstructionSizeOffset, uint32(len(desc.Instructions)))
	m.SetByte(code+CodeKindOffset, byte(hdr.Kind))
	m.SetByte(code+CodeFlagsOffset, hdr.Flags)
	m.SetUint16(code+CodeFlagsOffset+1, 0)
	m.SetUint32(code+CodeStubKeyOffset, hdr.StubKey)
	m.SetUint32(code+CodeBuiltinIndexOffset, uint32(hdr.BuiltinIndex))
	m.SetWord(code+CodeAgeOffset, 0)
	entry := code + CodeHeaderSize
	m.SetWord(code+CodeEntryCacheOffset, uint64(entry))
	copy(m.Bytes(entry, len(desc.Instructions)), desc.Instructions)
	if pad := size - CodeHeaderSize - len(desc.Instructions); pad > 0 {
		clear(m.Bytes(entry+Address(len(desc.Instructions)), pad))
	}
	for _, e := range desc.Relocs {
		pc := entry + Address(e.Offset)
		switch e.Mode {
		case RelocEmbeddedObject:
			m.SetValue(pc, Value(e.Target))
		case RelocCodeTarget:
			h.SetTargetAddress(pc, e.Mode, Value(e.Target).Address()+CodeHeaderSize)
		case RelocCell:
			h.SetTargetAddress(pc, e.Mode, Value(e.Target).Address()+CellValueOffset)
		case RelocExternalReference, RelocRuntimeEntry:
			h.SetTargetAddress(pc, e.Mode, Address(e.Target))
		case RelocInternalReference:
			h.SetTargetAddress(pc, e.Mode, entry+Address(e.Target))
		default:
			return 0, fmt.Errorf("unknown relocation mode %d", e.Mode)
		}
	}
	h.FlushInstructionCache(entry, len(desc.Instructions))
	return code, nil
}

func (h *Heap) CodeKindOf(code Address) CodeKind { return CodeKind(h.mem.Byte(code + CodeKindOffset)) }

func (h *Heap) CodeInstructionSize(code Address) int {
	return int(h.mem.Uint32(code + CodeInstructionSizeOffset))
}

func (h *Heap) CodeStubKey(code Address) uint32 { return h.mem.Uint32(code + CodeStubKeyOffset) }

func (h *Heap) CodeBuiltinIndex(code Address) int {
	return int(int32(h.mem.Uint32(code + CodeBuiltinIndexOffset)))
}

func (h *Heap) CodeFlags(code Address) uint8 { return h.mem.Byte(code + CodeFlagsOffset) }

// CodeInstructions aliases the instruction bytes of code.
func (h *Heap) CodeInstructions(code Address) []byte {
	return h.mem.Bytes(code+CodeHeaderSize, h.CodeInstructionSize(code))
}

// CodeAge returns the age counter; zero is young.
func (h *Heap) CodeAge(code Address) uint64 { return h.mem.Word(code + CodeAgeOffset) }

// MakeOlder ages code by one collection.
func (h *Heap) MakeOlder(code Address) {
	h.mem.SetWord(code+CodeAgeOffset, h.mem.Word(code+CodeAgeOffset)+1)
}

// RelocateCode moves every absolute self reference of code that was
// copied from old to its current address.
func (h *Heap) RelocateCode(code, old Address) {
	delta := int64(code) - int64(old)
	h.mem.SetWord(code+CodeEntryCacheOffset, uint64(code+CodeHeaderSize))
	for _, ri := range h.RelocInfos(code, RelocModeMaskAll) {
		switch ri.Mode {
		case RelocInternalReference:
			h.mem.SetWord(ri.PC, uint64(int64(h.mem.Word(ri.PC))+delta))
		case RelocCodeTarget:
			oldPC := Address(int64(ri.PC) - delta)
			rel := int32(h.mem.Uint32(ri.PC))
			target := Address(int64(oldPC) + 4 + int64(rel))
			h.SetTargetAddress(ri.PC, ri.Mode, target)
		}
	}
}
