package heap

import "encoding/binary"

// ---------------------------------------------------------------------------
// Relocation information
// ---------------------------------------------------------------------------

// RelocMode classifies an address embedded in machine code.
type RelocMode uint8

const (
	RelocEmbeddedObject RelocMode = iota
	RelocCodeTarget
	RelocCell
	RelocExternalReference
	RelocRuntimeEntry
	RelocInternalReference
)

var relocModeNames = [...]string{
	"embedded object", "code target", "cell", "external reference", "runtime entry", "internal reference",
}

func (m RelocMode) String() string {
	if int(m) < len(relocModeNames) {
		return relocModeNames[m]
	}
	return "unknown"
}

// ModeMask returns the mask bit for mode.
func ModeMask(m RelocMode) int { return 1 << m }

const (
	// RelocModeMaskVisited selects the entries object visitors see.
	RelocModeMaskVisited = 1<<RelocEmbeddedObject | 1<<RelocCodeTarget | 1<<RelocCell |
		1<<RelocExternalReference | 1<<RelocRuntimeEntry
	RelocModeMaskAll = RelocModeMaskVisited | 1<<RelocInternalReference
)

// relocEntrySize is the encoded size of one entry: mode byte plus
// little-endian u32 offset from the instruction start.
const relocEntrySize = 5

// RelocInfo is one decoded relocation entry.
type RelocInfo struct {
	Mode RelocMode
	// PC is the address of the patched operand.
	PC   Address
	Host Address
}

// IsCodedSpecially reports whether the target is stored in an instruction
// specific encoding instead of as a plain pointer-sized word.
func IsCodedSpecially(m RelocMode) bool { return m == RelocCodeTarget }

// TargetAddressSize is the width of the operand for mode m.
func TargetAddressSize(m RelocMode) int {
	if IsCodedSpecially(m) {
		return 4
	}
	return PointerSize
}

// EncodeRelocInfo packs entries for storage in a ByteArray.
func EncodeRelocInfo(entries []RelocEntry) []byte {
	out := make([]byte, len(entries)*relocEntrySize)
	for i, e := range entries {
		out[i*relocEntrySize] = byte(e.Mode)
		binary.LittleEndian.PutUint32(out[i*relocEntrySize+1:], uint32(e.Offset))
	}
	return out
}

// DecodeRelocInfo unpacks stored relocation info.
func DecodeRelocInfo(b []byte) []RelocEntry {
	out := make([]RelocEntry, 0, len(b)/relocEntrySize)
	for i := 0; i+relocEntrySize <= len(b); i += relocEntrySize {
		out = append(out, RelocEntry{
			Mode:   RelocMode(b[i]),
			Offset: int(binary.LittleEndian.Uint32(b[i+1:])),
		})
	}
	return out
}

// RelocInfos returns the entries of code whose mode is in mask, in
// instruction order.
func (h *Heap) RelocInfos(code Address, mask int) []RelocInfo {
	ba := h.mem.Value(code + CodeRelocationInfoOffset)
	if !ba.IsHeapObject() {
		return nil
	}
	entry := code + CodeHeaderSize
	var out []RelocInfo
	for _, e := range DecodeRelocInfo(h.ByteArrayData(ba.Address())) {
		if mask&ModeMask(e.Mode) == 0 {
			continue
		}
		out = append(out, RelocInfo{Mode: e.Mode, PC: entry + Address(e.Offset), Host: code})
	}
	return out
}

// TargetObject reads an embedded object operand.
func (h *Heap) TargetObject(ri *RelocInfo) Value { return h.mem.Value(ri.PC) }

// TargetAddress reads the absolute address an operand refers to.
func (h *Heap) TargetAddress(ri *RelocInfo) Address {
	if ri.Mode == RelocCodeTarget {
		rel := int32(h.mem.Uint32(ri.PC))
		return Address(int64(ri.PC) + 4 + int64(rel))
	}
	return Address(h.mem.Word(ri.PC))
}

// SetTargetAddress patches an operand to refer to target.
func (h *Heap) SetTargetAddress(pc Address, mode RelocMode, target Address) {
	if mode == RelocCodeTarget {
		h.mem.SetUint32(pc, uint32(int32(int64(target)-int64(pc)-4)))
		return
	}
	h.mem.SetWord(pc, uint64(target))
}

// TargetCell returns the cell whose value address is embedded at ri.
func (h *Heap) TargetCell(ri *RelocInfo) Address {
	return h.TargetAddress(ri) - CellValueOffset
}

// CodeFromEntry maps an instruction start back to its Code object.
func CodeFromEntry(entry Address) Address { return entry - CodeHeaderSize }
