package snapshot

import (
	"encoding/binary"

	"github.com/chazu/heapsnap/heap"
)

// ScrubForSerialization returns a copy of a Code object with every
// process specific value removed. The copy is young, its entry cache is
// cleared, internal references become offsets from the instruction start
// and every other relocated operand is zeroed. The heap is not touched.
func ScrubForSerialization(h *heap.Heap, code heap.Address) []byte {
	size := h.SizeOf(code)
	out := make([]byte, size)
	copy(out, h.Memory().Bytes(code, size))
	binary.LittleEndian.PutUint64(out[heap.CodeAgeOffset:], 0)
	binary.LittleEndian.PutUint64(out[heap.CodeEntryCacheOffset:], 0)
	entry := code + heap.CodeHeaderSize
	for _, ri := range h.RelocInfos(code, heap.RelocModeMaskAll) {
		off := int(ri.PC - code)
		if ri.Mode == heap.RelocInternalReference {
			binary.LittleEndian.PutUint64(out[off:], uint64(h.TargetAddress(&ri)-entry))
			continue
		}
		clear(out[off : off+heap.TargetAddressSize(ri.Mode)])
	}
	return out
}
