package heap

import "fmt"

// ---------------------------------------------------------------------------
// Tagged values
// ---------------------------------------------------------------------------

// Address is a byte address in an isolate's simulated memory.
type Address uint64

// Value is a tagged heap word. A clear low bit marks a small integer (Smi)
// whose payload lives in the upper 32 bits; a set low bit marks a pointer
// to a heap object, stored as the object's address plus one.
type Value uint64

const (
	PointerSize     = 8
	PointerSizeLog2 = 3
	IntSize         = 4
	DoubleSize      = 8

	// ObjectAlignment is the allocation granule of every space.
	ObjectAlignment = PointerSize
	// DoubleAlignment is required by objects holding unboxed doubles.
	DoubleAlignment = 2 * PointerSize

	HeapObjectTag     = 1
	HeapObjectTagMask = 1
	smiShift          = 32
)

// ZapValue is written into handle slots that have been released, so a
// read through a stale handle is recognisable.
const ZapValue Value = 0x1baddead0baddeaf

// FromSmi encodes n as an immediate value.
func FromSmi(n int32) Value {
	return Value(uint64(int64(n)) << smiShift)
}

// FromAddress tags a heap object address.
func FromAddress(a Address) Value {
	return Value(a) | HeapObjectTag
}

// IsSmi reports whether v is an immediate small integer.
func (v Value) IsSmi() bool { return v&HeapObjectTagMask == 0 }

// IsHeapObject reports whether v points at a heap object.
func (v Value) IsHeapObject() bool { return v&HeapObjectTagMask == HeapObjectTag }

// Smi returns the integer payload of an immediate value.
func (v Value) Smi() int32 { return int32(int64(v) >> smiShift) }

// Address returns the object address of a heap object value.
func (v Value) Address() Address { return Address(v &^ HeapObjectTagMask) }

func (v Value) String() string {
	switch {
	case v == ZapValue:
		return "<zapped>"
	case v.IsSmi():
		return fmt.Sprintf("smi:%d", v.Smi())
	default:
		return fmt.Sprintf("obj:%#x", uint64(v.Address()))
	}
}

// RoundUp rounds n up to a multiple of align, which must be a power of two.
func RoundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// IsAligned reports whether a is a multiple of align.
func IsAligned(a Address, align int) bool {
	return uint64(a)&uint64(align-1) == 0
}
