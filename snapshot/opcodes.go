package snapshot

import (
	"fmt"

	"github.com/chazu/heapsnap/heap"
)

// ---------------------------------------------------------------------------
// Reference encoding
// ---------------------------------------------------------------------------

// Where says how the target of a reference is found.
type Where uint8

const (
	// NewObject is followed by the object itself.
	NewObject Where = iota
	// Backref names an object allocated earlier in the same stream.
	Backref
	// BackrefWithSkip advances the write position before the backref.
	BackrefWithSkip
	// RootArray refers to a root by index.
	RootArray
	// PartialSnapshotCache refers to a startup object by cache index.
	PartialSnapshotCache
	// ExternalReference refers to a process address by table index.
	ExternalReference
	// Builtin refers to a builtin code object by index.
	Builtin
	// AttachedReference refers to an object supplied by the caller.
	AttachedReference
)

var whereNames = [...]string{
	"NewObject", "Backref", "BackrefWithSkip", "RootArray", "PartialSnapshotCache",
	"ExternalReference", "Builtin", "AttachedReference",
}

func (w Where) String() string {
	if int(w) < len(whereNames) {
		return whereNames[w]
	}
	return "InvalidWhere"
}

// How says how the reference is written into its slot.
type How uint8

const (
	// Plain writes a pointer-sized word.
	Plain How = iota
	// FromCode patches an instruction operand.
	FromCode
)

// Within says which address of the target is written.
type Within uint8

const (
	StartOfObject Within = iota
	// InnerPointer writes the instruction start of code or the value
	// address of a cell.
	InnerPointer
)

func hwIndex(how How, within Within) byte { return byte(how)<<1 | byte(within) }

// ---------------------------------------------------------------------------
// Opcode bytes
// ---------------------------------------------------------------------------

const (
	// 0x00-0x5f: NewObject, Backref, BackrefWithSkip. Bits 5-6 hold Where,
	// bits 3-4 How and Within, bits 0-2 the space.
	spaceReferenceEnd = 0x60
	// 0x60-0x73: RootArray .. AttachedReference, four How/Within variants each.
	otherReferenceStart = 0x60

	opSkip                  = 0x74
	opNextChunk             = 0x75
	opSynchronize           = 0x76
	opNativesStringResource = 0x77
	opVariableRepeat        = 0x78
	opNop                   = 0x79

	// opVariableRawData copies a length-prefixed run without moving the
	// write position. A skip always follows it.
	opVariableRawData = 0x80
	// 0x81-0x9f copy 1-31 words and advance past them.
	opFixedRawDataStart = 0x80

	opRootConstant         = 0xa0
	opRootConstantWithSkip = 0xc0
	opHotObject            = 0xe0
	opHotObjectWithSkip    = 0xe8
	// 0xf0-0xfe repeat the previous slot 1-15 more times.
	opFixedRepeat = 0xf0

	opInvalid = 0xff
)

const (
	MaxFixedRawDataWords = 31
	MaxFixedRepeats      = 15
	// DoubleAlignmentSentinel precedes the size of a double aligned object.
	DoubleAlignmentSentinel = 0
)

func referenceOpcode(where Where, how How, within Within, space heap.AllocationSpace) byte {
	hw := hwIndex(how, within)
	if where <= BackrefWithSkip {
		return byte(where)<<5 | hw<<3 | byte(space)
	}
	return otherReferenceStart + byte(where-RootArray)<<2 + hw
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// OpKind classifies an opcode byte.
type OpKind uint8

const (
	OpInvalid OpKind = iota
	OpReference
	OpSkip
	OpNextChunk
	OpSynchronize
	OpNativesStringResource
	OpVariableRepeat
	OpNop
	OpVariableRawData
	OpFixedRawData
	OpRootConstant
	OpHotObject
	OpFixedRepeat
)

var opKindNames = [...]string{
	"Invalid", "Reference", "Skip", "NextChunk", "Synchronize", "NativesStringResource",
	"VariableRepeat", "Nop", "VariableRawData", "FixedRawData", "RootConstant", "HotObject",
	"FixedRepeat",
}

func (k OpKind) String() string {
	if int(k) < len(opKindNames) {
		return opKindNames[k]
	}
	return "Invalid"
}

// Op is a decoded opcode byte.
type Op struct {
	Kind OpKind

	// Reference fields.
	Where  Where
	How    How
	Within Within
	Space  heap.AllocationSpace

	// WithSkip is set on root constants and hot objects preceded by a skip.
	WithSkip bool
	// N is the word count of fixed raw data, the repeat count, the root
	// constant index or the hot object index.
	N int
}

var opTable = buildOpTable()

func buildOpTable() (t [256]Op) {
	for b := 0; b < 256; b++ {
		t[b] = decodeOpByte(byte(b))
	}
	return t
}

func decodeOpByte(b byte) Op {
	switch {
	case b < spaceReferenceEnd:
		return Op{
			Kind:   OpReference,
			Where:  Where(b >> 5),
			How:    How(b >> 4 & 1),
			Within: Within(b >> 3 & 1),
			Space:  heap.AllocationSpace(b & 7),
		}
	case b < opSkip:
		i := b - otherReferenceStart
		return Op{Kind: OpReference, Where: RootArray + Where(i>>2), How: How(i >> 1 & 1), Within: Within(i & 1)}
	case b == opSkip:
		return Op{Kind: OpSkip}
	case b == opNextChunk:
		return Op{Kind: OpNextChunk}
	case b == opSynchronize:
		return Op{Kind: OpSynchronize}
	case b == opNativesStringResource:
		return Op{Kind: OpNativesStringResource}
	case b == opVariableRepeat:
		return Op{Kind: OpVariableRepeat}
	case b == opNop:
		return Op{Kind: OpNop}
	case b == opVariableRawData:
		return Op{Kind: OpVariableRawData}
	case b > opFixedRawDataStart && b < opRootConstant:
		return Op{Kind: OpFixedRawData, N: int(b - opFixedRawDataStart)}
	case b >= opRootConstant && b < opHotObject:
		return Op{Kind: OpRootConstant, WithSkip: b >= opRootConstantWithSkip, N: int(b & 0x1f)}
	case b >= opHotObject && b < opFixedRepeat:
		return Op{Kind: OpHotObject, WithSkip: b >= opHotObjectWithSkip, N: int(b & 7)}
	case b >= opFixedRepeat && b < opInvalid:
		return Op{Kind: OpFixedRepeat, N: int(b-opFixedRepeat) + 1}
	}
	return Op{Kind: OpInvalid}
}

// DecodeOp decodes one opcode byte.
func DecodeOp(b byte) Op { return opTable[b] }

func (op Op) String() string {
	switch op.Kind {
	case OpReference:
		s := op.Where.String()
		if op.Where <= BackrefWithSkip {
			s += "(" + op.Space.String() + ")"
		}
		if op.How == FromCode {
			s += " from-code"
		}
		if op.Within == InnerPointer {
			s += " inner"
		}
		return s
	case OpFixedRawData:
		return fmt.Sprintf("RawData(%d words)", op.N)
	case OpFixedRepeat:
		return fmt.Sprintf("Repeat(%d)", op.N)
	case OpRootConstant, OpHotObject:
		s := fmt.Sprintf("%s(%d)", op.Kind, op.N)
		if op.WithSkip {
			s += " with skip"
		}
		return s
	}
	return op.Kind.String()
}
