package snapshot

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chazu/heapsnap/heap"
)

// Instruction is one decoded opcode of a serialized stream.
type Instruction struct {
	Offset int
	Op     Op
	// Args are the integers and bytes following the opcode.
	Args []int
	// Raw is the payload of raw data opcodes.
	Raw []byte
}

func (in Instruction) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%6d  %s", in.Offset, in.Op)
	for _, a := range in.Args {
		fmt.Fprintf(&b, " %d", a)
	}
	if len(in.Raw) > 0 {
		fmt.Fprintf(&b, " [%d bytes]", len(in.Raw))
	}
	return b.String()
}

// Disassemble decodes a stream without interpreting it. Unlike the
// deserializer it reports malformed input as an error.
func Disassemble(payload []byte) (out []Instruction, err error) {
	src := NewSnapshotByteSource(payload)
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok && errors.Is(e, ErrTruncated) {
				err = e
				return
			}
			panic(r)
		}
	}()

	for src.HasMore() {
		in := Instruction{Offset: src.Position()}
		b := src.Get()
		in.Op = DecodeOp(b)
		switch in.Op.Kind {
		case OpReference:
			switch in.Op.Where {
			case NewObject:
				size := src.GetInt()
				if in.Op.Space == heap.LOSpace {
					in.Args = append(in.Args, size, int(src.Get()))
				} else if size == DoubleAlignmentSentinel {
					in.Args = append(in.Args, size, src.GetInt())
				} else {
					in.Args = append(in.Args, size)
				}
			case BackrefWithSkip, ExternalReference:
				in.Args = append(in.Args, src.GetInt(), src.GetInt())
			default:
				in.Args = append(in.Args, src.GetInt())
			}
		case OpSkip, OpVariableRepeat:
			in.Args = append(in.Args, src.GetInt())
		case OpNextChunk, OpNativesStringResource:
			in.Args = append(in.Args, int(src.Get()))
		case OpVariableRawData:
			n := src.GetInt()
			in.Args = append(in.Args, n)
			in.Raw = make([]byte, n)
			src.CopyRaw(in.Raw)
		case OpFixedRawData:
			in.Raw = make([]byte, in.Op.N*heap.PointerSize)
			src.CopyRaw(in.Raw)
		case OpRootConstant, OpHotObject:
			if in.Op.WithSkip {
				in.Args = append(in.Args, src.GetInt())
			}
		case OpInvalid:
			return out, fmt.Errorf("invalid opcode %#02x at offset %d", b, in.Offset)
		}
		out = append(out, in)
	}
	return out, nil
}

// CountOps tallies decoded instructions by kind.
func CountOps(ins []Instruction) map[OpKind]int {
	counts := make(map[OpKind]int)
	for _, in := range ins {
		counts[in.Op.Kind]++
	}
	return counts
}
