package snapshot

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/chazu/heapsnap/heap"
	"github.com/chazu/heapsnap/isolate"
)

// ---------------------------------------------------------------------------
// Byte sink and source
// ---------------------------------------------------------------------------

func TestPutIntGetInt(t *testing.T) {
	values := []int{0, 1, 63, 64, 1<<14 - 1, 1 << 14, 1<<22 - 1, 1 << 22, maxInt}
	sizes := []int{1, 1, 1, 2, 2, 3, 3, 4, 4}
	sink := NewSnapshotByteSink(16)
	for i, v := range values {
		before := sink.Position()
		sink.PutInt(v, "test")
		if n := sink.Position() - before; n != sizes[i] {
			t.Errorf("PutInt(%d) wrote %d bytes, want %d", v, n, sizes[i])
		}
	}
	src := NewSnapshotByteSource(sink.Data())
	for _, want := range values {
		if got := src.GetInt(); got != want {
			t.Errorf("GetInt = %d, want %d", got, want)
		}
	}
	if src.HasMore() {
		t.Errorf("source has %d bytes left", src.Length()-src.Position())
	}
}

func TestPutIntOutOfRange(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("PutInt(-1) did not panic")
		}
	}()
	NewSnapshotByteSink(4).PutInt(-1, "test")
}

func TestSourceTruncated(t *testing.T) {
	src := NewSnapshotByteSource([]byte{0x01})
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrTruncated) {
			t.Errorf("recovered %v, want ErrTruncated", r)
		}
	}()
	src.GetInt()
}

func TestSourceTruncatedFatal(t *testing.T) {
	iso := newTestIsolate(t, 1)
	src := NewSnapshotByteSource(nil)
	src.Fatal = iso.Fatal
	fe := expectFatal(t, func() { src.Get() })
	if fe.Location != "SnapshotByteSource::Get" {
		t.Errorf("location = %q", fe.Location)
	}
}

// ---------------------------------------------------------------------------
// Opcodes
// ---------------------------------------------------------------------------

func TestReferenceOpcodeRoundTrip(t *testing.T) {
	for where := NewObject; where <= BackrefWithSkip; where++ {
		for space := heap.FirstSpace; space < heap.NumberOfSpaces; space++ {
			for _, how := range []How{Plain, FromCode} {
				for _, within := range []Within{StartOfObject, InnerPointer} {
					op := DecodeOp(referenceOpcode(where, how, within, space))
					if op.Kind != OpReference || op.Where != where || op.Space != space || op.How != how || op.Within != within {
						t.Errorf("round trip of %s/%s/%d/%d = %+v", where, space, how, within, op)
					}
				}
			}
		}
	}
	for where := RootArray; where <= AttachedReference; where++ {
		op := DecodeOp(referenceOpcode(where, FromCode, InnerPointer, 0))
		if op.Kind != OpReference || op.Where != where || op.How != FromCode || op.Within != InnerPointer {
			t.Errorf("round trip of %s = %+v", where, op)
		}
	}
}

func TestDecodeOp(t *testing.T) {
	tests := []struct {
		b    byte
		kind OpKind
		n    int
		skip bool
	}{
		{0x74, OpSkip, 0, false},
		{0x75, OpNextChunk, 0, false},
		{0x76, OpSynchronize, 0, false},
		{0x77, OpNativesStringResource, 0, false},
		{0x78, OpVariableRepeat, 0, false},
		{0x79, OpNop, 0, false},
		{0x80, OpVariableRawData, 0, false},
		{0x81, OpFixedRawData, 1, false},
		{0x9f, OpFixedRawData, 31, false},
		{0xa0, OpRootConstant, 0, false},
		{0xbf, OpRootConstant, 31, false},
		{0xc3, OpRootConstant, 3, true},
		{0xe2, OpHotObject, 2, false},
		{0xef, OpHotObject, 7, true},
		{0xf0, OpFixedRepeat, 1, false},
		{0xfe, OpFixedRepeat, 15, false},
		{0xff, OpInvalid, 0, false},
	}
	for _, tt := range tests {
		op := DecodeOp(tt.b)
		if op.Kind != tt.kind || op.N != tt.n || op.WithSkip != tt.skip {
			t.Errorf("DecodeOp(%#02x) = %s n=%d skip=%v, want %s n=%d skip=%v",
				tt.b, op.Kind, op.N, op.WithSkip, tt.kind, tt.n, tt.skip)
		}
	}
}

// ---------------------------------------------------------------------------
// Reservations and checksums
// ---------------------------------------------------------------------------

func TestReservation(t *testing.T) {
	r := NewReservation(4096, false)
	if r.ChunkSize() != 4096 || r.IsLast() {
		t.Errorf("reservation = %d last=%v", r.ChunkSize(), r.IsLast())
	}
	r = r.MarkLast()
	if r.ChunkSize() != 4096 || !r.IsLast() {
		t.Errorf("marked reservation = %d last=%v", r.ChunkSize(), r.IsLast())
	}
}

func TestChecksum(t *testing.T) {
	a := NewChecksum([]byte("0123456789abcdef!"))
	b := NewChecksum([]byte("0123456789abcdef!"))
	if a != b {
		t.Errorf("checksum not deterministic")
	}
	c := NewChecksum([]byte("0123456789abcdeg!"))
	if a == c {
		t.Errorf("checksum missed a changed byte")
	}
	if !a.Check(a.A, a.B) {
		t.Errorf("Check disagrees with the computed sums")
	}
	swapped := NewChecksum([]byte("89abcdef01234567"))
	if swapped == NewChecksum([]byte("0123456789abcdef")) {
		t.Errorf("checksum ignores word order")
	}
}

func TestSnapshotDataSanityCheck(t *testing.T) {
	iso := newTestIsolate(t, 1)
	payload := []byte{0x79, 0x79, 0x79, 0x79, 0x79, 0x79, 0x79, 0x79}
	reservations := []Reservation{NewReservation(64, true)}
	good := NewSnapshotData(iso, payload, reservations).Bytes()

	data := SnapshotDataFromBytes(good)
	if r := data.SanityCheck(iso); r != CheckSuccess {
		t.Fatalf("SanityCheck = %s", r)
	}
	if got := data.Reservations(); len(got) != 1 || got[0] != reservations[0] {
		t.Errorf("reservations = %v", got)
	}
	if string(data.Payload()) != string(payload) {
		t.Errorf("payload = %x", data.Payload())
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   SanityCheckResult
	}{
		{"short", func(b []byte) []byte { return b[:snapshotHeaderSize-1] }, InvalidHeader},
		{"magic", func(b []byte) []byte { b[snapshotMagicOffset] ^= 1; return b }, MagicNumberMismatch},
		{"version", func(b []byte) []byte { b[snapshotVersionOffset] ^= 1; return b }, VersionMismatch},
		{"length", func(b []byte) []byte { return append(b, 0) }, LengthMismatch},
		{"reservations", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[snapshotReservationsOffset:], 1<<30)
			return b
		}, LengthMismatch},
		{"checksum", func(b []byte) []byte { b[len(b)-1] = 0x74; return b }, ChecksumMismatch},
		{"reservation size", func(b []byte) []byte { b[snapshotHeaderSize] ^= 8; return b }, ChecksumMismatch},
	}
	for _, tt := range tests {
		b := tt.mutate(append([]byte(nil), good...))
		if got := SnapshotDataFromBytes(b).SanityCheck(iso); got != tt.want {
			t.Errorf("%s: SanityCheck = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestSanityCheckResultString(t *testing.T) {
	if s := ChecksumMismatch.String(); s != "checksum mismatch" {
		t.Errorf("ChecksumMismatch = %q", s)
	}
	err := error(&RejectionError{Reason: SourceMismatch})
	if !errors.Is(err, ErrRejected) {
		t.Errorf("rejection does not wrap ErrRejected")
	}
}

// ---------------------------------------------------------------------------
// Hand written streams
// ---------------------------------------------------------------------------

// newSpaceReservations reserves size bytes of new space and nothing else.
func newSpaceReservations(size uint32) []Reservation {
	rs := make([]Reservation, heap.NumberOfSpaces)
	for i := range rs {
		rs[i] = NewReservation(0, true)
	}
	rs[heap.NewSpace] = NewReservation(size, true)
	return rs
}

// emptyArrayStream writes an empty FixedArray into new space.
func emptyArrayStream(h *heap.Heap) *SnapshotByteSink {
	sink := NewSnapshotByteSink(32)
	sink.Put(referenceOpcode(NewObject, Plain, StartOfObject, heap.NewSpace), "NewObject")
	sink.PutInt(heap.FixedArrayHeaderSize>>heap.PointerSizeLog2, "ObjectSizeInWords")
	sink.Put(referenceOpcode(RootArray, Plain, StartOfObject, 0), "RootSerialization")
	sink.PutInt(int(heap.FixedArrayMapRootIndex), "root_index")
	var length [heap.PointerSize]byte
	binary.LittleEndian.PutUint64(length[:], uint64(heap.FromSmi(0)))
	sink.Put(opFixedRawDataStart+1, "RawData")
	sink.PutRaw(length[:], "Bytes")
	return sink
}

// readStream deserializes payload into two root slots.
func readStream(iso *isolate.Isolate, payload []byte, reservations []Reservation) (slots [2]heap.Value, err error) {
	defer isolate.RecoverFatal(&err)
	scope := iso.HandleScope()
	defer scope.Close()
	d := NewDeserializer(iso, payload, reservations)
	if err := d.reserveSpace(); err != nil {
		return slots, err
	}
	a := iso.NewHandle(heap.FromSmi(0))
	b := iso.NewHandle(heap.FromSmi(0))
	d.VisitPointers(a.Location(), a.Location()+heap.PointerSize)
	d.VisitPointers(b.Location(), b.Location()+heap.PointerSize)
	d.checkAllocationsConsumed()
	return [2]heap.Value{a.Value(), b.Value()}, nil
}

func TestHandWrittenStream(t *testing.T) {
	iso := newTestIsolate(t, 1)
	h := iso.Heap()
	sink := emptyArrayStream(h)
	sink.Put(referenceOpcode(Backref, Plain, StartOfObject, heap.NewSpace), "BackRef")
	sink.PutInt(0, "BackRefValue")

	slots, err := readStream(iso, sink.Data(), newSpaceReservations(heap.FixedArrayHeaderSize))
	if err != nil {
		t.Fatalf("readStream failed: %v", err)
	}
	if slots[0] != slots[1] {
		t.Errorf("back reference resolved to %s, want %s", slots[1], slots[0])
	}
	arr := slots[0].Address()
	if h.InstanceTypeOf(arr) != heap.FixedArrayType || h.FixedArrayLength(arr) != 0 {
		t.Errorf("object = %s of length %d", h.InstanceTypeOf(arr), h.FixedArrayLength(arr))
	}
	if !h.InNewSpace(slots[0]) {
		t.Errorf("object not in new space")
	}
}

func TestCorruptedStreams(t *testing.T) {
	iso := newTestIsolate(t, 1)
	h := iso.Heap()
	tests := []struct {
		name  string
		build func() []byte
		size  uint32
	}{
		{"backref past allocation", func() []byte {
			sink := emptyArrayStream(h)
			sink.Put(referenceOpcode(Backref, Plain, StartOfObject, heap.NewSpace), "BackRef")
			sink.PutInt(2, "BackRefValue")
			return sink.Data()
		}, heap.FixedArrayHeaderSize},
		{"object exceeds reservation", func() []byte {
			sink := NewSnapshotByteSink(8)
			sink.Put(referenceOpcode(NewObject, Plain, StartOfObject, heap.NewSpace), "NewObject")
			sink.PutInt(3, "ObjectSizeInWords")
			return sink.Data()
		}, heap.FixedArrayHeaderSize},
		{"invalid opcode", func() []byte { return []byte{opInvalid} }, 0},
		{"synchronize", func() []byte { return []byte{opSynchronize} }, 0},
		{"truncated", func() []byte { return emptyArrayStream(h).Data()[:3] }, heap.FixedArrayHeaderSize},
		{"reservation not consumed", func() []byte {
			return append(emptyArrayStream(h).Data(), opNop, referenceOpcode(RootArray, Plain, StartOfObject, 0), 0)
		}, 2 * heap.FixedArrayHeaderSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readStream(iso, tt.build(), newSpaceReservations(tt.size))
			var fe *isolate.FatalError
			if !errors.As(err, &fe) {
				t.Fatalf("err = %v, want a fatal error", err)
			}
		})
	}
}

func TestDecodeReservationsMustCoverEverySpace(t *testing.T) {
	iso := newTestIsolate(t, 1)
	_, err := readStream(iso, nil, []Reservation{NewReservation(16, true)})
	var fe *isolate.FatalError
	if !errors.As(err, &fe) || fe.Location != "Deserializer::DecodeReservation" {
		t.Fatalf("err = %v, want a reservation fatal", err)
	}
}

func TestDisassembleErrors(t *testing.T) {
	if _, err := Disassemble([]byte{opVariableRawData, 0x10}); !errors.Is(err, ErrTruncated) {
		t.Errorf("truncated raw data: err = %v", err)
	}
	if _, err := Disassemble([]byte{opNop, opInvalid}); err == nil {
		t.Errorf("invalid opcode accepted")
	}
	ins, err := Disassemble([]byte{opNop, opFixedRepeat + 2, opHotObjectWithSkip + 1, 0x08})
	if err != nil {
		t.Fatalf("Disassemble failed: %v", err)
	}
	if len(ins) != 3 || ins[1].Op.N != 3 || ins[2].Args[0] != 2 || ins[2].Op.N != 1 {
		t.Errorf("instructions = %v", ins)
	}
}

// ---------------------------------------------------------------------------
// Code scrubbing
// ---------------------------------------------------------------------------

func TestScrubForSerialization(t *testing.T) {
	iso := newTestIsolate(t, 1)
	h := iso.Heap()
	iso.CollectAllGarbage()
	code := iso.BuiltinCode(isolate.BuiltinArgumentsAdaptorTrampoline).Address()
	if h.CodeAge(code) == 0 {
		t.Fatalf("code did not age across a collection")
	}
	before := append([]byte(nil), h.Memory().Bytes(code, h.SizeOf(code))...)

	scrubbed := ScrubForSerialization(h, code)
	if string(h.Memory().Bytes(code, h.SizeOf(code))) != string(before) {
		t.Fatalf("scrubbing modified the heap")
	}
	if binary.LittleEndian.Uint64(scrubbed[heap.CodeEntryCacheOffset:]) != 0 {
		t.Errorf("entry cache not cleared")
	}
	if binary.LittleEndian.Uint64(scrubbed[heap.CodeAgeOffset:]) != 0 {
		t.Errorf("scrubbed copy is not young")
	}
	n := uint64(h.CodeInstructionSize(code))
	internal := 0
	for _, ri := range h.RelocInfos(code, heap.RelocModeMaskAll) {
		off := int(ri.PC - code)
		if ri.Mode == heap.RelocInternalReference {
			internal++
			if v := binary.LittleEndian.Uint64(scrubbed[off:]); v > n {
				t.Errorf("internal reference at %d = %d, past %d instruction bytes", off, v, n)
			}
			continue
		}
		for _, b := range scrubbed[off : off+heap.TargetAddressSize(ri.Mode)] {
			if b != 0 {
				t.Errorf("%s operand at %d not zeroed", ri.Mode, off)
				break
			}
		}
	}
	if internal == 0 {
		t.Errorf("ArgumentsAdaptorTrampoline has no internal references")
	}
}
