package snapshot

import (
	"encoding/binary"

	"github.com/chazu/heapsnap/heap"
	"github.com/chazu/heapsnap/isolate"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("heapsnap.snapshot")

// objectEncoder is implemented by each serializer specialization. It
// decides how one reference is written: as a root, a back reference, an
// attached object or a new object.
type objectEncoder interface {
	SerializeObject(v heap.Value, how How, within Within, skip int)
}

// ---------------------------------------------------------------------------
// Serializer
// ---------------------------------------------------------------------------

// Serializer holds the state shared by the startup, partial and code
// serializers: the sink, the back reference and hot object tables and the
// chunk bookkeeping that becomes the reservation list.
type Serializer struct {
	heap.NullVisitor

	iso  *isolate.Isolate
	h    *heap.Heap
	mem  *heap.Memory
	sink *SnapshotByteSink
	self objectEncoder

	externalRefs *ExternalReferenceEncoder
	rootIndexMap *RootIndexMap
	backRefs     *BackReferenceMap
	hot          HotObjectsList

	completedChunks   [heap.NumberOfPreallocatedSpaces][]uint32
	pendingChunk      [heap.NumberOfPreallocatedSpaces]uint32
	largeObjectsTotal uint32
	seenLargeObjects  int

	trace bool
}

func newSerializer(iso *isolate.Isolate, sink *SnapshotByteSink) *Serializer {
	return &Serializer{
		iso:          iso,
		h:            iso.Heap(),
		mem:          iso.Memory(),
		sink:         sink,
		externalRefs: NewExternalReferenceEncoder(iso),
		rootIndexMap: NewRootIndexMap(iso.Heap()),
		backRefs:     NewBackReferenceMap(),
		trace:        iso.Flags().TraceSerializer,
	}
}

// Sink returns the stream being written.
func (s *Serializer) Sink() *SnapshotByteSink { return s.sink }

// serializeValue writes a single top level value. Smis go out as one
// word of raw data.
func (s *Serializer) serializeValue(v heap.Value) {
	if v.IsSmi() {
		var word [heap.PointerSize]byte
		binary.LittleEndian.PutUint64(word[:], uint64(v))
		s.sink.Put(opFixedRawDataStart+1, "Smi")
		s.sink.PutRaw(word[:], "Bytes")
		return
	}
	s.self.SerializeObject(v, Plain, StartOfObject, 0)
}

// FlushSkip writes a pending skip as its own opcode.
func (s *Serializer) FlushSkip(skip int) {
	if skip != 0 {
		s.sink.Put(opSkip, "SkipFromSerializeObject")
		s.sink.PutInt(skip, "SkipDistanceFromSerializeObject")
	}
}

func (s *Serializer) serializeKnownObject(v heap.Value, how How, within Within, skip int) bool {
	return s.serializeHotObject(v, how, within, skip) || s.serializeBackReference(v, how, within, skip)
}

func (s *Serializer) serializeHotObject(v heap.Value, how How, within Within, skip int) bool {
	if how != Plain || within != StartOfObject {
		return false
	}
	i := s.hot.Find(v)
	if i < 0 {
		return false
	}
	if skip != 0 {
		s.sink.Put(opHotObjectWithSkip+byte(i), "HotObjectWithSkip")
		s.sink.PutInt(skip, "HotObjectSkipDistance")
	} else {
		s.sink.Put(opHotObject+byte(i), "HotObject")
	}
	return true
}

func (s *Serializer) serializeBackReference(v heap.Value, how How, within Within, skip int) bool {
	b := s.backRefs.Lookup(v.Address())
	if !b.IsValid() {
		return false
	}
	if b.IsSource() || b.IsGlobalProxy() {
		s.FlushSkip(skip)
		s.sink.Put(referenceOpcode(AttachedReference, how, within, 0), "AttachedReference")
		s.sink.PutInt(0, "AttachedReferenceIndex")
		return true
	}
	if skip == 0 {
		s.sink.Put(referenceOpcode(Backref, how, within, b.Space()), "BackRef")
	} else {
		s.sink.Put(referenceOpcode(BackrefWithSkip, how, within, b.Space()), "BackRefWithSkip")
		s.sink.PutInt(skip, "BackRefSkipDistance")
	}
	s.sink.PutInt(b.Reference(), "BackRefValue")
	s.hot.Add(v)
	return true
}

// PutRoot writes a reference to root idx. The first roots fit in a
// single byte when the reference is an ordinary tagged slot.
func (s *Serializer) PutRoot(idx heap.RootIndex, v heap.Value, how How, within Within, skip int) {
	if how == Plain && within == StartOfObject && idx < heap.RootConstantCount && !s.h.InNewSpace(v) {
		if skip == 0 {
			s.sink.Put(opRootConstant+byte(idx), "RootConstant")
		} else {
			s.sink.Put(opRootConstantWithSkip+byte(idx), "RootConstantWithSkip")
			s.sink.PutInt(skip, "SkipInPutRoot")
		}
		return
	}
	s.FlushSkip(skip)
	s.sink.Put(referenceOpcode(RootArray, how, within, 0), "RootSerialization")
	s.sink.PutInt(int(idx), "root_index")
}

// putExternalReference writes addr as its table index.
func (s *Serializer) putExternalReference(addr heap.Address, skip int) {
	s.sink.Put(referenceOpcode(ExternalReference, Plain, StartOfObject, 0), "ExternalRef")
	s.sink.PutInt(skip, "SkipB4ExternalRef")
	s.sink.PutInt(s.externalRefs.Encode(addr), "reference id")
}

// putRawData writes data at the reader's position. Whole words up to the
// fixed limit advance the position; longer runs leave it in place and the
// returned distance must still be skipped.
func (s *Serializer) putRawData(data []byte, description string) int {
	n := len(data)
	if n%heap.PointerSize == 0 && n/heap.PointerSize <= MaxFixedRawDataWords {
		s.sink.Put(opFixedRawDataStart+byte(n/heap.PointerSize), description)
		s.sink.PutRaw(data, description)
		return 0
	}
	s.sink.Put(opVariableRawData, description)
	s.sink.PutInt(n, "length")
	s.sink.PutRaw(data, description)
	return n
}

// ---------------------------------------------------------------------------
// Chunk bookkeeping
// ---------------------------------------------------------------------------

// allocate assigns size bytes in space and returns where the reader will
// find them. A new chunk starts when the current one would outgrow a page.
func (s *Serializer) allocate(space heap.AllocationSpace, size int) BackReference {
	if int(s.pendingChunk[space])+size > heap.PageAreaSize(space) {
		s.sink.Put(opNextChunk, "NextChunk")
		s.sink.Put(byte(space), "NextChunkSpace")
		s.completedChunks[space] = append(s.completedChunks[space], s.pendingChunk[space])
		s.pendingChunk[space] = 0
	}
	offset := s.pendingChunk[space]
	s.pendingChunk[space] += uint32(size)
	return RegularBackReference(space, len(s.completedChunks[space]), int(offset))
}

func (s *Serializer) allocateLargeObject(size int) BackReference {
	s.largeObjectsTotal += uint32(size)
	b := LargeObjectBackReference(s.seenLargeObjects)
	s.seenLargeObjects++
	return b
}

// Pad ends the stream with no-ops so the reader's integer peek stays in
// bounds, then aligns it to a word.
func (s *Serializer) Pad() {
	for i := 0; i < 3; i++ {
		s.sink.Put(opNop, "Padding")
	}
	for s.sink.Position()%heap.PointerSize != 0 {
		s.sink.Put(opNop, "Padding")
	}
}

// EncodeReservations lists the chunk sizes of every space. The last chunk
// of each space is flagged; the large object space carries one total.
func (s *Serializer) EncodeReservations() []Reservation {
	var out []Reservation
	for space := 0; space < heap.NumberOfPreallocatedSpaces; space++ {
		for _, c := range s.completedChunks[space] {
			out = append(out, NewReservation(c, false))
		}
		if s.pendingChunk[space] > 0 || len(s.completedChunks[space]) == 0 {
			out = append(out, NewReservation(s.pendingChunk[space], false))
		}
		out[len(out)-1] = out[len(out)-1].MarkLast()
	}
	return append(out, NewReservation(s.largeObjectsTotal, true))
}

// ---------------------------------------------------------------------------
// Object serializer
// ---------------------------------------------------------------------------

// objectSerializer writes the body of one new object. It visits the
// object's slots in order and fills the gaps between them with raw data.
type objectSerializer struct {
	s      *Serializer
	obj    heap.Address
	how    How
	within Within

	bytesProcessed int
	isCode         bool
	codeEmitted    bool
}

func newObjectSerializer(s *Serializer, obj heap.Address, how How, within Within) *objectSerializer {
	return &objectSerializer{s: s, obj: obj, how: how, within: within}
}

func (o *objectSerializer) Serialize() {
	h := o.s.h
	t := h.InstanceTypeOf(o.obj)
	if t == heap.ScriptType {
		// Line ends are recomputed on demand.
		o.s.mem.SetValue(o.obj+heap.ScriptLineEndsOffset, h.UndefinedValue())
	}
	if t.IsExternalString() && t != heap.NativeSourceStringType {
		o.serializeExternalString(t)
		return
	}
	space, _ := h.SpaceOf(o.obj)
	size := h.SizeOf(o.obj)
	o.isCode = t == heap.CodeType
	o.serializePrologue(space, size, h.Field(o.obj, heap.MapOffset))
	o.bytesProcessed = heap.PointerSize
	h.IterateBody(o.obj, o)
	o.outputRawData(o.obj+heap.Address(size), false)
}

func (o *objectSerializer) serializePrologue(space heap.AllocationSpace, size int, m heap.Value) {
	s := o.s
	t := s.h.MapInstanceType(m.Address())
	if s.trace {
		log.Debugf("encoding %s of %d bytes in %s space", t, size, space)
	}
	var b BackReference
	if space == heap.LOSpace {
		s.sink.Put(referenceOpcode(NewObject, o.how, o.within, space), "NewLargeObject")
		s.sink.PutInt(size>>heap.PointerSizeLog2, "ObjectSizeInWords")
		var executable byte
		if t == heap.CodeType {
			executable = 1
		}
		s.sink.Put(executable, "Executable")
		b = s.allocateLargeObject(size)
	} else {
		reserved := size
		doubleAlign := heap.NeedsDoubleAlignment(t)
		if doubleAlign {
			reserved += heap.PointerSize
		}
		b = s.allocate(space, reserved)
		s.sink.Put(referenceOpcode(NewObject, o.how, o.within, space), "NewObject")
		if doubleAlign {
			s.sink.PutInt(DoubleAlignmentSentinel, "DoubleAlignSentinel")
		}
		s.sink.PutInt(size>>heap.PointerSizeLog2, "ObjectSizeInWords")
	}
	s.backRefs.Add(o.obj, b)
	s.hot.Add(heap.FromAddress(o.obj))
	s.self.SerializeObject(m, Plain, StartOfObject, 0)
}

// serializeExternalString writes an embedder owned string as an ordinary
// sequential string. Its resource does not exist in the reading process.
func (o *objectSerializer) serializeExternalString(t heap.InstanceType) {
	s := o.s
	h := s.h
	oneByte, data := h.StringBytes(o.obj)
	var m heap.RootIndex
	switch internalized := t.IsInternalizedString(); {
	case oneByte && internalized:
		m = heap.OneByteInternalizedStringMapRootIndex
	case internalized:
		m = heap.InternalizedStringMapRootIndex
	case oneByte:
		m = heap.OneByteStringMapRootIndex
	default:
		m = heap.StringMapRootIndex
	}
	size := heap.RoundUp(heap.SeqStringHeaderSize+len(data), heap.PointerSize)
	space := heap.OldDataSpace
	if size > heap.MaxRegularHeapObjectSize {
		space = heap.LOSpace
	}
	o.serializePrologue(space, size, h.Root(m))

	body := make([]byte, size-heap.PointerSize)
	binary.LittleEndian.PutUint32(body[heap.StringLengthOffset-heap.PointerSize:], uint32(h.StringLength(o.obj)))
	binary.LittleEndian.PutUint32(body[heap.StringHashFieldOffset-heap.PointerSize:], heap.StringHash(h.StringContent(o.obj)))
	copy(body[heap.SeqStringHeaderSize-heap.PointerSize:], data)
	if skip := s.putRawData(body, "ExternalStringBody"); skip != 0 {
		s.FlushSkip(skip)
	}
}

// outputRawData writes the bytes between the last visited slot and upTo.
// With returnSkip the distance left to skip is returned for the caller to
// fold into its reference opcode.
func (o *objectSerializer) outputRawData(upTo heap.Address, returnSkip bool) int {
	s := o.s
	from := o.bytesProcessed
	upToOffset := int(upTo - o.obj)
	toSkip := upToOffset - from
	o.bytesProcessed = upToOffset
	if toSkip > 0 {
		switch {
		case o.isCode:
			// The whole remaining body goes out once, scrubbed. Later gaps
			// are only skipped over.
			if !o.codeEmitted {
				code := ScrubForSerialization(s.h, o.obj)
				s.sink.Put(opVariableRawData, "Code")
				s.sink.PutInt(len(code)-from, "length")
				s.sink.PutRaw(code[from:], "Code")
				o.codeEmitted = true
			}
		default:
			toSkip = s.putRawData(s.mem.Bytes(o.obj+heap.Address(from), toSkip), "Bytes")
		}
	}
	if toSkip != 0 && !returnSkip {
		s.sink.Put(opSkip, "Skip")
		s.sink.PutInt(toSkip, "SkipDistance")
		toSkip = 0
	}
	return toSkip
}

func (o *objectSerializer) VisitPointers(start, end heap.Address) {
	s := o.s
	mem := s.mem
	current := start
	for current < end {
		for current < end && mem.Value(current).IsSmi() {
			current += heap.PointerSize
		}
		if current < end {
			o.outputRawData(current, false)
		}
		for current < end && !mem.Value(current).IsSmi() {
			v := mem.Value(current)
			if current != start && v == mem.Value(current-heap.PointerSize) {
				if idx, ok := s.rootIndexMap.Lookup(v); ok && heap.RootIsImmortalImmovable(idx) {
					repeats := 1
					for current+heap.Address(repeats*heap.PointerSize) < end &&
						mem.Value(current+heap.Address(repeats*heap.PointerSize)) == v {
						repeats++
					}
					current += heap.Address(repeats * heap.PointerSize)
					o.bytesProcessed += repeats * heap.PointerSize
					if repeats > MaxFixedRepeats {
						s.sink.Put(opVariableRepeat, "VariableRepeat")
						s.sink.PutInt(repeats, "repeat count")
					} else {
						s.sink.Put(opFixedRepeat+byte(repeats-1), "FixedRepeat")
					}
					continue
				}
			}
			s.self.SerializeObject(v, Plain, StartOfObject, 0)
			o.bytesProcessed += heap.PointerSize
			current += heap.PointerSize
		}
	}
}

func (o *objectSerializer) VisitEmbeddedPointer(ri *heap.RelocInfo) {
	skip := o.outputRawData(ri.PC, true)
	o.s.self.SerializeObject(o.s.h.TargetObject(ri), Plain, StartOfObject, skip)
	o.bytesProcessed += heap.TargetAddressSize(ri.Mode)
}

func (o *objectSerializer) VisitCodeTarget(ri *heap.RelocInfo) {
	skip := o.outputRawData(ri.PC, true)
	target := heap.CodeFromEntry(o.s.h.TargetAddress(ri))
	o.s.self.SerializeObject(heap.FromAddress(target), FromCode, InnerPointer, skip)
	o.bytesProcessed += heap.TargetAddressSize(ri.Mode)
}

func (o *objectSerializer) VisitCell(ri *heap.RelocInfo) {
	skip := o.outputRawData(ri.PC, true)
	o.s.self.SerializeObject(heap.FromAddress(o.s.h.TargetCell(ri)), Plain, InnerPointer, skip)
	o.bytesProcessed += heap.TargetAddressSize(ri.Mode)
}

func (o *objectSerializer) VisitExternalReference(ri *heap.RelocInfo) {
	skip := o.outputRawData(ri.PC, true)
	o.s.putExternalReference(o.s.h.TargetAddress(ri), skip)
	o.bytesProcessed += heap.TargetAddressSize(ri.Mode)
}

func (o *objectSerializer) VisitRuntimeEntry(ri *heap.RelocInfo) {
	o.VisitExternalReference(ri)
}

func (o *objectSerializer) VisitCodeEntry(slot heap.Address) {
	skip := o.outputRawData(slot, true)
	entry := heap.Address(o.s.mem.Word(slot))
	o.s.self.SerializeObject(heap.FromAddress(heap.CodeFromEntry(entry)), Plain, InnerPointer, skip)
	o.bytesProcessed += heap.PointerSize
}

func (o *objectSerializer) VisitExternalReferenceSlot(slot heap.Address) {
	skip := o.outputRawData(slot, true)
	o.s.putExternalReference(heap.Address(o.s.mem.Word(slot)), skip)
	o.bytesProcessed += heap.PointerSize
}

// VisitExternalOneByteString handles natives sources, which every process
// has compiled in. They are written as an index.
func (o *objectSerializer) VisitExternalOneByteString(slot heap.Address) {
	s := o.s
	res := heap.Address(s.mem.Word(slot))
	i, ok := s.iso.NativesIndexOf(res)
	s.iso.Checkf(ok, "Serializer::VisitExternalOneByteString", "resource %#x is not a natives source", uint64(res))
	o.outputRawData(slot, false)
	s.sink.Put(opNativesStringResource, "NativesStringResource")
	s.sink.Put(byte(i), "NativesStringResourceIndex")
	o.bytesProcessed += heap.PointerSize
}
