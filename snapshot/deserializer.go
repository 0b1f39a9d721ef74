package snapshot

import (
	"errors"
	"fmt"
	"time"

	"github.com/chazu/heapsnap/handles"
	"github.com/chazu/heapsnap/heap"
	"github.com/chazu/heapsnap/isolate"
)

// ErrReservationFailed is returned when a code cache does not fit in the
// heap. Startup and context data treat the same condition as out of memory.
var ErrReservationFailed = errors.New("deserializer could not reserve space")

// Deserializer replays a stream written by one of the serializers into an
// isolate's heap. Every inconsistency in the stream is fatal.
type Deserializer struct {
	heap.NullVisitor

	iso    *isolate.Isolate
	h      *heap.Heap
	mem    *heap.Memory
	source *SnapshotByteSource

	encodedReservations []Reservation
	reservations        [heap.NumberOfSpaces][]uint32
	chunks              [heap.NumberOfSpaces][]heap.Chunk
	currentChunk        [heap.NumberOfPreallocatedSpaces]int
	highWater           [heap.NumberOfPreallocatedSpaces]heap.Address
	largeObjects        []heap.Address

	attached     []heap.Value
	hot          HotObjectsList
	externalRefs *isolate.ExternalReferenceTable

	deserializingUserCode bool

	// forward maps the address a back reference resolves to onto the
	// object that must be used instead: the aligned start of a double
	// aligned object or the canonical copy of an internalized string.
	forward map[heap.Address]heap.Value
}

func NewDeserializer(iso *isolate.Isolate, payload []byte, reservations []Reservation) *Deserializer {
	d := &Deserializer{
		iso:                 iso,
		h:                   iso.Heap(),
		mem:                 iso.Memory(),
		source:              NewSnapshotByteSource(payload),
		encodedReservations: reservations,
		externalRefs:        iso.ExternalReferenceTable(),
		forward:             make(map[heap.Address]heap.Value),
	}
	d.source.Fatal = iso.Fatal
	return d
}

// SetAttachedObjects supplies the objects the stream refers to by
// attachment index.
func (d *Deserializer) SetAttachedObjects(attached []heap.Value) { d.attached = attached }

// decodeReservations splits the flat reservation list by space. Each
// space ends at an entry flagged last.
func (d *Deserializer) decodeReservations() {
	space := 0
	for _, r := range d.encodedReservations {
		d.iso.Check(space < heap.NumberOfSpaces, "Deserializer::DecodeReservation", "too many reservations")
		d.reservations[space] = append(d.reservations[space], r.ChunkSize())
		if r.IsLast() {
			space++
		}
	}
	d.iso.Checkf(space == heap.NumberOfSpaces, "Deserializer::DecodeReservation",
		"reservations cover %d of %d spaces", space, heap.NumberOfSpaces)
}

func (d *Deserializer) reserveSpace() error {
	d.decodeReservations()
	chunks, err := d.h.ReserveSpace(d.reservations)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReservationFailed, err)
	}
	d.chunks = chunks
	for space := heap.FirstSpace; space <= heap.LastPreallocatedSpace; space++ {
		d.iso.Check(len(d.chunks[space]) > 0, "Deserializer::ReserveSpace", "space without reservation")
		d.highWater[space] = d.chunks[space][0].Start
	}
	return nil
}

// Deserialize fills an empty isolate from a startup snapshot.
func (d *Deserializer) Deserialize() {
	start := time.Now()
	iso := d.iso
	iso.Check(!iso.Initialized(), "Deserializer::Deserialize", "isolate already initialized")
	if err := d.reserveSpace(); err != nil {
		log.Errorf("%s", err)
		iso.FatalProcessOutOfMemory("Deserializer::ReserveSpace")
	}

	d.h.IterateSmiRoots(d)
	d.h.IterateStrongRoots(d)
	iso.IterateBuiltins(d)

	// The partial snapshot cache ends at the first undefined entry.
	undefined := d.h.UndefinedValue()
	for i := 0; ; i++ {
		slot := iso.PartialSnapshotCacheSlot(i)
		d.VisitPointers(slot, slot+heap.PointerSize)
		if d.mem.Value(slot) == undefined {
			break
		}
	}

	d.h.NativeContextsList = undefined
	d.h.ArrayBuffersList = undefined
	if d.h.AllocationSitesList == heap.FromSmi(0) {
		d.h.AllocationSitesList = undefined
	}
	d.checkAllocationsConsumed()
	d.flushICache()
	iso.MarkInitialized()

	if iso.Flags().ProfileDeserialization {
		log.Infof("deserializing startup snapshot took %s", time.Since(start))
	}
	log.Debugf("isolate %d deserialized: %s", iso.ID(), d.h.Stats())
}

// DeserializePartial reads a context snapshot. References to the global
// proxy resolve to globalProxy. It returns the context and the contexts
// that referred to the serialized global object.
func (d *Deserializer) DeserializePartial(globalProxy handles.Handle) (root, outdated handles.Handle) {
	start := time.Now()
	iso := d.iso
	iso.Check(iso.Initialized(), "Deserializer::DeserializePartial", "isolate not initialized")
	if err := d.reserveSpace(); err != nil {
		log.Errorf("%s", err)
		iso.FatalProcessOutOfMemory("Deserializer::ReserveSpace")
	}
	code := uint32(0)
	for _, size := range d.reservations[heap.CodeSpace] {
		code += size
	}
	iso.Check(code == 0, "Deserializer::DeserializePartial", "context snapshot contains code")

	d.attached = []heap.Value{globalProxy.Value()}
	root = iso.NewHandle(heap.FromSmi(0))
	d.VisitPointers(root.Location(), root.Location()+heap.PointerSize)
	outdated = iso.NewHandle(heap.FromSmi(0))
	d.VisitPointers(outdated.Location(), outdated.Location()+heap.PointerSize)
	iso.Check(outdated.Value().IsHeapObject() && d.h.InstanceTypeOf(outdated.Address()) == heap.FixedArrayType,
		"Deserializer::DeserializePartial", "outdated contexts must be a FixedArray")
	d.checkAllocationsConsumed()

	if iso.Flags().ProfileDeserialization {
		log.Infof("deserializing context snapshot took %s", time.Since(start))
	}
	return root, outdated
}

// DeserializeCode reads a code cache payload. Builtins and code stubs
// are resolved against this isolate.
func (d *Deserializer) DeserializeCode() (handles.Handle, error) {
	iso := d.iso
	d.deserializingUserCode = true
	if err := d.reserveSpace(); err != nil {
		return handles.Handle{}, err
	}
	iso.Check(len(d.attached) > 0, "Deserializer::DeserializeCode", "source string must be attached")
	result := iso.NewHandle(heap.FromSmi(0))
	d.VisitPointers(result.Location(), result.Location()+heap.PointerSize)
	iso.Check(result.Value().IsHeapObject() && d.h.InstanceTypeOf(result.Address()) == heap.SharedFunctionInfoType,
		"Deserializer::DeserializeCode", "code cache must hold a SharedFunctionInfo")
	d.checkAllocationsConsumed()
	d.flushICache()
	return result, nil
}

func (d *Deserializer) VisitPointers(start, end heap.Address) {
	d.readData(start, end, heap.NewSpace, 0)
}

// checkAllocationsConsumed verifies the stream used every reserved byte.
func (d *Deserializer) checkAllocationsConsumed() {
	for space := heap.FirstSpace; space <= heap.LastPreallocatedSpace; space++ {
		chunks := d.chunks[space]
		d.iso.Checkf(d.currentChunk[space] == len(chunks)-1, "Deserializer::CheckAllocations",
			"%s space used %d of %d chunks", space, d.currentChunk[space]+1, len(chunks))
		d.iso.Checkf(d.highWater[space] == chunks[len(chunks)-1].End, "Deserializer::CheckAllocations",
			"%s space chunk not filled", space)
	}
}

func (d *Deserializer) flushICache() {
	for _, c := range d.chunks[heap.CodeSpace] {
		if c.Start != 0 {
			d.h.FlushInstructionCache(c.Start, int(c.End-c.Start))
		}
	}
	for _, obj := range d.largeObjects {
		if d.h.InstanceTypeOf(obj) == heap.CodeType {
			d.h.FlushInstructionCache(obj, d.h.SizeOf(obj))
		}
	}
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

func (d *Deserializer) allocate(space heap.AllocationSpace, size int) heap.Address {
	iso := d.iso
	iso.Checkf(space <= heap.LastPreallocatedSpace, "Deserializer::Allocate", "invalid space %d", space)
	a := d.highWater[space]
	chunk := d.chunks[space][d.currentChunk[space]]
	iso.Checkf(a != 0 && a+heap.Address(size) <= chunk.End, "Deserializer::Allocate",
		"%d bytes exceed the %s space reservation", size, space)
	d.highWater[space] = a + heap.Address(size)
	return a
}

func (d *Deserializer) nextChunk(space heap.AllocationSpace) {
	iso := d.iso
	iso.Checkf(space <= heap.LastPreallocatedSpace, "Deserializer::NextChunk", "invalid space %d", space)
	cur := d.currentChunk[space]
	iso.Check(d.highWater[space] == d.chunks[space][cur].End, "Deserializer::NextChunk", "chunk not filled")
	cur++
	iso.Check(cur < len(d.chunks[space]), "Deserializer::NextChunk", "no more reserved chunks")
	d.currentChunk[space] = cur
	d.highWater[space] = d.chunks[space][cur].Start
}

func (d *Deserializer) getBackReferencedObject(space heap.AllocationSpace) heap.Value {
	iso := d.iso
	b := BackReferenceFrom(space, d.source.GetInt())
	var addr heap.Address
	if space == heap.LOSpace {
		i := b.LargeObjectIndex()
		iso.Checkf(i < len(d.largeObjects), "Deserializer::GetBackReferencedObject", "large object %d not read yet", i)
		addr = d.largeObjects[i]
	} else {
		ci := b.ChunkIndex()
		iso.Checkf(ci <= d.currentChunk[space], "Deserializer::GetBackReferencedObject", "chunk %d not reached", ci)
		c := d.chunks[space][ci]
		limit := c.End
		if ci == d.currentChunk[space] {
			limit = d.highWater[space]
		}
		addr = c.Start + heap.Address(b.ChunkOffset())
		iso.Checkf(c.Start != 0 && addr < limit, "Deserializer::GetBackReferencedObject",
			"back reference %s points past allocated data", b)
	}
	v := heap.FromAddress(addr)
	if f, ok := d.forward[addr]; ok {
		v = f
	}
	d.hot.Add(v)
	return v
}

// ---------------------------------------------------------------------------
// Reading
// ---------------------------------------------------------------------------

func (d *Deserializer) checkWrite(current heap.Address, n int, limit heap.Address) {
	d.iso.Checkf(current+heap.Address(n) <= limit, "Deserializer::ReadData",
		"%d bytes at %#x overrun the range ending at %#x", n, uint64(current), uint64(limit))
}

func (d *Deserializer) skip(current heap.Address, limit heap.Address) heap.Address {
	n := d.source.GetInt()
	d.checkWrite(current, n, limit)
	return current + heap.Address(n)
}

// readData fills [current, limit). host is the object being read, or zero
// for a root range.
func (d *Deserializer) readData(current, limit heap.Address, space heap.AllocationSpace, host heap.Address) {
	barrier := host != 0 && space != heap.NewSpace && space != heap.CellSpace &&
		space != heap.PropertyCellSpace && space != heap.CodeSpace && space != heap.OldDataSpace
	rangeStart := current
	src := d.source
	for current < limit {
		b := src.Get()
		op := DecodeOp(b)
		switch op.Kind {
		case OpReference:
			current = d.readReference(op, current, limit, barrier)
		case OpSkip:
			current = d.skip(current, limit)
		case OpNextChunk:
			d.nextChunk(heap.AllocationSpace(src.Get()))
		case OpSynchronize:
			d.iso.Fatal("Deserializer::ReadData", "unexpected synchronize tag")
		case OpNativesStringResource:
			i := int(src.Get())
			res, ok := d.iso.NativesResource(i)
			d.iso.Checkf(ok, "Deserializer::ReadData", "invalid natives index %d", i)
			d.checkWrite(current, heap.PointerSize, limit)
			d.mem.SetWord(current, uint64(res.Address))
			current += heap.PointerSize
		case OpVariableRepeat:
			current = d.repeat(current, rangeStart, limit, src.GetInt(), barrier)
		case OpFixedRepeat:
			current = d.repeat(current, rangeStart, limit, op.N, barrier)
		case OpNop:
		case OpVariableRawData:
			n := src.GetInt()
			d.checkWrite(current, n, limit)
			src.CopyRaw(d.mem.Bytes(current, n))
		case OpFixedRawData:
			n := op.N * heap.PointerSize
			d.checkWrite(current, n, limit)
			src.CopyRaw(d.mem.Bytes(current, n))
			current += heap.Address(n)
		case OpRootConstant:
			if op.WithSkip {
				current = d.skip(current, limit)
			}
			current = d.writeValue(current, limit, d.h.Root(heap.RootIndex(op.N)), barrier)
		case OpHotObject:
			if op.WithSkip {
				current = d.skip(current, limit)
			}
			v := d.hot.Get(op.N)
			d.iso.Checkf(v.IsHeapObject(), "Deserializer::ReadData", "hot object %d is empty", op.N)
			current = d.writeValue(current, limit, v, barrier)
		default:
			d.iso.Checkf(false, "Deserializer::ReadData", "invalid opcode %#02x at offset %d", b, src.Position()-1)
		}
	}
	d.iso.Checkf(current == limit, "Deserializer::ReadData", "read %d bytes past the range end", int(current-limit))
}

func (d *Deserializer) writeValue(current, limit heap.Address, v heap.Value, barrier bool) heap.Address {
	d.checkWrite(current, heap.PointerSize, limit)
	d.mem.SetValue(current, v)
	if barrier {
		d.h.RecordWrite(current, v)
	}
	return current + heap.PointerSize
}

func (d *Deserializer) repeat(current, rangeStart, limit heap.Address, n int, barrier bool) heap.Address {
	d.iso.Check(current > rangeStart, "Deserializer::ReadData", "repeat without a previous slot")
	d.checkWrite(current, n*heap.PointerSize, limit)
	v := d.mem.Value(current - heap.PointerSize)
	for i := 0; i < n; i++ {
		current = d.writeValue(current, limit, v, barrier)
	}
	return current
}

func (d *Deserializer) readReference(op Op, current, limit heap.Address, barrier bool) heap.Address {
	iso := d.iso
	src := d.source
	if op.Where == ExternalReference {
		current = d.skip(current, limit)
		id := src.GetInt()
		iso.Checkf(id < d.externalRefs.Size(), "Deserializer::ReadData", "invalid external reference %d", id)
		d.checkWrite(current, heap.PointerSize, limit)
		d.mem.SetWord(current, uint64(d.externalRefs.Address(id)))
		return current + heap.PointerSize
	}
	if op.Where == BackrefWithSkip {
		current = d.skip(current, limit)
	}

	var v heap.Value
	switch op.Where {
	case NewObject:
		v = d.readObject(op.Space)
	case Backref, BackrefWithSkip:
		v = d.getBackReferencedObject(op.Space)
	case RootArray:
		i := src.GetInt()
		iso.Checkf(i < int(heap.StrongRootListLength), "Deserializer::ReadData", "invalid root index %d", i)
		v = d.h.Root(heap.RootIndex(i))
	case PartialSnapshotCache:
		i := src.GetInt()
		iso.Checkf(i < iso.PartialSnapshotCacheLength(), "Deserializer::ReadData", "invalid partial snapshot cache index %d", i)
		v = iso.PartialSnapshotCacheEntry(i)
	case Builtin:
		iso.Check(d.deserializingUserCode, "Deserializer::ReadData", "builtin reference outside a code cache")
		i := src.GetInt()
		iso.Checkf(i < isolate.BuiltinCount, "Deserializer::ReadData", "invalid builtin %d", i)
		v = iso.BuiltinCode(isolate.Builtin(i))
	case AttachedReference:
		i := src.GetInt()
		iso.Checkf(i < len(d.attached), "Deserializer::ReadData", "invalid attached reference %d", i)
		v = d.attached[i]
	default:
		iso.Fatal("Deserializer::ReadData", "invalid reference kind "+op.Where.String())
	}

	var target heap.Address
	if op.Within == InnerPointer {
		iso.Check(v.IsHeapObject(), "Deserializer::ReadData", "inner pointer into a Smi")
		switch t := d.h.InstanceTypeOf(v.Address()); t {
		case heap.CodeType:
			target = v.Address() + heap.CodeHeaderSize
		case heap.CellType:
			target = v.Address() + heap.CellValueOffset
		default:
			iso.Fatal("Deserializer::ReadData", "inner pointer into "+t.String())
		}
	}
	if op.How == FromCode {
		iso.Check(op.Within == InnerPointer, "Deserializer::ReadData", "code targets are inner pointers")
		d.checkWrite(current, 4, limit)
		d.h.SetTargetAddress(current, heap.RelocCodeTarget, target)
		return current + 4
	}
	if op.Within == InnerPointer {
		d.checkWrite(current, heap.PointerSize, limit)
		d.mem.SetWord(current, uint64(target))
		return current + heap.PointerSize
	}
	return d.writeValue(current, limit, v, barrier)
}

// readObject allocates and fills one new object, returning the value
// references to it must use.
func (d *Deserializer) readObject(space heap.AllocationSpace) heap.Value {
	iso := d.iso
	src := d.source
	words := src.GetInt()
	doubleAlign := false
	if space != heap.LOSpace && words == DoubleAlignmentSentinel {
		doubleAlign = true
		words = src.GetInt()
	}
	iso.Check(words > 0, "Deserializer::ReadObject", "empty object")
	size := words << heap.PointerSizeLog2

	var addr heap.Address
	if space == heap.LOSpace {
		executable := src.Get() != 0
		a, err := d.h.AllocateLarge(size, executable)
		if err != nil {
			log.Errorf("large object of %d bytes: %s", size, err)
			iso.FatalProcessOutOfMemory("Deserializer::ReadObject")
		}
		d.largeObjects = append(d.largeObjects, a)
		addr = a
	} else {
		reserved := size
		if doubleAlign {
			reserved += heap.PointerSize
		}
		addr = d.allocate(space, reserved)
		if doubleAlign {
			aligned := d.h.EnsureDoubleAligned(addr, reserved)
			d.forward[addr] = heap.FromAddress(aligned)
			addr = aligned
		}
	}

	v := heap.FromAddress(addr)
	d.hot.Add(v)
	d.readData(addr, addr+heap.Address(size), space, addr)
	return d.postProcess(v, space)
}

// postProcess fixes up an object once all of its slots are read.
func (d *Deserializer) postProcess(v heap.Value, space heap.AllocationSpace) heap.Value {
	iso := d.iso
	h := d.h
	obj := v.Address()
	iso.Check(h.Field(obj, heap.MapOffset).IsHeapObject(), "Deserializer::PostProcess", "object without a map")
	t := h.InstanceTypeOf(obj)

	if t == heap.CodeType {
		iso.Checkf(space == heap.CodeSpace || space == heap.LOSpace, "Deserializer::PostProcess",
			"code in %s space", space)
	} else {
		iso.Checkf(space != heap.CodeSpace, "Deserializer::PostProcess", "%s in code space", t)
	}

	switch {
	case t == heap.AllocationSiteType:
		h.RelinkAllocationSite(obj)
	case t == heap.CodeType:
		d.fixupCode(obj)
	case t == heap.ScriptType && d.deserializingUserCode:
		h.SetField(obj, heap.ScriptIDOffset, heap.FromSmi(h.NextScriptID()))
	case t.IsExternalString():
		h.UpdateExternalStringDataCache(obj)
	case t.IsString():
		if d.deserializingUserCode {
			d.mem.SetUint32(obj+heap.StringHashFieldOffset, heap.StringHash(h.StringContent(obj)))
		}
	}

	if t.IsInternalizedString() {
		canonical := h.StringTable().LookupOrInsert(v)
		if canonical != v {
			d.forward[obj] = canonical
			d.hot.Replace(v, canonical)
			return canonical
		}
	}
	return v
}

// fixupCode restores what scrubbing removed: the entry cache and absolute
// internal references.
func (d *Deserializer) fixupCode(code heap.Address) {
	iso := d.iso
	entry := code + heap.CodeHeaderSize
	d.mem.SetWord(code+heap.CodeEntryCacheOffset, uint64(entry))
	n := uint64(d.h.CodeInstructionSize(code))
	for _, ri := range d.h.RelocInfos(code, heap.ModeMask(heap.RelocInternalReference)) {
		off := d.mem.Word(ri.PC)
		iso.Checkf(off <= n, "Deserializer::FixupCode", "internal reference %d past %d instruction bytes", off, n)
		d.mem.SetWord(ri.PC, uint64(entry)+off)
	}
}
