package snapshot

import (
	"github.com/chazu/heapsnap/heap"
	"github.com/chazu/heapsnap/isolate"
)

// PartialSerializer writes one context. Objects every context shares go
// through the partial snapshot cache into the startup stream instead.
type PartialSerializer struct {
	*Serializer

	startup      *StartupSerializer
	globalObject heap.Value
	cacheIndex   map[heap.Value]int

	outdatedContexts []BackReference
}

func NewPartialSerializer(iso *isolate.Isolate, startup *StartupSerializer, sink *SnapshotByteSink) *PartialSerializer {
	iso.Check(iso.PartialSnapshotCacheLength() == 0, "PartialSerializer::PartialSerializer",
		"partial snapshot cache must be empty")
	p := &PartialSerializer{
		Serializer: newSerializer(iso, sink),
		startup:    startup,
		cacheIndex: make(map[heap.Value]int),
	}
	p.self = p
	return p
}

// Serialize writes the object graph of v followed by the contexts that
// still refer to its global object.
func (p *PartialSerializer) Serialize(v heap.Value) {
	if v.IsHeapObject() && p.h.InstanceTypeOf(v.Address()).IsContext() {
		p.globalObject = p.iso.GlobalObject(v)
		if p.h.InstanceTypeOf(v.Address()) == heap.NativeContextType {
			p.backRefs.AddGlobalProxy(p.iso.GlobalProxy(v).Address())
		}
	}
	p.serializeValue(v)
	p.serializeOutdatedContexts()
	p.Pad()
	log.Infof("context snapshot: %d bytes, %d objects, %d outdated contexts",
		p.sink.Position(), p.backRefs.Len(), len(p.outdatedContexts))
}

// serializeOutdatedContexts writes a FixedArray of back references that
// exists only in the stream.
func (p *PartialSerializer) serializeOutdatedContexts() {
	n := len(p.outdatedContexts)
	if n == 0 {
		p.SerializeObject(p.h.Root(heap.EmptyFixedArrayRootIndex), Plain, StartOfObject, 0)
		return
	}
	size := heap.FixedArrayHeaderSize + n*heap.PointerSize
	p.allocate(heap.NewSpace, size)
	p.sink.Put(referenceOpcode(NewObject, Plain, StartOfObject, heap.NewSpace), "EmulatedFixedArray")
	p.sink.PutInt(size>>heap.PointerSizeLog2, "ObjectSizeInWords")
	p.SerializeObject(p.h.Root(heap.FixedArrayMapRootIndex), Plain, StartOfObject, 0)
	p.serializeValue(heap.FromSmi(int32(n)))
	for _, b := range p.outdatedContexts {
		p.sink.Put(referenceOpcode(Backref, Plain, StartOfObject, b.Space()), "BackRef")
		p.sink.PutInt(b.Reference(), "BackRefValue")
	}
}

// shouldBeInThePartialSnapshotCache selects objects every context shares.
func shouldBeInThePartialSnapshotCache(t heap.InstanceType) bool {
	switch t {
	case heap.SharedFunctionInfoType, heap.HeapNumberType, heap.CodeType, heap.ForeignType:
		return true
	}
	return t.IsString()
}

func (p *PartialSerializer) partialSnapshotCacheIndex(v heap.Value) int {
	if i, ok := p.cacheIndex[v]; ok {
		return i
	}
	i := p.iso.AppendPartialSnapshotCache(v)
	p.cacheIndex[v] = i
	slot := p.iso.PartialSnapshotCacheSlot(i)
	p.startup.VisitPointers(slot, slot+heap.PointerSize)
	return i
}

func (p *PartialSerializer) SerializeObject(v heap.Value, how How, within Within, skip int) {
	h := p.h
	obj := v.Address()
	t := h.InstanceTypeOf(obj)
	if t == heap.MapType {
		p.iso.Check(h.Field(obj, heap.MapCodeCacheOffset) == h.Root(heap.EmptyFixedArrayRootIndex),
			"PartialSerializer::SerializeObject", "map code caches cannot be serialized")
	}
	if t == heap.JSTypedArrayType {
		v = h.UndefinedValue()
		obj = v.Address()
		t = heap.OddballType
	}

	if idx, ok := p.rootIndexMap.Lookup(v); ok {
		p.PutRoot(idx, v, how, within, skip)
		return
	}
	if shouldBeInThePartialSnapshotCache(t) {
		p.FlushSkip(skip)
		i := p.partialSnapshotCacheIndex(v)
		p.sink.Put(referenceOpcode(PartialSnapshotCache, how, within, 0), "PartialSnapshotCache")
		p.sink.PutInt(i, "partial_snapshot_cache_index")
		return
	}
	p.iso.Checkf(!p.startup.backRefs.Lookup(obj).IsValid(), "PartialSerializer::SerializeObject",
		"%s at %s is only reachable through the startup snapshot", t, v)
	if p.serializeKnownObject(v, how, within, skip) {
		return
	}
	p.FlushSkip(skip)
	newObjectSerializer(p.Serializer, obj, how, within).Serialize()

	if t.IsContext() && p.iso.GlobalObject(v) == p.globalObject {
		p.outdatedContexts = append(p.outdatedContexts, p.backRefs.Lookup(obj))
	}
}
