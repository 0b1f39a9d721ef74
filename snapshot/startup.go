package snapshot

import (
	"github.com/chazu/heapsnap/heap"
	"github.com/chazu/heapsnap/isolate"
)

// StartupSerializer writes the isolate-wide part of a snapshot: the roots,
// the builtins and every object a context serializer routes through the
// partial snapshot cache.
type StartupSerializer struct {
	*Serializer

	rootWaveFront heap.RootIndex
}

// NewStartupSerializer clears the partial snapshot cache; context
// serializers sharing this serializer refill it.
func NewStartupSerializer(iso *isolate.Isolate, sink *SnapshotByteSink) *StartupSerializer {
	iso.ClearPartialSnapshotCache()
	s := &StartupSerializer{Serializer: newSerializer(iso, sink)}
	s.self = s
	return s
}

// SerializeStrongReferences writes the Smi roots, the strong roots and the
// builtins. Weak and eternal handles cannot be represented in a snapshot.
func (s *StartupSerializer) SerializeStrongReferences() {
	iso := s.iso
	iso.Check(iso.GlobalHandles().NumberOfWeakHandles() == 0,
		"StartupSerializer::SerializeStrongReferences", "weak global handles cannot be serialized")
	iso.Check(iso.EternalHandles().NumberOfHandles() == 0,
		"StartupSerializer::SerializeStrongReferences", "eternal handles cannot be serialized")
	s.h.IterateSmiRoots(s)
	s.h.IterateStrongRoots(s)
	iso.IterateBuiltins(s)
}

// SerializeWeakReferences terminates the partial snapshot cache and ends
// the stream.
func (s *StartupSerializer) SerializeWeakReferences() {
	s.serializeValue(s.h.UndefinedValue())
	s.Pad()
	log.Infof("startup snapshot: %d bytes, %d objects, %d partial cache entries",
		s.sink.Position(), s.backRefs.Len(), s.iso.PartialSnapshotCacheLength())
}

// shouldBeSkipped reports root slots that hold process specific values.
func (s *StartupSerializer) shouldBeSkipped(slot heap.Address) bool {
	h := s.h
	return slot == h.RootSlot(heap.StackLimitRootIndex) ||
		slot == h.RootSlot(heap.RealStackLimitRootIndex) ||
		slot == h.RootSlot(heap.StoreBufferTopRootIndex)
}

func (s *StartupSerializer) VisitPointers(start, end heap.Address) {
	roots := start == s.h.RootsStart()
	for current := start; current < end; current += heap.PointerSize {
		if roots {
			s.rootWaveFront = max(s.rootWaveFront, heap.RootIndex((current-start)/heap.PointerSize))
		}
		v := s.mem.Value(current)
		switch {
		case s.shouldBeSkipped(current):
			s.sink.Put(opSkip, "Skip")
			s.sink.PutInt(heap.PointerSize, "SkipOneWord")
		case v.IsSmi():
			s.serializeValue(v)
		default:
			s.SerializeObject(v, Plain, StartOfObject, 0)
		}
	}
}

func (s *StartupSerializer) SerializeObject(v heap.Value, how How, within Within, skip int) {
	h := s.h
	obj := v.Address()
	t := h.InstanceTypeOf(obj)
	s.iso.Check(t != heap.JSFunctionType, "StartupSerializer::SerializeObject", "functions belong in a context snapshot")
	if t == heap.CodeType && h.CodeKindOf(obj) == heap.FunctionCode {
		// Unoptimized function code is recompiled lazily.
		v = s.iso.BuiltinCode(isolate.BuiltinCompileLazy)
		obj = v.Address()
	}

	if idx, ok := s.rootIndexMap.Lookup(v); ok && idx < s.rootWaveFront {
		s.PutRoot(idx, v, how, within, skip)
		return
	}
	if s.serializeKnownObject(v, how, within, skip) {
		return
	}
	s.FlushSkip(skip)
	newObjectSerializer(s.Serializer, obj, how, within).Serialize()
}
