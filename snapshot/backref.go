package snapshot

import (
	"fmt"

	"github.com/chazu/heapsnap/heap"
	"github.com/chazu/heapsnap/isolate"
)

// ---------------------------------------------------------------------------
// Back references
// ---------------------------------------------------------------------------

// BackReference locates an object allocated earlier in the same stream:
// space, reserved chunk and word offset for the paged spaces, a running
// index for large objects.
type BackReference uint32

const (
	chunkOffsetBits = 13
	chunkIndexBits  = 16
	spaceShift      = chunkOffsetBits + chunkIndexBits

	chunkOffsetMask = 1<<chunkOffsetBits - 1
	chunkIndexMask  = 1<<chunkIndexBits - 1
	referenceMask   = 1<<spaceShift - 1
)

const (
	InvalidBackReference     BackReference = 0xffffffff
	SourceBackReference      BackReference = 0xfffffffe
	GlobalProxyBackReference BackReference = 0xfffffffd
)

// RegularBackReference addresses byte offset within chunk of space.
func RegularBackReference(space heap.AllocationSpace, chunk, offset int) BackReference {
	return BackReference(uint32(space)<<spaceShift | uint32(chunk)<<chunkOffsetBits | uint32(offset>>heap.PointerSizeLog2))
}

// LargeObjectBackReference addresses the index-th large object.
func LargeObjectBackReference(index int) BackReference {
	return BackReference(uint32(heap.LOSpace)<<spaceShift | uint32(index))
}

// BackReferenceFrom rebuilds a reference from its space and the value
// written to the stream.
func BackReferenceFrom(space heap.AllocationSpace, reference int) BackReference {
	return BackReference(uint32(space)<<spaceShift | uint32(reference)&referenceMask)
}

func (b BackReference) IsValid() bool       { return b != InvalidBackReference }
func (b BackReference) IsSource() bool      { return b == SourceBackReference }
func (b BackReference) IsGlobalProxy() bool { return b == GlobalProxyBackReference }

func (b BackReference) Space() heap.AllocationSpace { return heap.AllocationSpace(b >> spaceShift) }

// Reference is the value written to the stream; the space travels in the
// opcode.
func (b BackReference) Reference() int { return int(b & referenceMask) }

func (b BackReference) ChunkIndex() int { return int(b>>chunkOffsetBits) & chunkIndexMask }

// ChunkOffset is the byte offset within the chunk.
func (b BackReference) ChunkOffset() int { return int(b&chunkOffsetMask) << heap.PointerSizeLog2 }

func (b BackReference) LargeObjectIndex() int { return int(b & referenceMask) }

func (b BackReference) String() string {
	switch {
	case !b.IsValid():
		return "invalid"
	case b.IsSource():
		return "source"
	case b.IsGlobalProxy():
		return "global-proxy"
	case b.Space() == heap.LOSpace:
		return fmt.Sprintf("large-object #%d", b.LargeObjectIndex())
	}
	return fmt.Sprintf("%s chunk %d offset %d", b.Space(), b.ChunkIndex(), b.ChunkOffset())
}

// BackReferenceMap records where each serialized object was allocated.
type BackReferenceMap struct {
	m map[heap.Address]BackReference
}

func NewBackReferenceMap() *BackReferenceMap {
	return &BackReferenceMap{m: make(map[heap.Address]BackReference)}
}

// Lookup returns InvalidBackReference for objects not yet serialized.
func (m *BackReferenceMap) Lookup(obj heap.Address) BackReference {
	if b, ok := m.m[obj]; ok {
		return b
	}
	return InvalidBackReference
}

func (m *BackReferenceMap) Add(obj heap.Address, b BackReference) { m.m[obj] = b }

// AddSourceString marks the source of serialized code, which the reader
// supplies itself.
func (m *BackReferenceMap) AddSourceString(obj heap.Address) { m.m[obj] = SourceBackReference }

func (m *BackReferenceMap) AddGlobalProxy(obj heap.Address) { m.m[obj] = GlobalProxyBackReference }

func (m *BackReferenceMap) Len() int { return len(m.m) }

// ---------------------------------------------------------------------------
// Hot objects
// ---------------------------------------------------------------------------

// HotObjectsSize is the number of recently used objects both sides track.
const HotObjectsSize = 8

// HotObjectsList is a ring of the most recently serialized or referenced
// objects. Writer and reader update it at the same points of the stream.
type HotObjectsList struct {
	entries [HotObjectsSize]heap.Value
	index   int
}

func (l *HotObjectsList) Add(v heap.Value) {
	l.entries[l.index] = v
	l.index = (l.index + 1) & (HotObjectsSize - 1)
}

func (l *HotObjectsList) Get(i int) heap.Value { return l.entries[i] }

// Replace points every entry holding old at v instead.
func (l *HotObjectsList) Replace(old, v heap.Value) {
	for i, e := range l.entries {
		if e == old {
			l.entries[i] = v
		}
	}
}

// Find returns the index of v, or -1.
func (l *HotObjectsList) Find(v heap.Value) int {
	for i, e := range l.entries {
		if e == v && v != 0 {
			return i
		}
	}
	return -1
}

// ---------------------------------------------------------------------------
// Root index map
// ---------------------------------------------------------------------------

// RootIndexMap finds the root index of a constant root object. When an
// object is stored in several roots the lowest index wins.
type RootIndexMap struct {
	m map[heap.Value]heap.RootIndex
}

func NewRootIndexMap(h *heap.Heap) *RootIndexMap {
	r := &RootIndexMap{m: make(map[heap.Value]heap.RootIndex)}
	for i := heap.RootIndex(0); i < heap.StrongRootListLength; i++ {
		if !heap.RootCanBeTreatedAsConstant(i) {
			continue
		}
		v := h.Root(i)
		if !v.IsHeapObject() {
			continue
		}
		if _, ok := r.m[v]; !ok {
			r.m[v] = i
		}
	}
	return r
}

func (r *RootIndexMap) Lookup(v heap.Value) (heap.RootIndex, bool) {
	i, ok := r.m[v]
	return i, ok
}

// ---------------------------------------------------------------------------
// External references
// ---------------------------------------------------------------------------

// ExternalReferenceEncoder maps process addresses to their portable table
// index.
type ExternalReferenceEncoder struct {
	iso   *isolate.Isolate
	table *isolate.ExternalReferenceTable
}

func NewExternalReferenceEncoder(iso *isolate.Isolate) *ExternalReferenceEncoder {
	return &ExternalReferenceEncoder{iso: iso, table: iso.ExternalReferenceTable()}
}

// Encode returns the table index of addr. An address outside the table
// cannot be serialized.
func (e *ExternalReferenceEncoder) Encode(addr heap.Address) int {
	i, ok := e.table.IndexOf(addr)
	e.iso.Checkf(ok, "ExternalReferenceEncoder::Encode", "unknown external reference %#x", uint64(addr))
	return i
}

// NameOfAddress is for tracing.
func (e *ExternalReferenceEncoder) NameOfAddress(addr heap.Address) string {
	if i, ok := e.table.IndexOf(addr); ok {
		return e.table.Name(i)
	}
	return "<unknown>"
}
