package heap

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("heapsnap.heap")

// ErrAllocationFailed is returned when the heap limit would be exceeded.
var ErrAllocationFailed = errors.New("allocation failed")

// ---------------------------------------------------------------------------
// Heap
// ---------------------------------------------------------------------------

type pagedSpace struct {
	id      AllocationSpace
	pages   []*Region
	current *Region
	size    int
}

// Chunk is a reserved run of memory [Start, End) in one space.
type Chunk struct {
	Start Address
	End   Address
}

// Heap owns the spaces, the roots table and the per-isolate string and
// external resource tables.
type Heap struct {
	mem     *Memory
	spaces  [NumberOfSpaces]*pagedSpace
	maxSize int

	roots      *Region
	rootsStart Address

	strings   *StringTable
	resources *ExternalResources

	storeBuffer map[Address]struct{}

	// Weak list heads. They are not part of the roots table.
	NativeContextsList  Value
	ArrayBuffersList    Value
	AllocationSitesList Value

	icacheFlushes int
	gcCount       int
	nextScriptID  int32
}

// New creates an empty heap. Roots are left zeroed until genesis or
// deserialization fills them in.
func New(mem *Memory, maxSize int) (*Heap, error) {
	h := &Heap{
		mem:         mem,
		maxSize:     maxSize,
		storeBuffer: make(map[Address]struct{}),
	}
	for i := range h.spaces {
		h.spaces[i] = &pagedSpace{id: AllocationSpace(i)}
	}
	roots, err := mem.Map(int(RootListLength)*PointerSize, RegionIsolateData)
	if err != nil {
		return nil, fmt.Errorf("mapping roots: %w", err)
	}
	h.roots = roots
	h.rootsStart = roots.Base
	h.strings = newStringTable(h)
	h.resources = newExternalResources(mem)
	h.NativeContextsList = FromSmi(0)
	h.ArrayBuffersList = FromSmi(0)
	h.AllocationSitesList = FromSmi(0)
	return h, nil
}

func (h *Heap) Memory() *Memory { return h.mem }

func (h *Heap) StringTable() *StringTable { return h.strings }

func (h *Heap) ExternalResources() *ExternalResources { return h.resources }

// ---------------------------------------------------------------------------
// Roots
// ---------------------------------------------------------------------------

// RootsStart is the address of the first root slot.
func (h *Heap) RootsStart() Address { return h.rootsStart }

// RootSlot returns the address of root i.
func (h *Heap) RootSlot(i RootIndex) Address {
	return h.rootsStart + Address(i)*PointerSize
}

func (h *Heap) Root(i RootIndex) Value { return h.mem.Value(h.RootSlot(i)) }

func (h *Heap) SetRoot(i RootIndex, v Value) { h.mem.SetValue(h.RootSlot(i), v) }

func (h *Heap) UndefinedValue() Value { return h.Root(UndefinedValueRootIndex) }

func (h *Heap) TheHoleValue() Value { return h.Root(TheHoleValueRootIndex) }

func (h *Heap) NullValue() Value { return h.Root(NullValueRootIndex) }

// IterateStrongRoots visits the strong root slots.
func (h *Heap) IterateStrongRoots(v ObjectVisitor) {
	v.VisitPointers(h.RootSlot(0), h.RootSlot(StrongRootListLength))
}

// IterateSmiRoots visits the Smi roots.
func (h *Heap) IterateSmiRoots(v ObjectVisitor) {
	v.VisitPointers(h.RootSlot(SmiRootsStart), h.RootSlot(RootListLength))
}

// NextScriptID hands out script ids.
func (h *Heap) NextScriptID() int32 {
	id := h.Root(LastScriptIDRootIndex).Smi() + 1
	h.SetRoot(LastScriptIDRootIndex, FromSmi(id))
	return id
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// Committed returns the bytes held by all spaces.
func (h *Heap) Committed() int {
	n := 0
	for _, s := range h.spaces {
		for _, p := range s.pages {
			n += len(p.Data)
		}
	}
	return n
}

// CanAllocate reports whether size more bytes fit under the heap limit.
func (h *Heap) CanAllocate(size int) bool {
	return h.maxSize <= 0 || h.Committed()+RoundUp(size, PageSize) <= h.maxSize
}

func (h *Heap) addPage(s *pagedSpace, size int) (*Region, error) {
	if !h.CanAllocate(size) {
		return nil, ErrAllocationFailed
	}
	kind := RegionHeapPage
	if s.id == LOSpace {
		kind = RegionLargeObject
	}
	r, err := h.mem.Map(size, kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}
	r.Space = s.id
	r.Executable = s.id == CodeSpace
	s.pages = append(s.pages, r)
	return r, nil
}

// AllocateRaw allocates size bytes in space. Oversized objects go to the
// large object space.
func (h *Heap) AllocateRaw(size int, space AllocationSpace) (Address, error) {
	size = RoundUp(size, ObjectAlignment)
	if space == LOSpace || size > MaxRegularHeapObjectSize {
		return h.AllocateLarge(size, space == CodeSpace)
	}
	return h.allocateRegular(size, space)
}

func (h *Heap) allocateRegular(size int, space AllocationSpace) (Address, error) {
	s := h.spaces[space]
	if s.current == nil || int(s.current.End()-s.current.top) < size {
		p, err := h.addPage(s, PageSize)
		if err != nil {
			return 0, err
		}
		s.current = p
	}
	a := s.current.top
	s.current.top += Address(size)
	s.size += size
	return a, nil
}

// AllocateLarge allocates one object on its own large object page.
func (h *Heap) AllocateLarge(size int, executable bool) (Address, error) {
	s := h.spaces[LOSpace]
	p, err := h.addPage(s, size)
	if err != nil {
		return 0, err
	}
	p.Executable = executable
	p.top = p.Base + Address(size)
	s.size += size
	return p.Base, nil
}

// ReserveSpace allocates every chunk of a reservation up front. Chunk
// sizes are in bytes. The large object space entry is checked against the
// heap limit only; its objects are allocated one by one later. Sizes are
// validated before anything is allocated, and a failed reservation leaves
// the heap as it was.
func (h *Heap) ReserveSpace(reservations [NumberOfSpaces][]uint32) ([NumberOfSpaces][]Chunk, error) {
	var chunks [NumberOfSpaces][]Chunk
	total, lo := 0, 0
	for space := FirstSpace; space <= LastPreallocatedSpace; space++ {
		for _, size := range reservations[space] {
			if int(size) > PageAreaSize(space) {
				return chunks, fmt.Errorf("%w: %s chunk of %d bytes exceeds page", ErrAllocationFailed, space, size)
			}
			total += int(size)
		}
	}
	for _, size := range reservations[LOSpace] {
		lo += int(size)
	}
	if !h.CanAllocate(total) || !h.CanAllocate(lo) {
		return chunks, ErrAllocationFailed
	}

	var marks [NumberOfSpaces]spaceMark
	for space := FirstSpace; space <= LastPreallocatedSpace; space++ {
		marks[space] = h.spaces[space].mark()
	}
	for space := FirstSpace; space <= LastPreallocatedSpace; space++ {
		for _, size := range reservations[space] {
			if size == 0 {
				chunks[space] = append(chunks[space], Chunk{})
				continue
			}
			a, err := h.allocateRegular(int(size), space)
			if err != nil {
				for s := FirstSpace; s <= LastPreallocatedSpace; s++ {
					h.rewind(h.spaces[s], marks[s])
				}
				return [NumberOfSpaces][]Chunk{}, err
			}
			chunks[space] = append(chunks[space], Chunk{Start: a, End: a + Address(size)})
		}
	}
	return chunks, nil
}

// spaceMark records a paged space's allocation state.
type spaceMark struct {
	pages   int
	current *Region
	top     Address
	size    int
}

func (s *pagedSpace) mark() spaceMark {
	m := spaceMark{pages: len(s.pages), current: s.current, size: s.size}
	if s.current != nil {
		m.top = s.current.top
	}
	return m
}

// rewind releases everything s allocated since m was taken.
func (h *Heap) rewind(s *pagedSpace, m spaceMark) {
	for _, p := range s.pages[m.pages:] {
		h.mem.Unmap(p)
	}
	s.pages = s.pages[:m.pages]
	s.current = m.current
	if s.current != nil {
		s.current.top = m.top
	}
	s.size = m.size
}

// SpaceOf returns the space holding a.
func (h *Heap) SpaceOf(a Address) (AllocationSpace, bool) {
	r := h.mem.RegionOf(a)
	if r == nil || (r.Kind != RegionHeapPage && r.Kind != RegionLargeObject) {
		return 0, false
	}
	return r.Space, true
}

// Contains reports whether a lies in any space.
func (h *Heap) Contains(a Address) bool {
	_, ok := h.SpaceOf(a)
	return ok
}

// InNewSpace reports whether v points into new space.
func (h *Heap) InNewSpace(v Value) bool {
	if !v.IsHeapObject() {
		return false
	}
	s, ok := h.SpaceOf(v.Address())
	return ok && s == NewSpace
}

// CreateFillerObjectAt turns [a, a+size) into a filler so the page stays
// iterable.
func (h *Heap) CreateFillerObjectAt(a Address, size int) {
	m := h.Root(OnePointerFillerMapRootIndex)
	if !m.IsHeapObject() {
		m = FromSmi(0)
	}
	for off := 0; off < size; off += PointerSize {
		h.mem.SetValue(a+Address(off), m)
	}
}

// RecordWrite is the write barrier: old-to-new slots go to the store buffer.
func (h *Heap) RecordWrite(slot Address, v Value) {
	if !h.InNewSpace(v) {
		return
	}
	if s, ok := h.SpaceOf(slot); ok && s == NewSpace {
		return
	}
	h.storeBuffer[slot] = struct{}{}
}

// InStoreBuffer reports whether slot was recorded by the write barrier.
func (h *Heap) InStoreBuffer(slot Address) bool {
	_, ok := h.storeBuffer[slot]
	return ok
}

// FlushInstructionCache marks freshly written code as executable.
func (h *Heap) FlushInstructionCache(start Address, size int) {
	h.icacheFlushes++
}

// InstructionCacheFlushes counts flushes since the heap was created.
func (h *Heap) InstructionCacheFlushes() int { return h.icacheFlushes }

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

// Stats is a best effort dump of heap usage, taken on out-of-memory.
type Stats struct {
	SpaceSize      [NumberOfSpaces]int
	SpacePages     [NumberOfSpaces]int
	Committed      int
	MaxSize        int
	GCCount        int
	StringTableLen int
}

// Stats snapshots the heap's usage.
func (h *Heap) Stats() *Stats {
	st := &Stats{Committed: h.Committed(), MaxSize: h.maxSize, GCCount: h.gcCount, StringTableLen: h.strings.Len()}
	for i, s := range h.spaces {
		st.SpaceSize[i] = s.size
		st.SpacePages[i] = len(s.pages)
	}
	return st
}

func (st *Stats) String() string {
	s := fmt.Sprintf("committed %d of %d bytes, %d collections, %d strings;", st.Committed, st.MaxSize, st.GCCount, st.StringTableLen)
	for i := 0; i < NumberOfSpaces; i++ {
		s += fmt.Sprintf(" %s=%d/%dp", AllocationSpace(i), st.SpaceSize[i], st.SpacePages[i])
	}
	return s
}
