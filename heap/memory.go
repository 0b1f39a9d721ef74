package heap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// ---------------------------------------------------------------------------
// Simulated address space
// ---------------------------------------------------------------------------

const (
	PageSizeBits = 16
	PageSize     = 1 << PageSizeBits
	pageMask     = PageSize - 1
)

// RegionKind classifies a mapped region.
type RegionKind uint8

const (
	RegionHeapPage RegionKind = iota
	RegionLargeObject
	RegionIsolateData
	RegionHandleBlock
	RegionNativeCode
	RegionExternal
)

func (k RegionKind) String() string {
	switch k {
	case RegionHeapPage:
		return "heap-page"
	case RegionLargeObject:
		return "large-object"
	case RegionIsolateData:
		return "isolate-data"
	case RegionHandleBlock:
		return "handle-block"
	case RegionNativeCode:
		return "native-code"
	case RegionExternal:
		return "external"
	}
	return "unknown"
}

// Region is one page-aligned mapping.
type Region struct {
	Base  Address
	Data  []byte
	Kind  RegionKind
	Space AllocationSpace

	// top is the bump pointer for heap pages.
	top        Address
	Executable bool
}

// End returns the first address past the region.
func (r *Region) End() Address { return r.Base + Address(len(r.Data)) }

// Contains reports whether a lies in the region.
func (r *Region) Contains(a Address) bool { return a >= r.Base && a < r.End() }

// MemoryFault is the panic value raised for an access to unmapped memory.
type MemoryFault struct {
	Addr Address
	Size int
}

func (f *MemoryFault) Error() string {
	return fmt.Sprintf("memory fault: %d byte access at %#x", f.Size, uint64(f.Addr))
}

// ErrAddressSpaceExhausted is returned when a mapping would exceed the
// memory's configured limit.
var ErrAddressSpaceExhausted = errors.New("address space exhausted")

// Memory is the address space of one isolate. Each isolate gets its own,
// based at a different address, so raw addresses never carry over between
// isolates.
type Memory struct {
	pages  map[uint64]*Region
	next   Address
	mapped int
	limit  int
}

// NewMemory creates an address space. A zero seed picks a random base.
func NewMemory(seed int64, limit int) *Memory {
	if seed == 0 {
		seed = rand.Int63()
	}
	r := rand.New(rand.NewSource(seed))
	// Keep bases well inside 47 bits and page aligned.
	base := Address(0x100000000 + (r.Uint64()%0x3fff0000)<<PageSizeBits)
	return &Memory{
		pages: make(map[uint64]*Region),
		next:  base,
		limit: limit,
	}
}

// Map creates a fresh region of at least size bytes followed by an
// unmapped guard page.
func (m *Memory) Map(size int, kind RegionKind) (*Region, error) {
	size = RoundUp(size, PageSize)
	if m.limit > 0 && m.mapped+size > m.limit {
		return nil, ErrAddressSpaceExhausted
	}
	r := &Region{Base: m.next, Data: make([]byte, size), Kind: kind}
	r.top = r.Base
	for p := uint64(r.Base) >> PageSizeBits; p < uint64(r.End())>>PageSizeBits; p++ {
		m.pages[p] = r
	}
	m.next = r.End() + PageSize
	m.mapped += size
	return r, nil
}

// Unmap removes a region. Later accesses fault.
func (m *Memory) Unmap(r *Region) {
	for p := uint64(r.Base) >> PageSizeBits; p < uint64(r.End())>>PageSizeBits; p++ {
		delete(m.pages, p)
	}
	m.mapped -= len(r.Data)
	r.Data = nil
}

// Mapped returns the number of mapped bytes.
func (m *Memory) Mapped() int { return m.mapped }

// RegionOf returns the region containing a, or nil.
func (m *Memory) RegionOf(a Address) *Region {
	return m.pages[uint64(a)>>PageSizeBits]
}

// Bytes returns the n bytes at a, aliasing memory.
func (m *Memory) Bytes(a Address, n int) []byte {
	r := m.RegionOf(a)
	if r == nil || n < 0 || a+Address(n) > r.End() {
		panic(&MemoryFault{Addr: a, Size: n})
	}
	off := int(a - r.Base)
	return r.Data[off : off+n]
}

func (m *Memory) Word(a Address) uint64 {
	return binary.LittleEndian.Uint64(m.Bytes(a, 8))
}

func (m *Memory) SetWord(a Address, w uint64) {
	binary.LittleEndian.PutUint64(m.Bytes(a, 8), w)
}

func (m *Memory) Value(a Address) Value { return Value(m.Word(a)) }

func (m *Memory) SetValue(a Address, v Value) { m.SetWord(a, uint64(v)) }

func (m *Memory) Uint32(a Address) uint32 {
	return binary.LittleEndian.Uint32(m.Bytes(a, 4))
}

func (m *Memory) SetUint32(a Address, v uint32) {
	binary.LittleEndian.PutUint32(m.Bytes(a, 4), v)
}

func (m *Memory) Uint16(a Address) uint16 {
	return binary.LittleEndian.Uint16(m.Bytes(a, 2))
}

func (m *Memory) SetUint16(a Address, v uint16) {
	binary.LittleEndian.PutUint16(m.Bytes(a, 2), v)
}

func (m *Memory) Byte(a Address) byte { return m.Bytes(a, 1)[0] }

func (m *Memory) SetByte(a Address, b byte) { m.Bytes(a, 1)[0] = b }

func (m *Memory) Float64(a Address) float64 {
	return math.Float64frombits(m.Word(a))
}

func (m *Memory) SetFloat64(a Address, f float64) {
	m.SetWord(a, math.Float64bits(f))
}

// Copy copies n bytes from src to dst.
func (m *Memory) Copy(dst, src Address, n int) {
	copy(m.Bytes(dst, n), m.Bytes(src, n))
}

// Fill writes v into every word of [start, end).
func (m *Memory) Fill(start, end Address, v Value) {
	for a := start; a < end; a += PointerSize {
		m.SetValue(a, v)
	}
}
