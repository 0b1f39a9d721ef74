package isolate

import (
	"fmt"

	"github.com/chazu/heapsnap/heap"
)

// MajorKey selects a code stub generator.
type MajorKey uint8

const (
	MajorNoCache MajorKey = iota
	MajorLoadICStub
	MajorStoreICStub
	MajorCallFunction
	MajorStringAdd
	MajorToNumber
	MajorBinaryOpIC
	majorKeyCount
)

var majorKeyNames = [majorKeyCount]string{
	"NoCache", "LoadICStub", "StoreICStub", "CallFunction", "StringAdd", "ToNumber", "BinaryOpIC",
}

func (m MajorKey) String() string {
	if m < majorKeyCount {
		return majorKeyNames[m]
	}
	return fmt.Sprintf("MajorKey(%d)", int(m))
}

// StubKey identifies a generated stub by major key and minor parameters.
// It is stable across processes.
type StubKey uint32

// NoCacheKey marks code that was not produced by a cacheable stub.
const NoCacheKey StubKey = 0

func MakeStubKey(major MajorKey, minor uint32) StubKey {
	return StubKey(uint32(major) | minor<<8)
}

func (k StubKey) Major() MajorKey { return MajorKey(k & 0xff) }

func (k StubKey) Minor() uint32 { return uint32(k) >> 8 }

func (k StubKey) String() string {
	return fmt.Sprintf("%s/%d", k.Major(), k.Minor())
}

func stubKind(m MajorKey) heap.CodeKind {
	switch m {
	case MajorLoadICStub:
		return heap.LoadICCode
	case MajorStoreICStub:
		return heap.StoreICCode
	case MajorBinaryOpIC:
		return heap.BinaryOpICCode
	}
	return heap.StubCode
}

var stubRuntime = map[MajorKey]string{
	MajorLoadICStub:   "LoadIC_Miss",
	MajorStoreICStub:  "StoreIC_Miss",
	MajorCallFunction: "CallIC_Miss",
	MajorStringAdd:    "StringAdd",
	MajorToNumber:     "ToNumber",
	MajorBinaryOpIC:   "NumberToString",
}

// CodeStubs caches generated stubs by key. The cached code objects are
// strong roots.
type CodeStubs struct {
	iso    *Isolate
	region *heap.Region
	slots  map[StubKey]int
	keys   []StubKey
}

const stubTableCap = heap.PageSize / heap.PointerSize

func newCodeStubs(iso *Isolate) (*CodeStubs, error) {
	r, err := iso.mem.Map(stubTableCap*heap.PointerSize, heap.RegionIsolateData)
	if err != nil {
		return nil, fmt.Errorf("mapping stub table: %w", err)
	}
	return &CodeStubs{iso: iso, region: r, slots: make(map[StubKey]int)}, nil
}

func (s *CodeStubs) slot(i int) heap.Address {
	return s.region.Base + heap.Address(i)*heap.PointerSize
}

// Len is the number of cached stubs.
func (s *CodeStubs) Len() int { return len(s.keys) }

// Get returns the cached stub for key.
func (s *CodeStubs) Get(key StubKey) (heap.Value, bool) {
	i, ok := s.slots[key]
	if !ok {
		return 0, false
	}
	return s.iso.mem.Value(s.slot(i)), true
}

// GetCode returns the stub for key, generating it on a miss.
func (s *CodeStubs) GetCode(key StubKey) heap.Value {
	if v, ok := s.Get(key); ok {
		return v
	}
	s.iso.Check(key != NoCacheKey && key.Major() < majorKeyCount, "CodeStub::GetCode", "invalid stub key "+key.String())
	s.iso.Check(len(s.keys) < stubTableCap, "CodeStub::GetCode", "stub table full")
	code, err := s.generate(key)
	if err != nil {
		s.iso.FatalProcessOutOfMemory("CodeStub::GetCode")
	}
	i := len(s.keys)
	s.keys = append(s.keys, key)
	s.slots[key] = i
	s.iso.mem.SetValue(s.slot(i), heap.FromAddress(code))
	return heap.FromAddress(code)
}

func (s *CodeStubs) generate(key StubKey) (heap.Address, error) {
	iso := s.iso
	a := heap.NewAssembler()
	a.Prologue()
	a.MoveExternal(heap.RelocRuntimeEntry, iso.RuntimeFunctionAddress(stubRuntime[key.Major()]))
	a.Nop(1 + int(key.Minor()%4))
	a.Call(iso.BuiltinCode(BuiltinIllegal))
	a.Epilogue()
	return iso.heap.CreateCode(a.Desc(), heap.CodeHeader{
		Kind:         stubKind(key.Major()),
		Flags:        heap.CodeFlagRelocInfoForSerialization,
		StubKey:      uint32(key),
		BuiltinIndex: heap.NoBuiltinIndex,
	})
}

// Iterate visits the cached stubs.
func (s *CodeStubs) Iterate(v heap.ObjectVisitor) {
	if n := len(s.keys); n > 0 {
		v.VisitPointers(s.slot(0), s.slot(n))
	}
}
