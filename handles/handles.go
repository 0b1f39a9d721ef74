// Package handles implements GC-visible references into a moving heap:
// stack-scoped handles allocated from slot blocks, persistent (optionally
// weak) global handles and eternal handles.
package handles

import (
	"fmt"

	"github.com/chazu/heapsnap/heap"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("heapsnap.handles")

// FatalFunc reports an unrecoverable usage error. It does not return.
type FatalFunc func(location, message string)

// OutOfMemoryFunc reports exhaustion of handle memory. It does not return.
type OutOfMemoryFunc func(location string)

func defaultFatal(location, message string) {
	panic(fmt.Sprintf("%s: %s", location, message))
}

func defaultOutOfMemory(location string) {
	panic(fmt.Sprintf("%s: out of memory", location))
}

// ---------------------------------------------------------------------------
// Handle
// ---------------------------------------------------------------------------

// Handle refers to a value indirectly, through the address of a slot the
// collector knows about.
type Handle struct {
	location heap.Address
	mem      *heap.Memory
}

// HandleAt wraps an existing slot.
func HandleAt(mem *heap.Memory, location heap.Address) Handle {
	return Handle{location: location, mem: mem}
}

// IsNull reports whether the handle is empty.
func (h Handle) IsNull() bool { return h.location == 0 }

// Location is the address of the slot.
func (h Handle) Location() heap.Address { return h.location }

// Value reads the slot.
func (h Handle) Value() heap.Value { return h.mem.Value(h.location) }

// Set overwrites the slot.
func (h Handle) Set(v heap.Value) { h.mem.SetValue(h.location, v) }

// Address is the object address held in the slot.
func (h Handle) Address() heap.Address { return h.Value().Address() }

// Is reports whether both handles refer to the same value.
func (h Handle) Is(o Handle) bool { return h.Value() == o.Value() }

func (h Handle) String() string {
	if h.IsNull() {
		return "<null handle>"
	}
	return fmt.Sprintf("handle@%#x(%s)", uint64(h.location), h.Value())
}

// ---------------------------------------------------------------------------
// Slot blocks
// ---------------------------------------------------------------------------

// BlockSize is the number of slots in one handle block.
const BlockSize = heap.PageSize / heap.PointerSize

const blockBytes = BlockSize * heap.PointerSize

// Offsets of the scope data words.
const (
	NextOffset  = 0
	LimitOffset = 8
	LevelOffset = 16
	DataSize    = 24
)

// Implementer hands out handle slots for one isolate. The current
// {next, limit, level} live in isolate memory at the data address.
type Implementer struct {
	mem    *heap.Memory
	data   heap.Address
	blocks []*heap.Region
	spare  *heap.Region

	// Zap fills released slots with heap.ZapValue.
	Zap         bool
	Fatal       FatalFunc
	OutOfMemory OutOfMemoryFunc
}

// NewImplementer creates an implementer keeping its scope data at data.
func NewImplementer(mem *heap.Memory, data heap.Address) *Implementer {
	hi := &Implementer{mem: mem, data: data, Zap: true, Fatal: defaultFatal, OutOfMemory: defaultOutOfMemory}
	mem.SetWord(data+NextOffset, 0)
	mem.SetWord(data+LimitOffset, 0)
	mem.SetWord(data+LevelOffset, 0)
	return hi
}

func (hi *Implementer) Next() heap.Address  { return heap.Address(hi.mem.Word(hi.data + NextOffset)) }
func (hi *Implementer) Limit() heap.Address { return heap.Address(hi.mem.Word(hi.data + LimitOffset)) }
func (hi *Implementer) Level() int          { return int(hi.mem.Word(hi.data + LevelOffset)) }

func (hi *Implementer) setNext(a heap.Address)  { hi.mem.SetWord(hi.data+NextOffset, uint64(a)) }
func (hi *Implementer) setLimit(a heap.Address) { hi.mem.SetWord(hi.data+LimitOffset, uint64(a)) }
func (hi *Implementer) setLevel(n int)          { hi.mem.SetWord(hi.data+LevelOffset, uint64(n)) }

// DataAddress is where next, limit and level are stored.
func (hi *Implementer) DataAddress() heap.Address { return hi.data }

// CreateHandle stores v in the next free slot of the innermost scope.
func (hi *Implementer) CreateHandle(v heap.Value) Handle {
	next := hi.Next()
	if next == hi.Limit() {
		next = hi.extend()
	}
	hi.setNext(next + heap.PointerSize)
	hi.mem.SetValue(next, v)
	return Handle{location: next, mem: hi.mem}
}

func (hi *Implementer) extend() heap.Address {
	if hi.Level() == 0 {
		hi.Fatal("v8::HandleScope::CreateHandle()", "Cannot create a handle without a HandleScope")
	}
	b := hi.spare
	hi.spare = nil
	if b == nil {
		var err error
		b, err = hi.mem.Map(blockBytes, heap.RegionHandleBlock)
		if err != nil {
			hi.OutOfMemory("HandleScope::Extend")
		}
	}
	hi.blocks = append(hi.blocks, b)
	hi.setLimit(b.Base + blockBytes)
	return b.Base
}

// closeScope restores the state saved when a scope was entered.
func (hi *Implementer) closeScope(prevNext, prevLimit heap.Address) {
	hi.setNext(prevNext)
	hi.setLevel(hi.Level() - 1)
	if hi.Limit() != prevLimit {
		hi.setLimit(prevLimit)
		hi.deleteExtensions(prevLimit)
	}
	if hi.Zap && prevNext != 0 {
		hi.mem.Fill(prevNext, prevLimit, heap.ZapValue)
	}
}

// deleteExtensions releases every block past the one ending at prevLimit,
// keeping one as a spare.
func (hi *Implementer) deleteExtensions(prevLimit heap.Address) {
	for len(hi.blocks) > 0 {
		b := hi.blocks[len(hi.blocks)-1]
		if b.Base+blockBytes == prevLimit {
			break
		}
		hi.blocks = hi.blocks[:len(hi.blocks)-1]
		if hi.Zap {
			hi.mem.Fill(b.Base, b.Base+blockBytes, heap.ZapValue)
		}
		if hi.spare == nil {
			hi.spare = b
		} else {
			hi.mem.Unmap(b)
		}
	}
}

// NumberOfHandles counts the live handles of every scope.
func (hi *Implementer) NumberOfHandles() int {
	if len(hi.blocks) == 0 {
		return 0
	}
	last := hi.blocks[len(hi.blocks)-1]
	return (len(hi.blocks)-1)*BlockSize + int(hi.Next()-last.Base)/heap.PointerSize
}

// Blocks is the number of blocks in use.
func (hi *Implementer) Blocks() int { return len(hi.blocks) }

// IsLive reports whether h refers to a slot owned by an open scope.
func (hi *Implementer) IsLive(h Handle) bool {
	for i, b := range hi.blocks {
		end := b.Base + blockBytes
		if i == len(hi.blocks)-1 {
			end = hi.Next()
		}
		if h.location >= b.Base && h.location < end {
			return true
		}
	}
	return false
}

// Iterate visits every live handle slot.
func (hi *Implementer) Iterate(v heap.ObjectVisitor) {
	for i, b := range hi.blocks {
		end := b.Base + blockBytes
		if i == len(hi.blocks)-1 {
			end = hi.Next()
		}
		v.VisitPointers(b.Base, end)
	}
}

// ---------------------------------------------------------------------------
// Scopes
// ---------------------------------------------------------------------------

// Scope releases every handle created while it was the innermost scope.
type Scope struct {
	impl      *Implementer
	prevNext  heap.Address
	prevLimit heap.Address
	level     int
	closed    bool
}

// NewScope enters a scope.
func NewScope(impl *Implementer) *Scope {
	s := &Scope{impl: impl, prevNext: impl.Next(), prevLimit: impl.Limit()}
	s.level = impl.Level() + 1
	impl.setLevel(s.level)
	return s
}

// Close exits the scope. Scopes close in reverse order of entry.
func (s *Scope) Close() {
	if s.closed {
		s.impl.Fatal("HandleScope::~HandleScope", "handle scope closed twice")
	}
	if s.impl.Level() != s.level {
		s.impl.Fatal("HandleScope::~HandleScope", "handle scopes closed out of order")
	}
	s.closed = true
	s.impl.closeScope(s.prevNext, s.prevLimit)
}

// CloseAndEscape closes the scope and re-creates h in the parent scope.
func (s *Scope) CloseAndEscape(h Handle) Handle {
	v := h.Value()
	s.Close()
	return s.impl.CreateHandle(v)
}

// NumberOfHandles counts the handles created in this scope and its
// children.
func (s *Scope) NumberOfHandles() int {
	if s.prevNext == 0 {
		return s.impl.NumberOfHandles()
	}
	total := s.impl.NumberOfHandles()
	for i, b := range s.impl.blocks {
		if s.prevNext >= b.Base && s.prevNext <= b.Base+blockBytes {
			return total - (i*BlockSize + int(s.prevNext-b.Base)/heap.PointerSize)
		}
	}
	return total
}

// EscapableScope lets exactly one value outlive the scope. The slot it
// escapes into is reserved in the parent before the scope is entered.
type EscapableScope struct {
	*Scope
	escapeSlot heap.Address
	hole       heap.Value
	undefined  heap.Value
}

// NewEscapableScope reserves the escape slot, holding the hole, in the
// current scope and enters a new one.
func NewEscapableScope(impl *Implementer, hole, undefined heap.Value) *EscapableScope {
	slot := impl.CreateHandle(hole)
	return &EscapableScope{Scope: NewScope(impl), escapeSlot: slot.location, hole: hole, undefined: undefined}
}

// Escape copies h into the reserved parent slot.
func (s *EscapableScope) Escape(h Handle) Handle {
	mem := s.impl.mem
	if mem.Value(s.escapeSlot) != s.hole {
		s.impl.Fatal("EscapableHandleScope::Escape", "Escape value set twice")
	}
	if h.IsNull() {
		mem.SetValue(s.escapeSlot, s.undefined)
		return Handle{}
	}
	mem.SetValue(s.escapeSlot, h.Value())
	return Handle{location: s.escapeSlot, mem: mem}
}
