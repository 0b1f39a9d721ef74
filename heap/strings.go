package heap

import "fmt"

// ---------------------------------------------------------------------------
// String table
// ---------------------------------------------------------------------------

// StringTable maps string content to its single internalized instance.
type StringTable struct {
	h       *Heap
	entries map[string]Value
}

func newStringTable(h *Heap) *StringTable {
	return &StringTable{h: h, entries: make(map[string]Value)}
}

func (t *StringTable) Len() int { return len(t.entries) }

// Lookup finds the internalized string with the given content.
func (t *StringTable) Lookup(content string) (Value, bool) {
	v, ok := t.entries[content]
	return v, ok
}

// LookupOrInsert returns the existing instance for the content of str, or
// registers str itself.
func (t *StringTable) LookupOrInsert(str Value) Value {
	content := t.h.StringContent(str.Address())
	if v, ok := t.entries[content]; ok {
		return v
	}
	t.entries[content] = str
	return str
}

// Internalize returns the canonical string for s, allocating it on a miss.
func (h *Heap) Internalize(s string) (Value, error) {
	if v, ok := h.strings.Lookup(s); ok {
		return v, nil
	}
	a, err := h.AllocateSeqString(s, true)
	if err != nil {
		return 0, err
	}
	v := FromAddress(a)
	h.strings.entries[s] = v
	return v, nil
}

// retain keeps the entries the collector kept alive, at their new address.
func (t *StringTable) retain(forward func(Value) (Value, bool)) {
	for k, v := range t.entries {
		if nv, ok := forward(v); ok {
			t.entries[k] = nv
		} else {
			delete(t.entries, k)
		}
	}
}

// ---------------------------------------------------------------------------
// External string resources
// ---------------------------------------------------------------------------

// ExternalStringResource is character data owned outside the heap.
type ExternalStringResource struct {
	// Address identifies the resource; external strings store it.
	Address Address
	// Data is where the characters live.
	Data    Address
	Length  int
	OneByte bool
	// NativesIndex is the compiled-in script index, or -1.
	NativesIndex int
}

// ExternalResources allocates and tracks embedder owned string data.
type ExternalResources struct {
	mem    *Memory
	region *Region
	top    Address
	byAddr map[Address]*ExternalStringResource
}

func newExternalResources(mem *Memory) *ExternalResources {
	return &ExternalResources{mem: mem, byAddr: make(map[Address]*ExternalStringResource)}
}

func (r *ExternalResources) reserve(n int) (Address, error) {
	n = RoundUp(n, PointerSize)
	if r.region == nil || r.top+Address(n) > r.region.End() {
		region, err := r.mem.Map(max(n, PageSize), RegionExternal)
		if err != nil {
			return 0, fmt.Errorf("external string data: %w", err)
		}
		r.region = region
		r.top = region.Base
	}
	a := r.top
	r.top += Address(n)
	return a, nil
}

// New copies s into embedder memory and registers a resource for it.
func (r *ExternalResources) New(s string) (*ExternalStringResource, error) {
	oneByte, data := EncodeString(s)
	token, err := r.reserve(PointerSize + len(data))
	if err != nil {
		return nil, err
	}
	res := &ExternalStringResource{
		Address:      token,
		Data:         token + PointerSize,
		Length:       len(data),
		OneByte:      oneByte,
		NativesIndex: -1,
	}
	if !oneByte {
		res.Length /= 2
	}
	copy(r.mem.Bytes(res.Data, len(data)), data)
	r.byAddr[token] = res
	return res, nil
}

// NewNatives registers a resource over compiled-in source data.
func (r *ExternalResources) NewNatives(index int, data Address, length int) (*ExternalStringResource, error) {
	token, err := r.reserve(PointerSize)
	if err != nil {
		return nil, err
	}
	res := &ExternalStringResource{
		Address:      token,
		Data:         data,
		Length:       length,
		OneByte:      true,
		NativesIndex: index,
	}
	r.byAddr[token] = res
	return res, nil
}

// Lookup finds the resource registered at addr.
func (r *ExternalResources) Lookup(addr Address) *ExternalStringResource {
	return r.byAddr[addr]
}

// ExternalStringResourceOf returns the resource of an external string.
func (h *Heap) ExternalStringResourceOf(obj Address) *ExternalStringResource {
	return h.resources.Lookup(Address(h.mem.Word(obj + ExternalStringResourceOffset)))
}
