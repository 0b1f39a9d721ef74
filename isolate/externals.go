package isolate

import (
	"fmt"

	"github.com/chazu/heapsnap/handles"
	"github.com/chazu/heapsnap/heap"
)

// ---------------------------------------------------------------------------
// Native entry points
// ---------------------------------------------------------------------------

// RuntimeFunctions are the runtime entry points generated code calls.
var RuntimeFunctions = []string{
	"CompileLazy", "StackGuard", "Interrupt", "NotifyDeoptimized", "LoadIC_Miss",
	"StoreIC_Miss", "KeyedLoadIC_Miss", "KeyedStoreIC_Miss", "CallIC_Miss", "NewObject",
	"NewClosure", "Throw", "ToNumber", "StringAdd", "NumberToString", "AllocateInNewSpace",
	"DebugBreak",
}

// Accessors are the native getter and setter thunks.
var Accessors = []string{
	"ArrayLengthGetter", "ArrayLengthSetter", "FunctionPrototypeGetter",
	"FunctionPrototypeSetter", "StringLengthGetter", "ScriptSourceGetter",
}

// CounterNames are the stats counters generated code may increment.
var CounterNames = [CounterCount]string{
	"handle_scopes_created", "objects_deserialized", "compile_lazy", "ic_misses",
	"allocation_sites_created", "code_cache_hits",
}

const CounterCount = 6

// DeoptTableSerializeEntryCount bounds the deoptimization entries that
// serialized code may refer to.
const DeoptTableSerializeEntryCount = 12

const (
	stubCachePrimarySize   = 16
	stubCacheSecondarySize = 8
	stubCacheBytes         = (stubCachePrimarySize + stubCacheSecondarySize) * 3 * heap.PointerSize
)

const nativeEntrySize = 16

// nativeLayout places the process's native functions in a code region, so
// their addresses change with the isolate's memory base.
type nativeLayout struct {
	region *heap.Region
	byName map[string]heap.Address
	names  []string
}

func nativeNames() []string {
	var names []string
	for _, f := range RuntimeFunctions {
		names = append(names, "Runtime_"+f)
	}
	for _, a := range Accessors {
		names = append(names, "Accessors::"+a)
	}
	for _, kind := range []string{"eager", "lazy"} {
		for i := 0; i < DeoptTableSerializeEntryCount; i++ {
			names = append(names, fmt.Sprintf("Deoptimizer::%s_entry_%d", kind, i))
		}
	}
	return names
}

func newNativeLayout(mem *heap.Memory) (*nativeLayout, error) {
	names := nativeNames()
	r, err := mem.Map(len(names)*nativeEntrySize, heap.RegionNativeCode)
	if err != nil {
		return nil, fmt.Errorf("mapping native code: %w", err)
	}
	l := &nativeLayout{region: r, byName: make(map[string]heap.Address), names: names}
	for i, n := range names {
		a := r.Base + heap.Address(i*nativeEntrySize)
		// int3 padding stands in for the native function body.
		for j := 0; j < nativeEntrySize; j++ {
			mem.SetByte(a+heap.Address(j), 0xcc)
		}
		l.byName[n] = a
	}
	return l, nil
}

// NativeAddress returns the address of a native entry point by name.
func (iso *Isolate) NativeAddress(name string) heap.Address {
	a, ok := iso.nativeLayout.byName[name]
	if !ok {
		iso.Fatal("Isolate::NativeAddress", "unknown native entry "+name)
	}
	return a
}

// RuntimeFunctionAddress returns the entry of a runtime function.
func (iso *Isolate) RuntimeFunctionAddress(name string) heap.Address {
	return iso.NativeAddress("Runtime_" + name)
}

// CounterAddress returns the slot of a stats counter.
func (iso *Isolate) CounterAddress(i int) heap.Address {
	return iso.data.Base + countersOffset + heap.Address(i)*heap.PointerSize
}

// IncrementCounter bumps a stats counter by name.
func (iso *Isolate) IncrementCounter(name string, by int) {
	for i, n := range CounterNames {
		if n == name {
			a := iso.CounterAddress(i)
			iso.mem.SetWord(a, iso.mem.Word(a)+uint64(by))
			return
		}
	}
}

// Counter reads a stats counter by name.
func (iso *Isolate) Counter(name string) int {
	for i, n := range CounterNames {
		if n == name {
			return int(iso.mem.Word(iso.CounterAddress(i)))
		}
	}
	return 0
}

// ---------------------------------------------------------------------------
// External reference table
// ---------------------------------------------------------------------------

// ExternalReference is one table entry.
type ExternalReference struct {
	Address heap.Address
	Name    string
}

// ExternalReferenceTable lists every process address a snapshot may refer
// to. Every isolate builds it with the same entries in the same order, so
// an index is portable while the address is not.
type ExternalReferenceTable struct {
	refs   []ExternalReference
	byAddr map[heap.Address]int
	fatal  func(location, message string)
}

// ExternalReferenceTable returns the isolate's table, building it on
// first use.
func (iso *Isolate) ExternalReferenceTable() *ExternalReferenceTable {
	if iso.externalRefs == nil {
		iso.externalRefs = newExternalReferenceTable(iso)
	}
	return iso.externalRefs
}

func newExternalReferenceTable(iso *Isolate) *ExternalReferenceTable {
	t := &ExternalReferenceTable{byAddr: make(map[heap.Address]int), fatal: iso.Fatal}
	h := iso.heap

	// Miscellaneous
	t.Add(h.RootsStart(), "Heap::roots_array_start()")
	t.Add(h.RootSlot(heap.StackLimitRootIndex), "StackGuard::address_of_jslimit()")
	t.Add(h.RootSlot(heap.RealStackLimitRootIndex), "StackGuard::address_of_real_jslimit()")
	t.Add(h.RootSlot(heap.StoreBufferTopRootIndex), "Heap::store_buffer_top_address()")
	hsd := iso.handleScopes.DataAddress()
	t.Add(hsd+handles.NextOffset, "HandleScope::next")
	t.Add(hsd+handles.LimitOffset, "HandleScope::limit")
	t.Add(hsd+handles.LevelOffset, "HandleScope::level")
	t.Add(iso.BuiltinsTableAddress(), "Builtins::builtins_table()")
	t.Add(iso.partialCache.Base, "Isolate::partial_snapshot_cache()")

	// Stub cache tables
	base := iso.data.Base + stubCacheOffset
	for _, table := range []struct {
		name string
		size int
	}{{"primary", stubCachePrimarySize}, {"secondary", stubCacheSecondarySize}} {
		for _, field := range []string{"key", "value", "map"} {
			t.Add(base, fmt.Sprintf("StubCache::%s_->%s", table.name, field))
			base += heap.Address(table.size * heap.PointerSize)
		}
	}

	// Stats counters
	for i, n := range CounterNames {
		t.Add(iso.CounterAddress(i), "Counters::"+n)
	}

	// Runtime functions, accessors and deoptimization entries
	for _, n := range iso.nativeLayout.names {
		t.Add(iso.nativeLayout.byName[n], n)
	}
	log.Debugf("external reference table: %d entries", len(t.refs))
	return t
}

// Add appends one entry. Registering an address twice is a usage error.
func (t *ExternalReferenceTable) Add(addr heap.Address, name string) {
	if i, dup := t.byAddr[addr]; dup {
		t.fatal("ExternalReferenceTable::Add", fmt.Sprintf("%s duplicates address of %s", name, t.refs[i].Name))
	}
	t.byAddr[addr] = len(t.refs)
	t.refs = append(t.refs, ExternalReference{Address: addr, Name: name})
}

func (t *ExternalReferenceTable) Size() int { return len(t.refs) }

func (t *ExternalReferenceTable) Address(i int) heap.Address { return t.refs[i].Address }

func (t *ExternalReferenceTable) Name(i int) string { return t.refs[i].Name }

// Entries returns the table contents in order.
func (t *ExternalReferenceTable) Entries() []ExternalReference { return t.refs }

// IndexOf finds the entry for addr.
func (t *ExternalReferenceTable) IndexOf(addr heap.Address) (int, bool) {
	i, ok := t.byAddr[addr]
	return i, ok
}
