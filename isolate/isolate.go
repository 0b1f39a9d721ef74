// Package isolate holds the isolate-wide state every engine component
// shares: the heap, handle storage, the external reference table, builtins,
// code stubs and the natives sources.
package isolate

import (
	"fmt"
	"sync/atomic"

	"github.com/chazu/heapsnap/config"
	"github.com/chazu/heapsnap/handles"
	"github.com/chazu/heapsnap/heap"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("heapsnap.isolate")

var nextIsolateID atomic.Int32

// Options configure a new isolate.
type Options struct {
	Flags       config.Flags
	MaxHeapSize int
	AddressSeed int64
	CPUFeatures uint32

	// SerializerEnabled marks an isolate created to produce a snapshot.
	SerializerEnabled bool

	FatalErrorCallback  func(location, message string)
	OutOfMemoryCallback func(location string, stats *heap.Stats)
}

// OptionsFromConfig derives isolate options from a configuration.
func OptionsFromConfig(c *config.Config) (Options, error) {
	cpu, err := c.CPUFeatures()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Flags:       c.Flags,
		MaxHeapSize: c.Heap.MaxHeapSize,
		AddressSeed: c.Heap.AddressSeed,
		CPUFeatures: cpu,
	}, nil
}

// Layout of the isolate data region.
const (
	handleScopeDataOffset   = 0
	builtinsOffset          = handleScopeDataOffset + handles.DataSize + heap.PointerSize
	stubCacheOffset         = builtinsOffset + BuiltinCount*heap.PointerSize
	countersOffset          = stubCacheOffset + stubCacheBytes
	scratchOffset           = countersOffset + CounterCount*heap.PointerSize
	isolateDataSize         = scratchOffset + heap.PointerSize
	partialSnapshotCacheCap = heap.PageSize / heap.PointerSize
)

// Isolate is one independent engine instance with its own address space.
type Isolate struct {
	id    int32
	flags config.Flags
	opts  Options

	mem  *heap.Memory
	heap *heap.Heap
	data *heap.Region

	handleScopes   *handles.Implementer
	globalHandles  *handles.GlobalHandles
	eternalHandles *handles.EternalHandles

	natives      *heap.Region
	nativesRes   []*heap.ExternalStringResource
	nativeLayout *nativeLayout
	externalRefs *ExternalReferenceTable

	stubs *CodeStubs

	partialCache    *heap.Region
	partialCacheLen int

	locker *locker

	initialized bool
}

// New creates an isolate with an empty heap. Call Bootstrap to build the
// initial heap from scratch, or deserialize a startup snapshot into it.
func New(opts Options) (*Isolate, error) {
	iso := &Isolate{
		id:     nextIsolateID.Add(1),
		flags:  opts.Flags,
		opts:   opts,
		locker: &locker{},
	}
	iso.mem = heap.NewMemory(opts.AddressSeed, 0)
	h, err := heap.New(iso.mem, opts.MaxHeapSize)
	if err != nil {
		return nil, fmt.Errorf("creating heap: %w", err)
	}
	iso.heap = h
	if iso.data, err = iso.mem.Map(isolateDataSize, heap.RegionIsolateData); err != nil {
		return nil, fmt.Errorf("mapping isolate data: %w", err)
	}
	if iso.partialCache, err = iso.mem.Map(partialSnapshotCacheCap*heap.PointerSize, heap.RegionIsolateData); err != nil {
		return nil, fmt.Errorf("mapping partial snapshot cache: %w", err)
	}

	iso.handleScopes = handles.NewImplementer(iso.mem, iso.data.Base+handleScopeDataOffset)
	iso.handleScopes.Zap = opts.Flags.ZapHandles
	iso.handleScopes.Fatal = iso.Fatal
	iso.handleScopes.OutOfMemory = iso.FatalProcessOutOfMemory
	iso.globalHandles = handles.NewGlobalHandles(iso.mem)
	iso.globalHandles.Fatal = iso.Fatal
	iso.globalHandles.OutOfMemory = iso.FatalProcessOutOfMemory
	iso.eternalHandles = handles.NewEternalHandles(iso.mem)
	iso.eternalHandles.OutOfMemory = iso.FatalProcessOutOfMemory

	if iso.nativeLayout, err = newNativeLayout(iso.mem); err != nil {
		return nil, err
	}
	if err := iso.setUpNatives(); err != nil {
		return nil, err
	}
	if iso.stubs, err = newCodeStubs(iso); err != nil {
		return nil, err
	}
	iso.setStackLimits()
	log.Debugf("isolate %d created, memory based at %#x", iso.id, uint64(iso.data.Base))
	return iso, nil
}

func (iso *Isolate) ID() int32 { return iso.id }

func (iso *Isolate) Heap() *heap.Heap { return iso.heap }

func (iso *Isolate) Memory() *heap.Memory { return iso.mem }

func (iso *Isolate) Flags() config.Flags { return iso.flags }

// CPUFeatures is the feature bitmask code was generated for.
func (iso *Isolate) CPUFeatures() uint32 { return iso.opts.CPUFeatures }

func (iso *Isolate) SerializerEnabled() bool { return iso.opts.SerializerEnabled }

func (iso *Isolate) HandleScopeImplementer() *handles.Implementer { return iso.handleScopes }

func (iso *Isolate) GlobalHandles() *handles.GlobalHandles { return iso.globalHandles }

func (iso *Isolate) EternalHandles() *handles.EternalHandles { return iso.eternalHandles }

func (iso *Isolate) Stubs() *CodeStubs { return iso.stubs }

// Initialized reports whether the heap has been populated.
func (iso *Isolate) Initialized() bool { return iso.initialized }

// MarkInitialized records that bootstrap or deserialization completed.
func (iso *Isolate) MarkInitialized() { iso.initialized = true }

// ScratchSlot is a slot in isolate memory for single value visits.
func (iso *Isolate) ScratchSlot() heap.Address { return iso.data.Base + scratchOffset }

// setStackLimits stores the stack guard roots. They are process specific
// and serializers skip them.
func (iso *Isolate) setStackLimits() {
	h := iso.heap
	h.SetRoot(heap.StackLimitRootIndex, heap.FromSmi(int32(iso.id)<<20))
	h.SetRoot(heap.RealStackLimitRootIndex, heap.FromSmi(int32(iso.id)<<20))
	h.SetRoot(heap.StoreBufferTopRootIndex, heap.FromSmi(0))
}

// ---------------------------------------------------------------------------
// Handles
// ---------------------------------------------------------------------------

// NewHandle creates a handle in the innermost scope.
func (iso *Isolate) NewHandle(v heap.Value) handles.Handle {
	return iso.handleScopes.CreateHandle(v)
}

// HandleScope enters a handle scope after checking the caller may use the
// isolate.
func (iso *Isolate) HandleScope() *handles.Scope {
	iso.checkLocking("HandleScope::HandleScope")
	return handles.NewScope(iso.handleScopes)
}

// EscapableHandleScope enters a scope that can pass one value to its parent.
func (iso *Isolate) EscapableHandleScope() *handles.EscapableScope {
	iso.checkLocking("EscapableHandleScope::EscapableHandleScope")
	return handles.NewEscapableScope(iso.handleScopes, iso.heap.TheHoleValue(), iso.heap.UndefinedValue())
}

func (iso *Isolate) checkLocking(location string) {
	if iso.locker.isActive() && !iso.locker.isLockedByCurrentGoroutine() && !iso.SerializerEnabled() {
		iso.Fatal(location, "Entering the V8 API without proper locking in place")
	}
}

// ---------------------------------------------------------------------------
// Partial snapshot cache
// ---------------------------------------------------------------------------

// PartialSnapshotCacheLength is the number of cache entries.
func (iso *Isolate) PartialSnapshotCacheLength() int { return iso.partialCacheLen }

// PartialSnapshotCacheSlot returns the slot of entry i, growing the cache
// when i is the next free entry.
func (iso *Isolate) PartialSnapshotCacheSlot(i int) heap.Address {
	if i >= partialSnapshotCacheCap {
		iso.Fatal("PartialSnapshotCache", "partial snapshot cache overflow")
	}
	if i == iso.partialCacheLen {
		iso.mem.SetValue(iso.partialCache.Base+heap.Address(i)*heap.PointerSize, heap.FromSmi(0))
		iso.partialCacheLen++
	}
	return iso.partialCache.Base + heap.Address(i)*heap.PointerSize
}

func (iso *Isolate) PartialSnapshotCacheEntry(i int) heap.Value {
	return iso.mem.Value(iso.PartialSnapshotCacheSlot(i))
}

// ClearPartialSnapshotCache empties the cache. A startup serializer does
// this before a context serializer refills it.
func (iso *Isolate) ClearPartialSnapshotCache() { iso.partialCacheLen = 0 }

// AppendPartialSnapshotCache adds v and returns its index.
func (iso *Isolate) AppendPartialSnapshotCache(v heap.Value) int {
	i := iso.partialCacheLen
	iso.mem.SetValue(iso.PartialSnapshotCacheSlot(i), v)
	return i
}

// ---------------------------------------------------------------------------
// Garbage collection
// ---------------------------------------------------------------------------

// IterateStrongRoots visits every strong slot outside the heap's own roots.
func (iso *Isolate) IterateStrongRoots(v heap.ObjectVisitor) {
	iso.IterateBuiltins(v)
	if n := iso.partialCacheLen; n > 0 {
		v.VisitPointers(iso.partialCache.Base, iso.partialCache.Base+heap.Address(n)*heap.PointerSize)
	}
	iso.stubs.Iterate(v)
	iso.handleScopes.Iterate(v)
	iso.globalHandles.IterateStrongRoots(v)
	iso.eternalHandles.IterateAllRoots(v)
}

// ProcessWeakRoots clears weak global handles whose targets died.
func (iso *Isolate) ProcessWeakRoots(forward func(heap.Value) (heap.Value, bool)) {
	iso.globalHandles.ProcessWeakRoots(forward)
}

// CollectAllGarbage runs a full collection and the weak callbacks.
func (iso *Isolate) CollectAllGarbage() {
	iso.heap.CollectGarbage(iso)
	iso.globalHandles.PostGarbageCollectionProcessing()
}
