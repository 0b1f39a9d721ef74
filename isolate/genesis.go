package isolate

import (
	"fmt"
	"math"

	"github.com/chazu/heapsnap/handles"
	"github.com/chazu/heapsnap/heap"
)

// defaultHashSeed seeds string hashing in fresh heaps.
const defaultHashSeed = 0x5eed

type mapSpec struct {
	root heap.RootIndex
	typ  heap.InstanceType
	size int
}

var initialMaps = []mapSpec{
	{heap.FixedArrayMapRootIndex, heap.FixedArrayType, 0},
	{heap.OddballMapRootIndex, heap.OddballType, heap.OddballSize},
	{heap.OneByteInternalizedStringMapRootIndex, heap.InternalizedOneByteStringType, 0},
	{heap.InternalizedStringMapRootIndex, heap.InternalizedTwoByteStringType, 0},
	{heap.OneByteStringMapRootIndex, heap.SeqOneByteStringType, 0},
	{heap.StringMapRootIndex, heap.SeqTwoByteStringType, 0},
	{heap.HeapNumberMapRootIndex, heap.HeapNumberType, heap.HeapNumberSize},
	{heap.ByteArrayMapRootIndex, heap.ByteArrayType, 0},
	{heap.CodeMapRootIndex, heap.CodeType, 0},
	{heap.CellMapRootIndex, heap.CellType, heap.CellSize},
	{heap.PropertyCellMapRootIndex, heap.PropertyCellType, heap.PropertyCellSize},
	{heap.AllocationSiteMapRootIndex, heap.AllocationSiteType, heap.AllocationSiteSize},
	{heap.ForeignMapRootIndex, heap.ForeignType, heap.ForeignSize},
	{heap.ScriptMapRootIndex, heap.ScriptType, heap.ScriptSize},
	{heap.SharedFunctionInfoMapRootIndex, heap.SharedFunctionInfoType, heap.SharedFunctionInfoSize},
	{heap.FixedDoubleArrayMapRootIndex, heap.FixedDoubleArrayType, 0},
	{heap.HashTableMapRootIndex, heap.HashTableType, 0},
	{heap.FunctionContextMapRootIndex, heap.ContextType, 0},
	{heap.NativeContextMapRootIndex, heap.NativeContextType, 0},
	{heap.OnePointerFillerMapRootIndex, heap.FillerType, heap.PointerSize},
	{heap.ExternalOneByteStringMapRootIndex, heap.ExternalOneByteStringType, heap.ExternalStringSize},
	{heap.ExternalStringMapRootIndex, heap.ExternalTwoByteStringType, heap.ExternalStringSize},
	{heap.NativeSourceStringMapRootIndex, heap.NativeSourceStringType, heap.ExternalStringSize},
	{heap.ExternalOneByteInternalizedStringMapRootIndex, heap.ExternalInternalizedOneByteStringType, heap.ExternalStringSize},
	{heap.ExternalInternalizedStringMapRootIndex, heap.ExternalInternalizedTwoByteStringType, heap.ExternalStringSize},
}

type oddballSpec struct {
	root      heap.RootIndex
	str       string
	strRoot   heap.RootIndex
	kind      int
	hasString bool
}

var initialOddballs = []oddballSpec{
	{heap.UndefinedValueRootIndex, "undefined", heap.UndefinedStringRootIndex, heap.OddballUndefined, true},
	{heap.TheHoleValueRootIndex, "hole", heap.HoleStringRootIndex, heap.OddballTheHole, true},
	{heap.NullValueRootIndex, "null", heap.NullStringRootIndex, heap.OddballNull, true},
	{heap.TrueValueRootIndex, "true", heap.TrueStringRootIndex, heap.OddballTrue, true},
	{heap.FalseValueRootIndex, "false", heap.FalseStringRootIndex, heap.OddballFalse, true},
	{heap.UninitializedValueRootIndex, "uninitialized", 0, heap.OddballUninitialized, false},
}

// genesis accumulates the first allocation error so the bootstrap steps
// read straight through.
type genesis struct {
	iso *Isolate
	h   *heap.Heap
	err error
}

func (g *genesis) alloc(a heap.Address, err error) heap.Value {
	if err != nil && g.err == nil {
		g.err = err
	}
	if err != nil {
		return heap.FromSmi(0)
	}
	return heap.FromAddress(a)
}

func (g *genesis) internalize(s string) heap.Value {
	if g.err != nil {
		return heap.FromSmi(0)
	}
	v, err := g.h.Internalize(s)
	if err != nil {
		g.err = err
		return heap.FromSmi(0)
	}
	return v
}

// Bootstrap builds the initial heap from scratch: maps, oddballs, the
// root strings, builtins, the natives source cache and the Smi roots.
func (iso *Isolate) Bootstrap() error {
	if iso.initialized {
		return fmt.Errorf("isolate %d: already initialized", iso.id)
	}
	g := &genesis{iso: iso, h: iso.heap}
	h := g.h

	// The meta map is its own map.
	meta, err := h.AllocateRaw(heap.MapSize, heap.MapSpace)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	iso.mem.SetValue(meta, heap.FromAddress(meta))
	h.InitializeMap(meta, heap.MapType, heap.MapSize)
	h.SetRoot(heap.MetaMapRootIndex, heap.FromAddress(meta))
	for _, m := range initialMaps {
		h.SetRoot(m.root, g.alloc(h.AllocateMap(m.typ, m.size)))
	}

	h.SetRoot(heap.EmptyFixedArrayRootIndex, g.alloc(h.AllocateFixedArray(0, heap.OldPointerSpace)))
	h.SetRoot(heap.EmptyByteArrayRootIndex, g.alloc(h.AllocateByteArray(nil)))
	h.SetRoot(heap.EmptyStringRootIndex, g.internalize(""))
	for _, o := range initialOddballs {
		str := g.internalize(o.str)
		if o.hasString {
			h.SetRoot(o.strRoot, str)
		}
		h.SetRoot(o.root, g.alloc(h.AllocateOddball(str, o.kind)))
	}
	if g.err != nil {
		return fmt.Errorf("bootstrap: %w", g.err)
	}

	// Maps allocated before null and the empty array existed.
	for i := heap.MetaMapRootIndex; i <= heap.ExternalInternalizedStringMapRootIndex; i++ {
		if i > heap.NativeSourceStringMapRootIndex && i < heap.ExternalOneByteInternalizedStringMapRootIndex {
			continue
		}
		m := h.Root(i).Address()
		iso.mem.SetValue(m+heap.MapPrototypeOffset, h.NullValue())
		iso.mem.SetValue(m+heap.MapConstructorOffset, h.NullValue())
		iso.mem.SetValue(m+heap.MapCodeCacheOffset, h.Root(heap.EmptyFixedArrayRootIndex))
	}

	dict := g.alloc(h.AllocateFixedArrayWithMap(3, heap.OldPointerSpace, h.Root(heap.HashTableMapRootIndex)))
	if g.err == nil {
		h.FixedArraySet(dict.Address(), 0, heap.FromSmi(0))
		h.FixedArraySet(dict.Address(), 1, heap.FromSmi(0))
		h.FixedArraySet(dict.Address(), 2, heap.FromSmi(1))
	}
	h.SetRoot(heap.EmptySlowElementDictionaryRootIndex, dict)

	h.SetRoot(heap.HashSeedRootIndex, heap.FromSmi(defaultHashSeed))
	h.SetRoot(heap.LastScriptIDRootIndex, heap.FromSmi(0))
	h.SetRoot(heap.NextTemplateSerialNumberRootIndex, heap.FromSmi(0))

	if err := iso.setUpBuiltins(); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	cache := g.alloc(h.AllocateFixedArray(NativesCount(), heap.OldPointerSpace))
	for i := 0; i < NativesCount() && g.err == nil; i++ {
		res, _ := iso.NativesResource(i)
		h.FixedArraySet(cache.Address(), i, g.alloc(h.AllocateExternalString(res, false)))
	}
	h.SetRoot(heap.NativesSourceCacheRootIndex, cache)
	h.SetRoot(heap.NumberStringCacheRootIndex, g.alloc(h.AllocateFixedArray(16, heap.OldPointerSpace)))
	if g.err != nil {
		return fmt.Errorf("bootstrap: %w", g.err)
	}
	h.SetRoot(heap.EmptyScriptRootIndex, g.alloc(h.AllocateScript(h.Root(heap.EmptyStringRootIndex), h.UndefinedValue())))
	if g.err != nil {
		return fmt.Errorf("bootstrap: %w", g.err)
	}

	iso.MarkInitialized()
	log.Infof("isolate %d bootstrapped: %s", iso.id, h.Stats())
	return nil
}

// ---------------------------------------------------------------------------
// Native context
// ---------------------------------------------------------------------------

// EmbedderDataLength is the length of a native context's embedder data.
const EmbedderDataLength = 6

// Embedder data slots filled by CreateNativeContext.
const (
	EmbedderDataGreetingIndex = iota
	EmbedderDataLargeArrayIndex
	EmbedderDataCellIndex
	EmbedderDataPropertyCellIndex
	EmbedderDataCounterIndex
	EmbedderDataTwoByteIndex
)

// LargeArrayLength makes the embedder data's large array spill into the
// large object space.
const LargeArrayLength = heap.MaxRegularHeapObjectSize/heap.PointerSize + 64

// CreateNativeContext builds a fresh native context bound to proxy. A
// null proxy allocates a new one. Call inside a handle scope.
func (iso *Isolate) CreateNativeContext(proxy handles.Handle) handles.Handle {
	iso.Check(iso.initialized, "Genesis::CreateNativeContext", "heap not initialized")
	h := iso.heap
	undefined := h.UndefinedValue()
	empty := h.Root(heap.EmptyFixedArrayRootIndex)

	objectMap := iso.NewMap(heap.JSObjectType, heap.JSObjectHeaderSize+2*heap.PointerSize)
	functionMap := iso.NewMap(heap.JSFunctionType, heap.JSFunctionSize)
	globalObjectMap := iso.NewMap(heap.JSGlobalObjectType, heap.JSGlobalObjectSize)
	globalProxyMap := iso.NewMap(heap.JSGlobalProxyType, heap.JSGlobalProxySize)
	typedArrayMap := iso.NewMap(heap.JSTypedArrayType, heap.JSTypedArraySize)

	context := iso.NewContext(heap.NativeContextSlots, heap.NativeContextMapRootIndex)
	ctx := context.Address()

	if proxy.IsNull() {
		proxy = iso.NewJSObject(globalProxyMap.Address(), heap.OldPointerSpace)
	} else {
		iso.mem.SetValue(proxy.Address(), globalProxyMap.Value())
	}
	h.SetField(proxy.Address(), heap.JSGlobalProxyNativeContextOffset, context.Value())

	global := iso.NewJSObject(globalObjectMap.Address(), heap.OldPointerSpace)
	h.SetField(global.Address(), heap.JSGlobalObjectNativeContextOffset, context.Value())
	h.SetField(global.Address(), heap.JSGlobalObjectGlobalProxyOffset, proxy.Value())

	h.FixedArraySet(ctx, heap.ContextClosureIndex, undefined)
	h.FixedArraySet(ctx, heap.ContextPreviousIndex, undefined)
	h.FixedArraySet(ctx, heap.ContextExtensionIndex, undefined)
	h.FixedArraySet(ctx, heap.ContextGlobalObjectIndex, global.Value())
	h.FixedArraySet(ctx, heap.NativeContextGlobalProxyIndex, proxy.Value())

	objectFn := iso.installFunction(context, functionMap, "Object", BuiltinCompileLazy)
	arrayFn := iso.installFunction(context, functionMap, "Array", BuiltinArrayCode)
	h.FixedArraySet(ctx, heap.NativeContextObjectFunctionIndex, objectFn.Value())
	h.FixedArraySet(ctx, heap.NativeContextArrayFunctionIndex, arrayFn.Value())
	h.FixedArraySet(ctx, heap.NativeContextObjectMapIndex, objectMap.Value())
	h.FixedArraySet(ctx, heap.NativeContextFunctionMapIndex, functionMap.Value())
	h.FixedArraySet(ctx, heap.NativeContextGlobalObjectMapIndex, globalObjectMap.Value())
	h.FixedArraySet(ctx, heap.NativeContextGlobalProxyMapIndex, globalProxyMap.Value())
	h.FixedArraySet(ctx, heap.NativeContextTypedArrayMapIndex, typedArrayMap.Value())

	site := iso.NewAllocationSite(heap.FromSmi(0))
	h.FixedArraySet(ctx, heap.NativeContextAllocationSiteIndex, site.Value())
	h.FixedArraySet(ctx, heap.NativeContextPiIndex, iso.NewHeapNumber(math.Pi).Value())
	h.FixedArraySet(ctx, heap.NativeContextDoublesIndex, iso.NewFixedDoubleArray([]float64{0.5, -1.25, 1e100}).Value())

	natives := h.Root(heap.NativesSourceCacheRootIndex).Address()
	script := iso.NewScript(h.FixedArrayGet(natives, 0), iso.InternalizeString(NativesName(0)).Value())
	h.SetField(script.Address(), heap.ScriptLineEndsOffset, iso.NewFixedArray(4, heap.OldPointerSpace).Value())
	h.FixedArraySet(ctx, heap.NativeContextScriptIndex, script.Value())

	data := iso.NewFixedArray(EmbedderDataLength, heap.NewSpace)
	d := data.Address()
	h.FixedArraySet(d, EmbedderDataGreetingIndex, iso.NewExternalString("hello").Value())
	large := iso.NewFixedArray(LargeArrayLength, heap.OldPointerSpace)
	for i := 0; i < LargeArrayLength; i += 97 {
		h.FixedArraySet(large.Address(), i, heap.FromSmi(int32(i)))
	}
	h.FixedArraySet(d, EmbedderDataLargeArrayIndex, large.Value())
	h.FixedArraySet(d, EmbedderDataCellIndex, iso.NewCell(objectFn.Value()).Value())
	h.FixedArraySet(d, EmbedderDataPropertyCellIndex, iso.NewPropertyCell(heap.FromSmi(42)).Value())
	h.FixedArraySet(d, EmbedderDataCounterIndex, heap.FromSmi(0))
	h.FixedArraySet(d, EmbedderDataTwoByteIndex, iso.NewString("été ☃").Value())
	h.FixedArraySet(ctx, heap.NativeContextEmbedderDataIndex, data.Value())

	typed := iso.NewJSObject(typedArrayMap.Address(), heap.OldPointerSpace)
	h.SetField(typed.Address(), heap.JSTypedArrayLengthOffset, heap.FromSmi(16))
	h.FixedArraySet(ctx, heap.NativeContextTypedArrayIndex, typed.Value())

	runtime := iso.NewContext(heap.MinContextSlots+1, heap.FunctionContextMapRootIndex)
	h.FixedArraySet(runtime.Address(), heap.ContextClosureIndex, objectFn.Value())
	h.FixedArraySet(runtime.Address(), heap.ContextPreviousIndex, context.Value())
	h.FixedArraySet(runtime.Address(), heap.ContextExtensionIndex, undefined)
	h.FixedArraySet(runtime.Address(), heap.ContextGlobalObjectIndex, global.Value())
	h.FixedArraySet(runtime.Address(), heap.MinContextSlots, empty)
	h.FixedArraySet(ctx, heap.NativeContextRuntimeContextIndex, runtime.Value())

	accessor := iso.NewForeign(iso.NativeAddress("Accessors::ArrayLengthGetter"))
	h.FixedArraySet(ctx, heap.NativeContextLengthAccessorIndex, accessor.Value())

	h.NativeContextsList = context.Value()
	log.Debugf("isolate %d: native context at %s", iso.id, context.Value())
	return context
}

func (iso *Isolate) installFunction(context, functionMap handles.Handle, name string, code Builtin) handles.Handle {
	h := iso.heap
	shared := iso.NewSharedFunctionInfo(heap.SharedInfo{
		Name:           iso.InternalizeString(name).Value(),
		Code:           iso.BuiltinCode(code),
		Script:         h.UndefinedValue(),
		InnerFunctions: h.Root(heap.EmptyFixedArrayRootIndex),
		Flags:          heap.SharedIsNative,
	})
	return iso.NewFunction(functionMap.Address(), shared.Value(), context.Value())
}

// GlobalObject returns the global object of a context.
func (iso *Isolate) GlobalObject(context heap.Value) heap.Value {
	return iso.heap.FixedArrayGet(context.Address(), heap.ContextGlobalObjectIndex)
}

// GlobalProxy returns the global proxy of a native context.
func (iso *Isolate) GlobalProxy(context heap.Value) heap.Value {
	return iso.heap.FixedArrayGet(context.Address(), heap.NativeContextGlobalProxyIndex)
}
