package snapshot

import (
	"errors"
	"math"
	"testing"

	"github.com/chazu/heapsnap/config"
	"github.com/chazu/heapsnap/handles"
	"github.com/chazu/heapsnap/heap"
	"github.com/chazu/heapsnap/isolate"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newIsolate(t *testing.T, opts isolate.Options) *isolate.Isolate {
	t.Helper()
	iso, err := isolate.New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return iso
}

func newTestIsolate(t *testing.T, seed int64) *isolate.Isolate {
	t.Helper()
	iso := newIsolate(t, isolate.Options{Flags: config.Flags{ZapHandles: true}, AddressSeed: seed})
	if err := iso.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	return iso
}

func newSerializingIsolate(t *testing.T, seed int64) *isolate.Isolate {
	t.Helper()
	iso := newIsolate(t, isolate.Options{
		Flags:             config.Flags{ZapHandles: true},
		AddressSeed:       seed,
		SerializerEnabled: true,
	})
	if err := iso.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	return iso
}

func expectFatal(t *testing.T, fn func()) *isolate.FatalError {
	t.Helper()
	var err error
	func() {
		defer isolate.RecoverFatal(&err)
		fn()
	}()
	var fe *isolate.FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("expected a fatal error, got %v", err)
	}
	return fe
}

// createTestSnapshot serializes a freshly created native context.
func createTestSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	return createSnapshotWithEmbedderData(t, nil)
}

// createSnapshotWithEmbedderData serializes a native context whose
// embedder data slot holds what data returns, when data is set.
func createSnapshotWithEmbedderData(t *testing.T, data func(iso *isolate.Isolate) heap.Value) *Snapshot {
	t.Helper()
	iso := newSerializingIsolate(t, 1)
	scope := iso.HandleScope()
	defer scope.Close()

	context := iso.CreateNativeContext(handles.Handle{})
	if data != nil {
		iso.Heap().FixedArraySet(context.Address(), heap.NativeContextEmbedderDataIndex, data(iso))
	}
	iso.CollectAllGarbage()
	snap, err := Create(iso, context)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return snap
}

// restoreIsolate deserializes a startup snapshot into a new isolate.
func restoreIsolate(t *testing.T, snap *Snapshot, seed int64) *isolate.Isolate {
	t.Helper()
	iso := newIsolate(t, isolate.Options{Flags: config.Flags{ZapHandles: true}, AddressSeed: seed})
	if err := DeserializeStartup(iso, snap.Startup); err != nil {
		t.Fatalf("DeserializeStartup failed: %v", err)
	}
	return iso
}

// restoredEmbedderData deserializes snap into a new isolate and returns
// the context's embedder data array.
func restoredEmbedderData(t *testing.T, snap *Snapshot) (*isolate.Isolate, heap.Address) {
	t.Helper()
	iso := restoreIsolate(t, snap, 2)
	scope := iso.HandleScope()
	t.Cleanup(scope.Close)
	context, _, err := DeserializeContext(iso, snap.Context, newGlobalProxy(iso))
	if err != nil {
		t.Fatalf("DeserializeContext failed: %v", err)
	}
	return iso, iso.Heap().FixedArrayGet(context.Address(), heap.NativeContextEmbedderDataIndex).Address()
}

// newGlobalProxy allocates an unbound global proxy.
func newGlobalProxy(iso *isolate.Isolate) handles.Handle {
	m := iso.NewMap(heap.JSGlobalProxyType, heap.JSGlobalProxySize)
	return iso.NewJSObject(m.Address(), heap.OldPointerSpace)
}

// ---------------------------------------------------------------------------
// Startup and context snapshots
// ---------------------------------------------------------------------------

func TestStartupRoundTrip(t *testing.T) {
	snap := createTestSnapshot(t)
	iso := restoreIsolate(t, snap, 2)
	h := iso.Heap()

	if !iso.Initialized() {
		t.Fatalf("isolate not initialized after deserialization")
	}
	meta := h.Root(heap.MetaMapRootIndex).Address()
	if h.MapOf(meta) != meta {
		t.Errorf("meta map is not its own map")
	}
	if got := h.StringContent(h.Root(heap.UndefinedStringRootIndex).Address()); got != "undefined" {
		t.Errorf("undefined_string = %q", got)
	}
	if v, ok := h.StringTable().Lookup("undefined"); !ok || v != h.Root(heap.UndefinedStringRootIndex) {
		t.Errorf("undefined_string not in the string table")
	}
	for b := isolate.Builtin(0); b < isolate.BuiltinCount; b++ {
		code := iso.BuiltinCode(b).Address()
		if got := h.CodeBuiltinIndex(code); got != int(b) {
			t.Errorf("%s builtin index = %d", b, got)
		}
		if h.Memory().Word(code+heap.CodeEntryCacheOffset) != uint64(code+heap.CodeHeaderSize) {
			t.Errorf("%s entry cache not fixed up", b)
		}
	}
	for _, i := range []heap.RootIndex{heap.StackLimitRootIndex, heap.RealStackLimitRootIndex} {
		if !h.Root(i).IsSmi() {
			t.Errorf("root %s was overwritten", i)
		}
	}
	undefined := h.UndefinedValue()
	if h.NativeContextsList != undefined || h.ArrayBuffersList != undefined || h.AllocationSitesList != undefined {
		t.Errorf("weak lists = %s %s %s", h.NativeContextsList, h.ArrayBuffersList, h.AllocationSitesList)
	}
	if h.InstructionCacheFlushes() == 0 {
		t.Errorf("builtins were not flushed")
	}
}

func TestStartupRejectsInitializedIsolate(t *testing.T) {
	snap := createTestSnapshot(t)
	iso := newTestIsolate(t, 2)
	err := DeserializeStartup(iso, snap.Startup)
	var fe *isolate.FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want a fatal error", err)
	}
}

func TestContextRoundTrip(t *testing.T) {
	snap := createTestSnapshot(t)
	iso := restoreIsolate(t, snap, 2)
	h := iso.Heap()
	scope := iso.HandleScope()
	defer scope.Close()

	proxy := newGlobalProxy(iso)
	context, outdated, err := DeserializeContext(iso, snap.Context, proxy)
	if err != nil {
		t.Fatalf("DeserializeContext failed: %v", err)
	}
	ctx := context.Address()
	if h.InstanceTypeOf(ctx) != heap.NativeContextType {
		t.Fatalf("context type = %s", h.InstanceTypeOf(ctx))
	}
	if iso.GlobalProxy(context.Value()) != proxy.Value() {
		t.Errorf("context does not refer to the attached proxy")
	}
	global := iso.GlobalObject(context.Value()).Address()
	if h.Field(global, heap.JSGlobalObjectGlobalProxyOffset) != proxy.Value() {
		t.Errorf("global object does not refer to the attached proxy")
	}

	pi := h.FixedArrayGet(ctx, heap.NativeContextPiIndex).Address()
	if h.HeapNumberValue(pi) != math.Pi {
		t.Errorf("pi = %v", h.HeapNumberValue(pi))
	}
	doubles := h.FixedArrayGet(ctx, heap.NativeContextDoublesIndex).Address()
	if !heap.IsAligned(doubles+heap.FixedArrayHeaderSize, heap.DoubleAlignment) {
		t.Errorf("double array payload at %#x is not double aligned", uint64(doubles))
	}
	for i, want := range []float64{0.5, -1.25, 1e100} {
		if got := h.FixedDoubleArrayGet(doubles, i); got != want {
			t.Errorf("doubles[%d] = %v, want %v", i, got, want)
		}
	}
	if h.FixedArrayGet(ctx, heap.NativeContextTypedArrayIndex) != h.UndefinedValue() {
		t.Errorf("typed array survived serialization")
	}

	data := h.FixedArrayGet(ctx, heap.NativeContextEmbedderDataIndex).Address()
	greeting := h.FixedArrayGet(data, isolate.EmbedderDataGreetingIndex).Address()
	if h.InstanceTypeOf(greeting) != heap.SeqOneByteStringType || h.StringContent(greeting) != "hello" {
		t.Errorf("greeting = %s %q", h.InstanceTypeOf(greeting), h.StringContent(greeting))
	}
	large := h.FixedArrayGet(data, isolate.EmbedderDataLargeArrayIndex).Address()
	if space, _ := h.SpaceOf(large); space != heap.LOSpace {
		t.Errorf("large array in %s space", space)
	}
	if n := h.FixedArrayLength(large); n != isolate.LargeArrayLength {
		t.Fatalf("large array length = %d", n)
	}
	for i := 0; i < isolate.LargeArrayLength; i += 97 {
		if got := h.FixedArrayGet(large, i); got != heap.FromSmi(int32(i)) {
			t.Errorf("large[%d] = %s", i, got)
		}
	}
	twoByte := h.FixedArrayGet(data, isolate.EmbedderDataTwoByteIndex).Address()
	if got := h.StringContent(twoByte); got != "été ☃" {
		t.Errorf("two byte string = %q", got)
	}
	cell := h.FixedArrayGet(data, isolate.EmbedderDataPropertyCellIndex).Address()
	if got := h.Field(cell, heap.PropertyCellValueOffset); got != heap.FromSmi(42) {
		t.Errorf("property cell = %s", got)
	}

	runtime := h.FixedArrayGet(ctx, heap.NativeContextRuntimeContextIndex).Address()
	if h.FixedArrayGet(runtime, heap.ContextPreviousIndex) != context.Value() {
		t.Errorf("runtime context does not point back at the native context")
	}
	contexts := OutdatedContexts(iso, outdated)
	if len(contexts) != 2 {
		t.Fatalf("outdated contexts = %d, want 2", len(contexts))
	}
	seen := map[heap.Value]bool{}
	for _, c := range contexts {
		seen[c] = true
	}
	if !seen[context.Value()] || !seen[heap.FromAddress(runtime)] {
		t.Errorf("outdated contexts %v miss the native or runtime context", contexts)
	}

	accessor := h.FixedArrayGet(ctx, heap.NativeContextLengthAccessorIndex).Address()
	want := iso.NativeAddress("Accessors::ArrayLengthGetter")
	if got := heap.Address(h.Memory().Word(accessor + heap.ForeignAddressOffset)); got != want {
		t.Errorf("accessor address = %#x, want %#x", uint64(got), uint64(want))
	}

	fn := h.FixedArrayGet(ctx, heap.NativeContextObjectFunctionIndex).Address()
	lazy := iso.BuiltinCode(isolate.BuiltinCompileLazy).Address()
	if got := heap.Address(h.Memory().Word(fn + heap.JSFunctionCodeEntryOffset)); got != lazy+heap.CodeHeaderSize {
		t.Errorf("Object function code entry = %#x, want %#x", uint64(got), uint64(lazy+heap.CodeHeaderSize))
	}

	script := h.FixedArrayGet(ctx, heap.NativeContextScriptIndex).Address()
	source := h.Field(script, heap.ScriptSourceOffset).Address()
	if h.InstanceTypeOf(source) != heap.NativeSourceStringType {
		t.Errorf("natives source type = %s", h.InstanceTypeOf(source))
	}
	if h.StringContent(source) != string(isolate.NativesSource(0)) {
		t.Errorf("natives source content mismatch")
	}

	if _, err := iso.Compile(testScript, "after.js"); err != nil {
		t.Errorf("Compile in deserialized isolate failed: %v", err)
	}
}

func TestDuplicateInternalizedStringsCanonicalized(t *testing.T) {
	snap := createSnapshotWithEmbedderData(t, func(iso *isolate.Isolate) heap.Value {
		h := iso.Heap()
		arr := iso.NewFixedArray(2, heap.OldPointerSpace)
		for i := 0; i < 2; i++ {
			a, err := h.AllocateSeqString("embedder-duplicate", true)
			if err != nil {
				t.Fatalf("AllocateSeqString failed: %v", err)
			}
			h.FixedArraySet(arr.Address(), i, heap.FromAddress(a))
		}
		if h.FixedArrayGet(arr.Address(), 0) == h.FixedArrayGet(arr.Address(), 1) {
			t.Fatalf("strings share an address before serialization")
		}
		return arr.Value()
	})

	iso, arr := restoredEmbedderData(t, snap)
	h := iso.Heap()
	a, b := h.FixedArrayGet(arr, 0), h.FixedArrayGet(arr, 1)
	if a != b {
		t.Errorf("duplicate strings deserialized to %s and %s", a, b)
	}
	if got := h.StringContent(a.Address()); got != "embedder-duplicate" {
		t.Errorf("content = %q", got)
	}
	if v, ok := h.StringTable().Lookup("embedder-duplicate"); !ok || v != a {
		t.Errorf("string table entry = %s, %v", v, ok)
	}
}

func TestContextRejectsForeignIsolate(t *testing.T) {
	snap := createTestSnapshot(t)
	iso := newTestIsolate(t, 2)
	iso.ExternalReferenceTable().Add(0xdead0000, "test::extra")
	scope := iso.HandleScope()
	defer scope.Close()

	_, _, err := DeserializeContext(iso, snap.Context, newGlobalProxy(iso))
	var re *RejectionError
	if !errors.As(err, &re) || re.Reason != MagicNumberMismatch {
		t.Fatalf("err = %v, want magic number mismatch", err)
	}
	if !IsRejection(err) {
		t.Errorf("IsRejection(%v) = false", err)
	}
}

func TestSnapshotStreamsDisassemble(t *testing.T) {
	snap := createTestSnapshot(t)
	for name, data := range map[string]*SnapshotData{"startup": snap.Startup, "context": snap.Context} {
		ins, err := Disassemble(data.Payload())
		if err != nil {
			t.Fatalf("%s: Disassemble failed: %v", name, err)
		}
		counts := CountOps(ins)
		if counts[OpSynchronize] != 0 || counts[OpInvalid] != 0 {
			t.Errorf("%s: unexpected opcodes %v", name, counts)
		}
		if counts[OpReference] == 0 {
			t.Errorf("%s: no references", name)
		}
	}
}

func TestStartupRejectsFunction(t *testing.T) {
	iso := newSerializingIsolate(t, 1)
	scope := iso.HandleScope()
	defer scope.Close()

	context := iso.CreateNativeContext(handles.Handle{})
	fn := iso.Heap().FixedArrayGet(context.Address(), heap.NativeContextObjectFunctionIndex)
	iso.Heap().SetRoot(heap.EmptyFixedArrayRootIndex, fn)
	fe := expectFatal(t, func() {
		s := NewStartupSerializer(iso, NewSnapshotByteSink(1024))
		s.SerializeStrongReferences()
	})
	if fe.Location != "StartupSerializer::SerializeObject" {
		t.Errorf("location = %q", fe.Location)
	}
}

func TestStartupRejectsWeakHandles(t *testing.T) {
	iso := newSerializingIsolate(t, 1)
	p := iso.GlobalHandles().Create(iso.Heap().UndefinedValue())
	iso.GlobalHandles().MakeWeak(p, nil, nil)
	expectFatal(t, func() {
		NewStartupSerializer(iso, NewSnapshotByteSink(1024)).SerializeStrongReferences()
	})
}

// ---------------------------------------------------------------------------
// Partial snapshot cache and hot objects
// ---------------------------------------------------------------------------

func TestPartialSerializerUsesHotObjects(t *testing.T) {
	iso := newSerializingIsolate(t, 1)
	h := iso.Heap()
	scope := iso.HandleScope()
	defer scope.Close()

	m := iso.NewMap(heap.JSObjectType, heap.JSObjectHeaderSize)
	arr := iso.NewFixedArray(10, heap.OldPointerSpace)
	for i := 0; i < 10; i++ {
		h.FixedArraySet(arr.Address(), i, m.Value())
	}
	startup := NewStartupSerializer(iso, NewSnapshotByteSink(1024))
	sink := NewSnapshotByteSink(1024)
	NewPartialSerializer(iso, startup, sink).Serialize(arr.Value())

	ins, err := Disassemble(sink.Data())
	if err != nil {
		t.Fatalf("Disassemble failed: %v", err)
	}
	counts := CountOps(ins)
	if counts[OpHotObject] != 9 {
		t.Errorf("hot object references = %d, want 9", counts[OpHotObject])
	}
	newObjects := 0
	for _, in := range ins {
		if in.Op.Kind == OpReference && in.Op.Where == NewObject {
			newObjects++
		}
	}
	if newObjects != 2 {
		t.Errorf("new objects = %d, want 2", newObjects)
	}
}

func TestHotObjectReferencesResolveToOneMap(t *testing.T) {
	snap := createSnapshotWithEmbedderData(t, func(iso *isolate.Isolate) heap.Value {
		m := iso.NewMap(heap.JSObjectType, heap.JSObjectHeaderSize)
		arr := iso.NewFixedArray(10, heap.OldPointerSpace)
		for i := 0; i < 10; i++ {
			iso.Heap().FixedArraySet(arr.Address(), i, m.Value())
		}
		return arr.Value()
	})
	ins, err := Disassemble(snap.Context.Payload())
	if err != nil {
		t.Fatalf("Disassemble failed: %v", err)
	}
	if n := CountOps(ins)[OpHotObject]; n < 9 {
		t.Errorf("hot object references = %d, want at least 9", n)
	}

	iso, arr := restoredEmbedderData(t, snap)
	h := iso.Heap()
	m := h.FixedArrayGet(arr, 0)
	if !m.IsHeapObject() || h.InstanceTypeOf(m.Address()) != heap.MapType {
		t.Fatalf("arr[0] = %s, want a map", m)
	}
	for i := 1; i < 10; i++ {
		if got := h.FixedArrayGet(arr, i); got != m {
			t.Errorf("arr[%d] = %s, want %s", i, got, m)
		}
	}
}

func TestSelfReferenceUsesBackReference(t *testing.T) {
	iso := newSerializingIsolate(t, 1)
	h := iso.Heap()
	scope := iso.HandleScope()
	defer scope.Close()

	arr := iso.NewFixedArray(2, heap.OldPointerSpace)
	h.FixedArraySet(arr.Address(), 0, arr.Value())
	h.FixedArraySet(arr.Address(), 1, heap.FromSmi(5))
	startup := NewStartupSerializer(iso, NewSnapshotByteSink(1024))
	sink := NewSnapshotByteSink(1024)
	NewPartialSerializer(iso, startup, sink).Serialize(arr.Value())

	ins, err := Disassemble(sink.Data())
	if err != nil {
		t.Fatalf("Disassemble failed: %v", err)
	}
	newObjects, refs := 0, 0
	for _, in := range ins {
		switch {
		case in.Op.Kind == OpReference && in.Op.Where == NewObject:
			newObjects++
		case in.Op.Kind == OpReference && (in.Op.Where == Backref || in.Op.Where == BackrefWithSkip),
			in.Op.Kind == OpHotObject:
			refs++
		}
	}
	if newObjects != 1 {
		t.Errorf("new objects = %d, want 1", newObjects)
	}
	if refs == 0 {
		t.Errorf("the self reference was not encoded as a back reference")
	}
}

func TestPartialSnapshotCacheShared(t *testing.T) {
	iso := newSerializingIsolate(t, 1)
	h := iso.Heap()
	scope := iso.HandleScope()
	defer scope.Close()

	s := iso.NewString("shared")
	arr := iso.NewFixedArray(3, heap.OldPointerSpace)
	for i := 0; i < 3; i++ {
		h.FixedArraySet(arr.Address(), i, s.Value())
	}
	startup := NewStartupSerializer(iso, NewSnapshotByteSink(1024))
	sink := NewSnapshotByteSink(1024)
	NewPartialSerializer(iso, startup, sink).Serialize(arr.Value())

	if n := iso.PartialSnapshotCacheLength(); n != 1 {
		t.Fatalf("partial snapshot cache length = %d, want 1", n)
	}
	if iso.PartialSnapshotCacheEntry(0) != s.Value() {
		t.Errorf("cache entry 0 = %s", iso.PartialSnapshotCacheEntry(0))
	}
	ins, err := Disassemble(sink.Data())
	if err != nil {
		t.Fatalf("Disassemble failed: %v", err)
	}
	cached := 0
	for _, in := range ins {
		if in.Op.Kind == OpReference && in.Op.Where == PartialSnapshotCache {
			cached++
			if in.Args[0] != 0 {
				t.Errorf("cache index = %d", in.Args[0])
			}
		}
	}
	if cached != 3 {
		t.Errorf("cache references = %d, want 3", cached)
	}
}

func TestPartialSerializerRejectsMapCodeCache(t *testing.T) {
	iso := newSerializingIsolate(t, 1)
	h := iso.Heap()
	scope := iso.HandleScope()
	defer scope.Close()

	m := iso.NewMap(heap.JSObjectType, heap.JSObjectHeaderSize)
	h.SetField(m.Address(), heap.MapCodeCacheOffset, iso.NewFixedArray(1, heap.OldPointerSpace).Value())
	startup := NewStartupSerializer(iso, NewSnapshotByteSink(1024))
	expectFatal(t, func() {
		NewPartialSerializer(iso, startup, NewSnapshotByteSink(1024)).Serialize(m.Value())
	})
}
