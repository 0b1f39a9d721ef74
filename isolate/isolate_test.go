package isolate

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/chazu/heapsnap/config"
	"github.com/chazu/heapsnap/handles"
	"github.com/chazu/heapsnap/heap"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestIsolate(t *testing.T, seed int64) *Isolate {
	t.Helper()
	iso, err := New(Options{Flags: config.Flags{ZapHandles: true}, AddressSeed: seed})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := iso.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	return iso
}

func expectFatal(t *testing.T, fn func()) *FatalError {
	t.Helper()
	var err error
	func() {
		defer RecoverFatal(&err)
		fn()
	}()
	var fe *FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("expected a fatal error, got %v", err)
	}
	return fe
}

// ---------------------------------------------------------------------------
// Bootstrap
// ---------------------------------------------------------------------------

func TestBootstrapRoots(t *testing.T) {
	iso := newTestIsolate(t, 1)
	h := iso.Heap()

	meta := h.Root(heap.MetaMapRootIndex).Address()
	if h.MapOf(meta) != meta {
		t.Errorf("meta map is not its own map")
	}
	undefined := h.UndefinedValue().Address()
	if h.InstanceTypeOf(undefined) != heap.OddballType {
		t.Errorf("undefined has type %s", h.InstanceTypeOf(undefined))
	}
	if got := h.StringContent(h.Root(heap.UndefinedStringRootIndex).Address()); got != "undefined" {
		t.Errorf("undefined_string = %q", got)
	}
	empty := h.Root(heap.EmptyStringRootIndex)
	if v, ok := h.StringTable().Lookup(""); !ok || v != empty {
		t.Errorf("empty string is not internalized")
	}
	for i := heap.UndefinedValueRootIndex; i < heap.StrongRootListLength; i++ {
		switch i {
		case heap.StackLimitRootIndex, heap.RealStackLimitRootIndex, heap.StoreBufferTopRootIndex:
			continue
		}
		if !h.Root(i).IsHeapObject() {
			t.Errorf("root %s is not a heap object", i)
		}
	}
	if h.Root(heap.HashSeedRootIndex).Smi() != defaultHashSeed {
		t.Errorf("hash seed = %d", h.Root(heap.HashSeedRootIndex).Smi())
	}
	if !iso.Initialized() {
		t.Errorf("isolate not marked initialized")
	}
}

func TestBootstrapMapsHaveNullPrototype(t *testing.T) {
	iso := newTestIsolate(t, 1)
	h := iso.Heap()
	for _, m := range initialMaps {
		a := h.Root(m.root).Address()
		if h.Field(a, heap.MapPrototypeOffset) != h.NullValue() {
			t.Errorf("%s prototype not null", m.root)
		}
		if h.MapInstanceType(a) != m.typ {
			t.Errorf("%s type = %s, want %s", m.root, h.MapInstanceType(a), m.typ)
		}
	}
}

func TestBootstrapTwice(t *testing.T) {
	iso := newTestIsolate(t, 1)
	if err := iso.Bootstrap(); err == nil {
		t.Fatal("second Bootstrap succeeded")
	}
}

func TestNativesSourceCache(t *testing.T) {
	iso := newTestIsolate(t, 1)
	h := iso.Heap()
	cache := h.Root(heap.NativesSourceCacheRootIndex).Address()
	if n := h.FixedArrayLength(cache); n != NativesCount() || n == 0 {
		t.Fatalf("natives cache length = %d, natives = %d", n, NativesCount())
	}
	for i := 0; i < NativesCount(); i++ {
		s := h.FixedArrayGet(cache, i).Address()
		if h.InstanceTypeOf(s) != heap.NativeSourceStringType {
			t.Errorf("entry %d has type %s", i, h.InstanceTypeOf(s))
		}
		if got := h.StringContent(s); got != string(NativesSource(i)) {
			t.Errorf("entry %d content mismatch", i)
		}
		res := h.ExternalStringResourceOf(s)
		if j, ok := iso.NativesIndexOf(res.Address); !ok || j != i {
			t.Errorf("NativesIndexOf(entry %d) = %d, %v", i, j, ok)
		}
	}
}

// ---------------------------------------------------------------------------
// Native context
// ---------------------------------------------------------------------------

func TestCreateNativeContext(t *testing.T) {
	iso := newTestIsolate(t, 1)
	h := iso.Heap()
	scope := iso.HandleScope()
	defer scope.Close()

	context := iso.CreateNativeContext(handles.Handle{})
	if h.InstanceTypeOf(context.Address()) != heap.NativeContextType {
		t.Fatalf("context type = %s", h.InstanceTypeOf(context.Address()))
	}
	global := iso.GlobalObject(context.Value())
	proxy := iso.GlobalProxy(context.Value())
	if h.Field(global.Address(), heap.JSGlobalObjectGlobalProxyOffset) != proxy {
		t.Errorf("global object does not point at the proxy")
	}
	if h.Field(proxy.Address(), heap.JSGlobalProxyNativeContextOffset) != context.Value() {
		t.Errorf("proxy does not point at the context")
	}

	data := h.FixedArrayGet(context.Address(), heap.NativeContextEmbedderDataIndex)
	if !h.InNewSpace(data) {
		t.Errorf("embedder data not in new space")
	}
	large := h.FixedArrayGet(data.Address(), EmbedderDataLargeArrayIndex)
	if space, _ := h.SpaceOf(large.Address()); space != heap.LOSpace {
		t.Errorf("large array in %s space", space)
	}
	greeting := h.FixedArrayGet(data.Address(), EmbedderDataGreetingIndex).Address()
	if h.InstanceTypeOf(greeting) != heap.ExternalOneByteStringType || h.StringContent(greeting) != "hello" {
		t.Errorf("greeting = %s %q", h.InstanceTypeOf(greeting), h.StringContent(greeting))
	}
	if h.NativeContextsList != context.Value() {
		t.Errorf("native contexts list not updated")
	}
	if iso.Counter("allocation_sites_created") != 1 {
		t.Errorf("allocation_sites_created = %d", iso.Counter("allocation_sites_created"))
	}
}

func TestCreateNativeContextRequiresHeap(t *testing.T) {
	iso, err := New(Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	fe := expectFatal(t, func() { iso.CreateNativeContext(handles.Handle{}) })
	if fe.Location != "Genesis::CreateNativeContext" {
		t.Errorf("location = %q", fe.Location)
	}
}

func TestContextSurvivesGC(t *testing.T) {
	iso := newTestIsolate(t, 1)
	h := iso.Heap()
	scope := iso.HandleScope()
	defer scope.Close()

	context := iso.CreateNativeContext(handles.Handle{})
	iso.CollectAllGarbage()
	data := h.FixedArrayGet(context.Address(), heap.NativeContextEmbedderDataIndex)
	greeting := h.FixedArrayGet(data.Address(), EmbedderDataGreetingIndex).Address()
	if h.StringContent(greeting) != "hello" {
		t.Errorf("greeting lost across GC")
	}
	if !h.InNewSpace(data) {
		t.Errorf("embedder data left new space")
	}
	if h.GCCount() != 1 {
		t.Errorf("GCCount = %d", h.GCCount())
	}
}

// ---------------------------------------------------------------------------
// Compiler
// ---------------------------------------------------------------------------

const testScript = `
var total = 0;
function add(a, b) { return a + b; }
function greet(name) {
  function inner() { return "hi"; }
  return "hello " + name;
}
total = add(1, 2.5) + items[0];
`

func TestCompile(t *testing.T) {
	iso := newTestIsolate(t, 1)
	h := iso.Heap()
	scope := iso.HandleScope()
	defer scope.Close()

	sfi, err := iso.Compile(testScript, "test.js")
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if h.Field(sfi.Address(), heap.SharedFlagsOffset).Smi()&heap.SharedIsToplevel == 0 {
		t.Errorf("toplevel flag not set")
	}
	inner := h.Field(sfi.Address(), heap.SharedInnerFunctionsOffset).Address()
	if n := h.FixedArrayLength(inner); n != 2 {
		t.Fatalf("inner functions = %d, want 2", n)
	}
	greet := h.FixedArrayGet(inner, 1).Address()
	if name := h.StringContent(h.Field(greet, heap.SharedNameOffset).Address()); name != "greet" {
		t.Errorf("second inner function = %q", name)
	}
	nested := h.Field(greet, heap.SharedInnerFunctionsOffset).Address()
	if h.FixedArrayLength(nested) != 1 {
		t.Errorf("greet has %d inner functions", h.FixedArrayLength(nested))
	}

	code := h.Field(sfi.Address(), heap.SharedCodeOffset).Address()
	if h.CodeKindOf(code) != heap.FunctionCode {
		t.Errorf("code kind = %s", h.CodeKindOf(code))
	}
	modes := map[heap.RelocMode]int{}
	for _, ri := range h.RelocInfos(code, heap.RelocModeMaskAll) {
		modes[ri.Mode]++
	}
	for _, m := range []heap.RelocMode{heap.RelocEmbeddedObject, heap.RelocCodeTarget, heap.RelocCell,
		heap.RelocExternalReference, heap.RelocInternalReference} {
		if modes[m] == 0 {
			t.Errorf("no %s relocation in toplevel code", m)
		}
	}
	if iso.Stubs().Len() == 0 {
		t.Errorf("no stubs generated")
	}
	script := h.Field(sfi.Address(), heap.SharedScriptOffset).Address()
	if src := h.StringContent(h.Field(script, heap.ScriptSourceOffset).Address()); src != testScript {
		t.Errorf("script source mismatch")
	}
}

func TestCompileSyntaxError(t *testing.T) {
	iso := newTestIsolate(t, 1)
	scope := iso.HandleScope()
	defer scope.Close()

	_, err := iso.Compile("function broken() { if (x) { return 1; }", "bad.js")
	if !errors.Is(err, ErrSyntax) {
		t.Fatalf("err = %v, want ErrSyntax", err)
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("error does not name the function: %v", err)
	}
}

func TestCountArgs(t *testing.T) {
	tests := []struct {
		src  string
		want int
	}{
		{"()", 0},
		{"(a)", 1},
		{"(a, b)", 2},
		{"(f(x, y), [1, 2], z)", 3},
	}
	for _, tt := range tests {
		if got := countArgs(tokenize(tt.src)); got != tt.want {
			t.Errorf("countArgs(%q) = %d, want %d", tt.src, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Stubs and builtins
// ---------------------------------------------------------------------------

func TestStubsAreCached(t *testing.T) {
	iso := newTestIsolate(t, 1)
	key := MakeStubKey(MajorStringAdd, 3)
	a := iso.Stubs().GetCode(key)
	b := iso.Stubs().GetCode(key)
	if a != b {
		t.Errorf("GetCode generated the stub twice")
	}
	if got := StubKey(iso.Heap().CodeStubKey(a.Address())); got != key {
		t.Errorf("stub key = %s, want %s", got, key)
	}
	if key.Major() != MajorStringAdd || key.Minor() != 3 {
		t.Errorf("key round trip: %s", key)
	}
}

func TestInvalidStubKey(t *testing.T) {
	iso := newTestIsolate(t, 1)
	expectFatal(t, func() { iso.Stubs().GetCode(NoCacheKey) })
}

func TestLookupBuiltin(t *testing.T) {
	iso := newTestIsolate(t, 1)
	for b := Builtin(0); b < BuiltinCount; b++ {
		got, ok := iso.LookupBuiltin(iso.BuiltinCode(b).Address())
		if !ok || got != b {
			t.Errorf("LookupBuiltin(%s) = %s, %v", b, got, ok)
		}
		if idx := iso.Heap().CodeBuiltinIndex(iso.BuiltinCode(b).Address()); idx != int(b) {
			t.Errorf("%s builtin index = %d", b, idx)
		}
	}
}

// ---------------------------------------------------------------------------
// External references
// ---------------------------------------------------------------------------

func TestExternalReferenceTablePortable(t *testing.T) {
	a := newTestIsolate(t, 1).ExternalReferenceTable()
	b := newTestIsolate(t, 2).ExternalReferenceTable()
	if a.Size() != b.Size() {
		t.Fatalf("table sizes differ: %d vs %d", a.Size(), b.Size())
	}
	moved := 0
	for i := 0; i < a.Size(); i++ {
		if a.Name(i) != b.Name(i) {
			t.Errorf("entry %d: %q vs %q", i, a.Name(i), b.Name(i))
		}
		if a.Address(i) != b.Address(i) {
			moved++
		}
		if j, ok := a.IndexOf(a.Address(i)); !ok || j != i {
			t.Errorf("IndexOf(entry %d) = %d, %v", i, j, ok)
		}
	}
	if moved == 0 {
		t.Errorf("no address differs between isolates with different seeds")
	}
}

func TestExternalReferenceDuplicate(t *testing.T) {
	iso := newTestIsolate(t, 1)
	table := iso.ExternalReferenceTable()
	expectFatal(t, func() { table.Add(table.Address(0), "duplicate") })
}

// ---------------------------------------------------------------------------
// Partial snapshot cache
// ---------------------------------------------------------------------------

func TestPartialSnapshotCache(t *testing.T) {
	iso := newTestIsolate(t, 1)
	undefined := iso.Heap().UndefinedValue()
	if i := iso.AppendPartialSnapshotCache(undefined); i != 0 {
		t.Errorf("first index = %d", i)
	}
	if i := iso.AppendPartialSnapshotCache(heap.FromSmi(7)); i != 1 {
		t.Errorf("second index = %d", i)
	}
	if iso.PartialSnapshotCacheLength() != 2 {
		t.Errorf("length = %d", iso.PartialSnapshotCacheLength())
	}
	// Touching the next free slot grows the cache with a Smi zero.
	slot := iso.PartialSnapshotCacheSlot(2)
	if iso.Memory().Value(slot) != heap.FromSmi(0) || iso.PartialSnapshotCacheLength() != 3 {
		t.Errorf("growing slot not initialized")
	}
	if iso.PartialSnapshotCacheEntry(1).Smi() != 7 {
		t.Errorf("entry 1 = %s", iso.PartialSnapshotCacheEntry(1))
	}
}

// ---------------------------------------------------------------------------
// Locking
// ---------------------------------------------------------------------------

func TestHandleScopeWithoutLock(t *testing.T) {
	iso := newTestIsolate(t, 1)
	iso.Lock()
	defer iso.Unlock()

	var wg sync.WaitGroup
	var fe *FatalError
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		defer func() { errors.As(err, &fe) }()
		defer RecoverFatal(&err)
		iso.HandleScope().Close()
	}()
	wg.Wait()
	if fe == nil {
		t.Fatal("entering a scope from an unlocked goroutine did not fail")
	}
	if !strings.Contains(fe.Message, "locking") {
		t.Errorf("message = %q", fe.Message)
	}
	// The owning goroutine may enter.
	iso.HandleScope().Close()
}

func TestLockNestsAndHandsOff(t *testing.T) {
	iso := newTestIsolate(t, 1)
	if iso.LockerActive() || iso.IsLocked() {
		t.Fatalf("fresh isolate reports a lock")
	}
	iso.Lock()
	iso.Lock()
	iso.Unlock()
	if !iso.IsLocked() || !iso.LockerActive() {
		t.Fatalf("nested unlock released the isolate")
	}

	acquired := make(chan bool)
	release := make(chan struct{})
	go func() {
		iso.Lock()
		acquired <- iso.IsLocked()
		<-release
		iso.Unlock()
	}()
	select {
	case <-acquired:
		t.Fatal("second goroutine locked a held isolate")
	default:
	}
	iso.Unlock()
	if held := <-acquired; !held {
		t.Errorf("new owner does not see the lock")
	}
	if iso.IsLocked() {
		t.Errorf("previous owner still sees the lock")
	}
	close(release)
}

func TestFatalCallback(t *testing.T) {
	var gotLocation string
	iso, err := New(Options{FatalErrorCallback: func(location, message string) { gotLocation = location }})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	expectFatal(t, func() { iso.Fatal("Test::Location", "boom") })
	if gotLocation != "Test::Location" {
		t.Errorf("callback location = %q", gotLocation)
	}
}
