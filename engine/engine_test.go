package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/chazu/heapsnap/blob"
	"github.com/chazu/heapsnap/cachestore"
	"github.com/chazu/heapsnap/config"
	"github.com/chazu/heapsnap/heap"
	"github.com/chazu/heapsnap/isolate"
	"github.com/chazu/heapsnap/snapshot"
)

const testSource = `
var total = 0;
function add(a, b) { return a + b; }
function greet(name) {
  function inner() { return "hi"; }
  return "hello " + name;
}
total = add(1, 2.5) + items[0];
`

const otherSource = `
function twice(x) { return x + x; }
var four = twice(2);
`

func newIsolate(t *testing.T, p CreateParams) *Isolate {
	t.Helper()
	i, err := NewIsolate(p)
	if err != nil {
		t.Fatalf("NewIsolate failed: %v", err)
	}
	return i
}

// createBlob builds a startup blob and passes it through its encoding.
func createBlob(t *testing.T) *blob.StartupData {
	t.Helper()
	creator := newIsolate(t, CreateParams{Options: isolate.Options{SerializerEnabled: true, AddressSeed: 1}})
	d, err := creator.CreateSnapshotDataBlob()
	if err != nil {
		t.Fatalf("CreateSnapshotDataBlob failed: %v", err)
	}
	data, err := blob.Marshal(d, true)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	d, err = blob.Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	return d
}

func openStore(t *testing.T) *cachestore.Store {
	t.Helper()
	s, err := cachestore.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("cachestore.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ---------------------------------------------------------------------------
// Isolates and contexts
// ---------------------------------------------------------------------------

func TestNewContextFromScratch(t *testing.T) {
	i := newIsolate(t, CreateParams{Options: isolate.Options{AddressSeed: 1}})
	if i.FromSnapshot() {
		t.Errorf("bootstrapped isolate claims to come from a snapshot")
	}
	c, err := i.NewContext()
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	defer c.Dispose()
	if c.FromSnapshot() {
		t.Errorf("genesis context claims to come from a snapshot")
	}
	h := i.Internal().Heap()
	if got := h.InstanceTypeOf(c.Value().Address()); got != heap.NativeContextType {
		t.Fatalf("context type = %s", got)
	}
	if got := h.Field(c.GlobalProxy().Address(), heap.JSGlobalProxyNativeContextOffset); got != c.Value() {
		t.Errorf("proxy points at %s, want the context", got)
	}
}

func TestSnapshotBlobRoundTrip(t *testing.T) {
	d := createBlob(t)
	if !d.HasContext() {
		t.Fatalf("blob has no context snapshot")
	}
	i := newIsolate(t, CreateParams{Options: isolate.Options{AddressSeed: 2}, StartupData: d})
	if !i.FromSnapshot() {
		t.Errorf("isolate does not report its snapshot")
	}
	c, err := i.NewContext()
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	if !c.FromSnapshot() {
		t.Errorf("context was not deserialized")
	}

	iso := i.Internal()
	h := iso.Heap()
	ctx := c.Value().Address()
	proxy := c.GlobalProxy().Address()
	if got := h.MapOf(proxy); heap.FromAddress(got) != h.FixedArrayGet(ctx, heap.NativeContextGlobalProxyMapIndex) {
		t.Errorf("proxy map was not replaced with the context's proxy map")
	}
	if got := h.Field(proxy, heap.JSGlobalProxyNativeContextOffset); got != c.Value() {
		t.Errorf("proxy native context = %s", got)
	}
	if got := h.Field(c.Global().Address(), heap.JSGlobalObjectGlobalProxyOffset); got != c.GlobalProxy() {
		t.Errorf("global object proxy = %s", got)
	}
	runtime := h.FixedArrayGet(ctx, heap.NativeContextRuntimeContextIndex).Address()
	if got := h.FixedArrayGet(runtime, heap.ContextGlobalObjectIndex); got != c.Global() {
		t.Errorf("runtime context was not rebound to the global object")
	}
	if h.NativeContextsList != c.Value() {
		t.Errorf("native contexts list = %s", h.NativeContextsList)
	}
	cell := c.EmbedderData(isolate.EmbedderDataPropertyCellIndex).Address()
	if got := h.Field(cell, heap.PropertyCellValueOffset); got != heap.FromSmi(42) {
		t.Errorf("property cell = %s", got)
	}

	iso.CollectAllGarbage()
	if got := h.InstanceTypeOf(c.Value().Address()); got != heap.NativeContextType {
		t.Errorf("context type after gc = %s", got)
	}
	c.Dispose()
}

func TestTwoContextsFromOneSnapshot(t *testing.T) {
	d := createBlob(t)
	i := newIsolate(t, CreateParams{Options: isolate.Options{AddressSeed: 3}, StartupData: d})
	a, err := i.NewContext()
	if err != nil {
		t.Fatalf("first NewContext failed: %v", err)
	}
	b, err := i.NewContext()
	if err != nil {
		t.Fatalf("second NewContext failed: %v", err)
	}
	if a.Value() == b.Value() || a.GlobalProxy() == b.GlobalProxy() {
		t.Errorf("contexts share state")
	}
}

func TestCreateSnapshotRequiresSerializer(t *testing.T) {
	i := newIsolate(t, CreateParams{Options: isolate.Options{AddressSeed: 1}})
	if _, err := i.CreateSnapshotDataBlob(); !errors.Is(err, ErrSerializerDisabled) {
		t.Errorf("err = %v, want ErrSerializerDisabled", err)
	}
}

func TestCreateSnapshotOnce(t *testing.T) {
	i := newIsolate(t, CreateParams{Options: isolate.Options{SerializerEnabled: true, AddressSeed: 1}})
	if _, err := i.CreateSnapshotDataBlob(); err != nil {
		t.Fatalf("CreateSnapshotDataBlob failed: %v", err)
	}
	if _, err := i.CreateSnapshotDataBlob(); !errors.Is(err, ErrAlreadySerialized) {
		t.Errorf("err = %v, want ErrAlreadySerialized", err)
	}
}

func TestRejectedStartupBlob(t *testing.T) {
	d := createBlob(t)
	bad := *d
	bad.Startup = append([]byte(nil), d.Startup...)
	bad.Startup[len(bad.Startup)-1] ^= 0xff

	_, err := NewIsolate(CreateParams{Options: isolate.Options{AddressSeed: 2}, StartupData: &bad})
	var re *snapshot.RejectionError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want a rejection", err)
	}
	if re.Reason != snapshot.ChecksumMismatch {
		t.Errorf("reason = %s", re.Reason)
	}
}

func TestParamsFromConfig(t *testing.T) {
	c := config.Default()
	c.Heap.AddressSeed = 9
	c.Isolate.CPUFeatures = []string{"sse3"}
	p, err := ParamsFromConfig(c)
	if err != nil {
		t.Fatalf("ParamsFromConfig failed: %v", err)
	}
	if p.Options.AddressSeed != 9 || p.Options.CPUFeatures == 0 || !p.Options.Flags.ZapHandles {
		t.Errorf("options = %+v", p.Options)
	}

	c.Isolate.CPUFeatures = []string{"no-such-feature"}
	if _, err := ParamsFromConfig(c); err == nil {
		t.Errorf("unknown cpu feature accepted")
	}
}

// ---------------------------------------------------------------------------
// Scripts
// ---------------------------------------------------------------------------

func TestCompileProduceAndConsume(t *testing.T) {
	producer := newIsolate(t, CreateParams{Options: isolate.Options{AddressSeed: 1}})
	s, err := producer.Compile(testSource, CompileOptions{Origin: "test.js", ProduceCache: true})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if s.FromCache || len(s.CachedData) == 0 {
		t.Fatalf("FromCache = %v, %d cache bytes", s.FromCache, len(s.CachedData))
	}

	consumer := newIsolate(t, CreateParams{Options: isolate.Options{AddressSeed: 2}})
	s2, err := consumer.Compile(testSource, CompileOptions{Origin: "test.js", CachedData: s.CachedData})
	if err != nil {
		t.Fatalf("Compile with cache failed: %v", err)
	}
	defer s2.Dispose()
	if !s2.FromCache || s2.CacheRejected {
		t.Errorf("FromCache = %v, CacheRejected = %v", s2.FromCache, s2.CacheRejected)
	}
	if s2.Source() != testSource {
		t.Errorf("source = %q", s2.Source())
	}
	h := consumer.Internal().Heap()
	if got := h.InstanceTypeOf(s2.SharedFunctionInfo().Address()); got != heap.SharedFunctionInfoType {
		t.Errorf("result type = %s", got)
	}
}

func TestCompileRejectedCacheFallsBack(t *testing.T) {
	i := newIsolate(t, CreateParams{Options: isolate.Options{AddressSeed: 1}})
	s, err := i.Compile(testSource, CompileOptions{ProduceCache: true})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if s.Origin != anonymousOrigin {
		t.Errorf("origin = %q", s.Origin)
	}

	s2, err := i.Compile(otherSource, CompileOptions{CachedData: s.CachedData})
	if err != nil {
		t.Fatalf("fallback compile failed: %v", err)
	}
	if !s2.CacheRejected || s2.FromCache {
		t.Errorf("CacheRejected = %v, FromCache = %v", s2.CacheRejected, s2.FromCache)
	}
	if s2.RejectReason != snapshot.SourceMismatch {
		t.Errorf("reason = %s", s2.RejectReason)
	}
	if s2.Source() != otherSource {
		t.Errorf("fallback compiled the wrong source")
	}
	if s2.CachedData != nil {
		t.Errorf("cache produced without ProduceCache")
	}
}

// Code cache header words used below: the checksum halves sit at byte
// offsets 36 and 40 and the first reservation follows the header at 44.
const (
	cacheChecksumOffset    = 36
	cacheReservationOffset = 44
)

// oversizeFirstReservation makes the first reserved chunk larger than a
// page, keeping its last-chunk flag.
func oversizeFirstReservation(data []byte) []byte {
	b := append([]byte(nil), data...)
	r := binary.LittleEndian.Uint32(b[cacheReservationOffset:])
	binary.LittleEndian.PutUint32(b[cacheReservationOffset:], r&0x80000000|0x00f00000)
	return b
}

func TestCompileCorruptReservationFallsBack(t *testing.T) {
	producer := newIsolate(t, CreateParams{Options: isolate.Options{AddressSeed: 1}})
	s, err := producer.Compile(testSource, CompileOptions{Origin: "t.js", ProduceCache: true})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	corrupt := oversizeFirstReservation(s.CachedData)

	consumer := newIsolate(t, CreateParams{Options: isolate.Options{AddressSeed: 2}})
	if r := snapshot.SerializedCodeDataFromBytes(corrupt).SanityCheck(consumer.Internal(), testSource); r != snapshot.ChecksumMismatch {
		t.Errorf("SanityCheck = %s, want %s", r, snapshot.ChecksumMismatch)
	}
	s2, err := consumer.Compile(testSource, CompileOptions{Origin: "t.js", CachedData: corrupt})
	if err != nil {
		t.Fatalf("fallback compile failed: %v", err)
	}
	defer s2.Dispose()
	if !s2.CacheRejected || s2.FromCache || s2.RejectReason != snapshot.ChecksumMismatch {
		t.Errorf("CacheRejected = %v, FromCache = %v, reason = %s", s2.CacheRejected, s2.FromCache, s2.RejectReason)
	}
	if s2.Source() != testSource {
		t.Errorf("fallback compiled the wrong source")
	}
}

func TestCompileOversizedCacheFallsBack(t *testing.T) {
	producer := newIsolate(t, CreateParams{Options: isolate.Options{AddressSeed: 1}})
	s, err := producer.Compile(testSource, CompileOptions{Origin: "t.js", ProduceCache: true})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	// A cache that passes every check but cannot be reserved.
	oversized := oversizeFirstReservation(s.CachedData)
	sum := snapshot.NewChecksum(oversized[cacheReservationOffset:])
	binary.LittleEndian.PutUint32(oversized[cacheChecksumOffset:], sum.A)
	binary.LittleEndian.PutUint32(oversized[cacheChecksumOffset+4:], sum.B)

	consumer := newIsolate(t, CreateParams{Options: isolate.Options{AddressSeed: 2}})
	if r := snapshot.SerializedCodeDataFromBytes(oversized).SanityCheck(consumer.Internal(), testSource); r != snapshot.CheckSuccess {
		t.Fatalf("SanityCheck = %s", r)
	}
	s2, err := consumer.Compile(testSource, CompileOptions{Origin: "t.js", CachedData: oversized})
	if err != nil {
		t.Fatalf("fallback compile failed: %v", err)
	}
	defer s2.Dispose()
	if !s2.CacheRejected || s2.FromCache || s2.RejectReason != snapshot.CheckSuccess {
		t.Errorf("CacheRejected = %v, FromCache = %v, reason = %s", s2.CacheRejected, s2.FromCache, s2.RejectReason)
	}
	if s2.Source() != testSource {
		t.Errorf("fallback compiled the wrong source")
	}
}

func TestCompileSyntaxError(t *testing.T) {
	i := newIsolate(t, CreateParams{Options: isolate.Options{AddressSeed: 1}})
	_, err := i.Compile("function broken() { if (x) { return 1; }", CompileOptions{Origin: "bad.js"})
	if !errors.Is(err, isolate.ErrSyntax) {
		t.Errorf("err = %v, want ErrSyntax", err)
	}
}

func TestCompileCached(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	i := newIsolate(t, CreateParams{Options: isolate.Options{AddressSeed: 1}, CodeCache: store})

	s, err := i.CompileCached(ctx, "app.js", testSource)
	if err != nil {
		t.Fatalf("first CompileCached failed: %v", err)
	}
	if s.FromCache {
		t.Errorf("first compile hit an empty cache")
	}
	e, err := store.Get(ctx, "app.js")
	if err != nil {
		t.Fatalf("no entry stored: %v", err)
	}
	if e.SourceHash != snapshot.SourceHash(testSource) {
		t.Errorf("stored hash = %#x", e.SourceHash)
	}

	s, err = i.CompileCached(ctx, "app.js", testSource)
	if err != nil {
		t.Fatalf("second CompileCached failed: %v", err)
	}
	if !s.FromCache {
		t.Errorf("second compile missed the cache")
	}

	// A changed source rejects the entry and stores a new one.
	s, err = i.CompileCached(ctx, "app.js", otherSource)
	if err != nil {
		t.Fatalf("CompileCached with new source failed: %v", err)
	}
	if !s.CacheRejected || s.RejectReason != snapshot.SourceMismatch {
		t.Errorf("CacheRejected = %v, reason = %s", s.CacheRejected, s.RejectReason)
	}
	e, err = store.Get(ctx, "app.js")
	if err != nil || e.SourceHash != snapshot.SourceHash(otherSource) {
		t.Fatalf("entry not replaced: %+v, %v", e, err)
	}
	if n, _ := store.Len(ctx); n != 1 {
		t.Errorf("store holds %d entries", n)
	}

	s, err = i.CompileCached(ctx, "app.js", otherSource)
	if err != nil || !s.FromCache {
		t.Errorf("replaced entry not used: FromCache = %v, err = %v", s != nil && s.FromCache, err)
	}
}

func TestCompileCachedWithoutStore(t *testing.T) {
	i := newIsolate(t, CreateParams{Options: isolate.Options{AddressSeed: 1}})
	if _, err := i.CompileCached(context.Background(), "a.js", testSource); !errors.Is(err, ErrNoCodeCache) {
		t.Errorf("err = %v, want ErrNoCodeCache", err)
	}
}

// ---------------------------------------------------------------------------
// Locking
// ---------------------------------------------------------------------------

func TestScopesRequireLock(t *testing.T) {
	i := newIsolate(t, CreateParams{Options: isolate.Options{AddressSeed: 1}})
	i.Lock()
	defer i.Unlock()

	var wg sync.WaitGroup
	var compileErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, compileErr = i.Compile(testSource, CompileOptions{})
	}()
	wg.Wait()
	var fe *isolate.FatalError
	if !errors.As(compileErr, &fe) {
		t.Fatalf("compiling without the lock: err = %v", compileErr)
	}

	outer := i.HandleScope()
	defer outer.Close()
	inner := i.EscapableHandleScope()
	h := inner.Escape(i.Internal().NewHandle(heap.FromSmi(7)))
	inner.Close()
	if h.Value() != heap.FromSmi(7) {
		t.Errorf("escaped value = %s", h.Value())
	}
}
