// Package engine is the embedding API. It creates isolates from scratch
// or from a startup blob, creates contexts, compiles scripts with code
// caching and writes new startup blobs.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/heapsnap/blob"
	"github.com/chazu/heapsnap/cachestore"
	"github.com/chazu/heapsnap/config"
	"github.com/chazu/heapsnap/handles"
	"github.com/chazu/heapsnap/heap"
	"github.com/chazu/heapsnap/isolate"
	"github.com/chazu/heapsnap/snapshot"
)

var log = commonlog.GetLogger("heapsnap.engine")

var (
	ErrSerializerDisabled = errors.New("isolate was not created for serialization")
	ErrAlreadySerialized  = errors.New("isolate already produced a snapshot")
	ErrNoCodeCache        = errors.New("isolate has no code cache store")
)

// anonymousOrigin names scripts compiled without an origin.
const anonymousOrigin = "<anonymous>"

// CreateParams configure NewIsolate.
type CreateParams struct {
	Options isolate.Options

	// StartupData, when set, is deserialized instead of running genesis.
	StartupData *blob.StartupData

	// CodeCache backs CompileCached. The isolate does not close it.
	CodeCache *cachestore.Store
}

// ParamsFromConfig derives create parameters from a configuration.
func ParamsFromConfig(c *config.Config) (CreateParams, error) {
	opts, err := isolate.OptionsFromConfig(c)
	if err != nil {
		return CreateParams{}, err
	}
	return CreateParams{Options: opts}, nil
}

// Isolate is an engine instance.
type Isolate struct {
	iso        *isolate.Isolate
	startup    *blob.StartupData
	cache      *cachestore.Store
	serialized bool
}

// NewIsolate creates an isolate. With startup data the heap is read from
// the blob; a rejected blob fails creation.
func NewIsolate(p CreateParams) (*Isolate, error) {
	iso, err := isolate.New(p.Options)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	i := &Isolate{iso: iso, startup: p.StartupData, cache: p.CodeCache}

	if p.StartupData == nil {
		if err := iso.Bootstrap(); err != nil {
			return nil, fmt.Errorf("engine: bootstrap: %w", err)
		}
		return i, nil
	}

	if missing := p.StartupData.CPUFeatures &^ iso.CPUFeatures(); missing != 0 {
		log.Warningf("startup blob %s was built with cpu features %#x not enabled here", p.StartupData.BuildID, missing)
	}
	if err := snapshot.DeserializeStartup(iso, p.StartupData.Snapshot().Startup); err != nil {
		return nil, fmt.Errorf("engine: startup snapshot %s: %w", p.StartupData.BuildID, err)
	}
	log.Debugf("isolate %d restored from build %s", iso.ID(), p.StartupData.BuildID)
	return i, nil
}

// Internal exposes the underlying isolate.
func (i *Isolate) Internal() *isolate.Isolate { return i.iso }

// FromSnapshot reports whether the isolate was read from a startup blob.
func (i *Isolate) FromSnapshot() bool { return i.startup != nil }

// Lock binds the isolate to the calling goroutine. Once any goroutine
// has locked it, entering a handle scope without the lock is fatal.
func (i *Isolate) Lock() { i.iso.Lock() }

func (i *Isolate) Unlock() { i.iso.Unlock() }

// HandleScope enters a handle scope. Close it when done.
func (i *Isolate) HandleScope() *handles.Scope { return i.iso.HandleScope() }

// EscapableHandleScope enters a scope that can hand one value to its
// parent.
func (i *Isolate) EscapableHandleScope() *handles.EscapableScope {
	return i.iso.EscapableHandleScope()
}

// ---------------------------------------------------------------------------
// Contexts
// ---------------------------------------------------------------------------

// Context is a native context held by a persistent handle.
type Context struct {
	iso          *Isolate
	handle       handles.Persistent
	fromSnapshot bool
}

// NewContext creates a native context. When the isolate's blob carries a
// context snapshot it is deserialized against a new global proxy;
// otherwise the context is built from scratch.
func (i *Isolate) NewContext() (c *Context, err error) {
	defer isolate.RecoverFatal(&err)
	scope := i.iso.HandleScope()
	defer scope.Close()

	c = &Context{iso: i}
	var context handles.Handle
	if i.startup != nil && i.startup.HasContext() {
		if context, err = i.deserializeContext(); err != nil {
			return nil, err
		}
		c.fromSnapshot = true
	} else {
		context = i.iso.CreateNativeContext(handles.Handle{})
	}
	c.handle = i.iso.GlobalHandles().Create(context.Value())
	return c, nil
}

func (i *Isolate) deserializeContext() (handles.Handle, error) {
	h := i.iso.Heap()
	placeholder := i.iso.NewMap(heap.JSGlobalProxyType, heap.JSGlobalProxySize)
	proxy := i.iso.NewJSObject(placeholder.Address(), heap.OldPointerSpace)

	context, outdated, err := snapshot.DeserializeContext(i.iso, i.startup.Snapshot().Context, proxy)
	if err != nil {
		return handles.Handle{}, fmt.Errorf("engine: context snapshot: %w", err)
	}
	ctx := context.Address()

	proxyMap := h.FixedArrayGet(ctx, heap.NativeContextGlobalProxyMapIndex)
	i.iso.Memory().SetValue(proxy.Address(), proxyMap)
	h.SetField(proxy.Address(), heap.JSGlobalProxyNativeContextOffset, context.Value())

	global := i.iso.GlobalObject(context.Value())
	rebound := snapshot.OutdatedContexts(i.iso, outdated)
	for _, c := range rebound {
		h.FixedArraySet(c.Address(), heap.ContextGlobalObjectIndex, global)
	}
	h.NativeContextsList = context.Value()
	log.Debugf("isolate %d: context deserialized, %d contexts rebound", i.iso.ID(), len(rebound))
	return context, nil
}

// Value returns the native context.
func (c *Context) Value() heap.Value { return c.handle.Value() }

// Global returns the context's global object.
func (c *Context) Global() heap.Value { return c.iso.iso.GlobalObject(c.Value()) }

// GlobalProxy returns the object scripts see as the global.
func (c *Context) GlobalProxy() heap.Value { return c.iso.iso.GlobalProxy(c.Value()) }

// EmbedderData returns slot index of the context's embedder data.
func (c *Context) EmbedderData(index int) heap.Value {
	h := c.iso.iso.Heap()
	data := h.FixedArrayGet(c.Value().Address(), heap.NativeContextEmbedderDataIndex)
	return h.FixedArrayGet(data.Address(), index)
}

// FromSnapshot reports whether the context was deserialized.
func (c *Context) FromSnapshot() bool { return c.fromSnapshot }

// Dispose releases the context's persistent handle.
func (c *Context) Dispose() { c.iso.iso.GlobalHandles().Destroy(c.handle) }

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// CreateSnapshotDataBlob builds a native context and serializes the
// isolate together with it. The isolate must have been created with
// Options.SerializerEnabled, and can produce only one blob.
func (i *Isolate) CreateSnapshotDataBlob() (d *blob.StartupData, err error) {
	if !i.iso.SerializerEnabled() {
		return nil, ErrSerializerDisabled
	}
	if i.serialized {
		return nil, ErrAlreadySerialized
	}
	defer isolate.RecoverFatal(&err)
	scope := i.iso.HandleScope()
	defer scope.Close()

	context := i.iso.CreateNativeContext(handles.Handle{})
	i.iso.CollectAllGarbage()
	snap, err := snapshot.Create(i.iso, context)
	if err != nil {
		return nil, fmt.Errorf("engine: creating snapshot: %w", err)
	}
	i.serialized = true
	d = blob.New(snap, i.iso.Flags().String(), i.iso.CPUFeatures())
	log.Infof("snapshot %s: startup %d bytes, context %d bytes", d.BuildID, len(d.Startup), len(d.Context))
	return d, nil
}

// ---------------------------------------------------------------------------
// Scripts
// ---------------------------------------------------------------------------

// CompileOptions select code cache behavior.
type CompileOptions struct {
	Origin string

	// CachedData is consumed when set. A rejected cache falls back to
	// compiling the source.
	CachedData []byte

	// ProduceCache fills Script.CachedData when the script was compiled
	// from source.
	ProduceCache bool
}

// Script is a compiled toplevel function.
type Script struct {
	iso    *Isolate
	info   handles.Persistent
	Origin string

	// CachedData holds the produced code cache, if requested.
	CachedData []byte

	FromCache     bool
	CacheRejected bool

	// RejectReason is the failed check, or CheckSuccess when the cache
	// passed its checks but did not fit in the heap.
	RejectReason snapshot.SanityCheckResult
}

// Compile compiles source, consuming or producing a code cache as opts
// ask.
func (i *Isolate) Compile(source string, opts CompileOptions) (s *Script, err error) {
	defer isolate.RecoverFatal(&err)
	scope := i.iso.HandleScope()
	defer scope.Close()

	if opts.Origin == "" {
		opts.Origin = anonymousOrigin
	}
	s = &Script{iso: i, Origin: opts.Origin}

	var info handles.Handle
	if opts.CachedData != nil {
		var re *snapshot.RejectionError
		info, err = snapshot.DeserializeCode(i.iso, opts.CachedData, i.iso.NewString(source))
		switch {
		case err == nil:
			s.FromCache = true
		case errors.As(err, &re):
			s.CacheRejected = true
			s.RejectReason = re.Reason
			log.Noticef("%s: code cache rejected (%s), compiling from source", opts.Origin, re.Reason)
		case errors.Is(err, snapshot.ErrReservationFailed):
			s.CacheRejected = true
			log.Noticef("%s: code cache does not fit (%s), compiling from source", opts.Origin, err)
		default:
			return nil, fmt.Errorf("engine: %s: consuming code cache: %w", opts.Origin, err)
		}
	}

	if !s.FromCache {
		if info, err = i.iso.Compile(source, opts.Origin); err != nil {
			return nil, fmt.Errorf("engine: %s: %w", opts.Origin, err)
		}
		if opts.ProduceCache {
			h := i.iso.Heap()
			script := h.Field(info.Address(), heap.SharedScriptOffset).Address()
			src := i.iso.NewHandle(h.Field(script, heap.ScriptSourceOffset))
			s.CachedData = snapshot.SerializeCode(i.iso, info, src).Bytes()
		}
	}
	s.info = i.iso.GlobalHandles().Create(info.Value())
	return s, nil
}

// CompileCached compiles source using the isolate's code cache store.
// A missing or rejected entry is replaced with a fresh cache.
func (i *Isolate) CompileCached(ctx context.Context, origin, source string) (*Script, error) {
	if i.cache == nil {
		return nil, ErrNoCodeCache
	}
	opts := CompileOptions{Origin: origin, ProduceCache: true}
	e, err := i.cache.Get(ctx, origin)
	switch {
	case err == nil:
		opts.CachedData = e.Data
	case errors.Is(err, cachestore.ErrNotFound):
		log.Debugf("%s: no code cache", origin)
	default:
		return nil, err
	}

	s, err := i.Compile(source, opts)
	if err != nil {
		return nil, err
	}
	if s.CacheRejected {
		if err := i.cache.Delete(ctx, origin); err != nil {
			s.Dispose()
			return nil, err
		}
	}
	if s.CachedData != nil {
		if err := i.cache.Put(ctx, origin, snapshot.SourceHash(source), s.CachedData); err != nil {
			s.Dispose()
			return nil, err
		}
	}
	return s, nil
}

// SharedFunctionInfo returns the script's toplevel function info.
func (s *Script) SharedFunctionInfo() heap.Value { return s.info.Value() }

// Source returns the source string attached to the script.
func (s *Script) Source() string {
	h := s.iso.iso.Heap()
	script := h.Field(s.info.Address(), heap.SharedScriptOffset).Address()
	return h.StringContent(h.Field(script, heap.ScriptSourceOffset).Address())
}

// Dispose releases the script's persistent handle.
func (s *Script) Dispose() { s.iso.iso.GlobalHandles().Destroy(s.info) }
