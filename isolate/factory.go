package isolate

import (
	"github.com/chazu/heapsnap/handles"
	"github.com/chazu/heapsnap/heap"
)

// ---------------------------------------------------------------------------
// Factory
// ---------------------------------------------------------------------------

// The factory wraps heap allocation for code running inside a handle
// scope. Allocation failure is out of memory: there is no caller that
// could continue.

func (iso *Isolate) must(a heap.Address, err error, location string) handles.Handle {
	if err != nil {
		iso.FatalProcessOutOfMemory(location)
	}
	return iso.NewHandle(heap.FromAddress(a))
}

func (iso *Isolate) mustValue(v heap.Value, err error, location string) handles.Handle {
	if err != nil {
		iso.FatalProcessOutOfMemory(location)
	}
	return iso.NewHandle(v)
}

// NewFixedArray allocates an array of undefined.
func (iso *Isolate) NewFixedArray(length int, space heap.AllocationSpace) handles.Handle {
	a, err := iso.heap.AllocateFixedArray(length, space)
	return iso.must(a, err, "Factory::NewFixedArray")
}

// NewFixedArrayWithMap allocates a FixedArray shaped object with map m.
func (iso *Isolate) NewFixedArrayWithMap(length int, space heap.AllocationSpace, m heap.Value) handles.Handle {
	a, err := iso.heap.AllocateFixedArrayWithMap(length, space, m)
	return iso.must(a, err, "Factory::NewFixedArrayWithMap")
}

func (iso *Isolate) NewFixedDoubleArray(values []float64) handles.Handle {
	a, err := iso.heap.AllocateFixedDoubleArray(values)
	return iso.must(a, err, "Factory::NewFixedDoubleArray")
}

func (iso *Isolate) NewByteArray(data []byte) handles.Handle {
	a, err := iso.heap.AllocateByteArray(data)
	return iso.must(a, err, "Factory::NewByteArray")
}

func (iso *Isolate) NewHeapNumber(f float64) handles.Handle {
	a, err := iso.heap.AllocateHeapNumber(f)
	return iso.must(a, err, "Factory::NewHeapNumber")
}

// NewString allocates a sequential, non-internalized string.
func (iso *Isolate) NewString(s string) handles.Handle {
	a, err := iso.heap.AllocateSeqString(s, false)
	return iso.must(a, err, "Factory::NewStringFromUtf8")
}

// InternalizeString returns the canonical string for s.
func (iso *Isolate) InternalizeString(s string) handles.Handle {
	v, err := iso.heap.Internalize(s)
	return iso.mustValue(v, err, "Factory::InternalizeString")
}

// NewExternalString copies s into embedder memory and wraps it in an
// external string.
func (iso *Isolate) NewExternalString(s string) handles.Handle {
	res, err := iso.heap.ExternalResources().New(s)
	if err != nil {
		iso.FatalProcessOutOfMemory("Factory::NewExternalStringFromOneByte")
	}
	a, err := iso.heap.AllocateExternalString(res, false)
	return iso.must(a, err, "Factory::NewExternalStringFromOneByte")
}

// NewNativesSourceString wraps compiled-in script i.
func (iso *Isolate) NewNativesSourceString(i int) handles.Handle {
	res, ok := iso.NativesResource(i)
	iso.Checkf(ok, "Factory::NewNativesSourceString", "no natives script %d", i)
	a, err := iso.heap.AllocateExternalString(res, false)
	return iso.must(a, err, "Factory::NewNativesSourceString")
}

func (iso *Isolate) NewCell(v heap.Value) handles.Handle {
	a, err := iso.heap.AllocateCell(v)
	return iso.must(a, err, "Factory::NewCell")
}

func (iso *Isolate) NewPropertyCell(v heap.Value) handles.Handle {
	a, err := iso.heap.AllocatePropertyCell(v)
	return iso.must(a, err, "Factory::NewPropertyCell")
}

func (iso *Isolate) NewAllocationSite(transitionInfo heap.Value) handles.Handle {
	a, err := iso.heap.AllocateAllocationSite(transitionInfo)
	if err == nil {
		iso.IncrementCounter("allocation_sites_created", 1)
	}
	return iso.must(a, err, "Factory::NewAllocationSite")
}

// NewForeign wraps a native address, typically an accessor thunk.
func (iso *Isolate) NewForeign(addr heap.Address) handles.Handle {
	a, err := iso.heap.AllocateForeign(addr)
	return iso.must(a, err, "Factory::NewForeign")
}

func (iso *Isolate) NewScript(source, name heap.Value) handles.Handle {
	a, err := iso.heap.AllocateScript(source, name)
	return iso.must(a, err, "Factory::NewScript")
}

func (iso *Isolate) NewSharedFunctionInfo(si heap.SharedInfo) handles.Handle {
	a, err := iso.heap.AllocateSharedFunctionInfo(si)
	return iso.must(a, err, "Factory::NewSharedFunctionInfo")
}

// NewMap allocates a map for instances of type t.
func (iso *Isolate) NewMap(t heap.InstanceType, instanceSize int) handles.Handle {
	a, err := iso.heap.AllocateMap(t, instanceSize)
	return iso.must(a, err, "Factory::NewMap")
}

// NewJSObject allocates an instance of map m.
func (iso *Isolate) NewJSObject(m heap.Address, space heap.AllocationSpace) handles.Handle {
	a, err := iso.heap.AllocateJSObject(m, space)
	return iso.must(a, err, "Factory::NewJSObject")
}

// NewFunction creates a closure of shared in context.
func (iso *Isolate) NewFunction(m heap.Address, shared, context heap.Value) handles.Handle {
	a, err := iso.heap.AllocateJSFunction(m, shared, context)
	return iso.must(a, err, "Factory::NewFunction")
}

// NewContext allocates a context of length slots with the given map.
func (iso *Isolate) NewContext(length int, m heap.RootIndex) handles.Handle {
	return iso.NewFixedArrayWithMap(length, heap.OldPointerSpace, iso.heap.Root(m))
}

// NewCode places assembled code in code space.
func (iso *Isolate) NewCode(desc heap.CodeDesc, hdr heap.CodeHeader) handles.Handle {
	a, err := iso.heap.CreateCode(desc, hdr)
	return iso.must(a, err, "Factory::NewCode")
}
