package snapshot

import (
	"errors"
	"time"

	"github.com/chazu/heapsnap/handles"
	"github.com/chazu/heapsnap/heap"
	"github.com/chazu/heapsnap/isolate"
)

// CodeSerializer writes the code cache of one compiled script. The source
// string and code stubs are not written; the reader attaches its own.
type CodeSerializer struct {
	*Serializer

	source   handles.Handle
	mainCode heap.Value

	stubKeys               []uint32
	stubIndex              map[uint32]int
	numInternalizedStrings int
}

func newCodeSerializer(iso *isolate.Isolate, sink *SnapshotByteSink, source handles.Handle, mainCode heap.Value) *CodeSerializer {
	cs := &CodeSerializer{
		Serializer: newSerializer(iso, sink),
		source:     source,
		mainCode:   mainCode,
		stubIndex:  make(map[uint32]int),
	}
	cs.self = cs
	cs.backRefs.AddSourceString(source.Address())
	return cs
}

// SerializeCode produces the code cache for the toplevel function info of
// a script compiled from source.
func SerializeCode(iso *isolate.Isolate, info, source handles.Handle) *SerializedCodeData {
	start := time.Now()
	h := iso.Heap()
	mainCode := h.Field(info.Address(), heap.SharedCodeOffset)
	sink := NewSnapshotByteSink(h.SizeOf(mainCode.Address()) * 2)
	cs := newCodeSerializer(iso, sink, source, mainCode)
	cs.serializeValue(info.Value())
	cs.Pad()

	data := newSerializedCodeData(sink.Data(), cs)
	if iso.Flags().ProfileDeserialization {
		log.Infof("serializing code took %s, %d bytes", time.Since(start), len(data.Bytes()))
	}
	return data
}

func (cs *CodeSerializer) SerializeObject(v heap.Value, how How, within Within, skip int) {
	h := cs.h
	obj := v.Address()
	if idx, ok := cs.rootIndexMap.Lookup(v); ok {
		cs.PutRoot(idx, v, how, within, skip)
		return
	}
	if cs.serializeKnownObject(v, how, within, skip) {
		return
	}
	cs.FlushSkip(skip)

	t := h.InstanceTypeOf(obj)
	if t == heap.CodeType {
		kind := h.CodeKindOf(obj)
		switch {
		case kind == heap.OptimizedFunctionCode, kind == heap.HandlerCode, kind == heap.RegExpCode:
			cs.iso.Fatal("CodeSerializer::SerializeObject", "cannot serialize "+kind.String()+" code")
		case kind == heap.BuiltinCode:
			cs.serializeBuiltin(h.CodeBuiltinIndex(obj), how, within)
		case kind == heap.StubCode:
			cs.serializeCodeStub(h.CodeStubKey(obj), how, within)
		case kind.IsIC():
			if key := h.CodeStubKey(obj); key != uint32(isolate.NoCacheKey) {
				cs.serializeCodeStub(key, how, within)
				return
			}
			bi := h.CodeBuiltinIndex(obj)
			if bi >= 0 && bi < isolate.BuiltinCount && cs.iso.BuiltinCode(isolate.Builtin(bi)) == v {
				cs.serializeBuiltin(bi, how, within)
				return
			}
			cs.serializeGeneric(obj, how, within)
		case kind == heap.FunctionCode:
			cs.iso.Check(h.CodeFlags(obj)&heap.CodeFlagRelocInfoForSerialization != 0,
				"CodeSerializer::SerializeObject", "function code was not generated for serialization")
			if v == cs.mainCode || cs.iso.Flags().SerializeInner {
				cs.serializeGeneric(obj, how, within)
				return
			}
			cs.serializeBuiltin(int(isolate.BuiltinCompileLazy), how, within)
		default:
			cs.iso.Fatal("CodeSerializer::SerializeObject", "unknown code kind "+kind.String())
		}
		return
	}

	switch t {
	case heap.MapType, heap.JSGlobalProxyType, heap.JSGlobalObjectType, heap.HashTableType,
		heap.JSFunctionType, heap.ContextType, heap.NativeContextType:
		cs.iso.Fatal("CodeSerializer::SerializeObject", "cannot serialize "+t.String())
	}
	cs.serializeGeneric(obj, how, within)
}

func (cs *CodeSerializer) serializeGeneric(obj heap.Address, how How, within Within) {
	if cs.h.InstanceTypeOf(obj).IsInternalizedString() {
		cs.numInternalizedStrings++
	}
	newObjectSerializer(cs.Serializer, obj, how, within).Serialize()
}

func (cs *CodeSerializer) serializeBuiltin(index int, how How, within Within) {
	cs.iso.Checkf(index >= 0 && index < isolate.BuiltinCount, "CodeSerializer::SerializeBuiltin",
		"invalid builtin index %d", index)
	if cs.trace {
		log.Debugf("encoding builtin %s", isolate.Builtin(index))
	}
	cs.sink.Put(referenceOpcode(Builtin, how, within, 0), "Builtin")
	cs.sink.PutInt(index, "builtin_index")
}

func (cs *CodeSerializer) serializeCodeStub(key uint32, how How, within Within) {
	i, ok := cs.stubIndex[key]
	if !ok {
		i = len(cs.stubKeys)
		cs.stubKeys = append(cs.stubKeys, key)
		cs.stubIndex[key] = i
	}
	if cs.trace {
		log.Debugf("encoding code stub %s as attachment %d", isolate.StubKey(key), i+1)
	}
	// Attachment 0 is the source string.
	cs.sink.Put(referenceOpcode(AttachedReference, how, within, 0), "CodeStub")
	cs.sink.PutInt(i+1, "CodeStubIndex")
}

// DeserializeCode rebuilds the function info serialized in cached for
// source. Data failing a sanity check yields a *RejectionError and the
// heap is left untouched.
func DeserializeCode(iso *isolate.Isolate, cached []byte, source handles.Handle) (result handles.Handle, err error) {
	start := time.Now()
	h := iso.Heap()
	scd := SerializedCodeDataFromBytes(cached)
	if r := scd.SanityCheck(iso, h.StringContent(source.Address())); r != CheckSuccess {
		log.Noticef("code cache rejected: %s", r)
		return handles.Handle{}, &RejectionError{Reason: r}
	}

	keys := scd.CodeStubKeys()
	attached := make([]heap.Value, 0, len(keys)+1)
	attached = append(attached, source.Value())
	for _, k := range keys {
		attached = append(attached, iso.Stubs().GetCode(isolate.StubKey(k)))
	}

	d := NewDeserializer(iso, scd.Payload(), scd.Reservations())
	d.SetAttachedObjects(attached)
	result, err = d.DeserializeCode()
	if err != nil {
		return handles.Handle{}, err
	}
	if iso.Flags().ProfileDeserialization {
		log.Infof("deserializing code took %s, %d bytes", time.Since(start), len(cached))
	}
	return result, nil
}

// IsRejection reports whether err came from a failed sanity check.
func IsRejection(err error) bool { return errors.Is(err, ErrRejected) }
