// Package snapshot serializes an isolate's heap into startup and context
// snapshots and compiled scripts into code caches, and reads them back.
//
// A stream is a sequence of one-byte opcodes. Each opcode either fills the
// next slot of the object being read (raw data, a root, a back reference,
// a new object, ...) or changes the reader's position. Objects are
// allocated in the order they appear, so a back reference is just a chunk
// and offset into the reservation made up front.
package snapshot

import (
	"github.com/chazu/heapsnap/handles"
	"github.com/chazu/heapsnap/heap"
	"github.com/chazu/heapsnap/isolate"
)

// Initial sink capacities.
const (
	startupSinkSize = 256 * 1024
	contextSinkSize = 64 * 1024
)

// Snapshot is a startup snapshot plus one context.
type Snapshot struct {
	Startup *SnapshotData
	Context *SnapshotData
}

// Create serializes the isolate and context. Fatal errors raised while
// serializing are returned as *isolate.FatalError.
func Create(iso *isolate.Isolate, context handles.Handle) (snap *Snapshot, err error) {
	defer isolate.RecoverFatal(&err)

	startupSink := NewSnapshotByteSink(startupSinkSize)
	startup := NewStartupSerializer(iso, startupSink)
	startup.SerializeStrongReferences()

	contextSink := NewSnapshotByteSink(contextSinkSize)
	partial := NewPartialSerializer(iso, startup, contextSink)
	partial.Serialize(context.Value())

	startup.SerializeWeakReferences()

	return &Snapshot{
		Startup: NewSnapshotData(iso, startupSink.Data(), startup.EncodeReservations()),
		Context: NewSnapshotData(iso, contextSink.Data(), partial.EncodeReservations()),
	}, nil
}

// DeserializeStartup fills a fresh isolate from data.
func DeserializeStartup(iso *isolate.Isolate, data *SnapshotData) (err error) {
	if r := data.SanityCheck(iso); r != CheckSuccess {
		return &RejectionError{Reason: r}
	}
	defer isolate.RecoverFatal(&err)
	NewDeserializer(iso, data.Payload(), data.Reservations()).Deserialize()
	return nil
}

// DeserializeContext reads a context snapshot into an isolate that was
// itself deserialized from the matching startup snapshot. Call inside a
// handle scope.
func DeserializeContext(iso *isolate.Isolate, data *SnapshotData, globalProxy handles.Handle) (context, outdated handles.Handle, err error) {
	if r := data.SanityCheck(iso); r != CheckSuccess {
		return handles.Handle{}, handles.Handle{}, &RejectionError{Reason: r}
	}
	defer isolate.RecoverFatal(&err)
	context, outdated = NewDeserializer(iso, data.Payload(), data.Reservations()).DeserializePartial(globalProxy)
	return context, outdated, nil
}

// OutdatedContexts lists the contexts held by the array DeserializeContext
// returns.
func OutdatedContexts(iso *isolate.Isolate, outdated handles.Handle) []heap.Value {
	h := iso.Heap()
	n := h.FixedArrayLength(outdated.Address())
	out := make([]heap.Value, n)
	for i := range out {
		out[i] = h.FixedArrayGet(outdated.Address(), i)
	}
	return out
}
