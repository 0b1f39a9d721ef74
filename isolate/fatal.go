package isolate

import (
	"fmt"

	"github.com/chazu/heapsnap/heap"
)

// FatalError is the panic value of an unrecoverable engine error. Usage
// errors and out-of-memory both end here; the operation that raised it
// cannot continue.
type FatalError struct {
	Location    string
	Message     string
	OutOfMemory bool
	Stats       *heap.Stats
}

func (e *FatalError) Error() string {
	if e.OutOfMemory {
		return fmt.Sprintf("fatal out of memory in %s", e.Location)
	}
	return fmt.Sprintf("fatal error in %s: %s", e.Location, e.Message)
}

// Fatal reports a usage error through the embedder's callback and
// terminates the operation.
func (iso *Isolate) Fatal(location, message string) {
	log.Criticalf("fatal error in %s: %s", location, message)
	if cb := iso.opts.FatalErrorCallback; cb != nil {
		cb(location, message)
	}
	panic(&FatalError{Location: location, Message: message})
}

// Check calls Fatal when cond does not hold.
func (iso *Isolate) Check(cond bool, location, message string) {
	if !cond {
		iso.Fatal(location, message)
	}
}

// Checkf is Check with a formatted message.
func (iso *Isolate) Checkf(cond bool, location, format string, args ...any) {
	if !cond {
		iso.Fatal(location, fmt.Sprintf(format, args...))
	}
}

// FatalProcessOutOfMemory dumps heap statistics to the out-of-memory
// callback and terminates the operation.
func (iso *Isolate) FatalProcessOutOfMemory(location string) {
	stats := iso.heap.Stats()
	log.Criticalf("out of memory in %s: %s", location, stats)
	if cb := iso.opts.OutOfMemoryCallback; cb != nil {
		cb(location, stats)
	}
	panic(&FatalError{Location: location, Message: "out of memory", OutOfMemory: true, Stats: stats})
}

// RecoverFatal turns a FatalError panic into an error. Use it as
// defer isolate.RecoverFatal(&err) at API boundaries that must not unwind
// further.
func RecoverFatal(err *error) {
	r := recover()
	if r == nil {
		return
	}
	if fe, ok := r.(*FatalError); ok {
		*err = fe
		return
	}
	panic(r)
}
