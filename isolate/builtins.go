package isolate

import (
	"fmt"

	"github.com/chazu/heapsnap/heap"
)

// Builtin identifies a builtin code object.
type Builtin int

const (
	BuiltinIllegal Builtin = iota
	BuiltinCompileLazy
	BuiltinInOptimizationQueue
	BuiltinJSEntryTrampoline
	BuiltinJSConstructStubGeneric
	BuiltinArgumentsAdaptorTrampoline
	BuiltinNotifyDeoptimized
	BuiltinLoadICMiss
	BuiltinStoreICMiss
	BuiltinKeyedLoadICMegamorphic
	BuiltinKeyedStoreICMegamorphic
	BuiltinFunctionCall
	BuiltinFunctionApply
	BuiltinArrayCode
	BuiltinStackCheck
	BuiltinInterruptCheck
)

// BuiltinCount is the number of builtins.
const BuiltinCount = 16

var builtinNames = [BuiltinCount]string{
	"Illegal", "CompileLazy", "InOptimizationQueue", "JSEntryTrampoline",
	"JSConstructStubGeneric", "ArgumentsAdaptorTrampoline", "NotifyDeoptimized",
	"LoadIC_Miss", "StoreIC_Miss", "KeyedLoadIC_Megamorphic", "KeyedStoreIC_Megamorphic",
	"FunctionCall", "FunctionApply", "ArrayCode", "StackCheck", "InterruptCheck",
}

func (b Builtin) String() string {
	if b >= 0 && int(b) < BuiltinCount {
		return builtinNames[b]
	}
	return fmt.Sprintf("Builtin(%d)", int(b))
}

// builtinKind assigns the code kind of each builtin.
func builtinKind(b Builtin) heap.CodeKind {
	switch b {
	case BuiltinLoadICMiss, BuiltinKeyedLoadICMegamorphic:
		return heap.LoadICCode
	case BuiltinStoreICMiss, BuiltinKeyedStoreICMegamorphic:
		return heap.StoreICCode
	}
	return heap.BuiltinCode
}

// builtinRuntime is the runtime function each builtin tail calls.
var builtinRuntime = map[Builtin]string{
	BuiltinCompileLazy:             "CompileLazy",
	BuiltinInOptimizationQueue:     "CompileLazy",
	BuiltinNotifyDeoptimized:       "NotifyDeoptimized",
	BuiltinLoadICMiss:              "LoadIC_Miss",
	BuiltinStoreICMiss:             "StoreIC_Miss",
	BuiltinKeyedLoadICMegamorphic:  "KeyedLoadIC_Miss",
	BuiltinKeyedStoreICMegamorphic: "KeyedStoreIC_Miss",
	BuiltinStackCheck:              "StackGuard",
	BuiltinInterruptCheck:          "Interrupt",
	BuiltinJSConstructStubGeneric:  "NewObject",
}

// BuiltinsTableAddress is the first builtin slot.
func (iso *Isolate) BuiltinsTableAddress() heap.Address {
	return iso.data.Base + builtinsOffset
}

func (iso *Isolate) builtinSlot(b Builtin) heap.Address {
	return iso.BuiltinsTableAddress() + heap.Address(b)*heap.PointerSize
}

// BuiltinCode returns the code object of b.
func (iso *Isolate) BuiltinCode(b Builtin) heap.Value {
	return iso.mem.Value(iso.builtinSlot(b))
}

// LookupBuiltin returns the builtin whose code object is code.
func (iso *Isolate) LookupBuiltin(code heap.Address) (Builtin, bool) {
	for b := Builtin(0); b < BuiltinCount; b++ {
		if v := iso.BuiltinCode(b); v.IsHeapObject() && v.Address() == code {
			return b, true
		}
	}
	return 0, false
}

// IterateBuiltins visits the builtins table.
func (iso *Isolate) IterateBuiltins(v heap.ObjectVisitor) {
	v.VisitPointers(iso.builtinSlot(0), iso.builtinSlot(BuiltinCount))
}

// setUpBuiltins generates every builtin's code.
func (iso *Isolate) setUpBuiltins() error {
	h := iso.heap
	for b := Builtin(0); b < BuiltinCount; b++ {
		a := heap.NewAssembler()
		a.Prologue()
		if iso.flags.DebugCode {
			a.Nop(4)
		}
		loop := a.Offset()
		if rt, ok := builtinRuntime[b]; ok {
			a.MoveExternal(heap.RelocRuntimeEntry, iso.RuntimeFunctionAddress(rt))
		}
		a.MoveObject(h.UndefinedValue())
		a.MoveExternal(heap.RelocExternalReference, h.RootSlot(heap.StackLimitRootIndex))
		if b > BuiltinIllegal {
			a.Call(iso.BuiltinCode(BuiltinIllegal))
		}
		a.Epilogue()
		if b == BuiltinArgumentsAdaptorTrampoline {
			a.JumpTable(loop, 0)
		}
		code, err := h.CreateCode(a.Desc(), heap.CodeHeader{
			Kind:         builtinKind(b),
			Flags:        heap.CodeFlagRelocInfoForSerialization,
			BuiltinIndex: int32(b),
		})
		if err != nil {
			return fmt.Errorf("builtin %s: %w", b, err)
		}
		iso.mem.SetValue(iso.builtinSlot(b), heap.FromAddress(code))
	}
	return nil
}
