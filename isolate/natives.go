package isolate

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/chazu/heapsnap/heap"
)

//go:embed natives/*.js
var nativesFS embed.FS

type nativeScript struct {
	name   string
	source []byte
}

// natives are compiled into the binary; every isolate sees the same list.
var natives = loadNatives()

func loadNatives() []nativeScript {
	names, err := fs.Glob(nativesFS, "natives/*.js")
	if err != nil {
		panic(err)
	}
	sort.Strings(names)
	out := make([]nativeScript, 0, len(names))
	for _, n := range names {
		src, err := nativesFS.ReadFile(n)
		if err != nil {
			panic(err)
		}
		out = append(out, nativeScript{name: "native " + path.Base(n), source: src})
	}
	return out
}

// NativesCount is the number of compiled-in natives scripts.
func NativesCount() int { return len(natives) }

// NativesName returns the script name of natives script i.
func NativesName(i int) string { return natives[i].name }

// NativesSource returns the source of natives script i.
func NativesSource(i int) []byte { return natives[i].source }

// setUpNatives copies the natives sources into this isolate's memory, where
// they play the part of the read-only data segment, and registers one
// external resource per script.
func (iso *Isolate) setUpNatives() error {
	total := 0
	for _, n := range natives {
		total += heap.RoundUp(len(n.source), heap.PointerSize)
	}
	r, err := iso.mem.Map(max(total, heap.PointerSize), heap.RegionExternal)
	if err != nil {
		return fmt.Errorf("mapping natives: %w", err)
	}
	iso.natives = r
	a := r.Base
	for i, n := range natives {
		copy(iso.mem.Bytes(a, len(n.source)), n.source)
		res, err := iso.heap.ExternalResources().NewNatives(i, a, len(n.source))
		if err != nil {
			return fmt.Errorf("natives resource: %w", err)
		}
		iso.nativesRes = append(iso.nativesRes, res)
		a += heap.Address(heap.RoundUp(len(n.source), heap.PointerSize))
	}
	return nil
}

// NativesResource returns the external resource of natives script i.
func (iso *Isolate) NativesResource(i int) (*heap.ExternalStringResource, bool) {
	if i < 0 || i >= len(iso.nativesRes) {
		return nil, false
	}
	return iso.nativesRes[i], true
}

// NativesIndexOf maps a resource address back to its natives script.
func (iso *Isolate) NativesIndexOf(resource heap.Address) (int, bool) {
	for i, r := range iso.nativesRes {
		if r.Address == resource {
			return i, true
		}
	}
	return 0, false
}
