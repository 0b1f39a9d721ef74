package handles

import "github.com/chazu/heapsnap/heap"

// EternalHandles are never released. Each is identified by a stable index.
type EternalHandles struct {
	mem         *heap.Memory
	blocks      []*heap.Region
	size        int
	OutOfMemory OutOfMemoryFunc
}

func NewEternalHandles(mem *heap.Memory) *EternalHandles {
	return &EternalHandles{mem: mem, OutOfMemory: defaultOutOfMemory}
}

func (e *EternalHandles) slot(i int) heap.Address {
	return e.blocks[i/BlockSize].Base + heap.Address(i%BlockSize)*heap.PointerSize
}

// Create stores v and returns its index.
func (e *EternalHandles) Create(v heap.Value) int {
	i := e.size
	if i%BlockSize == 0 {
		b, err := e.mem.Map(blockBytes, heap.RegionHandleBlock)
		if err != nil {
			e.OutOfMemory("EternalHandles::Create")
		}
		e.blocks = append(e.blocks, b)
	}
	e.size++
	e.mem.SetValue(e.slot(i), v)
	return i
}

// Get returns a handle to the eternal at index.
func (e *EternalHandles) Get(index int) Handle {
	if index < 0 || index >= e.size {
		return Handle{}
	}
	return Handle{location: e.slot(index), mem: e.mem}
}

func (e *EternalHandles) NumberOfHandles() int { return e.size }

// IterateAllRoots visits every eternal slot.
func (e *EternalHandles) IterateAllRoots(v heap.ObjectVisitor) {
	for i, b := range e.blocks {
		n := BlockSize
		if i == len(e.blocks)-1 {
			n = e.size - i*BlockSize
		}
		v.VisitPointers(b.Base, b.Base+heap.Address(n)*heap.PointerSize)
	}
}
