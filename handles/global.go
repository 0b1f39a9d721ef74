package handles

import "github.com/chazu/heapsnap/heap"

// ---------------------------------------------------------------------------
// Global handles
// ---------------------------------------------------------------------------

type nodeState uint8

const (
	nodeFree nodeState = iota
	nodeNormal
	nodeWeak
	nodePending
)

// WeakCallbackInfo is passed to the finalizer of a collected weak handle.
type WeakCallbackInfo struct {
	Handle    Persistent
	Parameter any
}

// WeakCallback runs after the target of a weak handle died. The handle is
// disposed when the callback returns unless the callback revived it.
type WeakCallback func(info WeakCallbackInfo)

type node struct {
	state     nodeState
	parameter any
	callback  WeakCallback
	classID   uint16
}

// Persistent is a handle that is not bound to a scope. It must be disposed
// explicitly.
type Persistent struct {
	Handle
	index int
}

// GlobalHandles owns the persistent handles of an isolate.
type GlobalHandles struct {
	mem         *heap.Memory
	blocks      []*heap.Region
	nodes       []node
	free        []int
	OutOfMemory OutOfMemoryFunc
	Fatal       FatalFunc
}

func NewGlobalHandles(mem *heap.Memory) *GlobalHandles {
	return &GlobalHandles{mem: mem, OutOfMemory: defaultOutOfMemory, Fatal: defaultFatal}
}

func (g *GlobalHandles) slot(i int) heap.Address {
	return g.blocks[i/BlockSize].Base + heap.Address(i%BlockSize)*heap.PointerSize
}

// Create makes a strong persistent handle holding v.
func (g *GlobalHandles) Create(v heap.Value) Persistent {
	var i int
	if n := len(g.free); n > 0 {
		i = g.free[n-1]
		g.free = g.free[:n-1]
	} else {
		i = len(g.nodes)
		if i%BlockSize == 0 {
			b, err := g.mem.Map(blockBytes, heap.RegionHandleBlock)
			if err != nil {
				g.OutOfMemory("GlobalHandles::Create")
			}
			g.blocks = append(g.blocks, b)
		}
		g.nodes = append(g.nodes, node{})
	}
	g.nodes[i] = node{state: nodeNormal}
	loc := g.slot(i)
	g.mem.SetValue(loc, v)
	return Persistent{Handle: Handle{location: loc, mem: g.mem}, index: i}
}

func (g *GlobalHandles) check(p Persistent, location string) *node {
	if p.IsNull() || p.index >= len(g.nodes) || g.nodes[p.index].state == nodeFree {
		g.Fatal(location, "use of a disposed persistent handle")
	}
	return &g.nodes[p.index]
}

// Destroy disposes p.
func (g *GlobalHandles) Destroy(p Persistent) {
	g.check(p, "GlobalHandles::Destroy")
	g.release(p.index)
}

func (g *GlobalHandles) release(i int) {
	g.nodes[i] = node{}
	g.mem.SetValue(g.slot(i), heap.ZapValue)
	g.free = append(g.free, i)
}

// MakeWeak lets the target be collected once only weak handles reach it.
func (g *GlobalHandles) MakeWeak(p Persistent, parameter any, callback WeakCallback) {
	n := g.check(p, "GlobalHandles::MakeWeak")
	n.state = nodeWeak
	n.parameter = parameter
	n.callback = callback
}

// ClearWeakness makes p strong again and returns its parameter.
func (g *GlobalHandles) ClearWeakness(p Persistent) any {
	n := g.check(p, "GlobalHandles::ClearWeakness")
	param := n.parameter
	n.state = nodeNormal
	n.parameter = nil
	n.callback = nil
	return param
}

func (g *GlobalHandles) IsWeak(p Persistent) bool {
	return g.check(p, "GlobalHandles::IsWeak").state == nodeWeak
}

// SetClassID tags p for heap profilers.
func (g *GlobalHandles) SetClassID(p Persistent, id uint16) {
	g.check(p, "GlobalHandles::SetClassID").classID = id
}

func (g *GlobalHandles) ClassID(p Persistent) uint16 {
	return g.check(p, "GlobalHandles::ClassID").classID
}

func (g *GlobalHandles) NumberOfGlobalHandles() int {
	return len(g.nodes) - len(g.free)
}

func (g *GlobalHandles) NumberOfWeakHandles() int {
	n := 0
	for _, nd := range g.nodes {
		if nd.state == nodeWeak {
			n++
		}
	}
	return n
}

// IterateStrongRoots visits the slots of strong handles.
func (g *GlobalHandles) IterateStrongRoots(v heap.ObjectVisitor) {
	for i, nd := range g.nodes {
		if nd.state == nodeNormal {
			s := g.slot(i)
			v.VisitPointers(s, s+heap.PointerSize)
		}
	}
}

// IterateAllRoots visits every live handle slot.
func (g *GlobalHandles) IterateAllRoots(v heap.ObjectVisitor) {
	for i, nd := range g.nodes {
		if nd.state != nodeFree {
			s := g.slot(i)
			v.VisitPointers(s, s+heap.PointerSize)
		}
	}
}

// ProcessWeakRoots updates weak handles whose targets survived and marks
// the others pending.
func (g *GlobalHandles) ProcessWeakRoots(forward func(heap.Value) (heap.Value, bool)) {
	for i := range g.nodes {
		if g.nodes[i].state != nodeWeak {
			continue
		}
		s := g.slot(i)
		if v, alive := forward(g.mem.Value(s)); alive {
			g.mem.SetValue(s, v)
		} else {
			g.mem.SetValue(s, heap.FromSmi(0))
			g.nodes[i].state = nodePending
		}
	}
}

// PostGarbageCollectionProcessing runs the callbacks of pending handles and
// returns how many ran.
func (g *GlobalHandles) PostGarbageCollectionProcessing() int {
	ran := 0
	for i := range g.nodes {
		if g.nodes[i].state != nodePending {
			continue
		}
		nd := g.nodes[i]
		if nd.callback != nil {
			p := Persistent{Handle: Handle{location: g.slot(i), mem: g.mem}, index: i}
			nd.callback(WeakCallbackInfo{Handle: p, Parameter: nd.parameter})
			ran++
		}
		if g.nodes[i].state == nodePending {
			g.release(i)
		}
	}
	if ran > 0 {
		log.Debugf("ran %d weak callbacks", ran)
	}
	return ran
}
