package heap

// ---------------------------------------------------------------------------
// Copying collector
// ---------------------------------------------------------------------------

// RootSet supplies the slots outside the heap that keep objects alive.
type RootSet interface {
	// IterateStrongRoots visits every strong slot the owner holds.
	IterateStrongRoots(v ObjectVisitor)
	// ProcessWeakRoots updates or clears weak slots. forward returns the
	// new location of a surviving object and false for a dead one.
	ProcessWeakRoots(forward func(Value) (Value, bool))
}

type collector struct {
	h       *Heap
	old     [NumberOfSpaces]*pagedSpace
	forward map[Address]Address
	queue   []Address
}

// CollectGarbage moves every object reachable from the heap's own roots
// and from roots into fresh pages and releases the old ones.
func (h *Heap) CollectGarbage(roots RootSet) {
	c := &collector{h: h, forward: make(map[Address]Address)}
	c.old = h.spaces
	for i := range h.spaces {
		h.spaces[i] = &pagedSpace{id: AllocationSpace(i)}
	}
	saved := h.maxSize
	h.maxSize = 0

	v := &gcVisitor{c: c}
	h.IterateStrongRoots(v)
	h.NativeContextsList = c.evacuate(h.NativeContextsList)
	h.ArrayBuffersList = c.evacuate(h.ArrayBuffersList)
	h.AllocationSitesList = c.evacuate(h.AllocationSitesList)
	roots.IterateStrongRoots(v)
	for i := 0; i < len(c.queue); i++ {
		obj := c.queue[i]
		v.VisitPointers(obj, obj+PointerSize)
		h.IterateBody(obj, v)
	}

	fwd := func(val Value) (Value, bool) {
		if !val.IsHeapObject() {
			return val, true
		}
		n, ok := c.forward[val.Address()]
		if !ok {
			return val, false
		}
		return FromAddress(n), true
	}
	roots.ProcessWeakRoots(fwd)
	h.strings.retain(fwd)

	freed := 0
	for _, s := range c.old {
		for _, p := range s.pages {
			freed += len(p.Data)
			h.mem.Unmap(p)
		}
	}
	h.maxSize = saved
	clear(h.storeBuffer)
	h.gcCount++
	log.Debugf("collection %d: moved %d objects, released %d bytes", h.gcCount, len(c.forward), freed)
}

// GCCount is the number of completed collections.
func (h *Heap) GCCount() int { return h.gcCount }

func (c *collector) inOldSpace(a Address) bool {
	r := c.h.mem.RegionOf(a)
	if r == nil || (r.Kind != RegionHeapPage && r.Kind != RegionLargeObject) {
		return false
	}
	for _, p := range c.old[r.Space].pages {
		if p == r {
			return true
		}
	}
	return false
}

func (c *collector) evacuate(v Value) Value {
	if !v.IsHeapObject() || v == ZapValue {
		return v
	}
	old := v.Address()
	if n, ok := c.forward[old]; ok {
		return FromAddress(n)
	}
	if !c.inOldSpace(old) {
		return v
	}
	h := c.h
	space, _ := h.SpaceOf(old)
	size := h.SizeOf(old)
	var n Address
	var err error
	if NeedsDoubleAlignment(h.InstanceTypeOf(old)) && space != LOSpace {
		var raw Address
		raw, err = h.AllocateRaw(size+PointerSize, space)
		if err == nil {
			n = h.EnsureDoubleAligned(raw, size+PointerSize)
		}
	} else if space == LOSpace {
		n, err = h.AllocateLarge(size, h.InstanceTypeOf(old) == CodeType)
	} else {
		n, err = h.AllocateRaw(size, space)
	}
	if err != nil {
		panic(err)
	}
	h.mem.Copy(n, old, size)
	if h.InstanceTypeOf(n) == CodeType {
		h.RelocateCode(n, old)
		h.MakeOlder(n)
	}
	c.forward[old] = n
	c.queue = append(c.queue, n)
	return FromAddress(n)
}

type gcVisitor struct {
	c *collector
}

func (g *gcVisitor) VisitPointers(start, end Address) {
	m := g.c.h.mem
	for slot := start; slot < end; slot += PointerSize {
		if v := m.Value(slot); v.IsHeapObject() {
			m.SetValue(slot, g.c.evacuate(v))
		}
	}
}

func (g *gcVisitor) VisitEmbeddedPointer(ri *RelocInfo) { g.VisitPointers(ri.PC, ri.PC+PointerSize) }

func (g *gcVisitor) VisitCodeTarget(ri *RelocInfo) {
	h := g.c.h
	code := CodeFromEntry(h.TargetAddress(ri))
	n := g.c.evacuate(FromAddress(code)).Address()
	h.SetTargetAddress(ri.PC, ri.Mode, n+CodeHeaderSize)
}

func (g *gcVisitor) VisitCell(ri *RelocInfo) {
	h := g.c.h
	cell := h.TargetCell(ri)
	n := g.c.evacuate(FromAddress(cell)).Address()
	h.SetTargetAddress(ri.PC, ri.Mode, n+CellValueOffset)
}

func (g *gcVisitor) VisitExternalReference(ri *RelocInfo) {}

func (g *gcVisitor) VisitRuntimeEntry(ri *RelocInfo) {}

func (g *gcVisitor) VisitCodeEntry(slot Address) {
	m := g.c.h.mem
	code := CodeFromEntry(Address(m.Word(slot)))
	n := g.c.evacuate(FromAddress(code)).Address()
	m.SetWord(slot, uint64(n+CodeHeaderSize))
}

func (g *gcVisitor) VisitExternalReferenceSlot(slot Address) {}

func (g *gcVisitor) VisitExternalOneByteString(slot Address) {}
