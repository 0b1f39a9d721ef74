package heap

// ObjectVisitor receives the slots of an object body, or of a root set,
// in declaration order.
type ObjectVisitor interface {
	// VisitPointers visits the tagged slots in [start, end).
	VisitPointers(start, end Address)
	VisitEmbeddedPointer(ri *RelocInfo)
	VisitCodeTarget(ri *RelocInfo)
	VisitCell(ri *RelocInfo)
	VisitExternalReference(ri *RelocInfo)
	VisitRuntimeEntry(ri *RelocInfo)
	// VisitCodeEntry visits a raw slot holding a code instruction start.
	VisitCodeEntry(slot Address)
	// VisitExternalReferenceSlot visits a raw slot holding an external address.
	VisitExternalReferenceSlot(slot Address)
	// VisitExternalOneByteString visits the resource slot of an external
	// one-byte string.
	VisitExternalOneByteString(slot Address)
}

// NullVisitor ignores everything. Embed it to implement only the methods
// a visitor cares about.
type NullVisitor struct{}

func (NullVisitor) VisitPointers(start, end Address)        {}
func (NullVisitor) VisitEmbeddedPointer(ri *RelocInfo)      {}
func (NullVisitor) VisitCodeTarget(ri *RelocInfo)           {}
func (NullVisitor) VisitCell(ri *RelocInfo)                 {}
func (NullVisitor) VisitExternalReference(ri *RelocInfo)    {}
func (NullVisitor) VisitRuntimeEntry(ri *RelocInfo)         {}
func (NullVisitor) VisitCodeEntry(slot Address)             {}
func (NullVisitor) VisitExternalReferenceSlot(slot Address) {}
func (NullVisitor) VisitExternalOneByteString(slot Address) {}

// IterateBody visits the body of obj, skipping the map word.
func (h *Heap) IterateBody(obj Address, v ObjectVisitor) {
	t := h.InstanceTypeOf(obj)
	size := h.SizeOf(obj)
	switch t {
	case MapType:
		v.VisitPointers(obj+MapPrototypeOffset, obj+MapSize)
	case OddballType:
		v.VisitPointers(obj+OddballToStringOffset, obj+OddballSize)
	case FixedArrayType, HashTableType, ContextType, NativeContextType:
		v.VisitPointers(obj+FixedArrayLengthOffset, obj+Address(size))
	case FixedDoubleArrayType, ByteArrayType:
		v.VisitPointers(obj+FixedArrayLengthOffset, obj+FixedArrayHeaderSize)
	case HeapNumberType, FillerType:
	case SeqOneByteStringType, SeqTwoByteStringType,
		InternalizedOneByteStringType, InternalizedTwoByteStringType:
	case ExternalOneByteStringType, ExternalInternalizedOneByteStringType, NativeSourceStringType:
		v.VisitExternalOneByteString(obj + ExternalStringResourceOffset)
	case ExternalTwoByteStringType, ExternalInternalizedTwoByteStringType:
	case CellType:
		v.VisitPointers(obj+CellValueOffset, obj+CellSize)
	case PropertyCellType:
		v.VisitPointers(obj+PropertyCellValueOffset, obj+PropertyCellSize)
	case AllocationSiteType:
		v.VisitPointers(obj+AllocationSiteTransitionInfoOffset, obj+AllocationSiteSize)
	case ForeignType:
		v.VisitExternalReferenceSlot(obj + ForeignAddressOffset)
	case ScriptType:
		v.VisitPointers(obj+ScriptSourceOffset, obj+ScriptSize)
	case SharedFunctionInfoType:
		v.VisitPointers(obj+SharedNameOffset, obj+SharedFunctionInfoSize)
	case JSFunctionType:
		v.VisitPointers(obj+JSObjectPropertiesOffset, obj+JSFunctionCodeEntryOffset)
		v.VisitCodeEntry(obj + JSFunctionCodeEntryOffset)
	case JSObjectType, JSGlobalObjectType, JSGlobalProxyType, JSTypedArrayType:
		v.VisitPointers(obj+JSObjectPropertiesOffset, obj+Address(size))
	case CodeType:
		v.VisitPointers(obj+CodeRelocationInfoOffset, obj+CodeRelocationInfoOffset+PointerSize)
		for _, ri := range h.RelocInfos(obj, RelocModeMaskVisited) {
			ri := ri
			switch ri.Mode {
			case RelocEmbeddedObject:
				v.VisitEmbeddedPointer(&ri)
			case RelocCodeTarget:
				v.VisitCodeTarget(&ri)
			case RelocCell:
				v.VisitCell(&ri)
			case RelocExternalReference:
				v.VisitExternalReference(&ri)
			case RelocRuntimeEntry:
				v.VisitRuntimeEntry(&ri)
			}
		}
	default:
		panic(&CorruptObjectError{Addr: obj, Type: t})
	}
}

// CorruptObjectError is the panic value for an object with an unknown map.
type CorruptObjectError struct {
	Addr Address
	Type InstanceType
}

func (e *CorruptObjectError) Error() string {
	return "corrupt object at " + FromAddress(e.Addr).String() + " of type " + e.Type.String()
}
