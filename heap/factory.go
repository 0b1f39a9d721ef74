package heap

import (
	"unicode/utf16"

	"github.com/zeebo/xxh3"
)

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// MapOf returns the map address of obj.
func (h *Heap) MapOf(obj Address) Address { return h.mem.Value(obj).Address() }

// MapInstanceType reads the instance type stored in map m.
func (h *Heap) MapInstanceType(m Address) InstanceType {
	return InstanceType(h.mem.Uint16(m + MapInstanceAttributesOffset))
}

// MapInstanceSize is the fixed instance size of map m, or 0 for variable
// sized objects.
func (h *Heap) MapInstanceSize(m Address) int {
	return int(h.mem.Uint16(m+MapInstanceAttributesOffset+2)) * PointerSize
}

func (h *Heap) InstanceTypeOf(obj Address) InstanceType {
	return h.MapInstanceType(h.MapOf(obj))
}

// SizeOf returns the size in bytes of obj.
func (h *Heap) SizeOf(obj Address) int { return h.SizeFromMap(obj, h.MapOf(obj)) }

// SizeFromMap computes the size of obj given its map.
func (h *Heap) SizeFromMap(obj, m Address) int {
	if n := h.MapInstanceSize(m); n != 0 {
		return n
	}
	switch t := h.MapInstanceType(m); {
	case t.IsFixedArrayLike(), t == FixedDoubleArrayType:
		return FixedArrayHeaderSize + h.FixedArrayLength(obj)*PointerSize
	case t == ByteArrayType:
		return RoundUp(FixedArrayHeaderSize+h.FixedArrayLength(obj), PointerSize)
	case t == SeqOneByteStringType, t == InternalizedOneByteStringType:
		return RoundUp(SeqStringHeaderSize+h.StringLength(obj), PointerSize)
	case t == SeqTwoByteStringType, t == InternalizedTwoByteStringType:
		return RoundUp(SeqStringHeaderSize+2*h.StringLength(obj), PointerSize)
	case t == CodeType:
		return CodeSizeFor(h.CodeInstructionSize(obj))
	default:
		panic(&CorruptObjectError{Addr: obj, Type: t})
	}
}

// Field reads the tagged field at offset.
func (h *Heap) Field(obj Address, offset int) Value { return h.mem.Value(obj + Address(offset)) }

// SetField writes a tagged field and runs the write barrier.
func (h *Heap) SetField(obj Address, offset int, v Value) {
	slot := obj + Address(offset)
	h.mem.SetValue(slot, v)
	h.RecordWrite(slot, v)
}

func (h *Heap) FixedArrayLength(obj Address) int {
	return int(h.mem.Value(obj + FixedArrayLengthOffset).Smi())
}

// FixedArraySlot returns the address of element i.
func FixedArraySlot(obj Address, i int) Address {
	return obj + FixedArrayHeaderSize + Address(i)*PointerSize
}

func (h *Heap) FixedArrayGet(obj Address, i int) Value {
	return h.mem.Value(FixedArraySlot(obj, i))
}

func (h *Heap) FixedArraySet(obj Address, i int, v Value) {
	h.SetField(obj, FixedArrayHeaderSize+i*PointerSize, v)
}

func (h *Heap) FixedDoubleArrayGet(obj Address, i int) float64 {
	return h.mem.Float64(FixedArraySlot(obj, i))
}

// ByteArrayData aliases the payload of a ByteArray.
func (h *Heap) ByteArrayData(obj Address) []byte {
	return h.mem.Bytes(obj+FixedArrayHeaderSize, h.FixedArrayLength(obj))
}

func (h *Heap) HeapNumberValue(obj Address) float64 {
	return h.mem.Float64(obj + HeapNumberValueOffset)
}

func (h *Heap) StringLength(obj Address) int { return int(h.mem.Uint32(obj + StringLengthOffset)) }

// StringBytes returns the raw character data of any string kind.
func (h *Heap) StringBytes(obj Address) (oneByte bool, data []byte) {
	t := h.InstanceTypeOf(obj)
	n := h.StringLength(obj)
	oneByte = t.IsOneByteString()
	width := 1
	if !oneByte {
		width = 2
	}
	if n == 0 {
		return oneByte, nil
	}
	if t.IsExternalString() {
		cache := Address(h.mem.Word(obj + ExternalStringDataCacheOffset))
		return oneByte, h.mem.Bytes(cache, n*width)
	}
	return oneByte, h.mem.Bytes(obj+SeqStringHeaderSize, n*width)
}

// StringContent decodes a string object.
func (h *Heap) StringContent(obj Address) string {
	oneByte, data := h.StringBytes(obj)
	if oneByte {
		r := make([]rune, len(data))
		for i, b := range data {
			r[i] = rune(b)
		}
		return string(r)
	}
	u := make([]uint16, len(data)/2)
	for i := range u {
		u[i] = uint16(data[2*i]) | uint16(data[2*i+1])<<8
	}
	return string(utf16.Decode(u))
}

// ---------------------------------------------------------------------------
// Allocation helpers
// ---------------------------------------------------------------------------

func (h *Heap) allocateWithMap(size int, space AllocationSpace, m Value) (Address, error) {
	a, err := h.AllocateRaw(size, space)
	if err != nil {
		return 0, err
	}
	h.mem.SetValue(a, m)
	return a, nil
}

// AllocateMap creates a map for instances of type t. instanceSize is 0
// for variable sized objects.
func (h *Heap) AllocateMap(t InstanceType, instanceSize int) (Address, error) {
	m, err := h.allocateWithMap(MapSize, MapSpace, h.Root(MetaMapRootIndex))
	if err != nil {
		return 0, err
	}
	h.InitializeMap(m, t, instanceSize)
	return m, nil
}

// InitializeMap writes the map fields. Prototype and constructor start as
// null, the code cache as the empty fixed array; either may still be zero
// during bootstrap.
func (h *Heap) InitializeMap(m Address, t InstanceType, instanceSize int) {
	h.mem.SetUint16(m+MapInstanceAttributesOffset, uint16(t))
	h.mem.SetUint16(m+MapInstanceAttributesOffset+2, uint16(instanceSize/PointerSize))
	h.mem.SetUint32(m+MapInstanceAttributesOffset+4, 0)
	h.mem.SetValue(m+MapPrototypeOffset, h.NullValue())
	h.mem.SetValue(m+MapConstructorOffset, h.NullValue())
	h.mem.SetValue(m+MapCodeCacheOffset, h.Root(EmptyFixedArrayRootIndex))
}

// AllocateFixedArray allocates an array filled with undefined.
func (h *Heap) AllocateFixedArray(length int, space AllocationSpace) (Address, error) {
	return h.AllocateFixedArrayWithMap(length, space, h.Root(FixedArrayMapRootIndex))
}

func (h *Heap) AllocateFixedArrayWithMap(length int, space AllocationSpace, m Value) (Address, error) {
	a, err := h.allocateWithMap(FixedArrayHeaderSize+length*PointerSize, space, m)
	if err != nil {
		return 0, err
	}
	h.mem.SetValue(a+FixedArrayLengthOffset, FromSmi(int32(length)))
	h.mem.Fill(FixedArraySlot(a, 0), FixedArraySlot(a, length), h.UndefinedValue())
	return a, nil
}

// AllocateFixedDoubleArray allocates a double-aligned array of values.
func (h *Heap) AllocateFixedDoubleArray(values []float64) (Address, error) {
	size := FixedArrayHeaderSize + len(values)*DoubleSize
	raw, err := h.AllocateRaw(size+PointerSize, OldDataSpace)
	if err != nil {
		return 0, err
	}
	a := h.EnsureDoubleAligned(raw, size+PointerSize)
	h.mem.SetValue(a, h.Root(FixedDoubleArrayMapRootIndex))
	h.mem.SetValue(a+FixedArrayLengthOffset, FromSmi(int32(len(values))))
	for i, f := range values {
		h.mem.SetFloat64(FixedArraySlot(a, i), f)
	}
	return a, nil
}

// EnsureDoubleAligned places a one word filler before or after an object
// allocated with one spare word, returning the aligned object start.
func (h *Heap) EnsureDoubleAligned(a Address, size int) Address {
	if IsAligned(a, DoubleAlignment) {
		h.CreateFillerObjectAt(a+Address(size-PointerSize), PointerSize)
		return a
	}
	h.CreateFillerObjectAt(a, PointerSize)
	return a + PointerSize
}

// NeedsDoubleAlignment reports whether objects of type t hold unboxed doubles.
func NeedsDoubleAlignment(t InstanceType) bool { return t == FixedDoubleArrayType }

func (h *Heap) AllocateByteArray(data []byte) (Address, error) {
	a, err := h.allocateWithMap(RoundUp(FixedArrayHeaderSize+len(data), PointerSize), OldDataSpace, h.Root(ByteArrayMapRootIndex))
	if err != nil {
		return 0, err
	}
	h.mem.SetValue(a+FixedArrayLengthOffset, FromSmi(int32(len(data))))
	copy(h.mem.Bytes(a+FixedArrayHeaderSize, len(data)), data)
	return a, nil
}

func (h *Heap) AllocateHeapNumber(f float64) (Address, error) {
	a, err := h.allocateWithMap(HeapNumberSize, OldDataSpace, h.Root(HeapNumberMapRootIndex))
	if err != nil {
		return 0, err
	}
	h.mem.SetFloat64(a+HeapNumberValueOffset, f)
	return a, nil
}

// EncodeString returns the one- or two-byte representation of s.
func EncodeString(s string) (oneByte bool, data []byte) {
	oneByte = true
	for _, r := range s {
		if r > 0xff {
			oneByte = false
			break
		}
	}
	if oneByte {
		for _, r := range s {
			data = append(data, byte(r))
		}
		return true, data
	}
	for _, u := range utf16.Encode([]rune(s)) {
		data = append(data, byte(u), byte(u>>8))
	}
	return false, data
}

// AllocateSeqString allocates a sequential string holding s.
func (h *Heap) AllocateSeqString(s string, internalized bool) (Address, error) {
	oneByte, data := EncodeString(s)
	var m RootIndex
	switch {
	case oneByte && internalized:
		m = OneByteInternalizedStringMapRootIndex
	case internalized:
		m = InternalizedStringMapRootIndex
	case oneByte:
		m = OneByteStringMapRootIndex
	default:
		m = StringMapRootIndex
	}
	n := len(data)
	if !oneByte {
		n /= 2
	}
	size := RoundUp(SeqStringHeaderSize+len(data), PointerSize)
	a, err := h.allocateWithMap(size, OldDataSpace, h.Root(m))
	if err != nil {
		return 0, err
	}
	h.mem.SetUint32(a+StringLengthOffset, uint32(n))
	h.mem.SetUint32(a+StringHashFieldOffset, StringHash(s))
	body := h.mem.Bytes(a+SeqStringHeaderSize, size-SeqStringHeaderSize)
	clear(body)
	copy(body, data)
	return a, nil
}

// AllocateExternalString wraps an embedder owned resource.
func (h *Heap) AllocateExternalString(res *ExternalStringResource, internalized bool) (Address, error) {
	var m RootIndex
	switch {
	case res.NativesIndex >= 0:
		m = NativeSourceStringMapRootIndex
	case res.OneByte && internalized:
		m = ExternalOneByteInternalizedStringMapRootIndex
	case internalized:
		m = ExternalInternalizedStringMapRootIndex
	case res.OneByte:
		m = ExternalOneByteStringMapRootIndex
	default:
		m = ExternalStringMapRootIndex
	}
	a, err := h.allocateWithMap(ExternalStringSize, OldDataSpace, h.Root(m))
	if err != nil {
		return 0, err
	}
	h.mem.SetUint32(a+StringLengthOffset, uint32(res.Length))
	h.mem.SetUint32(a+StringHashFieldOffset, 0)
	h.mem.SetWord(a+ExternalStringResourceOffset, uint64(res.Address))
	h.mem.SetWord(a+ExternalStringDataCacheOffset, uint64(res.Data))
	return a, nil
}

// UpdateExternalStringDataCache refreshes the cached data pointer of an
// external string from its resource.
func (h *Heap) UpdateExternalStringDataCache(obj Address) {
	res := h.resources.Lookup(Address(h.mem.Word(obj + ExternalStringResourceOffset)))
	if res == nil {
		return
	}
	h.mem.SetWord(obj+ExternalStringDataCacheOffset, uint64(res.Data))
}

func (h *Heap) AllocateOddball(toString Value, kind int) (Address, error) {
	a, err := h.allocateWithMap(OddballSize, OldPointerSpace, h.Root(OddballMapRootIndex))
	if err != nil {
		return 0, err
	}
	h.mem.SetValue(a+OddballToStringOffset, toString)
	h.mem.SetValue(a+OddballKindOffset, FromSmi(int32(kind)))
	return a, nil
}

func (h *Heap) AllocateCell(v Value) (Address, error) {
	a, err := h.allocateWithMap(CellSize, CellSpace, h.Root(CellMapRootIndex))
	if err != nil {
		return 0, err
	}
	h.mem.SetValue(a+CellValueOffset, v)
	return a, nil
}

func (h *Heap) AllocatePropertyCell(v Value) (Address, error) {
	a, err := h.allocateWithMap(PropertyCellSize, PropertyCellSpace, h.Root(PropertyCellMapRootIndex))
	if err != nil {
		return 0, err
	}
	h.mem.SetValue(a+PropertyCellValueOffset, v)
	h.mem.SetValue(a+PropertyCellDependentCodeOffset, h.Root(EmptyFixedArrayRootIndex))
	return a, nil
}

// AllocateAllocationSite creates a site and links it into the heap's
// allocation sites list.
func (h *Heap) AllocateAllocationSite(transitionInfo Value) (Address, error) {
	a, err := h.allocateWithMap(AllocationSiteSize, OldPointerSpace, h.Root(AllocationSiteMapRootIndex))
	if err != nil {
		return 0, err
	}
	h.mem.SetValue(a+AllocationSiteTransitionInfoOffset, transitionInfo)
	h.RelinkAllocationSite(a)
	return a, nil
}

// RelinkAllocationSite pushes site onto the allocation sites list.
func (h *Heap) RelinkAllocationSite(site Address) {
	next := h.AllocationSitesList
	if next == FromSmi(0) {
		next = h.UndefinedValue()
	}
	h.mem.SetValue(site+AllocationSiteWeakNextOffset, next)
	h.AllocationSitesList = FromAddress(site)
}

func (h *Heap) AllocateForeign(addr Address) (Address, error) {
	a, err := h.allocateWithMap(ForeignSize, OldDataSpace, h.Root(ForeignMapRootIndex))
	if err != nil {
		return 0, err
	}
	h.mem.SetWord(a+ForeignAddressOffset, uint64(addr))
	return a, nil
}

func (h *Heap) AllocateScript(source, name Value) (Address, error) {
	a, err := h.allocateWithMap(ScriptSize, OldPointerSpace, h.Root(ScriptMapRootIndex))
	if err != nil {
		return 0, err
	}
	h.mem.SetValue(a+ScriptSourceOffset, source)
	h.mem.SetValue(a+ScriptNameOffset, name)
	h.mem.SetValue(a+ScriptLineEndsOffset, h.UndefinedValue())
	h.mem.SetValue(a+ScriptIDOffset, FromSmi(h.NextScriptID()))
	return a, nil
}

// SharedInfo describes a new SharedFunctionInfo.
type SharedInfo struct {
	Name           Value
	Code           Value
	Script         Value
	InnerFunctions Value
	Flags          int32
	StartPosition  int32
}

func (h *Heap) AllocateSharedFunctionInfo(si SharedInfo) (Address, error) {
	a, err := h.allocateWithMap(SharedFunctionInfoSize, OldPointerSpace, h.Root(SharedFunctionInfoMapRootIndex))
	if err != nil {
		return 0, err
	}
	h.mem.SetValue(a+SharedNameOffset, si.Name)
	h.mem.SetValue(a+SharedCodeOffset, si.Code)
	h.mem.SetValue(a+SharedScriptOffset, si.Script)
	h.mem.SetValue(a+SharedInnerFunctionsOffset, si.InnerFunctions)
	h.mem.SetValue(a+SharedFlagsOffset, FromSmi(si.Flags))
	h.mem.SetValue(a+SharedStartPositionOffset, FromSmi(si.StartPosition))
	return a, nil
}

// AllocateJSObject allocates an object of map m with every in-object
// field set to undefined.
func (h *Heap) AllocateJSObject(m Address, space AllocationSpace) (Address, error) {
	size := h.MapInstanceSize(m)
	a, err := h.allocateWithMap(size, space, FromAddress(m))
	if err != nil {
		return 0, err
	}
	h.mem.SetValue(a+JSObjectPropertiesOffset, h.Root(EmptyFixedArrayRootIndex))
	h.mem.SetValue(a+JSObjectElementsOffset, h.Root(EmptyFixedArrayRootIndex))
	h.mem.Fill(a+JSObjectHeaderSize, a+Address(size), h.UndefinedValue())
	return a, nil
}

// AllocateJSFunction allocates a closure over shared in context.
func (h *Heap) AllocateJSFunction(m Address, shared, context Value) (Address, error) {
	a, err := h.AllocateJSObject(m, OldPointerSpace)
	if err != nil {
		return 0, err
	}
	h.mem.SetValue(a+JSFunctionSharedOffset, shared)
	h.mem.SetValue(a+JSFunctionContextOffset, context)
	code := h.Field(shared.Address(), SharedCodeOffset)
	h.mem.SetWord(a+JSFunctionCodeEntryOffset, uint64(code.Address()+CodeHeaderSize))
	return a, nil
}

// StringHash is the hash stored in string headers. Zero is reserved for
// "not computed".
func StringHash(s string) uint32 {
	if hash := uint32(xxh3.HashString(s)); hash != 0 {
		return hash
	}
	return 1
}
