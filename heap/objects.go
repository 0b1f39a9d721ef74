package heap

// ---------------------------------------------------------------------------
// Allocation spaces
// ---------------------------------------------------------------------------

// AllocationSpace identifies where an object lives.
type AllocationSpace uint8

const (
	NewSpace AllocationSpace = iota
	OldPointerSpace
	OldDataSpace
	CodeSpace
	MapSpace
	CellSpace
	PropertyCellSpace
	LOSpace
)

const (
	NumberOfSpaces             = 8
	NumberOfPreallocatedSpaces = 7
	FirstSpace                 = NewSpace
	LastPreallocatedSpace      = PropertyCellSpace
)

var spaceNames = [NumberOfSpaces]string{
	"new", "old-pointer", "old-data", "code", "map", "cell", "property-cell", "large-object",
}

func (s AllocationSpace) String() string {
	if int(s) < len(spaceNames) {
		return spaceNames[s]
	}
	return "invalid"
}

// MaxRegularHeapObjectSize is the largest object placed on a regular page.
const MaxRegularHeapObjectSize = PageSize / 2

// PageAreaSize is the usable size of a regular page in the given space.
func PageAreaSize(space AllocationSpace) int { return PageSize }

// ---------------------------------------------------------------------------
// Instance types
// ---------------------------------------------------------------------------

// InstanceType is stored in every Map and decides an object's layout.
type InstanceType uint16

const (
	MapType InstanceType = iota + 1
	OddballType
	FixedArrayType
	FixedDoubleArrayType
	ByteArrayType
	HeapNumberType
	SeqOneByteStringType
	SeqTwoByteStringType
	InternalizedOneByteStringType
	InternalizedTwoByteStringType
	ExternalOneByteStringType
	ExternalTwoByteStringType
	ExternalInternalizedOneByteStringType
	ExternalInternalizedTwoByteStringType
	NativeSourceStringType
	CellType
	PropertyCellType
	AllocationSiteType
	ForeignType
	ScriptType
	SharedFunctionInfoType
	CodeType
	FillerType
	HashTableType
	ContextType
	NativeContextType
	JSObjectType
	JSFunctionType
	JSGlobalObjectType
	JSGlobalProxyType
	JSTypedArrayType
)

var instanceTypeNames = map[InstanceType]string{
	MapType:                               "Map",
	OddballType:                           "Oddball",
	FixedArrayType:                        "FixedArray",
	FixedDoubleArrayType:                  "FixedDoubleArray",
	ByteArrayType:                         "ByteArray",
	HeapNumberType:                        "HeapNumber",
	SeqOneByteStringType:                  "SeqOneByteString",
	SeqTwoByteStringType:                  "SeqTwoByteString",
	InternalizedOneByteStringType:         "InternalizedOneByteString",
	InternalizedTwoByteStringType:         "InternalizedTwoByteString",
	ExternalOneByteStringType:             "ExternalOneByteString",
	ExternalTwoByteStringType:             "ExternalTwoByteString",
	ExternalInternalizedOneByteStringType: "ExternalInternalizedOneByteString",
	ExternalInternalizedTwoByteStringType: "ExternalInternalizedTwoByteString",
	NativeSourceStringType:                "NativeSourceString",
	CellType:                              "Cell",
	PropertyCellType:                      "PropertyCell",
	AllocationSiteType:                    "AllocationSite",
	ForeignType:                           "Foreign",
	ScriptType:                            "Script",
	SharedFunctionInfoType:                "SharedFunctionInfo",
	CodeType:                              "Code",
	FillerType:                            "Filler",
	HashTableType:                         "HashTable",
	ContextType:                           "Context",
	NativeContextType:                     "NativeContext",
	JSObjectType:                          "JSObject",
	JSFunctionType:                        "JSFunction",
	JSGlobalObjectType:                    "JSGlobalObject",
	JSGlobalProxyType:                     "JSGlobalProxy",
	JSTypedArrayType:                      "JSTypedArray",
}

func (t InstanceType) String() string {
	if n, ok := instanceTypeNames[t]; ok {
		return n
	}
	return "UnknownType"
}

func (t InstanceType) IsString() bool {
	return t >= SeqOneByteStringType && t <= NativeSourceStringType
}

func (t InstanceType) IsInternalizedString() bool {
	switch t {
	case InternalizedOneByteStringType, InternalizedTwoByteStringType,
		ExternalInternalizedOneByteStringType, ExternalInternalizedTwoByteStringType:
		return true
	}
	return false
}

func (t InstanceType) IsExternalString() bool {
	return t >= ExternalOneByteStringType && t <= NativeSourceStringType
}

func (t InstanceType) IsOneByteString() bool {
	switch t {
	case SeqOneByteStringType, InternalizedOneByteStringType, ExternalOneByteStringType,
		ExternalInternalizedOneByteStringType, NativeSourceStringType:
		return true
	}
	return false
}

func (t InstanceType) IsContext() bool {
	return t == ContextType || t == NativeContextType
}

// IsFixedArrayLike reports whether the type uses the FixedArray layout.
func (t InstanceType) IsFixedArrayLike() bool {
	return t == FixedArrayType || t == HashTableType || t.IsContext()
}

// ---------------------------------------------------------------------------
// Object layouts (byte offsets from the object start)
// ---------------------------------------------------------------------------

const (
	MapOffset = 0

	// Map
	MapInstanceAttributesOffset = 8 // instance type u16, instance size in words u16
	MapPrototypeOffset          = 16
	MapConstructorOffset        = 24
	MapCodeCacheOffset          = 32
	MapSize                     = 40

	// Oddball
	OddballToStringOffset = 8
	OddballKindOffset     = 16
	OddballSize           = 24

	// FixedArray, HashTable, Context, FixedDoubleArray, ByteArray
	FixedArrayLengthOffset = 8
	FixedArrayHeaderSize   = 16

	// HeapNumber
	HeapNumberValueOffset = 8
	HeapNumberSize        = 16

	// Strings: length u32 then hash field u32
	StringLengthOffset    = 8
	StringHashFieldOffset = 12
	SeqStringHeaderSize   = 16

	ExternalStringResourceOffset  = 16
	ExternalStringDataCacheOffset = 24
	ExternalStringSize            = 32

	// Cell
	CellValueOffset = 8
	CellSize        = 16

	// PropertyCell
	PropertyCellValueOffset         = 8
	PropertyCellDependentCodeOffset = 16
	PropertyCellSize                = 24

	// AllocationSite
	AllocationSiteTransitionInfoOffset = 8
	AllocationSiteWeakNextOffset       = 16
	AllocationSiteSize                 = 24

	// Foreign
	ForeignAddressOffset = 8
	ForeignSize          = 16

	// Script
	ScriptSourceOffset   = 8
	ScriptNameOffset     = 16
	ScriptLineEndsOffset = 24
	ScriptIDOffset       = 32
	ScriptSize           = 40

	// SharedFunctionInfo
	SharedNameOffset           = 8
	SharedCodeOffset           = 16
	SharedScriptOffset         = 24
	SharedInnerFunctionsOffset = 32
	SharedFlagsOffset          = 40
	SharedStartPositionOffset  = 48
	SharedFunctionInfoSize     = 56

	// JSObject
	JSObjectPropertiesOffset = 8
	JSObjectElementsOffset   = 16
	JSObjectHeaderSize       = 24

	// JSFunction
	JSFunctionSharedOffset    = 24
	JSFunctionContextOffset   = 32
	JSFunctionCodeEntryOffset = 40
	JSFunctionSize            = 48

	// JSGlobalObject
	JSGlobalObjectNativeContextOffset = 24
	JSGlobalObjectGlobalProxyOffset   = 32
	JSGlobalObjectSize                = 40

	// JSGlobalProxy
	JSGlobalProxyNativeContextOffset = 24
	JSGlobalProxySize                = 32

	// JSTypedArray
	JSTypedArrayBufferOffset = 24
	JSTypedArrayLengthOffset = 32
	JSTypedArraySize         = 40

	// Code
	CodeRelocationInfoOffset  = 8
	CodeInstructionSizeOffset = 16 // u32
	CodeKindOffset            = 20 // u8
	CodeFlagsOffset           = 21 // u8
	CodeStubKeyOffset         = 24 // u32
	CodeBuiltinIndexOffset    = 28 // i32
	CodeAgeOffset             = 32
	CodeEntryCacheOffset      = 40
	CodeHeaderSize            = 48
)

// SharedFunctionInfo flag bits.
const (
	SharedIsToplevel = 1 << iota
	SharedIsNative
)

// Oddball kinds.
const (
	OddballUndefined = iota
	OddballNull
	OddballTrue
	OddballFalse
	OddballTheHole
	OddballUninitialized
)

// Context slots. Every context has the first four; native contexts add the rest.
const (
	ContextClosureIndex = iota
	ContextPreviousIndex
	ContextExtensionIndex
	ContextGlobalObjectIndex
	MinContextSlots

	NativeContextGlobalProxyIndex = iota - 1
	NativeContextObjectFunctionIndex
	NativeContextArrayFunctionIndex
	NativeContextObjectMapIndex
	NativeContextFunctionMapIndex
	NativeContextGlobalObjectMapIndex
	NativeContextGlobalProxyMapIndex
	NativeContextTypedArrayMapIndex
	NativeContextAllocationSiteIndex
	NativeContextPiIndex
	NativeContextDoublesIndex
	NativeContextScriptIndex
	NativeContextEmbedderDataIndex
	NativeContextTypedArrayIndex
	NativeContextRuntimeContextIndex
	NativeContextLengthAccessorIndex
	NativeContextSlots
)
