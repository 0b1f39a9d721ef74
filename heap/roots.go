package heap

// RootIndex names a slot in the roots table.
type RootIndex int

// Strong roots. The first 32 are immortal, immovable constants that the
// serializers can encode in a single byte.
const (
	UndefinedValueRootIndex RootIndex = iota
	TheHoleValueRootIndex
	NullValueRootIndex
	TrueValueRootIndex
	FalseValueRootIndex
	EmptyFixedArrayRootIndex
	EmptyStringRootIndex
	EmptyByteArrayRootIndex
	MetaMapRootIndex
	FixedArrayMapRootIndex
	OddballMapRootIndex
	OneByteInternalizedStringMapRootIndex
	InternalizedStringMapRootIndex
	OneByteStringMapRootIndex
	StringMapRootIndex
	HeapNumberMapRootIndex
	ByteArrayMapRootIndex
	CodeMapRootIndex
	CellMapRootIndex
	PropertyCellMapRootIndex
	AllocationSiteMapRootIndex
	ForeignMapRootIndex
	ScriptMapRootIndex
	SharedFunctionInfoMapRootIndex
	FixedDoubleArrayMapRootIndex
	HashTableMapRootIndex
	FunctionContextMapRootIndex
	NativeContextMapRootIndex
	OnePointerFillerMapRootIndex
	ExternalOneByteStringMapRootIndex
	ExternalStringMapRootIndex
	NativeSourceStringMapRootIndex
	ExternalOneByteInternalizedStringMapRootIndex
	ExternalInternalizedStringMapRootIndex
	UninitializedValueRootIndex
	UndefinedStringRootIndex
	NullStringRootIndex
	TrueStringRootIndex
	FalseStringRootIndex
	HoleStringRootIndex
	EmptySlowElementDictionaryRootIndex
	NativesSourceCacheRootIndex
	NumberStringCacheRootIndex
	EmptyScriptRootIndex
	StackLimitRootIndex
	RealStackLimitRootIndex
	StoreBufferTopRootIndex

	StrongRootListLength

	// Smi roots follow the strong roots and are serialized as raw data.
	HashSeedRootIndex RootIndex = iota - 1
	LastScriptIDRootIndex
	NextTemplateSerialNumberRootIndex

	RootListLength
)

// SmiRootsStart is the first Smi root.
const SmiRootsStart = HashSeedRootIndex

// RootConstantCount is the number of roots encodable as one-byte constants.
const RootConstantCount = 32

var rootNames = [...]string{
	"undefined_value", "the_hole_value", "null_value", "true_value", "false_value",
	"empty_fixed_array", "empty_string", "empty_byte_array", "meta_map", "fixed_array_map",
	"oddball_map", "one_byte_internalized_string_map", "internalized_string_map",
	"one_byte_string_map", "string_map", "heap_number_map", "byte_array_map", "code_map",
	"cell_map", "global_property_cell_map", "allocation_site_map", "foreign_map", "script_map",
	"shared_function_info_map", "fixed_double_array_map", "hash_table_map",
	"function_context_map", "native_context_map", "one_pointer_filler_map",
	"external_one_byte_string_map", "external_string_map", "native_source_string_map",
	"external_one_byte_internalized_string_map", "external_internalized_string_map",
	"uninitialized_value", "undefined_string", "null_string", "true_string", "false_string",
	"hole_string", "empty_slow_element_dictionary", "natives_source_cache",
	"number_string_cache", "empty_script", "stack_limit", "real_stack_limit",
	"store_buffer_top", "hash_seed", "last_script_id", "next_template_serial_number",
}

func (i RootIndex) String() string {
	if i >= 0 && int(i) < len(rootNames) {
		return rootNames[i]
	}
	return "invalid_root"
}

// RootCanBeTreatedAsConstant reports whether a root's value is fixed once
// the heap is set up. Mutable roots are never referenced by index from a
// serialized stream.
func RootCanBeTreatedAsConstant(i RootIndex) bool {
	switch i {
	case NumberStringCacheRootIndex, EmptyScriptRootIndex,
		StackLimitRootIndex, RealStackLimitRootIndex, StoreBufferTopRootIndex:
		return false
	}
	return i < StrongRootListLength
}

// RootIsImmortalImmovable reports whether the root's object is never moved
// or collected. Only such roots are candidates for repeat encoding.
func RootIsImmortalImmovable(i RootIndex) bool {
	return i <= EmptySlowElementDictionaryRootIndex
}
