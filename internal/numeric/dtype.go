// Package numeric is the engine's element-type registry: byte width,
// category, WGSL printable name, and accumulator-promotion rule for
// every element type the reduction engine can operate on.
package numeric

import "fmt"

// Category classifies a DType for operator-applicability checks (e.g.
// bitwise ops are only valid on integer categories).
type Category int

// Supported type categories.
const (
	CategorySignedInt Category = iota
	CategoryUnsignedInt
	CategoryFloat
	CategoryBool
)

// DType is runtime type information for a reduction operand or
// destination. It mirrors internal/tensor's DataType enum but adds the
// fields the kernel-source generator needs: WGSL name and accumulator
// promotion.
type DType int

// Supported element types.
const (
	Float16 DType = iota
	Float32
	Float64
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Bool
)

type info struct {
	name     string
	wgsl     string
	category Category
	width    int
	accum    DType
	gpu      bool // false when width disagrees with the WGSL type's true byte size
}

var table = map[DType]info{
	Float16: {"float16", "f16", CategoryFloat, 2, Float32, true},
	Float32: {"float32", "f32", CategoryFloat, 4, Float32, true},
	// WGSL has no f64; this type has no correctly-sized GPU storage
	// representation (see GPUSupported) and only runs through
	// internal/reduxref.
	Float64: {"float64", "f32", CategoryFloat, 8, Float64, false},
	Int8:    {"int8", "i32", CategorySignedInt, 1, Int32, true},
	Int16:   {"int16", "i32", CategorySignedInt, 2, Int32, true},
	Int32:   {"int32", "i32", CategorySignedInt, 4, Int32, true},
	Int64:   {"int64", "i32", CategorySignedInt, 8, Int64, false}, // WGSL has no i64; ref executor only.
	Uint8:   {"uint8", "u32", CategoryUnsignedInt, 1, Uint32, true},
	Uint16:  {"uint16", "u32", CategoryUnsignedInt, 2, Uint32, true},
	Uint32:  {"uint32", "u32", CategoryUnsignedInt, 4, Uint32, true},
	Uint64:  {"uint64", "u32", CategoryUnsignedInt, 8, Uint64, false}, // WGSL has no u64; ref executor only.
	Bool:    {"bool", "u32", CategoryBool, 1, Uint32, true},
}

// Parse looks up a DType by its String() name, for callers building a
// type from user-supplied text (e.g. cmd/reduxctl's -dtype flag).
func Parse(name string) (DType, bool) {
	for t, i := range table {
		if i.name == name {
			return t, true
		}
	}
	return 0, false
}

// String returns the human-readable name of the type ("float32").
func (t DType) String() string {
	if i, ok := table[t]; ok {
		return i.name
	}
	return fmt.Sprintf("DType(%d)", int(t))
}

// WGSL returns the type's spelling in generated kernel source ("f32").
func (t DType) WGSL() string {
	i, ok := table[t]
	if !ok {
		panic(fmt.Sprintf("numeric: unknown dtype %d", int(t)))
	}
	return i.wgsl
}

// ByteWidth returns the in-memory size of one element.
func (t DType) ByteWidth() int {
	i, ok := table[t]
	if !ok {
		panic(fmt.Sprintf("numeric: unknown dtype %d", int(t)))
	}
	return i.width
}

// Category returns the type's signed/unsigned/float/bool category.
func (t DType) Category() Category {
	i, ok := table[t]
	if !ok {
		panic(fmt.Sprintf("numeric: unknown dtype %d", int(t)))
	}
	return i.category
}

// AccumulatorType returns the type used to hold a running reduction
// accumulator for this element type (spec §4.2: 16-bit float widens to
// 32-bit; everything else keeps its own width).
func (t DType) AccumulatorType() DType {
	i, ok := table[t]
	if !ok {
		panic(fmt.Sprintf("numeric: unknown dtype %d", int(t)))
	}
	return i.accum
}

// GPUSupported reports whether t has a byte-width-correct WGSL storage
// representation. Float64/Int64/Uint64 report false: their registered
// width (8) disagrees with the 4-byte WGSL type generated for them
// (f32/i32/u32), so internal/kernelsrc's storage-buffer declarations
// and internal/launch's/redux's element-offset math would silently
// disagree on element size. Reductions over these types must run
// through internal/reduxref instead of a GPU dispatch.
func (t DType) GPUSupported() bool {
	i, ok := table[t]
	if !ok {
		panic(fmt.Sprintf("numeric: unknown dtype %d", int(t)))
	}
	return i.gpu
}

// IsFloat reports whether t is a floating-point category.
func (t DType) IsFloat() bool { return t.Category() == CategoryFloat }

// IsInteger reports whether t is a signed or unsigned integer category.
func (t DType) IsInteger() bool {
	c := t.Category()
	return c == CategorySignedInt || c == CategoryUnsignedInt
}

// Valid reports whether t is a known, registered element type.
func (t DType) Valid() bool {
	_, ok := table[t]
	return ok
}
