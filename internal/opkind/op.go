// Package opkind is the reduction engine's operator registry: the fixed
// table of associative binary operators the engine supports, each with
// its identity element, combine rule, optional index tracking, and
// optional per-element load transform (spec §3, §4.2).
package opkind

import "github.com/born-ml/redux/internal/numeric"

// Op identifies one of the fixed reduction operators.
type Op int

// The fixed operator table (spec §3).
const (
	Sum Op = iota
	Prod
	ProdNZ
	Max
	Min
	And
	Or
	Xor
	Any
	All
	Argmax
	Argmin
	MaxAndArgmax
	MinAndArgmin
)

// String returns the operator's wire name, matching the entry point
// naming convention reduce_<op> (spec §6).
func (o Op) String() string {
	switch o {
	case Sum:
		return "sum"
	case Prod:
		return "prod"
	case ProdNZ:
		return "prodnz"
	case Max:
		return "max"
	case Min:
		return "min"
	case And:
		return "and"
	case Or:
		return "or"
	case Xor:
		return "xor"
	case Any:
		return "any"
	case All:
		return "all"
	case Argmax:
		return "argmax"
	case Argmin:
		return "argmin"
	case MaxAndArgmax:
		return "maxandargmax"
	case MinAndArgmin:
		return "minandargmin"
	default:
		return "unknown"
	}
}

// ParseOp looks up an operator by its wire name (the inverse of
// String), for callers building a request from user-supplied text
// (e.g. cmd/reduxctl's -op flag).
func ParseOp(name string) (Op, bool) {
	for _, o := range []Op{Sum, Prod, ProdNZ, Max, Min, And, Or, Xor, Any, All, Argmax, Argmin, MaxAndArgmax, MinAndArgmin} {
		if o.String() == name {
			return o, true
		}
	}
	return 0, false
}

// TracksIndex reports whether the operator produces an argument
// (index) stream, either alone (argmax/argmin) or alongside a value
// (maxandargmax/minandargmin).
func (o Op) TracksIndex() bool {
	switch o {
	case Argmax, Argmin, MaxAndArgmax, MinAndArgmin:
		return true
	default:
		return false
	}
}

// WritesValue reports whether the operator writes a value stream to
// dst (everything except the index-only variants).
func (o Op) WritesValue() bool {
	switch o {
	case Argmax, Argmin:
		return false
	default:
		return true
	}
}

// NeedsFirstElementSeed reports whether the operator seeds its
// accumulator from the fibre's first element rather than from a fixed
// identity constant (spec §4.3, §9: max/min family must not leak the
// dst pre-fill sentinel).
func (o Op) NeedsFirstElementSeed() bool {
	switch o {
	case Max, Min, Argmax, Argmin, MaxAndArgmax, MinAndArgmin:
		return true
	default:
		return false
	}
}

// IsBitwise reports whether the operator requires integer/bool operands
// (spec §7: BAD_TYPE for bitwise ops on floats).
func (o Op) IsBitwise() bool {
	switch o {
	case And, Or, Xor, Any, All:
		return true
	default:
		return false
	}
}

// SupportsType reports whether the operator is well-defined for dtype,
// per spec §7's BAD_TYPE rule (e.g. bitwise ops reject floats).
func (o Op) SupportsType(dt numeric.DType) bool {
	if o.IsBitwise() {
		return dt.IsInteger() || dt.Category() == numeric.CategoryBool
	}
	return true
}

// Identity returns a WGSL literal for the operator's identity element
// at the given element type, used to seed accumulators that are not
// first-element-seeded.
func (o Op) Identity(dt numeric.DType) string {
	wgsl := dt.WGSL()
	switch o {
	case Sum:
		return zeroLiteral(wgsl)
	case Prod, ProdNZ:
		return oneLiteral(wgsl)
	case And:
		return allOnesLiteral(wgsl)
	case Or, Xor:
		return zeroLiteral(wgsl)
	case Any:
		return zeroLiteral(wgsl)
	case All:
		return oneLiteral(wgsl)
	default:
		// max/min/argmax family: first-element-seeded, no fixed identity.
		return zeroLiteral(wgsl)
	}
}

func zeroLiteral(wgsl string) string {
	if wgsl == "f32" {
		return "0.0"
	}
	return "0"
}

func oneLiteral(wgsl string) string {
	if wgsl == "f32" {
		return "1.0"
	}
	return "1"
}

func allOnesLiteral(wgsl string) string {
	switch wgsl {
	case "u32":
		return "0xFFFFFFFFu"
	case "i32":
		return "-1"
	default:
		return "1.0"
	}
}

// CombineExpr returns a WGSL expression combining accumulator variable
// `acc` with a freshly loaded element `val`, for operators without
// index tracking. The generator wraps this per spec §4.2 stage 1.
func (o Op) CombineExpr(acc, val string) string {
	switch o {
	case Sum:
		return acc + " + " + val
	case Prod, ProdNZ:
		return acc + " * " + val
	case Max:
		return "max(" + acc + ", " + val + ")"
	case Min:
		return "min(" + acc + ", " + val + ")"
	case And:
		return acc + " & " + val
	case Or:
		return acc + " | " + val
	case Xor:
		return acc + " ^ " + val
	case Any:
		return "select(" + acc + ", 1u, (" + val + ") != 0u)"
	case All:
		return "select(0u, " + acc + ", (" + val + ") != 0u)"
	default:
		panic("opkind: CombineExpr called on index-tracking op " + o.String())
	}
}

// LoadTransform returns a WGSL expression applying the operator's
// per-element load-time transform (e.g. prodnz substitutes 0 with the
// identity before folding; every other operator loads the raw value).
func (o Op) LoadTransform(raw string, dt numeric.DType) string {
	if o == ProdNZ {
		return "select(" + raw + ", " + oneLiteral(dt.WGSL()) + ", (" + raw + ") == " + zeroLiteral(dt.WGSL()) + ")"
	}
	return raw
}

// IsMaxFamily reports whether the operator compares with ">" (max,
// argmax, maxandargmax) as opposed to "<" (min family) — used by the
// generator to pick the comparison direction and by the tie-break rule.
func (o Op) IsMaxFamily() bool {
	switch o {
	case Max, Argmax, MaxAndArgmax:
		return true
	default:
		return false
	}
}
