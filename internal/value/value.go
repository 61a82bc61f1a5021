// Package value implements the tagged-union runtime value tree that the
// virtual machine packs into and unpacks out of wire buffers. A Value is
// always one of: unsigned scalar, signed scalar, boolean, string, array of
// Values, or a record (mapping of field name to Value).
package value

import "fmt"

// Kind tags which field of a Value is meaningful.
type Kind uint8

const (
	Invalid Kind = iota
	Uint
	Int
	Bool
	String
	Array
	Record
)

func (k Kind) String() string {
	switch k {
	case Uint:
		return "uint"
	case Int:
		return "int"
	case Bool:
		return "bool"
	case String:
		return "string"
	case Array:
		return "array"
	case Record:
		return "record"
	default:
		return "invalid"
	}
}

// Value is a single node in a runtime value tree. Only the field matching
// Kind is meaningful; the others are zero.
type Value struct {
	Kind   Kind
	Uint   uint64
	Int    int64
	Bool   bool
	Str    string
	Items  []Value
	Fields map[string]Value
}

func NewUint(u uint64) Value { return Value{Kind: Uint, Uint: u} }
func NewInt(i int64) Value   { return Value{Kind: Int, Int: i} }
func NewBool(b bool) Value   { return Value{Kind: Bool, Bool: b} }
func NewString(s string) Value { return Value{Kind: String, Str: s} }

func NewArray(items []Value) Value {
	return Value{Kind: Array, Items: items}
}

func NewRecord(fields map[string]Value) Value {
	return Value{Kind: Record, Fields: fields}
}

// AsUint returns the value as uint64, converting from Int when possible.
func (v Value) AsUint() (uint64, bool) {
	switch v.Kind {
	case Uint:
		return v.Uint, true
	case Int:
		return uint64(v.Int), true
	case Bool:
		if v.Bool {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// AsInt returns the value as int64, converting from Uint when possible.
func (v Value) AsInt() (int64, bool) {
	switch v.Kind {
	case Int:
		return v.Int, true
	case Uint:
		return int64(v.Uint), true
	case Bool:
		if v.Bool {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func (v Value) String() string {
	switch v.Kind {
	case Uint:
		return fmt.Sprintf("%d", v.Uint)
	case Int:
		return fmt.Sprintf("%d", v.Int)
	case Bool:
		return fmt.Sprintf("%t", v.Bool)
	case String:
		return fmt.Sprintf("%q", v.Str)
	case Array:
		return fmt.Sprintf("array[%d]", len(v.Items))
	case Record:
		return fmt.Sprintf("record{%d fields}", len(v.Fields))
	default:
		return "<invalid>"
	}
}

// Equal reports deep equality between two values, used by round-trip tests.
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case Uint:
		return a.Uint == b.Uint
	case Int:
		return a.Int == b.Int
	case Bool:
		return a.Bool == b.Bool
	case String:
		return a.Str == b.Str
	case Array:
		if len(a.Items) != len(b.Items) {
			return false
		}
		for i := range a.Items {
			if !Equal(a.Items[i], b.Items[i]) {
				return false
			}
		}
		return true
	case Record:
		if len(a.Fields) != len(b.Fields) {
			return false
		}
		for k, av := range a.Fields {
			bv, ok := b.Fields[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return true
	}
}
