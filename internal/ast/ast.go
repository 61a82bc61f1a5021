// Package ast holds the APX type system: data elements, data types, port
// attributes, ports and nodes. It has no knowledge of parsing, compilation,
// or the wire protocol; it is the shared tree every later stage builds on.
package ast

import "github.com/apxrmf/apxd/internal/value"

// BaseType enumerates the scalar and structural base types a DataElement
// can carry. The numeric order matches the original implementation's
// variant table so that derived bytecode stays diffable against it.
type BaseType uint8

const (
	InvalidType BaseType = iota
	U8
	U16
	U32
	U64
	S8
	S16
	S32
	S64
	StringType
	RecordType
	RefIndex   // unresolved reference by numeric type id
	RefName    // unresolved reference by type name
	RefPointer // resolved reference, Element.RefTarget is valid
)

// IsScalar reports whether t packs to a single fixed-width numeric value.
func (t BaseType) IsScalar() bool {
	switch t {
	case U8, U16, U32, U64, S8, S16, S32, S64:
		return true
	default:
		return false
	}
}

// IsSigned reports whether t is one of the signed scalar types.
func (t BaseType) IsSigned() bool {
	switch t {
	case S8, S16, S32, S64:
		return true
	default:
		return false
	}
}

// Width returns the wire width in bytes of one scalar or string-element
// occurrence of t. RecordType and the unresolved reference kinds have no
// fixed width of their own and return 0.
func (t BaseType) Width() int {
	switch t {
	case U8, S8, StringType:
		return 1
	case U16, S16:
		return 2
	case U32, S32:
		return 4
	case U64, S64:
		return 8
	default:
		return 0
	}
}

func (t BaseType) String() string {
	switch t {
	case U8:
		return "u8"
	case U16:
		return "u16"
	case U32:
		return "u32"
	case U64:
		return "u64"
	case S8:
		return "s8"
	case S16:
		return "s16"
	case S32:
		return "s32"
	case S64:
		return "s64"
	case StringType:
		return "string"
	case RecordType:
		return "record"
	case RefIndex:
		return "ref-by-index"
	case RefName:
		return "ref-by-name"
	case RefPointer:
		return "ref-by-pointer"
	default:
		return "invalid"
	}
}

// Limit is an optional closed numeric range, parsed from "(min,max)".
type Limit struct {
	Set   bool
	Lower int64
	Upper int64
}

// DataElement is one typed field: a base type plus everything needed to
// compute its pack length and compile its program. A record element has a
// non-empty Children list; scalars and strings have none.
type DataElement struct {
	Name string // field name within a record; empty at a port/type's top level

	BaseType BaseType

	IsArray        bool   // true for both fixed and dynamic arrays
	IsDynamicArray bool   // only meaningful when IsArray
	ArrayLen       uint32 // fixed length, or the declared maximum for a dynamic array

	Limit Limit

	Children []*DataElement // non-nil only for BaseType == RecordType

	// Reference bookkeeping, valid only while BaseType is one of the Ref*
	// kinds. RefTarget is populated during finalization and BaseType is
	// rewritten to RefPointer at the same time.
	RefID     int32
	RefName   string
	RefTarget *DataElement

	// PackLen is the deterministic pack length computed exactly once
	// during finalization; see invariant 1 in spec.md §8.
	PackLen  uint32
	computed bool
}

// IsRecord reports whether e is (or, once resolved, resolves to) a record.
func (e *DataElement) IsRecord() bool {
	for e.BaseType == RefPointer && e.RefTarget != nil {
		e = e.RefTarget
	}
	return e.BaseType == RecordType
}

// Resolved reports whether e contains no unresolved type reference anywhere
// in its subtree.
func (e *DataElement) Resolved() bool {
	if e.BaseType == RefIndex || e.BaseType == RefName {
		return false
	}
	if e.BaseType == RefPointer {
		return e.RefTarget != nil && e.RefTarget.Resolved()
	}
	for _, c := range e.Children {
		if !c.Resolved() {
			return false
		}
	}
	return true
}

// DataType is a named typedef declared with a `T"name"<signature>` line.
type DataType struct {
	Name    string
	Element *DataElement
	Line    int
}

// PortAttributes holds the parsed `:=…,P,Q[n],D[n]` metadata of a port.
type PortAttributes struct {
	IsParameter  bool
	IsQueued     bool
	QueueLen     uint32
	DynLen       uint32 // D[n]; the declared maximum length for a `[*]` element
	RawInitValue string // literal text as it appeared in the source, "" if absent
	InitValue    value.Value
	HasInit      bool
}

// Port is a require or provide port declared with an `R`/`P` line.
type Port struct {
	Name      string
	IsProvide bool

	RawSignature string // the data-signature text as written, before expansion
	Element      *DataElement
	Attributes   *PortAttributes

	DerivedSignature string
	PackLen          uint32
	PortID           int
	Line             int
}

// Node is the top-level parse result: a name, its typedef table, and its
// two port lists.
type Node struct {
	Name string

	Types     []*DataType
	TypeIndex map[string]int // type name -> index into Types

	RequirePorts []*Port
	ProvidePorts []*Port

	MajorVersion int
	MinorVersion int
}

// NewNode returns an empty node ready for the parser to populate.
func NewNode(name string) *Node {
	return &Node{
		Name:      name,
		TypeIndex: make(map[string]int),
	}
}

// AddType appends a typedef and indexes it by name. It returns false if the
// name is already taken.
func (n *Node) AddType(t *DataType) bool {
	if _, exists := n.TypeIndex[t.Name]; exists {
		return false
	}
	n.TypeIndex[t.Name] = len(n.Types)
	n.Types = append(n.Types, t)
	return true
}

// TypeByName looks up a typedef by name.
func (n *Node) TypeByName(name string) (*DataType, bool) {
	idx, ok := n.TypeIndex[name]
	if !ok {
		return nil, false
	}
	return n.Types[idx], true
}

// TypeByIndex looks up a typedef by its numeric id, as used by RefIndex.
func (n *Node) TypeByIndex(idx int32) (*DataType, bool) {
	if idx < 0 || int(idx) >= len(n.Types) {
		return nil, false
	}
	return n.Types[idx], true
}
