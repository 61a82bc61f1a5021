package ast

import (
	"fmt"
	"strings"

	"github.com/apxrmf/apxd/internal/apxerr"
)

// LengthWidth returns the number of bytes (1, 2, or 4) needed to encode a
// dynamic-array length header whose declared maximum is max. The compiler
// reuses this so the array-length variant it emits always matches the width
// node info and the VM assume at runtime.
func LengthWidth(max uint32) int {
	switch {
	case max <= 0xFF:
		return 1
	case max <= 0xFFFF:
		return 2
	default:
		return 4
	}
}

// Finalize resolves every type reference in node (replacing RefIndex/RefName
// elements with RefPointer elements pointing at the target type's element),
// rejects cycles, and computes each port's pack length and derived signature
// string. It must run exactly once per parsed node, after all T/R/P lines
// have been consumed.
func Finalize(node *Node) error {
	state := make([]int, len(node.Types)) // 0 unvisited, 1 in-progress, 2 done

	var resolveTypeIndex func(idx int32, line int) error
	resolveTypeIndex = func(idx int32, line int) error {
		if idx < 0 || int(idx) >= len(node.Types) {
			return apxerr.WithLinef(apxerr.InvalidTypeRef, line, "type index %d out of range", idx)
		}
		switch state[idx] {
		case 2:
			return nil
		case 1:
			return apxerr.WithLinef(apxerr.InvalidTypeRef, line, "cyclic reference to type %q", node.Types[idx].Name)
		}
		state[idx] = 1
		t := node.Types[idx]
		if err := resolveElement(node, t.Element, resolveTypeIndex, t.Line); err != nil {
			return err
		}
		state[idx] = 2
		return nil
	}

	for i := range node.Types {
		if err := resolveTypeIndex(int32(i), node.Types[i].Line); err != nil {
			return err
		}
	}

	for _, p := range node.RequirePorts {
		if err := resolveElement(node, p.Element, resolveTypeIndex, p.Line); err != nil {
			return err
		}
	}
	for _, p := range node.ProvidePorts {
		if err := resolveElement(node, p.Element, resolveTypeIndex, p.Line); err != nil {
			return err
		}
	}

	for i, p := range node.RequirePorts {
		p.PortID = i
		size, err := computePackLen(p.Element)
		if err != nil {
			return err
		}
		p.PackLen = size
		p.DerivedSignature = fmt.Sprintf("%q%s", p.Name, renderSignature(p.Element))
	}
	for i, p := range node.ProvidePorts {
		p.PortID = i
		size, err := computePackLen(p.Element)
		if err != nil {
			return err
		}
		p.PackLen = size
		p.DerivedSignature = fmt.Sprintf("%q%s", p.Name, renderSignature(p.Element))
	}
	return nil
}

func resolveElement(node *Node, e *DataElement, resolveTypeIndex func(int32, int) error, line int) error {
	switch e.BaseType {
	case RefIndex:
		if err := resolveTypeIndex(e.RefID, line); err != nil {
			return err
		}
		target := node.Types[e.RefID]
		e.BaseType = RefPointer
		e.RefTarget = target.Element
		return nil
	case RefName:
		idx, ok := node.TypeIndex[e.RefName]
		if !ok {
			return apxerr.WithLinef(apxerr.InvalidTypeRef, line, "unknown type %q", e.RefName)
		}
		if err := resolveTypeIndex(int32(idx), line); err != nil {
			return err
		}
		target := node.Types[idx]
		e.BaseType = RefPointer
		e.RefTarget = target.Element
		return nil
	case RecordType:
		for _, c := range e.Children {
			if err := resolveElement(node, c, resolveTypeIndex, line); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

func computePackLen(e *DataElement) (uint32, error) {
	if e.computed {
		return e.PackLen, nil
	}
	var unitWidth uint32
	switch e.BaseType {
	case RecordType:
		var sum uint32
		for _, c := range e.Children {
			s, err := computePackLen(c)
			if err != nil {
				return 0, err
			}
			sum += s
		}
		unitWidth = sum
	case RefPointer:
		if e.RefTarget == nil {
			return 0, apxerr.New(apxerr.InvalidTypeRef, "unresolved type reference at pack-length computation")
		}
		s, err := computePackLen(e.RefTarget)
		if err != nil {
			return 0, err
		}
		unitWidth = s
	case StringType:
		unitWidth = 1
	case RefIndex, RefName:
		return 0, apxerr.New(apxerr.InvalidTypeRef, "pack length requested before finalization resolved type reference")
	default:
		unitWidth = uint32(e.BaseType.Width())
	}

	var total uint32
	if e.IsArray {
		total = unitWidth * e.ArrayLen
		if e.IsDynamicArray {
			total += uint32(LengthWidth(e.ArrayLen))
		}
	} else {
		total = unitWidth
	}
	e.PackLen = total
	e.computed = true
	return total, nil
}

func baseChar(t BaseType) string {
	switch t {
	case U8:
		return "C"
	case U16:
		return "S"
	case U32:
		return "L"
	case U64:
		return "Q"
	case S8:
		return "c"
	case S16:
		return "s"
	case S32:
		return "l"
	case S64:
		return "q"
	case StringType:
		return "a"
	default:
		return "?"
	}
}

func arraySuffix(e *DataElement) string {
	if !e.IsArray {
		return ""
	}
	if e.IsDynamicArray {
		return "[*]"
	}
	return fmt.Sprintf("[%d]", e.ArrayLen)
}

func limitSuffix(e *DataElement) string {
	if !e.Limit.Set {
		return ""
	}
	return fmt.Sprintf("(%d,%d)", e.Limit.Lower, e.Limit.Upper)
}

// renderSignature renders the fully expanded data-signature text for e, with
// every type reference substituted by its target's shape. This is what
// makes the derived signature independent of whether a port used T[0],
// T["Name"], or an inlined type (spec.md §8 invariant 2).
func renderSignature(e *DataElement) string {
	switch e.BaseType {
	case RefPointer:
		return renderSignature(e.RefTarget)
	case RecordType:
		var sb strings.Builder
		sb.WriteByte('{')
		for _, c := range e.Children {
			fmt.Fprintf(&sb, "%q%s", c.Name, renderSignature(c))
		}
		sb.WriteByte('}')
		return sb.String()
	default:
		return baseChar(e.BaseType) + arraySuffix(e) + limitSuffix(e)
	}
}
