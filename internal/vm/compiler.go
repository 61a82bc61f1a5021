package vm

import (
	"encoding/binary"

	"github.com/apxrmf/apxd/internal/apxerr"
	"github.com/apxrmf/apxd/internal/ast"
)

// Compile generates a pack or unpack program for a finalized data element.
// The element must already have passed ast.Finalize (no unresolved type
// references). The returned program's PayloadSize is the element's pack
// length, computed here during code generation (arrayWrappedSize); it
// does not call ast's pack-length computation.
func Compile(el *ast.DataElement, major, minor uint8, kind ProgramType) (*Program, error) {
	op := OpPack
	if kind == ProgramUnpack {
		op = OpUnpack
	}
	var code []byte
	size, err := compileElement(&code, el, op)
	if err != nil {
		return nil, err
	}
	return &Program{Major: major, Minor: minor, Type: kind, PayloadSize: size, Code: code}, nil
}

func variantFor(bt ast.BaseType) (Variant, error) {
	switch bt {
	case ast.U8:
		return VarU8, nil
	case ast.U16:
		return VarU16, nil
	case ast.U32:
		return VarU32, nil
	case ast.U64:
		return VarU64, nil
	case ast.S8:
		return VarS8, nil
	case ast.S16:
		return VarS16, nil
	case ast.S32:
		return VarS32, nil
	case ast.S64:
		return VarS64, nil
	case ast.StringType:
		return VarStr, nil
	default:
		return 0, apxerr.Newf(apxerr.Unsupported, "no bytecode variant for base type %s", bt)
	}
}

func compileElement(code *[]byte, e *ast.DataElement, op Opcode) (uint32, error) {
	switch e.BaseType {
	case ast.RefPointer:
		return compileElement(code, e.RefTarget, op)
	case ast.RecordType:
		*code = append(*code, Encode(op, VarRecord, e.IsArray))
		if e.IsArray {
			appendArrayImmediate(code, e)
		}
		var unit uint32
		for i, c := range e.Children {
			isLast := i == len(e.Children)-1
			*code = append(*code, Encode(OpDataCtrl, VarRecordSelect, isLast))
			*code = append(*code, []byte(c.Name)...)
			*code = append(*code, 0)
			sz, err := compileElement(code, c, op)
			if err != nil {
				return 0, err
			}
			unit += sz
		}
		return arrayWrappedSize(unit, e), nil
	default:
		variant, err := variantFor(e.BaseType)
		if err != nil {
			return 0, err
		}
		*code = append(*code, Encode(op, variant, e.IsArray))
		if e.Limit.Set {
			*code = append(*code, Encode(OpDataCtrl, VarLimitCheck, false))
			appendLimitImmediate(code, e)
		}
		var unit uint32
		if e.BaseType == ast.StringType {
			unit = 1
		} else {
			unit = uint32(e.BaseType.Width())
		}
		if e.IsArray {
			appendArrayImmediate(code, e)
		}
		return arrayWrappedSize(unit, e), nil
	}
}

func arrayWrappedSize(unit uint32, e *ast.DataElement) uint32 {
	if !e.IsArray {
		return unit
	}
	total := unit * e.ArrayLen
	if e.IsDynamicArray {
		total += uint32(ast.LengthWidth(e.ArrayLen))
	}
	return total
}

func appendArrayImmediate(code *[]byte, e *ast.DataElement) {
	width := ast.LengthWidth(e.ArrayLen)
	variant := arrayVariantForWidth(width)
	*code = append(*code, Encode(OpArray, variant, e.IsDynamicArray))
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, e.ArrayLen)
	*code = append(*code, buf[:width]...)
}

func appendLimitImmediate(code *[]byte, e *ast.DataElement) {
	width := e.BaseType.Width()
	if width == 0 {
		width = 8
	}
	buf := make([]byte, width*2)
	putIntN(buf[:width], e.Limit.Lower)
	putIntN(buf[width:2*width], e.Limit.Upper)
	*code = append(*code, buf...)
}

func putIntN(dst []byte, v int64) {
	u := uint64(v)
	for i := range dst {
		dst[i] = byte(u >> (8 * uint(i)))
	}
}

func getIntN(src []byte) int64 {
	var u uint64
	for i, b := range src {
		u |= uint64(b) << (8 * uint(i))
	}
	// sign-extend from the narrower width
	shift := uint(64 - 8*len(src))
	return int64(u<<shift) >> shift
}
