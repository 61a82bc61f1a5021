package parser

import (
	"github.com/apxrmf/apxd/internal/apxerr"
	"github.com/apxrmf/apxd/internal/ast"
)

// parseSignature parses one data-signature (spec.md §4.1) and, if present, a
// leading ':' followed by attribute text. It returns the element tree and
// the raw attribute text (empty if there were no attributes).
func parseSignature(text string, line int) (*ast.DataElement, string, error) {
	c := &cursor{s: text, line: line}
	el, err := parseElement(c)
	if err != nil {
		return nil, "", err
	}
	if c.eof() {
		return el, "", nil
	}
	if c.peek() != ':' {
		return nil, "", apxerr.WithLinef(apxerr.DataSignature, line, "unexpected trailing text %q", text[c.pos:])
	}
	c.pos++
	return el, text[c.pos:], nil
}

func parseElement(c *cursor) (*ast.DataElement, error) {
	if c.eof() {
		return nil, apxerr.WithLine(apxerr.DataSignature, c.line, "empty data signature")
	}
	switch c.peek() {
	case 'C':
		c.pos++
		return finishScalar(c, ast.U8)
	case 'S':
		c.pos++
		return finishScalar(c, ast.U16)
	case 'L':
		c.pos++
		return finishScalar(c, ast.U32)
	case 'Q':
		c.pos++
		return finishScalar(c, ast.U64)
	case 'c':
		c.pos++
		return finishScalar(c, ast.S8)
	case 's':
		c.pos++
		return finishScalar(c, ast.S16)
	case 'l':
		c.pos++
		return finishScalar(c, ast.S32)
	case 'q':
		c.pos++
		return finishScalar(c, ast.S64)
	case 'a':
		c.pos++
		return finishString(c)
	case '{':
		return parseRecord(c)
	case 'T':
		return parseRef(c)
	default:
		return nil, apxerr.WithLinef(apxerr.DataSignature, c.line, "unknown base type %q", c.peek())
	}
}

func finishScalar(c *cursor, bt ast.BaseType) (*ast.DataElement, error) {
	el := &ast.DataElement{BaseType: bt}
	if err := parseArrayBracket(c, el); err != nil {
		return nil, err
	}
	if err := parseLimit(c, el); err != nil {
		return nil, err
	}
	return el, nil
}

func finishString(c *cursor) (*ast.DataElement, error) {
	el := &ast.DataElement{BaseType: ast.StringType}
	if c.peek() != '[' {
		return nil, apxerr.WithLine(apxerr.DataSignature, c.line, "string base type requires a [n] or [*] length")
	}
	if err := parseArrayBracket(c, el); err != nil {
		return nil, err
	}
	return el, nil
}

func parseRecord(c *cursor) (*ast.DataElement, error) {
	if err := c.expect('{'); err != nil {
		return nil, apxerr.WithLine(apxerr.UnmatchedBrace, c.line, "expected '{'")
	}
	el := &ast.DataElement{BaseType: ast.RecordType}
	for {
		if c.eof() {
			return nil, apxerr.WithLine(apxerr.UnmatchedBrace, c.line, "unterminated record")
		}
		if c.peek() == '}' {
			c.pos++
			break
		}
		name, err := c.quoted()
		if err != nil {
			return nil, err
		}
		child, err := parseElement(c)
		if err != nil {
			return nil, err
		}
		child.Name = name
		el.Children = append(el.Children, child)
	}
	if len(el.Children) == 0 {
		return nil, apxerr.WithLine(apxerr.DataSignature, c.line, "record must have at least one field")
	}
	if err := parseArrayBracket(c, el); err != nil {
		return nil, err
	}
	return el, nil
}

func parseRef(c *cursor) (*ast.DataElement, error) {
	c.pos++ // consume 'T'
	if err := c.expect('['); err != nil {
		return nil, apxerr.WithLine(apxerr.UnmatchedBracket, c.line, "expected '[' after type reference")
	}
	var el *ast.DataElement
	if c.peek() == '"' {
		name, err := c.quoted()
		if err != nil {
			return nil, err
		}
		el = &ast.DataElement{BaseType: ast.RefName, RefName: name}
	} else {
		n, err := c.digits()
		if err != nil {
			return nil, apxerr.WithLine(apxerr.InvalidTypeRef, c.line, "expected type index or quoted name")
		}
		el = &ast.DataElement{BaseType: ast.RefIndex, RefID: int32(n)}
	}
	if err := c.expect(']'); err != nil {
		return nil, apxerr.WithLine(apxerr.UnmatchedBracket, c.line, "expected ']'")
	}
	return el, nil
}

func parseArrayBracket(c *cursor, el *ast.DataElement) error {
	if c.peek() != '[' {
		return nil
	}
	c.pos++
	if c.peek() == '*' {
		c.pos++
		el.IsArray = true
		el.IsDynamicArray = true
	} else {
		n, err := c.digits()
		if err != nil {
			return apxerr.WithLine(apxerr.DataSignature, c.line, "expected array length or '*'")
		}
		el.IsArray = true
		el.ArrayLen = n
	}
	if err := c.expect(']'); err != nil {
		return apxerr.WithLine(apxerr.UnmatchedBracket, c.line, "expected ']'")
	}
	return nil
}

func parseLimit(c *cursor, el *ast.DataElement) error {
	if c.peek() != '(' {
		return nil
	}
	c.pos++
	lower, err := c.signedInt()
	if err != nil {
		return apxerr.WithLine(apxerr.DataSignature, c.line, "expected lower limit")
	}
	if err := c.expect(','); err != nil {
		return apxerr.WithLine(apxerr.DataSignature, c.line, "expected ',' in range")
	}
	upper, err := c.signedInt()
	if err != nil {
		return apxerr.WithLine(apxerr.DataSignature, c.line, "expected upper limit")
	}
	if err := c.expect(')'); err != nil {
		return apxerr.WithLine(apxerr.DataSignature, c.line, "expected ')'")
	}
	el.Limit = ast.Limit{Set: true, Lower: lower, Upper: upper}
	return nil
}

// parseAttributes parses the comma-separated attribute text following the
// ':' in an R/T/P line.
func parseAttributes(text string, line int) (*ast.PortAttributes, error) {
	attrs := &ast.PortAttributes{}
	c := &cursor{s: text, line: line}
	for !c.eof() {
		switch c.peek() {
		case 'P':
			c.pos++
			attrs.IsParameter = true
		case 'Q':
			c.pos++
			if err := c.expect('['); err != nil {
				return nil, apxerr.WithLine(apxerr.InvalidAttribute, line, "expected '[' after Q")
			}
			n, err := c.digits()
			if err != nil {
				return nil, apxerr.WithLine(apxerr.InvalidAttribute, line, "expected queue length")
			}
			if err := c.expect(']'); err != nil {
				return nil, apxerr.WithLine(apxerr.InvalidAttribute, line, "expected ']' after queue length")
			}
			attrs.IsQueued = true
			attrs.QueueLen = n
		case 'D':
			c.pos++
			if err := c.expect('['); err != nil {
				return nil, apxerr.WithLine(apxerr.InvalidAttribute, line, "expected '[' after D")
			}
			n, err := c.digits()
			if err != nil {
				return nil, apxerr.WithLine(apxerr.InvalidAttribute, line, "expected dynamic length")
			}
			if err := c.expect(']'); err != nil {
				return nil, apxerr.WithLine(apxerr.InvalidAttribute, line, "expected ']' after dynamic length")
			}
			attrs.DynLen = n
		case '=':
			c.pos++
			attrs.RawInitValue = c.balanced()
			attrs.HasInit = true
		default:
			return nil, apxerr.WithLinef(apxerr.InvalidAttribute, line, "unknown attribute %q", c.peek())
		}
		if !c.eof() {
			if err := c.expect(','); err != nil {
				return nil, apxerr.WithLine(apxerr.InvalidAttribute, line, "expected ',' between attributes")
			}
		}
	}
	return attrs, nil
}
