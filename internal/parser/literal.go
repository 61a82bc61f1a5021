package parser

import (
	"strconv"
	"strings"

	"github.com/apxrmf/apxd/internal/apxerr"
	"github.com/apxrmf/apxd/internal/ast"
	"github.com/apxrmf/apxd/internal/value"
)

// resolveInitValues parses every port's raw init-value literal into a
// value.Value, now that Finalize has resolved type references and array
// lengths. It must run after ast.Finalize.
func resolveInitValues(node *ast.Node) error {
	for _, p := range node.RequirePorts {
		if err := resolvePortInit(p); err != nil {
			return err
		}
	}
	for _, p := range node.ProvidePorts {
		if err := resolvePortInit(p); err != nil {
			return err
		}
	}
	return nil
}

func resolvePortInit(p *ast.Port) error {
	if p.Attributes == nil || !p.Attributes.HasInit {
		return nil
	}
	v, err := parseLiteral(p.Attributes.RawInitValue, p.Element, p.Line)
	if err != nil {
		return err
	}
	p.Attributes.InitValue = v
	return nil
}

func parseLiteral(text string, el *ast.DataElement, line int) (value.Value, error) {
	text = strings.TrimSpace(text)
	switch el.BaseType {
	case ast.RefPointer:
		return parseLiteral(text, el.RefTarget, line)
	case ast.RecordType:
		if el.IsArray {
			return parseArrayLiteral(text, el, line)
		}
		return parseRecordLiteral(text, el, line)
	case ast.StringType:
		return parseStringLiteral(text, line)
	default:
		if el.IsArray {
			return parseArrayLiteral(text, el, line)
		}
		return parseScalarLiteral(text, el, line)
	}
}

func parseStringLiteral(text string, line int) (value.Value, error) {
	if len(text) < 2 || text[0] != '"' || text[len(text)-1] != '"' {
		return value.Value{}, apxerr.WithLine(apxerr.InvalidAttribute, line, "expected quoted string init value")
	}
	return value.NewString(text[1 : len(text)-1]), nil
}

func parseScalarLiteral(text string, el *ast.DataElement, line int) (value.Value, error) {
	if el.BaseType.IsSigned() {
		n, err := strconv.ParseInt(text, 0, 64)
		if err != nil {
			return value.Value{}, apxerr.WithLinef(apxerr.InvalidAttribute, line, "bad signed init literal %q", text)
		}
		return value.NewInt(n), nil
	}
	n, err := strconv.ParseUint(text, 0, 64)
	if err != nil {
		return value.Value{}, apxerr.WithLinef(apxerr.InvalidAttribute, line, "bad unsigned init literal %q", text)
	}
	return value.NewUint(n), nil
}

// splitTopLevel splits text (with its outer '{'/'}' already stripped) on
// top-level commas, respecting nested braces/brackets/parens/quotes.
func splitTopLevel(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var parts []string
	c := &cursor{s: text}
	for {
		part := c.balanced()
		parts = append(parts, strings.TrimSpace(part))
		if c.eof() {
			break
		}
		c.pos++ // skip comma
	}
	return parts
}

func parseArrayLiteral(text string, el *ast.DataElement, line int) (value.Value, error) {
	if len(text) < 2 || text[0] != '{' || text[len(text)-1] != '}' {
		return value.Value{}, apxerr.WithLine(apxerr.InvalidAttribute, line, "expected '{...}' array init value")
	}
	parts := splitTopLevel(text[1 : len(text)-1])
	items := make([]value.Value, 0, len(parts))
	for _, part := range parts {
		elemType := *el
		elemType.IsArray = false
		elemType.IsDynamicArray = false
		v, err := parseLiteral(part, &elemType, line)
		if err != nil {
			return value.Value{}, err
		}
		items = append(items, v)
	}
	return value.NewArray(items), nil
}

func parseRecordLiteral(text string, el *ast.DataElement, line int) (value.Value, error) {
	if len(text) < 2 || text[0] != '{' || text[len(text)-1] != '}' {
		return value.Value{}, apxerr.WithLine(apxerr.InvalidAttribute, line, "expected '{...}' record init value")
	}
	parts := splitTopLevel(text[1 : len(text)-1])
	if len(parts) != len(el.Children) {
		return value.Value{}, apxerr.WithLinef(apxerr.InvalidAttribute, line, "record init value has %d fields, type has %d", len(parts), len(el.Children))
	}
	fields := make(map[string]value.Value, len(parts))
	for i, part := range parts {
		child := el.Children[i]
		v, err := parseLiteral(part, child, line)
		if err != nil {
			return value.Value{}, err
		}
		fields[child.Name] = v
	}
	return value.NewRecord(fields), nil
}
