// Package parser turns textual APX node-definition source into a finalized
// ast.Node: it scans the line-oriented directive grammar (N/T/R/P), parses
// each line's data-signature and attribute text, then hands the assembled
// tree to ast.Finalize for type-reference resolution and pack-length
// computation, and finally resolves every port's init-value literal.
package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/apxrmf/apxd/internal/apxerr"
	"github.com/apxrmf/apxd/internal/ast"
)

var headerRe = regexp.MustCompile(`^APX/(\d+)\.(\d+)$`)

// Parse parses and finalizes one complete .apx source document.
func Parse(src string) (*ast.Node, error) {
	lines := strings.Split(src, "\n")
	if len(lines) == 0 {
		return nil, apxerr.New(apxerr.Parse, "empty source")
	}

	header := strings.TrimRight(lines[0], "\r")
	m := headerRe.FindStringSubmatch(header)
	if m == nil {
		return nil, apxerr.WithLine(apxerr.Parse, 1, "first line must be APX/<major>.<minor>")
	}

	node := ast.NewNode("")
	fmt.Sscanf(m[1], "%d", &node.MajorVersion)
	fmt.Sscanf(m[2], "%d", &node.MinorVersion)

	for i := 1; i < len(lines); i++ {
		lineNum := i + 1
		line := strings.TrimRight(lines[i], "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := parseLine(node, line, lineNum); err != nil {
			return nil, err
		}
	}

	if node.Name == "" {
		return nil, apxerr.New(apxerr.NameMissing, "node definition has no N line")
	}

	if err := ast.Finalize(node); err != nil {
		return nil, err
	}
	if err := resolveInitValues(node); err != nil {
		return nil, err
	}
	return node, nil
}

func parseLine(node *ast.Node, line string, lineNum int) error {
	directive := line[0]
	rest := line[1:]

	switch directive {
	case 'N':
		c := &cursor{s: rest, line: lineNum}
		name, err := c.quoted()
		if err != nil {
			return err
		}
		node.Name = name
		return nil
	case 'T':
		c := &cursor{s: rest, line: lineNum}
		name, err := c.quoted()
		if err != nil {
			return err
		}
		el, attrText, err := parseSignature(rest[c.pos:], lineNum)
		if err != nil {
			return err
		}
		if attrText != "" {
			// Typedefs may carry a D[n] attribute that feeds only into
			// any top-level dynamic array length; other attributes on a
			// typedef line are parsed and then ignored.
			attrs, err := parseAttributes(attrText, lineNum)
			if err != nil {
				return err
			}
			wireDynLen(el, attrs)
		}
		dt := &ast.DataType{Name: name, Element: el, Line: lineNum}
		if !node.AddType(dt) {
			return apxerr.WithLinef(apxerr.InvalidAttribute, lineNum, "duplicate type name %q", name)
		}
		return nil
	case 'R', 'P':
		c := &cursor{s: rest, line: lineNum}
		name, err := c.quoted()
		if err != nil {
			return err
		}
		el, attrText, err := parseSignature(rest[c.pos:], lineNum)
		if err != nil {
			return err
		}
		attrs := &ast.PortAttributes{}
		if attrText != "" {
			attrs, err = parseAttributes(attrText, lineNum)
			if err != nil {
				return err
			}
			wireDynLen(el, attrs)
		}
		port := &ast.Port{
			Name:         name,
			IsProvide:    directive == 'P',
			RawSignature: rest[c.pos:],
			Element:      el,
			Attributes:   attrs,
			Line:         lineNum,
		}
		if port.IsProvide {
			node.ProvidePorts = append(node.ProvidePorts, port)
		} else {
			node.RequirePorts = append(node.RequirePorts, port)
		}
		return nil
	default:
		return apxerr.WithLinef(apxerr.Parse, lineNum, "unknown directive %q", directive)
	}
}

// wireDynLen applies a D[n] attribute to the port/type's top-level element
// when it declared a dynamic array ([*]); nested record fields cannot carry
// their own D[n] since attributes are scoped to the outer signature.
func wireDynLen(el *ast.DataElement, attrs *ast.PortAttributes) {
	if el.IsDynamicArray && attrs.DynLen > 0 {
		el.ArrayLen = attrs.DynLen
	}
}
