package parser

import "github.com/apxrmf/apxd/internal/apxerr"

// cursor is a simple byte-offset scanner over one line's signature/attribute
// text. All data-signature and attribute grammar is self-delimiting, so a
// single forward-only cursor is enough; nothing needs backtracking.
type cursor struct {
	s    string
	pos  int
	line int
}

func (c *cursor) eof() bool { return c.pos >= len(c.s) }

func (c *cursor) peek() byte {
	if c.eof() {
		return 0
	}
	return c.s[c.pos]
}

func (c *cursor) expect(b byte) error {
	if c.eof() || c.s[c.pos] != b {
		return apxerr.WithLinef(apxerr.ExpectedBracket, c.line, "expected %q", b)
	}
	c.pos++
	return nil
}

// quoted reads a "..." string starting at the current position.
func (c *cursor) quoted() (string, error) {
	if err := c.expect('"'); err != nil {
		return "", apxerr.WithLine(apxerr.UnmatchedString, c.line, "expected quoted string")
	}
	start := c.pos
	for !c.eof() && c.s[c.pos] != '"' {
		c.pos++
	}
	if c.eof() {
		return "", apxerr.WithLine(apxerr.UnmatchedString, c.line, "unterminated string")
	}
	out := c.s[start:c.pos]
	c.pos++ // closing quote
	return out, nil
}

// digits reads an unsigned decimal integer.
func (c *cursor) digits() (uint32, error) {
	start := c.pos
	for !c.eof() && c.s[c.pos] >= '0' && c.s[c.pos] <= '9' {
		c.pos++
	}
	if c.pos == start {
		return 0, apxerr.WithLine(apxerr.Parse, c.line, "expected digits")
	}
	var n uint64
	for _, b := range []byte(c.s[start:c.pos]) {
		n = n*10 + uint64(b-'0')
	}
	return uint32(n), nil
}

// signedInt reads an optionally negative decimal integer.
func (c *cursor) signedInt() (int64, error) {
	neg := false
	if c.peek() == '-' {
		neg = true
		c.pos++
	}
	n, err := c.digits()
	if err != nil {
		return 0, err
	}
	if neg {
		return -int64(n), nil
	}
	return int64(n), nil
}

// balanced reads up to (but not including) the next top-level comma or the
// end of the string, tracking {}, [], (), and "" nesting so that commas
// inside a nested literal don't end the scan early.
func (c *cursor) balanced() string {
	start := c.pos
	depth := 0
	inString := false
	for !c.eof() {
		b := c.s[c.pos]
		switch {
		case inString:
			if b == '"' {
				inString = false
			}
		case b == '"':
			inString = true
		case b == '{' || b == '[' || b == '(':
			depth++
		case b == '}' || b == ']' || b == ')':
			depth--
		case b == ',' && depth == 0:
			out := c.s[start:c.pos]
			return out
		}
		c.pos++
	}
	return c.s[start:c.pos]
}
