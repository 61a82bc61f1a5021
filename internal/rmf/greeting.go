package rmf

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apxrmf/apxd/internal/apxerr"
)

// Greeting is the line-oriented handshake blob a connecting peer sends
// first: a "RMFP/<major>.<minor>" header line, optional "key:value"
// lines, and a terminating empty line (spec.md §4.4).
type Greeting struct {
	Major  int
	Minor  int
	Fields map[string]string
}

const greetingMagic = "RMFP/"

// EncodeGreeting renders g as the text blob sent on the wire.
func EncodeGreeting(g Greeting) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s%d.%d\n", greetingMagic, g.Major, g.Minor)
	for k, v := range g.Fields {
		fmt.Fprintf(&b, "%s:%s\n", k, v)
	}
	b.WriteByte('\n')
	return b.String()
}

// ParseGreeting parses a greeting blob. text must already have its
// terminating empty line included (or be the last line read before one).
func ParseGreeting(text string) (*Greeting, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	if len(lines) == 0 || !strings.HasPrefix(lines[0], greetingMagic) {
		return nil, apxerr.New(apxerr.Parse, "missing RMFP header line")
	}
	version := strings.TrimPrefix(lines[0], greetingMagic)
	major, minor, err := parseVersion(version)
	if err != nil {
		return nil, err
	}
	g := &Greeting{Major: major, Minor: minor, Fields: map[string]string{}}
	for _, line := range lines[1:] {
		if line == "" {
			break
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return nil, apxerr.Newf(apxerr.Parse, "malformed greeting field %q", line)
		}
		g.Fields[k] = v
	}
	return g, nil
}

func parseVersion(s string) (major, minor int, err error) {
	maj, min, ok := strings.Cut(s, ".")
	if !ok {
		return 0, 0, apxerr.Newf(apxerr.Parse, "malformed version %q", s)
	}
	major, err = strconv.Atoi(maj)
	if err != nil {
		return 0, 0, apxerr.Newf(apxerr.Parse, "malformed major version %q", maj)
	}
	minor, err = strconv.Atoi(min)
	if err != nil {
		return 0, 0, apxerr.Newf(apxerr.Parse, "malformed minor version %q", min)
	}
	return major, minor, nil
}
