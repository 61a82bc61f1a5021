// Package apxerr defines the shared error taxonomy used by every APX
// component: parser, compiler, virtual machine, RMF transport, file manager
// and server. Every failure kind here has a matching numeric code in the
// 500-range used inside RMF control replies (RMFCode adds 500 to the kind).
package apxerr

import "fmt"

// Kind enumerates the failure kinds shared across the whole engine. Values
// are stable and match the wire-visible error codes: RMFCode(k) == 500+int(k).
type Kind int

const (
	_ Kind = iota // 0 is reserved; there is no "no error" Kind value
	InvalidArgument
	Memory
	Parse
	DataSignature
	Value
	Length
	ElementType
	DVType
	Unsupported
	NotImplemented
	NotFound
	UnmatchedBrace
	UnmatchedBracket
	UnmatchedString
	InvalidTypeRef
	ExpectedBracket
	InvalidAttribute
	TooManyNodes
	NodeMissing
	NodeAlreadyExists
	MissingBuffer
	MissingFile
	NameMissing
	NameTooLong
	ThreadCreate
	MsgTooLarge
	Connection
	Transmit
	NullPtr
	BufferBoundary
	BufferFull
	QueueFull
	DataNotProcessed
	Pack
	Read
	InvalidMsg
)

var kindNames = map[Kind]string{
	InvalidArgument:   "invalid-argument",
	Memory:            "memory",
	Parse:             "parse",
	DataSignature:     "data-signature",
	Value:             "value",
	Length:            "length",
	ElementType:       "element-type",
	DVType:            "dv-type",
	Unsupported:       "unsupported",
	NotImplemented:    "not-implemented",
	NotFound:          "not-found",
	UnmatchedBrace:    "unmatched-brace",
	UnmatchedBracket:  "unmatched-bracket",
	UnmatchedString:   "unmatched-string",
	InvalidTypeRef:    "invalid-type-ref",
	ExpectedBracket:   "expected-bracket",
	InvalidAttribute:  "invalid-attribute",
	TooManyNodes:      "too-many-nodes",
	NodeMissing:       "node-missing",
	NodeAlreadyExists: "node-already-exists",
	MissingBuffer:     "missing-buffer",
	MissingFile:       "missing-file",
	NameMissing:       "name-missing",
	NameTooLong:       "name-too-long",
	ThreadCreate:      "thread-create",
	MsgTooLarge:       "msg-too-large",
	Connection:        "connection",
	Transmit:          "transmit",
	NullPtr:           "null-ptr",
	BufferBoundary:    "buffer-boundary",
	BufferFull:        "buffer-full",
	QueueFull:         "queue-full",
	DataNotProcessed:  "data-not-processed",
	Pack:              "pack",
	Read:              "read",
	InvalidMsg:        "invalid-msg",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// reservedRMFCode is the single code (527, Kind value 27) that the original
// protocol reserved and never assigned to CONNECTION errors: a connection
// failure is local to one peer and is never placed in a control-frame reply.
const reservedRMFCode = 527

// RMFCode returns the RMF control-frame error code for kind, and false when
// the kind is not protocol-visible (currently only Connection).
func RMFCode(k Kind) (int, bool) {
	if k == Connection {
		return reservedRMFCode, false
	}
	return 500 + int(k), true
}

// Error is the concrete error type produced by every APX component. Line is
// the 1-based source line number for parser/compiler errors, or 0 when the
// error did not originate from source text.
type Error struct {
	Kind Kind
	Line int
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Line > 0 {
		if e.Msg != "" {
			return fmt.Sprintf("%s (line %d): %s", e.Kind, e.Line, e.Msg)
		}
		return fmt.Sprintf("%s (line %d)", e.Kind, e.Line)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with no associated source line.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WithLine creates an Error tagged with the 1-based source line it came from.
func WithLine(kind Kind, line int, msg string) *Error {
	return &Error{Kind: kind, Line: line, Msg: msg}
}

// WithLinef creates a line-tagged Error with a formatted message.
func WithLinef(kind Kind, line int, format string, args ...any) *Error {
	return &Error{Kind: kind, Line: line, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with an APX Kind, preserving it for
// errors.Unwrap/errors.Is chains.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Msg: err.Error(), Err: err}
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
