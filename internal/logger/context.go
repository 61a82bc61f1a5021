package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds connection-scoped logging context that is threaded through
// the parser, compiler, VM and routing layers so every log line emitted while
// servicing one connection carries the same correlation fields.
type LogContext struct {
	TraceID      string    // correlation id for a single request/response round trip
	ConnectionID uint32    // server-assigned connection id
	NodeName     string    // name of the node instance currently being processed
	Signature    string    // derived port signature, when the event concerns one port
	ClientAddr   string    // remote address of the connection's transport
	StartTime    time.Time // for duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for a freshly accepted connection.
func NewLogContext(connectionID uint32, clientAddr string) *LogContext {
	return &LogContext{
		ConnectionID: connectionID,
		ClientAddr:   clientAddr,
		StartTime:    time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	return &LogContext{
		TraceID:      lc.TraceID,
		ConnectionID: lc.ConnectionID,
		NodeName:     lc.NodeName,
		Signature:    lc.Signature,
		ClientAddr:   lc.ClientAddr,
		StartTime:    lc.StartTime,
	}
}

// WithNode returns a copy with the node name set
func (lc *LogContext) WithNode(name string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.NodeName = name
	}
	return clone
}

// WithSignature returns a copy with the derived port signature set
func (lc *LogContext) WithSignature(sig string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Signature = sig
	}
	return clone
}

// WithTrace returns a copy with the trace id set
func (lc *LogContext) WithTrace(traceID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
