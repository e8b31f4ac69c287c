package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds request-scoped logging context for a single transfer
// or queue operation. Fields are filled in as a segment request moves
// from scheduling through the transfer state machine so that every log
// line for that operation can be correlated without re-threading values
// through every call.
type LogContext struct {
	TraceID    string    // OpenTelemetry trace ID, if tracing is wired in
	SpanID     string    // OpenTelemetry span ID
	Hub        string    // Hub URL the connection/source is associated with
	User       string    // CID/nick of the remote peer
	BundleName string    // Display name of the bundle being worked on
	ConnToken  string    // UserConnection token
	StartTime  time.Time // For duration calculation
}

// WithContext returns a new context carrying the given LogContext.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from ctx, or nil if not present.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a LogContext for a connection to the given hub.
func NewLogContext(hub string) *LogContext {
	return &LogContext{
		Hub:       hub,
		StartTime: time.Now(),
	}
}

// Clone returns a copy of the LogContext.
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithUser returns a copy with the remote user set.
func (lc *LogContext) WithUser(user string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.User = user
	}
	return clone
}

// WithBundle returns a copy with the bundle name set.
func (lc *LogContext) WithBundle(name string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.BundleName = name
	}
	return clone
}

// WithConn returns a copy with the connection token set.
func (lc *LogContext) WithConn(token string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.ConnToken = token
	}
	return clone
}

// WithTrace returns a copy with trace info set.
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds.
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
