package logger

import (
	"context"
	"time"
)

type contextKey struct{}

var logContextKey = contextKey{}

// LogContext carries the identity of one in-flight RPC call so every log
// line emitted while serving it can be correlated without threading the
// fields through each function: the xid and (prog, vers, proc) triple that
// name the call on the wire, the peer it arrived from, how it
// authenticated, and the trace ids when telemetry is on.
type LogContext struct {
	TraceID string
	SpanID  string

	XID  uint32
	Prog uint32
	Vers uint32
	Proc uint32

	// AuthFlavor is the wire flavor name (AUTH_NONE, AUTH_SYS,
	// RPCSEC_GSS); empty until the call passes authentication.
	AuthFlavor string

	// Peer is the remote address the call arrived from.
	Peer string

	// StartTime anchors DurationMs for the completion log line.
	StartTime time.Time
}

// WithContext attaches lc to ctx.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from ctx, nil if absent.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewCallContext starts a LogContext for a call arriving from peer.
func NewCallContext(peer string) *LogContext {
	return &LogContext{Peer: peer, StartTime: time.Now()}
}

// Clone copies lc; nil in, nil out.
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	cp := *lc
	return &cp
}

// WithCall returns a copy naming the call being served.
func (lc *LogContext) WithCall(xid, prog, vers, proc uint32) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.XID = xid
		clone.Prog = prog
		clone.Vers = vers
		clone.Proc = proc
	}
	return clone
}

// WithAuth returns a copy recording the authenticated flavor.
func (lc *LogContext) WithAuth(flavor string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.AuthFlavor = flavor
	}
	return clone
}

// WithTrace returns a copy carrying the active trace/span ids.
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns milliseconds elapsed since StartTime.
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
