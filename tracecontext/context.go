// Package tracecontext carries the identity of the active span across
// the asynchronous boundaries an adapter introduces: deferred query
// construction, iterator resumption, per-row callbacks and transaction
// callbacks. It captures and restores active span/trace identity across async suspension points.
package tracecontext

import (
	"context"

	"github.com/google/uuid"
)

type ctxKeyType struct{}

var ctxKey = ctxKeyType{}

// TraceID is a 16-byte trace identifier, assigned once per inbound
// operation and inherited by every span it causes.
type TraceID [16]byte

// SpanID is an 8-byte span identifier.
type SpanID [8]byte

// NewTraceID generates a fresh, random trace identifier.
func NewTraceID() TraceID {
	id := uuid.New()
	var t TraceID
	copy(t[:], id[:])
	return t
}

// NewSpanID generates a fresh, random span identifier.
func NewSpanID() SpanID {
	id := uuid.New()
	var s SpanID
	copy(s[:], id[:8])
	return s
}

// Active identifies the span that is the parent of any operation
// started "right now" in a given scope.
type Active struct {
	TraceID       TraceID
	SpanID        SpanID
	IsPreAppStart bool
}

// Context is an immutable snapshot of the active trace context. A zero
// Context has no active span: operations created under it start a new
// trace.
type Context struct {
	active *Active
}

// Empty returns a Context with no active span.
func Empty() Context { return Context{} }

// Root returns a Context whose active span is a, used to start a new
// trace in the absence of an inherited one.
func Root(a Active) Context { return Context{active: &a} }

// Child derives the context for a span caused by the span active in c:
// same trace, new parent. If c has no active span, a new trace is
// started.
func (c Context) Child(isPreAppStart bool) (Context, Active) {
	if c.active == nil {
		a := Active{TraceID: NewTraceID(), SpanID: NewSpanID(), IsPreAppStart: isPreAppStart}
		return Context{active: &a}, a
	}
	a := Active{TraceID: c.active.TraceID, SpanID: NewSpanID(), IsPreAppStart: isPreAppStart}
	return Context{active: &a}, a
}

// Active returns the context's active span, if any.
func (c Context) Active() (Active, bool) {
	if c.active == nil {
		return Active{}, false
	}
	return *c.active, true
}

// With runs fn with ctx installed as the active context for the
// duration of the call.
func With(parent context.Context, ctx Context, fn func(context.Context)) {
	fn(context.WithValue(parent, ctxKey, ctx))
}

// FromContext reads the active replaytrace Context out of a standard
// context.Context, defaulting to Empty when none was installed.
func FromContext(ctx context.Context) Context {
	if ctx == nil {
		return Empty()
	}
	v, ok := ctx.Value(ctxKey).(Context)
	if !ok {
		return Empty()
	}
	return v
}

// Attach installs tc as the active context on ctx, for call sites that
// do not want to go through With's callback style (e.g. storing the
// context on a deferred Query at construction time).
func Attach(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey, tc)
}

// Capture snapshots the active context at a suspension point — a Query
// being constructed, an iterator yielding control. The caller stores
// the returned Context and Restores it at the matching resumption
// point so child spans parent correctly regardless of scheduling.
func Capture(ctx context.Context) Context { return FromContext(ctx) }

// Restore re-enters a previously captured context before running user
// code or creating child spans, undoing whatever context was active at
// the resumption call site.
func Restore(ctx context.Context, captured Context) context.Context {
	return Attach(ctx, captured)
}
