// Package span implements span creation, attribute
// attachment and termination, with the failure-isolation property that
// no mutation here is ever allowed to propagate an error to the
// intercepted application.
package span

import (
	"sync"

	"github.com/replaytrace/replaytrace-go/internal/log"
	"github.com/replaytrace/replaytrace-go/internal/metrics"
	"github.com/replaytrace/replaytrace-go/tracecontext"
)

// StatusCode is the terminal disposition of a span.
type StatusCode int

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

// Status is attached to a span exactly once, at End.
type Status struct {
	Code    StatusCode
	Message string
}

// Meta describes the identity of an operation before its span exists.
// Name/PackageName/InstrumentationName/Submodule/Kind mirror the
// fields of a mockstore.Scope; adapters build that Scope separately,
// and its values need not equal the Meta's.
type Meta struct {
	Name                string
	PackageName         string
	Submodule           string
	InstrumentationName string
	PackageType         string
	Kind                Kind
}

// Span is a single interception record: Open -> (AttributesUpdated)* ->
// Ended. Once Ended it is immutable; further mutation calls are no-ops.
type Span struct {
	mu            sync.Mutex
	traceID       tracecontext.TraceID
	spanID        tracecontext.SpanID
	parentSpanID  *tracecontext.SpanID
	isPreAppStart bool
	meta          Meta
	attrs         map[Key]any
	ended         bool
	status        Status
}

func (s *Span) TraceID() tracecontext.TraceID { return s.traceID }
func (s *Span) SpanID() tracecontext.SpanID   { return s.spanID }

// ParentSpanID returns the parent, if this span is not a trace root.
func (s *Span) ParentSpanID() (tracecontext.SpanID, bool) {
	if s.parentSpanID == nil {
		return tracecontext.SpanID{}, false
	}
	return *s.parentSpanID, true
}

func (s *Span) Meta() Meta                { return s.meta }
func (s *Span) IsPreAppStart() bool       { return s.isPreAppStart }
func (s *Span) Status() Status            { s.mu.Lock(); defer s.mu.Unlock(); return s.status }
func (s *Span) Ended() bool               { s.mu.Lock(); defer s.mu.Unlock(); return s.ended }

// Attribute reads back a previously set attribute, mostly useful in
// tests.
func (s *Span) Attribute(k Key) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attrs[k]
	return v, ok
}

// Attributes returns a shallow copy of the span's attribute set.
func (s *Span) Attributes() map[Key]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Key]any, len(s.attrs))
	for k, v := range s.attrs {
		out[k] = v
	}
	return out
}

// setAttributeLocked is the only place that mutates s.attrs; callers
// hold s.mu.
func (s *Span) setAttributeLocked(k Key, v any) {
	if s.ended {
		log.Debug("span %x: attribute %q set after End, ignored", s.spanID, k)
		return
	}
	if s.attrs == nil {
		s.attrs = map[Key]any{}
	}
	s.attrs[k] = v
}

// Exporter receives a span the instant it ends. The core never
// prescribes how a span is transmitted to a sink; Exporter is that
// seam.
type Exporter interface {
	Export(s *Span)
}

// ExporterFunc adapts a function to Exporter.
type ExporterFunc func(s *Span)

func (f ExporterFunc) Export(s *Span) { f(s) }

// Lifecycle creates spans under a tracecontext.Context, optionally pins
// new spans to a replay trace id (SetCurrentReplayTraceID), and hands
// ended spans to an Exporter. CurrentSpanInfo reads the active span
// from the context it is given; Lifecycle keeps no per-trace record of
// it. CreateSpan, AddAttributes and End recover internally: a panic
// there is logged and never reaches the caller.
type Lifecycle struct {
	mu       sync.Mutex
	exporter Exporter
	current  map[tracecontext.TraceID]tracecontext.Active
	// replayTraceID overrides trace-id assignment during REPLAY so that
	// a whole replayed request shares one synthetic trace.
	replayTraceID *tracecontext.TraceID
}

// New builds a Lifecycle that hands ended spans to exp. A nil exporter
// is valid: spans are created and ended but never exported, useful in
// tests that only care about attribute/state transitions.
func New(exp Exporter) *Lifecycle {
	return &Lifecycle{exporter: exp, current: map[tracecontext.TraceID]tracecontext.Active{}}
}

// CreateSpan opens a new span as a child of parent (or a new trace if
// parent has no active span), returning both the Span and the
// tracecontext.Context a caller should propagate to any nested
// operation caused by this one.
//
// This never fails: construction of a Span is pure in-memory state.
func (l *Lifecycle) CreateSpan(parent tracecontext.Context, meta Meta, isPreAppStart bool) (sp *Span, child tracecontext.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("span create panicked: %v", r)
			sp = l.fallbackSpan(meta, isPreAppStart)
			child = tracecontext.Root(tracecontext.Active{TraceID: sp.traceID, SpanID: sp.spanID, IsPreAppStart: isPreAppStart})
		}
	}()

	child, active := parent.Child(isPreAppStart)
	if l.replayTraceID != nil {
		active.TraceID = *l.replayTraceID
		child = tracecontext.Root(active)
	}

	sp = &Span{
		traceID:       active.TraceID,
		spanID:        active.SpanID,
		isPreAppStart: isPreAppStart,
		meta:          meta,
	}
	if parentActive, ok := parent.Active(); ok {
		p := parentActive.SpanID
		sp.parentSpanID = &p
	}

	metrics.Incr("replaytrace.span.opened", 1, []string{"kind:" + string(meta.Kind)})
	return sp, child
}

func (l *Lifecycle) fallbackSpan(meta Meta, isPreAppStart bool) *Span {
	return &Span{
		traceID:       tracecontext.NewTraceID(),
		spanID:        tracecontext.NewSpanID(),
		isPreAppStart: isPreAppStart,
		meta:          meta,
	}
}

// AddAttributes attaches attrs to sp. Safe to call multiple times
// before End; a no-op after. Never panics into the caller.
func (l *Lifecycle) AddAttributes(sp *Span, attrs map[Key]any) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("AddAttributes panicked: %v", r)
		}
	}()
	if sp == nil {
		return
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	for k, v := range attrs {
		sp.setAttributeLocked(k, v)
	}
}

// End terminates sp with the given status. Safe to call more than
// once; only the first call has effect.
func (l *Lifecycle) End(sp *Span, status Status) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("End panicked: %v", r)
		}
	}()
	if sp == nil {
		return
	}
	sp.mu.Lock()
	if sp.ended {
		sp.mu.Unlock()
		return
	}
	sp.ended = true
	sp.status = status
	sp.mu.Unlock()

	outcome := "ok"
	if status.Code == StatusError {
		outcome = "error"
	}
	metrics.Incr("replaytrace.span.ended", 1, []string{"outcome:" + outcome})

	if l.exporter != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("span exporter panicked: %v", r)
				}
			}()
			l.exporter.Export(sp)
		}()
	}
}

// CurrentSpanInfo reports the identity of the active span under ctx,
// if any.
func (l *Lifecycle) CurrentSpanInfo(ctx tracecontext.Context) (tracecontext.TraceID, tracecontext.SpanID, bool) {
	active, ok := ctx.Active()
	if !ok {
		return tracecontext.TraceID{}, tracecontext.SpanID{}, false
	}
	return active.TraceID, active.SpanID, true
}

// SetCurrentReplayTraceID pins every subsequently created span in this
// Lifecycle to traceID, used by REPLAY to keep one synthetic trace per
// replayed inbound operation regardless of how contexts are derived.
func (l *Lifecycle) SetCurrentReplayTraceID(traceID tracecontext.TraceID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.replayTraceID = &traceID
}

// ClearCurrentReplayTraceID undoes SetCurrentReplayTraceID.
func (l *Lifecycle) ClearCurrentReplayTraceID() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.replayTraceID = nil
}
