// Package mockstore implements consumption-based mock lookup: given
// a fingerprint and call metadata it returns a matching recorded
// response or a miss, consuming the entry it returns so a second
// identical call advances to the next recording.
package mockstore

import (
	"context"
	"errors"
	"sync"

	"github.com/replaytrace/replaytrace-go/fingerprint"
	"github.com/replaytrace/replaytrace-go/internal/log"
	"github.com/replaytrace/replaytrace-go/internal/metrics"
	"github.com/replaytrace/replaytrace-go/tracecontext"
)

// Scope narrows a lookup: first by the package/instrumentation
// tuple, then by name, then by fingerprint equality with weights
// applied.
type Scope struct {
	PackageName         string
	InstrumentationName string
	SubmoduleName       string
	Kind                string
	Name                string

	// AllowSuiteWide, when this scope has no unconsumed match,
	// additionally searches entries loaded under other scopes that share
	// PackageName, InstrumentationName, SubmoduleName and Kind but have
	// a different Name. Memory does not partition entries by trace.
	AllowSuiteWide bool
}

// Query is everything FindAsync/FindSync need to locate a match.
type Query struct {
	TraceID       tracecontext.TraceID
	SpanID        tracecontext.SpanID
	Scope         Scope
	InputValue    any
	MergeMap      fingerprint.MergeMap
	StackTrace    string
	IsPreAppStart bool
}

// Entry is a recorded call: the original InputValue, the captured
// result, and arbitrary adapter metadata the caller knows how to
// interpret (e.g. SQL result shape, HTTP status).
type Entry struct {
	InputValue any
	Result     any
	Metadata   map[string]any

	consumed bool
}

// ErrNoMatch is returned by FindAsync/FindSync when no unconsumed
// recording matches the query. Adapters decide whether this raises to
// the application or becomes a documented neutral default.
var ErrNoMatch = errors.New("mockstore: no matching recording")

// NoMatchError carries the detail a user-visible replay miss needs
// to name: the scope and the offending query.
type NoMatchError struct {
	Scope       Scope
	Description string
}

func (e *NoMatchError) Error() string {
	return "replaytrace: no matching mock for " + e.Scope.PackageName + "." + e.Scope.Name + ": " + e.Description
}

func (e *NoMatchError) Unwrap() error { return ErrNoMatch }

// Store is the client-side contract the core depends on. The core
// does not prescribe how a Store is populated or where recordings
// live.
type Store interface {
	// FindAsync is the ordinary replay path: it may block/suspend
	// while resolving a remote lookup.
	FindAsync(ctx context.Context, q Query) (*Entry, error)

	// FindSync is for adapters whose intercepted operation cannot
	// suspend, such as the document-store's synchronous doc call.
	// A store backed by a remote service will typically only be able
	// to serve this from an already-warm local cache; a first-call
	// failure is a documented limitation, not a bug.
	FindSync(q Query) (*Entry, error)
}

// Memory is a reference Store backed by an in-process slice of
// pre-loaded entries, consumed in insertion order within each scope.
// It exists so the core is testable without an external sink, and
// doubles as a minimal suite-wide-matching reference implementation;
// it is not itself a storage layer, merely one possible client of the
// Store interface.
type Memory struct {
	mu      sync.Mutex
	byScope map[scopeKey][]*Entry
}

type scopeKey struct {
	packageName, instrumentationName, submoduleName, kind, name string
}

func keyOf(s Scope) scopeKey {
	return scopeKey{s.PackageName, s.InstrumentationName, s.SubmoduleName, s.Kind, s.Name}
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{byScope: map[scopeKey][]*Entry{}}
}

// Load registers entries under scope, in the order a replay run should
// try to consume them: each is consumed at most once and matches the
// next equivalent query.
func (m *Memory) Load(scope Scope, entries ...*Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := keyOf(scope)
	m.byScope[k] = append(m.byScope[k], entries...)
}

func (m *Memory) FindAsync(_ context.Context, q Query) (*Entry, error) {
	return m.find(q)
}

func (m *Memory) FindSync(q Query) (*Entry, error) {
	return m.find(q)
}

func (m *Memory) find(q Query) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := keyOf(q.Scope)
	candidates := m.byScope[k]
	if e := firstUnconsumedMatch(candidates, q); e != nil {
		e.consumed = true
		metrics.Incr("replaytrace.mockstore.hit", 1, []string{"scope:" + q.Scope.Name})
		return e, nil
	}

	if q.Scope.AllowSuiteWide {
		for key, entries := range m.byScope {
			if key == k {
				continue
			}
			if key.packageName != q.Scope.PackageName || key.instrumentationName != q.Scope.InstrumentationName ||
				key.submoduleName != q.Scope.SubmoduleName || key.kind != q.Scope.Kind {
				continue
			}
			if e := firstUnconsumedMatch(entries, q); e != nil {
				e.consumed = true
				metrics.Incr("replaytrace.mockstore.hit", 1, []string{"scope:" + q.Scope.Name, "suite_wide:true"})
				return e, nil
			}
		}
	}

	metrics.Incr("replaytrace.mockstore.miss", 1, []string{"scope:" + q.Scope.Name})
	log.ErrorOnceEvery("mockmiss:"+q.Scope.PackageName+"."+q.Scope.Name,
		"replay miss in scope %s.%s (preAppStart=%v)", q.Scope.PackageName, q.Scope.Name, q.IsPreAppStart)
	return nil, &NoMatchError{Scope: q.Scope, Description: describe(q.InputValue)}
}

func firstUnconsumedMatch(entries []*Entry, q Query) *Entry {
	for _, e := range entries {
		if e.consumed {
			continue
		}
		if fingerprint.EqualWithWeights(e.InputValue, q.InputValue, q.MergeMap) {
			return e
		}
	}
	return nil
}

func describe(v any) string {
	if m, ok := v.(map[string]any); ok {
		for _, key := range []string{"query", "statement", "url", "path", "operation"} {
			if s, ok := m[key].(string); ok {
				return s
			}
		}
	}
	return "<input>"
}
