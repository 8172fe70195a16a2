// Package kernel implements the shared dispatch template
// every adapter (HTTP, SQL, doc-store) runs its intercepted operation
// through — Mode → Span → Fingerprint → (Record: observe / Replay:
// mock / Skip: pass through).
package kernel

import (
	"context"
	"encoding/json"
	"errors"

	replaytrace "github.com/replaytrace/replaytrace-go"
	"github.com/replaytrace/replaytrace-go/fingerprint"
	"github.com/replaytrace/replaytrace-go/internal/log"
	"github.com/replaytrace/replaytrace-go/mockstore"
	"github.com/replaytrace/replaytrace-go/span"
	"github.com/replaytrace/replaytrace-go/tracecontext"
	"github.com/replaytrace/replaytrace-go/transform"
)

// Decision is an alias for the root package's ModeGate decision, kept
// under this name so adapter code reads naturally as kernel.Decision*
// without importing the root package directly.
type Decision = replaytrace.Decision

const (
	DecisionSkip   = replaytrace.DecisionSkip
	DecisionRecord = replaytrace.DecisionRecord
	DecisionReplay = replaytrace.DecisionReplay
)

// Kernel bundles the collaborators every adapter needs: the span
// lifecycle to open/end spans on, the mock store to consult on
// replay, and the transform engine to run recorded data through
// before it is attached to a span.
type Kernel struct {
	Spans     *span.Lifecycle
	Store     mockstore.Store
	Transform *transform.Engine
}

// New builds a Kernel. store may be nil for adapters under test that
// never reach REPLAY; transformEngine may be nil, meaning no rules
// apply (a nil *transform.Engine is a documented no-op, see
// transform.Engine.Apply).
func New(spans *span.Lifecycle, store mockstore.Store, transformEngine *transform.Engine) *Kernel {
	return &Kernel{Spans: spans, Store: store, Transform: transformEngine}
}

// Params is everything Run needs to know about one intercepted call,
// independent of what kind of adapter it came from.
type Params struct {
	Scope         mockstore.Scope
	Meta          span.Meta
	InputValue    any
	MergeMap      fingerprint.MergeMap
	CallHost      string
	CallPath      string
	IsPreAppStart bool
}

// Executor performs the real operation (RECORD and SKIP paths).
type Executor func(ctx context.Context) (result any, err error)

// ResultProjector turns an Executor's successful result into the
// OutputValue attached to the span, plus any extra attributes an
// adapter wants recorded (e.g. HTTP status, SQL row count).
type ResultProjector func(result any) (outputValue any, extra map[span.Key]any)

// ReplaySynthesizer builds the adapter-specific return surface from a
// matched mock entry.
type ReplaySynthesizer func(entry *mockstore.Entry) (result any, err error)

// NeutralDefault builds the documented fallback result for adapters
// that can tolerate a replay miss (HTTP: neutral 200; doc-store:
// neutral facade). Adapters that must raise on miss pass nil.
type NeutralDefault func() (result any, err error)

// Run executes decision's behavior for one call.
//
//   - Skip: calls exec and returns its result unchanged, no span.
//   - Record: opens a span, calls exec; on success projects+transforms+
//     attaches+ends OK, on failure ends Error — either way the
//     executor's own (result, err) is what the caller gets back.
//   - Replay: opens a span, looks the fingerprint up in Store; on hit
//     calls synth; on miss calls neutral if given, else returns a
//     mockstore.NoMatchError and ends the span with an error status.
func (k *Kernel) Run(
	ctx context.Context,
	decision Decision,
	p Params,
	exec Executor,
	project ResultProjector,
	synth ReplaySynthesizer,
	neutral NeutralDefault,
) (any, error) {
	switch decision {
	case DecisionSkip:
		return exec(ctx)
	case DecisionRecord:
		return k.runRecord(ctx, p, exec, project)
	case DecisionReplay:
		return k.runReplay(ctx, p, synth, neutral)
	default:
		return exec(ctx)
	}
}

func (k *Kernel) runRecord(ctx context.Context, p Params, exec Executor, project ResultProjector) (result any, err error) {
	tc := tracecontext.FromContext(ctx)
	sp, childCtx := k.createSpan(tc, p)
	ctx = tracecontext.Attach(ctx, childCtx)

	result, err = exec(ctx)

	func() {
		defer recoverInto("kernel: record post-processing")
		if err != nil {
			k.endSafely(sp, span.Status{Code: span.StatusError, Message: err.Error()})
			return
		}
		outputValue, extra := any(nil), map[span.Key]any(nil)
		if project != nil {
			outputValue, extra = project(result)
		}
		inputValue, outputValue := k.applyTransform(p, outputValue)
		attrs := map[span.Key]any{
			span.KeyInputValue:  inputValue,
			span.KeyOutputValue: outputValue,
		}
		for key, v := range extra {
			attrs[key] = v
		}
		k.addAttributesSafely(sp, attrs)
		k.endSafely(sp, span.Status{Code: span.StatusOK})
	}()

	return result, err
}

func (k *Kernel) runReplay(ctx context.Context, p Params, synth ReplaySynthesizer, neutral NeutralDefault) (any, error) {
	tc := tracecontext.FromContext(ctx)
	sp, _ := k.createSpan(tc, p)

	entry, err := k.find(ctx, p)
	if err != nil {
		if neutral != nil {
			result, nerr := neutral()
			k.addAttributesSafely(sp, map[span.Key]any{span.KeyInputValue: p.InputValue})
			k.endSafely(sp, span.Status{Code: span.StatusOK})
			return result, nerr
		}
		k.addAttributesSafely(sp, map[span.Key]any{span.KeyInputValue: p.InputValue})
		k.endSafely(sp, span.Status{Code: span.StatusError, Message: err.Error()})
		return nil, err
	}

	result, serr := synth(entry)
	k.addAttributesSafely(sp, map[span.Key]any{
		span.KeyInputValue:  p.InputValue,
		span.KeyOutputValue: entry.Result,
	})
	if serr != nil {
		k.endSafely(sp, span.Status{Code: span.StatusError, Message: serr.Error()})
		return result, serr
	}
	k.endSafely(sp, span.Status{Code: span.StatusOK})
	return result, nil
}

func (k *Kernel) find(ctx context.Context, p Params) (*mockstore.Entry, error) {
	if k.Store == nil {
		return nil, errors.New("kernel: no mock store configured")
	}
	return k.Store.FindAsync(ctx, mockstore.Query{
		Scope:         p.Scope,
		InputValue:    p.InputValue,
		MergeMap:      p.MergeMap,
		IsPreAppStart: p.IsPreAppStart,
	})
}

// FindSync is the synchronous replay lookup path used by adapters
// whose intercepted operation cannot suspend.
func (k *Kernel) FindSync(p Params) (*mockstore.Entry, error) {
	if k.Store == nil {
		return nil, errors.New("kernel: no mock store configured")
	}
	return k.Store.FindSync(mockstore.Query{
		Scope:         p.Scope,
		InputValue:    p.InputValue,
		MergeMap:      p.MergeMap,
		IsPreAppStart: p.IsPreAppStart,
	})
}

func (k *Kernel) createSpan(tc tracecontext.Context, p Params) (*span.Span, tracecontext.Context) {
	if k.Spans == nil {
		return nil, tc
	}
	return k.Spans.CreateSpan(tc, p.Meta, p.IsPreAppStart)
}

func (k *Kernel) addAttributesSafely(sp *span.Span, attrs map[span.Key]any) {
	if k.Spans == nil {
		return
	}
	k.Spans.AddAttributes(sp, attrs)
}

func (k *Kernel) endSafely(sp *span.Span, status span.Status) {
	if k.Spans == nil {
		return
	}
	k.Spans.End(sp, status)
}

// applyTransform runs the configured Engine over the call's
// InputValue/OutputValue JSON shape before attachment.
// Transform errors never block attachment: the raw value is attached
// instead, with a warning logged.
func (k *Kernel) applyTransform(p Params, outputValue any) (in, out any) {
	in, out = p.InputValue, outputValue
	if k.Transform == nil {
		return in, out
	}
	info := transform.CallInfo{Host: p.CallHost, Path: p.CallPath}

	if rawIn, err := marshalSafely(in); err == nil {
		transformed := k.Transform.Apply(rawIn, transform.DirectionInput, info)
		if v, err := unmarshalSafely(transformed); err == nil {
			in = v
		} else {
			log.Warn("kernel: transform produced unparsable input, keeping raw: %v", err)
		}
	}
	if rawOut, err := marshalSafely(out); err == nil {
		transformed := k.Transform.Apply(rawOut, transform.DirectionOutput, info)
		if v, err := unmarshalSafely(transformed); err == nil {
			out = v
		} else {
			log.Warn("kernel: transform produced unparsable output, keeping raw: %v", err)
		}
	}
	return in, out
}

func recoverInto(label string) {
	if r := recover(); r != nil {
		log.Error("%s: recovered from panic: %v", label, r)
	}
}

func marshalSafely(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func unmarshalSafely(b []byte) (any, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}
