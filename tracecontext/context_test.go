package tracecontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildFromEmptyStartsNewTrace(t *testing.T) {
	c := Empty()
	child, active := c.Child(false)
	require.NotEqual(t, TraceID{}, active.TraceID)

	got, ok := child.Active()
	require.True(t, ok)
	assert.Equal(t, active, got)
}

func TestChildInheritsTraceID(t *testing.T) {
	root := Root(Active{TraceID: NewTraceID(), SpanID: NewSpanID()})
	rootActive, _ := root.Active()

	child, childActive := root.Child(false)
	assert.Equal(t, rootActive.TraceID, childActive.TraceID)
	assert.NotEqual(t, rootActive.SpanID, childActive.SpanID)

	grandchild, grandchildActive := child.Child(false)
	assert.Equal(t, rootActive.TraceID, grandchildActive.TraceID)
	_ = grandchild
}

func TestCaptureRestoreRoundTrip(t *testing.T) {
	root := Root(Active{TraceID: NewTraceID(), SpanID: NewSpanID()})
	baseCtx := Attach(context.Background(), root)

	// Simulate a suspension point: a deferred Query captures context at
	// construction time.
	captured := Capture(baseCtx)

	// Some unrelated work mutates the ambient context before resumption.
	other, _ := root.Child(false)
	mutated := Attach(baseCtx, other)

	// Resumption must restore the captured context, not the ambient one.
	resumed := Restore(mutated, captured)
	got := FromContext(resumed)
	gotActive, _ := got.Active()
	rootActive, _ := root.Active()
	assert.Equal(t, rootActive, gotActive)
}

func TestFromContextDefaultsToEmpty(t *testing.T) {
	got := FromContext(context.Background())
	_, ok := got.Active()
	assert.False(t, ok)
}

func TestWithInstallsContextForDuration(t *testing.T) {
	root := Root(Active{TraceID: NewTraceID(), SpanID: NewSpanID()})
	called := false
	With(context.Background(), root, func(ctx context.Context) {
		called = true
		got := FromContext(ctx)
		gotActive, ok := got.Active()
		require.True(t, ok)
		rootActive, _ := root.Active()
		assert.Equal(t, rootActive, gotActive)
	})
	assert.True(t, called)
}
