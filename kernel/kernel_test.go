package kernel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replaytrace/replaytrace-go/mockstore"
	"github.com/replaytrace/replaytrace-go/span"
)

func newKernel(store mockstore.Store) (*Kernel, *span.Lifecycle, *captureExporter) {
	exp := &captureExporter{}
	lc := span.New(exp)
	return New(lc, store, nil), lc, exp
}

type captureExporter struct{ spans []*span.Span }

func (c *captureExporter) Export(s *span.Span) { c.spans = append(c.spans, s) }

func TestRunSkipCallsExecutorWithoutSpan(t *testing.T) {
	k, _, exp := newKernel(nil)
	result, err := k.Run(context.Background(), DecisionSkip, Params{}, func(ctx context.Context) (any, error) {
		return "ok", nil
	}, nil, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Empty(t, exp.spans)
}

func TestRunRecordEndsSpanOKOnSuccess(t *testing.T) {
	k, _, exp := newKernel(nil)
	result, err := k.Run(context.Background(), DecisionRecord, Params{InputValue: map[string]any{"q": "SELECT 1"}},
		func(ctx context.Context) (any, error) { return 42, nil },
		func(result any) (any, map[span.Key]any) { return result, nil },
		nil, nil,
	)

	require.NoError(t, err)
	assert.Equal(t, 42, result)
	require.Len(t, exp.spans, 1)
	assert.Equal(t, span.StatusOK, exp.spans[0].Status().Code)
	out, ok := exp.spans[0].Attribute(span.KeyOutputValue)
	require.True(t, ok)
	assert.Equal(t, 42, out)
}

func TestRunRecordEndsSpanErrorOnFailure(t *testing.T) {
	k, _, exp := newKernel(nil)
	wantErr := errors.New("boom")
	_, err := k.Run(context.Background(), DecisionRecord, Params{},
		func(ctx context.Context) (any, error) { return nil, wantErr },
		func(result any) (any, map[span.Key]any) { return result, nil },
		nil, nil,
	)

	assert.Equal(t, wantErr, err)
	require.Len(t, exp.spans, 1)
	assert.Equal(t, span.StatusError, exp.spans[0].Status().Code)
}

func TestRunReplayHitSynthesizesFromEntry(t *testing.T) {
	store := mockstore.NewMemory()
	scope := mockstore.Scope{PackageName: "pg", Name: "query"}
	store.Load(scope, &mockstore.Entry{InputValue: map[string]any{"q": "SELECT 1"}, Result: []int{1}})

	k, _, exp := newKernel(store)
	result, err := k.Run(context.Background(), DecisionReplay, Params{
		Scope:      scope,
		InputValue: map[string]any{"q": "SELECT 1"},
	}, nil, nil, func(entry *mockstore.Entry) (any, error) {
		return entry.Result, nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, []int{1}, result)
	require.Len(t, exp.spans, 1)
	assert.Equal(t, span.StatusOK, exp.spans[0].Status().Code)
}

func TestRunReplayMissRaisesWithoutNeutralDefault(t *testing.T) {
	store := mockstore.NewMemory()
	scope := mockstore.Scope{PackageName: "pg", Name: "query"}

	k, _, exp := newKernel(store)
	_, err := k.Run(context.Background(), DecisionReplay, Params{
		Scope:      scope,
		InputValue: map[string]any{"q": "SELECT 1"},
	}, nil, nil, func(entry *mockstore.Entry) (any, error) { return nil, nil }, nil)

	require.Error(t, err)
	var nme *mockstore.NoMatchError
	assert.True(t, errors.As(err, &nme))
	require.Len(t, exp.spans, 1)
	assert.Equal(t, span.StatusError, exp.spans[0].Status().Code)
}

func TestRunReplayMissUsesNeutralDefaultWhenProvided(t *testing.T) {
	store := mockstore.NewMemory()
	scope := mockstore.Scope{PackageName: "http", Name: "request"}

	k, _, exp := newKernel(store)
	result, err := k.Run(context.Background(), DecisionReplay, Params{
		Scope:      scope,
		InputValue: map[string]any{"url": "https://api.example.com"},
	}, nil, nil, func(entry *mockstore.Entry) (any, error) { return nil, nil },
		func() (any, error) { return "neutral", nil },
	)

	require.NoError(t, err)
	assert.Equal(t, "neutral", result)
	require.Len(t, exp.spans, 1)
	assert.Equal(t, span.StatusOK, exp.spans[0].Status().Code)
}
