package mockstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scope(name string) Scope {
	return Scope{PackageName: "pg", InstrumentationName: "pg.client", Kind: "client", Name: name}
}

func TestFindAsyncConsumesOnMatch(t *testing.T) {
	m := NewMemory()
	s := scope("query")
	m.Load(s,
		&Entry{InputValue: map[string]any{"q": "SELECT 1"}, Result: 1},
		&Entry{InputValue: map[string]any{"q": "SELECT 1"}, Result: 2},
	)

	q := Query{Scope: s, InputValue: map[string]any{"q": "SELECT 1"}}

	e1, err := m.FindAsync(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 1, e1.Result)

	e2, err := m.FindAsync(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 2, e2.Result)

	_, err = m.FindAsync(context.Background(), q)
	assert.True(t, errors.Is(err, ErrNoMatch))
}

func TestFindSyncRespectsWeights(t *testing.T) {
	m := NewMemory()
	s := scope("doc")
	m.Load(s, &Entry{InputValue: map[string]any{"path": "/a", "headers": map[string]any{"cookie": "x"}}, Result: "ok"})

	q := Query{
		Scope:      s,
		InputValue: map[string]any{"path": "/a", "headers": map[string]any{"cookie": "different"}},
		MergeMap:   map[string]int{"headers.cookie": 0},
	}

	e, err := m.FindSync(q)
	require.NoError(t, err)
	assert.Equal(t, "ok", e.Result)
}

func TestNoMatchErrorDescribesScope(t *testing.T) {
	m := NewMemory()
	s := scope("missing")
	_, err := m.FindAsync(context.Background(), Query{Scope: s, InputValue: map[string]any{"query": "SELECT 2"}})

	require.Error(t, err)
	var nme *NoMatchError
	require.True(t, errors.As(err, &nme))
	assert.Equal(t, "missing", nme.Scope.Name)
	assert.Contains(t, nme.Error(), "pg.missing")
	assert.Contains(t, nme.Error(), "SELECT 2")
}

func TestSuiteWideMatchingFallsBackAcrossScopes(t *testing.T) {
	m := NewMemory()
	primary := scope("query")
	primary.AllowSuiteWide = true
	other := Scope{PackageName: "pg", InstrumentationName: "pg.client", Kind: "client", Name: "other"}

	m.Load(other, &Entry{InputValue: map[string]any{"q": "SELECT 1"}, Result: 42})

	q := Query{Scope: primary, InputValue: map[string]any{"q": "SELECT 1"}}
	e, err := m.FindAsync(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 42, e.Result)
}

func TestSuiteWideDisabledDoesNotCrossScopes(t *testing.T) {
	m := NewMemory()
	primary := scope("query")
	other := Scope{PackageName: "pg", InstrumentationName: "pg.client", Kind: "client", Name: "other"}
	m.Load(other, &Entry{InputValue: map[string]any{"q": "SELECT 1"}, Result: 42})

	q := Query{Scope: primary, InputValue: map[string]any{"q": "SELECT 1"}}
	_, err := m.FindAsync(context.Background(), q)
	assert.True(t, errors.Is(err, ErrNoMatch))
}
