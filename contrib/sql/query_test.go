package sql

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replaytrace/replaytrace-go/kernel"
	"github.com/replaytrace/replaytrace-go/mockstore"
	"github.com/replaytrace/replaytrace-go/span"
)

type fakeRows struct {
	cols []string
	rows [][]any
	i    int
}

func (f *fakeRows) Close()                     {}
func (f *fakeRows) Err() error                 { return nil }
func (f *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }
func (f *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	out := make([]pgconn.FieldDescription, len(f.cols))
	for i, c := range f.cols {
		out[i] = pgconn.FieldDescription{Name: c}
	}
	return out
}
func (f *fakeRows) Next() bool {
	if f.i >= len(f.rows) {
		return false
	}
	f.i++
	return true
}
func (f *fakeRows) Scan(dest ...any) error { return nil }
func (f *fakeRows) Values() ([]any, error) { return f.rows[f.i-1], nil }
func (f *fakeRows) RawValues() [][]byte    { return nil }
func (f *fakeRows) Conn() *pgx.Conn        { return nil }

type fakeExecutor struct {
	rows *fakeRows
	err  error
}

func (f *fakeExecutor) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return f.rows, f.err
}
func (f *fakeExecutor) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, f.err
}

func fixedDecider(d kernel.Decision) func(string) (kernel.Decision, bool) {
	return func(string) (kernel.Decision, bool) { return d, false }
}

func newTestClient(exec Executor, store mockstore.Store, decision kernel.Decision) (*Client, *span.Lifecycle) {
	lc := span.New(nil)
	k := kernel.New(lc, store, nil)
	return &Client{kernel: k, exec: exec, decide: fixedDecider(decision)}, lc
}

func TestBuildStatementInterpolatesPositionalParams(t *testing.T) {
	assert.Equal(t, "SELECT * FROM t WHERE id=$1 AND name=$2", buildStatement([]string{"SELECT * FROM t WHERE id=", " AND name=", ""}))
}

func TestRecordExecutesAndNormalizesRows(t *testing.T) {
	exec := &fakeExecutor{rows: &fakeRows{cols: []string{"id"}, rows: [][]any{{int64(1)}, {int64(2)}}}}
	c, _ := newTestClient(exec, mockstore.NewMemory(), kernel.DecisionRecord)

	q := c.Query([]string{"SELECT id FROM t"})
	res, err := q.Then(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 2)
	assert.Equal(t, "SELECT", res.Command)
}

func TestThenIsIdempotentAtMostOneExecution(t *testing.T) {
	exec := &fakeExecutor{rows: &fakeRows{cols: []string{"id"}, rows: [][]any{{int64(1)}}}}
	c, _ := newTestClient(exec, mockstore.NewMemory(), kernel.DecisionRecord)

	q := c.Query([]string{"SELECT id FROM t"})
	r1, err1 := q.Then(context.Background(), nil)
	require.NoError(t, err1)
	r2, err2 := q.Then(context.Background(), nil)
	require.NoError(t, err2)
	assert.Same(t, r1, r2)
}

func TestReplayHitReturnsMockRows(t *testing.T) {
	store := mockstore.NewMemory()
	scope := mockstore.Scope{PackageName: adapterName, InstrumentationName: instrumentationName, Kind: "client", Name: "query"}
	store.Load(scope, &mockstore.Entry{
		InputValue: map[string]any{"statement": "SELECT id FROM t", "params": []any(nil)},
		Result: map[string]any{
			"rows":      []any{map[string]any{"id": float64(1)}, map[string]any{"id": float64(2)}},
			"count":     float64(2),
			"command":   "SELECT",
			"columns":   []any{"id"},
			"state":     "ok",
			"statement": "SELECT id FROM t",
		},
	})
	c, _ := newTestClient(nil, store, kernel.DecisionReplay)

	q := c.Query([]string{"SELECT id FROM t"})
	res, err := q.Then(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 2)
}

func TestReplayMissRaises(t *testing.T) {
	c, _ := newTestClient(nil, mockstore.NewMemory(), kernel.DecisionReplay)
	q := c.Query([]string{"SELECT id FROM t WHERE id=", ""}, 1)
	_, err := q.Then(context.Background(), nil)
	require.Error(t, err)
}

func TestCursorYieldsCeilBatches(t *testing.T) {
	store := mockstore.NewMemory()
	scope := mockstore.Scope{PackageName: adapterName, InstrumentationName: instrumentationName, Kind: "client", Name: "query"}
	rows := []any{
		map[string]any{"id": float64(1)}, map[string]any{"id": float64(2)},
		map[string]any{"id": float64(3)}, map[string]any{"id": float64(4)},
		map[string]any{"id": float64(5)},
	}
	store.Load(scope, &mockstore.Entry{
		InputValue: map[string]any{"statement": "SELECT id FROM t", "params": []any(nil)},
		Result:     map[string]any{"rows": rows, "count": float64(5)},
	})
	c, _ := newTestClient(nil, store, kernel.DecisionReplay)

	q := c.Query([]string{"SELECT id FROM t"})
	var batchSizes []int
	n, err := q.Cursor(context.Background(), 2, func(batch []map[string]any) error {
		batchSizes = append(batchSizes, len(batch))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []int{2, 2, 1}, batchSizes)
}

func TestForEachRejectsSecondCall(t *testing.T) {
	store := mockstore.NewMemory()
	scope := mockstore.Scope{PackageName: adapterName, InstrumentationName: instrumentationName, Kind: "client", Name: "query"}
	store.Load(scope, &mockstore.Entry{
		InputValue: map[string]any{"statement": "SELECT id FROM t", "params": []any(nil)},
		Result:     map[string]any{"rows": []any{map[string]any{"id": float64(1)}}},
	})
	c, _ := newTestClient(nil, store, kernel.DecisionReplay)
	q := c.Query([]string{"SELECT id FROM t"})

	require.NoError(t, q.ForEach(context.Background(), func(map[string]any) error { return nil }))
	err := q.ForEach(context.Background(), func(map[string]any) error { return nil })
	assert.Error(t, err)
}

func TestUnsafeBuildsStatementVerbatim(t *testing.T) {
	exec := &fakeExecutor{rows: &fakeRows{cols: []string{"id"}, rows: [][]any{{int64(1)}}}}
	c, _ := newTestClient(exec, mockstore.NewMemory(), kernel.DecisionRecord)

	q := c.Unsafe("SELECT * FROM t WHERE id = 1")
	assert.Equal(t, "SELECT * FROM t WHERE id = 1", q.statement)

	res, err := q.Then(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "SELECT", res.Command)
}

func TestFileReadsStatementAndFingerprintsByPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "select_by_id.sql")
	require.NoError(t, os.WriteFile(path, []byte("SELECT id FROM t WHERE id=$1"), 0o644))

	exec := &fakeExecutor{rows: &fakeRows{cols: []string{"id"}, rows: [][]any{{int64(1)}}}}
	c, _ := newTestClient(exec, mockstore.NewMemory(), kernel.DecisionRecord)

	q, err := c.File(path, 1)
	require.NoError(t, err)
	assert.Equal(t, "SELECT id FROM t WHERE id=$1", q.statement)
	assert.Equal(t, path, q.path)

	_, err = q.Then(context.Background(), nil)
	require.NoError(t, err)
}

func TestFileMissingReturnsError(t *testing.T) {
	c, _ := newTestClient(nil, mockstore.NewMemory(), kernel.DecisionRecord)
	_, err := c.File(filepath.Join(t.TempDir(), "missing.sql"))
	assert.Error(t, err)
}

func TestNotifyIssuesSelectPgNotifyThroughInstrumentedPath(t *testing.T) {
	var capturedSQL string
	var capturedArgs []any
	exec := &capturingExecutor{onQuery: func(sql string, args []any) {
		capturedSQL, capturedArgs = sql, args
	}}
	c, _ := newTestClient(exec, mockstore.NewMemory(), kernel.DecisionRecord)

	err := c.Notify(context.Background(), "orders", `{"id":1}`)
	require.NoError(t, err)
	assert.Equal(t, "SELECT pg_notify($1, $2)", capturedSQL)
	assert.Equal(t, []any{"orders", `{"id":1}`}, capturedArgs)
}

func TestNotifyReplayHitRoundTrips(t *testing.T) {
	store := mockstore.NewMemory()
	scope := mockstore.Scope{PackageName: adapterName, InstrumentationName: instrumentationName, Kind: "client", Name: "query"}
	store.Load(scope, &mockstore.Entry{
		InputValue: map[string]any{"statement": "SELECT pg_notify($1, $2)", "params": []any{"orders", "payload"}},
		Result:     map[string]any{"rows": []any{}, "count": float64(0), "command": "SELECT", "state": "ok"},
	})
	c, _ := newTestClient(nil, store, kernel.DecisionReplay)

	err := c.Notify(context.Background(), "orders", "payload")
	require.NoError(t, err)
}

type capturingExecutor struct {
	onQuery func(sql string, args []any)
}

func (f *capturingExecutor) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if f.onQuery != nil {
		f.onQuery(sql, args)
	}
	return &fakeRows{cols: []string{}, rows: nil}, nil
}
func (f *capturingExecutor) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
