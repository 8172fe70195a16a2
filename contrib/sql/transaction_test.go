package sql

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replaytrace/replaytrace-go/kernel"
	"github.com/replaytrace/replaytrace-go/mockstore"
)

func TestRecordTransactionCommitsOnSuccess(t *testing.T) {
	rows := &fakeRows{cols: []string{"id"}, rows: [][]any{{int64(1)}}}
	beginner := &txExecWrapper{rows: rows}
	c, _ := newTestClient(beginner, mockstore.NewMemory(), kernel.DecisionRecord)

	result, err := c.Begin(context.Background(), func(tx *Client) (any, error) {
		q := tx.Query([]string{"SELECT id FROM t"})
		res, err := q.Then(context.Background(), nil)
		if err != nil {
			return nil, err
		}
		return res.Count, nil
	})
	require.NoError(t, err)
	assert.NotNil(t, result)
}

func TestRecordTransactionRollsBackOnCallbackError(t *testing.T) {
	beginner := &txExecWrapper{rows: &fakeRows{}}
	c, _ := newTestClient(beginner, mockstore.NewMemory(), kernel.DecisionRecord)

	_, err := c.Begin(context.Background(), func(tx *Client) (any, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	assert.True(t, beginner.rolledBack)
	assert.False(t, beginner.committed)
}

func TestReplayTransactionRolledBackReturnsRecordedError(t *testing.T) {
	store := mockstore.NewMemory()
	scope := mockstore.Scope{PackageName: adapterName, InstrumentationName: instrumentationName, Kind: "client", Name: "begin"}
	store.Load(scope, &mockstore.Entry{
		InputValue: map[string]any{"operation": "begin"},
		Result:     map[string]any{"status": "rolled_back", "error": "constraint violation"},
	})
	c, _ := newTestClient(nil, store, kernel.DecisionReplay)

	_, err := c.Begin(context.Background(), func(tx *Client) (any, error) {
		return nil, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "constraint violation")
}

func TestReplayTransactionCommittedReturnsRecordedResult(t *testing.T) {
	store := mockstore.NewMemory()
	scope := mockstore.Scope{PackageName: adapterName, InstrumentationName: instrumentationName, Kind: "client", Name: "begin"}
	store.Load(scope, &mockstore.Entry{
		InputValue: map[string]any{"operation": "begin"},
		Result:     map[string]any{"status": "committed", "result": "ok-value"},
	})
	c, _ := newTestClient(nil, store, kernel.DecisionReplay)

	result, err := c.Begin(context.Background(), func(tx *Client) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok-value", result)
}

// txExecWrapper satisfies both Executor and txBeginner for record-path tests.
type txExecWrapper struct {
	rows       *fakeRows
	committed  bool
	rolledBack bool
}

func (w *txExecWrapper) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return w.rows, nil
}
func (w *txExecWrapper) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (w *txExecWrapper) Begin(ctx context.Context) (pgx.Tx, error) {
	return &fakeWrapperTx{parent: w}, nil
}

type fakeWrapperTx struct {
	parent *txExecWrapper
}

func (t *fakeWrapperTx) Begin(ctx context.Context) (pgx.Tx, error) { return nil, errors.New("nested begin unsupported in test") }
func (t *fakeWrapperTx) Commit(ctx context.Context) error          { t.parent.committed = true; return nil }
func (t *fakeWrapperTx) Rollback(ctx context.Context) error        { t.parent.rolledBack = true; return nil }
func (t *fakeWrapperTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.parent.rows, nil
}
func (t *fakeWrapperTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (t *fakeWrapperTx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }
func (t *fakeWrapperTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *fakeWrapperTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }
func (t *fakeWrapperTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults  { return nil }
func (t *fakeWrapperTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *fakeWrapperTx) Conn() *pgx.Conn { return nil }
func (t *fakeWrapperTx) QueryFunc(ctx context.Context, sql string, args []any, scans []any, f func(pgx.QueryFuncRow) error) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
