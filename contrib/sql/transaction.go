package sql

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/replaytrace/replaytrace-go/kernel"
	"github.com/replaytrace/replaytrace-go/mockstore"
	"github.com/replaytrace/replaytrace-go/span"
	"github.com/replaytrace/replaytrace-go/tracecontext"
)

// TxStatus is the outcome a transaction span records.
type TxStatus string

const (
	TxCommitted  TxStatus = "committed"
	TxRolledBack TxStatus = "rolled_back"
)

// Begin runs cb inside a transaction, wrapping the nested pgx.Tx with
// the same instrumentation as the top-level Client so queries issued
// inside cb are themselves recorded. On RECORD: cb returning a
// nil error commits and ends the span "committed" with cb's result;
// cb returning an error rolls back and ends the span "rolled_back". On
// REPLAY: a mock transaction instance is constructed from the matched
// entry's {status, result, error} and cb is invoked against queries
// that resolve from nested mock entries; no real transaction is
// opened.
func (c *Client) Begin(ctx context.Context, cb func(tx *Client) (any, error)) (any, error) {
	return c.beginLabeled(ctx, "begin", cb)
}

// Savepoint behaves like Begin but within an already-open transaction,
// recursively wrapped the same way.
func (c *Client) Savepoint(ctx context.Context, cb func(tx *Client) (any, error)) (any, error) {
	return c.beginLabeled(ctx, "savepoint", cb)
}

func (c *Client) beginLabeled(ctx context.Context, op string, cb func(tx *Client) (any, error)) (any, error) {
	decision, isPreAppStart := c.decide(op)
	meta := span.Meta{
		Name:                op,
		PackageName:         adapterName,
		InstrumentationName: instrumentationName,
		Kind:                span.KindClient,
		Submodule:           "transaction",
	}
	scope := mockstore.Scope{
		PackageName:         adapterName,
		InstrumentationName: instrumentationName,
		Kind:                string(span.KindClient),
		Name:                op,
	}
	input := map[string]any{"operation": op}

	switch decision {
	case kernel.DecisionReplay:
		return c.replayTransaction(ctx, scope, meta, input, cb)
	case kernel.DecisionRecord:
		return c.recordTransaction(ctx, op, meta, input, cb, isPreAppStart)
	default:
		beginner, ok := c.exec.(txBeginner)
		if !ok {
			return nil, fmt.Errorf("sql: %s requires a transaction-capable connection", op)
		}
		tx, err := beginner.Begin(ctx)
		if err != nil {
			return nil, err
		}
		nested := &Client{kernel: c.kernel, exec: tx, decide: c.decide, scopeTag: op}
		result, cbErr := cb(nested)
		if cbErr != nil {
			_ = tx.Rollback(ctx)
			return nil, cbErr
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return result, nil
	}
}

func (c *Client) recordTransaction(ctx context.Context, op string, meta span.Meta, input map[string]any, cb func(tx *Client) (any, error), isPreAppStart bool) (any, error) {
	beginner, ok := c.exec.(txBeginner)
	if !ok {
		return nil, fmt.Errorf("sql: %s requires a transaction-capable connection", op)
	}

	sp, _ := c.kernel.Spans.CreateSpan(tracecontext.FromContext(ctx), meta, isPreAppStart)

	tx, err := beginner.Begin(ctx)
	if err != nil {
		c.kernel.Spans.End(sp, span.Status{Code: span.StatusError, Message: err.Error()})
		return nil, err
	}

	nested := &Client{kernel: c.kernel, exec: tx, decide: c.decide, scopeTag: op}
	result, cbErr := cb(nested)
	if cbErr != nil {
		_ = tx.Rollback(ctx)
		c.kernel.Spans.AddAttributes(sp, map[span.Key]any{
			span.KeyInputValue:  input,
			span.KeyOutputValue: map[string]any{"status": string(TxRolledBack), "error": cbErr.Error()},
		})
		c.kernel.Spans.End(sp, span.Status{Code: span.StatusError, Message: cbErr.Error()})
		return nil, cbErr
	}

	if err := tx.Commit(ctx); err != nil {
		c.kernel.Spans.End(sp, span.Status{Code: span.StatusError, Message: err.Error()})
		return nil, err
	}
	c.kernel.Spans.AddAttributes(sp, map[span.Key]any{
		span.KeyInputValue:  input,
		span.KeyOutputValue: map[string]any{"status": string(TxCommitted), "result": result},
	})
	c.kernel.Spans.End(sp, span.Status{Code: span.StatusOK})
	return result, nil
}

func (c *Client) replayTransaction(ctx context.Context, scope mockstore.Scope, meta span.Meta, input map[string]any, cb func(tx *Client) (any, error)) (any, error) {
	entry, err := c.kernel.Store.FindAsync(ctx, mockstore.Query{Scope: scope, InputValue: input})
	if err != nil {
		return nil, err
	}
	out, _ := entry.Result.(map[string]any)
	status, _ := out["status"].(string)

	mockExec := &mockExecutor{kernel: c.kernel, scope: scope}
	nested := &Client{kernel: c.kernel, exec: mockExec, decide: c.decide, scopeTag: "tx-replay"}

	result, cbErr := cb(nested)

	switch TxStatus(status) {
	case TxRolledBack:
		msg, _ := out["error"].(string)
		if msg == "" {
			msg = "transaction rolled back in replay"
		}
		return nil, errors.New(msg)
	default:
		if cbErr != nil {
			return nil, cbErr
		}
		if r, ok := out["result"]; ok {
			return r, nil
		}
		return result, nil
	}
}

// txBeginner is the subset of pgxpool.Pool/pgx.Conn this package needs
// to open a real transaction.
type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// mockExecutor is the placeholder Executor of a nested Client during a
// replayed transaction or reservation. Queries built on that Client
// resolve in REPLAY through the kernel's mock-store lookup, keyed by
// each inner query's own fingerprint like a top-level query, and never
// reach the Executor; a direct Query or Exec call returns an error.
type mockExecutor struct {
	kernel *kernel.Kernel
	scope  mockstore.Scope
}

func (m *mockExecutor) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, fmt.Errorf("sql: mockExecutor.Query should not be called directly; use Client.Query inside Begin")
}

func (m *mockExecutor) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, fmt.Errorf("sql: mockExecutor.Exec should not be called directly; use Client.Query inside Begin")
}
