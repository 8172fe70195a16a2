package sql

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/replaytrace/replaytrace-go/kernel"
	"github.com/replaytrace/replaytrace-go/mockstore"
	"github.com/replaytrace/replaytrace-go/span"
)

// Reservation is a single pinned connection, returned by Reserve. In
// RECORD it wraps a real pgxpool.Conn; in REPLAY it owns no resource
// and Release is a no-op.
type Reservation struct {
	client   *Client
	conn     *pgxpool.Conn
	mu       sync.Mutex
	released bool
}

// Client returns an instrumented Client bound to this reservation's
// connection, so queries issued through it are recorded/replayed the
// same as any other Client's.
func (r *Reservation) Client() *Client { return r.client }

// Release returns the connection to the pool. Safe to call more than
// once; a REPLAY reservation's Release is always a no-op.
func (r *Reservation) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	if r.conn != nil {
		r.conn.Release()
	}
}

// Reserve pins a single connection. REPLAY never opens a TCP
// connection: it returns an instrumented wrapper with no backing
// resource and no span, since there is no connection event to trace.
// A Client without a pool (built on a transaction or a pinned
// connection) is already bound to one connection: its Reservation
// reuses that executor, and Release leaves it open.
func (c *Client) Reserve(ctx context.Context) (*Reservation, error) {
	decision, _ := c.decide("reserve")
	if decision == kernel.DecisionReplay {
		nested := &Client{kernel: c.kernel, exec: &mockExecutor{kernel: c.kernel, scope: mockstore.Scope{
			PackageName: adapterName, InstrumentationName: instrumentationName, Kind: string(span.KindClient), Name: "query",
		}}, decide: c.decide, scopeTag: "reserve"}
		return &Reservation{client: nested}, nil
	}

	if c.pool == nil {
		nested := &Client{kernel: c.kernel, exec: c.exec, decide: c.decide, scopeTag: "reserve"}
		return &Reservation{client: nested}, nil
	}

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	nested := &Client{kernel: c.kernel, exec: conn, decide: c.decide, scopeTag: "reserve"}
	return &Reservation{client: nested, conn: conn}, nil
}
