package sql

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replaytrace/replaytrace-go/kernel"
	"github.com/replaytrace/replaytrace-go/mockstore"
)

func TestReserveInReplayReturnsClientWithNoResource(t *testing.T) {
	c, _ := newTestClient(nil, mockstore.NewMemory(), kernel.DecisionReplay)

	resv, err := c.Reserve(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, resv.Client())

	// Release must be a safe no-op in REPLAY.
	resv.Release()
	resv.Release()
}

func TestReserveInRecordReusesPinnedConnExecutor(t *testing.T) {
	exec := &fakeExecutor{rows: &fakeRows{cols: []string{"id"}, rows: [][]any{{int64(1)}}}}
	c, _ := newTestClient(exec, mockstore.NewMemory(), kernel.DecisionRecord)

	resv, err := c.Reserve(context.Background())
	require.NoError(t, err)
	require.NotNil(t, resv.Client())

	q := resv.Client().Query([]string{"SELECT id FROM t"})
	res, err := q.Then(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 1)

	resv.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	r := &Reservation{conn: nil}
	r.Release()
	r.Release()
	assert.True(t, r.released)
}
