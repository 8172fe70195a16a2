package sql

import "context"

// Notify fires a Postgres NOTIFY on channel with payload. It is
// implemented as an ordinary query — `SELECT pg_notify($1, $2)` — sent
// through the same instrumented path as every other statement, so it
// is recorded and replayed like any other query rather than bypassing
// interception.
func (c *Client) Notify(ctx context.Context, channel, payload string) error {
	_, err := c.QueryContext(ctx, []string{"SELECT pg_notify(", ", ", ")"}, channel, payload).Then(ctx, nil)
	return err
}
