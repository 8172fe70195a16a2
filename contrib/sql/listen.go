package sql

import (
	"context"
	"fmt"
	"sync"

	"github.com/replaytrace/replaytrace-go/kernel"
	"github.com/replaytrace/replaytrace-go/mockstore"
	"github.com/replaytrace/replaytrace-go/span"
	"github.com/replaytrace/replaytrace-go/tracecontext"
)

// Listener is the handle returned by Listen: Unlisten finalizes the
// span and stops delivery.
type Listener struct {
	unlisten func()
}

// Unlisten stops the subscription. In REPLAY it is a no-op; in RECORD
// it ends the span carrying the payloads observed so far.
func (l *Listener) Unlisten() {
	if l.unlisten != nil {
		l.unlisten()
	}
}

// realListener is the live connection surface Listen records against
// under RECORD; production code backs this with a pgx.Conn's
// WaitForNotification loop over a dedicated LISTEN connection.
type realListener interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
	Unlisten(ctx context.Context, channel string) error
}

// Listen subscribes to channel and invokes cb once per received
// payload. RECORD wraps the delivery loop to additionally append each
// payload to the span so a later REPLAY can reproduce the same
// sequence; REPLAY never opens a connection and instead invokes cb
// once per recorded payload, in recorded order, then returns
// immediately with a no-op Unlisten.
func (c *Client) Listen(ctx context.Context, channel string, onlisten func(), cb func(payload string) error) (*Listener, error) {
	decision, isPreAppStart := c.decide("listen")

	meta := span.Meta{
		Name:                "listen:" + channel,
		PackageName:         adapterName,
		InstrumentationName: instrumentationName,
		Kind:                span.KindConsumer,
		Submodule:           channel,
	}
	scope := mockstore.Scope{
		PackageName:         adapterName,
		InstrumentationName: instrumentationName,
		Kind:                string(span.KindConsumer),
		Name:                "listen",
	}
	input := map[string]any{"channel": channel}

	if decision == kernel.DecisionReplay {
		entry, err := c.kernel.Store.FindAsync(ctx, mockstore.Query{Scope: scope, InputValue: input, IsPreAppStart: isPreAppStart})
		if err != nil {
			return nil, err
		}
		out, _ := entry.Result.(map[string]any)
		payloads := stringSlice(out["payloads"])
		if onlisten != nil {
			onlisten()
		}
		for _, p := range payloads {
			if err := cb(p); err != nil {
				return nil, err
			}
		}
		return &Listener{}, nil
	}

	rl, ok := c.exec.(realListener)
	if !ok {
		return nil, fmt.Errorf("sql: listen requires a dedicated connection implementing realListener")
	}
	if err := rl.Listen(ctx, channel); err != nil {
		return nil, err
	}
	if onlisten != nil {
		onlisten()
	}

	sp, _ := c.kernel.Spans.CreateSpan(tracecontext.FromContext(ctx), meta, isPreAppStart)
	var mu sync.Mutex
	var payloads []string

	go func() {
		for {
			ch, payload, err := rl.WaitForNotification(ctx)
			if err != nil {
				return
			}
			if ch != channel {
				continue
			}
			mu.Lock()
			payloads = append(payloads, payload)
			mu.Unlock()
			if cbErr := cb(payload); cbErr != nil {
				return
			}
		}
	}()

	return &Listener{unlisten: func() {
		_ = rl.Unlisten(ctx, channel)
		mu.Lock()
		recorded := toAnySlice(payloads)
		mu.Unlock()
		c.kernel.Spans.AddAttributes(sp, map[span.Key]any{
			span.KeyInputValue:  input,
			span.KeyOutputValue: map[string]any{"channel": channel, "state": "closed", "payloads": recorded},
		})
		c.kernel.Spans.End(sp, span.Status{Code: span.StatusOK})
	}}, nil
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
