// Package metrics gives the core a place to emit operational counters
// (mode decisions, mock hit/miss, span lifecycle) without forcing a
// statsd endpoint on every embedder. It is off (no-op) until a client
// is installed with Configure.
package metrics

import (
	"sync"

	"github.com/DataDog/datadog-go/v5/statsd"

	"github.com/replaytrace/replaytrace-go/internal/log"
)

// Client is the subset of statsd.ClientInterface this package needs,
// kept narrow so tests can fake it trivially.
type Client interface {
	Count(name string, value int64, tags []string, rate float64) error
}

var (
	mu     sync.RWMutex
	client Client
)

// Configure installs addr as a UDS/UDP statsd target (e.g.
// "127.0.0.1:8125" or "unix:///var/run/datadog/dsd.socket"). Passing
// an empty addr disables metrics.
func Configure(addr string) error {
	mu.Lock()
	defer mu.Unlock()
	if addr == "" {
		client = nil
		return nil
	}
	c, err := statsd.New(addr, statsd.WithNamespace("replaytrace."))
	if err != nil {
		return err
	}
	client = c
	return nil
}

// UseClient installs an already-constructed client, primarily for
// tests and for hosts that already own a statsd.ClientInterface.
func UseClient(c Client) {
	mu.Lock()
	defer mu.Unlock()
	client = c
}

// Incr fires a counter. Failures are logged, never returned: metrics
// must never affect the intercepted call's outcome.
func Incr(name string, value int64, tags []string) {
	mu.RLock()
	c := client
	mu.RUnlock()
	if c == nil {
		return
	}
	if err := c.Count(name, value, tags, 1); err != nil {
		log.ErrorOnceEvery("metrics:"+name, "statsd count %q failed: %v", name, err)
	}
}
