// Package replaytrace is the root of the interception core: it holds
// process-wide mode state and the single Init entry point a host
// application uses to wire everything else up.
package replaytrace

import (
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/replaytrace/replaytrace-go/internal/log"
	"github.com/replaytrace/replaytrace-go/internal/metrics"
)

// Mode is the process-wide record/replay state selected at startup.
type Mode int32

const (
	ModeDisabled Mode = iota
	ModeRecord
	ModeReplay
)

func (m Mode) String() string {
	switch m {
	case ModeRecord:
		return "record"
	case ModeReplay:
		return "replay"
	default:
		return "disabled"
	}
}

// ParseMode reads the RECORD|REPLAY|DISABLED vocabulary, case
// insensitively. An empty or unrecognized value is DISABLED.
func ParseMode(s string) Mode {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "RECORD":
		return ModeRecord
	case "REPLAY":
		return ModeReplay
	default:
		return ModeDisabled
	}
}

// Decision is what ModeGate tells an adapter to do with a given call.
type Decision int

const (
	// DecisionSkip means pass the call straight through; not an error.
	DecisionSkip Decision = iota
	DecisionRecord
	DecisionReplay
)

// SkipHeaderName is the well-known header an export sink's own
// outbound calls carry so the gate never instruments its own
// recursive traffic.
const SkipHeaderName = "x-td-skip"

// SkipHeaderValue is the value SkipHeaderName must carry to trigger a
// skip decision.
const SkipHeaderValue = "true"

// Gate holds the process's mode, app-readiness, and per-adapter enable
// bits, and answers "what should this call do?" A zero Gate is
// disabled; use Init to configure one for real use.
type Gate struct {
	mode           int32
	appReady       int32
	mu             sync.RWMutex
	adapterEnabled map[string]bool
	ingestionHosts []string
}

var global atomic.Pointer[Gate]

func init() {
	global.Store(&Gate{})
}

// Config is everything a single initialization call describes: mode,
// per-adapter enable flags, and the ingestion sink's own host(s) so
// self-traffic suppression works without the caller repeating it per
// adapter.
type Config struct {
	Mode Mode
	// AdapterEnabled maps an adapter name ("http", "sql", "docstore",
	// …) to whether ModeGate should ever return Record/Replay for it.
	// An adapter missing from the map defaults to enabled.
	AdapterEnabled map[string]bool
	// IngestionHosts are hostnames of the span-export sink; calls
	// targeting one of them always take DecisionSkip.
	IngestionHosts []string
}

// Init builds the process-wide Gate from cfg and installs it as the
// one Global() callers see. It is safe to call more than once (e.g.
// test setup); the most recent call wins.
func Init(cfg Config) *Gate {
	g := &Gate{
		adapterEnabled: make(map[string]bool, len(cfg.AdapterEnabled)),
		ingestionHosts: append([]string(nil), cfg.IngestionHosts...),
	}
	atomic.StoreInt32(&g.mode, int32(cfg.Mode))
	for k, v := range cfg.AdapterEnabled {
		g.adapterEnabled[k] = v
	}
	global.Store(g)
	log.Debug("replaytrace initialized in %s mode", cfg.Mode)
	return g
}

// ModeFromEnv builds a Config's Mode from the given environment
// variable name, defaulting to DISABLED when unset.
func ModeFromEnv(envVar string) Mode {
	return ParseMode(os.Getenv(envVar))
}

// Global returns the process-wide Gate installed by the most recent
// Init call, or a disabled zero-value Gate if Init was never called.
func Global() *Gate { return global.Load() }

// Mode reports the gate's current record/replay state.
func (g *Gate) Mode() Mode { return Mode(atomic.LoadInt32(&g.mode)) }

// MarkAppReady flips the app-ready flag. It is idempotent and safe to
// call from any goroutine.
func (g *Gate) MarkAppReady() { atomic.StoreInt32(&g.appReady, 1) }

// IsAppReady reports whether MarkAppReady has been called.
func (g *Gate) IsAppReady() bool { return atomic.LoadInt32(&g.appReady) == 1 }

func (g *Gate) adapterIsEnabled(adapter string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	enabled, ok := g.adapterEnabled[adapter]
	if !ok {
		return true
	}
	return enabled
}

// CallInfo is the subset of an outbound call ModeGate needs in order
// to apply self-traffic suppression: its destination host (for the
// ingestion-URL predicate) and any header it carries under
// SkipHeaderName.
type CallInfo struct {
	Host       string
	SkipHeader string
}

// ShouldRecord is the ModeGate contract: given the calling adapter's
// name and the call's routing info, it returns the decision plus
// whether the app was ready when the call was made (isPreAppStart is
// the negation, carried so spans can be tagged).
func (g *Gate) ShouldRecord(adapter string, info CallInfo) (decision Decision, isPreAppStart bool) {
	isPreAppStart = !g.IsAppReady()

	if strings.EqualFold(info.SkipHeader, SkipHeaderValue) {
		return DecisionSkip, isPreAppStart
	}
	if g.isIngestionHost(info.Host) {
		return DecisionSkip, isPreAppStart
	}
	if !g.adapterIsEnabled(adapter) {
		return DecisionSkip, isPreAppStart
	}

	switch g.Mode() {
	case ModeRecord:
		metrics.Incr("replaytrace.modegate.decision", 1, []string{"adapter:" + adapter, "decision:record"})
		return DecisionRecord, isPreAppStart
	case ModeReplay:
		metrics.Incr("replaytrace.modegate.decision", 1, []string{"adapter:" + adapter, "decision:replay"})
		return DecisionReplay, isPreAppStart
	default:
		return DecisionSkip, isPreAppStart
	}
}

func (g *Gate) isIngestionHost(host string) bool {
	if host == "" {
		return false
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, h := range g.ingestionHosts {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}

// HostFromURL extracts the hostname ModeGate's ingestion predicate and
// transform host-pattern matching both key on, ignoring scheme/port.
func HostFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
