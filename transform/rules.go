// Package transform implements declarative rules that redact, mask,
// replace or drop fields of a span's InputValue and OutputValue before
// they are recorded.
package transform

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"gopkg.in/yaml.v3"

	"github.com/replaytrace/replaytrace-go/internal/log"
)

// Action names the transformation a matching rule applies.
type Action string

const (
	ActionRedact  Action = "redact"
	ActionMask    Action = "mask"
	ActionReplace Action = "replace"
	ActionDrop    Action = "drop"
)

// TargetKind selects what part of a call a rule addresses.
type TargetKind string

const (
	TargetJSONPath   TargetKind = "jsonPath"
	TargetQueryParam TargetKind = "queryParam"
	TargetHeaderName TargetKind = "headerName"
	TargetURLPath    TargetKind = "urlPath"
	TargetFullBody   TargetKind = "fullBody"
)

// Direction narrows a rule to the request side, response side, or both.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
	DirectionBoth   Direction = "both"
)

// Rule is one declarative entry of a transform config, loaded from
// YAML via LoadConfig.
type Rule struct {
	Target      TargetKind `yaml:"target"`
	Path        string     `yaml:"path"`
	HostPattern string     `yaml:"hostPattern,omitempty"`
	PathPattern string     `yaml:"pathPattern,omitempty"`
	Direction   Direction  `yaml:"direction"`
	Action      Action     `yaml:"action"`
	MaskChar    string     `yaml:"maskChar,omitempty"`
	Replacement any        `yaml:"replacement,omitempty"`
}

// Config is the top-level YAML document: a flat list of rules
// evaluated in order, every matching rule applied.
type Config struct {
	Rules []Rule `yaml:"rules"`
}

// LoadConfig parses a transform config from YAML bytes.
func LoadConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("transform: parse config: %w", err)
	}
	return cfg, nil
}

// applier is a compiled Rule, ready to run against a call's host/path
// and JSON-shaped input/output.
type applier struct {
	rule        Rule
	hostRe      *regexp.Regexp
	pathRe      *regexp.Regexp
}

// Engine holds compiled rules and applies them to span data.
type Engine struct {
	appliers []applier
}

// Compile turns a Config into an Engine, pre-building any regular
// expressions its rules need so Apply never compiles on the hot path.
func Compile(cfg Config) (*Engine, error) {
	e := &Engine{appliers: make([]applier, 0, len(cfg.Rules))}
	for _, r := range cfg.Rules {
		a := applier{rule: r}
		if r.HostPattern != "" {
			re, err := regexp.Compile(r.HostPattern)
			if err != nil {
				return nil, fmt.Errorf("transform: compile hostPattern %q: %w", r.HostPattern, err)
			}
			a.hostRe = re
		}
		if r.PathPattern != "" {
			re, err := regexp.Compile(r.PathPattern)
			if err != nil {
				return nil, fmt.Errorf("transform: compile pathPattern %q: %w", r.PathPattern, err)
			}
			a.pathRe = re
		}
		if r.Direction == "" {
			a.rule.Direction = DirectionBoth
		}
		e.appliers = append(e.appliers, a)
	}
	return e, nil
}

// CallInfo is the subset of a call's identity a rule may gate on:
// which host/path it targets, independent of the JSON body being
// transformed.
type CallInfo struct {
	Host string
	Path string
}

func (a applier) matchesCall(info CallInfo) bool {
	if a.hostRe != nil && !a.hostRe.MatchString(info.Host) {
		return false
	}
	if a.pathRe != nil && !a.pathRe.MatchString(info.Path) {
		return false
	}
	return true
}

func (a applier) appliesTo(dir Direction) bool {
	return a.rule.Direction == DirectionBoth || a.rule.Direction == dir
}

// Apply runs every matching rule against raw (a JSON document as
// produced by an adapter's InputValue/OutputValue builder) for the
// given direction and call, returning the transformed JSON document.
// Rules apply in config order; each operates on the previous rule's
// output.
func (e *Engine) Apply(raw []byte, dir Direction, info CallInfo) []byte {
	if e == nil {
		return raw
	}
	out := raw
	for _, a := range e.appliers {
		if !a.appliesTo(dir) || !a.matchesCall(info) {
			continue
		}
		next, err := a.apply(out)
		if err != nil {
			log.ErrorOnceEvery("transform:"+string(a.rule.Target)+":"+a.rule.Path,
				"transform rule %s %s failed: %v", a.rule.Action, a.rule.Path, err)
			continue
		}
		out = next
	}
	return out
}

// emptyRecordJSON is the shape a drop rule collapses an entire call's
// input or output to: zero-length body, empty headers, zero status.
const emptyRecordJSON = `{"status":0,"headers":{},"body":""}`

func (a applier) apply(doc []byte) ([]byte, error) {
	if a.rule.Action == ActionDrop {
		matched, err := a.dropTargetMatches(doc)
		if err != nil {
			return doc, err
		}
		if !matched {
			return doc, nil
		}
		return []byte(emptyRecordJSON), nil
	}

	switch a.rule.Target {
	case TargetFullBody:
		return a.applyFullBody(doc)
	case TargetJSONPath:
		return a.applyJSONPath(doc)
	case TargetHeaderName:
		return a.applyMapKey(doc, "headers", a.rule.Path)
	case TargetQueryParam:
		return a.applyMapKey(doc, "query", a.rule.Path)
	case TargetURLPath:
		return a.applyURLPath(doc)
	default:
		return doc, fmt.Errorf("unknown target %q", a.rule.Target)
	}
}

// dropTargetMatches reports whether a's target is present in doc, so a
// drop rule only collapses the call when its target actually applies.
// fullBody always matches; every other target checks the same path a
// non-drop rule of that target would read.
func (a applier) dropTargetMatches(doc []byte) (bool, error) {
	switch a.rule.Target {
	case TargetFullBody:
		return true, nil
	case TargetJSONPath:
		return gjson.GetBytes(doc, a.rule.Path).Exists(), nil
	case TargetHeaderName:
		return gjson.GetBytes(doc, "headers."+a.rule.Path).Exists(), nil
	case TargetQueryParam:
		return gjson.GetBytes(doc, "query."+a.rule.Path).Exists(), nil
	case TargetURLPath:
		return gjson.GetBytes(doc, "path").Exists(), nil
	default:
		return false, fmt.Errorf("unknown target %q", a.rule.Target)
	}
}

func (a applier) applyFullBody(doc []byte) ([]byte, error) {
	if a.rule.Action == ActionReplace {
		return sjsonEncode(a.rule.Replacement)
	}
	return transformScalar(doc, a.rule)
}

func (a applier) applyJSONPath(doc []byte) ([]byte, error) {
	res := gjson.GetBytes(doc, a.rule.Path)
	if !res.Exists() {
		return doc, nil
	}
	newVal, err := transformScalar([]byte(res.Raw), a.rule)
	if err != nil {
		return doc, err
	}
	return sjson.SetRawBytes(doc, a.rule.Path, newVal)
}

func (a applier) applyMapKey(doc []byte, container, name string) ([]byte, error) {
	path := container + "." + name
	res := gjson.GetBytes(doc, path)
	if !res.Exists() {
		return doc, nil
	}
	newVal, err := transformScalar([]byte(res.Raw), a.rule)
	if err != nil {
		return doc, err
	}
	return sjson.SetRawBytes(doc, path, newVal)
}

func (a applier) applyURLPath(doc []byte) ([]byte, error) {
	res := gjson.GetBytes(doc, "path")
	if !res.Exists() {
		return doc, nil
	}
	newVal, err := transformScalar([]byte(res.Raw), a.rule)
	if err != nil {
		return doc, err
	}
	return sjson.SetRawBytes(doc, "path", newVal)
}

// transformScalar applies a rule's Action (redact/mask/replace) to a
// single gjson-raw JSON value. ActionDrop never reaches here: apply
// intercepts it earlier and collapses the whole document instead of a
// single field.
func transformScalar(raw []byte, r Rule) ([]byte, error) {
	switch r.Action {
	case ActionReplace:
		return sjsonEncode(r.Replacement)
	case ActionRedact:
		return sjsonEncode(redactValue(gjson.ParseBytes(raw)))
	case ActionMask:
		return sjsonEncode(maskValue(gjson.ParseBytes(raw), r.MaskChar))
	default:
		return raw, fmt.Errorf("unknown action %q", r.Action)
	}
}

// redactValue replaces a string value with a stable "REDACTED_<hash>"
// token (the first 12 hex characters of its SHA-256 digest) so two
// equal inputs redact to the same token, letting replay matching still
// work on redacted fields. Non-string values are stringified first.
func redactValue(v gjson.Result) string {
	sum := sha256.Sum256([]byte(v.String()))
	return "REDACTED_" + hex.EncodeToString(sum[:])[:12]
}

// maskValue replaces every character of a string value with ch (a
// single rune, default "*"), preserving length so masked fields still
// carry a plausible shape in recorded fixtures.
func maskValue(v gjson.Result, ch string) string {
	if ch == "" {
		ch = "*"
	}
	s := v.String()
	return strings.Repeat(ch, len([]rune(s)))
}

func sjsonEncode(v any) ([]byte, error) {
	b, err := sjson.SetBytes([]byte(`{}`), "v", v)
	if err != nil {
		return nil, err
	}
	return []byte(gjson.GetBytes(b, "v").Raw), nil
}
