// Package fingerprint implements a deterministic, cycle-safe,
// JSON-shaped projection of an adapter's
// InputValue, used both as the replay lookup key and as the payload
// recorded alongside a span.
package fingerprint

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
)

// circularSentinel is substituted for any value reached a second time
// while canonicalizing.
const circularSentinel = "[Circular]"

// Canonicalize produces the canonical JSON representation of v:
// fields set to Undefined are omitted (an explicit nil stays as JSON
// null), map keys are
// sorted so insertion order never affects equality, arrays keep their
// order, and cycles become the literal string "[Circular]".
//
// v must already be JSON-representable (the output of json.Marshal's
// supported types, or anything accepted by InputValue producers:
// maps, slices, strings, numbers, bools, nil). Canonicalize does not
// itself decode arbitrary Go structs; adapters convert to this shape
// when they build an InputValue.
func Canonicalize(v any) []byte {
	c := &canonicalizer{path: map[uintptr]bool{}}
	out := c.walk(v)
	b, err := json.Marshal(out)
	if err != nil {
		// Every shape walk() can produce is json-safe; this would only
		// trip on a type canonicalize doesn't know, which is a bug in
		// the adapter that built v, not a runtime condition to recover
		// from silently.
		return []byte(`"[CanonicalizeError]"`)
	}
	return canonicalJSON(b)
}

// canonicalizer walks a value tree tracking the chain of map/slice
// pointers currently being visited, so a reference cycle (a map or
// slice that contains itself, directly or through a shared sub-value)
// is detected and replaced with circularSentinel instead of recursing
// forever.
type canonicalizer struct {
	path map[uintptr]bool
}

func (c *canonicalizer) walk(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return c.walkMap(t)
	case []any:
		return c.walkSlice(t)
	default:
		return v
	}
}

// reflectPointer returns the identity of a map or slice's backing data
// so it can be recognized if revisited on the current path.
func reflectPointer(v any) uintptr {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice:
		return rv.Pointer()
	default:
		return 0
	}
}

func (c *canonicalizer) walkMap(m map[string]any) any {
	ptr := reflectPointer(m)
	if ptr != 0 {
		if c.path[ptr] {
			return circularSentinel
		}
		c.path[ptr] = true
		defer delete(c.path, ptr)
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, isUndef := v.(undefinedMarker); isUndef {
			continue
		}
		out[k] = c.walk(v)
	}
	return out
}

func (c *canonicalizer) walkSlice(s []any) any {
	ptr := reflectPointer(s)
	if ptr != 0 {
		if c.path[ptr] {
			return circularSentinel
		}
		c.path[ptr] = true
		defer delete(c.path, ptr)
	}

	out := make([]any, len(s))
	for i, v := range s {
		out[i] = c.walk(v)
	}
	return out
}

// undefinedMarker never equals any real JSON value; set a map field to
// Undefined to mean "this key should be dropped by Canonicalize",
// matching the source semantics of an undefined-valued field.
type undefinedMarker struct{}

// Undefined is the sentinel value for "this field is unset" fields in
// an InputValue, distinct from an explicit JSON null.
var Undefined any = undefinedMarker{}

// canonicalJSON re-encodes b with object keys sorted, giving a
// byte-stable representation regardless of map iteration order.
func canonicalJSON(b []byte) []byte {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return b
	}
	var buf bytes.Buffer
	writeSorted(&buf, v)
	return buf.Bytes()
}

func writeSorted(buf *bytes.Buffer, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			writeSorted(buf, t[k])
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeSorted(buf, e)
		}
		buf.WriteByte(']')
	default:
		eb, err := json.Marshal(t)
		if err != nil {
			buf.WriteString(`"` + circularSentinel + `"`)
			return
		}
		buf.Write(eb)
	}
}

// Equal reports whether two already-canonicalized byte strings are
// identical. Weight projection must happen before calling Equal; see
// Project.
func Equal(a, b []byte) bool {
	return bytes.Equal(a, b)
}

// MergeMap assigns an importance weight to top-level InputValue
// fields. A weight of 0 means the field is ignored entirely during
// matching, the mechanism adapters use to downweight headers and
// cookies. Dotted paths address nested fields, e.g. "headers.cookie".
type MergeMap map[string]int

// Project removes every field (and nested field, via dotted path) from
// v whose weight in weights is exactly 0, returning a new value safe
// to pass to Canonicalize for a weighted-equality comparison.
func Project(v any, weights MergeMap) any {
	if len(weights) == 0 {
		return v
	}
	ignored := map[string]bool{}
	for path, w := range weights {
		if w == 0 {
			ignored[path] = true
		}
	}
	if len(ignored) == 0 {
		return v
	}
	return projectValue(v, "", ignored)
}

func projectValue(v any, prefix string, ignored map[string]bool) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if ignored[path] {
			continue
		}
		out[k] = projectValue(val, path, ignored)
	}
	return out
}

// EqualWithWeights canonicalizes a and b after projecting out
// weights' zero-weight fields from each, and reports whether the
// results match. This is the comparison MockStore.FindAsync uses.
func EqualWithWeights(a, b any, weights MergeMap) bool {
	ca := Canonicalize(Project(a, weights))
	cb := Canonicalize(Project(b, weights))
	return Equal(ca, cb)
}
