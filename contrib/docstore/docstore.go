// Package docstore implements interception of a
// Firestore-shaped document store's get/create/set/update/delete/add/
// doc/query.get operations, grounded on the real
// cloud.google.com/go/firestore client's observable surface (document
// snapshots, server timestamps, query results).
package docstore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/replaytrace/replaytrace-go/kernel"
	"github.com/replaytrace/replaytrace-go/mockstore"
	"github.com/replaytrace/replaytrace-go/span"
)

const (
	adapterName         = "docstore"
	instrumentationName = "cloud.google.com/go/firestore"
)

// Timestamp mirrors the {seconds, nanoseconds} pair used for recorded
// document timestamps, with a ToDate helper matching the source
// library's DocumentSnapshot timestamp fields.
type Timestamp struct {
	Seconds     int64 `json:"seconds"`
	Nanoseconds int32 `json:"nanoseconds"`
}

// ToDate converts the pair into a time.Time the way the original
// library's `.toDate()` does: seconds*1000 + nanoseconds/1e6.
func (t Timestamp) ToDate() time.Time {
	return time.UnixMilli(t.Seconds*1000 + int64(t.Nanoseconds)/1_000_000)
}

func timestampFrom(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanoseconds: int32(t.Nanosecond())}
}

// DocResult is the adapter-neutral surface for a single-document read,
// matching firestore.DocumentSnapshot's observable fields so a
// replayed call materializes the same shape the real library would
// produce.
type DocResult struct {
	ID         string
	Path       string
	Exists     bool
	Data       map[string]any
	CreateTime *Timestamp
	UpdateTime *Timestamp
	ReadTime   *Timestamp
}

// WriteResult mirrors firestore.WriteResult.
type WriteResult struct {
	WriteTime *Timestamp
}

// QueryResult mirrors the observable surface of a
// firestore.Query.Documents iterator fully drained.
type QueryResult struct {
	Docs     []DocResult
	Size     int
	Empty    bool
	ReadTime *Timestamp
}

// Backend is the real I/O the adapter wraps; production code backs it
// with the firestore client, tests back it with a fake.
type Backend interface {
	Get(ctx context.Context, path string) (DocResult, error)
	Create(ctx context.Context, path string, data map[string]any) (WriteResult, error)
	Set(ctx context.Context, path string, data map[string]any) (WriteResult, error)
	Update(ctx context.Context, path string, data map[string]any) (WriteResult, error)
	Delete(ctx context.Context, path string) (WriteResult, error)
	Add(ctx context.Context, collectionPath string, data map[string]any) (string, WriteResult, error)
	RunQuery(ctx context.Context, collectionPath string, constraints []firestore.EntityFilter) (QueryResult, error)
}

// Client drives every document-store operation through the kernel.
type Client struct {
	kernel  *kernel.Kernel
	backend Backend
	decide  func(op string) (kernel.Decision, bool)

	// AddFallbackToEmptyDoc preserves the documented compatibility
	// hack: a REPLAY miss on collection.add falls back to the
	// behavior of doc(""), rather than raising. Off by default —
	// callers opt in explicitly, since it masks a real test-drift
	// signal.
	AddFallbackToEmptyDoc bool
}

// NewClient builds a docstore Client. decide is typically
// replaytrace.Global().ShouldRecord adapted to this adapter's name;
// tests supply a fixed decision.
func NewClient(k *kernel.Kernel, backend Backend, decide func(op string) (kernel.Decision, bool)) *Client {
	return &Client{kernel: k, backend: backend, decide: decide}
}

func (c *Client) meta(op, path string) span.Meta {
	return span.Meta{
		Name:                op,
		PackageName:         adapterName,
		InstrumentationName: instrumentationName,
		Kind:                span.KindClient,
		Submodule:           path,
	}
}

func (c *Client) scope(op string) mockstore.Scope {
	return mockstore.Scope{
		PackageName:         adapterName,
		InstrumentationName: instrumentationName,
		Kind:                string(span.KindClient),
		Name:                op,
	}
}

// neutralDocResult is the documented neutral default for document
// reads: {exists:false, id:"", path:""}.
func neutralDocResult(path string) DocResult {
	return DocResult{Exists: false}
}

// Get runs a document read through the kernel.
func (c *Client) Get(ctx context.Context, path string) (DocResult, error) {
	decision, isPreAppStart := c.decide("get")
	input := map[string]any{"operation": "get", "path": path}

	result, err := c.kernel.Run(ctx, decision,
		kernel.Params{Scope: c.scope("get"), Meta: c.meta("get", path), InputValue: input, IsPreAppStart: isPreAppStart},
		func(ctx context.Context) (any, error) { return c.backend.Get(ctx, path) },
		func(result any) (any, map[span.Key]any) { return docOutputValue(result.(DocResult)), nil },
		func(entry *mockstore.Entry) (any, error) { return docResultFromEntry(entry, path) },
		func() (any, error) { return neutralDocResult(path), nil },
	)
	if err != nil {
		return DocResult{}, err
	}
	return result.(DocResult), nil
}

// Create runs a document create.
func (c *Client) Create(ctx context.Context, path string, data map[string]any) (WriteResult, error) {
	return c.write(ctx, "create", path, data, func(ctx context.Context) (any, error) {
		return c.backend.Create(ctx, path, data)
	})
}

// Set runs a document set.
func (c *Client) Set(ctx context.Context, path string, data map[string]any) (WriteResult, error) {
	return c.write(ctx, "set", path, data, func(ctx context.Context) (any, error) {
		return c.backend.Set(ctx, path, data)
	})
}

// Update runs a document update.
func (c *Client) Update(ctx context.Context, path string, data map[string]any) (WriteResult, error) {
	return c.write(ctx, "update", path, data, func(ctx context.Context) (any, error) {
		return c.backend.Update(ctx, path, data)
	})
}

// Delete runs a document delete.
func (c *Client) Delete(ctx context.Context, path string) (WriteResult, error) {
	return c.write(ctx, "delete", path, nil, func(ctx context.Context) (any, error) {
		return c.backend.Delete(ctx, path)
	})
}

func (c *Client) write(ctx context.Context, op, path string, data map[string]any, exec kernel.Executor) (WriteResult, error) {
	decision, isPreAppStart := c.decide(op)
	input := map[string]any{"operation": op, "path": path, "data": data}

	result, err := c.kernel.Run(ctx, decision,
		kernel.Params{Scope: c.scope(op), Meta: c.meta(op, path), InputValue: input, IsPreAppStart: isPreAppStart},
		exec,
		func(result any) (any, map[span.Key]any) { return writeOutputValue(result.(WriteResult)), nil },
		func(entry *mockstore.Entry) (any, error) { return writeResultFromEntry(entry) },
		func() (any, error) { return WriteResult{WriteTime: nowTimestamp()}, nil },
	)
	if err != nil {
		return WriteResult{}, err
	}
	return result.(WriteResult), nil
}

// Add runs a collection.add. On a REPLAY miss it raises unless
// AddFallbackToEmptyDoc is set, in which case it falls back to the
// behavior of doc("").
func (c *Client) Add(ctx context.Context, collectionPath string, data map[string]any) (string, WriteResult, error) {
	decision, isPreAppStart := c.decide("add")
	input := map[string]any{"operation": "add", "path": collectionPath, "data": data}

	var neutral kernel.NeutralDefault
	if c.AddFallbackToEmptyDoc {
		neutral = func() (any, error) {
			return addResult{ID: "", WriteResult: WriteResult{WriteTime: nowTimestamp()}}, nil
		}
	}

	result, err := c.kernel.Run(ctx, decision,
		kernel.Params{Scope: c.scope("add"), Meta: c.meta("add", collectionPath), InputValue: input, IsPreAppStart: isPreAppStart},
		func(ctx context.Context) (any, error) {
			id, wr, err := c.backend.Add(ctx, collectionPath, data)
			return addResult{ID: id, WriteResult: wr}, err
		},
		func(result any) (any, map[span.Key]any) {
			r := result.(addResult)
			ov := writeOutputValue(r.WriteResult)
			ov["id"] = r.ID
			return ov, nil
		},
		func(entry *mockstore.Entry) (any, error) {
			wr, err := writeResultFromEntry(entry)
			if err != nil {
				return nil, err
			}
			out, _ := entry.Result.(map[string]any)
			id, _ := out["id"].(string)
			return addResult{ID: id, WriteResult: wr}, nil
		},
		neutral,
	)
	if err != nil {
		return "", WriteResult{}, err
	}
	r := result.(addResult)
	return r.ID, r.WriteResult, nil
}

type addResult struct {
	ID string
	WriteResult
}

// Query runs a query.get.
func (c *Client) Query(ctx context.Context, collectionPath string, constraints []firestore.EntityFilter) (QueryResult, error) {
	decision, isPreAppStart := c.decide("query.get")
	input := map[string]any{"operation": "query.get", "path": collectionPath, "constraints": describeConstraints(constraints)}

	result, err := c.kernel.Run(ctx, decision,
		kernel.Params{Scope: c.scope("query.get"), Meta: c.meta("query.get", collectionPath), InputValue: input, IsPreAppStart: isPreAppStart},
		func(ctx context.Context) (any, error) { return c.backend.RunQuery(ctx, collectionPath, constraints) },
		func(result any) (any, map[span.Key]any) { return queryOutputValue(result.(QueryResult)), nil },
		func(entry *mockstore.Entry) (any, error) { return queryResultFromEntry(entry) },
		func() (any, error) { return QueryResult{Size: 0, Empty: true}, nil },
	)
	if err != nil {
		return QueryResult{}, err
	}
	return result.(QueryResult), nil
}

// GetSync resolves a document address synchronously — the `doc()`
// operation, which the source library never suspends on. In REPLAY
// this uses the kernel's FindSync path; a first-call cache miss
// against a remote mock source is a documented limitation, surfaced
// here as an error rather than a block.
func (c *Client) GetSync(path string) (DocResult, error) {
	decision, isPreAppStart := c.decide("doc")
	if decision != kernel.DecisionReplay {
		return DocResult{Path: path}, nil
	}
	entry, err := c.kernel.FindSync(kernel.Params{
		Scope:         c.scope("doc"),
		InputValue:    map[string]any{"operation": "doc", "path": path},
		IsPreAppStart: isPreAppStart,
	})
	if err != nil {
		return DocResult{}, err
	}
	return docResultFromEntry(entry, path)
}

// describeConstraints serializes each query constraint's actual
// field/operator/value (or, for a compound filter, its nested
// constraints) into the InputValue so that two queries against the
// same collection with different predicates fingerprint differently.
func describeConstraints(constraints []firestore.EntityFilter) []any {
	out := make([]any, len(constraints))
	for i, c := range constraints {
		out[i] = describeConstraint(c)
	}
	return out
}

func describeConstraint(f firestore.EntityFilter) any {
	switch c := f.(type) {
	case firestore.PropertyFilter:
		return propertyFilterValue(c.Path, c.Operator, c.Value)
	case *firestore.PropertyFilter:
		return propertyFilterValue(c.Path, c.Operator, c.Value)
	case firestore.OrFilter:
		return map[string]any{"or": describeConstraints(c.Filters)}
	case *firestore.OrFilter:
		return map[string]any{"or": describeConstraints(c.Filters)}
	case firestore.AndFilter:
		return map[string]any{"and": describeConstraints(c.Filters)}
	case *firestore.AndFilter:
		return map[string]any{"and": describeConstraints(c.Filters)}
	default:
		return map[string]any{"filter": fmt.Sprintf("%v", f)}
	}
}

func propertyFilterValue(path, operator string, value any) map[string]any {
	return map[string]any{
		"path":     path,
		"operator": operator,
		"value":    fmt.Sprintf("%v", value),
	}
}

func nowTimestamp() *Timestamp {
	ts := timestampFrom(time.Now())
	return &ts
}

func docOutputValue(d DocResult) map[string]any {
	out := map[string]any{
		"id":     d.ID,
		"path":   d.Path,
		"exists": d.Exists,
		"data":   d.Data,
	}
	putTimestamp(out, "createTime", d.CreateTime)
	putTimestamp(out, "updateTime", d.UpdateTime)
	putTimestamp(out, "readTime", d.ReadTime)
	return out
}

func writeOutputValue(w WriteResult) map[string]any {
	out := map[string]any{}
	putTimestamp(out, "writeTime", w.WriteTime)
	return out
}

func queryOutputValue(q QueryResult) map[string]any {
	docs := make([]any, len(q.Docs))
	for i, d := range q.Docs {
		docs[i] = docOutputValue(d)
	}
	out := map[string]any{"docs": docs, "size": q.Size, "empty": q.Empty}
	putTimestamp(out, "readTime", q.ReadTime)
	return out
}

func putTimestamp(m map[string]any, key string, ts *Timestamp) {
	if ts == nil {
		return
	}
	m[key] = map[string]any{"seconds": ts.Seconds, "nanoseconds": ts.Nanoseconds}
}

func docResultFromEntry(entry *mockstore.Entry, path string) (DocResult, error) {
	out, _ := entry.Result.(map[string]any)
	d := DocResult{Path: path}
	if id, ok := out["id"].(string); ok {
		d.ID = id
	}
	if exists, ok := out["exists"].(bool); ok {
		d.Exists = exists
	}
	if data, ok := out["data"].(map[string]any); ok {
		d.Data = data
	}
	d.CreateTime = timestampFromMap(out["createTime"])
	d.UpdateTime = timestampFromMap(out["updateTime"])
	d.ReadTime = timestampFromMap(out["readTime"])
	return d, nil
}

func writeResultFromEntry(entry *mockstore.Entry) (WriteResult, error) {
	out, _ := entry.Result.(map[string]any)
	return WriteResult{WriteTime: timestampFromMap(out["writeTime"])}, nil
}

func queryResultFromEntry(entry *mockstore.Entry) (QueryResult, error) {
	out, _ := entry.Result.(map[string]any)
	rawDocs, _ := out["docs"].([]any)
	docs := make([]DocResult, 0, len(rawDocs))
	for _, rd := range rawDocs {
		dm, ok := rd.(map[string]any)
		if !ok {
			continue
		}
		id, _ := dm["id"].(string)
		d, _ := docResultFromEntry(&mockstore.Entry{Result: dm}, id)
		docs = append(docs, d)
	}
	size := len(docs)
	if s, ok := out["size"].(float64); ok {
		size = int(s)
	}
	empty, _ := out["empty"].(bool)
	return QueryResult{Docs: docs, Size: size, Empty: empty, ReadTime: timestampFromMap(out["readTime"])}, nil
}

func timestampFromMap(v any) *Timestamp {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	var ts Timestamp
	if s, ok := m["seconds"].(float64); ok {
		ts.Seconds = int64(s)
	}
	if n, ok := m["nanoseconds"].(float64); ok {
		ts.Nanoseconds = int32(n)
	}
	return &ts
}
