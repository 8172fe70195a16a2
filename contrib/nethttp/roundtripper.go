// Package nethttp implements an http.RoundTripper
// wrapper that records or replays outbound HTTP calls.
package nethttp

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"strings"

	replaytrace "github.com/replaytrace/replaytrace-go"
	"github.com/replaytrace/replaytrace-go/kernel"
	"github.com/replaytrace/replaytrace-go/mockstore"
	"github.com/replaytrace/replaytrace-go/span"
)

const (
	adapterName         = "http"
	instrumentationName = "net/http"
)

// Option configures a roundTripper at construction time.
type Option func(*roundTripper)

// WithBefore runs fn against the request before it is dispatched,
// mirroring the hook point adapters in this corpus expose for callers
// who want to tag the span without reimplementing the transport.
func WithBefore(fn func(*http.Request)) Option {
	return func(rt *roundTripper) { rt.before = fn }
}

// WithAfter runs fn against the response after a dispatch to the base
// transport (RECORD or SKIP) completes successfully. It does not run
// for a response synthesized in REPLAY.
func WithAfter(fn func(*http.Response)) Option {
	return func(rt *roundTripper) { rt.after = fn }
}

// WithKernel overrides the AdapterKernel a roundTripper runs through;
// tests use this to inject a kernel backed by an in-memory mock store.
func WithKernel(k *kernel.Kernel) Option {
	return func(rt *roundTripper) { rt.kernel = k }
}

// WithModeDecider overrides how a roundTripper asks ModeGate what to
// do with a request; production code leaves this at its default
// (replaytrace.Global().ShouldRecord), tests substitute a fixed
// decision.
func WithModeDecider(fn func(req *http.Request) (kernel.Decision, bool)) Option {
	return func(rt *roundTripper) { rt.decide = fn }
}

type roundTripper struct {
	base   http.RoundTripper
	kernel *kernel.Kernel
	before func(*http.Request)
	after  func(*http.Response)
	decide func(req *http.Request) (kernel.Decision, bool)
}

// WrapRoundTripper returns an http.RoundTripper that drives every
// request/response pair through the kernel before handing control
// back to base. base may be nil, defaulting to http.DefaultTransport.
func WrapRoundTripper(base http.RoundTripper, opts ...Option) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	rt := &roundTripper{base: base}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	decision, isPreAppStart := rt.modeDecision(req)

	inputValue, err := buildInputValue(req)
	if err != nil {
		return rt.dispatch(req)
	}

	k := rt.kernelOrDefault()
	meta := span.Meta{
		Name:                req.URL.String(),
		PackageName:         adapterName,
		InstrumentationName: instrumentationName,
		Kind:                span.KindClient,
	}
	scope := mockstore.Scope{
		PackageName:         adapterName,
		InstrumentationName: instrumentationName,
		Kind:                string(span.KindClient),
		Name:                req.Method,
	}

	result, err := k.Run(req.Context(), decision,
		kernel.Params{
			Scope:         scope,
			Meta:          meta,
			InputValue:    inputValue,
			CallHost:      req.URL.Hostname(),
			CallPath:      req.URL.Path,
			IsPreAppStart: isPreAppStart,
		},
		func(ctx context.Context) (any, error) { return rt.dispatch(req.WithContext(ctx)) },
		rt.projectResponse,
		rt.synthesizeResponse(req),
		rt.neutralResponse(req),
	)
	if err != nil {
		return nil, err
	}
	resp, _ := result.(*http.Response)
	return resp, nil
}

func (rt *roundTripper) dispatch(req *http.Request) (*http.Response, error) {
	resp, err := rt.base.RoundTrip(req)
	if err == nil && rt.after != nil {
		rt.after(resp)
	}
	return resp, err
}

func (rt *roundTripper) kernelOrDefault() *kernel.Kernel {
	if rt.kernel != nil {
		return rt.kernel
	}
	return kernel.New(nil, nil, nil)
}

func (rt *roundTripper) modeDecision(req *http.Request) (kernel.Decision, bool) {
	if rt.before != nil {
		rt.before(req)
	}
	if rt.decide != nil {
		return rt.decide(req)
	}
	gate := replaytrace.Global()
	decision, isPreAppStart := gate.ShouldRecord(adapterName, replaytrace.CallInfo{
		Host:       req.URL.Hostname(),
		SkipHeader: req.Header.Get(replaytrace.SkipHeaderName),
	})
	return kernel.Decision(decision), isPreAppStart
}

// buildInputValue captures URL, method, lowercased headers, and a
// base64-encoded body into the shape recorded alongside the span.
func buildInputValue(req *http.Request) (map[string]any, error) {
	headers := map[string]any{}
	for k, v := range req.Header {
		if len(v) > 0 {
			headers[strings.ToLower(k)] = v[0]
		}
	}

	var bodyB64 string
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body = io.NopCloser(bytes.NewReader(b))
		bodyB64 = base64.StdEncoding.EncodeToString(b)
	}

	return map[string]any{
		"url":     req.URL.String(),
		"method":  req.Method,
		"headers": headers,
		"body":    bodyB64,
	}, nil
}

// projectResponse turns a successful dispatch into the recorded
// OutputValue shape, cloning the body so the application still sees a
// fresh, consumable reader.
func (rt *roundTripper) projectResponse(result any) (any, map[span.Key]any) {
	resp, ok := result.(*http.Response)
	if !ok || resp == nil {
		return nil, nil
	}

	var bodyB64 string
	if resp.Body != nil {
		b, err := io.ReadAll(resp.Body)
		if err == nil {
			resp.Body = io.NopCloser(bytes.NewReader(b))
			bodyB64 = base64.StdEncoding.EncodeToString(b)
		}
	}

	headers := map[string]any{}
	for k, v := range resp.Header {
		if len(v) > 0 {
			headers[strings.ToLower(k)] = v[0]
		}
	}

	outputValue := map[string]any{
		"status":     resp.StatusCode,
		"statusText": resp.Status,
		"headers":    headers,
		"body":       bodyB64,
	}
	extra := map[span.Key]any{span.KeyKind: span.KindClient}
	return outputValue, extra
}

// synthesizeResponse builds an *http.Response from a matched mock
// entry's recorded OutputValue, bit-equivalent to what RECORD attached
// so downstream parsing sees the same shape.
func (rt *roundTripper) synthesizeResponse(req *http.Request) kernel.ReplaySynthesizer {
	return func(entry *mockstore.Entry) (any, error) {
		out, _ := entry.Result.(map[string]any)
		return responseFromOutputValue(req, out)
	}
}

// neutralResponse is the documented fallback for a replay miss: a
// neutral 200 with an empty body, rather than raising to the caller.
func (rt *roundTripper) neutralResponse(req *http.Request) kernel.NeutralDefault {
	return func() (any, error) {
		return responseFromOutputValue(req, map[string]any{
			"status":     200,
			"statusText": "200 OK",
			"headers":    map[string]any{},
			"body":       "",
		})
	}
}

func responseFromOutputValue(req *http.Request, out map[string]any) (*http.Response, error) {
	status, _ := out["status"].(int)
	if status == 0 {
		if f, ok := out["status"].(float64); ok {
			status = int(f)
		}
	}
	statusText, _ := out["statusText"].(string)
	if statusText == "" {
		statusText = http.StatusText(status)
	}

	header := http.Header{}
	if hdrs, ok := out["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			if s, ok := v.(string); ok {
				header.Set(k, s)
			}
		}
	}

	var body []byte
	if b64, ok := out["body"].(string); ok && b64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(b64)
		if err == nil {
			body = decoded
		}
	}

	return &http.Response{
		StatusCode: status,
		Status:     statusText,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(body)),
		Request:    req,
	}, nil
}
