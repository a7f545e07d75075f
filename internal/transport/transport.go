// Package transport is the resilience layer every remote call goes through:
// per-attempt timeout, bounded retry for reads, request tagging, typed errors.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Request is a replayable remote call. Path is relative to the client base URL.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Response is a fully read remote response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Doer executes a Request. Resilient, reqcache.Gate and test fakes implement it.
type Doer interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// HTTPDoer is the subset of *http.Client used by Resilient.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenSource supplies bearer tokens. ForceRefresh is called after a 401.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context, rejected string) (string, error)
}

// Header names understood by the request path.
const (
	HeaderRequestID     = "X-Request-ID"
	HeaderClientVersion = "X-Client-Version"
	HeaderCacheBypass   = "X-Cache-Bypass"
	HeaderCacheTTL      = "X-Cache-TTL"

	// HeaderCacheInvalidate lists extra comma-separated paths a mutation invalidates.
	HeaderCacheInvalidate = "X-Cache-Invalidate"
)

// JSONRequest builds a request with a JSON body. A nil body sends none.
func JSONRequest(method, path string, body any) (*Request, error) {
	req := &Request{Method: method, Path: path, Header: http.Header{}}
	if body == nil {
		return req, nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s %s body: %w", method, path, err)
	}
	req.Body = raw
	req.Header.Set("Content-Type", "application/json")

	return req, nil
}

// Bypass marks a read to skip the request cache.
func (r *Request) Bypass() *Request {
	r.ensureHeader().Set(HeaderCacheBypass, "true")

	return r
}

// WithTTL overrides the request cache TTL in whole seconds.
func (r *Request) WithTTL(seconds int) *Request {
	r.ensureHeader().Set(HeaderCacheTTL, strconv.Itoa(seconds))

	return r
}

// Invalidates names additional cached paths a successful mutation makes stale.
func (r *Request) Invalidates(paths ...string) *Request {
	for _, p := range paths {
		r.ensureHeader().Add(HeaderCacheInvalidate, p)
	}

	return r
}

func (r *Request) ensureHeader() http.Header {
	if r.Header == nil {
		r.Header = http.Header{}
	}

	return r.Header
}

// IsRead reports whether the method is safe to cache and retry.
func (r *Request) IsRead() bool {
	return r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == ""
}

// Clone copies the request so header changes never leak to the caller.
func (r *Request) Clone() *Request {
	out := *r
	out.Header = r.Header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	if r.Query != nil {
		out.Query = url.Values{}
		for k, v := range r.Query {
			out.Query[k] = append([]string(nil), v...)
		}
	}

	return &out
}

// Decode unmarshals a JSON response body. An empty body leaves v untouched.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}
