// Package httpmsg holds the request and response values that travel through
// the cache hooks. They are decoupled from net/http so that any pipeline
// can drive the cache, with converters for the net/http case.
package httpmsg

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// FlagCached marks a response that was served from the cache.
const FlagCached = "cached"

// Meta is the mutable per-attempt metadata bag.
// It is not safe for concurrent use; one attempt is handled by one caller at a time.
type Meta map[string]any

// Get returns the value stored under key.
func (m Meta) Get(key string) (any, bool) {
	v, ok := m[key]
	return v, ok
}

// Set stores a value, allocating the bag if needed.
func (m *Meta) Set(key string, value any) {
	if *m == nil {
		*m = make(Meta)
	}
	(*m)[key] = value
}

// Pop removes and returns the value stored under key.
func (m Meta) Pop(key string) (any, bool) {
	v, ok := m[key]
	if ok {
		delete(m, key)
	}
	return v, ok
}

// Flags is an ordered set of strings.
type Flags []string

// Has reports whether flag is in the set.
func (f Flags) Has(flag string) bool {
	for _, v := range f {
		if v == flag {
			return true
		}
	}
	return false
}

// Add appends flag unless already present.
func (f *Flags) Add(flag string) {
	if !f.Has(flag) {
		*f = append(*f, flag)
	}
}

type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
	// Meta carries transient state between the hooks of a single attempt.
	Meta Meta
	// DontCache bypasses the cache for this request altogether.
	DontCache bool
}

// NewRequest parses rawURL and returns a request with empty headers and metadata.
func NewRequest(method, rawURL string, body []byte) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    u,
		Header: make(http.Header),
		Body:   body,
		Meta:   make(Meta),
	}, nil
}

// Scheme returns the lowercased URL scheme.
func (r *Request) Scheme() string {
	if r.URL == nil {
		return ""
	}
	return strings.ToLower(r.URL.Scheme)
}

// FromHTTPRequest copies an outgoing *http.Request.
// The request body is read and replaced so the original can still be sent.
func FromHTTPRequest(r *http.Request) (*Request, error) {
	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		b, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		body = b
		r.Body = io.NopCloser(bytes.NewReader(b))
	}
	u := *r.URL
	return &Request{
		Method: r.Method,
		URL:    &u,
		Header: r.Header.Clone(),
		Body:   body,
		Meta:   make(Meta),
	}, nil
}

type Response struct {
	Status int
	URL    string
	Header http.Header
	Body   []byte
	Flags  Flags
}

// FromHTTPResponse reads and closes the body of res.
func FromHTTPResponse(res *http.Response) (*Response, error) {
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	var u string
	if res.Request != nil && res.Request.URL != nil {
		u = res.Request.URL.String()
	}
	header := res.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &Response{
		Status: res.StatusCode,
		URL:    u,
		Header: header,
		Body:   body,
	}, nil
}

// HTTPResponse builds a *http.Response answering req.
func (r *Response) HTTPResponse(req *http.Request) *http.Response {
	header := r.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.Status, http.StatusText(r.Status)),
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

// Clone returns a deep copy.
func (r *Response) Clone() *Response {
	c := *r
	c.Header = r.Header.Clone()
	c.Body = append([]byte(nil), r.Body...)
	c.Flags = append(Flags(nil), r.Flags...)
	return &c
}
