package httpmsg

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestFlagsKeepOrderWithoutDuplicates(t *testing.T) {
	var f Flags
	f.Add("cached")
	f.Add("stale")
	f.Add("cached")
	if len(f) != 2 || f[0] != "cached" || f[1] != "stale" {
		t.Fatalf("Flags are %v", f)
	}
	if !f.Has("stale") || f.Has("fresh") {
		t.Fatalf("Has returned wrong result for %v", f)
	}
}

func TestMetaPop(t *testing.T) {
	var m Meta
	m.Set("k", 1)
	if v, ok := m.Pop("k"); !ok || v != 1 {
		t.Fatalf("Pop returned %v, %v", v, ok)
	}
	if _, ok := m.Get("k"); ok {
		t.Fatal("Value still present after pop")
	}
}

func TestFromHTTPRequestKeepsBodyReadable(t *testing.T) {
	hr, _ := http.NewRequest("POST", "https://example.com/form", strings.NewReader("a=1"))
	req, err := FromHTTPRequest(hr)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if string(req.Body) != "a=1" {
		t.Fatalf("Body is %q", req.Body)
	}
	b, _ := io.ReadAll(hr.Body)
	if string(b) != "a=1" {
		t.Fatalf("Original body is %q", b)
	}
}

func TestHTTPResponseRoundTrip(t *testing.T) {
	res := &Response{Status: 404, URL: "https://example.com/", Header: http.Header{"X-Test": {"1"}}, Body: []byte("gone")}
	hr := res.HTTPResponse(nil)
	back, err := FromHTTPResponse(hr)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if back.Status != 404 || string(back.Body) != "gone" || back.Header.Get("X-Test") != "1" {
		t.Fatalf("Response is %+v", back)
	}
}

func TestCloneIsDeep(t *testing.T) {
	res := &Response{Status: 200, Header: http.Header{"A": {"1"}}, Body: []byte("x")}
	c := res.Clone()
	c.Header.Set("A", "2")
	c.Body[0] = 'y'
	c.Flags.Add(FlagCached)
	if res.Header.Get("A") != "1" || string(res.Body) != "x" || len(res.Flags) != 0 {
		t.Fatalf("Original was mutated: %+v", res)
	}
}
