package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"

	httpmsg "github.com/always-cache/crawlcache/pkg/http-message"
)

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ftp":   "21",
}

// Fingerprinter derives cache keys from requests.
// A zero value only uses method, URL and body.
type Fingerprinter struct {
	// Request header names that also become part of the key.
	IncludeHeaders []string
}

// Fingerprint returns the key for a request using the zero Fingerprinter.
func Fingerprint(r *httpmsg.Request) string {
	return Fingerprinter{}.Fingerprint(r)
}

// Fingerprint returns a sha256 hex digest of the request identity.
// Requests with the same method, canonical URL and body share a fingerprint.
func (f Fingerprinter) Fingerprint(r *httpmsg.Request) string {
	h := sha256.New()
	writeField(h, strings.ToUpper(r.Method))
	writeField(h, CanonicalURL(r.URL))
	writeField(h, string(r.Body))
	if len(f.IncludeHeaders) > 0 {
		names := make([]string, 0, len(f.IncludeHeaders))
		for _, name := range f.IncludeHeaders {
			names = append(names, strings.ToLower(name))
		}
		sort.Strings(names)
		for _, name := range names {
			writeField(h, name)
			writeField(h, strings.Join(r.Header.Values(name), ","))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeField writes a length-prefixed value so that adjacent fields cannot run into each other.
func writeField(h hash.Hash, s string) {
	h.Write([]byte(strconv.Itoa(len(s))))
	h.Write([]byte{':'})
	h.Write([]byte(s))
}

// CanonicalURL normalizes a URL for keying: lowercase scheme and host,
// no default port, sorted query arguments, no fragment.
func CanonicalURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.Scheme = strings.ToLower(c.Scheme)
	c.Fragment = ""
	c.RawFragment = ""
	host := strings.ToLower(c.Host)
	if h, port, err := net.SplitHostPort(host); err == nil && defaultPorts[c.Scheme] == port {
		host = h
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
	}
	c.Host = host
	if c.Path == "" && c.Opaque == "" && c.Host != "" {
		c.Path = "/"
		c.RawPath = ""
	}
	c.RawQuery = sortedQuery(c.RawQuery)
	c.ForceQuery = false
	return c.String()
}

func sortedQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		// keep the order-insensitive part at least
		parts := strings.Split(raw, "&")
		sort.Strings(parts)
		return strings.Join(parts, "&")
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for _, v := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
