// Package rfc9211 renders the Cache-Status response header.
package rfc9211

import (
	"fmt"
	"strings"
	"time"
)

const HeaderName = "Cache-Status"

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"
	// The cache did not contain any responses that could be used to
	// satisfy this request.
	FwdReasonMiss FwdReason = "miss"
	// The cache was able to select a fresh response for the request,
	// but the request's semantics did not allow its use.
	FwdReasonRequest FwdReason = "request"
	// The cache was able to select a response for the request, but it was stale.
	FwdReasonStale FwdReason = "stale"
)

// CacheStatus is one cache's entry in the Cache-Status list.
type CacheStatus struct {
	// Identifies the cache, e.g. "crawlcache".
	Cache     string
	hit       bool
	fwdReason FwdReason
	// FwdStatus is the status code of the forwarded request, if any.
	FwdStatus int
	// Stored is set when the forwarded response was stored.
	Stored bool
	// TimeToLive is rendered when positive.
	TimeToLive time.Duration
	detail     string
}

func (cs *CacheStatus) Hit() {
	cs.hit = true
	cs.fwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.hit = false
	cs.fwdReason = reason
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs CacheStatus) String() string {
	params := []string{cs.cacheName()}
	if cs.hit {
		params = append(params, "hit")
	} else if cs.fwdReason != "" {
		params = append(params, "fwd="+string(cs.fwdReason))
	}
	if cs.FwdStatus != 0 {
		params = append(params, fmt.Sprintf("fwd-status=%d", cs.FwdStatus))
	}
	if cs.Stored {
		params = append(params, "stored")
	}
	if cs.TimeToLive > 0 {
		params = append(params, fmt.Sprintf("ttl=%.f", cs.TimeToLive.Seconds()))
	}
	if cs.detail != "" {
		params = append(params, "detail="+quoteIfNeeded(cs.detail))
	}
	return strings.Join(params, "; ")
}

func (cs CacheStatus) cacheName() string {
	if cs.Cache == "" {
		return "crawlcache"
	}
	return cs.Cache
}

// quoteIfNeeded returns a token as is and anything else as a quoted string.
func quoteIfNeeded(s string) string {
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("!#$%&'*+-.^_`|~/:", r)) {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}
