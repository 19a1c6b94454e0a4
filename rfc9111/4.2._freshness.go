package rfc9111

import (
	"net/http"
	"time"
)

// heuristicFraction is the share of the time since Last-Modified used as a heuristic lifetime.
const heuristicFraction = 10

// §  a response is "fresh" if its age has not yet exceeded its freshness
// §  lifetime
func freshness_lifetime(h http.Header, status int, cc CacheControl) time.Duration {
	// §  If the cache is shared and the s-maxage response directive
	// §  (Section 5.2.2.10) is present, use its value, or
	if val, ok := cc.SMaxAge(); ok {
		return val
	}
	if val, ok := cc.MaxAge(); ok {
		return val
	}
	if h.Get("Expires") != "" {
		// §  A cache recipient MUST interpret invalid date formats, especially the
		// §  value "0", as representing a time in the past
		expires, err := HttpDate(h.Get("Expires"))
		if err != nil {
			return 0
		}
		return durationMax(0, expires.Sub(date_value(h)))
	}
	if lastModified, err := HttpDate(h.Get("Last-Modified")); err == nil && heuristicallyCacheable(status) {
		// §  If the response has a Last-Modified header field (Section 8.8.2 of
		// §  [HTTP]), caches are encouraged to use a heuristic expiration value
		// §  that is no more than some fraction of the interval since that time.
		return durationMax(0, date_value(h).Sub(lastModified)/heuristicFraction)
	}
	return 0
}

// heuristicallyCacheable lists the status codes of RFC 9110 section 15.1.
func heuristicallyCacheable(status int) bool {
	switch status {
	case 200, 203, 204, 206, 300, 301, 308, 404, 405, 410, 414, 501:
		return true
	}
	return false
}

func age_value(h http.Header) time.Duration {
	if age := h.Get("Age"); age != "" {
		return deltaSeconds(age)
	}
	return 0
}

// date_value assumes the Date header was set when the response was received.
// A missing or broken Date yields the zero time, making the response very old.
func date_value(h http.Header) time.Time {
	if date, err := HttpDate(h.Get("Date")); err == nil {
		return date
	}
	return time.Time{}
}

// current_age leaves out network latency: request and response time equal Date.
func current_age(h http.Header, now time.Time) time.Duration {
	corrected_initial_age := age_value(h)
	resident_time := now.Sub(date_value(h))
	return corrected_initial_age + durationMax(0, resident_time)
}

func durationMax(d1, d2 time.Duration) time.Duration {
	if d1 > d2 {
		return d1
	}
	return d2
}
