package rfc9111

import (
	"net/http"
)

// addValidators turns req into a conditional request for the stored response.
// §  When a cache [...] generates a conditional request
func addValidators(req http.Header, stored http.Header) {
	// §  One such validator is the timestamp given in a Last-Modified header
	if lm := stored.Get("Last-Modified"); lm != "" {
		req.Set("If-Modified-Since", lm)
	}
	// §  Another is the entity tag given in an ETag field
	if etag := stored.Get("ETag"); etag != "" {
		req.Set("If-None-Match", etag)
	}
}

// keepStoredFields are never replaced by a 304 response.
var keepStoredFields = map[string]struct{}{
	"Content-Length":    {},
	"Content-Encoding":  {},
	"Transfer-Encoding": {},
	"Content-Range":     {},
}

// freshen updates the stored header fields from a 304 response.
// §  the cache MUST add each header field in the provided response to the
// §  stored response, replacing field values that are already present
func freshen(stored http.Header, notModified http.Header) {
	for name, values := range notModified {
		if _, keep := keepStoredFields[http.CanonicalHeaderKey(name)]; keep {
			continue
		}
		stored[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
}
