package policy

import (
	"strings"

	httpmsg "github.com/always-cache/crawlcache/pkg/http-message"
)

// Dummy caches every request and response that is not explicitly denied.
// Cached responses never go stale and always pass revalidation,
// which makes it suitable for replaying a crawl offline.
type Dummy struct {
	ignoreSchemes   map[string]struct{}
	ignoreHTTPCodes map[int]struct{}
}

func NewDummy(ignoreSchemes []string, ignoreHTTPCodes []int) *Dummy {
	d := &Dummy{
		ignoreSchemes:   make(map[string]struct{}, len(ignoreSchemes)),
		ignoreHTTPCodes: make(map[int]struct{}, len(ignoreHTTPCodes)),
	}
	for _, s := range ignoreSchemes {
		d.ignoreSchemes[strings.ToLower(s)] = struct{}{}
	}
	for _, c := range ignoreHTTPCodes {
		d.ignoreHTTPCodes[c] = struct{}{}
	}
	return d
}

func (d *Dummy) ShouldCacheRequest(req *httpmsg.Request) bool {
	_, denied := d.ignoreSchemes[req.Scheme()]
	return !denied
}

func (d *Dummy) ShouldCacheResponse(res *httpmsg.Response, req *httpmsg.Request) bool {
	_, denied := d.ignoreHTTPCodes[res.Status]
	return !denied
}

func (d *Dummy) IsCachedResponseFresh(cached *httpmsg.Response, req *httpmsg.Request) bool {
	return true
}

func (d *Dummy) IsCachedResponseValid(cached, res *httpmsg.Response, req *httpmsg.Request) bool {
	return true
}
