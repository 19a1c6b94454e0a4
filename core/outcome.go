package core

import (
	httpmsg "github.com/always-cache/crawlcache/pkg/http-message"
	"github.com/always-cache/crawlcache/rfc9211"
)

// MetaOutcome is the metadata key under which the outcome of an attempt is kept.
const MetaOutcome = "httpcache_outcome"

// State is where an attempt ended up.
type State string

const (
	// The cache was not consulted.
	StateBypassed State = "bypassed"
	// A fresh cached response was served without contacting the network.
	StateServedCached State = "served-cached"
	// The network response was served and not stored.
	StateServedFresh State = "served-fresh"
	// The network confirmed the cached response, which was served.
	StateRevalidated State = "revalidated"
	// The network response was served and stored.
	StateStored State = "stored"
	// A network fault was covered by the cached response.
	StateRecovered State = "recovered"
	// The failure was passed on to the caller.
	StatePropagated State = "propagated"
)

type Outcome struct {
	State State
	// Stale is set when a cached response existed but was not fresh.
	Stale bool
	// FwdStatus is the status code received from the network, if any.
	FwdStatus int
	// Fault is the transient fault that was recovered from.
	Fault FaultKind
}

func setOutcome(req *httpmsg.Request, o Outcome) {
	req.Meta.Set(MetaOutcome, o)
}

// OutcomeOf returns the recorded outcome of an attempt.
// Requests that bypassed the cache have none.
func OutcomeOf(req *httpmsg.Request) (Outcome, bool) {
	v, ok := req.Meta.Get(MetaOutcome)
	if !ok {
		return Outcome{State: StateBypassed}, false
	}
	o, ok := v.(Outcome)
	return o, ok
}

// CacheStatus describes the outcome as a Cache-Status header entry.
func (o Outcome) CacheStatus(cacheName string) rfc9211.CacheStatus {
	cs := rfc9211.CacheStatus{Cache: cacheName, FwdStatus: o.FwdStatus}
	fwd := rfc9211.FwdReasonMiss
	if o.Stale {
		fwd = rfc9211.FwdReasonStale
	}
	switch o.State {
	case StateServedCached:
		cs.Hit()
	case StateBypassed, "":
		cs.Forward(rfc9211.FwdReasonBypass)
	case StateStored:
		cs.Forward(fwd)
		cs.Stored = true
	case StateRecovered:
		cs.Forward(rfc9211.FwdReasonStale)
		cs.Detail("recovered-" + o.Fault.String())
	default:
		cs.Forward(fwd)
	}
	return cs
}
