package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus exports the counters as crawlcache_events_total{namespace,event}.
type Prometheus struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlcache_events_total",
		Help: "Total cache events by namespace and kind",
	}, []string{"namespace", "event"})
	registry.MustRegister(events)
	return &Prometheus{registry: registry, events: events}
}

func (p *Prometheus) Inc(namespace, counter string) {
	p.events.WithLabelValues(namespace, counter).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
