// Package stats collects the cache event counters.
package stats

import (
	"sort"
	"sync"
)

// Counter names. Each handled event increments exactly one of them.
const (
	Miss          = "miss"
	Ignore        = "ignore"
	Hit           = "hit"
	Firsthand     = "firsthand"
	Revalidate    = "revalidate"
	Invalidate    = "invalidate"
	Store         = "store"
	Uncacheable   = "uncacheable"
	ErrorRecovery = "errorrecovery"
)

// Prefix is prepended to counter names in reports.
const Prefix = "httpcache/"

// Counters lists every counter name in a stable order.
var Counters = []string{Miss, Ignore, Hit, Firsthand, Revalidate, Invalidate, Store, Uncacheable, ErrorRecovery}

// Sink receives counter increments. Implementations must be safe for concurrent use.
type Sink interface {
	Inc(namespace, counter string)
}

// Nop discards increments.
type Nop struct{}

func (Nop) Inc(namespace, counter string) {}

// Multi fans increments out to several sinks.
type Multi []Sink

func (m Multi) Inc(namespace, counter string) {
	for _, s := range m {
		s.Inc(namespace, counter)
	}
}

// Memory keeps counts in process memory.
type Memory struct {
	mu     sync.Mutex
	counts map[string]map[string]int64
}

func NewMemory() *Memory {
	return &Memory{counts: make(map[string]map[string]int64)}
}

func (m *Memory) Inc(namespace, counter string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.counts[namespace]
	if !ok {
		ns = make(map[string]int64)
		m.counts[namespace] = ns
	}
	ns[counter]++
}

func (m *Memory) Get(namespace, counter string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[namespace][counter]
}

// Snapshot returns the prefixed counts of every namespace.
func (m *Memory) Snapshot() map[string]map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]map[string]int64, len(m.counts))
	for ns, counts := range m.counts {
		c := make(map[string]int64, len(counts))
		for name, v := range counts {
			c[Prefix+name] = v
		}
		out[ns] = c
	}
	return out
}

// Namespaces returns the namespaces seen so far, sorted.
func (m *Memory) Namespaces() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.counts))
	for ns := range m.counts {
		names = append(names, ns)
	}
	sort.Strings(names)
	return names
}
