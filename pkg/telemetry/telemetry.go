// Package telemetry implements the gateway's metrics registry: named
// counters, gauges and a duration histogram, guarded by a single mutex
// rather than a full Prometheus client, since the surface here is small
// and fixed. GET /metrics renders the registry in Prometheus text format.
package telemetry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry holds every named metric the gateway exposes.
type Registry struct {
	mu         sync.Mutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string]*histogram
}

// histogram is a fixed-bucket latency histogram, matching the Prometheus
// client's bucket/count/sum model closely enough to render in text format.
type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	total   uint64
}

var defaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

func newHistogram() *histogram {
	return &histogram{
		buckets: defaultBuckets,
		counts:  make([]uint64, len(defaultBuckets)),
	}
}

func (h *histogram) observe(v float64) {
	h.sum += v
	h.total++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
			break
		}
	}
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]*histogram),
	}
}

func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, `%s=%q`, k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

// IncCounter increments a named counter, optionally with labels.
func (r *Registry) IncCounter(name string, labels map[string]string) {
	key := metricKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[key]++
}

// SetGauge sets a named gauge to an absolute value.
func (r *Registry) SetGauge(name string, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[name] = v
}

// AddGauge adds delta (which may be negative) to a named gauge.
func (r *Registry) AddGauge(name string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[name] += delta
}

// ObserveDuration records a duration (seconds) in a named histogram.
func (r *Registry) ObserveDuration(name string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.histograms[name]
	if !ok {
		h = newHistogram()
		r.histograms[name] = h
	}
	h.observe(d.Seconds())
}

// Render produces a Prometheus text-exposition-format dump of every metric
// currently in the registry.
func (r *Registry) Render() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	for _, name := range sortedKeys(r.counters) {
		fmt.Fprintf(&b, "%s %v\n", name, r.counters[name])
	}
	for _, name := range sortedKeys(r.gauges) {
		fmt.Fprintf(&b, "%s %v\n", name, r.gauges[name])
	}
	for name, h := range r.histograms {
		cumulative := uint64(0)
		for i, bound := range h.buckets {
			cumulative += h.counts[i]
			fmt.Fprintf(&b, "%s_bucket{le=%q} %d\n", name, formatBound(bound), cumulative)
		}
		fmt.Fprintf(&b, "%s_bucket{le=\"+Inf\"} %d\n", name, h.total)
		fmt.Fprintf(&b, "%s_sum %v\n", name, h.sum)
		fmt.Fprintf(&b, "%s_count %d\n", name, h.total)
	}
	return b.String()
}

func formatBound(f float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", f), "0"), ".")
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Named metric identifiers the pipeline and HTTP layer record against.
const (
	VerifyTotal           = "casf_verify_total"
	VerifyDecisionTotal   = "casf_verify_decision_total"
	VerifyInFlight        = "casf_verify_in_flight"
	VerifyDurationSeconds = "casf_verify_duration_seconds"
	ReplayHitTotal        = "casf_replay_hit_total"
	ReplayMismatchTotal   = "casf_replay_mismatch_total"
	ReplayConcurrentTotal = "casf_replay_concurrent_total"
	FailClosedTotal       = "casf_fail_closed_total"
	RateLimitDenyTotal    = "casf_rate_limit_deny_total"
	OPAErrorTotal         = "casf_opa_error_total"
)
