// Package metrics aggregates per-tenant traffic counters and renders them
// in Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Request outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeRateLimited = "rate_limited"
	OutcomeRejected    = "rejected" // resolution, auth, or routing failure
	OutcomeUpstreamErr = "upstream_error"
	OutcomeTimeout     = "timeout"
)

// Latency histogram bucket bounds, in milliseconds.
var bucketBounds = [...]float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

type histogram struct {
	counts [len(bucketBounds) + 1]uint64
	sum    float64
	total  uint64
}

func (h *histogram) observe(ms float64) {
	h.sum += ms
	h.total++
	for i, bound := range bucketBounds {
		if ms <= bound {
			h.counts[i]++
			return
		}
	}
	h.counts[len(bucketBounds)]++
}

// Collector accumulates counters keyed by pipe-joined label values.
type Collector struct {
	mu sync.Mutex

	requests    map[string]uint64 // tenant|service|method|class
	durations   map[string]*histogram
	bytesIn     map[string]uint64 // tenant|service
	bytesOut    map[string]uint64
	rateLimited map[string]uint64 // tenant|service|window
	outcomes    map[string]uint64 // outcome
	retries     uint64

	start time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		requests:    make(map[string]uint64),
		durations:   make(map[string]*histogram),
		bytesIn:     make(map[string]uint64),
		bytesOut:    make(map[string]uint64),
		rateLimited: make(map[string]uint64),
		outcomes:    make(map[string]uint64),
		start:       time.Now(),
	}
}

// RecordRequest accumulates one completed request.
func (c *Collector) RecordRequest(tenantID, serviceID, method string, status int, outcome string, duration time.Duration, bytesIn, bytesOut int64, retries int) {
	if tenantID == "" {
		tenantID = "unresolved"
	}
	if serviceID == "" {
		serviceID = "none"
	}
	pair := tenantID + "|" + serviceID

	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[pair+"|"+method+"|"+statusClass(status)]++
	h := c.durations[pair]
	if h == nil {
		h = &histogram{}
		c.durations[pair] = h
	}
	h.observe(float64(duration.Microseconds()) / 1000)
	if bytesIn > 0 {
		c.bytesIn[pair] += uint64(bytesIn)
	}
	if bytesOut > 0 {
		c.bytesOut[pair] += uint64(bytesOut)
	}
	c.outcomes[outcome]++
	c.retries += uint64(retries)
}

// UptimeSeconds reports seconds since the collector was created.
func (c *Collector) UptimeSeconds() int64 {
	return int64(time.Since(c.start).Seconds())
}

// RecordRateLimited accumulates one rejected request by denying window.
func (c *Collector) RecordRateLimited(tenantID, serviceID, window string) {
	c.mu.Lock()
	c.rateLimited[tenantID+"|"+serviceID+"|"+window]++
	c.mu.Unlock()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}

func splitKey(key string, n int) []string {
	parts := strings.SplitN(key, "|", n)
	for len(parts) < n {
		parts = append(parts, "")
	}
	return parts
}

func writeHelp(w io.Writer, name, typ, help string) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, typ)
}

// sortedKeys keeps the exposition stable between scrapes.
func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WritePrometheus renders every counter in text exposition format.
func (c *Collector) WritePrometheus(w io.Writer, extra map[string]uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	writeHelp(w, "gateway_requests_total", "counter", "Requests by tenant, service, method and status class.")
	for _, k := range sortedKeys(c.requests) {
		p := splitKey(k, 4)
		fmt.Fprintf(w, "gateway_requests_total{tenant=%q,service=%q,method=%q,class=%q} %d\n",
			p[0], p[1], p[2], p[3], c.requests[k])
	}

	writeHelp(w, "gateway_request_duration_ms", "histogram", "Request duration by tenant and service.")
	durKeys := make([]string, 0, len(c.durations))
	for k := range c.durations {
		durKeys = append(durKeys, k)
	}
	sort.Strings(durKeys)
	for _, k := range durKeys {
		p := splitKey(k, 2)
		h := c.durations[k]
		cum := uint64(0)
		for i, bound := range bucketBounds {
			cum += h.counts[i]
			fmt.Fprintf(w, "gateway_request_duration_ms_bucket{tenant=%q,service=%q,le=\"%g\"} %d\n",
				p[0], p[1], bound, cum)
		}
		cum += h.counts[len(bucketBounds)]
		fmt.Fprintf(w, "gateway_request_duration_ms_bucket{tenant=%q,service=%q,le=\"+Inf\"} %d\n", p[0], p[1], cum)
		fmt.Fprintf(w, "gateway_request_duration_ms_sum{tenant=%q,service=%q} %g\n", p[0], p[1], h.sum)
		fmt.Fprintf(w, "gateway_request_duration_ms_count{tenant=%q,service=%q} %d\n", p[0], p[1], h.total)
	}

	writeHelp(w, "gateway_bytes_in_total", "counter", "Request body bytes received, by tenant and service.")
	for _, k := range sortedKeys(c.bytesIn) {
		p := splitKey(k, 2)
		fmt.Fprintf(w, "gateway_bytes_in_total{tenant=%q,service=%q} %d\n", p[0], p[1], c.bytesIn[k])
	}
	writeHelp(w, "gateway_bytes_out_total", "counter", "Response body bytes sent, by tenant and service.")
	for _, k := range sortedKeys(c.bytesOut) {
		p := splitKey(k, 2)
		fmt.Fprintf(w, "gateway_bytes_out_total{tenant=%q,service=%q} %d\n", p[0], p[1], c.bytesOut[k])
	}

	writeHelp(w, "gateway_rate_limited_total", "counter", "Requests denied by the rate limiter, by denying window.")
	for _, k := range sortedKeys(c.rateLimited) {
		p := splitKey(k, 3)
		fmt.Fprintf(w, "gateway_rate_limited_total{tenant=%q,service=%q,window=%q} %d\n",
			p[0], p[1], p[2], c.rateLimited[k])
	}

	writeHelp(w, "gateway_request_outcomes_total", "counter", "Requests by final outcome.")
	for _, k := range sortedKeys(c.outcomes) {
		fmt.Fprintf(w, "gateway_request_outcomes_total{outcome=%q} %d\n", k, c.outcomes[k])
	}

	writeHelp(w, "gateway_upstream_retries_total", "counter", "Retried upstream attempts.")
	fmt.Fprintf(w, "gateway_upstream_retries_total %d\n", c.retries)

	writeHelp(w, "gateway_uptime_seconds", "gauge", "Seconds since the gateway started.")
	fmt.Fprintf(w, "gateway_uptime_seconds %d\n", c.UptimeSeconds())

	// Gauges contributed by other components (limiter degradation, health).
	for _, k := range sortedKeys(extra) {
		fmt.Fprintf(w, "%s %d\n", k, extra[k])
	}
}

// TenantStats summarizes one tenant's traffic for the admin surface.
type TenantStats struct {
	TenantID    string `json:"tenant_id"`
	Requests    uint64 `json:"requests"`
	Errors      uint64 `json:"errors"` // 5xx class
	RateLimited uint64 `json:"rate_limited"`
	BytesIn     uint64 `json:"bytes_in"`
	BytesOut    uint64 `json:"bytes_out"`
}

// ServiceStats summarizes one service's traffic for the admin surface.
// Success counts everything below the 5xx class.
type ServiceStats struct {
	ServiceID    string  `json:"service_id"`
	Requests     uint64  `json:"requests"`
	Errors       uint64  `json:"errors"` // 5xx class
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// Overview is the admin stats payload.
type Overview struct {
	UptimeSeconds int64             `json:"uptime_seconds"`
	Requests      uint64            `json:"requests"`
	Outcomes      map[string]uint64 `json:"outcomes"`
	Retries       uint64            `json:"retries"`
	Tenants       []TenantStats     `json:"tenants"`
	Services      []ServiceStats    `json:"services"`
}

// Snapshot builds the admin overview.
func (c *Collector) Snapshot() Overview {
	c.mu.Lock()
	defer c.mu.Unlock()

	perTenant := make(map[string]*TenantStats)
	tenantOf := func(id string) *TenantStats {
		ts, ok := perTenant[id]
		if !ok {
			ts = &TenantStats{TenantID: id}
			perTenant[id] = ts
		}
		return ts
	}
	perService := make(map[string]*ServiceStats)
	serviceOf := func(id string) *ServiceStats {
		ss, ok := perService[id]
		if !ok {
			ss = &ServiceStats{ServiceID: id}
			perService[id] = ss
		}
		return ss
	}

	var total uint64
	for k, n := range c.requests {
		p := splitKey(k, 4)
		ts := tenantOf(p[0])
		ts.Requests += n
		ss := serviceOf(p[1])
		ss.Requests += n
		if p[3] == "5xx" {
			ts.Errors += n
			ss.Errors += n
		}
		total += n
	}
	for k, n := range c.rateLimited {
		tenantOf(splitKey(k, 3)[0]).RateLimited += n
	}
	for k, n := range c.bytesIn {
		tenantOf(splitKey(k, 2)[0]).BytesIn += n
	}
	for k, n := range c.bytesOut {
		tenantOf(splitKey(k, 2)[0]).BytesOut += n
	}

	// Latency histograms are kept per (tenant, service); fold them down to
	// the service axis for the average.
	type latAgg struct {
		sum   float64
		total uint64
	}
	latencies := make(map[string]*latAgg)
	for k, h := range c.durations {
		id := splitKey(k, 2)[1]
		agg, ok := latencies[id]
		if !ok {
			agg = &latAgg{}
			latencies[id] = agg
		}
		agg.sum += h.sum
		agg.total += h.total
	}

	tenants := make([]TenantStats, 0, len(perTenant))
	for _, ts := range perTenant {
		tenants = append(tenants, *ts)
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].TenantID < tenants[j].TenantID })

	services := make([]ServiceStats, 0, len(perService))
	for id, ss := range perService {
		if ss.Requests > 0 {
			ss.SuccessRate = float64(ss.Requests-ss.Errors) / float64(ss.Requests)
		}
		if agg := latencies[id]; agg != nil && agg.total > 0 {
			ss.AvgLatencyMS = agg.sum / float64(agg.total)
		}
		services = append(services, *ss)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].ServiceID < services[j].ServiceID })

	outcomes := make(map[string]uint64, len(c.outcomes))
	for k, v := range c.outcomes {
		outcomes[k] = v
	}

	return Overview{
		UptimeSeconds: c.UptimeSeconds(),
		Requests:      total,
		Outcomes:      outcomes,
		Retries:       c.retries,
		Tenants:       tenants,
		Services:      services,
	}
}
