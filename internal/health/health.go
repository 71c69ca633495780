// Package health probes upstream services on a fixed interval and keeps a
// short classification history per service.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wharflabs/wharf/internal/config"
	"github.com/wharflabs/wharf/internal/logging"
	"github.com/wharflabs/wharf/internal/registry"
)

// Service status classifications.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded" // responding, but slower than the latency bar
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown" // never probed
)

// Sample is one probe observation.
type Sample struct {
	Status     string    `json:"status"`
	StatusCode int       `json:"status_code,omitempty"`
	LatencyMS  float64   `json:"latency_ms"`
	CheckedAt  time.Time `json:"checked_at"`
	Error      string    `json:"error,omitempty"`
}

// ring is a fixed-size probe history, oldest samples evicted first.
type ring struct {
	samples []Sample
	next    int
	count   int
}

func newRing(size int) *ring {
	return &ring{samples: make([]Sample, size)}
}

func (r *ring) push(s Sample) {
	r.samples[r.next] = s
	r.next = (r.next + 1) % len(r.samples)
	if r.count < len(r.samples) {
		r.count++
	}
}

// list returns samples oldest-first.
func (r *ring) list() []Sample {
	out := make([]Sample, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.samples)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.samples[(start+i)%len(r.samples)])
	}
	return out
}

type serviceState struct {
	mu      sync.RWMutex
	current Sample
	history *ring
}

// ServiceHealth is the externally visible state of one service.
type ServiceHealth struct {
	ServiceID string   `json:"service_id"`
	Sample             // embedded current observation
	History   []Sample `json:"history,omitempty"`
}

// Aggregator owns the probe loop and the per-service state.
type Aggregator struct {
	reg    *registry.Registry
	cfg    config.HealthConfig
	client *http.Client
	log    *zap.Logger

	mu     sync.RWMutex
	states map[string]*serviceState

	group singleflight.Group
	stop  chan struct{}
	once  sync.Once
}

// New creates an aggregator over the registry. Call Run to start probing.
func New(reg *registry.Registry, cfg config.HealthConfig) *Aggregator {
	return &Aggregator{
		reg: reg,
		cfg: cfg,
		client: &http.Client{
			// Per-probe timeouts come from the request context.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log:    logging.Component("health"),
		states: make(map[string]*serviceState),
		stop:   make(chan struct{}),
	}
}

// Run probes every service once immediately, then on the configured
// interval until Stop is called. Blocks; run it in a goroutine.
func (a *Aggregator) Run() {
	a.probeAll()
	ticker := time.NewTicker(a.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.probeAll()
		}
	}
}

// Stop halts the probe loop.
func (a *Aggregator) Stop() {
	a.once.Do(func() { close(a.stop) })
}

// probeAll fans out one probe per service and waits for the round to finish.
func (a *Aggregator) probeAll() {
	services := a.reg.List()
	var wg sync.WaitGroup
	for _, svc := range services {
		wg.Add(1)
		go func(svc *registry.Service) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					a.log.Error("probe panicked",
						zap.String("service", svc.ID),
						zap.Any("panic", r))
				}
			}()
			a.record(svc.ID, a.probe(svc))
		}(svc)
	}
	wg.Wait()
}

// probe performs one health check against the service's health path.
func (a *Aggregator) probe(svc *registry.Service) Sample {
	timeout := svc.Timeout
	if a.cfg.ProbeTimeoutCap > 0 && timeout > a.cfg.ProbeTimeoutCap {
		timeout = a.cfg.ProbeTimeoutCap
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	target := *svc.URL()
	target.Path = singleJoiningSlash(target.Path, svc.HealthPath)

	start := time.Now()
	sample := Sample{CheckedAt: start}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		sample.Status = StatusUnhealthy
		sample.Error = err.Error()
		return sample
	}
	resp, err := a.client.Do(req)
	latency := time.Since(start)
	sample.LatencyMS = float64(latency.Microseconds()) / 1000
	if err != nil {
		sample.Status = StatusUnhealthy
		sample.Error = err.Error()
		return sample
	}
	resp.Body.Close()
	sample.StatusCode = resp.StatusCode

	switch {
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		sample.Status = StatusUnhealthy
	case latency > a.cfg.DegradedLatency:
		sample.Status = StatusDegraded
	default:
		sample.Status = StatusHealthy
	}
	return sample
}

func (a *Aggregator) record(serviceID string, s Sample) {
	st := a.state(serviceID)
	st.mu.Lock()
	prev := st.current.Status
	st.current = s
	st.history.push(s)
	st.mu.Unlock()

	if prev != "" && prev != s.Status {
		a.log.Info("service health changed",
			zap.String("service", serviceID),
			zap.String("from", prev),
			zap.String("to", s.Status))
	}
}

func (a *Aggregator) state(serviceID string) *serviceState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.states[serviceID]
	if !ok {
		st = &serviceState{history: newRing(a.cfg.HistorySize)}
		a.states[serviceID] = st
	}
	return st
}

// CheckNow probes one service immediately. Concurrent calls for the same
// service collapse into a single probe whose result everyone shares.
func (a *Aggregator) CheckNow(serviceID string) (ServiceHealth, bool) {
	svc := a.reg.Get(serviceID)
	if svc == nil {
		return ServiceHealth{}, false
	}
	v, _, _ := a.group.Do(serviceID, func() (interface{}, error) {
		s := a.probe(svc)
		a.record(serviceID, s)
		return s, nil
	})
	return ServiceHealth{ServiceID: serviceID, Sample: v.(Sample)}, true
}

// Service returns the current state of one service.
func (a *Aggregator) Service(serviceID string, withHistory bool) (ServiceHealth, bool) {
	if a.reg.Get(serviceID) == nil {
		return ServiceHealth{}, false
	}
	return a.snapshot(serviceID, withHistory), true
}

// Services returns the state of every registered service.
func (a *Aggregator) Services() []ServiceHealth {
	services := a.reg.List()
	out := make([]ServiceHealth, 0, len(services))
	for _, svc := range services {
		out = append(out, a.snapshot(svc.ID, false))
	}
	return out
}

func (a *Aggregator) snapshot(serviceID string, withHistory bool) ServiceHealth {
	a.mu.RLock()
	st := a.states[serviceID]
	a.mu.RUnlock()
	if st == nil {
		return ServiceHealth{ServiceID: serviceID, Sample: Sample{Status: StatusUnknown}}
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	h := ServiceHealth{ServiceID: serviceID, Sample: st.current}
	if h.Status == "" {
		h.Status = StatusUnknown
	}
	if withHistory {
		h.History = st.history.list()
	}
	return h
}

// Overall folds per-service states into one gateway-level classification:
// unhealthy as soon as any service is unhealthy, degraded when any service
// is degraded, healthy only when every service is healthy.
func (a *Aggregator) Overall() string {
	services := a.Services()
	if len(services) == 0 {
		return StatusUnknown
	}
	healthy, unhealthy, unknown := 0, 0, 0
	for _, s := range services {
		switch s.Status {
		case StatusHealthy:
			healthy++
		case StatusUnhealthy:
			unhealthy++
		case StatusUnknown:
			unknown++
		}
	}
	switch {
	case unknown == len(services):
		return StatusUnknown
	case unhealthy > 0:
		return StatusUnhealthy
	case healthy == len(services):
		return StatusHealthy
	default:
		return StatusDegraded
	}
}

func singleJoiningSlash(a, b string) string {
	aslash := len(a) > 0 && a[len(a)-1] == '/'
	bslash := len(b) > 0 && b[0] == '/'
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
