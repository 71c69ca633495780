package proxy

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/wharflabs/wharf/internal/config"
	"github.com/wharflabs/wharf/internal/logging"
)

// upstream bundles the per-origin connection pool, circuit breaker, and
// in-flight cap. One exists per upstream host.
type upstream struct {
	transport *http.Transport
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	inflight  chan struct{}
}

// acquire claims an in-flight slot, waiting briefly before giving up.
func (u *upstream) acquire() bool {
	select {
	case u.inflight <- struct{}{}:
		return true
	default:
	}
	t := time.NewTimer(50 * time.Millisecond)
	defer t.Stop()
	select {
	case u.inflight <- struct{}{}:
		return true
	case <-t.C:
		return false
	}
}

func (u *upstream) release() {
	<-u.inflight
}

// Pool hands out one upstream per origin host, created lazily.
type Pool struct {
	mu        sync.Mutex
	upstreams map[string]*upstream
	cfg       config.UpstreamConfig
}

// NewPool creates an empty upstream pool.
func NewPool(cfg config.UpstreamConfig) *Pool {
	return &Pool{
		upstreams: make(map[string]*upstream),
		cfg:       cfg,
	}
}

func (p *Pool) get(host string) *upstream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u, ok := p.upstreams[host]; ok {
		return u
	}

	u := &upstream{
		transport: p.newTransport(),
		inflight:  make(chan struct{}, p.cfg.MaxInFlight),
		breaker: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        host,
			MaxRequests: 5,
			Interval:    60 * time.Second,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.Requests >= 10 && float64(c.TotalFailures)/float64(c.Requests) >= 0.6
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Warn("upstream breaker state change",
					zap.String("upstream", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
	}
	p.upstreams[host] = u
	return u
}

func (p *Pool) newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          p.cfg.MaxIdleConns * 2,
		MaxIdleConnsPerHost:   p.cfg.MaxIdleConns,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// CloseIdle drops idle connections across all upstreams.
func (p *Pool) CloseIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.upstreams {
		u.transport.CloseIdleConnections()
	}
}
