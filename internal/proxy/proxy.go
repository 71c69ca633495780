// Package proxy forwards requests to upstream services: header rewriting,
// streaming bodies, bounded retries, and upstream error mapping.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/wharflabs/wharf/internal/config"
	gwerrors "github.com/wharflabs/wharf/internal/errors"
	"github.com/wharflabs/wharf/internal/logging"
	"github.com/wharflabs/wharf/internal/registry"
	"github.com/wharflabs/wharf/internal/requestctx"
	"github.com/wharflabs/wharf/internal/retry"
)

// Bodies up to this size are buffered so an idempotent request can be
// replayed; larger bodies stream through and disable retries.
const maxReplayBody = 1 << 20

// Proxy forwards requests to upstreams through the shared pool.
type Proxy struct {
	pool  *Pool
	cfg   config.UpstreamConfig
	debug bool
	log   *zap.Logger

	totalRetries atomic.Uint64
}

// New creates a proxy over the given pool. debug enables the
// X-Gateway-Upstream response header.
func New(pool *Pool, cfg config.UpstreamConfig, debug bool) *Proxy {
	return &Proxy{
		pool:  pool,
		cfg:   cfg,
		debug: debug,
		log:   logging.Component("proxy"),
	}
}

// TotalRetries returns retried attempts across all services.
func (p *Proxy) TotalRetries() uint64 { return p.totalRetries.Load() }

// Forward proxies the request to svc. A non-nil return means no response
// bytes were written and the caller should render the error; nil means the
// upstream response was streamed to the client.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, rc *requestctx.RequestContext, svc *registry.Service) *gwerrors.GatewayError {
	// Effective budget: the service timeout, shrunk to the client's own
	// deadline when that is sooner.
	timeout := svc.Timeout
	if dl, ok := r.Context().Deadline(); ok {
		if remaining := time.Until(dl); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return gwerrors.ErrUpstreamTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	rc.Deadline = time.Now().Add(timeout)

	u := p.pool.get(svc.URL().Host)
	if !u.acquire() {
		return gwerrors.ErrUpstreamOverloaded
	}
	defer u.release()

	policy := retry.NewPolicy(svc.Retry.Attempts, svc.Retry.BaseBackoff, timeout)
	replay, body, gwErr := p.prepareBody(r, policy)
	if gwErr != nil {
		return gwErr
	}

	bo := policy.Backoff()
	for attempt := 0; ; attempt++ {
		out, err := p.outboundRequest(ctx, r, rc, svc, body(attempt))
		if err != nil {
			return gwerrors.ErrGatewayInternal.WithCause(err)
		}

		resp, err := u.breaker.Execute(func() (*http.Response, error) {
			return u.transport.RoundTrip(out)
		})
		if err != nil {
			mapped, transient := classify(err)
			if transient && replay && policy.ShouldRetry(r.Method, attempt) && p.sleep(ctx, bo) {
				rc.Retries++
				policy.RecordRetry()
				p.totalRetries.Add(1)
				continue
			}
			if transient && replay && policy.Attempts > 0 && retry.RetryableMethod(r.Method) {
				policy.RecordExhausted()
			}
			return mapped
		}

		// Retry on transient status only before any byte has been released
		// to the client, which is always true here: streaming starts below.
		// The body is drained only once the retry is committed, so a spent
		// budget still passes the upstream response through untouched.
		if retry.RetryableStatus(resp.StatusCode) && replay &&
			policy.ShouldRetry(r.Method, attempt) && p.sleep(ctx, bo) {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			rc.Retries++
			policy.RecordRetry()
			p.totalRetries.Add(1)
			continue
		}

		p.writeResponse(w, resp, rc, svc)
		return nil
	}
}

// prepareBody decides how the request body travels. Idempotent requests with
// small bodies are buffered so each attempt gets a fresh reader; anything
// else streams once and disables retries. The returned func yields the body
// for a given attempt.
func (p *Proxy) prepareBody(r *http.Request, policy *retry.Policy) (replayable bool, body func(attempt int) io.Reader, gwErr *gwerrors.GatewayError) {
	if r.Body == nil || r.ContentLength == 0 {
		return true, func(int) io.Reader { return nil }, nil
	}
	canRetry := policy.Attempts > 0 && retry.RetryableMethod(r.Method)
	if !canRetry || r.ContentLength > maxReplayBody || r.ContentLength < 0 {
		return false, func(int) io.Reader { return r.Body }, nil
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, maxReplayBody+1))
	if err != nil {
		return false, nil, gwerrors.ErrBadRequest.WithDetails("reading request body").WithCause(err)
	}
	if int64(len(buf)) > maxReplayBody {
		// Declared length lied; stream the rest without replay.
		return false, func(int) io.Reader {
			return io.MultiReader(bytes.NewReader(buf), r.Body)
		}, nil
	}
	return true, func(int) io.Reader { return bytes.NewReader(buf) }, nil
}

// outboundRequest builds the upstream request for one attempt.
func (p *Proxy) outboundRequest(ctx context.Context, r *http.Request, rc *requestctx.RequestContext, svc *registry.Service, body io.Reader) (*http.Request, error) {
	target := svc.URL()
	outPath := r.URL.Path
	if svc.StripPrefix {
		outPath = stripPrefix(outPath, svc.PathPrefix)
	}

	outURL := *target
	outURL.Path = singleJoiningSlash(target.Path, outPath)
	outURL.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(ctx, r.Method, outURL.String(), body)
	if err != nil {
		return nil, err
	}
	out.Header = r.Header.Clone()
	removeHopHeaders(out.Header)
	if svc.StripAuth {
		out.Header.Del("Authorization")
	}

	appendForwardedFor(out.Header, rc.ClientAddr)
	out.Header.Set("X-Forwarded-Host", r.Host)
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	out.Header.Set("X-Forwarded-Proto", scheme)
	out.Header.Set("X-Tenant-ID", rc.TenantID)
	out.Header.Set("X-Request-ID", rc.RequestID)
	out.Header.Set("X-Gateway-Trace", rc.TraceID)

	out.Host = target.Host
	if body != nil && r.ContentLength > 0 {
		out.ContentLength = r.ContentLength
	}
	return out, nil
}

// writeResponse relays the upstream response to the client, streaming the
// body with periodic flushes.
func (p *Proxy) writeResponse(w http.ResponseWriter, resp *http.Response, rc *requestctx.RequestContext, svc *registry.Service) {
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	copyHeader(w.Header(), resp.Header)
	w.Header().Set("Server", ServerName)
	if p.debug {
		w.Header().Set("X-Gateway-Upstream", svc.ID)
	}
	w.WriteHeader(resp.StatusCode)
	rc.UpstreamStatus = resp.StatusCode

	dst := io.Writer(w)
	if f, ok := w.(http.Flusher); ok {
		fw := &flushWriter{w: w, f: f, interval: p.cfg.FlushInterval}
		defer fw.stop()
		dst = fw
	}

	n, err := io.Copy(dst, resp.Body)
	rc.BytesOut = n
	if err != nil {
		// Bytes already left the building; the only honest signal is to
		// sever the connection so the client sees a truncated body.
		p.log.Warn("upstream body copy aborted",
			zap.String("service", svc.ID),
			zap.Int64("bytes", n),
			zap.Error(err))
		panic(http.ErrAbortHandler)
	}
}

// sleep waits for the next backoff interval. Returns false when the budget
// or the request context is exhausted.
func (p *Proxy) sleep(ctx context.Context, bo backoff.BackOff) bool {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// classify maps a transport error to the client-facing taxonomy and reports
// whether the failure is worth retrying.
func classify(err error) (*gwerrors.GatewayError, bool) {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return gwerrors.ErrUpstreamOverloaded, false
	case errors.Is(err, context.DeadlineExceeded):
		return gwerrors.ErrUpstreamTimeout.WithCause(err), false
	case errors.Is(err, context.Canceled):
		// Client went away; nobody is listening for the answer.
		return gwerrors.ErrUpstreamUnavailable.WithCause(err), false
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return gwerrors.ErrUpstreamTimeout.WithCause(err), false
	}
	return gwerrors.ErrUpstreamUnavailable.WithCause(err), true
}

// flushWriter flushes buffered response bytes at most every interval, so
// long-lived streams reach the client promptly without flushing every write.
type flushWriter struct {
	w        io.Writer
	f        http.Flusher
	interval time.Duration
	last     time.Time
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.interval <= 0 || time.Since(fw.last) >= fw.interval {
		fw.f.Flush()
		fw.last = time.Now()
	}
	return n, err
}

func (fw *flushWriter) stop() {
	fw.f.Flush()
}
