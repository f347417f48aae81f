package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// RequestIDHeader carries the identifier of one logical call. Every retry of
// that call repeats it.
const RequestIDHeader = "X-Request-Id"

func newRequestID() string { return uuid.NewString() }

// requestID stamps outgoing requests that do not carry an id yet.
type requestID struct {
	base http.RoundTripper
}

func (t *requestID) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get(RequestIDHeader) != "" {
		return t.base.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.Header.Set(RequestIDHeader, newRequestID())
	return t.base.RoundTrip(r)
}

// ── stall guard ─────────────────────────────────────────────────────────────

// stallError reports that an attempt made no progress for the configured
// timeout. It is a net.Error with Timeout() == true.
type stallError struct{ d time.Duration }

func (e *stallError) Error() string   { return fmt.Sprintf("transport: no progress within %s", e.d) }
func (e *stallError) Timeout() bool   { return true }
func (e *stallError) Temporary() bool { return true }

// stallGuard aborts an attempt when neither the request write, the response
// headers, nor any body read make progress within timeout. Unlike a
// connection deadline it leaves idle pooled connections alone.
type stallGuard struct {
	base    http.RoundTripper
	timeout time.Duration
}

func (g *stallGuard) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancelCause(req.Context())
	stall := &stallError{d: g.timeout}
	timer := time.AfterFunc(g.timeout, func() { cancel(stall) })

	resp, err := g.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		timer.Stop()
		cause := context.Cause(ctx)
		cancel(nil)
		if cause == stall {
			return nil, stall
		}
		return nil, err
	}
	timer.Reset(g.timeout)
	resp.Body = &guardedBody{rc: resp.Body, ctx: ctx, timer: timer, timeout: g.timeout, cancel: cancel, stall: stall}
	return resp, nil
}

type guardedBody struct {
	rc      io.ReadCloser
	ctx     context.Context
	timer   *time.Timer
	timeout time.Duration
	cancel  context.CancelCauseFunc
	stall   *stallError
}

func (b *guardedBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if n > 0 {
		b.timer.Reset(b.timeout)
	}
	if err != nil && context.Cause(b.ctx) == b.stall {
		return n, b.stall
	}
	return n, err
}

func (b *guardedBody) Close() error {
	b.timer.Stop()
	err := b.rc.Close()
	b.cancel(nil)
	return err
}

// ── rate limiter ────────────────────────────────────────────────────────────

type hostLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter is a per-host token bucket applied to every attempt, retries
// included. Waiting honours the request context.
type rateLimiter struct {
	base  http.RoundTripper
	rps   rate.Limit
	burst int

	mu        sync.Mutex
	limiters  map[string]*hostLimiter
	lastSweep time.Time
}

func newRateLimiter(base http.RoundTripper, rps float64, burst int) *rateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &rateLimiter{
		base:      base,
		rps:       rate.Limit(rps),
		burst:     burst,
		limiters:  make(map[string]*hostLimiter),
		lastSweep: time.Now(),
	}
}

func (l *rateLimiter) limiterFor(host string) *rate.Limiter {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	// Stale entries are dropped every 5 minutes.
	if now.Sub(l.lastSweep) > 5*time.Minute {
		for h, hl := range l.limiters {
			if now.Sub(hl.lastSeen) > 10*time.Minute {
				delete(l.limiters, h)
			}
		}
		l.lastSweep = now
	}

	hl, ok := l.limiters[host]
	if !ok {
		hl = &hostLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[host] = hl
	}
	hl.lastSeen = now
	return hl.limiter
}

func (l *rateLimiter) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := l.limiterFor(req.URL.Host).Wait(req.Context()); err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return l.base.RoundTrip(req)
}
