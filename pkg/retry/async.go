package retry

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// ErrClosed is reported to callbacks of calls that were enqueued, or were
// waiting for a retry, after the executor was closed.
var ErrClosed = errors.New("retry: executor closed")

// Callback receives the final outcome of an asynchronous call. Exactly one of
// the two functions is invoked per Enqueue.
type Callback struct {
	OnSuccess func(resp *http.Response)
	OnError   func(err error)
}

// Async issues requests without blocking the caller and re-submits retryable
// outcomes from a timer instead of sleeping on a shared goroutine.
type Async struct {
	base http.RoundTripper
	cfg  config

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsync returns an asynchronous executor over base. base must not retry on
// its own, otherwise attempts multiply.
func NewAsync(base http.RoundTripper, opts ...Option) *Async {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Async{base: base, cfg: newConfig(opts)}
}

// attemptState is everything the next attempt of one logical call needs.
type attemptState struct {
	req     *http.Request
	attempt int // retries already performed
	cb      Callback
	once    *sync.Once
}

// Enqueue starts req in the background and reports through cb. After Close
// the call is not issued and cb.OnError receives ErrClosed.
func (a *Async) Enqueue(req *http.Request, cb Callback) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		if cb.OnError != nil {
			cb.OnError(ErrClosed)
		}
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	st := attemptState{req: req, cb: cb, once: new(sync.Once)}
	go a.run(st)
}

// Wait blocks until every enqueued call has fired its callback.
func (a *Async) Wait() {
	a.wg.Wait()
}

// Close stops accepting calls and waits for the outstanding ones. Attempts
// already on the wire finish normally; a retry that comes due afterwards is
// not issued and its call fails with ErrClosed.
func (a *Async) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Async) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Async) run(st attemptState) {
	attemptReq := st.req
	if st.attempt > 0 {
		next, err := rewind(st.req)
		if err != nil {
			a.fail(st, err)
			return
		}
		attemptReq = next
	}

	resp, err := a.base.RoundTrip(attemptReq)

	status := NetworkFailure
	verdict := RetryableFailure
	if err == nil {
		status = resp.StatusCode
		verdict = Classify(status)
	}
	a.cfg.hooks.attempt(verdict, status)
	a.cfg.logVerdict(verdict, status, st.attempt)

	if verdict != RetryableFailure {
		a.cfg.logger.Debug("async API call completed",
			zap.Int("status", status),
			zap.Int("attempts", st.attempt+1),
		)
		a.succeed(st, resp)
		return
	}

	if replayable := st.req.Body == nil || st.req.Body == http.NoBody || st.req.GetBody != nil; !replayable {
		a.cfg.logger.Warn("request body cannot be replayed, not retrying")
		if err != nil {
			a.fail(st, err)
			return
		}
		a.succeed(st, resp)
		return
	}

	if st.attempt >= a.cfg.maxRetries {
		drain(resp)
		a.cfg.hooks.exhausted(status, st.attempt)
		if err != nil {
			a.fail(st, err)
			return
		}
		a.fail(st, &ExhaustedError{StatusCode: status, Attempts: st.attempt})
		return
	}
	drain(resp)
	if a.isClosed() {
		a.fail(st, ErrClosed)
		return
	}

	next := st
	next.attempt++
	a.cfg.hooks.retry(next.attempt, status)
	a.cfg.logger.Debug("Response KO, retrying async API call",
		zap.Int("status", status),
		zap.Int("attempt", next.attempt),
		zap.Int("max_retries", a.cfg.maxRetries),
	)

	a.cfg.clock.AfterFunc(a.cfg.interval, func() {
		if cerr := next.req.Context().Err(); cerr != nil {
			a.fail(next, cerr)
			return
		}
		if a.isClosed() {
			a.fail(next, ErrClosed)
			return
		}
		a.run(next)
	})
}

func (a *Async) succeed(st attemptState, resp *http.Response) {
	st.once.Do(func() {
		defer a.wg.Done()
		if st.cb.OnSuccess != nil {
			st.cb.OnSuccess(resp)
		} else {
			drain(resp)
		}
	})
}

func (a *Async) fail(st attemptState, err error) {
	st.once.Do(func() {
		defer a.wg.Done()
		fields := []zap.Field{zap.Int("attempts", st.attempt), zap.Error(err)}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrClosed) {
			a.cfg.logger.Debug("async API call abandoned", fields...)
		} else {
			a.cfg.logger.Error("async API call failed", fields...)
		}
		if st.cb.OnError != nil {
			st.cb.OnError(err)
		}
	})
}
