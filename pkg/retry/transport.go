package retry

import (
	"io"
	"net/http"

	"go.uber.org/zap"
)

// Transport is an http.RoundTripper that retries retryable outcomes
// synchronously, blocking the calling goroutine between attempts.
type Transport struct {
	base http.RoundTripper
	cfg  config
}

// NewTransport wraps base with the retry policy. A nil base uses
// http.DefaultTransport.
func NewTransport(base http.RoundTripper, opts ...Option) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{base: base, cfg: newConfig(opts)}
}

// RoundTrip implements http.RoundTripper.
//
// Success and TerminalFailure responses are returned unchanged. After
// MaxRetries retryable attempts an *ExhaustedError is returned. Cancelling the
// request context while waiting returns the context error immediately.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	replayable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	attemptReq := req
	retries := 0
	for {
		resp, err := t.base.RoundTrip(attemptReq)

		status := NetworkFailure
		if err == nil {
			status = resp.StatusCode
		}
		verdict := Classify(status)
		if err != nil {
			verdict = RetryableFailure
		}
		t.cfg.hooks.attempt(verdict, status)
		t.cfg.logVerdict(verdict, status, retries)

		if verdict != RetryableFailure {
			t.cfg.logger.Debug("API call completed",
				zap.String("url", req.URL.String()),
				zap.Int("status", status),
				zap.Int("attempts", retries+1),
			)
			return resp, nil
		}

		if !replayable {
			t.cfg.logger.Warn("request body cannot be replayed, not retrying",
				zap.String("url", req.URL.String()),
			)
			return resp, err
		}

		if retries >= t.cfg.maxRetries {
			drain(resp)
			t.cfg.hooks.exhausted(status, retries)
			t.cfg.logger.Error("request failed after retries",
				zap.String("url", req.URL.String()),
				zap.Int("status", status),
				zap.Int("attempts", retries),
				zap.Error(err),
			)
			return nil, &ExhaustedError{StatusCode: status, Attempts: retries, Err: err}
		}

		retries++
		t.cfg.hooks.retry(retries, status)
		t.cfg.logger.Debug("Response KO, retrying API call",
			zap.Int("status", status),
			zap.Int("attempt", retries),
			zap.Int("max_retries", t.cfg.maxRetries),
		)
		drain(resp)

		if werr := t.cfg.clock.Sleep(ctx, t.cfg.interval); werr != nil {
			return nil, werr
		}

		next, cerr := rewind(req)
		if cerr != nil {
			return nil, cerr
		}
		attemptReq = next
	}
}

// rewind builds a fresh, logically identical copy of req for another attempt.
func rewind(req *http.Request) (*http.Request, error) {
	next := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		next.Body = body
	}
	return next, nil
}

// drain releases the connection held by a discarded response.
func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
