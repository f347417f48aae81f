// Package transport assembles the one network stack a client Manager shares
// between all of its service proxies: a pooled mutual-TLS *http.Transport
// wrapped by the retry policy, an asynchronous executor over the same pool,
// and a lazily connecting gRPC channel using the same TLS configuration.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/grpc"

	"github.com/jmerrifield20/mtlsclient/pkg/codec"
	"github.com/jmerrifield20/mtlsclient/pkg/retry"
)

// maxResponseBody bounds how much of a response Call buffers.
const maxResponseBody = 10 << 20

// ErrBaseURL is returned by New when Options.BaseURL is not an absolute URL.
var ErrBaseURL = errors.New("transport: base URL must be an absolute http(s) URL")

// Options describes the transport to build. Values are used as given;
// client.Config is where defaults are applied.
type Options struct {
	BaseURL   string
	TLSConfig *tls.Config

	// Timeout bounds connect, TLS handshake, and every period without read
	// or write progress on a call.
	Timeout         time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration

	MaxRetries    int
	RetryInterval time.Duration
	RetryHooks    retry.Hooks
	RetryClock    retry.Clock

	// RateLimit is the steady-state attempts per second; 0 disables it.
	RateLimit float64
	RateBurst int

	// TokenSource, when set, adds an Authorization: Bearer header to every
	// HTTP request and gRPC call.
	TokenSource oauth2.TokenSource

	// GRPCTarget defaults to the host of BaseURL, port 443 when absent.
	GRPCTarget string

	Logger *zap.Logger
}

// Result is the outcome of a Call that reached the server. A TerminalFailure
// (4xx) is a Result, not an error.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Verdict classifies the result's status code.
func (r *Result) Verdict() retry.Verdict { return retry.Classify(r.StatusCode) }

// Transport is safe for concurrent use.
type Transport struct {
	baseURL *url.URL
	pool    *http.Transport
	client  *http.Client
	async   *retry.Async
	conn    *grpc.ClientConn
	logger  *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// New builds the HTTP pool, retry layers and gRPC channel described by opts.
// No connection is opened until the first call.
func New(opts Options) (*Transport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	base, err := parseBaseURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: opts.Timeout, KeepAlive: 30 * time.Second}
	pool := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       opts.TLSConfig,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          opts.MaxIdleConns,
		MaxIdleConnsPerHost:   opts.MaxIdleConns,
		IdleConnTimeout:       opts.IdleConnTimeout,
		TLSHandshakeTimeout:   opts.Timeout,
		ResponseHeaderTimeout: opts.Timeout,
		ExpectContinueTimeout: time.Second,
	}

	// Per-attempt layers shared by the sync and async paths.
	var attempt http.RoundTripper = pool
	if opts.Timeout > 0 {
		attempt = &stallGuard{base: attempt, timeout: opts.Timeout}
	}
	if opts.RateLimit > 0 {
		attempt = newRateLimiter(attempt, opts.RateLimit, opts.RateBurst)
	}

	retryOpts := []retry.Option{
		retry.WithMaxRetries(opts.MaxRetries),
		retry.WithInterval(opts.RetryInterval),
		retry.WithHooks(opts.RetryHooks),
		retry.WithLogger(logger),
		retry.WithClock(opts.RetryClock),
	}

	syncChain := withCallLayers(retry.NewTransport(attempt, retryOpts...), opts.TokenSource)
	asyncChain := withCallLayers(attempt, opts.TokenSource)

	conn, err := dialGRPC(grpcTarget(opts.GRPCTarget, base), opts, retryOpts)
	if err != nil {
		pool.CloseIdleConnections()
		return nil, err
	}

	t := &Transport{
		baseURL: base,
		pool:    pool,
		client:  &http.Client{Transport: syncChain},
		async:   retry.NewAsync(asyncChain, retryOpts...),
		conn:    conn,
		logger:  logger,
	}
	logger.Info("transport built",
		zap.String("base_url", base.String()),
		zap.String("grpc_target", conn.Target()),
		zap.Int("max_idle_conns", opts.MaxIdleConns),
		zap.Duration("idle_conn_timeout", opts.IdleConnTimeout),
		zap.Duration("timeout", opts.Timeout),
	)
	return t, nil
}

// withCallLayers adds the layers that run once per logical call.
func withCallLayers(next http.RoundTripper, ts oauth2.TokenSource) http.RoundTripper {
	next = &requestID{base: next}
	if ts != nil {
		next = &oauth2.Transport{Source: ts, Base: next}
	}
	return next
}

func parseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBaseURL, err)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrBaseURL, raw)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u, nil
}

// HTTPClient returns the retrying client. Its responses follow the retry
// contract: 2xx and 4xx are returned, exhaustion is a *retry.ExhaustedError.
func (t *Transport) HTTPClient() *http.Client { return t.client }

// BaseURL returns the normalized base URL, always ending in "/".
func (t *Transport) BaseURL() string { return t.baseURL.String() }

// Conn returns the shared gRPC channel.
func (t *Transport) Conn() *grpc.ClientConn { return t.conn }

// ResolveURL resolves path against the base URL. A leading "/" is ignored so
// that base paths are preserved.
func (t *Transport) ResolveURL(path string) (string, error) {
	ref, err := url.Parse(strings.TrimLeft(path, "/"))
	if err != nil {
		return "", fmt.Errorf("parse path %q: %w", path, err)
	}
	if ref.IsAbs() {
		return "", fmt.Errorf("path %q must be relative to %s", path, t.baseURL)
	}
	return t.baseURL.ResolveReference(ref).String(), nil
}

// NewRequest builds a JSON request for path relative to the base URL. in is
// encoded with the codec when non-nil.
func (t *Transport) NewRequest(ctx context.Context, method, path string, in any) (*http.Request, error) {
	target, err := t.ResolveURL(path)
	if err != nil {
		return nil, err
	}
	var body io.Reader
	if in != nil {
		b, err := codec.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", codec.ContentType)
	}
	req.Header.Set("Accept", codec.ContentType)
	return req, nil
}

// Call issues method path with the JSON-encoded in and decodes a 2xx body into
// out. in and out may be nil.
func (t *Transport) Call(ctx context.Context, method, path string, in, out any) (*Result, error) {
	req, err := t.NewRequest(ctx, method, path, in)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	res := &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}

	if out != nil && res.Verdict() == retry.Success && len(body) > 0 {
		if err := codec.Unmarshal(body, out); err != nil {
			return res, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return res, nil
}

// Enqueue sends req through the asynchronous executor. cb receives exactly
// one outcome, retry.ErrClosed once the transport is closed. The request
// keeps one X-Request-Id across its attempts.
func (t *Transport) Enqueue(req *http.Request, cb retry.Callback) {
	if req.Header.Get(RequestIDHeader) == "" {
		req.Header.Set(RequestIDHeader, newRequestID())
	}
	t.async.Enqueue(req, cb)
}

// Wait blocks until every enqueued call has reported.
func (t *Transport) Wait() { t.async.Wait() }

// Close waits for outstanding Enqueue calls, then releases pooled connections
// and the gRPC channel. Retries that come due during Close are not issued;
// their callbacks receive retry.ErrClosed. It is safe to call more than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.async.Close()
		t.pool.CloseIdleConnections()
		if err := t.conn.Close(); err != nil {
			t.closeErr = fmt.Errorf("close grpc channel: %w", err)
		}
		t.logger.Info("transport closed")
	})
	return t.closeErr
}
