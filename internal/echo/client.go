package echo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/jmerrifield20/mtlsclient/pkg/codec"
	"github.com/jmerrifield20/mtlsclient/pkg/retry"
	"github.com/jmerrifield20/mtlsclient/pkg/transport"
)

// EchoRequest is the payload of POST /v1/echo.
type EchoRequest struct {
	Message string   `json:"message"`
	Tags    []string `json:"tags,omitempty"`
}

// EchoResponse mirrors the request and names the authenticated caller.
type EchoResponse struct {
	Message   string   `json:"message"`
	Tags      []string `json:"tags,omitempty"`
	Client    string   `json:"client"`
	RequestID string   `json:"request_id,omitempty"`
}

// Identity describes the client certificate the server saw.
type Identity struct {
	CommonName  string    `json:"common_name"`
	Serial      string    `json:"serial"`
	Fingerprint string    `json:"fingerprint"`
	NotAfter    time.Time `json:"not_after"`
}

// TokenResponse is the OAuth2-style body of POST /v1/token.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// SecureResponse is returned by GET /v1/secure.
type SecureResponse struct {
	Subject string   `json:"subject"`
	Scopes  []string `json:"scopes,omitempty"`
}

// FlakyResponse is returned once a flaky key stops failing.
type FlakyResponse struct {
	Key            string `json:"key"`
	FailuresServed int    `json:"failures_served"`
}

// APIError is a non-2xx answer that was not retried (4xx) or that a caller
// chose to surface.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("echo: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("echo: HTTP %d: %s", e.StatusCode, e.Message)
}

// Client is the typed proxy for the echo service. Obtain it through the
// client manager so every caller shares one instance:
//
//	api, err := client.Service(ctx, m, echo.NewClient)
type Client struct {
	t *transport.Transport
}

// NewClient binds a proxy to t.
func NewClient(t *transport.Transport) *Client {
	return &Client{t: t}
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	res, err := c.t.Call(ctx, method, path, in, out)
	if err != nil {
		return err
	}
	if res.Verdict() != retry.Success {
		return apiError(res.StatusCode, res.Body)
	}
	return nil
}

func apiError(code int, body []byte) *APIError {
	var payload struct {
		Error string `json:"error"`
	}
	_ = codec.Unmarshal(body, &payload)
	return &APIError{StatusCode: code, Message: payload.Error}
}

// Echo sends req and returns the server's mirror of it.
func (c *Client) Echo(ctx context.Context, req EchoRequest) (*EchoResponse, error) {
	var out EchoResponse
	if err := c.call(ctx, http.MethodPost, "v1/echo", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EchoAsync is Echo on the asynchronous executor. done runs exactly once on
// another goroutine.
func (c *Client) EchoAsync(ctx context.Context, req EchoRequest, done func(*EchoResponse, error)) {
	httpReq, err := c.t.NewRequest(ctx, http.MethodPost, "v1/echo", req)
	if err != nil {
		done(nil, err)
		return
	}
	c.t.Enqueue(httpReq, retry.Callback{
		OnSuccess: func(resp *http.Response) {
			defer resp.Body.Close()
			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				done(nil, fmt.Errorf("read response: %w", err))
				return
			}
			if retry.Classify(resp.StatusCode) != retry.Success {
				done(nil, apiError(resp.StatusCode, body))
				return
			}
			var out EchoResponse
			if err := codec.Unmarshal(body, &out); err != nil {
				done(nil, err)
				return
			}
			done(&out, nil)
		},
		OnError: func(err error) { done(nil, err) },
	})
}

// WhoAmI reports the certificate the server authenticated.
func (c *Client) WhoAmI(ctx context.Context) (*Identity, error) {
	var out Identity
	if err := c.call(ctx, http.MethodGet, "v1/whoami", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Token exchanges the client certificate for a bearer token.
func (c *Client) Token(ctx context.Context) (*oauth2.Token, error) {
	var out TokenResponse
	if err := c.call(ctx, http.MethodPost, "v1/token", nil, &out); err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: out.AccessToken,
		TokenType:   out.TokenType,
		Expiry:      time.Now().Add(time.Duration(out.ExpiresIn) * time.Second),
	}, nil
}

// TokenSource returns a caching source that calls Token when the current
// token expires.
func (c *Client) TokenSource(ctx context.Context) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, tokenFunc(func() (*oauth2.Token, error) { return c.Token(ctx) }))
}

type tokenFunc func() (*oauth2.Token, error)

func (f tokenFunc) Token() (*oauth2.Token, error) { return f() }

// Secure calls the route that needs both the certificate and a bearer token.
// The manager must have been built with client.WithTokenSource.
func (c *Client) Secure(ctx context.Context) (*SecureResponse, error) {
	var out SecureResponse
	if err := c.call(ctx, http.MethodGet, "v1/secure", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health reads the gRPC health status of service through the REST gateway.
func (c *Client) Health(ctx context.Context, service string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.call(ctx, http.MethodGet, "v1/health/"+url.PathEscape(service), nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// Status asks the server to answer with code and returns the raw result.
// Retryable codes are retried by the transport like any other call.
func (c *Client) Status(ctx context.Context, code int) (*transport.Result, error) {
	return c.t.Call(ctx, http.MethodGet, "v1/status/"+strconv.Itoa(code), nil, nil)
}

// Flaky calls a key that fails failures times with failStatus before
// succeeding.
func (c *Client) Flaky(ctx context.Context, key string, failures, failStatus int) (*FlakyResponse, error) {
	q := url.Values{}
	q.Set("failures", strconv.Itoa(failures))
	q.Set("status", strconv.Itoa(failStatus))

	var out FlakyResponse
	if err := c.call(ctx, http.MethodGet, "v1/flaky/"+url.PathEscape(key)+"?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
