package retry_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmerrifield20/mtlsclient/pkg/retry"
)

// ── helpers ─────────────────────────────────────────────────────────────────

// fakeClock records requested waits and returns immediately.
type fakeClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	go f()
}

func (c *fakeClock) waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

var errNetwork = errors.New("connection reset by peer")

// scripted replays a fixed sequence of statuses; retry.NetworkFailure entries
// produce a transport error. The last entry repeats forever.
type scripted struct {
	mu       sync.Mutex
	statuses []int
	calls    int

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func newScripted(statuses ...int) *scripted {
	return &scripted{statuses: statuses}
}

func (s *scripted) RoundTrip(req *http.Request) (*http.Response, error) {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		m := s.maxInflight.Load()
		if n <= m || s.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}

	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()

	if i >= len(s.statuses) {
		i = len(s.statuses) - 1
	}
	code := s.statuses[i]
	if code == retry.NetworkFailure {
		return nil, errNetwork
	}
	return &http.Response{
		StatusCode: code,
		Status:     fmt.Sprintf("%d %s", code, http.StatusText(code)),
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(fmt.Sprintf(`{"attempt":%d}`, i+1))),
		Request:    req,
	}, nil
}

func (s *scripted) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// ── classifier ──────────────────────────────────────────────────────────────

func TestClassify_families(t *testing.T) {
	cases := []struct {
		code int
		want retry.Verdict
	}{
		{retry.NetworkFailure, retry.RetryableFailure},
		{100, retry.RetryableFailure},
		{199, retry.RetryableFailure},
		{200, retry.Success},
		{204, retry.Success},
		{299, retry.Success},
		{301, retry.RetryableFailure},
		{399, retry.RetryableFailure},
		{400, retry.TerminalFailure},
		{403, retry.TerminalFailure},
		{404, retry.TerminalFailure},
		{499, retry.TerminalFailure},
		{500, retry.RetryableFailure},
		{503, retry.RetryableFailure},
		{599, retry.RetryableFailure},
	}
	for _, tc := range cases {
		if got := retry.Classify(tc.code); got != tc.want {
			t.Errorf("Classify(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestClassify_exhaustive(t *testing.T) {
	for c := -1; c < 1000; c++ {
		got := retry.Classify(c)
		switch {
		case c >= 200 && c < 300:
			if got != retry.Success {
				t.Fatalf("Classify(%d) = %v, want success", c, got)
			}
		case c >= 400 && c < 500:
			if got != retry.TerminalFailure {
				t.Fatalf("Classify(%d) = %v, want terminal", c, got)
			}
		default:
			if got != retry.RetryableFailure {
				t.Fatalf("Classify(%d) = %v, want retryable", c, got)
			}
		}
	}
}

func TestVerdict_String(t *testing.T) {
	if retry.Success.String() != "success" || retry.TerminalFailure.String() != "terminal" ||
		retry.RetryableFailure.String() != "retryable" {
		t.Error("unexpected verdict labels")
	}
}

func TestExhaustedError(t *testing.T) {
	err := fmt.Errorf("call: %w", &retry.ExhaustedError{StatusCode: 500, Attempts: 5})
	if !errors.Is(err, retry.ErrExhausted) {
		t.Fatal("errors.Is(err, ErrExhausted) = false")
	}
	var ex *retry.ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatal("errors.As(*ExhaustedError) = false")
	}
	if !strings.Contains(ex.Error(), "status=[500]") {
		t.Errorf("Error() = %q, want status in message", ex.Error())
	}

	wrapped := &retry.ExhaustedError{StatusCode: retry.NetworkFailure, Attempts: 5, Err: errNetwork}
	if !errors.Is(wrapped, errNetwork) {
		t.Error("ExhaustedError should unwrap to the transport error")
	}
}
