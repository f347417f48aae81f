package echo_test

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jmerrifield20/mtlsclient/internal/echo"
	"github.com/jmerrifield20/mtlsclient/internal/identity"
	"github.com/jmerrifield20/mtlsclient/pkg/client"
	"github.com/jmerrifield20/mtlsclient/pkg/retry"
)

// ── Fixture ─────────────────────────────────────────────────────────────

type env struct {
	issuer   *identity.Issuer
	srv      *httptest.Server
	bundle   string
	clientFP string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()

	ca := identity.NewCAManager(filepath.Join(dir, "ca"))
	if err := ca.Create(); err != nil {
		t.Fatalf("create CA: %v", err)
	}
	issuer := identity.NewIssuer(ca)

	serverCert, err := issuer.IssueServerCert([]string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	tlsCert, err := serverCert.TLSCertificate()
	if err != nil {
		t.Fatal(err)
	}
	clientCert, err := issuer.IssueClientCert("test-cli", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	bundle := filepath.Join(dir, "client.pem")
	if err := clientCert.WriteBundle(bundle); err != nil {
		t.Fatal(err)
	}

	hs := health.NewServer()
	hs.SetServingStatus(echo.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	server := echo.New(echo.Config{
		Issuer: issuer,
		Tokens: identity.NewTokenIssuer(ca.Key(), "https://echo.test", time.Hour),
		Logger: zap.NewNop(),
		Health: hs,
	})
	srv := httptest.NewUnstartedServer(server.Handler())
	srv.TLS = issuer.ServerTLSConfig(tlsCert)
	srv.StartTLS()
	t.Cleanup(srv.Close)

	return &env{issuer: issuer, srv: srv, bundle: bundle, clientFP: clientCert.Fingerprint()}
}

type skipClock struct{ waits atomic.Int32 }

func (c *skipClock) Sleep(ctx context.Context, _ time.Duration) error {
	c.waits.Add(1)
	return ctx.Err()
}

func (c *skipClock) AfterFunc(_ time.Duration, f func()) {
	c.waits.Add(1)
	go f()
}

func (e *env) manager(t *testing.T, mutate func(*client.Config), opts ...client.Option) (*client.Manager, *skipClock) {
	t.Helper()
	clk := &skipClock{}
	cfg := client.Config{
		BaseURL:  e.srv.URL,
		CertFile: e.bundle,
		Trust:    e.issuer.TrustPolicy(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := client.New(cfg, append([]client.Option{client.WithRetryClock(clk)}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m, clk
}

func (e *env) api(t *testing.T, m *client.Manager) *echo.Client {
	t.Helper()
	api, err := client.Service(context.Background(), m, echo.NewClient)
	if err != nil {
		t.Fatalf("client.Service() error: %v", err)
	}
	return api
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestEcho_roundTrip(t *testing.T) {
	e := newEnv(t)
	m, _ := e.manager(t, nil)
	api := e.api(t, m)

	got, err := api.Echo(context.Background(), echo.EchoRequest{Message: "ping", Tags: []string{"a"}})
	if err != nil {
		t.Fatalf("Echo() error: %v", err)
	}
	if got.Message != "ping" || got.Client != "test-cli" || len(got.Tags) != 1 {
		t.Errorf("Echo() = %+v", got)
	}
	if got.RequestID == "" {
		t.Error("request id was not propagated")
	}
}

func TestWhoAmI_reportsPresentedCertificate(t *testing.T) {
	e := newEnv(t)
	m, _ := e.manager(t, nil)

	id, err := e.api(t, m).WhoAmI(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if id.CommonName != "test-cli" || id.Fingerprint != e.clientFP {
		t.Errorf("WhoAmI() = %+v", id)
	}
}

func TestFlaky_recoversWithinRetryBudget(t *testing.T) {
	e := newEnv(t)
	m, clk := e.manager(t, nil)

	got, err := e.api(t, m).Flaky(context.Background(), "scenario-a", 2, http.StatusServiceUnavailable)
	if err != nil {
		t.Fatalf("Flaky() error: %v", err)
	}
	if got.FailuresServed != 2 || clk.waits.Load() != 2 {
		t.Errorf("served=%d waits=%d, want 2 and 2", got.FailuresServed, clk.waits.Load())
	}
}

func TestFlaky_exhaustsRetryBudget(t *testing.T) {
	e := newEnv(t)
	m, _ := e.manager(t, nil)

	_, err := e.api(t, m).Flaky(context.Background(), "scenario-b", 6, http.StatusInternalServerError)
	var ex *retry.ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("error = %v, want *retry.ExhaustedError", err)
	}
	if ex.StatusCode != 500 || ex.Attempts != retry.MaxRetries {
		t.Errorf("ExhaustedError = {%d, %d}", ex.StatusCode, ex.Attempts)
	}
}

func TestStatus_terminalIsNotRetried(t *testing.T) {
	e := newEnv(t)
	m, clk := e.manager(t, nil)

	res, err := e.api(t, m).Status(context.Background(), http.StatusNotFound)
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusNotFound || clk.waits.Load() != 0 {
		t.Errorf("status=%d waits=%d", res.StatusCode, clk.waits.Load())
	}
}

func TestToken_exchangeThenSecureCall(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	plain, _ := e.manager(t, nil)
	api := e.api(t, plain)

	_, err := api.Secure(ctx)
	var apiErr *echo.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Secure() without token = %v, want 401", err)
	}

	authed, _ := e.manager(t, nil, client.WithTokenSource(api.TokenSource(ctx)))
	got, err := e.api(t, authed).Secure(ctx)
	if err != nil {
		t.Fatalf("Secure() with token: %v", err)
	}
	if got.Subject != "test-cli" {
		t.Errorf("Subject = %q", got.Subject)
	}
}

func TestUntrustedClientIsRejected(t *testing.T) {
	e := newEnv(t)

	stranger := identity.NewCAManager(t.TempDir())
	if err := stranger.Create(); err != nil {
		t.Fatal(err)
	}
	ic, err := identity.NewIssuer(stranger).IssueClientCert("stranger", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	bundle := filepath.Join(t.TempDir(), "stranger.pem")
	if err := ic.WriteBundle(bundle); err != nil {
		t.Fatal(err)
	}

	m, _ := e.manager(t, func(c *client.Config) { c.CertFile = bundle; c.MaxRetries = -1 })
	_, err = e.api(t, m).WhoAmI(context.Background())
	if !errors.Is(err, retry.ErrExhausted) {
		t.Fatalf("error = %v, want a failed handshake surfaced as exhaustion", err)
	}
}

func TestEchoAsync(t *testing.T) {
	e := newEnv(t)
	m, _ := e.manager(t, nil)
	api := e.api(t, m)

	var (
		wg   sync.WaitGroup
		got  *echo.EchoResponse
		gerr error
	)
	wg.Add(1)
	api.EchoAsync(context.Background(), echo.EchoRequest{Message: "later"}, func(r *echo.EchoResponse, err error) {
		got, gerr = r, err
		wg.Done()
	})
	wg.Wait()

	if gerr != nil || got == nil || got.Message != "later" {
		t.Errorf("EchoAsync() = %+v, %v", got, gerr)
	}
}

func TestHealthGateway(t *testing.T) {
	e := newEnv(t)
	m, _ := e.manager(t, nil)
	api := e.api(t, m)

	got, err := api.Health(context.Background(), echo.ServiceName)
	if err != nil {
		t.Fatalf("Health() error: %v", err)
	}
	if got != "SERVING" {
		t.Errorf("Health() = %q, want SERVING", got)
	}

	_, err = api.Health(context.Background(), "no.such.service")
	var apiErr *echo.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("unknown service error = %v, want 404", err)
	}
}

func TestGRPCHealthOverMutualTLS(t *testing.T) {
	e := newEnv(t)

	serverCert, err := e.issuer.IssueServerCert(nil, []net.IP{net.ParseIP("127.0.0.1")}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	tlsCert, err := serverCert.TLSCertificate()
	if err != nil {
		t.Fatal(err)
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	grpcSrv, _ := echo.NewGRPCServer(zap.NewNop(), grpcCreds(e, tlsCert))
	go grpcSrv.Serve(lis) //nolint:errcheck
	t.Cleanup(grpcSrv.Stop)

	m, _ := e.manager(t, func(c *client.Config) { c.GRPCTarget = lis.Addr().String() })
	health, err := client.GRPCService(context.Background(), m, grpc_health_v1.NewHealthClient)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := health.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: echo.ServiceName})
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("status = %s", resp.GetStatus())
	}
}

func grpcCreds(e *env, cert tls.Certificate) grpc.ServerOption {
	return grpc.Creds(credentials.NewTLS(e.issuer.ServerTLSConfig(cert)))
}
