package client

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/grpc"

	"github.com/jmerrifield20/mtlsclient/pkg/retry"
	"github.com/jmerrifield20/mtlsclient/pkg/tlsutil"
	"github.com/jmerrifield20/mtlsclient/pkg/transport"
)

// ErrClosed is returned by every call made after Close.
var ErrClosed = errors.New("client: manager closed")

// Manager is safe for concurrent use. The zero value is not usable; call New.
type Manager struct {
	cfg         Config
	logger      *zap.Logger
	tokenSource oauth2.TokenSource
	hooks       retry.Hooks
	clock       retry.Clock
	onBuild     func(error)

	ready  atomic.Pointer[transport.Transport]
	closed atomic.Bool

	// mu guards the one-time build and the proxy cache.
	mu      sync.Mutex
	proxies map[reflect.Type]any
}

// Option is a functional option for configuring a Manager.
type Option func(*Manager) error

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) error {
		if l == nil {
			return errors.New("nil logger")
		}
		m.logger = l
		return nil
	}
}

// WithTokenSource adds OAuth2 bearer tokens to every HTTP request and gRPC
// call, on top of the client certificate.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(m *Manager) error {
		m.tokenSource = ts
		return nil
	}
}

// WithRetryHooks observes every attempt, retry and exhaustion.
func WithRetryHooks(h retry.Hooks) Option {
	return func(m *Manager) error {
		m.hooks = h
		return nil
	}
}

// WithRetryClock replaces the clock used for retry waits.
func WithRetryClock(c retry.Clock) Option {
	return func(m *Manager) error {
		m.clock = c
		return nil
	}
}

// WithBuildObserver is called after every transport build attempt with its
// error, nil on success.
func WithBuildObserver(f func(error)) Option {
	return func(m *Manager) error {
		m.onBuild = f
		return nil
	}
}

// New validates cfg and returns an uninitialized Manager. No file is read
// and no connection is made until the first Service or Transport call.
//
//	m, err := client.New(client.Config{
//	    BaseURL:      "https://api.example.com",
//	    CertFile:     "/etc/app/client.p12",
//	    CertPassword: os.Getenv("CERT_PASSWORD"),
//	}, client.WithLogger(logger))
func New(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:     cfg.withDefaults(),
		logger:  zap.NewNop(),
		proxies: make(map[reflect.Type]any),
	}
	for _, o := range opts {
		if err := o(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Config returns a copy of the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Ready reports whether the transport has been built.
func (m *Manager) Ready() bool { return m.ready.Load() != nil }

// Transport returns the shared transport, building it on first use. A failed
// build leaves the manager uninitialized; the next call tries again.
func (m *Manager) Transport(ctx context.Context) (*transport.Transport, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if t := m.ready.Load(); t != nil {
		return t, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transportLocked(ctx)
}

// transportLocked must be called with m.mu held.
func (m *Manager) transportLocked(ctx context.Context) (*transport.Transport, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if t := m.ready.Load(); t != nil {
		return t, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t, err := m.build()
	if m.onBuild != nil {
		m.onBuild(err)
	}
	if err != nil {
		return nil, err
	}
	m.ready.Store(t)
	return t, nil
}

func (m *Manager) build() (*transport.Transport, error) {
	m.logger.Info("creating API client",
		zap.String("url", m.cfg.BaseURL),
		zap.String("cert_file", m.cfg.CertFile),
		zap.String("protocol", m.cfg.Protocol),
	)

	tlsCfg, err := tlsutil.Build(m.cfg.CertFile, m.cfg.CertPassword, m.cfg.Protocol, m.cfg.Trust)
	if err != nil {
		m.logger.Error("failed to build TLS context", zap.Error(err))
		return nil, err
	}

	t, err := transport.New(transport.Options{
		BaseURL:         m.cfg.BaseURL,
		TLSConfig:       tlsCfg,
		Timeout:         m.cfg.Timeout,
		MaxIdleConns:    m.cfg.MaxIdleConns,
		IdleConnTimeout: m.cfg.IdleConnTimeout,
		MaxRetries:      m.cfg.MaxRetries,
		RetryInterval:   m.cfg.RetryInterval,
		RetryHooks:      m.hooks,
		RetryClock:      m.clock,
		RateLimit:       m.cfg.RateLimit,
		RateBurst:       m.cfg.RateBurst,
		TokenSource:     m.tokenSource,
		GRPCTarget:      m.cfg.GRPCTarget,
		Logger:          m.logger,
	})
	if err != nil {
		m.logger.Error("failed to build transport", zap.Error(err))
		return nil, fmt.Errorf("build transport: %w", err)
	}
	return t, nil
}

// Service returns the proxy of type T, calling factory with the shared
// transport the first time T is requested. Later calls return the same
// instance. T is the cache key, so Service and GRPCService must not be used
// with the same type.
//
//	accounts, err := client.Service(ctx, m, accountsapi.New)
func Service[T any](ctx context.Context, m *Manager, factory func(*transport.Transport) T) (T, error) {
	return lookup(ctx, m, factory)
}

// GRPCService is Service for generated gRPC client constructors:
//
//	health, err := client.GRPCService(ctx, m, grpc_health_v1.NewHealthClient)
func GRPCService[T any](ctx context.Context, m *Manager, factory func(grpc.ClientConnInterface) T) (T, error) {
	return lookup(ctx, m, func(t *transport.Transport) T { return factory(t.Conn()) })
}

func lookup[T any](ctx context.Context, m *Manager, factory func(*transport.Transport) T) (T, error) {
	var zero T
	key := reflect.TypeFor[T]()

	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.transportLocked(ctx)
	if err != nil {
		return zero, err
	}
	if p, ok := m.proxies[key]; ok {
		return p.(T), nil
	}
	p := factory(t)
	m.proxies[key] = p
	m.logger.Debug("service proxy created", zap.Stringer("type", key))
	return p, nil
}

// Close releases the transport once its outstanding asynchronous calls have
// reported. Calls after Close fail with ErrClosed. Close is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed.Swap(true) {
		m.mu.Unlock()
		return nil
	}
	clear(m.proxies)
	t := m.ready.Swap(nil)
	// Unlocked before draining: callbacks still running may call Service.
	m.mu.Unlock()

	if t == nil {
		return nil
	}
	return t.Close()
}
