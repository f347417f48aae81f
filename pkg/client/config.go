package client

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmerrifield20/mtlsclient/pkg/retry"
	"github.com/jmerrifield20/mtlsclient/pkg/tlsutil"
)

const (
	// DefaultTimeout bounds connect, TLS handshake, read and write progress.
	DefaultTimeout = 60000 * time.Millisecond
	// DefaultMaxIdleConns is the size of the idle connection pool.
	DefaultMaxIdleConns = 10
	// DefaultIdleConnTimeout is how long a pooled connection may stay idle.
	DefaultIdleConnTimeout = 5 * time.Minute
)

// ErrConfigurationMissing is returned by New when a required setting is
// absent. The error names the missing key.
var ErrConfigurationMissing = errors.New("configuration missing")

// Config is the client configuration. New copies it; later changes to the
// caller's value have no effect.
type Config struct {
	// BaseURL is the service root. A trailing "/" is added when missing.
	BaseURL string
	// CertFile is a PKCS#12 keystore or a PEM bundle with the client
	// certificate and its private key.
	CertFile     string
	CertPassword string

	// Protocol is "TLSv1.2" (default), "TLSv1.3" or "TLS".
	Protocol string
	// Trust validates server chains. Nil means tlsutil.AcceptAll.
	Trust tlsutil.TrustPolicy

	Timeout         time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration

	// MaxRetries of 0 means retry.MaxRetries; a negative value disables
	// retries.
	MaxRetries    int
	RetryInterval time.Duration

	// GRPCTarget overrides the host:port the gRPC channel dials.
	GRPCTarget string

	// RateLimit caps attempts per second per host; 0 disables it.
	RateLimit float64
	RateBurst int
}

// Validate reports the first missing required setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("%w: base URL (API_URL)", ErrConfigurationMissing)
	}
	if strings.TrimSpace(c.CertFile) == "" {
		return fmt.Errorf("%w: certificate file (CERT_FILE)", ErrConfigurationMissing)
	}
	return nil
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimSpace(c.BaseURL)
	if !strings.HasSuffix(c.BaseURL, "/") {
		c.BaseURL += "/"
	}
	if c.Protocol == "" {
		c.Protocol = tlsutil.DefaultProtocol
	}
	if c.Trust == nil {
		c.Trust = tlsutil.AcceptAll{}
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = DefaultMaxIdleConns
	}
	if c.IdleConnTimeout <= 0 {
		c.IdleConnTimeout = DefaultIdleConnTimeout
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = retry.MaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = retry.RetryInterval
	}
	return c
}
