// Package config loads mtlsclient settings with viper from an optional yaml
// file and the environment. Environment variables win over the file; nested
// keys map to upper-case names with "." replaced by "_" (retry.max is
// RETRY_MAX).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/mtlsclient/pkg/client"
	"github.com/jmerrifield20/mtlsclient/pkg/retry"
	"github.com/jmerrifield20/mtlsclient/pkg/tlsutil"
)

// FileName is the config file looked up in ./configs and . when no explicit
// path is given.
const FileName = "mtlsclient"

// Echo holds the settings of the mtls-echo development server.
type Echo struct {
	Addr        string
	GRPCAddr    string
	CertDir     string
	Hosts       []string
	ClientCN    string
	TokenTTL    time.Duration
	CORSOrigins []string
}

// New returns a viper instance with defaults, environment binding and, when
// found, the config file applied. An explicit path must exist; the default
// lookup tolerates a missing file.
func New(path string, logger *zap.Logger) (*viper.Viper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("api_url", "")
	v.SetDefault("cert_file", "")
	v.SetDefault("cert_password", "")
	v.SetDefault("tls.protocol", tlsutil.DefaultProtocol)
	v.SetDefault("tls.trust", client.TrustAcceptAll)
	v.SetDefault("tls.ca_files", []string{})
	v.SetDefault("tls.pinned_fingerprints", []string{})
	v.SetDefault("http.timeout_ms", client.DefaultTimeout.Milliseconds())
	v.SetDefault("pool.max_idle", client.DefaultMaxIdleConns)
	v.SetDefault("pool.idle_minutes", int(client.DefaultIdleConnTimeout/time.Minute))
	v.SetDefault("retry.max", retry.MaxRetries)
	v.SetDefault("retry.interval_ms", retry.RetryInterval.Milliseconds())
	v.SetDefault("grpc.target", "")
	v.SetDefault("rate.rps", 0.0)
	v.SetDefault("rate.burst", 0)

	v.SetDefault("echo.addr", ":8443")
	v.SetDefault("echo.grpc_addr", ":9443")
	v.SetDefault("echo.cert_dir", "certs")
	v.SetDefault("echo.hosts", []string{"localhost", "127.0.0.1"})
	v.SetDefault("echo.client_cn", "mtlsctl")
	v.SetDefault("echo.token_ttl_seconds", 900)
	v.SetDefault("echo.cors_origins", []string{})

	if err := v.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &cfgNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		logger.Debug("no config file found, using defaults and env vars")
	} else {
		logger.Debug("config file loaded", zap.String("file", v.ConfigFileUsed()))
	}
	return v, nil
}

// Client maps v onto a client.Config and validates it. A certificate file that
// does not exist is logged but not rejected here; the transport build reports
// it with a *tlsutil.ConstructionError.
func Client(v *viper.Viper, logger *zap.Logger) (client.Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := client.Config{
		BaseURL:         v.GetString("api_url"),
		CertFile:        v.GetString("cert_file"),
		CertPassword:    v.GetString("cert_password"),
		Protocol:        v.GetString("tls.protocol"),
		Timeout:         time.Duration(v.GetInt64("http.timeout_ms")) * time.Millisecond,
		MaxIdleConns:    v.GetInt("pool.max_idle"),
		IdleConnTimeout: time.Duration(v.GetInt("pool.idle_minutes")) * time.Minute,
		MaxRetries:      v.GetInt("retry.max"),
		RetryInterval:   time.Duration(v.GetInt64("retry.interval_ms")) * time.Millisecond,
		GRPCTarget:      v.GetString("grpc.target"),
		RateLimit:       v.GetFloat64("rate.rps"),
		RateBurst:       v.GetInt("rate.burst"),
	}
	if cfg.MaxRetries == 0 {
		// retry.max: 0 in a file means "no retries"; Config reads 0 as the default.
		cfg.MaxRetries = -1
	}

	trust, err := client.TrustPolicyFor(
		v.GetString("tls.trust"),
		v.GetStringSlice("tls.ca_files"),
		v.GetStringSlice("tls.pinned_fingerprints"),
	)
	if err != nil {
		return client.Config{}, fmt.Errorf("tls.trust: %w", err)
	}
	cfg.Trust = trust

	if err := cfg.Validate(); err != nil {
		return client.Config{}, err
	}
	if _, err := os.Stat(cfg.CertFile); err != nil {
		logger.Error("certificate file is not readable",
			zap.String("cert_file", cfg.CertFile),
			zap.Error(err),
		)
	}
	return cfg, nil
}

// Load is New followed by Client.
func Load(path string, logger *zap.Logger) (client.Config, error) {
	v, err := New(path, logger)
	if err != nil {
		return client.Config{}, err
	}
	return Client(v, logger)
}

// EchoServer maps the echo.* keys.
func EchoServer(v *viper.Viper) Echo {
	return Echo{
		Addr:        v.GetString("echo.addr"),
		GRPCAddr:    v.GetString("echo.grpc_addr"),
		CertDir:     v.GetString("echo.cert_dir"),
		Hosts:       v.GetStringSlice("echo.hosts"),
		ClientCN:    v.GetString("echo.client_cn"),
		TokenTTL:    time.Duration(v.GetInt("echo.token_ttl_seconds")) * time.Second,
		CORSOrigins: v.GetStringSlice("echo.cors_origins"),
	}
}
