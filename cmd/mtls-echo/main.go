package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/jmerrifield20/mtlsclient/internal/config"
	"github.com/jmerrifield20/mtlsclient/internal/echo"
	"github.com/jmerrifield20/mtlsclient/internal/identity"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(logger).ExecuteContext(ctx); err != nil {
		logger.Fatal("mtls-echo exited with error", zap.Error(err))
	}
}

func newRootCmd(logger *zap.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mtls-echo",
		Short: "Development HTTPS and gRPC server that requires client certificates",
		Long: `mtls-echo serves the echo API over mutual TLS. On first start it creates a
development CA under <cert-dir>/ca and a client bundle mtlsctl can use.

Settings come from mtlsclient.yaml (./configs or .), the environment
(ECHO_ADDR, ECHO_GRPC_ADDR, ECHO_CERT_DIR, ...) and the flags below.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := settings(cmd, logger)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, logger)
		},
	}

	f := cmd.Flags()
	f.String("config", "", "config file (default ./configs/mtlsclient.yaml or ./mtlsclient.yaml)")
	f.String("addr", "", "HTTPS listen address (echo.addr)")
	f.String("grpc-addr", "", "gRPC listen address (echo.grpc_addr)")
	f.String("cert-dir", "", "directory holding the CA and issued bundles (echo.cert_dir)")
	return cmd
}

// settings loads the echo section of the config with flags taking precedence.
func settings(cmd *cobra.Command, logger *zap.Logger) (config.Echo, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	v, err := config.New(cfgFile, logger)
	if err != nil {
		return config.Echo{}, err
	}
	for key, flag := range map[string]string{
		"echo.addr":      "addr",
		"echo.grpc_addr": "grpc-addr",
		"echo.cert_dir":  "cert-dir",
	} {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return config.Echo{}, err
		}
	}
	return config.EchoServer(v), nil
}

func run(ctx context.Context, cfg config.Echo, logger *zap.Logger) error {
	// ── Development CA ────────────────────────────────────────────────────────
	ca := identity.NewCAManager(filepath.Join(cfg.CertDir, "ca"))
	if err := ca.LoadOrCreate(); err != nil {
		return fmt.Errorf("load CA: %w", err)
	}
	issuer := identity.NewIssuer(ca)

	dnsNames, ips := splitHosts(cfg.Hosts)
	serverCert, err := issuer.IssueServerCert(dnsNames, ips, 0)
	if err != nil {
		return fmt.Errorf("issue server certificate: %w", err)
	}
	tlsCert, err := serverCert.TLSCertificate()
	if err != nil {
		return fmt.Errorf("load server certificate: %w", err)
	}

	if cfg.ClientCN != "" {
		bundle := filepath.Join(cfg.CertDir, cfg.ClientCN+".pem")
		if _, err := os.Stat(bundle); errors.Is(err, os.ErrNotExist) {
			issued, err := issuer.IssueClientCert(cfg.ClientCN, 0)
			if err != nil {
				return fmt.Errorf("issue client certificate: %w", err)
			}
			if err := issued.WriteBundle(bundle); err != nil {
				return err
			}
			logger.Info("client bundle written",
				zap.String("path", bundle),
				zap.String("fingerprint", issued.Fingerprint()),
			)
		}
	}

	// ── gRPC server ───────────────────────────────────────────────────────────
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("gRPC listen on %s: %w", cfg.GRPCAddr, err)
	}
	grpcServer, healthSvc := echo.NewGRPCServer(logger,
		grpc.Creds(credentials.NewTLS(issuer.ServerTLSConfig(tlsCert))),
	)
	reflection.Register(grpcServer)

	// ── HTTPS server ──────────────────────────────────────────────────────────
	srv := echo.New(echo.Config{
		Issuer:      issuer,
		Tokens:      identity.NewTokenIssuer(ca.Key(), "https://"+hostOrDefault(dnsNames), cfg.TokenTTL),
		Logger:      logger,
		CORSOrigins: cfg.CORSOrigins,
		Health:      healthSvc,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		TLSConfig:         issuer.ServerTLSConfig(tlsCert),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Start both servers ─────────────────────────────────────────────────────
	go func() {
		logger.Info("mtls-echo gRPC listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(grpcLis); err != nil {
			logger.Fatal("gRPC serve error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("mtls-echo HTTPS listening",
			zap.String("addr", cfg.Addr),
			zap.Strings("hosts", cfg.Hosts),
			zap.String("ca", filepath.Join(cfg.CertDir, "ca", "ca.crt")),
		)
		if err := httpSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTPS serve error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	<-ctx.Done()
	logger.Info("shutting down mtls-echo...")
	healthSvc.SetServingStatus(echo.ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	grpcServer.GracefulStop()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTPS shutdown", zap.Error(err))
	}

	logger.Info("mtls-echo stopped")
	return nil
}

// splitHosts separates IP literals from DNS names.
func splitHosts(hosts []string) ([]string, []net.IP) {
	var names []string
	var ips []net.IP
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			ips = append(ips, ip)
			continue
		}
		names = append(names, h)
	}
	return names, ips
}

func hostOrDefault(names []string) string {
	if len(names) == 0 {
		return "localhost"
	}
	return names[0]
}
