package main

import (
	"testing"

	"go.uber.org/zap"
)

func TestSplitHosts(t *testing.T) {
	names, ips := splitHosts([]string{"localhost", "127.0.0.1", "::1", "echo.internal"})
	if len(names) != 2 || names[0] != "localhost" || names[1] != "echo.internal" {
		t.Errorf("names = %v", names)
	}
	if len(ips) != 2 {
		t.Errorf("ips = %v", ips)
	}
	if got := hostOrDefault(nil); got != "localhost" {
		t.Errorf("hostOrDefault(nil) = %q", got)
	}
}

func TestSettings_flagsOverrideDefaults(t *testing.T) {
	cmd := newRootCmd(zap.NewNop())
	if err := cmd.ParseFlags([]string{"--grpc-addr", "127.0.0.1:7443", "--cert-dir", "/tmp/echo-certs"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := settings(cmd, zap.NewNop())
	if err != nil {
		t.Fatalf("settings() error: %v", err)
	}
	if cfg.GRPCAddr != "127.0.0.1:7443" || cfg.CertDir != "/tmp/echo-certs" {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if cfg.Addr != ":8443" {
		t.Errorf("Addr = %q, want the :8443 default", cfg.Addr)
	}
}

func TestSettings_missingConfigFile(t *testing.T) {
	cmd := newRootCmd(zap.NewNop())
	if err := cmd.ParseFlags([]string{"--config", "/nonexistent/mtlsclient.yaml"}); err != nil {
		t.Fatal(err)
	}
	if _, err := settings(cmd, zap.NewNop()); err == nil {
		t.Error("settings() accepted a config file that does not exist")
	}
}
