package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmerrifield20/mtlsclient/internal/identity"
)

// ── certs ────────────────────────────────────────────────────────────────────

var (
	certsDir      string
	certsCN       string
	certsValidity time.Duration
)

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Manage development certificates",
}

var certsGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Issue a client certificate from the development CA",
	Long: `generate loads the development CA from <dir>/ca (creating it on first run)
and writes a PEM bundle with a new client certificate, its private key and the
CA certificate to <dir>/<cn>.pem. mtls-echo trusts the same CA when started
with echo.cert_dir pointing at <dir>:

  mtlsctl certs generate --dir certs --cn mtlsctl
  CERT_FILE=certs/mtlsctl.pem mtlsctl get v1/whoami`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ca := identity.NewCAManager(filepath.Join(certsDir, "ca"))
		if err := ca.LoadOrCreate(); err != nil {
			return fmt.Errorf("load CA: %w", err)
		}

		issued, err := identity.NewIssuer(ca).IssueClientCert(certsCN, certsValidity)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(certsDir, 0o700); err != nil {
			return fmt.Errorf("create cert dir: %w", err)
		}
		out := filepath.Join(certsDir, certsCN+".pem")
		if err := issued.WriteBundle(out); err != nil {
			return err
		}
		logger.Debug("client certificate issued",
			zap.String("cn", certsCN),
			zap.String("serial", issued.Serial),
		)

		fmt.Printf("✓ Client certificate written\n\n")
		fmt.Printf("  Bundle:      %s\n", out)
		fmt.Printf("  CA:          %s\n", filepath.Join(certsDir, "ca", "ca.crt"))
		fmt.Printf("  Subject CN:  %s\n", certsCN)
		fmt.Printf("  SHA-256:     %s\n", issued.Fingerprint())
		fmt.Printf("  Expires:     %s\n", issued.Cert.NotAfter.UTC().Format(time.RFC3339))
		return nil
	},
}

func init() {
	certsGenerateCmd.Flags().StringVar(&certsDir, "dir", "certs", "directory holding the CA and issued bundles")
	certsGenerateCmd.Flags().StringVar(&certsCN, "cn", "mtlsctl", "client certificate common name")
	certsGenerateCmd.Flags().DurationVar(&certsValidity, "valid-for", 90*24*time.Hour, "certificate lifetime")
	certsCmd.AddCommand(certsGenerateCmd)
}
