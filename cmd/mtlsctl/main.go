package main

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/jmerrifield20/mtlsclient/internal/config"
	"github.com/jmerrifield20/mtlsclient/internal/echo"
	"github.com/jmerrifield20/mtlsclient/internal/metrics"
	"github.com/jmerrifield20/mtlsclient/pkg/client"
	"github.com/jmerrifield20/mtlsclient/pkg/retry"
	"github.com/jmerrifield20/mtlsclient/pkg/tlsutil"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile     string
	debug       bool
	metricsAddr string
	bearer      string

	v      *viper.Viper
	logger *zap.Logger
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mtlsctl",
	Short: "Call mutual-TLS services from the command line",
	Long: `mtlsctl calls HTTP and gRPC services that require a client certificate.

Settings come from mtlsclient.yaml (./configs or .), the environment
(API_URL, CERT_FILE, CERT_PASSWORD, RETRY_MAX, ...) and the flags below:

  API_URL=https://localhost:8443 CERT_FILE=certs/mtlsctl.pem mtlsctl get v1/whoami`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if debug {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		v, err = config.New(cfgFile, logger)
		if err != nil {
			return err
		}
		for key, flag := range map[string]string{
			"api_url":       "url",
			"cert_file":     "cert",
			"cert_password": "password",
			"tls.trust":     "trust",
		} {
			if err := v.BindPFlag(key, cmd.Root().PersistentFlags().Lookup(flag)); err != nil {
				return err
			}
		}

		if metricsAddr != "" {
			go serveMetrics(cmd.Context(), metricsAddr)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ./configs/mtlsclient.yaml or ./mtlsclient.yaml)")
	pf.BoolVar(&debug, "debug", false, "development logging at debug level")
	pf.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the command runs")
	pf.StringVar(&bearer, "bearer", "", "static bearer token sent with every call")
	pf.String("url", "", "service base URL (API_URL)")
	pf.String("cert", "", "client keystore, PKCS#12 or PEM bundle (CERT_FILE)")
	pf.String("password", "", "keystore password (CERT_PASSWORD)")
	pf.String("trust", "", "server trust: accept-all, system or pinned (TLS_TRUST)")

	rootCmd.AddCommand(getCmd, postCmd, echoCmd, healthCmd, keystoreCmd, certsCmd, versionCmd)
}

// newManager builds a client manager from the loaded settings with the
// metrics hooks attached.
func newManager() (*client.Manager, error) {
	cfg, err := config.Client(v, logger)
	if err != nil {
		return nil, err
	}
	opts := []client.Option{
		client.WithLogger(logger),
		client.WithRetryHooks(metrics.RetryHooks()),
		client.WithBuildObserver(metrics.RecordTransportBuild),
	}
	if bearer != "" {
		opts = append(opts, client.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: bearer})))
	}
	return client.New(cfg, opts...)
}

func serveMetrics(ctx context.Context, addr string) {
	srv := &http.Server{Addr: addr, Handler: metrics.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	logger.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server", zap.Error(err))
	}
}

// ── get / post ───────────────────────────────────────────────────────────────

var postData string

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "GET a path relative to the base URL and print the response",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return doCall(cmd.Context(), http.MethodGet, args[0], nil)
	},
}

var postCmd = &cobra.Command{
	Use:   "post <path>",
	Short: "POST a JSON body to a path relative to the base URL",
	Long: `post sends --data as the JSON request body. Prefix the value with @ to
read it from a file:

  mtlsctl post v1/echo --data '{"message":"hi"}'
  mtlsctl post v1/echo --data @payload.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := readData(postData)
		if err != nil {
			return err
		}
		return doCall(cmd.Context(), http.MethodPost, args[0], body)
	},
}

func init() {
	postCmd.Flags().StringVar(&postData, "data", "{}", "JSON body, or @file")
}

func readData(data string) (json.RawMessage, error) {
	raw := []byte(data)
	if name, ok := strings.CutPrefix(data, "@"); ok {
		b, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, errors.New("body is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func doCall(ctx context.Context, method, path string, body any) error {
	m, err := newManager()
	if err != nil {
		return err
	}
	defer m.Close()

	t, err := m.Transport(ctx)
	if err != nil {
		return err
	}
	res, err := t.Call(ctx, method, path, body, nil)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "HTTP %d (%s)\n", res.StatusCode, res.Verdict())
	printBody(res.Body)
	if res.Verdict() != retry.Success {
		return fmt.Errorf("%s %s: HTTP %d", method, path, res.StatusCode)
	}
	return nil
}

// printBody indents JSON bodies and prints anything else unchanged.
func printBody(body []byte) {
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		os.Stdout.Write(body) //nolint:errcheck
		return
	}
	printJSON(parsed)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// ── echo ─────────────────────────────────────────────────────────────────────

var (
	echoTags  []string
	echoAsync bool
)

var echoCmd = &cobra.Command{
	Use:   "echo <message>",
	Short: "Send a message to an mtls-echo server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		m, err := newManager()
		if err != nil {
			return err
		}
		defer m.Close()

		api, err := client.Service(ctx, m, echo.NewClient)
		if err != nil {
			return err
		}
		req := echo.EchoRequest{Message: args[0], Tags: echoTags}

		if !echoAsync {
			resp, err := api.Echo(ctx, req)
			if err != nil {
				return err
			}
			printJSON(resp)
			return nil
		}

		done := make(chan error, 1)
		api.EchoAsync(ctx, req, func(resp *echo.EchoResponse, err error) {
			if err == nil {
				printJSON(resp)
			}
			done <- err
		})
		return <-done
	},
}

func init() {
	echoCmd.Flags().StringSliceVar(&echoTags, "tag", nil, "tag to attach (repeatable)")
	echoCmd.Flags().BoolVar(&echoAsync, "async", false, "use the asynchronous executor")
}

// ── health ───────────────────────────────────────────────────────────────────

var healthCmd = &cobra.Command{
	Use:   "health [service]",
	Short: "Run a gRPC health check over the mutual-TLS channel",
	Long: `health calls grpc.health.v1.Health/Check on grpc.target (default: the
host of the base URL on port 443). An empty service asks for overall health.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		m, err := newManager()
		if err != nil {
			return err
		}
		defer m.Close()

		hc, err := client.GRPCService(ctx, m, grpc_health_v1.NewHealthClient)
		if err != nil {
			return err
		}
		req := &grpc_health_v1.HealthCheckRequest{}
		if len(args) == 1 {
			req.Service = args[0]
		}
		resp, err := hc.Check(ctx, req)
		if err != nil {
			return fmt.Errorf("health check: %w", err)
		}
		out, err := protojson.MarshalOptions{Multiline: true, EmitUnpopulated: true}.Marshal(resp)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
			return fmt.Errorf("service is %s", resp.GetStatus())
		}
		return nil
	},
}

// ── keystore ─────────────────────────────────────────────────────────────────

var keystoreFormat string

var keystoreCmd = &cobra.Command{
	Use:   "keystore",
	Short: "Inspect client keystores",
}

var keystoreInspectCmd = &cobra.Command{
	Use:   "inspect [file]",
	Short: "Show the certificate chain of a PKCS#12 or PEM keystore",
	Long: `inspect loads the keystore the way the client does and prints the leaf
and CA certificates. Without an argument the configured CERT_FILE is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := v.GetString("cert_file")
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return fmt.Errorf("%w: certificate file (CERT_FILE)", client.ErrConfigurationMissing)
		}
		ks, err := tlsutil.LoadKeyStore(path, v.GetString("cert_password"))
		if err != nil {
			return err
		}
		return printKeyStore(ks)
	},
}

func init() {
	keystoreInspectCmd.Flags().StringVar(&keystoreFormat, "format", "text", "Output format: text or json")
	keystoreCmd.AddCommand(keystoreInspectCmd)
}

type certRow struct {
	Role        string    `json:"role"`
	Subject     string    `json:"subject"`
	Issuer      string    `json:"issuer"`
	Serial      string    `json:"serial"`
	NotAfter    time.Time `json:"not_after"`
	Fingerprint string    `json:"fingerprint"`
}

func printKeyStore(ks *tlsutil.KeyStore) error {
	rows := []certRow{newCertRow("leaf", ks.Leaf)}
	for _, ca := range ks.CACerts {
		rows = append(rows, newCertRow("ca", ca))
	}

	if keystoreFormat == "json" {
		printJSON(rows)
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ROLE\tSUBJECT\tISSUER\tNOT AFTER\tSHA-256")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Role, r.Subject, r.Issuer, r.NotAfter.Format(time.DateOnly), r.Fingerprint)
	}
	return w.Flush()
}

func newCertRow(role string, c *x509.Certificate) certRow {
	return certRow{
		Role:        role,
		Subject:     c.Subject.String(),
		Issuer:      c.Issuer.String(),
		Serial:      c.SerialNumber.Text(16),
		NotAfter:    c.NotAfter.UTC(),
		Fingerprint: tlsutil.Fingerprint(c),
	}
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the mtlsctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mtlsctl %s\n", version)
	},
}
