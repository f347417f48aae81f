package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/mtlsclient/internal/health"
	"github.com/jmerrifield20/mtlsclient/internal/metrics"
)

// ── watch ────────────────────────────────────────────────────────────────────

var (
	watchInterval  time.Duration
	watchThreshold int
)

var watchCmd = &cobra.Command{
	Use:   "watch <path> [path] ...",
	Short: "Probe paths periodically and report when they degrade or recover",
	Long: `watch probes every path with HEAD (falling back to GET) through one shared
mutual-TLS transport until interrupted. Combine with --metrics-addr to expose
mtls_client_probes_total:

  mtlsctl watch healthz v1/whoami --interval 10s --metrics-addr :9100`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newManager()
		if err != nil {
			return err
		}
		defer m.Close()

		targets := make([]health.Target, len(args))
		for i, p := range args {
			targets[i] = health.Target{Name: p, Path: p}
		}
		checker := health.New(m, targets, health.Config{
			CheckInterval: watchInterval,
			FailThreshold: watchThreshold,
		}, logger)
		checker.SetMetricsRecord(metrics.RecordProbe)
		checker.SetTransition(func(t health.Target, status string) {
			fmt.Printf("%s  %-9s %s\n", time.Now().Format(time.TimeOnly), status, t.Path)
		})

		checker.Run(cmd.Context())
		for name, status := range checker.Statuses() {
			fmt.Printf("%-9s %s\n", status, name)
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 30*time.Second, "time between probe rounds")
	watchCmd.Flags().IntVar(&watchThreshold, "threshold", 3, "consecutive failures before a path is degraded")
	rootCmd.AddCommand(watchCmd)
}
