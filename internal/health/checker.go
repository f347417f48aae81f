// Package health probes service paths through a client manager's shared
// transport and tracks which of them are degraded.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/mtlsclient/pkg/client"
	"github.com/jmerrifield20/mtlsclient/pkg/retry"
)

// Status values reported per target.
const (
	StatusUnknown  = "unknown"
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
	Concurrency   int
}

// Target is a path, relative to the manager's base URL, that should answer 2xx.
type Target struct {
	Name string
	Path string
}

// TransitionFunc is called when a target crosses between healthy and degraded.
type TransitionFunc func(target Target, status string)

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(success bool)

// Checker runs periodic probes.
type Checker struct {
	manager    *client.Manager
	targets    []Target
	cfg        Config
	logger     *zap.Logger
	failCounts map[string]int
	statuses   map[string]string
	mu         sync.Mutex

	onTransition TransitionFunc
	onMetrics    MetricsRecordFunc
}

// New creates a Checker. Zero config fields get defaults: 30s interval, 10s
// probe timeout, threshold 3, concurrency 10.
func New(m *client.Manager, targets []Target, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	statuses := make(map[string]string, len(targets))
	for _, t := range targets {
		statuses[t.Name] = StatusUnknown
	}
	return &Checker{
		manager:    m,
		targets:    targets,
		cfg:        cfg,
		logger:     logger,
		failCounts: make(map[string]int),
		statuses:   statuses,
	}
}

// SetTransition configures the transition callback.
func (h *Checker) SetTransition(fn TransitionFunc) {
	h.onTransition = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Run checks every target immediately and then once per interval until ctx
// is done.
func (h *Checker) Run(ctx context.Context) {
	h.CheckAll(ctx)

	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Statuses returns a snapshot of every target's status by name.
func (h *Checker) Statuses() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string, len(h.statuses))
	for k, v := range h.statuses {
		out[k] = v
	}
	return out
}

// CheckAll probes all targets with bounded concurrency.
func (h *Checker) CheckAll(ctx context.Context) {
	sem := make(chan struct{}, h.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, t := range h.targets {
		wg.Add(1)
		go func(target Target) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			success := h.probe(ctx, target.Path)
			if h.onMetrics != nil {
				h.onMetrics(success)
			}
			h.record(target, success)
		}(t)
	}

	wg.Wait()
}

func (h *Checker) record(target Target, success bool) {
	h.mu.Lock()
	prevCount := h.failCounts[target.Name]
	if success {
		h.failCounts[target.Name] = 0
	} else {
		h.failCounts[target.Name]++
	}
	count := h.failCounts[target.Name]

	var transition string
	switch {
	case success && prevCount >= h.cfg.FailThreshold:
		transition = StatusHealthy
	case !success && count == h.cfg.FailThreshold:
		transition = StatusDegraded
	}
	switch {
	case success:
		h.statuses[target.Name] = StatusHealthy
	case count >= h.cfg.FailThreshold:
		h.statuses[target.Name] = StatusDegraded
	}
	h.mu.Unlock()

	switch transition {
	case StatusHealthy:
		h.logger.Info("health: recovered", zap.String("target", target.Name))
	case StatusDegraded:
		h.logger.Warn("health: degraded",
			zap.String("target", target.Name),
			zap.Int("fail_count", count),
		)
	default:
		return
	}
	if h.onTransition != nil {
		h.onTransition(target, transition)
	}
}

// probe attempts HEAD then GET, returning true on any 2xx. Both requests go
// through the retrying transport.
func (h *Checker) probe(ctx context.Context, path string) bool {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	defer cancel()

	t, err := h.manager.Transport(ctx)
	if err != nil {
		h.logger.Warn("health: transport unavailable", zap.Error(err))
		return false
	}

	for _, method := range []string{http.MethodHead, http.MethodGet} {
		req, err := t.NewRequest(ctx, method, path, nil)
		if err != nil {
			return false
		}
		resp, err := t.HTTPClient().Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if retry.Classify(resp.StatusCode) == retry.Success {
			return true
		}
	}
	return false
}
