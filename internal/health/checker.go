// Package health tracks whether the register's backing services are reachable.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var dependencyUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "register_dependency_up",
	Help: "1 when the last probe of a dependency succeeded, 0 otherwise.",
}, []string{"dependency"})

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Probe returns nil when a dependency is reachable.
type Probe func(ctx context.Context) error

// Status is the outcome of the most recent round of probes.
type Status struct {
	Healthy   bool              `json:"healthy"`
	Checks    map[string]string `json:"checks"`
	CheckedAt time.Time         `json:"checked_at"`
}

// HealthChecker runs named probes, on demand or periodically.
type HealthChecker struct {
	probes     map[string]Probe
	failCounts map[string]int
	mu         sync.Mutex
	last       Status
	cfg        Config
	logger     *zap.Logger
}

// New creates a new HealthChecker.
func New(cfg Config, logger *zap.Logger) *HealthChecker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	return &HealthChecker{
		probes:     make(map[string]Probe),
		failCounts: make(map[string]int),
		last:       Status{Healthy: true, Checks: map[string]string{}},
		cfg:        cfg,
		logger:     logger,
	}
}

// Add registers a probe under name. Call before Start.
func (h *HealthChecker) Add(name string, p Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = p
}

// Start runs the check loop until ctx is done.
func (h *HealthChecker) Start(ctx context.Context) {
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

// CheckAll runs every probe concurrently and records the result.
func (h *HealthChecker) CheckAll(ctx context.Context) Status {
	h.mu.Lock()
	names := make([]string, 0, len(h.probes))
	for name := range h.probes {
		names = append(names, name)
	}
	sort.Strings(names)
	probes := make([]Probe, len(names))
	for i, name := range names {
		probes[i] = h.probes[name]
	}
	h.mu.Unlock()

	results := make([]error, len(names))
	var wg sync.WaitGroup
	for i, probe := range probes {
		wg.Add(1)
		go func(i int, probe Probe) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
			defer cancel()
			results[i] = probe(pctx)
		}(i, probe)
	}
	wg.Wait()

	status := Status{Healthy: true, Checks: make(map[string]string, len(names)), CheckedAt: time.Now().UTC()}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, name := range names {
		err := results[i]
		prevCount := h.failCounts[name]
		if err == nil {
			h.failCounts[name] = 0
			status.Checks[name] = "ok"
			dependencyUp.WithLabelValues(name).Set(1)
			if prevCount >= h.cfg.FailThreshold {
				h.logger.Info("health: recovered", zap.String("dependency", name))
			}
			continue
		}

		h.failCounts[name]++
		status.Healthy = false
		status.Checks[name] = err.Error()
		dependencyUp.WithLabelValues(name).Set(0)
		if h.failCounts[name] == h.cfg.FailThreshold {
			h.logger.Warn("health: degraded",
				zap.String("dependency", name),
				zap.Int("fail_count", h.failCounts[name]),
				zap.Error(err),
			)
		}
	}
	h.last = status
	return status
}

// Last returns the result of the most recent CheckAll.
func (h *HealthChecker) Last() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// Handler serves GET /healthz. It probes synchronously and responds 503 when
// any dependency is down.
func (h *HealthChecker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := h.CheckAll(c.Request.Context())
		code := http.StatusOK
		if !status.Healthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	}
}
