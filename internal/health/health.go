package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/devrev/riptide-persistence/internal/util/diskguard"
	"go.uber.org/zap"
)

// Check statuses
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// Node statuses
const (
	NodeHealthy   = "healthy"
	NodeDegraded  = "degraded"
	NodeUnhealthy = "unhealthy"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Check produces one result per run
type Check func(ctx context.Context) CheckResult

// Report is the JSON body of the health endpoints
type Report struct {
	NodeID    string                 `json:"node_id"`
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Config holds configuration for health checks
type Config struct {
	NodeID   string
	Interval time.Duration
	// Timeout bounds a single run of all checks
	Timeout time.Duration
}

// Checker runs registered checks periodically and caches the outcome.
// A critical result makes the node unready; warnings only degrade it.
type Checker struct {
	nodeID   string
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu          sync.RWMutex
	checks      []Check
	lastCheck   time.Time
	status      string
	results     map[string]CheckResult
	readinessOK bool
}

// NewChecker creates a checker with no checks registered
func NewChecker(cfg Config, logger *zap.Logger) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Checker{
		nodeID:   cfg.NodeID,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		logger:   logger,
		status:   NodeHealthy,
		results:  make(map[string]CheckResult),
	}
}

// Register adds a check
func (h *Checker) Register(check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// Start runs checks every interval until ctx is done
func (h *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.Run(ctx)

	for {
		select {
		case <-ticker.C:
			h.Run(ctx)
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// Run executes every check once and updates the cached status
func (h *Checker) Run(ctx context.Context) {
	h.mu.RLock()
	checks := append([]Check(nil), h.checks...)
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make(map[string]CheckResult, len(checks))
	allHealthy, allReady := true, true
	for _, check := range checks {
		result := check(ctx)
		results[result.Name] = result
		if result.Status != StatusHealthy {
			allHealthy = false
			if result.Status == StatusCritical {
				allReady = false
			}
		}
	}

	status := NodeHealthy
	switch {
	case !allReady:
		status = NodeUnhealthy
	case !allHealthy:
		status = NodeDegraded
	}

	h.mu.Lock()
	h.lastCheck = time.Now()
	h.results = results
	h.status = status
	h.readinessOK = allReady
	h.mu.Unlock()

	h.logger.Debug("Health check completed",
		zap.String("status", status),
		zap.Bool("readiness", allReady))
}

// Report returns the cached outcome of the last run
func (h *Checker) Report() Report {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.results))
	for name, r := range h.results {
		checks[name] = r
	}
	return Report{
		NodeID:    h.nodeID,
		Status:    h.status,
		Timestamp: h.lastCheck,
		Checks:    checks,
	}
}

// Ready reports whether the last run found no critical check
func (h *Checker) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// LivenessHandler answers 200 while the process can serve HTTP
func (h *Checker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Report{
		NodeID:    h.nodeID,
		Status:    NodeHealthy,
		Timestamp: time.Now().UTC(),
	})
}

// ReadinessHandler answers 503 while any critical check fails.
// The first request runs the checks if the background loop has not yet.
func (h *Checker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	never := h.lastCheck.IsZero()
	h.mu.RUnlock()
	if never {
		h.Run(r.Context())
	}

	code := http.StatusOK
	if !h.Ready() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h.Report())
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// PingCheck is critical while ping fails
func PingCheck(name string, ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{
				Name:      name,
				Status:    StatusCritical,
				Message:   fmt.Sprintf("ping failed: %v", err),
				Timestamp: time.Now(),
			}
		}
		return CheckResult{Name: name, Status: StatusHealthy, Timestamp: time.Now()}
	}
}

// DiskCheck warns at warnPercent and is critical once the guard rejects writes
func DiskCheck(name string, guard *diskguard.Guard, warnPercent, criticalPercent float64) Check {
	return func(ctx context.Context) CheckResult {
		u := guard.Usage()
		if u.CheckedAt.IsZero() {
			return CheckResult{
				Name:      name,
				Status:    StatusWarning,
				Message:   "disk usage unavailable",
				Timestamp: time.Now(),
			}
		}

		status := StatusHealthy
		switch {
		case u.UsagePercent >= criticalPercent:
			status = StatusCritical
		case u.UsagePercent >= warnPercent:
			status = StatusWarning
		}
		return CheckResult{
			Name:      name,
			Status:    status,
			Message:   fmt.Sprintf("disk usage %.2f%%, %d bytes available", u.UsagePercent, u.AvailableBytes),
			Timestamp: time.Now(),
		}
	}
}

// MemoryCheck warns once session memory passes warnRatio of its limit.
// Spillover keeps serving past the limit, so this never turns critical.
func MemoryCheck(usage func() (used, limit int64), warnRatio float64) Check {
	return func(ctx context.Context) CheckResult {
		used, limit := usage()
		result := CheckResult{Name: "session_memory", Status: StatusHealthy, Timestamp: time.Now()}
		if limit <= 0 {
			result.Message = fmt.Sprintf("%d bytes in memory, spillover disabled", used)
			return result
		}

		ratio := float64(used) / float64(limit)
		result.Message = fmt.Sprintf("%d of %d bytes (%.0f%%)", used, limit, ratio*100)
		if ratio >= warnRatio {
			result.Status = StatusWarning
		}
		return result
	}
}
