package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/devrev/samoa/internal/metrics"
)

// Status is the overall state of a server
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check statuses
const (
	CheckHealthy  = "healthy"
	CheckWarning  = "warning"
	CheckCritical = "critical"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string
	Status    string
	Message   string
	Timestamp time.Time
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	// Directories holding partition layers, digests and the state store.
	// Empty entries are skipped.
	Directories []string
	Interval    time.Duration
	// DiskWarning and DiskCritical are usage fractions
	DiskWarning  float64
	DiskCritical float64
}

// HealthChecker periodically checks the data directories of a server
type HealthChecker struct {
	cfg     HealthCheckConfig
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu        sync.RWMutex
	lastCheck time.Time
	status    Status
	checks    map[string]CheckResult
	ready     bool
}

// NewHealthChecker creates a new health checker. m may be nil.
func NewHealthChecker(cfg HealthCheckConfig, m *metrics.Metrics, logger *zap.Logger) *HealthChecker {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.DiskWarning <= 0 {
		cfg.DiskWarning = 0.90
	}
	if cfg.DiskCritical <= 0 {
		cfg.DiskCritical = 0.95
	}
	dirs := cfg.Directories[:0:0]
	for _, dir := range cfg.Directories {
		if dir != "" {
			dirs = append(dirs, dir)
		}
	}
	cfg.Directories = dirs

	return &HealthChecker{
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		status:  StatusHealthy,
		checks:  make(map[string]CheckResult),
		ready:   true,
	}
}

// Run checks once, then every interval until ctx is done
func (h *HealthChecker) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	h.RunChecks()
	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			return nil
		}
	}
}

// RunChecks runs all checks and updates the overall status
func (h *HealthChecker) RunChecks() {
	var results []CheckResult
	var used, available int64
	for _, dir := range h.cfg.Directories {
		disk, u, a := h.checkDiskSpace(dir)
		used += u
		available += a
		results = append(results, disk, h.checkWritable(dir))
	}
	results = append(results, h.checkFileDescriptors())

	if h.metrics != nil {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		h.metrics.UpdateSystemStats(used, available, int64(memStats.Alloc), runtime.NumGoroutine())
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	healthy, ready := true, true
	for _, result := range results {
		h.checks[result.Name] = result
		if result.Status != CheckHealthy {
			healthy = false
		}
		if result.Status == CheckCritical {
			ready = false
		}
	}
	switch {
	case healthy:
		h.status = StatusHealthy
	case ready:
		h.status = StatusDegraded
	default:
		h.status = StatusUnhealthy
	}
	h.ready = ready

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("readiness", h.ready))
}

func result(name, status, message string) CheckResult {
	return CheckResult{Name: name, Status: status, Message: message, Timestamp: time.Now()}
}

// checkDiskSpace checks the filesystem holding dir
func (h *HealthChecker) checkDiskSpace(dir string) (CheckResult, int64, int64) {
	name := "disk_space:" + dir
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return result(name, CheckCritical, fmt.Sprintf("Failed to stat filesystem: %v", err)), 0, 0
	}

	available := int64(stat.Bavail) * int64(stat.Bsize)
	total := int64(stat.Blocks) * int64(stat.Bsize)
	used := total - int64(stat.Bfree)*int64(stat.Bsize)
	if total <= 0 {
		return result(name, CheckHealthy, "Filesystem reports no blocks"), used, available
	}

	usage := float64(used) / float64(total)
	switch {
	case usage > h.cfg.DiskCritical:
		return result(name, CheckCritical, fmt.Sprintf("Disk usage critical: %.2f%%", usage*100)), used, available
	case usage > h.cfg.DiskWarning:
		return result(name, CheckWarning, fmt.Sprintf("Disk usage high: %.2f%%", usage*100)), used, available
	}
	return result(name, CheckHealthy, fmt.Sprintf("Disk usage: %.2f%%", usage*100)), used, available
}

// checkWritable checks that dir exists and accepts new files
func (h *HealthChecker) checkWritable(dir string) CheckResult {
	name := "writable:" + dir
	info, err := os.Stat(dir)
	if err != nil {
		return result(name, CheckCritical, fmt.Sprintf("Directory not accessible: %v", err))
	}
	if !info.IsDir() {
		return result(name, CheckCritical, "Path is not a directory")
	}

	f, err := os.CreateTemp(dir, ".health_check_*")
	if err != nil {
		return result(name, CheckCritical, fmt.Sprintf("Cannot write to directory: %v", err))
	}
	f.Close()
	os.Remove(filepath.Clean(f.Name()))
	return result(name, CheckHealthy, "Directory is writable")
}

// checkFileDescriptors checks open descriptors against the soft limit.
// Platforms without /proc report healthy.
func (h *HealthChecker) checkFileDescriptors() CheckResult {
	const name = "file_descriptors"
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return result(name, CheckWarning, fmt.Sprintf("Failed to get rlimit: %v", err))
	}
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil || rlimit.Cur == 0 {
		return result(name, CheckHealthy, fmt.Sprintf("Soft limit: %d", rlimit.Cur))
	}

	open := uint64(len(entries))
	usage := float64(open) / float64(rlimit.Cur)
	if usage > 0.9 {
		return result(name, CheckWarning, fmt.Sprintf("File descriptor usage high: %d/%d", open, rlimit.Cur))
	}
	return result(name, CheckHealthy, fmt.Sprintf("File descriptor usage: %d/%d", open, rlimit.Cur))
}

// IsReady returns whether the server can serve traffic
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// SetReadiness overrides readiness, e.g. during shutdown
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// Status returns the overall status and the time of the last check
func (h *HealthChecker) Status() (Status, time.Time) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status, h.lastCheck
}

// Checks returns a copy of the latest check results
func (h *HealthChecker) Checks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}
