package diskguard

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	perrors "github.com/devrev/riptide-persistence/internal/errors"
	"go.uber.org/zap"
)

// Usage is a filesystem usage sample
type Usage struct {
	TotalBytes     uint64
	AvailableBytes uint64
	UsagePercent   float64
	CheckedAt      time.Time
}

// StatFunc samples the filesystem holding dir
type StatFunc func(dir string) (Usage, error)

// Guard refuses checkpoint and spill writes when the target filesystem is nearly full
type Guard struct {
	dir           string
	checkInterval time.Duration
	warnPercent   float64
	rejectPercent float64
	stat          StatFunc
	logger        *zap.Logger

	mu       sync.Mutex
	last     Usage
	rejected bool
}

// Config holds guard thresholds
type Config struct {
	Dir           string
	CheckInterval time.Duration
	WarnPercent   float64
	RejectPercent float64
	Stat          StatFunc
}

// New creates a guard for dir
func New(cfg Config, logger *zap.Logger) *Guard {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if cfg.WarnPercent <= 0 {
		cfg.WarnPercent = 80
	}
	if cfg.RejectPercent <= 0 {
		cfg.RejectPercent = 95
	}
	if cfg.Stat == nil {
		cfg.Stat = Statfs
	}
	return &Guard{
		dir:           cfg.Dir,
		checkInterval: cfg.CheckInterval,
		warnPercent:   cfg.WarnPercent,
		rejectPercent: cfg.RejectPercent,
		stat:          cfg.Stat,
		logger:        logger,
	}
}

// Statfs samples usage with statfs(2)
func Statfs(dir string) (Usage, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return Usage{}, fmt.Errorf("failed to stat filesystem: %w", err)
	}

	total := st.Blocks * uint64(st.Bsize)
	avail := st.Bavail * uint64(st.Bsize)
	var pct float64
	if total > 0 {
		pct = float64(total-avail) / float64(total) * 100.0
	}
	return Usage{TotalBytes: total, AvailableBytes: avail, UsagePercent: pct, CheckedAt: time.Now()}, nil
}

// CheckBeforeWrite returns a Filesystem error if a write of estimatedBytes should not proceed.
// A failed sample is logged and the write is allowed; the write itself will surface real I/O errors.
func (g *Guard) CheckBeforeWrite(estimatedBytes uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if time.Since(g.last.CheckedAt) > g.checkInterval {
		g.refreshLocked()
	}
	if g.last.CheckedAt.IsZero() {
		return nil
	}

	if g.rejected {
		return perrors.Filesystem(g.dir, fmt.Errorf("disk usage at %.2f%%, writes rejected", g.last.UsagePercent)).
			WithDetail("usage_percent", g.last.UsagePercent)
	}
	if estimatedBytes > g.last.AvailableBytes {
		return perrors.Filesystem(g.dir, fmt.Errorf("insufficient space: need %d bytes, have %d", estimatedBytes, g.last.AvailableBytes)).
			WithDetail("available_bytes", g.last.AvailableBytes)
	}
	return nil
}

// Usage returns the last sample, refreshing it when stale
func (g *Guard) Usage() Usage {
	g.mu.Lock()
	defer g.mu.Unlock()
	if time.Since(g.last.CheckedAt) > g.checkInterval {
		g.refreshLocked()
	}
	return g.last
}

func (g *Guard) refreshLocked() {
	u, err := g.stat(g.dir)
	if err != nil {
		g.logger.Warn("Disk usage check failed", zap.String("dir", g.dir), zap.Error(err))
		return
	}

	wasRejected := g.rejected
	g.last = u
	g.rejected = u.UsagePercent >= g.rejectPercent

	switch {
	case g.rejected && !wasRejected:
		g.logger.Error("Disk usage critical, rejecting persistence writes",
			zap.String("dir", g.dir),
			zap.Float64("usage_percent", u.UsagePercent),
			zap.Float64("threshold", g.rejectPercent))
	case !g.rejected && wasRejected:
		g.logger.Info("Disk usage recovered, accepting persistence writes",
			zap.String("dir", g.dir),
			zap.Float64("usage_percent", u.UsagePercent))
	case u.UsagePercent >= g.warnPercent:
		g.logger.Warn("Disk usage high",
			zap.String("dir", g.dir),
			zap.Float64("usage_percent", u.UsagePercent))
	}
}
