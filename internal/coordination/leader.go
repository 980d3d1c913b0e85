package coordination

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/riptide-persistence/internal/metrics"
	"github.com/devrev/riptide-persistence/internal/store"
	"go.uber.org/zap"
)

// LeaderElector keeps trying to hold the cluster leadership lease.
// A leader that cannot renew steps down once its lease would have lapsed.
type LeaderElector struct {
	coord    store.Coordinator
	nodeID   string
	ttl      time.Duration
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger

	isLeader    atomic.Bool
	lastRenewal time.Time

	mu        sync.Mutex
	onElected []func()
	onRevoked []func()

	started  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewLeaderElector renews every ttl/3
func NewLeaderElector(coord store.Coordinator, ttl time.Duration, m *metrics.Metrics, logger *zap.Logger) *LeaderElector {
	return &LeaderElector{
		coord:    coord,
		nodeID:   coord.NodeID(),
		ttl:      ttl,
		interval: ttl / 3,
		metrics:  m,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// OnElected registers fn to run when this node gains leadership
func (e *LeaderElector) OnElected(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onElected = append(e.onElected, fn)
}

// OnRevoked registers fn to run when this node loses leadership
func (e *LeaderElector) OnRevoked(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onRevoked = append(e.onRevoked, fn)
}

// IsLeader reports the last observed leadership state
func (e *LeaderElector) IsLeader() bool {
	return e.isLeader.Load()
}

// Start runs the election loop until Stop or ctx is done
func (e *LeaderElector) Start(ctx context.Context) {
	e.started.Store(true)
	go e.run(ctx)
}

func (e *LeaderElector) run(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one acquire-or-renew round
func (e *LeaderElector) Tick(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, e.interval)
	defer cancel()

	acquired, err := e.coord.TryAcquireLeadership(opCtx, e.nodeID, e.ttl)
	now := time.Now()
	if err != nil {
		e.logger.Warn("Leadership renewal failed", zap.String("node_id", e.nodeID), zap.Error(err))
		if e.IsLeader() && now.Sub(e.lastRenewal) >= e.ttl {
			e.transition(false)
		}
		return
	}

	if acquired {
		e.lastRenewal = now
	}
	e.transition(acquired)
}

func (e *LeaderElector) transition(leader bool) {
	if e.isLeader.Swap(leader) == leader {
		return
	}

	e.mu.Lock()
	callbacks := e.onRevoked
	if leader {
		callbacks = e.onElected
	}
	callbacks = append([]func(){}, callbacks...)
	e.mu.Unlock()

	if leader {
		e.metrics.IsLeader.Set(1)
		e.logger.Info("Acquired leadership", zap.String("node_id", e.nodeID))
	} else {
		e.metrics.IsLeader.Set(0)
		e.logger.Info("Lost leadership", zap.String("node_id", e.nodeID))
	}
	for _, fn := range callbacks {
		fn()
	}
}

// Stop ends the loop and releases the lease if held
func (e *LeaderElector) Stop(ctx context.Context) error {
	var err error
	e.stopOnce.Do(func() {
		close(e.stopCh)
		if e.started.Load() {
			select {
			case <-e.doneCh:
			case <-ctx.Done():
			}
		}
		if e.IsLeader() {
			err = e.coord.ReleaseLeadership(ctx, e.nodeID)
			e.transition(false)
		}
	})
	return err
}
