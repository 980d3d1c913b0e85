package coordination

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	perrors "github.com/devrev/riptide-persistence/internal/errors"
	"github.com/devrev/riptide-persistence/internal/metrics"
	"github.com/devrev/riptide-persistence/internal/model"
	"github.com/devrev/riptide-persistence/internal/store"
	"go.uber.org/zap"
)

// Membership registers this node and keeps its liveness lease fresh
type Membership struct {
	coord    store.Coordinator
	nodeID   string
	metadata map[string]string
	ttl      time.Duration
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger

	started  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// MembershipConfig configures node registration
type MembershipConfig struct {
	Metadata          map[string]string
	NodeTTL           time.Duration
	HeartbeatInterval time.Duration
}

// NewMembership creates a membership manager for the coordinator's node
func NewMembership(coord store.Coordinator, cfg MembershipConfig, m *metrics.Metrics, logger *zap.Logger) *Membership {
	return &Membership{
		coord:    coord,
		nodeID:   coord.NodeID(),
		metadata: cfg.Metadata,
		ttl:      cfg.NodeTTL,
		interval: cfg.HeartbeatInterval,
		metrics:  m,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start registers the node and begins heartbeating
func (m *Membership) Start(ctx context.Context) error {
	if err := m.coord.RegisterNode(ctx, m.nodeID, m.metadata, m.ttl); err != nil {
		return perrors.Coordination("failed to register node", err).WithDetail("node_id", m.nodeID)
	}
	m.logger.Info("Registered node",
		zap.String("node_id", m.nodeID),
		zap.Duration("ttl", m.ttl))

	m.started.Store(true)
	go m.run(ctx)
	return nil
}

func (m *Membership) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Beat(ctx)
		}
	}
}

// Beat sends one heartbeat, re-registering if the lease lapsed
func (m *Membership) Beat(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	err := m.coord.Heartbeat(opCtx, m.nodeID, m.ttl)
	if err == nil {
		return
	}

	m.metrics.HeartbeatFailuresTotal.Inc()
	if perrors.Is(err, perrors.ErrCodeCoordination) {
		m.logger.Warn("Node lease lapsed, re-registering", zap.String("node_id", m.nodeID))
		if err := m.coord.RegisterNode(opCtx, m.nodeID, m.metadata, m.ttl); err != nil {
			m.logger.Error("Failed to re-register node", zap.String("node_id", m.nodeID), zap.Error(err))
		}
		return
	}
	m.logger.Warn("Heartbeat failed", zap.String("node_id", m.nodeID), zap.Error(err))
}

// Nodes returns live cluster members ordered by id
func (m *Membership) Nodes(ctx context.Context) ([]model.NodeInfo, error) {
	nodes, err := m.coord.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
	m.metrics.ClusterNodes.Set(float64(len(nodes)))
	return nodes, nil
}

// Stop ends heartbeating and removes the registration
func (m *Membership) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.started.Load() {
			select {
			case <-m.doneCh:
			case <-ctx.Done():
			}
		}
		err = m.coord.UnregisterNode(ctx, m.nodeID)
	})
	return err
}

// ClusterView is the lease registry, widened by the gossip view when one runs
type ClusterView struct {
	Membership *Membership
	Gossip     *GossipMembership
}

// Nodes lists registered nodes plus peers only gossip has seen so far
func (v ClusterView) Nodes(ctx context.Context) ([]model.NodeInfo, error) {
	nodes, err := v.Membership.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	if v.Gossip == nil {
		return nodes, nil
	}
	return mergeNodes(nodes, v.Gossip.Members()), nil
}

// mergeNodes keeps leased entries and appends gossip-only peers, ordered by id
func mergeNodes(leased, gossiped []model.NodeInfo) []model.NodeInfo {
	seen := make(map[string]bool, len(leased))
	out := append([]model.NodeInfo(nil), leased...)
	for _, n := range leased {
		seen[n.NodeID] = true
	}
	for _, n := range gossiped {
		if !seen[n.NodeID] {
			seen[n.NodeID] = true
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}
