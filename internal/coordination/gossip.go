package coordination

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/devrev/riptide-persistence/internal/model"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// GossipMembership is a SWIM membership view that complements the lease registry.
// It notices failed peers faster than lease expiry.
type GossipMembership struct {
	memberlist *memberlist.Memberlist
	self       model.NodeInfo
	logger     *zap.Logger
}

// NewGossipMembership starts memberlist and joins the seed nodes
func NewGossipMembership(cfg GossipConfig, nodeID string, metadata map[string]string, logger *zap.Logger) (*GossipMembership, error) {
	g := &GossipMembership{
		self: model.NodeInfo{
			NodeID:       nodeID,
			Metadata:     metadata,
			RegisteredAt: time.Now().UTC(),
		},
		logger: logger,
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = g
	mlConfig.Events = &gossipEventDelegate{membership: g}
	mlConfig.LogOutput = zap.NewStdLog(logger).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	g.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}
	return g, nil
}

// Addr returns the address peers should join
func (g *GossipMembership) Addr() string {
	n := g.memberlist.LocalNode()
	return fmt.Sprintf("%s:%d", n.Addr, n.Port)
}

// Members returns live gossip members ordered by id
func (g *GossipMembership) Members() []model.NodeInfo {
	members := g.memberlist.Members()
	out := make([]model.NodeInfo, 0, len(members))
	for _, n := range members {
		info := model.NodeInfo{NodeID: n.Name}
		if len(n.Meta) > 0 {
			if err := json.Unmarshal(n.Meta, &info); err != nil {
				g.logger.Debug("Unreadable gossip metadata", zap.String("node_id", n.Name), zap.Error(err))
				info = model.NodeInfo{NodeID: n.Name}
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// NodeMeta implements memberlist.Delegate
func (g *GossipMembership) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(g.self)
	if len(data) > limit {
		// truncated JSON is useless to peers
		data, _ = json.Marshal(model.NodeInfo{NodeID: g.self.NodeID})
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (g *GossipMembership) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate
func (g *GossipMembership) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (g *GossipMembership) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (g *GossipMembership) MergeRemoteState(buf []byte, join bool) {}

// Shutdown leaves the cluster and stops memberlist
func (g *GossipMembership) Shutdown(timeout time.Duration) error {
	if err := g.memberlist.Leave(timeout); err != nil {
		g.logger.Warn("Gossip leave failed", zap.Error(err))
	}
	return g.memberlist.Shutdown()
}

// gossipEventDelegate handles memberlist events
type gossipEventDelegate struct {
	membership *GossipMembership
}

func (d *gossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.membership.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
}

func (d *gossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.membership.logger.Info("Node left",
		zap.String("node_id", node.Name))
}

func (d *gossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.membership.logger.Debug("Node updated",
		zap.String("node_id", node.Name))
}
