package cluster

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/devrev/cachemesh/internal/model"
)

// NodeEventHandler receives cache nodes discovered or lost through gossip
type NodeEventHandler interface {
	NodeJoined(node *model.Node)
	NodeLeft(nodeID string)
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Name           string
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// NodeAdvertisement is gossiped as member metadata: the cache node a member fronts
type NodeAdvertisement struct {
	CacheNodeID string         `json:"cache_node_id"`
	Role        model.NodeRole `json:"role"`
	ShardID     int            `json:"shard_id"`
}

// GossipDiscovery feeds cache nodes advertised by memberlist peers into a handler
type GossipDiscovery struct {
	memberlist *memberlist.Memberlist
	local      NodeAdvertisement
	handler    NodeEventHandler
	logger     *zap.Logger

	// memberlist name -> advertised cache node id
	peers map[string]string
	mu    sync.Mutex
}

// NewGossipDiscovery starts a memberlist agent advertising local and joins the seeds
func NewGossipDiscovery(cfg *GossipConfig, local NodeAdvertisement, handler NodeEventHandler, logger *zap.Logger) (*GossipDiscovery, error) {
	gd := &GossipDiscovery{
		local:   local,
		handler: handler,
		logger:  logger,
		peers:   make(map[string]string),
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = cfg.Name
	if mlConfig.Name == "" {
		mlConfig.Name = local.CacheNodeID
	}
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
		mlConfig.AdvertiseAddr = cfg.BindAddr
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
	mlConfig.Delegate = gd
	mlConfig.Events = &gossipEventDelegate{discovery: gd}
	if stdLog, err := zap.NewStdLogAt(logger.Named("memberlist"), zapcore.DebugLevel); err == nil {
		mlConfig.Logger = stdLog
	}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gd.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		joined, err := ml.Join(cfg.SeedNodes)
		if err != nil {
			logger.Warn("Failed to join some seed nodes",
				zap.Int("joined", joined),
				zap.Strings("seeds", cfg.SeedNodes),
				zap.Error(err))
		}
	}

	return gd, nil
}

// Addr returns the address other members can join on
func (g *GossipDiscovery) Addr() string {
	n := g.memberlist.LocalNode()
	return fmt.Sprintf("%s:%d", n.Addr, n.Port)
}

// Members returns the number of live gossip members, this one included
func (g *GossipDiscovery) Members() int {
	return g.memberlist.NumMembers()
}

// Shutdown leaves the cluster gracefully and stops the agent
func (g *GossipDiscovery) Shutdown(timeout time.Duration) error {
	if err := g.memberlist.Leave(timeout); err != nil {
		g.logger.Warn("Gossip leave did not complete", zap.Error(err))
	}
	return g.memberlist.Shutdown()
}

// NodeMeta implements memberlist.Delegate
func (g *GossipDiscovery) NodeMeta(limit int) []byte {
	data, err := json.Marshal(g.local)
	if err != nil || len(data) > limit {
		g.logger.Error("Node advertisement does not fit gossip metadata",
			zap.Int("limit", limit),
			zap.Error(err))
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (g *GossipDiscovery) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate
func (g *GossipDiscovery) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (g *GossipDiscovery) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (g *GossipDiscovery) MergeRemoteState(buf []byte, join bool) {}

// DecodeAdvertisement parses member metadata
func DecodeAdvertisement(meta []byte) (NodeAdvertisement, error) {
	var adv NodeAdvertisement
	if len(meta) == 0 {
		return adv, fmt.Errorf("empty node metadata")
	}
	if err := json.Unmarshal(meta, &adv); err != nil {
		return adv, fmt.Errorf("invalid node metadata: %w", err)
	}
	if adv.CacheNodeID == "" {
		return adv, fmt.Errorf("node metadata without cache_node_id")
	}
	return adv, nil
}

func (g *GossipDiscovery) handleJoin(member *memberlist.Node) {
	adv, err := DecodeAdvertisement(member.Meta)
	if err != nil {
		g.logger.Warn("Ignoring gossip member",
			zap.String("member", member.Name),
			zap.Error(err))
		return
	}

	g.mu.Lock()
	g.peers[member.Name] = adv.CacheNodeID
	g.mu.Unlock()

	g.logger.Info("Cache node discovered",
		zap.String("member", member.Name),
		zap.String("node_id", adv.CacheNodeID),
		zap.String("addr", member.Addr.String()))

	if g.handler != nil {
		g.handler.NodeJoined(&model.Node{
			NodeID:  adv.CacheNodeID,
			Address: adv.CacheNodeID,
			Role:    adv.Role,
			ShardID: adv.ShardID,
		})
	}
}

func (g *GossipDiscovery) handleLeave(member *memberlist.Node) {
	g.mu.Lock()
	nodeID, ok := g.peers[member.Name]
	delete(g.peers, member.Name)
	g.mu.Unlock()

	if !ok {
		return
	}
	g.logger.Info("Cache node left gossip", zap.String("member", member.Name), zap.String("node_id", nodeID))
	if g.handler != nil {
		g.handler.NodeLeft(nodeID)
	}
}

// gossipEventDelegate handles memberlist events
type gossipEventDelegate struct {
	discovery *GossipDiscovery
}

// NotifyJoin is called when a node joins
func (d *gossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.discovery.handleJoin(node)
}

// NotifyLeave is called when a node leaves
func (d *gossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.discovery.handleLeave(node)
}

// NotifyUpdate is called when a node is updated
func (d *gossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.discovery.logger.Debug("Gossip member updated", zap.String("member", node.Name))
	d.discovery.handleJoin(node)
}
