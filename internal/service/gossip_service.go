package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harbordb/kvengine/internal/model"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// GossipService manages cluster membership and health propagation.
// Member departures are surfaced to the engine so it can flag
// replication chains that just lost a node.
type GossipService struct {
	config     *GossipConfig
	memberlist *memberlist.Memberlist
	nodeID     string
	logger     *zap.Logger
	healthData *model.HealthStatus

	// onNodeDown is invoked with the name of a departed member.
	onNodeDown func(node string)
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// NewGossipService creates a new gossip service
func NewGossipService(cfg *GossipConfig, nodeID string, onNodeDown func(string), logger *zap.Logger) (*GossipService, error) {
	gs := &GossipService{
		config:     cfg,
		nodeID:     nodeID,
		logger:     logger,
		onNodeDown: onNodeDown,
		healthData: &model.HealthStatus{
			NodeID:    nodeID,
			Status:    model.NodeStatusHealthy,
			Timestamp: time.Now().Unix(),
		},
	}

	// Configure memberlist
	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	mlConfig.BindPort = cfg.BindPort
	mlConfig.GossipInterval = cfg.GossipInterval
	mlConfig.ProbeTimeout = cfg.ProbeTimeout
	mlConfig.ProbeInterval = cfg.ProbeInterval
	mlConfig.Delegate = gs
	mlConfig.Events = &GossipEventDelegate{service: gs}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	// Join seed nodes
	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	return gs, nil
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(s.healthData)
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {
	var healthStatus model.HealthStatus
	if err := json.Unmarshal(data, &healthStatus); err != nil {
		s.logger.Warn("Failed to unmarshal gossip message", zap.Error(err))
		return
	}

	s.logger.Debug("Received health status",
		zap.String("node_id", healthStatus.NodeID),
		zap.String("status", string(healthStatus.Status)))
}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	data, _ := json.Marshal(s.healthData)
	return data
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {
}

// UpdateHealthStatus refreshes the health payload gossiped to peers.
func (s *GossipService) UpdateHealthStatus(metrics model.HealthMetrics) {
	s.healthData.Timestamp = time.Now().Unix()
	s.healthData.Metrics = metrics

	if metrics.MemoryUsage > 90 {
		s.healthData.Status = model.NodeStatusDegraded
	} else {
		s.healthData.Status = model.NodeStatusHealthy
	}
}

// NumMembers returns the number of members in the cluster view.
func (s *GossipService) NumMembers() int {
	return s.memberlist.NumMembers()
}

// HealthyMembers counts members currently reporting healthy.
func (s *GossipService) HealthyMembers() int {
	healthy := 0
	for _, member := range s.memberlist.Members() {
		var hs model.HealthStatus
		if err := json.Unmarshal(member.Meta, &hs); err != nil {
			continue
		}
		if hs.Status == model.NodeStatusHealthy {
			healthy++
		}
	}
	return healthy
}

// Leave gracefully leaves the cluster.
func (s *GossipService) Leave(timeout time.Duration) error {
	if err := s.memberlist.Leave(timeout); err != nil {
		return fmt.Errorf("failed to leave cluster: %w", err)
	}
	return s.memberlist.Shutdown()
}

// GossipEventDelegate handles membership change events
type GossipEventDelegate struct {
	service *GossipService
}

// NotifyJoin implements memberlist.EventDelegate
func (d *GossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined cluster", zap.String("node", node.Name))
}

// NotifyLeave implements memberlist.EventDelegate
func (d *GossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Warn("Node left cluster", zap.String("node", node.Name))
	if d.service.onNodeDown != nil {
		d.service.onNodeDown(node.Name)
	}
}

// NotifyUpdate implements memberlist.EventDelegate
func (d *GossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Node updated", zap.String("node", node.Name))
}
