package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/devrev/samoa/internal/metrics"
)

// MembershipConfig holds memberlist configuration
type MembershipConfig struct {
	Enabled      bool
	BindAddr     string
	BindPort     int
	PingInterval time.Duration
	// Join lists memberlist addresses of other servers
	Join []string
}

// nodeMeta is gossiped with every member. It lets members find each
// other's protocol address.
type nodeMeta struct {
	ServerUUID string `json:"server_uuid"`
	Address    string `json:"address"`
}

// MembershipService speeds up discovery: a server joining the gossip pool
// is polled for its cluster state right away instead of waiting for the
// next discovery round
type MembershipService struct {
	memberlist *memberlist.Memberlist
	self       uuid.UUID
	meta       []byte
	onJoin     func(address string)
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewMembershipService starts gossiping our server uuid and protocol
// address. onJoin receives the protocol address of each joining server.
func NewMembershipService(cfg MembershipConfig, self uuid.UUID, address string, onJoin func(string),
	m *metrics.Metrics, logger *zap.Logger) (*MembershipService, error) {
	s := newMembership(self, address, onJoin, m, logger)

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = self.String()
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.PingInterval > 0 {
		mlConfig.ProbeInterval = cfg.PingInterval
	}
	mlConfig.Delegate = s
	mlConfig.Events = s
	mlConfig.Logger = zap.NewStdLog(logger.Named("memberlist"))

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	s.memberlist = ml

	if len(cfg.Join) > 0 {
		if _, err := ml.Join(cfg.Join); err != nil {
			logger.Warn("Failed to join some gossip members", zap.Strings("join", cfg.Join), zap.Error(err))
		}
	}
	s.updateMembers()
	return s, nil
}

func newMembership(self uuid.UUID, address string, onJoin func(string), m *metrics.Metrics, logger *zap.Logger) *MembershipService {
	meta, _ := json.Marshal(nodeMeta{ServerUUID: self.String(), Address: address})
	return &MembershipService{self: self, meta: meta, onJoin: onJoin, metrics: m, logger: logger}
}

// Members returns the number of live gossip members including ourselves
func (s *MembershipService) Members() int {
	if s.memberlist == nil {
		return 1
	}
	return s.memberlist.NumMembers()
}

func (s *MembershipService) updateMembers() {
	s.metrics.UpdateGossipMembers(s.Members())
}

// NodeMeta implements memberlist.Delegate
func (s *MembershipService) NodeMeta(limit int) []byte {
	if len(s.meta) > limit {
		return nil
	}
	return s.meta
}

// NotifyMsg implements memberlist.Delegate
func (s *MembershipService) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *MembershipService) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState implements memberlist.Delegate
func (s *MembershipService) LocalState(join bool) []byte { return nil }

// MergeRemoteState implements memberlist.Delegate
func (s *MembershipService) MergeRemoteState(buf []byte, join bool) {}

// NotifyJoin implements memberlist.EventDelegate
func (s *MembershipService) NotifyJoin(node *memberlist.Node) {
	defer s.updateMembers()

	var meta nodeMeta
	if err := json.Unmarshal(node.Meta, &meta); err != nil || meta.Address == "" {
		s.logger.Debug("Ignoring gossip member without metadata", zap.String("node", node.Name))
		return
	}
	if meta.ServerUUID == s.self.String() {
		return
	}
	s.logger.Info("Gossip member joined",
		zap.String("server_uuid", meta.ServerUUID),
		zap.String("address", meta.Address))
	if s.onJoin != nil {
		s.onJoin(meta.Address)
	}
}

// NotifyLeave implements memberlist.EventDelegate
func (s *MembershipService) NotifyLeave(node *memberlist.Node) {
	s.logger.Info("Gossip member left", zap.String("node", node.Name))
	s.updateMembers()
}

// NotifyUpdate implements memberlist.EventDelegate
func (s *MembershipService) NotifyUpdate(node *memberlist.Node) {}

// Shutdown leaves the gossip pool
func (s *MembershipService) Shutdown() error {
	if s.memberlist == nil {
		return nil
	}
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Failed to leave gossip pool", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}
