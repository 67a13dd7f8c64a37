package service

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/samoa/internal/cluster"
	"github.com/devrev/samoa/internal/metrics"
)

// CompactionService runs bottom-up compaction passes over every local
// partition and publishes digests that became due
type CompactionService struct {
	manager *cluster.Manager
	gossip  *DigestGossip
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewCompactionService creates a compaction service. gossip may be nil.
func NewCompactionService(manager *cluster.Manager, gossip *DigestGossip, m *metrics.Metrics, logger *zap.Logger) *CompactionService {
	return &CompactionService{manager: manager, gossip: gossip, metrics: m, logger: logger}
}

// RunOnce compacts every local partition once
func (s *CompactionService) RunOnce(ctx context.Context) error {
	cs := s.manager.Acquire()
	defer cs.Release()

	for _, table := range cs.Tables() {
		for _, lp := range table.LocalPartitions() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.compact(ctx, cs, table, lp)
		}
	}
	return nil
}

func (s *CompactionService) compact(ctx context.Context, cs *cluster.State, table *cluster.Table, lp *cluster.LocalPartition) {
	partitionID := lp.UUID().String()
	res := lp.Resources()
	if err := res.Lock().Acquire(ctx); err != nil {
		return
	}
	start := time.Now()
	stats, err := lp.Persister().BottomUpCompaction()
	duration := time.Since(start)
	res.Lock().Release()
	if err != nil {
		s.logger.Error("Compaction failed",
			zap.String("partition_uuid", partitionID),
			zap.Error(err))
		return
	}
	s.metrics.RecordCompaction(duration.Seconds(), stats.Reclaimed, stats.Dropped, stats.Demoted, stats.Rotated)
	for i, layer := range lp.Persister().Stats() {
		s.metrics.UpdateLayerUsage(partitionID, strconv.Itoa(i), layer.Used)
	}
	if stats.Total() > 0 {
		s.logger.Debug("Compaction pass completed",
			zap.String("partition_uuid", partitionID),
			zap.Int("reclaimed", stats.Reclaimed),
			zap.Int("dropped", stats.Dropped),
			zap.Int("demoted", stats.Demoted),
			zap.Int("rotated", stats.Rotated),
			zap.Duration("duration", duration))
	}

	res.CompactionsSinceGossip.Add(1)
	if s.gossip == nil || !s.gossip.Due(res) {
		return
	}
	if err := s.gossip.Publish(ctx, cs, table, lp); err != nil {
		s.logger.Warn("Digest gossip failed",
			zap.String("partition_uuid", partitionID),
			zap.Error(err))
	}
}
