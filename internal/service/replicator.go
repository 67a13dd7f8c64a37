package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/samoa/internal/cluster"
	"github.com/devrev/samoa/internal/digest"
	"github.com/devrev/samoa/internal/metrics"
	"github.com/devrev/samoa/internal/request"
	"github.com/devrev/samoa/internal/storage/persister"
	"github.com/devrev/samoa/internal/util/workerpool"
)

// Replicator pushes records that compaction carried forward to the other
// replicas of their key. Only records whose checksum is unseen in the local
// digest are pushed, and replicas whose gossiped digest may already hold
// the record are skipped.
type Replicator struct {
	manager  *cluster.Manager
	executor *request.Executor
	digests  *digest.RemoteCache
	pool     *workerpool.WorkerPool
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu       sync.Mutex
	attached map[uuid.UUID]*cluster.LocalResources
}

// NewReplicator creates a replicator whose pushes run on pool
func NewReplicator(manager *cluster.Manager, executor *request.Executor, digests *digest.RemoteCache,
	pool *workerpool.WorkerPool, m *metrics.Metrics, logger *zap.Logger) *Replicator {
	return &Replicator{
		manager:  manager,
		executor: executor,
		digests:  digests,
		pool:     pool,
		metrics:  m,
		logger:   logger,
		attached: make(map[uuid.UUID]*cluster.LocalResources),
	}
}

// Attach registers a compaction listener on every local partition of cs
// that does not have one yet and forgets partitions cs no longer holds
func (r *Replicator) Attach(cs *cluster.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := make(map[uuid.UUID]bool)
	for _, lp := range cs.LocalPartitions() {
		live[lp.UUID()] = true
		res := lp.Resources()
		if r.attached[lp.UUID()] == res {
			continue
		}
		r.attached[lp.UUID()] = res

		partitionID := lp.UUID()
		res.Persister.SetCompactionListener(func(ev persister.CompactionEvent) {
			r.enqueue(partitionID, res.Digest, ev)
		})
	}
	for id := range r.attached {
		if !live[id] {
			delete(r.attached, id)
			r.digests.Delete(id)
		}
	}
}

// enqueue runs under the persister lock and must not block
func (r *Replicator) enqueue(partitionID uuid.UUID, local *digest.Digest, ev persister.CompactionEvent) {
	if ev.Action != persister.ActionDemoted && ev.Action != persister.ActionRotated {
		return
	}
	if local != nil {
		if local.Test(ev.Checksum) {
			r.metrics.RecordReplication("known")
			return
		}
		local.Add(ev.Checksum)
	}
	ok := r.pool.TrySubmit(workerpool.Task{
		ID: fmt.Sprintf("replicate-%s-%s", partitionID, ev.Action),
		Fn: func(ctx context.Context) error {
			return r.replicate(ctx, partitionID, ev)
		},
	})
	if !ok {
		r.metrics.RecordReplication("dropped")
		r.logger.Debug("Compaction replication queue full",
			zap.String("partition_uuid", partitionID.String()))
	}
}

func (r *Replicator) replicate(ctx context.Context, partitionID uuid.UUID, ev persister.CompactionEvent) error {
	cs := r.manager.Acquire()
	defer cs.Release()

	table, lp, ok := cs.LocalPartition(partitionID)
	if !ok {
		return nil
	}
	skip := func(p cluster.Partition) bool {
		return r.digests.MayHold(p.UUID(), ev.Checksum)
	}
	_, err := r.executor.Push(ctx, cs, table, lp, ev.Key, ev.Record, skip)
	return err
}
