package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/samoa/internal/cluster"
	"github.com/devrev/samoa/internal/digest"
	"github.com/devrev/samoa/internal/metrics"
	"github.com/devrev/samoa/internal/protocol"
	"github.com/devrev/samoa/internal/request"
	"github.com/devrev/samoa/internal/storage/persister"
	"github.com/devrev/samoa/internal/util"
)

// rebuildFillRatio is the fill ratio above which a digest is rebuilt from
// the records its partition still holds
const rebuildFillRatio = 0.5

// DigestGossip publishes the digests of local partitions to the partitions
// around them
type DigestGossip struct {
	client  request.PeerClient
	cache   *digest.RemoteCache
	timeout time.Duration
	// threshold is the number of written records at which a single
	// compaction pass makes a digest due
	threshold uint64
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewDigestGossip creates a digest publisher. Digests of neighbors on this
// server go straight to cache.
func NewDigestGossip(client request.PeerClient, cache *digest.RemoteCache, threshold uint64, timeout time.Duration,
	m *metrics.Metrics, logger *zap.Logger) *DigestGossip {
	if threshold == 0 {
		threshold = 1024
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DigestGossip{client: client, cache: cache, threshold: threshold, timeout: timeout, metrics: m, logger: logger}
}

// Due reports whether a partition should publish its digest. The more
// records were written since the last publication, the fewer compaction
// passes it takes.
func (d *DigestGossip) Due(res *cluster.LocalResources) bool {
	written := res.WrittenSinceGossip.Load()
	if written == 0 {
		return false
	}
	passes := d.threshold / written
	if passes == 0 {
		passes = 1
	}
	return res.CompactionsSinceGossip.Load() >= passes
}

// Publish sends the digest of lp to the R-1 partitions following it on the
// ring, rebuilding the digest first when it is too full
func (d *DigestGossip) Publish(ctx context.Context, cs *cluster.State, table *cluster.Table, lp *cluster.LocalPartition) error {
	dg := lp.Digest()
	if dg.Properties().FillRatio() > rebuildFillRatio {
		err := lp.Resources().Lock().With(ctx, func() error {
			return Rebuild(dg, lp.Persister())
		})
		if err != nil {
			return fmt.Errorf("rebuild digest of %s: %w", lp.UUID(), err)
		}
	}
	if err := dg.Sync(); err != nil {
		d.logger.Warn("Failed to sync digest", zap.String("partition_uuid", lp.UUID().String()), zap.Error(err))
	}

	res := lp.Resources()
	res.WrittenSinceGossip.Store(0)
	res.CompactionsSinceGossip.Store(0)

	raw := dg.Bytes()
	tableID, fromID := table.UUID(), lp.UUID()

	var g errgroup.Group
	for _, p := range table.Successors(lp.UUID(), table.ReplicationFactor()-1) {
		if p.IsLocal() {
			d.cache.Put(fromID, raw)
			d.metrics.RecordDigestSync("sent", "local")
			continue
		}
		peer, ok := cs.Peer(p.ServerUUID())
		if !ok {
			continue
		}
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()

			resp, err := d.client.Do(ctx, peer.Address(), &protocol.Request{
				Type:          protocol.CommandDigestSync,
				TableUUID:     tableID[:],
				PartitionUUID: fromID[:],
				DataBlocks:    [][]byte{raw},
			})
			if err == nil && resp.IsError() {
				err = resp.Err()
			}
			if err != nil {
				d.metrics.RecordDigestSync("sent", "failure")
				return fmt.Errorf("digest sync to %s: %w", peer.Address(), err)
			}
			d.metrics.RecordDigestSync("sent", "success")
			return nil
		})
	}
	return g.Wait()
}

// Rebuild clears a digest and adds every record the persister holds
func Rebuild(dg *digest.Digest, p *persister.Persister) error {
	dg.Clear()
	return p.ForEach(func(e persister.Entry) error {
		dg.Add(util.ComputeContentChecksum(e.Key, e.Value))
		return nil
	})
}
