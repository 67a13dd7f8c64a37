package request

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/samoa/internal/cluster"
	"github.com/devrev/samoa/internal/model"
)

// Push sends a record stored by lp to the other replicas of its key and
// returns how many accepted it. Replicas for which skip reports true are
// left out. A replica answering with a newer record is merged back into lp.
func (e *Executor) Push(ctx context.Context, cs *cluster.State, table *cluster.Table, lp *cluster.LocalPartition,
	key []byte, rec *model.PersistedRecord, skip func(cluster.Partition) bool) (int, error) {
	route := table.Route(cluster.KeyPosition(key))
	replicas := append([]cluster.Partition{}, route.Peers...)
	if route.Primary != nil {
		replicas = append(replicas, route.Primary)
	}

	st := &State{Cluster: cs, Table: table, Key: key, Primary: lp}
	payload := model.MarshalRecord(rec)

	var (
		g    errgroup.Group
		sent atomic.Int32
	)
	for _, p := range replicas {
		p := p
		if p.UUID() == lp.UUID() || (skip != nil && skip(p)) {
			continue
		}
		g.Go(func() error {
			resp, err := e.send(ctx, st, p, replicateRequest(st, p, payload))
			e.metrics.RecordReplication(strconv.FormatBool(err == nil))
			if err != nil {
				return fmt.Errorf("replicate to partition %s: %w", p.UUID(), err)
			}
			sent.Add(1)
			if newer := replyRecord(resp); newer != nil {
				e.metrics.RecordReadRepair("local")
				if _, err := e.absorb(ctx, lp, key, newer); err != nil {
					e.logger.Warn("Failed to merge newer replica record",
						zap.String("partition_uuid", lp.UUID().String()),
						zap.String("peer_partition_uuid", p.UUID().String()),
						zap.Error(err))
				}
			}
			return nil
		})
	}
	err := g.Wait()
	return int(sent.Load()), err
}
