package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/samoa/internal/cluster"
	"github.com/devrev/samoa/internal/metrics"
	"github.com/devrev/samoa/internal/model"
	"github.com/devrev/samoa/internal/protocol"
	"github.com/devrev/samoa/internal/request"
)

// maxConcurrentPolls bounds the CLUSTER_STATE exchanges of one poll round
const maxConcurrentPolls = 8

// PeerPoller exchanges cluster state with peers. Each exchange sends our
// description and merges the description the peer answers with.
type PeerPoller struct {
	manager *cluster.Manager
	client  request.PeerClient
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewPeerPoller creates a poller bounding each exchange by timeout
func NewPeerPoller(manager *cluster.Manager, client request.PeerClient, timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *PeerPoller {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PeerPoller{manager: manager, client: client, timeout: timeout, metrics: m, logger: logger}
}

// PollAll polls every known peer. Unreachable peers are logged and skipped.
func (p *PeerPoller) PollAll(ctx context.Context) error {
	cs := p.manager.Acquire()
	peers := cs.Peers()
	cs.Release()

	var g errgroup.Group
	g.SetLimit(maxConcurrentPolls)
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			if err := p.Poll(ctx, peer.Address()); err != nil && ctx.Err() == nil {
				p.logger.Debug("Peer poll failed",
					zap.String("peer_uuid", peer.UUID.String()),
					zap.String("address", peer.Address()),
					zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// Poll exchanges cluster state with the server at address
func (p *PeerPoller) Poll(ctx context.Context, address string) error {
	cs := p.manager.Acquire()
	desc := cs.Description()
	cs.Release()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.client.Do(ctx, address, &protocol.Request{
		Type:         protocol.CommandClusterState,
		ClusterState: desc,
	})
	if err == nil && resp.IsError() {
		err = resp.Err()
	}
	if err == nil && resp.ClusterState == nil {
		err = fmt.Errorf("peer %s answered without cluster state", address)
	}
	if err != nil {
		p.metrics.RecordPeerPoll("failure")
		return err
	}

	remote := resp.ClusterState
	if remote.LocalUUID == desc.LocalUUID || remote.LocalUUID == model.NilUUID {
		// a seed that resolves to ourselves
		p.metrics.RecordPeerPoll("self")
		return nil
	}

	next, changed, err := p.manager.Transaction(ctx, func(d *model.ClusterStateDescription) (bool, error) {
		return cluster.MergeRemote(d, remote), nil
	})
	next.Release()
	if err != nil {
		p.metrics.RecordPeerPoll("failure")
		return fmt.Errorf("merge state of %s: %w", address, err)
	}

	p.metrics.RecordPeerPoll("success")
	p.metrics.RecordStateMerge(changed)
	if changed {
		p.logger.Debug("Cluster state updated from peer",
			zap.String("peer_uuid", remote.LocalUUID.String()),
			zap.String("address", address))
	}
	return nil
}

// Discovery polls configured seed addresses that are not yet known peers
type Discovery struct {
	poller  *PeerPoller
	manager *cluster.Manager
	seeds   []string
	logger  *zap.Logger
}

// NewDiscovery creates a discovery over seeds given as host:port
func NewDiscovery(poller *PeerPoller, manager *cluster.Manager, seeds []string, logger *zap.Logger) *Discovery {
	return &Discovery{poller: poller, manager: manager, seeds: seeds, logger: logger}
}

// Pending returns the seeds that are neither a known peer nor ourselves
func (d *Discovery) Pending() []string {
	cs := d.manager.Acquire()
	defer cs.Release()

	known := map[string]bool{cs.Self().Address(): true}
	for _, peer := range cs.Peers() {
		known[peer.Address()] = true
	}
	var out []string
	for _, seed := range d.seeds {
		if !known[seed] {
			out = append(out, seed)
		}
	}
	return out
}

// Run polls every pending seed once
func (d *Discovery) Run(ctx context.Context) error {
	for _, seed := range d.Pending() {
		if err := d.poller.Poll(ctx, seed); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Warn("Failed to reach seed", zap.String("seed", seed), zap.Error(err))
		}
	}
	return nil
}

// Bootstrap polls every pending seed and fails while any seed is still
// unreachable
func (d *Discovery) Bootstrap(ctx context.Context) error {
	if err := d.Run(ctx); err != nil {
		return err
	}
	if pending := d.Pending(); len(pending) > 0 {
		return fmt.Errorf("%d of %d seeds unreachable", len(pending), len(d.seeds))
	}
	return nil
}
