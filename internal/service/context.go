// Package service runs the background work of a server: cluster state
// polling and discovery, gossip membership, compaction, digest gossip and
// replication of compacted records.
package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/samoa/internal/cluster"
	"github.com/devrev/samoa/internal/digest"
	"github.com/devrev/samoa/internal/metrics"
	"github.com/devrev/samoa/internal/request"
	"github.com/devrev/samoa/internal/tasklet"
	"github.com/devrev/samoa/internal/util/workerpool"
)

// Config holds background service configuration
type Config struct {
	Seeds              []string
	PeerPollInterval   time.Duration
	DiscoveryInterval  time.Duration
	PeerTimeout        time.Duration
	CompactionInterval time.Duration
	GossipThreshold    uint64
	// ReplicationWorkers and ReplicationRate size the pool pushing
	// compacted records; a zero rate is unlimited
	ReplicationWorkers int
	ReplicationRate    float64
	Membership         MembershipConfig
	// JoinPollDelay is how long after a gossip join the new server is polled
	JoinPollDelay time.Duration
	Restart       tasklet.Backoff
}

func (c *Config) setDefaults() {
	if c.PeerPollInterval <= 0 {
		c.PeerPollInterval = 5 * time.Minute
	}
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = 30 * time.Second
	}
	if c.CompactionInterval <= 0 {
		c.CompactionInterval = 10 * time.Second
	}
	if c.ReplicationWorkers <= 0 {
		c.ReplicationWorkers = 4
	}
	if c.JoinPollDelay <= 0 {
		c.JoinPollDelay = time.Second
	}
}

// Context is the root of a server's background work. Closing it cancels
// every tasklet and waits for them.
type Context struct {
	cfg     Config
	manager *cluster.Manager
	metrics *metrics.Metrics
	logger  *zap.Logger

	group      *tasklet.Group
	pool       *workerpool.WorkerPool
	poller     *PeerPoller
	discovery  *Discovery
	membership *MembershipService
	compaction *CompactionService
	replicator *Replicator
}

// NewContext wires the background services. Nothing runs until Start.
func NewContext(parent context.Context, cfg Config, manager *cluster.Manager, client request.PeerClient,
	executor *request.Executor, digests *digest.RemoteCache, m *metrics.Metrics, logger *zap.Logger) *Context {
	cfg.setDefaults()

	group := tasklet.NewGroup(parent, "server", logger)
	if cfg.Restart.Initial > 0 {
		group.WithBackoff(cfg.Restart)
	}
	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:          "compaction-replication",
		MaxWorkers:    cfg.ReplicationWorkers,
		RatePerSecond: cfg.ReplicationRate,
		Logger:        logger,
	})
	poller := NewPeerPoller(manager, client, cfg.PeerTimeout, m, logger)
	gossip := NewDigestGossip(client, digests, cfg.GossipThreshold, cfg.PeerTimeout, m, logger)

	return &Context{
		cfg:        cfg,
		manager:    manager,
		metrics:    m,
		logger:     logger,
		group:      group,
		pool:       pool,
		poller:     poller,
		discovery:  NewDiscovery(poller, manager, cfg.Seeds, logger),
		compaction: NewCompactionService(manager, gossip, m, logger),
		replicator: NewReplicator(manager, executor, digests, pool, m, logger),
	}
}

// Group returns the root tasklet group
func (c *Context) Group() *tasklet.Group { return c.group }

// Start attaches compaction listeners, joins the gossip pool when enabled
// and starts the periodic tasklets
func (c *Context) Start() error {
	c.manager.OnCommit(c.committed)
	cs := c.manager.Acquire()
	c.committed(cs)
	self := cs.Self()
	cs.Release()

	if c.cfg.Membership.Enabled {
		membership, err := NewMembershipService(c.cfg.Membership, self.UUID, self.Address(), c.pollSoon, c.metrics, c.logger)
		if err != nil {
			return fmt.Errorf("failed to start membership: %w", err)
		}
		c.membership = membership
	}

	peers := c.group.Child("cluster")
	peers.Run("bootstrap-discovery", c.discovery.Bootstrap)
	peers.Every("discovery", c.cfg.DiscoveryInterval, c.discovery.Run)
	peers.Every("peer-poll", c.cfg.PeerPollInterval, c.poller.PollAll)

	storage := c.group.Child("storage")
	storage.Every("compaction", c.cfg.CompactionInterval, c.compaction.RunOnce)

	c.logger.Info("Background services started",
		zap.Duration("peer_poll_interval", c.cfg.PeerPollInterval),
		zap.Duration("compaction_interval", c.cfg.CompactionInterval),
		zap.Bool("membership", c.membership != nil))
	return nil
}

// pollSoon polls a server shortly after it joined the gossip pool
func (c *Context) pollSoon(address string) {
	c.group.RunLater("poll-"+address, c.cfg.JoinPollDelay, func(ctx context.Context) error {
		return c.poller.Poll(ctx, address)
	})
}

// committed runs after every cluster state commit
func (c *Context) committed(cs *cluster.State) {
	c.replicator.Attach(cs)

	local, remote := 0, 0
	for _, t := range cs.Tables() {
		for _, p := range t.Partitions() {
			if p.IsLocal() {
				local++
			} else {
				remote++
			}
		}
	}
	c.metrics.UpdateTopology(len(cs.Peers()), local, remote)
}

// Close stops every tasklet, leaves the gossip pool and drains the
// replication pool
func (c *Context) Close(timeout time.Duration) error {
	c.group.Close()
	if c.membership != nil {
		if err := c.membership.Shutdown(); err != nil {
			c.logger.Warn("Failed to shut down membership", zap.Error(err))
		}
	}
	return c.pool.Stop(timeout)
}
