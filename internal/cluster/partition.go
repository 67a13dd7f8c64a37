package cluster

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/samoa/internal/datamodel"
	"github.com/devrev/samoa/internal/digest"
	"github.com/devrev/samoa/internal/model"
	"github.com/devrev/samoa/internal/storage/persister"
	"github.com/devrev/samoa/internal/tasklet"
)

// Partition is a partition of a table as this server sees it: either a
// LocalPartition owning storage, or a RemotePartition on a peer.
type Partition interface {
	Description() model.PartitionDescription
	UUID() uuid.UUID
	ServerUUID() uuid.UUID
	RingPosition() uint64
	IsLocal() bool
}

// RemotePartition is a partition served by a peer
type RemotePartition struct {
	desc model.PartitionDescription
}

func (p *RemotePartition) Description() model.PartitionDescription { return p.desc.Clone() }
func (p *RemotePartition) UUID() uuid.UUID                         { return p.desc.UUID }
func (p *RemotePartition) ServerUUID() uuid.UUID                   { return p.desc.ServerUUID }
func (p *RemotePartition) RingPosition() uint64                    { return p.desc.RingPosition }
func (p *RemotePartition) IsLocal() bool                           { return false }

// LocalPartition is a partition served by this server
type LocalPartition struct {
	desc model.PartitionDescription
	res  *LocalResources
}

func (p *LocalPartition) Description() model.PartitionDescription { return p.desc.Clone() }
func (p *LocalPartition) UUID() uuid.UUID                         { return p.desc.UUID }
func (p *LocalPartition) ServerUUID() uuid.UUID                   { return p.desc.ServerUUID }
func (p *LocalPartition) RingPosition() uint64                    { return p.desc.RingPosition }
func (p *LocalPartition) IsLocal() bool                           { return true }

// Persister returns the partition's storage
func (p *LocalPartition) Persister() *persister.Persister { return p.res.Persister }

// Digest returns the partition's bloom digest
func (p *LocalPartition) Digest() *digest.Digest { return p.res.Digest }

// AuthorID returns the id this partition ticks on cluster clocks
func (p *LocalPartition) AuthorID() uuid.UUID { return p.res.AuthorID }

// Model returns the data model of the partition's table
func (p *LocalPartition) Model() datamodel.Model { return p.res.Model() }

// Resources returns the shared runtime resources of the partition
func (p *LocalPartition) Resources() *LocalResources { return p.res }

// LocalResources are the files and counters of a local partition. They
// outlive individual states and are closed when the last state referencing
// them is released.
type LocalResources struct {
	PartitionUUID uuid.UUID
	AuthorID      uuid.UUID
	Persister     *persister.Persister
	Digest        *digest.Digest

	// WrittenSinceGossip counts records written since the digest was last
	// published
	WrittenSinceGossip atomic.Uint64
	// CompactionsSinceGossip counts compaction passes since the digest was
	// last published
	CompactionsSinceGossip atomic.Uint64

	lockOnce sync.Once
	lock     *tasklet.Lock

	model     atomic.Value
	refs      atomic.Int32
	removed   atomic.Bool
	closeOnce sync.Once
	onClose   func(*LocalResources, bool)
	logger    *zap.Logger
}

// Lock serializes compaction passes and writes on the partition
func (r *LocalResources) Lock() *tasklet.Lock {
	r.lockOnce.Do(func() { r.lock = tasklet.NewLock() })
	return r.lock
}

// Model returns the current data model
func (r *LocalResources) Model() datamodel.Model {
	m, _ := r.model.Load().(datamodel.Model)
	return m
}

// SetModel replaces the data model, e.g. after the table's horizon changes
func (r *LocalResources) SetModel(m datamodel.Model) {
	r.model.Store(m)
}

func (r *LocalResources) acquire() {
	r.refs.Add(1)
}

func (r *LocalResources) release() {
	if r.refs.Add(-1) > 0 {
		return
	}
	r.closeOnce.Do(func() {
		if r.Persister != nil {
			if err := r.Persister.Close(); err != nil {
				r.logger.Warn("Failed to close persister",
					zap.String("partition_uuid", r.PartitionUUID.String()), zap.Error(err))
			}
		}
		if r.Digest != nil {
			if err := r.Digest.Close(); err != nil {
				r.logger.Warn("Failed to close digest",
					zap.String("partition_uuid", r.PartitionUUID.String()), zap.Error(err))
			}
		}
		if r.onClose != nil {
			r.onClose(r, r.removed.Load())
		}
	})
}

// markRemoved flags the resources for deletion once they close
func (r *LocalResources) markRemoved() {
	r.removed.Store(true)
}
