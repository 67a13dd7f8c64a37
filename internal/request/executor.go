package request

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/samoa/internal/clock"
	"github.com/devrev/samoa/internal/cluster"
	"github.com/devrev/samoa/internal/datamodel"
	"github.com/devrev/samoa/internal/errors"
	"github.com/devrev/samoa/internal/metrics"
	"github.com/devrev/samoa/internal/model"
	"github.com/devrev/samoa/internal/protocol"
	"github.com/devrev/samoa/internal/storage/persister"
	"github.com/devrev/samoa/internal/util"
)

// PeerClient sends a request to the server at address
type PeerClient interface {
	Do(ctx context.Context, address string, req *protocol.Request) (*protocol.Response, error)
}

// Config holds executor configuration
type Config struct {
	// PeerTimeout bounds each peer request, including those that complete
	// after the client was answered
	PeerTimeout time.Duration
	Now         func() time.Time
}

// Updater applies a client write to the stored record
type Updater func(rec *model.PersistedRecord, author uuid.UUID, now uint64)

// staleClockError rejects a write whose client clock is behind the stored
// record
type staleClockError struct {
	stored *model.PersistedRecord
}

func (e *staleClockError) Error() string { return "cluster clock is stale" }

// peerHandler consumes a successful peer reply and reports whether it counts
// as a replica success. Follow-up work may be added to g.
type peerHandler func(ctx context.Context, g *errgroup.Group, p cluster.Partition, resp *protocol.Response) bool

// Executor runs the read and write pipelines of loaded requests
type Executor struct {
	client  PeerClient
	cfg     Config
	metrics *metrics.Metrics
	logger  *zap.Logger
	pending sync.WaitGroup
}

// NewExecutor creates an executor replicating through client
func NewExecutor(client PeerClient, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Executor {
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Executor{client: client, cfg: cfg, metrics: m, logger: logger}
}

// Wait blocks until replication running in the background has completed
func (e *Executor) Wait() {
	e.pending.Wait()
}

func (e *Executor) unixNow() uint64 {
	return uint64(e.cfg.Now().Unix())
}

// SetBlob writes the value in data block 0. An empty value deletes.
func (e *Executor) SetBlob(ctx context.Context, st *State) *protocol.Response {
	if st.Table.DataType() != model.DataTypeBlob {
		return ErrorResponse(errors.NotAcceptable(fmt.Sprintf("table %s is not a blob table", st.Table.Name()), nil))
	}
	if st.Primary == nil {
		return e.Forward(ctx, st)
	}
	if len(st.Request.DataBlocks) == 0 {
		return ErrorResponse(errors.BadRequest("value data block is required", nil))
	}
	value := st.Request.DataBlocks[0]

	rec, tracker, err := e.write(ctx, st, func(rec *model.PersistedRecord, author uuid.UUID, now uint64) {
		datamodel.UpdateBlob(rec, author, now, value, st.Clock)
	})
	var stale *staleClockError
	if stderrors.As(err, &stale) {
		resp := protocol.NewErrorResponse(0, uint32(errors.CodeConflict), stale.Error(), false)
		resp.ClusterClock = protocol.EncodeClock(stale.stored.Clock)
		resp.DataBlocks = datamodel.BlobValues(stale.stored)
		return resp
	}
	if err != nil {
		return ErrorResponse(err)
	}
	return e.complete(&protocol.Response{
		Type:         protocol.CommandSetBlob,
		ClusterClock: protocol.EncodeClock(rec.Clock),
	}, tracker)
}

// UpdateCounter adds the request's delta to the counter
func (e *Executor) UpdateCounter(ctx context.Context, st *State) *protocol.Response {
	if st.Table.DataType() != model.DataTypeCounter {
		return ErrorResponse(errors.NotAcceptable(fmt.Sprintf("table %s is not a counter table", st.Table.Name()), nil))
	}
	if st.Primary == nil {
		return e.Forward(ctx, st)
	}
	delta := st.Request.CounterDelta

	rec, tracker, err := e.write(ctx, st, func(rec *model.PersistedRecord, author uuid.UUID, now uint64) {
		datamodel.UpdateCounter(rec, author, now, delta)
	})
	if err != nil {
		return ErrorResponse(err)
	}
	return e.complete(&protocol.Response{
		Type:         protocol.CommandUpdateCounter,
		ClusterClock: protocol.EncodeClock(rec.Clock),
		CounterValue: datamodel.CounterValue(rec),
	}, tracker)
}

// GetBlob reads the values of a key. An absent key answers with no data
// blocks.
func (e *Executor) GetBlob(ctx context.Context, st *State) *protocol.Response {
	if st.Table.DataType() != model.DataTypeBlob {
		return ErrorResponse(errors.NotAcceptable(fmt.Sprintf("table %s is not a blob table", st.Table.Name()), nil))
	}
	if st.Primary == nil {
		return e.Forward(ctx, st)
	}
	rec, tracker, err := e.read(ctx, st)
	if err != nil {
		return ErrorResponse(err)
	}
	return e.complete(&protocol.Response{
		Type:         protocol.CommandGetBlob,
		ClusterClock: protocol.EncodeClock(rec.Clock),
		DataBlocks:   datamodel.BlobValues(rec),
	}, tracker)
}

// CounterValue reads a counter. An absent counter reads as zero.
func (e *Executor) CounterValue(ctx context.Context, st *State) *protocol.Response {
	if st.Table.DataType() != model.DataTypeCounter {
		return ErrorResponse(errors.NotAcceptable(fmt.Sprintf("table %s is not a counter table", st.Table.Name()), nil))
	}
	if st.Primary == nil {
		return e.Forward(ctx, st)
	}
	rec, tracker, err := e.read(ctx, st)
	if err != nil {
		return ErrorResponse(err)
	}
	return e.complete(&protocol.Response{
		Type:         protocol.CommandCounterValue,
		ClusterClock: protocol.EncodeClock(rec.Clock),
		CounterValue: datamodel.CounterValue(rec),
	}, tracker)
}

// Replicate serves a REPLICATE request for st.Primary. A record in data
// block 0 is merged into the stored one, and the stored record is returned
// when the sender's copy was stale. Without a record the stored record is
// returned as is.
func (e *Executor) Replicate(ctx context.Context, st *State) *protocol.Response {
	if st.Primary == nil {
		return ErrorResponse(errors.BadRequest("partition_uuid is required", nil))
	}
	resp, err := e.serveReplica(ctx, st.Primary, st.Key, st.Request.DataBlocks)
	if err != nil {
		return ErrorResponse(err)
	}
	return resp
}

// Forward hands a request without a local replica to the first reachable
// peer replica. A request is forwarded at most once.
func (e *Executor) Forward(ctx context.Context, st *State) *protocol.Response {
	if st.Request.Forwarded {
		return ErrorResponse(errors.Unavailable("no local replica for forwarded request", nil))
	}
	for _, p := range st.Peers {
		address, ok := st.PeerAddress(p)
		if !ok {
			continue
		}
		fwd := *st.Request
		fwd.Forwarded = true
		fwd.PartitionUUID = nil
		fwd.PeerPartitionUUIDs = nil

		resp, err := e.client.Do(ctx, address, &fwd)
		if err != nil {
			e.logger.Warn("Failed to forward request",
				zap.String("command", st.Request.Type.String()),
				zap.String("address", address),
				zap.Error(err))
			continue
		}
		e.metrics.RecordForward()
		return resp
	}
	return ErrorResponse(errors.Unavailable("no peer available", nil))
}

// complete attaches replication counts, or turns the response into a 503
// when the quorum was not reached
func (e *Executor) complete(resp *protocol.Response, tracker *ReplicationState) *protocol.Response {
	success, failure := tracker.Counts()
	if !tracker.IsSuccessful() {
		e.metrics.RecordQuorumFailure(resp.Type.String())
		out := protocol.NewErrorResponse(0, uint32(errors.CodeUnavailable),
			fmt.Sprintf("quorum not reached: %d/%d", success, tracker.Quorum()), false)
		out.ClusterClock = resp.ClusterClock
		resp = out
	}
	resp.ReplicationSuccess = uint32(success)
	resp.ReplicationFailure = uint32(failure)
	return resp
}

// write updates the primary's record and replicates the result to every
// peer. The local write counts as the first replica success.
func (e *Executor) write(ctx context.Context, st *State, update Updater) (*model.PersistedRecord, *ReplicationState, error) {
	lp := st.Primary
	m := lp.Model()
	now := e.unixNow()

	lock := lp.Resources().Lock()
	if err := lock.Acquire(ctx); err != nil {
		return nil, nil, err
	}
	var written, conflict *model.PersistedRecord
	_, checksum, err := lp.Persister().Put(func(local, _ *model.PersistedRecord) persister.MergeResult {
		if m.Prune(local) {
			*local = model.PersistedRecord{}
		}
		if st.Clock != nil && clock.Compare(local.Clock, *st.Clock, nil) == clock.LocalMoreRecent {
			conflict = local.Clone()
			return persister.MergeResult{}
		}
		update(local, lp.AuthorID(), now)
		written = local.Clone()
		return persister.MergeResult{LocalWasUpdated: true}
	}, st.Key, nil)
	if err == nil && conflict == nil {
		e.wrote(lp, checksum)
	}
	lock.Release()
	if err != nil {
		return nil, nil, storageError(err)
	}
	if conflict != nil {
		return nil, nil, &staleClockError{stored: conflict}
	}

	tracker := NewReplicationState(st.Quorum, st.Factor())
	tracker.PeerSuccess()

	payload := model.MarshalRecord(written)
	e.fanOut(ctx, st, tracker,
		func(p cluster.Partition) *protocol.Request {
			return replicateRequest(st, p, payload)
		},
		func(_ context.Context, _ *errgroup.Group, p cluster.Partition, resp *protocol.Response) bool {
			// the peer answers with its record when it held a newer one
			if remote := replyRecord(resp); remote != nil {
				if _, err := e.absorb(ctx, lp, st.Key, remote); err != nil {
					e.logger.Warn("Failed to merge newer peer record",
						zap.String("partition_uuid", lp.UUID().String()),
						zap.String("peer_partition_uuid", p.UUID().String()),
						zap.Error(err))
				}
			}
			return true
		})
	return written, tracker, nil
}

// read merges the primary's record with every peer reply, writing newer
// values back to the primary and repairing stale peers
func (e *Executor) read(ctx context.Context, st *State) (*model.PersistedRecord, *ReplicationState, error) {
	lp := st.Primary
	m := lp.Model()

	candidate, err := lp.Persister().Get(st.Key)
	if err != nil {
		return nil, nil, storageError(err)
	}
	if candidate == nil {
		candidate = &model.PersistedRecord{}
	}
	var mu sync.Mutex

	tracker := NewReplicationState(st.Quorum, st.Factor())
	tracker.PeerSuccess()

	e.fanOut(ctx, st, tracker,
		func(p cluster.Partition) *protocol.Request {
			return replicateRequest(st, p, nil)
		},
		func(ctx context.Context, g *errgroup.Group, p cluster.Partition, resp *protocol.Response) bool {
			remote := replyRecord(resp)
			if remote == nil {
				remote = &model.PersistedRecord{}
			}

			mu.Lock()
			result := m.Merge(candidate, remote)
			var repair []byte
			if result.RemoteIsStale {
				repair = model.MarshalRecord(candidate)
			}
			mu.Unlock()

			if result.LocalWasUpdated {
				e.metrics.RecordReadRepair("local")
				if _, err := e.absorb(ctx, lp, st.Key, remote); err != nil {
					e.logger.Warn("Failed to write back merged record",
						zap.String("partition_uuid", lp.UUID().String()),
						zap.Error(err))
				}
			}
			if repair != nil {
				e.metrics.RecordReadRepair("remote")
				g.Go(func() error {
					if _, err := e.send(ctx, st, p, replicateRequest(st, p, repair)); err != nil {
						e.logger.Debug("Read repair failed",
							zap.String("peer_partition_uuid", p.UUID().String()),
							zap.Error(err))
					}
					return nil
				})
			}
			return true
		})

	mu.Lock()
	defer mu.Unlock()
	return candidate.Clone(), tracker, nil
}

// fanOut sends the request built for each peer concurrently and counts each
// outcome on tracker. It returns when the tracker finishes, when every peer
// has answered or when ctx is done. Outstanding peer requests complete in
// the background under their own timeout.
func (e *Executor) fanOut(ctx context.Context, st *State, tracker *ReplicationState,
	build func(p cluster.Partition) *protocol.Request, handle peerHandler) {
	finished := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(finished) }) }
	if tracker.IsFinished() {
		finish()
	}

	e.pending.Add(1)
	cs := st.Cluster.Retain()
	bg := context.WithoutCancel(ctx)

	var g errgroup.Group
	for _, p := range st.Peers {
		p := p
		g.Go(func() error {
			resp, err := e.send(bg, st, p, build(p))
			ok := false
			if err != nil {
				e.logger.Debug("Peer replication failed",
					zap.String("command", st.Request.Type.String()),
					zap.String("peer_partition_uuid", p.UUID().String()),
					zap.Error(err))
			} else {
				ok = handle(bg, &g, p, resp)
			}

			e.metrics.RecordReplication(strconv.FormatBool(ok))
			if ok {
				if tracker.PeerSuccess() {
					finish()
				}
			} else if tracker.PeerFailure() {
				finish()
			}
			return nil
		})
	}

	go func() {
		defer e.pending.Done()
		_ = g.Wait()
		cs.Release()
		finish()
	}()

	select {
	case <-finished:
	case <-ctx.Done():
	}
}

// send delivers a replica request to p. Peer partitions on this server are
// served in process.
func (e *Executor) send(ctx context.Context, st *State, p cluster.Partition, req *protocol.Request) (*protocol.Response, error) {
	if lp, ok := p.(*cluster.LocalPartition); ok {
		return e.serveReplica(ctx, lp, req.Key, req.DataBlocks)
	}
	address, ok := st.PeerAddress(p)
	if !ok {
		return nil, fmt.Errorf("no address for server %s", p.ServerUUID())
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.PeerTimeout)
	defer cancel()
	resp, err := e.client.Do(ctx, address, req)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, resp.Err()
	}
	return resp, nil
}

// serveReplica merges a replicated record into lp, answering with the stored
// record when the sender needs it
func (e *Executor) serveReplica(ctx context.Context, lp *cluster.LocalPartition, key []byte, blocks [][]byte) (*protocol.Response, error) {
	resp := &protocol.Response{Type: protocol.CommandReplicate}

	var stored *model.PersistedRecord
	if len(blocks) > 0 && len(blocks[0]) > 0 {
		remote, err := model.UnmarshalRecord(blocks[0])
		if err != nil {
			return nil, errors.BadRequest("invalid replicated record", err)
		}
		result, err := e.absorb(ctx, lp, key, remote, func(merged *model.PersistedRecord) {
			stored = merged
		})
		if err != nil {
			return nil, err
		}
		if !result.RemoteIsStale {
			return resp, nil
		}
	} else {
		rec, err := lp.Persister().Get(key)
		if err != nil {
			return nil, storageError(err)
		}
		stored = rec
	}

	if stored != nil {
		resp.DataBlocks = [][]byte{model.MarshalRecord(stored)}
	}
	return resp, nil
}

// absorb merges remote into the record lp stores for key. observe, if given,
// receives a copy of the merged record.
func (e *Executor) absorb(ctx context.Context, lp *cluster.LocalPartition, key []byte, remote *model.PersistedRecord,
	observe ...func(*model.PersistedRecord)) (persister.MergeResult, error) {
	lock := lp.Resources().Lock()
	if err := lock.Acquire(ctx); err != nil {
		return persister.MergeResult{}, err
	}
	defer lock.Release()

	m := lp.Model()
	result, checksum, err := lp.Persister().Put(func(local, remote *model.PersistedRecord) persister.MergeResult {
		r := m.Merge(local, remote)
		for _, fn := range observe {
			fn(local.Clone())
		}
		return r
	}, key, remote)
	if err != nil {
		return persister.MergeResult{}, storageError(err)
	}
	if result.LocalWasUpdated {
		e.wrote(lp, checksum)
	}
	return result, nil
}

// wrote accounts a stored record in the partition's digest
func (e *Executor) wrote(lp *cluster.LocalPartition, checksum util.ContentChecksum) {
	lp.Digest().Add(checksum)
	lp.Resources().WrittenSinceGossip.Add(1)
}

// replicateRequest builds a REPLICATE from the primary to p. A nil payload
// asks p for its record.
func replicateRequest(st *State, to cluster.Partition, payload []byte) *protocol.Request {
	tableID, toID, fromID := st.Table.UUID(), to.UUID(), st.Primary.UUID()
	req := &protocol.Request{
		Type:               protocol.CommandReplicate,
		TableUUID:          tableID[:],
		Key:                st.Key,
		PartitionUUID:      toID[:],
		PeerPartitionUUIDs: [][]byte{fromID[:]},
	}
	if payload != nil {
		req.DataBlocks = [][]byte{payload}
	}
	return req
}

// replyRecord decodes the record a peer returned, or nil
func replyRecord(resp *protocol.Response) *model.PersistedRecord {
	if len(resp.DataBlocks) == 0 || len(resp.DataBlocks[0]) == 0 {
		return nil
	}
	rec, err := model.UnmarshalRecord(resp.DataBlocks[0])
	if err != nil {
		return nil
	}
	return rec
}
