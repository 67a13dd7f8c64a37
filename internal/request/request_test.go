package request

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/samoa/internal/cluster"
	"github.com/devrev/samoa/internal/datamodel"
	"github.com/devrev/samoa/internal/errors"
	"github.com/devrev/samoa/internal/metrics"
	"github.com/devrev/samoa/internal/model"
	"github.com/devrev/samoa/internal/protocol"
)

var (
	localID  = model.NameUUID("local")
	remoteID = model.NameUUID("remote")
	tableID  = model.NameUUID("table")

	remotePeer = model.PeerDescription{UUID: remoteID, Hostname: "remote", Port: 7001}
)

type mockPeer struct {
	mock.Mock
}

func (m *mockPeer) Do(ctx context.Context, address string, req *protocol.Request) (*protocol.Response, error) {
	args := m.Called(ctx, address, req)
	resp, _ := args.Get(0).(*protocol.Response)
	return resp, args.Error(1)
}

func (m *mockPeer) requests() []*protocol.Request {
	var out []*protocol.Request
	for _, call := range m.Calls {
		out = append(out, call.Arguments.Get(2).(*protocol.Request))
	}
	return out
}

func partition(name string, server uuid.UUID, pos uint64) model.PartitionDescription {
	return model.PartitionDescription{
		UUID:         model.NameUUID(name),
		TableUUID:    tableID,
		ServerUUID:   server,
		RingPosition: pos,
		RingLayers:   []model.RingLayer{{StorageSize: 1 << 16, IndexSize: 64}},
	}
}

func newCluster(t *testing.T, dataType model.DataType, r uint32, parts ...model.PartitionDescription) *cluster.State {
	t.Helper()
	desc := &model.ClusterStateDescription{
		LocalUUID:     localID,
		LocalHostname: "localhost",
		LocalPort:     7000,
		Peers:         []model.PeerDescription{remotePeer},
		Tables: []model.TableDescription{{
			UUID:               tableID,
			Name:               "table",
			DataType:           dataType,
			ReplicationFactor:  r,
			ConsistencyHorizon: 600,
			LamportTS:          1,
			Partitions:         parts,
		}},
	}
	cluster.SortPartitions(desc.Tables[0].Partitions)

	m, err := cluster.NewManager(desc, cluster.ManagerConfig{
		Opener: cluster.NewOpener(cluster.OpenerConfig{}, zap.NewNop()),
	}, zap.NewNop())
	require.NoError(t, err)
	st := m.Acquire()
	t.Cleanup(func() {
		st.Release()
		m.Close()
	})
	return st
}

func newExecutor(peer PeerClient) *Executor {
	return NewExecutor(peer, Config{PeerTimeout: time.Second}, metrics.NewMetrics(prometheus.NewRegistry()), zap.NewNop())
}

func newRequest(cmd protocol.Command, key string, blocks ...[]byte) *protocol.Request {
	return &protocol.Request{Type: cmd, TableUUID: tableID[:], Key: []byte(key), DataBlocks: blocks}
}

func load(t *testing.T, cs *cluster.State, req *protocol.Request) *State {
	t.Helper()
	st, err := Load(cs, req)
	require.NoError(t, err)
	return st
}

func blobRecord(author string, value string) *model.PersistedRecord {
	rec := &model.PersistedRecord{}
	datamodel.UpdateBlob(rec, model.NameUUID(author), uint64(time.Now().Unix()), []byte(value), nil)
	return rec
}

func TestReplicationStateQuorum(t *testing.T) {
	r := NewReplicationState(2, 4)
	assert.False(t, r.PeerSuccess())
	assert.True(t, r.PeerSuccess())
	assert.True(t, r.IsFinished())
	assert.True(t, r.IsSuccessful())

	assert.False(t, r.PeerSuccess())
	assert.False(t, r.PeerFailure())
	success, failure := r.Counts()
	assert.Equal(t, 2, success)
	assert.Equal(t, 0, failure)
}

func TestReplicationStateUnreachable(t *testing.T) {
	r := NewReplicationState(2, 3)
	assert.False(t, r.PeerFailure())
	assert.True(t, r.PeerFailure())
	assert.True(t, r.IsFinished())
	assert.False(t, r.IsSuccessful())

	assert.False(t, r.PeerSuccess())
	success, failure := r.Counts()
	assert.Equal(t, 0, success)
	assert.Equal(t, 2, failure)
}

func TestLoadErrors(t *testing.T) {
	cs := newCluster(t, model.DataTypeBlob, 2,
		partition("p1", localID, 100),
		partition("p2", remoteID, 200),
	)
	remotePart := model.NameUUID("p2")
	unknown := model.NameUUID("unknown")

	tests := []struct {
		name string
		req  *protocol.Request
		code errors.ErrorCode
	}{
		{"missing table", &protocol.Request{Key: []byte("k")}, errors.CodeBadRequest},
		{"malformed table uuid", &protocol.Request{TableUUID: []byte{1, 2}, Key: []byte("k")}, errors.CodeBadRequest},
		{"missing key", &protocol.Request{TableUUID: tableID[:]}, errors.CodeBadRequest},
		{"malformed clock", &protocol.Request{TableUUID: tableID[:], Key: []byte("k"), ClusterClock: []byte{0x0a, 0x05, 0x01}}, errors.CodeBadRequest},
		{"malformed partition", &protocol.Request{TableUUID: tableID[:], Key: []byte("k"), PartitionUUID: []byte{1}}, errors.CodeBadRequest},
		{"unknown table", &protocol.Request{TableUUID: unknown[:], Key: []byte("k")}, errors.CodeNotFound},
		{"unknown table name", &protocol.Request{TableName: "nope", Key: []byte("k")}, errors.CodeNotFound},
		{"remote partition", &protocol.Request{TableUUID: tableID[:], Key: []byte("k"), PartitionUUID: remotePart[:]}, errors.CodeNotFound},
		{"unknown peer", &protocol.Request{TableUUID: tableID[:], Key: []byte("k"), PeerPartitionUUIDs: [][]byte{unknown[:]}}, errors.CodeNotFound},
		{"quorum too large", &protocol.Request{TableUUID: tableID[:], Key: []byte("k"), RequestedQuorum: 3}, errors.CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cs, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.GetCode(err))
		})
	}
}

func TestLoadTableWithoutPartitions(t *testing.T) {
	cs := newCluster(t, model.DataTypeBlob, 3)
	_, err := Load(cs, newRequest(protocol.CommandGetBlob, "k"))
	assert.Equal(t, errors.CodeGone, errors.GetCode(err))
}

func TestLoadRouting(t *testing.T) {
	cs := newCluster(t, model.DataTypeBlob, 3,
		partition("p1", localID, 100),
		partition("p2", remoteID, 200),
		partition("p3", remoteID, 300),
		partition("p4", localID, 400),
	)
	p1, p2, p4 := model.NameUUID("p1"), model.NameUUID("p2"), model.NameUUID("p4")

	t.Run("by name and key", func(t *testing.T) {
		st := load(t, cs, &protocol.Request{TableName: "table", Key: []byte("key")})
		assert.Equal(t, 3, st.Factor())
		assert.Equal(t, 3, st.Quorum)
		assert.NotNil(t, st.Primary)
	})

	t.Run("explicit partitions", func(t *testing.T) {
		req := newRequest(protocol.CommandGetBlob, "key")
		req.PartitionUUID = p4[:]
		req.PeerPartitionUUIDs = [][]byte{p2[:]}
		req.RequestedQuorum = 1
		st := load(t, cs, req)
		assert.Equal(t, p4, st.Primary.UUID())
		require.Len(t, st.Peers, 1)
		assert.Equal(t, p2, st.Peers[0].UUID())
		assert.Equal(t, 1, st.Quorum)
	})

	t.Run("partition only", func(t *testing.T) {
		req := newRequest(protocol.CommandGetBlob, "key")
		req.PartitionUUID = p1[:]
		st := load(t, cs, req)
		assert.Equal(t, p1, st.Primary.UUID())
		require.Len(t, st.Peers, 2)
		for _, p := range st.Peers {
			assert.NotEqual(t, p1, p.UUID())
		}
	})
}

func TestQuorumIsCappedByReplicaCount(t *testing.T) {
	cs := newCluster(t, model.DataTypeBlob, 3, partition("p1", localID, 100))
	st := load(t, cs, newRequest(protocol.CommandGetBlob, "key"))
	assert.Equal(t, 1, st.Factor())
	assert.Equal(t, 1, st.Quorum)
}

func TestSetBlobReplicatesAndReadRepairs(t *testing.T) {
	cs := newCluster(t, model.DataTypeBlob, 3,
		partition("p1", localID, 100),
		partition("p2", remoteID, 200),
		partition("p3", remoteID, 300),
	)
	peer := &mockPeer{}
	peer.On("Do", mock.Anything, remotePeer.Address(), mock.Anything).
		Return(&protocol.Response{Type: protocol.CommandReplicate}, nil)
	ex := newExecutor(peer)

	resp := ex.SetBlob(context.Background(), load(t, cs, newRequest(protocol.CommandSetBlob, "key", []byte("value"))))
	require.False(t, resp.IsError(), "%v", resp.Err())
	assert.Equal(t, uint32(3), resp.ReplicationSuccess)
	assert.Equal(t, uint32(0), resp.ReplicationFailure)
	ex.Wait()

	writes := peer.requests()
	require.Len(t, writes, 2)
	p1 := model.NameUUID("p1")
	for _, req := range writes {
		assert.Equal(t, protocol.CommandReplicate, req.Type)
		assert.Equal(t, p1[:], req.PeerPartitionUUIDs[0])
		require.Len(t, req.DataBlocks, 1)
		rec, err := model.UnmarshalRecord(req.DataBlocks[0])
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("value")}, datamodel.BlobValues(rec))
	}

	// the peers answer reads with nothing, so both are repaired
	resp = ex.GetBlob(context.Background(), load(t, cs, newRequest(protocol.CommandGetBlob, "key")))
	require.False(t, resp.IsError())
	assert.Equal(t, [][]byte{[]byte("value")}, resp.DataBlocks)
	ex.Wait()

	all := peer.requests()
	require.Len(t, all, 6)
	var repairs int
	for _, req := range all[2:] {
		if len(req.DataBlocks) == 1 {
			repairs++
		}
	}
	assert.Equal(t, 2, repairs)
}

func TestSetBlobStaleClock(t *testing.T) {
	cs := newCluster(t, model.DataTypeBlob, 1, partition("p1", localID, 100))
	ex := newExecutor(&mockPeer{})

	resp := ex.SetBlob(context.Background(), load(t, cs, newRequest(protocol.CommandSetBlob, "key", []byte("one"))))
	require.False(t, resp.IsError())

	// a client that has seen nothing is behind the stored record
	stale := newRequest(protocol.CommandSetBlob, "key", []byte("two"))
	stale.ClusterClock = protocol.EncodeClock(model.ClusterClock{})
	resp = ex.SetBlob(context.Background(), load(t, cs, stale))
	require.True(t, resp.IsError())
	assert.Equal(t, uint32(errors.CodeConflict), resp.Error.Code)
	assert.Equal(t, [][]byte{[]byte("one")}, resp.DataBlocks)

	// writing with the returned clock supersedes the value
	fresh := newRequest(protocol.CommandSetBlob, "key", []byte("two"))
	fresh.ClusterClock = resp.ClusterClock
	resp = ex.SetBlob(context.Background(), load(t, cs, fresh))
	require.False(t, resp.IsError())

	resp = ex.GetBlob(context.Background(), load(t, cs, newRequest(protocol.CommandGetBlob, "key")))
	assert.Equal(t, [][]byte{[]byte("two")}, resp.DataBlocks)
}

func TestSetBlobQuorumFailure(t *testing.T) {
	cs := newCluster(t, model.DataTypeBlob, 3,
		partition("p1", localID, 100),
		partition("p2", remoteID, 200),
		partition("p3", remoteID, 300),
	)
	peer := &mockPeer{}
	peer.On("Do", mock.Anything, mock.Anything, mock.Anything).Return(nil, stderrors.New("connection refused"))
	ex := newExecutor(peer)

	req := newRequest(protocol.CommandSetBlob, "key", []byte("value"))
	req.RequestedQuorum = 2
	resp := ex.SetBlob(context.Background(), load(t, cs, req))
	ex.Wait()

	require.True(t, resp.IsError())
	assert.Equal(t, uint32(errors.CodeUnavailable), resp.Error.Code)
	assert.Equal(t, uint32(1), resp.ReplicationSuccess)
	assert.Equal(t, uint32(2), resp.ReplicationFailure)
}

func TestReadAdoptsNewerPeerRecord(t *testing.T) {
	cs := newCluster(t, model.DataTypeBlob, 2,
		partition("p1", localID, 100),
		partition("p2", remoteID, 200),
	)
	remote := blobRecord("other", "remote-value")
	peer := &mockPeer{}
	peer.On("Do", mock.Anything, remotePeer.Address(), mock.Anything).Return(&protocol.Response{
		Type:       protocol.CommandReplicate,
		DataBlocks: [][]byte{model.MarshalRecord(remote)},
	}, nil)
	ex := newExecutor(peer)

	st := load(t, cs, newRequest(protocol.CommandGetBlob, "key"))
	resp := ex.GetBlob(context.Background(), st)
	ex.Wait()

	require.False(t, resp.IsError())
	assert.Equal(t, [][]byte{[]byte("remote-value")}, resp.DataBlocks)
	peer.AssertNumberOfCalls(t, "Do", 1)

	// the merged record was written back to the primary
	stored, err := st.Primary.Persister().Get([]byte("key"))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("remote-value")}, datamodel.BlobValues(stored))
	assert.True(t, st.Primary.Digest().Properties().Added > 0)
}

func TestCounterPipeline(t *testing.T) {
	cs := newCluster(t, model.DataTypeCounter, 1, partition("p1", localID, 100))
	ex := newExecutor(&mockPeer{})

	for _, delta := range []int64{5, -2} {
		req := newRequest(protocol.CommandUpdateCounter, "hits")
		req.CounterDelta = delta
		resp := ex.UpdateCounter(context.Background(), load(t, cs, req))
		require.False(t, resp.IsError())
	}

	resp := ex.CounterValue(context.Background(), load(t, cs, newRequest(protocol.CommandCounterValue, "hits")))
	require.False(t, resp.IsError())
	assert.Equal(t, int64(3), resp.CounterValue)
	assert.Equal(t, uint32(1), resp.ReplicationSuccess)

	resp = ex.CounterValue(context.Background(), load(t, cs, newRequest(protocol.CommandCounterValue, "absent")))
	assert.Equal(t, int64(0), resp.CounterValue)
}

func TestWrongDataType(t *testing.T) {
	cs := newCluster(t, model.DataTypeCounter, 1, partition("p1", localID, 100))
	ex := newExecutor(&mockPeer{})

	resp := ex.SetBlob(context.Background(), load(t, cs, newRequest(protocol.CommandSetBlob, "key", []byte("v"))))
	require.True(t, resp.IsError())
	assert.Equal(t, uint32(errors.CodeNotAcceptable), resp.Error.Code)
}

func TestForwardWithoutLocalReplica(t *testing.T) {
	cs := newCluster(t, model.DataTypeBlob, 1, partition("p2", remoteID, 200))
	peer := &mockPeer{}
	peer.On("Do", mock.Anything, remotePeer.Address(), mock.MatchedBy(func(req *protocol.Request) bool {
		return req.Forwarded && req.Type == protocol.CommandGetBlob
	})).Return(&protocol.Response{Type: protocol.CommandGetBlob, DataBlocks: [][]byte{[]byte("far")}}, nil)
	ex := newExecutor(peer)

	st := load(t, cs, newRequest(protocol.CommandGetBlob, "key"))
	assert.Nil(t, st.Primary)
	resp := ex.GetBlob(context.Background(), st)
	require.False(t, resp.IsError())
	assert.Equal(t, [][]byte{[]byte("far")}, resp.DataBlocks)
	peer.AssertExpectations(t)

	// a forwarded request is never forwarded again
	again := newRequest(protocol.CommandGetBlob, "key")
	again.Forwarded = true
	resp = ex.GetBlob(context.Background(), load(t, cs, again))
	require.True(t, resp.IsError())
	assert.Equal(t, uint32(errors.CodeUnavailable), resp.Error.Code)
	peer.AssertNumberOfCalls(t, "Do", 1)
}

func TestReplicateAnswersStaleSender(t *testing.T) {
	cs := newCluster(t, model.DataTypeBlob, 1, partition("p1", localID, 100))
	ex := newExecutor(&mockPeer{})
	p1, sender := model.NameUUID("p1"), model.NameUUID("elsewhere")

	replicate := func(rec *model.PersistedRecord) *protocol.Response {
		req := newRequest(protocol.CommandReplicate, "key")
		req.PartitionUUID = p1[:]
		req.PeerPartitionUUIDs = [][]byte{sender[:]}
		if rec != nil {
			req.DataBlocks = [][]byte{model.MarshalRecord(rec)}
		}
		st, err := LoadReplica(cs, req)
		require.NoError(t, err)
		return ex.Replicate(context.Background(), st)
	}

	older := blobRecord("a", "one")
	newer := older.Clone()
	datamodel.UpdateBlob(newer, model.NameUUID("a"), uint64(time.Now().Unix()), []byte("two"), nil)

	resp := replicate(newer)
	require.False(t, resp.IsError())
	assert.Empty(t, resp.DataBlocks)

	resp = replicate(older)
	require.Len(t, resp.DataBlocks, 1)
	got, err := model.UnmarshalRecord(resp.DataBlocks[0])
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("two")}, datamodel.BlobValues(got))

	resp = replicate(nil)
	require.Len(t, resp.DataBlocks, 1)
}

func TestLoadReplicaRequiresPartition(t *testing.T) {
	cs := newCluster(t, model.DataTypeBlob, 1, partition("p1", localID, 100))
	_, err := LoadReplica(cs, newRequest(protocol.CommandReplicate, "key"))
	assert.Equal(t, errors.CodeBadRequest, errors.GetCode(err))
}
