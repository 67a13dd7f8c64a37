package handler

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/samoa/internal/cluster"
	"github.com/devrev/samoa/internal/digest"
	"github.com/devrev/samoa/internal/errors"
	"github.com/devrev/samoa/internal/metrics"
	"github.com/devrev/samoa/internal/model"
	"github.com/devrev/samoa/internal/protocol"
	"github.com/devrev/samoa/internal/request"
)

var localID = model.NameUUID("local")

type mockPeer struct {
	mock.Mock
}

func (m *mockPeer) Do(ctx context.Context, address string, req *protocol.Request) (*protocol.Response, error) {
	args := m.Called(ctx, address, req)
	resp, _ := args.Get(0).(*protocol.Response)
	return resp, args.Error(1)
}

type fixture struct {
	handler  *Handler
	manager  *cluster.Manager
	digests  *digest.RemoteCache
	peer     *mockPeer
	shutdown chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	manager, err := cluster.NewManager(&model.ClusterStateDescription{
		LocalUUID:     localID,
		LocalHostname: "localhost",
		LocalPort:     7000,
	}, cluster.ManagerConfig{
		Opener: cluster.NewOpener(cluster.OpenerConfig{}, zap.NewNop()),
	}, zap.NewNop())
	require.NoError(t, err)

	m := metrics.NewMetrics(prometheus.NewRegistry())
	f := &fixture{
		manager:  manager,
		digests:  digest.NewRemoteCache(time.Minute),
		peer:     &mockPeer{},
		shutdown: make(chan struct{}),
	}
	executor := request.NewExecutor(f.peer, request.Config{PeerTimeout: time.Second}, m, zap.NewNop())
	f.handler = NewHandler(Config{
		DefaultLayers: []model.RingLayer{{StorageSize: 1 << 16, IndexSize: 64}},
	}, manager, executor, f.digests, m, func() { close(f.shutdown) }, zap.NewNop())

	t.Cleanup(func() {
		executor.Wait()
		manager.Close()
	})
	return f
}

func (f *fixture) serve(req *protocol.Request) *protocol.Response {
	return f.handler.Serve(context.Background(), req)
}

func (f *fixture) createTable(t *testing.T, name string, dataType model.DataType, r uint32) uuid.UUID {
	t.Helper()
	resp := f.serve(&protocol.Request{
		Type:              protocol.CommandCreateTable,
		TableName:         name,
		DataType:          dataType,
		ReplicationFactor: r,
	})
	require.Nil(t, resp.Error)
	return resp.TableUUID
}

func (f *fixture) createPartition(t *testing.T, table uuid.UUID, pos uint64) uuid.UUID {
	t.Helper()
	resp := f.serve(&protocol.Request{
		Type:         protocol.CommandCreatePartition,
		TableUUID:    table[:],
		RingPosition: pos,
	})
	require.Nil(t, resp.Error)
	return resp.PartitionUUID
}

func (f *fixture) table(t *testing.T, id uuid.UUID) model.TableDescription {
	t.Helper()
	cs := f.manager.Acquire()
	defer cs.Release()
	tbl, ok := cs.Table(id)
	require.True(t, ok)
	return tbl.Description()
}

func errorCode(resp *protocol.Response) uint32 {
	if resp.Error == nil {
		return 0
	}
	return resp.Error.Code
}

func TestPing(t *testing.T) {
	f := newFixture(t)
	resp := f.serve(&protocol.Request{Type: protocol.CommandPing, RequestID: 42})
	assert.Nil(t, resp.Error)
	assert.Equal(t, protocol.CommandPing, resp.Type)
	assert.Equal(t, uint64(42), resp.RequestID)

	resp = f.serve(&protocol.Request{Type: protocol.CommandError, RequestID: 43})
	assert.Equal(t, uint32(errors.CodeBadRequest), errorCode(resp))
	assert.Equal(t, uint64(43), resp.RequestID)
}

func TestShutdownAnswersFirst(t *testing.T) {
	f := newFixture(t)
	resp := f.serve(&protocol.Request{Type: protocol.CommandShutdown})
	assert.Nil(t, resp.Error)
	select {
	case <-f.shutdown:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown was not triggered")
	}
}

func TestBlobRoundTrip(t *testing.T) {
	f := newFixture(t)
	table := f.createTable(t, "kv", model.DataTypeBlob, 1)
	f.createPartition(t, table, 1<<63)

	resp := f.serve(&protocol.Request{
		Type:       protocol.CommandSetBlob,
		TableName:  "kv",
		Key:        []byte("greeting"),
		DataBlocks: [][]byte{[]byte("hello")},
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, uint32(1), resp.ReplicationSuccess)
	require.NotEmpty(t, resp.ClusterClock)

	resp = f.serve(&protocol.Request{
		Type:      protocol.CommandGetBlob,
		TableUUID: table[:],
		Key:       []byte("greeting"),
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, [][]byte{[]byte("hello")}, resp.DataBlocks)

	resp = f.serve(&protocol.Request{
		Type:      protocol.CommandGetBlob,
		TableUUID: table[:],
		Key:       []byte("missing"),
	})
	require.Nil(t, resp.Error)
	assert.Empty(t, resp.DataBlocks)

	f.peer.AssertNotCalled(t, "Do", mock.Anything, mock.Anything, mock.Anything)
}

func TestCounterRoundTrip(t *testing.T) {
	f := newFixture(t)
	table := f.createTable(t, "hits", model.DataTypeCounter, 1)
	f.createPartition(t, table, 1<<62)

	for _, delta := range []int64{5, -2} {
		resp := f.serve(&protocol.Request{
			Type:         protocol.CommandUpdateCounter,
			TableUUID:    table[:],
			Key:          []byte("page"),
			CounterDelta: delta,
		})
		require.Nil(t, resp.Error)
	}
	resp := f.serve(&protocol.Request{Type: protocol.CommandCounterValue, TableUUID: table[:], Key: []byte("page")})
	require.Nil(t, resp.Error)
	assert.Equal(t, int64(3), resp.CounterValue)

	resp = f.serve(&protocol.Request{Type: protocol.CommandGetBlob, TableUUID: table[:], Key: []byte("page")})
	assert.Equal(t, uint32(errors.CodeNotAcceptable), errorCode(resp))
}

func TestCreateTableErrors(t *testing.T) {
	f := newFixture(t)
	f.createTable(t, "kv", model.DataTypeBlob, 0)

	tests := []struct {
		name string
		req  *protocol.Request
		code errors.ErrorCode
	}{
		{"missing name", &protocol.Request{DataType: model.DataTypeBlob}, errors.CodeBadRequest},
		{"unknown data type", &protocol.Request{TableName: "x"}, errors.CodeNotAcceptable},
		{"duplicate name", &protocol.Request{TableName: "kv", DataType: model.DataTypeCounter}, errors.CodeConflict},
		{"replication factor too large", &protocol.Request{TableName: "big", DataType: model.DataTypeBlob,
			ReplicationFactor: MaxReplicationFactor + 1}, errors.CodeBadRequest},
		{"negative replication factor", &protocol.Request{TableName: "neg", DataType: model.DataTypeBlob,
			ReplicationFactor: math.MaxUint32}, errors.CodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Type = protocol.CommandCreateTable
			assert.Equal(t, uint32(tt.code), errorCode(f.serve(tt.req)))
		})
	}
}

func TestCreateTableDefaults(t *testing.T) {
	f := newFixture(t)
	id := f.createTable(t, "kv", model.DataTypeBlob, 0)

	desc := f.table(t, id)
	assert.Equal(t, "kv", desc.Name)
	assert.Equal(t, uint32(3), desc.ReplicationFactor)
	assert.Equal(t, uint32(600), desc.ConsistencyHorizon)
	assert.Equal(t, uint64(1), desc.LamportTS)
}

func TestAlterTable(t *testing.T) {
	f := newFixture(t)
	id := f.createTable(t, "kv", model.DataTypeBlob, 3)
	f.createTable(t, "other", model.DataTypeBlob, 3)

	resp := f.serve(&protocol.Request{
		Type:               protocol.CommandAlterTable,
		TableUUID:          id[:],
		TableName:          "renamed",
		ReplicationFactor:  2,
		ConsistencyHorizon: 60,
	})
	require.Nil(t, resp.Error)
	desc := f.table(t, id)
	assert.Equal(t, "renamed", desc.Name)
	assert.Equal(t, uint32(2), desc.ReplicationFactor)
	assert.Equal(t, uint32(60), desc.ConsistencyHorizon)
	assert.Equal(t, uint64(2), desc.LamportTS)

	// an unchanged alter does not bump the lamport timestamp
	resp = f.serve(&protocol.Request{Type: protocol.CommandAlterTable, TableName: "renamed", ReplicationFactor: 2})
	require.Nil(t, resp.Error)
	assert.Equal(t, uint64(2), f.table(t, id).LamportTS)

	resp = f.serve(&protocol.Request{Type: protocol.CommandAlterTable, TableUUID: id[:], TableName: "other"})
	assert.Equal(t, uint32(errors.CodeConflict), errorCode(resp))

	resp = f.serve(&protocol.Request{Type: protocol.CommandAlterTable, TableName: "missing", ReplicationFactor: 1})
	assert.Equal(t, uint32(errors.CodeNotFound), errorCode(resp))
}

func TestAlterTableReplicationFactorBounds(t *testing.T) {
	f := newFixture(t)
	id := f.createTable(t, "kv", model.DataTypeBlob, 1)
	f.createPartition(t, id, 100)
	f.createPartition(t, id, 200)

	alter := func(r uint32) *protocol.Response {
		return f.serve(&protocol.Request{Type: protocol.CommandAlterTable, TableUUID: id[:], ReplicationFactor: r})
	}

	assert.Equal(t, uint32(errors.CodeBadRequest), errorCode(alter(3)))
	assert.Equal(t, uint32(errors.CodeBadRequest), errorCode(alter(math.MaxUint32)))
	assert.Equal(t, uint32(1), f.table(t, id).ReplicationFactor)
	assert.Equal(t, uint64(1), f.table(t, id).LamportTS)

	require.Nil(t, alter(2).Error)
	assert.Equal(t, uint32(2), f.table(t, id).ReplicationFactor)
}

func TestDropTable(t *testing.T) {
	f := newFixture(t)
	id := f.createTable(t, "kv", model.DataTypeBlob, 1)
	part := f.createPartition(t, id, 1<<63)
	f.digests.Put(part, make([]byte, digest.DefaultSize))

	resp := f.serve(&protocol.Request{Type: protocol.CommandDropTable, TableName: "kv"})
	require.Nil(t, resp.Error)
	assert.Equal(t, id, resp.TableUUID)

	desc := f.table(t, id)
	assert.True(t, desc.Dropped)
	assert.NotZero(t, desc.DroppedTimestamp)
	_, cached := f.digests.Get(part)
	assert.False(t, cached)

	resp = f.serve(&protocol.Request{Type: protocol.CommandGetBlob, TableUUID: id[:], Key: []byte("k")})
	assert.Equal(t, uint32(errors.CodeNotFound), errorCode(resp))

	resp = f.serve(&protocol.Request{Type: protocol.CommandDropTable, TableUUID: id[:]})
	assert.Equal(t, uint32(errors.CodeNotFound), errorCode(resp))

	// the name is free again
	f.createTable(t, "kv", model.DataTypeBlob, 1)
}

func TestCreatePartitionErrors(t *testing.T) {
	f := newFixture(t)
	id := f.createTable(t, "kv", model.DataTypeBlob, 1)

	resp := f.serve(&protocol.Request{
		Type:       protocol.CommandCreatePartition,
		TableUUID:  id[:],
		RingLayers: []model.RingLayer{{StorageSize: 1 << 16}},
	})
	assert.Equal(t, uint32(errors.CodeBadRequest), errorCode(resp))

	resp = f.serve(&protocol.Request{Type: protocol.CommandCreatePartition, TableUUID: []byte("short")})
	assert.Equal(t, uint32(errors.CodeBadRequest), errorCode(resp))

	missing := model.NameUUID("missing")
	resp = f.serve(&protocol.Request{Type: protocol.CommandCreatePartition, TableUUID: missing[:]})
	assert.Equal(t, uint32(errors.CodeNotFound), errorCode(resp))
}

func TestDropPartition(t *testing.T) {
	f := newFixture(t)
	id := f.createTable(t, "kv", model.DataTypeBlob, 1)
	part := f.createPartition(t, id, 1<<63)

	cs := f.manager.Acquire()
	_, lp, ok := cs.LocalPartition(part)
	cs.Release()
	require.True(t, ok)
	require.NotNil(t, lp.Persister())

	resp := f.serve(&protocol.Request{Type: protocol.CommandDropPartition, TableUUID: id[:], PartitionUUID: part[:]})
	require.Nil(t, resp.Error)

	cs = f.manager.Acquire()
	_, _, ok = cs.LocalPartition(part)
	cs.Release()
	assert.False(t, ok)

	// a table whose only partition was dropped has no route
	resp = f.serve(&protocol.Request{Type: protocol.CommandGetBlob, TableUUID: id[:], Key: []byte("k")})
	assert.Equal(t, uint32(errors.CodeGone), errorCode(resp))

	resp = f.serve(&protocol.Request{Type: protocol.CommandDropPartition, TableUUID: id[:], PartitionUUID: part[:]})
	assert.Equal(t, uint32(errors.CodeNotFound), errorCode(resp))
}

func TestClusterStateMerge(t *testing.T) {
	f := newFixture(t)

	resp := f.serve(&protocol.Request{Type: protocol.CommandClusterState})
	require.Nil(t, resp.Error)
	require.NotNil(t, resp.ClusterState)
	assert.Equal(t, localID, resp.ClusterState.LocalUUID)

	resp = f.serve(&protocol.Request{Type: protocol.CommandClusterState, ClusterState: &model.ClusterStateDescription{}})
	assert.Equal(t, uint32(errors.CodeBadRequest), errorCode(resp))

	resp = f.serve(&protocol.Request{
		Type:         protocol.CommandClusterState,
		ClusterState: &model.ClusterStateDescription{LocalUUID: localID, LocalHostname: "localhost", LocalPort: 7000},
	})
	assert.Equal(t, uint32(errors.CodeNotAcceptable), errorCode(resp))

	remoteID := model.NameUUID("remote")
	tableID := model.NameUUID("shared")
	remote := &model.ClusterStateDescription{
		LocalUUID:     remoteID,
		LocalHostname: "remote",
		LocalPort:     7001,
		Tables: []model.TableDescription{{
			UUID:               tableID,
			Name:               "shared",
			DataType:           model.DataTypeBlob,
			ReplicationFactor:  1,
			ConsistencyHorizon: 600,
			LamportTS:          1,
			Partitions: []model.PartitionDescription{{
				UUID:         model.NameUUID("remote-part"),
				TableUUID:    tableID,
				ServerUUID:   remoteID,
				RingPosition: 1 << 60,
				LamportTS:    1,
				RingLayers:   []model.RingLayer{{StorageSize: 1 << 16, IndexSize: 64}},
			}},
		}},
	}
	resp = f.serve(&protocol.Request{Type: protocol.CommandClusterState, ClusterState: remote})
	require.Nil(t, resp.Error)
	require.Len(t, resp.ClusterState.Tables, 1)
	assert.Equal(t, "shared", resp.ClusterState.Tables[0].Name)
	require.Len(t, resp.ClusterState.Peers, 1)
	assert.Equal(t, "remote:7001", resp.ClusterState.Peers[0].Address())

	cs := f.manager.Acquire()
	defer cs.Release()
	_, ok := cs.TableByName("shared")
	assert.True(t, ok)
}

func TestDigestSync(t *testing.T) {
	f := newFixture(t)
	part := model.NameUUID("remote-part")

	resp := f.serve(&protocol.Request{Type: protocol.CommandDigestSync, PartitionUUID: part[:]})
	assert.Equal(t, uint32(errors.CodeBadRequest), errorCode(resp))

	raw := make([]byte, digest.DefaultSize)
	raw[0] = 0xff
	resp = f.serve(&protocol.Request{
		Type:          protocol.CommandDigestSync,
		PartitionUUID: part[:],
		DataBlocks:    [][]byte{raw},
	})
	require.Nil(t, resp.Error)
	d, ok := f.digests.Get(part)
	require.True(t, ok)
	assert.Equal(t, raw, d.Bytes())
}
