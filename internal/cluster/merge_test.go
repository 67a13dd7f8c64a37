package cluster

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/samoa/internal/model"
)

func server(name string, port uint32, peers []model.PeerDescription, tables ...model.TableDescription) *model.ClusterStateDescription {
	desc := &model.ClusterStateDescription{
		LocalUUID:     model.NameUUID(name),
		LocalHostname: name,
		LocalPort:     port,
		Peers:         peers,
		Tables:        tables,
	}
	SortDescription(desc)
	Commit(desc, 0)
	return desc
}

func peer(name string, port uint32) model.PeerDescription {
	return model.PeerDescription{UUID: model.NameUUID(name), Hostname: name, Port: port}
}

// exchange mirrors one CLUSTER_STATE poll: the callee merges the caller's
// state and answers with its own, which the caller merges in turn
func exchange(caller, callee *model.ClusterStateDescription) {
	if MergeRemote(callee, caller.Clone()) {
		Commit(callee, 0)
	}
	if MergeRemote(caller, callee.Clone()) {
		Commit(caller, 0)
	}
}

// settled returns a partition whose consistent range is already the whole
// ring, as its owner publishes it in a table of fewer than 2R partitions
func settled(name string, server uuid.UUID, pos uint64) model.PartitionDescription {
	p := part(name, server, pos)
	p.ConsistentRangeBegin = pos + 1
	p.ConsistentRangeEnd = pos
	p.LamportTS = 1
	return p
}

func TestPeerDiscoveryIsTransitive(t *testing.T) {
	names := []string{"a", "b", "c", "d"}
	descs := make([]*model.ClusterStateDescription, len(names))
	for i, name := range names {
		mine := settled("p-"+name, model.NameUUID(name), uint64(i+1)<<60)
		parts := []model.PartitionDescription{mine}
		var peers []model.PeerDescription
		if i+1 < len(names) {
			next := names[i+1]
			peers = append(peers, peer(next, uint32(5001+i)))
			parts = append(parts, settled("p-"+next, model.NameUUID(next), uint64(i+2)<<60))
		}
		descs[i] = server(name, uint32(5000+i), peers, table(3, parts...))
	}

	// one round: every server polls each peer it knows, in order
	byUUID := make(map[uuid.UUID]*model.ClusterStateDescription)
	for _, d := range descs {
		byUUID[d.LocalUUID] = d
	}
	for _, d := range descs {
		for _, p := range d.Clone().Peers {
			exchange(d, byUUID[p.UUID])
		}
	}

	for _, d := range descs {
		assert.Len(t, d.Peers, 3, "server %s", d.LocalHostname)
		require.Len(t, d.Tables, 1)
		assert.Len(t, d.Tables[0].Partitions, 4, "server %s", d.LocalHostname)
		assert.Empty(t, CheckTrackingInvariant(d.LocalUUID, &d.Tables[0]))
		for _, p := range d.Peers {
			assert.Equal(t, byUUID[p.UUID].Self(), p)
		}
	}

	// converged: a further merge changes nothing
	for _, d := range descs {
		for _, other := range descs {
			if d != other {
				assert.False(t, MergeRemote(d, other.Clone()))
			}
		}
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	local := server("local", 1, nil, table(2, part("mine", model.NameUUID("local"), 100)))
	var parts []model.PartitionDescription
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("r%d", i)
		parts = append(parts, part("p-"+name, model.NameUUID("remote"), uint64(i+1)*1000))
	}
	remote := server("remote", 2, []model.PeerDescription{peer("local", 1)}, table(2, parts...))

	assert.True(t, MergeRemote(local, remote.Clone()))
	once := local.Clone()
	assert.False(t, MergeRemote(local, remote.Clone()))
	assert.Equal(t, once, local)

	assert.Equal(t, []model.PeerDescription{remote.Self()}, local.Peers)
	assert.Empty(t, CheckTrackingInvariant(local.LocalUUID, &local.Tables[0]))
}

func TestMergeAddsUnknownTable(t *testing.T) {
	local := server("local", 1, nil)
	remote := server("remote", 2, nil, table(1, part("p", model.NameUUID("remote"), 10)))

	assert.True(t, MergeRemote(local, remote.Clone()))
	require.Len(t, local.Tables, 1)
	assert.Equal(t, "table", local.Tables[0].Name)
	assert.Len(t, local.Tables[0].Partitions, 1)
	assert.Equal(t, []model.PeerDescription{remote.Self()}, local.Peers)
}

func TestMergeDropIsSticky(t *testing.T) {
	local := server("local", 1, nil, table(1, part("p", model.NameUUID("remote"), 10)))

	dropped := table(1)
	dropped.Dropped = true
	dropped.DroppedTimestamp = 1234
	assert.True(t, MergeRemote(local, server("remote", 2, nil, dropped).Clone()))
	require.Len(t, local.Tables, 1)
	assert.True(t, local.Tables[0].Dropped)
	assert.Equal(t, int64(1234), local.Tables[0].DroppedTimestamp)

	// a newer live version does not resurrect it
	live := table(1, part("p", model.NameUUID("other"), 10))
	live.LamportTS = 99
	live.Name = "renamed"
	assert.False(t, MergeRemote(local, server("other", 3, nil, live).Clone()))
	assert.True(t, local.Tables[0].Dropped)
	assert.Equal(t, "table", local.Tables[0].Name)
}

func TestMergeTableLamport(t *testing.T) {
	local := server("local", 1, nil, table(1))

	newer := table(1)
	newer.LamportTS = 2
	newer.Name = "newer"
	newer.ConsistencyHorizon = 30
	assert.True(t, MergeRemote(local, server("remote", 2, nil, newer).Clone()))
	assert.Equal(t, "newer", local.Tables[0].Name)
	assert.Equal(t, uint32(30), local.Tables[0].ConsistencyHorizon)

	older := table(1)
	older.Name = "older"
	assert.False(t, MergeRemote(local, server("remote", 2, nil, older).Clone()))
	assert.Equal(t, "newer", local.Tables[0].Name)
}

func TestMergeTableTieBreakConverges(t *testing.T) {
	ta := table(1)
	ta.Name = "alpha"
	tb := table(1)
	tb.Name = "beta"
	a := server("a", 1, nil, ta)
	b := server("b", 2, nil, tb)

	MergeRemote(a, b.Clone())
	MergeRemote(b, a.Clone())
	assert.Equal(t, "beta", a.Tables[0].Name)
	assert.Equal(t, "beta", b.Tables[0].Name)
}

func TestMergePartitionLamport(t *testing.T) {
	remoteID := model.NameUUID("remote")
	tracked := part("p", remoteID, 10)
	tracked.LamportTS = 1
	local := server("local", 1, []model.PeerDescription{peer("remote", 2)}, table(1, tracked))

	updated := tracked
	updated.LamportTS = 2
	updated.ConsistentRangeBegin = 11
	updated.ConsistentRangeEnd = 10
	remote := server("remote", 2, nil, table(1, updated))

	assert.True(t, MergeRemote(local, remote.Clone()))
	got := findPartition(&local.Tables[0], tracked.UUID)
	require.NotNil(t, got)
	assert.Equal(t, remote.Tables[0].Partitions[0].LamportTS, got.LamportTS)

	stale := tracked
	stale.LamportTS = 0
	stale.ConsistentRangeBegin = 500
	assert.False(t, MergeRemote(local, &model.ClusterStateDescription{
		LocalUUID: remoteID, LocalHostname: "remote", LocalPort: 2,
		Tables: []model.TableDescription{table(1, stale)},
	}))
}

func TestMergeIgnoresRemoteViewOfLocalPartitions(t *testing.T) {
	mine := part("mine", model.NameUUID("local"), 10)
	local := server("local", 1, nil, table(1, mine))
	before := findPartition(&local.Tables[0], mine.UUID).Clone()

	theirs := mine
	theirs.LamportTS = 100
	theirs.Dropped = true
	remote := &model.ClusterStateDescription{
		LocalUUID: model.NameUUID("remote"), LocalHostname: "remote", LocalPort: 2,
		Tables: []model.TableDescription{table(1, theirs)},
	}
	assert.False(t, MergeRemote(local, remote))
	assert.Equal(t, before, *findPartition(&local.Tables[0], mine.UUID))
}

func TestCommitPurgesTombstones(t *testing.T) {
	gone := part("gone", model.NameUUID("remote"), 10)
	gone.Dropped = true
	gone.DroppedTimestamp = 100
	recent := part("recent", model.NameUUID("remote"), 20)
	recent.Dropped = true
	recent.DroppedTimestamp = 300
	desc := &model.ClusterStateDescription{
		LocalUUID: model.NameUUID("local"),
		Tables:    []model.TableDescription{table(1, gone, recent)},
	}

	assert.True(t, Commit(desc, 200))
	require.Len(t, desc.Tables[0].Partitions, 1)
	assert.Equal(t, recent.UUID, desc.Tables[0].Partitions[0].UUID)
}
