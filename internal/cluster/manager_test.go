package cluster

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/devrev/samoa/internal/model"
)

// countingOpener hands out storage-less resources and records their lifetime
type countingOpener struct {
	mu         sync.Mutex
	opened     []uuid.UUID
	closed     []uuid.UUID
	removed    []uuid.UUID
	configured int
}

func (o *countingOpener) Open(table model.TableDescription, partition model.PartitionDescription) (*LocalResources, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, partition.UUID)
	return &LocalResources{
		PartitionUUID: partition.UUID,
		AuthorID:      partition.UUID,
		onClose: func(res *LocalResources, removed bool) {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.closed = append(o.closed, res.PartitionUUID)
			if removed {
				o.removed = append(o.removed, res.PartitionUUID)
			}
		},
	}, nil
}

func (o *countingOpener) Configure(res *LocalResources, table model.TableDescription) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.configured++
}

func localDescription() *model.ClusterStateDescription {
	return &model.ClusterStateDescription{
		LocalUUID:     model.NameUUID("local"),
		LocalHostname: "localhost",
		LocalPort:     5000,
		Tables:        []model.TableDescription{table(1, part("mine", model.NameUUID("local"), 100))},
	}
}

func TestManagerReleasesDroppedPartitions(t *testing.T) {
	opener := &countingOpener{}
	m, err := NewManager(localDescription(), ManagerConfig{Opener: opener}, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, opener.opened, 1)

	reader := m.Acquire()
	_, lp, ok := reader.LocalPartition(model.NameUUID("mine"))
	require.True(t, ok)
	assert.Equal(t, model.NameUUID("mine"), lp.AuthorID())

	var committed []*State
	m.OnCommit(func(s *State) { committed = append(committed, s) })

	next, changed, err := m.Transaction(context.Background(), func(desc *model.ClusterStateDescription) (bool, error) {
		p := findPartition(&desc.Tables[0], model.NameUUID("mine"))
		p.Dropped = true
		p.DroppedTimestamp = m.Now().Unix()
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Len(t, committed, 1)
	_, _, ok = next.LocalPartition(model.NameUUID("mine"))
	assert.False(t, ok)
	next.Release()

	// the reader still holds the partition
	assert.Empty(t, opener.closed)
	reader.Release()
	assert.Equal(t, []uuid.UUID{model.NameUUID("mine")}, opener.closed)
	assert.Equal(t, []uuid.UUID{model.NameUUID("mine")}, opener.removed)

	require.NoError(t, m.Close())
}

func TestManagerReusesResources(t *testing.T) {
	opener := &countingOpener{}
	m, err := NewManager(localDescription(), ManagerConfig{Opener: opener}, zap.NewNop())
	require.NoError(t, err)

	st, changed, err := m.Transaction(context.Background(), func(desc *model.ClusterStateDescription) (bool, error) {
		desc.Tables[0].ConsistencyHorizon = 5
		desc.Tables[0].LamportTS++
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, changed)
	st.Release()

	assert.Len(t, opener.opened, 1)
	assert.Equal(t, 1, opener.configured)
	assert.Empty(t, opener.closed)

	// no change: nothing is rebuilt
	st, changed, err = m.Transaction(context.Background(), func(*model.ClusterStateDescription) (bool, error) {
		return false, nil
	})
	require.NoError(t, err)
	assert.False(t, changed)
	st.Release()
	assert.Equal(t, 1, opener.configured)

	require.NoError(t, m.Close())
	assert.Equal(t, []uuid.UUID{model.NameUUID("mine")}, opener.closed)
	assert.Empty(t, opener.removed)
}

func TestManagerPersistsCommits(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state")
	store, err := OpenStore(ctx, "leveldb://"+path, zap.NewNop())
	require.NoError(t, err)

	m, err := NewManager(localDescription(), ManagerConfig{Store: store, Opener: &countingOpener{}}, zap.NewNop())
	require.NoError(t, err)

	st, _, err := m.Transaction(ctx, func(desc *model.ClusterStateDescription) (bool, error) {
		desc.Tables[0].Name = "renamed"
		desc.Tables[0].LamportTS++
		return true, nil
	})
	require.NoError(t, err)
	want := st.Description()
	st.Release()
	require.NoError(t, m.Close())

	store, err = OpenStore(ctx, path, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()
	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLevelDBStoreEmpty(t *testing.T) {
	store, err := NewLevelDBStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	desc, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, desc)
}

func TestLevelDBStoreReplacesContent(t *testing.T) {
	ctx := context.Background()
	store, err := NewLevelDBStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	desc := localDescription()
	desc.Peers = []model.PeerDescription{peer("one", 1), peer("two", 2)}
	SortDescription(desc)
	require.NoError(t, store.Save(ctx, desc))

	desc.Peers = desc.Peers[:1]
	desc.Tables = nil
	require.NoError(t, store.Save(ctx, desc))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, desc, got)
}

func TestOpenStoreRequiresURI(t *testing.T) {
	_, err := OpenStore(context.Background(), "", zap.NewNop())
	assert.Error(t, err)
}

func TestOpenerFileLayout(t *testing.T) {
	dir := t.TempDir()
	opener := NewOpener(OpenerConfig{
		PartitionPath:   filepath.Join(dir, "parts"),
		DigestDirectory: filepath.Join(dir, "digests"),
	}, zap.NewNop())
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "parts"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "digests"), 0o755))

	desc := localDescription()
	m, err := NewManager(desc, ManagerConfig{Opener: opener, Now: func() time.Time { return time.Unix(1000, 0) }}, zap.NewNop())
	require.NoError(t, err)

	p := desc.Tables[0].Partitions[0]
	layer := opener.LayerPath(p, 0)
	dig := opener.DigestPath(p)
	assert.FileExists(t, layer)
	assert.FileExists(t, dig)

	st, _, err := m.Transaction(context.Background(), func(desc *model.ClusterStateDescription) (bool, error) {
		desc.Tables[0].Dropped = true
		desc.Tables[0].DroppedTimestamp = 1000
		return true, nil
	})
	require.NoError(t, err)
	st.Release()

	assert.NoFileExists(t, layer)
	assert.NoFileExists(t, dig)
	require.NoError(t, m.Close())
}

func TestManagerValidatesTrackingAtDebugLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	m, err := NewManager(localDescription(), ManagerConfig{Opener: &countingOpener{}}, zap.New(core))
	require.NoError(t, err)
	defer m.Close()

	remote := uuid.New()
	state, changed, err := m.Transaction(context.Background(), func(desc *model.ClusterStateDescription) (bool, error) {
		for i, name := range []string{"r1", "r2", "r3", "r4"} {
			desc.Tables[0].Partitions = append(desc.Tables[0].Partitions, part(name, remote, uint64(1000*(i+1))))
		}
		SortPartitions(desc.Tables[0].Partitions)
		return true, nil
	})
	require.NoError(t, err)
	defer state.Release()
	assert.True(t, changed)

	desc := state.Description()
	assert.Empty(t, CheckTrackingInvariant(desc.LocalUUID, &desc.Tables[0]))
	assert.Zero(t, logs.FilterMessage("Tracked partitions outside replication neighborhood").Len())
	assert.NotZero(t, logs.FilterMessage("Cluster state committed").Len())
}
