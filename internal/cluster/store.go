package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	ldbutil "github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/devrev/samoa/internal/model"
)

// Store persists the cluster state description between restarts
type Store interface {
	// Load returns the saved description, or nil when none was saved
	Load(ctx context.Context) (*model.ClusterStateDescription, error)
	Save(ctx context.Context, desc *model.ClusterStateDescription) error
	Close() error
}

// OpenStore opens the store named by uri. postgres:// and postgresql://
// URIs select PostgresStore; anything else is a LevelDB directory,
// optionally prefixed with leveldb://.
func OpenStore(ctx context.Context, uri string, logger *zap.Logger) (Store, error) {
	switch {
	case strings.HasPrefix(uri, "postgres://"), strings.HasPrefix(uri, "postgresql://"):
		return NewPostgresStore(ctx, uri, logger)
	case uri == "":
		return nil, fmt.Errorf("db_uri is required")
	default:
		return NewLevelDBStore(strings.TrimPrefix(uri, "leveldb://"), logger)
	}
}

var (
	keyServer     = []byte("server")
	prefixPeer    = []byte("peer/")
	prefixTable   = []byte("table/")
	syncWriteOpts = &opt.WriteOptions{Sync: true}
)

// LevelDBStore keeps the server identity, peers and tables as separate keys
// of an embedded LevelDB database
type LevelDBStore struct {
	db     *leveldb.DB
	logger *zap.Logger
}

// NewLevelDBStore opens or creates the database at path
func NewLevelDBStore(path string, logger *zap.Logger) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	return &LevelDBStore{db: db, logger: logger}, nil
}

// Load implements Store
func (s *LevelDBStore) Load(ctx context.Context) (*model.ClusterStateDescription, error) {
	server, err := s.db.Get(keyServer, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read server identity: %w", err)
	}
	self, err := model.UnmarshalPeer(server)
	if err != nil {
		return nil, err
	}
	desc := &model.ClusterStateDescription{
		LocalUUID:     self.UUID,
		LocalHostname: self.Hostname,
		LocalPort:     self.Port,
	}

	iter := s.db.NewIterator(ldbutil.BytesPrefix(prefixPeer), nil)
	for iter.Next() {
		p, err := model.UnmarshalPeer(iter.Value())
		if err != nil {
			iter.Release()
			return nil, err
		}
		desc.Peers = append(desc.Peers, p)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to read peers: %w", err)
	}

	iter = s.db.NewIterator(ldbutil.BytesPrefix(prefixTable), nil)
	for iter.Next() {
		t, err := model.UnmarshalTable(iter.Value())
		if err != nil {
			iter.Release()
			return nil, err
		}
		desc.Tables = append(desc.Tables, t)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to read tables: %w", err)
	}

	SortDescription(desc)
	return desc, nil
}

// Save implements Store. The previous content is replaced in one batch.
func (s *LevelDBStore) Save(ctx context.Context, desc *model.ClusterStateDescription) error {
	batch := new(leveldb.Batch)
	for _, prefix := range [][]byte{prefixPeer, prefixTable} {
		iter := s.db.NewIterator(ldbutil.BytesPrefix(prefix), nil)
		for iter.Next() {
			batch.Delete(append([]byte{}, iter.Key()...))
		}
		iter.Release()
		if err := iter.Error(); err != nil {
			return err
		}
	}

	batch.Put(keyServer, model.AppendPeer(nil, desc.Self()))
	for _, p := range desc.Peers {
		batch.Put(append(append([]byte{}, prefixPeer...), p.UUID[:]...), model.AppendPeer(nil, p))
	}
	for _, t := range desc.Tables {
		batch.Put(append(append([]byte{}, prefixTable...), t.UUID[:]...), model.AppendTable(nil, t))
	}

	if err := s.db.Write(batch, syncWriteOpts); err != nil {
		return fmt.Errorf("failed to write cluster state: %w", err)
	}
	return nil
}

// Close implements Store
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
