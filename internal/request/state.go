// Package request runs client requests against the cluster: it validates and
// routes a request, then drives the read and write pipelines with quorum
// tracking, read repair and forwarding.
package request

import (
	"github.com/google/uuid"

	"github.com/devrev/samoa/internal/cluster"
	"github.com/devrev/samoa/internal/errors"
	"github.com/devrev/samoa/internal/model"
	"github.com/devrev/samoa/internal/protocol"
)

// State is a loaded request: the parsed fields, the routing decision and
// the cluster state it was routed against. The cluster state reference is
// owned by the caller.
type State struct {
	Request *protocol.Request
	Cluster *cluster.State
	Table   *cluster.Table

	Key      []byte
	Position uint64
	// Primary is the local replica serving the request, nil when the
	// request must be forwarded
	Primary *cluster.LocalPartition
	// Peers are the remote replicas in ring order
	Peers []cluster.Partition
	// Clock is the client clock, nil when the client sent none
	Clock *model.ClusterClock
	// Quorum is the number of replicas that must succeed
	Quorum int
}

// Factor returns the number of replicas the request spans
func (s *State) Factor() int {
	n := len(s.Peers)
	if s.Primary != nil {
		n++
	}
	return n
}

// Load validates req against the cluster state and routes it.
//
// Explicit partition and peer partition UUIDs are honored as given. With only
// a partition UUID the peers are routed by key around it, and with neither
// the whole replica set is routed by key.
func Load(cs *cluster.State, req *protocol.Request) (*State, error) {
	st := &State{Request: req, Cluster: cs, Key: req.Key}

	tableID, err := parseTable(req)
	if err != nil {
		return nil, err
	}
	if len(req.Key) == 0 {
		return nil, errors.BadRequest("key is required", nil)
	}

	var partitionID uuid.UUID
	if len(req.PartitionUUID) != 0 {
		if partitionID, err = model.UUIDFromBytes(req.PartitionUUID); err != nil {
			return nil, errors.BadRequest("invalid partition_uuid", err)
		}
	}
	peerIDs := make([]uuid.UUID, 0, len(req.PeerPartitionUUIDs))
	for _, raw := range req.PeerPartitionUUIDs {
		id, err := model.UUIDFromBytes(raw)
		if err != nil {
			return nil, errors.BadRequest("invalid peer_partition_uuid", err)
		}
		peerIDs = append(peerIDs, id)
	}
	if req.ClusterClock != nil {
		c, err := protocol.DecodeClock(req.ClusterClock)
		if err != nil {
			return nil, errors.BadRequest("invalid cluster_clock", err)
		}
		st.Clock = &c
	}

	if tableID != uuid.Nil {
		t, ok := cs.Table(tableID)
		if !ok || t.IsDropped() {
			return nil, errors.NotFound("table", tableID.String())
		}
		st.Table = t
	} else {
		t, ok := cs.TableByName(req.TableName)
		if !ok {
			return nil, errors.NotFound("table", req.TableName)
		}
		st.Table = t
	}
	if len(st.Table.Partitions()) == 0 {
		return nil, errors.Gone(st.Table.UUID().String())
	}
	st.Position = cluster.KeyPosition(req.Key)

	if err := st.route(partitionID, peerIDs); err != nil {
		return nil, err
	}

	r := st.Table.ReplicationFactor()
	switch {
	case req.RequestedQuorum == 0:
		st.Quorum = r
	case int(req.RequestedQuorum) > r:
		return nil, errors.BadRequest("requested_quorum exceeds the replication factor", nil).
			WithDetail("replication_factor", r)
	default:
		st.Quorum = int(req.RequestedQuorum)
	}
	if f := st.Factor(); st.Quorum > f {
		st.Quorum = f
	}
	return st, nil
}

func parseTable(req *protocol.Request) (uuid.UUID, error) {
	if len(req.TableUUID) == 0 {
		if req.TableName == "" {
			return uuid.Nil, errors.BadRequest("table_uuid is required", nil)
		}
		return uuid.Nil, nil
	}
	id, err := model.UUIDFromBytes(req.TableUUID)
	if err != nil {
		return uuid.Nil, errors.BadRequest("invalid table_uuid", err)
	}
	return id, nil
}

func (s *State) route(partitionID uuid.UUID, peerIDs []uuid.UUID) error {
	if partitionID != uuid.Nil {
		lp, ok := s.Table.Partition(partitionID).(*cluster.LocalPartition)
		if !ok {
			return errors.NotFound("partition", partitionID.String())
		}
		s.Primary = lp
	}

	if len(peerIDs) != 0 {
		for _, id := range peerIDs {
			p := s.Table.Partition(id)
			if p == nil || p.UUID() == partitionID {
				return errors.NotFound("partition", id.String())
			}
			s.Peers = append(s.Peers, p)
		}
		return nil
	}

	route := s.Table.Route(s.Position)
	if s.Primary == nil {
		s.Primary = route.Primary
		s.Peers = route.Peers
		return nil
	}

	// the named primary takes one replica slot; the rest are routed by key
	replicas := route.Peers
	if route.Primary != nil {
		replicas = append([]cluster.Partition{route.Primary}, route.Peers...)
	}
	limit := s.Table.ReplicationFactor() - 1
	for _, p := range replicas {
		if len(s.Peers) == limit {
			break
		}
		if p.UUID() != s.Primary.UUID() {
			s.Peers = append(s.Peers, p)
		}
	}
	return nil
}

// PeerAddress returns the service address of the server holding p
func (s *State) PeerAddress(p cluster.Partition) (string, bool) {
	peer, ok := s.Cluster.Peer(p.ServerUUID())
	if !ok {
		return "", false
	}
	return peer.Address(), true
}

// LoadReplica loads a REPLICATE request. Only the receiving partition must
// be local; the sending partition is informational and need not be tracked.
func LoadReplica(cs *cluster.State, req *protocol.Request) (*State, error) {
	if len(req.PartitionUUID) == 0 {
		return nil, errors.BadRequest("partition_uuid is required", nil)
	}
	stripped := *req
	stripped.PeerPartitionUUIDs = nil
	st, err := Load(cs, &stripped)
	if err != nil {
		return nil, err
	}
	st.Request = req
	st.Peers = nil
	st.Quorum = 1
	return st, nil
}
