// Package cluster holds the replicated cluster topology: peers, tables and
// partitions. States are immutable snapshots; the Manager serializes updates
// and swaps snapshots atomically.
package cluster

import (
	"sort"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/devrev/samoa/internal/model"
)

// Table is a table in a state snapshot
type Table struct {
	desc       model.TableDescription
	partitions []Partition
	byUUID     map[uuid.UUID]Partition
}

// Description returns a copy of the table description without partitions
func (t *Table) Description() model.TableDescription {
	out := t.desc
	out.Partitions = nil
	return out
}

func (t *Table) UUID() uuid.UUID             { return t.desc.UUID }
func (t *Table) Name() string                { return t.desc.Name }
func (t *Table) DataType() model.DataType    { return t.desc.DataType }
func (t *Table) ReplicationFactor() int      { return int(t.desc.ReplicationFactor) }
func (t *Table) ConsistencyHorizon() uint32  { return t.desc.ConsistencyHorizon }
func (t *Table) IsDropped() bool             { return t.desc.Dropped }
func (t *Table) Partitions() []Partition     { return t.partitions }
func (t *Table) Partition(id uuid.UUID) Partition {
	return t.byUUID[id]
}

// LocalPartitions returns the live local partitions of the table
func (t *Table) LocalPartitions() []*LocalPartition {
	var out []*LocalPartition
	for _, p := range t.partitions {
		if lp, ok := p.(*LocalPartition); ok {
			out = append(out, lp)
		}
	}
	return out
}

// Route is the result of routing a ring position
type Route struct {
	// Primary is the first local partition among the replicas, if any
	Primary *LocalPartition
	// Peers are the remaining replicas in ring order
	Peers []Partition
}

// Route takes R consecutive partitions starting at the first whose ring
// position is at or after position, wrapping around the ring.
func (t *Table) Route(position uint64) Route {
	n := len(t.partitions)
	if n == 0 {
		return Route{}
	}
	start := sort.Search(n, func(i int) bool {
		return t.partitions[i].RingPosition() >= position
	})

	r := t.ReplicationFactor()
	if r > n {
		r = n
	}
	var route Route
	for k := 0; k < r; k++ {
		p := t.partitions[(start+k)%n]
		if lp, ok := p.(*LocalPartition); ok && route.Primary == nil {
			route.Primary = lp
			continue
		}
		route.Peers = append(route.Peers, p)
	}
	return route
}

// Successors returns up to count partitions following the partition on the
// ring, excluding itself. These replicate the keys the partition is first
// in line for.
func (t *Table) Successors(id uuid.UUID, count int) []Partition {
	n := len(t.partitions)
	idx := -1
	for i, p := range t.partitions {
		if p.UUID() == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	if count > n-1 {
		count = n - 1
	}
	if count <= 0 {
		return nil
	}
	out := make([]Partition, 0, count)
	for step := 1; step <= count; step++ {
		out = append(out, t.partitions[(idx+step)%n])
	}
	return out
}

// State is an immutable cluster state snapshot. Readers hold a reference
// from Manager.Acquire and Release it when done.
type State struct {
	desc      *model.ClusterStateDescription
	peers     map[uuid.UUID]model.PeerDescription
	tables    map[uuid.UUID]*Table
	order     []*Table
	resources map[uuid.UUID]*LocalResources
	refs      atomic.Int32
}

func newState(desc *model.ClusterStateDescription, resources map[uuid.UUID]*LocalResources) *State {
	s := &State{
		desc:      desc,
		peers:     make(map[uuid.UUID]model.PeerDescription, len(desc.Peers)),
		tables:    make(map[uuid.UUID]*Table, len(desc.Tables)),
		resources: resources,
	}
	for _, p := range desc.Peers {
		s.peers[p.UUID] = p
	}
	for _, td := range desc.Tables {
		t := &Table{desc: td, byUUID: make(map[uuid.UUID]Partition)}
		if !td.Dropped {
			for _, pd := range td.Partitions {
				if pd.Dropped {
					continue
				}
				var p Partition
				if res, ok := resources[pd.UUID]; ok && pd.ServerUUID == desc.LocalUUID {
					p = &LocalPartition{desc: pd, res: res}
				} else {
					p = &RemotePartition{desc: pd}
				}
				t.partitions = append(t.partitions, p)
				t.byUUID[pd.UUID] = p
			}
		}
		s.tables[td.UUID] = t
		s.order = append(s.order, t)
	}
	for _, res := range resources {
		res.acquire()
	}
	s.refs.Store(1)
	return s
}

// Description returns a deep copy of the state's description
func (s *State) Description() *model.ClusterStateDescription {
	return s.desc.Clone()
}

// LocalUUID returns the uuid of this server
func (s *State) LocalUUID() uuid.UUID { return s.desc.LocalUUID }

// Self returns this server as a peer description
func (s *State) Self() model.PeerDescription { return s.desc.Self() }

// Peers returns the tracked peers sorted by uuid
func (s *State) Peers() []model.PeerDescription {
	return append([]model.PeerDescription{}, s.desc.Peers...)
}

// Peer returns a tracked peer
func (s *State) Peer(id uuid.UUID) (model.PeerDescription, bool) {
	p, ok := s.peers[id]
	return p, ok
}

// Tables returns every table, including dropped ones, sorted by uuid
func (s *State) Tables() []*Table { return s.order }

// Table returns a table by uuid
func (s *State) Table(id uuid.UUID) (*Table, bool) {
	t, ok := s.tables[id]
	return t, ok
}

// TableByName returns the live table with the given name
func (s *State) TableByName(name string) (*Table, bool) {
	for _, t := range s.order {
		if !t.IsDropped() && t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// LocalPartitions returns every live local partition across tables
func (s *State) LocalPartitions() []*LocalPartition {
	var out []*LocalPartition
	for _, t := range s.order {
		out = append(out, t.LocalPartitions()...)
	}
	return out
}

// LocalPartition looks up a live local partition by uuid
func (s *State) LocalPartition(id uuid.UUID) (*Table, *LocalPartition, bool) {
	for _, t := range s.order {
		if lp, ok := t.byUUID[id].(*LocalPartition); ok {
			return t, lp, true
		}
	}
	return nil, nil, false
}

func (s *State) acquire() *State {
	s.refs.Add(1)
	return s
}

// Retain adds a reference for work that outlives the caller's, such as
// replication finishing after a client was answered
func (s *State) Retain() *State {
	return s.acquire()
}

// Release drops a reference. The last release frees local resources no
// newer state still uses.
func (s *State) Release() {
	if s.refs.Add(-1) > 0 {
		return
	}
	for _, res := range s.resources {
		res.release()
	}
}
