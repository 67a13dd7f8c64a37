package cluster

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/devrev/samoa/internal/model"
)

// tableContentLess orders equal-timestamp table descriptions so that every
// server picks the same winner
func tableContentLess(a, b *model.TableDescription) bool {
	if c := strings.Compare(a.Name, b.Name); c != 0 {
		return c < 0
	}
	if a.ReplicationFactor != b.ReplicationFactor {
		return a.ReplicationFactor < b.ReplicationFactor
	}
	if a.ConsistencyHorizon != b.ConsistencyHorizon {
		return a.ConsistencyHorizon < b.ConsistencyHorizon
	}
	return a.DataType < b.DataType
}

func findTable(desc *model.ClusterStateDescription, id uuid.UUID) *model.TableDescription {
	for i := range desc.Tables {
		if desc.Tables[i].UUID == id {
			return &desc.Tables[i]
		}
	}
	return nil
}

func findPartition(t *model.TableDescription, id uuid.UUID) *model.PartitionDescription {
	for i := range t.Partitions {
		if t.Partitions[i].UUID == id {
			return &t.Partitions[i]
		}
	}
	return nil
}

// SortDescription restores the ordering invariants of a description
func SortDescription(desc *model.ClusterStateDescription) {
	sort.Slice(desc.Peers, func(i, j int) bool { return model.UUIDLess(desc.Peers[i].UUID, desc.Peers[j].UUID) })
	sort.Slice(desc.Tables, func(i, j int) bool { return model.UUIDLess(desc.Tables[i].UUID, desc.Tables[j].UUID) })
	for i := range desc.Tables {
		SortPartitions(desc.Tables[i].Partitions)
	}
}

// MergeRemote merges a peer's state description into the local staging
// description and reports whether anything changed. Applying the same
// remote description twice reports no change the second time.
func MergeRemote(local, remote *model.ClusterStateDescription) bool {
	changed := false

	candidates := make(map[uuid.UUID]model.PeerDescription)
	for _, p := range remote.Peers {
		if p.UUID != local.LocalUUID {
			candidates[p.UUID] = p
		}
	}
	if remote.LocalUUID != local.LocalUUID && remote.LocalUUID != model.NilUUID {
		candidates[remote.LocalUUID] = remote.Self()
	}
	known := make(map[uuid.UUID]bool, len(local.Peers))
	for i := range local.Peers {
		known[local.Peers[i].UUID] = true
		// the remote is authoritative for its own address
		if local.Peers[i].UUID == remote.LocalUUID {
			self := remote.Self()
			if local.Peers[i] != self {
				local.Peers[i] = self
				changed = true
			}
		}
	}
	addressable := func(server uuid.UUID) bool {
		if server == local.LocalUUID || known[server] {
			return true
		}
		_, ok := candidates[server]
		return ok
	}

	for _, rt := range remote.Tables {
		lt := findTable(local, rt.UUID)
		if lt == nil {
			nt := rt.Clone()
			nt.Partitions = nil
			local.Tables = append(local.Tables, nt)
			lt = &local.Tables[len(local.Tables)-1]
			changed = true
			if rt.Dropped {
				continue
			}
		}
		if lt.Dropped {
			continue
		}
		if rt.Dropped {
			lt.Dropped = true
			lt.DroppedTimestamp = rt.DroppedTimestamp
			changed = true
			continue
		}

		if rt.LamportTS > lt.LamportTS || (rt.LamportTS == lt.LamportTS && tableContentLess(lt, &rt)) {
			lt.Name = rt.Name
			lt.ReplicationFactor = rt.ReplicationFactor
			lt.ConsistencyHorizon = rt.ConsistencyHorizon
			lt.DataType = rt.DataType
			lt.LamportTS = rt.LamportTS
			changed = true
		}

		var unknown []model.PartitionDescription
		for _, rp := range rt.Partitions {
			lp := findPartition(lt, rp.UUID)
			if lp == nil {
				if rp.Dropped || rp.ServerUUID == local.LocalUUID || !addressable(rp.ServerUUID) {
					continue
				}
				unknown = append(unknown, rp.Clone())
				continue
			}
			if mergePartition(local.LocalUUID, lp, &rp) {
				changed = true
			}
		}
		if ComputeRingUpdate(local.LocalUUID, lt, unknown) {
			changed = true
		}
	}

	if updatePeers(local, candidates) {
		changed = true
	}
	SortDescription(local)
	return changed
}

// mergePartition applies a peer's view of a partition we track. Local
// partitions are authoritative here and ignore remote updates; dropping is
// sticky.
func mergePartition(localServer uuid.UUID, lp, rp *model.PartitionDescription) bool {
	if lp.Dropped || lp.ServerUUID == localServer {
		return false
	}
	if rp.Dropped {
		lp.Dropped = true
		lp.DroppedTimestamp = rp.DroppedTimestamp
		return true
	}
	if rp.LamportTS <= lp.LamportTS {
		return false
	}
	lp.ConsistentRangeBegin = rp.ConsistentRangeBegin
	lp.ConsistentRangeEnd = rp.ConsistentRangeEnd
	lp.LamportTS = rp.LamportTS
	lp.RingLayers = append([]model.RingLayer{}, rp.RingLayers...)
	return true
}

// updatePeers keeps exactly the peers referenced by a tracked live
// partition, promoting candidates as needed
func updatePeers(local *model.ClusterStateDescription, candidates map[uuid.UUID]model.PeerDescription) bool {
	referenced := make(map[uuid.UUID]bool)
	for _, t := range local.Tables {
		if t.Dropped {
			continue
		}
		for _, p := range t.Partitions {
			if !p.Dropped && p.ServerUUID != local.LocalUUID {
				referenced[p.ServerUUID] = true
			}
		}
	}

	changed := false
	kept := local.Peers[:0]
	present := make(map[uuid.UUID]bool)
	for _, p := range local.Peers {
		if referenced[p.UUID] {
			kept = append(kept, p)
			present[p.UUID] = true
		} else {
			changed = true
		}
	}
	local.Peers = kept
	for id := range referenced {
		if present[id] {
			continue
		}
		if c, ok := candidates[id]; ok {
			local.Peers = append(local.Peers, c)
			changed = true
		}
	}
	return changed
}

// Commit finishes a staged description: consistent ranges of local
// partitions are recomputed, the tracking invariant is enforced and peers
// no partition references are pruned. Tombstones dropped before purgeBefore
// (unix seconds) are removed when purgeBefore is non-zero.
func Commit(desc *model.ClusterStateDescription, purgeBefore int64) bool {
	changed := false
	if purgeBefore > 0 && purgeTombstones(desc, purgeBefore) {
		changed = true
	}
	for i := range desc.Tables {
		t := &desc.Tables[i]
		if t.Dropped {
			continue
		}
		// ranges and tracking depend on each other; settle both
		for round := 0; round < 4; round++ {
			ranges := UpdateConsistentRanges(desc.LocalUUID, t)
			swept := SweepUntracked(desc.LocalUUID, t)
			changed = changed || ranges || len(swept) > 0
			if !ranges && len(swept) == 0 {
				break
			}
		}
	}
	if updatePeers(desc, nil) {
		changed = true
	}
	SortDescription(desc)
	return changed
}

func purgeTombstones(desc *model.ClusterStateDescription, before int64) bool {
	changed := false
	tables := desc.Tables[:0]
	for _, t := range desc.Tables {
		if t.Dropped && t.DroppedTimestamp != 0 && t.DroppedTimestamp < before {
			changed = true
			continue
		}
		parts := t.Partitions[:0]
		for _, p := range t.Partitions {
			if p.Dropped && p.DroppedTimestamp != 0 && p.DroppedTimestamp < before {
				changed = true
				continue
			}
			parts = append(parts, p)
		}
		t.Partitions = parts
		tables = append(tables, t)
	}
	desc.Tables = tables
	return changed
}
