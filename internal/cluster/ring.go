package cluster

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/google/uuid"

	"github.com/devrev/samoa/internal/model"
)

// KeyPosition hashes a key onto the ring
func KeyPosition(key []byte) uint64 {
	hash := sha256.Sum256(key)
	return binary.BigEndian.Uint64(hash[:8])
}

// arc is a closed range [begin, end] of ring positions that may wrap. An arc
// whose end is one before its begin covers the whole ring.
type arc struct {
	begin, end uint64
}

func fullArc(anchor uint64) arc {
	return arc{begin: anchor + 1, end: anchor}
}

func (a arc) contains(pos uint64) bool {
	return pos-a.begin <= a.end-a.begin
}

// lessPartition orders partitions by ring position, then uuid
func lessPartition(a, b *model.PartitionDescription) bool {
	if a.RingPosition != b.RingPosition {
		return a.RingPosition < b.RingPosition
	}
	return bytes.Compare(a.UUID[:], b.UUID[:]) < 0
}

// SortPartitions sorts partition descriptions by ring position, then uuid
func SortPartitions(parts []model.PartitionDescription) {
	sort.Slice(parts, func(i, j int) bool { return lessPartition(&parts[i], &parts[j]) })
}

// ringView is the live partitions of one table as this server tracks them
type ringView struct {
	local uuid.UUID
	r     int
	parts []model.PartitionDescription
}

func newRingView(local uuid.UUID, t *model.TableDescription, extra ...model.PartitionDescription) *ringView {
	v := &ringView{local: local, r: int(t.ReplicationFactor)}
	if v.r < 1 {
		v.r = 1
	}
	for _, p := range t.Partitions {
		if !p.Dropped {
			v.parts = append(v.parts, p)
		}
	}
	v.parts = append(v.parts, extra...)
	SortPartitions(v.parts)
	return v
}

func (v *ringView) index(id uuid.UUID) int {
	for i := range v.parts {
		if v.parts[i].UUID == id {
			return i
		}
	}
	return -1
}

func (v *ringView) at(i int) *model.PartitionDescription {
	n := len(v.parts)
	return &v.parts[((i%n)+n)%n]
}

func (v *ringView) isLocal(p *model.PartitionDescription) bool {
	return p.ServerUUID == v.local
}

func (v *ringView) hasLocal() bool {
	for i := range v.parts {
		if v.isLocal(&v.parts[i]) {
			return true
		}
	}
	return false
}

// consistentRange returns the range a partition needs to know about: from
// just past its R-th predecessor to its (R-1)-th successor. Tables with
// fewer than 2R partitions track the whole ring.
func (v *ringView) consistentRange(i int) arc {
	self := v.at(i).RingPosition
	if len(v.parts) < 2*v.r {
		return fullArc(self)
	}
	return arc{begin: v.at(i-v.r).RingPosition + 1, end: v.at(i + v.r - 1).RingPosition}
}

// qualifies reports whether the partition at index i satisfies the tracking
// invariant. Local partitions act as markers: a remote partition is tracked
// while it sits within R ring steps of one, which covers immediate
// neighbors and every replica a local partition shares keys with. A server
// with no local partition in the table tracks the whole ring so it can
// still route.
func (v *ringView) qualifies(i int) bool {
	if !v.hasLocal() || v.isLocal(v.at(i)) {
		return true
	}
	n := len(v.parts)
	for j := range v.parts {
		if !v.isLocal(&v.parts[j]) {
			continue
		}
		d := ((i-j)%n + n) % n
		if d <= v.r || n-d <= v.r {
			return true
		}
	}
	return false
}

// ComputeRingUpdate adopts the unknown partitions that satisfy the tracking
// invariant into t and drops tracked remote partitions that no longer do.
// It iterates to a fixed point and reports whether t changed.
func ComputeRingUpdate(local uuid.UUID, t *model.TableDescription, unknown []model.PartitionDescription) bool {
	pending := append([]model.PartitionDescription{}, unknown...)
	SortPartitions(pending)

	changed := false
	for round := 0; round <= 2*(len(pending)+len(t.Partitions))+1; round++ {
		adopted := false
		rest := pending[:0]
		for _, u := range pending {
			if findPartition(t, u.UUID) != nil {
				continue
			}
			v := newRingView(local, t, u)
			if v.qualifies(v.index(u.UUID)) {
				t.Partitions = append(t.Partitions, u)
				SortPartitions(t.Partitions)
				adopted = true
				continue
			}
			rest = append(rest, u)
		}
		pending = rest

		swept := SweepUntracked(local, t)
		changed = changed || adopted || len(swept) > 0
		if !adopted && len(swept) == 0 {
			break
		}
		// swept partitions may qualify again once the ring changes
		pending = append(pending, swept...)
		SortPartitions(pending)
	}
	return changed
}

// SweepUntracked removes live remote partitions of t that violate the
// tracking invariant, repeating until none do. It returns the removed
// partitions.
func SweepUntracked(local uuid.UUID, t *model.TableDescription) []model.PartitionDescription {
	var removed []model.PartitionDescription
	for {
		v := newRingView(local, t)
		if len(v.parts) == 0 {
			return removed
		}
		victim := -1
		for i := range v.parts {
			if !v.qualifies(i) {
				victim = i
				break
			}
		}
		if victim < 0 {
			return removed
		}

		id := v.parts[victim].UUID
		for i := range t.Partitions {
			if t.Partitions[i].UUID == id {
				removed = append(removed, t.Partitions[i])
				t.Partitions = append(t.Partitions[:i], t.Partitions[i+1:]...)
				break
			}
		}
	}
}

// UpdateConsistentRanges recomputes the consistent range of every live
// local partition of t, bumping its lamport timestamp when it changes.
func UpdateConsistentRanges(local uuid.UUID, t *model.TableDescription) bool {
	v := newRingView(local, t)
	changed := false
	for i := range v.parts {
		p := &v.parts[i]
		if !v.isLocal(p) {
			continue
		}
		rng := v.consistentRange(i)
		for j := range t.Partitions {
			tp := &t.Partitions[j]
			if tp.UUID != p.UUID {
				continue
			}
			if tp.ConsistentRangeBegin != rng.begin || tp.ConsistentRangeEnd != rng.end {
				tp.ConsistentRangeBegin = rng.begin
				tp.ConsistentRangeEnd = rng.end
				tp.LamportTS++
				changed = true
			}
		}
	}
	return changed
}

// CheckTrackingInvariant returns the uuids of tracked partitions that
// violate the tracking invariant
func CheckTrackingInvariant(local uuid.UUID, t *model.TableDescription) []uuid.UUID {
	v := newRingView(local, t)
	var out []uuid.UUID
	for i := range v.parts {
		if !v.qualifies(i) {
			out = append(out, v.parts[i].UUID)
		}
	}
	return out
}
