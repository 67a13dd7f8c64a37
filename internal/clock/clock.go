// Package clock implements cluster clocks: vector clocks keyed by partition
// author id, with pruning against a consistency horizon.
package clock

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/devrev/samoa/internal/model"
)

// Comparison is the result of comparing two cluster clocks
type Comparison int

const (
	Equal Comparison = iota
	LocalMoreRecent
	RemoteMoreRecent
	Diverge
)

// String returns a readable name of the comparison
func (c Comparison) String() string {
	switch c {
	case Equal:
		return "EQUAL"
	case LocalMoreRecent:
		return "LOCAL_MORE_RECENT"
	case RemoteMoreRecent:
		return "REMOTE_MORE_RECENT"
	default:
		return "DIVERGE"
	}
}

// Find locates author in the clock by binary search
func Find(c model.ClusterClock, author uuid.UUID) (int, bool) {
	i := sort.Search(len(c.Entries), func(i int) bool {
		return !model.UUIDLess(c.Entries[i].Author, author)
	})
	return i, i < len(c.Entries) && c.Entries[i].Author == author
}

// Tick advances author's entry to now and returns its index. A tick within
// the same second (or behind a skewed earlier tick) increments the count.
func Tick(c *model.ClusterClock, author uuid.UUID, now uint64) int {
	i, found := Find(*c, author)
	if found {
		e := &c.Entries[i]
		if now <= e.UnixTick {
			e.TickCount++
		} else {
			e.UnixTick = now
			e.TickCount = 1
		}
		return i
	}

	c.Entries = append(c.Entries, model.ClockEntry{})
	copy(c.Entries[i+1:], c.Entries[i:])
	c.Entries[i] = model.ClockEntry{Author: author, UnixTick: now, TickCount: 1}
	return i
}

// compareEntry orders two entries of the same author
func compareEntry(a, b model.ClockEntry) int {
	switch {
	case a.UnixTick < b.UnixTick:
		return -1
	case a.UnixTick > b.UnixTick:
		return 1
	case a.TickCount < b.TickCount:
		return -1
	case a.TickCount > b.TickCount:
		return 1
	}
	return 0
}

// Compare compares local against remote over the union of their authors.
// When mergeOut is non-nil it receives the pointwise maximum of both clocks.
func Compare(local, remote model.ClusterClock, mergeOut *model.ClusterClock) Comparison {
	localNewer, remoteNewer := false, false

	var merged []model.ClockEntry
	if mergeOut != nil {
		merged = make([]model.ClockEntry, 0, len(local.Entries)+len(remote.Entries))
	}

	i, j := 0, 0
	for i < len(local.Entries) || j < len(remote.Entries) {
		var pick model.ClockEntry
		switch {
		case j == len(remote.Entries) ||
			(i < len(local.Entries) && model.UUIDLess(local.Entries[i].Author, remote.Entries[j].Author)):
			localNewer = true
			pick = local.Entries[i]
			i++
		case i == len(local.Entries) || model.UUIDLess(remote.Entries[j].Author, local.Entries[i].Author):
			remoteNewer = true
			pick = remote.Entries[j]
			j++
		default:
			l, r := local.Entries[i], remote.Entries[j]
			switch compareEntry(l, r) {
			case 1:
				localNewer = true
				pick = l
			case -1:
				remoteNewer = true
				pick = r
			default:
				pick = l
			}
			i++
			j++
		}
		if mergeOut != nil {
			merged = append(merged, pick)
		}
	}

	if mergeOut != nil {
		mergeOut.Entries = merged
		mergeOut.IsPruned = local.IsPruned || remote.IsPruned
	}

	switch {
	case localNewer && remoteNewer:
		return Diverge
	case localNewer:
		return LocalMoreRecent
	case remoteNewer:
		return RemoteMoreRecent
	}
	return Equal
}

// Merge returns the pointwise maximum of two clocks
func Merge(a, b model.ClusterClock) model.ClusterClock {
	var out model.ClusterClock
	Compare(a, b, &out)
	return out
}

// PruneCutoff returns the unix second before which entries may be pruned
func PruneCutoff(now time.Time, horizon, jitterBound time.Duration) uint64 {
	cutoff := now.Add(-horizon - jitterBound).Unix()
	if cutoff < 0 {
		return 0
	}
	return uint64(cutoff)
}

// Prunable reports whether an entry falls behind the prune cutoff
func Prunable(e model.ClockEntry, cutoff uint64) bool {
	return e.UnixTick < cutoff
}

// Prune removes every prunable entry and returns how many were removed
func Prune(c *model.ClusterClock, cutoff uint64) int {
	kept := c.Entries[:0]
	for _, e := range c.Entries {
		if !Prunable(e, cutoff) {
			kept = append(kept, e)
		}
	}
	removed := len(c.Entries) - len(kept)
	c.Entries = kept
	if removed > 0 {
		c.IsPruned = true
	}
	return removed
}
