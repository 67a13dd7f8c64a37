package datamodel

import (
	"github.com/google/uuid"

	"github.com/devrev/samoa/internal/clock"
	"github.com/devrev/samoa/internal/model"
	"github.com/devrev/samoa/internal/storage/persister"
)

// Counter is the model of additive counters. Each author owns one slot; the
// counter value is the sum of the slots plus the consistent value.
type Counter struct {
	Horizon Horizon
}

func alignCounter(rec *model.PersistedRecord) {
	for len(rec.CounterValues) < len(rec.Clock.Entries) {
		rec.CounterValues = append(rec.CounterValues, 0)
	}
	rec.CounterValues = rec.CounterValues[:len(rec.Clock.Entries)]
}

// CounterValue returns the value of a counter record
func CounterValue(rec *model.PersistedRecord) int64 {
	if rec == nil {
		return 0
	}
	v := rec.CounterConsistentValue
	for _, slot := range rec.CounterValues {
		v += slot
	}
	return v
}

// IsEmpty reports whether the record reads as absent
func (c *Counter) IsEmpty(rec *model.PersistedRecord) bool {
	return rec == nil || (len(rec.Clock.Entries) == 0 && !rec.Clock.IsPruned)
}

// UpdateCounter adds delta to author's slot
func UpdateCounter(rec *model.PersistedRecord, author uuid.UUID, now uint64, delta int64) {
	alignCounter(rec)

	i, found := clock.Find(rec.Clock, author)
	if !found {
		rec.CounterValues = append(rec.CounterValues, 0)
		copy(rec.CounterValues[i+1:], rec.CounterValues[i:])
		rec.CounterValues[i] = 0
	}
	clock.Tick(&rec.Clock, author, now)
	rec.CounterValues[i] += delta
}

// PruneCounter folds every slot whose clock entry is behind cutoff into the
// consistent value. Counters are only discarded once expired.
func PruneCounter(rec *model.PersistedRecord, cutoff, now uint64) bool {
	if expired(rec, now) {
		return true
	}
	alignCounter(rec)

	entries := rec.Clock.Entries[:0]
	values := rec.CounterValues[:0]
	for i, e := range rec.Clock.Entries {
		if clock.Prunable(e, cutoff) {
			rec.CounterConsistentValue += rec.CounterValues[i]
			rec.Clock.IsPruned = true
			continue
		}
		entries = append(entries, e)
		values = append(values, rec.CounterValues[i])
	}
	rec.Clock.Entries = entries
	rec.CounterValues = values
	return false
}

// MergeCounter prunes both records against the same cutoff, then takes the
// newer slot of every author and the larger consistent value.
func MergeCounter(local, remote *model.PersistedRecord, cutoff, now uint64) persister.MergeResult {
	remote = remote.Clone()
	PruneCounter(local, cutoff, now)
	PruneCounter(remote, cutoff, now)

	var mergedClock model.ClusterClock
	clock.Compare(local.Clock, remote.Clock, &mergedClock)

	merged := &model.PersistedRecord{
		Clock:                  mergedClock,
		CounterValues:          make([]int64, len(mergedClock.Entries)),
		CounterConsistentValue: local.CounterConsistentValue,
		ExpireTimestamp:        maxUint64(local.ExpireTimestamp, remote.ExpireTimestamp),
	}
	if remote.CounterConsistentValue > merged.CounterConsistentValue {
		merged.CounterConsistentValue = remote.CounterConsistentValue
	}
	for i, e := range mergedClock.Entries {
		if j, ok := clock.Find(local.Clock, e.Author); ok && local.Clock.Entries[j] == e {
			merged.CounterValues[i] = local.CounterValues[j]
		} else if k, ok := clock.Find(remote.Clock, e.Author); ok {
			merged.CounterValues[i] = remote.CounterValues[k]
		}
	}

	result := persister.MergeResult{
		LocalWasUpdated: !merged.Equal(local),
		RemoteIsStale:   !merged.Equal(remote),
	}
	if result.LocalWasUpdated {
		*local = *merged
	}
	return result
}

// Merge implements Model
func (c *Counter) Merge(local, remote *model.PersistedRecord) persister.MergeResult {
	return MergeCounter(local, remote, c.Horizon.Cutoff(), c.Horizon.UnixNow())
}

// Prune implements Model
func (c *Counter) Prune(rec *model.PersistedRecord) bool {
	return PruneCounter(rec, c.Horizon.Cutoff(), c.Horizon.UnixNow())
}
