package datamodel

import (
	"bytes"

	"github.com/google/uuid"

	"github.com/devrev/samoa/internal/clock"
	"github.com/devrev/samoa/internal/model"
	"github.com/devrev/samoa/internal/storage/persister"
)

// Blob is the model of opaque byte values. Concurrent writes are kept as
// siblings, one per author, aligned with the clock entries.
type Blob struct {
	Horizon Horizon
}

// alignBlob pads BlobValues to one slot per clock entry
func alignBlob(rec *model.PersistedRecord) {
	for len(rec.BlobValues) < len(rec.Clock.Entries) {
		rec.BlobValues = append(rec.BlobValues, nil)
	}
	rec.BlobValues = rec.BlobValues[:len(rec.Clock.Entries)]
}

// BlobValues returns the visible values of a record. Non-empty siblings win;
// otherwise the consistent value is returned. A nil result reads as absent.
func BlobValues(rec *model.PersistedRecord) [][]byte {
	if rec == nil {
		return nil
	}
	var out [][]byte
	for _, v := range rec.BlobValues {
		if len(v) > 0 {
			out = append(out, v)
		}
	}
	if len(out) == 0 && len(rec.ConsistentBlobValue) > 0 {
		out = append(out, rec.ConsistentBlobValue)
	}
	return out
}

// IsEmpty reports whether the record reads as absent
func (b *Blob) IsEmpty(rec *model.PersistedRecord) bool {
	return len(BlobValues(rec)) == 0
}

// UpdateBlob writes value as author. Values the client has seen, per its
// clock, are superseded; without a client clock only the author's own
// previous value is. An empty value deletes.
func UpdateBlob(rec *model.PersistedRecord, author uuid.UUID, now uint64, value []byte, seen *model.ClusterClock) {
	alignBlob(rec)

	if seen != nil {
		merged := clock.Merge(rec.Clock, *seen)
		values := make([][]byte, len(merged.Entries))
		for i, e := range merged.Entries {
			if j, ok := clock.Find(rec.Clock, e.Author); ok && rec.Clock.Entries[j] == e {
				values[i] = rec.BlobValues[j]
			}
			// the merged entry is the maximum, so the client saw it iff it matches
			if k, ok := clock.Find(*seen, e.Author); ok && seen.Entries[k] == e {
				values[i] = nil
			}
		}
		rec.Clock = merged
		rec.BlobValues = values
	}

	i, found := clock.Find(rec.Clock, author)
	if !found {
		rec.BlobValues = append(rec.BlobValues, nil)
		copy(rec.BlobValues[i+1:], rec.BlobValues[i:])
	}
	clock.Tick(&rec.Clock, author, now)
	rec.BlobValues[i] = append([]byte{}, value...)
	rec.ConsistentBlobValue = nil
}

// PruneBlob prunes clock entries behind cutoff. A sole remaining value whose
// author is prunable moves into the consistent value; prunable entries with
// no value are removed. It reports whether the record may be discarded.
func PruneBlob(rec *model.PersistedRecord, cutoff, now uint64) bool {
	if expired(rec, now) {
		return true
	}
	alignBlob(rec)

	sole := -1
	for i, v := range rec.BlobValues {
		if len(v) == 0 {
			continue
		}
		if sole != -1 {
			sole = -2
			break
		}
		sole = i
	}
	if sole >= 0 && clock.Prunable(rec.Clock.Entries[sole], cutoff) {
		rec.ConsistentBlobValue = rec.BlobValues[sole]
		rec.BlobValues[sole] = nil
	}

	entries := rec.Clock.Entries[:0]
	values := rec.BlobValues[:0]
	for i, e := range rec.Clock.Entries {
		if clock.Prunable(e, cutoff) && len(rec.BlobValues[i]) == 0 {
			rec.Clock.IsPruned = true
			continue
		}
		entries = append(entries, e)
		values = append(values, rec.BlobValues[i])
	}
	rec.Clock.Entries = entries
	rec.BlobValues = values

	return len(rec.Clock.Entries) == 0 && len(rec.ConsistentBlobValue) == 0
}

// mergeSlot settles two values held under the same clock entry. A write
// that supersedes siblings empties their slots without ticking their
// authors, so an empty slot is the later state and wins.
func mergeSlot(a, b []byte) []byte {
	switch {
	case len(a) == 0:
		return a
	case len(b) == 0:
		return b
	case bytes.Compare(b, a) > 0:
		return b
	default:
		return a
	}
}

// MergeBlob prunes both records against the same cutoff and merges remote
// into local by comparing their clocks. The result does not depend on which
// side is local.
func MergeBlob(local, remote *model.PersistedRecord, cutoff, now uint64) persister.MergeResult {
	remote = remote.Clone()
	PruneBlob(local, cutoff, now)
	PruneBlob(remote, cutoff, now)

	var merged model.ClusterClock
	switch clock.Compare(local.Clock, remote.Clock, &merged) {
	case clock.Equal:
		return settleBlob(local, remote)
	case clock.LocalMoreRecent:
		return persister.MergeResult{RemoteIsStale: true}
	case clock.RemoteMoreRecent:
		*local = *remote
		return persister.MergeResult{LocalWasUpdated: true}
	}

	values := make([][]byte, len(merged.Entries))
	for i, e := range merged.Entries {
		j, inLocal := clock.Find(local.Clock, e.Author)
		inLocal = inLocal && local.Clock.Entries[j] == e
		k, inRemote := clock.Find(remote.Clock, e.Author)
		inRemote = inRemote && remote.Clock.Entries[k] == e
		switch {
		case inLocal && inRemote:
			values[i] = mergeSlot(local.BlobValues[j], remote.BlobValues[k])
		case inLocal:
			values[i] = local.BlobValues[j]
		case inRemote:
			values[i] = remote.BlobValues[k]
		}
	}
	if bytes.Compare(remote.ConsistentBlobValue, local.ConsistentBlobValue) > 0 {
		local.ConsistentBlobValue = remote.ConsistentBlobValue
	}
	local.Clock = merged
	local.BlobValues = values
	local.ExpireTimestamp = maxUint64(local.ExpireTimestamp, remote.ExpireTimestamp)
	return persister.MergeResult{LocalWasUpdated: true, RemoteIsStale: true}
}

// settleBlob merges records with equal clocks whose slots may still differ
func settleBlob(local, remote *model.PersistedRecord) persister.MergeResult {
	alignBlob(local)
	alignBlob(remote)

	var result persister.MergeResult
	for i := range local.BlobValues {
		v := mergeSlot(local.BlobValues[i], remote.BlobValues[i])
		if !bytes.Equal(v, local.BlobValues[i]) {
			local.BlobValues[i] = v
			result.LocalWasUpdated = true
		}
		if !bytes.Equal(v, remote.BlobValues[i]) {
			result.RemoteIsStale = true
		}
	}
	switch bytes.Compare(remote.ConsistentBlobValue, local.ConsistentBlobValue) {
	case 1:
		local.ConsistentBlobValue = remote.ConsistentBlobValue
		result.LocalWasUpdated = true
	case -1:
		result.RemoteIsStale = true
	}
	switch {
	case remote.ExpireTimestamp > local.ExpireTimestamp:
		local.ExpireTimestamp = remote.ExpireTimestamp
		result.LocalWasUpdated = true
	case remote.ExpireTimestamp < local.ExpireTimestamp:
		result.RemoteIsStale = true
	}
	return result
}

// Merge implements Model
func (b *Blob) Merge(local, remote *model.PersistedRecord) persister.MergeResult {
	return MergeBlob(local, remote, b.Horizon.Cutoff(), b.Horizon.UnixNow())
}

// Prune implements Model
func (b *Blob) Prune(rec *model.PersistedRecord) bool {
	return PruneBlob(rec, b.Horizon.Cutoff(), b.Horizon.UnixNow())
}
