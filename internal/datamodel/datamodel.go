// Package datamodel implements the update, prune and merge rules of the
// blob and counter record types.
package datamodel

import (
	"fmt"
	"time"

	"github.com/devrev/samoa/internal/clock"
	"github.com/devrev/samoa/internal/model"
	"github.com/devrev/samoa/internal/storage/persister"
)

// DefaultJitterBound is the clock skew tolerated between peers when pruning
const DefaultJitterBound = 60 * time.Second

// Model merges and prunes records of one data type
type Model interface {
	// Merge folds remote into local in place
	Merge(local, remote *model.PersistedRecord) persister.MergeResult
	// Prune collapses local in place and reports whether it may be discarded
	Prune(rec *model.PersistedRecord) bool
	// IsEmpty reports whether the record reads as absent
	IsEmpty(rec *model.PersistedRecord) bool
}

// Horizon computes prune cutoffs for a table
type Horizon struct {
	Consistency time.Duration
	JitterBound time.Duration
	// Now defaults to time.Now
	Now func() time.Time
}

func (h Horizon) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Cutoff returns the unix second before which clock entries are prunable
func (h Horizon) Cutoff() uint64 {
	return clock.PruneCutoff(h.now(), h.Consistency, h.JitterBound)
}

// UnixNow returns the current unix second
func (h Horizon) UnixNow() uint64 {
	return uint64(h.now().Unix())
}

// ForTable returns the model for a table's data type
func ForTable(dataType model.DataType, horizon Horizon) (Model, error) {
	switch dataType {
	case model.DataTypeBlob:
		return &Blob{Horizon: horizon}, nil
	case model.DataTypeCounter:
		return &Counter{Horizon: horizon}, nil
	default:
		return nil, fmt.Errorf("unsupported data type %s", dataType)
	}
}

func expired(rec *model.PersistedRecord, now uint64) bool {
	return rec.ExpireTimestamp != 0 && rec.ExpireTimestamp <= now
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
