package model

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/devrev/samoa/internal/util"
)

// DataType identifies the value shape stored by a table
type DataType int32

const (
	DataTypeUnknown DataType = 0
	DataTypeBlob    DataType = 1
	DataTypeCounter DataType = 2
)

// String returns the wire name of the data type
func (d DataType) String() string {
	switch d {
	case DataTypeBlob:
		return "BLOB"
	case DataTypeCounter:
		return "COUNTER"
	default:
		return "UNKNOWN"
	}
}

// ParseDataType parses a data type name
func ParseDataType(s string) (DataType, error) {
	switch strings.ToUpper(s) {
	case "BLOB":
		return DataTypeBlob, nil
	case "COUNTER":
		return DataTypeCounter, nil
	default:
		return DataTypeUnknown, fmt.Errorf("unknown data type %q", s)
	}
}

// ClockEntry is one author's position on a cluster clock
type ClockEntry struct {
	Author    uuid.UUID
	UnixTick  uint64
	TickCount uint32
}

// ClusterClock is a vector clock sorted by author. IsPruned is sticky once
// any entry has been pruned against the consistency horizon.
type ClusterClock struct {
	Entries  []ClockEntry
	IsPruned bool
}

// Clone returns a deep copy of the clock
func (c ClusterClock) Clone() ClusterClock {
	out := ClusterClock{IsPruned: c.IsPruned}
	if len(c.Entries) > 0 {
		out.Entries = append([]ClockEntry{}, c.Entries...)
	}
	return out
}

// Equal reports whether two clocks are identical
func (c ClusterClock) Equal(o ClusterClock) bool {
	if c.IsPruned != o.IsPruned || len(c.Entries) != len(o.Entries) {
		return false
	}
	for i := range c.Entries {
		if c.Entries[i] != o.Entries[i] {
			return false
		}
	}
	return true
}

// PersistedRecord is the value stored under a key. Blob tables use
// BlobValues and ConsistentBlobValue; counter tables use CounterValues and
// CounterConsistentValue. Per-author slices are positionally aligned with
// Clock.Entries.
type PersistedRecord struct {
	Clock                  ClusterClock
	BlobValues             [][]byte
	ConsistentBlobValue    []byte
	CounterValues          []int64
	CounterConsistentValue int64
	// ExpireTimestamp is a unix time in seconds; zero never expires
	ExpireTimestamp uint64
}

// Clone returns a deep copy of the record
func (r *PersistedRecord) Clone() *PersistedRecord {
	out := &PersistedRecord{
		Clock:                  r.Clock.Clone(),
		CounterConsistentValue: r.CounterConsistentValue,
		ExpireTimestamp:        r.ExpireTimestamp,
	}
	if r.BlobValues != nil {
		out.BlobValues = make([][]byte, len(r.BlobValues))
		for i, v := range r.BlobValues {
			out.BlobValues[i] = append([]byte{}, v...)
		}
	}
	if r.ConsistentBlobValue != nil {
		out.ConsistentBlobValue = append([]byte{}, r.ConsistentBlobValue...)
	}
	if r.CounterValues != nil {
		out.CounterValues = append([]int64{}, r.CounterValues...)
	}
	return out
}

// Equal reports whether two records carry the same content
func (r *PersistedRecord) Equal(o *PersistedRecord) bool {
	if r == nil || o == nil {
		return r == o
	}
	if !r.Clock.Equal(o.Clock) || r.CounterConsistentValue != o.CounterConsistentValue ||
		r.ExpireTimestamp != o.ExpireTimestamp || !bytes.Equal(r.ConsistentBlobValue, o.ConsistentBlobValue) ||
		len(r.BlobValues) != len(o.BlobValues) || len(r.CounterValues) != len(o.CounterValues) {
		return false
	}
	for i := range r.BlobValues {
		if !bytes.Equal(r.BlobValues[i], o.BlobValues[i]) {
			return false
		}
	}
	for i := range r.CounterValues {
		if r.CounterValues[i] != o.CounterValues[i] {
			return false
		}
	}
	return true
}

const (
	recordFieldClockEntry        protowire.Number = 1
	recordFieldClockIsPruned     protowire.Number = 2
	recordFieldBlobValue         protowire.Number = 3
	recordFieldConsistentBlob    protowire.Number = 4
	recordFieldCounterValue      protowire.Number = 5
	recordFieldCounterConsistent protowire.Number = 6
	recordFieldExpireTimestamp   protowire.Number = 7

	clockFieldAuthor    protowire.Number = 1
	clockFieldUnixTick  protowire.Number = 2
	clockFieldTickCount protowire.Number = 3
)

// AppendClockEntries appends encoded clock entries using field num
func AppendClockEntries(b []byte, num protowire.Number, c ClusterClock) []byte {
	for _, e := range c.Entries {
		e := e
		b = util.AppendMessageField(b, num, func(m []byte) []byte {
			m = util.AppendBytesField(m, clockFieldAuthor, e.Author[:])
			m = util.AppendVarintField(m, clockFieldUnixTick, e.UnixTick)
			return util.AppendVarintField(m, clockFieldTickCount, uint64(e.TickCount))
		})
	}
	return b
}

// DecodeClockEntry decodes a single encoded clock entry
func DecodeClockEntry(b []byte) (ClockEntry, error) {
	var e ClockEntry
	r := util.NewFieldReader(b)
	for r.Next() {
		switch r.Number() {
		case clockFieldAuthor:
			u, err := UUIDFromBytes(r.Bytes())
			if err != nil {
				return e, fmt.Errorf("clock entry author: %w", err)
			}
			e.Author = u
		case clockFieldUnixTick:
			e.UnixTick = r.Varint()
		case clockFieldTickCount:
			e.TickCount = uint32(r.Varint())
		default:
			r.Skip()
		}
	}
	return e, r.Err()
}

// MarshalRecord encodes a record for storage or replication
func MarshalRecord(rec *PersistedRecord) []byte {
	var b []byte
	b = AppendClockEntries(b, recordFieldClockEntry, rec.Clock)
	b = util.AppendBoolField(b, recordFieldClockIsPruned, rec.Clock.IsPruned)
	for _, v := range rec.BlobValues {
		b = util.AppendBytesField(b, recordFieldBlobValue, v)
	}
	if len(rec.ConsistentBlobValue) > 0 {
		b = util.AppendBytesField(b, recordFieldConsistentBlob, rec.ConsistentBlobValue)
	}
	for _, v := range rec.CounterValues {
		b = protowire.AppendTag(b, recordFieldCounterValue, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(v))
	}
	b = util.AppendVarintField(b, recordFieldCounterConsistent, protowire.EncodeZigZag(rec.CounterConsistentValue))
	b = util.AppendVarintField(b, recordFieldExpireTimestamp, rec.ExpireTimestamp)
	return b
}

// UnmarshalRecord decodes a record produced by MarshalRecord
func UnmarshalRecord(b []byte) (*PersistedRecord, error) {
	rec := &PersistedRecord{}
	r := util.NewFieldReader(b)
	for r.Next() {
		switch r.Number() {
		case recordFieldClockEntry:
			e, err := DecodeClockEntry(r.Bytes())
			if err != nil {
				return nil, err
			}
			rec.Clock.Entries = append(rec.Clock.Entries, e)
		case recordFieldClockIsPruned:
			rec.Clock.IsPruned = r.Bool()
		case recordFieldBlobValue:
			rec.BlobValues = append(rec.BlobValues, r.Bytes())
		case recordFieldConsistentBlob:
			rec.ConsistentBlobValue = r.Bytes()
		case recordFieldCounterValue:
			rec.CounterValues = append(rec.CounterValues, protowire.DecodeZigZag(r.Varint()))
		case recordFieldCounterConsistent:
			rec.CounterConsistentValue = protowire.DecodeZigZag(r.Varint())
		case recordFieldExpireTimestamp:
			rec.ExpireTimestamp = r.Varint()
		default:
			r.Skip()
		}
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}
