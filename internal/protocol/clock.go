package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/devrev/samoa/internal/model"
	"github.com/devrev/samoa/internal/util"
)

const (
	clockFieldEntry    protowire.Number = 1
	clockFieldIsPruned protowire.Number = 2
)

// EncodeClock encodes a cluster clock for the cluster_clock field
func EncodeClock(c model.ClusterClock) []byte {
	b := model.AppendClockEntries(nil, clockFieldEntry, c)
	b = util.AppendBoolField(b, clockFieldIsPruned, c.IsPruned)
	if b == nil {
		b = []byte{}
	}
	return b
}

// DecodeClock decodes a cluster_clock field. Entries must be sorted by
// author without duplicates.
func DecodeClock(b []byte) (model.ClusterClock, error) {
	var c model.ClusterClock
	r := util.NewFieldReader(b)
	for r.Next() {
		switch r.Number() {
		case clockFieldEntry:
			e, err := model.DecodeClockEntry(r.Bytes())
			if err != nil {
				return c, err
			}
			c.Entries = append(c.Entries, e)
		case clockFieldIsPruned:
			c.IsPruned = r.Bool()
		default:
			r.Skip()
		}
	}
	if err := r.Err(); err != nil {
		return c, fmt.Errorf("malformed cluster clock: %w", err)
	}
	for i := 1; i < len(c.Entries); i++ {
		if !model.UUIDLess(c.Entries[i-1].Author, c.Entries[i].Author) {
			return c, fmt.Errorf("malformed cluster clock: entries out of order")
		}
	}
	for _, e := range c.Entries {
		if e.TickCount == 0 {
			return c, fmt.Errorf("malformed cluster clock: zero tick count for %s", e.Author)
		}
	}
	return c, nil
}
