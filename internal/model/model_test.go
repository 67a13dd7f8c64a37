package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNameUUIDIsDeterministic(t *testing.T) {
	a := NameUUID("server-1")
	b := NameUUID("server-1")
	c := NameUUID("server-2")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, NilUUID, a)
}

func TestParseUUIDForms(t *testing.T) {
	u := RandomUUID()

	fromHex, err := ParseUUID(UUIDToHex(u))
	require.NoError(t, err)
	assert.Equal(t, u, fromHex)
	assert.Len(t, UUIDToHex(u), 32)

	fromDashed, err := ParseUUID(u.String())
	require.NoError(t, err)
	assert.Equal(t, u, fromDashed)

	fromBytes, err := UUIDFromBytes(u[:])
	require.NoError(t, err)
	assert.Equal(t, u, fromBytes)

	_, err = ParseUUID("not-a-uuid")
	assert.Error(t, err)
	_, err = UUIDFromBytes([]byte("short"))
	assert.Error(t, err)
}

func TestRecordEncoding(t *testing.T) {
	author := NameUUID("author")
	rec := &PersistedRecord{
		Clock: ClusterClock{
			Entries:  []ClockEntry{{Author: author, UnixTick: 1700000000, TickCount: 3}},
			IsPruned: true,
		},
		BlobValues:             [][]byte{[]byte("one"), {}},
		ConsistentBlobValue:    []byte("settled"),
		CounterValues:          []int64{-4, 9},
		CounterConsistentValue: -12,
		ExpireTimestamp:        1800000000,
	}

	decoded, err := UnmarshalRecord(MarshalRecord(rec))
	require.NoError(t, err)
	assert.True(t, rec.Equal(decoded))

	clone := rec.Clone()
	clone.BlobValues[0][0] = 'X'
	assert.Equal(t, byte('o'), rec.BlobValues[0][0])
	assert.False(t, rec.Equal(clone))
}

func TestUnmarshalRecordRejectsGarbage(t *testing.T) {
	_, err := UnmarshalRecord([]byte{0x0a, 0xff})
	assert.Error(t, err)
}

func TestDescriptionEncoding(t *testing.T) {
	table := TableDescription{
		UUID:               NameUUID("table"),
		Name:               "users",
		DataType:           DataTypeCounter,
		ReplicationFactor:  3,
		ConsistencyHorizon: 600,
		LamportTS:          4,
		Partitions: []PartitionDescription{{
			UUID:                 NameUUID("partition"),
			TableUUID:            NameUUID("table"),
			ServerUUID:           NameUUID("server"),
			RingPosition:         1 << 63,
			ConsistentRangeBegin: 12,
			ConsistentRangeEnd:   10,
			LamportTS:            2,
			RingLayers:           []RingLayer{{StorageSize: 1 << 20, IndexSize: 1024, FilePath: "/data/p.part.0"}},
		}},
	}
	desc := &ClusterStateDescription{
		LocalUUID:     NameUUID("server"),
		LocalHostname: "localhost",
		LocalPort:     5646,
		Peers:         []PeerDescription{{UUID: NameUUID("peer"), Hostname: "10.0.0.2", Port: 5646}},
		Tables:        []TableDescription{table},
	}

	decoded, err := UnmarshalDescription(MarshalDescription(desc))
	require.NoError(t, err)
	assert.Equal(t, desc, decoded)
	assert.Equal(t, "10.0.0.2:5646", decoded.Peers[0].Address())
}
