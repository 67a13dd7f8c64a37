package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/samoa/internal/model"
)

func TestRequestFraming(t *testing.T) {
	table := model.NameUUID("table")
	part := model.NameUUID("partition")
	peer := model.NameUUID("peer")
	clk := model.ClusterClock{Entries: []model.ClockEntry{
		{Author: model.NameUUID("a"), UnixTick: 100, TickCount: 2},
	}}

	req := &Request{
		Type:               CommandSetBlob,
		RequestID:          42,
		TableUUID:          table[:],
		Key:                []byte("key"),
		PartitionUUID:      part[:],
		PeerPartitionUUIDs: [][]byte{peer[:]},
		ClusterClock:       EncodeClock(clk),
		RequestedQuorum:    2,
		CounterDelta:       -7,
		RingLayers:         []model.RingLayer{{StorageSize: 4096, IndexSize: 16}},
		DataBlocks:         [][]byte{[]byte("value"), {}},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, req))
	require.NoError(t, WriteRequest(&buf, &Request{Type: CommandPing, RequestID: 43}))

	got, err := ReadRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, CommandSetBlob, got.Type)
	assert.Equal(t, uint64(42), got.RequestID)
	assert.Equal(t, req.TableUUID, got.TableUUID)
	assert.Equal(t, req.Key, got.Key)
	assert.Equal(t, req.PeerPartitionUUIDs, got.PeerPartitionUUIDs)
	assert.Equal(t, uint32(2), got.RequestedQuorum)
	assert.Equal(t, int64(-7), got.CounterDelta)
	assert.Equal(t, req.RingLayers, got.RingLayers)
	require.Len(t, got.DataBlocks, 2)
	assert.Equal(t, []byte("value"), got.DataBlocks[0])
	assert.Empty(t, got.DataBlocks[1])

	decoded, err := DecodeClock(got.ClusterClock)
	require.NoError(t, err)
	assert.Equal(t, clk, decoded)

	ping, err := ReadRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, CommandPing, ping.Type)
	assert.Nil(t, ping.Key)
	assert.Nil(t, ping.ClusterClock)

	_, err = ReadRequest(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestResponseFraming(t *testing.T) {
	desc := &model.ClusterStateDescription{
		LocalUUID:     model.NameUUID("server"),
		LocalHostname: "localhost",
		LocalPort:     5000,
	}
	resp := &Response{
		Type:               CommandGetBlob,
		RequestID:          7,
		ClusterState:       desc,
		CounterValue:       -3,
		ReplicationSuccess: 2,
		ReplicationFailure: 1,
		TableUUID:          model.NameUUID("table"),
		DataBlocks:         [][]byte{[]byte("one"), []byte("two")},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, resp))
	got, err := ReadResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, resp, got)
	assert.False(t, got.IsError())
	assert.NoError(t, got.Err())
}

func TestErrorResponse(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, NewErrorResponse(9, 409, "stale clock", true)))

	got, err := ReadResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, CommandError, got.Type)
	require.True(t, got.IsError())
	assert.Equal(t, uint32(409), got.Error.Code)
	assert.True(t, got.Error.Closing)

	var remote *RemoteError
	require.ErrorAs(t, got.Err(), &remote)
	assert.Equal(t, "stale clock", remote.Message)
}

func TestFrameLimits(t *testing.T) {
	var buf bytes.Buffer
	err := WriteRequest(&buf, &Request{Type: CommandSetBlob, Key: make([]byte, MaxMessageSize)})
	assert.ErrorIs(t, err, ErrMessageTooLarge)

	// large values travel as data blocks
	buf.Reset()
	require.NoError(t, WriteRequest(&buf, &Request{Type: CommandSetBlob, DataBlocks: [][]byte{make([]byte, 1<<17)}}))
	got, err := ReadRequest(&buf)
	require.NoError(t, err)
	assert.Len(t, got.DataBlocks[0], 1<<17)
}

func TestTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, &Request{Type: CommandSetBlob, DataBlocks: [][]byte{[]byte("value")}}))
	raw := buf.Bytes()

	_, err := ReadRequest(bytes.NewReader(raw[:len(raw)-2]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	_, err = ReadRequest(bytes.NewReader(raw[:1]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecodeClockRejectsMalformed(t *testing.T) {
	a, b := model.NameUUID("a"), model.NameUUID("b")
	if model.UUIDLess(b, a) {
		a, b = b, a
	}
	unordered := EncodeClock(model.ClusterClock{Entries: []model.ClockEntry{
		{Author: b, UnixTick: 1, TickCount: 1},
		{Author: a, UnixTick: 1, TickCount: 1},
	}})
	_, err := DecodeClock(unordered)
	assert.Error(t, err)

	_, err = DecodeClock([]byte{0x0a, 0x05, 0x01})
	assert.Error(t, err)

	empty, err := DecodeClock(EncodeClock(model.ClusterClock{}))
	require.NoError(t, err)
	assert.Empty(t, empty.Entries)
}

func TestCommandNames(t *testing.T) {
	for _, c := range Commands() {
		parsed, err := ParseCommand(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, parsed)
	}
	assert.Len(t, Commands(), 15)
	_, err := ParseCommand("nope")
	assert.Error(t, err)
}
