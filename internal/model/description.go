package model

import (
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/devrev/samoa/internal/util"
)

// RingLayer describes one tier of a partition's persister
type RingLayer struct {
	StorageSize uint64
	IndexSize   uint32
	FilePath    string
}

// PeerDescription identifies a remote server
type PeerDescription struct {
	UUID     uuid.UUID
	Hostname string
	Port     uint32
}

// Address returns host:port of the peer
func (p PeerDescription) Address() string {
	return fmt.Sprintf("%s:%d", p.Hostname, p.Port)
}

// PartitionDescription is the replicated description of a partition
type PartitionDescription struct {
	UUID                 uuid.UUID
	TableUUID            uuid.UUID
	ServerUUID           uuid.UUID
	RingPosition         uint64
	ConsistentRangeBegin uint64
	ConsistentRangeEnd   uint64
	LamportTS            uint64
	RingLayers           []RingLayer
	Dropped              bool
	DroppedTimestamp     int64
}

// TableDescription is the replicated description of a table
type TableDescription struct {
	UUID               uuid.UUID
	Name               string
	DataType           DataType
	ReplicationFactor  uint32
	ConsistencyHorizon uint32
	LamportTS          uint64
	Dropped            bool
	DroppedTimestamp   int64
	Partitions         []PartitionDescription
}

// ClusterStateDescription is the serializable form of a cluster state.
// It is what servers exchange in CLUSTER_STATE and what the state store
// persists.
type ClusterStateDescription struct {
	LocalUUID     uuid.UUID
	LocalHostname string
	LocalPort     uint32
	Peers         []PeerDescription
	Tables        []TableDescription
}

// Clone returns a deep copy of the partition description
func (p PartitionDescription) Clone() PartitionDescription {
	out := p
	if p.RingLayers != nil {
		out.RingLayers = append([]RingLayer{}, p.RingLayers...)
	}
	return out
}

// Clone returns a deep copy of the table description
func (t TableDescription) Clone() TableDescription {
	out := t
	if t.Partitions != nil {
		out.Partitions = make([]PartitionDescription, len(t.Partitions))
		for i, p := range t.Partitions {
			out.Partitions[i] = p.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the description
func (d *ClusterStateDescription) Clone() *ClusterStateDescription {
	out := &ClusterStateDescription{
		LocalUUID:     d.LocalUUID,
		LocalHostname: d.LocalHostname,
		LocalPort:     d.LocalPort,
	}
	if d.Peers != nil {
		out.Peers = append([]PeerDescription{}, d.Peers...)
	}
	if d.Tables != nil {
		out.Tables = make([]TableDescription, len(d.Tables))
		for i, t := range d.Tables {
			out.Tables[i] = t.Clone()
		}
	}
	return out
}

// Self returns the local server as a peer description
func (d *ClusterStateDescription) Self() PeerDescription {
	return PeerDescription{UUID: d.LocalUUID, Hostname: d.LocalHostname, Port: d.LocalPort}
}

const (
	stateFieldLocalUUID     protowire.Number = 1
	stateFieldLocalHostname protowire.Number = 2
	stateFieldLocalPort     protowire.Number = 3
	stateFieldPeer          protowire.Number = 4
	stateFieldTable         protowire.Number = 5

	peerFieldUUID     protowire.Number = 1
	peerFieldHostname protowire.Number = 2
	peerFieldPort     protowire.Number = 3

	tableFieldUUID               protowire.Number = 1
	tableFieldName               protowire.Number = 2
	tableFieldDataType           protowire.Number = 3
	tableFieldReplicationFactor  protowire.Number = 4
	tableFieldConsistencyHorizon protowire.Number = 5
	tableFieldLamportTS          protowire.Number = 6
	tableFieldDropped            protowire.Number = 7
	tableFieldDroppedTimestamp   protowire.Number = 8
	tableFieldPartition          protowire.Number = 9

	partitionFieldUUID                 protowire.Number = 1
	partitionFieldTableUUID            protowire.Number = 2
	partitionFieldServerUUID           protowire.Number = 3
	partitionFieldRingPosition         protowire.Number = 4
	partitionFieldConsistentRangeBegin protowire.Number = 5
	partitionFieldConsistentRangeEnd   protowire.Number = 6
	partitionFieldLamportTS            protowire.Number = 7
	partitionFieldRingLayer            protowire.Number = 8
	partitionFieldDropped              protowire.Number = 9
	partitionFieldDroppedTimestamp     protowire.Number = 10

	layerFieldStorageSize protowire.Number = 1
	layerFieldIndexSize   protowire.Number = 2
	layerFieldFilePath    protowire.Number = 3
)

// AppendPeer encodes a peer description
func AppendPeer(b []byte, p PeerDescription) []byte {
	b = util.AppendBytesField(b, peerFieldUUID, p.UUID[:])
	b = util.AppendStringField(b, peerFieldHostname, p.Hostname)
	return util.AppendVarintField(b, peerFieldPort, uint64(p.Port))
}

// AppendPartition encodes a partition description
func AppendPartition(b []byte, p PartitionDescription) []byte {
	b = util.AppendBytesField(b, partitionFieldUUID, p.UUID[:])
	b = util.AppendBytesField(b, partitionFieldTableUUID, p.TableUUID[:])
	b = util.AppendBytesField(b, partitionFieldServerUUID, p.ServerUUID[:])
	b = util.AppendVarintField(b, partitionFieldRingPosition, p.RingPosition)
	b = util.AppendVarintField(b, partitionFieldConsistentRangeBegin, p.ConsistentRangeBegin)
	b = util.AppendVarintField(b, partitionFieldConsistentRangeEnd, p.ConsistentRangeEnd)
	b = util.AppendVarintField(b, partitionFieldLamportTS, p.LamportTS)
	for _, l := range p.RingLayers {
		l := l
		b = util.AppendMessageField(b, partitionFieldRingLayer, func(m []byte) []byte {
			m = util.AppendVarintField(m, layerFieldStorageSize, l.StorageSize)
			m = util.AppendVarintField(m, layerFieldIndexSize, uint64(l.IndexSize))
			return util.AppendStringField(m, layerFieldFilePath, l.FilePath)
		})
	}
	b = util.AppendBoolField(b, partitionFieldDropped, p.Dropped)
	return util.AppendVarintField(b, partitionFieldDroppedTimestamp, uint64(p.DroppedTimestamp))
}

// AppendTable encodes a table description including its partitions
func AppendTable(b []byte, t TableDescription) []byte {
	b = util.AppendBytesField(b, tableFieldUUID, t.UUID[:])
	b = util.AppendStringField(b, tableFieldName, t.Name)
	b = util.AppendVarintField(b, tableFieldDataType, uint64(t.DataType))
	b = util.AppendVarintField(b, tableFieldReplicationFactor, uint64(t.ReplicationFactor))
	b = util.AppendVarintField(b, tableFieldConsistencyHorizon, uint64(t.ConsistencyHorizon))
	b = util.AppendVarintField(b, tableFieldLamportTS, t.LamportTS)
	b = util.AppendBoolField(b, tableFieldDropped, t.Dropped)
	b = util.AppendVarintField(b, tableFieldDroppedTimestamp, uint64(t.DroppedTimestamp))
	for _, p := range t.Partitions {
		p := p
		b = util.AppendMessageField(b, tableFieldPartition, func(m []byte) []byte {
			return AppendPartition(m, p)
		})
	}
	return b
}

// MarshalDescription encodes a cluster state description
func MarshalDescription(d *ClusterStateDescription) []byte {
	var b []byte
	b = util.AppendBytesField(b, stateFieldLocalUUID, d.LocalUUID[:])
	b = util.AppendStringField(b, stateFieldLocalHostname, d.LocalHostname)
	b = util.AppendVarintField(b, stateFieldLocalPort, uint64(d.LocalPort))
	for _, p := range d.Peers {
		p := p
		b = util.AppendMessageField(b, stateFieldPeer, func(m []byte) []byte { return AppendPeer(m, p) })
	}
	for _, t := range d.Tables {
		t := t
		b = util.AppendMessageField(b, stateFieldTable, func(m []byte) []byte { return AppendTable(m, t) })
	}
	return b
}

// UnmarshalDescription decodes a cluster state description
func UnmarshalDescription(b []byte) (*ClusterStateDescription, error) {
	d := &ClusterStateDescription{}
	r := util.NewFieldReader(b)
	for r.Next() {
		var err error
		switch r.Number() {
		case stateFieldLocalUUID:
			d.LocalUUID, err = UUIDFromBytes(r.Bytes())
		case stateFieldLocalHostname:
			d.LocalHostname = string(r.Bytes())
		case stateFieldLocalPort:
			d.LocalPort = uint32(r.Varint())
		case stateFieldPeer:
			var p PeerDescription
			p, err = UnmarshalPeer(r.Bytes())
			d.Peers = append(d.Peers, p)
		case stateFieldTable:
			var t TableDescription
			t, err = UnmarshalTable(r.Bytes())
			d.Tables = append(d.Tables, t)
		default:
			r.Skip()
		}
		if err != nil {
			return nil, fmt.Errorf("decode cluster state: %w", err)
		}
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("decode cluster state: %w", err)
	}
	return d, nil
}

// UnmarshalPeer decodes a peer description
func UnmarshalPeer(b []byte) (PeerDescription, error) {
	var p PeerDescription
	r := util.NewFieldReader(b)
	for r.Next() {
		switch r.Number() {
		case peerFieldUUID:
			u, err := UUIDFromBytes(r.Bytes())
			if err != nil {
				return p, err
			}
			p.UUID = u
		case peerFieldHostname:
			p.Hostname = string(r.Bytes())
		case peerFieldPort:
			p.Port = uint32(r.Varint())
		default:
			r.Skip()
		}
	}
	return p, r.Err()
}

// UnmarshalTable decodes a table description
func UnmarshalTable(b []byte) (TableDescription, error) {
	var t TableDescription
	r := util.NewFieldReader(b)
	for r.Next() {
		switch r.Number() {
		case tableFieldUUID:
			u, err := UUIDFromBytes(r.Bytes())
			if err != nil {
				return t, err
			}
			t.UUID = u
		case tableFieldName:
			t.Name = string(r.Bytes())
		case tableFieldDataType:
			t.DataType = DataType(r.Varint())
		case tableFieldReplicationFactor:
			t.ReplicationFactor = uint32(r.Varint())
		case tableFieldConsistencyHorizon:
			t.ConsistencyHorizon = uint32(r.Varint())
		case tableFieldLamportTS:
			t.LamportTS = r.Varint()
		case tableFieldDropped:
			t.Dropped = r.Bool()
		case tableFieldDroppedTimestamp:
			t.DroppedTimestamp = int64(r.Varint())
		case tableFieldPartition:
			p, err := UnmarshalPartition(r.Bytes())
			if err != nil {
				return t, err
			}
			t.Partitions = append(t.Partitions, p)
		default:
			r.Skip()
		}
	}
	return t, r.Err()
}

// UnmarshalPartition decodes a partition description
func UnmarshalPartition(b []byte) (PartitionDescription, error) {
	var p PartitionDescription
	r := util.NewFieldReader(b)
	for r.Next() {
		var err error
		switch r.Number() {
		case partitionFieldUUID:
			p.UUID, err = UUIDFromBytes(r.Bytes())
		case partitionFieldTableUUID:
			p.TableUUID, err = UUIDFromBytes(r.Bytes())
		case partitionFieldServerUUID:
			p.ServerUUID, err = UUIDFromBytes(r.Bytes())
		case partitionFieldRingPosition:
			p.RingPosition = r.Varint()
		case partitionFieldConsistentRangeBegin:
			p.ConsistentRangeBegin = r.Varint()
		case partitionFieldConsistentRangeEnd:
			p.ConsistentRangeEnd = r.Varint()
		case partitionFieldLamportTS:
			p.LamportTS = r.Varint()
		case partitionFieldRingLayer:
			var l RingLayer
			l, err = unmarshalRingLayer(r.Bytes())
			p.RingLayers = append(p.RingLayers, l)
		case partitionFieldDropped:
			p.Dropped = r.Bool()
		case partitionFieldDroppedTimestamp:
			p.DroppedTimestamp = int64(r.Varint())
		default:
			r.Skip()
		}
		if err != nil {
			return p, err
		}
	}
	return p, r.Err()
}

func unmarshalRingLayer(b []byte) (RingLayer, error) {
	var l RingLayer
	r := util.NewFieldReader(b)
	for r.Next() {
		switch r.Number() {
		case layerFieldStorageSize:
			l.StorageSize = r.Varint()
		case layerFieldIndexSize:
			l.IndexSize = uint32(r.Varint())
		case layerFieldFilePath:
			l.FilePath = string(r.Bytes())
		default:
			r.Skip()
		}
	}
	return l, r.Err()
}
