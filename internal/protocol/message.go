package protocol

import (
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/devrev/samoa/internal/model"
	"github.com/devrev/samoa/internal/util"
)

// Request is a client or peer request. Identifier fields are carried raw so
// that request loading can reject malformed values with a 400.
type Request struct {
	Type      Command
	RequestID uint64

	TableUUID          []byte
	TableName          string
	Key                []byte
	PartitionUUID      []byte
	PeerPartitionUUIDs [][]byte
	// ClusterClock is the encoded clock the client has seen, nil if absent
	ClusterClock    []byte
	RequestedQuorum uint32
	// Forwarded marks a request a peer already routed on a client's behalf
	Forwarded bool

	CounterDelta       int64
	DataType           model.DataType
	ReplicationFactor  uint32
	ConsistencyHorizon uint32
	RingPosition       uint64
	RingLayers         []model.RingLayer
	ClusterState       *model.ClusterStateDescription

	// DataBlocks carry values (SET_BLOB), records (REPLICATE) and digests
	// (DIGEST_SYNC) outside the length-limited message body
	DataBlocks [][]byte
}

// ErrorInfo is the error carried by an ERROR response
type ErrorInfo struct {
	Code    uint32
	Message string
	// Closing asks the receiver to close the connection after reading
	Closing bool
}

// Response answers a Request with the same RequestID
type Response struct {
	Type      Command
	RequestID uint64
	Error     *ErrorInfo

	ClusterState       *model.ClusterStateDescription
	ClusterClock       []byte
	CounterValue       int64
	ReplicationSuccess uint32
	ReplicationFailure uint32
	TableUUID          uuid.UUID
	PartitionUUID      uuid.UUID
	RingPosition       uint64

	DataBlocks [][]byte
}

// IsError reports whether the response carries an error
func (r *Response) IsError() bool {
	return r.Error != nil
}

// Err returns the response error as a Go error, or nil
func (r *Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return &RemoteError{Code: r.Error.Code, Message: r.Error.Message}
}

// RemoteError is an error reported by a peer
type RemoteError struct {
	Code    uint32
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// NewErrorResponse builds an ERROR response for a request
func NewErrorResponse(requestID uint64, code uint32, message string, closing bool) *Response {
	return &Response{
		Type:      CommandError,
		RequestID: requestID,
		Error:     &ErrorInfo{Code: code, Message: message, Closing: closing},
	}
}

const (
	reqFieldType               protowire.Number = 1
	reqFieldRequestID          protowire.Number = 2
	reqFieldTableUUID          protowire.Number = 3
	reqFieldTableName          protowire.Number = 4
	reqFieldKey                protowire.Number = 5
	reqFieldPartitionUUID      protowire.Number = 6
	reqFieldPeerPartitionUUID  protowire.Number = 7
	reqFieldClusterClock       protowire.Number = 8
	reqFieldRequestedQuorum    protowire.Number = 9
	reqFieldForwarded          protowire.Number = 10
	reqFieldCounterDelta       protowire.Number = 11
	reqFieldDataType           protowire.Number = 12
	reqFieldReplicationFactor  protowire.Number = 13
	reqFieldConsistencyHorizon protowire.Number = 14
	reqFieldRingPosition       protowire.Number = 15
	reqFieldRingLayer          protowire.Number = 16
	reqFieldClusterState       protowire.Number = 17
	reqFieldDataBlockLength    protowire.Number = 18

	respFieldType               protowire.Number = 1
	respFieldRequestID          protowire.Number = 2
	respFieldError              protowire.Number = 3
	respFieldClusterState       protowire.Number = 4
	respFieldClusterClock       protowire.Number = 5
	respFieldCounterValue       protowire.Number = 6
	respFieldReplicationSuccess protowire.Number = 7
	respFieldReplicationFailure protowire.Number = 8
	respFieldTableUUID          protowire.Number = 9
	respFieldPartitionUUID      protowire.Number = 10
	respFieldRingPosition       protowire.Number = 11
	respFieldDataBlockLength    protowire.Number = 12

	errFieldCode    protowire.Number = 1
	errFieldMessage protowire.Number = 2
	errFieldClosing protowire.Number = 3

	layerFieldStorageSize protowire.Number = 1
	layerFieldIndexSize   protowire.Number = 2
	layerFieldFilePath    protowire.Number = 3
)

func appendBlockLengths(b []byte, num protowire.Number, blocks [][]byte) []byte {
	for _, blk := range blocks {
		b = protowire.AppendTag(b, num, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(len(blk)))
	}
	return b
}

func appendSignedField(b []byte, num protowire.Number, v int64) []byte {
	return util.AppendVarintField(b, num, protowire.EncodeZigZag(v))
}

// MarshalRequest encodes the message body of a request. Data blocks are
// described by length only.
func MarshalRequest(req *Request) []byte {
	var b []byte
	b = util.AppendVarintField(b, reqFieldType, uint64(req.Type))
	b = util.AppendVarintField(b, reqFieldRequestID, req.RequestID)
	if req.TableUUID != nil {
		b = util.AppendBytesField(b, reqFieldTableUUID, req.TableUUID)
	}
	b = util.AppendStringField(b, reqFieldTableName, req.TableName)
	if req.Key != nil {
		b = util.AppendBytesField(b, reqFieldKey, req.Key)
	}
	if req.PartitionUUID != nil {
		b = util.AppendBytesField(b, reqFieldPartitionUUID, req.PartitionUUID)
	}
	for _, p := range req.PeerPartitionUUIDs {
		b = util.AppendBytesField(b, reqFieldPeerPartitionUUID, p)
	}
	if req.ClusterClock != nil {
		b = util.AppendBytesField(b, reqFieldClusterClock, req.ClusterClock)
	}
	b = util.AppendVarintField(b, reqFieldRequestedQuorum, uint64(req.RequestedQuorum))
	b = util.AppendBoolField(b, reqFieldForwarded, req.Forwarded)
	b = appendSignedField(b, reqFieldCounterDelta, req.CounterDelta)
	b = util.AppendVarintField(b, reqFieldDataType, uint64(req.DataType))
	b = util.AppendVarintField(b, reqFieldReplicationFactor, uint64(req.ReplicationFactor))
	b = util.AppendVarintField(b, reqFieldConsistencyHorizon, uint64(req.ConsistencyHorizon))
	b = util.AppendVarintField(b, reqFieldRingPosition, req.RingPosition)
	for _, l := range req.RingLayers {
		l := l
		b = util.AppendMessageField(b, reqFieldRingLayer, func(m []byte) []byte {
			m = util.AppendVarintField(m, layerFieldStorageSize, l.StorageSize)
			m = util.AppendVarintField(m, layerFieldIndexSize, uint64(l.IndexSize))
			return util.AppendStringField(m, layerFieldFilePath, l.FilePath)
		})
	}
	if req.ClusterState != nil {
		b = util.AppendBytesField(b, reqFieldClusterState, model.MarshalDescription(req.ClusterState))
	}
	return appendBlockLengths(b, reqFieldDataBlockLength, req.DataBlocks)
}

// UnmarshalRequest decodes a request body, returning the declared data
// block lengths
func UnmarshalRequest(b []byte) (*Request, []uint64, error) {
	req := &Request{}
	var lengths []uint64
	r := util.NewFieldReader(b)
	for r.Next() {
		switch r.Number() {
		case reqFieldType:
			req.Type = Command(r.Varint())
		case reqFieldRequestID:
			req.RequestID = r.Varint()
		case reqFieldTableUUID:
			req.TableUUID = r.Bytes()
		case reqFieldTableName:
			req.TableName = string(r.Bytes())
		case reqFieldKey:
			req.Key = r.Bytes()
		case reqFieldPartitionUUID:
			req.PartitionUUID = r.Bytes()
		case reqFieldPeerPartitionUUID:
			req.PeerPartitionUUIDs = append(req.PeerPartitionUUIDs, r.Bytes())
		case reqFieldClusterClock:
			req.ClusterClock = r.Bytes()
		case reqFieldRequestedQuorum:
			req.RequestedQuorum = uint32(r.Varint())
		case reqFieldForwarded:
			req.Forwarded = r.Bool()
		case reqFieldCounterDelta:
			req.CounterDelta = protowire.DecodeZigZag(r.Varint())
		case reqFieldDataType:
			req.DataType = model.DataType(r.Varint())
		case reqFieldReplicationFactor:
			req.ReplicationFactor = uint32(r.Varint())
		case reqFieldConsistencyHorizon:
			req.ConsistencyHorizon = uint32(r.Varint())
		case reqFieldRingPosition:
			req.RingPosition = r.Varint()
		case reqFieldRingLayer:
			l, err := decodeRingLayer(r.Bytes())
			if err != nil {
				return nil, nil, err
			}
			req.RingLayers = append(req.RingLayers, l)
		case reqFieldClusterState:
			raw := r.Bytes()
			if r.Err() != nil {
				break
			}
			desc, err := model.UnmarshalDescription(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("cluster state: %w", err)
			}
			req.ClusterState = desc
		case reqFieldDataBlockLength:
			lengths = append(lengths, r.Varint())
		default:
			r.Skip()
		}
	}
	if err := r.Err(); err != nil {
		return nil, nil, fmt.Errorf("decode request: %w", err)
	}
	return req, lengths, nil
}

func decodeRingLayer(b []byte) (model.RingLayer, error) {
	var l model.RingLayer
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

// MarshalResponse encodes the message body of a response
func MarshalResponse(resp *Response) []byte {
	var b []byte
	b = util.AppendVarintField(b, respFieldType, uint64(resp.Type))
	b = util.AppendVarintField(b, respFieldRequestID, resp.RequestID)
	if e := resp.Error; e != nil {
		b = util.AppendMessageField(b, respFieldError, func(m []byte) []byte {
			m = util.AppendVarintField(m, errFieldCode, uint64(e.Code))
			m = util.AppendStringField(m, errFieldMessage, e.Message)
			return util.AppendBoolField(m, errFieldClosing, e.Closing)
		})
	}
	if resp.ClusterState != nil {
		b = util.AppendBytesField(b, respFieldClusterState, model.MarshalDescription(resp.ClusterState))
	}
	if resp.ClusterClock != nil {
		b = util.AppendBytesField(b, respFieldClusterClock, resp.ClusterClock)
	}
	b = appendSignedField(b, respFieldCounterValue, resp.CounterValue)
	b = util.AppendVarintField(b, respFieldReplicationSuccess, uint64(resp.ReplicationSuccess))
	b = util.AppendVarintField(b, respFieldReplicationFailure, uint64(resp.ReplicationFailure))
	if resp.TableUUID != uuid.Nil {
		b = util.AppendBytesField(b, respFieldTableUUID, resp.TableUUID[:])
	}
	if resp.PartitionUUID != uuid.Nil {
		b = util.AppendBytesField(b, respFieldPartitionUUID, resp.PartitionUUID[:])
	}
	b = util.AppendVarintField(b, respFieldRingPosition, resp.RingPosition)
	return appendBlockLengths(b, respFieldDataBlockLength, resp.DataBlocks)
}

// UnmarshalResponse decodes a response body, returning the declared data
// block lengths
func UnmarshalResponse(b []byte) (*Response, []uint64, error) {
	resp := &Response{}
	var lengths []uint64
	r := util.NewFieldReader(b)
	for r.Next() {
		switch r.Number() {
		case respFieldType:
			resp.Type = Command(r.Varint())
		case respFieldRequestID:
			resp.RequestID = r.Varint()
		case respFieldError:
			e, err := decodeErrorInfo(r.Bytes())
			if err != nil {
				return nil, nil, err
			}
			resp.Error = e
		case respFieldClusterState:
			raw := r.Bytes()
			if r.Err() != nil {
				break
			}
			desc, err := model.UnmarshalDescription(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("cluster state: %w", err)
			}
			resp.ClusterState = desc
		case respFieldClusterClock:
			resp.ClusterClock = r.Bytes()
		case respFieldCounterValue:
			resp.CounterValue = protowire.DecodeZigZag(r.Varint())
		case respFieldReplicationSuccess:
			resp.ReplicationSuccess = uint32(r.Varint())
		case respFieldReplicationFailure:
			resp.ReplicationFailure = uint32(r.Varint())
		case respFieldTableUUID:
			u, err := model.UUIDFromBytes(r.Bytes())
			if err != nil {
				return nil, nil, err
			}
			resp.TableUUID = u
		case respFieldPartitionUUID:
			u, err := model.UUIDFromBytes(r.Bytes())
			if err != nil {
				return nil, nil, err
			}
			resp.PartitionUUID = u
		case respFieldRingPosition:
			resp.RingPosition = r.Varint()
		case respFieldDataBlockLength:
			lengths = append(lengths, r.Varint())
		default:
			r.Skip()
		}
	}
	if err := r.Err(); err != nil {
		return nil, nil, fmt.Errorf("decode response: %w", err)
	}
	return resp, lengths, nil
}

func decodeErrorInfo(b []byte) (*ErrorInfo, error) {
	e := &ErrorInfo{}
	r := util.NewFieldReader(b)
	for r.Next() {
		switch r.Number() {
		case errFieldCode:
			e.Code = uint32(r.Varint())
		case errFieldMessage:
			e.Message = string(r.Bytes())
		case errFieldClosing:
			e.Closing = r.Bool()
		default:
			r.Skip()
		}
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("decode error: %w", err)
	}
	return e, nil
}
