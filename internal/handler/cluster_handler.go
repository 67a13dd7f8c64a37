package handler

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/samoa/internal/cluster"
	"github.com/devrev/samoa/internal/errors"
	"github.com/devrev/samoa/internal/model"
	"github.com/devrev/samoa/internal/protocol"
	"github.com/devrev/samoa/internal/request"
)

// clusterState answers with our description. A request carrying the
// caller's description is merged first.
func (h *Handler) clusterState(ctx context.Context, req *protocol.Request) *protocol.Response {
	remote := req.ClusterState
	if remote == nil {
		cs := h.manager.Acquire()
		defer cs.Release()
		return &protocol.Response{Type: protocol.CommandClusterState, ClusterState: cs.Description()}
	}
	if remote.LocalUUID == model.NilUUID {
		return request.ErrorResponse(errors.BadRequest("cluster state has no server uuid", nil))
	}

	cs, changed, err := h.manager.Transaction(ctx, func(desc *model.ClusterStateDescription) (bool, error) {
		if remote.LocalUUID == desc.LocalUUID {
			return false, errors.NotAcceptable("cluster state was sent by this server", nil)
		}
		return cluster.MergeRemote(desc, remote), nil
	})
	defer cs.Release()
	if err != nil {
		return request.ErrorResponse(err)
	}
	h.metrics.RecordStateMerge(changed)
	if changed {
		h.logger.Debug("Merged cluster state",
			zap.String("peer_uuid", remote.LocalUUID.String()),
			zap.String("peer_address", remote.Self().Address()))
	}
	return &protocol.Response{Type: protocol.CommandClusterState, ClusterState: cs.Description()}
}

func (h *Handler) createTable(ctx context.Context, req *protocol.Request) *protocol.Response {
	if req.TableName == "" {
		return request.ErrorResponse(errors.BadRequest("table name is required", nil))
	}
	if req.DataType != model.DataTypeBlob && req.DataType != model.DataTypeCounter {
		return request.ErrorResponse(errors.NotAcceptable(fmt.Sprintf("unsupported data type %s", req.DataType), nil))
	}

	table := model.TableDescription{
		UUID:               model.RandomUUID(),
		Name:               req.TableName,
		DataType:           req.DataType,
		ReplicationFactor:  req.ReplicationFactor,
		ConsistencyHorizon: req.ConsistencyHorizon,
		LamportTS:          1,
	}
	if table.ReplicationFactor == 0 {
		table.ReplicationFactor = h.cfg.DefaultReplicationFactor
	}
	if table.ConsistencyHorizon == 0 {
		table.ConsistencyHorizon = h.cfg.DefaultConsistencyHorizon
	}
	if err := checkReplicationFactor(table.ReplicationFactor, 0); err != nil {
		return request.ErrorResponse(err)
	}

	cs, _, err := h.manager.Transaction(ctx, func(desc *model.ClusterStateDescription) (bool, error) {
		if liveTableNamed(desc, table.Name) != nil {
			return false, errors.Conflict(fmt.Sprintf("table %s already exists", table.Name))
		}
		desc.Tables = append(desc.Tables, table)
		return true, nil
	})
	defer cs.Release()
	if err != nil {
		return request.ErrorResponse(err)
	}

	h.logger.Info("Table created",
		zap.String("table_uuid", table.UUID.String()),
		zap.String("name", table.Name),
		zap.String("data_type", table.DataType.String()),
		zap.Uint32("replication_factor", table.ReplicationFactor))
	return &protocol.Response{Type: protocol.CommandCreateTable, TableUUID: table.UUID}
}

// MaxReplicationFactor bounds the replication factor of any table
const MaxReplicationFactor = 64

// checkReplicationFactor rejects factors a ring of the given number of
// live partitions could never satisfy. An empty ring is only bounded by
// MaxReplicationFactor since partitions are created after their table.
func checkReplicationFactor(r uint32, partitions int) error {
	if r < 1 || r > MaxReplicationFactor {
		return errors.BadRequest(fmt.Sprintf("replication factor %d outside [1, %d]", r, MaxReplicationFactor), nil)
	}
	if partitions > 0 && int(r) > partitions {
		return errors.BadRequest(fmt.Sprintf("replication factor %d exceeds %d partitions", r, partitions), nil)
	}
	return nil
}

func livePartitions(t *model.TableDescription) int {
	n := 0
	for _, p := range t.Partitions {
		if !p.Dropped {
			n++
		}
	}
	return n
}

// alterTable updates the name, replication factor and consistency horizon
// of a table. Zero values leave a field unchanged. Renaming requires the
// table to be named by uuid.
func (h *Handler) alterTable(ctx context.Context, req *protocol.Request) *protocol.Response {
	var id uuid.UUID
	cs, _, err := h.manager.Transaction(ctx, func(desc *model.ClusterStateDescription) (bool, error) {
		t, err := liveTable(desc, req)
		if err != nil {
			return false, err
		}
		id = t.UUID

		changed := false
		if req.TableName != "" && req.TableName != t.Name && len(req.TableUUID) != 0 {
			if other := liveTableNamed(desc, req.TableName); other != nil {
				return false, errors.Conflict(fmt.Sprintf("table %s already exists", req.TableName))
			}
			t.Name = req.TableName
			changed = true
		}
		if req.ReplicationFactor != 0 && req.ReplicationFactor != t.ReplicationFactor {
			if err := checkReplicationFactor(req.ReplicationFactor, livePartitions(t)); err != nil {
				return false, err
			}
			t.ReplicationFactor = req.ReplicationFactor
			changed = true
		}
		if req.ConsistencyHorizon != 0 && req.ConsistencyHorizon != t.ConsistencyHorizon {
			t.ConsistencyHorizon = req.ConsistencyHorizon
			changed = true
		}
		if changed {
			t.LamportTS++
		}
		return changed, nil
	})
	defer cs.Release()
	if err != nil {
		return request.ErrorResponse(err)
	}
	h.logger.Info("Table altered", zap.String("table_uuid", id.String()))
	return &protocol.Response{Type: protocol.CommandAlterTable, TableUUID: id}
}

func (h *Handler) dropTable(ctx context.Context, req *protocol.Request) *protocol.Response {
	var dropped model.TableDescription
	cs, _, err := h.manager.Transaction(ctx, func(desc *model.ClusterStateDescription) (bool, error) {
		t, err := liveTable(desc, req)
		if err != nil {
			return false, err
		}
		t.Dropped = true
		t.DroppedTimestamp = h.manager.Now().Unix()
		t.LamportTS++
		dropped = *t
		return true, nil
	})
	defer cs.Release()
	if err != nil {
		return request.ErrorResponse(err)
	}

	for _, p := range dropped.Partitions {
		h.digests.Delete(p.UUID)
		if p.ServerUUID == cs.LocalUUID() {
			h.metrics.RemovePartition(p.UUID.String())
		}
	}
	h.logger.Info("Table dropped",
		zap.String("table_uuid", dropped.UUID.String()),
		zap.String("name", dropped.Name))
	return &protocol.Response{Type: protocol.CommandDropTable, TableUUID: dropped.UUID}
}

// createPartition adds a local partition at the requested ring position
func (h *Handler) createPartition(ctx context.Context, req *protocol.Request) *protocol.Response {
	layers := req.RingLayers
	if len(layers) == 0 {
		layers = h.cfg.DefaultLayers
	}
	if len(layers) == 0 {
		return request.ErrorResponse(errors.BadRequest("ring layers are required", nil))
	}
	for i, l := range layers {
		if l.StorageSize == 0 || l.IndexSize == 0 {
			return request.ErrorResponse(errors.BadRequest(fmt.Sprintf("ring layer %d has no storage or index", i), nil))
		}
	}

	part := model.PartitionDescription{
		UUID:         model.RandomUUID(),
		RingPosition: req.RingPosition,
		LamportTS:    1,
		RingLayers:   append([]model.RingLayer{}, layers...),
	}
	cs, _, err := h.manager.Transaction(ctx, func(desc *model.ClusterStateDescription) (bool, error) {
		t, err := liveTable(desc, req)
		if err != nil {
			return false, err
		}
		part.TableUUID = t.UUID
		part.ServerUUID = desc.LocalUUID
		t.Partitions = append(t.Partitions, part)
		cluster.SortPartitions(t.Partitions)
		return true, nil
	})
	defer cs.Release()
	if err != nil {
		return request.ErrorResponse(err)
	}

	h.logger.Info("Partition created",
		zap.String("partition_uuid", part.UUID.String()),
		zap.String("table_uuid", part.TableUUID.String()),
		zap.Uint64("ring_position", part.RingPosition))
	return &protocol.Response{
		Type:          protocol.CommandCreatePartition,
		TableUUID:     part.TableUUID,
		PartitionUUID: part.UUID,
		RingPosition:  part.RingPosition,
	}
}

// dropPartition tombstones a local partition. Its files are removed once
// the last request using them completes.
func (h *Handler) dropPartition(ctx context.Context, req *protocol.Request) *protocol.Response {
	id, err := model.UUIDFromBytes(req.PartitionUUID)
	if err != nil {
		return request.ErrorResponse(errors.BadRequest("invalid partition_uuid", err))
	}

	var tableID uuid.UUID
	cs, _, err := h.manager.Transaction(ctx, func(desc *model.ClusterStateDescription) (bool, error) {
		t, err := liveTable(desc, req)
		if err != nil {
			return false, err
		}
		tableID = t.UUID
		for i := range t.Partitions {
			p := &t.Partitions[i]
			if p.UUID != id || p.Dropped {
				continue
			}
			if p.ServerUUID != desc.LocalUUID {
				return false, errors.NotFound("local partition", id.String())
			}
			p.Dropped = true
			p.DroppedTimestamp = h.manager.Now().Unix()
			p.LamportTS++
			return true, nil
		}
		return false, errors.NotFound("partition", id.String())
	})
	defer cs.Release()
	if err != nil {
		return request.ErrorResponse(err)
	}

	h.metrics.RemovePartition(id.String())
	h.logger.Info("Partition dropped",
		zap.String("partition_uuid", id.String()),
		zap.String("table_uuid", tableID.String()))
	return &protocol.Response{Type: protocol.CommandDropPartition, TableUUID: tableID, PartitionUUID: id}
}

// liveTable finds the live table a schema request names, by uuid or else
// by name
func liveTable(desc *model.ClusterStateDescription, req *protocol.Request) (*model.TableDescription, error) {
	if len(req.TableUUID) == 0 {
		if req.TableName == "" {
			return nil, errors.BadRequest("table_uuid or table name is required", nil)
		}
		if t := liveTableNamed(desc, req.TableName); t != nil {
			return t, nil
		}
		return nil, errors.NotFound("table", req.TableName)
	}

	id, err := model.UUIDFromBytes(req.TableUUID)
	if err != nil {
		return nil, errors.BadRequest("invalid table_uuid", err)
	}
	for i := range desc.Tables {
		if t := &desc.Tables[i]; t.UUID == id && !t.Dropped {
			return t, nil
		}
	}
	return nil, errors.NotFound("table", id.String())
}

func liveTableNamed(desc *model.ClusterStateDescription, name string) *model.TableDescription {
	for i := range desc.Tables {
		if t := &desc.Tables[i]; t.Name == name && !t.Dropped {
			return t
		}
	}
	return nil
}
