// Package handler dispatches protocol requests to the cluster state manager
// and the request executor.
package handler

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/samoa/internal/cluster"
	"github.com/devrev/samoa/internal/digest"
	"github.com/devrev/samoa/internal/errors"
	"github.com/devrev/samoa/internal/metrics"
	"github.com/devrev/samoa/internal/model"
	"github.com/devrev/samoa/internal/protocol"
	"github.com/devrev/samoa/internal/request"
)

// Config holds defaults applied to schema commands
type Config struct {
	DefaultReplicationFactor  uint32
	DefaultConsistencyHorizon uint32
	// DefaultLayers are used by CREATE_PARTITION requests without layers
	DefaultLayers []model.RingLayer
}

type commandFunc func(ctx context.Context, req *protocol.Request) *protocol.Response

// Handler serves every protocol command
type Handler struct {
	cfg      Config
	manager  *cluster.Manager
	executor *request.Executor
	digests  *digest.RemoteCache
	metrics  *metrics.Metrics
	logger   *zap.Logger
	shutdown func()

	commands map[protocol.Command]commandFunc
}

// NewHandler creates a handler. shutdown is called asynchronously after a
// SHUTDOWN request was answered.
func NewHandler(
	cfg Config,
	manager *cluster.Manager,
	executor *request.Executor,
	digests *digest.RemoteCache,
	m *metrics.Metrics,
	shutdown func(),
	logger *zap.Logger,
) *Handler {
	if cfg.DefaultReplicationFactor == 0 {
		cfg.DefaultReplicationFactor = 3
	}
	if cfg.DefaultConsistencyHorizon == 0 {
		cfg.DefaultConsistencyHorizon = 600
	}
	h := &Handler{
		cfg:      cfg,
		manager:  manager,
		executor: executor,
		digests:  digests,
		metrics:  m,
		logger:   logger,
		shutdown: shutdown,
	}
	h.commands = map[protocol.Command]commandFunc{
		protocol.CommandPing:            h.ping,
		protocol.CommandShutdown:        h.shutdownServer,
		protocol.CommandClusterState:    h.clusterState,
		protocol.CommandCreateTable:     h.createTable,
		protocol.CommandAlterTable:      h.alterTable,
		protocol.CommandDropTable:       h.dropTable,
		protocol.CommandCreatePartition: h.createPartition,
		protocol.CommandDropPartition:   h.dropPartition,
		protocol.CommandGetBlob:         h.data((*request.Executor).GetBlob),
		protocol.CommandSetBlob:         h.data((*request.Executor).SetBlob),
		protocol.CommandCounterValue:    h.data((*request.Executor).CounterValue),
		protocol.CommandUpdateCounter:   h.data((*request.Executor).UpdateCounter),
		protocol.CommandReplicate:       h.replicate,
		protocol.CommandDigestSync:      h.digestSync,
	}
	return h
}

// Serve implements transport.Handler
func (h *Handler) Serve(ctx context.Context, req *protocol.Request) *protocol.Response {
	start := time.Now()
	command := req.Type.String()

	var resp *protocol.Response
	if fn, ok := h.commands[req.Type]; ok {
		resp = fn(ctx, req)
	} else {
		resp = request.ErrorResponse(errors.BadRequest("unsupported command "+command, nil))
	}
	resp.RequestID = req.RequestID

	if resp.Error != nil {
		h.metrics.RecordError(command, strconv.FormatUint(uint64(resp.Error.Code), 10))
		if resp.Error.Code >= uint32(errors.CodeInternal) {
			h.logger.Warn("Request failed",
				zap.String("command", command),
				zap.Uint32("code", resp.Error.Code),
				zap.String("message", resp.Error.Message))
		}
	}
	h.metrics.RecordRequest(command, time.Since(start).Seconds())
	return resp
}

func (h *Handler) ping(ctx context.Context, req *protocol.Request) *protocol.Response {
	return &protocol.Response{Type: protocol.CommandPing}
}

func (h *Handler) shutdownServer(ctx context.Context, req *protocol.Request) *protocol.Response {
	h.logger.Info("Shutdown requested")
	if h.shutdown != nil {
		go h.shutdown()
	}
	return &protocol.Response{Type: protocol.CommandShutdown}
}

// data adapts an executor pipeline to a command
func (h *Handler) data(run func(*request.Executor, context.Context, *request.State) *protocol.Response) commandFunc {
	return func(ctx context.Context, req *protocol.Request) *protocol.Response {
		cs := h.manager.Acquire()
		defer cs.Release()

		st, err := request.Load(cs, req)
		if err != nil {
			return request.ErrorResponse(err)
		}
		return run(h.executor, ctx, st)
	}
}

func (h *Handler) replicate(ctx context.Context, req *protocol.Request) *protocol.Response {
	cs := h.manager.Acquire()
	defer cs.Release()

	st, err := request.LoadReplica(cs, req)
	if err != nil {
		return request.ErrorResponse(err)
	}
	return h.executor.Replicate(ctx, st)
}

func (h *Handler) digestSync(ctx context.Context, req *protocol.Request) *protocol.Response {
	id, err := model.UUIDFromBytes(req.PartitionUUID)
	if err != nil {
		h.metrics.RecordDigestSync("received", "invalid")
		return request.ErrorResponse(errors.BadRequest("invalid partition_uuid", err))
	}
	if len(req.DataBlocks) == 0 || len(req.DataBlocks[0]) == 0 {
		h.metrics.RecordDigestSync("received", "invalid")
		return request.ErrorResponse(errors.BadRequest("digest data block is required", nil))
	}
	h.digests.Put(id, req.DataBlocks[0])
	h.metrics.RecordDigestSync("received", "success")
	return &protocol.Response{Type: protocol.CommandDigestSync, PartitionUUID: id}
}
