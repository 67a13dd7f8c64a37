package cluster

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/samoa/internal/datamodel"
	"github.com/devrev/samoa/internal/digest"
	"github.com/devrev/samoa/internal/model"
	"github.com/devrev/samoa/internal/storage/persister"
)

// OpenerConfig configures how local partition resources are opened
type OpenerConfig struct {
	// PartitionPath holds ring layer files. Empty keeps layers on the heap.
	PartitionPath string
	// DigestDirectory holds digest files. Empty keeps digests on the heap.
	DigestDirectory string
	DigestSize      int
	HighWaterMark   float64
	JitterBound     time.Duration
}

// Opener opens ring layers and digests of local partitions
type Opener struct {
	cfg    OpenerConfig
	logger *zap.Logger
}

// NewOpener returns an opener for cfg
func NewOpener(cfg OpenerConfig, logger *zap.Logger) *Opener {
	if cfg.DigestSize <= 0 {
		cfg.DigestSize = digest.DefaultSize
	}
	if cfg.JitterBound <= 0 {
		cfg.JitterBound = datamodel.DefaultJitterBound
	}
	return &Opener{cfg: cfg, logger: logger}
}

// LayerPath returns the file of layer n of a partition
func (o *Opener) LayerPath(partition model.PartitionDescription, n int) string {
	if o.cfg.PartitionPath == "" {
		return ""
	}
	return filepath.Join(o.cfg.PartitionPath, fmt.Sprintf("%s.part.%d", model.UUIDToHex(partition.UUID), n))
}

// DigestPath returns the digest file of a partition
func (o *Opener) DigestPath(partition model.PartitionDescription) string {
	if o.cfg.DigestDirectory == "" {
		return ""
	}
	return filepath.Join(o.cfg.DigestDirectory, model.UUIDToHex(partition.UUID)+".digest")
}

func (o *Opener) modelFor(table model.TableDescription) (datamodel.Model, error) {
	return datamodel.ForTable(table.DataType, datamodel.Horizon{
		Consistency: time.Duration(table.ConsistencyHorizon) * time.Second,
		JitterBound: o.cfg.JitterBound,
	})
}

// Open implements ResourceOpener
func (o *Opener) Open(table model.TableDescription, partition model.PartitionDescription) (*LocalResources, error) {
	dm, err := o.modelFor(table)
	if err != nil {
		return nil, err
	}
	if len(partition.RingLayers) == 0 {
		return nil, fmt.Errorf("partition %s has no ring layers", partition.UUID)
	}

	res := &LocalResources{
		PartitionUUID: partition.UUID,
		AuthorID:      partition.UUID,
		logger:        o.logger,
		onClose:       o.closed,
	}
	res.SetModel(dm)

	layers := make([]persister.LayerConfig, len(partition.RingLayers))
	for i, l := range partition.RingLayers {
		path := l.FilePath
		if path == "" {
			path = o.LayerPath(partition, i)
		}
		layers[i] = persister.LayerConfig{StorageSize: int(l.StorageSize), IndexSize: l.IndexSize, FilePath: path}
	}
	res.Persister, err = persister.New(&persister.Config{
		Layers:        layers,
		HighWaterMark: o.cfg.HighWaterMark,
		Prune: func(rec *model.PersistedRecord) bool {
			m := res.Model()
			return m != nil && m.Prune(rec)
		},
	}, o.logger.With(zap.String("partition_uuid", partition.UUID.String())))
	if err != nil {
		return nil, err
	}

	if path := o.DigestPath(partition); path != "" {
		res.Digest, err = digest.Open(path, o.cfg.DigestSize)
		if err != nil {
			res.Persister.Close()
			return nil, err
		}
	} else {
		res.Digest = digest.New(o.cfg.DigestSize)
	}

	o.logger.Info("Opened local partition",
		zap.String("partition_uuid", partition.UUID.String()),
		zap.String("table_uuid", table.UUID.String()),
		zap.Int("layers", len(layers)))
	return res, nil
}

// Configure implements ResourceOpener
func (o *Opener) Configure(res *LocalResources, table model.TableDescription) {
	dm, err := o.modelFor(table)
	if err != nil {
		o.logger.Warn("Cannot configure partition", zap.Error(err))
		return
	}
	res.SetModel(dm)
}

// closed removes the files of dropped partitions once they are released
func (o *Opener) closed(res *LocalResources, removed bool) {
	if !removed {
		return
	}
	var paths []string
	if o.cfg.PartitionPath != "" {
		matches, _ := filepath.Glob(filepath.Join(o.cfg.PartitionPath, model.UUIDToHex(res.PartitionUUID)+".part.*"))
		paths = append(paths, matches...)
	}
	if o.cfg.DigestDirectory != "" {
		paths = append(paths, filepath.Join(o.cfg.DigestDirectory, model.UUIDToHex(res.PartitionUUID)+".digest"))
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			o.logger.Warn("Failed to remove partition file", zap.String("path", path), zap.Error(err))
		}
	}
	o.logger.Info("Released dropped partition", zap.String("partition_uuid", res.PartitionUUID.String()))
}
