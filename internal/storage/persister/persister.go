// Package persister stacks rolling hash rings into layers. Writes land in
// layer 0; compaction demotes surviving records toward the last layer.
package persister

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/samoa/internal/model"
	"github.com/devrev/samoa/internal/storage/rollinghash"
	"github.com/devrev/samoa/internal/util"
)

var (
	// ErrStorageFull is returned when compaction cannot free enough space
	ErrStorageFull = errors.New("persister: storage full")
	// ErrRecordTooLarge is returned for records no layer could ever hold
	ErrRecordTooLarge = errors.New("persister: record too large")
)

// MergeResult reports the outcome of merging a remote record into a local one
type MergeResult struct {
	LocalWasUpdated bool
	RemoteIsStale   bool
}

// MergeFunc merges remote into local in place
type MergeFunc func(local, remote *model.PersistedRecord) MergeResult

// DropFunc decides whether the local record should be dropped
type DropFunc func(local *model.PersistedRecord) bool

// PruneFunc collapses a record in place during compaction. Returning true
// means the record may be discarded.
type PruneFunc func(rec *model.PersistedRecord) bool

// CompactionAction describes what compaction did with a head record
type CompactionAction int

const (
	ActionReclaimed CompactionAction = iota
	ActionDropped
	ActionDemoted
	ActionRotated
)

// String returns a readable name of the action
func (a CompactionAction) String() string {
	switch a {
	case ActionReclaimed:
		return "reclaimed"
	case ActionDropped:
		return "dropped"
	case ActionDemoted:
		return "demoted"
	default:
		return "rotated"
	}
}

// CompactionEvent is emitted for every live record compaction rewrites
type CompactionEvent struct {
	Key      []byte
	Record   *model.PersistedRecord
	Checksum util.ContentChecksum
	Layer    int
	Action   CompactionAction
}

// CompactionStats summarizes one compaction pass
type CompactionStats struct {
	Reclaimed int
	Dropped   int
	Demoted   int
	Rotated   int
}

// Total returns the number of head records compaction handled
func (s CompactionStats) Total() int {
	return s.Reclaimed + s.Dropped + s.Demoted + s.Rotated
}

// LayerConfig describes one layer. An empty FilePath keeps the layer on the heap.
type LayerConfig struct {
	StorageSize int
	IndexSize   uint32
	FilePath    string
}

// Config holds persister configuration
type Config struct {
	Layers []LayerConfig
	// HighWaterMark is the utilization above which a compaction pass
	// processes live head records
	HighWaterMark float64
	Prune         PruneFunc
}

// LayerStats reports usage of a single layer
type LayerStats struct {
	Used int
	Size int
}

// Persister is a stack of rolling hash layers. It is safe for concurrent use.
type Persister struct {
	mu            sync.RWMutex
	layers        []*rollinghash.Ring
	highWaterMark float64
	prune         PruneFunc
	listener      func(CompactionEvent)
	logger        *zap.Logger
}

// New opens every configured layer
func New(cfg *Config, logger *zap.Logger) (*Persister, error) {
	if len(cfg.Layers) == 0 {
		return nil, fmt.Errorf("persister requires at least one layer")
	}

	p := &Persister{
		highWaterMark: cfg.HighWaterMark,
		prune:         cfg.Prune,
		logger:        logger,
	}
	if p.highWaterMark <= 0 || p.highWaterMark > 1 {
		p.highWaterMark = 0.75
	}

	for i, lc := range cfg.Layers {
		var region rollinghash.Region
		if lc.FilePath == "" {
			region = rollinghash.NewHeapRegion(lc.StorageSize)
		} else {
			fr, err := rollinghash.OpenFileRegion(lc.FilePath, lc.StorageSize)
			if err != nil {
				p.Close()
				return nil, fmt.Errorf("failed to open layer %d: %w", i, err)
			}
			region = fr
		}
		ring, err := rollinghash.Open(region, lc.IndexSize)
		if err != nil {
			region.Close()
			p.Close()
			return nil, fmt.Errorf("failed to open layer %d: %w", i, err)
		}
		p.layers = append(p.layers, ring)
	}

	logger.Debug("Persister opened", zap.Int("layers", len(p.layers)))
	return p, nil
}

// SetCompactionListener registers a callback for compaction events. The
// callback runs with the persister locked and must not call back into it.
func (p *Persister) SetCompactionListener(fn func(CompactionEvent)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = fn
}

// Close syncs and closes every layer
func (p *Persister) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for _, ring := range p.layers {
		if err := ring.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.layers = nil
	return firstErr
}

// Sync flushes every layer to disk
func (p *Persister) Sync() error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for i, ring := range p.layers {
		if err := ring.Sync(); err != nil {
			return fmt.Errorf("failed to sync layer %d: %w", i, err)
		}
	}
	return nil
}

// LayerCount returns the number of layers
func (p *Persister) LayerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.layers)
}

// Stats reports per-layer usage
func (p *Persister) Stats() []LayerStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]LayerStats, len(p.layers))
	for i, ring := range p.layers {
		out[i] = LayerStats{Used: ring.Used(), Size: ring.ArenaSize()}
	}
	return out
}

// find returns the first live copy of key searching layers 0..L-1
func (p *Persister) find(key []byte) (int, *rollinghash.Record, error) {
	for i, ring := range p.layers {
		rec, err := ring.Get(key)
		if err != nil {
			return 0, nil, fmt.Errorf("layer %d: %w", i, err)
		}
		if rec != nil {
			return i, rec, nil
		}
	}
	return -1, nil, nil
}

func decode(rec *rollinghash.Record) ([]byte, *model.PersistedRecord, error) {
	key, value, err := rec.Read()
	if err != nil {
		return nil, nil, err
	}
	decoded, err := model.UnmarshalRecord(value)
	if err != nil {
		return nil, nil, err
	}
	return key, decoded, nil
}

// Get returns the record stored under key, or nil
func (p *Persister) Get(key []byte) (*model.PersistedRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, rec, err := p.find(key)
	if err != nil || rec == nil {
		return nil, err
	}
	_, decoded, err := decode(rec)
	return decoded, err
}

// Put merges remote into the stored record for key. When merge reports the
// local record changed, the merged record is written to layer 0 and the old
// copy is marked dead. It returns the merge result and the content checksum
// of the record now stored.
func (p *Persister) Put(merge MergeFunc, key []byte, remote *model.PersistedRecord) (MergeResult, util.ContentChecksum, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, existing, err := p.find(key)
	if err != nil {
		return MergeResult{}, 0, err
	}
	local := &model.PersistedRecord{}
	var existingValue []byte
	if existing != nil {
		var value []byte
		if _, value, err = existing.Read(); err != nil {
			return MergeResult{}, 0, err
		}
		if local, err = model.UnmarshalRecord(value); err != nil {
			return MergeResult{}, 0, err
		}
		existingValue = value
	}

	result := merge(local, remote)
	if !result.LocalWasUpdated {
		if existing == nil {
			return result, 0, nil
		}
		return result, util.ComputeContentChecksum(key, existingValue), nil
	}

	value := model.MarshalRecord(local)
	if err := p.write(key, value); err != nil {
		return MergeResult{}, 0, err
	}
	return result, util.ComputeContentChecksum(key, value), nil
}

// write stores key and value in layer 0 and retires any older copy
func (p *Persister) write(key, value []byte) error {
	top := p.layers[0]
	if !top.CanEverPut(len(key), len(value)) {
		return fmt.Errorf("%w: %d byte value", ErrRecordTooLarge, len(value))
	}
	if err := p.ensureRoom(0, len(key), len(value)); err != nil {
		return err
	}

	// compaction may have moved the old copy, so look it up again
	layer, old, err := p.find(key)
	if err != nil {
		return err
	}
	if _, err := top.Put(key, value); err != nil {
		return fmt.Errorf("layer 0: %w", err)
	}
	if old != nil {
		if err := p.layers[layer].MarkDead(old); err != nil {
			return fmt.Errorf("layer %d: %w", layer, err)
		}
	}
	return nil
}

// Drop marks the record for key dead in every layer when decide agrees
func (p *Persister) Drop(decide DropFunc, key []byte) (*model.PersistedRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, rec, err := p.find(key)
	if err != nil || rec == nil {
		return nil, err
	}
	_, local, err := decode(rec)
	if err != nil {
		return nil, err
	}
	if !decide(local) {
		return nil, nil
	}

	for i, ring := range p.layers {
		for {
			live, err := ring.Get(key)
			if err != nil {
				return nil, fmt.Errorf("layer %d: %w", i, err)
			}
			if live == nil {
				break
			}
			if err := ring.MarkDead(live); err != nil {
				return nil, fmt.Errorf("layer %d: %w", i, err)
			}
		}
	}
	return local, nil
}

// ensureRoom compacts layer i until a record with the given lengths fits
func (p *Persister) ensureRoom(i, keyLength, valueLength int) error {
	ring := p.layers[i]
	rotated := 0
	for !ring.CanPut(keyLength, valueLength) {
		head, err := ring.Head()
		if err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
		if head == nil {
			return fmt.Errorf("%w: layer %d", ErrRecordTooLarge, i)
		}

		action, size, err := p.compactHead(i, head)
		if err != nil {
			return err
		}
		if action == ActionRotated {
			rotated += size
			if rotated > ring.ArenaSize() {
				return fmt.Errorf("%w: layer %d holds only live records", ErrStorageFull, i)
			}
		}
	}
	return nil
}

// compactHead disposes of the head record of layer i. Dead heads are
// reclaimed; live heads are pruned, then dropped, demoted or rotated.
func (p *Persister) compactHead(i int, head *rollinghash.Record) (CompactionAction, int, error) {
	ring := p.layers[i]
	if head.IsDead() {
		if err := ring.ReclaimHead(); err != nil {
			return 0, 0, fmt.Errorf("layer %d: %w", i, err)
		}
		return ActionReclaimed, 0, nil
	}

	key, stored, err := head.Read()
	if err != nil {
		return 0, 0, fmt.Errorf("layer %d: %w", i, err)
	}
	rec, err := model.UnmarshalRecord(stored)
	if err != nil {
		return 0, 0, fmt.Errorf("layer %d: %w", i, err)
	}
	size := head.KeyLength() + head.ValueLength()

	if p.prune != nil && p.prune(rec) {
		if err := ring.MarkDead(head); err != nil {
			return 0, 0, fmt.Errorf("layer %d: %w", i, err)
		}
		if err := ring.ReclaimHead(); err != nil {
			return 0, 0, fmt.Errorf("layer %d: %w", i, err)
		}
		p.emit(CompactionEvent{Key: key, Record: rec, Layer: i, Action: ActionDropped})
		return ActionDropped, size, nil
	}
	value := model.MarshalRecord(rec)

	action := ActionRotated
	target := i
	if i+1 < len(p.layers) {
		action = ActionDemoted
		target = i + 1
		if err := p.ensureRoom(target, len(key), len(value)); err != nil {
			return 0, 0, err
		}
	} else if !ring.CanPut(len(key), len(value)) {
		return 0, 0, fmt.Errorf("%w: layer %d cannot rotate its head", ErrStorageFull, i)
	}

	if action == ActionRotated && bytes.Equal(value, stored) {
		if _, err := ring.RotateHead(); err != nil {
			return 0, 0, fmt.Errorf("layer %d: %w", i, err)
		}
	} else {
		if _, err := p.layers[target].Put(key, value); err != nil {
			return 0, 0, fmt.Errorf("layer %d: %w", target, err)
		}
		if err := ring.MarkDead(head); err != nil {
			return 0, 0, fmt.Errorf("layer %d: %w", i, err)
		}
		if err := ring.ReclaimHead(); err != nil {
			return 0, 0, fmt.Errorf("layer %d: %w", i, err)
		}
	}

	p.emit(CompactionEvent{
		Key:      key,
		Record:   rec,
		Checksum: util.ComputeContentChecksum(key, value),
		Layer:    target,
		Action:   action,
	})
	return action, size, nil
}

func (p *Persister) emit(ev CompactionEvent) {
	if p.listener != nil {
		p.listener(ev)
	}
}

// BottomUpCompaction runs one compaction pass from the last layer to the
// first. Dead head records are reclaimed everywhere; live head records are
// processed while a layer sits above the high water mark.
func (p *Persister) BottomUpCompaction() (CompactionStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var stats CompactionStats
	count := func(a CompactionAction) {
		switch a {
		case ActionReclaimed:
			stats.Reclaimed++
		case ActionDropped:
			stats.Dropped++
		case ActionDemoted:
			stats.Demoted++
		case ActionRotated:
			stats.Rotated++
		}
	}

	for i := len(p.layers) - 1; i >= 0; i-- {
		ring := p.layers[i]
		budget := ring.Used()
		for budget > 0 {
			head, err := ring.Head()
			if err != nil {
				return stats, fmt.Errorf("layer %d: %w", i, err)
			}
			if head == nil {
				break
			}
			if !head.IsDead() && ring.Utilization() <= p.highWaterMark {
				break
			}
			action, size, err := p.compactHead(i, head)
			if errors.Is(err, ErrStorageFull) {
				p.logger.Warn("Compaction stalled on full layer", zap.Int("layer", i), zap.Error(err))
				break
			}
			if err != nil {
				return stats, err
			}
			count(action)
			budget -= size + rollinghash.MinPacketLength
		}
	}
	return stats, nil
}
