package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/samoa/internal/model"
)

// ResourceOpener opens the storage of a local partition
type ResourceOpener interface {
	Open(table model.TableDescription, partition model.PartitionDescription) (*LocalResources, error)
	// Configure refreshes resources after their table changed
	Configure(res *LocalResources, table model.TableDescription)
}

// UpdateFunc mutates a staging description and reports whether it changed
type UpdateFunc func(desc *model.ClusterStateDescription) (bool, error)

// Manager owns the current cluster state. Transactions are serialized;
// each commit atomically publishes a new immutable State.
type Manager struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	current *State

	store            Store
	opener           ResourceOpener
	droppedRetention time.Duration
	now              func() time.Time
	logger           *zap.Logger

	hooksMu sync.Mutex
	hooks   []func(*State)
}

// ManagerConfig configures a Manager
type ManagerConfig struct {
	Store            Store
	Opener           ResourceOpener
	DroppedRetention time.Duration
	Now              func() time.Time
}

// NewManager builds the initial state from desc, opening resources of every
// live local partition
func NewManager(desc *model.ClusterStateDescription, cfg ManagerConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		store:            cfg.Store,
		opener:           cfg.Opener,
		droppedRetention: cfg.DroppedRetention,
		now:              cfg.Now,
		logger:           logger,
	}
	if m.now == nil {
		m.now = time.Now
	}

	staged := desc.Clone()
	SortDescription(staged)
	Commit(staged, m.purgeBefore())
	state, err := m.build(staged, nil)
	if err != nil {
		return nil, err
	}
	m.current = state
	return m, nil
}

func (m *Manager) purgeBefore() int64 {
	if m.droppedRetention <= 0 {
		return 0
	}
	return m.now().Add(-m.droppedRetention).Unix()
}

// Now returns the manager's clock
func (m *Manager) Now() time.Time { return m.now() }

// Acquire returns the current state with a reference the caller must Release
func (m *Manager) Acquire() *State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.acquire()
}

// OnCommit registers a hook run after every committed transaction
func (m *Manager) OnCommit(fn func(*State)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Transaction runs fn against a staging copy of the current description.
// When fn reports a change, the result is committed, persisted and
// published. The returned state is acquired for the caller.
func (m *Manager) Transaction(ctx context.Context, fn UpdateFunc) (*State, bool, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	prev := m.Acquire()
	defer prev.Release()

	staged := prev.desc.Clone()
	changed, err := fn(staged)
	if err != nil {
		return m.Acquire(), false, err
	}
	if Commit(staged, m.purgeBefore()) {
		changed = true
	}
	if !changed {
		return m.Acquire(), false, nil
	}
	if m.logger.Core().Enabled(zap.DebugLevel) {
		m.validate(staged)
	}

	next, err := m.build(staged, prev)
	if err != nil {
		return m.Acquire(), false, fmt.Errorf("failed to build cluster state: %w", err)
	}
	if m.store != nil {
		if err := m.store.Save(ctx, staged); err != nil {
			next.Release()
			return m.Acquire(), false, fmt.Errorf("failed to persist cluster state: %w", err)
		}
	}

	m.mu.Lock()
	old := m.current
	m.current = next
	m.mu.Unlock()
	old.Release()

	m.logger.Debug("Cluster state committed",
		zap.Int("peers", len(staged.Peers)),
		zap.Int("tables", len(staged.Tables)))

	m.hooksMu.Lock()
	hooks := append([]func(*State){}, m.hooks...)
	m.hooksMu.Unlock()
	for _, hook := range hooks {
		hook(next)
	}
	return m.Acquire(), true, nil
}

// validate logs tracked partitions that fall outside every local
// partition's neighborhood after a commit
func (m *Manager) validate(desc *model.ClusterStateDescription) {
	for i := range desc.Tables {
		t := &desc.Tables[i]
		if t.Dropped {
			continue
		}
		if bad := CheckTrackingInvariant(desc.LocalUUID, t); len(bad) > 0 {
			m.logger.Warn("Tracked partitions outside replication neighborhood",
				zap.String("table", t.Name),
				zap.Int("count", len(bad)),
				zap.Stringer("first", bad[0]))
		}
	}
}

// build constructs a State, reusing resources of prev and opening new ones
func (m *Manager) build(desc *model.ClusterStateDescription, prev *State) (*State, error) {
	resources := make(map[uuid.UUID]*LocalResources)
	var opened []*LocalResources

	for _, t := range desc.Tables {
		if t.Dropped {
			continue
		}
		for _, p := range t.Partitions {
			if p.Dropped || p.ServerUUID != desc.LocalUUID {
				continue
			}
			if prev != nil {
				if res, ok := prev.resources[p.UUID]; ok {
					if m.opener != nil {
						m.opener.Configure(res, t)
					}
					resources[p.UUID] = res
					continue
				}
			}
			if m.opener == nil {
				continue
			}
			res, err := m.opener.Open(t, p)
			if err != nil {
				for _, o := range opened {
					o.acquire()
					o.release()
				}
				return nil, fmt.Errorf("failed to open partition %s: %w", p.UUID, err)
			}
			if res.logger == nil {
				res.logger = m.logger
			}
			opened = append(opened, res)
			resources[p.UUID] = res
		}
	}

	if prev != nil {
		for id, res := range prev.resources {
			if _, ok := resources[id]; !ok {
				res.markRemoved()
			}
		}
	}
	return newState(desc, resources), nil
}

// Close releases the current state and closes the store
func (m *Manager) Close() error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	if current != nil {
		current.Release()
	}
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}
