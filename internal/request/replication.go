package request

import "sync"

// ReplicationState tracks replica outcomes against a quorum. It finishes
// exactly once: when the quorum is first met, or when enough failures make
// it unreachable. Counts freeze when it finishes.
type ReplicationState struct {
	mu       sync.Mutex
	success  int
	failure  int
	quorum   int
	factor   int
	finished bool
}

// NewReplicationState creates a tracker for factor replicas of which quorum
// must succeed
func NewReplicationState(quorum, factor int) *ReplicationState {
	return &ReplicationState{quorum: quorum, factor: factor}
}

// PeerSuccess records a successful replica and reports whether this event
// finished the tracker
func (r *ReplicationState) PeerSuccess() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return false
	}
	r.success++
	if r.success >= r.quorum {
		r.finished = true
	}
	return r.finished
}

// PeerFailure records a failed replica and reports whether this event
// finished the tracker
func (r *ReplicationState) PeerFailure() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return false
	}
	r.failure++
	if r.factor-r.failure < r.quorum {
		r.finished = true
	}
	return r.finished
}

// IsFinished reports whether the tracker has finished
func (r *ReplicationState) IsFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// IsSuccessful reports whether the quorum was met
func (r *ReplicationState) IsSuccessful() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.success >= r.quorum
}

// Counts returns the success and failure counts
func (r *ReplicationState) Counts() (success, failure int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.success, r.failure
}

// Quorum returns the number of successes required
func (r *ReplicationState) Quorum() int { return r.quorum }

// Factor returns the number of replicas tracked
func (r *ReplicationState) Factor() int { return r.factor }
