package persister

import (
	"fmt"

	"github.com/devrev/samoa/internal/storage/rollinghash"
)

// Ticket is a position in a persister-wide iteration
type Ticket struct {
	layer  int
	cursor rollinghash.Cursor
	done   bool
}

// Done reports whether the iteration is exhausted
func (t Ticket) Done() bool { return t.done }

// Entry is one live record produced by iteration
type Entry struct {
	Key   []byte
	Value []byte
}

// BeginIteration returns a ticket positioned at the oldest record of layer 0
func (p *Persister) BeginIteration() Ticket {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.layers) == 0 {
		return Ticket{done: true}
	}
	return Ticket{cursor: p.layers[0].Begin()}
}

// Iterate returns up to limit live records starting at ticket, along with
// the ticket to resume from. Dead records are skipped, as are records
// shadowed by a copy in a newer layer. Records reclaimed between calls are
// skipped rather than reported twice.
func (p *Persister) Iterate(t Ticket, limit int) ([]Entry, Ticket, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []Entry
	for !t.done && len(out) < limit {
		if t.layer >= len(p.layers) {
			t.done = true
			break
		}
		ring := p.layers[t.layer]
		rec, next, ok, err := ring.Next(t.cursor)
		if err != nil {
			return out, t, fmt.Errorf("layer %d: %w", t.layer, err)
		}
		if !ok {
			t.layer++
			if t.layer < len(p.layers) {
				t.cursor = p.layers[t.layer].Begin()
			}
			continue
		}
		t.cursor = next
		if rec.IsDead() {
			continue
		}

		key, value, err := rec.Read()
		if err != nil {
			return out, t, fmt.Errorf("layer %d: %w", t.layer, err)
		}
		shadowed, err := p.shadowed(t.layer, key)
		if err != nil {
			return out, t, err
		}
		if shadowed {
			continue
		}
		out = append(out, Entry{Key: key, Value: value})
	}
	return out, t, nil
}

// shadowed reports whether a layer newer than layer holds key
func (p *Persister) shadowed(layer int, key []byte) (bool, error) {
	for i := 0; i < layer; i++ {
		rec, err := p.layers[i].Get(key)
		if err != nil {
			return false, fmt.Errorf("layer %d: %w", i, err)
		}
		if rec != nil {
			return true, nil
		}
	}
	return false, nil
}

// ForEach iterates every live record, stopping early when fn returns an error
func (p *Persister) ForEach(fn func(Entry) error) error {
	t := p.BeginIteration()
	for !t.Done() {
		var (
			batch []Entry
			err   error
		)
		batch, t, err = p.Iterate(t, 128)
		if err != nil {
			return err
		}
		for _, e := range batch {
			if err := fn(e); err != nil {
				return err
			}
		}
	}
	return nil
}
