package indexer

import (
	"sync"

	"github.com/jrepp/pfindex/pkg/search"
)

// Batch buffers pending index actions until they are drained for a commit.
// It does not enforce a size bound; the orchestrator drains it when the
// configured threshold is reached.
type Batch struct {
	mu      sync.Mutex
	actions []search.Action
	hint    int
}

// NewBatch creates an empty batch sized for capacity actions.
func NewBatch(capacity int) *Batch {
	if capacity < 0 {
		capacity = 0
	}
	return &Batch{
		actions: make([]search.Action, 0, capacity),
		hint:    capacity,
	}
}

// Add appends an action.
func (b *Batch) Add(action search.Action) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actions = append(b.actions, action)
}

// Len returns the number of pending actions.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.actions)
}

// Drain returns every pending action in insertion order and leaves the
// batch empty. The returned slice is owned by the caller.
func (b *Batch) Drain() []search.Action {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.actions
	b.actions = make([]search.Action, 0, b.hint)
	return out
}
