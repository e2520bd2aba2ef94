package cascade

import "sync"

// Visited is the run-scoped cycle detector keyed by (model, record id).
// Revisits are counted, never fatal.
type Visited struct {
	mu     sync.Mutex
	seen   map[visitKey]bool
	cycles int64
}

type visitKey struct {
	model string
	id    int64
}

// NewVisited builds an empty set.
func NewVisited() *Visited {
	return &Visited{seen: make(map[visitKey]bool)}
}

// ShouldProcess returns true on first sight of (model, id) and marks it
// visited; a second sight counts a cycle and returns false.
func (v *Visited) ShouldProcess(model string, id int64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	k := visitKey{model, id}
	if v.seen[k] {
		v.cycles++
		return false
	}
	v.seen[k] = true
	return true
}

// FilterUnvisited partitions ids, returning the unseen subset and marking
// it visited. Already-seen ids count as cycles.
func (v *Visited) FilterUnvisited(model string, ids []int64) []int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		k := visitKey{model, id}
		if v.seen[k] {
			v.cycles++
			continue
		}
		v.seen[k] = true
		out = append(out, id)
	}
	return out
}

// Cycles reports how many revisits were suppressed this run.
func (v *Visited) Cycles() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cycles
}
