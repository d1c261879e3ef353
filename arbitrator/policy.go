package arbitrator

import (
	"slices"
	"sync"
)

// SelectionPolicy picks one arbitrator from an already-filtered candidate
// list (active, under capacity). Policies must be deterministic for a given
// input; the candidates arrive least-loaded first.
type SelectionPolicy interface {
	Pick(candidates []Arbitrator, specialization string) (Arbitrator, bool)
}

// LeastLoaded takes the first candidate, preferring a specialization match
// when one exists.
type LeastLoaded struct{}

func (LeastLoaded) Pick(candidates []Arbitrator, specialization string) (Arbitrator, bool) {
	if len(candidates) == 0 {
		return Arbitrator{}, false
	}
	if specialization != "" {
		for _, c := range candidates {
			if slices.Contains(c.Specialization, specialization) {
				return c, true
			}
		}
	}
	return candidates[0], true
}

// RoundRobin cycles through candidates by id so consecutive automatic
// assignments spread across the pool even when loads are equal. The cursor
// is mutex-guarded; Pick is called from concurrent request handlers.
type RoundRobin struct {
	mu     sync.Mutex
	lastID string
}

func (r *RoundRobin) Pick(candidates []Arbitrator, _ string) (Arbitrator, bool) {
	if len(candidates) == 0 {
		return Arbitrator{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	slices.Sort(ids)

	next := ids[0]
	for _, id := range ids {
		if id > r.lastID {
			next = id
			break
		}
	}
	r.lastID = next

	for _, c := range candidates {
		if c.ID == next {
			return c, true
		}
	}
	return candidates[0], true
}
