package balancer

import (
	"sync"

	"github.com/otlpxy/portforward/internal/config"
)

// smoothWeighted implements nginx's smooth weighted round-robin: each
// backend accumulates its weight every tick, the highest accumulator wins
// and is then reduced by the sum of all weights. This spreads picks evenly
// across a call sequence instead of bursting through one backend's full
// weight before moving to the next, which is what spec §4.3 means by
// "smooth weighted round-robin (nginx-style)".
type smoothWeighted struct {
	mu      sync.Mutex
	current map[string]int
}

func newSmoothWeighted() *smoothWeighted {
	return &smoothWeighted{current: make(map[string]int)}
}

func (w *smoothWeighted) next(healthy []*config.TargetBackend) *config.TargetBackend {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := 0
	var best *config.TargetBackend
	bestScore := -1

	for _, b := range healthy {
		weight := b.Weight
		if weight < 1 {
			weight = 1
		}
		total += weight

		key := b.Key()
		w.current[key] += weight
		if w.current[key] > bestScore {
			bestScore = w.current[key]
			best = b
		}
	}

	if best != nil {
		w.current[best.Key()] -= total
	}
	return best
}

func (b *Balancer) weightedRoundRobin(epAddr string, healthy []*config.TargetBackend) *config.TargetBackend {
	b.mu.Lock()
	state, ok := b.wrr[epAddr]
	if !ok {
		state = newSmoothWeighted()
		b.wrr[epAddr] = state
	}
	b.mu.Unlock()
	return state.next(healthy)
}
