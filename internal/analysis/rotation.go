package analysis

import "sync"

// Rotation hands out model identifiers round-robin, one counter per stage.
// Spreading requests across the configured models keeps any single model's
// quota from being the bottleneck.
type Rotation struct {
	mu       sync.Mutex
	counters map[string]int
}

// NewRotation creates an empty rotation.
func NewRotation() *Rotation {
	return &Rotation{counters: make(map[string]int)}
}

// Next returns the next model for the stage. An empty list yields "".
func (r *Rotation) Next(stage string, models []string) string {
	if len(models) == 0 {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.counters[stage] % len(models)
	r.counters[stage]++
	return models[idx]
}
