package capability

import (
	"sort"
	"sync"
	"time"

	"github.com/opentalon/relay/internal/failover"
)

const (
	latencyEMAWeight = 0.1
	reliabilityUp    = 0.01
	reliabilityDown  = 0.02
)

// Registry is the mutable capability table. Entries are never removed;
// registering an existing id replaces it.
type Registry struct {
	mu    sync.RWMutex
	descs map[string]*Descriptor
}

func NewRegistry() *Registry {
	return &Registry{descs: make(map[string]*Descriptor)}
}

func (r *Registry) Register(d Descriptor) error {
	if d.Reliability == 0 {
		d.Reliability = MaxReliability
	}
	if err := d.Validate(); err != nil {
		return failover.Wrap(failover.KindValidation, err, "register capability")
	}
	c := d.clone()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descs[d.ID] = &c
	return nil
}

func (r *Registry) Get(id string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descs[id]
	if !ok {
		return Descriptor{}, failover.Errorf(failover.KindCapabilityNotFound, "capability %q not found", id)
	}
	return d.clone(), nil
}

// List returns copies of all descriptors ordered by id.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.descs))
	for _, d := range r.descs {
		out = append(out, d.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.descs)
}

// RecordOutcome folds one execution into the rolling latency and reliability.
func (r *Registry) RecordOutcome(id string, latency time.Duration, success bool) (Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descs[id]
	if !ok {
		return Descriptor{}, failover.Errorf(failover.KindCapabilityNotFound, "capability %q not found", id)
	}

	sample := float64(latency) / float64(time.Millisecond)
	if sample > 0 {
		if d.AvgLatencyMs == 0 {
			d.AvgLatencyMs = sample
		} else {
			d.AvgLatencyMs = (1-latencyEMAWeight)*d.AvgLatencyMs + latencyEMAWeight*sample
		}
	}

	if success {
		d.Reliability += reliabilityUp
	} else {
		d.Reliability -= reliabilityDown
	}
	d.Reliability = clamp(d.Reliability, MinReliability, MaxReliability)
	return d.clone(), nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
