// Package balancer spreads calls across redundant service instances and
// forecasts when a service needs more of them.
package balancer

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/opentalon/relay/internal/failover"
	"github.com/opentalon/relay/internal/service"
)

const (
	DefaultLoadThreshold = 0.8
	DefaultHalfLife      = 10 * time.Minute
	maxSamples           = 200

	successWeight = 0.6
	latencyWeight = 0.4
	neutralScore  = 0.5
)

type sample struct {
	at      time.Time
	latency time.Duration
	success bool
}

type instanceRecord struct {
	samples     []sample
	load        float64
	lastSuccess time.Time
}

// Candidate is an instance together with the score it was ranked by.
type Candidate struct {
	Instance    service.Instance `json:"instance"`
	Load        float64          `json:"load"`
	SuccessRate float64          `json:"success_rate"`
	AvgLatency  time.Duration    `json:"avg_latency"`
	Score       float64          `json:"score"`
	Overloaded  bool             `json:"overloaded"`
	lastSuccess time.Time
}

type Config struct {
	LoadThreshold float64
	HalfLife      time.Duration
}

// Balancer keeps per-instance performance history. Older samples decay with
// a half-life so recent behaviour dominates.
type Balancer struct {
	mu        sync.RWMutex
	records   map[string]*instanceRecord
	threshold float64
	halfLife  time.Duration
	now       func() time.Time
}

func New(cfg Config) *Balancer {
	if cfg.LoadThreshold <= 0 {
		cfg.LoadThreshold = DefaultLoadThreshold
	}
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = DefaultHalfLife
	}
	return &Balancer{
		records:   make(map[string]*instanceRecord),
		threshold: cfg.LoadThreshold,
		halfLife:  cfg.HalfLife,
		now:       time.Now,
	}
}

func key(serviceID, instanceID string) string { return serviceID + "/" + instanceID }

func (b *Balancer) recordLocked(serviceID, instanceID string) *instanceRecord {
	k := key(serviceID, instanceID)
	r, ok := b.records[k]
	if !ok {
		r = &instanceRecord{}
		b.records[k] = r
	}
	return r
}

// Record adds one call outcome for an instance.
func (b *Balancer) Record(serviceID, instanceID string, latency time.Duration, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.recordLocked(serviceID, instanceID)
	now := b.now()
	r.samples = append(r.samples, sample{at: now, latency: latency, success: success})
	if len(r.samples) > maxSamples {
		r.samples = r.samples[len(r.samples)-maxSamples:]
	}
	if success {
		r.lastSuccess = now
	}
}

// ReportLoad stores the load an instance reports, as a fraction of capacity.
func (b *Balancer) ReportLoad(serviceID, instanceID string, load float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recordLocked(serviceID, instanceID).load = load
}

// SelectInstance drops instances above the load threshold and picks the best
// of the rest by success rate and latency. Ties go to the instance that
// succeeded most recently. When every instance is overloaded the least
// loaded one is returned.
func (b *Balancer) SelectInstance(serviceID string, instances []service.Instance) (Candidate, error) {
	ranked := b.Rank(serviceID, instances)
	if len(ranked) == 0 {
		return Candidate{}, failover.Errorf(failover.KindServiceNotFound, "service %q has no instances", serviceID)
	}
	for _, c := range ranked {
		if !c.Overloaded {
			return c, nil
		}
	}
	least := ranked[0]
	for _, c := range ranked[1:] {
		if c.Load < least.Load {
			least = c
		}
	}
	return least, nil
}

// Rank scores every instance, best first; overloaded ones sort last.
func (b *Balancer) Rank(serviceID string, instances []service.Instance) []Candidate {
	b.mu.RLock()
	now := b.now()
	out := make([]Candidate, 0, len(instances))
	for _, inst := range instances {
		c := Candidate{Instance: inst, SuccessRate: neutralScore}
		if r, ok := b.records[key(serviceID, inst.ID)]; ok {
			c.Load = r.load
			c.lastSuccess = r.lastSuccess
			if len(r.samples) > 0 {
				c.SuccessRate, c.AvgLatency = b.summarize(r.samples, now)
			}
		}
		c.Overloaded = c.Load > b.threshold
		out = append(out, c)
	}
	b.mu.RUnlock()

	var slowest time.Duration
	for _, c := range out {
		if c.AvgLatency > slowest {
			slowest = c.AvgLatency
		}
	}
	for i := range out {
		latencyScore := neutralScore
		if slowest > 0 && out[i].AvgLatency > 0 {
			latencyScore = 1 - float64(out[i].AvgLatency)/float64(slowest)*0.9
		}
		out[i].Score = successWeight*out[i].SuccessRate + latencyWeight*latencyScore
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, c := out[i], out[j]
		if a.Overloaded != c.Overloaded {
			return !a.Overloaded
		}
		if math.Abs(a.Score-c.Score) > 1e-9 {
			return a.Score > c.Score
		}
		if !a.lastSuccess.Equal(c.lastSuccess) {
			return a.lastSuccess.After(c.lastSuccess)
		}
		return a.Instance.ID < c.Instance.ID
	})
	return out
}

func (b *Balancer) summarize(samples []sample, now time.Time) (successRate float64, avgLatency time.Duration) {
	var wSum, wSuccess, wLatency float64
	for _, s := range samples {
		w := b.decayWeight(s.at, now)
		wSum += w
		if s.success {
			wSuccess += w
		}
		wLatency += w * float64(s.latency)
	}
	if wSum == 0 {
		return neutralScore, 0
	}
	return wSuccess / wSum, time.Duration(wLatency / wSum)
}

func (b *Balancer) decayWeight(recorded, now time.Time) float64 {
	age := now.Sub(recorded)
	return math.Exp(-0.693 * float64(age) / float64(b.halfLife))
}
