package service

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opentalon/relay/internal/failover"
)

type Status string

const (
	StatusActive      Status = "active"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
)

const (
	MaxHealth      = 100
	successBump    = 5
	failurePenalty = 10
	degradedBelow  = 70
	downBelow      = 30
)

// Instance is one redundant copy of a service.
type Instance struct {
	ID       string `yaml:"id" json:"id"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

type Descriptor struct {
	ID            string     `yaml:"id" json:"id"`
	Name          string     `yaml:"name" json:"name"`
	Endpoints     []string   `yaml:"endpoints" json:"endpoints"`
	Instances     []Instance `yaml:"instances,omitempty" json:"instances,omitempty"`
	Status        Status     `yaml:"-" json:"status"`
	Health        int        `yaml:"-" json:"health"`
	LastHeartbeat time.Time  `yaml:"-" json:"last_heartbeat"`
	Connections   int        `yaml:"-" json:"connections"`
}

// PrimaryEndpoint is the endpoint used when no instance is chosen.
func (d Descriptor) PrimaryEndpoint() string {
	if len(d.Endpoints) > 0 {
		return d.Endpoints[0]
	}
	if len(d.Instances) > 0 {
		return d.Instances[0].Endpoint
	}
	return ""
}

// HealthReport is the public view returned by health queries.
type HealthReport struct {
	Status      Status    `json:"status"`
	Health      int       `json:"health"`
	LastSeen    time.Time `json:"last_seen"`
	Connections int       `json:"connections"`
}

type Registry struct {
	mu       sync.RWMutex
	services map[string]*Descriptor
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		services: make(map[string]*Descriptor),
		now:      time.Now,
	}
}

// Register adds or replaces a service. It starts active at full health.
func (r *Registry) Register(id string, d Descriptor) error {
	if id == "" {
		return failover.Errorf(failover.KindValidation, "service id is required")
	}
	if d.ID != "" && d.ID != id {
		return failover.Errorf(failover.KindValidation, "service id mismatch: %q vs %q", id, d.ID)
	}
	d.ID = id
	if d.Name == "" {
		d.Name = id
	}
	d.Endpoints = append([]string(nil), d.Endpoints...)
	d.Instances = append([]Instance(nil), d.Instances...)
	d.Status = StatusActive
	d.Health = MaxHealth
	d.LastHeartbeat = r.now()
	d.Connections = 0

	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[id] = &d
	return nil
}

func (r *Registry) Get(id string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.services[id]
	if !ok {
		return Descriptor{}, notFound(id)
	}
	return copyOf(d), nil
}

func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.services[id]
	return ok
}

func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.services))
	for _, d := range r.services {
		out = append(out, copyOf(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Heartbeat marks the service as seen now.
func (r *Registry) Heartbeat(id string) error {
	return r.update(id, func(d *Descriptor) {
		d.LastHeartbeat = r.now()
		if d.Status == StatusUnavailable && d.Health >= downBelow {
			d.Status = statusFor(d.Health)
		}
	})
}

// RecordOutcome moves health up on success and down on failure.
func (r *Registry) RecordOutcome(id string, success bool) error {
	return r.update(id, func(d *Descriptor) {
		if success {
			d.Health += successBump
			d.LastHeartbeat = r.now()
		} else {
			d.Health -= failurePenalty
		}
		if d.Health > MaxHealth {
			d.Health = MaxHealth
		}
		if d.Health < 0 {
			d.Health = 0
		}
		d.Status = statusFor(d.Health)
	})
}

// RecordProbe applies a health probe result.
func (r *Registry) RecordProbe(id string, healthy bool) error {
	if healthy {
		if err := r.Heartbeat(id); err != nil {
			return err
		}
	}
	return r.RecordOutcome(id, healthy)
}

func (r *Registry) SetConnections(id string, n int) error {
	return r.update(id, func(d *Descriptor) { d.Connections = n })
}

// MarkStale flags services whose last heartbeat is older than staleAfter.
// It returns the ids that became unavailable.
func (r *Registry) MarkStale(staleAfter time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var changed []string
	for id, d := range r.services {
		if d.Status != StatusUnavailable && now.Sub(d.LastHeartbeat) > staleAfter {
			d.Status = StatusUnavailable
			changed = append(changed, id)
		}
	}
	sort.Strings(changed)
	return changed
}

func (r *Registry) Health(id string) (HealthReport, error) {
	d, err := r.Get(id)
	if err != nil {
		return HealthReport{}, err
	}
	return HealthReport{
		Status:      d.Status,
		Health:      d.Health,
		LastSeen:    d.LastHeartbeat,
		Connections: d.Connections,
	}, nil
}

func (r *Registry) update(id string, fn func(*Descriptor)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.services[id]
	if !ok {
		return notFound(id)
	}
	fn(d)
	return nil
}

func statusFor(health int) Status {
	switch {
	case health < downBelow:
		return StatusUnavailable
	case health < degradedBelow:
		return StatusDegraded
	}
	return StatusActive
}

func copyOf(d *Descriptor) Descriptor {
	c := *d
	c.Endpoints = append([]string(nil), d.Endpoints...)
	c.Instances = append([]Instance(nil), d.Instances...)
	return c
}

func notFound(id string) error {
	return failover.Errorf(failover.KindServiceNotFound, "service %q not found", id)
}

func (s Status) String() string { return string(s) }

func (d Descriptor) String() string {
	return fmt.Sprintf("%s(%s, health %d)", d.ID, d.Status, d.Health)
}
