package dataflow

import (
	"fmt"
	"time"

	"github.com/opentalon/relay/internal/failover"
)

type Kind string

const (
	KindData         Kind = "data"
	KindIntelligence Kind = "intelligence"
	KindCommand      Kind = "command"
	KindSync         Kind = "sync"
)

func (k Kind) valid() bool {
	switch k {
	case KindData, KindIntelligence, KindCommand, KindSync:
		return true
	}
	return false
}

// EdgeConfig is the declarative form of an edge, as found in config files
// and create-dataflow requests.
type EdgeConfig struct {
	Source    string         `yaml:"source" json:"source"`
	Target    string         `yaml:"target" json:"target"`
	Kind      Kind           `yaml:"kind" json:"kind"`
	Transform *TransformSpec `yaml:"transform,omitempty" json:"transform,omitempty"`
	Filters   []FilterSpec   `yaml:"filters,omitempty" json:"filters,omitempty"`
}

// EdgeID is the composite key of an edge.
func EdgeID(source, target string) string {
	return source + "->" + target
}

func (c *EdgeConfig) validate() error {
	if c.Source == "" || c.Target == "" {
		return failover.Errorf(failover.KindValidation, "edge source and target are required")
	}
	if c.Source == c.Target {
		return failover.Errorf(failover.KindValidation, "edge %s: source and target must differ", EdgeID(c.Source, c.Target))
	}
	if c.Kind == "" {
		c.Kind = KindData
	}
	if !c.Kind.valid() {
		return failover.Errorf(failover.KindValidation, "edge %s: unknown kind %q", EdgeID(c.Source, c.Target), c.Kind)
	}
	return nil
}

type Counters struct {
	Attempted     int64     `json:"attempted"`
	Succeeded     int64     `json:"succeeded"`
	Failed        int64     `json:"failed"`
	Filtered      int64     `json:"filtered"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
}

// Edge is a read-only view of an edge and its counters.
type Edge struct {
	ID        string         `json:"id"`
	Source    string         `json:"source"`
	Target    string         `json:"target"`
	Kind      Kind           `json:"kind"`
	Transform *TransformSpec `json:"transform,omitempty"`
	Filters   []FilterSpec   `json:"filters,omitempty"`
	Active    bool           `json:"active"`
	CreatedAt time.Time      `json:"created_at"`
	Counters  Counters       `json:"counters"`
}

func (e Edge) String() string {
	state := "active"
	if !e.Active {
		state = "inactive"
	}
	return fmt.Sprintf("%s [%s, %s]", e.ID, e.Kind, state)
}

type edge struct {
	cfg       EdgeConfig
	transform transformFunc
	filters   []filterFunc
	active    bool
	createdAt time.Time
	counters  Counters
}

func (e *edge) view() Edge {
	v := Edge{
		ID:        EdgeID(e.cfg.Source, e.cfg.Target),
		Source:    e.cfg.Source,
		Target:    e.cfg.Target,
		Kind:      e.cfg.Kind,
		Active:    e.active,
		CreatedAt: e.createdAt,
		Counters:  e.counters,
	}
	if e.cfg.Transform != nil {
		t := *e.cfg.Transform
		v.Transform = &t
	}
	v.Filters = append([]FilterSpec(nil), e.cfg.Filters...)
	return v
}
