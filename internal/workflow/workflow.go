// Package workflow runs ordered multi-step flows across services. Steps run
// strictly in order; the first failing step stops the run and earlier steps
// are not compensated.
package workflow

import (
	"fmt"
	"time"

	"github.com/opentalon/relay/internal/dataflow"
	"github.com/opentalon/relay/internal/failover"
	"github.com/opentalon/relay/internal/selector"
)

type StepType string

const (
	StepEdge      StepType = "edge"
	StepTransform StepType = "transform"
	StepSelect    StepType = "select"
)

// StepConfig is one step of a workflow definition.
//
//	edge:      send the payload along Source->Target
//	transform: reshape the payload in-process
//	select:    choose a capability for a task described by the payload
type StepConfig struct {
	Name      string                  `yaml:"name" json:"name"`
	Type      StepType                `yaml:"type" json:"type"`
	Source    string                  `yaml:"source,omitempty" json:"source,omitempty"`
	Target    string                  `yaml:"target,omitempty" json:"target,omitempty"`
	Transform *dataflow.TransformSpec `yaml:"transform,omitempty" json:"transform,omitempty"`
	Task      *TaskTemplate           `yaml:"task,omitempty" json:"task,omitempty"`
	CacheTTL  string                  `yaml:"cache_ttl,omitempty" json:"cache_ttl,omitempty"`
	Timeout   string                  `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Wait      bool                    `yaml:"wait_for_rate,omitempty" json:"wait_for_rate,omitempty"`
}

// TaskTemplate builds a selection task. DescriptionField names the payload
// field holding the task description.
type TaskTemplate struct {
	Type             selector.TaskType `yaml:"type,omitempty" json:"type,omitempty"`
	Priority         selector.Priority `yaml:"priority,omitempty" json:"priority,omitempty"`
	DescriptionField string            `yaml:"description_field,omitempty" json:"description_field,omitempty"`
	CostSensitive    bool              `yaml:"cost_sensitive,omitempty" json:"cost_sensitive,omitempty"`
	QualityFirst     bool              `yaml:"quality_first,omitempty" json:"quality_first,omitempty"`
}

type Config struct {
	ID    string       `yaml:"id" json:"id"`
	Name  string       `yaml:"name" json:"name"`
	Steps []StepConfig `yaml:"steps" json:"steps"`
}

type Counters struct {
	Executions       int64   `json:"executions"`
	Successful       int64   `json:"successful"`
	AvgExecutionTime float64 `json:"avg_execution_ms"`
}

// Workflow is a read-only view of a registered workflow.
type Workflow struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Steps     []StepConfig `json:"steps"`
	CreatedAt time.Time    `json:"created_at"`
	Counters  Counters     `json:"counters"`
}

type step struct {
	cfg      StepConfig
	cacheTTL time.Duration
	timeout  time.Duration
}

type workflow struct {
	id        string
	name      string
	steps     []step
	createdAt time.Time
	counters  Counters
}

func (w *workflow) view() Workflow {
	steps := make([]StepConfig, len(w.steps))
	for i, s := range w.steps {
		steps[i] = s.cfg
	}
	return Workflow{ID: w.id, Name: w.name, Steps: steps, CreatedAt: w.createdAt, Counters: w.counters}
}

func compileSteps(cfgs []StepConfig) ([]step, error) {
	if len(cfgs) == 0 {
		return nil, failover.Errorf(failover.KindValidation, "workflow needs at least one step")
	}
	steps := make([]step, 0, len(cfgs))
	for i, c := range cfgs {
		s, err := compileStep(c)
		if err != nil {
			return nil, failover.Wrap(failover.KindValidation, err, "step %d (%s)", i, c.Name)
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func compileStep(c StepConfig) (step, error) {
	s := step{cfg: c}
	if s.cfg.Name == "" {
		s.cfg.Name = string(c.Type)
	}
	switch c.Type {
	case StepEdge:
		if c.Source == "" || c.Target == "" {
			return s, fmt.Errorf("edge step needs source and target")
		}
	case StepTransform:
		if c.Transform == nil {
			return s, fmt.Errorf("transform step needs a transform")
		}
		if err := dataflow.ValidateTransform(*c.Transform); err != nil {
			return s, err
		}
	case StepSelect:
		if c.Task == nil {
			s.cfg.Task = &TaskTemplate{}
		}
	default:
		return s, fmt.Errorf("unknown step type %q", c.Type)
	}
	var err error
	if s.cacheTTL, err = parseDuration(c.CacheTTL); err != nil {
		return s, fmt.Errorf("cache_ttl: %w", err)
	}
	if s.timeout, err = parseDuration(c.Timeout); err != nil {
		return s, fmt.Errorf("timeout: %w", err)
	}
	return s, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}
