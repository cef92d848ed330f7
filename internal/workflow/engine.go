package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opentalon/relay/internal/dataflow"
	"github.com/opentalon/relay/internal/failover"
	"github.com/opentalon/relay/internal/logging"
	"github.com/opentalon/relay/internal/selector"
)

// Sender delivers a payload along an edge.
type Sender interface {
	Send(ctx context.Context, source, target string, payload map[string]any, opts dataflow.SendOptions) (dataflow.Result, error)
}

// Selector picks a capability for a task.
type Selector interface {
	Select(task selector.Task) (selector.Selection, error)
}

// Recorder receives every finished run.
type Recorder interface {
	RecordRun(ctx context.Context, run Run) error
}

type StepResult struct {
	Index     int            `json:"index"`
	Name      string         `json:"name"`
	Type      StepType       `json:"type"`
	Success   bool           `json:"success"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorKind failover.Kind  `json:"error_kind,omitempty"`
	Duration  time.Duration  `json:"duration"`
}

type Run struct {
	ID         string         `json:"run_id"`
	WorkflowID string         `json:"workflow_id"`
	Success    bool           `json:"success"`
	Steps      []StepResult   `json:"steps"`
	Payload    map[string]any `json:"payload"`
	StartedAt  time.Time      `json:"started_at"`
	TotalTime  time.Duration  `json:"total_time"`
}

type Engine struct {
	mu        sync.RWMutex
	workflows map[string]*workflow
	sender    Sender
	selector  Selector
	recorder  Recorder
	logger    *slog.Logger
	now       func() time.Time
}

func NewEngine(sender Sender, sel Selector, logger *slog.Logger) *Engine {
	return &Engine{
		workflows: make(map[string]*workflow),
		sender:    sender,
		selector:  sel,
		logger:    logging.OrDiscard(logger).With("component", "workflow"),
		now:       time.Now,
	}
}

// SetRecorder attaches a sink for finished runs. Recording failures are
// logged and never fail the run.
func (e *Engine) SetRecorder(r Recorder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recorder = r
}

// CreateWorkflow validates cfg and registers it. An empty id gets a
// generated one; an existing id is replaced and its counters reset.
func (e *Engine) CreateWorkflow(cfg Config) (string, error) {
	if cfg.Name == "" {
		return "", failover.Errorf(failover.KindValidation, "workflow name is required")
	}
	steps, err := compileSteps(cfg.Steps)
	if err != nil {
		return "", err
	}
	id := cfg.ID
	if id == "" {
		id = "wf_" + uuid.NewString()
	}
	w := &workflow{id: id, name: cfg.Name, steps: steps, createdAt: e.now()}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[id] = w
	e.logger.Info("workflow created", "workflow", id, "steps", len(steps))
	return id, nil
}

func (e *Engine) Get(id string) (Workflow, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	w, ok := e.workflows[id]
	if !ok {
		return Workflow{}, failover.Errorf(failover.KindWorkflowNotFound, "workflow %q not found", id)
	}
	return w.view(), nil
}

func (e *Engine) List() []Workflow {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Workflow, 0, len(e.workflows))
	for _, w := range e.workflows {
		out = append(out, w.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Execute runs the workflow. On failure the returned Run carries the
// results of every step that ran, including the failed one, and the error
// of that step.
func (e *Engine) Execute(ctx context.Context, id string, payload map[string]any) (Run, error) {
	e.mu.RLock()
	w, ok := e.workflows[id]
	var steps []step
	if ok {
		steps = w.steps
	}
	e.mu.RUnlock()
	if !ok {
		return Run{WorkflowID: id}, failover.Errorf(failover.KindWorkflowNotFound, "workflow %q not found", id)
	}

	run := Run{
		ID:         uuid.NewString(),
		WorkflowID: id,
		StartedAt:  e.now(),
		Payload:    clone(payload),
	}
	log := e.logger.With("workflow", id, "run", run.ID)

	var runErr error
	for i, s := range steps {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		started := e.now()
		out, err := e.runStep(ctx, s, run.Payload)
		res := StepResult{
			Index:    i,
			Name:     s.cfg.Name,
			Type:     s.cfg.Type,
			Duration: e.now().Sub(started),
		}
		if err != nil {
			res.Error = err.Error()
			res.ErrorKind = failover.KindOf(err)
			run.Steps = append(run.Steps, res)
			log.Warn("step failed", "step", s.cfg.Name, "index", i, "error", err)
			runErr = fmt.Errorf("workflow %s step %d (%s): %w", id, i, s.cfg.Name, err)
			break
		}
		res.Success = true
		res.Output = out
		run.Steps = append(run.Steps, res)
		for k, v := range out {
			run.Payload[k] = v
		}
	}

	run.Success = runErr == nil
	run.TotalTime = e.now().Sub(run.StartedAt)
	e.finish(ctx, id, run)
	return run, runErr
}

func (e *Engine) runStep(ctx context.Context, s step, payload map[string]any) (map[string]any, error) {
	switch s.cfg.Type {
	case StepEdge:
		if e.sender == nil {
			return nil, failover.Errorf(failover.KindInternal, "workflow engine has no sender")
		}
		opts := dataflow.SendOptions{Timeout: s.timeout}
		opts.WaitForRate = s.cfg.Wait
		if s.cacheTTL > 0 {
			opts.CacheTTL = s.cacheTTL
			opts.CacheKey = cacheKey(s.cfg.Source, s.cfg.Target, payload)
		}
		res, err := e.sender.Send(ctx, s.cfg.Source, s.cfg.Target, clone(payload), opts)
		if err != nil {
			return nil, err
		}
		if res.Filtered {
			return map[string]any{}, nil
		}
		return res.Output, nil

	case StepTransform:
		route := dataflow.Route{Source: "workflow", Target: s.cfg.Name}
		return dataflow.Transform(ctx, *s.cfg.Transform, clone(payload), route)

	case StepSelect:
		if e.selector == nil {
			return nil, failover.Errorf(failover.KindInternal, "workflow engine has no selector")
		}
		task := s.cfg.Task.build(payload)
		sel, err := e.selector.Select(task)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"capability": sel.CapabilityID,
			"confidence": sel.Confidence,
			"context_id": sel.ContextID,
			"fallbacks":  toAny(sel.Fallbacks),
			"task_type":  string(sel.TaskType),
		}, nil
	}
	return nil, failover.Errorf(failover.KindValidation, "unknown step type %q", s.cfg.Type)
}

func (e *Engine) finish(ctx context.Context, id string, run Run) {
	e.mu.Lock()
	if w, ok := e.workflows[id]; ok {
		c := &w.counters
		c.Executions++
		if run.Success {
			c.Successful++
		}
		ms := float64(run.TotalTime) / float64(time.Millisecond)
		c.AvgExecutionTime += (ms - c.AvgExecutionTime) / float64(c.Executions)
	}
	rec := e.recorder
	e.mu.Unlock()

	if rec != nil {
		if err := rec.RecordRun(context.WithoutCancel(ctx), run); err != nil {
			e.logger.Warn("record run failed", "workflow", id, "error", err)
		}
	}
}

func (t *TaskTemplate) build(payload map[string]any) selector.Task {
	task := selector.Task{
		Type:     t.Type,
		Priority: t.Priority,
		Preferences: selector.Preferences{
			CostSensitive: t.CostSensitive,
			QualityFirst:  t.QualityFirst,
		},
	}
	field := t.DescriptionField
	if field == "" {
		field = "description"
	}
	if d, ok := payload[field].(string); ok {
		task.Description = d
	}
	if n, ok := payload["expected_size"].(float64); ok {
		task.ExpectedSize = int(n)
	}
	if mm, ok := payload["multimodal"].(bool); ok {
		task.Multimodal = mm
	}
	return task
}

func cacheKey(source, target string, payload map[string]any) string {
	return "edge:" + dataflow.EdgeID(source, target) + ":" + fingerprint(payload)
}

func clone(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
