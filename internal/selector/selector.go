package selector

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/opentalon/relay/internal/capability"
	"github.com/opentalon/relay/internal/failover"
	"github.com/opentalon/relay/internal/logging"
)

const fallbackDepth = 2

// Selection is the result of matching a task against the registry.
type Selection struct {
	ContextID    string       `json:"context_id"`
	CapabilityID string       `json:"capability_id"`
	Confidence   float64      `json:"confidence"`
	Reasoning    []string     `json:"reasoning"`
	Fallbacks    []string     `json:"fallbacks"`
	TaskType     TaskType     `json:"task_type"`
	Requirements Requirements `json:"requirements"`
	Scores       []Score      `json:"scores"`
}

// Outcome is what the caller observed when running the selected capability.
type Outcome struct {
	Success      bool          `json:"success"`
	Latency      time.Duration `json:"latency"`
	Quality      float64       `json:"quality,omitempty"`
	Satisfaction float64       `json:"satisfaction,omitempty"`
}

// Selector scores every registered capability for a task and learns from
// execution outcomes.
type Selector struct {
	registry *capability.Registry
	analyzer *ContextAnalyzer
	history  *History
	logger   *slog.Logger
	now      func() time.Time
}

func New(registry *capability.Registry, history *History, logger *slog.Logger) *Selector {
	if history == nil {
		history = NewHistory(0, 0)
	}
	return &Selector{
		registry: registry,
		analyzer: NewContextAnalyzer(),
		history:  history,
		logger:   logging.OrDiscard(logger).With("component", "selector"),
		now:      time.Now,
	}
}

func (s *Selector) History() *History { return s.history }

// Select returns the best capability for task and up to two fallbacks. It only
// fails when no capability is registered.
func (s *Selector) Select(task Task) (Selection, error) {
	descs := s.registry.List()
	if len(descs) == 0 {
		return Selection{}, failover.Errorf(failover.KindCapabilityNotFound, "no capability registered")
	}

	task, req := s.analyzer.Analyze(task)
	b := boundsOf(descs)

	scores := make([]Score, 0, len(descs))
	for _, d := range descs {
		scores = append(scores, scoreDescriptor(d, req, task.Type, b))
	}
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Value != scores[j].Value {
			return scores[i].Value > scores[j].Value
		}
		return scores[i].CapabilityID < scores[j].CapabilityID
	})

	best := scores[0]
	fallbacks := make([]string, 0, fallbackDepth)
	for _, sc := range scores[1:] {
		if len(fallbacks) == fallbackDepth {
			break
		}
		fallbacks = append(fallbacks, sc.CapabilityID)
	}

	id := task.ID
	if id == "" {
		id = "ctx_" + uuid.NewString()
	}
	s.history.Add(TaskContext{
		ID:           id,
		TaskType:     task.Type,
		Priority:     task.Priority,
		ExpectedSize: task.ExpectedSize,
		Preferences:  task.Preferences,
		Requirements: req,
		CapabilityID: best.CapabilityID,
		Score:        best.Value,
		CreatedAt:    s.now(),
	})

	reasoning := append([]string{
		fmt.Sprintf("task type %s, priority %s", task.Type, task.Priority),
	}, best.Reasons...)

	s.logger.Debug("capability selected",
		"context", id, "capability", best.CapabilityID, "score", best.Value, "task_type", task.Type)

	return Selection{
		ContextID:    id,
		CapabilityID: best.CapabilityID,
		Confidence:   best.Value,
		Reasoning:    reasoning,
		Fallbacks:    fallbacks,
		TaskType:     task.Type,
		Requirements: req,
		Scores:       scores,
	}, nil
}

// LearnFromExecution folds outcome into the descriptor chosen for contextID.
// It reports false when the context has already been evicted.
func (s *Selector) LearnFromExecution(contextID string, outcome Outcome) (bool, error) {
	tc, ok := s.history.SetFeedback(contextID, Feedback{
		Success:      outcome.Success,
		Latency:      outcome.Latency,
		Quality:      outcome.Quality,
		Satisfaction: outcome.Satisfaction,
		RecordedAt:   s.now(),
	})
	if !ok {
		s.logger.Debug("learn: unknown context", "context", contextID)
		return false, nil
	}
	if _, err := s.registry.RecordOutcome(tc.CapabilityID, outcome.Latency, outcome.Success); err != nil {
		return false, err
	}
	return true, nil
}
