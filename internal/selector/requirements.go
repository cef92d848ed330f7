package selector

import "strings"

// Preferences are caller hints that bias the requirement vector.
type Preferences struct {
	CostSensitive bool `json:"cost_sensitive" yaml:"cost_sensitive"`
	QualityFirst  bool `json:"quality_first" yaml:"quality_first"`
}

// Task is the unit of work submitted for capability selection.
type Task struct {
	ID           string      `json:"id,omitempty"`
	Type         TaskType    `json:"type,omitempty"`
	Description  string      `json:"description,omitempty"`
	Priority     Priority    `json:"priority,omitempty"`
	ExpectedSize int         `json:"expected_size,omitempty"`
	Multimodal   bool        `json:"multimodal,omitempty"`
	Preferences  Preferences `json:"preferences"`
}

// Requirements is the weight vector a task places on each capability trait.
// All weights are in [0,1].
type Requirements struct {
	Speed       float64 `json:"speed"`
	Quality     float64 `json:"quality"`
	Cost        float64 `json:"cost"`
	Multimodal  float64 `json:"multimodal"`
	Reasoning   float64 `json:"reasoning"`
	Creativity  float64 `json:"creativity"`
	Safety      float64 `json:"safety"`
	PayloadSize int     `json:"payload_size"`
}

func DefaultRequirements() Requirements {
	return Requirements{
		Speed:      0.5,
		Quality:    0.5,
		Cost:       0.5,
		Multimodal: 0,
		Reasoning:  0.5,
		Creativity: 0.3,
		Safety:     0.5,
	}
}

// NeedsMultimodal reports whether multimodal support is a hard requirement.
func (r Requirements) NeedsMultimodal() bool { return r.Multimodal >= 0.5 }

// ContextAnalyzer turns a task into a Requirements vector.
type ContextAnalyzer struct {
	classifier *TaskClassifier
}

func NewContextAnalyzer() *ContextAnalyzer {
	return &ContextAnalyzer{classifier: NewTaskClassifier()}
}

// Analyze derives requirements for task. The returned task has its Type and
// Priority filled in when they were empty.
func (a *ContextAnalyzer) Analyze(task Task) (Task, Requirements) {
	if task.Type == "" {
		task.Type = a.classifier.Classify(task.Description)
	}
	if task.Priority == "" {
		task.Priority = PriorityNormal
	}

	r := DefaultRequirements()

	switch task.Type {
	case TaskCreative:
		r.Creativity = 0.9
		r.Quality = 0.7
		r.Speed = 0.3
	case TaskCode:
		r.Reasoning = 0.8
		r.Quality = 0.7
	case TaskAnalysis:
		r.Reasoning = 0.8
		r.Quality = 0.7
		r.Speed = 0.4
	case TaskChat:
		r.Speed = 0.8
		r.Cost = 0.6
	case TaskRealtime:
		r.Speed = 1.0
		r.Quality = 0.4
	case TaskTransform:
		r.Speed = 0.6
		r.Cost = 0.7
		r.Reasoning = 0.3
	case TaskVision:
		r.Multimodal = 1.0
	}

	switch task.Priority {
	case PriorityLow:
		r.Cost += 0.2
		r.Speed -= 0.1
	case PriorityHigh:
		r.Speed += 0.2
		r.Cost -= 0.2
	case PriorityCritical:
		r.Speed += 0.3
		r.Cost -= 0.3
		r.Quality += 0.1
	}

	if task.Preferences.CostSensitive {
		r.Cost += 0.3
	}
	if task.Preferences.QualityFirst {
		r.Quality += 0.3
		r.Cost -= 0.1
	}
	if task.Multimodal {
		r.Multimodal = 1.0
	}
	if containsAny(strings.ToLower(task.Description), safetyKeywords) {
		r.Safety = 0.9
	}

	r.PayloadSize = task.ExpectedSize
	if r.PayloadSize == 0 {
		r.PayloadSize = len(task.Description)
	}

	r.Speed = clamp01(r.Speed)
	r.Quality = clamp01(r.Quality)
	r.Cost = clamp01(r.Cost)
	r.Multimodal = clamp01(r.Multimodal)
	r.Reasoning = clamp01(r.Reasoning)
	r.Creativity = clamp01(r.Creativity)
	r.Safety = clamp01(r.Safety)
	return task, r
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
