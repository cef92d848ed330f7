package selector

import (
	"sort"
	"sync"
	"time"
)

// Feedback is the post-hoc outcome attached to a TaskContext.
type Feedback struct {
	Success      bool          `json:"success"`
	Latency      time.Duration `json:"latency"`
	Quality      float64       `json:"quality,omitempty"`
	Satisfaction float64       `json:"satisfaction,omitempty"`
	RecordedAt   time.Time     `json:"recorded_at"`
}

// TaskContext records one selection decision for later learning.
type TaskContext struct {
	ID           string       `json:"id"`
	TaskType     TaskType     `json:"task_type"`
	Priority     Priority     `json:"priority"`
	ExpectedSize int          `json:"expected_size"`
	Preferences  Preferences  `json:"preferences"`
	Requirements Requirements `json:"requirements"`
	CapabilityID string       `json:"capability_id"`
	Score        float64      `json:"score"`
	CreatedAt    time.Time    `json:"created_at"`
	Feedback     *Feedback    `json:"feedback,omitempty"`
}

// Trend aggregates recent contexts for one capability.
type Trend struct {
	CapabilityID string  `json:"capability_id"`
	Selections   int     `json:"selections"`
	Completed    int     `json:"completed"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	AvgQuality   float64 `json:"avg_quality"`
}

// History keeps TaskContexts for a bounded time window, oldest first.
type History struct {
	mu      sync.RWMutex
	byID    map[string]*TaskContext
	order   []string
	window  time.Duration
	maxSize int
	now     func() time.Time
}

func NewHistory(window time.Duration, maxSize int) *History {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &History{
		byID:    make(map[string]*TaskContext),
		window:  window,
		maxSize: maxSize,
		now:     time.Now,
	}
}

func (h *History) Add(tc TaskContext) {
	h.mu.Lock()
	defer h.mu.Unlock()
	// order stays sorted by CreatedAt, so a re-added id moves to the back.
	if _, exists := h.byID[tc.ID]; exists {
		h.remove(tc.ID)
	}
	h.order = append(h.order, tc.ID)
	h.byID[tc.ID] = &tc
	for len(h.order) > h.maxSize {
		delete(h.byID, h.order[0])
		h.order = h.order[1:]
	}
}

func (h *History) remove(id string) {
	for i, v := range h.order {
		if v == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			return
		}
	}
}

func (h *History) Get(id string) (TaskContext, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	tc, ok := h.byID[id]
	if !ok {
		return TaskContext{}, false
	}
	return *tc, true
}

// SetFeedback attaches fb to the context; false when the id is unknown.
func (h *History) SetFeedback(id string, fb Feedback) (TaskContext, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tc, ok := h.byID[id]
	if !ok {
		return TaskContext{}, false
	}
	tc.Feedback = &fb
	return *tc, true
}

// Evict drops contexts older than the window and returns how many were removed.
func (h *History) Evict() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := h.now().Add(-h.window)
	i := 0
	for i < len(h.order) {
		tc := h.byID[h.order[i]]
		if tc.CreatedAt.After(cutoff) {
			break
		}
		delete(h.byID, h.order[i])
		i++
	}
	h.order = h.order[i:]
	return i
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.order)
}

// Trends summarizes the retained contexts per capability, ordered by id.
func (h *History) Trends() []Trend {
	h.mu.RLock()
	defer h.mu.RUnlock()

	type acc struct {
		Trend
		successes  int
		latencySum float64
		qualitySum float64
		qualityN   int
	}
	byCap := make(map[string]*acc)
	for _, id := range h.order {
		tc := h.byID[id]
		a, ok := byCap[tc.CapabilityID]
		if !ok {
			a = &acc{Trend: Trend{CapabilityID: tc.CapabilityID}}
			byCap[tc.CapabilityID] = a
		}
		a.Selections++
		if fb := tc.Feedback; fb != nil {
			a.Completed++
			if fb.Success {
				a.successes++
			}
			a.latencySum += float64(fb.Latency) / float64(time.Millisecond)
			if fb.Quality > 0 {
				a.qualitySum += fb.Quality
				a.qualityN++
			}
		}
	}

	out := make([]Trend, 0, len(byCap))
	for _, a := range byCap {
		if a.Completed > 0 {
			a.SuccessRate = float64(a.successes) / float64(a.Completed)
			a.AvgLatencyMs = a.latencySum / float64(a.Completed)
		}
		if a.qualityN > 0 {
			a.AvgQuality = a.qualitySum / float64(a.qualityN)
		}
		out = append(out, a.Trend)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapabilityID < out[j].CapabilityID })
	return out
}
