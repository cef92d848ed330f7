package selector

import (
	"math/rand"
	"testing"
	"time"

	"github.com/opentalon/relay/internal/capability"
	"github.com/opentalon/relay/internal/failover"
)

func testRegistry() *capability.Registry {
	r := capability.NewRegistry()
	for _, d := range []capability.Descriptor{
		{
			ID:              "swift",
			Strengths:       []capability.Tag{capability.TagSpeed, capability.TagCheap},
			Weaknesses:      []capability.Tag{capability.TagReasoning},
			MaxInputSize:    8000,
			Specializations: []capability.Tag{capability.TagSpeed, capability.TagCheap},
			CostPerUnit:     0.1,
			AvgLatencyMs:    200,
			Reliability:     0.95,
		},
		{
			ID:              "deep",
			Strengths:       []capability.Tag{capability.TagReasoning, capability.TagAnalysis, capability.TagAccuracy, capability.TagCoding},
			MaxInputSize:    200000,
			Specializations: []capability.Tag{capability.TagCoding, capability.TagAnalysis, capability.TagReasoning},
			CostPerUnit:     3.0,
			AvgLatencyMs:    2000,
			Reliability:     0.98,
		},
		{
			ID:              "muse",
			Strengths:       []capability.Tag{capability.TagCreative, capability.TagMultimodal},
			Multimodal:      true,
			MaxInputSize:    32000,
			Specializations: []capability.Tag{capability.TagCreative, capability.TagMultimodal, "vision"},
			CostPerUnit:     1.0,
			AvgLatencyMs:    900,
			Reliability:     0.9,
		},
		{
			ID:           "plain",
			MaxInputSize: 4000,
			CostPerUnit:  0.5,
			AvgLatencyMs: 700,
			Reliability:  0.9,
		},
	} {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
	return r
}

func TestSelectEmptyRegistry(t *testing.T) {
	s := New(capability.NewRegistry(), nil, nil)
	_, err := s.Select(Task{Type: TaskChat})
	if failover.KindOf(err) != failover.KindCapabilityNotFound {
		t.Errorf("expected CapabilityNotFound, got %v", err)
	}
}

func TestSelectByTaskType(t *testing.T) {
	s := New(testRegistry(), nil, nil)

	tests := []struct {
		task Task
		want string
	}{
		{Task{Type: TaskCode, Priority: PriorityNormal}, "deep"},
		{Task{Type: TaskAnalysis, Preferences: Preferences{QualityFirst: true}}, "deep"},
		{Task{Type: TaskCreative}, "muse"},
		{Task{Type: TaskVision}, "muse"},
		{Task{Type: TaskChat, Priority: PriorityHigh}, "swift"},
		{Task{Type: TaskRealtime}, "swift"},
	}
	for _, tt := range tests {
		sel, err := s.Select(tt.task)
		if err != nil {
			t.Fatal(err)
		}
		if sel.CapabilityID != tt.want {
			t.Errorf("Select(%s) = %s, want %s (scores %+v)", tt.task.Type, sel.CapabilityID, tt.want, sel.Scores)
		}
	}
}

func TestSelectFallbackChain(t *testing.T) {
	s := New(testRegistry(), nil, nil)
	sel, err := s.Select(Task{Type: TaskCode})
	if err != nil {
		t.Fatal(err)
	}
	if len(sel.Fallbacks) != 2 {
		t.Fatalf("fallbacks = %v, want 2 entries", sel.Fallbacks)
	}
	for _, fb := range sel.Fallbacks {
		if fb == sel.CapabilityID {
			t.Errorf("fallback chain contains primary %s", fb)
		}
	}
	if sel.Fallbacks[0] != sel.Scores[1].CapabilityID || sel.Fallbacks[1] != sel.Scores[2].CapabilityID {
		t.Errorf("fallbacks should be the next two scorers: %v vs %+v", sel.Fallbacks, sel.Scores)
	}
}

func TestSelectSingleCapabilityHasNoFallbacks(t *testing.T) {
	r := capability.NewRegistry()
	_ = r.Register(capability.Descriptor{ID: "only"})
	sel, err := New(r, nil, nil).Select(Task{})
	if err != nil {
		t.Fatal(err)
	}
	if sel.CapabilityID != "only" || len(sel.Fallbacks) != 0 {
		t.Errorf("selection = %+v", sel)
	}
}

func TestScoreAlwaysBounded(t *testing.T) {
	reg := testRegistry()
	descs := reg.List()
	b := boundsOf(descs)
	rng := rand.New(rand.NewSource(42))
	types := []TaskType{TaskCode, TaskAnalysis, TaskCreative, TaskTransform, TaskChat, TaskRealtime, TaskVision, TaskGeneral}

	for i := 0; i < 2000; i++ {
		req := Requirements{
			Speed:       rng.Float64(),
			Quality:     rng.Float64(),
			Cost:        rng.Float64(),
			Multimodal:  rng.Float64(),
			Reasoning:   rng.Float64(),
			Creativity:  rng.Float64(),
			Safety:      rng.Float64(),
			PayloadSize: rng.Intn(300000),
		}
		tt := types[rng.Intn(len(types))]
		for _, d := range descs {
			sc := scoreDescriptor(d, req, tt, b)
			if sc.Value < 0 || sc.Value > 1 {
				t.Fatalf("score %v out of [0,1] for %s with %+v", sc.Value, d.ID, req)
			}
		}
	}
}

func TestScoreZeroWeights(t *testing.T) {
	d := capability.Descriptor{ID: "x", Reliability: 1}
	sc := scoreDescriptor(d, Requirements{}, TaskGeneral, bounds{})
	if sc.Value != 1 {
		t.Errorf("only reliability counts with zero weights, got %v", sc.Value)
	}
}

func TestMultimodalPenalty(t *testing.T) {
	s := New(testRegistry(), nil, nil)
	sel, _ := s.Select(Task{Type: TaskChat, Multimodal: true})
	if sel.CapabilityID != "muse" {
		t.Errorf("multimodal requirement should favor muse, got %s", sel.CapabilityID)
	}
}

func TestOversizePayloadPenalty(t *testing.T) {
	s := New(testRegistry(), nil, nil)
	sel, _ := s.Select(Task{Type: TaskChat, ExpectedSize: 100000})
	if sel.CapabilityID != "deep" {
		t.Errorf("only deep accepts 100k input, got %s", sel.CapabilityID)
	}
}

func TestSelectPersistsContext(t *testing.T) {
	s := New(testRegistry(), nil, nil)
	sel, _ := s.Select(Task{ID: "task-1", Type: TaskCode})
	if sel.ContextID != "task-1" {
		t.Errorf("context id = %s", sel.ContextID)
	}
	tc, ok := s.History().Get("task-1")
	if !ok {
		t.Fatal("context not stored")
	}
	if tc.CapabilityID != sel.CapabilityID || tc.Score != sel.Confidence {
		t.Errorf("stored context = %+v", tc)
	}

	anon, _ := s.Select(Task{Type: TaskChat})
	if anon.ContextID == "" {
		t.Error("expected generated context id")
	}
}

func TestLearnFromExecution(t *testing.T) {
	reg := testRegistry()
	s := New(reg, nil, nil)
	sel, _ := s.Select(Task{Type: TaskCode})
	before, _ := reg.Get(sel.CapabilityID)

	ok, err := s.LearnFromExecution(sel.ContextID, Outcome{Success: false, Latency: 4 * time.Second, Quality: 0.4})
	if err != nil || !ok {
		t.Fatalf("learn: ok=%v err=%v", ok, err)
	}
	after, _ := reg.Get(sel.CapabilityID)
	if after.AvgLatencyMs <= before.AvgLatencyMs {
		t.Errorf("latency should move toward 4000ms: %v -> %v", before.AvgLatencyMs, after.AvgLatencyMs)
	}
	if after.Reliability >= before.Reliability {
		t.Errorf("reliability should drop on failure: %v -> %v", before.Reliability, after.Reliability)
	}

	tc, _ := s.History().Get(sel.ContextID)
	if tc.Feedback == nil || tc.Feedback.Quality != 0.4 {
		t.Errorf("feedback not attached: %+v", tc.Feedback)
	}
}

func TestLearnUnknownContextIsNoop(t *testing.T) {
	reg := testRegistry()
	s := New(reg, nil, nil)
	before := reg.List()

	ok, err := s.LearnFromExecution("evicted", Outcome{Success: true, Latency: time.Second})
	if err != nil || ok {
		t.Errorf("unknown context should be a no-op, ok=%v err=%v", ok, err)
	}
	after := reg.List()
	for i := range before {
		if before[i].Reliability != after[i].Reliability || before[i].AvgLatencyMs != after[i].AvgLatencyMs {
			t.Errorf("descriptor %s changed", before[i].ID)
		}
	}
}

func TestAnalyzerPriorityScaling(t *testing.T) {
	a := NewContextAnalyzer()
	_, normal := a.Analyze(Task{Type: TaskGeneral})
	_, high := a.Analyze(Task{Type: TaskGeneral, Priority: PriorityHigh})
	if high.Speed <= normal.Speed || high.Cost >= normal.Cost {
		t.Errorf("high priority should raise speed and lower cost: %+v vs %+v", high, normal)
	}

	_, creative := a.Analyze(Task{Type: TaskCreative})
	if creative.Creativity <= normal.Creativity || creative.Quality <= normal.Quality || creative.Speed >= normal.Speed {
		t.Errorf("creative weights = %+v", creative)
	}
}

func TestAnalyzerFillsTypeAndPriority(t *testing.T) {
	task, req := NewContextAnalyzer().Analyze(Task{Description: "translate this paragraph into French"})
	if task.Type != TaskTransform || task.Priority != PriorityNormal {
		t.Errorf("task = %+v", task)
	}
	if req.PayloadSize != len("translate this paragraph into French") {
		t.Errorf("payload size = %d", req.PayloadSize)
	}
}
