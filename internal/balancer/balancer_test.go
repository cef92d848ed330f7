package balancer

import (
	"testing"
	"time"

	"github.com/opentalon/relay/internal/failover"
	"github.com/opentalon/relay/internal/service"
)

func instances(ids ...string) []service.Instance {
	out := make([]service.Instance, len(ids))
	for i, id := range ids {
		out[i] = service.Instance{ID: id, Endpoint: "local://" + id}
	}
	return out
}

func TestSelectPrefersFastReliable(t *testing.T) {
	b := New(Config{})
	for i := 0; i < 10; i++ {
		b.Record("search", "a", 200*time.Millisecond, true)
		b.Record("search", "b", 40*time.Millisecond, true)
		b.Record("search", "c", 30*time.Millisecond, i%2 == 0)
	}

	got, err := b.SelectInstance("search", instances("a", "b", "c"))
	if err != nil {
		t.Fatal(err)
	}
	if got.Instance.ID != "b" {
		t.Errorf("selected %s, want b; ranking %+v", got.Instance.ID, b.Rank("search", instances("a", "b", "c")))
	}
}

func TestSelectSkipsOverloaded(t *testing.T) {
	b := New(Config{LoadThreshold: 0.8})
	b.Record("search", "fast", 10*time.Millisecond, true)
	b.Record("search", "slow", 500*time.Millisecond, true)
	b.ReportLoad("search", "fast", 0.95)
	b.ReportLoad("search", "slow", 0.2)

	got, _ := b.SelectInstance("search", instances("fast", "slow"))
	if got.Instance.ID != "slow" {
		t.Errorf("selected %s, want slow", got.Instance.ID)
	}
}

func TestSelectAllOverloadedPicksLeastLoaded(t *testing.T) {
	b := New(Config{LoadThreshold: 0.5})
	b.ReportLoad("search", "x", 0.9)
	b.ReportLoad("search", "y", 0.7)
	got, err := b.SelectInstance("search", instances("x", "y"))
	if err != nil {
		t.Fatal(err)
	}
	if got.Instance.ID != "y" || !got.Overloaded {
		t.Errorf("got %+v", got)
	}
}

func TestTieBrokenByRecentSuccess(t *testing.T) {
	now := time.Now()
	b := New(Config{HalfLife: time.Hour})
	b.now = func() time.Time { return now }
	b.Record("svc", "old", 50*time.Millisecond, true)
	now = now.Add(time.Nanosecond)
	b.Record("svc", "new", 50*time.Millisecond, true)

	got, _ := b.SelectInstance("svc", instances("old", "new"))
	if got.Instance.ID != "new" {
		t.Errorf("selected %s, want new", got.Instance.ID)
	}
}

func TestSelectNoInstances(t *testing.T) {
	_, err := New(Config{}).SelectInstance("svc", nil)
	if failover.KindOf(err) != failover.KindServiceNotFound {
		t.Errorf("expected ServiceNotFound, got %v", err)
	}
}

func TestOldFailuresDecay(t *testing.T) {
	now := time.Now()
	b := New(Config{HalfLife: time.Minute})
	b.now = func() time.Time { return now }
	for i := 0; i < 20; i++ {
		b.Record("svc", "a", 10*time.Millisecond, false)
	}
	now = now.Add(time.Hour)
	b.Record("svc", "a", 10*time.Millisecond, true)

	rank := b.Rank("svc", instances("a"))
	if rank[0].SuccessRate < 0.99 {
		t.Errorf("success rate = %.3f, old failures should have decayed", rank[0].SuccessRate)
	}
}

func TestPredictRisingLoad(t *testing.T) {
	p := NewPredictor(PredictorConfig{Threshold: 0.75, Window: 5})
	for _, l := range []float64{0.1, 0.2, 0.4, 0.5, 0.6, 0.7} {
		p.Observe("api", l)
	}
	pred := p.PredictLoad("api", 2)
	if pred.Samples != 5 {
		t.Errorf("samples = %d, want window of 5", pred.Samples)
	}
	if !pred.ShouldScale || pred.Direction != ScaleUp {
		t.Fatalf("prediction = %+v", pred)
	}
	if pred.TargetInstanceCount < 3 {
		t.Errorf("target = %d, want at least 3", pred.TargetInstanceCount)
	}
	if pred.Trend <= 0 {
		t.Errorf("trend = %f", pred.Trend)
	}
}

func TestPredictSteadyLoadHolds(t *testing.T) {
	p := NewPredictor(PredictorConfig{})
	for i := 0; i < 5; i++ {
		p.Observe("api", 0.5)
	}
	pred := p.PredictLoad("api", 3)
	if pred.ShouldScale || pred.Direction != Hold || pred.TargetInstanceCount != 3 {
		t.Errorf("prediction = %+v", pred)
	}
}

func TestPredictIdleScalesDown(t *testing.T) {
	p := NewPredictor(PredictorConfig{Threshold: 0.8})
	for _, l := range []float64{0.2, 0.1, 0.05, 0.02} {
		p.Observe("api", l)
	}
	pred := p.PredictLoad("api", 4)
	if !pred.ShouldScale || pred.Direction != ScaleDown || pred.TargetInstanceCount >= 4 || pred.TargetInstanceCount < 1 {
		t.Errorf("prediction = %+v", pred)
	}
	if got := p.Latest()["api"]; got.Direction != ScaleDown {
		t.Errorf("latest = %+v", got)
	}
}

func TestPredictNoSamples(t *testing.T) {
	pred := NewPredictor(PredictorConfig{}).PredictLoad("ghost", 0)
	if pred.ShouldScale || pred.TargetInstanceCount != 1 {
		t.Errorf("prediction = %+v", pred)
	}
}

func TestSlope(t *testing.T) {
	if s := slope([]float64{1, 2, 3, 4}); s < 0.999 || s > 1.001 {
		t.Errorf("slope = %f", s)
	}
	if slope([]float64{5}) != 0 {
		t.Error("single point slope should be 0")
	}
}
