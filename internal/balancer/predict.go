package balancer

import (
	"math"
	"sync"
	"time"
)

const (
	DefaultScaleThreshold = 0.75
	DefaultSampleWindow   = 10
	scaleDownRatio        = 0.3
)

type Direction string

const (
	ScaleUp   Direction = "up"
	ScaleDown Direction = "down"
	Hold      Direction = "hold"
)

// Prediction is advisory. Nothing provisions instances from it.
type Prediction struct {
	ServiceID           string    `json:"service_id"`
	Samples             int       `json:"samples"`
	Current             float64   `json:"current"`
	Trend               float64   `json:"trend"`
	Projected           float64   `json:"projected"`
	ShouldScale         bool      `json:"should_scale"`
	Direction           Direction `json:"direction"`
	CurrentInstances    int       `json:"current_instances"`
	TargetInstanceCount int       `json:"target_instance_count"`
	At                  time.Time `json:"at"`
}

type LoadSample struct {
	At   time.Time
	Load float64
}

type PredictorConfig struct {
	Threshold float64
	Window    int
}

// Predictor keeps the last Window load samples per service and projects the
// next one from their linear trend.
type Predictor struct {
	mu        sync.RWMutex
	samples   map[string][]LoadSample
	last      map[string]Prediction
	threshold float64
	window    int
	now       func() time.Time
}

func NewPredictor(cfg PredictorConfig) *Predictor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultScaleThreshold
	}
	if cfg.Window < 2 {
		cfg.Window = DefaultSampleWindow
	}
	return &Predictor{
		samples:   make(map[string][]LoadSample),
		last:      make(map[string]Prediction),
		threshold: cfg.Threshold,
		window:    cfg.Window,
		now:       time.Now,
	}
}

// Observe records a load sample: the fraction of capacity in use.
func (p *Predictor) Observe(serviceID string, load float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := append(p.samples[serviceID], LoadSample{At: p.now(), Load: load})
	if len(s) > p.window {
		s = s[len(s)-p.window:]
	}
	p.samples[serviceID] = s
}

// PredictLoad projects the next sample. A projection above the threshold
// recommends scaling up; one well below it recommends scaling down.
func (p *Predictor) PredictLoad(serviceID string, instances int) Prediction {
	if instances < 1 {
		instances = 1
	}
	p.mu.RLock()
	samples := append([]LoadSample(nil), p.samples[serviceID]...)
	p.mu.RUnlock()

	pred := Prediction{
		ServiceID:           serviceID,
		Samples:             len(samples),
		Direction:           Hold,
		CurrentInstances:    instances,
		TargetInstanceCount: instances,
		At:                  p.now(),
	}
	if len(samples) == 0 {
		return p.remember(pred)
	}
	loads := make([]float64, len(samples))
	for i, s := range samples {
		loads[i] = s.Load
	}
	pred.Current = loads[len(loads)-1]
	pred.Trend = slope(loads)
	pred.Projected = math.Max(0, pred.Current+pred.Trend)

	switch {
	case pred.Projected > p.threshold:
		pred.ShouldScale = true
		pred.Direction = ScaleUp
		pred.TargetInstanceCount = int(math.Ceil(float64(instances) * pred.Projected / p.threshold))
		if pred.TargetInstanceCount <= instances {
			pred.TargetInstanceCount = instances + 1
		}
	case len(samples) >= 2 && instances > 1 && pred.Projected < p.threshold*scaleDownRatio:
		pred.ShouldScale = true
		pred.Direction = ScaleDown
		pred.TargetInstanceCount = int(math.Max(1, math.Ceil(float64(instances)*pred.Projected/p.threshold)))
		if pred.TargetInstanceCount >= instances {
			pred.TargetInstanceCount = instances - 1
		}
	}
	return p.remember(pred)
}

func (p *Predictor) remember(pred Prediction) Prediction {
	p.mu.Lock()
	p.last[pred.ServiceID] = pred
	p.mu.Unlock()
	return pred
}

// Latest returns the most recent prediction per service.
func (p *Predictor) Latest() map[string]Prediction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Prediction, len(p.last))
	for k, v := range p.last {
		out[k] = v
	}
	return out
}

// slope is the least-squares slope of ys over evenly spaced xs.
func slope(ys []float64) float64 {
	n := float64(len(ys))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range ys {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	den := n*sumXX - sumX*sumX
	if den == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / den
}
