package engine

import (
	"context"
	"time"

	"github.com/opentalon/relay/internal/scheduler"
	"github.com/opentalon/relay/internal/workflow"
)

const (
	JobAggregate = "aggregate-metrics"
	JobPredict   = "predict-load"
	JobProbe     = "probe-services"
	JobEvict     = "evict-contexts"

	probeTimeout = 5 * time.Second
	// a service missing this many probe intervals is marked unavailable
	staleProbes = 3
)

func (e *Engine) addJobs() error {
	s := e.cfg.Scheduler
	jobs := []struct {
		name     string
		interval string
		task     scheduler.Task
	}{
		{JobAggregate, s.AggregationInterval, e.aggregate},
		{JobPredict, s.PredictionInterval, e.predictAll},
		{JobProbe, s.ProbeInterval, e.probeAll},
		{JobEvict, s.EvictionInterval, e.evict},
	}
	for _, j := range jobs {
		if err := e.scheduler.Add(scheduler.Job{Name: j.name, Interval: j.interval}, j.task); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) aggregate(ctx context.Context) error {
	e.aggregator.Aggregate(ctx)
	return nil
}

// predictAll samples every service's load and records scale recommendations.
func (e *Engine) predictAll(ctx context.Context) error {
	for _, d := range e.services.List() {
		p, err := e.Predict(d.ID)
		if err != nil {
			continue
		}
		if !p.ShouldScale {
			continue
		}
		e.logger.Info("scale recommended",
			"service", d.ID,
			"direction", p.Direction,
			"current", p.CurrentInstances,
			"target", p.TargetInstanceCount,
			"projected_load", p.Projected,
		)
		if e.sink != nil {
			if err := e.sink.RecordPrediction(ctx, p); err != nil {
				e.logger.Warn("record prediction failed", "service", d.ID, "error", err)
			}
		}
	}
	return nil
}

// probeAll checks each service's primary endpoint, then marks services that
// have not been seen for staleProbes intervals as unavailable.
func (e *Engine) probeAll(ctx context.Context) error {
	for _, d := range e.services.List() {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := e.prober.Probe(pctx, d.PrimaryEndpoint())
		cancel()
		if err != nil {
			e.logger.Warn("probe failed", "service", d.ID, "error", err)
		}
		_ = e.services.RecordProbe(d.ID, err == nil)
		if h, herr := e.services.Health(d.ID); herr == nil {
			e.metrics.SetHealth(d.ID, h.Health)
		}
	}
	if e.probeInterval > 0 {
		for _, id := range e.services.MarkStale(staleProbes * e.probeInterval) {
			e.logger.Warn("service stale", "service", id)
		}
	}
	return nil
}

// evict drops expired task contexts and cache entries.
func (e *Engine) evict(context.Context) error {
	contexts := e.selector.History().Evict()
	entries := e.cache.Prune()
	if contexts > 0 || entries > 0 {
		e.logger.Debug("evicted", "contexts", contexts, "cache_entries", entries)
	}
	return nil
}

// runRecorder counts workflow runs and appends them to history when enabled.
type runRecorder struct{ e *Engine }

func (r runRecorder) RecordRun(ctx context.Context, run workflow.Run) error {
	r.e.metrics.ObserveWorkflow(run.WorkflowID, run.Success)
	if r.e.sink == nil {
		return nil
	}
	return r.e.sink.RecordRun(ctx, run)
}
