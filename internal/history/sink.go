package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opentalon/relay/internal/balancer"
	"github.com/opentalon/relay/internal/metrics"
	"github.com/opentalon/relay/internal/workflow"
)

// Sink appends engine observations to the history database. It satisfies
// metrics.Sink and workflow.Recorder.
type Sink struct {
	db *DB
}

func NewSink(db *DB) *Sink {
	return &Sink{db: db}
}

func (s *Sink) RecordSnapshot(ctx context.Context, snap metrics.Snapshot) error {
	services, err := json.Marshal(snap.Services)
	if err != nil {
		return fmt.Errorf("history: encode services: %w", err)
	}
	_, err = s.db.db.ExecContext(ctx, s.db.rebind(`INSERT INTO performance_snapshots
		(id, taken_at, cache_hit_rate, avg_latency_ms, error_rate, active_connections, calls, services)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), snap.At.UnixMilli(), snap.CacheHitRate, snap.AvgLatencyMs,
		snap.ErrorRate, snap.ActiveConnections, snap.Calls, string(services))
	if err != nil {
		return fmt.Errorf("history: insert snapshot: %w", err)
	}
	return nil
}

func (s *Sink) RecordRun(ctx context.Context, run workflow.Run) error {
	steps, err := json.Marshal(run.Steps)
	if err != nil {
		return fmt.Errorf("history: encode steps: %w", err)
	}
	_, err = s.db.db.ExecContext(ctx, s.db.rebind(`INSERT INTO workflow_runs
		(id, workflow_id, success, started_at, total_ms, steps)
		VALUES (?, ?, ?, ?, ?, ?)`),
		run.ID, run.WorkflowID, run.Success, run.StartedAt.UnixMilli(),
		float64(run.TotalTime)/float64(time.Millisecond), string(steps))
	if err != nil {
		return fmt.Errorf("history: insert run: %w", err)
	}
	return nil
}

func (s *Sink) RecordPrediction(ctx context.Context, p balancer.Prediction) error {
	_, err := s.db.db.ExecContext(ctx, s.db.rebind(`INSERT INTO scale_predictions
		(id, service_id, predicted_at, projected_load, direction, current_instances, target_instances)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		uuid.NewString(), p.ServiceID, p.At.UnixMilli(), p.Projected, string(p.Direction),
		p.CurrentInstances, p.TargetInstanceCount)
	if err != nil {
		return fmt.Errorf("history: insert prediction: %w", err)
	}
	return nil
}

// RecentSnapshots returns up to limit snapshots, newest first.
func (s *Sink) RecentSnapshots(ctx context.Context, limit int) ([]metrics.Snapshot, error) {
	rows, err := s.db.db.QueryContext(ctx, s.db.rebind(`SELECT taken_at, cache_hit_rate, avg_latency_ms,
		error_rate, active_connections, calls, services
		FROM performance_snapshots ORDER BY taken_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("history: query snapshots: %w", err)
	}
	defer rows.Close()

	var out []metrics.Snapshot
	for rows.Next() {
		var (
			snap     metrics.Snapshot
			takenAt  int64
			services string
		)
		if err := rows.Scan(&takenAt, &snap.CacheHitRate, &snap.AvgLatencyMs, &snap.ErrorRate,
			&snap.ActiveConnections, &snap.Calls, &services); err != nil {
			return nil, fmt.Errorf("history: scan snapshot: %w", err)
		}
		snap.At = time.UnixMilli(takenAt)
		if services != "" && services != "null" {
			if err := json.Unmarshal([]byte(services), &snap.Services); err != nil {
				return nil, fmt.Errorf("history: decode services: %w", err)
			}
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// RunSummary is one stored workflow run without its step detail.
type RunSummary struct {
	ID         string        `json:"run_id"`
	WorkflowID string        `json:"workflow_id"`
	Success    bool          `json:"success"`
	StartedAt  time.Time     `json:"started_at"`
	TotalTime  time.Duration `json:"total_time"`
}

// Runs returns up to limit runs of workflowID, newest first.
func (s *Sink) Runs(ctx context.Context, workflowID string, limit int) ([]RunSummary, error) {
	rows, err := s.db.db.QueryContext(ctx, s.db.rebind(`SELECT id, workflow_id, success, started_at, total_ms
		FROM workflow_runs WHERE workflow_id = ? ORDER BY started_at DESC LIMIT ?`), workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			r       RunSummary
			started int64
			totalMs float64
		)
		if err := rows.Scan(&r.ID, &r.WorkflowID, &r.Success, &started, &totalMs); err != nil {
			return nil, fmt.Errorf("history: scan run: %w", err)
		}
		r.StartedAt = time.UnixMilli(started)
		r.TotalTime = time.Duration(totalMs * float64(time.Millisecond))
		out = append(out, r)
	}
	return out, rows.Err()
}

// PredictionCount returns how many recommendations were stored for a service.
func (s *Sink) PredictionCount(ctx context.Context, serviceID string) (int, error) {
	var n int
	err := s.db.db.QueryRowContext(ctx, s.db.rebind(`SELECT COUNT(*) FROM scale_predictions WHERE service_id = ?`), serviceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("history: count predictions: %w", err)
	}
	return n, nil
}
