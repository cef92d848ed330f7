package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opentalon/relay/internal/logging"
)

// Task is the work a job performs on each tick.
type Task func(ctx context.Context) error

// Job describes a periodic background job. Interval is either a Go duration
// ("60s") or a cron spec ("@hourly", "*/5 * * * *").
type Job struct {
	Name     string `yaml:"name" json:"name"`
	Interval string `yaml:"interval" json:"interval"`
	Paused   bool   `yaml:"paused,omitempty" json:"paused,omitempty"`
}

// JobStatus is a job plus its run history.
type JobStatus struct {
	Job
	Runs      int64     `json:"runs"`
	Failures  int64     `json:"failures"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Next      time.Time `json:"next,omitempty"`
}

func (j *Job) spec() (string, error) {
	if d, err := time.ParseDuration(j.Interval); err == nil {
		if d <= 0 {
			return "", fmt.Errorf("interval must be positive, got %s", j.Interval)
		}
		return "@every " + d.String(), nil
	}
	if _, err := cron.ParseStandard(j.Interval); err != nil {
		return "", fmt.Errorf("invalid interval %q: %w", j.Interval, err)
	}
	return j.Interval, nil
}

type runningJob struct {
	status  JobStatus
	spec    string
	task    Task
	entryID cron.EntryID
}

// Scheduler runs engine maintenance jobs on fixed intervals, decoupled from
// request handling. Overlapping ticks of the same job are skipped.
type Scheduler struct {
	mu     sync.RWMutex
	jobs   map[string]*runningJob
	cron   *cron.Cron
	logger *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

func New(logger *slog.Logger) *Scheduler {
	logger = logging.OrDiscard(logger).With("component", "scheduler")
	cl := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs: make(map[string]*runningJob),
		cron: cron.New(cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		), cron.WithLogger(cl)),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers a job. Jobs added after Start begin ticking immediately.
func (s *Scheduler) Add(job Job, task Task) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if task == nil {
		return fmt.Errorf("job %q has no task", job.Name)
	}
	spec, err := job.spec()
	if err != nil {
		return fmt.Errorf("job %q: %w", job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already exists", job.Name)
	}
	rj := &runningJob{status: JobStatus{Job: job}, spec: spec, task: task}
	s.jobs[job.Name] = rj
	if !job.Paused {
		if err := s.scheduleLocked(rj); err != nil {
			delete(s.jobs, job.Name)
			return err
		}
	}
	return nil
}

func (s *Scheduler) scheduleLocked(rj *runningJob) error {
	name := rj.status.Name
	id, err := s.cron.AddFunc(rj.spec, func() { s.execute(name) })
	if err != nil {
		return fmt.Errorf("job %q: %w", name, err)
	}
	rj.entryID = id
	return nil
}

// Start begins ticking every registered job.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop cancels running jobs and waits for them to drain.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rj, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	if rj.entryID != 0 {
		s.cron.Remove(rj.entryID)
	}
	delete(s.jobs, name)
	return nil
}

func (s *Scheduler) Pause(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rj, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	if rj.status.Paused {
		return nil
	}
	s.cron.Remove(rj.entryID)
	rj.entryID = 0
	rj.status.Paused = true
	return nil
}

func (s *Scheduler) Resume(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rj, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	if !rj.status.Paused {
		return fmt.Errorf("job %q is not paused", name)
	}
	if err := s.scheduleLocked(rj); err != nil {
		return err
	}
	rj.status.Paused = false
	return nil
}

// RunNow executes a job synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.RLock()
	_, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	return s.execute(name)
}

func (s *Scheduler) List() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, rj := range s.jobs {
		st := rj.status
		if rj.entryID != 0 {
			st.Next = s.cron.Entry(rj.entryID).Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) Get(name string) (JobStatus, bool) {
	for _, st := range s.List() {
		if st.Name == name {
			return st, true
		}
	}
	return JobStatus{}, false
}

func (s *Scheduler) execute(name string) error {
	s.mu.RLock()
	rj, ok := s.jobs[name]
	var task Task
	if ok {
		task = rj.task
	}
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	err := task(s.ctx)

	s.mu.Lock()
	rj.status.Runs++
	rj.status.LastRun = time.Now()
	rj.status.LastError = ""
	if err != nil {
		rj.status.Failures++
		rj.status.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("job failed", "job", name, "error", err)
	}
	return err
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
