package httpapi

import (
	"net/http"
	"time"

	"github.com/opentalon/relay/internal/capability"
	"github.com/opentalon/relay/internal/dataflow"
	"github.com/opentalon/relay/internal/failover"
	"github.com/opentalon/relay/internal/selector"
	"github.com/opentalon/relay/internal/service"
	"github.com/opentalon/relay/internal/workflow"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.engine.HealthCheck())
}

// handleServices lists services, or reports one service's health with ?id=.
func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("id"); id != "" {
		h, err := s.engine.GetServiceHealth(id)
		if err != nil {
			writeError(w, r, err, 0)
			return
		}
		writeResult(w, h)
		return
	}
	writeResult(w, s.engine.Services())
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.engine.Capabilities())
}

func (s *Server) handleDataflows(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.engine.Edges())
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("id"); id != "" {
		wf, err := s.engine.Workflow(id)
		if err != nil {
			writeError(w, r, err, 0)
			return
		}
		writeResult(w, wf)
		return
	}
	writeResult(w, s.engine.Workflows())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.engine.GetMetrics())
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.engine.Scheduler().List())
}

type sendRequest struct {
	Source      string         `json:"source"`
	Target      string         `json:"target"`
	Payload     map[string]any `json:"payload"`
	CacheKey    string         `json:"cache_key,omitempty"`
	CacheTTL    string         `json:"cache_ttl,omitempty"`
	Timeout     string         `json:"timeout,omitempty"`
	WaitForRate bool           `json:"wait_for_rate,omitempty"`
	MaxWait     string         `json:"max_wait,omitempty"`
}

func (req sendRequest) options() (dataflow.SendOptions, error) {
	var opts dataflow.SendOptions
	var err error
	if opts.CacheTTL, err = parseDuration("cache_ttl", req.CacheTTL); err != nil {
		return opts, err
	}
	if opts.Timeout, err = parseDuration("timeout", req.Timeout); err != nil {
		return opts, err
	}
	if opts.MaxWait, err = parseDuration("max_wait", req.MaxWait); err != nil {
		return opts, err
	}
	opts.CacheKey = req.CacheKey
	opts.WaitForRate = req.WaitForRate
	return opts, nil
}

func (s *Server) handleSendData(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err, 0)
		return
	}
	for _, f := range [][2]string{{"source", req.Source}, {"target", req.Target}} {
		if err := requireField(f[0], f[1]); err != nil {
			writeError(w, r, err, 0)
			return
		}
	}
	opts, err := req.options()
	if err != nil {
		writeError(w, r, err, 0)
		return
	}
	res, err := s.engine.Send(r.Context(), req.Source, req.Target, req.Payload, opts)
	if err != nil {
		writeError(w, r, err, 0)
		return
	}
	writeResult(w, res)
}

type executeRequest struct {
	WorkflowID string         `json:"workflow_id"`
	Payload    map[string]any `json:"payload"`
}

// handleExecuteWorkflow returns the partial run alongside the error when a
// step fails.
func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err, 0)
		return
	}
	if err := requireField("workflow_id", req.WorkflowID); err != nil {
		writeError(w, r, err, 0)
		return
	}
	run, err := s.engine.ExecuteWorkflow(r.Context(), req.WorkflowID, req.Payload)
	if err != nil {
		var partial any
		if run.ID != "" {
			partial = run
		}
		writeErrorWith(w, r, err, 0, partial)
		return
	}
	writeResult(w, run)
}

func (s *Server) handleCreateDataflow(w http.ResponseWriter, r *http.Request) {
	var cfg dataflow.EdgeConfig
	if err := decode(r, &cfg); err != nil {
		writeError(w, r, err, 0)
		return
	}
	id, err := s.engine.CreateEdge(cfg)
	if err != nil {
		writeError(w, r, err, 0)
		return
	}
	writeResult(w, map[string]string{"edge_id": id})
}

type edgeRequest struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

func (s *Server) handleSetDataflowActive(active bool) action {
	return func(w http.ResponseWriter, r *http.Request) {
		var req edgeRequest
		if err := decode(r, &req); err != nil {
			writeError(w, r, err, 0)
			return
		}
		toggle := s.engine.DeactivateEdge
		if active {
			toggle = s.engine.ActivateEdge
		}
		if err := toggle(req.Source, req.Target); err != nil {
			writeError(w, r, err, 0)
			return
		}
		writeResult(w, map[string]any{"edge_id": dataflow.EdgeID(req.Source, req.Target), "active": active})
	}
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var cfg workflow.Config
	if err := decode(r, &cfg); err != nil {
		writeError(w, r, err, 0)
		return
	}
	id, err := s.engine.CreateWorkflow(cfg)
	if err != nil {
		writeError(w, r, err, 0)
		return
	}
	writeResult(w, map[string]string{"workflow_id": id})
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var task selector.Task
	if err := decode(r, &task); err != nil {
		writeError(w, r, err, 0)
		return
	}
	sel, err := s.engine.Select(task)
	if err != nil {
		writeError(w, r, err, 0)
		return
	}
	writeResult(w, sel)
}

type invokeRequest struct {
	Task    selector.Task  `json:"task"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err, 0)
		return
	}
	inv, err := s.engine.Invoke(r.Context(), req.Task, req.Payload)
	if err != nil {
		writeErrorWith(w, r, err, 0, inv)
		return
	}
	writeResult(w, inv)
}

type learnRequest struct {
	ContextID    string  `json:"context_id"`
	Success      bool    `json:"success"`
	LatencyMs    float64 `json:"latency_ms"`
	Quality      float64 `json:"quality,omitempty"`
	Satisfaction float64 `json:"satisfaction,omitempty"`
}

// handleLearn reports updated=false when the context has been evicted.
func (s *Server) handleLearn(w http.ResponseWriter, r *http.Request) {
	var req learnRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err, 0)
		return
	}
	if err := requireField("context_id", req.ContextID); err != nil {
		writeError(w, r, err, 0)
		return
	}
	updated, err := s.engine.LearnFromExecution(req.ContextID, selector.Outcome{
		Success:      req.Success,
		Latency:      time.Duration(req.LatencyMs * float64(time.Millisecond)),
		Quality:      req.Quality,
		Satisfaction: req.Satisfaction,
	})
	if err != nil {
		writeError(w, r, err, 0)
		return
	}
	writeResult(w, map[string]bool{"updated": updated})
}

func (s *Server) handleRegisterService(w http.ResponseWriter, r *http.Request) {
	var d service.Descriptor
	if err := decode(r, &d); err != nil {
		writeError(w, r, err, 0)
		return
	}
	if err := s.engine.RegisterService(d.ID, d); err != nil {
		writeError(w, r, err, 0)
		return
	}
	h, err := s.engine.GetServiceHealth(d.ID)
	if err != nil {
		writeError(w, r, err, 0)
		return
	}
	writeResult(w, map[string]any{"service_id": d.ID, "health": h})
}

func (s *Server) handleRegisterCapability(w http.ResponseWriter, r *http.Request) {
	var d capability.Descriptor
	if err := decode(r, &d); err != nil {
		writeError(w, r, err, 0)
		return
	}
	if err := s.engine.RegisterCapability(d.ID, d); err != nil {
		writeError(w, r, err, 0)
		return
	}
	writeResult(w, map[string]string{"capability_id": d.ID})
}

type heartbeatRequest struct {
	ServiceID string `json:"service_id"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err, 0)
		return
	}
	if err := s.engine.Heartbeat(req.ServiceID); err != nil {
		writeError(w, r, err, 0)
		return
	}
	h, err := s.engine.GetServiceHealth(req.ServiceID)
	if err != nil {
		writeError(w, r, err, 0)
		return
	}
	writeResult(w, h)
}

type jobRequest struct {
	Name string `json:"name"`
	// Op is run (default), pause or resume.
	Op string `json:"op,omitempty"`
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err, 0)
		return
	}
	sched := s.engine.Scheduler()
	if _, ok := sched.Get(req.Name); !ok {
		writeError(w, r, failover.Errorf(failover.KindValidation, "job %q not found", req.Name), http.StatusNotFound)
		return
	}
	var err error
	switch req.Op {
	case "", "run":
		if err = sched.RunNow(req.Name); err != nil {
			err = failover.Wrap(failover.KindInternal, err, "job %s", req.Name)
		}
	case "pause":
		err = sched.Pause(req.Name)
	case "resume":
		if err = sched.Resume(req.Name); err != nil {
			err = failover.Wrap(failover.KindValidation, err, "job %s", req.Name)
		}
	default:
		err = failover.Errorf(failover.KindValidation, "unknown job op %q", req.Op)
	}
	if err != nil {
		writeError(w, r, err, 0)
		return
	}
	status, _ := sched.Get(req.Name)
	writeResult(w, status)
}
