// Package httpapi exposes the engine as named actions under
// /api/integration/{action}. GET actions are read-only; POST actions take a
// JSON body. Every response is {"success": true, "result": ...} or
// {"error": ..., "kind": ...} with a non-2xx status.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/opentalon/relay/internal/actor"
	"github.com/opentalon/relay/internal/engine"
	"github.com/opentalon/relay/internal/failover"
	"github.com/opentalon/relay/internal/logging"
)

const maxBodyBytes = 4 << 20

type action func(w http.ResponseWriter, r *http.Request)

type Server struct {
	engine *engine.Engine
	logger *slog.Logger
	mux    *http.ServeMux
	gets   map[string]action
	posts  map[string]action
}

func New(e *engine.Engine, logger *slog.Logger) *Server {
	s := &Server{
		engine: e,
		logger: logging.OrDiscard(logger).With("component", "httpapi"),
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqLogger := s.logger.With("request_id", uuid.NewString(), "method", r.Method, "path", r.URL.Path)
	ctx := r.Context()
	if a := actor.FromRequest(r); a != "" {
		reqLogger = reqLogger.With("actor", a)
		ctx = actor.WithActor(ctx, a)
	}
	r = r.WithContext(logging.WithLogger(ctx, reqLogger))
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.gets = map[string]action{
		"health":       s.handleHealth,
		"services":     s.handleServices,
		"capabilities": s.handleCapabilities,
		"dataflows":    s.handleDataflows,
		"workflows":    s.handleWorkflows,
		"metrics":      s.handleMetrics,
		"jobs":         s.handleJobs,
	}
	s.posts = map[string]action{
		"send-data":           s.handleSendData,
		"execute-workflow":    s.handleExecuteWorkflow,
		"create-dataflow":     s.handleCreateDataflow,
		"deactivate-dataflow": s.handleSetDataflowActive(false),
		"activate-dataflow":   s.handleSetDataflowActive(true),
		"create-workflow":     s.handleCreateWorkflow,
		"select":              s.handleSelect,
		"invoke":              s.handleInvoke,
		"learn":               s.handleLearn,
		"register-service":    s.handleRegisterService,
		"register-capability": s.handleRegisterCapability,
		"heartbeat":           s.handleHeartbeat,
		"run-job":             s.handleRunJob,
	}

	s.mux.HandleFunc("GET /api/integration/{action}", s.dispatch(s.gets))
	s.mux.HandleFunc("POST /api/integration/{action}", s.dispatch(s.posts))
	s.mux.Handle("GET /metrics", s.engine.Metrics().Handler())
}

func (s *Server) dispatch(actions map[string]action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("action")
		a, ok := actions[name]
		if !ok {
			writeError(w, r, failover.Errorf(failover.KindValidation, "unknown %s action %q", r.Method, name), http.StatusNotFound)
			return
		}
		a(w, r)
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeResult(w http.ResponseWriter, result any) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
}

// writeError maps err's kind to a status. A non-zero status overrides it.
func writeError(w http.ResponseWriter, r *http.Request, err error, status int) {
	writeErrorWith(w, r, err, status, nil)
}

// writeErrorWith also carries a partial result, e.g. the steps of a failed
// workflow run.
func writeErrorWith(w http.ResponseWriter, r *http.Request, err error, status int, partial any) {
	kind := failover.KindOf(err)
	if status == 0 {
		status = statusFor(err)
	}
	if d := failover.RetryAfter(err); d > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
	}
	body := map[string]any{"error": err.Error(), "kind": kind}
	if partial != nil {
		body["result"] = partial
	}
	log := logging.FromContext(r.Context(), nil)
	if status >= 500 {
		log.Warn("request failed", "status", status, "kind", kind, "error", err)
	} else {
		log.Debug("request rejected", "status", status, "kind", kind, "error", err)
	}
	writeJSON(w, status, body)
}

func statusFor(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch failover.KindOf(err) {
	case failover.KindCapabilityNotFound, failover.KindServiceNotFound,
		failover.KindWorkflowNotFound, failover.KindNoActiveEdge:
		return http.StatusNotFound
	case failover.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case failover.KindCircuitOpen:
		return http.StatusServiceUnavailable
	case failover.KindValidation:
		return http.StatusBadRequest
	case failover.KindTransient:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return failover.Wrap(failover.KindValidation, err, "invalid request body")
	}
	return nil
}

func requireField(name, value string) error {
	if value == "" {
		return failover.Errorf(failover.KindValidation, "%s is required", name)
	}
	return nil
}

func parseDuration(name, value string) (d time.Duration, err error) {
	if value == "" {
		return 0, nil
	}
	d, err = time.ParseDuration(value)
	if err != nil || d < 0 {
		return 0, failover.Errorf(failover.KindValidation, "%s: invalid duration %q", name, value)
	}
	return d, nil
}
