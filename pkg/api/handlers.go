package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/casf-systems/verifier-gateway/pkg/model"
	"github.com/casf-systems/verifier-gateway/pkg/telemetry"
)

// Evaluator is the subset of pipeline.Pipeline the HTTP layer depends on.
type Evaluator interface {
	Evaluate(ctx context.Context, req *model.VerifyRequest) (*model.VerifyResponse, error)
}

// Pinger is implemented by every dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the pipeline and its collaborators' health checks into an
// http.Handler.
type Server struct {
	pipeline    Evaluator
	durableDB   Pinger
	kvStore     Pinger
	policyCheck func(ctx context.Context) error
	metrics     *telemetry.Registry
}

// NewServer constructs the HTTP handler. policyCheck should perform a
// cheap live evaluation against the policy engine (not just a TCP ping).
func NewServer(pipeline Evaluator, durableDB, kvStore Pinger, policyCheck func(ctx context.Context) error, metrics *telemetry.Registry) *Server {
	return &Server{pipeline: pipeline, durableDB: durableDB, kvStore: kvStore, policyCheck: policyCheck, metrics: metrics}
}

// Routes returns the gateway's http.Handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /verify", s.handleVerify)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	return mux
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req model.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteUnprocessable(w, "invalid request body: "+err.Error())
		return
	}

	// Schema-level failures (unknown enum values, missing required
	// fields) are 422; only the missing patient_id maps to 400 below.
	if err := req.Validate(); err != nil {
		WriteUnprocessable(w, err.Error())
		return
	}

	res, err := s.pipeline.Evaluate(r.Context(), &req)
	if err != nil {
		WriteUnprocessable(w, err.Error())
		return
	}

	if len(res.Violations) == 1 && res.Violations[0] == "BadRequest_MissingPatientId" {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", res.Reason)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// healthzProbeTimeout bounds each dependency probe independently, so one
// slow dependency cannot starve the next check's budget.
const healthzProbeTimeout = 2 * time.Second

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	probe := func(check func(context.Context) error) error {
		ctx, cancel := context.WithTimeout(r.Context(), healthzProbeTimeout)
		defer cancel()
		return check(ctx)
	}

	checks := map[string]string{}

	if err := probe(s.durableDB.Ping); err != nil {
		WriteServiceUnavailable(w, "postgres: "+err.Error())
		return
	}
	checks["postgres"] = "ok"

	if err := probe(s.kvStore.Ping); err != nil {
		WriteServiceUnavailable(w, "redis: "+err.Error())
		return
	}
	checks["redis"] = "ok"

	if err := probe(s.policyCheck); err != nil {
		WriteServiceUnavailable(w, "opa: "+err.Error())
		return
	}
	checks["opa"] = "ok"

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok", "checks": checks})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(s.metrics.Render()))
}
