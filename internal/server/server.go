// Package server exposes the rule engine, batch jobs and violation workflow
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/trialguard/internal/batch"
	"github.com/dshills/trialguard/internal/engine"
	"github.com/dshills/trialguard/internal/rules"
	"github.com/dshills/trialguard/internal/schema"
	"github.com/dshills/trialguard/internal/storage"
	"github.com/dshills/trialguard/internal/usage"
	"github.com/dshills/trialguard/internal/verdict"
)

// Evaluator runs rules against subjects.
type Evaluator interface {
	Evaluate(ctx context.Context, ruleID, subjectID string, visit *schema.VisitContext) (schema.EvaluationResult, error)
	EvaluateSubject(ctx context.Context, subjectID string, f engine.Filter, visit *schema.VisitContext) (engine.SubjectReport, error)
}

// Catalog is the rule registry as seen by the API.
type Catalog interface {
	All() []schema.Rule
	Get(id string) (schema.Rule, bool)
	Reload() (*rules.Snapshot, error)
}

// Jobs manages batch executions.
type Jobs interface {
	Submit(ctx context.Context, req batch.Request) (batch.Record, error)
	Status(id string) (batch.Record, error)
	Cancel(id string) error
	List() ([]batch.Record, error)
	Violations(id string) ([]schema.Violation, error)
}

// Violations is the persisted violation workflow.
type Violations interface {
	SaveViolations(ctx context.Context, jobID string, vs []schema.Violation) error
	ListViolations(ctx context.Context, f storage.ViolationFilter) ([]schema.Violation, error)
	GetViolation(ctx context.Context, id int64) (schema.Violation, error)
	UpdateViolation(ctx context.Context, id int64, u storage.ViolationUpdate) (schema.Violation, error)
}

// Deps wires the server. Violations and Gatherer may be nil.
type Deps struct {
	Engine     Evaluator
	Rules      Catalog
	Jobs       Jobs
	Violations Violations
	Usage      *usage.Tracker
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger
	// Mode is reported by the health endpoint, "mock" or "live".
	Mode string
}

// Server is the HTTP API.
type Server struct {
	deps   Deps
	logger *slog.Logger
	router chi.Router
}

// New builds the router.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &Server{deps: d, logger: d.Logger}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/rules", s.handleListRules)
		r.Post("/rules/reload", s.handleReloadRules)
		r.Get("/rules/{ruleID}", s.handleGetRule)

		r.Post("/evaluate/{ruleID}/{subjectID}", s.handleEvaluateRule)
		r.Post("/subjects/{subjectID}/evaluate", s.handleEvaluateSubject)

		r.Post("/batch", s.handleSubmitBatch)
		r.Get("/batch/{jobID}", s.handleBatchStatus)
		r.Delete("/batch/{jobID}", s.handleCancelBatch)

		r.Get("/results", s.handleListResults)
		r.Get("/results/{jobID}", s.handleGetResult)
		r.Get("/results/{jobID}/violations", s.handleResultViolations)

		r.Get("/violations", s.handleListViolations)
		r.Get("/violations/{id}", s.handleGetViolation)
		r.Patch("/violations/{id}", s.handleUpdateViolation)

		r.Get("/usage", s.handleUsage)
		r.Post("/usage/reset", s.handleResetUsage)
	})
	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs one line per request through slog.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "healthy",
		"rules_loaded": len(s.deps.Rules.All()),
		"llm_mode":     s.deps.Mode,
	})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	all := s.deps.Rules.All()
	q := r.URL.Query()
	cat, status := schema.Category(q.Get("category")), schema.RuleStatus(q.Get("status"))
	out := make([]schema.Rule, 0, len(all))
	for _, rule := range all {
		if cat != "" && rule.Category != cat {
			continue
		}
		if status != "" && rule.Status != status {
			continue
		}
		out = append(out, rule)
	}
	respondJSON(w, http.StatusOK, map[string]any{"rules": out, "count": len(out)})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ruleID")
	rule, ok := s.deps.Rules.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "rule not found", fmt.Errorf("%w: %s", engine.ErrRuleNotFound, id))
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleReloadRules(w http.ResponseWriter, _ *http.Request) {
	snap, err := s.deps.Rules.Reload()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "reload rules", err)
		return
	}
	s.logger.Info("rules reloaded", "count", snap.Len(), "issues", len(snap.Issues()))
	respondJSON(w, http.StatusOK, map[string]any{"count": snap.Len(), "issues": snap.Issues()})
}

type evaluateRequest struct {
	Visit *schema.VisitContext `json:"visit_context,omitempty"`
}

type subjectRequest struct {
	Visit      *schema.VisitContext `json:"visit_context,omitempty"`
	RuleIDs    []string             `json:"rule_ids,omitempty"`
	Categories []schema.Category    `json:"categories,omitempty"`
	// Persist stores the violations found for the review workflow.
	Persist bool `json:"persist,omitempty"`
}

func (s *Server) handleEvaluateRule(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	res, err := s.deps.Engine.Evaluate(r.Context(), chi.URLParam(r, "ruleID"), chi.URLParam(r, "subjectID"), req.Visit)
	switch {
	case errors.Is(err, engine.ErrRuleNotFound):
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "evaluation failed", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleEvaluateSubject(w http.ResponseWriter, r *http.Request) {
	var req subjectRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	rep, err := s.deps.Engine.EvaluateSubject(r.Context(), chi.URLParam(r, "subjectID"),
		engine.Filter{RuleIDs: req.RuleIDs, Categories: req.Categories}, req.Visit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "evaluation failed", err)
		return
	}
	if req.Persist && s.deps.Violations != nil && len(rep.Violations) > 0 {
		if err := s.deps.Violations.SaveViolations(r.Context(), "", rep.Violations); err != nil {
			respondError(w, http.StatusInternalServerError, "save violations", err)
			return
		}
	}
	respondJSON(w, http.StatusOK, rep)
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req batch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	rec, err := s.deps.Jobs.Submit(r.Context(), req)
	switch {
	case errors.Is(err, batch.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, "invalid batch request", err)
		return
	case errors.Is(err, batch.ErrClosed):
		respondError(w, http.StatusServiceUnavailable, "server shutting down", err)
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "submit batch", err)
		return
	}
	w.Header().Set("Location", "/api/v1/batch/"+rec.JobID)
	respondJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Jobs.Status(chi.URLParam(r, "jobID"))
	if err != nil {
		s.jobError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, batchProgress(rec))
}

// batchProgress is the status view: counters without per-subject results.
func batchProgress(rec batch.Record) map[string]any {
	return map[string]any{
		"job_id":             rec.JobID,
		"status":             rec.Status,
		"run_type":           rec.RunType,
		"total_subjects":     rec.TotalSubjects,
		"completed_subjects": rec.CompletedSubjects,
		"progress_pct":       rec.ProgressPct,
		"violations_so_far":  rec.ViolationsSoFar,
		"created_at":         rec.CreatedAt,
		"started_at":         rec.StartedAt,
		"finished_at":        rec.FinishedAt,
		"error":              rec.Error,
	}
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if err := s.deps.Jobs.Cancel(id); err != nil {
		s.jobError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "cancelling"})
}

func (s *Server) handleListResults(w http.ResponseWriter, _ *http.Request) {
	recs, err := s.deps.Jobs.List()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list results", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": recs, "count": len(recs)})
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Jobs.Status(chi.URLParam(r, "jobID"))
	if err != nil {
		s.jobError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleResultViolations(w http.ResponseWriter, r *http.Request) {
	vs, err := s.deps.Jobs.Violations(chi.URLParam(r, "jobID"))
	if err != nil {
		s.jobError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"violations": vs,
		"count":      len(vs),
		"severities": verdict.CountSeverities(vs),
	})
}

func (s *Server) jobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, batch.ErrJobNotFound):
		respondError(w, http.StatusNotFound, "job not found", err)
	case errors.Is(err, batch.ErrJobFinished):
		respondError(w, http.StatusConflict, "job already finished", err)
	default:
		respondError(w, http.StatusInternalServerError, "job lookup", err)
	}
}

func (s *Server) handleListViolations(w http.ResponseWriter, r *http.Request) {
	if !s.requireViolations(w) {
		return
	}
	q := r.URL.Query()
	f := storage.ViolationFilter{
		SubjectID: q.Get("subject_id"),
		RuleID:    q.Get("rule_id"),
		JobID:     q.Get("job_id"),
		Status:    schema.ViolationStatus(q.Get("status")),
		Severity:  schema.Severity(q.Get("severity")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer", err)
			return
		}
		f.Limit = n
	}
	vs, err := s.deps.Violations.ListViolations(r.Context(), f)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list violations", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"violations": vs, "count": len(vs)})
}

func (s *Server) handleGetViolation(w http.ResponseWriter, r *http.Request) {
	if !s.requireViolations(w) {
		return
	}
	id, ok := violationID(w, r)
	if !ok {
		return
	}
	v, err := s.deps.Violations.GetViolation(r.Context(), id)
	if err != nil {
		violationError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

type updateViolationRequest struct {
	Status          string `json:"status"`
	AssignedTo      string `json:"assigned_to,omitempty"`
	AcknowledgedBy  string `json:"acknowledged_by,omitempty"`
	ResolutionNotes string `json:"resolution_notes,omitempty"`
}

func (s *Server) handleUpdateViolation(w http.ResponseWriter, r *http.Request) {
	if !s.requireViolations(w) {
		return
	}
	id, ok := violationID(w, r)
	if !ok {
		return
	}
	var req updateViolationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	status, err := schema.ParseViolationStatus(req.Status)
	if err != nil || req.Status == "" {
		respondError(w, http.StatusBadRequest, "unknown violation status", err)
		return
	}
	current, err := s.deps.Violations.GetViolation(r.Context(), id)
	if err != nil {
		violationError(w, err)
		return
	}
	if err := verdict.Transition(current.Status, status); err != nil {
		respondError(w, http.StatusConflict, "invalid status transition", err)
		return
	}
	updated, err := s.deps.Violations.UpdateViolation(r.Context(), id, storage.ViolationUpdate{
		Status:          status,
		AssignedTo:      req.AssignedTo,
		AcknowledgedBy:  req.AcknowledgedBy,
		ResolutionNotes: req.ResolutionNotes,
	})
	if err != nil {
		violationError(w, err)
		return
	}
	s.logger.Info("violation status changed", "violation_id", id, "from", current.Status, "to", updated.Status)
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) requireViolations(w http.ResponseWriter) bool {
	if s.deps.Violations == nil {
		respondError(w, http.StatusServiceUnavailable, "violation store not configured", nil)
		return false
	}
	return true
}

func violationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "violation id must be an integer", err)
		return 0, false
	}
	return id, true
}

func violationError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrViolationNotFound) {
		respondError(w, http.StatusNotFound, "violation not found", err)
		return
	}
	respondError(w, http.StatusInternalServerError, "violation store", err)
}

func (s *Server) handleUsage(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Usage.Snapshot())
}

func (s *Server) handleResetUsage(w http.ResponseWriter, _ *http.Request) {
	s.deps.Usage.Reset()
	respondJSON(w, http.StatusOK, s.deps.Usage.Snapshot())
}

// decodeOptional decodes a JSON body when one is present.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{"error": message}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}
