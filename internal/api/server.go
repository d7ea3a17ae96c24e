package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/lifecycle"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/observability"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/queue"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/registry"
	"github.com/charleshardy/agentic-kernel-testing-sub004/internal/state"
	"github.com/charleshardy/agentic-kernel-testing-sub004/pkg/api"
)

const submitSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["architecture", "payload_ref"],
  "properties": {
    "architecture": {"type": "string", "minLength": 1},
    "toolchain": {"type": "string"},
    "priority": {"type": "string", "enum": ["", "low", "normal", "high", "urgent"]},
    "payload_ref": {"type": "string", "minLength": 1},
    "concurrency_sensitive": {"type": "boolean"},
    "trials": {"type": "integer", "minimum": 0, "maximum": 100}
  },
  "additionalProperties": false
}`

// HeartbeatInterval is what registered resources are told to report at; the
// scheduler's grace window is a multiple of it.
const HeartbeatInterval = 30 * time.Second

type Server struct {
	mgr          *lifecycle.Manager
	reg          *registry.Registry
	queue        *queue.AdmissionQueue
	submitSchema *jsonschema.Schema
}

func NewServer(mgr *lifecycle.Manager, reg *registry.Registry, q *queue.AdmissionQueue) *Server {
	compiled := jsonschema.MustCompileString("submit_job.json", submitSchema)
	return &Server{mgr: mgr, reg: reg, queue: q, submitSchema: compiled}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/metrics", s.handleMetrics)
	r.Get("/v1/metrics/prometheus", s.handleMetricsPrometheus)

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmitJob)
		r.Get("/", s.handleListJobs)
		r.Get("/queue", s.handleListQueue)
		r.Get("/{jobID}", s.handleJobStatus)
		r.Get("/{jobID}/logs", s.handleJobLogs)
		r.Get("/{jobID}/report", s.handleJobReport)
		r.Get("/{jobID}/trials", s.handleJobTrials)
		r.Post("/{jobID}/cancel", s.handleCancelJob)
	})

	r.Route("/v1/resources", func(r chi.Router) {
		r.Post("/", s.handleRegisterResource)
		r.Get("/", s.handleListResources)
		r.Delete("/{resourceID}", s.handleDeregisterResource)
		r.Post("/{resourceID}/heartbeat", s.handleHeartbeat)
		r.Post("/{resourceID}/maintenance", s.handleMaintenance)
	})

	return withTracing(withLogging(r))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, observability.Default.Snapshot())
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(observability.Default.RenderPrometheus()))
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.submitSchema.Validate(raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid job spec: "+err.Error())
		return
	}
	var req api.SubmitJobRequest
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := s.mgr.Submit(r.Context(), lifecycle.Spec{
		Architecture:         req.Architecture,
		Toolchain:            req.Toolchain,
		Priority:             req.Priority,
		PayloadRef:           req.PayloadRef,
		ConcurrencySensitive: req.ConcurrencySensitive,
		Trials:               req.Trials,
	})
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrQueueFull):
			writeError(w, http.StatusTooManyRequests, "admission queue is full")
		case errors.Is(err, lifecycle.ErrInvalidSpec):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, api.SubmitJobResponse{JobID: id})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := state.JobFilter{
		State:    r.URL.Query().Get("state"),
		Priority: r.URL.Query().Get("priority"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	jobs, err := s.mgr.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := api.ListJobsResponse{Jobs: make([]api.JobStatusResponse, 0, len(jobs))}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, jobStatusView(job))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, ok, err := s.mgr.GetStatus(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, jobStatusView(job))
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, ok, err := s.mgr.GetStatus(r.Context(), jobID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	} else if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	text, err := s.mgr.GetLogs(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, api.JobLogsResponse{JobID: jobID, Log: text})
}

func (s *Server) handleJobReport(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	report, ok, err := s.mgr.GetFaultReport(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no fault report for job")
		return
	}
	resp := api.FaultReportResponse{
		JobID:           report.JobID,
		Kind:            report.Kind,
		Severity:        report.Severity,
		Evidence:        make([]api.Evidence, 0, len(report.Evidence)),
		Reproducibility: report.Reproducibility,
		Outcome:         report.Outcome,
		CreatedAt:       report.CreatedAt.UTC().Format(time.RFC3339),
	}
	for _, e := range report.Evidence {
		resp.Evidence = append(resp.Evidence, api.Evidence{Signature: e.Signature, Excerpt: e.Excerpt, Offset: e.Offset})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJobTrials(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, ok, err := s.mgr.GetStatus(r.Context(), jobID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	} else if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	trials, err := s.mgr.ListTrials(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := api.ConcurrencyRunResponse{JobID: jobID, Trials: make([]api.TrialView, 0, len(trials))}
	if report, ok, err := s.mgr.GetFaultReport(r.Context(), jobID); err == nil && ok {
		resp.Outcome = report.Outcome
		resp.Reproducibility = report.Reproducibility
	}
	for _, tr := range trials {
		resp.Trials = append(resp.Trials, api.TrialView{TrialID: tr.ID, Seed: tr.Seed, Kind: tr.Kind, Severity: tr.Severity})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.mgr.Cancel(r.Context(), jobID); err != nil {
		if errors.Is(err, lifecycle.ErrUnknownJob) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	job, _, _ := s.mgr.GetStatus(r.Context(), jobID)
	writeJSON(w, http.StatusOK, api.CancelJobResponse{Accepted: true, State: job.State})
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	entries := s.queue.Snapshot()
	avg := s.queue.AvgDuration()
	resp := api.ListQueueResponse{Depth: len(entries), Entries: make([]api.QueueEntryView, 0, len(entries))}
	for i, e := range entries {
		resp.Entries = append(resp.Entries, api.QueueEntryView{
			JobID:            e.JobID,
			Priority:         e.Priority,
			Architecture:     e.Architecture,
			Toolchain:        e.Toolchain,
			Position:         i,
			EstimatedWaitSec: int((time.Duration(i) * avg).Seconds()),
			EnqueuedAt:       e.EnqueuedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRegisterResource(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterResourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ResourceID == "" || req.Slots <= 0 || len(req.Architectures) == 0 {
		writeError(w, http.StatusBadRequest, "resource_id, slots and architectures are required")
		return
	}
	err := s.reg.Register(registry.Resource{
		ID:            req.ResourceID,
		Kind:          req.Kind,
		Architectures: req.Architectures,
		Toolchains:    req.Toolchains,
		Slots:         req.Slots,
		Address:       req.Address,
	})
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateResource) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, api.RegisterResourceResponse{
		Accepted:                 true,
		HeartbeatIntervalSeconds: int(HeartbeatInterval.Seconds()),
	})
}

func (s *Server) handleListResources(w http.ResponseWriter, _ *http.Request) {
	views := s.reg.List()
	resp := api.ListResourcesResponse{Resources: make([]api.ResourceView, 0, len(views))}
	for _, v := range views {
		resp.Resources = append(resp.Resources, api.ResourceView{
			ResourceID:    v.ID,
			Kind:          v.Kind,
			Architectures: v.Architectures,
			Toolchains:    v.Toolchains,
			Slots:         v.Slots,
			Occupied:      v.Occupied,
			Health:        v.Health,
			CPUUtil:       v.Util.CPU,
			MemoryUtil:    v.Util.Memory,
			StorageUtil:   v.Util.Storage,
			LastHeartbeat: v.LastHeartbeat.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeregisterResource(w http.ResponseWriter, r *http.Request) {
	resourceID := chi.URLParam(r, "resourceID")
	force := r.URL.Query().Get("force") == "true"
	failed, err := s.mgr.WithdrawResource(r.Context(), resourceID, force)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrUnknownResource):
			writeError(w, http.StatusNotFound, "resource not found")
		case errors.Is(err, registry.ErrResourceBusy):
			writeError(w, http.StatusConflict, "resource has running jobs; retry with force=true")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, api.DeregisterResourceResponse{Removed: true, FailedJobs: failed})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	resourceID := chi.URLParam(r, "resourceID")
	var req api.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := s.reg.UpdateUtilization(resourceID, registry.Utilization{
		CPU:     req.CPUUtil,
		Memory:  req.MemoryUtil,
		Storage: req.StorageUtil,
	})
	if err != nil {
		if errors.Is(err, registry.ErrUnknownResource) {
			writeError(w, http.StatusNotFound, "resource not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, api.HeartbeatResponse{Accepted: true})
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	resourceID := chi.URLParam(r, "resourceID")
	var req api.MaintenanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.reg.SetMaintenance(resourceID, req.Enabled); err != nil {
		if errors.Is(err, registry.ErrUnknownResource) {
			writeError(w, http.StatusNotFound, "resource not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"maintenance": req.Enabled})
}

func jobStatusView(job state.JobRecord) api.JobStatusResponse {
	return api.JobStatusResponse{
		JobID:        job.ID,
		State:        job.State,
		Priority:     job.Priority,
		Architecture: job.Architecture,
		Toolchain:    job.Toolchain,
		ResourceID:   job.ResourceID,
		RetryCount:   job.RetryCount,
		FailReason:   job.FailReason,
		LogURI:       job.LogURI,
		SubmittedAt:  job.SubmittedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    job.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		traceID := span.SpanContext().TraceID().String()
		if traceID != "" {
			sw.Header().Set("X-Trace-ID", traceID)
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}
