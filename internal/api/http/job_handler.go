// internal/api/http/job_handler.go
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"threat-api/internal/domain"
	"threat-api/internal/metrics"
	"threat-api/internal/usecase"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// maxBodyBytes caps submission bodies.
	maxBodyBytes = 4 << 20
	// maxClassifyIOCs caps one classification request.
	maxClassifyIOCs = 1000
)

// JobHandler serves the job submission and query endpoints.
type JobHandler struct {
	submissions *usecase.SubmissionService
	queries     *usecase.QueryService
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(submissions *usecase.SubmissionService, queries *usecase.QueryService, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		submissions: submissions,
		queries:     queries,
		logger:      logger.With("component", "job-handler"),
		tracer:      otel.Tracer("threat-api-http"),
	}
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RegisterRoutes registers the job, module and health routes on mux.
func (h *JobHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/jobs", h.instrument("/jobs", http.HandlerFunc(h.handleJobs)))
	mux.Handle("/jobs/", h.instrument("/jobs/{id}", http.HandlerFunc(h.handleJobs)))
	mux.Handle("/modules", h.instrument("/modules", http.HandlerFunc(h.handleModules)))
	mux.Handle("/classify", h.instrument("/classify", http.HandlerFunc(h.handleClassify)))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func (h *JobHandler) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method+" "+route, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(iw, r.WithContext(ctx))

		metrics.HttpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(iw.statusCode)).Inc()

		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

// handleJobs dispatches /jobs and /jobs/{id}.
func (h *JobHandler) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/jobs"), "/")
	if strings.Contains(jobID, "/") {
		http.NotFound(w, r)
		return
	}

	switch {
	case r.Method == http.MethodPost && jobID == "":
		h.handleSubmit(w, r)
	case r.Method == http.MethodGet && jobID == "":
		h.handleListJobs(w, r)
	case r.Method == http.MethodGet:
		h.handleGetJob(w, r, jobID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
	}
}

// handleSubmit handles POST /jobs. With ?wait=<duration> the call blocks
// until the job completes or the wait elapses.
func (h *JobHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.SubmitJob")
	defer span.End()

	var req SubmitJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		writeError(w, http.StatusBadRequest, "Malformed request body", []string{err.Error()})
		return
	}

	var (
		wait time.Duration
		sync bool
	)
	if raw, ok := r.URL.Query()["wait"]; ok {
		sync = true
		if len(raw) > 0 && raw[0] != "" {
			d, err := time.ParseDuration(raw[0])
			if err != nil || d < 0 {
				writeError(w, http.StatusBadRequest, "Invalid wait duration", []string{"wait must be a non-negative duration such as 30s"})
				return
			}
			wait = d
		}
	}

	if sync {
		rec, err := h.submissions.SubmitSync(ctx, req.ToDomainRequest(), wait)
		if err != nil {
			h.writeSubmitError(w, span, err, rec)
			return
		}
		span.SetAttributes(attribute.String("job.id", rec.JobID))
		writeJSON(w, http.StatusOK, NewJobView(rec))
		return
	}

	jobID, err := h.submissions.SubmitAsync(ctx, req.ToDomainRequest())
	if err != nil {
		var rec *domain.JobRecord
		if jobID != "" {
			rec = &domain.JobRecord{JobID: jobID}
		}
		h.writeSubmitError(w, span, err, rec)
		return
	}
	span.SetAttributes(attribute.String("job.id", jobID))
	writeJSON(w, http.StatusAccepted, SubmitJobResponse{JobID: jobID})
}

func (h *JobHandler) writeSubmitError(w http.ResponseWriter, span trace.Span, err error, rec *domain.JobRecord) {
	span.RecordError(err)

	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		span.SetStatus(codes.Error, "Validation failed")
		writeError(w, http.StatusBadRequest, "Validation failed", verr.Problems)
	case errors.Is(err, domain.ErrPublishFailed) && rec != nil:
		h.logger.Error("job stored but not dispatched", "job_id", rec.JobID, "error", err)
		writeJSON(w, http.StatusBadGateway, SubmitJobResponse{JobID: rec.JobID, Error: err.Error()})
	case errors.Is(err, domain.ErrStoreUnavailable):
		h.logger.Error("job store unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "Job store unavailable", nil)
	default:
		h.logger.Error("error submitting job", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error", nil)
	}
}

func (h *JobHandler) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	rec, err := h.queries.Get(ctx, jobID)
	if err != nil {
		span.SetStatus(codes.Error, "Failed to get job from service")
		span.RecordError(err)
		if errors.Is(err, domain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, domain.ErrJobNotFound.Error(), nil)
			return
		}
		h.logger.Error("error getting job", "job_id", jobID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "Job store unavailable", nil)
		return
	}

	writeJSON(w, http.StatusOK, NewJobView(rec))
}

func (h *JobHandler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.ListJobs")
	defer span.End()

	ids, err := h.queries.List(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "Failed to list jobs from service")
		span.RecordError(err)
		h.logger.Error("error listing jobs", "error", err)
		writeError(w, http.StatusServiceUnavailable, "Job store unavailable", nil)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (h *JobHandler) handleModules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
		return
	}
	ctx, span := h.tracer.Start(r.Context(), "handler.ListModules")
	defer span.End()

	modules, err := h.queries.Modules(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "Failed to list modules")
		span.RecordError(err)
		h.logger.Error("error listing modules", "error", err)
		writeError(w, http.StatusServiceUnavailable, "Module registry unavailable", nil)
		return
	}
	writeJSON(w, http.StatusOK, modules)
}

// handleClassify handles POST /classify, grouping the submitted indicators
// by detected type.
func (h *JobHandler) handleClassify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
		return
	}
	ctx, span := h.tracer.Start(r.Context(), "handler.Classify")
	defer span.End()

	var req ClassifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "Invalid request body")
		writeError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}
	if len(req.IOCs) == 0 || len(req.IOCs) > maxClassifyIOCs {
		writeError(w, http.StatusBadRequest, "iocs must hold between 1 and "+strconv.Itoa(maxClassifyIOCs)+" entries", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.queries.Classify(ctx, req.IOCs))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, details []string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Details: details})
}
