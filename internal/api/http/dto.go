package http

import (
	"encoding/json"
	"time"

	"threat-api/internal/domain"
)

// SubmitJobRequest is the body of POST /jobs.
type SubmitJobRequest struct {
	RequestedModules []string        `json:"requested_modules"`
	Payload          json.RawMessage `json:"payload"`
}

// ToDomainRequest converts the DTO into the request the submission service
// validates.
func (r *SubmitJobRequest) ToDomainRequest() domain.JobRequest {
	return domain.JobRequest{
		RequestedModules: r.RequestedModules,
		Payload:          r.Payload,
	}
}

// SubmitJobResponse is returned by an async submission. Error is set only
// when the job was stored but could not be dispatched.
type SubmitJobResponse struct {
	JobID string `json:"job_id"`
	Error string `json:"error,omitempty"`
}

// JobView is a record as stored plus the fields derived from it on read.
type JobView struct {
	JobID     string                         `json:"job_id"`
	CreatedAt time.Time                      `json:"created_at"`
	ExpiresAt time.Time                      `json:"expires_at"`
	Request   domain.JobRequest              `json:"request"`
	Responses map[string]domain.ModuleResult `json:"responses"`
	Status    domain.JobStatus               `json:"status"`
	Progress  float64                        `json:"progress"`
}

// NewJobView derives the view of rec.
func NewJobView(rec *domain.JobRecord) JobView {
	responses := rec.Responses
	if responses == nil {
		responses = map[string]domain.ModuleResult{}
	}
	return JobView{
		JobID:     rec.JobID,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
		Request:   rec.Request,
		Responses: responses,
		Status:    rec.Status(),
		Progress:  rec.Progress(),
	}
}

// ClassifyRequest is the body of POST /classify.
type ClassifyRequest struct {
	IOCs []string `json:"iocs"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}
