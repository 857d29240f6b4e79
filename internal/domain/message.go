package domain

import (
	"encoding/json"
	"slices"
	"time"
)

// Dispatch is broadcast to every worker once a job record exists.
type Dispatch struct {
	JobID            string          `json:"job_id"`
	Payload          json.RawMessage `json:"payload"`
	RequestedModules []string        `json:"requested_modules"`
}

// NewDispatch builds the broadcast message for a freshly stored record.
func NewDispatch(rec *JobRecord) *Dispatch {
	return &Dispatch{
		JobID:            rec.JobID,
		Payload:          rec.Request.Payload,
		RequestedModules: rec.Request.RequestedModules,
	}
}

// Requests reports whether module was asked for by the submitter.
func (d *Dispatch) Requests(module string) bool {
	return slices.Contains(d.RequestedModules, module)
}

// PartialResult is what a worker emits on the return channel.
type PartialResult struct {
	JobID       string          `json:"job_id"`
	ModuleName  string          `json:"module_name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Error       string          `json:"error,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Validate checks the fields the aggregator cannot merge without.
func (p *PartialResult) Validate() error {
	var problems []string
	if p.JobID == "" {
		problems = append(problems, "job_id is required")
	}
	if p.ModuleName == "" {
		problems = append(problems, "module_name is required")
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ModuleResult converts the message into the stored form, stamping now when
// the worker did not report a completion time.
func (p *PartialResult) ModuleResult(now time.Time) ModuleResult {
	completed := now.UTC()
	if p.CompletedAt != nil && !p.CompletedAt.IsZero() {
		completed = p.CompletedAt.UTC()
	}
	return ModuleResult{
		ModuleName:     p.ModuleName,
		CompletionTime: completed,
		Payload:        p.Payload,
		Error:          p.Error,
	}
}
