package domain

import (
	"encoding/json"
	"slices"
	"sort"
	"time"
)

// JobStatus is the completeness of a job as seen by a reader. It is derived
// from the record on every read and never persisted.
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusPartial  JobStatus = "partial"
	JobStatusComplete JobStatus = "complete"
)

// JobRequest is what a caller submits: the modules it wants to hear from and
// an opaque payload handed to every worker untouched. The payload may be
// left out; it is then stored and dispatched as JSON null.
type JobRequest struct {
	RequestedModules []string        `json:"requested_modules" validate:"required,min=1,max=64,unique,dive,modulename"`
	Payload          json.RawMessage `json:"payload" validate:"omitempty,jsonpayload"`
}

// nullPayload stands in for an absent payload.
var nullPayload = json.RawMessage("null")

// ModuleResult is one module's contribution to a job.
type ModuleResult struct {
	ModuleName     string          `json:"module_name"`
	CompletionTime time.Time       `json:"completion_time"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Failed reports whether the module reported an error instead of data.
func (m ModuleResult) Failed() bool {
	return m.Error != ""
}

// JobRecord is the persisted state of a job. Responses only ever gains or
// replaces entries; ExpiresAt is fixed when the record is created.
type JobRecord struct {
	JobID     string                  `json:"job_id"`
	CreatedAt time.Time               `json:"created_at"`
	ExpiresAt time.Time               `json:"expires_at"`
	Request   JobRequest              `json:"request"`
	Responses map[string]ModuleResult `json:"responses"`
}

// NewJobRecord builds a fresh record with no responses.
func NewJobRecord(jobID string, req JobRequest, now time.Time, retention time.Duration) *JobRecord {
	payload := slices.Clone(req.Payload)
	if len(payload) == 0 {
		payload = slices.Clone(nullPayload)
	}
	return &JobRecord{
		JobID:     jobID,
		CreatedAt: now.UTC(),
		ExpiresAt: now.UTC().Add(retention),
		Request: JobRequest{
			RequestedModules: slices.Clone(req.RequestedModules),
			Payload:          payload,
		},
		Responses: make(map[string]ModuleResult),
	}
}

// Merge writes a module result into its slot, replacing any earlier result
// from the same module.
func (r *JobRecord) Merge(res ModuleResult) {
	if r.Responses == nil {
		r.Responses = make(map[string]ModuleResult)
	}
	r.Responses[res.ModuleName] = res
}

// Status derives completeness against the requested module set. Responses
// from modules nobody asked for are kept but never count.
func (r *JobRecord) Status() JobStatus {
	n := r.answered()
	if n == 0 {
		return JobStatusPending
	}
	if n == len(r.Request.RequestedModules) {
		return JobStatusComplete
	}
	return JobStatusPartial
}

// Progress is the fraction of requested modules that have answered.
func (r *JobRecord) Progress() float64 {
	if len(r.Request.RequestedModules) == 0 {
		return 0
	}
	return float64(r.answered()) / float64(len(r.Request.RequestedModules))
}

func (r *JobRecord) answered() int {
	n := 0
	for _, m := range r.Request.RequestedModules {
		if _, ok := r.Responses[m]; ok {
			n++
		}
	}
	return n
}

// Expired reports whether the retention horizon has passed.
func (r *JobRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Clone returns a deep copy safe to hand out of a store.
func (r *JobRecord) Clone() *JobRecord {
	c := *r
	c.Request = JobRequest{
		RequestedModules: slices.Clone(r.Request.RequestedModules),
		Payload:          slices.Clone(r.Request.Payload),
	}
	c.Responses = make(map[string]ModuleResult, len(r.Responses))
	for k, v := range r.Responses {
		v.Payload = slices.Clone(v.Payload)
		c.Responses[k] = v
	}
	return &c
}

// JobIndexEntry is the minimum a store needs to order its listing.
type JobIndexEntry struct {
	JobID     string
	ExpiresAt time.Time
}

// OrderJobIDs sorts entries newest-expiry first, breaking ties on job id so
// the order is stable across calls.
func OrderJobIDs(entries []JobIndexEntry) []string {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].ExpiresAt.Equal(entries[j].ExpiresAt) {
			return entries[i].ExpiresAt.After(entries[j].ExpiresAt)
		}
		return entries[i].JobID > entries[j].JobID
	})
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.JobID)
	}
	return ids
}
