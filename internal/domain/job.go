package domain

import (
	"time"
)

const (
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
)

// Job is the history record kept for every transform request the API handled.
type Job struct {
	ID         string            `json:"job_id"`
	Operation  Operation         `json:"operation"`
	Status     string            `json:"status"`
	InputID    string            `json:"input_id"`
	OutputID   string            `json:"output_id,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
	ErrorKind  string            `json:"error_kind,omitempty"`
	Error      string            `json:"error,omitempty"`
	WebhookURL string            `json:"webhook_url,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Settle records the outcome of a transform on the job.
func (j *Job) Settle(result TransformResult, err error, at time.Time) {
	j.UpdatedAt = at
	if err != nil {
		j.Status = JobStatusFailed
		j.ErrorKind = KindOf(err)
		j.Error = err.Error()
		return
	}
	j.Status = JobStatusSucceeded
	j.OutputID = result.Output.ID
}
