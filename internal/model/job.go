package model

import "time"

// Job is the unit of work: one bulk metafield update run for one shop.
type Job struct {
	ID              string    `json:"id"`
	ShopID          string    `json:"shopId"`
	Status          JobStatus `json:"status"`
	QueryString     string    `json:"queryString"`
	Namespace       string    `json:"namespace"`
	Key             string    `json:"key"`
	Type            MetafieldType `json:"type"`
	Value           string    `json:"value"`
	DryRun          bool      `json:"dryRun"`
	MaxItems        int       `json:"maxItems"`
	InputHash       string    `json:"inputHash"`
	MatchedCount    *int      `json:"matchedCount,omitempty"`
	UpdatedCount    *int      `json:"updatedCount,omitempty"`
	FailedCount     *int      `json:"failedCount,omitempty"`
	ErrorPreview    *string   `json:"errorPreview,omitempty"`
	BulkOperationID *string   `json:"bulkOperationId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// Terminal reports whether the job has finished; terminal jobs absorb
// queue-level redeliveries instead of re-running from scratch.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// JobEvent is one append-only audit record for a job. Events are never
// mutated after creation.
type JobEvent struct {
	JobID     string    `json:"jobId"`
	EventType EventType `json:"eventType"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// MutationResult carries the outcome of the bulk mutation stage.
type MutationResult struct {
	BulkOperationID string
	UpdatedCount    int
	FailedCount     int
	ErrorPreview    *string
}
