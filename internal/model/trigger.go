package model

// TriggerRequest is the Flow action payload received on the trigger webhook.
// Field names and limits match the platform's action schema.
type TriggerRequest struct {
	QueryString string `json:"query_string" validate:"required,min=1,max=500"`
	Namespace   string `json:"namespace" validate:"required,max=50,lowercase_key"`
	Key         string `json:"key" validate:"required,max=50,lowercase_key"`
	Type        string `json:"type" validate:"required,oneof=single_line_text_field boolean number_integer json"`
	Value       string `json:"value" validate:"max=1024"`
	DryRun      *bool  `json:"dry_run,omitempty"`
	MaxItems    int    `json:"max_items,omitempty" validate:"omitempty,min=1,max=100000"`
	ActionRunID string `json:"action_run_id,omitempty"`
}

// Defaults applied when optional fields are omitted.
const (
	DefaultMaxItems = 10000
	MaxItemsCeiling = 100000
)

// Spec returns the request normalized into job specification fields with
// defaults applied: dry_run defaults to true (safe mode), max_items to 10000.
func (r *TriggerRequest) Spec() (dryRun bool, maxItems int) {
	dryRun = true
	if r.DryRun != nil {
		dryRun = *r.DryRun
	}
	maxItems = r.MaxItems
	if maxItems == 0 {
		maxItems = DefaultMaxItems
	}
	return dryRun, maxItems
}

// TriggerAck is the acknowledgement returned to the trigger source. Always a
// 200 on success, including the deduped path, because the source retries any
// non-2xx and must not create duplicate work.
type TriggerAck struct {
	OK      bool      `json:"ok"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
	Deduped bool      `json:"deduped"`
}

// JobStatusResponse is the read-only job view served to external viewers.
type JobStatusResponse struct {
	Job    *Job       `json:"job"`
	Events []JobEvent `json:"events,omitempty"`
}
