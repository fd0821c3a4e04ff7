package model

// Job status
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// Job event types
type EventType string

const (
	EventCreated           EventType = "CREATED"
	EventStarted           EventType = "STARTED"
	EventLockWaiting       EventType = "LOCK_WAITING"
	EventLockAcquired      EventType = "LOCK_ACQUIRED"
	EventQueryStarted      EventType = "QUERY_STARTED"
	EventQueryCompleted    EventType = "QUERY_COMPLETED"
	EventMutationStarted   EventType = "MUTATION_STARTED"
	EventMutationCompleted EventType = "MUTATION_COMPLETED"
	EventCompleted         EventType = "COMPLETED"
	EventFailed            EventType = "FAILED"
	EventLockReleased      EventType = "LOCK_RELEASED"
)

// Metafield value types accepted by the platform
type MetafieldType string

const (
	MetafieldTypeText    MetafieldType = "single_line_text_field"
	MetafieldTypeBoolean MetafieldType = "boolean"
	MetafieldTypeInteger MetafieldType = "number_integer"
	MetafieldTypeJSON    MetafieldType = "json"
)

var ValidMetafieldTypes = []MetafieldType{
	MetafieldTypeText, MetafieldTypeBoolean, MetafieldTypeInteger, MetafieldTypeJSON,
}

// Remote bulk operation states as reported by the platform
const (
	BulkStatusCreated   = "CREATED"
	BulkStatusRunning   = "RUNNING"
	BulkStatusCompleted = "COMPLETED"
	BulkStatusFailed    = "FAILED"
	BulkStatusCanceled  = "CANCELED"
)
