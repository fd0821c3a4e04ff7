package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/flowmend/api/internal/config"
	"github.com/flowmend/api/internal/model"
	"github.com/flowmend/api/internal/store"
)

const (
	TaskTypeJob = "job:process"
	QueueJobs   = "jobs"
)

// TaskPayload is the queue envelope; it carries only identifiers, the job
// record itself lives in the store.
type TaskPayload struct {
	JobID  string `json:"jobId"`
	ShopID string `json:"shopId"`
}

// JobService sits between the trigger webhook and the queue: it admits
// requests (deduplicating retries), enqueues fresh jobs, and serves the
// read-only job/event views.
type JobService struct {
	store       *store.Store
	asynqClient *asynq.Client
	maxRetry    int
	retention   time.Duration
}

func NewJobService(st *store.Store, asynqClient *asynq.Client, cfg *config.WorkerConfig) *JobService {
	return &JobService{
		store:       st,
		asynqClient: asynqClient,
		maxRetry:    cfg.MaxRetry,
		retention:   time.Duration(cfg.RetentionHours) * time.Hour,
	}
}

// Trigger admits one trigger request and enqueues the job if it is new. The
// ack it returns is what the trigger source sees; a deduped request is a
// success referencing the already-open job, never a conflict.
func (s *JobService) Trigger(ctx context.Context, shopID string, req *model.TriggerRequest) (*model.TriggerAck, error) {
	job, deduped, err := s.store.AdmitJob(ctx, shopID, req)
	if err != nil {
		return nil, err
	}

	if !deduped {
		if err := s.enqueue(ctx, job); err != nil {
			return nil, err
		}
		log.Printf("[Service] Job %s enqueued for shop %s", job.ID, shopID)
	}

	return &model.TriggerAck{
		OK:      true,
		JobID:   job.ID,
		Status:  job.Status,
		Deduped: deduped,
	}, nil
}

// enqueue adds the job to the work queue. The task id equals the job id, so
// a duplicate enqueue of the same job is a no-op at the queue layer — defense
// in depth behind the admission gate.
func (s *JobService) enqueue(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(TaskPayload{JobID: job.ID, ShopID: job.ShopID})
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}

	task := asynq.NewTask(TaskTypeJob, data)
	_, err = s.asynqClient.EnqueueContext(ctx, task,
		asynq.TaskID(job.ID),
		asynq.Queue(QueueJobs),
		asynq.MaxRetry(s.maxRetry),
		asynq.Retention(s.retention),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		log.Printf("[Service] Job %s already enqueued, skipping", job.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// GetJob returns the persisted job record.
func (s *JobService) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// GetEvents returns the job's event trail in creation order.
func (s *JobService) GetEvents(ctx context.Context, jobID string) ([]model.JobEvent, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.GetEvents(ctx, jobID)
}
