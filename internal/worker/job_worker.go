package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/flowmend/api/internal/auth"
	"github.com/flowmend/api/internal/client"
	"github.com/flowmend/api/internal/config"
	"github.com/flowmend/api/internal/model"
	"github.com/flowmend/api/internal/service"
)

// ErrLockBusy means another job holds the shop's bulk operation slot. The
// task is returned to the queue and retried with backoff while the job stays
// PENDING.
var ErrLockBusy = errors.New("bulk operation lock busy")

// JobStore is the slice of the store the worker needs.
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	SaveJob(ctx context.Context, job *model.Job) error
	AppendEvent(ctx context.Context, jobID string, eventType model.EventType, message string) error
	ClearFingerprint(ctx context.Context, job *model.Job) error
	GetShop(ctx context.Context, shopID string) (*model.Shop, error)
}

// Locker guards the one-bulk-operation-per-shop slot.
type Locker interface {
	Acquire(ctx context.Context, shopID, holderID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, shopID, holderID string) (bool, error)
	Extend(ctx context.Context, shopID, holderID string, ttl time.Duration) (bool, error)
}

// JobWorker drives one job through its lifecycle: lock, query, mutate,
// record the outcome. It is registered as the asynq handler for job tasks.
type JobWorker struct {
	store         JobStore
	locker        Locker
	bulk          client.BulkOperator
	encryptionKey string
	lockTTL       time.Duration
	extendEvery   time.Duration
}

func NewJobWorker(st JobStore, locker Locker, bulk client.BulkOperator, cfg *config.Config) *JobWorker {
	return &JobWorker{
		store:         st,
		locker:        locker,
		bulk:          bulk,
		encryptionKey: cfg.Platform.EncryptionKey,
		lockTTL:       time.Duration(cfg.Lock.TTLMinutes) * time.Minute,
		extendEvery:   time.Duration(cfg.Lock.ExtendMinutes) * time.Minute,
	}
}

// ProcessTask implements asynq.Handler.
func (w *JobWorker) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var payload service.TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid task payload: %v: %w", err, asynq.SkipRetry)
	}

	job, err := w.store.GetJob(ctx, payload.JobID)
	if err != nil {
		return fmt.Errorf("job %s not loadable: %v: %w", payload.JobID, err, asynq.SkipRetry)
	}

	// Redeliveries of finished jobs are absorbed here. A job that already
	// reached COMPLETED or FAILED never runs again.
	if job.Terminal() {
		log.Printf("[Worker] Job %s already %s, ignoring redelivery", job.ID, job.Status)
		return nil
	}

	shop, err := w.store.GetShop(ctx, job.ShopID)
	if err != nil {
		return w.failJob(ctx, job, fmt.Errorf("shop %s not found: %w", job.ShopID, err))
	}
	accessToken, err := auth.DecryptToken(shop.AccessToken, w.encryptionKey)
	if err != nil {
		return w.failJob(ctx, job, fmt.Errorf("failed to decrypt access token: %w", err))
	}

	acquired, err := w.locker.Acquire(ctx, job.ShopID, job.ID, w.lockTTL)
	if err != nil {
		return fmt.Errorf("lock acquire failed: %w", err)
	}
	if !acquired {
		_ = w.store.AppendEvent(ctx, job.ID, model.EventLockWaiting, "Another bulk operation is running for this shop")
		log.Printf("[Worker] Job %s waiting for lock on shop %s", job.ID, job.ShopID)
		return fmt.Errorf("shop %s: %w", job.ShopID, ErrLockBusy)
	}
	_ = w.store.AppendEvent(ctx, job.ID, model.EventLockAcquired, "")
	defer w.releaseLock(job)

	stop := make(chan struct{})
	go w.keepLockAlive(job, stop)
	defer close(stop)

	now := time.Now().UTC()
	job.Status = model.JobStatusRunning
	job.StartedAt = &now
	if err := w.store.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}
	_ = w.store.AppendEvent(ctx, job.ID, model.EventStarted, "")

	_ = w.store.AppendEvent(ctx, job.ID, model.EventQueryStarted, "")
	ownerIDs, err := w.bulk.RunBulkQuery(ctx, shop.ID, accessToken, job.QueryString, job.MaxItems)
	if err != nil {
		return w.failJob(ctx, job, fmt.Errorf("bulk query failed: %w", err))
	}
	matched := len(ownerIDs)
	job.MatchedCount = &matched
	if err := w.store.SaveJob(ctx, job); err != nil {
		return w.failJob(ctx, job, fmt.Errorf("failed to save query result: %w", err))
	}
	_ = w.store.AppendEvent(ctx, job.ID, model.EventQueryCompleted, fmt.Sprintf("Matched %d items", matched))

	if job.DryRun {
		log.Printf("[Worker] Job %s dry run, skipping mutation (%d matched)", job.ID, matched)
		return w.completeJob(ctx, job)
	}
	if matched == 0 {
		zero := 0
		job.UpdatedCount = &zero
		job.FailedCount = &zero
		return w.completeJob(ctx, job)
	}

	_ = w.store.AppendEvent(ctx, job.ID, model.EventMutationStarted, fmt.Sprintf("Updating %d items", matched))
	result, err := w.bulk.RunBulkMutation(ctx, shop.ID, accessToken, job, ownerIDs)
	if err != nil {
		return w.failJob(ctx, job, fmt.Errorf("bulk mutation failed: %w", err))
	}
	job.UpdatedCount = &result.UpdatedCount
	job.FailedCount = &result.FailedCount
	job.ErrorPreview = result.ErrorPreview
	if result.BulkOperationID != "" {
		job.BulkOperationID = &result.BulkOperationID
	}
	_ = w.store.AppendEvent(ctx, job.ID, model.EventMutationCompleted,
		fmt.Sprintf("Updated %d, failed %d", result.UpdatedCount, result.FailedCount))

	return w.completeJob(ctx, job)
}

// completeJob records the terminal COMPLETED state and reopens admission for
// the job's fingerprint.
func (w *JobWorker) completeJob(ctx context.Context, job *model.Job) error {
	now := time.Now().UTC()
	job.Status = model.JobStatusCompleted
	job.CompletedAt = &now
	if err := w.store.SaveJob(ctx, job); err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	_ = w.store.AppendEvent(ctx, job.ID, model.EventCompleted, "")
	if err := w.store.ClearFingerprint(ctx, job); err != nil {
		log.Printf("[Worker] Job %s: failed to clear fingerprint: %v", job.ID, err)
	}
	log.Printf("[Worker] Job %s completed", job.ID)
	return nil
}

// failJob records the terminal FAILED state. The original error is returned
// so the queue counts the attempt; redeliveries hit the terminal guard.
func (w *JobWorker) failJob(ctx context.Context, job *model.Job, cause error) error {
	now := time.Now().UTC()
	msg := cause.Error()
	job.Status = model.JobStatusFailed
	job.CompletedAt = &now
	if job.ErrorPreview == nil {
		job.ErrorPreview = &msg
	}
	if err := w.store.SaveJob(ctx, job); err != nil {
		log.Printf("[Worker] Job %s: failed to persist failure: %v", job.ID, err)
	}
	_ = w.store.AppendEvent(ctx, job.ID, model.EventFailed, msg)
	if err := w.store.ClearFingerprint(ctx, job); err != nil {
		log.Printf("[Worker] Job %s: failed to clear fingerprint: %v", job.ID, err)
	}
	log.Printf("[Worker] Job %s failed: %v", job.ID, cause)
	return cause
}

// releaseLock runs on a fresh context so the lock is freed even when the
// task context is already canceled.
func (w *JobWorker) releaseLock(job *model.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	released, err := w.locker.Release(ctx, job.ShopID, job.ID)
	if err != nil {
		log.Printf("[Worker] Job %s: lock release error: %v", job.ID, err)
		return
	}
	if released {
		_ = w.store.AppendEvent(ctx, job.ID, model.EventLockReleased, "")
	}
}

// keepLockAlive refreshes the lock TTL while long bulk operations run, so a
// mutation that outlives the initial TTL does not lose the slot mid-flight.
func (w *JobWorker) keepLockAlive(job *model.Job, stop <-chan struct{}) {
	ticker := time.NewTicker(w.extendEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			ok, err := w.locker.Extend(ctx, job.ShopID, job.ID, w.lockTTL)
			cancel()
			if err != nil {
				log.Printf("[Worker] Job %s: lock extend error: %v", job.ID, err)
			} else if !ok {
				log.Printf("[Worker] Job %s: lock no longer held, extend skipped", job.ID)
			}
		}
	}
}
