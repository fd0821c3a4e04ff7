// Package store persists jobs, their append-only event trails, and shop
// records in Redis, and owns the atomic admission path that collapses
// duplicate trigger deliveries into a single job.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flowmend/api/internal/idempotency"
	"github.com/flowmend/api/internal/model"
)

const (
	jobKeyPrefix    = "job:"
	eventKeySuffix  = ":events"
	dedupeKeyPrefix = "dedupe:"
	shopKeyPrefix   = "shop:"

	// Safety net on the fingerprint index: normally cleared when the job
	// goes terminal, the TTL only covers a crash between admission and
	// cleanup.
	openJobTTL = 24 * time.Hour
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrShopNotFound = errors.New("shop not found")
)

// Lua compare-and-delete, so a stale terminal transition cannot clear a
// fingerprint that a newer job has since claimed.
var clearFingerprintScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end
`)

type Store struct {
	redis *redis.Client
}

func New(redisClient *redis.Client) *Store {
	return &Store{redis: redisClient}
}

func jobKey(jobID string) string    { return jobKeyPrefix + jobID }
func eventsKey(jobID string) string { return jobKeyPrefix + jobID + eventKeySuffix }
func shopKey(shopID string) string  { return shopKeyPrefix + shopID }
func dedupeKey(shopID, hash string) string {
	return fmt.Sprintf("%s%s:%s", dedupeKeyPrefix, shopID, hash)
}

// AdmitJob creates a PENDING job for the request, or reports the already-open
// job with the same fingerprint. Admission is check-then-create made atomic
// by SETNX on the fingerprint key: concurrent identical requests converge on
// the single job whose id won the SETNX.
func (s *Store) AdmitJob(ctx context.Context, shopID string, req *model.TriggerRequest) (*model.Job, bool, error) {
	dryRun, maxItems := req.Spec()

	hash := idempotency.Hash(idempotency.Input{
		ShopID:      shopID,
		QueryString: req.QueryString,
		Namespace:   req.Namespace,
		Key:         req.Key,
		Type:        req.Type,
		Value:       req.Value,
		DryRun:      dryRun,
		MaxItems:    maxItems,
	})
	key := dedupeKey(shopID, hash)
	jobID := uuid.New().String()

	for attempt := 0; attempt < 3; attempt++ {
		won, err := s.redis.SetNX(ctx, key, jobID, openJobTTL).Result()
		if err != nil {
			return nil, false, fmt.Errorf("admission check failed: %w", err)
		}

		if won {
			job := &model.Job{
				ID:          jobID,
				ShopID:      shopID,
				Status:      model.JobStatusPending,
				QueryString: req.QueryString,
				Namespace:   req.Namespace,
				Key:         req.Key,
				Type:        model.MetafieldType(req.Type),
				Value:       req.Value,
				DryRun:      dryRun,
				MaxItems:    maxItems,
				InputHash:   hash,
				CreatedAt:   time.Now(),
			}
			if err := s.SaveJob(ctx, job); err != nil {
				// Roll the claim back so a retry is not deduped against a
				// job record that never existed.
				s.ClearFingerprint(ctx, job)
				return nil, false, err
			}
			if err := s.AppendEvent(ctx, jobID, model.EventCreated, "Job created and enqueued"); err != nil {
				log.Printf("[Store] Failed to record CREATED event for job %s: %v", jobID, err)
			}
			log.Printf("[Store] Job %s admitted for shop %s", jobID, shopID)
			return job, false, nil
		}

		existingID, err := s.redis.Get(ctx, key).Result()
		if err == redis.Nil {
			// The open job went terminal between our SETNX and GET; contend
			// again.
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("admission check failed: %w", err)
		}

		existing, err := s.GetJob(ctx, existingID)
		if errors.Is(err, ErrJobNotFound) {
			// The winner claimed the fingerprint but has not saved the job
			// record yet. The id is all callers need for the deduped ack.
			existing = &model.Job{ID: existingID, ShopID: shopID, Status: model.JobStatusPending}
		} else if err != nil {
			return nil, false, err
		}

		log.Printf("[Store] Duplicate trigger for shop %s deduped to job %s", shopID, existingID)
		return existing, true, nil
	}

	return nil, false, fmt.Errorf("admission contention for shop %s did not settle", shopID)
}

// SaveJob persists the full job record. The worker owns the job's mutable
// state while processing; nothing else writes here mid-run.
func (s *Store) SaveJob(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := s.redis.Set(ctx, jobKey(job.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := s.redis.Get(ctx, jobKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// AppendEvent appends one audit record to the job's event list. RPUSH keeps
// events in strict creation order; they are never rewritten.
func (s *Store) AppendEvent(ctx context.Context, jobID string, eventType model.EventType, message string) error {
	event := model.JobEvent{
		JobID:     jobID,
		EventType: eventType,
		Message:   message,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.redis.RPush(ctx, eventsKey(jobID), data).Err(); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *Store) GetEvents(ctx context.Context, jobID string) ([]model.JobEvent, error) {
	raw, err := s.redis.LRange(ctx, eventsKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}

	events := make([]model.JobEvent, 0, len(raw))
	for _, item := range raw {
		var event model.JobEvent
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		events = append(events, event)
	}
	return events, nil
}

// ClearFingerprint releases the job's fingerprint claim once the job is
// terminal, reopening the dedup window for identical future requests.
func (s *Store) ClearFingerprint(ctx context.Context, job *model.Job) error {
	key := dedupeKey(job.ShopID, job.InputHash)
	if _, err := clearFingerprintScript.Run(ctx, s.redis, []string{key}, job.ID).Int(); err != nil {
		return fmt.Errorf("failed to clear fingerprint: %w", err)
	}
	return nil
}

func (s *Store) SaveShop(ctx context.Context, shop *model.Shop) error {
	data, err := json.Marshal(shop)
	if err != nil {
		return fmt.Errorf("failed to marshal shop: %w", err)
	}
	if err := s.redis.Set(ctx, shopKey(shop.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save shop: %w", err)
	}
	return nil
}

func (s *Store) GetShop(ctx context.Context, shopID string) (*model.Shop, error) {
	data, err := s.redis.Get(ctx, shopKey(shopID)).Bytes()
	if err == redis.Nil {
		return nil, ErrShopNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load shop: %w", err)
	}

	var shop model.Shop
	if err := json.Unmarshal(data, &shop); err != nil {
		return nil, fmt.Errorf("failed to unmarshal shop: %w", err)
	}
	return &shop, nil
}
