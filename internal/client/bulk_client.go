package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flowmend/api/internal/config"
	"github.com/flowmend/api/internal/jsonl"
	"github.com/flowmend/api/internal/model"
)

// BulkOperator defines the two long-running stages a job drives against the
// platform's Admin API.
type BulkOperator interface {
	RunBulkQuery(ctx context.Context, shopDomain, accessToken, queryString string, maxItems int) ([]string, error)
	RunBulkMutation(ctx context.Context, shopDomain, accessToken string, job *model.Job, ownerIDs []string) (*model.MutationResult, error)
}

// ErrTimeout marks a poll that exceeded its hard ceiling, as opposed to the
// platform reporting a failure.
var ErrTimeout = errors.New("bulk operation timed out")

// BulkClient implements BulkOperator against the Admin GraphQL API. The
// platform executes bulk operations asynchronously: submit returns an
// operation id, status is polled, and a completed operation resolves to a
// downloadable JSONL result file.
type BulkClient struct {
	httpClient *http.Client
	processor  *jsonl.Processor
	archive    StorageClient

	apiVersion string
	maxRetries int
	chunkBytes int
	baseURL    string // overrides the per-shop endpoint, set by tests

	queryPollInterval time.Duration
	queryMaxWait      time.Duration
	mutationPollInterval time.Duration
	mutationMaxWait      time.Duration
}

// NewBulkClient creates the Admin API bulk operation client. archive may be
// nil, in which case mutation input files are not archived.
func NewBulkClient(platform *config.PlatformConfig, bulk *config.BulkConfig, archive StorageClient) *BulkClient {
	return &BulkClient{
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		processor:  jsonl.NewProcessor(nil),
		archive:    archive,
		apiVersion: platform.APIVersion,
		maxRetries: bulk.MaxRetries,
		chunkBytes: bulk.ChunkSizeMB * 1024 * 1024,

		queryPollInterval:    time.Duration(bulk.QueryPollSeconds) * time.Second,
		queryMaxWait:         time.Duration(bulk.QueryTimeoutMinutes) * time.Minute,
		mutationPollInterval: time.Duration(bulk.MutationPollSeconds) * time.Second,
		mutationMaxWait:      time.Duration(bulk.MutationTimeoutMinutes) * time.Minute,
	}
}

// ---------------------------------------------------------------------------
// GraphQL transport

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type userError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
}

func (c *BulkClient) endpoint(shopDomain string) string {
	if c.baseURL != "" {
		return c.baseURL
	}
	return fmt.Sprintf("https://%s/admin/api/%s/graphql.json", shopDomain, c.apiVersion)
}

// execute runs one GraphQL request with the transient-error retry budget:
// rate limits (429, honoring Retry-After) and 5xx responses back off
// exponentially; every other error surfaces immediately.
func (c *BulkClient) execute(ctx context.Context, shopDomain, accessToken, query string, variables map[string]interface{}, result interface{}) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(shopDomain), bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Shopify-Access-Token", accessToken)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			delay := backoffDelay(attempt)
			if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
				if secs, err := strconv.Atoi(retryAfter); err == nil {
					delay = time.Duration(secs) * time.Second
				}
			}
			log.Printf("[Bulk API] Rate limited by %s, retrying in %s (attempt %d)", shopDomain, delay, attempt+1)
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			continue

		case resp.StatusCode >= 500:
			delay := backoffDelay(attempt)
			log.Printf("[Bulk API] Server error %d from %s, retrying in %s (attempt %d)", resp.StatusCode, shopDomain, delay, attempt+1)
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			continue

		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return fmt.Errorf("admin API error (status %d): %s", resp.StatusCode, string(respBody))
		}

		var envelope graphQLResponse
		if err := json.Unmarshal(respBody, &envelope); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
		if len(envelope.Errors) > 0 {
			return fmt.Errorf("graphql error: %s", envelope.Errors[0].Message)
		}
		if err := json.Unmarshal(envelope.Data, result); err != nil {
			return fmt.Errorf("failed to unmarshal response data: %w", err)
		}
		return nil
	}

	return fmt.Errorf("max retries (%d) exceeded for admin API request", c.maxRetries)
}

func backoffDelay(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt))) * time.Second
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// ---------------------------------------------------------------------------
// Bulk query stage

const runQueryMutation = `
mutation($query: String!) {
  bulkOperationRunQuery(query: $query) {
    bulkOperation {
      id
      status
    }
    userErrors {
      field
      message
    }
  }
}`

const currentOperationQuery = `
query {
  currentBulkOperation {
    id
    status
    errorCode
    objectCount
    url
  }
}`

// BulkOperationStatus is the platform's view of an in-flight operation.
type BulkOperationStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	ErrorCode   string `json:"errorCode"`
	ObjectCount string `json:"objectCount"`
	URL         string `json:"url"`
}

// RunBulkQuery submits a read-only product search as a bulk operation, polls
// it to completion, and streams the matched owner ids out of the result file.
// A completed operation with no result URL means zero matches.
func (c *BulkClient) RunBulkQuery(ctx context.Context, shopDomain, accessToken, queryString string, maxItems int) ([]string, error) {
	innerQuery := fmt.Sprintf(`{
  products(query: %q) {
    edges {
      node {
        id
      }
    }
  }
}`, queryString)

	var payload struct {
		BulkOperationRunQuery struct {
			BulkOperation struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"bulkOperation"`
			UserErrors []userError `json:"userErrors"`
		} `json:"bulkOperationRunQuery"`
	}
	if err := c.execute(ctx, shopDomain, accessToken, runQueryMutation, map[string]interface{}{"query": innerQuery}, &payload); err != nil {
		return nil, err
	}
	if len(payload.BulkOperationRunQuery.UserErrors) > 0 {
		return nil, fmt.Errorf("bulk query rejected: %s", payload.BulkOperationRunQuery.UserErrors[0].Message)
	}

	opID := payload.BulkOperationRunQuery.BulkOperation.ID
	log.Printf("[Bulk API] Query operation %s started for %s", opID, shopDomain)

	op, err := c.pollCurrentOperation(ctx, shopDomain, accessToken, c.queryPollInterval, c.queryMaxWait,
		fmt.Sprintf("bulk query did not finish within %s; try reducing max_items to split the job into smaller batches", c.queryMaxWait))
	if err != nil {
		return nil, err
	}

	if op.URL == "" {
		log.Printf("[Bulk API] Query operation %s completed with no results", opID)
		return []string{}, nil
	}

	return c.processor.CollectIDs(ctx, op.URL, maxItems)
}

// pollCurrentOperation polls the shop's current bulk operation at interval
// until it reaches a terminal state or the hard ceiling passes.
func (c *BulkClient) pollCurrentOperation(ctx context.Context, shopDomain, accessToken string, interval, maxWait time.Duration, timeoutMsg string) (*BulkOperationStatus, error) {
	deadline := time.Now().Add(maxWait)
	attempt := 0

	for time.Now().Before(deadline) {
		attempt++

		var payload struct {
			CurrentBulkOperation BulkOperationStatus `json:"currentBulkOperation"`
		}
		if err := c.execute(ctx, shopDomain, accessToken, currentOperationQuery, nil, &payload); err != nil {
			return nil, err
		}
		op := payload.CurrentBulkOperation

		log.Printf("[Bulk API] Poll #%d (%s) — status: %s", attempt, shopDomain, op.Status)

		switch op.Status {
		case model.BulkStatusCompleted:
			return &op, nil
		case model.BulkStatusFailed, model.BulkStatusCanceled:
			code := op.ErrorCode
			if code == "" {
				code = "UNKNOWN"
			}
			return nil, fmt.Errorf("bulk operation failed: %s", code)
		}

		if err := sleep(ctx, interval); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrTimeout, timeoutMsg)
}

// ---------------------------------------------------------------------------
// Bulk mutation stage

const metafieldsSetMutation = `
mutation metafieldsSet($ownerId: ID!, $namespace: String!, $key: String!, $type: String!, $value: String!) {
  metafieldsSet(metafields: [{
    ownerId: $ownerId,
    namespace: $namespace,
    key: $key,
    type: $type,
    value: $value
  }]) {
    metafields {
      id
    }
    userErrors {
      field
      message
    }
  }
}`

const stagedUploadsCreateMutation = `
mutation {
  stagedUploadsCreate(input: [
    {
      resource: BULK_MUTATION_VARIABLES,
      filename: "bulk-mutation-vars.jsonl",
      mimeType: "text/jsonl",
      httpMethod: POST
    }
  ]) {
    stagedTargets {
      url
      resourceUrl
      parameters {
        name
        value
      }
    }
    userErrors {
      field
      message
    }
  }
}`

const runMutationMutation = `
mutation($mutation: String!, $stagedUploadPath: String!) {
  bulkOperationRunMutation(
    mutation: $mutation,
    stagedUploadPath: $stagedUploadPath
  ) {
    bulkOperation {
      id
      status
    }
    userErrors {
      field
      message
    }
  }
}`

type stagedTarget struct {
	URL         string `json:"url"`
	ResourceURL string `json:"resourceUrl"`
	Parameters  []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"parameters"`
}

// RunBulkMutation writes the target metafield onto every matched owner. The
// owner ids are serialized into JSONL chunks under the platform's per-file
// limit; every chunk is staged, submitted, and polled in turn, with counts
// aggregated across chunks.
func (c *BulkClient) RunBulkMutation(ctx context.Context, shopDomain, accessToken string, job *model.Job, ownerIDs []string) (*model.MutationResult, error) {
	chunks, err := jsonl.BuildChunks(ownerIDs, job, c.chunkBytes)
	if err != nil {
		return nil, err
	}
	if len(chunks) > 1 {
		log.Printf("[Bulk API] Job %s split into %d mutation chunks", job.ID, len(chunks))
	}

	result := &model.MutationResult{}
	var previews []string

	for i, chunk := range chunks {
		content := strings.Join(chunk, "")

		if c.archive != nil {
			key := fmt.Sprintf("mutations/%s/%s/chunk-%03d.jsonl", shopDomain, job.ID, i)
			if url, err := c.archive.Upload(ctx, key, strings.NewReader(content), "text/jsonl"); err != nil {
				// Archival is best-effort; the run itself must not depend
				// on the archive bucket being reachable.
				log.Printf("[Bulk API] Failed to archive chunk %d of job %s: %v", i, job.ID, err)
			} else {
				log.Printf("[Bulk API] Archived chunk %d of job %s to %s", i, job.ID, url)
			}
		}

		chunkResult, err := c.runMutationChunk(ctx, shopDomain, accessToken, job, content)
		if err != nil {
			return nil, fmt.Errorf("mutation chunk %d/%d: %w", i+1, len(chunks), err)
		}

		result.BulkOperationID = chunkResult.BulkOperationID
		result.UpdatedCount += chunkResult.UpdatedCount
		result.FailedCount += chunkResult.FailedCount
		if chunkResult.ErrorPreview != nil {
			previews = append(previews, *chunkResult.ErrorPreview)
		}
	}

	if len(previews) > 0 {
		preview := strings.Join(previews, "\n")
		if len(preview) > jsonl.MaxPreviewBytes {
			preview = preview[:jsonl.MaxPreviewBytes] + jsonl.TruncationMarker
		}
		result.ErrorPreview = &preview
	}

	return result, nil
}

// runMutationChunk drives one staged upload through submit, poll, and result
// accounting.
func (c *BulkClient) runMutationChunk(ctx context.Context, shopDomain, accessToken string, job *model.Job, content string) (*model.MutationResult, error) {
	stagedPath, err := c.stageUpload(ctx, shopDomain, accessToken, content)
	if err != nil {
		return nil, err
	}

	var payload struct {
		BulkOperationRunMutation struct {
			BulkOperation struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"bulkOperation"`
			UserErrors []userError `json:"userErrors"`
		} `json:"bulkOperationRunMutation"`
	}
	vars := map[string]interface{}{
		"mutation":         metafieldsSetMutation,
		"stagedUploadPath": stagedPath,
	}
	if err := c.execute(ctx, shopDomain, accessToken, runMutationMutation, vars, &payload); err != nil {
		return nil, err
	}
	if len(payload.BulkOperationRunMutation.UserErrors) > 0 {
		return nil, fmt.Errorf("bulk mutation rejected: %s", payload.BulkOperationRunMutation.UserErrors[0].Message)
	}

	opID := payload.BulkOperationRunMutation.BulkOperation.ID
	log.Printf("[Bulk API] Mutation operation %s started for job %s", opID, job.ID)

	op, err := c.pollCurrentOperation(ctx, shopDomain, accessToken, c.mutationPollInterval, c.mutationMaxWait,
		fmt.Sprintf("bulk mutation did not finish within %s; try reducing max_items to split the job into smaller batches", c.mutationMaxWait))
	if err != nil {
		return nil, err
	}

	result := &model.MutationResult{BulkOperationID: opID}
	if op.URL == "" {
		return result, nil
	}

	counts, err := c.processor.CountMutationResults(ctx, op.URL)
	if err != nil {
		return nil, err
	}
	result.UpdatedCount = counts.Success
	result.FailedCount = counts.Failed
	result.ErrorPreview = counts.ErrorPreview
	return result, nil
}

// stageUpload creates a staged upload target, posts the JSONL content to it
// as multipart form data, and returns the staged path the mutation submission
// references.
func (c *BulkClient) stageUpload(ctx context.Context, shopDomain, accessToken, content string) (string, error) {
	var payload struct {
		StagedUploadsCreate struct {
			StagedTargets []stagedTarget `json:"stagedTargets"`
			UserErrors    []userError    `json:"userErrors"`
		} `json:"stagedUploadsCreate"`
	}
	if err := c.execute(ctx, shopDomain, accessToken, stagedUploadsCreateMutation, nil, &payload); err != nil {
		return "", err
	}
	if len(payload.StagedUploadsCreate.UserErrors) > 0 {
		return "", fmt.Errorf("staged upload creation failed: %s", payload.StagedUploadsCreate.UserErrors[0].Message)
	}
	if len(payload.StagedUploadsCreate.StagedTargets) == 0 {
		return "", errors.New("staged upload creation returned no targets")
	}
	target := payload.StagedUploadsCreate.StagedTargets[0]

	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	for _, param := range target.Parameters {
		if err := writer.WriteField(param.Name, param.Value); err != nil {
			return "", fmt.Errorf("failed to build upload form: %w", err)
		}
	}
	part, err := writer.CreateFormFile("file", "bulk-mutation-vars.jsonl")
	if err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, &form)
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("staged upload failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("staged upload failed: %s", resp.Status)
	}

	// The "key" parameter carries the storage path bulkOperationRunMutation
	// expects; resourceUrl points at the upload host and is not accepted.
	for _, param := range target.Parameters {
		if param.Name == "key" {
			log.Printf("[Bulk API] Staged upload complete (%d bytes)", len(content))
			return param.Value, nil
		}
	}
	return "", errors.New(`staged upload response missing "key" parameter`)
}
