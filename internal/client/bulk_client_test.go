package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowmend/api/internal/config"
	"github.com/flowmend/api/internal/model"
)

// fakeAdmin scripts the Admin GraphQL endpoint, the staged upload target, and
// the result file downloads behind one httptest server.
type fakeAdmin struct {
	mu  sync.Mutex
	srv *httptest.Server

	pollStatuses   []BulkOperationStatus
	queryUserError string
	rateLimitFirst int
	serverErrFirst int

	graphqlCalls int
	uploadCalls  int

	queryResults    string
	mutationResults string
}

func newFakeAdmin(t *testing.T) *fakeAdmin {
	t.Helper()
	fa := &fakeAdmin{}

	mux := http.NewServeMux()
	mux.HandleFunc("/graphql", fa.handleGraphQL)
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		fa.mu.Lock()
		fa.uploadCalls++
		fa.mu.Unlock()
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if _, _, err := r.FormFile("file"); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/query-results.jsonl", func(w http.ResponseWriter, r *http.Request) {
		fa.mu.Lock()
		defer fa.mu.Unlock()
		fmt.Fprint(w, fa.queryResults)
	})
	mux.HandleFunc("/mutation-results.jsonl", func(w http.ResponseWriter, r *http.Request) {
		fa.mu.Lock()
		defer fa.mu.Unlock()
		fmt.Fprint(w, fa.mutationResults)
	})

	fa.srv = httptest.NewServer(mux)
	t.Cleanup(fa.srv.Close)
	return fa
}

func (fa *fakeAdmin) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.graphqlCalls++

	if fa.rateLimitFirst > 0 {
		fa.rateLimitFirst--
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}
	if fa.serverErrFirst > 0 {
		fa.serverErrFirst--
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	var req graphQLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var data string
	switch {
	case strings.Contains(req.Query, "bulkOperationRunQuery"):
		if fa.queryUserError != "" {
			data = fmt.Sprintf(`{"bulkOperationRunQuery":{"bulkOperation":null,"userErrors":[{"field":["query"],"message":%q}]}}`, fa.queryUserError)
		} else {
			data = `{"bulkOperationRunQuery":{"bulkOperation":{"id":"gid://op/query","status":"CREATED"},"userErrors":[]}}`
		}

	case strings.Contains(req.Query, "currentBulkOperation"):
		op := BulkOperationStatus{Status: model.BulkStatusRunning}
		if len(fa.pollStatuses) > 0 {
			op = fa.pollStatuses[0]
			if len(fa.pollStatuses) > 1 {
				fa.pollStatuses = fa.pollStatuses[1:]
			}
		}
		raw, _ := json.Marshal(op)
		data = fmt.Sprintf(`{"currentBulkOperation":%s}`, raw)

	case strings.Contains(req.Query, "stagedUploadsCreate"):
		data = fmt.Sprintf(`{"stagedUploadsCreate":{"stagedTargets":[{"url":%q,"resourceUrl":%q,"parameters":[{"name":"key","value":"tmp/staged/vars.jsonl"},{"name":"policy","value":"abc"}]}],"userErrors":[]}}`,
			fa.srv.URL+"/upload", fa.srv.URL+"/upload")

	case strings.Contains(req.Query, "bulkOperationRunMutation"):
		data = `{"bulkOperationRunMutation":{"bulkOperation":{"id":"gid://op/mutation","status":"CREATED"},"userErrors":[]}}`

	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	fmt.Fprintf(w, `{"data":%s}`, data)
}

func (fa *fakeAdmin) resultURL(path string) string {
	return fa.srv.URL + path
}

func testClient(fa *fakeAdmin, queryTimeoutMinutes int) *BulkClient {
	c := NewBulkClient(
		&config.PlatformConfig{APIVersion: "2024-10"},
		&config.BulkConfig{
			QueryPollSeconds:       0,
			QueryTimeoutMinutes:    queryTimeoutMinutes,
			MutationPollSeconds:    0,
			MutationTimeoutMinutes: 1,
			MaxRetries:             3,
			ChunkSizeMB:            95,
		},
		nil,
	)
	c.baseURL = fa.srv.URL + "/graphql"
	return c
}

func testJob() *model.Job {
	return &model.Job{
		ID:        "job-1",
		ShopID:    "demo.myshopify.com",
		Namespace: "custom",
		Key:       "badge",
		Type:      model.MetafieldTypeText,
		Value:     "on-sale",
		MaxItems:  10000,
	}
}

func TestRunBulkQuery_CollectsIDs(t *testing.T) {
	fa := newFakeAdmin(t)
	fa.queryResults = `{"id":"gid://shopify/Product/1"}
{"id":"gid://shopify/Product/2"}
{"id":"gid://shopify/Product/3"}
`
	fa.pollStatuses = []BulkOperationStatus{
		{Status: model.BulkStatusRunning},
		{Status: model.BulkStatusCompleted, URL: fa.resultURL("/query-results.jsonl")},
	}
	c := testClient(fa, 1)

	ids, err := c.RunBulkQuery(context.Background(), "demo.myshopify.com", "token", "tag:sale", 10000)
	if err != nil {
		t.Fatalf("RunBulkQuery failed: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids, got %d", len(ids))
	}
	if ids[0] != "gid://shopify/Product/1" {
		t.Errorf("unexpected first id: %s", ids[0])
	}
}

func TestRunBulkQuery_MaxItemsCap(t *testing.T) {
	fa := newFakeAdmin(t)
	var lines strings.Builder
	for i := 0; i < 100; i++ {
		fmt.Fprintf(&lines, `{"id":"gid://shopify/Product/%d"}`+"\n", i)
	}
	fa.queryResults = lines.String()
	fa.pollStatuses = []BulkOperationStatus{
		{Status: model.BulkStatusCompleted, URL: fa.resultURL("/query-results.jsonl")},
	}
	c := testClient(fa, 1)

	ids, err := c.RunBulkQuery(context.Background(), "demo.myshopify.com", "token", "tag:sale", 10)
	if err != nil {
		t.Fatalf("RunBulkQuery failed: %v", err)
	}
	if len(ids) != 10 {
		t.Errorf("expected collection capped at 10 ids, got %d", len(ids))
	}
}

func TestRunBulkQuery_NoResultsURL(t *testing.T) {
	fa := newFakeAdmin(t)
	fa.pollStatuses = []BulkOperationStatus{
		{Status: model.BulkStatusCompleted, URL: ""},
	}
	c := testClient(fa, 1)

	ids, err := c.RunBulkQuery(context.Background(), "demo.myshopify.com", "token", "tag:nothing", 10000)
	if err != nil {
		t.Fatalf("RunBulkQuery failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected zero matches, got %d", len(ids))
	}
}

func TestRunBulkQuery_UserError(t *testing.T) {
	fa := newFakeAdmin(t)
	fa.queryUserError = "Bulk query is not valid"
	c := testClient(fa, 1)

	_, err := c.RunBulkQuery(context.Background(), "demo.myshopify.com", "token", "((", 10000)
	if err == nil || !strings.Contains(err.Error(), "Bulk query is not valid") {
		t.Fatalf("expected user error to surface, got %v", err)
	}
}

func TestRunBulkQuery_OperationFailed(t *testing.T) {
	fa := newFakeAdmin(t)
	fa.pollStatuses = []BulkOperationStatus{
		{Status: model.BulkStatusFailed, ErrorCode: "ACCESS_DENIED"},
	}
	c := testClient(fa, 1)

	_, err := c.RunBulkQuery(context.Background(), "demo.myshopify.com", "token", "tag:sale", 10000)
	if err == nil || !strings.Contains(err.Error(), "ACCESS_DENIED") {
		t.Fatalf("expected failure with error code, got %v", err)
	}
}

func TestRunBulkQuery_PollTimeout(t *testing.T) {
	fa := newFakeAdmin(t)
	// No terminal status ever arrives and the ceiling is zero.
	c := testClient(fa, 0)

	_, err := c.RunBulkQuery(context.Background(), "demo.myshopify.com", "token", "tag:sale", 10000)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "max_items") {
		t.Errorf("timeout message should advise reducing max_items, got %q", err.Error())
	}
}

func TestExecute_RetriesRateLimit(t *testing.T) {
	fa := newFakeAdmin(t)
	fa.rateLimitFirst = 2
	fa.pollStatuses = []BulkOperationStatus{
		{Status: model.BulkStatusCompleted, URL: ""},
	}
	c := testClient(fa, 1)

	if _, err := c.RunBulkQuery(context.Background(), "demo.myshopify.com", "token", "tag:sale", 10000); err != nil {
		t.Fatalf("expected rate limited requests to be retried, got %v", err)
	}
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if fa.graphqlCalls < 3 {
		t.Errorf("expected at least 3 requests (2 limited + success), got %d", fa.graphqlCalls)
	}
}

func TestExecute_RetryBudgetExhausted(t *testing.T) {
	fa := newFakeAdmin(t)
	fa.rateLimitFirst = 100
	c := testClient(fa, 1)

	_, err := c.RunBulkQuery(context.Background(), "demo.myshopify.com", "token", "tag:sale", 10000)
	if err == nil || !strings.Contains(err.Error(), "max retries") {
		t.Fatalf("expected retry budget exhaustion, got %v", err)
	}
}

func TestRunBulkMutation_CountsResults(t *testing.T) {
	fa := newFakeAdmin(t)
	fa.mutationResults = `{"data":{"metafieldsSet":{"metafields":[{"id":"gid://mf/1"}]}}}
{"data":{"metafieldsSet":{"metafields":[{"id":"gid://mf/2"}]}}}
{"data":null,"userErrors":[{"field":["value"],"message":"Value is invalid"}]}
`
	fa.pollStatuses = []BulkOperationStatus{
		{Status: model.BulkStatusRunning},
		{Status: model.BulkStatusCompleted, URL: fa.resultURL("/mutation-results.jsonl")},
	}
	c := testClient(fa, 1)

	result, err := c.RunBulkMutation(context.Background(), "demo.myshopify.com", "token", testJob(),
		[]string{"gid://shopify/Product/1", "gid://shopify/Product/2", "gid://shopify/Product/3"})
	if err != nil {
		t.Fatalf("RunBulkMutation failed: %v", err)
	}

	if result.BulkOperationID != "gid://op/mutation" {
		t.Errorf("expected operation id recorded, got %q", result.BulkOperationID)
	}
	if result.UpdatedCount != 2 {
		t.Errorf("expected 2 updated, got %d", result.UpdatedCount)
	}
	if result.FailedCount != 1 {
		t.Errorf("expected 1 failed, got %d", result.FailedCount)
	}
	if result.ErrorPreview == nil || !strings.Contains(*result.ErrorPreview, "Value is invalid") {
		t.Errorf("expected error preview with failing line, got %v", result.ErrorPreview)
	}

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if fa.uploadCalls != 1 {
		t.Errorf("expected 1 staged upload, got %d", fa.uploadCalls)
	}
}

type fakeArchive struct {
	mu   sync.Mutex
	keys []string
	fail bool
}

func (f *fakeArchive) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("bucket unreachable")
	}
	if _, err := io.Copy(io.Discard, body); err != nil {
		return "", err
	}
	f.keys = append(f.keys, key)
	return "https://archive.example.com/" + key, nil
}

func TestRunBulkMutation_ArchivesChunks(t *testing.T) {
	fa := newFakeAdmin(t)
	fa.mutationResults = `{"data":{"metafieldsSet":{"metafields":[{"id":"gid://mf/1"}]}}}
`
	fa.pollStatuses = []BulkOperationStatus{
		{Status: model.BulkStatusCompleted, URL: fa.resultURL("/mutation-results.jsonl")},
	}
	c := testClient(fa, 1)
	archive := &fakeArchive{}
	c.archive = archive

	_, err := c.RunBulkMutation(context.Background(), "demo.myshopify.com", "token", testJob(),
		[]string{"gid://shopify/Product/1"})
	if err != nil {
		t.Fatalf("RunBulkMutation failed: %v", err)
	}

	archive.mu.Lock()
	defer archive.mu.Unlock()
	if len(archive.keys) != 1 {
		t.Fatalf("expected 1 archived chunk, got %d", len(archive.keys))
	}
	want := "mutations/demo.myshopify.com/job-1/chunk-000.jsonl"
	if archive.keys[0] != want {
		t.Errorf("archive key = %q, want %q", archive.keys[0], want)
	}
}

func TestRunBulkMutation_ArchiveFailureIsNotFatal(t *testing.T) {
	fa := newFakeAdmin(t)
	fa.mutationResults = `{"data":{"metafieldsSet":{"metafields":[{"id":"gid://mf/1"}]}}}
`
	fa.pollStatuses = []BulkOperationStatus{
		{Status: model.BulkStatusCompleted, URL: fa.resultURL("/mutation-results.jsonl")},
	}
	c := testClient(fa, 1)
	c.archive = &fakeArchive{fail: true}

	result, err := c.RunBulkMutation(context.Background(), "demo.myshopify.com", "token", testJob(),
		[]string{"gid://shopify/Product/1"})
	if err != nil {
		t.Fatalf("archive failure must not fail the run: %v", err)
	}
	if result.UpdatedCount != 1 {
		t.Errorf("expected mutation to proceed past archive failure, got %d updated", result.UpdatedCount)
	}
}

func TestRunBulkMutation_MultipleChunks(t *testing.T) {
	fa := newFakeAdmin(t)
	fa.mutationResults = `{"data":{"metafieldsSet":{"metafields":[{"id":"gid://mf/1"}]}}}
`
	// Every chunk polls straight to COMPLETED.
	fa.pollStatuses = []BulkOperationStatus{
		{Status: model.BulkStatusCompleted, URL: fa.resultURL("/mutation-results.jsonl")},
	}
	c := testClient(fa, 1)
	// Chunk limit small enough that three owners need more than one file.
	c.chunkBytes = 150

	result, err := c.RunBulkMutation(context.Background(), "demo.myshopify.com", "token", testJob(),
		[]string{"gid://shopify/Product/1", "gid://shopify/Product/2", "gid://shopify/Product/3"})
	if err != nil {
		t.Fatalf("RunBulkMutation failed: %v", err)
	}

	fa.mu.Lock()
	uploads := fa.uploadCalls
	fa.mu.Unlock()
	if uploads < 2 {
		t.Fatalf("expected multiple staged uploads, got %d", uploads)
	}
	// Each chunk contributes one success line from the shared result file.
	if result.UpdatedCount != uploads {
		t.Errorf("expected counts aggregated across %d chunks, got %d", uploads, result.UpdatedCount)
	}
}

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.attempt); got != tc.want {
			t.Errorf("backoffDelay(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}
