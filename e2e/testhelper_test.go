package e2e

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/flowmend/api/internal/auth"
	"github.com/flowmend/api/internal/config"
	"github.com/flowmend/api/internal/handler"
	"github.com/flowmend/api/internal/middleware"
	"github.com/flowmend/api/internal/model"
	"github.com/flowmend/api/internal/service"
	"github.com/flowmend/api/internal/store"
)

const (
	testWebhookSecret = "test-webhook-secret-for-e2e"
	testEncryptionKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
)

// testApp holds all components needed for testing
type testApp struct {
	app   *fiber.App
	store *store.Store
	redis *redis.Client
}

// setupApp creates a Fiber app wired like main.go but against test Redis DB
// 15. No worker server runs, so triggered jobs stay PENDING.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	redisClient := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid collision
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { redisClient.Close() })

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr: "localhost:6379",
		DB:   15,
	})
	t.Cleanup(func() { asynqClient.Close() })

	validate := handler.NewValidator()
	jobStore := store.New(redisClient)

	jobService := service.NewJobService(jobStore, asynqClient, &config.WorkerConfig{
		Concurrency:    1,
		MaxRetry:       3,
		RetentionHours: 1,
	})

	triggerHandler := handler.NewTriggerHandler(jobService, jobStore, validate, testWebhookSecret)
	jobHandler := handler.NewJobHandler(jobService)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	app := fiber.New()

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": time.Now().Unix()})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis":   true,
				"archive": false,
			},
		})
	})

	// Very high rate limit so tests don't get blocked
	app.Post("/webhooks/flow-action", rateLimiter.TriggerLimit(10000), triggerHandler.Trigger)

	api := app.Group("/api")
	api.Get("/jobs/:id", jobHandler.GetJob)
	api.Get("/jobs/:id/events", jobHandler.GetJobEvents)

	return &testApp{app: app, store: jobStore, redis: redisClient}
}

// installShop registers a shop with an encrypted access token, as the
// install flow would.
func installShop(t *testing.T, ta *testApp, shopDomain string) {
	t.Helper()
	encrypted, err := auth.EncryptToken("shpat_e2e_token", testEncryptionKey)
	if err != nil {
		t.Fatalf("failed to encrypt test token: %v", err)
	}
	shop := &model.Shop{ID: shopDomain, AccessToken: encrypted, InstalledAt: time.Now().UTC()}
	if err := ta.store.SaveShop(context.Background(), shop); err != nil {
		t.Fatalf("failed to save test shop: %v", err)
	}
	t.Cleanup(func() {
		ta.redis.Del(context.Background(), "shop:"+shopDomain)
	})
}

// signBody computes the webhook signature the platform would send.
func signBody(body string) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write([]byte(body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doTriggerRequest performs a signed trigger webhook request for a shop.
func doTriggerRequest(t *testing.T, app *fiber.App, shopDomain, body string) (*http.Response, error) {
	t.Helper()
	return doRequest(app, http.MethodPost, "/webhooks/flow-action", body, map[string]string{
		"X-Shopify-Hmac-Sha256": signBody(body),
		"X-Shopify-Shop-Domain": shopDomain,
	})
}

// triggerBody builds a valid trigger payload. The query string carries the
// test name so fingerprints never collide across tests.
func triggerBody(t *testing.T, extra string) string {
	t.Helper()
	body := fmt.Sprintf(`{
		"query_string": "tag:%s",
		"namespace": "custom",
		"key": "badge",
		"type": "single_line_text_field",
		"value": "on-sale"`, t.Name())
	if extra != "" {
		body += ",\n\t\t" + extra
	}
	return body + "\n\t}"
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// cleanupJob removes a job's keys after a trigger test.
func cleanupJob(t *testing.T, ta *testApp, shopDomain, jobID string) {
	t.Helper()
	ctx := context.Background()
	job, err := ta.store.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	ta.redis.Del(ctx,
		"job:"+jobID,
		"job:"+jobID+":events",
		"dedupe:"+shopDomain+":"+job.InputHash,
	)
}
