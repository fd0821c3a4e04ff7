package handler

import (
	"errors"
	"log"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/flowmend/api/internal/auth"
	"github.com/flowmend/api/internal/model"
	"github.com/flowmend/api/internal/service"
	"github.com/flowmend/api/internal/store"
	"github.com/flowmend/api/pkg/response"
)

// TriggerHandler receives Flow action webhooks and turns them into jobs.
type TriggerHandler struct {
	service       *service.JobService
	store         *store.Store
	validator     *validator.Validate
	webhookSecret string
}

func NewTriggerHandler(svc *service.JobService, st *store.Store, v *validator.Validate, webhookSecret string) *TriggerHandler {
	return &TriggerHandler{
		service:       svc,
		store:         st,
		validator:     v,
		webhookSecret: webhookSecret,
	}
}

// Trigger handles POST /webhooks/flow-action. The response is always a 200
// with an ack body once the request is authenticated and valid; the platform
// retries non-2xx responses, so a deduped request must not look like an
// error.
func (h *TriggerHandler) Trigger(c *fiber.Ctx) error {
	signature := c.Get("X-Shopify-Hmac-Sha256")
	if !auth.VerifyHMAC(c.Body(), signature, h.webhookSecret) {
		return response.Unauthorized(c, "Invalid webhook signature")
	}

	shopDomain := c.Get("X-Shopify-Shop-Domain")
	if shopDomain == "" {
		return response.Unauthorized(c, "Missing shop domain")
	}
	if _, err := h.store.GetShop(c.Context(), shopDomain); err != nil {
		if errors.Is(err, store.ErrShopNotFound) {
			return response.Forbidden(c, "Shop is not installed")
		}
		return response.ServiceError(c, "Failed to look up shop")
	}

	var req model.TriggerRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	ack, err := h.service.Trigger(c.Context(), shopDomain, &req)
	if err != nil {
		log.Printf("[Handler] Trigger failed for shop %s: %v", shopDomain, err)
		return response.ServiceError(c, "Failed to admit job")
	}

	return response.OK(c, ack)
}
