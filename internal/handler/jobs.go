package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/flowmend/api/internal/model"
	"github.com/flowmend/api/internal/service"
	"github.com/flowmend/api/internal/store"
	"github.com/flowmend/api/pkg/response"
)

// JobHandler serves the read-only job views.
type JobHandler struct {
	service *service.JobService
}

func NewJobHandler(svc *service.JobService) *JobHandler {
	return &JobHandler{service: svc}
}

// GetJob handles GET /api/jobs/:id
func (h *JobHandler) GetJob(c *fiber.Ctx) error {
	job, err := h.service.GetJob(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, "Failed to load job")
	}
	return response.OK(c, model.JobStatusResponse{Job: job})
}

// GetJobEvents handles GET /api/jobs/:id/events
func (h *JobHandler) GetJobEvents(c *fiber.Ctx) error {
	jobID := c.Params("id")
	events, err := h.service.GetEvents(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, "Failed to load job events")
	}
	return response.OK(c, fiber.Map{"jobId": jobID, "events": events})
}
