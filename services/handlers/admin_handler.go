package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/elenchus-labs/elenchus_api/dto"
	"github.com/elenchus-labs/elenchus_api/shared"
)

type AdminHandler struct {
	queueSvc     QueueServiceInterface
	rateLimitSvc RateLimitServiceInterface
}

func NewAdminHandler(queueSvc QueueServiceInterface, rateLimitSvc RateLimitServiceInterface) *AdminHandler {
	return &AdminHandler{
		queueSvc:     queueSvc,
		rateLimitSvc: rateLimitSvc,
	}
}

// @Summary Reset Rate Limit
// @Description Clears all quota windows for a user and action. Support tooling only.
// @Tags admin
// @Accept  json
// @Produce json
// @Param userId path string true "User ID"
// @Param action path string true "Action name"
// @Success 200
// @Router /api/v1/admin/rate-limits/{userId}/{action} [delete]
func (h *AdminHandler) ResetRateLimit(c *fiber.Ctx) error {
	userID := c.Params("userId")
	action := c.Params("action")

	if err := h.rateLimitSvc.Reset(userID, action); err != nil {
		return err
	}

	return shared.ResponseJSON(c, fiber.StatusOK, "Success", nil)
}

// @Summary Cleanup Queue
// @Description Deletes terminal queue requests older than the given retention, archiving them first when the archive is enabled.
// @Tags admin
// @Accept  json
// @Produce json
// @Param cleanupRequest body dto.CleanupRequest true "Cleanup request"
// @Success 200 {object} shared.Response{data=dto.CleanupResponse}
// @Router /api/v1/admin/queue/cleanup [post]
func (h *AdminHandler) CleanupQueue(c *fiber.Ctx) error {
	var req dto.CleanupRequest
	if err := c.BodyParser(&req); err != nil {
		return shared.NewBadRequestError(err, "Invalid request")
	}

	if err := req.Validate(); err != nil {
		validationResp := dto.CreateValidationErrorResponse(err)
		return c.Status(fiber.StatusBadRequest).JSON(validationResp)
	}

	deleted, err := h.queueSvc.CleanupOldRequests(time.Duration(req.OlderThanHours) * time.Hour)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, fiber.StatusOK, "Success", dto.CleanupResponse{Deleted: deleted})
}
