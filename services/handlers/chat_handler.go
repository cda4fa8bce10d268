package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/elenchus-labs/elenchus_api/dto"
	"github.com/elenchus-labs/elenchus_api/shared"
)

type ChatHandler struct {
	queueSvc     QueueServiceInterface
	rateLimitSvc RateLimitServiceInterface
}

func NewChatHandler(queueSvc QueueServiceInterface, rateLimitSvc RateLimitServiceInterface) *ChatHandler {
	return &ChatHandler{
		queueSvc:     queueSvc,
		rateLimitSvc: rateLimitSvc,
	}
}

func callerID(c *fiber.Ctx) (string, error) {
	userID, ok := c.Locals(shared.UserID).(string)
	if !ok || userID == "" {
		return "", shared.NewUnauthorizedError(nil, "Unauthorized")
	}
	return userID, nil
}

// @Summary Send Message
// @Description Queues a user message for Socratic tutoring. The reply is produced asynchronously; poll the returned job.
// @Tags chat
// @Accept  json
// @Produce json
// @Param conversationId path string true "Conversation ID"
// @Param sendMessageRequest body dto.SendMessageRequest true "Message to queue"
// @Success 202 {object} shared.Response{data=dto.EnqueueResponse}
// @Router /api/v1/conversations/{conversationId}/messages [post]
func (h *ChatHandler) SendMessage(c *fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return err
	}
	conversationID := c.Params("conversationId")

	var req dto.SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return shared.NewBadRequestError(err, "Invalid request")
	}

	if err := req.Validate(); err != nil {
		validationResp := dto.CreateValidationErrorResponse(err)
		return c.Status(fiber.StatusBadRequest).JSON(validationResp)
	}

	job, position, err := h.queueSvc.Enqueue(userID, conversationID, &req)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, fiber.StatusAccepted, "Accepted", dto.EnqueueResponse{
		JobID:         job.ID,
		QueuePosition: position,
	})
}

// @Summary Get Job Status
// @Description Returns the current status of a queued message, including queue position while pending and the reply once completed.
// @Tags chat
// @Accept  json
// @Produce json
// @Param jobId path string true "Job ID"
// @Success 200 {object} shared.Response{data=dto.QueueStatusResponse}
// @Router /api/v1/queue/{jobId} [get]
func (h *ChatHandler) GetJobStatus(c *fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return err
	}

	status, err := h.queueSvc.GetStatusForUser(userID, c.Params("jobId"))
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, fiber.StatusOK, "Success", status)
}

// @Summary Cancel Job
// @Description Cancels a pending or processing message. Terminal jobs cannot be cancelled.
// @Tags chat
// @Accept  json
// @Produce json
// @Param jobId path string true "Job ID"
// @Success 200 {object} shared.Response{data=dto.QueueStatusResponse}
// @Router /api/v1/queue/{jobId} [delete]
func (h *ChatHandler) CancelJob(c *fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return err
	}

	jobID := c.Params("jobId")
	if _, err := h.queueSvc.CancelForUser(userID, jobID); err != nil {
		return err
	}

	status, err := h.queueSvc.GetStatusForUser(userID, jobID)
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, fiber.StatusOK, "Success", status)
}

// @Summary Get Rate Limit
// @Description Returns the caller's remaining quota for an action without consuming any of it.
// @Tags chat
// @Accept  json
// @Produce json
// @Param action path string true "Action name"
// @Success 200 {object} shared.Response{data=dto.RateLimitCheckResult}
// @Router /api/v1/rate-limits/{action} [get]
func (h *ChatHandler) GetRateLimit(c *fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return err
	}

	result, err := h.rateLimitSvc.CheckAction(userID, c.Params("action"))
	if err != nil {
		return err
	}

	return shared.ResponseJSON(c, fiber.StatusOK, "Success", result)
}
