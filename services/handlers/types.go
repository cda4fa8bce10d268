package handlers

import (
	"time"

	"github.com/elenchus-labs/elenchus_api/dto"
	"github.com/elenchus-labs/elenchus_api/model"
)

type QueueServiceInterface interface {
	Enqueue(userID, conversationID string, req *dto.SendMessageRequest) (*model.QueuedRequest, int, error)
	GetStatusForUser(userID, jobID string) (*dto.QueueStatusResponse, error)
	CancelForUser(userID, jobID string) (*model.QueuedRequest, error)
	CleanupOldRequests(olderThan time.Duration) (int64, error)
}

type RateLimitServiceInterface interface {
	CheckAction(userID, action string) (*dto.RateLimitCheckResult, error)
	Reset(userID, action string) error
}
