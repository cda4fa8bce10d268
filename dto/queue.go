package dto

import "time"

type SendMessageRequest struct {
	Message  string `json:"message" validate:"required,min=1,max=8000"`
	Context  string `json:"context" validate:"omitempty,max=8000"`
	Priority int    `json:"priority" validate:"gte=0,lte=9"`
}

func (r SendMessageRequest) Validate() error {
	return GetValidator().Struct(r)
}

// EnqueueResponse is the boundary contract returned after a message is
// admitted and queued.
type EnqueueResponse struct {
	JobID         string `json:"job_id"`
	QueuePosition int    `json:"queue_position"`
}

type QueueStatusResponse struct {
	JobID         string     `json:"job_id"`
	Status        string     `json:"status"`
	QueuePosition int        `json:"queue_position"`
	QueuedAt      time.Time  `json:"queued_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Result        string     `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
}

type CleanupRequest struct {
	OlderThanHours int `json:"older_than_hours" validate:"required,gte=1"`
}

func (r CleanupRequest) Validate() error {
	return GetValidator().Struct(r)
}

type CleanupResponse struct {
	Deleted int64 `json:"deleted"`
}
