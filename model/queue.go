package model

import "time"

type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
	StatusCancelled  RequestStatus = "cancelled"
)

// QueuedRequest is one submitted completion job. Seq is a DB autoincrement used
// as the final dequeue tiebreaker when two jobs share priority and queued_at.
// ConversationID and UserID reference records owned elsewhere.
type QueuedRequest struct {
	Seq            int64         `json:"-" gorm:"primaryKey;autoIncrement"`
	ID             string        `json:"id" gorm:"uniqueIndex;size:36;not null"`
	ConversationID string        `json:"conversation_id" gorm:"index;size:64;not null"`
	UserID         string        `json:"user_id" gorm:"index;size:64;not null"`
	UserMessage    string        `json:"user_message" gorm:"type:text;not null"`
	Context        string        `json:"context,omitempty" gorm:"type:text"`
	Priority       int           `json:"priority" gorm:"not null;default:0;index:idx_queue_dispatch,priority:2"`
	Status         RequestStatus `json:"status" gorm:"size:16;not null;index:idx_queue_dispatch,priority:1"`
	QueuedAt       time.Time     `json:"queued_at" gorm:"not null;index:idx_queue_dispatch,priority:3"`
	RetryCount     int           `json:"retry_count" gorm:"not null;default:0"`
	MaxRetries     int           `json:"max_retries" gorm:"not null;default:3"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty" gorm:"index"`
	Result         string        `json:"result,omitempty" gorm:"type:text"`
	Error          string        `json:"error,omitempty" gorm:"type:text"`
	CreatedAt      time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt      time.Time     `json:"updated_at" gorm:"not null"`
}

func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}
