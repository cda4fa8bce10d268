package model

import "time"

type WindowType string

const (
	WindowHour  WindowType = "hour"
	WindowDay   WindowType = "day"
	WindowWeek  WindowType = "week"
	WindowMonth WindowType = "month"
)

// RateLimitWindow is one quota window for a (user, action) pair. A fresh row is
// created for each calendar period; rows are never reused across periods.
type RateLimitWindow struct {
	ID           string     `json:"id" gorm:"primaryKey;type:text;not null"`
	UserID       string     `json:"user_id" gorm:"not null;size:64;uniqueIndex:idx_rate_window_key"`
	Action       string     `json:"action" gorm:"not null;size:50;uniqueIndex:idx_rate_window_key"`
	WindowType   string     `json:"window_type" gorm:"not null;size:10"`
	WindowStart  time.Time  `json:"window_start" gorm:"not null;uniqueIndex:idx_rate_window_key"`
	WindowEnd    time.Time  `json:"window_end" gorm:"not null;index"`
	Count        int        `json:"count" gorm:"not null;default:0"`
	Limit        int        `json:"limit" gorm:"column:limit;not null"`
	IsBlocked    bool       `json:"is_blocked" gorm:"not null;default:false"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	CreatedAt    time.Time  `json:"created_at" gorm:"not null"`
	UpdatedAt    time.Time  `json:"updated_at" gorm:"not null"`
}
