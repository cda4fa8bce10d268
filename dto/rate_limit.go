package dto

import "time"

// RateLimitCheckResult is the read-only quota view for a (user, action) pair.
type RateLimitCheckResult struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// RateLimitConsumeResult reports one consumption attempt. A refusal is data,
// not an error: Success=false, Remaining=0 and ResetAt drives the countdown UI.
type RateLimitConsumeResult struct {
	Success   bool      `json:"success"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}
