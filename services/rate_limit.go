package services

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"github.com/elenchus-labs/elenchus_api/dto"
	"github.com/elenchus-labs/elenchus_api/model"
	"github.com/elenchus-labs/elenchus_api/shared"
)

// RateLimitPolicy binds an action to its quota. Policies come from env config;
// the core Check/Consume operations take them as explicit arguments so admin
// tooling can probe arbitrary configurations.
type RateLimitPolicy struct {
	Limit  int
	Window model.WindowType
}

type RateLimitService struct {
	context.DefaultService

	postgres   *PostgresService
	redis      *RedisService
	monitoring *MonitoringService

	policies map[string]RateLimitPolicy

	cleanupInterval time.Duration
	retention       time.Duration
	stopCleanup     chan struct{}
}

const RATE_LIMIT_SVC = "rate_limit_svc"

func (svc RateLimitService) Id() string {
	return RATE_LIMIT_SVC
}

func (svc *RateLimitService) Configure(ctx *context.Context) error {
	svc.policies = map[string]RateLimitPolicy{
		shared.ActionMessageSend: {
			Limit:  envInt("RATE_LIMIT_MESSAGE_SEND", 50),
			Window: envWindow("RATE_LIMIT_MESSAGE_SEND_WINDOW", model.WindowDay),
		},
		shared.ActionConversation: {
			Limit:  envInt("RATE_LIMIT_CONVERSATION", 10),
			Window: envWindow("RATE_LIMIT_CONVERSATION_WINDOW", model.WindowDay),
		},
	}

	svc.cleanupInterval = envDuration("RATE_LIMIT_CLEANUP_INTERVAL", time.Hour)
	svc.retention = envDuration("RATE_LIMIT_RETENTION", 24*time.Hour)
	svc.stopCleanup = make(chan struct{})

	return svc.DefaultService.Configure(ctx)
}

func (svc *RateLimitService) Start() error {
	svc.postgres = svc.Service(POSTGRES_SVC).(*PostgresService)
	svc.redis = svc.Service(REDIS_SVC).(*RedisService)
	svc.monitoring = svc.Service(MONITORING_SVC).(*MonitoringService)

	go svc.cleanupLoop()

	return nil
}

func (svc *RateLimitService) Shutdown() {
	close(svc.stopCleanup)
}

// PolicyFor returns the configured quota for an action, or an invalid
// configuration error for actions no policy covers.
func (svc *RateLimitService) PolicyFor(action string) (RateLimitPolicy, error) {
	policy, ok := svc.policies[action]
	if !ok {
		return RateLimitPolicy{}, shared.NewInvalidConfigurationError(nil, fmt.Sprintf("no rate limit policy for action %q", action))
	}
	return policy, nil
}

// CheckAction is Check with the action's configured policy applied.
func (svc *RateLimitService) CheckAction(userID, action string) (*dto.RateLimitCheckResult, error) {
	policy, err := svc.PolicyFor(action)
	if err != nil {
		return nil, err
	}
	return svc.Check(userID, action, policy.Limit, policy.Window)
}

// Check reports whether one more unit would be admitted, without consuming.
// Never mutates state, so two consecutive checks can disagree with an
// interleaved Consume; callers needing admission must use Consume.
func (svc *RateLimitService) Check(userID, action string, limit int, windowType model.WindowType) (*dto.RateLimitCheckResult, error) {
	start, end, err := windowBounds(windowType, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if limit < 0 {
		return nil, shared.NewInvalidConfigurationError(nil, "rate limit must not be negative")
	}

	// A zero limit denies everything for the action without a store round trip.
	if limit == 0 {
		return &dto.RateLimitCheckResult{Allowed: false, Remaining: 0, ResetAt: end}, nil
	}

	window, err := svc.postgres.GetRateLimitWindow(userID, action, start)
	if err != nil {
		return nil, shared.NewStoreUnavailableError(err)
	}

	remaining := limit
	if window != nil {
		remaining = limit - window.Count
		if remaining < 0 {
			remaining = 0
		}
	}

	return &dto.RateLimitCheckResult{
		Allowed:   remaining > 0,
		Remaining: remaining,
		ResetAt:   end,
	}, nil
}

// Consume atomically takes amount units of quota. Exhaustion is reported as
// data (Success=false), not as an error; errors mean the answer is unknown.
func (svc *RateLimitService) Consume(userID, action string, limit int, windowType model.WindowType, amount int) (*dto.RateLimitConsumeResult, error) {
	start, end, err := windowBounds(windowType, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if limit < 0 {
		return nil, shared.NewInvalidConfigurationError(nil, "rate limit must not be negative")
	}
	if amount < 1 {
		return nil, shared.NewInvalidConfigurationError(nil, "consume amount must be positive")
	}

	if limit == 0 {
		svc.recordDecision(action, false)
		return &dto.RateLimitConsumeResult{Success: false, Remaining: 0, ResetAt: end}, nil
	}

	_, err = svc.postgres.EnsureRateLimitWindow(&model.RateLimitWindow{
		UserID:      userID,
		Action:      action,
		WindowType:  string(windowType),
		WindowStart: start,
		WindowEnd:   end,
		Limit:       limit,
	})
	if err != nil {
		return nil, shared.NewStoreUnavailableError(err)
	}

	ok, err := svc.postgres.TryConsumeRateLimit(userID, action, start, end, limit, amount)
	if err != nil {
		return nil, shared.NewStoreUnavailableError(err)
	}

	if !ok {
		svc.recordDecision(action, false)
		svc.redis.SetBlockedHint(userID, action, end)
		return &dto.RateLimitConsumeResult{Success: false, Remaining: 0, ResetAt: end}, nil
	}

	remaining := 0
	if window, err := svc.postgres.GetRateLimitWindow(userID, action, start); err == nil && window != nil {
		remaining = limit - window.Count
		if remaining < 0 {
			remaining = 0
		}
	}
	if remaining == 0 {
		svc.redis.SetBlockedHint(userID, action, end)
	}

	svc.recordDecision(action, true)
	return &dto.RateLimitConsumeResult{Success: true, Remaining: remaining, ResetAt: end}, nil
}

// Reset clears all quota state for the pair. Admin operation; idempotent.
func (svc *RateLimitService) Reset(userID, action string) error {
	if err := svc.postgres.DeleteRateLimitWindows(userID, action); err != nil {
		return shared.NewStoreUnavailableError(err)
	}
	svc.redis.ClearBlockedHint(userID, action)
	return nil
}

// RequireQuota gates a route on the action's quota, consuming one unit on
// admission. Store failures return 503: when we cannot tell whether the user
// is over quota, we refuse rather than admit.
func (svc *RateLimitService) RequireQuota(action string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, ok := c.Locals(shared.UserID).(string)
		if !ok || userID == "" {
			return shared.ResponseUnauthorized(c)
		}

		policy, err := svc.PolicyFor(action)
		if err != nil {
			return err
		}

		// A live blocked hint answers the request without touching the store.
		// No hint (or an unreachable Redis) falls through to the authoritative
		// Consume; the hint can only ever refuse, never admit.
		if until, ok := svc.redis.GetBlockedHint(userID, action); ok {
			svc.recordDecision(action, false)
			writeQuotaHeaders(c, policy.Limit, 0, until)
			c.Set("Retry-After", retryAfter(until))
			res := &dto.RateLimitConsumeResult{Success: false, Remaining: 0, ResetAt: until}
			return shared.ResponseJSON(c, fiber.StatusTooManyRequests, "Rate limit exceeded", res)
		}

		res, err := svc.Consume(userID, action, policy.Limit, policy.Window, 1)
		if err != nil {
			log.WithFields(log.Fields{"user_id": userID, "action": action, "error": err}).
				Error("Rate limit consume failed")
			return err
		}

		writeQuotaHeaders(c, policy.Limit, res.Remaining, res.ResetAt)

		if !res.Success {
			c.Set("Retry-After", retryAfter(res.ResetAt))
			return shared.ResponseJSON(c, fiber.StatusTooManyRequests, "Rate limit exceeded", res)
		}

		return c.Next()
	}
}

func writeQuotaHeaders(c *fiber.Ctx, limit, remaining int, resetAt time.Time) {
	c.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	c.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	c.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
}

func retryAfter(resetAt time.Time) string {
	return strconv.FormatInt(int64(time.Until(resetAt).Seconds())+1, 10)
}

func (svc *RateLimitService) recordDecision(action string, allowed bool) {
	if svc.monitoring != nil {
		svc.monitoring.RecordRateLimitDecision(action, allowed)
	}
}

func (svc *RateLimitService) cleanupLoop() {
	ticker := time.NewTicker(svc.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-svc.stopCleanup:
			return
		case <-ticker.C:
			deleted, err := svc.postgres.CleanupExpiredRateLimitWindows(time.Now().UTC().Add(-svc.retention))
			if err != nil {
				log.WithError(err).Error("Rate limit window cleanup failed")
				continue
			}
			if deleted > 0 {
				log.WithField("deleted", deleted).Info("Cleaned up expired rate limit windows")
			}
		}
	}
}

// windowBounds returns the calendar-aligned UTC window containing now. Weeks
// start on Monday; months and longer follow time.Date normalization.
func windowBounds(windowType model.WindowType, now time.Time) (time.Time, time.Time, error) {
	now = now.UTC()

	switch windowType {
	case model.WindowHour:
		start := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, time.UTC)
		return start, start.Add(time.Hour), nil
	case model.WindowDay:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1), nil
	case model.WindowWeek:
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
		start := day.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7), nil
	case model.WindowMonth:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0), nil
	default:
		return time.Time{}, time.Time{}, shared.NewInvalidConfigurationError(nil, fmt.Sprintf("unknown window type %q", windowType))
	}
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Warnf("Invalid %s value %q, using default %d", key, v, fallback)
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Warnf("Invalid %s value %q, using default %s", key, v, fallback)
	}
	return fallback
}

func envWindow(key string, fallback model.WindowType) model.WindowType {
	switch v := model.WindowType(os.Getenv(key)); v {
	case model.WindowHour, model.WindowDay, model.WindowWeek, model.WindowMonth:
		return v
	case "":
		return fallback
	default:
		log.Warnf("Invalid %s value %q, using default %s", key, os.Getenv(key), fallback)
		return fallback
	}
}
