package services

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elenchus-labs/elenchus_api/model"
	"github.com/elenchus-labs/elenchus_api/shared"
)

func TestWindowBounds(t *testing.T) {
	wed := time.Date(2024, 5, 15, 14, 42, 7, 0, time.UTC)

	start, end, err := windowBounds(model.WindowHour, wed)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 15, 14, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 5, 15, 15, 0, 0, 0, time.UTC), end)

	start, end, err = windowBounds(model.WindowDay, wed)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 5, 16, 0, 0, 0, 0, time.UTC), end)

	// Weeks start on Monday.
	start, end, err = windowBounds(model.WindowWeek, wed)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC), end)

	sun := time.Date(2024, 5, 19, 23, 59, 59, 0, time.UTC)
	start, _, err = windowBounds(model.WindowWeek, sun)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC), start)

	start, end, err = windowBounds(model.WindowMonth, wed)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), end)

	_, _, err = windowBounds(model.WindowType("decade"), wed)
	require.Error(t, err)
	appErr, ok := shared.GetAppError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, appErr.StatusCode)
}

func TestConsumeWithinLimit(t *testing.T) {
	svc := newTestRateLimitService(newTestDB(t))

	for i := 1; i <= 3; i++ {
		res, err := svc.Consume("user1", "message_send", 3, model.WindowDay, 1)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 3-i, res.Remaining)
	}

	res, err := svc.Consume("user1", "message_send", 3, model.WindowDay, 1)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 0, res.Remaining)
	assert.True(t, res.ResetAt.After(time.Now().UTC()))
}

func TestConsumeMarksWindowBlocked(t *testing.T) {
	db := newTestDB(t)
	svc := newTestRateLimitService(db)

	_, err := svc.Consume("user1", "message_send", 1, model.WindowDay, 1)
	require.NoError(t, err)

	start, end, err := windowBounds(model.WindowDay, time.Now().UTC())
	require.NoError(t, err)

	window, err := svc.postgres.GetRateLimitWindow("user1", "message_send", start)
	require.NoError(t, err)
	require.NotNil(t, window)
	assert.Equal(t, 1, window.Count)
	assert.True(t, window.IsBlocked)
	require.NotNil(t, window.BlockedUntil)
	assert.Equal(t, end.Unix(), window.BlockedUntil.Unix())
}

func TestConsumeZeroLimitAlwaysRejects(t *testing.T) {
	db := newTestDB(t)
	svc := newTestRateLimitService(db)

	res, err := svc.Consume("user1", "message_send", 0, model.WindowDay, 1)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 0, res.Remaining)

	// No window row should have been materialized.
	var count int64
	require.NoError(t, db.Model(&model.RateLimitWindow{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestConsumeNegativeLimitRejected(t *testing.T) {
	svc := newTestRateLimitService(newTestDB(t))

	_, err := svc.Consume("user1", "message_send", -1, model.WindowDay, 1)
	require.Error(t, err)
	appErr, ok := shared.GetAppError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, appErr.StatusCode)
}

func TestConsumeAmount(t *testing.T) {
	svc := newTestRateLimitService(newTestDB(t))

	res, err := svc.Consume("user1", "message_send", 5, model.WindowDay, 3)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Remaining)

	// 3 more would overshoot; nothing is taken.
	res, err = svc.Consume("user1", "message_send", 5, model.WindowDay, 3)
	require.NoError(t, err)
	assert.False(t, res.Success)

	res, err = svc.Consume("user1", "message_send", 5, model.WindowDay, 2)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.Remaining)

	_, err = svc.Consume("user1", "message_send", 5, model.WindowDay, 0)
	require.Error(t, err)
	appErr, ok := shared.GetAppError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, appErr.StatusCode)
}

func TestCheckDoesNotConsume(t *testing.T) {
	svc := newTestRateLimitService(newTestDB(t))

	for i := 0; i < 5; i++ {
		res, err := svc.Check("user1", "message_send", 2, model.WindowDay)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2, res.Remaining)
	}

	res, err := svc.Consume("user1", "message_send", 2, model.WindowDay, 1)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Remaining)
}

func TestCheckZeroLimit(t *testing.T) {
	svc := newTestRateLimitService(newTestDB(t))

	res, err := svc.Check("user1", "message_send", 0, model.WindowDay)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
}

func TestActionsAreIsolated(t *testing.T) {
	svc := newTestRateLimitService(newTestDB(t))

	res, err := svc.Consume("user1", "message_send", 1, model.WindowDay, 1)
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = svc.Consume("user1", "message_send", 1, model.WindowDay, 1)
	require.NoError(t, err)
	assert.False(t, res.Success)

	// Same user, different action: untouched budget.
	res, err = svc.Consume("user1", "conversation_create", 1, model.WindowDay, 1)
	require.NoError(t, err)
	assert.True(t, res.Success)

	// Different user, same action: untouched budget.
	res, err = svc.Consume("user2", "message_send", 1, model.WindowDay, 1)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestReset(t *testing.T) {
	svc := newTestRateLimitService(newTestDB(t))

	res, err := svc.Consume("user1", "message_send", 1, model.WindowDay, 1)
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = svc.Consume("user1", "message_send", 1, model.WindowDay, 1)
	require.NoError(t, err)
	require.False(t, res.Success)

	require.NoError(t, svc.Reset("user1", "message_send"))

	res, err = svc.Consume("user1", "message_send", 1, model.WindowDay, 1)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestResetUnknownPairIsIdempotent(t *testing.T) {
	svc := newTestRateLimitService(newTestDB(t))
	require.NoError(t, svc.Reset("ghost", "message_send"))
}

func TestConsumeConcurrent(t *testing.T) {
	svc := newTestRateLimitService(newFileTestDB(t))

	const limit = 5
	const attempts = 20

	var wg sync.WaitGroup
	successes := make(chan struct{}, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Consume("user1", "message_send", limit, model.WindowDay, 1)
			if err == nil && res.Success {
				successes <- struct{}{}
			}
		}()
	}

	wg.Wait()
	close(successes)

	var total int
	for range successes {
		total++
	}
	assert.Equal(t, limit, total)

	start, _, err := windowBounds(model.WindowDay, time.Now().UTC())
	require.NoError(t, err)
	window, err := svc.postgres.GetRateLimitWindow("user1", "message_send", start)
	require.NoError(t, err)
	require.NotNil(t, window)
	assert.Equal(t, limit, window.Count)
}

func TestRequireQuotaMiddleware(t *testing.T) {
	svc := newTestRateLimitService(newTestDB(t))
	svc.policies = map[string]RateLimitPolicy{
		shared.ActionMessageSend: {Limit: 2, Window: model.WindowDay},
	}

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals(shared.UserID, "user1")
		return c.Next()
	})
	app.Post("/t", svc.RequireQuota(shared.ActionMessageSend), func(c *fiber.Ctx) error {
		return shared.ResponseOK(c, nil)
	})

	for i := 0; i < 2; i++ {
		res, err := app.Test(httptest.NewRequest(http.MethodPost, "/t", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, res.StatusCode)
	}

	res, err := app.Test(httptest.NewRequest(http.MethodPost, "/t", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, "0", res.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, res.Header.Get("Retry-After"))
	assert.NotEmpty(t, res.Header.Get("X-RateLimit-Reset"))
}

func TestLimitChangeMidWindow(t *testing.T) {
	svc := newTestRateLimitService(newTestDB(t))

	res, err := svc.Consume("user1", "message_send", 1, model.WindowDay, 1)
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = svc.Consume("user1", "message_send", 1, model.WindowDay, 1)
	require.NoError(t, err)
	require.False(t, res.Success)

	// A raised limit applies to the window already in progress, and Check and
	// Consume agree on it.
	check, err := svc.Check("user1", "message_send", 2, model.WindowDay)
	require.NoError(t, err)
	assert.True(t, check.Allowed)

	res, err = svc.Consume("user1", "message_send", 2, model.WindowDay, 1)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.Remaining)

	// The stored row carries the new limit after a successful consume.
	start, _, err := windowBounds(model.WindowDay, time.Now().UTC())
	require.NoError(t, err)
	window, err := svc.postgres.GetRateLimitWindow("user1", "message_send", start)
	require.NoError(t, err)
	require.NotNil(t, window)
	assert.Equal(t, 2, window.Limit)
	assert.Equal(t, 2, window.Count)

	// A lowered limit refuses even though the stored limit is higher.
	res, err = svc.Consume("user1", "message_send", 1, model.WindowDay, 1)
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestRequireQuotaServesBlockedHint(t *testing.T) {
	db := newTestDB(t)
	svc := newTestRateLimitService(db)
	svc.redis = newTestRedis(t)
	svc.policies = map[string]RateLimitPolicy{
		shared.ActionMessageSend: {Limit: 1, Window: model.WindowDay},
	}

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals(shared.UserID, "user1")
		return c.Next()
	})
	app.Post("/t", svc.RequireQuota(shared.ActionMessageSend), func(c *fiber.Ctx) error {
		return shared.ResponseOK(c, nil)
	})

	// Exhausting the quota plants the blocked hint.
	res, err := app.Test(httptest.NewRequest(http.MethodPost, "/t", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)

	// Break the store; the hint alone must keep refusing.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	res, err = app.Test(httptest.NewRequest(http.MethodPost, "/t", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, "0", res.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, res.Header.Get("Retry-After"))
}

func TestRequireQuotaFailsClosed(t *testing.T) {
	db := newTestDB(t)
	svc := newTestRateLimitService(db)
	svc.policies = map[string]RateLimitPolicy{
		shared.ActionMessageSend: {Limit: 5, Window: model.WindowDay},
	}

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	app := fiber.New(fiber.Config{ErrorHandler: (&HttpService{}).handleError})
	app.Use(func(c *fiber.Ctx) error {
		c.Locals(shared.UserID, "user1")
		return c.Next()
	})
	app.Post("/t", svc.RequireQuota(shared.ActionMessageSend), func(c *fiber.Ctx) error {
		return shared.ResponseOK(c, nil)
	})

	// With the store unreachable the answer is unknown, so the request is
	// refused with 503, never admitted.
	res, err := app.Test(httptest.NewRequest(http.MethodPost, "/t", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestRequireQuotaMissingUser(t *testing.T) {
	svc := newTestRateLimitService(newTestDB(t))
	svc.policies = map[string]RateLimitPolicy{
		shared.ActionMessageSend: {Limit: 2, Window: model.WindowDay},
	}

	app := fiber.New()
	app.Post("/t", svc.RequireQuota(shared.ActionMessageSend), func(c *fiber.Ctx) error {
		return shared.ResponseOK(c, nil)
	})

	res, err := app.Test(httptest.NewRequest(http.MethodPost, "/t", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}
