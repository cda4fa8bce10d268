package services

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/elenchus-labs/elenchus_api/model"
)

type PostgresService struct {
	context.DefaultService
	db *gorm.DB

	database string
}

const POSTGRES_SVC = "postgres_svc"

func (ds PostgresService) Id() string {
	return POSTGRES_SVC
}

func (ds PostgresService) Db() *gorm.DB {
	return ds.db
}

func (ds *PostgresService) Configure(ctx *context.Context) error {
	ds.database = os.Getenv("DATABASE_URL")
	if ds.database == "" {
		host := os.Getenv("DB_HOST")
		if host == "" {
			host = "localhost"
		}
		port := os.Getenv("DB_PORT")
		if port == "" {
			port = "5432"
		}
		user := os.Getenv("DB_USER")
		if user == "" {
			user = "postgres"
		}
		password := os.Getenv("DB_PASSWORD")
		if password == "" {
			password = "postgres"
		}
		dbname := os.Getenv("DB_NAME")
		if dbname == "" {
			dbname = "elenchus_api"
		}
		sslmode := os.Getenv("DB_SSLMODE")
		if sslmode == "" {
			sslmode = "disable"
		}

		ds.database = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			host, user, password, dbname, port, sslmode)
	}

	return ds.DefaultService.Configure(ctx)
}

func (ds *PostgresService) Start() (err error) {
	maxRetries := 10
	retryDelay := time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		log.Printf("Attempting to connect to database (attempt %d/%d)...", attempt, maxRetries)

		ds.db, err = gorm.Open(postgres.Open(ds.database), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Error),
		})

		if err == nil {
			sqlDB, dbErr := ds.db.DB()
			if dbErr == nil {
				if pingErr := sqlDB.Ping(); pingErr == nil {
					log.Println("Successfully connected to database")
					break
				} else {
					err = pingErr
				}
			} else {
				err = dbErr
			}
		}

		if attempt == maxRetries {
			log.Printf("Failed to connect to database after %d attempts: %v", maxRetries, err)
			return err
		}

		log.Printf("Database connection failed: %v. Retrying in %v...", err, retryDelay)
		time.Sleep(retryDelay)

		retryDelay *= 2
		if retryDelay > 10*time.Second {
			retryDelay = 10 * time.Second
		}
	}

	err = ds.db.AutoMigrate(
		&model.RateLimitWindow{},
		&model.QueuedRequest{},
	)
	if err != nil {
		log.Printf("Failed to migrate database: %v", err)
		return err
	}

	log.Println("Database connected and migrated successfully")
	return nil
}

func (ds *PostgresService) Shutdown() {
	sqlDB, err := ds.db.DB()
	if err == nil {
		sqlDB.Close()
	}
}

func (ds *PostgresService) HandleError(err error) error {
	if err == nil {
		return nil
	}

	var statusCode int
	var errorType string

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		statusCode = http.StatusNotFound // 404
		errorType = "NOT_FOUND"
	case errors.Is(err, gorm.ErrDuplicatedKey):
		statusCode = http.StatusConflict // 409
		errorType = "CONFLICT"
	case errors.Is(err, gorm.ErrInvalidTransaction):
		statusCode = http.StatusInternalServerError // 500
		errorType = "TRANSACTION_ERROR"
	default:
		if strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
			statusCode = http.StatusConflict // 409
			errorType = "UNIQUE_CONSTRAINT"
		} else if strings.Contains(err.Error(), "connection refused") {
			statusCode = http.StatusServiceUnavailable // 503
			errorType = "DATABASE_CONNECTION_ERROR"
		} else {
			statusCode = http.StatusInternalServerError // 500
			errorType = "INTERNAL_ERROR"
		}
	}

	logEntry := log.WithFields(log.Fields{
		"status_code": statusCode,
		"error_type":  errorType,
		"error":       err.Error(),
	})

	if statusCode >= 500 {
		logEntry.Error("Database error occurred")
	} else {
		logEntry.Warn("Database operation failed")
	}

	return fmt.Errorf("%s: %w", errorType, err)
}

// ==================== RATE LIMIT WINDOW METHODS ====================

func (ds *PostgresService) GetRateLimitWindow(userID, action string, windowStart time.Time) (*model.RateLimitWindow, error) {
	var window model.RateLimitWindow

	err := ds.db.Where("user_id = ? AND action = ? AND window_start = ?", userID, action, windowStart).
		First(&window).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &window, nil
}

// EnsureRateLimitWindow materializes the current window record if it does not
// exist yet, without touching the count of one that does. Returns the row as
// it stands after the upsert.
func (ds *PostgresService) EnsureRateLimitWindow(window *model.RateLimitWindow) (*model.RateLimitWindow, error) {
	if window.ID == "" {
		id, _ := uuid.NewV7()
		window.ID = id.String()
	}

	now := time.Now()
	window.CreatedAt = now
	window.UpdatedAt = now

	err := ds.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "action"}, {Name: "window_start"}},
		DoNothing: true,
	}).Create(window).Error
	if err != nil {
		return nil, err
	}

	return ds.GetRateLimitWindow(window.UserID, window.Action, window.WindowStart)
}

// TryConsumeRateLimit performs the atomic check-then-increment: the UPDATE is
// guarded by count + amount <= limit, so two racing callers can never jointly
// push count past the limit. The guard uses the caller's limit, not the stored
// column, so a policy change takes effect mid-window; a successful consume
// writes the new limit back. Returns false with no mutation when the guard
// fails. Crossing the limit marks the window blocked until window_end.
func (ds *PostgresService) TryConsumeRateLimit(userID, action string, windowStart, windowEnd time.Time, limit, amount int) (bool, error) {
	res := ds.db.Model(&model.RateLimitWindow{}).
		Where("user_id = ? AND action = ? AND window_start = ? AND count + ? <= ?",
			userID, action, windowStart, amount, limit).
		Updates(map[string]interface{}{
			"count":         gorm.Expr("count + ?", amount),
			"limit":         limit,
			"is_blocked":    gorm.Expr("count + ? >= ?", amount, limit),
			"blocked_until": gorm.Expr("CASE WHEN count + ? >= ? THEN ? ELSE NULL END", amount, limit, windowEnd),
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}

	return res.RowsAffected > 0, nil
}

// DeleteRateLimitWindows clears every window for the key. Idempotent.
func (ds *PostgresService) DeleteRateLimitWindows(userID, action string) error {
	return ds.db.Where("user_id = ? AND action = ?", userID, action).
		Delete(&model.RateLimitWindow{}).Error
}

func (ds *PostgresService) CleanupExpiredRateLimitWindows(cutoff time.Time) (int64, error) {
	res := ds.db.Where("window_end < ?", cutoff).Delete(&model.RateLimitWindow{})
	return res.RowsAffected, res.Error
}

// ==================== QUEUED REQUEST METHODS ====================

func (ds *PostgresService) CreateQueuedRequest(req *model.QueuedRequest) (*model.QueuedRequest, error) {
	if req.ID == "" {
		id, _ := uuid.NewV7()
		req.ID = id.String()
	}

	now := time.Now()
	req.CreatedAt = now
	req.UpdatedAt = now

	if err := ds.db.Create(req).Error; err != nil {
		return nil, ds.HandleError(err)
	}
	return req, nil
}

func (ds *PostgresService) GetQueuedRequest(jobID string) (*model.QueuedRequest, error) {
	var req model.QueuedRequest

	err := ds.db.Where("id = ?", jobID).First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &req, nil
}

// NextPendingRequest returns the best dispatch candidate without claiming it:
// highest priority first, FIFO inside a band, insertion sequence as the final
// tiebreaker for identical timestamps.
func (ds *PostgresService) NextPendingRequest() (*model.QueuedRequest, error) {
	var req model.QueuedRequest

	err := ds.db.Where("status = ?", model.StatusPending).
		Order("priority DESC, queued_at ASC, seq ASC").
		First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &req, nil
}

// ClaimQueuedRequest moves a job pending -> processing. The status guard makes
// the claim exclusive: when two workers race, exactly one sees RowsAffected=1.
func (ds *PostgresService) ClaimQueuedRequest(jobID string, now time.Time) (bool, error) {
	res := ds.db.Model(&model.QueuedRequest{}).
		Where("id = ? AND status = ?", jobID, model.StatusPending).
		Updates(map[string]interface{}{
			"status":     model.StatusProcessing,
			"started_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (ds *PostgresService) CompleteQueuedRequest(jobID, result string, now time.Time) (bool, error) {
	res := ds.db.Model(&model.QueuedRequest{}).
		Where("id = ? AND status = ?", jobID, model.StatusProcessing).
		Updates(map[string]interface{}{
			"status":       model.StatusCompleted,
			"result":       result,
			"completed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RequeueQueuedRequest returns a failed attempt to pending for retry. The
// original queued_at is preserved so a retried job keeps its place in the
// FIFO band instead of being penalized twice.
func (ds *PostgresService) RequeueQueuedRequest(jobID string, now time.Time) (bool, error) {
	res := ds.db.Model(&model.QueuedRequest{}).
		Where("id = ? AND status = ?", jobID, model.StatusProcessing).
		Updates(map[string]interface{}{
			"status":      model.StatusPending,
			"retry_count": gorm.Expr("retry_count + 1"),
			"started_at":  nil,
			"error":       "",
			"updated_at":  now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (ds *PostgresService) FailQueuedRequest(jobID, errText string, now time.Time) (bool, error) {
	res := ds.db.Model(&model.QueuedRequest{}).
		Where("id = ? AND status = ?", jobID, model.StatusProcessing).
		Updates(map[string]interface{}{
			"status":       model.StatusFailed,
			"error":        errText,
			"completed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (ds *PostgresService) CancelQueuedRequest(jobID string, now time.Time) (bool, error) {
	res := ds.db.Model(&model.QueuedRequest{}).
		Where("id = ? AND status IN ?", jobID, []model.RequestStatus{model.StatusPending, model.StatusProcessing}).
		Updates(map[string]interface{}{
			"status":       model.StatusCancelled,
			"completed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CountPendingAhead counts pending jobs strictly ordered before the given one
// under the dispatch comparator.
func (ds *PostgresService) CountPendingAhead(req *model.QueuedRequest) (int64, error) {
	var count int64

	err := ds.db.Model(&model.QueuedRequest{}).
		Where("status = ?", model.StatusPending).
		Where(`priority > ? OR (priority = ? AND queued_at < ?) OR (priority = ? AND queued_at = ? AND seq < ?)`,
			req.Priority, req.Priority, req.QueuedAt, req.Priority, req.QueuedAt, req.Seq).
		Count(&count).Error
	if err != nil {
		return 0, err
	}

	return count, nil
}

func (ds *PostgresService) CountRequestsByStatus(status model.RequestStatus) (int64, error) {
	var count int64
	err := ds.db.Model(&model.QueuedRequest{}).Where("status = ?", status).Count(&count).Error
	return count, err
}

var terminalStatuses = []model.RequestStatus{model.StatusCompleted, model.StatusFailed, model.StatusCancelled}

func (ds *PostgresService) TerminalRequestsBefore(cutoff time.Time, limit int) ([]model.QueuedRequest, error) {
	var reqs []model.QueuedRequest

	err := ds.db.Where("status IN ? AND completed_at < ?", terminalStatuses, cutoff).
		Order("completed_at ASC").
		Limit(limit).
		Find(&reqs).Error
	if err != nil {
		return nil, err
	}

	return reqs, nil
}

func (ds *PostgresService) DeleteQueuedRequests(ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := ds.db.Where("id IN ?", ids).Delete(&model.QueuedRequest{})
	return res.RowsAffected, res.Error
}

func (ds *PostgresService) DeleteTerminalRequestsBefore(cutoff time.Time) (int64, error) {
	res := ds.db.Where("status IN ? AND completed_at < ?", terminalStatuses, cutoff).
		Delete(&model.QueuedRequest{})
	return res.RowsAffected, res.Error
}

// ReclaimStaleProcessing returns processing jobs whose claim has gone stale
// (worker likely crashed) to pending. queued_at is preserved and no retry is
// charged; the failure was ours, not the job's.
func (ds *PostgresService) ReclaimStaleProcessing(cutoff time.Time) (int64, error) {
	res := ds.db.Model(&model.QueuedRequest{}).
		Where("status = ? AND started_at < ?", model.StatusProcessing, cutoff).
		Updates(map[string]interface{}{
			"status":     model.StatusPending,
			"started_at": nil,
			"updated_at": time.Now(),
		})
	return res.RowsAffected, res.Error
}
