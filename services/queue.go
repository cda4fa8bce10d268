package services

import (
	"fmt"
	"time"

	"github.com/alphabatem/common/context"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"github.com/elenchus-labs/elenchus_api/dto"
	"github.com/elenchus-labs/elenchus_api/model"
	"github.com/elenchus-labs/elenchus_api/shared"
)

// QueueService owns the lifecycle of queued completion requests: admission,
// dispatch ordering, the retry budget and terminal cleanup. All transitions go
// through guarded updates in Postgres, so concurrent workers and user-facing
// cancels can race safely.
type QueueService struct {
	context.DefaultService

	postgres *PostgresService
	redis    *RedisService
	archive  *ArchiveService

	maxRetries    int
	claimAttempts int
}

const QUEUE_SVC = "queue_svc"

func (svc QueueService) Id() string {
	return QUEUE_SVC
}

func (svc *QueueService) Configure(ctx *context.Context) error {
	svc.maxRetries = envInt("QUEUE_MAX_RETRIES", 3)
	svc.claimAttempts = envInt("QUEUE_CLAIM_ATTEMPTS", 5)
	return svc.DefaultService.Configure(ctx)
}

func (svc *QueueService) Start() error {
	svc.postgres = svc.Service(POSTGRES_SVC).(*PostgresService)
	svc.redis = svc.Service(REDIS_SVC).(*RedisService)
	svc.archive = svc.Service(ARCHIVE_SVC).(*ArchiveService)
	return nil
}

// Enqueue admits a new request. Quota must already have been consumed by the
// caller; admission here is unconditional. Returns the stored job and its
// 1-based queue position.
func (svc *QueueService) Enqueue(userID, conversationID string, req *dto.SendMessageRequest) (*model.QueuedRequest, int, error) {
	job := &model.QueuedRequest{
		ConversationID: conversationID,
		UserID:         userID,
		UserMessage:    req.Message,
		Context:        req.Context,
		Priority:       req.Priority,
		Status:         model.StatusPending,
		QueuedAt:       time.Now().UTC(),
		MaxRetries:     svc.maxRetries,
	}

	job, err := svc.postgres.CreateQueuedRequest(job)
	if err != nil {
		return nil, 0, shared.NewStoreUnavailableError(err)
	}

	position, err := svc.queuePosition(job)
	if err != nil {
		// The job is in; a missing position is not worth failing the enqueue.
		log.WithError(err).WithField("job_id", job.ID).Warn("Failed to compute queue position")
		position = 0
	}

	log.WithFields(log.Fields{
		"job_id":   job.ID,
		"user_id":  userID,
		"priority": job.Priority,
		"position": position,
	}).Info("Request enqueued")

	return job, position, nil
}

// DequeueNext claims the best pending request and moves it to processing.
// Returns (nil, nil) when the queue is empty. A bounded claim loop absorbs
// races where another worker takes the candidate first.
func (svc *QueueService) DequeueNext() (*model.QueuedRequest, error) {
	for attempt := 0; attempt < svc.claimAttempts; attempt++ {
		candidate, err := svc.postgres.NextPendingRequest()
		if err != nil {
			return nil, shared.NewStoreUnavailableError(err)
		}
		if candidate == nil {
			return nil, nil
		}

		now := time.Now().UTC()
		claimed, err := svc.postgres.ClaimQueuedRequest(candidate.ID, now)
		if err != nil {
			return nil, shared.NewStoreUnavailableError(err)
		}
		if claimed {
			candidate.Status = model.StatusProcessing
			candidate.StartedAt = &now
			return candidate, nil
		}
		// Lost the race; pick again.
	}

	return nil, nil
}

// MarkCompleted finishes a processing job with its result.
func (svc *QueueService) MarkCompleted(jobID, result string) (*model.QueuedRequest, error) {
	job, err := svc.requireJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.StatusProcessing {
		return nil, shared.NewInvalidStateError(nil, fmt.Sprintf("cannot complete job in status %q", job.Status))
	}

	ok, err := svc.postgres.CompleteQueuedRequest(jobID, result, time.Now().UTC())
	if err != nil {
		return nil, shared.NewStoreUnavailableError(err)
	}
	if !ok {
		return nil, shared.NewInvalidStateError(nil, "job left processing before completion")
	}

	updated, err := svc.requireJob(jobID)
	if err != nil {
		return nil, err
	}
	svc.cacheTerminal(updated)
	return updated, nil
}

// MarkFailed records a failed attempt. While the retry budget holds, the job
// goes back to pending with its original queued_at, so it does not lose its
// place in line. Once the budget is spent the job lands in failed for good.
func (svc *QueueService) MarkFailed(jobID, errText string) (*model.QueuedRequest, error) {
	job, err := svc.requireJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.StatusProcessing {
		return nil, shared.NewInvalidStateError(nil, fmt.Sprintf("cannot fail job in status %q", job.Status))
	}

	now := time.Now().UTC()

	if job.RetryCount < job.MaxRetries {
		ok, err := svc.postgres.RequeueQueuedRequest(jobID, now)
		if err != nil {
			return nil, shared.NewStoreUnavailableError(err)
		}
		if !ok {
			return nil, shared.NewInvalidStateError(nil, "job left processing before requeue")
		}

		log.WithFields(log.Fields{
			"job_id": jobID,
			"retry":  job.RetryCount + 1,
			"error":  errText,
		}).Warn("Request attempt failed, requeued")

		return svc.requireJob(jobID)
	}

	ok, err := svc.postgres.FailQueuedRequest(jobID, shared.ErrMaxRetriesExceeded, now)
	if err != nil {
		return nil, shared.NewStoreUnavailableError(err)
	}
	if !ok {
		return nil, shared.NewInvalidStateError(nil, "job left processing before failure")
	}

	log.WithFields(log.Fields{
		"job_id":     jobID,
		"last_error": errText,
	}).Error("Request failed permanently")

	updated, err := svc.requireJob(jobID)
	if err != nil {
		return nil, err
	}
	svc.cacheTerminal(updated)
	return updated, nil
}

// Cancel withdraws a pending or processing job. A processing job's in-flight
// attempt may still finish at the provider, but its outcome is discarded when
// the completion update finds the job no longer processing.
func (svc *QueueService) Cancel(jobID string) (*model.QueuedRequest, error) {
	job, err := svc.requireJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, shared.NewInvalidStateError(nil, fmt.Sprintf("cannot cancel job in status %q", job.Status))
	}

	ok, err := svc.postgres.CancelQueuedRequest(jobID, time.Now().UTC())
	if err != nil {
		return nil, shared.NewStoreUnavailableError(err)
	}
	if !ok {
		return nil, shared.NewInvalidStateError(nil, "job reached a terminal state before cancellation")
	}

	updated, err := svc.requireJob(jobID)
	if err != nil {
		return nil, err
	}
	svc.cacheTerminal(updated)
	return updated, nil
}

// GetQueuePosition returns the 1-based position among pending jobs, or 0 for
// any job no longer waiting.
func (svc *QueueService) GetQueuePosition(jobID string) (int, error) {
	job, err := svc.requireJob(jobID)
	if err != nil {
		return 0, err
	}
	if job.Status != model.StatusPending {
		return 0, nil
	}
	return svc.queuePosition(job)
}

// GetStatus assembles the polling view of a job. Terminal views come straight
// from the cache when present; live jobs always hit the store.
func (svc *QueueService) GetStatus(jobID string) (*dto.QueueStatusResponse, error) {
	if cached, ok := svc.cachedStatus(jobID); ok {
		return &cached.View, nil
	}

	job, err := svc.requireJob(jobID)
	if err != nil {
		return nil, err
	}

	resp := statusView(job)

	if job.Status == model.StatusPending {
		position, err := svc.queuePosition(job)
		if err != nil {
			return nil, err
		}
		resp.QueuePosition = position
	} else if job.Status.Terminal() {
		svc.cacheTerminal(job)
	}

	return resp, nil
}

// GetStatusForUser is GetStatus with an ownership check. Another user's job is
// reported as not found rather than forbidden, so job ids leak nothing. A
// cache hit answers both the ownership check and the view without Postgres.
func (svc *QueueService) GetStatusForUser(userID, jobID string) (*dto.QueueStatusResponse, error) {
	if cached, ok := svc.cachedStatus(jobID); ok {
		if cached.UserID != userID {
			return nil, shared.NewNotFoundError(nil, fmt.Sprintf("job %s not found", jobID))
		}
		return &cached.View, nil
	}

	if err := svc.requireOwnership(userID, jobID); err != nil {
		return nil, err
	}
	return svc.GetStatus(jobID)
}

// CancelForUser is Cancel with an ownership check.
func (svc *QueueService) CancelForUser(userID, jobID string) (*model.QueuedRequest, error) {
	if err := svc.requireOwnership(userID, jobID); err != nil {
		return nil, err
	}
	return svc.Cancel(jobID)
}

func (svc *QueueService) requireOwnership(userID, jobID string) error {
	job, err := svc.requireJob(jobID)
	if err != nil {
		return err
	}
	if job.UserID != userID {
		return shared.NewNotFoundError(nil, fmt.Sprintf("job %s not found", jobID))
	}
	return nil
}

// CleanupOldRequests removes terminal jobs whose completed_at is older than
// the retention period. When the archive is enabled, batches are written there
// before deletion.
func (svc *QueueService) CleanupOldRequests(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	var deleted int64

	if svc.archive.Enabled() {
		for {
			batch, err := svc.postgres.TerminalRequestsBefore(cutoff, 500)
			if err != nil {
				return deleted, shared.NewStoreUnavailableError(err)
			}
			if len(batch) == 0 {
				break
			}
			if err := svc.archive.ArchiveRequests(batch); err != nil {
				return deleted, err
			}
			ids := make([]string, len(batch))
			for i, job := range batch {
				ids[i] = job.ID
			}
			n, err := svc.postgres.DeleteQueuedRequests(ids)
			if err != nil {
				return deleted, shared.NewStoreUnavailableError(err)
			}
			deleted += n
		}
	} else {
		var err error
		deleted, err = svc.postgres.DeleteTerminalRequestsBefore(cutoff)
		if err != nil {
			return deleted, shared.NewStoreUnavailableError(err)
		}
	}

	if deleted > 0 {
		log.WithField("deleted", deleted).Info("Cleaned up old queue requests")
	}

	return deleted, nil
}

// ReclaimStale returns processing jobs abandoned past the timeout to pending.
func (svc *QueueService) ReclaimStale(timeout time.Duration) (int64, error) {
	reclaimed, err := svc.postgres.ReclaimStaleProcessing(time.Now().UTC().Add(-timeout))
	if err != nil {
		return 0, shared.NewStoreUnavailableError(err)
	}

	if reclaimed > 0 {
		log.WithField("reclaimed", reclaimed).Warn("Reclaimed stale processing requests")
	}

	return reclaimed, nil
}

// cachedJobStatus is the Redis payload for a terminal job: the polling view
// plus the owner, so ownership checks can be answered from cache too.
type cachedJobStatus struct {
	UserID string                  `json:"user_id"`
	View   dto.QueueStatusResponse `json:"view"`
}

func statusView(job *model.QueuedRequest) *dto.QueueStatusResponse {
	return &dto.QueueStatusResponse{
		JobID:       job.ID,
		Status:      string(job.Status),
		QueuedAt:    job.QueuedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		Result:      job.Result,
		Error:       job.Error,
	}
}

// cacheTerminal pushes a terminal job's view into Redis. Non-terminal jobs are
// never cached; their status must stay live.
func (svc *QueueService) cacheTerminal(job *model.QueuedRequest) {
	if !job.Status.Terminal() {
		return
	}

	payload, err := sonic.Marshal(cachedJobStatus{UserID: job.UserID, View: *statusView(job)})
	if err != nil {
		log.WithError(err).WithField("job_id", job.ID).Debug("Failed to encode job status for cache")
		return
	}
	svc.redis.CacheJobStatus(job.ID, payload)
}

func (svc *QueueService) cachedStatus(jobID string) (*cachedJobStatus, bool) {
	payload := svc.redis.GetCachedJobStatus(jobID)
	if payload == nil {
		return nil, false
	}

	var cached cachedJobStatus
	if err := sonic.Unmarshal(payload, &cached); err != nil {
		log.WithError(err).WithField("job_id", jobID).Debug("Discarding undecodable cached job status")
		return nil, false
	}
	return &cached, true
}

func (svc *QueueService) requireJob(jobID string) (*model.QueuedRequest, error) {
	job, err := svc.postgres.GetQueuedRequest(jobID)
	if err != nil {
		return nil, shared.NewStoreUnavailableError(err)
	}
	if job == nil {
		return nil, shared.NewNotFoundError(nil, fmt.Sprintf("job %s not found", jobID))
	}
	return job, nil
}

func (svc *QueueService) queuePosition(job *model.QueuedRequest) (int, error) {
	ahead, err := svc.postgres.CountPendingAhead(job)
	if err != nil {
		return 0, shared.NewStoreUnavailableError(err)
	}
	return int(ahead) + 1, nil
}
