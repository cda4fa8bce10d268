package services

import (
	gocontext "context"
	"sync"
	"time"

	"github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"

	"github.com/elenchus-labs/elenchus_api/model"
	"github.com/elenchus-labs/elenchus_api/shared"
)

// WorkerService runs the dispatch loop: a fixed pool of goroutines that claim
// pending requests, call the completion provider, and record the outcome. It
// also owns queue maintenance (stale reclaim, terminal cleanup, depth gauge).
type WorkerService struct {
	context.DefaultService

	queue      *QueueService
	completer  CompletionProvider
	monitoring *MonitoringService

	concurrency     int
	pollInterval    time.Duration
	jobTimeout      time.Duration
	staleTimeout    time.Duration
	reclaimInterval time.Duration
	cleanupInterval time.Duration
	retention       time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

const WORKER_SVC = "worker_svc"

func (svc WorkerService) Id() string {
	return WORKER_SVC
}

func (svc *WorkerService) Configure(ctx *context.Context) error {
	svc.concurrency = envInt("WORKER_CONCURRENCY", 2)
	svc.pollInterval = envDuration("WORKER_POLL_INTERVAL", time.Second)
	svc.jobTimeout = envDuration("WORKER_JOB_TIMEOUT", 2*time.Minute)
	svc.staleTimeout = envDuration("QUEUE_STALE_TIMEOUT", 5*time.Minute)
	svc.reclaimInterval = envDuration("QUEUE_RECLAIM_INTERVAL", time.Minute)
	svc.cleanupInterval = envDuration("QUEUE_CLEANUP_INTERVAL", time.Hour)
	svc.retention = envDuration("QUEUE_RETENTION", 7*24*time.Hour)
	svc.stop = make(chan struct{})

	return svc.DefaultService.Configure(ctx)
}

func (svc *WorkerService) Start() error {
	svc.queue = svc.Service(QUEUE_SVC).(*QueueService)
	svc.completer = svc.Service(COMPLETION_SVC).(*CompletionService)
	svc.monitoring = svc.Service(MONITORING_SVC).(*MonitoringService)

	for i := 0; i < svc.concurrency; i++ {
		svc.wg.Add(1)
		go svc.runWorker(i)
	}

	svc.wg.Add(1)
	go svc.maintenanceLoop()

	log.WithField("concurrency", svc.concurrency).Info("Worker pool started")
	return nil
}

func (svc *WorkerService) Shutdown() {
	close(svc.stop)
	svc.wg.Wait()
}

func (svc *WorkerService) runWorker(id int) {
	defer svc.wg.Done()

	for {
		select {
		case <-svc.stop:
			return
		default:
		}

		worked, err := svc.processNext()
		if err != nil {
			log.WithError(err).WithField("worker", id).Error("Worker iteration failed")
		}
		if worked {
			continue
		}

		// Nothing claimable; back off until the next poll.
		select {
		case <-svc.stop:
			return
		case <-time.After(svc.pollInterval):
		}
	}
}

// processNext claims and processes at most one request. Returns false when the
// queue was empty. A failed completion spends one retry; a cancel that lands
// mid-flight wins over the attempt's outcome and is not an error here.
func (svc *WorkerService) processNext() (bool, error) {
	job, err := svc.queue.DequeueNext()
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	log.WithFields(log.Fields{
		"job_id":   job.ID,
		"priority": job.Priority,
		"retry":    job.RetryCount,
	}).Info("Processing request")

	ctx, cancel := gocontext.WithTimeout(gocontext.Background(), svc.jobTimeout)
	result, completeErr := svc.completer.Complete(ctx, job.UserMessage, job.Context)
	cancel()

	started := time.Now()
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	svc.observeLatency(time.Since(started))

	if completeErr != nil {
		updated, markErr := svc.queue.MarkFailed(job.ID, completeErr.Error())
		if markErr != nil {
			if shared.IsInvalidState(markErr) {
				// Cancelled while we were working; drop the outcome.
				return true, nil
			}
			return true, markErr
		}
		svc.recordOutcome(updated.Status)
		return true, nil
	}

	updated, markErr := svc.queue.MarkCompleted(job.ID, result)
	if markErr != nil {
		if shared.IsInvalidState(markErr) {
			return true, nil
		}
		return true, markErr
	}
	svc.recordOutcome(updated.Status)
	return true, nil
}

func (svc *WorkerService) maintenanceLoop() {
	defer svc.wg.Done()

	reclaim := time.NewTicker(svc.reclaimInterval)
	cleanup := time.NewTicker(svc.cleanupInterval)
	depth := time.NewTicker(15 * time.Second)
	defer reclaim.Stop()
	defer cleanup.Stop()
	defer depth.Stop()

	for {
		select {
		case <-svc.stop:
			return
		case <-reclaim.C:
			if _, err := svc.queue.ReclaimStale(svc.staleTimeout); err != nil {
				log.WithError(err).Error("Stale reclaim failed")
			}
		case <-cleanup.C:
			if _, err := svc.queue.CleanupOldRequests(svc.retention); err != nil {
				log.WithError(err).Error("Queue cleanup failed")
			}
		case <-depth.C:
			svc.updateQueueDepth()
		}
	}
}

func (svc *WorkerService) updateQueueDepth() {
	if svc.monitoring == nil {
		return
	}
	for _, status := range []model.RequestStatus{model.StatusPending, model.StatusProcessing} {
		count, err := svc.queue.postgres.CountRequestsByStatus(status)
		if err != nil {
			continue
		}
		svc.monitoring.SetQueueDepth(string(status), count)
	}
}

func (svc *WorkerService) recordOutcome(status model.RequestStatus) {
	if svc.monitoring == nil {
		return
	}
	outcome := string(status)
	if status == model.StatusPending {
		outcome = "retried"
	}
	svc.monitoring.RecordJobProcessed(outcome)
}

func (svc *WorkerService) observeLatency(d time.Duration) {
	if svc.monitoring != nil {
		svc.monitoring.ObserveCompletionLatency(d)
	}
}
