package services

import (
	gocontext "context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elenchus-labs/elenchus_api/model"
	"github.com/elenchus-labs/elenchus_api/shared"
)

type completerFunc func(ctx gocontext.Context, userMessage, conversationContext string) (string, error)

func (f completerFunc) Complete(ctx gocontext.Context, userMessage, conversationContext string) (string, error) {
	return f(ctx, userMessage, conversationContext)
}

func newTestWorker(qs *QueueService, completer CompletionProvider) *WorkerService {
	return &WorkerService{
		queue:      qs,
		completer:  completer,
		jobTimeout: time.Minute,
	}
}

func TestProcessNextEmptyQueue(t *testing.T) {
	qs := newTestQueueService(newTestDB(t))
	w := newTestWorker(qs, completerFunc(func(gocontext.Context, string, string) (string, error) {
		t.Fatal("completer called with empty queue")
		return "", nil
	}))

	worked, err := w.processNext()
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestProcessNextSuccess(t *testing.T) {
	qs := newTestQueueService(newTestDB(t))
	job := mkJob(t, qs, "user1", 0, time.Now().UTC())

	var gotMessage, gotContext string
	w := newTestWorker(qs, completerFunc(func(_ gocontext.Context, userMessage, conversationContext string) (string, error) {
		gotMessage = userMessage
		gotContext = conversationContext
		return "And how would you define it?", nil
	}))

	worked, err := w.processNext()
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, job.UserMessage, gotMessage)
	assert.Equal(t, job.Context, gotContext)

	stored, err := qs.postgres.GetQueuedRequest(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, stored.Status)
	assert.Equal(t, "And how would you define it?", stored.Result)
}

func TestProcessNextFailureSpendsRetries(t *testing.T) {
	qs := newTestQueueService(newTestDB(t))
	job := mkJob(t, qs, "user1", 0, time.Now().UTC())

	w := newTestWorker(qs, completerFunc(func(gocontext.Context, string, string) (string, error) {
		return "", errors.New("upstream unavailable")
	}))

	// Budget of 3 retries means 4 attempts before the job fails for good.
	for attempt := 0; attempt < 4; attempt++ {
		worked, err := w.processNext()
		require.NoError(t, err)
		require.True(t, worked)
	}

	stored, err := qs.postgres.GetQueuedRequest(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)
	assert.Equal(t, shared.ErrMaxRetriesExceeded, stored.Error)
	assert.Equal(t, 3, stored.RetryCount)

	worked, err := w.processNext()
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestProcessNextCancelledMidFlight(t *testing.T) {
	qs := newTestQueueService(newTestDB(t))
	job := mkJob(t, qs, "user1", 0, time.Now().UTC())

	// The user cancels while the completion call is in flight; the attempt's
	// outcome must be discarded without surfacing an error.
	w := newTestWorker(qs, completerFunc(func(gocontext.Context, string, string) (string, error) {
		_, err := qs.Cancel(job.ID)
		require.NoError(t, err)
		return "discarded reply", nil
	}))

	worked, err := w.processNext()
	require.NoError(t, err)
	assert.True(t, worked)

	stored, err := qs.postgres.GetQueuedRequest(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, stored.Status)
	assert.Empty(t, stored.Result)
}
