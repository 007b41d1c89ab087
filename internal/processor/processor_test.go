package processor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	apperrors "entity-extractor/internal/errors"
	"entity-extractor/internal/models"
	"entity-extractor/internal/pdftext"
	"entity-extractor/internal/pdftext/pdftest"
	"entity-extractor/internal/storage"
	"entity-extractor/mocks"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const bucket = "documents"

type fixture struct {
	db       *mocks.MockJobStore
	queue    *mocks.MockJobQueuer
	store    *mocks.MockFileStorer
	fallback *mocks.MockTextExtractor
}

func newFixture() *fixture {
	return &fixture{
		db:       new(mocks.MockJobStore),
		queue:    new(mocks.MockJobQueuer),
		store:    new(mocks.MockFileStorer),
		fallback: new(mocks.MockTextExtractor),
	}
}

func (f *fixture) processor(opts ...Option) *JobProcessor {
	opts = append([]Option{WithRetry(3, time.Millisecond)}, opts...)
	return NewJobProcessor(f.db, f.queue, f.store, bucket, pdftext.New(), opts...)
}

func (f *fixture) assertExpectations(t *testing.T) {
	f.db.AssertExpectations(t)
	f.queue.AssertExpectations(t)
	f.store.AssertExpectations(t)
	f.fallback.AssertExpectations(t)
}

func queuedJob(id uuid.UUID) *models.Job {
	return &models.Job{ID: id, Status: models.StatusQueued, FileName: id.String() + ".pdf"}
}

func TestProcessJob_Success(t *testing.T) {
	f := newFixture()
	jobID := uuid.New()
	job := queuedJob(jobID)
	document := pdftest.Build(pdftest.TextPage("Hello"), pdftest.TextPage("World"))

	f.db.On("Get", mock.Anything, jobID).Return(job, nil).Once()
	f.db.On("UpdateJobStatus", mock.Anything, jobID, models.StatusProcessing).Return(nil).Once()
	f.store.On("Download", mock.Anything, bucket, job.FileName).Return(document, nil).Once()
	f.db.On("CompleteJob", mock.Anything, jobID, mock.MatchedBy(func(text string) bool {
		return strings.Count(text, "\f") == 1 && strings.Contains(text, "Hello") && strings.Contains(text, "World")
	}), 2).Return(nil).Once()

	require.NoError(t, f.processor().ProcessJob(context.Background(), jobID))
	f.assertExpectations(t)
}

func TestProcessJob_MalformedDocumentFailsJob(t *testing.T) {
	f := newFixture()
	jobID := uuid.New()
	job := queuedJob(jobID)

	f.db.On("Get", mock.Anything, jobID).Return(job, nil).Once()
	f.db.On("UpdateJobStatus", mock.Anything, jobID, models.StatusProcessing).Return(nil).Once()
	f.store.On("Download", mock.Anything, bucket, job.FileName).Return([]byte("not a pdf at all"), nil).Once()
	f.db.On("FailJob", mock.Anything, jobID, mock.MatchedBy(func(msg string) bool {
		return strings.Contains(msg, "malformed pdf")
	})).Return(nil).Once()

	err := f.processor().ProcessJob(context.Background(), jobID)
	require.Error(t, err)
	assert.ErrorIs(t, err, pdftext.ErrMalformed)
	f.store.AssertNumberOfCalls(t, "Download", 1)
	f.db.AssertNotCalled(t, "CompleteJob", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.assertExpectations(t)
}

func TestProcessJob_RetriesTransientFetch(t *testing.T) {
	f := newFixture()
	jobID := uuid.New()
	job := queuedJob(jobID)

	f.db.On("Get", mock.Anything, jobID).Return(nil, errors.New("connection reset")).Twice()
	f.db.On("Get", mock.Anything, jobID).Return(job, nil).Once()
	f.db.On("UpdateJobStatus", mock.Anything, jobID, models.StatusProcessing).Return(nil).Once()
	f.store.On("Download", mock.Anything, bucket, job.FileName).Return(pdftest.Build(pdftest.TextPage("x")), nil).Once()
	f.db.On("CompleteJob", mock.Anything, jobID, mock.Anything, 1).Return(nil).Once()

	require.NoError(t, f.processor().ProcessJob(context.Background(), jobID))
	f.db.AssertNumberOfCalls(t, "Get", 3)
	f.assertExpectations(t)
}

func TestProcessJob_GivesUpAfterRetries(t *testing.T) {
	f := newFixture()
	jobID := uuid.New()

	f.db.On("Get", mock.Anything, jobID).Return(nil, errors.New("connection reset"))

	err := f.processor().ProcessJob(context.Background(), jobID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	f.db.AssertNumberOfCalls(t, "Get", 3)
}

func TestProcessJob_UnknownJobIsNotRetried(t *testing.T) {
	f := newFixture()
	jobID := uuid.New()

	f.db.On("Get", mock.Anything, jobID).Return(nil, storage.ErrNotFound).Once()

	err := f.processor().ProcessJob(context.Background(), jobID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	f.db.AssertNumberOfCalls(t, "Get", 1)
	f.db.AssertNotCalled(t, "FailJob", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessJob_SkipsFinishedJob(t *testing.T) {
	f := newFixture()
	jobID := uuid.New()
	job := queuedJob(jobID)
	job.Status = models.StatusCompleted

	f.db.On("Get", mock.Anything, jobID).Return(job, nil).Once()

	require.NoError(t, f.processor().ProcessJob(context.Background(), jobID))
	f.store.AssertNotCalled(t, "Download", mock.Anything, mock.Anything, mock.Anything)
	f.assertExpectations(t)
}

func TestProcessJob_FallbackForDocumentWithoutText(t *testing.T) {
	f := newFixture()
	jobID := uuid.New()
	job := queuedJob(jobID)
	document := pdftest.Build("BT ET")

	f.db.On("Get", mock.Anything, jobID).Return(job, nil).Once()
	f.db.On("UpdateJobStatus", mock.Anything, jobID, models.StatusProcessing).Return(nil).Once()
	f.store.On("Download", mock.Anything, bucket, job.FileName).Return(document, nil).Once()
	f.fallback.On("ExtractText", mock.Anything, document).Return("scanned text", nil).Once()
	f.db.On("CompleteJob", mock.Anything, jobID, "scanned text", 1).Return(nil).Once()

	require.NoError(t, f.processor(WithFallback(f.fallback)).ProcessJob(context.Background(), jobID))
	f.assertExpectations(t)
}

func TestProcessJob_FallbackFailureFailsJob(t *testing.T) {
	f := newFixture()
	jobID := uuid.New()
	job := queuedJob(jobID)
	document := pdftest.Build("BT ET")

	f.db.On("Get", mock.Anything, jobID).Return(job, nil).Once()
	f.db.On("UpdateJobStatus", mock.Anything, jobID, models.StatusProcessing).Return(nil).Once()
	f.store.On("Download", mock.Anything, bucket, job.FileName).Return(document, nil).Once()
	f.fallback.On("ExtractText", mock.Anything, document).Return("", apperrors.Permanent(errors.New("bad key"))).Once()
	f.db.On("FailJob", mock.Anything, jobID, mock.Anything).Return(nil).Once()

	err := f.processor(WithFallback(f.fallback)).ProcessJob(context.Background(), jobID)
	assert.True(t, apperrors.IsPermanent(err))
	f.fallback.AssertNumberOfCalls(t, "ExtractText", 1)
	f.assertExpectations(t)
}

func TestProcessJob_FallbackRetriesTransientError(t *testing.T) {
	f := newFixture()
	jobID := uuid.New()
	job := queuedJob(jobID)
	document := pdftest.Build("BT ET")

	f.db.On("Get", mock.Anything, jobID).Return(job, nil).Once()
	f.db.On("UpdateJobStatus", mock.Anything, jobID, models.StatusProcessing).Return(nil).Once()
	f.store.On("Download", mock.Anything, bucket, job.FileName).Return(document, nil).Once()
	f.fallback.On("ExtractText", mock.Anything, document).Return("", errors.New("503 unavailable")).Once()
	f.fallback.On("ExtractText", mock.Anything, document).Return("scanned text", nil).Once()
	f.db.On("CompleteJob", mock.Anything, jobID, "scanned text", 1).Return(nil).Once()

	require.NoError(t, f.processor(WithFallback(f.fallback)).ProcessJob(context.Background(), jobID))
	f.fallback.AssertNumberOfCalls(t, "ExtractText", 2)
	f.assertExpectations(t)
}

func TestProcessJob_StripsNULBeforeSaving(t *testing.T) {
	noNUL := mock.MatchedBy(func(text string) bool {
		return !strings.Contains(text, "\x00") && strings.Contains(text, "ab")
	})

	t.Run("layout text", func(t *testing.T) {
		f := newFixture()
		jobID := uuid.New()
		job := queuedJob(jobID)

		f.db.On("Get", mock.Anything, jobID).Return(job, nil).Once()
		f.db.On("UpdateJobStatus", mock.Anything, jobID, models.StatusProcessing).Return(nil).Once()
		f.store.On("Download", mock.Anything, bucket, job.FileName).Return(pdftest.Build(pdftest.TextPage("a\\000b")), nil).Once()
		f.db.On("CompleteJob", mock.Anything, jobID, noNUL, 1).Return(nil).Once()

		require.NoError(t, f.processor().ProcessJob(context.Background(), jobID))
		f.assertExpectations(t)
	})

	t.Run("fallback text", func(t *testing.T) {
		f := newFixture()
		jobID := uuid.New()
		job := queuedJob(jobID)
		document := pdftest.Build("BT ET")

		f.db.On("Get", mock.Anything, jobID).Return(job, nil).Once()
		f.db.On("UpdateJobStatus", mock.Anything, jobID, models.StatusProcessing).Return(nil).Once()
		f.store.On("Download", mock.Anything, bucket, job.FileName).Return(document, nil).Once()
		f.fallback.On("ExtractText", mock.Anything, document).Return("a\x00b", nil).Once()
		f.db.On("CompleteJob", mock.Anything, jobID, "ab", 1).Return(nil).Once()

		require.NoError(t, f.processor(WithFallback(f.fallback)).ProcessJob(context.Background(), jobID))
		f.assertExpectations(t)
	})
}

func TestProcessJob_PermanentSaveErrorIsNotRetried(t *testing.T) {
	f := newFixture()
	jobID := uuid.New()
	job := queuedJob(jobID)

	f.db.On("Get", mock.Anything, jobID).Return(job, nil).Once()
	f.db.On("UpdateJobStatus", mock.Anything, jobID, models.StatusProcessing).Return(nil).Once()
	f.store.On("Download", mock.Anything, bucket, job.FileName).Return(pdftest.Build(pdftest.TextPage("x")), nil).Once()
	f.db.On("CompleteJob", mock.Anything, jobID, mock.Anything, 1).Return(apperrors.Permanent(errors.New("invalid byte sequence"))).Once()
	f.db.On("FailJob", mock.Anything, jobID, mock.Anything).Return(nil).Once()

	err := f.processor().ProcessJob(context.Background(), jobID)
	assert.True(t, apperrors.IsPermanent(err))
	f.db.AssertNumberOfCalls(t, "CompleteJob", 1)
	f.assertExpectations(t)
}

func TestProcessJob_SaveRetried(t *testing.T) {
	f := newFixture()
	jobID := uuid.New()
	job := queuedJob(jobID)

	f.db.On("Get", mock.Anything, jobID).Return(job, nil).Once()
	f.db.On("UpdateJobStatus", mock.Anything, jobID, models.StatusProcessing).Return(nil).Once()
	f.store.On("Download", mock.Anything, bucket, job.FileName).Return(pdftest.Build(pdftest.TextPage("x")), nil).Once()
	f.db.On("CompleteJob", mock.Anything, jobID, mock.Anything, 1).Return(errors.New("timeout")).Once()
	f.db.On("CompleteJob", mock.Anything, jobID, mock.Anything, 1).Return(nil).Once()

	require.NoError(t, f.processor().ProcessJob(context.Background(), jobID))
	f.store.AssertNumberOfCalls(t, "Download", 1)
	f.assertExpectations(t)
}

func TestRun_ProcessesUntilCancelled(t *testing.T) {
	f := newFixture()
	jobID := uuid.New()
	job := queuedJob(jobID)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.queue.On("ConsumeJob", mock.Anything).Return("not-a-uuid", nil).Once()
	f.queue.On("ConsumeJob", mock.Anything).Return(jobID.String(), nil).Once()
	f.queue.On("ConsumeJob", mock.Anything).Return("", context.Canceled).Run(func(mock.Arguments) { cancel() }).Once()

	f.db.On("Get", mock.Anything, jobID).Return(job, nil).Once()
	f.db.On("UpdateJobStatus", mock.Anything, jobID, models.StatusProcessing).Return(nil).Once()
	f.store.On("Download", mock.Anything, bucket, job.FileName).Return(pdftest.Build(pdftest.TextPage("x")), nil).Once()
	f.db.On("CompleteJob", mock.Anything, jobID, mock.Anything, 1).Return(nil).Once()

	done := make(chan error, 1)
	go func() { done <- f.processor().Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not stop after cancel")
	}
	f.assertExpectations(t)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(errors.New("boom")))
	assert.False(t, isRetryable(storage.ErrNotFound))
	assert.False(t, isRetryable(apperrors.Permanent(errors.New("boom"))))
	assert.False(t, isRetryable(context.Canceled))
}
