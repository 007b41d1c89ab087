package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	apperrors "entity-extractor/internal/errors"
	"entity-extractor/internal/logging"
	"entity-extractor/internal/models"
	"entity-extractor/internal/objectstore"
	"entity-extractor/internal/pdftext"
	"entity-extractor/internal/storage"

	"github.com/google/uuid"
)

type JobFetcher interface {
	ConsumeJob(ctx context.Context) (string, error)
}

// TextExtractor transcribes a document the layout engine found no text in.
type TextExtractor interface {
	ExtractText(ctx context.Context, document []byte) (string, error)
}

type Option func(*JobProcessor)

// WithFallback sets the extractor used for PDFs without a text layer.
func WithFallback(f TextExtractor) Option {
	return func(p *JobProcessor) { p.fallback = f }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *JobProcessor) { p.logger = l }
}

// WithRetry sets how many attempts store calls get and the first backoff,
// which doubles on every attempt.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(p *JobProcessor) {
		if attempts > 0 {
			p.maxRetries = attempts
		}
		p.backoff = backoff
	}
}

type JobProcessor struct {
	db        storage.JobUpdater
	queue     JobFetcher
	store     objectstore.FileStorer
	s3Bucket  string
	extractor *pdftext.Extractor
	fallback  TextExtractor
	logger    *slog.Logger

	maxRetries int
	backoff    time.Duration
	idle       time.Duration
}

func NewJobProcessor(db storage.JobUpdater, queue JobFetcher, store objectstore.FileStorer, s3Bucket string, extractor *pdftext.Extractor, opts ...Option) *JobProcessor {
	p := &JobProcessor{
		db:         db,
		queue:      queue,
		store:      store,
		s3Bucket:   s3Bucket,
		extractor:  extractor,
		maxRetries: 3,
		backoff:    time.Second,
		idle:       5 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrDefault(p.logger)
	if p.extractor == nil {
		p.extractor = pdftext.New(pdftext.WithLogger(p.logger))
	}
	return p
}

// Run pulls jobs off the queue until ctx is cancelled.
func (p *JobProcessor) Run(ctx context.Context) error {
	p.logger.Info("job processor has started, waiting for jobs", "bucket", p.s3Bucket, "fallback", p.fallback != nil)

	for {
		jobIDStr, err := p.queue.ConsumeJob(ctx)
		if ctx.Err() != nil {
			p.logger.Info("job processor stopping")
			return nil
		}
		if err != nil {
			p.logger.Error("error consuming job from queue", "error", err)
			// wait and then try again
			if !sleep(ctx, p.idle) {
				return nil
			}
			continue
		}

		jobID, err := uuid.Parse(jobIDStr)
		if err != nil {
			p.logger.Warn("invalid job id given, trying another job", "jobId", jobIDStr)
			continue
		}

		if err := p.ProcessJob(ctx, jobID); err != nil {
			p.logger.Error("job failed", "jobId", jobID, "error", err)
		}
	}
}

// ProcessJob takes one job from queued to completed or failed.
func (p *JobProcessor) ProcessJob(ctx context.Context, jobID uuid.UUID) error {
	logger := p.logger.With("jobId", jobID)
	logger.Info("processing job")

	var job *models.Job
	err := p.withRetry(ctx, "fetch job", jobID, func() error {
		var err error
		job, err = p.db.Get(ctx, jobID)
		return err
	})
	if err != nil {
		return err
	}

	if job.Status.Done() {
		logger.Info("job already finished, skipping", "status", job.Status)
		return nil
	}

	text, pages, err := p.processJobFile(ctx, job)
	if err != nil {
		p.fail(ctx, jobID, err)
		return err
	}

	if err := p.saveResultsWithRetry(ctx, jobID, text, pages); err != nil {
		p.fail(ctx, jobID, err)
		return err
	}

	logger.Info("job completed", "pages", pages, "chars", len(text))
	return nil
}

// processJobFile marks the job as processing, downloads the document and
// extracts its text. Returns the text and the page count.
func (p *JobProcessor) processJobFile(ctx context.Context, job *models.Job) (string, int, error) {
	if err := p.db.UpdateJobStatus(ctx, job.ID, models.StatusProcessing); err != nil {
		return "", 0, fmt.Errorf("failed to update job status: %w", err)
	}

	document, err := p.store.Download(ctx, p.s3Bucket, job.FileName)
	if err != nil {
		return "", 0, fmt.Errorf("failed downloading file: %w", err)
	}

	doc, err := p.extractor.ExtractReader(ctx, bytes.NewReader(document), int64(len(document)))
	if err != nil {
		return "", 0, fmt.Errorf("failed to extract document text: %w", err)
	}

	text := doc.Text(p.extractor.Separator())
	if strings.TrimSpace(text) == "" && doc.NumPages > 0 && p.fallback != nil {
		p.logger.Info("document has no text layer, using fallback", "jobId", job.ID, "pages", doc.NumPages)
		err = p.withRetry(ctx, "fallback extraction", job.ID, func() error {
			var err error
			text, err = p.fallback.ExtractText(ctx, document)
			return err
		})
		if err != nil {
			return "", 0, fmt.Errorf("fallback extraction: %w", err)
		}
	}

	// TEXT columns reject NUL
	return strings.ReplaceAll(text, "\x00", ""), doc.NumPages, nil
}

// saveResultsWithRetry is the final step. Extraction is not repeated when
// only the write fails.
func (p *JobProcessor) saveResultsWithRetry(ctx context.Context, jobID uuid.UUID, text string, pages int) error {
	return p.withRetry(ctx, "save results", jobID, func() error {
		return p.db.CompleteJob(ctx, jobID, text, pages)
	})
}

func (p *JobProcessor) fail(ctx context.Context, jobID uuid.UUID, cause error) {
	// the job is marked failed even when shutdown interrupted it
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := p.db.FailJob(ctx, jobID, cause.Error()); err != nil {
		p.logger.Error("failed to mark job as failed", "jobId", jobID, "error", err)
	}
}

func (p *JobProcessor) withRetry(ctx context.Context, op string, jobID uuid.UUID, fn func() error) error {
	var err error
	for i := 0; i < p.maxRetries; i++ {
		err = fn()
		if err == nil || !isRetryable(err) {
			return err
		}
		if i == p.maxRetries-1 {
			break
		}

		p.logger.Warn("retrying", "op", op, "jobId", jobID, "attempt", i+1, "error", err)

		// exponential backoff
		if !sleep(ctx, p.backoff<<i) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s for job %s failed after %d attempts: %w", op, jobID, p.maxRetries, err)
}

func isRetryable(err error) bool {
	return !errors.Is(err, storage.ErrNotFound) &&
		!apperrors.IsPermanent(err) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// sleep waits for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
