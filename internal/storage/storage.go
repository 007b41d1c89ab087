package storage

import (
	"context"
	"errors"

	"entity-extractor/internal/models"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("job not found")

type JobCreator interface {
	Create(ctx context.Context, jobID uuid.UUID, fileName string) error
}

type JobReader interface {
	Get(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
}

type JobUpdater interface {
	JobReader
	UpdateJobStatus(ctx context.Context, jobID uuid.UUID, status models.Status) error
	CompleteJob(ctx context.Context, jobID uuid.UUID, text string, pageCount int) error
	FailJob(ctx context.Context, jobID uuid.UUID, message string) error
}

type JobStore interface {
	JobCreator
	JobUpdater
}
