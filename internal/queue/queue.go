package queue

import (
	"context"
)

// JobQueuer hands a new job id to the workers.
type JobQueuer interface {
	InsertJob(ctx context.Context, jobID string) error
}
