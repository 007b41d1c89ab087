package valkeydb

import (
	"context"
	"fmt"

	"entity-extractor/internal/queue"

	"github.com/valkey-io/valkey-go"
)

var _ queue.JobQueuer = (*ValkeyClient)(nil)

// DefaultQueue is the list document jobs are pushed to.
const DefaultQueue = "document-jobs"

type ValkeyClient struct {
	Client valkey.Client
	Queue  string
}

func New(ctx context.Context, address string, password string) (*ValkeyClient, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{address},
		Password:    password,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create Valkey client: %w", err)
	}

	v := &ValkeyClient{Client: client, Queue: DefaultQueue}
	if err := v.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("unable to ping Valkey: %w", err)
	}

	return v, nil
}

func (v *ValkeyClient) Close() {
	v.Client.Close()
}

// InsertJob pushes a job id onto the queue. Jobs are consumed in FIFO order.
func (v *ValkeyClient) InsertJob(ctx context.Context, jobID string) error {
	cmd := v.Client.B().Lpush().
		Key(v.Queue).
		Element(jobID).
		Build()

	if _, err := v.Client.Do(ctx, cmd).AsInt64(); err != nil {
		return fmt.Errorf("unable to add job (%s) to the queue: %w", jobID, err)
	}

	return nil
}

// ConsumeJob blocks until a job id is available or ctx is done.
func (v *ValkeyClient) ConsumeJob(ctx context.Context) (string, error) {
	cmd := v.Client.B().Brpop().
		Key(v.Queue).
		Timeout(0).
		Build()

	arr, err := v.Client.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("failed to parse blocking right pop response: %w", err)
	}

	// [queue, element]
	if len(arr) != 2 {
		return "", fmt.Errorf("unexpected blocking right pop response: %v", arr)
	}

	return arr[1], nil
}

// Len reports how many jobs are waiting.
func (v *ValkeyClient) Len(ctx context.Context) (int64, error) {
	n, err := v.Client.Do(ctx, v.Client.B().Llen().Key(v.Queue).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("unable to read queue length: %w", err)
	}
	return n, nil
}

func (v *ValkeyClient) Ping(ctx context.Context) error {
	return v.Client.Do(ctx, v.Client.B().Ping().Build()).Error()
}
