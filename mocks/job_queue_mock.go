package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockJobQueuer struct {
	mock.Mock
}

func (m *MockJobQueuer) InsertJob(ctx context.Context, jobID string) error {
	args := m.Called(ctx, jobID)

	return args.Error(0)
}

func (m *MockJobQueuer) ConsumeJob(ctx context.Context) (string, error) {
	args := m.Called(ctx)

	return args.String(0), args.Error(1)
}
