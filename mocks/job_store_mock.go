package mocks

import (
	"context"

	"entity-extractor/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

type MockJobStore struct {
	mock.Mock
}

func (m *MockJobStore) Create(ctx context.Context, jobID uuid.UUID, fileName string) error {
	args := m.Called(ctx, jobID, fileName)

	return args.Error(0)
}

func (m *MockJobStore) Get(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	args := m.Called(ctx, jobID)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Job), args.Error(1)
}

func (m *MockJobStore) UpdateJobStatus(ctx context.Context, jobID uuid.UUID, status models.Status) error {
	args := m.Called(ctx, jobID, status)

	return args.Error(0)
}

func (m *MockJobStore) CompleteJob(ctx context.Context, jobID uuid.UUID, text string, pageCount int) error {
	args := m.Called(ctx, jobID, text, pageCount)

	return args.Error(0)
}

func (m *MockJobStore) FailJob(ctx context.Context, jobID uuid.UUID, message string) error {
	args := m.Called(ctx, jobID, message)

	return args.Error(0)
}
