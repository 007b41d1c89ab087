package mocks

import (
	"context"

	"entity-extractor/internal/entity"

	"github.com/stretchr/testify/mock"
)

type MockPredictor struct {
	mock.Mock
}

func (m *MockPredictor) Predict(ctx context.Context, hypothesis entity.Tensor) (entity.Tensor, error) {
	args := m.Called(ctx, hypothesis)

	return args.Get(0).(entity.Tensor), args.Error(1)
}

func (m *MockPredictor) Classes(out entity.Tensor) ([]entity.Class, error) {
	args := m.Called(out)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]entity.Class), args.Error(1)
}

func (m *MockPredictor) Input() entity.TensorInfo {
	args := m.Called()

	return args.Get(0).(entity.TensorInfo)
}

func (m *MockPredictor) Output() entity.TensorInfo {
	args := m.Called()

	return args.Get(0).(entity.TensorInfo)
}

func (m *MockPredictor) Labels() []string {
	args := m.Called()

	if args.Get(0) == nil {
		return nil
	}

	return args.Get(0).([]string)
}
