package api

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/winejournal/labelscan/internal/intake"
	"github.com/winejournal/labelscan/internal/pipeline"
	"github.com/winejournal/labelscan/internal/sweeper"
)

type mockSubmitter struct {
	mock.Mock
}

func (m *mockSubmitter) Submit(ctx context.Context, req intake.SubmitRequest) (*intake.SubmitResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*intake.SubmitResult), args.Error(1)
}

type mockProcessor struct {
	mock.Mock
}

func (m *mockProcessor) ProcessBatch(ctx context.Context, limit int) (*pipeline.BatchResult, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.BatchResult), args.Error(1)
}

type mockSweeper struct {
	mock.Mock
}

func (m *mockSweeper) Sweep(ctx context.Context) (*sweeper.Stats, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sweeper.Stats), args.Error(1)
}

func (m *mockSweeper) CleanupUser(ctx context.Context, userID string) (*sweeper.CleanupStats, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sweeper.CleanupStats), args.Error(1)
}
