package pipeline

import (
	"context"
	"encoding/json"

	"github.com/stretchr/testify/mock"

	"github.com/winejournal/labelscan/internal/geo"
	"github.com/winejournal/labelscan/internal/model"
	"github.com/winejournal/labelscan/internal/resolve"
	"github.com/winejournal/labelscan/pkg/anthropic"
)

type mockQueue struct {
	mock.Mock
}

func (m *mockQueue) Claim(ctx context.Context, limit int) ([]model.ScanJob, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ScanJob), args.Error(1)
}

func (m *mockQueue) Complete(ctx context.Context, id string, data json.RawMessage) error {
	return m.Called(ctx, id, data).Error(0)
}

func (m *mockQueue) Fail(ctx context.Context, id, message string) error {
	return m.Called(ctx, id, message).Error(0)
}

type mockExtractor struct {
	mock.Mock
}

func (m *mockExtractor) Extract(ctx context.Context, imageURL, ocrText string) (model.ExtractedLabel, anthropic.TokenUsage, error) {
	args := m.Called(ctx, imageURL, ocrText)
	return args.Get(0).(model.ExtractedLabel), args.Get(1).(anthropic.TokenUsage), args.Error(2)
}

type mockEnricher struct {
	mock.Mock
}

func (m *mockEnricher) Enrich(ctx context.Context, lbl model.ExtractedLabel, existing *model.Wine) (model.EnrichedWine, anthropic.TokenUsage, error) {
	args := m.Called(ctx, lbl, existing)
	return args.Get(0).(model.EnrichedWine), args.Get(1).(anthropic.TokenUsage), args.Error(2)
}

type mockGeocoder struct {
	mock.Mock
}

func (m *mockGeocoder) Geocode(ctx context.Context, in geo.Input) (*model.GeoResult, anthropic.TokenUsage, error) {
	args := m.Called(ctx, in)
	var res *model.GeoResult
	if v := args.Get(0); v != nil {
		res = v.(*model.GeoResult)
	}
	return res, args.Get(1).(anthropic.TokenUsage), args.Error(2)
}

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) LookupWine(ctx context.Context, producer, wineName string) (*model.Wine, error) {
	args := m.Called(ctx, producer, wineName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Wine), args.Error(1)
}

func (m *mockResolver) Resolve(ctx context.Context, job model.ScanJob, w model.EnrichedWine, loc *model.GeoResult) (*resolve.Result, error) {
	args := m.Called(ctx, job, w, loc)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*resolve.Result), args.Error(1)
}

type mockCachingResolver struct {
	mockResolver
}

func (m *mockCachingResolver) ProducerLocation(ctx context.Context, producer string) (*model.GeoResult, error) {
	args := m.Called(ctx, producer)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.GeoResult), args.Error(1)
}
