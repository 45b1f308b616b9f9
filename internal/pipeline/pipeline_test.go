package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/winejournal/labelscan/internal/geo"
	"github.com/winejournal/labelscan/internal/label"
	"github.com/winejournal/labelscan/internal/model"
	"github.com/winejournal/labelscan/internal/resilience"
	"github.com/winejournal/labelscan/internal/resolve"
	"github.com/winejournal/labelscan/pkg/anthropic"
)

const (
	sonnet = "claude-sonnet-4-5-20250929"
	haiku  = "claude-haiku-4-5-20251001"
)

type fixture struct {
	queue     *mockQueue
	extractor *mockExtractor
	enricher  *mockEnricher
	geocoder  *mockGeocoder
	resolver  *mockResolver
}

func newFixture() *fixture {
	return &fixture{
		queue:     &mockQueue{},
		extractor: &mockExtractor{},
		enricher:  &mockEnricher{},
		geocoder:  &mockGeocoder{},
		resolver:  &mockResolver{},
	}
}

func (f *fixture) processor(cfg Config) *Processor {
	if cfg.ExtractModel == "" {
		cfg.ExtractModel = sonnet
		cfg.EnrichModel = sonnet
		cfg.GeocodeModel = haiku
	}
	return New(cfg, f.queue, f.extractor, f.enricher, f.geocoder, f.resolver)
}

func (f *fixture) assertExpectations(t *testing.T) {
	t.Helper()
	f.queue.AssertExpectations(t)
	f.extractor.AssertExpectations(t)
	f.enricher.AssertExpectations(t)
	f.geocoder.AssertExpectations(t)
	f.resolver.AssertExpectations(t)
}

func scanJob(id string) model.ScanJob {
	scanID := "scan-" + id
	return model.ScanJob{
		ID:       id,
		UserID:   "user-1",
		ScanID:   &scanID,
		ImageURL: "https://abc.supabase.co/storage/v1/object/public/scan-images/user-1/" + id + ".jpg",
		Status:   model.JobStatusWorking,
	}
}

func intPtr(i int) *int { return &i }

var usage = anthropic.TokenUsage{InputTokens: 1000, OutputTokens: 100}

func TestProcessBatch_OpusOne(t *testing.T) {
	f := newFixture()
	job := scanJob("job-1")
	ocr := "OPUS ONE 2019"
	job.OCRText = &ocr

	lbl := model.ExtractedLabel{
		Producer:   "Opus One",
		WineName:   "Opus One",
		Year:       intPtr(2019),
		Region:     model.StringPtr("Napa Valley"),
		Varietals:  []string{},
		Confidence: 0.93,
	}
	enriched := model.FromLabel(lbl)
	enriched.Varietals = []string{"Cabernet Sauvignon", "Merlot", "Cabernet Franc"}
	enriched.WineType = model.StringPtr("red")
	loc := &model.GeoResult{Latitude: 38.4322, Longitude: -122.3935, Confidence: model.LocationExact}
	res := &resolve.Result{
		ProducerID: "producer-1", WineID: "wine-1", VintageID: "vintage-2019",
		VarietalIDs:     []string{"v-cab", "v-merlot", "v-franc"},
		ProducerCreated: true, WineCreated: true, VintageCreated: true,
	}

	f.queue.On("Claim", mock.Anything, 5).Return([]model.ScanJob{job}, nil)
	f.extractor.On("Extract", mock.Anything, job.ImageURL, "OPUS ONE 2019").Return(lbl, usage, nil)
	f.resolver.On("LookupWine", mock.Anything, "Opus One", "Opus One").Return(nil, nil)
	f.enricher.On("Enrich", mock.Anything, lbl, (*model.Wine)(nil)).Return(enriched, usage, nil)
	f.geocoder.On("Geocode", mock.Anything, mock.MatchedBy(func(in geo.Input) bool {
		return in.Producer == "Opus One" && *in.Region == "Napa Valley"
	})).Return(loc, usage, nil)
	f.resolver.On("Resolve", mock.Anything, job, enriched, loc).Return(res, nil)

	var stored model.ProcessedData
	f.queue.On("Complete", mock.Anything, "job-1", mock.AnythingOfType("json.RawMessage")).
		Run(func(args mock.Arguments) {
			require.NoError(t, json.Unmarshal(args.Get(2).(json.RawMessage), &stored))
		}).Return(nil)

	out, err := f.processor(Config{}).ProcessBatch(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Claimed)
	assert.Equal(t, 1, out.Completed)
	assert.Zero(t, out.Failed)
	assert.Equal(t, model.JobStatusCompleted, out.Jobs[0].Status)
	assert.Greater(t, out.EstimatedCostUSD, 0.0)
	assert.Len(t, out.Costs, 3)

	assert.Equal(t, "vintage-2019", stored.VintageID)
	assert.Equal(t, "Opus One", stored.Wine.Producer)
	require.NotNil(t, stored.Wine.Year)
	assert.Equal(t, 2019, *stored.Wine.Year)
	assert.Contains(t, stored.Wine.Varietals, "Cabernet Sauvignon")
	assert.Contains(t, stored.Wine.Varietals, "Merlot")
	assert.GreaterOrEqual(t, len(stored.VarietalIDs), 2)
	assert.Equal(t, model.LocationExact, stored.Location.Confidence)
	assert.Empty(t, stored.Warnings)
	assert.Equal(t, int64(1100), stored.Usage[StageExtract])
	assert.Equal(t, int64(3300), out.Jobs[0].Tokens)
	f.assertExpectations(t)
}

func TestProcessBatch_NoPendingJobs(t *testing.T) {
	f := newFixture()
	f.queue.On("Claim", mock.Anything, 10).Return([]model.ScanJob{}, nil)

	out, err := f.processor(Config{}).ProcessBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, out.Claimed)
	assert.Empty(t, out.Jobs)
	f.assertExpectations(t)
}

func TestProcessBatch_ClaimError(t *testing.T) {
	f := newFixture()
	f.queue.On("Claim", mock.Anything, 5).Return(nil, errors.New("connection refused"))

	_, err := f.processor(Config{}).ProcessBatch(context.Background(), 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline: claim jobs")
}

func TestProcessBatch_ExtractFailureFailsJob(t *testing.T) {
	f := newFixture()
	job := scanJob("job-1")

	f.queue.On("Claim", mock.Anything, 1).Return([]model.ScanJob{job}, nil)
	f.extractor.On("Extract", mock.Anything, job.ImageURL, "").
		Return(model.ExtractedLabel{}, usage, eris.Wrap(label.ErrUnparseable, "label: parse"))
	f.queue.On("Fail", mock.Anything, "job-1", "could not read the label").Return(nil)

	out, err := f.processor(Config{}).ProcessBatch(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, "could not read the label", out.Jobs[0].Error)
	f.enricher.AssertNotCalled(t, "Enrich", mock.Anything, mock.Anything, mock.Anything)
	f.resolver.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.queue.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)
	f.assertExpectations(t)
}

func TestProcessBatch_EnrichAndGeocodeFailuresAreWarnings(t *testing.T) {
	f := newFixture()
	job := scanJob("job-1")
	lbl := model.ExtractedLabel{Producer: "Ridge", WineName: "Monte Bello", Varietals: []string{}, Confidence: 0.8}
	unenriched := model.FromLabel(lbl)

	f.queue.On("Claim", mock.Anything, 1).Return([]model.ScanJob{job}, nil)
	f.extractor.On("Extract", mock.Anything, job.ImageURL, "").Return(lbl, usage, nil)
	f.resolver.On("LookupWine", mock.Anything, "Ridge", "Monte Bello").Return(nil, errors.New("pool closed"))
	f.enricher.On("Enrich", mock.Anything, lbl, (*model.Wine)(nil)).
		Return(unenriched, anthropic.TokenUsage{}, errors.New("enrich: create message: bad gateway"))
	f.geocoder.On("Geocode", mock.Anything, mock.Anything).
		Return(nil, usage, errors.New("geo: parse response: unexpected end of JSON input"))
	f.resolver.On("Resolve", mock.Anything, job, unenriched, (*model.GeoResult)(nil)).
		Return(&resolve.Result{ProducerID: "p", WineID: "w", VintageID: "v"}, nil)

	var stored model.ProcessedData
	f.queue.On("Complete", mock.Anything, "job-1", mock.Anything).
		Run(func(args mock.Arguments) {
			require.NoError(t, json.Unmarshal(args.Get(2).(json.RawMessage), &stored))
		}).Return(nil)

	out, err := f.processor(Config{}).ProcessBatch(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Completed)
	require.Len(t, out.Jobs[0].Warnings, 2)
	assert.Equal(t, StageEnrich, out.Jobs[0].Warnings[0].Stage)
	assert.Equal(t, StageGeocode, out.Jobs[0].Warnings[1].Stage)
	assert.Len(t, stored.Warnings, 2)
	assert.NotNil(t, stored.VarietalIDs)
	assert.Nil(t, stored.Location)
	f.assertExpectations(t)
}

func TestProcessBatch_ResolveFailureFailsJob(t *testing.T) {
	f := newFixture()
	job := scanJob("job-1")
	lbl := model.ExtractedLabel{Producer: "Krug", WineName: "Grande Cuvée", IsNV: true, Varietals: []string{}, Confidence: 0.9}
	w := model.FromLabel(lbl)

	f.queue.On("Claim", mock.Anything, 1).Return([]model.ScanJob{job}, nil)
	f.extractor.On("Extract", mock.Anything, job.ImageURL, "").Return(lbl, usage, nil)
	f.resolver.On("LookupWine", mock.Anything, "Krug", "Grande Cuvée").Return(nil, nil)
	f.enricher.On("Enrich", mock.Anything, lbl, (*model.Wine)(nil)).Return(w, usage, nil)
	f.geocoder.On("Geocode", mock.Anything, mock.Anything).Return(nil, usage, nil)
	f.resolver.On("Resolve", mock.Anything, job, w, (*model.GeoResult)(nil)).
		Return(nil, eris.New("resolve: insert producer Krug: violates foreign key constraint"))
	f.queue.On("Fail", mock.Anything, "job-1", "could not save the wine to the catalog").Return(nil)

	out, err := f.processor(Config{}).ProcessBatch(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Failed)
	assert.NotContains(t, out.Jobs[0].Error, "foreign key")
	f.queue.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)
	f.assertExpectations(t)
}

func TestProcessBatch_JobTimeout(t *testing.T) {
	f := newFixture()
	job := scanJob("job-1")

	f.queue.On("Claim", mock.Anything, 1).Return([]model.ScanJob{job}, nil)
	f.extractor.On("Extract", mock.Anything, job.ImageURL, "").
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(model.ExtractedLabel{}, anthropic.TokenUsage{}, eris.Wrap(context.DeadlineExceeded, "label: extract"))
	f.queue.On("Fail", mock.Anything, "job-1", "processing timed out during extract").Return(nil)

	out, err := f.processor(Config{JobTimeout: 20 * time.Millisecond}).ProcessBatch(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Failed)
	f.assertExpectations(t)
}

func TestProcessBatch_BreakerFailsFastAfterOutage(t *testing.T) {
	f := newFixture()
	jobs := []model.ScanJob{scanJob("job-1"), scanJob("job-2"), scanJob("job-3")}

	f.queue.On("Claim", mock.Anything, 3).Return(jobs, nil)
	f.extractor.On("Extract", mock.Anything, mock.Anything, "").
		Return(model.ExtractedLabel{}, anthropic.TokenUsage{}, errors.New("overloaded_error: Overloaded"))
	f.queue.On("Fail", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	p := f.processor(Config{
		Concurrency: 1,
		Breaker:     resilience.BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour},
	})
	out, err := p.ProcessBatch(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Failed)
	f.extractor.AssertNumberOfCalls(t, "Extract", 2)
	assert.Equal(t, "extract service is temporarily unavailable", out.Jobs[2].Error)
	assert.Equal(t, resilience.Open, p.Breakers().States()[sonnet])
}

func apiError(status int) error {
	return &sdk.Error{
		StatusCode: status,
		Request:    httptest.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil),
		Response:   &http.Response{StatusCode: status},
	}
}

func TestProcessBatch_OverloadedStatusTrips(t *testing.T) {
	f := newFixture()
	jobs := []model.ScanJob{scanJob("job-1"), scanJob("job-2"), scanJob("job-3")}

	f.queue.On("Claim", mock.Anything, 3).Return(jobs, nil)
	f.extractor.On("Extract", mock.Anything, mock.Anything, "").
		Return(model.ExtractedLabel{}, anthropic.TokenUsage{}, eris.Wrap(apiError(529), "label: create message"))
	f.queue.On("Fail", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	p := f.processor(Config{
		Concurrency: 1,
		Breaker:     resilience.BreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour},
	})
	out, err := p.ProcessBatch(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Failed)
	f.extractor.AssertNumberOfCalls(t, "Extract", 2)
	assert.Equal(t, resilience.Open, p.Breakers().States()[sonnet])
}

func TestProcessBatch_PermanentErrorsDoNotTrip(t *testing.T) {
	f := newFixture()
	jobs := []model.ScanJob{scanJob("job-1"), scanJob("job-2"), scanJob("job-3")}

	f.queue.On("Claim", mock.Anything, 3).Return(jobs, nil)
	f.extractor.On("Extract", mock.Anything, mock.Anything, "").
		Return(model.ExtractedLabel{}, usage, eris.Wrap(label.ErrMissingIdentity, "label: parse"))
	f.queue.On("Fail", mock.Anything, mock.Anything, "could not identify the producer or wine on the label").Return(nil)

	p := f.processor(Config{Concurrency: 1, Breaker: resilience.BreakerConfig{FailureThreshold: 1}})
	_, err := p.ProcessBatch(context.Background(), 3)
	require.NoError(t, err)
	f.extractor.AssertNumberOfCalls(t, "Extract", 3)
	assert.Equal(t, resilience.Closed, p.Breakers().States()[sonnet])
}

func TestProcessBatch_CompleteErrorCountsAsFailed(t *testing.T) {
	f := newFixture()
	job := scanJob("job-1")
	lbl := model.ExtractedLabel{Producer: "Ridge", WineName: "Ridge", Varietals: []string{}, Confidence: 0.5}
	w := model.FromLabel(lbl)

	f.queue.On("Claim", mock.Anything, 1).Return([]model.ScanJob{job}, nil)
	f.extractor.On("Extract", mock.Anything, mock.Anything, "").Return(lbl, usage, nil)
	f.resolver.On("LookupWine", mock.Anything, "Ridge", "Ridge").Return(nil, nil)
	f.enricher.On("Enrich", mock.Anything, lbl, (*model.Wine)(nil)).Return(w, usage, nil)
	f.geocoder.On("Geocode", mock.Anything, mock.Anything).Return(nil, usage, nil)
	f.resolver.On("Resolve", mock.Anything, job, w, (*model.GeoResult)(nil)).
		Return(&resolve.Result{VintageID: "v"}, nil)
	f.queue.On("Complete", mock.Anything, "job-1", mock.Anything).
		Return(eris.New("queue: job job-1 is pending, cannot become completed"))

	out, err := f.processor(Config{}).ProcessBatch(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, "could not record completion", out.Jobs[0].Error)
}

func TestProcessBatch_ConcurrentJobs(t *testing.T) {
	f := newFixture()
	var jobs []model.ScanJob
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		jobs = append(jobs, scanJob(id))
	}
	lbl := model.ExtractedLabel{Producer: "Ridge", WineName: "Geyserville", Varietals: []string{}, Confidence: 0.8}
	w := model.FromLabel(lbl)

	f.queue.On("Claim", mock.Anything, 5).Return(jobs, nil)
	f.extractor.On("Extract", mock.Anything, mock.Anything, "").Return(lbl, usage, nil)
	f.resolver.On("LookupWine", mock.Anything, "Ridge", "Geyserville").Return(nil, nil)
	f.enricher.On("Enrich", mock.Anything, lbl, (*model.Wine)(nil)).Return(w, usage, nil)
	f.geocoder.On("Geocode", mock.Anything, mock.Anything).Return(nil, usage, nil)
	f.resolver.On("Resolve", mock.Anything, mock.Anything, w, (*model.GeoResult)(nil)).
		Return(&resolve.Result{VintageID: "v"}, nil)
	f.queue.On("Complete", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	out, err := f.processor(Config{Concurrency: 3}).ProcessBatch(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 5, out.Completed)
	for i, j := range out.Jobs {
		assert.Equal(t, jobs[i].ID, j.JobID)
	}
	f.queue.AssertNumberOfCalls(t, "Complete", 5)
	assert.Equal(t, 5, out.Costs[0].Calls)
}

func TestProcessBatch_ReusesStoredProducerLocation(t *testing.T) {
	f := newFixture()
	caching := &mockCachingResolver{}
	job := scanJob("job-1")
	lbl := model.ExtractedLabel{Producer: "Château Margaux", WineName: "Pavillon Rouge", Varietals: []string{}, Confidence: 0.9}
	wine := model.FromLabel(lbl)
	stored := &model.GeoResult{Latitude: 45.0445, Longitude: -0.6688, Confidence: model.LocationExact}

	f.queue.On("Claim", mock.Anything, 1).Return([]model.ScanJob{job}, nil)
	f.extractor.On("Extract", mock.Anything, job.ImageURL, "").Return(lbl, usage, nil)
	caching.On("LookupWine", mock.Anything, "Château Margaux", "Pavillon Rouge").Return(nil, nil)
	f.enricher.On("Enrich", mock.Anything, lbl, (*model.Wine)(nil)).Return(wine, usage, nil)
	caching.On("ProducerLocation", mock.Anything, "Château Margaux").Return(stored, nil)
	caching.On("Resolve", mock.Anything, job, wine, stored).
		Return(&resolve.Result{ProducerID: "p", WineID: "w", VintageID: "v"}, nil)
	f.queue.On("Complete", mock.Anything, "job-1", mock.Anything).Return(nil)

	p := New(Config{ExtractModel: sonnet, EnrichModel: sonnet, GeocodeModel: haiku},
		f.queue, f.extractor, f.enricher, f.geocoder, caching)
	out, err := p.ProcessBatch(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Completed)
	f.geocoder.AssertNotCalled(t, "Geocode", mock.Anything, mock.Anything)
	caching.AssertExpectations(t)
	f.queue.AssertExpectations(t)
}

func TestProcessBatch_GeocodesWhenNoStoredLocation(t *testing.T) {
	for name, lookupErr := range map[string]error{
		"not placed":    nil,
		"lookup failed": errors.New("conn reset"),
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			caching := &mockCachingResolver{}
			job := scanJob("job-1")
			lbl := model.ExtractedLabel{Producer: "Krug", WineName: "Grande Cuvée", IsNV: true, Varietals: []string{}, Confidence: 0.9}
			wine := model.FromLabel(lbl)
			loc := &model.GeoResult{Latitude: 49.25, Longitude: 4.03, Confidence: model.LocationApproximate}

			f.queue.On("Claim", mock.Anything, 1).Return([]model.ScanJob{job}, nil)
			f.extractor.On("Extract", mock.Anything, job.ImageURL, "").Return(lbl, usage, nil)
			caching.On("LookupWine", mock.Anything, "Krug", "Grande Cuvée").Return(nil, nil)
			f.enricher.On("Enrich", mock.Anything, lbl, (*model.Wine)(nil)).Return(wine, usage, nil)
			caching.On("ProducerLocation", mock.Anything, "Krug").Return(nil, lookupErr)
			f.geocoder.On("Geocode", mock.Anything, mock.Anything).Return(loc, usage, nil)
			caching.On("Resolve", mock.Anything, job, wine, loc).
				Return(&resolve.Result{ProducerID: "p", WineID: "w", VintageID: "v"}, nil)
			f.queue.On("Complete", mock.Anything, "job-1", mock.Anything).Return(nil)

			p := New(Config{ExtractModel: sonnet, EnrichModel: sonnet, GeocodeModel: haiku},
				f.queue, f.extractor, f.enricher, f.geocoder, caching)
			out, err := p.ProcessBatch(context.Background(), 1)
			require.NoError(t, err)
			assert.Equal(t, 1, out.Completed)
			f.geocoder.AssertExpectations(t)
			caching.AssertExpectations(t)
		})
	}
}
