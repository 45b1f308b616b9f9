// Package pipeline claims scan jobs and runs each through label extraction,
// enrichment, geocoding and catalog resolution.
package pipeline

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/winejournal/labelscan/internal/cost"
	"github.com/winejournal/labelscan/internal/db"
	"github.com/winejournal/labelscan/internal/geo"
	"github.com/winejournal/labelscan/internal/model"
	"github.com/winejournal/labelscan/internal/resilience"
	"github.com/winejournal/labelscan/internal/resolve"
	"github.com/winejournal/labelscan/pkg/anthropic"
)

// Queue is the subset of the queue store the processor drives.
type Queue interface {
	Claim(ctx context.Context, limit int) ([]model.ScanJob, error)
	Complete(ctx context.Context, id string, data json.RawMessage) error
	Fail(ctx context.Context, id, message string) error
}

// Extractor reads a label photo.
type Extractor interface {
	Extract(ctx context.Context, imageURL, ocrText string) (model.ExtractedLabel, anthropic.TokenUsage, error)
}

// Enricher fills gaps in an extracted label.
type Enricher interface {
	Enrich(ctx context.Context, lbl model.ExtractedLabel, existing *model.Wine) (model.EnrichedWine, anthropic.TokenUsage, error)
}

// Geocoder places a producer.
type Geocoder interface {
	Geocode(ctx context.Context, in geo.Input) (*model.GeoResult, anthropic.TokenUsage, error)
}

// Resolver writes the catalog rows for a job.
type Resolver interface {
	LookupWine(ctx context.Context, producer, wineName string) (*model.Wine, error)
	Resolve(ctx context.Context, job model.ScanJob, w model.EnrichedWine, loc *model.GeoResult) (*resolve.Result, error)
}

// LocationCache is implemented by resolvers that can return a producer's
// stored location, letting the geocode stage skip the model call.
type LocationCache interface {
	ProducerLocation(ctx context.Context, producer string) (*model.GeoResult, error)
}

// Config tunes batch processing.
type Config struct {
	Concurrency       int
	JobTimeout        time.Duration
	RequestsPerSecond float64
	Breaker           resilience.BreakerConfig
	ExtractModel      string
	EnrichModel       string
	GeocodeModel      string
}

// JobOutcome is the result of processing one job.
type JobOutcome struct {
	JobID    string               `json:"job_id"`
	Status   model.JobStatus      `json:"status"`
	Error    string               `json:"error,omitempty"`
	Warnings []model.StageWarning `json:"warnings,omitempty"`
	Tokens   int64                `json:"tokens"`
}

// BatchResult summarises one claim-and-process cycle.
type BatchResult struct {
	Claimed          int              `json:"claimed"`
	Completed        int              `json:"completed"`
	Failed           int              `json:"failed"`
	Jobs             []JobOutcome     `json:"jobs"`
	Costs            []cost.StageCost `json:"costs,omitempty"`
	EstimatedCostUSD float64          `json:"estimated_cost_usd"`
}

// Processor runs claimed jobs through the stage chain.
type Processor struct {
	cfg       Config
	queue     Queue
	extractor Extractor
	enricher  Enricher
	geocoder  Geocoder
	resolver  Resolver
	breakers  *resilience.Breakers
	limiter   *rate.Limiter
	calc      *cost.Calculator
}

// New creates a processor.
func New(cfg Config, q Queue, ex Extractor, en Enricher, gc Geocoder, rs Resolver) *Processor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, int(cfg.RequestsPerSecond))
	}

	return &Processor{
		cfg:       cfg,
		queue:     q,
		extractor: ex,
		enricher:  en,
		geocoder:  gc,
		resolver:  rs,
		breakers:  resilience.NewBreakers(cfg.Breaker),
		limiter:   rate.NewLimiter(limit, burst),
		calc:      cost.NewCalculator(cost.DefaultRates()),
	}
}

// Breakers exposes the per-model circuit breakers for health reporting.
func (p *Processor) Breakers() *resilience.Breakers {
	return p.breakers
}

// ProcessBatch claims up to limit pending jobs and processes them
// concurrently. Calling it with no pending work is a no-op. Job failures are
// recorded on the jobs; only a failed claim is returned as an error.
func (p *Processor) ProcessBatch(ctx context.Context, limit int) (*BatchResult, error) {
	log := zap.L().With(zap.String("component", "pipeline"))

	jobs, err := p.queue.Claim(ctx, limit)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: claim jobs")
	}
	result := &BatchResult{Claimed: len(jobs), Jobs: make([]JobOutcome, len(jobs))}
	if len(jobs) == 0 {
		log.Debug("no pending jobs")
		return result, nil
	}

	log.Info("processing batch",
		zap.Int("jobs", len(jobs)),
		zap.Int("concurrency", p.cfg.Concurrency),
	)
	start := time.Now()
	tracker := cost.NewTracker(p.calc)

	var completed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, job := range jobs {
		g.Go(func() error {
			out := p.processJob(gctx, job, tracker)
			result.Jobs[i] = out
			if out.Status == model.JobStatusCompleted {
				completed.Add(1)
			} else {
				failed.Add(1)
			}
			return nil // one job never aborts the others
		})
	}
	_ = g.Wait()

	result.Completed = int(completed.Load())
	result.Failed = int(failed.Load())
	result.Costs = tracker.Stages()
	result.EstimatedCostUSD = tracker.TotalUSD()

	log.Info("batch complete",
		zap.Int("completed", result.Completed),
		zap.Int("failed", result.Failed),
		zap.Float64("estimated_cost_usd", result.EstimatedCostUSD),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

// processJob runs the stage chain for one job and records the terminal state.
func (p *Processor) processJob(ctx context.Context, job model.ScanJob, tracker *cost.Tracker) JobOutcome {
	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("job_id", job.ID),
		zap.String("user_id", job.UserID),
		zap.Int("retry_count", job.RetryCount),
	)

	jctx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	st := newState(job, tracker)
	for _, stage := range p.stages() {
		start := time.Now()
		err := stage.Run(jctx, st)
		duration := time.Since(start).Milliseconds()
		if err == nil {
			log.Debug("stage complete", zap.String("stage", stage.Name), zap.Int64("duration_ms", duration))
			continue
		}

		if !stage.Fatal {
			log.Warn("stage failed, continuing",
				zap.String("stage", stage.Name),
				zap.Int64("duration_ms", duration),
				zap.Error(err),
			)
			st.Warnings = append(st.Warnings, model.StageWarning{Stage: stage.Name, Message: failureMessage(stage.Name, err)})
			continue
		}

		msg := failureMessage(stage.Name, err)
		fields := []zap.Field{
			zap.String("stage", stage.Name),
			zap.Int64("duration_ms", duration),
			zap.String("error_message", msg),
			zap.String("error_class", resilience.Classify(err)),
			zap.Error(err),
		}
		if c := db.ConstraintName(err); c != "" {
			fields = append(fields, zap.String("constraint", c))
		}
		log.Error("job failed", fields...)
		// ctx, not jctx: a job that ran out of time still gets its failure recorded.
		if ferr := p.queue.Fail(ctx, job.ID, msg); ferr != nil {
			log.Error("record job failure", zap.Error(ferr))
		}
		return JobOutcome{JobID: job.ID, Status: model.JobStatusFailed, Error: msg, Warnings: st.Warnings, Tokens: st.Tokens.Total()}
	}

	data, err := json.Marshal(st.processedData())
	if err != nil {
		msg := "could not encode processing result"
		log.Error(msg, zap.Error(err))
		if ferr := p.queue.Fail(ctx, job.ID, msg); ferr != nil {
			log.Error("record job failure", zap.Error(ferr))
		}
		return JobOutcome{JobID: job.ID, Status: model.JobStatusFailed, Error: msg}
	}
	if err := p.queue.Complete(ctx, job.ID, data); err != nil {
		log.Error("record job completion", zap.Error(err))
		return JobOutcome{JobID: job.ID, Status: model.JobStatusFailed, Error: "could not record completion", Warnings: st.Warnings}
	}

	log.Info("job completed",
		zap.String("producer", st.Wine.Producer),
		zap.String("vintage_id", st.Result.VintageID),
		zap.Int("warnings", len(st.Warnings)),
		zap.Int64("input_tokens", st.Tokens.InputTokens),
		zap.Int64("output_tokens", st.Tokens.OutputTokens),
		zap.Int64("cache_read_tokens", st.Tokens.CacheReadInputTokens),
	)
	return JobOutcome{JobID: job.ID, Status: model.JobStatusCompleted, Warnings: st.Warnings, Tokens: st.Tokens.Total()}
}

// callModel paces and guards one LLM call. Each model gets its own breaker.
func (p *Processor) callModel(ctx context.Context, modelID string, fn func(ctx context.Context) error) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "pipeline: wait for rate limiter")
	}
	return p.breakers.Get(modelID).Do(ctx, func(ctx context.Context) error {
		err := fn(ctx)
		if code := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(code) {
			return resilience.NewTransientError(err, code)
		}
		return err
	})
}
