package main

import (
	"context"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/winejournal/labelscan/internal/config"
	"github.com/winejournal/labelscan/internal/db"
	"github.com/winejournal/labelscan/internal/enrich"
	"github.com/winejournal/labelscan/internal/geo"
	"github.com/winejournal/labelscan/internal/intake"
	"github.com/winejournal/labelscan/internal/label"
	"github.com/winejournal/labelscan/internal/pipeline"
	"github.com/winejournal/labelscan/internal/queue"
	"github.com/winejournal/labelscan/internal/resilience"
	"github.com/winejournal/labelscan/internal/resolve"
	"github.com/winejournal/labelscan/internal/security"
	"github.com/winejournal/labelscan/internal/sweeper"
	anthropicpkg "github.com/winejournal/labelscan/pkg/anthropic"
	"github.com/winejournal/labelscan/pkg/storage"
)

// appEnv holds the pool and the services built on it. Fields the current
// command does not need stay nil.
type appEnv struct {
	Pool      *pgxpool.Pool
	Queue     *queue.Store
	Sweeper   *sweeper.Sweeper
	Processor *pipeline.Processor
	Intake    *intake.Service
}

// Close releases the connection pool.
func (e *appEnv) Close() {
	if e.Pool != nil {
		e.Pool.Close()
	}
}

// initDB validates the config for mode and opens the pool. Callers should
// defer env.Close().
func initDB(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	pool, err := db.Connect(ctx, cfg.Database.URL, db.PoolConfig{
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		return nil, eris.Wrap(err, "connect database")
	}

	return &appEnv{
		Pool:  pool,
		Queue: queue.NewStore(pool),
		Sweeper: sweeper.New(pool, sweeper.Config{
			StaleAfter:  time.Duration(cfg.Sweeper.StaleAfterMins) * time.Minute,
			FailedAfter: time.Duration(cfg.Sweeper.FailedAfterMins) * time.Minute,
			MaxRetries:  cfg.Sweeper.MaxRetries,
			BatchSize:   cfg.Sweeper.BatchSize,
		}),
	}, nil
}

// newImageValidator builds the outbound image URL policy. The DNS check uses
// r unless it is disabled in config.
func newImageValidator(sc config.SecurityConfig, r security.Resolver) *security.ImageURLValidator {
	var opts []security.ValidatorOption
	if sc.ResolveDNS {
		opts = append(opts, security.WithResolver(r))
	}
	return security.NewImageURLValidator(sc.TrustedImageDomains, opts...)
}

// initPipeline opens the pool and builds the stage chain. Submission intake is
// wired only when withIntake is set, since it needs storage credentials.
func initPipeline(ctx context.Context, mode string, withIntake bool) (*appEnv, error) {
	env, err := initDB(ctx, mode)
	if err != nil {
		return nil, err
	}

	knowledge, err := enrich.LoadKnowledge(cfg.Enrich.KnowledgeFile)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "load producer knowledge")
	}

	validator := newImageValidator(cfg.Security, net.DefaultResolver)
	client := anthropicpkg.NewClient(cfg.Anthropic.Key, anthropicpkg.WithTimeout(cfg.Anthropic.Timeout()))

	extractor := label.NewExtractor(client, validator, label.Config{
		Model:     cfg.Anthropic.ExtractModel,
		MaxTokens: cfg.Anthropic.MaxTokens,
	})
	enricher := enrich.NewEnricher(client, knowledge, enrich.Config{
		Model:     cfg.Anthropic.EnrichModel,
		MaxTokens: cfg.Anthropic.MaxTokens,
	})
	geocoder := geo.NewGeocoder(client, geo.Config{Model: cfg.Anthropic.GeocodeModel})

	env.Processor = pipeline.New(pipeline.Config{
		Concurrency:       cfg.Queue.Concurrency,
		JobTimeout:        cfg.Queue.JobTimeout(),
		RequestsPerSecond: cfg.Anthropic.RequestsPerSecond,
		Breaker:           resilience.NewBreakerConfig("anthropic", cfg.Anthropic.BreakerThreshold, cfg.Anthropic.BreakerResetSecs),
		ExtractModel:      cfg.Anthropic.ExtractModel,
		EnrichModel:       cfg.Anthropic.EnrichModel,
		GeocodeModel:      cfg.Anthropic.GeocodeModel,
	}, env.Queue, extractor, enricher, geocoder, resolve.NewWriter(env.Pool))

	if withIntake {
		store := storage.NewClient(cfg.Supabase.URL, cfg.Supabase.ServiceRoleKey,
			storage.WithTimeout(time.Duration(cfg.Supabase.TimeoutSecs)*time.Second))
		env.Intake = intake.NewService(env.Pool, store, validator, intake.Config{
			Bucket:        cfg.Supabase.StorageBucket,
			MaxImageBytes: cfg.Server.MaxUploadMB << 20,
		})
	}

	zap.L().Debug("pipeline initialized",
		zap.String("extract_model", cfg.Anthropic.ExtractModel),
		zap.String("enrich_model", cfg.Anthropic.EnrichModel),
		zap.String("geocode_model", cfg.Anthropic.GeocodeModel),
		zap.Int("knowledge_producers", len(knowledge.Producers)),
		zap.Bool("resolve_image_dns", cfg.Security.ResolveDNS),
	)

	return env, nil
}
