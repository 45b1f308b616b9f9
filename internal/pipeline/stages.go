package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/winejournal/labelscan/internal/cost"
	"github.com/winejournal/labelscan/internal/geo"
	"github.com/winejournal/labelscan/internal/model"
	"github.com/winejournal/labelscan/internal/resolve"
	"github.com/winejournal/labelscan/pkg/anthropic"
)

// Stage names, as recorded in warnings and logs.
const (
	StageExtract = "extract"
	StageEnrich  = "enrich"
	StageGeocode = "geocode"
	StageResolve = "resolve"
)

// State carries one job's data between stages. A stage that fails leaves it
// as it found it.
type State struct {
	Job      model.ScanJob
	Label    model.ExtractedLabel
	Wine     model.EnrichedWine
	Location *model.GeoResult
	Result   *resolve.Result
	Warnings []model.StageWarning
	Usage    map[string]int64
	Tokens   anthropic.TokenUsage

	tracker *cost.Tracker
}

func newState(job model.ScanJob, tracker *cost.Tracker) *State {
	return &State{Job: job, Usage: make(map[string]int64), tracker: tracker}
}

func (s *State) addUsage(stage, modelID string, u anthropic.TokenUsage) {
	if u == (anthropic.TokenUsage{}) {
		return
	}
	s.Usage[stage] += u.Total()
	s.Tokens.Add(u)
	if s.tracker != nil {
		s.tracker.Add(stage, modelID, u)
	}
}

func (s *State) processedData() model.ProcessedData {
	d := model.ProcessedData{
		Wine:     s.Wine,
		Location: s.Location,
		Warnings: s.Warnings,
		Usage:    s.Usage,
	}
	if s.Result != nil {
		d.ProducerID = s.Result.ProducerID
		d.WineID = s.Result.WineID
		d.VintageID = s.Result.VintageID
		d.VarietalIDs = s.Result.VarietalIDs
	}
	if d.VarietalIDs == nil {
		d.VarietalIDs = []string{}
	}
	return d
}

// Stage is one step of the chain. A fatal stage's error fails the job; any
// other stage's error becomes a warning.
type Stage struct {
	Name  string
	Fatal bool
	Run   func(ctx context.Context, s *State) error
}

func (p *Processor) stages() []Stage {
	return []Stage{
		{Name: StageExtract, Fatal: true, Run: p.extract},
		{Name: StageEnrich, Run: p.enrich},
		{Name: StageGeocode, Run: p.geocode},
		{Name: StageResolve, Fatal: true, Run: p.resolve},
	}
}

func (p *Processor) extract(ctx context.Context, s *State) error {
	var (
		lbl   model.ExtractedLabel
		usage anthropic.TokenUsage
	)
	err := p.callModel(ctx, p.cfg.ExtractModel, func(ctx context.Context) error {
		var err error
		lbl, usage, err = p.extractor.Extract(ctx, s.Job.ImageURL, s.Job.OCRHint())
		return err
	})
	s.addUsage(StageExtract, p.cfg.ExtractModel, usage)
	if err != nil {
		return err
	}
	s.Label = lbl
	s.Wine = model.FromLabel(lbl)
	return nil
}

func (p *Processor) enrich(ctx context.Context, s *State) error {
	existing, err := p.resolver.LookupWine(ctx, s.Label.Producer, s.Label.WineName)
	if err != nil {
		zap.L().Warn("existing wine lookup failed, enriching without it",
			zap.String("component", "pipeline"),
			zap.String("job_id", s.Job.ID),
			zap.Error(err),
		)
		existing = nil
	}

	var (
		w     model.EnrichedWine
		usage anthropic.TokenUsage
	)
	err = p.callModel(ctx, p.cfg.EnrichModel, func(ctx context.Context) error {
		var err error
		w, usage, err = p.enricher.Enrich(ctx, s.Label, existing)
		return err
	})
	s.addUsage(StageEnrich, p.cfg.EnrichModel, usage)
	if err != nil {
		return err
	}
	s.Wine = w
	return nil
}

func (p *Processor) geocode(ctx context.Context, s *State) error {
	if cache, ok := p.resolver.(LocationCache); ok {
		loc, err := cache.ProducerLocation(ctx, s.Wine.Producer)
		if err != nil {
			zap.L().Warn("stored producer location lookup failed, geocoding",
				zap.String("component", "pipeline"),
				zap.String("job_id", s.Job.ID),
				zap.Error(err),
			)
		}
		if loc != nil {
			s.Location = loc
			return nil
		}
	}

	var (
		loc   *model.GeoResult
		usage anthropic.TokenUsage
	)
	err := p.callModel(ctx, p.cfg.GeocodeModel, func(ctx context.Context) error {
		var err error
		loc, usage, err = p.geocoder.Geocode(ctx, geo.InputFromWine(s.Wine))
		return err
	})
	s.addUsage(StageGeocode, p.cfg.GeocodeModel, usage)
	if err != nil {
		return err
	}
	s.Location = loc
	return nil
}

func (p *Processor) resolve(ctx context.Context, s *State) error {
	res, err := p.resolver.Resolve(ctx, s.Job, s.Wine, s.Location)
	if err != nil {
		return err
	}
	s.Result = res
	return nil
}
