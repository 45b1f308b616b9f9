// Package enrich fills gaps in an extracted label and adds descriptive
// metadata with a second model call. It never overwrites known values.
package enrich

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/winejournal/labelscan/internal/label"
	"github.com/winejournal/labelscan/internal/model"
	"github.com/winejournal/labelscan/pkg/anthropic"
)

// Config selects the enrichment model.
type Config struct {
	Model     string
	MaxTokens int64
}

// Enricher runs the enrichment call.
type Enricher struct {
	client    anthropic.Client
	knowledge *Knowledge
	system    string
	cfg       Config
}

// NewEnricher creates an enricher using k as producer guidance. k may be nil.
func NewEnricher(client anthropic.Client, k *Knowledge, cfg Config) *Enricher {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &Enricher{client: client, knowledge: k, system: buildSystemPrompt(k), cfg: cfg}
}

// Suggestion is the model's proposed values. Nothing here is applied directly;
// see Merge.
type Suggestion struct {
	Year               *float64 `json:"year"`
	Country            *string  `json:"country"`
	Region             *string  `json:"region"`
	Varietals          []string `json:"varietals"`
	ProducerWebsite    *string  `json:"producer_website"`
	ProducerAddress    *string  `json:"producer_address"`
	ProducerCity       *string  `json:"producer_city"`
	ProducerPostalCode *string  `json:"producer_postal_code"`
	WineType           *string  `json:"wine_type"`
	Color              *string  `json:"color"`
	Style              *string  `json:"style"`
	FoodPairings       []string `json:"food_pairings"`
	ServingTemperature *string  `json:"serving_temperature"`
	TastingNotes       *string  `json:"tasting_notes"`
}

// Enrich asks the model to complete lbl. existing is the catalog row for this
// wine when one is already known. On any failure the unenriched label is
// returned together with the error so the caller can continue without it.
func (e *Enricher) Enrich(ctx context.Context, lbl model.ExtractedLabel, existing *model.Wine) (model.EnrichedWine, anthropic.TokenUsage, error) {
	var hint *ProducerHint
	if h, ok := e.knowledge.Lookup(lbl.Producer); ok {
		hint = &h
	}

	prompt, err := buildUserPrompt(lbl, existing, hint)
	if err != nil {
		return model.FromLabel(lbl), anthropic.TokenUsage{}, err
	}

	resp, err := e.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     e.cfg.Model,
		MaxTokens: e.cfg.MaxTokens,
		System:    anthropic.CachedSystem(e.system),
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: prompt,
		}},
	})
	if err != nil {
		return model.FromLabel(lbl), anthropic.TokenUsage{}, eris.Wrap(err, "enrich: create message")
	}
	resp.Usage.LogUsage(e.cfg.Model, "enrich")

	var s Suggestion
	if err := json.Unmarshal([]byte(anthropic.CleanJSON(anthropic.ResponseText(resp))), &s); err != nil {
		return model.FromLabel(lbl), resp.Usage, eris.Wrap(err, "enrich: parse response")
	}
	return Merge(lbl, existing, s), resp.Usage, nil
}

// Merge applies s to lbl only where lbl, or the existing catalog wine, has no
// value. Identity fields are never touched. A year is filled only when the
// label neither showed one nor was marked non-vintage.
func Merge(lbl model.ExtractedLabel, existing *model.Wine, s Suggestion) model.EnrichedWine {
	out := model.FromLabel(lbl)

	if out.Year == nil && !out.IsNV && s.Year != nil {
		if y := int(*s.Year); float64(y) == *s.Year && y >= label.MinYear && y <= label.MaxYear {
			out.Year = &y
		}
	}
	fill(&out.Country, s.Country)
	fill(&out.Region, s.Region)
	fill(&out.ProducerWebsite, s.ProducerWebsite)
	fill(&out.ProducerAddress, s.ProducerAddress)
	fill(&out.ProducerCity, s.ProducerCity)
	fill(&out.ProducerPostalCode, s.ProducerPostalCode)
	if len(out.Varietals) == 0 {
		out.Varietals = model.DedupeNames(s.Varietals)
	}

	var known model.Wine
	if existing != nil {
		known = *existing
	}
	out.WineType = keepOrFill(known.WineType, lower(s.WineType))
	out.Color = keepOrFill(known.Color, lower(s.Color))
	out.Style = keepOrFill(known.Style, s.Style)
	out.ServingTemperature = keepOrFill(known.ServingTemperature, s.ServingTemperature)
	out.TastingNotes = keepOrFill(known.TastingNotes, s.TastingNotes)
	if len(known.FoodPairings) > 0 {
		out.FoodPairings = append([]string{}, known.FoodPairings...)
	} else {
		out.FoodPairings = model.DedupeNames(s.FoodPairings)
	}
	return out
}

func fill(dst **string, v *string) {
	if model.Blank(*dst) && v != nil {
		*dst = model.StringPtr(*v)
	}
}

func keepOrFill(known, suggested *string) *string {
	if !model.Blank(known) {
		return known
	}
	if suggested == nil {
		return nil
	}
	return model.StringPtr(*suggested)
}

func lower(p *string) *string {
	if p == nil {
		return nil
	}
	s := strings.ToLower(*p)
	return &s
}
