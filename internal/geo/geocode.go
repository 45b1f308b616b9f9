// Package geo places producers on the map with a model call and encodes the
// result for the producers.location column.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/winejournal/labelscan/internal/model"
	"github.com/winejournal/labelscan/pkg/anthropic"
)

// ErrInvalidLocation is returned when the model answers with coordinates or a
// tier that cannot be right.
var ErrInvalidLocation = eris.New("geo: invalid location")

const systemPrompt = `You geocode wine producers.

Given a producer name and whatever address details are known, return the coordinates of the winery itself.
Prefer the specific winery or vineyard coordinate over a regional centroid whenever you know it.
Always state how precise the coordinate is:
- "exact": the winery or cellar door itself
- "approximate": the town or village the winery is in
- "region": only the wine region's centroid is known

Respond with a single JSON object and nothing else:
{"latitude": number, "longitude": number, "confidence": "exact" | "approximate" | "region", "location_note": string}
If you cannot place the producer at all, respond with null.`

// Input describes the producer to place.
type Input struct {
	Producer   string
	Address    *string
	City       *string
	PostalCode *string
	Region     *string
	Country    *string
}

// InputFromWine builds a geocoder input from enriched label data.
func InputFromWine(w model.EnrichedWine) Input {
	return Input{
		Producer:   w.Producer,
		Address:    w.ProducerAddress,
		City:       w.ProducerCity,
		PostalCode: w.ProducerPostalCode,
		Region:     w.Region,
		Country:    w.Country,
	}
}

// Config selects the geocoding model.
type Config struct {
	Model     string
	MaxTokens int64
}

// Geocoder resolves producer locations.
type Geocoder struct {
	client anthropic.Client
	cfg    Config
}

// NewGeocoder creates a geocoder.
func NewGeocoder(client anthropic.Client, cfg Config) *Geocoder {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 256
	}
	return &Geocoder{client: client, cfg: cfg}
}

// Geocode returns the producer's location, or nil when the model cannot place it.
func (g *Geocoder) Geocode(ctx context.Context, in Input) (*model.GeoResult, anthropic.TokenUsage, error) {
	if strings.TrimSpace(in.Producer) == "" {
		return nil, anthropic.TokenUsage{}, eris.New("geo: producer is required")
	}

	resp, err := g.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       g.cfg.Model,
		MaxTokens:   g.cfg.MaxTokens,
		System:      anthropic.CachedSystem(systemPrompt),
		Temperature: anthropic.Float(0),
		Messages:    []anthropic.Message{{Role: "user", Content: buildPrompt(in)}},
	})
	if err != nil {
		return nil, anthropic.TokenUsage{}, eris.Wrap(err, "geo: create message")
	}
	resp.Usage.LogUsage(g.cfg.Model, "geocode")

	res, err := ParseResult(anthropic.ResponseText(resp))
	return res, resp.Usage, err
}

func buildPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Producer: %s\n", in.Producer)
	for _, f := range []struct {
		name string
		v    *string
	}{
		{"Address", in.Address},
		{"City", in.City},
		{"Postal code", in.PostalCode},
		{"Region", in.Region},
		{"Country", in.Country},
	} {
		if !model.Blank(f.v) {
			fmt.Fprintf(&b, "%s: %s\n", f.name, strings.TrimSpace(*f.v))
		}
	}
	b.WriteString("\nReturn only the JSON object, or null.")
	return b.String()
}

type wireResult struct {
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
	Confidence   *string  `json:"confidence"`
	LocationNote string   `json:"location_note"`
}

// ParseResult reads a geocoding response. "null", or a response without
// coordinates, means the producer could not be placed.
func ParseResult(text string) (*model.GeoResult, error) {
	cleaned := anthropic.CleanJSON(text)
	if cleaned == "null" || cleaned == "" {
		return nil, nil
	}

	var w wireResult
	if err := json.Unmarshal([]byte(cleaned), &w); err != nil {
		return nil, eris.Wrap(err, "geo: parse response")
	}
	if w.Latitude == nil || w.Longitude == nil {
		return nil, nil
	}

	lat, lon := *w.Latitude, *w.Longitude
	switch {
	case math.IsNaN(lat) || math.IsNaN(lon):
		return nil, eris.Wrap(ErrInvalidLocation, "geo: NaN coordinate")
	case lat < -90 || lat > 90 || lon < -180 || lon > 180:
		return nil, eris.Wrapf(ErrInvalidLocation, "geo: coordinate (%g, %g) out of range", lat, lon)
	case lat == 0 && lon == 0:
		return nil, eris.Wrap(ErrInvalidLocation, "geo: null island")
	}

	if w.Confidence == nil {
		return nil, eris.Wrap(ErrInvalidLocation, "geo: missing confidence tier")
	}
	tier := model.LocationConfidence(strings.ToLower(strings.TrimSpace(*w.Confidence)))
	if !tier.Valid() {
		return nil, eris.Wrapf(ErrInvalidLocation, "geo: unknown confidence tier %q", *w.Confidence)
	}

	return &model.GeoResult{
		Latitude:     lat,
		Longitude:    lon,
		Confidence:   tier,
		LocationNote: strings.TrimSpace(w.LocationNote),
	}, nil
}
